package identity

import (
	"crypto/rand"
	"strings"
)

const userCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // no 0/O/1/I

// GenerateUserCode mints a new "CJ-XXXXXX" voucher/user code.
func GenerateUserCode() string {
	var b strings.Builder
	b.WriteString("CJ-")
	buf := make([]byte, 6)
	_, _ = rand.Read(buf)
	for _, c := range buf {
		b.WriteByte(userCodeAlphabet[int(c)%len(userCodeAlphabet)])
	}
	return b.String()
}
