package policy

import (
	"net"
	"strconv"
	"strings"
)

// ClassID derives the download shaping key (1-254) from the last octet of
// ip. Returns 0 for an unparsable or zero-ended address.
func ClassID(ip string) int {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return classIDFromString(ip)
	}
	v4 := parsed.To4()
	if v4 == nil {
		return 0
	}
	last := int(v4[3])
	if last <= 0 || last >= 255 {
		return 0
	}
	return last
}

// classIDFromString is a fallback for malformed input in tests; parses the
// final dotted segment directly.
func classIDFromString(ip string) int {
	parts := strings.Split(ip, ".")
	if len(parts) != 4 {
		return 0
	}
	n, err := strconv.Atoi(parts[3])
	if err != nil || n <= 0 || n >= 255 {
		return 0
	}
	return n
}
