package eventapi

import (
	"encoding/json"
	"io"
)

// decodeJSON decodes a JSON request body into dest, rejecting unknown
// fields so a malformed pulse/heartbeat payload fails loudly instead of
// silently dropping a field. The reader is closed after decoding.
func decodeJSON(r io.ReadCloser, dest any) error {
	defer r.Close()
	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}
