package errors

import (
	"encoding/json"
	"net/http"
)

// CoreError is a typed error carrying one of the core operation result codes.
type CoreError struct {
	Code    ErrorCode
	Message string
	// BannedUntil is set only when Code == CodeBanned.
	BannedUntil *int64 `json:"banned_until,omitempty"`
}

func (e *CoreError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Code)
}

// New builds a CoreError.
func New(code ErrorCode, message string) *CoreError {
	return &CoreError{Code: code, Message: message}
}

// Banned builds a CodeBanned error carrying the ban's expiry as a unix timestamp.
func Banned(until int64) *CoreError {
	return &CoreError{Code: CodeBanned, Message: "banned", BannedUntil: &until}
}

// Response is the standardized error envelope returned to HTTP callers.
type Response struct {
	Error Detail `json:"error"`
}

// Detail contains the error code, message, and optional context.
type Detail struct {
	Code        ErrorCode              `json:"code"`
	Message     string                 `json:"message"`
	Retryable   bool                   `json:"retryable"`
	BannedUntil *int64                 `json:"banned_until,omitempty"`
	Details     map[string]interface{} `json:"details,omitempty"`
}

// NewResponse creates a standardized error response from a CoreError.
func NewResponse(err *CoreError, details map[string]interface{}) Response {
	return Response{
		Error: Detail{
			Code:        err.Code,
			Message:     err.Error(),
			Retryable:   err.Code.IsRetryable(),
			BannedUntil: err.BannedUntil,
			Details:     details,
		},
	}
}

// WriteJSON writes the error response as JSON to the HTTP response writer.
func (r Response) WriteJSON(w http.ResponseWriter) {
	status := r.Error.Code.HTTPStatus()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(r)
}

// Write is a convenience function to write an error response in one call.
func Write(w http.ResponseWriter, err *CoreError, details map[string]interface{}) {
	NewResponse(err, details).WriteJSON(w)
}
