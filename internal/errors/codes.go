package errors

// ErrorCode is the machine-readable result of a core operation. Every
// core operation returns one of these, plus a human message.
type ErrorCode string

const (
	// CodeOK is the successful, non-error result.
	CodeOK ErrorCode = "ok"

	// CodeBusy means the coin slot is held by another owner.
	// Non-retryable for this caller within the open window.
	CodeBusy ErrorCode = "busy"

	// CodeBanned means the FailAttemptGate rejected the attempt.
	// Retryable after the ban's BannedUntil time.
	CodeBanned ErrorCode = "banned"

	// CodeNoRateForAmount means the RatePlanner could not fit the amount.
	// Any Sale rows already written persist; credit is not applied.
	CodeNoRateForAmount ErrorCode = "no_rate_for_amount"

	// CodeConflict means the caller attempted to claim an identifier
	// (MAC/IP/user_code) already owned by another active User.
	CodeConflict ErrorCode = "conflict"

	// CodeTransient means a PacketPolicy call failed or timed out.
	// The Ticker will retry.
	CodeTransient ErrorCode = "transient"

	// CodeInvalid means malformed input, a bad shared secret, or an
	// unknown source.
	CodeInvalid ErrorCode = "invalid"

	// CodeNotFound means no such user/source/code exists.
	CodeNotFound ErrorCode = "not_found"

	// CodeMissingMAC means the MAC could not be resolved from the IP.
	CodeMissingMAC ErrorCode = "missing_mac"
)

// IsRetryable reports whether a caller should expect the same request to
// eventually succeed without changing its input.
func (e ErrorCode) IsRetryable() bool {
	return e == CodeTransient
}

// HTTPStatus maps a code to the status used by the event-ingestion HTTP surface.
func (e ErrorCode) HTTPStatus() int {
	switch e {
	case CodeOK:
		return 200
	case CodeBusy:
		return 409
	case CodeBanned:
		return 403
	case CodeConflict:
		return 409
	case CodeNoRateForAmount:
		return 422
	case CodeInvalid, CodeMissingMAC:
		return 400
	case CodeNotFound:
		return 404
	case CodeTransient:
		return 502
	default:
		return 500
	}
}
