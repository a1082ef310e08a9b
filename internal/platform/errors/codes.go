// Package errors provides structured errors with machine-readable codes.
//
// Action parsing, validation and undo failures all travel as *Error values so
// transports (socket, scripts, CLI) can branch on Code without matching text.
package errors

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Command text errors
	CodeSyntax        Code = "SYNTAX_ERROR"
	CodeUnknownAction Code = "UNKNOWN_ACTION"

	// Variant conversion errors
	CodeParse        Code = "PARSE_FAILED"
	CodeTypeMismatch Code = "TYPE_MISMATCH"

	// Pipeline errors
	CodeValidation          Code = "VALIDATION_FAILED"
	CodeResourceUnavailable Code = "RESOURCE_UNAVAILABLE"
	CodeRunFailed           Code = "RUN_FAILED"

	// State errors
	CodeStateLocked Code = "STATE_LOCKED"
	CodeNotFound    Code = "NOT_FOUND"

	// Undo errors
	CodeUndoDataUnavailable Code = "UNDO_DATA_UNAVAILABLE"
	CodeUndoEmpty           Code = "UNDO_EMPTY"
)

// Retryable reports whether an error with this code may succeed if the same
// command is posted again later.
func (c Code) Retryable() bool {
	switch c {
	case CodeResourceUnavailable:
		return true
	default:
		return false
	}
}
