// Package errors provides structured error handling with machine-readable codes.
package errors

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Scope errors
	CodeScopeSelectorInvalid    Code = "SCOPE_SELECTOR_INVALID"
	CodeScopeSelfConversation   Code = "SCOPE_SELF_CONVERSATION"
	CodeScopeMembershipRequired Code = "SCOPE_MEMBERSHIP_REQUIRED"

	// Message errors
	CodeMessageContentEmpty   Code = "MESSAGE_CONTENT_EMPTY"
	CodeMessageContentTooLong Code = "MESSAGE_CONTENT_TOO_LONG"
	CodeMessageNotFound       Code = "MESSAGE_NOT_FOUND"

	// Pagination errors
	CodePageLimitInvalid Code = "PAGE_LIMIT_INVALID"

	// Session errors
	CodeSessionTokenInvalid Code = "SESSION_TOKEN_INVALID"
	CodeSessionTokenExpired Code = "SESSION_TOKEN_EXPIRED"

	// Storage errors
	CodeStorageUnavailable Code = "STORAGE_UNAVAILABLE"
	CodeNotFound           Code = "NOT_FOUND"
)

// WireCode maps domain codes to the transport-level error codes used on the
// websocket surface.
func (c Code) WireCode() string {
	switch c {
	case CodeScopeSelectorInvalid,
		CodeScopeSelfConversation,
		CodeMessageContentEmpty,
		CodeMessageContentTooLong,
		CodePageLimitInvalid:
		return "INVALID_ARGUMENT"
	case CodeScopeMembershipRequired,
		CodeSessionTokenInvalid,
		CodeSessionTokenExpired:
		return "FORBIDDEN"
	case CodeMessageNotFound, CodeNotFound:
		return "NOT_FOUND"
	case CodeStorageUnavailable:
		return "UNAVAILABLE"
	default:
		return "UNKNOWN"
	}
}

// Retryable reports whether the caller may safely retry the failed request.
func (c Code) Retryable() bool {
	return c == CodeStorageUnavailable
}
