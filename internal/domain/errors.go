package domain

import "errors"

var (
	ErrAdmissionDenied      = errors.New("rate limit exceeded")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrNotParticipant       = errors.New("not a conversation participant")
	ErrStoreUnavailable     = errors.New("store unavailable")
	ErrTransportClosed      = errors.New("transport closed")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrInvalidConversation  = errors.New("invalid conversation")
	ErrInvalidMessage       = errors.New("invalid message")
)

// Error codes sent to clients.
const (
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeUnauthorized     = "UNAUTHORIZED"
	ErrCodeNotParticipant   = "NOT_PARTICIPANT"
	ErrCodeStoreUnavailable = "STORE_UNAVAILABLE"
	ErrCodeBadRequest       = "BAD_REQUEST"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeInternalError    = "INTERNAL_ERROR"
)

// ErrorCode maps an error chain to its wire code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAdmissionDenied):
		return ErrCodeRateLimited
	case errors.Is(err, ErrUnauthorized):
		return ErrCodeUnauthorized
	case errors.Is(err, ErrNotParticipant):
		return ErrCodeNotParticipant
	case errors.Is(err, ErrStoreUnavailable):
		return ErrCodeStoreUnavailable
	case errors.Is(err, ErrInvalidConversation), errors.Is(err, ErrInvalidMessage), errors.Is(err, ErrUnknownFrame):
		return ErrCodeBadRequest
	case errors.Is(err, ErrConversationNotFound), errors.Is(err, ErrMessageNotFound):
		return ErrCodeNotFound
	default:
		return ErrCodeInternalError
	}
}
