package errors

import (
	stderrors "errors"
	"fmt"
)

var (
	ErrWorkerPanic = fmt.Errorf("worker panic")

	ErrAuthenticationFailure = fmt.Errorf("authentication failed")
	ErrUnauthorized          = fmt.Errorf("not a participant of this conversation")
	ErrConversationNotFound  = fmt.Errorf("conversation not found")
	ErrPersistenceFailure    = fmt.Errorf("persistence failure")
	ErrTimeout               = fmt.Errorf("no acknowledgement before deadline")

	ErrInvalidRequest        = fmt.Errorf("invalid request")
	ErrSelfConversation      = fmt.Errorf("cannot open a conversation with yourself")
	ErrUnknownPendingMessage = fmt.Errorf("unknown pending message")
	ErrReconnectFailed       = fmt.Errorf("reconnection attempts exhausted")
	ErrInvalidCursor         = fmt.Errorf("invalid history cursor")
	ErrSessionClosed         = fmt.Errorf("session closed")
)

const (
	ReasonAuthenticationFailed = "authentication_failed"
	ReasonUnauthorized         = "unauthorized"
	ReasonConversationNotFound = "conversation_not_found"
	ReasonPersistenceFailure   = "persistence_failure"
	ReasonTimeout              = "timeout"
	ReasonInvalidRequest       = "invalid_request"
	ReasonInternal             = "internal"
)

// Reason maps an error to the stable string exposed on the wire.
// Internal details never leave the server.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case stderrors.Is(err, ErrAuthenticationFailure):
		return ReasonAuthenticationFailed
	case stderrors.Is(err, ErrUnauthorized):
		return ReasonUnauthorized
	case stderrors.Is(err, ErrConversationNotFound):
		return ReasonConversationNotFound
	case stderrors.Is(err, ErrPersistenceFailure):
		return ReasonPersistenceFailure
	case stderrors.Is(err, ErrTimeout):
		return ReasonTimeout
	case stderrors.Is(err, ErrInvalidRequest),
		stderrors.Is(err, ErrSelfConversation),
		stderrors.Is(err, ErrInvalidCursor):
		return ReasonInvalidRequest
	default:
		return ReasonInternal
	}
}

// FromReason is the client-side inverse of Reason.
func FromReason(reason string) error {
	switch reason {
	case ReasonAuthenticationFailed:
		return ErrAuthenticationFailure
	case ReasonUnauthorized:
		return ErrUnauthorized
	case ReasonConversationNotFound:
		return ErrConversationNotFound
	case ReasonPersistenceFailure:
		return ErrPersistenceFailure
	case ReasonTimeout:
		return ErrTimeout
	case ReasonInvalidRequest:
		return ErrInvalidRequest
	default:
		return fmt.Errorf("server error: %s", reason)
	}
}
