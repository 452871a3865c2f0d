package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReason(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"wrapped unauthorized", fmt.Errorf("send: %w", ErrUnauthorized), ReasonUnauthorized},
		{"not found", ErrConversationNotFound, ReasonConversationNotFound},
		{"wrapped persistence", fmt.Errorf("%w: disk full", ErrPersistenceFailure), ReasonPersistenceFailure},
		{"self conversation", ErrSelfConversation, ReasonInvalidRequest},
		{"unknown error stays internal", fmt.Errorf("badger: value log corrupted"), ReasonInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Reason(tt.err))
		})
	}
}

func TestFromReason_RoundTrip(t *testing.T) {
	req := require.New(t)
	for _, err := range []error{ErrAuthenticationFailure, ErrUnauthorized, ErrConversationNotFound, ErrPersistenceFailure, ErrTimeout} {
		req.ErrorIs(FromReason(Reason(err)), err)
	}
	req.Error(FromReason("something_new"))
}
