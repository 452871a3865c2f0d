package auth

import (
	"chat-relay/contract"
	"chat-relay/domain"
	"chat-relay/errors"
	"context"
	"log/slog"
	"net/http"
	"strings"
)

// ChainValidator tries each validator in order and admits on the first
// success.
type ChainValidator struct {
	validators []contract.SessionValidator
}

func NewChainValidator(validators ...contract.SessionValidator) *ChainValidator {
	return &ChainValidator{validators: validators}
}

func (c *ChainValidator) ValidateSession(ctx context.Context, credential string) (domain.Identity, error) {
	for _, validator := range c.validators {
		identity, err := validator.ValidateSession(ctx, credential)
		if err == nil {
			return identity, nil
		}
	}
	return domain.Identity{}, errors.ErrAuthenticationFailure
}

// Gate admits or refuses a connection once, when it is established.
// Every refusal is the same ErrAuthenticationFailure whatever the cause.
type Gate struct {
	log       *slog.Logger
	validator contract.SessionValidator
}

func NewGate(log *slog.Logger, validator contract.SessionValidator) *Gate {
	return &Gate{log: log, validator: validator}
}

func (g *Gate) Admit(ctx context.Context, credential string) (domain.Identity, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		g.log.Debug("Connection refused", "cause", "missing credential")
		return domain.Identity{}, errors.ErrAuthenticationFailure
	}
	identity, err := g.validator.ValidateSession(ctx, credential)
	if err != nil {
		g.log.Debug("Connection refused", "cause", err)
		return domain.Identity{}, errors.ErrAuthenticationFailure
	}
	if identity.UserID == "" {
		g.log.Debug("Connection refused", "cause", "empty identity")
		return domain.Identity{}, errors.ErrAuthenticationFailure
	}
	return identity, nil
}

// CredentialFromRequest reads the standard "Bearer <token>" header, then
// falls back to the token query parameter browsers use for websockets.
func CredentialFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}
