package auth

import (
	"chat-relay/clock"
	"chat-relay/domain"
	"chat-relay/errors"
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "chat-relay"

// CustomClaims defines the structure of the data stored inside the JWT.
type CustomClaims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// TokenValidator checks HS256 tokens signed with a key loaded from
// configuration.
type TokenValidator struct {
	key   []byte
	clock clock.Clock
}

func NewTokenValidator(secret string, clk clock.Clock) *TokenValidator {
	return &TokenValidator{key: []byte(secret), clock: clk}
}

// GenerateToken creates a signed JWT for a specific user.
// Used by development tooling and tests; issuance belongs to the identity
// provider in production.
func (v *TokenValidator) GenerateToken(userID, role string, ttl time.Duration) (string, error) {
	now := v.clock.Now()
	claims := &CustomClaims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.key)
}

// ValidateSession parses and validates the signature and expiration of a JWT string.
func (v *TokenValidator) ValidateSession(_ context.Context, credential string) (domain.Identity, error) {
	token, err := jwt.ParseWithClaims(credential, &CustomClaims{}, func(token *jwt.Token) (interface{}, error) {
		return v.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.clock.Now),
	)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %v", errors.ErrAuthenticationFailure, err)
	}

	claims, ok := token.Claims.(*CustomClaims)
	if !ok || !token.Valid || claims.UserID == "" {
		return domain.Identity{}, errors.ErrAuthenticationFailure
	}
	return domain.Identity{UserID: claims.UserID, Role: claims.Role}, nil
}
