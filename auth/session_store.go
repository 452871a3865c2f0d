package auth

import (
	"chat-relay/clock"
	"chat-relay/domain"
	"chat-relay/errors"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/blake2b"
)

const sessionTokenBytes = 32

type storedSession struct {
	UserID    string
	Role      string
	ExpiresAt int64
}

// SessionStore keeps opaque session tokens in Badger. Only the BLAKE2b
// digest of a token is stored, so a copy of the database cannot be
// replayed as credentials. Entries carry a Badger TTL and their own expiry,
// the latter being checked against the injected clock.
type SessionStore struct {
	db    *badger.DB
	clock clock.Clock
}

func NewSessionStore(db *badger.DB, clk clock.Clock) *SessionStore {
	return &SessionStore{db: db, clock: clk}
}

// Issue creates a new opaque token for identity, valid for ttl.
func (s *SessionStore) Issue(_ context.Context, identity domain.Identity, ttl time.Duration) (string, error) {
	raw := make([]byte, sessionTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	value, err := cbor.Marshal(storedSession{
		UserID:    identity.UserID,
		Role:      identity.Role,
		ExpiresAt: s.clock.Now().Add(ttl).UnixNano(),
	})
	if err != nil {
		return "", err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(sessionKey(token), value).WithTTL(ttl))
	})
	if err != nil {
		return "", fmt.Errorf("store session: %w", err)
	}
	return token, nil
}

func (s *SessionStore) Revoke(_ context.Context, token string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(sessionKey(token))
	})
}

func (s *SessionStore) ValidateSession(_ context.Context, credential string) (domain.Identity, error) {
	var session storedSession
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(sessionKey(credential))
		if err != nil {
			return err
		}
		return item.Value(func(value []byte) error {
			return cbor.Unmarshal(value, &session)
		})
	})
	if stderrors.Is(err, badger.ErrKeyNotFound) {
		return domain.Identity{}, errors.ErrAuthenticationFailure
	}
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %v", errors.ErrAuthenticationFailure, err)
	}
	if s.clock.Now().UnixNano() >= session.ExpiresAt {
		return domain.Identity{}, errors.ErrAuthenticationFailure
	}
	return domain.Identity{UserID: session.UserID, Role: session.Role}, nil
}

func sessionKey(token string) []byte {
	digest := blake2b.Sum256([]byte(token))
	return []byte("session:" + hex.EncodeToString(digest[:]))
}
