//go:generate go run go.uber.org/mock/mockgen -source=contract.go -destination=../mocks/mock_contract.go -package=mocks
package contract

import (
	"chat-relay/domain"
	"chat-relay/domain/event"
	"context"
	"reflect"
)

type ISupervisor interface {
	Add(worker ...Worker) ISupervisor
	Run(ctx context.Context)
	Start(ctx context.Context, worker Worker)
	Stop()
}

// Worker doesn't protect itself
// Can be silly, focused
type Worker interface {
	Run(ctx context.Context) error
}

// GetWorkerName uses reflection to retrieve the type name of the worker.
// This is used for logging and supervision purposes during worker initialization
// or lifecycle events, avoiding the need for manual naming in the Worker interface.
func GetWorkerName(w Worker) string {
	if w == nil {
		return "NilWorker"
	}
	t := reflect.TypeOf(w)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

// EventSink is one live connection as seen by the server.
// Consume must never block the caller for long: a slow sink drops
// broadcast events, and replies wait at most until ctx ends.
type EventSink interface {
	ID() string
	UserID() string
	Consume(ctx context.Context, e event.DomainEvent) error
}

// Connection is an admitted sink carrying the identity the session gate
// attached to it.
type Connection interface {
	EventSink
	Identity() domain.Identity
}

// IRegistry is the delivery side of the room registry.
type IRegistry interface {
	Join(conversationID domain.ConversationID, sink EventSink)
	Leave(conversationID domain.ConversationID, sink EventSink)
	Broadcast(ctx context.Context, conversationID domain.ConversationID, e event.DomainEvent, excludeUserID string) int
	NotifyUser(ctx context.Context, userID string, e event.DomainEvent) int
}

// SessionValidator resolves an opaque credential into an identity.
type SessionValidator interface {
	ValidateSession(ctx context.Context, credential string) (domain.Identity, error)
}

type UnreadCounter interface {
	UnreadCount(ctx context.Context, userID string) (int, error)
}

// Archiver moves messages to cold storage before they leave the live store.
type Archiver interface {
	Archive(ctx context.Context, messages []domain.Message) error
}

// MessageIndex is the full text index kept next to the store.
type MessageIndex interface {
	Index(ctx context.Context, message domain.Message) error
	Remove(ctx context.Context, ids []domain.MessageID) error
	RemoveConversation(ctx context.Context, conversationID domain.ConversationID) error
	Search(ctx context.Context, query domain.SearchQuery) ([]domain.SearchHit, error)
}

// ContentFilter masks forbidden words before a message is stored.
type ContentFilter interface {
	Censor(content string) string
}
