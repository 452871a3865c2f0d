// Package domain contains core concepts of the chat system.
// This file defines Message events and related rules.
// Messages are immutable once stored, except for ReadAt which is set once.
package domain

import (
	"time"
)

type MessageID string

// SenderKind is the role of the author at send time, or SystemSender.
type SenderKind string

const SystemSender SenderKind = "system"

// Message represents a persisted chat message.
// RecipientID is always the conversation participant that is not SenderID.
type Message struct {
	ID             MessageID
	ConversationID ConversationID
	SenderID       string
	RecipientID    string
	Content        string
	CreatedAt      time.Time
	ReadAt         *time.Time
	SenderKind     SenderKind
	Attachments    []Attachment
}

func (m Message) IsRead() bool {
	return m.ReadAt != nil
}

// Attachment belongs to exactly one message and is deleted with it.
type Attachment struct {
	ID        string
	MessageID MessageID
	URL       string
	MimeKind  string
	OwnerID   string
}

// Identity is what the session gate attaches to an admitted connection.
type Identity struct {
	UserID string
	Role   string
}

// Kind maps an identity role to the sender kind recorded on its messages.
func (i Identity) Kind() SenderKind {
	if i.Role == "" {
		return SenderKind("participant")
	}
	return SenderKind(i.Role)
}

// SearchHit is a message matched by the search index, best score first.
type SearchHit struct {
	MessageID      MessageID
	ConversationID ConversationID
	SenderID       string
	Content        string
	Language       string
	CreatedAt      time.Time
	Score          float64
}
