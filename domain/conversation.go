// Package domain contains core concepts of the chat system.
// This file defines Conversation entities and their participant invariants.
// No runtime, network, or storage logic should be added here.
package domain

import (
	"time"
)

type ConversationID string

// Conversation is a private context between exactly two participants.
// The requester is the participant who sent the first message.
type Conversation struct {
	ID             ConversationID
	RequesterID    string
	CounterpartID  string
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// Participants returns both participant ids, requester first.
func (c Conversation) Participants() [2]string {
	return [2]string{c.RequesterID, c.CounterpartID}
}

// Has reports whether userID is one of the two participants.
func (c Conversation) Has(userID string) bool {
	return userID != "" && (userID == c.RequesterID || userID == c.CounterpartID)
}

// Other returns the participant that is not userID.
// The boolean is false when userID does not belong to the conversation.
func (c Conversation) Other(userID string) (string, bool) {
	switch userID {
	case "":
		return "", false
	case c.RequesterID:
		return c.CounterpartID, true
	case c.CounterpartID:
		return c.RequesterID, true
	default:
		return "", false
	}
}

// PairKey identifies a conversation by its unordered participant pair,
// so that A→B and B→A resolve to the same conversation.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}
