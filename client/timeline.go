// Package client is the participant side of the relay: the timeline that
// reconciles optimistic sends with server answers, the reconnection state
// machine, and the session that ties them to a websocket.
package client

import (
	"chat-relay/clock"
	"chat-relay/domain"
	"chat-relay/errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

const tempIDPrefix = "tmp-"

type Status int

const (
	StatusPending Status = iota
	StatusSent
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSent:
		return "sent"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// Entry is one line of a conversation as displayed. Entries submitted
// locally keep their temp id and original input until the server answers.
type Entry struct {
	TempID      string
	Message     domain.Message
	Status      Status
	Reason      string
	SubmittedAt time.Time
	Attachments []domain.AttachmentInput
}

// Timeline holds one conversation in ascending creation order.
// Pending entries are indexed by temp id, confirmed ones by server id.
type Timeline struct {
	mu             sync.Mutex
	conversationID domain.ConversationID
	userID         string
	clk            clock.Clock
	entries        []*Entry
	pending        map[string]*Entry
	known          map[domain.MessageID]*Entry
	olderCursor    *string
	exhausted      bool
}

func NewTimeline(conversationID domain.ConversationID, userID string, clk clock.Clock) *Timeline {
	return &Timeline{
		conversationID: conversationID,
		userID:         userID,
		clk:            clk,
		pending:        make(map[string]*Entry),
		known:          make(map[domain.MessageID]*Entry),
	}
}

func (t *Timeline) ConversationID() domain.ConversationID { return t.conversationID }

// Submit appends a pending entry and returns the command to transmit.
func (t *Timeline) Submit(content string, attachments []domain.AttachmentInput) domain.SendMessageCommand {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.submitLocked(content, attachments)
}

func (t *Timeline) submitLocked(content string, attachments []domain.AttachmentInput) domain.SendMessageCommand {
	tempID := t.newTempIDLocked()
	now := t.clk.Now()
	entry := &Entry{
		TempID: tempID,
		Message: domain.Message{
			ConversationID: t.conversationID,
			SenderID:       t.userID,
			Content:        content,
			CreatedAt:      now,
		},
		Status:      StatusPending,
		SubmittedAt: now,
		Attachments: attachments,
	}
	t.entries = append(t.entries, entry)
	t.pending[tempID] = entry
	return domain.SendMessageCommand{
		ConversationID: t.conversationID,
		Content:        content,
		Attachments:    attachments,
		ClientTempID:   tempID,
	}
}

// newTempIDLocked never hands out an id already used by a pending entry.
func (t *Timeline) newTempIDLocked() string {
	for {
		id := tempIDPrefix + uuid.NewString()
		if _, taken := t.pending[id]; !taken {
			return id
		}
	}
}

// Acknowledge replaces the pending entry in place with the server identity.
// A broadcast copy of the same message that arrived first is dropped.
func (t *Timeline) Acknowledge(tempID string, serverID domain.MessageID, createdAt time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.pending[tempID]
	if !ok {
		return fmt.Errorf("%w: %s", errors.ErrUnknownPendingMessage, tempID)
	}
	delete(t.pending, tempID)
	if duplicate, seen := t.known[serverID]; seen {
		t.removeLocked(duplicate)
	}
	entry.Message.ID = serverID
	entry.Message.CreatedAt = createdAt
	entry.Status = StatusSent
	t.known[serverID] = entry
	return nil
}

// Receive inserts a message coming from the server. It reports false when
// the server id is already displayed.
func (t *Timeline) Receive(message domain.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.insertLocked(message)
}

func (t *Timeline) insertLocked(message domain.Message) bool {
	if existing, seen := t.known[message.ID]; seen {
		if existing.Message.ReadAt == nil && message.ReadAt != nil {
			existing.Message.ReadAt = message.ReadAt
		}
		return false
	}
	entry := &Entry{Message: message, Status: StatusSent}
	t.known[message.ID] = entry

	// Confirmed entries stay ordered by creation time, pending ones trail.
	position := len(t.entries)
	for position > 0 && t.entries[position-1].Status != StatusSent {
		position--
	}
	for position > 0 && t.entries[position-1].Message.CreatedAt.After(message.CreatedAt) {
		position--
	}
	t.entries = slices.Insert(t.entries, position, entry)
	return true
}

// Fail marks a pending entry as failed with the wire reason.
func (t *Timeline) Fail(tempID, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.pending[tempID]
	if !ok {
		return fmt.Errorf("%w: %s", errors.ErrUnknownPendingMessage, tempID)
	}
	delete(t.pending, tempID)
	entry.Status = StatusFailed
	entry.Reason = reason
	return nil
}

// Retry drops a failed entry and resubmits its content under a new temp id.
func (t *Timeline) Retry(tempID string) (domain.SendMessageCommand, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := lo.Find(t.entries, func(e *Entry) bool {
		return e.TempID == tempID && e.Status == StatusFailed
	})
	if !ok {
		return domain.SendMessageCommand{}, fmt.Errorf("%w: no failed message %s", errors.ErrUnknownPendingMessage, tempID)
	}
	t.removeLocked(entry)
	return t.submitLocked(entry.Message.Content, entry.Attachments), nil
}

// ExpirePending fails every entry still pending after the deadline and
// returns their temp ids. Nothing is resent automatically.
func (t *Timeline) ExpirePending(deadline time.Duration) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.clk.Now().Add(-deadline)
	var expired []string
	for _, entry := range t.entries {
		if entry.Status == StatusPending && !entry.SubmittedAt.After(cutoff) {
			delete(t.pending, entry.TempID)
			entry.Status = StatusFailed
			entry.Reason = errors.ReasonTimeout
			expired = append(expired, entry.TempID)
		}
	}
	return expired
}

// PrependPage adds a history page, newest first as the server sends it,
// and remembers the cursor for the next older page.
func (t *Timeline) PrependPage(page domain.HistoryPage) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	added := t.mergeLocked(page.Messages)
	t.olderCursor = page.NextCursor
	t.exhausted = !page.HasMore
	return added
}

// Merge adds messages fetched after a reconnection, skipping known ones.
func (t *Timeline) Merge(messages []domain.Message) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mergeLocked(messages)
}

func (t *Timeline) mergeLocked(messages []domain.Message) int {
	added := 0
	for _, message := range slices.Backward(messages) {
		if t.insertLocked(message) {
			added++
		}
	}
	return added
}

// MarkRead applies a read receipt to the displayed messages.
func (t *Timeline) MarkRead(ids []domain.MessageID, readAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range ids {
		if entry, ok := t.known[id]; ok && entry.Message.ReadAt == nil {
			at := readAt
			entry.Message.ReadAt = &at
		}
	}
}

// OlderCursor is where the next backward page starts. It reports false once
// the beginning of the conversation was reached.
func (t *Timeline) OlderCursor() (*string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.olderCursor, !t.exhausted
}

// LastServerID is the newest message confirmed by the server, the anchor
// of a backfill.
func (t *Timeline) LastServerID() (domain.MessageID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, entry := range slices.Backward(t.entries) {
		if entry.Status == StatusSent {
			return entry.Message.ID, true
		}
	}
	return "", false
}

func (t *Timeline) Has(id domain.MessageID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.known[id]
	return ok
}

func (t *Timeline) IsPending(tempID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[tempID]
	return ok
}

// Entries returns a copy safe to render while the timeline keeps changing.
func (t *Timeline) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return lo.Map(t.entries, func(e *Entry, _ int) Entry { return *e })
}

func (t *Timeline) removeLocked(entry *Entry) {
	t.entries = slices.DeleteFunc(t.entries, func(e *Entry) bool { return e == entry })
	if entry.Message.ID != "" && t.known[entry.Message.ID] == entry {
		delete(t.known, entry.Message.ID)
	}
}
