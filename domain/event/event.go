// Package event defines everything the server pushes to a live connection.
// Each event knows its wire type; the transport wraps it in an Envelope.
package event

import (
	"chat-relay/domain"
	"time"

	"github.com/samber/lo"
)

type Type string

const (
	AdmittedType            Type = "admitted"
	RejectedType            Type = "rejected"
	MessageAcknowledgedType Type = "message_acknowledged"
	MessageFailedType       Type = "message_failed"
	NewMessageType          Type = "new_message"
	TypingStartedType       Type = "typing_started"
	TypingStoppedType       Type = "typing_stopped"
	MessagesReadType        Type = "messages_read"
	MessageNotificationType Type = "message_notification"
	HistoryPageType         Type = "history_page"
	ReadAcknowledgedType    Type = "read_acknowledged"
	ConversationOpenedType  Type = "conversation_opened"
	OperationFailedType     Type = "operation_failed"
	SearchResultsType       Type = "search_results"
)

type DomainEvent interface {
	EventType() Type
}

type Admitted struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

func (Admitted) EventType() Type { return AdmittedType }

type Rejected struct {
	Reason string `json:"reason"`
}

func (Rejected) EventType() Type { return RejectedType }

// MessageAcknowledged is sent to the originating connection only.
type MessageAcknowledged struct {
	ClientTempID   string    `json:"clientTempId"`
	ServerID       string    `json:"serverId"`
	ConversationID string    `json:"conversationId"`
	CreatedAt      time.Time `json:"createdAt"`
}

func (MessageAcknowledged) EventType() Type { return MessageAcknowledgedType }

type MessageFailed struct {
	ClientTempID string `json:"clientTempId"`
	Reason       string `json:"reason"`
}

func (MessageFailed) EventType() Type { return MessageFailedType }

type NewMessage struct {
	Message Message `json:"message"`
}

func (NewMessage) EventType() Type { return NewMessageType }

type TypingStarted struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

func (TypingStarted) EventType() Type { return TypingStartedType }

type TypingStopped struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

func (TypingStopped) EventType() Type { return TypingStoppedType }

type MessagesRead struct {
	ConversationID string   `json:"conversationId"`
	ReaderID       string   `json:"readerId"`
	MessageIDs     []string `json:"messageIds"`
}

func (MessagesRead) EventType() Type { return MessagesReadType }

// MessageNotification goes to the recipient's private channel.
type MessageNotification struct {
	Message     Message `json:"message"`
	UnreadCount int     `json:"unreadCount"`
}

func (MessageNotification) EventType() Type { return MessageNotificationType }

type HistoryPage struct {
	RequestID      string    `json:"requestId,omitempty"`
	ConversationID string    `json:"conversationId"`
	Messages       []Message `json:"messages"`
	HasMore        bool      `json:"hasMore"`
	NextCursor     *string   `json:"nextCursor,omitempty"`
}

func (HistoryPage) EventType() Type { return HistoryPageType }

type ReadAcknowledged struct {
	RequestID      string   `json:"requestId,omitempty"`
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
}

func (ReadAcknowledged) EventType() Type { return ReadAcknowledgedType }

type ConversationOpened struct {
	RequestID    string       `json:"requestId,omitempty"`
	Conversation Conversation `json:"conversation"`
}

func (ConversationOpened) EventType() Type { return ConversationOpenedType }

// OperationFailed reports a failed non-send request to its originator.
type OperationFailed struct {
	RequestID string `json:"requestId,omitempty"`
	Operation string `json:"operation"`
	Reason    string `json:"reason"`
}

func (OperationFailed) EventType() Type { return OperationFailedType }

type SearchResults struct {
	RequestID      string      `json:"requestId,omitempty"`
	ConversationID string      `json:"conversationId"`
	Hits           []SearchHit `json:"hits"`
}

func (SearchResults) EventType() Type { return SearchResultsType }

type SearchHit struct {
	MessageID string    `json:"messageId"`
	SenderID  string    `json:"senderId"`
	Content   string    `json:"content"`
	Language  string    `json:"language"`
	CreatedAt time.Time `json:"createdAt"`
	Score     float64   `json:"score"`
}

func FromHits(hits []domain.SearchHit) []SearchHit {
	return lo.Map(hits, func(h domain.SearchHit, _ int) SearchHit {
		return SearchHit{
			MessageID: string(h.MessageID),
			SenderID:  h.SenderID,
			Content:   h.Content,
			Language:  h.Language,
			CreatedAt: h.CreatedAt,
			Score:     h.Score,
		}
	})
}

// Message is the wire form of domain.Message.
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversationId"`
	SenderID       string       `json:"senderId"`
	RecipientID    string       `json:"recipientId"`
	Content        string       `json:"content"`
	CreatedAt      time.Time    `json:"createdAt"`
	ReadAt         *time.Time   `json:"readAt,omitempty"`
	SenderKind     string       `json:"senderKind"`
	Attachments    []Attachment `json:"attachments,omitempty"`
}

type Attachment struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	MimeKind string `json:"mimeKind"`
	OwnerID  string `json:"ownerId"`
}

type Conversation struct {
	ID             string    `json:"id"`
	RequesterID    string    `json:"requesterId"`
	CounterpartID  string    `json:"counterpartId"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

func FromMessage(m domain.Message) Message {
	return Message{
		ID:             string(m.ID),
		ConversationID: string(m.ConversationID),
		SenderID:       m.SenderID,
		RecipientID:    m.RecipientID,
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
		ReadAt:         m.ReadAt,
		SenderKind:     string(m.SenderKind),
		Attachments: lo.Map(m.Attachments, func(a domain.Attachment, _ int) Attachment {
			return Attachment{ID: a.ID, URL: a.URL, MimeKind: a.MimeKind, OwnerID: a.OwnerID}
		}),
	}
}

func FromMessages(messages []domain.Message) []Message {
	return lo.Map(messages, func(m domain.Message, _ int) Message { return FromMessage(m) })
}

// ToDomain converts a wire message back, used by clients.
func (m Message) ToDomain() domain.Message {
	return domain.Message{
		ID:             domain.MessageID(m.ID),
		ConversationID: domain.ConversationID(m.ConversationID),
		SenderID:       m.SenderID,
		RecipientID:    m.RecipientID,
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
		ReadAt:         m.ReadAt,
		SenderKind:     domain.SenderKind(m.SenderKind),
		Attachments: lo.Map(m.Attachments, func(a Attachment, _ int) domain.Attachment {
			return domain.Attachment{ID: a.ID, MessageID: domain.MessageID(m.ID), URL: a.URL, MimeKind: a.MimeKind, OwnerID: a.OwnerID}
		}),
	}
}

func FromConversation(c domain.Conversation) Conversation {
	return Conversation{
		ID:             string(c.ID),
		RequesterID:    c.RequesterID,
		CounterpartID:  c.CounterpartID,
		LastActivityAt: c.LastActivityAt,
	}
}

func MessageIDs(ids []domain.MessageID) []string {
	return lo.Map(ids, func(id domain.MessageID, _ int) string { return string(id) })
}
