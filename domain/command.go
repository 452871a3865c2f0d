package domain

// AttachmentInput is an attachment as submitted by a client, before it gets
// an identifier and an owner.
type AttachmentInput struct {
	URL      string `json:"url" validate:"required,url,max=2048"`
	MimeKind string `json:"mimeKind" validate:"required,mimekind"`
}

// SendMessageCommand carries a send request from a connection.
// A missing ConversationID together with a RecipientID opens the
// conversation with that recipient on first message.
type SendMessageCommand struct {
	ConversationID ConversationID    `json:"conversationId" validate:"required_without=RecipientID"`
	RecipientID    string            `json:"recipientId" validate:"required_without=ConversationID"`
	Content        string            `json:"content"`
	Attachments    []AttachmentInput `json:"attachments" validate:"max=10,dive"`
	ClientTempID   string            `json:"clientTempId" validate:"required,max=128"`
}

// OpenConversationCommand finds or creates the conversation with a counterpart.
type OpenConversationCommand struct {
	CounterpartID string `json:"counterpartId" validate:"required,max=256"`
}

type HistoryQuery struct {
	ConversationID ConversationID `json:"conversationId" validate:"required"`
	Cursor         *string        `json:"cursor"`
	Limit          int            `json:"limit" validate:"gte=0,lte=100"`
}

type MarkReadCommand struct {
	ConversationID ConversationID `json:"conversationId" validate:"required"`
	MessageIDs     []MessageID    `json:"messageIds" validate:"required,min=1,max=500"`
}

// HistoryPage is a backward page of messages, newest first.
// NextCursor points at the oldest message of the page.
type HistoryPage struct {
	Messages   []Message
	HasMore    bool
	NextCursor *string
}

// SearchQuery looks for text inside one conversation. Lang is an optional
// ISO 639-1 code restricting hits to messages detected in that language.
type SearchQuery struct {
	ConversationID ConversationID `json:"conversationId" validate:"required"`
	Text           string         `json:"text" validate:"required,max=256"`
	Lang           string         `json:"lang" validate:"omitempty,len=2"`
	Limit          int            `json:"limit" validate:"gte=0,lte=50"`
}
