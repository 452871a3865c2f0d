//go:generate go run go.uber.org/mock/mockgen -source=chat_service.go -destination=../mocks/mock_chat_service.go -package=mocks
package services

import (
	"chat-relay/clock"
	"chat-relay/contract"
	"chat-relay/domain"
	"chat-relay/domain/event"
	"chat-relay/errors"
	"chat-relay/repositories"
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"
)

const (
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 100
)

type IChatService interface {
	OpenConversation(ctx context.Context, conn contract.Connection, cmd domain.OpenConversationCommand) (domain.Conversation, error)
	SendMessage(ctx context.Context, conn contract.Connection, cmd domain.SendMessageCommand) error
	FetchHistory(ctx context.Context, identity domain.Identity, query domain.HistoryQuery) (domain.HistoryPage, error)
	MarkRead(ctx context.Context, identity domain.Identity, cmd domain.MarkReadCommand) ([]domain.MessageID, error)
	Typing(ctx context.Context, identity domain.Identity, conversationID domain.ConversationID, started bool) error
	SearchMessages(ctx context.Context, identity domain.Identity, query domain.SearchQuery) ([]domain.SearchHit, error)
	ListConversations(ctx context.Context, identity domain.Identity) ([]domain.Conversation, error)
	JoinRoom(conversationID domain.ConversationID, conn contract.Connection)
	LeaveRoom(conversationID domain.ConversationID, conn contract.Connection)
}

type ChatService struct {
	log        *slog.Logger
	repository repositories.IConversationRepository
	registry   contract.IRegistry
	unread     contract.UnreadCounter
	index      contract.MessageIndex
	filter     contract.ContentFilter
	clock      clock.Clock
	validate   *validator.Validate
}

func NewChatService(
	log *slog.Logger,
	repository repositories.IConversationRepository,
	registry contract.IRegistry,
	unread contract.UnreadCounter,
	index contract.MessageIndex,
	filter contract.ContentFilter,
	clk clock.Clock,
	validate *validator.Validate,
) *ChatService {
	return &ChatService{
		log:        log,
		repository: repository,
		registry:   registry,
		unread:     unread,
		index:      index,
		filter:     filter,
		clock:      clk,
		validate:   validate,
	}
}

// OpenConversation finds or creates the conversation between the caller and
// a counterpart, and joins the caller's connection to its room.
func (s *ChatService) OpenConversation(ctx context.Context, conn contract.Connection, cmd domain.OpenConversationCommand) (domain.Conversation, error) {
	if err := s.validate.Struct(cmd); err != nil {
		return domain.Conversation{}, fmt.Errorf("%w: %v", errors.ErrInvalidRequest, err)
	}
	conversation, err := s.repository.FindOrCreateConversation(ctx, conn.UserID(), cmd.CounterpartID)
	if err != nil {
		return domain.Conversation{}, err
	}
	s.registry.Join(conversation.ID, conn)
	return conversation, nil
}

// SendMessage runs the message pipeline for one send request.
//
// The conversation is resolved and the sender checked against its two
// participants, then the message, its attachments and the activity marker
// are written in one transaction. Only then is the sender acknowledged, the
// room broadcast and the recipient notified on their private channel. Any
// failure before that point is reported to the sending connection alone
// and nothing is delivered to anyone else. Content is masked by the filter
// before it is stored, and indexed for search once delivered.
func (s *ChatService) SendMessage(ctx context.Context, conn contract.Connection, cmd domain.SendMessageCommand) error {
	message, conversation, err := s.persist(ctx, conn, cmd)
	if err != nil {
		s.log.Debug("Send rejected",
			"user_id", conn.UserID(),
			"conversation_id", cmd.ConversationID,
			"client_temp_id", cmd.ClientTempID,
			"error", err)
		_ = conn.Consume(ctx, event.MessageFailed{ClientTempID: cmd.ClientTempID, Reason: errors.Reason(err)})
		return err
	}

	if cmd.ConversationID == "" {
		// First message: the sender did not know the room yet.
		s.registry.Join(conversation.ID, conn)
	}

	_ = conn.Consume(ctx, event.MessageAcknowledged{
		ClientTempID:   cmd.ClientTempID,
		ServerID:       string(message.ID),
		ConversationID: string(message.ConversationID),
		CreatedAt:      message.CreatedAt,
	})

	// The sender's other devices get the broadcast too and drop it by id.
	s.registry.Broadcast(ctx, conversation.ID, event.NewMessage{Message: event.FromMessage(message)}, "")

	if err = s.index.Index(ctx, message); err != nil {
		s.log.Warn("Message not indexed", "message_id", message.ID, "error", err)
	}

	unread, err := s.unread.UnreadCount(ctx, message.RecipientID)
	if err != nil {
		s.log.Warn("Unread count unavailable, notification skipped",
			"user_id", message.RecipientID,
			"message_id", message.ID,
			"error", err)
		return nil
	}
	s.registry.NotifyUser(ctx, message.RecipientID, event.MessageNotification{
		Message:     event.FromMessage(message),
		UnreadCount: unread,
	})
	return nil
}

func (s *ChatService) persist(ctx context.Context, conn contract.Connection, cmd domain.SendMessageCommand) (domain.Message, domain.Conversation, error) {
	if err := s.validate.Struct(cmd); err != nil {
		return domain.Message{}, domain.Conversation{}, fmt.Errorf("%w: %v", errors.ErrInvalidRequest, err)
	}
	identity := conn.Identity()
	draft := repositories.MessageDraft{
		ConversationID: cmd.ConversationID,
		SenderID:       identity.UserID,
		RecipientID:    cmd.RecipientID,
		Content:        s.filter.Censor(cmd.Content),
		SenderKind:     identity.Kind(),
		Attachments:    cmd.Attachments,
	}
	if cmd.ConversationID != "" {
		if _, err := s.authorizeParticipant(ctx, cmd.ConversationID, identity.UserID); err != nil {
			return domain.Message{}, domain.Conversation{}, err
		}
		// The recipient is always derived from the conversation.
		draft.RecipientID = ""
	}
	return s.repository.CreateMessage(ctx, draft)
}

func (s *ChatService) FetchHistory(ctx context.Context, identity domain.Identity, query domain.HistoryQuery) (domain.HistoryPage, error) {
	if err := s.validate.Struct(query); err != nil {
		return domain.HistoryPage{}, fmt.Errorf("%w: %v", errors.ErrInvalidRequest, err)
	}
	if _, err := s.authorizeParticipant(ctx, query.ConversationID, identity.UserID); err != nil {
		return domain.HistoryPage{}, err
	}
	limit := query.Limit
	if limit == 0 {
		limit = DefaultHistoryLimit
	}
	page, err := s.repository.History(ctx, query.ConversationID, query.Cursor, min(limit, MaxHistoryLimit))
	switch {
	case err == nil:
		return page, nil
	case stderrors.Is(err, errors.ErrInvalidCursor):
		return domain.HistoryPage{}, err
	default:
		return domain.HistoryPage{}, fmt.Errorf("%w: %v", errors.ErrPersistenceFailure, err)
	}
}

// MarkRead sets the read timestamp of the caller's received messages and
// tells the room, except the reader, which ones changed. Marking again is a
// no-op and broadcasts nothing.
func (s *ChatService) MarkRead(ctx context.Context, identity domain.Identity, cmd domain.MarkReadCommand) ([]domain.MessageID, error) {
	if err := s.validate.Struct(cmd); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrInvalidRequest, err)
	}
	if _, err := s.authorizeParticipant(ctx, cmd.ConversationID, identity.UserID); err != nil {
		return nil, err
	}
	changed, err := s.repository.MarkRead(ctx, cmd.ConversationID, identity.UserID, cmd.MessageIDs, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if len(changed) > 0 {
		s.registry.Broadcast(ctx, cmd.ConversationID, event.MessagesRead{
			ConversationID: string(cmd.ConversationID),
			ReaderID:       identity.UserID,
			MessageIDs:     event.MessageIDs(changed),
		}, identity.UserID)
	}
	return changed, nil
}

// Typing relays a typing indicator to the room, never to the typist.
// Nothing is stored and a dropped indicator is not an error.
func (s *ChatService) Typing(ctx context.Context, identity domain.Identity, conversationID domain.ConversationID, started bool) error {
	if _, err := s.authorizeParticipant(ctx, conversationID, identity.UserID); err != nil {
		return err
	}
	var e event.DomainEvent = event.TypingStopped{ConversationID: string(conversationID), UserID: identity.UserID}
	if started {
		e = event.TypingStarted{ConversationID: string(conversationID), UserID: identity.UserID}
	}
	s.registry.Broadcast(ctx, conversationID, e, identity.UserID)
	return nil
}

// SearchMessages looks for text in a conversation the caller belongs to.
func (s *ChatService) SearchMessages(ctx context.Context, identity domain.Identity, query domain.SearchQuery) ([]domain.SearchHit, error) {
	if err := s.validate.Struct(query); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrInvalidRequest, err)
	}
	if _, err := s.authorizeParticipant(ctx, query.ConversationID, identity.UserID); err != nil {
		return nil, err
	}
	hits, err := s.index.Search(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrPersistenceFailure, err)
	}
	return hits, nil
}

// ListConversations returns the caller's conversations, most recent first.
func (s *ChatService) ListConversations(ctx context.Context, identity domain.Identity) ([]domain.Conversation, error) {
	conversations, err := s.repository.ListConversations(ctx, identity.UserID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrPersistenceFailure, err)
	}
	return conversations, nil
}

// JoinRoom is advisory: membership is checked when the connection acts,
// not when it listens.
func (s *ChatService) JoinRoom(conversationID domain.ConversationID, conn contract.Connection) {
	s.registry.Join(conversationID, conn)
}

func (s *ChatService) LeaveRoom(conversationID domain.ConversationID, conn contract.Connection) {
	s.registry.Leave(conversationID, conn)
}

// authorizeParticipant is the membership check run before every operation
// that reads or changes a conversation. Room membership is never trusted.
func (s *ChatService) authorizeParticipant(ctx context.Context, conversationID domain.ConversationID, userID string) (domain.Conversation, error) {
	conversation, err := s.repository.GetConversation(ctx, conversationID)
	if stderrors.Is(err, errors.ErrConversationNotFound) {
		return domain.Conversation{}, err
	}
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("%w: %v", errors.ErrPersistenceFailure, err)
	}
	if !conversation.Has(userID) {
		return domain.Conversation{}, errors.ErrUnauthorized
	}
	return conversation, nil
}
