package realtime

import (
	"chat-relay/contract"
	"chat-relay/domain"
	"chat-relay/domain/event"
	"chat-relay/errors"
	"chat-relay/services"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/lo"
)

// connectionHandler serves the frames of one connection in arrival order.
// Responses carry the request id they answer.
type connectionHandler struct {
	log     *slog.Logger
	chat    services.IChatService
	conn    contract.Connection
	timeout time.Duration
}

func newConnectionHandler(log *slog.Logger, chat services.IChatService, conn contract.Connection, timeout time.Duration) *connectionHandler {
	return &connectionHandler{
		log:     log.With("connection_id", conn.ID(), "user_id", conn.UserID()),
		chat:    chat,
		conn:    conn,
		timeout: timeout,
	}
}

func (h *connectionHandler) handle(parent context.Context, data []byte) {
	var env event.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		h.fail(parent, "", "decode", fmt.Errorf("%w: %v", errors.ErrInvalidRequest, err))
		return
	}
	ctx, cancel := context.WithTimeout(parent, h.timeout)
	defer cancel()

	identity := h.conn.Identity()
	switch t := event.RequestType(env.Type); t {
	case event.JoinConversationRequest, event.LeaveConversationRequest:
		ref, err := decode[event.ConversationRef](env.Payload)
		if err != nil || ref.ConversationID == "" {
			h.fail(ctx, env.RequestID, env.Type, fmt.Errorf("%w: conversationId required", errors.ErrInvalidRequest))
			return
		}
		if t == event.JoinConversationRequest {
			h.chat.JoinRoom(domain.ConversationID(ref.ConversationID), h.conn)
		} else {
			h.chat.LeaveRoom(domain.ConversationID(ref.ConversationID), h.conn)
		}

	case event.OpenConversationRequest:
		cmd, err := decode[domain.OpenConversationCommand](env.Payload)
		if err == nil {
			var conversation domain.Conversation
			if conversation, err = h.chat.OpenConversation(ctx, h.conn, cmd); err == nil {
				_ = h.conn.Consume(ctx, event.ConversationOpened{
					RequestID:    env.RequestID,
					Conversation: event.FromConversation(conversation),
				})
				return
			}
		}
		h.fail(ctx, env.RequestID, env.Type, err)

	case event.SendMessageRequest:
		cmd, err := decode[domain.SendMessageCommand](env.Payload)
		if err != nil {
			_ = h.conn.Consume(ctx, event.MessageFailed{ClientTempID: cmd.ClientTempID, Reason: errors.Reason(err)})
			return
		}
		// Failures were already reported as MessageFailed.
		_ = h.chat.SendMessage(ctx, h.conn, cmd)

	case event.TypingStartRequest, event.TypingStopRequest:
		ref, err := decode[event.ConversationRef](env.Payload)
		if err == nil {
			err = h.chat.Typing(ctx, identity, domain.ConversationID(ref.ConversationID), t == event.TypingStartRequest)
		}
		if err != nil {
			h.log.Debug("Typing indicator dropped", "error", err)
		}

	case event.FetchHistoryRequest:
		query, err := decode[domain.HistoryQuery](env.Payload)
		if err == nil {
			var page domain.HistoryPage
			if page, err = h.chat.FetchHistory(ctx, identity, query); err == nil {
				_ = h.conn.Consume(ctx, event.HistoryPage{
					RequestID:      env.RequestID,
					ConversationID: string(query.ConversationID),
					Messages:       event.FromMessages(page.Messages),
					HasMore:        page.HasMore,
					NextCursor:     page.NextCursor,
				})
				return
			}
		}
		h.fail(ctx, env.RequestID, env.Type, err)

	case event.MarkReadRequest:
		cmd, err := decode[domain.MarkReadCommand](env.Payload)
		if err == nil {
			var changed []domain.MessageID
			if changed, err = h.chat.MarkRead(ctx, identity, cmd); err == nil {
				_ = h.conn.Consume(ctx, event.ReadAcknowledged{
					RequestID:      env.RequestID,
					ConversationID: string(cmd.ConversationID),
					MessageIDs:     lo.Ternary(changed == nil, []string{}, event.MessageIDs(changed)),
				})
				return
			}
		}
		h.fail(ctx, env.RequestID, env.Type, err)

	case event.SearchMessagesRequest:
		query, err := decode[domain.SearchQuery](env.Payload)
		if err == nil {
			var hits []domain.SearchHit
			if hits, err = h.chat.SearchMessages(ctx, identity, query); err == nil {
				_ = h.conn.Consume(ctx, event.SearchResults{
					RequestID:      env.RequestID,
					ConversationID: string(query.ConversationID),
					Hits:           event.FromHits(hits),
				})
				return
			}
		}
		h.fail(ctx, env.RequestID, env.Type, err)

	default:
		h.fail(ctx, env.RequestID, env.Type, fmt.Errorf("%w: unknown request type %q", errors.ErrInvalidRequest, env.Type))
	}
}

func (h *connectionHandler) fail(ctx context.Context, requestID, operation string, err error) {
	h.log.Debug("Request failed", "operation", operation, "request_id", requestID, "error", err)
	_ = h.conn.Consume(ctx, event.OperationFailed{
		RequestID: requestID,
		Operation: operation,
		Reason:    errors.Reason(err),
	})
}

func decode[T any](payload json.RawMessage) (T, error) {
	var target T
	if len(payload) == 0 {
		return target, fmt.Errorf("%w: missing payload", errors.ErrInvalidRequest)
	}
	if err := json.Unmarshal(payload, &target); err != nil {
		return target, fmt.Errorf("%w: %v", errors.ErrInvalidRequest, err)
	}
	return target, nil
}
