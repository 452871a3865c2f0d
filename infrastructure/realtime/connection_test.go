package realtime

import (
	"chat-relay/domain"
	"chat-relay/domain/event"
	"chat-relay/errors"
	"chat-relay/mocks"
	"context"
	"log/slog"
	"testing"
	"time"

	"go.uber.org/mock/gomock"
)

func newHandler(t *testing.T) (*connectionHandler, *mocks.MockIChatService, *mocks.MockConnection) {
	t.Helper()
	ctrl := gomock.NewController(t)
	chat := mocks.NewMockIChatService(ctrl)
	conn := mocks.NewMockConnection(ctrl)
	conn.EXPECT().ID().Return("conn-1").AnyTimes()
	conn.EXPECT().UserID().Return("alice").AnyTimes()
	conn.EXPECT().Identity().Return(domain.Identity{UserID: "alice", Role: "guest"}).AnyTimes()
	return newConnectionHandler(slog.Default(), chat, conn, time.Second), chat, conn
}

func TestConnectionHandler_Routes_Join_And_Leave(t *testing.T) {
	handler, chat, conn := newHandler(t)

	gomock.InOrder(
		chat.EXPECT().JoinRoom(domain.ConversationID("c1"), conn),
		chat.EXPECT().LeaveRoom(domain.ConversationID("c1"), conn),
	)

	handler.handle(context.Background(), []byte(`{"type":"join_conversation","payload":{"conversationId":"c1"}}`))
	handler.handle(context.Background(), []byte(`{"type":"leave_conversation","payload":{"conversationId":"c1"}}`))
}

func TestConnectionHandler_Broken_Frames_Fail_Without_Reaching_Service(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  event.OperationFailed
	}{
		{
			name:  "Not json",
			frame: `{{{`,
			want:  event.OperationFailed{Operation: "decode", Reason: errors.ReasonInvalidRequest},
		},
		{
			name:  "Join without conversation",
			frame: `{"type":"join_conversation","requestId":"r1","payload":{}}`,
			want:  event.OperationFailed{RequestID: "r1", Operation: "join_conversation", Reason: errors.ReasonInvalidRequest},
		},
		{
			name:  "Unknown type",
			frame: `{"type":"delete_everything","requestId":"r2"}`,
			want:  event.OperationFailed{RequestID: "r2", Operation: "delete_everything", Reason: errors.ReasonInvalidRequest},
		},
		{
			name:  "History without payload",
			frame: `{"type":"fetch_history","requestId":"r3"}`,
			want:  event.OperationFailed{RequestID: "r3", Operation: "fetch_history", Reason: errors.ReasonInvalidRequest},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Given a service that must never be called
			handler, _, conn := newHandler(t)

			// Then only the originator hears about the failure
			conn.EXPECT().Consume(gomock.Any(), tt.want).Return(nil).Times(1)

			handler.handle(context.Background(), []byte(tt.frame))
		})
	}
}

func TestConnectionHandler_Undecodable_Send_Reports_MessageFailed(t *testing.T) {
	handler, _, conn := newHandler(t)

	conn.EXPECT().Consume(gomock.Any(), event.MessageFailed{Reason: errors.ReasonInvalidRequest}).Return(nil).Times(1)

	handler.handle(context.Background(), []byte(`{"type":"send_message","payload":"hello"}`))
}

func TestConnectionHandler_Service_Errors_Carry_Request_Id(t *testing.T) {
	handler, chat, conn := newHandler(t)

	// Given bob's conversation, which alice cannot read
	chat.EXPECT().FetchHistory(gomock.Any(), domain.Identity{UserID: "alice", Role: "guest"}, domain.HistoryQuery{ConversationID: "c9", Limit: 10}).
		Return(domain.HistoryPage{}, errors.ErrUnauthorized)

	// Then the failure answers the request that caused it
	conn.EXPECT().Consume(gomock.Any(), event.OperationFailed{
		RequestID: "r7",
		Operation: "fetch_history",
		Reason:    errors.ReasonUnauthorized,
	}).Return(nil)

	handler.handle(context.Background(), []byte(`{"type":"fetch_history","requestId":"r7","payload":{"conversationId":"c9","limit":10}}`))
}

func TestConnectionHandler_MarkRead_Acknowledges_Empty_Change(t *testing.T) {
	handler, chat, conn := newHandler(t)

	// Given messages that were already read
	chat.EXPECT().MarkRead(gomock.Any(), gomock.Any(), domain.MarkReadCommand{
		ConversationID: "c1",
		MessageIDs:     []domain.MessageID{"m1"},
	}).Return(nil, nil)

	// Then the acknowledgement lists no ids rather than null
	conn.EXPECT().Consume(gomock.Any(), event.ReadAcknowledged{
		RequestID:      "r1",
		ConversationID: "c1",
		MessageIDs:     []string{},
	}).Return(nil)

	handler.handle(context.Background(), []byte(`{"type":"mark_read","requestId":"r1","payload":{"conversationId":"c1","messageIds":["m1"]}}`))
}
