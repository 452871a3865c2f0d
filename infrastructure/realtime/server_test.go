package realtime

import (
	"chat-relay/auth"
	"chat-relay/clock"
	"chat-relay/domain"
	"chat-relay/domain/event"
	"chat-relay/errors"
	"chat-relay/moderation"
	"chat-relay/repositories"
	"chat-relay/runtime"
	"chat-relay/services"
	"chat-relay/sink"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/blugelabs/bluge"
	"github.com/dgraph-io/badger/v4"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

const secret = "a-secret-long-enough-for-hs256"

type testServer struct {
	url      string
	tokens   *auth.TokenValidator
	registry *runtime.Registry
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	log := slog.Default()
	clk := clock.Real()
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	writer, err := bluge.OpenWriter(bluge.DefaultConfig(t.TempDir()))
	require.NoError(t, err)
	filter, err := moderation.NewFilter(nil, '*')
	require.NoError(t, err)

	repository := repositories.NewConversationRepository(db, log, clk)
	registry := runtime.NewRegistry(log)
	tokens := auth.NewTokenValidator(secret, clk)
	store := auth.NewSessionStore(db, clk)
	gate := auth.NewGate(log, auth.NewChainValidator(tokens, store))
	chat := services.NewChatService(log, repository, registry, repository,
		repositories.NewMessageIndex(writer, log), filter, clk, services.NewValidator(500))

	server := NewServer(log, gate, chat, registry, store, Config{
		Sink:           sink.Options{BufferSize: 32, WriteTimeout: time.Second, PongTimeout: 5 * time.Second},
		RequestTimeout: 2 * time.Second,
		SessionTTL:     time.Hour,
	})
	httpServer := httptest.NewServer(server.Routes())
	t.Cleanup(func() {
		registry.Close()
		httpServer.Close()
		_ = writer.Close()
		_ = db.Close()
	})
	return testServer{url: httpServer.URL, tokens: tokens, registry: registry}
}

func (s testServer) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := s.tokens.GenerateToken(userID, "guest", time.Hour)
	require.NoError(t, err)
	return token
}

func (s testServer) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(s.url, "http")+"/ws", header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

// connect dials and consumes the admitted frame.
func (s testServer) connect(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	ws := s.dial(t, s.token(t, userID))
	admitted := nextOf[event.Admitted](t, ws)
	require.Equal(t, userID, admitted.UserID)
	return ws
}

func next(t *testing.T, ws *websocket.Conn) event.DomainEvent {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	e, err := event.Decode(data)
	require.NoError(t, err)
	return e
}

// nextOf skips frames until one of type T arrives.
func nextOf[T event.DomainEvent](t *testing.T, ws *websocket.Conn) T {
	t.Helper()
	for {
		if typed, ok := next(t, ws).(T); ok {
			return typed
		}
	}
}

// join enters a room and waits until the server has processed it: frames of
// one connection are served in order, so the history answer comes after.
func join(t *testing.T, ws *websocket.Conn, conversationID string) {
	t.Helper()
	send(t, ws, event.JoinConversationRequest, "", event.ConversationRef{ConversationID: conversationID})
	send(t, ws, event.FetchHistoryRequest, "join", domain.HistoryQuery{ConversationID: domain.ConversationID(conversationID), Limit: 1})
	for {
		switch e := next(t, ws).(type) {
		case event.HistoryPage:
			if e.RequestID == "join" {
				return
			}
		case event.OperationFailed:
			if e.RequestID == "join" {
				return
			}
		}
	}
}

func send(t *testing.T, ws *websocket.Conn, requestType event.RequestType, requestID string, payload any) {
	t.Helper()
	frame, err := event.EncodeRequest(requestType, requestID, payload)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, frame))
}

func TestServer_Rejects_Bad_Credentials(t *testing.T) {
	s := newTestServer(t)
	for name, token := range map[string]string{"missing": "", "garbage": "not-a-token"} {
		t.Run(name, func(t *testing.T) {
			req := require.New(t)
			ws := s.dial(t, token)

			req.Equal(event.Rejected{Reason: errors.ReasonAuthenticationFailed}, next(t, ws))
			_, _, err := ws.ReadMessage()
			req.True(websocket.IsCloseError(err, websocket.ClosePolicyViolation))
		})
	}
}

func TestServer_Send_Acknowledge_Notify(t *testing.T) {
	req := require.New(t)
	s := newTestServer(t)
	alice := s.connect(t, "alice")
	bob := s.connect(t, "bob")

	// When alice sends a first message to bob
	send(t, alice, event.SendMessageRequest, "r1", domain.SendMessageCommand{
		RecipientID: "bob", Content: "Hello", ClientTempID: "t1",
	})

	// Then alice is acknowledged
	ack := nextOf[event.MessageAcknowledged](t, alice)
	req.Equal("t1", ack.ClientTempID)
	req.NotEmpty(ack.ServerID)

	// And bob is notified on his private channel
	notification := nextOf[event.MessageNotification](t, bob)
	req.Equal(ack.ServerID, notification.Message.ID)
	req.Equal(1, notification.UnreadCount)

	// When bob joins the room and marks the message read
	send(t, bob, event.JoinConversationRequest, "", event.ConversationRef{ConversationID: ack.ConversationID})
	send(t, bob, event.MarkReadRequest, "r2", domain.MarkReadCommand{
		ConversationID: domain.ConversationID(ack.ConversationID),
		MessageIDs:     []domain.MessageID{domain.MessageID(ack.ServerID)},
	})

	// Then bob gets the answer to his request and alice the receipt
	readAck := nextOf[event.ReadAcknowledged](t, bob)
	req.Equal("r2", readAck.RequestID)
	req.Equal([]string{ack.ServerID}, readAck.MessageIDs)
	receipt := nextOf[event.MessagesRead](t, alice)
	req.Equal("bob", receipt.ReaderID)
}

func TestServer_Typing_And_History(t *testing.T) {
	req := require.New(t)
	s := newTestServer(t)
	alice := s.connect(t, "alice")
	bob := s.connect(t, "bob")

	send(t, alice, event.OpenConversationRequest, "open", domain.OpenConversationCommand{CounterpartID: "bob"})
	opened := nextOf[event.ConversationOpened](t, alice)
	req.Equal("open", opened.RequestID)
	conversationID := opened.Conversation.ID
	join(t, bob, conversationID)

	for _, content := range []string{"one", "two", "three"} {
		send(t, alice, event.SendMessageRequest, "", domain.SendMessageCommand{
			ConversationID: domain.ConversationID(conversationID), Content: content, ClientTempID: content,
		})
		nextOf[event.MessageAcknowledged](t, alice)
	}
	var received []string
	for range 3 {
		received = append(received, nextOf[event.NewMessage](t, bob).Message.Content)
	}
	req.Equal([]string{"one", "two", "three"}, received)

	// Typing reaches bob only
	send(t, alice, event.TypingStartRequest, "", event.ConversationRef{ConversationID: conversationID})
	req.Equal(event.TypingStarted{ConversationID: conversationID, UserID: "alice"}, nextOf[event.TypingStarted](t, bob))

	// History pages come back newest first with the request id
	send(t, bob, event.FetchHistoryRequest, "h1", domain.HistoryQuery{ConversationID: domain.ConversationID(conversationID), Limit: 2})
	page := nextOf[event.HistoryPage](t, bob)
	req.Equal("h1", page.RequestID)
	req.True(page.HasMore)
	req.Equal([]string{"three", "two"}, []string{page.Messages[0].Content, page.Messages[1].Content})

	send(t, bob, event.FetchHistoryRequest, "h2", domain.HistoryQuery{
		ConversationID: domain.ConversationID(conversationID), Cursor: page.NextCursor, Limit: 2,
	})
	page = nextOf[event.HistoryPage](t, bob)
	req.False(page.HasMore)
	req.Len(page.Messages, 1)
	req.Equal("one", page.Messages[0].Content)

	// Search answers with the request id too
	send(t, bob, event.SearchMessagesRequest, "s1", domain.SearchQuery{ConversationID: domain.ConversationID(conversationID), Text: "two"})
	results := nextOf[event.SearchResults](t, bob)
	req.Equal("s1", results.RequestID)
	req.Len(results.Hits, 1)
}

func TestServer_Failures_Stay_With_Originator(t *testing.T) {
	req := require.New(t)
	s := newTestServer(t)
	alice := s.connect(t, "alice")
	carol := s.connect(t, "carol")

	send(t, alice, event.OpenConversationRequest, "open", domain.OpenConversationCommand{CounterpartID: "bob"})
	conversationID := nextOf[event.ConversationOpened](t, alice).Conversation.ID

	// When carol, who joined the room, tries to post and read
	send(t, carol, event.JoinConversationRequest, "", event.ConversationRef{ConversationID: conversationID})
	send(t, carol, event.SendMessageRequest, "", domain.SendMessageCommand{
		ConversationID: domain.ConversationID(conversationID), Content: "hi", ClientTempID: "c1",
	})
	req.Equal(event.MessageFailed{ClientTempID: "c1", Reason: errors.ReasonUnauthorized}, nextOf[event.MessageFailed](t, carol))

	send(t, carol, event.FetchHistoryRequest, "h1", domain.HistoryQuery{ConversationID: domain.ConversationID(conversationID)})
	failed := nextOf[event.OperationFailed](t, carol)
	req.Equal("h1", failed.RequestID)
	req.Equal(errors.ReasonUnauthorized, failed.Reason)

	// And malformed or unknown frames fail without dropping the connection
	require.NoError(t, carol.WriteMessage(websocket.TextMessage, []byte("{not json")))
	req.Equal(errors.ReasonInvalidRequest, nextOf[event.OperationFailed](t, carol).Reason)
	send(t, carol, "teleport", "x1", map[string]string{})
	failed = nextOf[event.OperationFailed](t, carol)
	req.Equal("x1", failed.RequestID)
	req.Equal(errors.ReasonInvalidRequest, failed.Reason)

	// Then alice heard nothing but her own answers
	send(t, alice, event.FetchHistoryRequest, "h2", domain.HistoryQuery{ConversationID: domain.ConversationID(conversationID)})
	page, ok := next(t, alice).(event.HistoryPage)
	req.True(ok)
	req.Empty(page.Messages)
}

func TestServer_Health_And_Api(t *testing.T) {
	req := require.New(t)
	s := newTestServer(t)
	alice := s.connect(t, "alice")
	send(t, alice, event.OpenConversationRequest, "open", domain.OpenConversationCommand{CounterpartID: "bob"})
	nextOf[event.ConversationOpened](t, alice)

	// Health reports the live connection
	resp, err := http.Get(s.url + "/healthz")
	req.NoError(err)
	var h health
	req.NoError(json.NewDecoder(resp.Body).Decode(&h))
	_ = resp.Body.Close()
	req.Equal(1, h.Connections)

	// The api refuses anonymous calls
	resp, err = http.Get(s.url + "/api/conversations")
	req.NoError(err)
	_ = resp.Body.Close()
	req.Equal(http.StatusUnauthorized, resp.StatusCode)

	// And lists the caller's conversations
	conversations := doJSON[[]event.Conversation](t, http.MethodGet, s.url+"/api/conversations", s.token(t, "bob"), http.StatusOK)
	req.Len(conversations, 1)
	req.Equal("alice", conversations[0].RequesterID)
}

func TestServer_Session_Exchange(t *testing.T) {
	req := require.New(t)
	s := newTestServer(t)

	// Given a session exchanged against a JWT
	issued := doJSON[issuedSession](t, http.MethodPost, s.url+"/api/sessions", s.token(t, "alice"), http.StatusCreated)
	req.NotEmpty(issued.Token)

	// Then the opaque token opens a websocket
	ws := s.dial(t, issued.Token)
	req.Equal("alice", nextOf[event.Admitted](t, ws).UserID)

	// When it is revoked, it is refused
	request, err := http.NewRequest(http.MethodDelete, s.url+"/api/sessions", nil)
	req.NoError(err)
	request.Header.Set("Authorization", "Bearer "+issued.Token)
	resp, err := http.DefaultClient.Do(request)
	req.NoError(err)
	_ = resp.Body.Close()
	req.Equal(http.StatusNoContent, resp.StatusCode)

	refused := s.dial(t, issued.Token)
	req.Equal(event.Rejected{Reason: errors.ReasonAuthenticationFailed}, next(t, refused))
}

func doJSON[T any](t *testing.T, method, url, token string, status int) T {
	t.Helper()
	request, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	request.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(request)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, status, resp.StatusCode)
	var body T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}
