package sink

import (
	"chat-relay/domain"
	"chat-relay/domain/event"
	"chat-relay/errors"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// pair returns a server side sink and the client end of the same socket.
func pair(t *testing.T, bufferSize int, start bool) (*WebsocketSink, *websocket.Conn) {
	t.Helper()
	sinks := make(chan *WebsocketSink, 1)
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s := NewWebsocketSink(slog.Default(), ws, domain.Identity{UserID: "alice", Role: "guest"}, Options{
			BufferSize:   bufferSize,
			WriteTimeout: time.Second,
			PongTimeout:  time.Minute,
		})
		if start {
			s.Start()
		}
		sinks <- s
	}))
	t.Cleanup(server.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return <-sinks, client
}

func TestWebsocketSink_Consume_Writes_Envelope(t *testing.T) {
	req := require.New(t)
	s, client := pair(t, 8, true)
	defer s.Close()

	req.Equal("alice", s.UserID())
	req.NoError(s.Consume(context.Background(), event.TypingStarted{ConversationID: "c1", UserID: "bob"}))

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := client.ReadMessage()
	req.NoError(err)
	decoded, err := event.Decode(data)
	req.NoError(err)
	req.Equal(event.TypingStarted{ConversationID: "c1", UserID: "bob"}, decoded)
}

func TestWebsocketSink_Full_Buffer_Drops_Without_Error(t *testing.T) {
	req := require.New(t)
	// Given a sink whose write loop is not running
	s, _ := pair(t, 1, false)
	defer s.Close()

	req.NoError(s.Consume(context.Background(), event.NewMessage{}))

	// Then the overflowing event is dropped quietly
	req.NoError(s.Consume(context.Background(), event.NewMessage{}))
	req.Len(s.send, 1)
}

func TestWebsocketSink_Full_Buffer_Holds_Replies(t *testing.T) {
	req := require.New(t)
	// Given a full buffer
	s, _ := pair(t, 1, false)
	defer s.Close()
	req.NoError(s.Consume(context.Background(), event.NewMessage{}))

	// When an acknowledgement arrives and the buffer drains shortly after
	consumed := make(chan error, 1)
	go func() {
		consumed <- s.Consume(context.Background(), event.MessageAcknowledged{ClientTempID: "t1", ServerID: "m1"})
	}()
	time.Sleep(50 * time.Millisecond)
	<-s.send

	// Then the acknowledgement is queued, not dropped
	select {
	case err := <-consumed:
		req.NoError(err)
	case <-time.After(2 * time.Second):
		req.Fail("reply should have been queued")
	}
	decoded, err := event.Decode(<-s.send)
	req.NoError(err)
	req.Equal("t1", decoded.(event.MessageAcknowledged).ClientTempID)
}

func TestWebsocketSink_Full_Buffer_Reply_Bounded_By_Context(t *testing.T) {
	req := require.New(t)
	s, _ := pair(t, 1, false)
	defer s.Close()
	req.NoError(s.Consume(context.Background(), event.NewMessage{}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := s.Consume(ctx, event.MessageFailed{ClientTempID: "t1", Reason: errors.ReasonPersistenceFailure})

	req.ErrorIs(err, context.DeadlineExceeded)
	req.Len(s.send, 1)
}

func TestWebsocketSink_Consume_After_Close(t *testing.T) {
	req := require.New(t)
	s, client := pair(t, 8, true)

	s.Close()
	s.Close()

	req.ErrorIs(s.Consume(context.Background(), event.NewMessage{}), errors.ErrSessionClosed)
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := client.ReadMessage()
	req.True(websocket.IsCloseError(err, websocket.CloseNormalClosure))
	select {
	case <-s.Done():
	default:
		req.Fail("done channel should be closed")
	}
}

func TestWebsocketSink_ReadLoop_Returns_On_Normal_Close(t *testing.T) {
	req := require.New(t)
	s, client := pair(t, 8, true)
	defer s.Close()

	received := make(chan string, 1)
	errs := make(chan error, 1)
	go func() {
		errs <- s.ReadLoop(func(data []byte) { received <- string(data) })
	}()

	req.NoError(client.WriteMessage(websocket.TextMessage, []byte(`{"type":"typing_start"}`)))
	select {
	case data := <-received:
		req.Contains(data, "typing_start")
	case <-time.After(2 * time.Second):
		req.Fail("frame not received")
	}

	req.NoError(client.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	select {
	case err := <-errs:
		req.NoError(err)
	case <-time.After(2 * time.Second):
		req.Fail("read loop did not stop")
	}
}
