package sink

import (
	"chat-relay/domain"
	"chat-relay/domain/event"
	"chat-relay/errors"
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const maxFrameSize = 1 << 20

type Options struct {
	BufferSize   int
	WriteTimeout time.Duration
	PongTimeout  time.Duration
}

// WebsocketSink is one admitted websocket connection. Outbound events go
// through a buffered channel drained by a single write loop, so concurrent
// broadcasters never write to the socket themselves.
type WebsocketSink struct {
	id       string
	identity domain.Identity
	ws       *websocket.Conn
	log      *slog.Logger
	options  Options
	send     chan []byte
	done     chan struct{}
	once     sync.Once
}

func NewWebsocketSink(log *slog.Logger, ws *websocket.Conn, identity domain.Identity, options Options) *WebsocketSink {
	id := uuid.NewString()
	return &WebsocketSink{
		id:       id,
		identity: identity,
		ws:       ws,
		log:      log.With("connection_id", id, "user_id", identity.UserID),
		options:  options,
		send:     make(chan []byte, options.BufferSize),
		done:     make(chan struct{}),
	}
}

func (s *WebsocketSink) ID() string { return s.id }

func (s *WebsocketSink) UserID() string { return s.identity.UserID }

func (s *WebsocketSink) Identity() domain.Identity { return s.identity }

// Consume encodes the event and queues it. A full buffer drops room and
// user events: the broadcaster is never slowed down by a single slow
// client. Replies to this connection's own requests wait for room instead,
// until ctx ends or the write timeout elapses.
func (s *WebsocketSink) Consume(ctx context.Context, e event.DomainEvent) error {
	payload, err := event.Encode(e)
	if err != nil {
		return fmt.Errorf("encode %s: %w", e.EventType(), err)
	}
	select {
	case <-s.done:
		return errors.ErrSessionClosed
	default:
	}
	select {
	case s.send <- payload:
		return nil
	case <-s.done:
		return errors.ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if !isReply(e) {
		s.log.Warn("Send buffer full, event dropped", "type", e.EventType())
		return nil
	}

	wait := s.options.WriteTimeout
	if wait <= 0 {
		wait = defaultReplyWait
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case s.send <- payload:
		return nil
	case <-s.done:
		return errors.ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		s.log.Warn("Send buffer still full, reply dropped", "type", e.EventType())
		return errors.ErrTimeout
	}
}

const defaultReplyWait = 5 * time.Second

// isReply reports whether e answers a request of the receiving connection.
// The sender has no other way to learn the outcome.
func isReply(e event.DomainEvent) bool {
	switch e.(type) {
	case event.Admitted, event.Rejected, event.MessageAcknowledged, event.MessageFailed, event.OperationFailed,
		event.HistoryPage, event.ReadAcknowledged, event.ConversationOpened, event.SearchResults:
		return true
	}
	return false
}

// Start launches the write loop. It must be called exactly once.
func (s *WebsocketSink) Start() {
	go s.writeLoop()
}

// ReadLoop reads frames until the peer goes away or the pong deadline
// expires, handing each one to handle. It returns nil on a normal close.
func (s *WebsocketSink) ReadLoop(handle func(data []byte)) error {
	s.ws.SetReadLimit(maxFrameSize)
	_ = s.ws.SetReadDeadline(time.Now().Add(s.options.PongTimeout))
	s.ws.SetPongHandler(func(string) error {
		return s.ws.SetReadDeadline(time.Now().Add(s.options.PongTimeout))
	})
	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) ||
				stderrors.Is(err, websocket.ErrCloseSent) {
				return nil
			}
			return err
		}
		handle(data)
	}
}

// Close flushes nothing: queued events are abandoned with the connection.
func (s *WebsocketSink) Close() {
	s.CloseWith(websocket.CloseNormalClosure, "session closed")
}

func (s *WebsocketSink) CloseWith(code int, reason string) {
	s.once.Do(func() {
		close(s.done)
		deadline := time.Now().Add(s.options.WriteTimeout)
		_ = s.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = s.ws.Close()
	})
}

func (s *WebsocketSink) Done() <-chan struct{} {
	return s.done
}

func (s *WebsocketSink) writeLoop() {
	// Pings must arrive before the peer's pong deadline elapses.
	ticker := time.NewTicker(s.options.PongTimeout * 9 / 10)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case payload := <-s.send:
			if err := s.write(websocket.TextMessage, payload); err != nil {
				s.log.Debug("Write failed, closing connection", "error", err)
				s.CloseWith(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				s.CloseWith(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}

func (s *WebsocketSink) write(messageType int, payload []byte) error {
	if err := s.ws.SetWriteDeadline(time.Now().Add(s.options.WriteTimeout)); err != nil {
		return err
	}
	return s.ws.WriteMessage(messageType, payload)
}
