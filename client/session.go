package client

import (
	"chat-relay/clock"
	"chat-relay/domain"
	"chat-relay/domain/event"
	"chat-relay/errors"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"
)

const (
	backfillPageSize   = 50
	maxBackfillPages   = 10
	defaultPingTimeout = 90 * time.Second
)

type Config struct {
	URL            string
	Credential     string
	RequestTimeout time.Duration
	AckTimeout     time.Duration
	MaxAttempts    int
	EventBuffer    int
	// PingTimeout is how long the connection may stay silent, server pings
	// included, before it is considered lost.
	PingTimeout time.Duration
}

// Session is one participant connected to the relay. It keeps a timeline
// per conversation, remembers joined rooms and hands involuntary
// disconnects to its Reconnector.
type Session struct {
	log         *slog.Logger
	config      Config
	clk         clock.Clock
	dialer      *websocket.Dialer
	reconnector *Reconnector
	events      chan event.DomainEvent

	mu        sync.Mutex
	writeMu   sync.Mutex
	ws        *websocket.Conn
	userID    string
	rooms     map[domain.ConversationID]struct{}
	timelines map[domain.ConversationID]*Timeline
	waiting   map[string]chan event.DomainEvent
}

func NewSession(log *slog.Logger, clk clock.Clock, config Config, onState func(State)) *Session {
	s := &Session{
		log:       log,
		config:    config,
		clk:       clk,
		dialer:    websocket.DefaultDialer,
		events:    make(chan event.DomainEvent, max(config.EventBuffer, 1)),
		rooms:     make(map[domain.ConversationID]struct{}),
		timelines: make(map[domain.ConversationID]*Timeline),
		waiting:   make(map[string]chan event.DomainEvent),
	}
	s.reconnector = NewReconnector(log, clk, s.reconnect, config.MaxAttempts, onState)
	return s
}

// Events carries every server event once the timelines were updated.
// Events are dropped when nobody reads them.
func (s *Session) Events() <-chan event.DomainEvent { return s.events }

func (s *Session) State() State { return s.reconnector.State() }

func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// Connect dials once. A rejected credential is returned as
// ErrAuthenticationFailure and never retried.
func (s *Session) Connect(ctx context.Context) error {
	if err := s.dial(ctx); err != nil {
		return err
	}
	s.reconnector.Connected(ctx)
	return nil
}

// Close is a voluntary disconnect: no reconnection follows.
func (s *Session) Close() {
	s.reconnector.Disconnect()
	s.mu.Lock()
	ws := s.ws
	s.ws = nil
	s.mu.Unlock()
	if ws != nil {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = ws.Close()
	}
}

// Retry resumes reconnection after Failed.
func (s *Session) Retry() bool { return s.reconnector.Retry() }

func (s *Session) dial(ctx context.Context) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.config.Credential)
	ws, _, err := s.dialer.DialContext(ctx, s.config.URL, header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.config.URL, err)
	}

	// The server answers admitted or rejected before anything else.
	_ = ws.SetReadDeadline(time.Now().Add(s.requestTimeout()))
	_, data, err := ws.ReadMessage()
	if err != nil {
		_ = ws.Close()
		return fmt.Errorf("read admission: %w", err)
	}
	first, err := event.Decode(data)
	if err != nil {
		_ = ws.Close()
		return fmt.Errorf("decode admission: %w", err)
	}
	admitted, ok := first.(event.Admitted)
	if !ok {
		_ = ws.Close()
		return errors.ErrAuthenticationFailure
	}

	s.keepAlive(ws)
	s.mu.Lock()
	previous := s.ws
	s.ws = ws
	s.userID = admitted.UserID
	s.mu.Unlock()
	if previous != nil {
		_ = previous.Close()
	}
	s.log.Info("Connected", "user_id", admitted.UserID, "role", admitted.Role)
	go s.readLoop(ws)
	return nil
}

// keepAlive arms the read deadline and pushes it back on every server ping,
// so a half-open connection is noticed after PingTimeout of silence.
func (s *Session) keepAlive(ws *websocket.Conn) {
	timeout := s.pingTimeout()
	_ = ws.SetReadDeadline(time.Now().Add(timeout))
	ws.SetPingHandler(func(data string) error {
		_ = ws.SetReadDeadline(time.Now().Add(timeout))
		err := ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(s.requestTimeout()))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})
}

func (s *Session) pingTimeout() time.Duration {
	if s.config.PingTimeout > 0 {
		return s.config.PingTimeout
	}
	return defaultPingTimeout
}

// reconnect re-authenticates, rejoins every room and backfills each
// timeline from its last known message.
func (s *Session) reconnect(ctx context.Context) error {
	if err := s.dial(ctx); err != nil {
		return err
	}
	for _, conversationID := range s.joinedRooms() {
		if err := s.send(event.JoinConversationRequest, "", event.ConversationRef{ConversationID: string(conversationID)}); err != nil {
			s.drop()
			return err
		}
		if err := s.backfill(ctx, conversationID); err != nil {
			s.log.Warn("Backfill failed", "conversation_id", conversationID, "error", err)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ws == nil {
		return errors.ErrSessionClosed
	}
	return nil
}

// backfill walks backward from the newest page until the anchor shows up,
// so a gap of any size is filled.
func (s *Session) backfill(ctx context.Context, conversationID domain.ConversationID) error {
	timeline := s.Timeline(conversationID)
	anchor, hasAnchor := timeline.LastServerID()
	var cursor *string
	for range maxBackfillPages {
		page, err := s.fetch(ctx, domain.HistoryQuery{ConversationID: conversationID, Cursor: cursor, Limit: backfillPageSize})
		if err != nil {
			return err
		}
		timeline.Merge(page.Messages)
		found := hasAnchor && lo.ContainsBy(page.Messages, func(m domain.Message) bool { return m.ID == anchor })
		if found || !page.HasMore || !hasAnchor {
			return nil
		}
		cursor = page.NextCursor
	}
	return nil
}

// drop closes the current socket without a reconnection: the attempt that
// opened it reports the failure itself.
func (s *Session) drop() {
	s.mu.Lock()
	ws := s.ws
	s.ws = nil
	s.mu.Unlock()
	if ws != nil {
		_ = ws.Close()
	}
}

func (s *Session) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err == nil {
			_ = ws.SetReadDeadline(time.Now().Add(s.pingTimeout()))
		}
		if err != nil {
			s.mu.Lock()
			current := s.ws == ws
			if current {
				s.ws = nil
			}
			s.mu.Unlock()
			if current {
				s.log.Warn("Connection lost", "error", err)
				s.reconnector.ConnectionLost()
			}
			return
		}
		e, err := event.Decode(data)
		if err != nil {
			s.log.Debug("Unreadable frame", "error", err)
			continue
		}
		s.route(e)
	}
}

func (s *Session) route(e event.DomainEvent) {
	switch v := e.(type) {
	case event.MessageAcknowledged:
		timeline := s.Timeline(domain.ConversationID(v.ConversationID))
		if err := timeline.Acknowledge(v.ClientTempID, domain.MessageID(v.ServerID), v.CreatedAt); err != nil {
			s.log.Debug("Late acknowledgement", "error", err)
		}
	case event.MessageFailed:
		s.failPending(v.ClientTempID, v.Reason)
	case event.NewMessage:
		s.Timeline(domain.ConversationID(v.Message.ConversationID)).Receive(v.Message.ToDomain())
	case event.MessageNotification:
		if s.isJoined(domain.ConversationID(v.Message.ConversationID)) {
			s.Timeline(domain.ConversationID(v.Message.ConversationID)).Receive(v.Message.ToDomain())
		}
	case event.MessagesRead:
		s.Timeline(domain.ConversationID(v.ConversationID)).MarkRead(
			lo.Map(v.MessageIDs, func(id string, _ int) domain.MessageID { return domain.MessageID(id) }), s.clk.Now())
	case event.HistoryPage:
		s.answer(v.RequestID, v)
	case event.ReadAcknowledged:
		s.answer(v.RequestID, v)
	case event.ConversationOpened:
		s.answer(v.RequestID, v)
	case event.SearchResults:
		s.answer(v.RequestID, v)
	case event.OperationFailed:
		s.answer(v.RequestID, v)
	}
	select {
	case s.events <- e:
	default:
	}
}

func (s *Session) answer(requestID string, e event.DomainEvent) {
	s.mu.Lock()
	waiter, ok := s.waiting[requestID]
	delete(s.waiting, requestID)
	s.mu.Unlock()
	if ok {
		waiter <- e
	}
}

func (s *Session) failPending(tempID, reason string) {
	s.mu.Lock()
	timelines := lo.Values(s.timelines)
	s.mu.Unlock()
	for _, timeline := range timelines {
		if timeline.IsPending(tempID) {
			_ = timeline.Fail(tempID, reason)
			return
		}
	}
}

// Timeline returns the timeline of a conversation, creating it on first use.
func (s *Session) Timeline(conversationID domain.ConversationID) *Timeline {
	s.mu.Lock()
	defer s.mu.Unlock()
	timeline, ok := s.timelines[conversationID]
	if !ok {
		timeline = NewTimeline(conversationID, s.userID, s.clk)
		s.timelines[conversationID] = timeline
	}
	return timeline
}

func (s *Session) joinedRooms() []domain.ConversationID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.Keys(s.rooms)
}

func (s *Session) isJoined(conversationID domain.ConversationID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[conversationID]
	return ok
}

// Open finds or creates the conversation with a counterpart and joins it.
func (s *Session) Open(ctx context.Context, counterpartID string) (event.Conversation, error) {
	answer, err := s.request(ctx, event.OpenConversationRequest, domain.OpenConversationCommand{CounterpartID: counterpartID})
	if err != nil {
		return event.Conversation{}, err
	}
	opened, ok := answer.(event.ConversationOpened)
	if !ok {
		return event.Conversation{}, fmt.Errorf("%w: unexpected %s", errors.ErrInvalidRequest, answer.EventType())
	}
	s.mu.Lock()
	s.rooms[domain.ConversationID(opened.Conversation.ID)] = struct{}{}
	s.mu.Unlock()
	return opened.Conversation, nil
}

func (s *Session) Join(conversationID domain.ConversationID) error {
	s.mu.Lock()
	s.rooms[conversationID] = struct{}{}
	s.mu.Unlock()
	return s.send(event.JoinConversationRequest, "", event.ConversationRef{ConversationID: string(conversationID)})
}

func (s *Session) Leave(conversationID domain.ConversationID) error {
	s.mu.Lock()
	delete(s.rooms, conversationID)
	s.mu.Unlock()
	return s.send(event.LeaveConversationRequest, "", event.ConversationRef{ConversationID: string(conversationID)})
}

// Send shows the message at once as pending and transmits it. The server
// answer settles it later through the timeline.
func (s *Session) Send(conversationID domain.ConversationID, content string, attachments []domain.AttachmentInput) (string, error) {
	timeline := s.Timeline(conversationID)
	cmd := timeline.Submit(content, attachments)
	return cmd.ClientTempID, s.transmit(timeline, cmd)
}

// RetryMessage resends a failed message under a new temp id.
func (s *Session) RetryMessage(conversationID domain.ConversationID, tempID string) (string, error) {
	timeline := s.Timeline(conversationID)
	cmd, err := timeline.Retry(tempID)
	if err != nil {
		return "", err
	}
	return cmd.ClientTempID, s.transmit(timeline, cmd)
}

func (s *Session) transmit(timeline *Timeline, cmd domain.SendMessageCommand) error {
	if err := s.send(event.SendMessageRequest, "", cmd); err != nil {
		_ = timeline.Fail(cmd.ClientTempID, errors.Reason(err))
		return err
	}
	return nil
}

// ExpirePending fails the sends left unanswered past the ack timeout.
func (s *Session) ExpirePending() map[domain.ConversationID][]string {
	s.mu.Lock()
	timelines := lo.Values(s.timelines)
	s.mu.Unlock()
	expired := make(map[domain.ConversationID][]string)
	for _, timeline := range timelines {
		if ids := timeline.ExpirePending(s.config.AckTimeout); len(ids) > 0 {
			expired[timeline.ConversationID()] = ids
		}
	}
	return expired
}

func (s *Session) Typing(conversationID domain.ConversationID, started bool) error {
	requestType := lo.Ternary(started, event.TypingStartRequest, event.TypingStopRequest)
	return s.send(requestType, "", event.ConversationRef{ConversationID: string(conversationID)})
}

// FetchOlder prepends the next backward page. It reports whether older
// messages remain.
func (s *Session) FetchOlder(ctx context.Context, conversationID domain.ConversationID, limit int) (bool, error) {
	timeline := s.Timeline(conversationID)
	cursor, more := timeline.OlderCursor()
	if !more {
		return false, nil
	}
	page, err := s.fetch(ctx, domain.HistoryQuery{ConversationID: conversationID, Cursor: cursor, Limit: limit})
	if err != nil {
		return true, err
	}
	timeline.PrependPage(page)
	return page.HasMore, nil
}

func (s *Session) fetch(ctx context.Context, query domain.HistoryQuery) (domain.HistoryPage, error) {
	answer, err := s.request(ctx, event.FetchHistoryRequest, query)
	if err != nil {
		return domain.HistoryPage{}, err
	}
	page, ok := answer.(event.HistoryPage)
	if !ok {
		return domain.HistoryPage{}, fmt.Errorf("%w: unexpected %s", errors.ErrInvalidRequest, answer.EventType())
	}
	return domain.HistoryPage{
		Messages:   lo.Map(page.Messages, func(m event.Message, _ int) domain.Message { return m.ToDomain() }),
		HasMore:    page.HasMore,
		NextCursor: page.NextCursor,
	}, nil
}

func (s *Session) MarkRead(ctx context.Context, conversationID domain.ConversationID, ids []domain.MessageID) ([]string, error) {
	answer, err := s.request(ctx, event.MarkReadRequest, domain.MarkReadCommand{ConversationID: conversationID, MessageIDs: ids})
	if err != nil {
		return nil, err
	}
	acknowledged, ok := answer.(event.ReadAcknowledged)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected %s", errors.ErrInvalidRequest, answer.EventType())
	}
	return acknowledged.MessageIDs, nil
}

func (s *Session) Search(ctx context.Context, query domain.SearchQuery) ([]event.SearchHit, error) {
	answer, err := s.request(ctx, event.SearchMessagesRequest, query)
	if err != nil {
		return nil, err
	}
	results, ok := answer.(event.SearchResults)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected %s", errors.ErrInvalidRequest, answer.EventType())
	}
	return results.Hits, nil
}

// request sends a frame and waits for the answer carrying its request id.
// OperationFailed answers come back as their error.
func (s *Session) request(ctx context.Context, requestType event.RequestType, payload any) (event.DomainEvent, error) {
	requestID := uuid.NewString()
	waiter := make(chan event.DomainEvent, 1)
	s.mu.Lock()
	s.waiting[requestID] = waiter
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.waiting, requestID)
		s.mu.Unlock()
	}()

	if err := s.send(requestType, requestID, payload); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.requestTimeout())
	defer cancel()
	select {
	case answer := <-waiter:
		if failed, ok := answer.(event.OperationFailed); ok {
			return nil, fmt.Errorf("%s: %w", requestType, errors.FromReason(failed.Reason))
		}
		return answer, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", requestType, errors.ErrTimeout)
	}
}

func (s *Session) send(requestType event.RequestType, requestID string, payload any) error {
	frame, err := event.EncodeRequest(requestType, requestID, payload)
	if err != nil {
		return fmt.Errorf("%w: %v", errors.ErrInvalidRequest, err)
	}
	s.mu.Lock()
	ws := s.ws
	s.mu.Unlock()
	if ws == nil {
		if s.reconnector.State() == Failed {
			return errors.ErrReconnectFailed
		}
		return errors.ErrSessionClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(s.requestTimeout()))
	if err = ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrSessionClosed, err)
	}
	return nil
}

func (s *Session) requestTimeout() time.Duration {
	if s.config.RequestTimeout <= 0 {
		return 10 * time.Second
	}
	return s.config.RequestTimeout
}
