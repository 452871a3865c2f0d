// Package realtime exposes the relay over HTTP: the websocket endpoint every
// client keeps open, plus a few plain JSON routes around it.
package realtime

import (
	"chat-relay/auth"
	"chat-relay/contract"
	"chat-relay/domain"
	"chat-relay/domain/event"
	"chat-relay/errors"
	"chat-relay/services"
	"chat-relay/sink"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"
)

// Sessions is the registry side the server needs to admit connections.
type Sessions interface {
	Attach(sink contract.EventSink) bool
	Detach(sink contract.EventSink)
	ConnectionCount() (connections, rooms int)
}

// SessionIssuer exchanges an admitted identity for a revocable token.
type SessionIssuer interface {
	Issue(ctx context.Context, identity domain.Identity, ttl time.Duration) (string, error)
	Revoke(ctx context.Context, token string) error
}

type Config struct {
	Sink           sink.Options
	RequestTimeout time.Duration
	SessionTTL     time.Duration
	AllowedOrigins []string
}

type Server struct {
	log      *slog.Logger
	gate     *auth.Gate
	chat     services.IChatService
	sessions Sessions
	issuer   SessionIssuer
	config   Config
	upgrader websocket.Upgrader
}

type identityKey struct{}

func NewServer(
	log *slog.Logger,
	gate *auth.Gate,
	chat services.IChatService,
	sessions Sessions,
	issuer SessionIssuer,
	config Config,
) *Server {
	return &Server{
		log:      log,
		gate:     gate,
		chat:     chat,
		sessions: sessions,
		issuer:   issuer,
		config:   config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(config.AllowedOrigins),
		},
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.config.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Get("/ws", s.handleWebsocket)
	r.Route("/api", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get("/conversations", s.handleListConversations)
		r.Post("/sessions", s.handleIssueSession)
		r.Delete("/sessions", s.handleRevokeSession)
	})
	return r
}

// handleWebsocket upgrades first so that a refused credential can be told
// apart from a network failure: the client gets a rejected frame, then the
// socket is closed. The gate runs exactly once per connection.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("Upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	identity, err := s.gate.Admit(ctx, auth.CredentialFromRequest(r))
	if err != nil {
		s.reject(ws, err)
		return
	}

	conn := sink.NewWebsocketSink(s.log, ws, identity, s.config.Sink)
	if !s.sessions.Attach(conn) {
		conn.CloseWith(websocket.CloseGoingAway, "server shutting down")
		return
	}
	conn.Start()
	defer func() {
		s.sessions.Detach(conn)
		conn.Close()
	}()

	_ = conn.Consume(ctx, event.Admitted{UserID: identity.UserID, Role: identity.Role})
	s.log.Debug("Connection admitted", "connection_id", conn.ID(), "user_id", identity.UserID)

	handler := newConnectionHandler(s.log, s.chat, conn, s.config.RequestTimeout)
	if err = conn.ReadLoop(func(data []byte) { handler.handle(ctx, data) }); err != nil {
		s.log.Debug("Connection lost", "connection_id", conn.ID(), "error", err)
	}
}

func (s *Server) reject(ws *websocket.Conn, err error) {
	deadline := time.Now().Add(s.config.Sink.WriteTimeout)
	if payload, encodeErr := event.Encode(event.Rejected{Reason: errors.Reason(err)}); encodeErr == nil {
		_ = ws.SetWriteDeadline(deadline)
		_ = ws.WriteMessage(websocket.TextMessage, payload)
	}
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, errors.ReasonAuthenticationFailed), deadline)
	_ = ws.Close()
}

type health struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Rooms       int    `json:"rooms"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	connections, rooms := s.sessions.ConnectionCount()
	writeJSON(w, http.StatusOK, health{Status: "ok", Connections: connections, Rooms: rooms})
}

// authenticate runs the same gate as the websocket endpoint for the JSON
// routes and stores the identity in the request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.gate.Admit(r.Context(), auth.CredentialFromRequest(r))
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, identity)))
	})
}

func identityFrom(ctx context.Context) domain.Identity {
	identity, _ := ctx.Value(identityKey{}).(domain.Identity)
	return identity
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	conversations, err := s.chat.ListConversations(r.Context(), identityFrom(r.Context()))
	if err != nil {
		s.log.Error("List conversations failed", "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, lo.Map(conversations, func(c domain.Conversation, _ int) event.Conversation {
		return event.FromConversation(c)
	}))
}

type issuedSession struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (s *Server) handleIssueSession(w http.ResponseWriter, r *http.Request) {
	token, err := s.issuer.Issue(r.Context(), identityFrom(r.Context()), s.config.SessionTTL)
	if err != nil {
		s.log.Error("Session issue failed", "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, issuedSession{Token: token, ExpiresAt: time.Now().UTC().Add(s.config.SessionTTL)})
}

func (s *Server) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	if err := s.issuer.Revoke(r.Context(), auth.CredentialFromRequest(r)); err != nil {
		s.log.Error("Session revoke failed", "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type errorBody struct {
	Reason string `json:"reason"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Reason: errors.Reason(err)})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// checkOrigin accepts every origin when none is configured.
func checkOrigin(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 || lo.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || lo.Contains(allowed, origin)
	}
}
