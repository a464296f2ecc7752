package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/ent0n29/voicebridge/internal/audio"
	"github.com/ent0n29/voicebridge/internal/audit"
	"github.com/ent0n29/voicebridge/internal/config"
	"github.com/ent0n29/voicebridge/internal/gateway"
	"github.com/ent0n29/voicebridge/internal/logging"
	"github.com/ent0n29/voicebridge/internal/observability"
	"github.com/ent0n29/voicebridge/internal/protocol"
	"github.com/ent0n29/voicebridge/internal/session"
)

// maxClientMessageBytes fits the largest clip the audio quality check
// accepts, base64 encoded, plus envelope headroom.
var maxClientMessageBytes = int64(base64.StdEncoding.EncodedLen(audio.MaxAudioBytes)) + 64<<10

const (
	wsReadTimeout  = 120 * time.Second
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second

	defaultEventLimit = 50
	maxEventLimit     = 500
)

// Relay runs one client connection against the gateway.
type Relay interface {
	RunConnection(ctx context.Context, inbound <-chan any, outbound chan<- any) error
}

// Bootstrapper mints short-lived upstream sessions for direct clients.
type Bootstrapper interface {
	CreateEphemeralSession(ctx context.Context) (json.RawMessage, error)
}

type Server struct {
	cfg       config.Config
	sessions  *session.Manager
	relay     Relay
	metrics   *observability.Metrics
	audit     audit.Store
	bootstrap Bootstrapper
	log       logrus.FieldLogger
	upgrader  websocket.Upgrader
	now       func() time.Time

	// Larger client messages are drained and answered with an error event.
	// Twice this size closes the socket.
	maxMessageBytes int64
}

func New(cfg config.Config, sessions *session.Manager, relay Relay, metrics *observability.Metrics, events audit.Store, bootstrap Bootstrapper, log logrus.FieldLogger) *Server {
	s := &Server{
		cfg:       cfg,
		sessions:  sessions,
		relay:     relay,
		metrics:   metrics,
		audit:     events,
		bootstrap: bootstrap,
		log:       logging.Component(log, "httpapi"),
		now:       time.Now,

		maxMessageBytes: maxClientMessageBytes,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.HTTPMiddleware(s.log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/ws", s.handleWS)

	r.Route("/api", func(r chi.Router) {
		r.Post("/session", s.handleCreateSession)
		r.Get("/users/{userID}/sessions", s.handleUserSessions)
		r.Get("/stats/stages", s.handleStageStats)
	})
	return r
}

// checkOrigin applies the CORS allowlist to websocket upgrades. Clients that
// send no Origin header are not browsers and are let through.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimSuffix(origin, "/")
	for _, allowed := range s.cfg.AllowedOrigins {
		allowed = strings.TrimSuffix(strings.TrimSpace(allowed), "/")
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"timestamp":      s.now().UTC().Format(time.RFC3339),
		"activeSessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.relay == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "relay not configured")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":    "ready",
		"text_mode": s.cfg.TextMode,
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if s.bootstrap == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "session bootstrap not configured")
		return
	}
	raw, err := s.bootstrap.CreateEphemeralSession(r.Context())
	if err != nil {
		s.log.WithError(err).Warn("ephemeral session bootstrap failed")
		if s.metrics != nil {
			s.metrics.ProviderErrors.WithLabelValues("realtime", "bootstrap_failed").Inc()
		}
		respondError(w, http.StatusBadGateway, "bootstrap_failed", err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

type userSessionsResponse struct {
	UserID   string             `json:"user_id"`
	Sessions []*session.Session `json:"sessions"`
	Events   []audit.Event      `json:"events"`
}

func (s *Server) handleUserSessions(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(chi.URLParam(r, "userID"))
	if userID == "" {
		respondError(w, http.StatusBadRequest, "invalid_user_id", "missing user id")
		return
	}
	limit := defaultEventLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = min(n, maxEventLimit)
	}

	resp := userSessionsResponse{
		UserID:   userID,
		Sessions: s.sessions.ListByUser(userID),
		Events:   []audit.Event{},
	}
	if resp.Sessions == nil {
		resp.Sessions = []*session.Session{}
	}
	if s.audit != nil {
		events, err := s.audit.RecentByUser(r.Context(), userID, limit)
		if err != nil {
			s.log.WithError(err).WithField("user_id", userID).Warn("listing session events failed")
			respondError(w, http.StatusInternalServerError, "audit_unavailable", err.Error())
			return
		}
		resp.Events = events
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStageStats(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		respondJSON(w, http.StatusOK, map[string]any{
			"generated_at": "",
			"window_size":  0,
			"stages":       []any{},
		})
		return
	}
	respondJSON(w, http.StatusOK, s.metrics.StageSnapshot())
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.relay == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "relay not configured")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.sessionEvent("ws_connected")
	log := s.log.WithField("remote_addr", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, 256)
	outbound := make(chan any, 256)
	runDone := make(chan struct{})

	go func() {
		defer close(runDone)
		err := s.relay.RunConnection(ctx, inbound, outbound)
		if err != nil && !errors.Is(err, gateway.ErrShuttingDown) {
			log.WithError(err).Warn("relay connection ended with error")
		}
		if ctx.Err() == nil {
			// The relay stopped on its own; unblock the reader.
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(time.Second))
			cancel()
			_ = conn.Close()
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ping := time.NewTicker(wsPingInterval)
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
					cancel()
					return
				}
			case msg := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(msg); err != nil {
					if s.metrics != nil {
						s.metrics.OutboundDelivery.WithLabelValues("write_error").Inc()
					}
					cancel()
					return
				}
				if t, ok := messageTypeOf(msg); ok && s.metrics != nil {
					s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
				}
			}
		}
	}()

	conn.SetReadLimit(2 * s.maxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

readLoop:
	for {
		msgType, data, tooLarge, err := s.readMessage(conn)
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if tooLarge {
			s.rejectClientMessage(outbound, fmt.Sprintf("message exceeds %d bytes", s.maxMessageBytes), gateway.CodeMessageTooLarge)
			continue
		}

		var parsed any
		switch msgType {
		case websocket.BinaryMessage:
			parsed = protocol.SendAudio{Type: protocol.TypeSendAudio, Audio: data, Format: "pcm16"}
		case websocket.TextMessage:
			parsed, err = protocol.ParseClientMessage(data)
			if err != nil {
				code := gateway.CodeInvalidClientMessage
				if errors.Is(err, protocol.ErrUnsupportedAudioPayload) {
					code = gateway.CodeUnsupportedAudio
				}
				s.rejectClientMessage(outbound, err.Error(), code)
				continue
			}
		default:
			continue
		}

		if t, ok := messageTypeOf(parsed); ok && s.metrics != nil {
			s.metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
		}
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- parsed:
		}
	}

	cancel()
	close(inbound)
	<-runDone
	<-writerDone
	s.sessionEvent("ws_disconnected")
}

// readMessage reads one frame, draining anything past maxMessageBytes so the
// connection survives an oversized message.
func (s *Server) readMessage(conn *websocket.Conn) (int, []byte, bool, error) {
	msgType, r, err := conn.NextReader()
	if err != nil {
		return 0, nil, false, err
	}
	data, err := io.ReadAll(io.LimitReader(r, s.maxMessageBytes+1))
	if err != nil {
		return 0, nil, false, err
	}
	if int64(len(data)) <= s.maxMessageBytes {
		return msgType, data, false, nil
	}
	if _, err := io.Copy(io.Discard, r); err != nil {
		return 0, nil, false, err
	}
	return msgType, nil, true, nil
}

func (s *Server) rejectClientMessage(outbound chan<- any, message, code string) {
	select {
	case outbound <- protocol.ErrorEvent{Type: protocol.TypeError, Message: message, Code: code}:
	default:
		// Writes stay single-threaded; drop when the queue is saturated.
		if s.metrics != nil {
			s.metrics.OutboundDelivery.WithLabelValues("drop_full").Inc()
		}
	}
}

func (s *Server) sessionEvent(event string) {
	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues(event).Inc()
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.JoinSession:
		return m.Type, true
	case protocol.SendText:
		return m.Type, true
	case protocol.SendAudio:
		return m.Type, true
	case protocol.CommitAudio:
		return m.Type, true
	case protocol.ClearAudio:
		return m.Type, true
	case protocol.Interrupt:
		return m.Type, true
	case protocol.Mute:
		return m.Type, true
	case protocol.DisconnectSession:
		return m.Type, true
	case protocol.SendMessage:
		return m.Type, true
	case protocol.Handoff:
		return m.Type, true
	case protocol.SessionStatus:
		return m.Type, true
	case protocol.Transcript:
		return m.Type, true
	case protocol.AudioResponse:
		return m.Type, true
	case protocol.RealtimeEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	case protocol.AgentResponse:
		return m.Type, true
	default:
		return "", false
	}
}
