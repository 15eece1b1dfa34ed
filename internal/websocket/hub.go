// Package websocket runs key requests for host engines connected over a
// WebSocket. The host submits key requests and produces payloads on demand;
// the broker does the certificate and license exchanges.
package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"keybroker/internal/config"
	"keybroker/internal/infrastructure"
	"keybroker/internal/license"
)

// ErrHubStopped is returned when a session is attached to a hub that is not
// running.
var ErrHubStopped = errors.New("websocket hub is not running")

// Hub tracks the connected host sessions.
type Hub struct {
	client  *license.Client
	cfg     config.WebSocketConfig
	origins []string
	metrics *OTelMetrics
	logger  *slog.Logger

	sessions   map[*Session]bool
	register   chan *Session
	unregister chan *Session

	mu               sync.RWMutex
	totalConnections int64
	running          bool
	quit             chan struct{}
}

// HubStats is the hub state reported by health checks.
type HubStats struct {
	ActiveSessions   int   `json:"active_sessions"`
	TotalConnections int64 `json:"total_connections"`
	InFlightRequests int   `json:"in_flight_requests"`
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithHubLogger sets the hub logger.
func WithHubLogger(logger *slog.Logger) HubOption {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithHubMetrics records session metrics.
func WithHubMetrics(m *OTelMetrics) HubOption {
	return func(h *Hub) { h.metrics = m }
}

// WithAllowedOrigins restricts browser origins allowed to upgrade. "*"
// allows any origin. Requests without an Origin header are always allowed.
func WithAllowedOrigins(origins []string) HubOption {
	return func(h *Hub) { h.origins = origins }
}

// NewHub creates a hub whose sessions run key requests through client.
func NewHub(client *license.Client, cfg config.WebSocketConfig, opts ...HubOption) *Hub {
	h := &Hub{
		client:     client,
		cfg:        cfg,
		logger:     infrastructure.GetLogger(),
		sessions:   make(map[*Session]bool),
		register:   make(chan *Session),
		unregister: make(chan *Session),
		quit:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With(slog.String("component", "websocket.hub"))
	return h
}

// Start runs the hub loop in a goroutine.
func (h *Hub) Start() {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.mu.Unlock()

	go h.Run()
}

// Run is the hub's main loop.
func (h *Hub) Run() {
	for {
		select {
		case <-h.quit:
			h.logger.Info("Hub shutting down")
			return

		case s := <-h.register:
			h.mu.Lock()
			h.sessions[s] = true
			h.totalConnections++
			count := len(h.sessions)
			h.mu.Unlock()

			h.metrics.recordConnection(s.ctx)
			h.logger.InfoContext(s.ctx, "Session registered",
				slog.Int("total_sessions", count),
				slog.String("session_id", s.id),
				slog.String("remote_addr", s.remoteAddr))

			s.enqueue(Message{Type: TypeConnection, SessionID: s.id})

		case s := <-h.unregister:
			h.remove(s)
		}
	}
}

func (h *Hub) remove(s *Session) {
	h.mu.Lock()
	_, ok := h.sessions[s]
	delete(h.sessions, s)
	count := len(h.sessions)
	h.mu.Unlock()

	if !ok {
		return
	}
	h.metrics.recordDisconnection(s.ctx, time.Since(s.connectedAt))
	h.logger.InfoContext(s.ctx, "Session unregistered",
		slog.Int("total_sessions", count),
		slog.String("session_id", s.id),
		slog.Duration("connection_duration", time.Since(s.connectedAt)))
}

func (h *Hub) unregisterSession(s *Session) {
	select {
	case h.unregister <- s:
	case <-h.quit:
		h.remove(s)
	}
}

// Attach registers a session over conn and starts its pumps.
func (h *Hub) Attach(conn Connection, traceID string) (*Session, error) {
	h.mu.RLock()
	running := h.running
	h.mu.RUnlock()
	if !running {
		return nil, ErrHubStopped
	}

	s := newSession(h, conn, traceID)
	select {
	case h.register <- s:
	case <-h.quit:
		return nil, ErrHubStopped
	}

	go s.WritePump()
	go s.ReadPump()
	return s, nil
}

// ServeHTTP upgrades the request and attaches a host session.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	traceID := infrastructure.GetTraceID(r.Context())
	if traceID == "" {
		traceID = r.Header.Get("X-Request-ID")
	}
	ctx := infrastructure.WithTraceID(r.Context(), traceID)

	h.mu.RLock()
	running := h.running
	h.mu.RUnlock()
	if !running {
		http.Error(w, ErrHubStopped.Error(), http.StatusServiceUnavailable)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  h.cfg.ReadBufferSize,
		WriteBufferSize: h.cfg.WriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			return h.originAllowed(ctx, r.Header.Get("Origin"))
		},
		Error: func(w http.ResponseWriter, r *http.Request, status int, reason error) {
			h.logger.WarnContext(ctx, "WebSocket upgrade error",
				slog.Int("status", status),
				slog.String("reason", reason.Error()),
				slog.String("origin", r.Header.Get("Origin")))
			http.Error(w, http.StatusText(status), status)
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s, err := h.Attach(NewConnectionWrapper(conn), traceID)
	if err != nil {
		conn.Close()
		return
	}
	h.logger.InfoContext(ctx, "Host session connected",
		slog.String("session_id", s.id),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("user_agent", r.UserAgent()))
}

func (h *Hub) originAllowed(ctx context.Context, origin string) bool {
	if origin == "" {
		return true
	}
	if slices.Contains(h.origins, "*") || slices.Contains(h.origins, origin) {
		return true
	}
	h.logger.WarnContext(ctx, "WebSocket origin check - origin not allowed",
		slog.String("origin", origin),
		slog.Any("allowed_origins", h.origins))
	return false
}

// SessionCount returns the number of connected hosts.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Stats returns a snapshot for health reporting.
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	stats := HubStats{
		ActiveSessions:   len(sessions),
		TotalConnections: h.totalConnections,
	}
	h.mu.RUnlock()

	for _, s := range sessions {
		stats.InFlightRequests += s.InFlight()
	}
	return stats
}

// Stop closes every session and ends the hub loop.
func (h *Hub) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	sessions := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	close(h.quit)
	for _, s := range sessions {
		s.Close()
	}
}
