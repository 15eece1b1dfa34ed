package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"keybroker/internal/config"
	"keybroker/internal/infrastructure"
	"keybroker/internal/license"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	sendBufferSize = 256
)

// ErrSessionClosed is returned to payload generation waiting on a session
// that has gone away.
var ErrSessionClosed = errors.New("host session closed")

type payloadReply struct {
	payload []byte
	err     error
}

// Session is one connected host engine. The host submits key requests and
// answers the broker's generate_payload messages; every key request runs as
// its own license.Task.
type Session struct {
	hub     *Hub
	conn    Connection
	client  *license.Client
	cfg     config.WebSocketConfig
	metrics *OTelMetrics
	logger  *slog.Logger

	id          string
	traceID     string
	remoteAddr  string
	connectedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	closed  bool
	tasks   map[string]*license.Task
	pending map[string]chan payloadReply

	messagesSent     atomic.Int64
	messagesReceived atomic.Int64
}

func newSession(hub *Hub, conn Connection, traceID string) *Session {
	if traceID == "" {
		traceID = infrastructure.GenerateTraceID()
	}
	id := uuid.NewString()

	ctx, cancel := context.WithCancel(infrastructure.WithTraceID(context.Background(), traceID))

	return &Session{
		hub:     hub,
		conn:    conn,
		client:  hub.client,
		cfg:     hub.cfg,
		metrics: hub.metrics,
		logger: hub.logger.With(
			slog.String("component", "websocket.session"),
			slog.String("session_id", id),
		),
		id:          id,
		traceID:     traceID,
		remoteAddr:  conn.RemoteAddr(),
		connectedAt: time.Now(),
		ctx:         ctx,
		cancel:      cancel,
		send:        make(chan []byte, sendBufferSize),
		done:        make(chan struct{}),
		tasks:       make(map[string]*license.Task),
		pending:     make(map[string]chan payloadReply),
	}
}

// ID returns the session ID sent to the host in the connection message.
func (s *Session) ID() string { return s.id }

// InFlight returns the number of key requests still running.
func (s *Session) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} { return s.done }

// ReadPump reads host frames until the connection fails or the session is
// closed. It runs in its own goroutine.
func (s *Session) ReadPump() {
	defer func() {
		s.logger.InfoContext(s.ctx, "Host session disconnected (readPump)",
			slog.Duration("connection_duration", time.Since(s.connectedAt)),
			slog.Int64("messages_received", s.messagesReceived.Load()))
		s.Close()
		s.conn.Close()
	}()

	s.conn.SetReadLimit(s.cfg.MaxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.ErrorContext(s.ctx, "Unexpected WebSocket close error",
					slog.String("error", err.Error()))
			}
			return
		}
		s.messagesReceived.Add(1)
		s.handle(data)
	}
}

// WritePump writes queued frames and keepalive pings. It runs in its own
// goroutine and owns all writes to the connection.
func (s *Session) WritePump() {
	ticker := time.NewTicker(s.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
		s.logger.InfoContext(s.ctx, "WebSocket write pump stopped",
			slog.Int64("messages_sent", s.messagesSent.Load()))
	}()

	for {
		select {
		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case data := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.ErrorContext(s.ctx, "Error writing message to WebSocket",
					slog.String("error", err.Error()))
				s.Close()
				return
			}
			s.messagesSent.Add(1)

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.DebugContext(s.ctx, "Failed to send ping message",
					slog.String("error", err.Error()))
				s.Close()
				return
			}
		}
	}
}

func (s *Session) handle(data []byte) {
	msg, err := decodeMessage(data)
	if err != nil {
		s.logger.WarnContext(s.ctx, "Invalid host message", slog.String("error", err.Error()))
		s.enqueue(protocolError("", "invalid message: "+err.Error()))
		return
	}
	s.metrics.recordMessage(s.ctx, "inbound", msg.Type, len(data))

	switch msg.Type {
	case TypeHeartbeat:
		s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))

	case TypeKeyRequest:
		s.startKeyRequest(msg)

	case TypePayload:
		s.resolvePayload(msg.ID, payloadReply{payload: msg.Payload})

	case TypePayloadError:
		reason := msg.Error
		if reason == "" {
			reason = "host engine could not generate a payload"
		}
		s.resolvePayload(msg.ID, payloadReply{err: errors.New(reason)})

	case TypeCancel:
		s.cancelKeyRequest(msg.ID)

	default:
		s.enqueue(protocolError(msg.ID, "unknown message type "+msg.Type))
	}
}

func (s *Session) startKeyRequest(msg Message) {
	if msg.ID == "" {
		s.enqueue(protocolError("", "key_request requires an id"))
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, dup := s.tasks[msg.ID]; dup {
		s.mu.Unlock()
		s.enqueue(protocolError(msg.ID, "a key request with this id is already in flight"))
		return
	}
	if len(s.tasks) >= s.cfg.MaxInFlight {
		s.mu.Unlock()
		s.enqueue(protocolError(msg.ID, "too many key requests in flight"))
		return
	}
	task := s.client.WithGenerator(s.generator(msg.ID)).SubmitWithID(s.ctx, msg.ID, msg.URI)
	s.tasks[msg.ID] = task
	s.mu.Unlock()

	s.logger.DebugContext(s.ctx, "Key request accepted", slog.String("request_id", msg.ID))
	go s.deliver(task)
}

// deliver forwards the task outcome to the host. Cancelled tasks send
// nothing.
func (s *Session) deliver(task *license.Task) {
	r, ok := <-task.Result()

	s.mu.Lock()
	if s.tasks[task.ID()] == task {
		delete(s.tasks, task.ID())
	}
	s.mu.Unlock()

	if !ok || task.Canceled() {
		return
	}
	if r.Err != nil {
		s.enqueue(keyErrorMessage(task.ID(), r.Err))
		return
	}
	s.enqueue(Message{Type: TypeKeyResponse, ID: task.ID(), Response: r.Response.Payload})
}

func (s *Session) cancelKeyRequest(id string) {
	s.mu.Lock()
	task, ok := s.tasks[id]
	if ok {
		delete(s.tasks, id)
	}
	s.mu.Unlock()

	if !ok {
		s.logger.DebugContext(s.ctx, "Cancel for unknown key request", slog.String("request_id", id))
		return
	}
	task.Cancel()
	s.logger.InfoContext(s.ctx, "Key request cancelled by host", slog.String("request_id", id))
}

// generator asks the host for the payload of request id.
func (s *Session) generator(id string) license.PayloadGenerator {
	return license.PayloadGeneratorFunc(func(ctx context.Context, certificate []byte, contentID license.ContentIdentifier, version int) ([]byte, error) {
		return s.requestPayload(ctx, id, certificate, contentID, version)
	})
}

func (s *Session) requestPayload(ctx context.Context, id string, certificate []byte, contentID license.ContentIdentifier, version int) ([]byte, error) {
	reply := make(chan payloadReply, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	s.pending[id] = reply
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.pending[id] == reply {
			delete(s.pending, id)
		}
		s.mu.Unlock()
	}()

	start := time.Now()
	sent := s.enqueue(Message{
		Type:            TypeGeneratePayload,
		ID:              id,
		Certificate:     certificate,
		ContentID:       contentID,
		ProtocolVersion: version,
	})
	if !sent {
		return nil, ErrSessionClosed
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrSessionClosed
	case r := <-reply:
		s.metrics.recordPayloadRoundTrip(ctx, time.Since(start), r.err == nil)
		return r.payload, r.err
	}
}

func (s *Session) resolvePayload(id string, r payloadReply) {
	s.mu.Lock()
	reply, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()

	if !ok {
		s.logger.WarnContext(s.ctx, "Payload for unknown key request", slog.String("request_id", id))
		return
	}
	reply <- r
}

// enqueue queues msg for the write pump. A session that cannot drain its
// buffer within writeWait is closed.
func (s *Session) enqueue(msg Message) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.ErrorContext(s.ctx, "Error marshaling message",
			slog.String("error", err.Error()),
			slog.String("message_type", msg.Type))
		return false
	}

	select {
	case <-s.done:
		return false
	default:
	}

	timer := time.NewTimer(writeWait)
	defer timer.Stop()

	select {
	case s.send <- data:
		s.metrics.recordMessage(s.ctx, "outbound", msg.Type, len(data))
		return true
	case <-s.done:
		return false
	case <-timer.C:
		s.metrics.recordDropped(s.ctx, msg.Type)
		s.logger.WarnContext(s.ctx, "Session send buffer full, disconnecting",
			slog.String("message_type", msg.Type))
		s.Close()
		return false
	}
}

// Close ends the session. Running key requests are cancelled and deliver
// nothing.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		tasks := s.tasks
		s.tasks = make(map[string]*license.Task)
		s.mu.Unlock()

		close(s.done)
		for _, task := range tasks {
			task.Cancel()
		}
		s.cancel()

		if len(tasks) > 0 {
			s.logger.InfoContext(s.ctx, "Cancelled in-flight key requests on disconnect",
				slog.Int("count", len(tasks)))
		}
		s.hub.unregisterSession(s)
	})
}
