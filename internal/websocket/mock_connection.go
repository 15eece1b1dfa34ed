package websocket

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrMockClosed is returned by a closed MockConnection.
var ErrMockClosed = errors.New("connection closed")

// MockConnection is an in-memory Connection. ReadMessage blocks until the
// test pushes a frame with Inbound or the connection is closed; written
// text frames are delivered on Outbound.
type MockConnection struct {
	inbound  chan []byte
	outbound chan []byte
	closed   chan struct{}

	closeOnce sync.Once

	mu            sync.Mutex
	RemoteAddress string
	ReadLimit     int64
	ReadDeadline  time.Time
	WriteDeadline time.Time
	PongHandler   func(string) error
	Pings         int
	CloseFrames   int
}

// NewMockConnection creates an open mock connection.
func NewMockConnection() *MockConnection {
	return &MockConnection{
		inbound:       make(chan []byte, 64),
		outbound:      make(chan []byte, 256),
		closed:        make(chan struct{}),
		RemoteAddress: "127.0.0.1:8080",
	}
}

// Inbound queues a frame for ReadMessage.
func (m *MockConnection) Inbound(data []byte) {
	select {
	case m.inbound <- data:
	case <-m.closed:
	}
}

// InboundJSON marshals v and queues it for ReadMessage.
func (m *MockConnection) InboundJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.Inbound(data)
	return nil
}

// Outbound delivers the text frames written by the session.
func (m *MockConnection) Outbound() <-chan []byte { return m.outbound }

// Closed is closed once Close has been called.
func (m *MockConnection) Closed() <-chan struct{} { return m.closed }

func (m *MockConnection) WriteMessage(messageType int, data []byte) error {
	select {
	case <-m.closed:
		return ErrMockClosed
	default:
	}

	switch messageType {
	case websocket.PingMessage:
		m.mu.Lock()
		m.Pings++
		m.mu.Unlock()
		return nil
	case websocket.CloseMessage:
		m.mu.Lock()
		m.CloseFrames++
		m.mu.Unlock()
		return nil
	}

	select {
	case m.outbound <- append([]byte(nil), data...):
		return nil
	case <-m.closed:
		return ErrMockClosed
	}
}

func (m *MockConnection) ReadMessage() (int, []byte, error) {
	select {
	case data := <-m.inbound:
		return websocket.TextMessage, data, nil
	case <-m.closed:
		return 0, nil, ErrMockClosed
	}
}

func (m *MockConnection) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

func (m *MockConnection) SetReadDeadline(t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReadDeadline = t
	return nil
}

func (m *MockConnection) SetWriteDeadline(t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.WriteDeadline = t
	return nil
}

func (m *MockConnection) SetReadLimit(limit int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReadLimit = limit
}

func (m *MockConnection) SetPongHandler(h func(string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PongHandler = h
}

func (m *MockConnection) RemoteAddr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.RemoteAddress
}
