package websocket

import (
	"time"
)

// Connection is the part of a WebSocket connection a Session uses. It lets
// tests drive sessions without a network.
type Connection interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(string) error)

	// RemoteAddr returns the peer address for logging.
	RemoteAddr() string
}
