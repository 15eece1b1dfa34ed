package websocket

import (
	"encoding/json"
	"errors"

	"keybroker/internal/license"
)

// Message types sent by the host engine.
const (
	TypeKeyRequest   = "key_request"
	TypePayload      = "payload"
	TypePayloadError = "payload_error"
	TypeCancel       = "cancel"
	TypeHeartbeat    = "heartbeat"
)

// Message types sent by the broker.
const (
	TypeConnection      = "connection"
	TypeGeneratePayload = "generate_payload"
	TypeKeyResponse     = "key_response"
	TypeKeyError        = "key_error"
)

// Message is one JSON frame in either direction. Byte fields travel as
// standard base64.
type Message struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`

	// key_request
	URI string `json:"uri,omitempty"`

	// generate_payload
	Certificate     []byte `json:"certificate,omitempty"`
	ContentID       []byte `json:"content_id,omitempty"`
	ProtocolVersion int    `json:"protocol_version,omitempty"`

	// payload
	Payload []byte `json:"payload,omitempty"`

	// key_response
	Response []byte `json:"response,omitempty"`

	// key_error and payload_error
	Kind       string `json:"kind,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
	Error      string `json:"error,omitempty"`

	// connection
	SessionID string `json:"session_id,omitempty"`
}

func decodeMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, err
	}
	if msg.Type == "" {
		return Message{}, errors.New("message type is required")
	}
	return msg, nil
}

func keyErrorMessage(id string, err error) Message {
	return Message{
		Type:       TypeKeyError,
		ID:         id,
		Kind:       license.KindOf(err).String(),
		StatusCode: license.StatusCodeOf(err),
		Error:      err.Error(),
	}
}

// protocolError reports a frame the broker could not act on. It is sent as
// a key_error with the malformed_request kind.
func protocolError(id, reason string) Message {
	return Message{
		Type:  TypeKeyError,
		ID:    id,
		Kind:  license.KindMalformedRequest.String(),
		Error: reason,
	}
}
