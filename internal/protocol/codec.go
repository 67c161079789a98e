package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"

	socket "github.com/TopGunBuild/socket-sub001"
)

const maxPayloadSize = 10 * 1024 * 1024 // 10MB max frame size

// MessageType is the websocket frame type a codec emits.
type MessageType int

const (
	TextMessage   MessageType = websocket.TextMessage
	BinaryMessage MessageType = websocket.BinaryMessage
)

// Frame is an encoded packet ready to be written to a transport.
type Frame struct {
	Type MessageType
	Data []byte
}

// Codec converts logical packets to and from their wire form. Decode fails
// with an InvalidMessageError on malformed input.
type Codec interface {
	Encode(v any) ([]byte, MessageType, error)
	Decode(data []byte) (any, error)
}

// JSONCodec encodes packets as JSON text frames.
type JSONCodec struct{}

// Encode marshals v to JSON.
func (c *JSONCodec) Encode(v any) ([]byte, MessageType, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, TextMessage, fmt.Errorf("%s: %w", socket.ErrFailedToEncode, err)
	}
	if len(data) > maxPayloadSize {
		return nil, TextMessage, fmt.Errorf("%s: payload size %d exceeds maximum %d bytes", socket.ErrFailedToEncode, len(data), maxPayloadSize)
	}
	return data, TextMessage, nil
}

// Decode unmarshals a JSON frame into an untyped value.
func (c *JSONCodec) Decode(data []byte) (any, error) {
	if len(data) > maxPayloadSize {
		return nil, &socket.InvalidMessageError{Message: fmt.Sprintf("%s: payload size %d exceeds maximum %d bytes", socket.ErrFailedToDecode, len(data), maxPayloadSize)}
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, &socket.InvalidMessageError{Message: fmt.Sprintf("%s: %v", socket.ErrFailedToDecode, err), Err: err}
	}
	return out, nil
}

// PingMessage returns the ping frame for a protocol version.
func PingMessage(version int) []byte {
	if version == socket.ProtocolVersionLegacy {
		return []byte(socket.LegacyPing)
	}
	return []byte(socket.Ping)
}

// PongMessage returns the pong frame for a protocol version.
func PongMessage(version int) []byte {
	if version == socket.ProtocolVersionLegacy {
		return []byte(socket.LegacyPong)
	}
	return []byte(socket.Pong)
}

// IsPing reports whether a raw frame is a ping for the protocol version.
func IsPing(data []byte, version int) bool {
	return string(data) == string(PingMessage(version))
}

// IsPong reports whether a raw frame is a pong for the protocol version.
func IsPong(data []byte, version int) bool {
	return string(data) == string(PongMessage(version))
}

var _ Codec = (*JSONCodec)(nil)
