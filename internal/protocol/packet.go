package protocol

import (
	"fmt"
	"math"

	socket "github.com/TopGunBuild/socket-sub001"
)

// Packet is the logical (post-codec) shape of every non-ping frame.
//
// An event packet carries Event and optionally Data; a CID marks it as an
// RPC that expects a response. A response carries RID and either Data or a
// dehydrated Error.
type Packet struct {
	Event string `json:"event,omitempty"`
	Data  any    `json:"data,omitempty"`
	CID   int64  `json:"cid,omitempty"`
	RID   int64  `json:"rid,omitempty"`
	Error any    `json:"error,omitempty"`
}

// IsResponse reports whether the packet answers a previous RPC.
func (p *Packet) IsResponse() bool {
	return p.RID != 0 && p.Event == ""
}

// IsRPC reports whether the packet expects a response.
func (p *Packet) IsRPC() bool {
	return p.CID != 0
}

// PublishData is the payload of #publish packets.
type PublishData struct {
	Channel string `json:"channel"`
	Data    any    `json:"data,omitempty"`
}

// SubscribeData is the payload of #subscribe packets.
type SubscribeData struct {
	Channel string         `json:"channel"`
	Options map[string]any `json:"data,omitempty"`
}

// HandshakeData is the payload of #handshake packets.
type HandshakeData struct {
	AuthToken string `json:"authToken,omitempty"`
}

// HandshakeResponse is the data returned for a successful #handshake.
type HandshakeResponse struct {
	ID              string `json:"id"`
	PingTimeout     int64  `json:"pingTimeout"`
	IsAuthenticated bool   `json:"isAuthenticated"`
	AuthError       any    `json:"authError,omitempty"`
}

// AuthenticateResponse is the data returned for #authenticate.
type AuthenticateResponse struct {
	IsAuthenticated bool `json:"isAuthenticated"`
	AuthError       any  `json:"authError,omitempty"`
}

// ChannelName extracts the channel from a subscribe, unsubscribe or publish
// payload. Unsubscribe payloads may be the bare channel name.
func ChannelName(data any) string {
	if s, ok := data.(string); ok {
		return s
	}
	s, _ := StringField(data, "channel")
	return s
}

// ParsePackets converts a decoded frame into packets. A frame is either a
// single packet object or an array of them (a batch).
func ParsePackets(decoded any) ([]*Packet, error) {
	switch v := decoded.(type) {
	case map[string]any:
		p, err := packetFromMap(v)
		if err != nil {
			return nil, err
		}
		return []*Packet{p}, nil
	case []any:
		out := make([]*Packet, 0, len(v))
		for i, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, &socket.InvalidMessageError{Message: fmt.Sprintf("%s: batch item %d is not an object", socket.ErrInvalidMessageFormat, i)}
			}
			p, err := packetFromMap(m)
			if err != nil {
				return nil, err
			}
			out = append(out, p)
		}
		return out, nil
	case *Packet:
		return []*Packet{v}, nil
	case []*Packet:
		return v, nil
	default:
		return nil, &socket.InvalidMessageError{Message: fmt.Sprintf("%s: unexpected %T", socket.ErrInvalidMessageFormat, decoded)}
	}
}

func packetFromMap(m map[string]any) (*Packet, error) {
	p := &Packet{Data: m["data"], Error: m["error"]}
	if ev, ok := m["event"]; ok {
		s, ok := ev.(string)
		if !ok {
			return nil, &socket.InvalidMessageError{Message: fmt.Sprintf("%s: event must be a string", socket.ErrInvalidMessageFormat)}
		}
		p.Event = s
	}
	var err error
	if p.CID, err = idField(m, "cid"); err != nil {
		return nil, err
	}
	if p.RID, err = idField(m, "rid"); err != nil {
		return nil, err
	}
	return p, nil
}

func idField(m map[string]any, key string) (int64, error) {
	raw, ok := m[key]
	if !ok || raw == nil {
		return 0, nil
	}
	switch n := raw.(type) {
	case float64:
		if n != math.Trunc(n) {
			return 0, &socket.InvalidMessageError{Message: fmt.Sprintf("%s: %s must be an integer", socket.ErrInvalidMessageFormat, key)}
		}
		return int64(n), nil
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	default:
		return 0, &socket.InvalidMessageError{Message: fmt.Sprintf("%s: %s must be a number", socket.ErrInvalidMessageFormat, key)}
	}
}

// StringField reads a string field from a decoded object payload.
func StringField(data any, key string) (string, bool) {
	m, ok := data.(map[string]any)
	if !ok {
		return "", false
	}
	s, ok := m[key].(string)
	return s, ok
}

// BoolField reads a boolean field from a decoded object payload.
func BoolField(data any, key string) (bool, bool) {
	m, ok := data.(map[string]any)
	if !ok {
		return false, false
	}
	b, ok := m[key].(bool)
	return b, ok
}
