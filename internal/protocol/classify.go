package protocol

import (
	"strings"

	socket "github.com/TopGunBuild/socket-sub001"
)

// Kind is the dispatch class of an inbound packet.
type Kind int

const (
	KindRaw Kind = iota
	KindHandshake
	KindAuthenticate
	KindRemoveAuthToken
	KindSubscribe
	KindUnsubscribe
	KindPublish
	KindInvoke
	KindTransmit
	KindResponse
)

func (k Kind) String() string {
	switch k {
	case KindHandshake:
		return "handshake"
	case KindAuthenticate:
		return "authenticate"
	case KindRemoveAuthToken:
		return "removeAuthToken"
	case KindSubscribe:
		return "subscribe"
	case KindUnsubscribe:
		return "unsubscribe"
	case KindPublish:
		return "publish"
	case KindInvoke:
		return "invoke"
	case KindTransmit:
		return "transmit"
	case KindResponse:
		return "response"
	default:
		return "raw"
	}
}

// Classify assigns a packet its dispatch class. The order matters: handshake,
// authenticate and token removal are recognised before the generic split into
// subscribe/unsubscribe/publish/invoke/transmit.
func Classify(p *Packet) Kind {
	if p == nil {
		return KindRaw
	}
	switch p.Event {
	case socket.EventHandshake:
		return KindHandshake
	case socket.EventAuthenticate:
		return KindAuthenticate
	case socket.EventRemoveAuthToken:
		return KindRemoveAuthToken
	}
	if p.Event == "" {
		if p.RID != 0 {
			return KindResponse
		}
		return KindRaw
	}
	switch p.Event {
	case socket.EventSubscribe:
		return KindSubscribe
	case socket.EventUnsubscribe:
		return KindUnsubscribe
	case socket.EventPublish:
		return KindPublish
	}
	if p.IsRPC() {
		return KindInvoke
	}
	return KindTransmit
}

// IsReservedEvent reports whether name belongs to the protocol namespace.
func IsReservedEvent(name string) bool {
	return strings.HasPrefix(name, "#")
}
