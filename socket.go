package socket

import "context"

// State is the connection lifecycle state of an endpoint.
//
// Transitions only go Connecting -> Open -> Closed or Connecting -> Closed.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// AuthState is independent of State and may toggle freely while open.
type AuthState int

const (
	Unauthenticated AuthState = iota
	Authenticated
)

func (s AuthState) String() string {
	if s == Authenticated {
		return "authenticated"
	}
	return "unauthenticated"
}

// ChannelState is the client-side view of a channel subscription.
type ChannelState int

const (
	ChannelUnsubscribed ChannelState = iota
	ChannelPending
	ChannelSubscribed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelPending:
		return "pending"
	case ChannelSubscribed:
		return "subscribed"
	default:
		return "unsubscribed"
	}
}

// AuthToken is the decoded claim set of a signed auth token.
type AuthToken = map[string]any

// Socket is the behaviour shared by both endpoints of a connection.
//
// Example usage:
//
//	if s.State() == socket.StateOpen {
//	    reply, err := s.Invoke(ctx, "echo", map[string]any{"msg": "hi"})
//	    ...
//	}
type Socket interface {
	// ID returns the identifier assigned to this endpoint.
	ID() string

	// State returns the current lifecycle state.
	State() State

	// AuthState returns whether a valid auth token is attached.
	AuthState() AuthState

	// AuthToken returns the decoded auth token, or nil when unauthenticated.
	AuthToken() AuthToken

	// SignedAuthToken returns the signed (wire) form of the auth token.
	SignedAuthToken() string

	// Transmit sends a one-way event to the peer.
	//
	// It fails with a BadConnectionError when the socket is not open.
	Transmit(ctx context.Context, event string, data any) error

	// Invoke sends an RPC to the peer and waits for the response.
	//
	// The call is rejected with a TimeoutError if no response arrives within
	// the configured ack timeout and with a BadConnectionError if the
	// connection dies first.
	Invoke(ctx context.Context, event string, data any) (any, error)

	// Disconnect closes the connection with the given status code and reason.
	Disconnect(code int, reason string)
}
