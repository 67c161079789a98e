// Package action implements the middleware gate: an Action is one in-flight
// decision point that middleware must allow or block exactly once.
package action

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	socket "github.com/TopGunBuild/socket-sub001"
)

// Type identifies what an action intercepts.
type Type int

const (
	HandshakeWS Type = iota
	HandshakeSC
	Message
	Transmit
	Invoke
	Subscribe
	PublishIn
	PublishOut
	Authenticate
)

func (t Type) String() string {
	switch t {
	case HandshakeWS:
		return "handshakeWS"
	case HandshakeSC:
		return "handshakeSC"
	case Message:
		return "message"
	case Transmit:
		return "transmit"
	case Invoke:
		return "invoke"
	case Subscribe:
		return "subscribe"
	case PublishIn:
		return "publishIn"
	case PublishOut:
		return "publishOut"
	case Authenticate:
		return "authenticate"
	default:
		return "unknown"
	}
}

// Outcome is the resolution state of an action.
type Outcome int

const (
	Pending Outcome = iota
	Allowed
	Blocked
)

func (o Outcome) String() string {
	switch o {
	case Allowed:
		return "allowed"
	case Blocked:
		return "blocked"
	default:
		return "pending"
	}
}

// Action is handed to middleware for every intercepted event. Fields not
// relevant to Type are left zero.
type Action struct {
	Type   Type
	Socket socket.Socket

	// HandshakeWS
	Request *http.Request

	// Message
	Raw []byte

	// Transmit / Invoke / Subscribe / PublishIn / PublishOut
	Event   string
	Channel string
	Data    any

	// Authenticate / HandshakeSC
	SignedAuthToken string
	AuthToken       socket.AuthToken

	// Set when the socket token expired while the action was being processed.
	AuthTokenExpiredError error

	mu       sync.Mutex
	outcome  Outcome
	data     any
	rewrite  bool
	err      error
	resolved chan struct{}
}

// New returns a pending action of the given type.
func New(t Type) *Action {
	return &Action{Type: t, resolved: make(chan struct{})}
}

// Allow lets the action proceed unchanged.
func (a *Action) Allow() {
	a.resolve(Allowed, nil, false, nil)
}

// AllowWith lets the action proceed with data substituted for its payload.
func (a *Action) AllowWith(data any) {
	a.resolve(Allowed, data, true, nil)
}

// Block stops the action. A nil err is replaced with a
// SilentMiddlewareBlockedError.
func (a *Action) Block(err error) {
	if err == nil {
		err = &socket.SilentMiddlewareBlockedError{
			Message: fmt.Sprintf("the %s action was blocked by middleware", a.Type),
			Type:    a.Type.String(),
		}
	}
	a.resolve(Blocked, nil, false, err)
}

// Outcome returns the current resolution state.
func (a *Action) Outcome() Outcome {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.outcome
}

// Wait blocks until the action is resolved and returns the (possibly
// rewritten) payload or the block error.
func (a *Action) Wait(ctx context.Context) (any, error) {
	select {
	case <-a.resolved:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.outcome == Blocked {
		return nil, a.err
	}
	if a.rewrite {
		return a.data, nil
	}
	return a.Data, nil
}

// resolve panics on a second transition; resolving twice is a programming
// error in the middleware.
func (a *Action) resolve(o Outcome, data any, rewrite bool, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.outcome != Pending {
		panic(&socket.InvalidActionError{
			Message: fmt.Sprintf("%s: %s action is already %s", socket.ErrActionAlreadyResolved, a.Type, a.outcome),
		})
	}
	a.outcome = o
	a.data = data
	a.rewrite = rewrite
	a.err = err
	close(a.resolved)
}
