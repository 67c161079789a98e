package websocket

import (
	"fmt"
	"sync"

	socket "github.com/TopGunBuild/socket-sub001"
)

// Request is an inbound RPC waiting for a response. Exactly one of End or
// Fail may be called; later calls return an InvalidActionError.
type Request struct {
	Procedure string
	Data      any
	Socket    socket.Socket

	cid int64
	ep  *endpoint

	mu   sync.Mutex
	sent bool
}

func newRequest(ep *endpoint, procedure string, data any, cid int64) *Request {
	return &Request{Procedure: procedure, Data: data, Socket: ep.self, cid: cid, ep: ep}
}

// ID returns the call id of the request.
func (r *Request) ID() int64 { return r.cid }

// Sent reports whether a response has already been sent.
func (r *Request) Sent() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sent
}

// End responds successfully with data.
func (r *Request) End(data any) error {
	if err := r.markSent(); err != nil {
		return err
	}
	return r.ep.respond(r.cid, data, nil)
}

// Fail responds with err. The error is dehydrated before it is sent.
func (r *Request) Fail(err error) error {
	if err := r.markSent(); err != nil {
		return err
	}
	return r.ep.respond(r.cid, nil, err)
}

func (r *Request) markSent() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sent {
		return &socket.InvalidActionError{
			Message: fmt.Sprintf("%s: procedure %q, call %d", socket.ErrResponseAlreadySent, r.Procedure, r.cid),
		}
	}
	r.sent = true
	return nil
}
