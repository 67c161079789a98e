package websocket

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	socket "github.com/TopGunBuild/socket-sub001"
	"github.com/TopGunBuild/socket-sub001/internal/auth"
	"github.com/TopGunBuild/socket-sub001/internal/metrics"
	"github.com/TopGunBuild/socket-sub001/internal/protocol"
	"github.com/TopGunBuild/socket-sub001/internal/stream"
)

// CallOptions tune a single Transmit or Invoke.
type CallOptions struct {
	// AckTimeout overrides the socket ack timeout.
	AckTimeout time.Duration
	// NoTimeout waits for the response until the connection dies.
	NoTimeout bool
	// Force sends even when the socket is not open.
	Force bool
}

type callResult struct {
	data any
	err  error
}

type pendingCall struct {
	cid   int64
	event string
	done  chan callResult
}

// endpoint is the state both sides of a connection share: lifecycle and
// auth state, the pending call table, counters and the receiver, procedure
// and listener streams.
type endpoint struct {
	version    int
	codec      protocol.Codec
	ackTimeout time.Duration
	logger     *slog.Logger
	metrics    *metrics.Metrics

	// self is the outer socket handed to requests and events.
	self socket.Socket
	// forward relays socket events to a second listener set.
	forward func(name string, ev Event)

	ctx    context.Context
	cancel context.CancelFunc

	mu              sync.RWMutex
	id              string
	state           socket.State
	authState       socket.AuthState
	authToken       socket.AuthToken
	signedAuthToken string
	authGen         uint64
	transport       Transport
	closeType       string
	closeCode       int
	closeReason     string

	callsMu sync.Mutex
	lastCID int64
	calls   map[int64]*pendingCall

	receivers  *stream.Demux[any]
	procedures *stream.Demux[*Request]
	listeners  *stream.Demux[Event]

	inboundReceived  atomic.Int64
	inboundProcessed atomic.Int64
	outboundPrepared atomic.Int64
	outboundSent     atomic.Int64
}

func newEndpoint(id string, version int, codec protocol.Codec, ackTimeout time.Duration, logger *slog.Logger, m *metrics.Metrics) *endpoint {
	ctx, cancel := context.WithCancel(context.Background())
	return &endpoint{
		id:         id,
		version:    version,
		codec:      codec,
		ackTimeout: ackTimeout,
		logger:     logger,
		metrics:    m,
		ctx:        ctx,
		cancel:     cancel,
		state:      socket.StateConnecting,
		calls:      make(map[int64]*pendingCall),
		receivers:  stream.NewDemux[any](),
		procedures: stream.NewDemux[*Request](),
		listeners:  stream.NewDemux[Event](),
	}
}

// ID returns the identifier assigned to this endpoint.
func (e *endpoint) ID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.id
}

// State returns the current lifecycle state.
func (e *endpoint) State() socket.State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// AuthState returns whether a valid auth token is attached.
func (e *endpoint) AuthState() socket.AuthState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.authState
}

// AuthToken returns a copy of the decoded auth token.
func (e *endpoint) AuthToken() socket.AuthToken {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return auth.Clone(e.authToken)
}

// SignedAuthToken returns the signed form of the auth token.
func (e *endpoint) SignedAuthToken() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.signedAuthToken
}

// Message counters.
func (e *endpoint) InboundReceivedMessageCount() int64 { return e.inboundReceived.Load() }
func (e *endpoint) InboundProcessedMessageCount() int64 { return e.inboundProcessed.Load() }
func (e *endpoint) OutboundPreparedMessageCount() int64 { return e.outboundPrepared.Load() }
func (e *endpoint) OutboundSentMessageCount() int64 { return e.outboundSent.Load() }

// Transmit sends a one-way event to the peer.
func (e *endpoint) Transmit(ctx context.Context, event string, data any) error {
	return e.TransmitWith(ctx, event, data, CallOptions{})
}

// TransmitWith is Transmit with per-call options. When the socket is not open
// (and Force is unset) the event is dropped and the BadConnectionError is
// both returned and emitted on the error listener.
func (e *endpoint) TransmitWith(ctx context.Context, event string, data any, opts CallOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.State() != socket.StateOpen && !opts.Force {
		err := e.notOpenError()
		e.emitError(err)
		return err
	}
	return e.send(&protocol.Packet{Event: event, Data: data})
}

// Invoke sends an RPC to the peer and waits for the response.
func (e *endpoint) Invoke(ctx context.Context, event string, data any) (any, error) {
	return e.InvokeWith(ctx, event, data, CallOptions{})
}

// InvokeWith is Invoke with per-call options.
func (e *endpoint) InvokeWith(ctx context.Context, event string, data any, opts CallOptions) (any, error) {
	if e.State() != socket.StateOpen && !opts.Force {
		return nil, e.notOpenError()
	}
	call := e.registerCall(event)
	if err := e.send(&protocol.Packet{Event: event, Data: data, CID: call.cid}); err != nil {
		e.takeCall(call.cid)
		return nil, err
	}

	var timeout <-chan time.Time
	if !opts.NoTimeout {
		d := opts.AckTimeout
		if d <= 0 {
			d = e.ackTimeout
		}
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case res := <-call.done:
		return res.data, res.err
	case <-timeout:
		e.takeCall(call.cid)
		return nil, &socket.TimeoutError{Message: fmt.Sprintf("event response for %q timed out", event)}
	case <-ctx.Done():
		e.takeCall(call.cid)
		return nil, ctx.Err()
	}
}

// PendingCallCount returns the number of RPCs waiting for a response.
func (e *endpoint) PendingCallCount() int {
	e.callsMu.Lock()
	defer e.callsMu.Unlock()
	return len(e.calls)
}

func (e *endpoint) registerCall(event string) *pendingCall {
	e.callsMu.Lock()
	defer e.callsMu.Unlock()
	e.lastCID++
	call := &pendingCall{cid: e.lastCID, event: event, done: make(chan callResult, 1)}
	e.calls[call.cid] = call
	return call
}

func (e *endpoint) takeCall(cid int64) *pendingCall {
	e.callsMu.Lock()
	defer e.callsMu.Unlock()
	call, ok := e.calls[cid]
	if !ok {
		return nil
	}
	delete(e.calls, cid)
	return call
}

func (e *endpoint) handleResponse(p *protocol.Packet) {
	call := e.takeCall(p.RID)
	if call == nil {
		e.logger.Debug("response for unknown call", "rid", p.RID)
		return
	}
	res := callResult{data: p.Data}
	if p.Error != nil {
		res.err = protocol.Hydrate(p.Error)
		res.data = nil
	}
	call.done <- res
}

// rejectCalls fails every pending call with err.
func (e *endpoint) rejectCalls(err error) {
	e.callsMu.Lock()
	calls := e.calls
	e.calls = make(map[int64]*pendingCall)
	e.callsMu.Unlock()
	for _, call := range calls {
		call.done <- callResult{err: err}
	}
}

func (e *endpoint) respond(cid int64, data any, err error) error {
	p := &protocol.Packet{RID: cid, Data: data}
	if err != nil {
		p.Data = nil
		p.Error = protocol.Dehydrate(err)
	}
	return e.send(p)
}

// send encodes and writes p. It works in every state but Closed.
func (e *endpoint) send(p *protocol.Packet) error {
	data, mt, err := e.codec.Encode(p)
	if err != nil {
		e.emitError(err)
		return err
	}
	e.outboundPrepared.Add(1)
	if err := e.write(mt, data); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.PacketsSent.WithLabelValues(protocol.Classify(p).String()).Inc()
	}
	return nil
}

func (e *endpoint) write(mt protocol.MessageType, data []byte) error {
	e.mu.RLock()
	t := e.transport
	state := e.state
	e.mu.RUnlock()
	if t == nil || state == socket.StateClosed {
		return e.notOpenError()
	}
	if err := t.WriteMessage(mt, data); err != nil {
		return fmt.Errorf("%s: %w", socket.ErrConnectionClosed, err)
	}
	e.outboundSent.Add(1)
	return nil
}

func (e *endpoint) notOpenError() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.state == socket.StateClosed {
		return socket.NewBadConnectionError(e.closeType, e.closeCode, e.closeReason)
	}
	return &socket.BadConnectionError{
		Message: fmt.Sprintf("%s: socket %s is %s", socket.ErrSocketNotOpen, e.id, e.state),
		Type:    e.state.String(),
	}
}

// markClosed moves the endpoint to Closed and records why. It returns the
// previous state and false when the endpoint was already closed.
func (e *endpoint) markClosed(code int, reason string) (socket.State, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	prev := e.state
	if prev == socket.StateClosed {
		return prev, false
	}
	e.state = socket.StateClosed
	e.closeCode = code
	e.closeReason = reason
	e.closeType = EventDisconnect
	if prev == socket.StateConnecting {
		e.closeType = EventConnectAbort
	}
	return prev, true
}

func (e *endpoint) emit(name string, ev Event) {
	ev.Name = name
	if ev.Socket == nil {
		ev.Socket = e.self
	}
	e.listeners.Write(name, ev)
	if e.forward != nil {
		e.forward(name, ev)
	}
}

func (e *endpoint) emitError(err error) {
	e.logger.Error("socket error", "error", err)
	e.emit(EventError, Event{Err: err})
}

func (e *endpoint) emitWarning(err error) {
	e.logger.Warn("socket warning", "error", err)
	e.emit(EventWarning, Event{Err: err})
}

// beginAuthChange reserves an auth generation for a token that is still
// being signed.
func (e *endpoint) beginAuthChange() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.authGen++
	return e.authGen
}

// setAuth attaches a token unconditionally.
func (e *endpoint) setAuth(token socket.AuthToken, signed string) {
	e.installAuth(e.beginAuthChange(), token, signed)
}

// installAuth attaches a token unless the auth state changed after gen was
// reserved. It reports whether the token was installed.
func (e *endpoint) installAuth(gen uint64, token socket.AuthToken, signed string) bool {
	e.mu.Lock()
	if e.authGen != gen {
		e.mu.Unlock()
		return false
	}
	old := e.authState
	e.authToken = token
	e.signedAuthToken = signed
	e.authState = socket.Authenticated
	e.mu.Unlock()

	e.emit(EventAuthenticate, Event{AuthToken: auth.Clone(token), SignedAuthToken: signed})
	if old != socket.Authenticated {
		e.emit(EventAuthStateChange, Event{
			OldAuthState: old,
			NewAuthState: socket.Authenticated,
			AuthToken:    auth.Clone(token),
		})
	}
	return true
}

// clearAuth drops the token. It reports whether the endpoint was
// authenticated.
func (e *endpoint) clearAuth() bool {
	e.mu.Lock()
	old := e.authState
	oldToken := e.authToken
	e.authToken = nil
	e.signedAuthToken = ""
	e.authState = socket.Unauthenticated
	e.authGen++
	e.mu.Unlock()

	if old != socket.Authenticated {
		return false
	}
	e.emit(EventDeauthenticate, Event{AuthToken: oldToken})
	e.emit(EventAuthStateChange, Event{OldAuthState: old, NewAuthState: socket.Unauthenticated})
	return true
}

// checkAuthExpiry deauthenticates when the attached token has expired and
// returns the expiry error.
func (e *endpoint) checkAuthExpiry() error {
	e.mu.RLock()
	token := e.authToken
	e.mu.RUnlock()
	if token == nil {
		return nil
	}
	err := auth.CheckExpiry(token, time.Now())
	if err != nil {
		e.clearAuth()
	}
	return err
}

// deliver hands an application event to its receiver or procedure stream.
// Reserved RPCs arrive with their response already sent.
func (e *endpoint) deliver(p *protocol.Packet, responded bool) {
	if !p.IsRPC() {
		e.receivers.Write(p.Event, p.Data)
		return
	}
	req := newRequest(e, p.Event, p.Data, p.CID)
	req.sent = responded
	e.procedures.Write(p.Event, req)
}

// cleanupStreams ends the receiver and procedure streams according to mode,
// then emits end and closes the listeners so consumers still see the final
// events.
func (e *endpoint) cleanupStreams(mode CleanupMode) {
	if mode == CleanupClose {
		e.receivers.CloseAll(nil)
		e.procedures.CloseAll(nil)
	} else {
		e.receivers.KillAll(nil)
		e.procedures.KillAll(nil)
	}
	e.emit(EventEnd, Event{})
	e.listeners.CloseAll(Event{})
}

// Receiver returns the stream of one-way events named name.
func (e *endpoint) Receiver(name string) *stream.DemuxedStream[any] {
	return e.receivers.Stream(name)
}

// Procedure returns the stream of RPC requests named name.
func (e *endpoint) Procedure(name string) *stream.DemuxedStream[*Request] {
	return e.procedures.Stream(name)
}

// Listener returns the stream of socket events named name.
func (e *endpoint) Listener(name string) *stream.DemuxedStream[Event] {
	return e.listeners.Stream(name)
}

// KillReceiver ends the consumers of receiver name immediately.
func (e *endpoint) KillReceiver(name string) { e.receivers.Kill(name, nil) }

// CloseReceiver ends the consumers of receiver name once they have drained.
func (e *endpoint) CloseReceiver(name string) { e.receivers.Close(name, nil) }

// KillAllReceivers ends every receiver consumer immediately.
func (e *endpoint) KillAllReceivers() { e.receivers.KillConsumers(nil) }

// CloseAllReceivers ends every receiver consumer once it has drained.
func (e *endpoint) CloseAllReceivers() { e.receivers.CloseConsumers(nil) }

// ReceiverBackpressure returns the largest backlog among the consumers of receiver name.
func (e *endpoint) ReceiverBackpressure(name string) int { return e.receivers.Backpressure(name) }

// AllReceiversBackpressure returns the largest backlog among all receiver consumers.
func (e *endpoint) AllReceiversBackpressure() int { return e.receivers.AllBackpressure() }

// KillProcedure ends the consumers of procedure name immediately.
func (e *endpoint) KillProcedure(name string) { e.procedures.Kill(name, nil) }

// CloseProcedure ends the consumers of procedure name once they have drained.
func (e *endpoint) CloseProcedure(name string) { e.procedures.Close(name, nil) }

// KillAllProcedures ends every procedure consumer immediately.
func (e *endpoint) KillAllProcedures() { e.procedures.KillConsumers(nil) }

// CloseAllProcedures ends every procedure consumer once it has drained.
func (e *endpoint) CloseAllProcedures() { e.procedures.CloseConsumers(nil) }

// ProcedureBackpressure returns the largest backlog among the consumers of procedure name.
func (e *endpoint) ProcedureBackpressure(name string) int { return e.procedures.Backpressure(name) }

// AllProceduresBackpressure returns the largest backlog among all procedure consumers.
func (e *endpoint) AllProceduresBackpressure() int { return e.procedures.AllBackpressure() }

// KillListener ends the consumers of listener name immediately.
func (e *endpoint) KillListener(name string) { e.listeners.Kill(name, Event{}) }

// CloseListener ends the consumers of listener name once they have drained.
func (e *endpoint) CloseListener(name string) { e.listeners.Close(name, Event{}) }

// KillAllListeners ends every listener consumer immediately.
func (e *endpoint) KillAllListeners() { e.listeners.KillConsumers(Event{}) }

// CloseAllListeners ends every listener consumer once it has drained.
func (e *endpoint) CloseAllListeners() { e.listeners.CloseConsumers(Event{}) }

// ListenerBackpressure returns the largest backlog among the consumers of listener name.
func (e *endpoint) ListenerBackpressure(name string) int { return e.listeners.Backpressure(name) }

// AllListenersBackpressure returns the largest backlog among all listener consumers.
func (e *endpoint) AllListenersBackpressure() int { return e.listeners.AllBackpressure() }
