package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	socket "github.com/TopGunBuild/socket-sub001"
	"github.com/TopGunBuild/socket-sub001/internal/action"
	"github.com/TopGunBuild/socket-sub001/internal/auth"
	"github.com/TopGunBuild/socket-sub001/internal/protocol"
	"github.com/TopGunBuild/socket-sub001/internal/stream"
)

// AuthTokenOptions tune SetAuthToken.
type AuthTokenOptions struct {
	// Algorithm overrides the server signing algorithm.
	Algorithm string
	// ExpiresIn sets the exp claim when the token has none. Zero uses the
	// server default expiry.
	ExpiresIn time.Duration
	// WaitForAck waits until the client confirms it stored the token.
	WaitForAck bool
}

// ServerSocket is the server end of one connection.
type ServerSocket struct {
	*endpoint

	server     *Server
	request    *http.Request
	remoteAddr string
	limiter    *rate.Limiter

	inboundRaw *action.MiddlewareStream
	inbound    *action.MiddlewareStream
	outbound   *action.MiddlewareStream

	timerMu        sync.Mutex
	handshakeTimer *time.Timer
	pongTimer      *time.Timer

	subMu    sync.Mutex
	channels map[string]struct{}

	// publishes queues channel deliveries for publishPump so a slow
	// socket never holds up the broker.
	publishes     *stream.Stream[queuedPublish]
	publishCursor *stream.Consumer[queuedPublish]
}

type queuedPublish struct {
	channel string
	data    any
	encoded *protocol.Frame
}

func newServerSocket(srv *Server, t Transport, r *http.Request) *ServerSocket {
	id := uuid.NewString()
	cfg := srv.cfg
	ep := newEndpoint(id, cfg.ProtocolVersion, cfg.Codec, cfg.AckTimeout, srv.logger.With("socket_id", id), srv.metrics)
	s := &ServerSocket{
		endpoint:   ep,
		server:     srv,
		request:    r,
		remoteAddr: t.RemoteAddr(),
		limiter:    cfg.RateLimitConfig.limiter(),
		channels:   make(map[string]struct{}),
		publishes:  stream.New[queuedPublish](),
	}
	s.publishCursor = s.publishes.CreateConsumer(0)
	ep.self = s
	ep.transport = t
	ep.forward = srv.relay
	s.inboundRaw = srv.socketMiddleware(action.StageInboundRaw)
	s.inbound = srv.socketMiddleware(action.StageInbound)
	s.outbound = srv.socketMiddleware(action.StageOutbound)
	return s
}

// RemoteAddr returns the peer's network address.
func (s *ServerSocket) RemoteAddr() string { return s.remoteAddr }

// Request returns the HTTP upgrade request, if any.
func (s *ServerSocket) Request() *http.Request { return s.request }

// Context is cancelled when the socket closes.
func (s *ServerSocket) Context() context.Context { return s.ctx }

func (s *ServerSocket) start() {
	s.timerMu.Lock()
	s.handshakeTimer = time.AfterFunc(s.server.cfg.HandshakeTimeout, func() {
		s.disconnectWithError(socket.StatusHandshakeTimeout, socket.ErrHandshakeTimeout)
	})
	s.timerMu.Unlock()
	go s.publishPump()
	go s.readLoop()
}

func (s *ServerSocket) readLoop() {
	for {
		_, data, err := s.transport.ReadMessage()
		if err != nil {
			code, reason := socket.StatusAbnormalClosure, err.Error()
			var ce *CloseError
			if errors.As(err, &ce) {
				code, reason = ce.Code, ce.Reason
			}
			s.destroy(code, reason)
			return
		}
		if s.State() == socket.StateClosed {
			return
		}
		s.handleMessage(data)
	}
}

func (s *ServerSocket) handleMessage(raw []byte) {
	s.inboundReceived.Add(1)

	if protocol.IsPong(raw, s.version) {
		if s.State() == socket.StateOpen {
			s.resetPongTimeout()
			s.expireAuth()
		}
		s.inboundProcessed.Add(1)
		return
	}

	if s.limiter != nil && !s.limiter.Allow() {
		s.logger.Warn("rate limit exceeded", "remote_addr", s.remoteAddr)
		s.disconnectWithError(socket.StatusPolicyViolation, socket.ErrRateLimitExceeded)
		return
	}

	if s.inboundRaw != nil {
		a := action.New(action.Message)
		a.Socket = s
		a.Raw = raw
		out, err := action.Process(s.ctx, s.inboundRaw, a)
		if err != nil {
			s.blocked(a, err)
			return
		}
		switch v := out.(type) {
		case []byte:
			raw = v
		case string:
			raw = []byte(v)
		}
	}

	s.emit(EventMessage, Event{Data: raw})

	decoded, err := s.codec.Decode(raw)
	if err == nil {
		var packets []*protocol.Packet
		packets, err = protocol.ParsePackets(decoded)
		if err == nil {
			for _, p := range packets {
				if s.State() == socket.StateClosed {
					return
				}
				s.handlePacket(p)
			}
			s.inboundProcessed.Add(1)
			return
		}
	}

	if s.State() == socket.StateConnecting && s.server.cfg.StrictHandshake {
		s.disconnectWithError(socket.StatusMessageBeforeHandshake, socket.ErrStrictHandshake)
		return
	}
	s.emitError(err)
}

func (s *ServerSocket) handlePacket(p *protocol.Packet) {
	kind := protocol.Classify(p)
	if s.metrics != nil {
		s.metrics.PacketsReceived.WithLabelValues(kind.String()).Inc()
	}
	if kind != protocol.KindHandshake && s.State() == socket.StateConnecting && s.server.cfg.StrictHandshake {
		s.disconnectWithError(socket.StatusMessageBeforeHandshake, socket.ErrStrictHandshake)
		return
	}

	switch kind {
	case protocol.KindHandshake:
		s.handleHandshake(p)
	case protocol.KindAuthenticate:
		s.handleAuthenticate(p)
	case protocol.KindRemoveAuthToken:
		s.clearAuth()
		s.reply(p, nil, nil)
	case protocol.KindResponse:
		s.handleResponse(p)
	case protocol.KindRaw:
		s.emit(EventRaw, Event{Data: p.Data})
	default:
		s.handleInbound(kind, p)
	}
}

func (s *ServerSocket) handleHandshake(p *protocol.Packet) {
	if s.State() != socket.StateConnecting {
		s.reply(p, nil, &socket.InvalidActionError{Message: fmt.Sprintf("socket %s has already completed its handshake", s.ID())})
		return
	}
	s.stopHandshakeTimer()

	signed, _ := protocol.StringField(p.Data, "authToken")
	var token socket.AuthToken
	var authErr error
	if signed != "" {
		token, authErr = s.server.verifyToken(signed)
	}

	a := action.New(action.HandshakeSC)
	a.Socket = s
	a.Request = s.request
	a.Data = p.Data
	a.SignedAuthToken = signed
	a.AuthToken = token
	var expired *socket.AuthTokenExpiredError
	if errors.As(authErr, &expired) {
		a.AuthTokenExpiredError = authErr
	}

	if _, err := action.Process(s.ctx, s.server.handshakeStream(), a); err != nil {
		if s.State() == socket.StateClosed {
			return
		}
		s.countBlock(a)
		s.reply(p, nil, err)
		code := socket.StatusHandshakeRejected
		var pe *socket.SocketProtocolError
		if errors.As(err, &pe) && pe.Code != 0 {
			code = pe.Code
		}
		s.logger.Warn("handshake blocked", "error", err)
		s.destroy(code, err.Error())
		return
	}

	if !s.server.registry.promote(s) {
		return
	}
	s.mu.Lock()
	if s.state != socket.StateConnecting {
		s.mu.Unlock()
		return
	}
	s.state = socket.StateOpen
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.PendingHandshake.Dec()
		s.metrics.Connections.Inc()
	}

	if token != nil && authErr == nil {
		s.setAuth(token, signed)
	}
	resp := protocol.HandshakeResponse{
		ID:              s.ID(),
		PingTimeout:     s.server.cfg.PingTimeout.Milliseconds(),
		IsAuthenticated: s.AuthState() == socket.Authenticated,
	}
	if authErr != nil {
		resp.AuthError = protocol.Dehydrate(authErr)
		s.emit(EventBadAuthToken, Event{Err: authErr, SignedAuthToken: signed})
	}
	s.reply(p, resp, nil)
	s.startPing()

	s.logger.Info("socket connected", "remote_addr", s.remoteAddr, "authenticated", resp.IsAuthenticated)
	s.emit(EventConnect, Event{Data: resp})
}

func (s *ServerSocket) handleAuthenticate(p *protocol.Packet) {
	signed, _ := p.Data.(string)
	token, err := s.server.verifyToken(signed)
	if err == nil {
		a := action.New(action.Authenticate)
		a.Socket = s
		a.SignedAuthToken = signed
		a.AuthToken = token
		if _, err = action.Process(s.ctx, s.inbound, a); err != nil {
			s.countBlock(a)
		}
	}

	if err != nil {
		s.clearAuth()
		s.emit(EventBadAuthToken, Event{Err: err, SignedAuthToken: signed})
		s.reply(p, protocol.AuthenticateResponse{AuthError: protocol.Dehydrate(err)}, nil)
		return
	}
	s.setAuth(token, signed)
	s.reply(p, protocol.AuthenticateResponse{IsAuthenticated: true}, nil)
}

func (s *ServerSocket) handleInbound(kind protocol.Kind, p *protocol.Packet) {
	if kind == protocol.KindUnsubscribe {
		err := s.unsubscribe(protocol.ChannelName(p.Data))
		s.reply(p, nil, err)
		s.deliver(p, true)
		return
	}

	a := action.New(inboundActionType(kind))
	a.Socket = s
	a.Event = p.Event
	a.Data = p.Data
	a.AuthTokenExpiredError = s.expireAuth()
	switch kind {
	case protocol.KindSubscribe, protocol.KindPublish:
		a.Channel = protocol.ChannelName(p.Data)
		a.Data = nil
		if m, ok := p.Data.(map[string]any); ok {
			a.Data = m["data"]
		}
	}

	out, err := action.Process(s.ctx, s.inbound, a)
	if err != nil {
		if s.State() == socket.StateClosed {
			return
		}
		s.countBlock(a)
		if p.IsRPC() {
			s.respond(p.CID, nil, err)
		} else {
			s.emitWarning(fmt.Errorf("%s action for %q was blocked: %w", a.Type, p.Event, err))
		}
		return
	}

	switch kind {
	case protocol.KindSubscribe:
		p.Data = withChannelData(p.Data, out)
		err := s.subscribe(a.Channel)
		s.reply(p, nil, err)
		s.deliver(p, true)
	case protocol.KindPublish:
		p.Data = withChannelData(p.Data, out)
		err := s.publish(a.Channel, out)
		s.reply(p, nil, err)
		s.deliver(p, true)
	default:
		p.Data = out
		s.deliver(p, false)
	}
}

// withChannelData returns a copy of a #subscribe or #publish payload with
// its data field set to out.
func withChannelData(payload, out any) any {
	m, _ := payload.(map[string]any)
	if _, had := m["data"]; !had && out == nil {
		return payload
	}
	cp := make(map[string]any, len(m)+1)
	for k, v := range m {
		cp[k] = v
	}
	cp["data"] = out
	return cp
}

func inboundActionType(kind protocol.Kind) action.Type {
	switch kind {
	case protocol.KindSubscribe:
		return action.Subscribe
	case protocol.KindPublish:
		return action.PublishIn
	case protocol.KindInvoke:
		return action.Invoke
	default:
		return action.Transmit
	}
}

// reply answers p when it is an RPC. Errors on one-way packets go to the
// error listener instead.
func (s *ServerSocket) reply(p *protocol.Packet, data any, err error) {
	if p.IsRPC() {
		if sendErr := s.respond(p.CID, data, err); sendErr != nil {
			s.logger.Debug("failed to send response", "rid", p.CID, "error", sendErr)
		}
		return
	}
	if err != nil {
		s.emitError(err)
	}
}

func (s *ServerSocket) blocked(a *action.Action, err error) {
	if s.State() == socket.StateClosed {
		return
	}
	s.countBlock(a)
	s.emitWarning(fmt.Errorf("%s action was blocked: %w", a.Type, err))
}

func (s *ServerSocket) countBlock(a *action.Action) {
	if s.metrics != nil {
		s.metrics.MiddlewareBlocks.WithLabelValues(a.Type.String()).Inc()
	}
}

// expireAuth deauthenticates an expired token and tells the client to drop it.
func (s *ServerSocket) expireAuth() error {
	err := s.checkAuthExpiry()
	if err != nil {
		if sendErr := s.send(&protocol.Packet{Event: socket.EventRemoveAuthToken}); sendErr != nil {
			s.logger.Debug("failed to send token removal", "error", sendErr)
		}
	}
	return err
}

func (s *ServerSocket) subscribe(channel string) error {
	if channel == "" {
		return &socket.InvalidArgumentsError{Message: fmt.Sprintf("socket %s provided an empty channel name", s.ID())}
	}
	if err := s.server.broker.Subscribe(s, channel); err != nil {
		return err
	}
	s.subMu.Lock()
	_, had := s.channels[channel]
	s.channels[channel] = struct{}{}
	s.subMu.Unlock()
	if !had {
		s.logger.Debug("subscribed", "channel", channel)
		s.emit(EventSubscribe, Event{Channel: channel})
	}
	return nil
}

func (s *ServerSocket) unsubscribe(channel string) error {
	s.subMu.Lock()
	_, had := s.channels[channel]
	delete(s.channels, channel)
	s.subMu.Unlock()
	if !had {
		return &socket.InvalidActionError{
			Message: fmt.Sprintf("socket %s tried to unsubscribe from channel %q which it is not subscribed to", s.ID(), channel),
		}
	}
	if err := s.server.broker.Unsubscribe(s, channel); err != nil {
		return err
	}
	s.emit(EventUnsubscribe, Event{Channel: channel})
	return nil
}

func (s *ServerSocket) publish(channel string, data any) error {
	if !s.server.cfg.AllowClientPublish {
		return &socket.InvalidActionError{Message: "client publish is disabled on this server"}
	}
	if channel == "" {
		return &socket.InvalidArgumentsError{Message: fmt.Sprintf("socket %s tried to publish to an empty channel name", s.ID())}
	}
	return s.server.broker.Publish(channel, data)
}

// DeliverPublish queues one channel publish for the client and returns
// without waiting for it to be written.
func (s *ServerSocket) DeliverPublish(channel string, data any, encoded *protocol.Frame) error {
	if s.State() != socket.StateOpen {
		return s.notOpenError()
	}
	s.publishes.Write(queuedPublish{channel: channel, data: data, encoded: encoded})
	return nil
}

// publishPump writes queued publishes in order until the socket closes.
func (s *ServerSocket) publishPump() {
	for {
		p, err := s.publishCursor.Next(s.ctx)
		if err != nil || p.Done {
			return
		}
		if err := s.writePublish(p.Value); err != nil && s.State() == socket.StateOpen {
			s.logger.Warn("publish delivery failed", "channel", p.Value.channel, "error", err)
			s.emitError(err)
		}
	}
}

// writePublish runs the outbound middleware when one is set, otherwise the
// pre-encoded frame is written as-is.
func (s *ServerSocket) writePublish(q queuedPublish) error {
	if s.outbound != nil {
		a := action.New(action.PublishOut)
		a.Socket = s
		a.Channel = q.channel
		a.Data = q.data
		out, err := action.Process(s.ctx, s.outbound, a)
		if err != nil {
			if s.State() != socket.StateClosed {
				s.countBlock(a)
			}
			return nil
		}
		return s.send(&protocol.Packet{Event: socket.EventPublish, Data: protocol.PublishData{Channel: q.channel, Data: out}})
	}
	if q.encoded == nil {
		return s.send(&protocol.Packet{Event: socket.EventPublish, Data: protocol.PublishData{Channel: q.channel, Data: q.data}})
	}
	s.outboundPrepared.Add(1)
	if err := s.write(q.encoded.Type, q.encoded.Data); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.PacketsSent.WithLabelValues(protocol.KindPublish.String()).Inc()
	}
	return nil
}

// Subscriptions returns the channels the socket is subscribed to.
func (s *ServerSocket) Subscriptions() []string {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	out := make([]string, 0, len(s.channels))
	for ch := range s.channels {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// IsSubscribed reports whether the socket is subscribed to channel.
func (s *ServerSocket) IsSubscribed(channel string) bool {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	_, ok := s.channels[channel]
	return ok
}

// KickOut removes the socket from channel and tells the client why. An empty
// channel kicks the socket out of every channel.
func (s *ServerSocket) KickOut(ctx context.Context, channel, message string) error {
	channels := []string{channel}
	if channel == "" {
		channels = s.Subscriptions()
	}
	var errs []error
	for _, ch := range channels {
		if !s.IsSubscribed(ch) {
			continue
		}
		if err := s.Transmit(ctx, socket.EventKickOut, map[string]any{"channel": ch, "message": message}); err != nil {
			errs = append(errs, err)
		}
		if err := s.unsubscribe(ch); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SetAuthToken signs token, attaches it to the socket and sends it to the
// client. A token whose signing finishes after a newer auth change is
// dropped. Signing failures close the socket with 4002.
func (s *ServerSocket) SetAuthToken(ctx context.Context, token socket.AuthToken, opts AuthTokenOptions) error {
	if s.State() != socket.StateOpen {
		return s.notOpenError()
	}
	if token == nil {
		return &socket.InvalidArgumentsError{Message: "auth token must not be nil"}
	}
	token = auth.Clone(token)
	expiresIn := opts.ExpiresIn
	if expiresIn == 0 {
		expiresIn = s.server.cfg.AuthDefaultExpiry
	}
	auth.SetDefaultExpiry(token, expiresIn, time.Now())

	gen := s.beginAuthChange()
	signed, err := s.server.signToken(token, opts.Algorithm)
	if err != nil {
		s.emitError(err)
		s.destroy(socket.StatusAuthTokenSignFailure, err.Error())
		return err
	}
	if !s.installAuth(gen, token, signed) {
		s.logger.Debug("auth token superseded before signing finished")
		return nil
	}

	data := map[string]any{"token": signed}
	if opts.WaitForAck {
		_, err = s.Invoke(ctx, socket.EventSetAuthToken, data)
		return err
	}
	return s.Transmit(ctx, socket.EventSetAuthToken, data)
}

// Deauthenticate drops the auth token and tells the client to remove its
// copy.
func (s *ServerSocket) Deauthenticate(ctx context.Context, waitForAck bool) error {
	s.clearAuth()
	if waitForAck {
		_, err := s.Invoke(ctx, socket.EventRemoveAuthToken, nil)
		return err
	}
	return s.Transmit(ctx, socket.EventRemoveAuthToken, nil)
}

// Disconnect closes the connection. A zero code means normal closure.
func (s *ServerSocket) Disconnect(code int, reason string) {
	if code == 0 {
		code = socket.StatusNormalClosure
	}
	s.destroy(code, reason)
}

func (s *ServerSocket) disconnectWithError(code int, message string) {
	if s.State() == socket.StateClosed {
		return
	}
	s.emitError(&socket.SocketProtocolError{Message: message, Code: code})
	s.destroy(code, message)
}

func (s *ServerSocket) startPing() {
	cfg := s.server.cfg
	if !cfg.PingTimeoutDisabled {
		s.timerMu.Lock()
		s.pongTimer = time.AfterFunc(cfg.PingTimeout, func() {
			s.disconnectWithError(socket.StatusClientPongTimeout, socket.ErrPongTimeout)
		})
		s.timerMu.Unlock()
	}
	go func() {
		ticker := time.NewTicker(cfg.PingInterval)
		defer ticker.Stop()
		ping := protocol.PingMessage(s.version)
		for {
			select {
			case <-ticker.C:
				if err := s.write(protocol.TextMessage, ping); err != nil {
					return
				}
			case <-s.ctx.Done():
				return
			}
		}
	}()
}

func (s *ServerSocket) resetPongTimeout() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.pongTimer != nil {
		s.pongTimer.Reset(s.server.cfg.PingTimeout)
	}
}

func (s *ServerSocket) stopHandshakeTimer() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.handshakeTimer != nil {
		s.handshakeTimer.Stop()
	}
}

func (s *ServerSocket) stopTimers() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.handshakeTimer != nil {
		s.handshakeTimer.Stop()
	}
	if s.pongTimer != nil {
		s.pongTimer.Stop()
	}
}

// destroy tears the socket down. Only the first call has any effect.
func (s *ServerSocket) destroy(code int, reason string) {
	prev, ok := s.markClosed(code, reason)
	if !ok {
		return
	}
	s.cancel()
	s.stopTimers()
	s.publishes.Kill(queuedPublish{})
	for _, ms := range []*action.MiddlewareStream{s.inboundRaw, s.inbound, s.outbound} {
		if ms != nil {
			ms.Close()
		}
	}

	closeType := EventDisconnect
	if prev == socket.StateConnecting {
		closeType = EventConnectAbort
	}
	s.rejectCalls(socket.NewBadConnectionError(closeType, code, reason))
	s.server.registry.remove(s)

	s.subMu.Lock()
	channels := s.channels
	s.channels = make(map[string]struct{})
	s.subMu.Unlock()
	for ch := range channels {
		if err := s.server.broker.Unsubscribe(s, ch); err != nil {
			s.logger.Warn("failed to unsubscribe", "channel", ch, "error", err)
		}
		s.emit(EventUnsubscribe, Event{Channel: ch})
	}

	if s.metrics != nil {
		if prev == socket.StateConnecting {
			s.metrics.PendingHandshake.Dec()
		} else {
			s.metrics.Connections.Dec()
		}
		s.metrics.Disconnections.WithLabelValues(strconv.Itoa(code)).Inc()
	}

	s.emit(closeType, Event{Code: code, Reason: reason})
	s.emit(EventClose, Event{Code: code, Reason: reason})
	if err := s.transport.Close(code, reason); err != nil {
		s.logger.Debug("failed to close transport", "error", err)
	}
	s.logger.Info("socket closed", "code", code, "reason", reason, "type", closeType)
	s.cleanupStreams(s.server.cfg.SocketStreamCleanupMode)
}

var _ socket.Socket = (*ServerSocket)(nil)
