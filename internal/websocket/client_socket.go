package websocket

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	socket "github.com/TopGunBuild/socket-sub001"
	"github.com/TopGunBuild/socket-sub001/internal/auth"
	"github.com/TopGunBuild/socket-sub001/internal/protocol"
	"github.com/TopGunBuild/socket-sub001/internal/stream"
)

// ClientSocket is the client end of a connection. It is single use: once
// closed it stays closed.
type ClientSocket struct {
	*endpoint

	cfg *ClientConfig
	url string

	connectMu  sync.Mutex
	connecting bool

	timerMu     sync.Mutex
	pingTimer   *time.Timer
	pingTimeout time.Duration

	chMu        sync.Mutex
	channels    map[string]*Channel
	channelData *stream.Demux[any]
}

// NewClient validates cfg and returns an unconnected socket.
func NewClient(cfg *ClientConfig) (*ClientSocket, error) {
	if cfg == nil {
		cfg = DefaultClientConfig()
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ep := newEndpoint("", cfg.ProtocolVersion, cfg.Codec, cfg.AckTimeout, cfg.Logger.With("component", "client"), nil)
	c := &ClientSocket{
		endpoint:    ep,
		cfg:         cfg,
		url:         cfg.Endpoint(),
		channels:    make(map[string]*Channel),
		channelData: stream.NewDemux[any](),
	}
	ep.self = c
	return c, nil
}

// Dial creates a client and connects it.
func Dial(ctx context.Context, cfg *ClientConfig) (*ClientSocket, error) {
	c, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// URL returns the address the client dials.
func (c *ClientSocket) URL() string { return c.url }

// Connect dials the server and performs the handshake, presenting the
// stored auth token if there is one. It fails with 4007 when the handshake
// does not complete within the connect timeout.
func (c *ClientSocket) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	if c.connecting || c.State() != socket.StateConnecting {
		c.connectMu.Unlock()
		return &socket.InvalidActionError{Message: fmt.Sprintf("socket is %s and cannot connect again", c.State())}
	}
	c.connecting = true
	c.connectMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	t, err := c.cfg.Dialer.Dial(ctx, c.url, c.cfg.Header)
	if err != nil {
		c.destroy(socket.StatusAbnormalClosure, err.Error())
		return fmt.Errorf("%s: %w", socket.ErrConnectionClosed, err)
	}
	c.mu.Lock()
	c.transport = t
	c.mu.Unlock()
	go c.readLoop(t)

	signed, err := c.cfg.TokenStore.LoadToken(c.cfg.AuthTokenName)
	if err != nil {
		c.logger.Warn("failed to load auth token", "error", err)
		signed = ""
	}
	res, err := c.InvokeWith(ctx, socket.EventHandshake, protocol.HandshakeData{AuthToken: signed}, CallOptions{
		Force:      true,
		AckTimeout: c.cfg.ConnectTimeout,
	})
	if err != nil {
		if socket.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
			c.disconnectWithError(socket.StatusConnectTimeout, socket.ErrConnectTimeout)
			return &socket.TimeoutError{Message: socket.ErrConnectTimeout}
		}
		if c.State() != socket.StateClosed {
			c.destroy(socket.StatusHandshakeRejected, err.Error())
		}
		return err
	}

	id, _ := protocol.StringField(res, "id")
	pingTimeout := time.Duration(numberField(res, "pingTimeout")) * time.Millisecond
	isAuthenticated, _ := protocol.BoolField(res, "isAuthenticated")

	c.mu.Lock()
	if c.state != socket.StateConnecting {
		c.mu.Unlock()
		return c.notOpenError()
	}
	c.id = id
	c.state = socket.StateOpen
	c.mu.Unlock()

	c.timerMu.Lock()
	c.pingTimeout = pingTimeout
	c.timerMu.Unlock()
	c.resetPingTimeout()

	switch {
	case isAuthenticated && signed != "":
		token, err := auth.DecodeToken(signed)
		if err == nil {
			c.setAuth(token, signed)
		} else {
			c.emitError(err)
		}
	case signed != "":
		c.removeStoredToken()
		if m, ok := res.(map[string]any); ok && m["authError"] != nil {
			c.emit(EventBadAuthToken, Event{Err: protocol.Hydrate(m["authError"]), SignedAuthToken: signed})
		}
	}

	c.logger.Info("socket connected", "socket_id", id, "url", c.url)
	c.emit(EventConnect, Event{Data: res})
	c.subscribePending()
	return nil
}

func numberField(data any, key string) int64 {
	m, ok := data.(map[string]any)
	if !ok {
		return 0
	}
	switch n := m[key].(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	}
	return 0
}

func (c *ClientSocket) readLoop(t Transport) {
	for {
		_, data, err := t.ReadMessage()
		if err != nil {
			code, reason := socket.StatusAbnormalClosure, err.Error()
			var ce *CloseError
			if errors.As(err, &ce) {
				code, reason = ce.Code, ce.Reason
			}
			c.destroy(code, reason)
			return
		}
		if c.State() == socket.StateClosed {
			return
		}
		c.handleMessage(data)
	}
}

func (c *ClientSocket) handleMessage(raw []byte) {
	c.inboundReceived.Add(1)

	if protocol.IsPing(raw, c.version) {
		c.resetPingTimeout()
		if err := c.write(protocol.TextMessage, protocol.PongMessage(c.version)); err != nil {
			c.logger.Debug("failed to send pong", "error", err)
		}
		c.inboundProcessed.Add(1)
		return
	}

	c.emit(EventMessage, Event{Data: raw})

	decoded, err := c.codec.Decode(raw)
	if err != nil {
		c.emitError(err)
		return
	}
	packets, err := protocol.ParsePackets(decoded)
	if err != nil {
		c.emitError(err)
		return
	}
	for _, p := range packets {
		c.handlePacket(p)
	}
	c.inboundProcessed.Add(1)
}

func (c *ClientSocket) handlePacket(p *protocol.Packet) {
	switch {
	case p.IsResponse():
		c.handleResponse(p)
		return
	case p.Event == "":
		c.emit(EventRaw, Event{Data: p.Data})
		return
	}

	switch p.Event {
	case socket.EventPublish:
		channel := protocol.ChannelName(p.Data)
		var data any
		if m, ok := p.Data.(map[string]any); ok {
			data = m["data"]
		}
		c.channelData.Write(channel, data)
	case socket.EventKickOut:
		channel := protocol.ChannelName(p.Data)
		message, _ := protocol.StringField(p.Data, "message")
		c.handleKickOut(channel, message)
	case socket.EventSetAuthToken:
		signed, _ := protocol.StringField(p.Data, "token")
		c.handleSetAuthToken(signed)
	case socket.EventRemoveAuthToken:
		c.removeStoredToken()
		c.clearAuth()
	default:
		c.deliver(p, false)
		return
	}
	if p.IsRPC() {
		c.respond(p.CID, nil, nil)
	}
	c.deliver(p, p.IsRPC())
}

func (c *ClientSocket) handleSetAuthToken(signed string) {
	token, err := auth.DecodeToken(signed)
	if err != nil {
		c.emitError(err)
		return
	}
	if err := c.cfg.TokenStore.SaveToken(c.cfg.AuthTokenName, signed); err != nil {
		c.emitError(&socket.AuthError{Message: "failed to save auth token", Err: err})
	}
	c.setAuth(token, signed)
}

func (c *ClientSocket) removeStoredToken() {
	if err := c.cfg.TokenStore.RemoveToken(c.cfg.AuthTokenName); err != nil {
		c.emitError(&socket.AuthError{Message: "failed to remove auth token", Err: err})
	}
}

// Authenticate presents signed to the server. On success the token is
// stored and attached; on rejection the stored token is removed and the
// server's error is returned.
func (c *ClientSocket) Authenticate(ctx context.Context, signed string) error {
	res, err := c.Invoke(ctx, socket.EventAuthenticate, signed)
	if err != nil {
		return err
	}
	ok, _ := protocol.BoolField(res, "isAuthenticated")
	if !ok {
		c.removeStoredToken()
		c.clearAuth()
		var authErr error = &socket.AuthError{Message: "server rejected the auth token"}
		if m, isMap := res.(map[string]any); isMap && m["authError"] != nil {
			authErr = protocol.Hydrate(m["authError"])
		}
		c.emit(EventBadAuthToken, Event{Err: authErr, SignedAuthToken: signed})
		return authErr
	}
	token, err := auth.DecodeToken(signed)
	if err != nil {
		return err
	}
	if err := c.cfg.TokenStore.SaveToken(c.cfg.AuthTokenName, signed); err != nil {
		c.emitError(&socket.AuthError{Message: "failed to save auth token", Err: err})
	}
	c.setAuth(token, signed)
	return nil
}

// Deauthenticate drops the local token and asks the server to do the same.
func (c *ClientSocket) Deauthenticate(ctx context.Context, waitForAck bool) error {
	c.removeStoredToken()
	c.clearAuth()
	if c.State() != socket.StateOpen {
		return nil
	}
	if waitForAck {
		_, err := c.Invoke(ctx, socket.EventRemoveAuthToken, nil)
		return err
	}
	return c.Transmit(ctx, socket.EventRemoveAuthToken, nil)
}

// Channel returns the channel named name without subscribing to it.
func (c *ClientSocket) Channel(name string) *Channel {
	c.chMu.Lock()
	defer c.chMu.Unlock()
	ch, ok := c.channels[name]
	if !ok {
		ch = newChannel(c, name)
		c.channels[name] = ch
	}
	return ch
}

// Subscribe subscribes to channel. While the socket is open it waits for
// the server to acknowledge and returns the rejection if there is one;
// otherwise the channel stays pending until the socket connects.
func (c *ClientSocket) Subscribe(ctx context.Context, name string) (*Channel, error) {
	ch := c.Channel(name)
	c.chMu.Lock()
	if ch.state != socket.ChannelUnsubscribed {
		c.chMu.Unlock()
		return ch, nil
	}
	ch.state = socket.ChannelPending
	c.chMu.Unlock()

	if c.State() != socket.StateOpen {
		return ch, nil
	}
	return ch, c.trySubscribe(ctx, ch)
}

func (c *ClientSocket) trySubscribe(ctx context.Context, ch *Channel) error {
	_, err := c.Invoke(ctx, socket.EventSubscribe, protocol.SubscribeData{Channel: ch.name})

	c.chMu.Lock()
	// A dropped connection leaves the channel pending for the next connect.
	if ch.state != socket.ChannelPending || socket.IsBadConnection(err) {
		c.chMu.Unlock()
		return err
	}
	if err != nil {
		ch.state = socket.ChannelUnsubscribed
		c.chMu.Unlock()
		c.logger.Warn("subscribe failed", "channel", ch.name, "error", err)
		ch.emit(EventSubscribeFail, Event{Channel: ch.name, Err: err})
		c.emit(EventSubscribeFail, Event{Channel: ch.name, Err: err})
		return err
	}
	ch.state = socket.ChannelSubscribed
	c.chMu.Unlock()
	ch.emit(EventSubscribe, Event{Channel: ch.name})
	c.emit(EventSubscribe, Event{Channel: ch.name})
	return nil
}

func (c *ClientSocket) subscribePending() {
	c.chMu.Lock()
	var pending []*Channel
	for _, ch := range c.channels {
		if ch.state == socket.ChannelPending {
			pending = append(pending, ch)
		}
	}
	c.chMu.Unlock()
	for _, ch := range pending {
		go func() {
			if err := c.trySubscribe(c.ctx, ch); err != nil {
				c.logger.Debug("pending subscribe failed", "channel", ch.name, "error", err)
			}
		}()
	}
}

// Unsubscribe leaves channel. Unsubscribing from a channel that is not
// subscribed is a no-op.
func (c *ClientSocket) Unsubscribe(ctx context.Context, name string) error {
	c.chMu.Lock()
	ch, ok := c.channels[name]
	if !ok || ch.state == socket.ChannelUnsubscribed {
		c.chMu.Unlock()
		return nil
	}
	prev := ch.state
	ch.state = socket.ChannelUnsubscribed
	c.chMu.Unlock()

	if prev == socket.ChannelSubscribed {
		ch.emit(EventUnsubscribe, Event{Channel: name})
		c.emit(EventUnsubscribe, Event{Channel: name})
	}
	if c.State() != socket.StateOpen {
		return nil
	}
	_, err := c.Invoke(ctx, socket.EventUnsubscribe, name)
	return err
}

func (c *ClientSocket) handleKickOut(name, message string) {
	c.chMu.Lock()
	ch, ok := c.channels[name]
	if !ok {
		c.chMu.Unlock()
		return
	}
	prev := ch.state
	ch.state = socket.ChannelUnsubscribed
	c.chMu.Unlock()

	ch.emit(EventKickOut, Event{Channel: name, Data: message})
	c.emit(EventKickOut, Event{Channel: name, Data: message})
	if prev == socket.ChannelSubscribed {
		ch.emit(EventUnsubscribe, Event{Channel: name})
		c.emit(EventUnsubscribe, Event{Channel: name})
	}
}

// Subscriptions returns subscribed channels, plus pending ones when
// includePending is set.
func (c *ClientSocket) Subscriptions(includePending bool) []string {
	c.chMu.Lock()
	defer c.chMu.Unlock()
	var out []string
	for name, ch := range c.channels {
		if ch.state == socket.ChannelSubscribed || (includePending && ch.state == socket.ChannelPending) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// IsSubscribed reports whether channel is subscribed, or pending when
// includePending is set.
func (c *ClientSocket) IsSubscribed(name string, includePending bool) bool {
	c.chMu.Lock()
	defer c.chMu.Unlock()
	ch, ok := c.channels[name]
	if !ok {
		return false
	}
	return ch.state == socket.ChannelSubscribed || (includePending && ch.state == socket.ChannelPending)
}

// Publish publishes data to channel and waits for the server to accept it.
func (c *ClientSocket) Publish(ctx context.Context, channel string, data any) error {
	_, err := c.Invoke(ctx, socket.EventPublish, protocol.PublishData{Channel: channel, Data: data})
	return err
}

// TransmitPublish publishes without waiting for an acknowledgement.
func (c *ClientSocket) TransmitPublish(ctx context.Context, channel string, data any) error {
	return c.Transmit(ctx, socket.EventPublish, protocol.PublishData{Channel: channel, Data: data})
}

// Disconnect closes the connection. A zero code means normal closure.
func (c *ClientSocket) Disconnect(code int, reason string) {
	if code == 0 {
		code = socket.StatusNormalClosure
	}
	c.destroy(code, reason)
}

func (c *ClientSocket) disconnectWithError(code int, message string) {
	if c.State() == socket.StateClosed {
		return
	}
	c.emitError(&socket.SocketProtocolError{Message: message, Code: code})
	c.destroy(code, message)
}

func (c *ClientSocket) resetPingTimeout() {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if c.pingTimeout <= 0 {
		return
	}
	if c.pingTimer != nil {
		c.pingTimer.Reset(c.pingTimeout)
		return
	}
	c.pingTimer = time.AfterFunc(c.pingTimeout, func() {
		c.disconnectWithError(socket.StatusServerPingTimeout, socket.ErrPingTimeout)
	})
}

// destroy tears the socket down. Only the first call has any effect.
func (c *ClientSocket) destroy(code int, reason string) {
	prev, ok := c.markClosed(code, reason)
	if !ok {
		return
	}
	c.cancel()
	c.timerMu.Lock()
	if c.pingTimer != nil {
		c.pingTimer.Stop()
	}
	c.timerMu.Unlock()

	closeType := EventDisconnect
	if prev == socket.StateConnecting {
		closeType = EventConnectAbort
	}
	c.rejectCalls(socket.NewBadConnectionError(closeType, code, reason))

	c.chMu.Lock()
	var dropped []*Channel
	for _, ch := range c.channels {
		if ch.state == socket.ChannelSubscribed {
			ch.state = socket.ChannelPending
			dropped = append(dropped, ch)
		}
	}
	c.chMu.Unlock()
	for _, ch := range dropped {
		ch.emit(EventUnsubscribe, Event{Channel: ch.name})
		c.emit(EventUnsubscribe, Event{Channel: ch.name})
	}

	c.emit(closeType, Event{Code: code, Reason: reason})
	c.emit(EventClose, Event{Code: code, Reason: reason})

	c.mu.RLock()
	t := c.transport
	c.mu.RUnlock()
	if t != nil {
		if err := t.Close(code, reason); err != nil {
			c.logger.Debug("failed to close transport", "error", err)
		}
	}
	c.logger.Info("socket closed", "code", code, "reason", reason, "type", closeType)

	c.channelData.KillAll(nil)
	c.chMu.Lock()
	for _, ch := range c.channels {
		ch.events.CloseAll(Event{})
	}
	c.chMu.Unlock()
	c.cleanupStreams(CleanupKill)
}

var _ socket.Socket = (*ClientSocket)(nil)
