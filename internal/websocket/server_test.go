package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	socket "github.com/TopGunBuild/socket-sub001"
	"github.com/TopGunBuild/socket-sub001/internal/action"
	"github.com/TopGunBuild/socket-sub001/internal/protocol"
	"github.com/TopGunBuild/socket-sub001/internal/stream"
)

// readClose reads from t until the transport ends and returns its close code.
func readClose(t *testing.T, tr Transport) int {
	t.Helper()
	done := make(chan int, 1)
	go func() {
		for {
			_, _, err := tr.ReadMessage()
			if err != nil {
				var ce *CloseError
				if errors.As(err, &ce) {
					done <- ce.Code
				} else {
					done <- -1
				}
				return
			}
		}
	}()
	select {
	case code := <-done:
		return code
	case <-time.After(2 * time.Second):
		t.Fatal("transport was not closed")
		return 0
	}
}

func writeJSON(t *testing.T, tr Transport, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, tr.WriteMessage(protocol.TextMessage, data))
}

// TestHandshakePromotesSocket tests that a handshake moves the socket from
// pending to live with matching ids on both ends
func TestHandshakePromotesSocket(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, nil)
	connections := srv.Listener(EventConnection).CreateConsumer(0)

	c, ss := connectPair(t, srv, nil)

	assert.Equal(t, socket.StateOpen, c.State())
	assert.Equal(t, socket.StateOpen, ss.State())
	assert.NotEmpty(t, c.ID())
	assert.Equal(t, ss.ID(), c.ID())
	assert.Equal(t, 1, srv.ClientsCount())
	assert.Zero(t, srv.PendingClientsCount())

	got, ok := srv.Socket(c.ID())
	require.True(t, ok)
	assert.Same(t, ss, got)

	ev := next(t, connections)
	assert.Same(t, ss, ev.Socket)
}

// TestHandshakeTimeout tests that a silent connection is closed with 4005
func TestHandshakeTimeout(t *testing.T) {
	t.Parallel()

	cfg := testServerConfig()
	cfg.HandshakeTimeout = 50 * time.Millisecond
	srv := newTestServer(t, cfg)

	clientEnd, serverEnd := NewPipe()
	srv.HandleConn(serverEnd, nil)
	assert.Equal(t, 1, srv.PendingClientsCount())

	assert.Equal(t, socket.StatusHandshakeTimeout, readClose(t, clientEnd))
	require.Eventually(t, func() bool { return srv.PendingClientsCount() == 0 }, time.Second, 10*time.Millisecond)
}

// TestStrictHandshake tests that traffic before the handshake closes the
// socket with 4009
func TestStrictHandshake(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, nil)
	clientEnd, serverEnd := NewPipe()
	srv.HandleConn(serverEnd, nil)

	writeJSON(t, clientEnd, map[string]any{"event": "chat", "data": "too early"})
	assert.Equal(t, socket.StatusMessageBeforeHandshake, readClose(t, clientEnd))
}

// TestPongTimeout tests that a client that never answers pings is closed
// with 4001
func TestPongTimeout(t *testing.T) {
	t.Parallel()

	cfg := testServerConfig()
	cfg.PingInterval = 20 * time.Millisecond
	cfg.PingTimeout = 80 * time.Millisecond
	srv := newTestServer(t, cfg)

	clientEnd, serverEnd := NewPipe()
	srv.HandleConn(serverEnd, nil)
	writeJSON(t, clientEnd, map[string]any{"event": socket.EventHandshake, "data": map[string]any{}, "cid": 1})

	assert.Equal(t, socket.StatusClientPongTimeout, readClose(t, clientEnd))
}

// TestRateLimitClosesSocket tests that exceeding the inbound rate closes the
// socket with 1008
func TestRateLimitClosesSocket(t *testing.T) {
	t.Parallel()

	cfg := testServerConfig()
	cfg.RateLimitConfig = &RateLimitConfig{MessagesPerSecond: 1, Burst: 1, Enabled: true}
	srv := newTestServer(t, cfg)

	c, _ := connectPair(t, srv, nil)
	disconnects := c.Listener(EventDisconnect).CreateConsumer(0)

	require.NoError(t, c.Transmit(testContext(t), "chat", "one too many"))
	ev := next(t, disconnects)
	assert.Equal(t, socket.StatusPolicyViolation, ev.Code)
}

// TestHandshakeBlockedByMiddleware tests that a blocked handshake rejects the
// client and closes with the code carried by the error
func TestHandshakeBlockedByMiddleware(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, nil)
	aborts := srv.Listener(EventConnectionAbort).CreateConsumer(0)
	srv.SetMiddleware(action.StageHandshake, func(ms *action.MiddlewareStream) {
		for a := range ms.Actions(context.Background()) {
			if a.Type == action.HandshakeSC {
				a.Block(&socket.SocketProtocolError{Message: "banned", Code: 4010})
				continue
			}
			a.Allow()
		}
	})

	accepted := make(chan *ServerSocket, 1)
	c, err := NewClient(testClientConfig(pipeDialer(srv, accepted)))
	require.NoError(t, err)

	err = c.Connect(testContext(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "banned")
	assert.Equal(t, socket.StateClosed, c.State())

	ev := next(t, aborts)
	assert.Equal(t, 4010, ev.Code)
	assert.Zero(t, srv.ClientsCount())
	assert.Zero(t, srv.PendingClientsCount())
}

// TestClientInvokeProcedure tests request/response over a procedure stream
func TestClientInvokeProcedure(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, nil)
	c, ss := connectPair(t, srv, nil)

	requests := ss.Procedure("echo").CreateConsumer(0)
	secondEnd := make(chan error, 1)
	go func() {
		p, err := requests.Next(context.Background())
		if err != nil || p.Done {
			secondEnd <- errors.New("no request")
			return
		}
		req := p.Value
		_ = req.End(req.Data)
		secondEnd <- req.End("again")
	}()

	res, err := c.Invoke(testContext(t), "echo", "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", res)

	var invalid *socket.InvalidActionError
	require.ErrorAs(t, <-secondEnd, &invalid)
}

// TestClientInvokeFailure tests that a failed request rejects the caller
// with the hydrated error
func TestClientInvokeFailure(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, nil)
	c, ss := connectPair(t, srv, nil)

	requests := ss.Procedure("divide").CreateConsumer(0)
	go func() {
		p, err := requests.Next(context.Background())
		if err == nil && !p.Done {
			_ = p.Value.Fail(&socket.InvalidArgumentsError{Message: "division by zero"})
		}
	}()

	_, err := c.Invoke(testContext(t), "divide", map[string]any{"by": 0})
	require.Error(t, err)
	var hydrated *socket.HydratedError
	require.ErrorAs(t, err, &hydrated)
	assert.Equal(t, "InvalidArgumentsError", hydrated.Name)
	assert.Equal(t, "division by zero", hydrated.Message)
}

// TestInvokeTimeout tests that an unanswered RPC fails with a TimeoutError
func TestInvokeTimeout(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, nil)
	c, _ := connectPair(t, srv, nil)

	_, err := c.InvokeWith(testContext(t), "nobody", nil, CallOptions{AckTimeout: 50 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, socket.IsTimeout(err))
	assert.Zero(t, c.PendingCallCount())
}

// TestTransmitToReceiver tests one-way events in both directions
func TestTransmitToReceiver(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, nil)
	c, ss := connectPair(t, srv, nil)

	serverChat := ss.Receiver("chat").CreateConsumer(0)
	clientChat := c.Receiver("chat").CreateConsumer(0)

	require.NoError(t, c.Transmit(testContext(t), "chat", "from client"))
	assert.Equal(t, "from client", next(t, serverChat))

	require.NoError(t, ss.Transmit(testContext(t), "chat", "from server"))
	assert.Equal(t, "from server", next(t, clientChat))
}

// TestServerInvokeClient tests an RPC initiated by the server
func TestServerInvokeClient(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, nil)
	c, ss := connectPair(t, srv, nil)

	requests := c.Procedure("ask").CreateConsumer(0)
	go func() {
		p, err := requests.Next(context.Background())
		if err == nil && !p.Done {
			_ = p.Value.End("yes")
		}
	}()

	res, err := ss.Invoke(testContext(t), "ask", "ready?")
	require.NoError(t, err)
	assert.Equal(t, "yes", res)
}

// TestInboundMiddlewareRewritesData tests AllowWith on a transmit action
func TestInboundMiddlewareRewritesData(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, nil)
	srv.SetMiddleware(action.StageInbound, func(ms *action.MiddlewareStream) {
		for a := range ms.Actions(context.Background()) {
			if a.Type == action.Transmit {
				a.AllowWith("rewritten")
				continue
			}
			a.Allow()
		}
	})
	c, ss := connectPair(t, srv, nil)

	chat := ss.Receiver("chat").CreateConsumer(0)
	require.NoError(t, c.Transmit(testContext(t), "chat", "original"))
	assert.Equal(t, "rewritten", next(t, chat))
}

// TestPublishFanOut tests that a publish reaches every subscriber and only them
func TestPublishFanOut(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, nil)

	var subscribed []*ClientSocket
	for range 3 {
		c, _ := connectPair(t, srv, nil)
		_, err := c.Subscribe(testContext(t), "news")
		require.NoError(t, err)
		subscribed = append(subscribed, c)
	}
	outsider, _ := connectPair(t, srv, nil)

	var consumers []*stream.Consumer[any]
	for _, c := range subscribed {
		assert.True(t, c.IsSubscribed("news", false))
		consumers = append(consumers, c.Channel("news").CreateConsumer(0))
	}
	missed := outsider.Channel("news").CreateConsumer(100 * time.Millisecond)

	assert.Equal(t, 3, srv.Broker().SubscriberCount("news"))
	require.NoError(t, srv.Exchange().Publish("news", "headline"))

	for _, consumer := range consumers {
		assert.Equal(t, "headline", next(t, consumer))
	}
	// Each subscriber gets the publish exactly once.
	for _, consumer := range consumers {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		_, err := consumer.Next(ctx)
		cancel()
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	}
	_, err := missed.Next(context.Background())
	assert.True(t, socket.IsTimeout(err))
}

// TestStalledSubscriberDoesNotBlockPublish tests that a subscriber whose
// outbound middleware never answers holds up neither the publisher nor the
// other subscribers
func TestStalledSubscriberDoesNotBlockPublish(t *testing.T) {
	t.Parallel()

	var stalledID atomic.Value
	stalledID.Store("")
	srv := newTestServer(t, nil)
	srv.SetMiddleware(action.StageOutbound, func(ms *action.MiddlewareStream) {
		for a := range ms.Actions(context.Background()) {
			if a.Socket.ID() == stalledID.Load().(string) {
				continue
			}
			a.Allow()
		}
	})

	var healthy []*stream.Consumer[any]
	for i := range 4 {
		c, ss := connectPair(t, srv, nil)
		ch, err := c.Subscribe(testContext(t), "room")
		require.NoError(t, err)
		if i == 0 {
			stalledID.Store(ss.ID())
			continue
		}
		healthy = append(healthy, ch.CreateConsumer(0))
	}
	require.Equal(t, 4, srv.Broker().SubscriberCount("room"))

	published := make(chan error, 1)
	go func() {
		if err := srv.Exchange().Publish("room", "first"); err != nil {
			published <- err
			return
		}
		published <- srv.Exchange().Publish("room", "second")
	}()
	select {
	case err := <-published:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a stalled subscriber")
	}

	for _, consumer := range healthy {
		assert.Equal(t, "first", next(t, consumer))
		assert.Equal(t, "second", next(t, consumer))
	}
}

// TestInboundMiddlewareRewritesChannelRequests tests that AllowWith on
// subscribe and publish actions reaches the delivered request
func TestInboundMiddlewareRewritesChannelRequests(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, nil)
	srv.SetMiddleware(action.StageInbound, func(ms *action.MiddlewareStream) {
		for a := range ms.Actions(context.Background()) {
			switch a.Type {
			case action.Subscribe:
				a.AllowWith(map[string]any{"rewritten": true})
			case action.PublishIn:
				a.AllowWith("rewritten")
			default:
				a.Allow()
			}
		}
	})
	c, ss := connectPair(t, srv, nil)
	subscribes := ss.Procedure(socket.EventSubscribe).CreateConsumer(0)
	publishes := ss.Procedure(socket.EventPublish).CreateConsumer(0)

	ch, err := c.Subscribe(testContext(t), "room")
	require.NoError(t, err)
	data := ch.CreateConsumer(0)
	assert.Equal(t, map[string]any{
		"channel": "room",
		"data":    map[string]any{"rewritten": true},
	}, next(t, subscribes).Data)

	require.NoError(t, c.Publish(testContext(t), "room", "original"))
	assert.Equal(t, "rewritten", next(t, data))
	assert.Equal(t, map[string]any{"channel": "room", "data": "rewritten"}, next(t, publishes).Data)
}

// TestClientPublish tests a publish from one client reaching another
func TestClientPublish(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, nil)
	sender, _ := connectPair(t, srv, nil)
	receiver, _ := connectPair(t, srv, nil)

	ch, err := receiver.Subscribe(testContext(t), "room")
	require.NoError(t, err)
	data := ch.CreateConsumer(0)

	require.NoError(t, sender.Publish(testContext(t), "room", map[string]any{"text": "hi"}))
	assert.Equal(t, map[string]any{"text": "hi"}, next(t, data))
}

// TestClientPublishDisabled tests that publishes are refused when the server
// disallows them
func TestClientPublishDisabled(t *testing.T) {
	t.Parallel()

	cfg := testServerConfig()
	cfg.AllowClientPublish = false
	srv := newTestServer(t, cfg)
	c, _ := connectPair(t, srv, nil)

	err := c.Publish(testContext(t), "room", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client publish is disabled")
}

// TestSubscribeBlockedByMiddleware tests that a blocked subscribe leaves the
// channel unsubscribed on both ends
func TestSubscribeBlockedByMiddleware(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, nil)
	srv.SetMiddleware(action.StageInbound, func(ms *action.MiddlewareStream) {
		for a := range ms.Actions(context.Background()) {
			if a.Type == action.Subscribe && a.Channel == "secret" {
				a.Block(errors.New("forbidden channel"))
				continue
			}
			a.Allow()
		}
	})
	c, ss := connectPair(t, srv, nil)
	fails := c.Listener(EventSubscribeFail).CreateConsumer(0)

	ch, err := c.Subscribe(testContext(t), "secret")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "forbidden channel")
	assert.Equal(t, socket.ChannelUnsubscribed, ch.State())
	assert.False(t, ss.IsSubscribed("secret"))
	assert.Equal(t, "secret", next(t, fails).Channel)

	_, err = c.Subscribe(testContext(t), "public")
	require.NoError(t, err)
	assert.True(t, ss.IsSubscribed("public"))
}

// TestOutboundMiddlewareFiltersPublishes tests that a blocked outbound publish
// is dropped for that socket only
func TestOutboundMiddlewareFiltersPublishes(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, nil)
	srv.SetMiddleware(action.StageOutbound, func(ms *action.MiddlewareStream) {
		for a := range ms.Actions(context.Background()) {
			if a.Data == "private" {
				a.Block(nil)
				continue
			}
			a.Allow()
		}
	})
	c, _ := connectPair(t, srv, nil)
	ch, err := c.Subscribe(testContext(t), "feed")
	require.NoError(t, err)
	data := ch.CreateConsumer(0)

	require.NoError(t, srv.Exchange().Publish("feed", "private"))
	require.NoError(t, srv.Exchange().Publish("feed", "public"))
	assert.Equal(t, "public", next(t, data))
}

// TestUnsubscribeNotSubscribed tests that the server answers an unknown
// unsubscribe with an InvalidActionError
func TestUnsubscribeNotSubscribed(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, nil)
	c, _ := connectPair(t, srv, nil)

	_, err := c.Invoke(testContext(t), socket.EventUnsubscribe, "never")
	var hydrated *socket.HydratedError
	require.ErrorAs(t, err, &hydrated)
	assert.Equal(t, "InvalidActionError", hydrated.Name)
	assert.Equal(t, socket.StateOpen, c.State())
}

// TestDisconnectCleansUp tests that a closed socket leaves the registry and
// every channel it was subscribed to
func TestDisconnectCleansUp(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, nil)
	disconnections := srv.Listener(EventDisconnection).CreateConsumer(0)
	unsubscriptions := srv.Listener(EventUnsubscription).CreateConsumer(0)

	c, ss := connectPair(t, srv, nil)
	_, err := c.Subscribe(testContext(t), "news")
	require.NoError(t, err)

	c.Disconnect(socket.StatusNormalClosure, "bye")

	assert.Equal(t, "news", next(t, unsubscriptions).Channel)
	ev := next(t, disconnections)
	assert.Equal(t, socket.StatusNormalClosure, ev.Code)
	assert.Equal(t, "bye", ev.Reason)

	assert.Equal(t, socket.StateClosed, ss.State())
	assert.Zero(t, srv.ClientsCount())
	assert.Zero(t, srv.Broker().SubscriberCount("news"))
	assert.Empty(t, ss.Subscriptions())
	assert.Equal(t, socket.ChannelPending, c.Channel("news").State())
	assert.Equal(t, socket.StateClosed, c.State())
	require.Error(t, ss.Context().Err())
}

// TestServerDisconnectRejectsPendingCalls tests that pending calls fail with a
// BadConnectionError when the connection dies
func TestServerDisconnectRejectsPendingCalls(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, nil)
	c, ss := connectPair(t, srv, nil)

	errc := make(chan error, 1)
	go func() {
		_, err := c.InvokeWith(context.Background(), "slow", nil, CallOptions{NoTimeout: true})
		errc <- err
	}()
	require.Eventually(t, func() bool { return c.PendingCallCount() == 1 }, time.Second, 5*time.Millisecond)

	ss.Disconnect(socket.StatusGoingAway, "maintenance")

	select {
	case err := <-errc:
		require.Error(t, err)
		assert.True(t, socket.IsBadConnection(err))
	case <-time.After(2 * time.Second):
		t.Fatal("pending call was not rejected")
	}
}

// TestAbruptDisconnectSweepsSocket tests that a dead transport rejects every
// pending call, leaves every channel and fires a single disconnect and close
func TestAbruptDisconnectSweepsSocket(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, nil)
	c, ss := connectPair(t, srv, nil)
	for _, name := range []string{"a", "b"} {
		_, err := c.Subscribe(testContext(t), name)
		require.NoError(t, err)
	}
	require.Equal(t, 1, srv.Broker().SubscriberCount("a"))
	require.Equal(t, 1, srv.Broker().SubscriberCount("b"))

	disconnects := ss.Listener(EventDisconnect).CreateConsumer(0)
	closes := ss.Listener(EventClose).CreateConsumer(0)

	errc := make(chan error, 2)
	for range 2 {
		go func() {
			_, err := ss.InvokeWith(context.Background(), "slow", nil, CallOptions{NoTimeout: true})
			errc <- err
		}()
	}
	require.Eventually(t, func() bool { return ss.PendingCallCount() == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, ss.transport.Close(socket.StatusAbnormalClosure, ""))

	for range 2 {
		select {
		case err := <-errc:
			assert.True(t, socket.IsBadConnection(err))
		case <-time.After(2 * time.Second):
			t.Fatal("pending call was not rejected")
		}
	}
	assert.Zero(t, srv.Broker().SubscriberCount("a"))
	assert.Zero(t, srv.Broker().SubscriberCount("b"))
	assert.Empty(t, ss.Subscriptions())

	countUntilDone := func(consumer *stream.Consumer[Event]) int {
		n := 0
		for {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			p, err := consumer.Next(ctx)
			cancel()
			require.NoError(t, err)
			if p.Done {
				return n
			}
			assert.Equal(t, socket.StatusAbnormalClosure, p.Value.Code)
			n++
		}
	}
	assert.Equal(t, 1, countUntilDone(disconnects))
	assert.Equal(t, 1, countUntilDone(closes))
}

// TestStopEndsHandshakeMiddleware tests that Stop shuts the handshake
// middleware down
func TestStopEndsHandshakeMiddleware(t *testing.T) {
	t.Parallel()

	cfg := testServerConfig()
	cfg.Addr = "127.0.0.1:0"
	srv := newTestServer(t, cfg)
	require.NoError(t, srv.Start(context.Background()))

	stopped := make(chan struct{})
	srv.SetMiddleware(action.StageHandshake, func(ms *action.MiddlewareStream) {
		defer close(stopped)
		for a := range ms.Actions(context.Background()) {
			a.Allow()
		}
	})

	require.NoError(t, srv.Stop(testContext(t)))
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("handshake middleware outlived Stop")
	}
}

// TestCloseSockets tests that CloseSockets disconnects every client with 1001
func TestCloseSockets(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, nil)
	var disconnects []func() Event
	for range 3 {
		c, _ := connectPair(t, srv, nil)
		consumer := c.Listener(EventDisconnect).CreateConsumer(0)
		disconnects = append(disconnects, func() Event { return next(t, consumer) })
	}

	srv.CloseSockets(testContext(t))
	for _, get := range disconnects {
		assert.Equal(t, socket.StatusGoingAway, get().Code)
	}
	assert.Zero(t, srv.ClientsCount())
}

// TestKickOut tests that a kicked client leaves the channel and is told why
func TestKickOut(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, nil)
	c, ss := connectPair(t, srv, nil)

	ch, err := c.Subscribe(testContext(t), "news")
	require.NoError(t, err)
	kicks := ch.Listener(EventKickOut).CreateConsumer(0)

	require.NoError(t, ss.KickOut(testContext(t), "news", "spamming"))

	ev := next(t, kicks)
	assert.Equal(t, "news", ev.Channel)
	assert.Equal(t, "spamming", ev.Data)
	assert.Equal(t, socket.ChannelUnsubscribed, ch.State())
	assert.False(t, ss.IsSubscribed("news"))
	assert.Zero(t, srv.Broker().SubscriberCount("news"))
}

// TestSetAuthToken tests that a server-issued token reaches the client and
// that deauthentication clears both ends
func TestSetAuthToken(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, nil)
	authentications := srv.Listener(EventAuthentication).CreateConsumer(0)
	store := NewMemoryTokenStore()
	ccfg := testClientConfig(nil)
	ccfg.TokenStore = store
	c, ss := connectPair(t, srv, ccfg)

	require.NoError(t, ss.SetAuthToken(testContext(t), socket.AuthToken{"user": "bob"}, AuthTokenOptions{WaitForAck: true}))

	ev := next(t, authentications)
	assert.Equal(t, "bob", ev.AuthToken["user"])
	assert.Equal(t, socket.Authenticated, ss.AuthState())
	assert.Equal(t, socket.Authenticated, c.AuthState())
	assert.Equal(t, "bob", c.AuthToken()["user"])
	assert.Contains(t, c.AuthToken(), "exp")
	assert.Equal(t, ss.SignedAuthToken(), c.SignedAuthToken())

	stored, err := store.LoadToken(socket.DefaultAuthTokenName)
	require.NoError(t, err)
	assert.Equal(t, ss.SignedAuthToken(), stored)

	require.NoError(t, ss.Deauthenticate(testContext(t), true))
	assert.Equal(t, socket.Unauthenticated, ss.AuthState())
	assert.Equal(t, socket.Unauthenticated, c.AuthState())
	assert.Nil(t, c.AuthToken())
	stored, err = store.LoadToken(socket.DefaultAuthTokenName)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

// TestSetAuthTokenSignFailure tests that a signing failure closes with 4002
func TestSetAuthTokenSignFailure(t *testing.T) {
	t.Parallel()

	cfg := testServerConfig()
	cfg.AuthKey = nil
	srv := newTestServer(t, cfg)
	c, ss := connectPair(t, srv, nil)
	disconnects := c.Listener(EventDisconnect).CreateConsumer(0)

	err := ss.SetAuthToken(testContext(t), socket.AuthToken{"user": "bob"}, AuthTokenOptions{})
	require.Error(t, err)
	assert.Equal(t, socket.StatusAuthTokenSignFailure, next(t, disconnects).Code)
}

// TestServeHTTP tests a full round trip through a real websocket upgrade
func TestServeHTTP(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, nil)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	ccfg := testClientConfig(nil)
	ccfg.URL = "ws" + strings.TrimPrefix(ts.URL, "http")
	ccfg.Dialer = nil
	c, err := Dial(testContext(t), ccfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Disconnect(0, "") })

	require.Eventually(t, func() bool { return srv.ClientsCount() == 1 }, time.Second, 10*time.Millisecond)
	ss, ok := srv.Socket(c.ID())
	require.True(t, ok)
	assert.NotNil(t, ss.Request())
	assert.NotEmpty(t, ss.RemoteAddr())

	requests := ss.Procedure("echo").CreateConsumer(0)
	go func() {
		p, err := requests.Next(context.Background())
		if err == nil && !p.Done {
			_ = p.Value.End(p.Value.Data)
		}
	}()
	res, err := c.Invoke(testContext(t), "echo", map[string]any{"n": 1.5})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"n": 1.5}, res)
}

// TestServeHTTPBlockedUpgrade tests that a blocked HTTP handshake is refused
// before the upgrade
func TestServeHTTPBlockedUpgrade(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, nil)
	srv.SetMiddleware(action.StageHandshake, func(ms *action.MiddlewareStream) {
		for a := range ms.Actions(context.Background()) {
			if a.Type == action.HandshakeWS && a.Request.Header.Get("X-Token") != "letmein" {
				a.Block(errors.New("missing token"))
				continue
			}
			a.Allow()
		}
	})
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	ccfg := testClientConfig(nil)
	ccfg.URL = "ws" + strings.TrimPrefix(ts.URL, "http")
	ccfg.Dialer = nil
	_, err := Dial(testContext(t), ccfg)
	require.Error(t, err)
	assert.Zero(t, srv.ClientsCount())

	ccfg = testClientConfig(nil)
	ccfg.URL = "ws" + strings.TrimPrefix(ts.URL, "http")
	ccfg.Dialer = nil
	ccfg.Header = http.Header{"X-Token": {"letmein"}}
	c, err := Dial(testContext(t), ccfg)
	require.NoError(t, err)
	c.Disconnect(0, "")
}
