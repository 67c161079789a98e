// Package socket provides a bidirectional real-time messaging layer over WebSockets
// with RPC, fire-and-forget events, channel pub/sub, middleware and JWT authentication.
//
// The root package holds the vocabulary shared by both endpoints: connection and auth
// states, reserved event names, close codes and the error types that travel over the
// wire. The server and client live in the ws package.
//
// # Architecture
//
// Every message is a JSON packet. A packet with "cid" expects a response, a packet with
// "rid" is a response, and anything else is a transmit. Events starting with '#' are
// reserved by the protocol (#handshake, #subscribe, #publish, #setAuthToken and so on).
//
// Incoming data is delivered through streams rather than callbacks. Each socket has a
// receiver stream per event, a procedure stream per RPC name and a listener stream per
// lifecycle event; consumers read them with Next(ctx) until the stream ends.
//
// # Quick Start
//
//	import (
//	    "github.com/TopGunBuild/socket-sub001/ws"
//	)
//
//	cfg := ws.NewConfig(":8000", ws.DefaultRateLimitConfig(), ws.AllOrigins())
//	cfg.AuthKey = []byte("secret")
//	server, err := ws.New(cfg)
//
//	// Serve the "echo" procedure on every new socket
//	go func() {
//	    connections := server.Listener(ws.EventConnection).CreateConsumer(0)
//	    for {
//	        p, err := connections.Next(ctx)
//	        if err != nil || p.Done {
//	            return
//	        }
//	        sock := p.Value.Socket.(*ws.ServerSocket)
//	        go func() {
//	            requests := sock.Procedure("echo").CreateConsumer(0)
//	            for {
//	                p, err := requests.Next(sock.Context())
//	                if err != nil || p.Done {
//	                    return
//	                }
//	                p.Value.End(p.Value.Data)
//	            }
//	        }()
//	    }
//	}()
//
//	server.Start(ctx)
//
// The client dials, performs the handshake and then invokes or subscribes:
//
//	client, err := ws.Dial(ctx, ws.DefaultClientConfig())
//	res, err := client.Invoke(ctx, "echo", "hello")
//	ch, err := client.Subscribe(ctx, "news")
//	data := ch.CreateConsumer(0)
//
// # Middleware
//
// Four stages gate the traffic of a server: handshake (HTTP upgrade and #handshake),
// inbound raw (every frame), inbound (transmits, invokes, subscribes, publishes and
// authentication) and outbound (publishes about to be sent). A middleware handler reads
// actions from a stream and must Allow, AllowWith or Block each one; a stage without a
// handler allows everything.
//
// # Authentication
//
// Auth tokens are signed JWTs. The server signs with ServerSocket.SetAuthToken and the
// client keeps the signed token in its TokenStore, sending it back on the next
// handshake. An expired token is rejected and removed without closing the connection.
//
// # Rate Limiting
//
// Each server socket has an independent token bucket:
//
//	// Default: 100 messages/second, burst 200
//	cfg := ws.NewConfig(":8000", ws.DefaultRateLimitConfig(), ws.AllOrigins())
//
//	// Disabled
//	cfg := ws.NewConfig(":8000", ws.NoRateLimit(), ws.AllOrigins())
//
// When the limit is exceeded the socket is closed with 1008 (Policy Violation).
//
// # Important
//
//   - Consumers that are never read keep buffering; check Backpressure on busy streams
//   - Streams end when a socket is destroyed; consumers then receive Done
//   - Configure CheckOriginFn in production (never use ws.AllOrigins() in production)
package socket
