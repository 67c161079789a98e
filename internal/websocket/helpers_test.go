package websocket

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/TopGunBuild/socket-sub001/internal/stream"
)

var testAuthKey = []byte("test-secret")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testServerConfig() *ServerConfig {
	cfg := DefaultServerConfig()
	cfg.AuthKey = testAuthKey
	cfg.Logger = discardLogger()
	cfg.RateLimitConfig = NoRateLimit()
	cfg.HandshakeTimeout = time.Second
	cfg.AckTimeout = time.Second
	return cfg
}

func newTestServer(t *testing.T, cfg *ServerConfig) *Server {
	t.Helper()
	if cfg == nil {
		cfg = testServerConfig()
	}
	srv, err := NewServer(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.CloseSockets(ctx)
	})
	return srv
}

// pipeDialer connects clients to srv over in-memory pipes and reports each
// accepted server socket on accepted.
func pipeDialer(srv *Server, accepted chan<- *ServerSocket) Dialer {
	return DialerFunc(func(ctx context.Context, url string, header http.Header) (Transport, error) {
		clientEnd, serverEnd := NewPipe()
		sock := srv.HandleConn(serverEnd, nil)
		if accepted != nil {
			accepted <- sock
		}
		return clientEnd, nil
	})
}

func testClientConfig(d Dialer) *ClientConfig {
	cfg := DefaultClientConfig()
	cfg.URL = "ws://pipe/ws"
	cfg.Dialer = d
	cfg.Logger = discardLogger()
	cfg.AckTimeout = time.Second
	cfg.ConnectTimeout = time.Second
	return cfg
}

// connectPair dials srv and returns both ends of the connection.
func connectPair(t *testing.T, srv *Server, cfg *ClientConfig) (*ClientSocket, *ServerSocket) {
	t.Helper()
	accepted := make(chan *ServerSocket, 1)
	if cfg == nil {
		cfg = testClientConfig(nil)
	}
	cfg.Dialer = pipeDialer(srv, accepted)
	c, err := Dial(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Disconnect(0, "") })
	return c, <-accepted
}

func next[T any](t *testing.T, c *stream.Consumer[T]) T {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	p, err := c.Next(ctx)
	require.NoError(t, err)
	require.False(t, p.Done, "consumer ended before a value arrived")
	return p.Value
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}
