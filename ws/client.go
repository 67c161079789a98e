package ws

import (
	"context"

	"github.com/TopGunBuild/socket-sub001/internal/websocket"
)

type Client = websocket.ClientSocket
type ClientConfig = websocket.ClientConfig
type Channel = websocket.Channel
type TokenStore = websocket.TokenStore
type Dialer = websocket.Dialer
type DialerFunc = websocket.DialerFunc
type GorillaDialer = websocket.GorillaDialer

// Dial connects to the server described by cfg and completes the handshake.
//
// Example:
//
//	cfg := ws.DefaultClientConfig()
//	cfg.Hostname = "localhost"
//	cfg.Port = 8080
//	client, err := ws.Dial(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Disconnect(0, "")
func Dial(ctx context.Context, cfg *ClientConfig) (*Client, error) {
	return websocket.Dial(ctx, cfg)
}

// NewClient returns an unconnected client. Channels subscribed before
// Connect are subscribed once the handshake completes.
func NewClient(cfg *ClientConfig) (*Client, error) {
	return websocket.NewClient(cfg)
}

// DefaultClientConfig returns a config pointing at a local server.
func DefaultClientConfig() *ClientConfig {
	return websocket.DefaultClientConfig()
}

// NewMemoryTokenStore returns a TokenStore that lives as long as the process.
func NewMemoryTokenStore() TokenStore {
	return websocket.NewMemoryTokenStore()
}
