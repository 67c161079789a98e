package ws

import (
	"net/http"

	"github.com/TopGunBuild/socket-sub001/internal/broker"
	"github.com/TopGunBuild/socket-sub001/internal/websocket"
)

type Server = websocket.Server
type ServerSocket = websocket.ServerSocket
type ServerConfig = websocket.ServerConfig
type RateLimitConfig = websocket.RateLimitConfig
type CheckOriginFn = websocket.CheckOriginFn
type CleanupMode = websocket.CleanupMode
type AuthTokenOptions = websocket.AuthTokenOptions
type CallOptions = websocket.CallOptions
type Request = websocket.Request
type Event = websocket.Event
type Transport = websocket.Transport
type Exchange = broker.Exchange
type ExchangeChannel = broker.ExchangeChannel

const (
	CleanupKill  = websocket.CleanupKill
	CleanupClose = websocket.CleanupClose
)

// Server event names.
const (
	EventConnection                = websocket.EventConnection
	EventConnectionAbort           = websocket.EventConnectionAbort
	EventDisconnection             = websocket.EventDisconnection
	EventClosure                   = websocket.EventClosure
	EventHandshake                 = websocket.EventHandshake
	EventSubscription              = websocket.EventSubscription
	EventUnsubscription            = websocket.EventUnsubscription
	EventAuthentication            = websocket.EventAuthentication
	EventDeauthentication          = websocket.EventDeauthentication
	EventAuthenticationStateChange = websocket.EventAuthenticationStateChange
	EventBadSocketAuthToken        = websocket.EventBadSocketAuthToken
)

// Socket event names.
const (
	EventConnect         = websocket.EventConnect
	EventConnectAbort    = websocket.EventConnectAbort
	EventDisconnect      = websocket.EventDisconnect
	EventClose           = websocket.EventClose
	EventEnd             = websocket.EventEnd
	EventError           = websocket.EventError
	EventWarning         = websocket.EventWarning
	EventMessage         = websocket.EventMessage
	EventRaw             = websocket.EventRaw
	EventAuthenticate    = websocket.EventAuthenticate
	EventDeauthenticate  = websocket.EventDeauthenticate
	EventAuthStateChange = websocket.EventAuthStateChange
	EventBadAuthToken    = websocket.EventBadAuthToken
	EventSubscribe       = websocket.EventSubscribe
	EventUnsubscribe     = websocket.EventUnsubscribe
	EventSubscribeFail   = websocket.EventSubscribeFail
	EventKickOut         = websocket.EventKickOut
)

// New creates a server from cfg.
//
// Example:
//
//	cfg := ws.NewConfig(":8080", ws.DefaultRateLimitConfig(), ws.AllOrigins())
//	cfg.AuthKey = []byte(os.Getenv("AUTH_KEY"))
//	server, err := ws.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	server.Start(ctx)
func New(cfg *ServerConfig) (*Server, error) {
	return websocket.NewServer(cfg)
}

// NewConfig returns DefaultServerConfig with the listen address, rate limit
// and origin check replaced.
func NewConfig(addr string, rateLimitConfig *RateLimitConfig, checkOrigin CheckOriginFn) *ServerConfig {
	cfg := websocket.DefaultServerConfig()
	cfg.Addr = addr
	cfg.RateLimitConfig = rateLimitConfig
	cfg.CheckOrigin = checkOrigin
	return cfg
}

// DefaultServerConfig returns a config with every timing field set.
func DefaultServerConfig() *ServerConfig {
	return websocket.DefaultServerConfig()
}

// AllOrigins returns the default checkOrigin function that allows all origins
func AllOrigins() CheckOriginFn {
	return func(r *http.Request) bool {
		return true
	}
}

// DefaultRateLimitConfig returns the default rate limit configuration
func DefaultRateLimitConfig() *RateLimitConfig {
	return websocket.DefaultRateLimitConfig()
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return websocket.NoRateLimit()
}

// NewPipe returns two connected in-memory transports, for serving sockets
// without a network.
func NewPipe() (Transport, Transport) {
	return websocket.NewPipe()
}
