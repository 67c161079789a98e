package websocket

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	socket "github.com/TopGunBuild/socket-sub001"
	"github.com/TopGunBuild/socket-sub001/internal/auth"
	"github.com/TopGunBuild/socket-sub001/internal/protocol"
)

// CheckOriginFn is a function that validates the origin of a WebSocket connection request.
// It receives the HTTP request and returns true if the origin is allowed, false otherwise.
type CheckOriginFn = func(r *http.Request) bool

// CleanupMode selects what happens to a socket's receiver and procedure
// streams when it is destroyed.
type CleanupMode int

const (
	// CleanupKill ends every consumer immediately.
	CleanupKill CleanupMode = iota
	// CleanupClose lets consumers drain their backlog before ending.
	CleanupClose
)

func (m CleanupMode) String() string {
	if m == CleanupClose {
		return "close"
	}
	return "kill"
}

// RateLimitConfig defines rate limiting configuration for inbound messages
type RateLimitConfig struct {
	// MessagesPerSecond defines how many messages a socket can send per second
	MessagesPerSecond rate.Limit
	// Burst defines the maximum burst size (token bucket capacity)
	Burst int
	// Enabled determines if rate limiting is active
	Enabled bool
}

// DefaultRateLimitConfig returns the default rate limit configuration
// Allows 100 messages per second with burst of 200
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		MessagesPerSecond: 100,
		Burst:             200,
		Enabled:           true,
	}
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return &RateLimitConfig{
		Enabled: false,
	}
}

func (c *RateLimitConfig) limiter() *rate.Limiter {
	if c == nil || !c.Enabled {
		return nil
	}
	return rate.NewLimiter(c.MessagesPerSecond, c.Burst)
}

// ServerConfig configures a Server. Start from DefaultServerConfig; zero
// collaborators (Codec, AuthEngine, Logger, RateLimitConfig) are filled in by
// NewServer.
type ServerConfig struct {
	Addr string
	Path string

	// AuthKey signs and verifies auth tokens. Auth is unavailable without it.
	AuthKey           any
	AuthAlgorithm     string
	AuthDefaultExpiry time.Duration
	AuthEngine        auth.Engine

	HandshakeTimeout    time.Duration
	AckTimeout          time.Duration
	PingInterval        time.Duration
	PingTimeout         time.Duration
	PingTimeoutDisabled bool
	// StrictHandshake destroys sockets that send anything but #handshake
	// before the handshake completes.
	StrictHandshake bool
	ProtocolVersion int

	SocketStreamCleanupMode CleanupMode
	AllowClientPublish      bool

	RateLimitConfig *RateLimitConfig
	CheckOrigin     CheckOriginFn
	ReadBufferSize  int
	WriteBufferSize int

	Codec             protocol.Codec
	Logger            *slog.Logger
	MetricsRegisterer prometheus.Registerer
}

// DefaultServerConfig returns a config with every timing field set.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Addr:               ":8000",
		Path:               "/ws",
		AuthAlgorithm:      auth.DefaultAlgorithm,
		AuthDefaultExpiry:  24 * time.Hour,
		HandshakeTimeout:   10 * time.Second,
		AckTimeout:         10 * time.Second,
		PingInterval:       8 * time.Second,
		PingTimeout:        20 * time.Second,
		StrictHandshake:    true,
		ProtocolVersion:    socket.ProtocolVersionCurrent,
		AllowClientPublish: true,
		RateLimitConfig:    DefaultRateLimitConfig(),
		ReadBufferSize:     1024,
		WriteBufferSize:    1024,
	}
}

func (c *ServerConfig) applyDefaults() {
	if c.Path == "" {
		c.Path = "/ws"
	}
	if c.AuthAlgorithm == "" {
		c.AuthAlgorithm = auth.DefaultAlgorithm
	}
	if c.AuthEngine == nil {
		c.AuthEngine = auth.NewJWTEngine()
	}
	if c.Codec == nil {
		c.Codec = &protocol.JSONCodec{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.RateLimitConfig == nil {
		c.RateLimitConfig = DefaultRateLimitConfig()
	}
	if c.ProtocolVersion == 0 {
		c.ProtocolVersion = socket.ProtocolVersionCurrent
	}
}

// Validate rejects inconsistent settings.
func (c *ServerConfig) Validate() error {
	switch {
	case c.HandshakeTimeout <= 0:
		return invalidArg("handshake timeout must be positive")
	case c.AckTimeout <= 0:
		return invalidArg("ack timeout must be positive")
	case c.PingInterval <= 0:
		return invalidArg("ping interval must be positive")
	case !c.PingTimeoutDisabled && c.PingTimeout <= 0:
		return invalidArg("ping timeout must be positive unless disabled")
	case !c.PingTimeoutDisabled && c.PingTimeout <= c.PingInterval:
		return invalidArg("ping timeout %v must be greater than ping interval %v", c.PingTimeout, c.PingInterval)
	case c.ProtocolVersion != socket.ProtocolVersionLegacy && c.ProtocolVersion != socket.ProtocolVersionCurrent:
		return invalidArg("unsupported protocol version %d", c.ProtocolVersion)
	case c.RateLimitConfig != nil && c.RateLimitConfig.Enabled && (c.RateLimitConfig.MessagesPerSecond <= 0 || c.RateLimitConfig.Burst <= 0):
		return invalidArg("rate limit needs a positive rate and burst")
	}
	return nil
}

// TokenStore persists the client's signed auth token between connections.
type TokenStore interface {
	SaveToken(name, signed string) error
	LoadToken(name string) (string, error)
	RemoveToken(name string) error
}

// ClientConfig configures a ClientSocket. Either URL, Host ("host:port") or
// Hostname/Port is used to locate the server.
type ClientConfig struct {
	URL      string
	Host     string
	Hostname string
	Port     int
	Secure   bool
	Path     string
	Query    url.Values
	Header   http.Header

	AckTimeout      time.Duration
	ConnectTimeout  time.Duration
	ProtocolVersion int

	AuthTokenName string
	TokenStore    TokenStore

	Dialer Dialer
	Codec  protocol.Codec
	Logger *slog.Logger
}

// DefaultClientConfig returns a config pointing at a local server.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Hostname:        "localhost",
		Port:            8000,
		Path:            "/ws",
		AckTimeout:      10 * time.Second,
		ConnectTimeout:  20 * time.Second,
		ProtocolVersion: socket.ProtocolVersionCurrent,
		AuthTokenName:   socket.DefaultAuthTokenName,
	}
}

func (c *ClientConfig) applyDefaults() {
	if c.AuthTokenName == "" {
		c.AuthTokenName = socket.DefaultAuthTokenName
	}
	if c.TokenStore == nil {
		c.TokenStore = NewMemoryTokenStore()
	}
	if c.Dialer == nil {
		c.Dialer = GorillaDialer{}
	}
	if c.Codec == nil {
		c.Codec = &protocol.JSONCodec{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.ProtocolVersion == 0 {
		c.ProtocolVersion = socket.ProtocolVersionCurrent
	}
}

// Validate rejects inconsistent settings, including Host combined with
// Hostname or Port.
func (c *ClientConfig) Validate() error {
	if c.Host != "" && (c.Hostname != "" || c.Port != 0) {
		return invalidArg("host cannot be combined with hostname or port")
	}
	if c.URL == "" && c.Host == "" && c.Hostname == "" {
		return invalidArg("one of url, host or hostname is required")
	}
	if c.Port < 0 || c.Port > 65535 {
		return invalidArg("port %d out of range", c.Port)
	}
	if c.AckTimeout <= 0 {
		return invalidArg("ack timeout must be positive")
	}
	if c.ConnectTimeout <= 0 {
		return invalidArg("connect timeout must be positive")
	}
	if c.ProtocolVersion != socket.ProtocolVersionLegacy && c.ProtocolVersion != socket.ProtocolVersionCurrent {
		return invalidArg("unsupported protocol version %d", c.ProtocolVersion)
	}
	return nil
}

// Endpoint returns the websocket URL the client dials.
func (c *ClientConfig) Endpoint() string {
	if c.URL != "" {
		return c.URL
	}
	scheme := "ws"
	if c.Secure {
		scheme = "wss"
	}
	host := c.Host
	if host == "" {
		host = c.Hostname
		if c.Port != 0 {
			host = net.JoinHostPort(c.Hostname, strconv.Itoa(c.Port))
		}
	}
	u := url.URL{Scheme: scheme, Host: host, Path: c.Path}
	if len(c.Query) > 0 {
		u.RawQuery = c.Query.Encode()
	}
	return u.String()
}

func invalidArg(format string, args ...any) error {
	return &socket.InvalidArgumentsError{Message: fmt.Sprintf(format, args...)}
}
