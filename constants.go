package socket

// Reserved event names. Application events must not start with '#'.
const (
	EventHandshake       = "#handshake"
	EventAuthenticate    = "#authenticate"
	EventRemoveAuthToken = "#removeAuthToken"
	EventSubscribe       = "#subscribe"
	EventUnsubscribe     = "#unsubscribe"
	EventPublish         = "#publish"
	EventSetAuthToken    = "#setAuthToken"
	EventKickOut         = "#kickOut"
	EventDisconnect      = "#disconnect"
)

// Ping/pong sentinels per protocol version.
const (
	LegacyPing = "#1"
	LegacyPong = "#2"
	Ping       = ""
	Pong       = ""
)

// Protocol versions understood by both endpoints.
const (
	ProtocolVersionLegacy  = 1
	ProtocolVersionCurrent = 2
)

// Close status codes.
const (
	StatusNormalClosure          = 1000
	StatusGoingAway              = 1001
	StatusProtocolError          = 1002
	StatusAbnormalClosure        = 1006
	StatusPolicyViolation        = 1008
	StatusServerPingTimeout      = 4000
	StatusClientPongTimeout      = 4001
	StatusAuthTokenSignFailure   = 4002
	StatusHandshakeTimeout       = 4005
	StatusConnectTimeout         = 4007
	StatusHandshakeRejected      = 4008
	StatusMessageBeforeHandshake = 4009
)

// Standard error messages
const (
	// Protocol errors
	ErrInvalidMessageFormat = "invalid message format"
	ErrHandshakeTimeout     = "handshake timed out"
	ErrPingTimeout          = "ping timed out"
	ErrPongTimeout          = "pong timed out"
	ErrStrictHandshake      = "message received before handshake completed"
	ErrConnectTimeout       = "connect timed out"
	ErrRateLimitExceeded    = "rate limit exceeded"

	// Connection errors
	ErrClientNotFound       = "client not found"
	ErrConnectionClosed     = "socket connection is closed"
	ErrFailedToEncode       = "failed to encode packet"
	ErrFailedToDecode       = "failed to decode packet"
	ErrServerAlreadyRunning = "server already running"
	ErrSocketNotOpen        = "socket is not open"

	// Action errors
	ErrActionAlreadyResolved = "action has already been allowed or blocked"
	ErrResponseAlreadySent   = "response to request has already been sent"

	// Auth errors
	ErrAuthTokenExpired    = "auth token expired"
	ErrAuthTokenInvalid    = "auth token invalid"
	ErrAuthTokenNotBefore  = "auth token not yet valid"
	ErrAuthTokenSignFailed = "failed to sign auth token"
)

// DefaultAuthTokenName is the key under which the client stores its signed token.
const DefaultAuthTokenName = "socket.authToken"

// CloseCodeMessage returns a human readable description of a close status code.
func CloseCodeMessage(code int) string {
	switch code {
	case StatusNormalClosure:
		return "normal closure"
	case StatusGoingAway:
		return "endpoint going away"
	case StatusProtocolError:
		return "protocol error"
	case StatusAbnormalClosure:
		return "abnormal closure"
	case StatusPolicyViolation:
		return "policy violation"
	case StatusServerPingTimeout:
		return "server ping timed out"
	case StatusClientPongTimeout:
		return "client pong timed out"
	case StatusAuthTokenSignFailure:
		return "server failed to sign auth token"
	case StatusHandshakeTimeout:
		return "handshake timed out"
	case StatusConnectTimeout:
		return "connect timed out"
	case StatusHandshakeRejected:
		return "handshake rejected"
	case StatusMessageBeforeHandshake:
		return "message received before handshake"
	default:
		return "unknown close code"
	}
}
