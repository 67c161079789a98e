package socket

import (
	"errors"
	"fmt"
	"time"
)

// TimeoutError is returned when a suspension point (consumer wait, RPC
// response, connect) does not resolve within its deadline.
type TimeoutError struct {
	Message string
}

func (e *TimeoutError) Error() string     { return e.Message }
func (e *TimeoutError) ErrorName() string { return "TimeoutError" }

// BadConnectionError is returned for operations that were pending or issued
// while the connection was not open.
type BadConnectionError struct {
	Message string
	// Type is "connectAbort" when the socket never reached the open state,
	// "disconnect" otherwise.
	Type   string
	Code   int
	Reason string
}

func (e *BadConnectionError) Error() string     { return e.Message }
func (e *BadConnectionError) ErrorName() string { return "BadConnectionError" }
func (e *BadConnectionError) ErrorProps() map[string]any {
	return map[string]any{"type": e.Type, "code": e.Code, "reason": e.Reason}
}

// NewBadConnectionError builds a BadConnectionError for the given close code.
func NewBadConnectionError(closeType string, code int, reason string) *BadConnectionError {
	msg := fmt.Sprintf("socket %s: %d (%s)", closeType, code, CloseCodeMessage(code))
	if reason != "" {
		msg = fmt.Sprintf("%s - %s", msg, reason)
	}
	return &BadConnectionError{Message: msg, Type: closeType, Code: code, Reason: reason}
}

// SocketProtocolError is a status-coded protocol fault; it is surfaced on the
// error stream of the endpoint that closed the connection.
type SocketProtocolError struct {
	Message string
	Code    int
}

func (e *SocketProtocolError) Error() string     { return e.Message }
func (e *SocketProtocolError) ErrorName() string { return "SocketProtocolError" }
func (e *SocketProtocolError) ErrorProps() map[string]any {
	return map[string]any{"code": e.Code}
}

// AuthTokenExpiredError reports a token whose exp claim is in the past.
type AuthTokenExpiredError struct {
	Message string
	Expiry  time.Time
}

func (e *AuthTokenExpiredError) Error() string     { return e.Message }
func (e *AuthTokenExpiredError) ErrorName() string { return "AuthTokenExpiredError" }
func (e *AuthTokenExpiredError) ErrorProps() map[string]any {
	return map[string]any{"expiry": e.Expiry.Format(time.RFC3339)}
}

// AuthTokenInvalidError reports a malformed token or a bad signature.
type AuthTokenInvalidError struct {
	Message string
}

func (e *AuthTokenInvalidError) Error() string     { return e.Message }
func (e *AuthTokenInvalidError) ErrorName() string { return "AuthTokenInvalidError" }

// AuthTokenNotBeforeError reports a token whose nbf claim is in the future.
type AuthTokenNotBeforeError struct {
	Message string
	Date    time.Time
}

func (e *AuthTokenNotBeforeError) Error() string     { return e.Message }
func (e *AuthTokenNotBeforeError) ErrorName() string { return "AuthTokenNotBeforeError" }
func (e *AuthTokenNotBeforeError) ErrorProps() map[string]any {
	return map[string]any{"date": e.Date.Format(time.RFC3339)}
}

// AuthTokenError is any other token verification failure.
type AuthTokenError struct {
	Message string
	Err     error
}

func (e *AuthTokenError) Error() string     { return e.Message }
func (e *AuthTokenError) Unwrap() error     { return e.Err }
func (e *AuthTokenError) ErrorName() string { return "AuthTokenError" }

// AuthError is a generic authentication failure (for example signing).
type AuthError struct {
	Message string
	Err     error
}

func (e *AuthError) Error() string     { return e.Message }
func (e *AuthError) Unwrap() error     { return e.Err }
func (e *AuthError) ErrorName() string { return "AuthError" }

// InvalidActionError is raised on invalid usage such as resolving an action
// twice or responding twice to the same request.
type InvalidActionError struct {
	Message string
}

func (e *InvalidActionError) Error() string     { return e.Message }
func (e *InvalidActionError) ErrorName() string { return "InvalidActionError" }

// InvalidArgumentsError reports bad arguments passed to a public operation.
type InvalidArgumentsError struct {
	Message string
}

func (e *InvalidArgumentsError) Error() string     { return e.Message }
func (e *InvalidArgumentsError) ErrorName() string { return "InvalidArgumentsError" }

// InvalidMessageError reports a packet that could not be decoded or routed.
type InvalidMessageError struct {
	Message string
	Err     error
}

func (e *InvalidMessageError) Error() string     { return e.Message }
func (e *InvalidMessageError) Unwrap() error     { return e.Err }
func (e *InvalidMessageError) ErrorName() string { return "InvalidMessageError" }

// BrokerError reports a failure inside the channel broker.
type BrokerError struct {
	Message string
	Err     error
}

func (e *BrokerError) Error() string     { return e.Message }
func (e *BrokerError) Unwrap() error     { return e.Err }
func (e *BrokerError) ErrorName() string { return "BrokerError" }

// SilentMiddlewareBlockedError is used when middleware blocks an action
// without supplying an error of its own.
type SilentMiddlewareBlockedError struct {
	Message string
	Type    string
}

func (e *SilentMiddlewareBlockedError) Error() string     { return e.Message }
func (e *SilentMiddlewareBlockedError) ErrorName() string { return "SilentMiddlewareBlockedError" }
func (e *SilentMiddlewareBlockedError) ErrorProps() map[string]any {
	return map[string]any{"type": e.Type}
}

// HydratedError is a fault rebuilt from its dehydrated wire form. Props holds
// every own property that travelled with the error other than name/message.
type HydratedError struct {
	Name    string
	Message string
	Props   map[string]any
}

func (e *HydratedError) Error() string              { return e.Message }
func (e *HydratedError) ErrorName() string          { return e.Name }
func (e *HydratedError) ErrorProps() map[string]any { return e.Props }

// IsTimeout reports whether err is or wraps a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// IsBadConnection reports whether err is or wraps a BadConnectionError.
func IsBadConnection(err error) bool {
	var be *BadConnectionError
	return errors.As(err, &be)
}
