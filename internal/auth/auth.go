// Package auth provides the token signing/verification capability consumed by
// the socket state machines, and helpers for token expiry.
package auth

import (
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/golang-jwt/jwt/v5"

	socket "github.com/TopGunBuild/socket-sub001"
)

// DefaultAlgorithm is used when no algorithm is configured.
const DefaultAlgorithm = "HS256"

// SignOptions configure token signing.
type SignOptions struct {
	Algorithm string
}

// VerifyOptions configure token verification.
type VerifyOptions struct {
	Algorithms []string
}

// Engine signs and verifies auth tokens. Verification failures are one of
// AuthTokenExpiredError, AuthTokenInvalidError, AuthTokenNotBeforeError or
// AuthTokenError.
type Engine interface {
	SignToken(token socket.AuthToken, key any, opts SignOptions) (string, error)
	VerifyToken(signed string, key any, opts VerifyOptions) (socket.AuthToken, error)
}

// JWTEngine is the default Engine, backed by golang-jwt.
type JWTEngine struct{}

// NewJWTEngine returns the default engine.
func NewJWTEngine() *JWTEngine {
	return &JWTEngine{}
}

// SignToken signs token with key.
func (e *JWTEngine) SignToken(token socket.AuthToken, key any, opts SignOptions) (string, error) {
	alg := opts.Algorithm
	if alg == "" {
		alg = DefaultAlgorithm
	}
	method := jwt.GetSigningMethod(alg)
	if method == nil {
		return "", &socket.AuthError{Message: fmt.Sprintf("%s: unsupported algorithm %q", socket.ErrAuthTokenSignFailed, alg)}
	}
	signed, err := jwt.NewWithClaims(method, jwt.MapClaims(token)).SignedString(key)
	if err != nil {
		return "", &socket.AuthError{Message: fmt.Sprintf("%s: %v", socket.ErrAuthTokenSignFailed, err), Err: err}
	}
	return signed, nil
}

// VerifyToken checks the signature and time claims of signed and returns its
// claims.
func (e *JWTEngine) VerifyToken(signed string, key any, opts VerifyOptions) (socket.AuthToken, error) {
	algs := opts.Algorithms
	if len(algs) == 0 {
		algs = []string{DefaultAlgorithm}
	}
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(signed, claims, func(*jwt.Token) (any, error) {
		return key, nil
	}, jwt.WithValidMethods(algs))
	if err == nil {
		return socket.AuthToken(claims), nil
	}

	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		expiry := time.Time{}
		if exp, _ := claims.GetExpirationTime(); exp != nil {
			expiry = exp.Time
		}
		return nil, &socket.AuthTokenExpiredError{Message: socket.ErrAuthTokenExpired, Expiry: expiry}
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		date := time.Time{}
		if nbf, _ := claims.GetNotBefore(); nbf != nil {
			date = nbf.Time
		}
		return nil, &socket.AuthTokenNotBeforeError{Message: socket.ErrAuthTokenNotBefore, Date: date}
	case errors.Is(err, jwt.ErrTokenMalformed),
		errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenUnverifiable):
		return nil, &socket.AuthTokenInvalidError{Message: fmt.Sprintf("%s: %v", socket.ErrAuthTokenInvalid, err)}
	default:
		return nil, &socket.AuthTokenError{Message: err.Error(), Err: err}
	}
}

// DecodeToken returns the claims of signed without verifying its signature.
// Clients use it to read tokens issued by the server.
func DecodeToken(signed string) (socket.AuthToken, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(signed, claims); err != nil {
		return nil, &socket.AuthTokenInvalidError{Message: fmt.Sprintf("%s: %v", socket.ErrAuthTokenInvalid, err)}
	}
	return socket.AuthToken(claims), nil
}

// Clone returns a shallow copy of token.
func Clone(token socket.AuthToken) socket.AuthToken {
	if token == nil {
		return nil
	}
	return maps.Clone(token)
}

// Expiry returns the exp claim of token, if any.
func Expiry(token socket.AuthToken) (time.Time, bool) {
	if token == nil {
		return time.Time{}, false
	}
	switch v := token["exp"].(type) {
	case float64:
		return time.Unix(int64(v), 0), true
	case int64:
		return time.Unix(v, 0), true
	case int:
		return time.Unix(int64(v), 0), true
	case *jwt.NumericDate:
		return v.Time, true
	default:
		return time.Time{}, false
	}
}

// SetDefaultExpiry assigns exp = now + ttl unless token already has one.
func SetDefaultExpiry(token socket.AuthToken, ttl time.Duration, now time.Time) {
	if token == nil || ttl <= 0 {
		return
	}
	if _, ok := token["exp"]; ok {
		return
	}
	token["exp"] = now.Add(ttl).Unix()
}

// CheckExpiry returns an AuthTokenExpiredError when token's exp claim is at
// or before now. Tokens without exp never expire.
func CheckExpiry(token socket.AuthToken, now time.Time) error {
	exp, ok := Expiry(token)
	if !ok || now.Before(exp) {
		return nil
	}
	return &socket.AuthTokenExpiredError{Message: socket.ErrAuthTokenExpired, Expiry: exp}
}
