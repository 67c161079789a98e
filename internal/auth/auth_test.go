package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	socket "github.com/TopGunBuild/socket-sub001"
)

var testKey = []byte("test-secret")

func TestJWTEngineSignVerify(t *testing.T) {
	t.Parallel()

	e := NewJWTEngine()
	signed, err := e.SignToken(socket.AuthToken{"username": "alice", "exp": time.Now().Add(time.Hour).Unix()}, testKey, SignOptions{})
	require.NoError(t, err)

	token, err := e.VerifyToken(signed, testKey, VerifyOptions{})
	require.NoError(t, err)
	assert.Equal(t, "alice", token["username"])
}

func TestJWTEngineVerifyFaults(t *testing.T) {
	t.Parallel()

	e := NewJWTEngine()
	expired, err := e.SignToken(socket.AuthToken{"exp": time.Now().Add(-time.Hour).Unix()}, testKey, SignOptions{})
	require.NoError(t, err)
	notYet, err := e.SignToken(socket.AuthToken{"nbf": time.Now().Add(time.Hour).Unix()}, testKey, SignOptions{})
	require.NoError(t, err)
	valid, err := e.SignToken(socket.AuthToken{"sub": "x"}, testKey, SignOptions{})
	require.NoError(t, err)

	tests := []struct {
		name   string
		signed string
		key    []byte
		check  func(error) bool
	}{
		{"expired", expired, testKey, func(err error) bool {
			var te *socket.AuthTokenExpiredError
			return errors.As(err, &te) && !te.Expiry.IsZero()
		}},
		{"not before", notYet, testKey, func(err error) bool {
			var te *socket.AuthTokenNotBeforeError
			return errors.As(err, &te)
		}},
		{"malformed", "not-a-token", testKey, func(err error) bool {
			var te *socket.AuthTokenInvalidError
			return errors.As(err, &te)
		}},
		{"wrong key", valid, []byte("other"), func(err error) bool {
			var te *socket.AuthTokenInvalidError
			return errors.As(err, &te)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := e.VerifyToken(tt.signed, tt.key, VerifyOptions{})
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected error type %T: %v", err, err)
		})
	}
}

func TestJWTEngineUnsupportedAlgorithm(t *testing.T) {
	t.Parallel()

	_, err := NewJWTEngine().SignToken(socket.AuthToken{}, testKey, SignOptions{Algorithm: "NOPE"})
	var ae *socket.AuthError
	assert.True(t, errors.As(err, &ae))
}

func TestExpiryHelpers(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_000_000, 0)
	token := socket.AuthToken{"sub": "x"}
	SetDefaultExpiry(token, time.Minute, now)
	exp, ok := Expiry(token)
	require.True(t, ok)
	assert.Equal(t, now.Add(time.Minute), exp)

	// an existing exp is kept
	SetDefaultExpiry(token, time.Hour, now)
	exp, _ = Expiry(token)
	assert.Equal(t, now.Add(time.Minute), exp)

	assert.NoError(t, CheckExpiry(token, now))
	var te *socket.AuthTokenExpiredError
	assert.True(t, errors.As(CheckExpiry(token, now.Add(time.Minute)), &te))

	assert.NoError(t, CheckExpiry(socket.AuthToken{}, now))
	assert.NoError(t, CheckExpiry(nil, now))

	decoded := socket.AuthToken{"exp": float64(now.Unix())}
	exp, ok = Expiry(decoded)
	require.True(t, ok)
	assert.Equal(t, now, exp)
}

func TestClone(t *testing.T) {
	t.Parallel()

	orig := socket.AuthToken{"a": 1}
	c := Clone(orig)
	c["a"] = 2
	assert.Equal(t, 1, orig["a"])
	assert.Nil(t, Clone(nil))
}
