package tokenledger

import "errors"

var (
	// ErrInvalidCredentials covers unknown identifiers, wrong passwords,
	// and disabled accounts alike, so a caller cannot tell which it was.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrTokenMalformed means the token could not be parsed or is missing
	// required claims.
	ErrTokenMalformed = errors.New("token malformed")
	// ErrTokenExpired means the token parsed and verified but its
	// lifetime has passed.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenSignature means the signature did not verify under any
	// accepted key.
	ErrTokenSignature = errors.New("token signature invalid")
	// ErrRevoked means the token or its family has been revoked.
	ErrRevoked = errors.New("token revoked")
	// ErrReuseDetected means a rotated refresh token was presented again.
	// The whole family has been revoked in response.
	ErrReuseDetected = errors.New("refresh token reuse detected")
	// ErrConflict means a concurrent writer won the rotation race and
	// the single built-in retry also lost.
	ErrConflict = errors.New("concurrent rotation conflict")
	// ErrNotFound means the token or family has no ledger entry.
	ErrNotFound = errors.New("token not found")
	// ErrStoreUnavailable means the durable ledger could not be reached.
	// Cache outages never surface this; only ledger outages do.
	ErrStoreUnavailable = errors.New("ledger store unavailable")
	// ErrLoginRateLimited is returned when login throttling trips.
	ErrLoginRateLimited = errors.New("login rate limited")
	// ErrRefreshRateLimited is returned when refresh throttling trips.
	ErrRefreshRateLimited = errors.New("refresh rate limited")
	// ErrEngineNotReady is returned by operations on an unbuilt or
	// closed engine.
	ErrEngineNotReady = errors.New("engine not initialized")
)
