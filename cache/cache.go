// Package cache mirrors ledger state into Redis for low-latency
// revocation checks.
//
// The cache is never the source of truth. Every ledger mutation is
// written through here before the engine returns to its caller, and a
// miss or outage falls back to the ledger: losing Redis costs latency,
// not correctness.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arkadyv/tokenledger/ledger"
)

// ErrMiss is returned when no cached status exists for the key.
var ErrMiss = errors.New("cache miss")

// ErrUnavailable wraps Redis I/O failures. Callers treat it as a signal
// to degrade to ledger-only reads, never as an authorization answer.
var ErrUnavailable = errors.New("cache unavailable")

const minTTL = time.Second

// revokeFamilyScript marks the family key and every indexed token key
// revoked in one atomic step, so no interleaved reader can observe the
// family dead while one of its tokens still reports active.
const revokeFamilyScript = `
local fam_key = KEYS[1]
local idx_key = KEYS[2]
local token_prefix = ARGV[1]
local ttl_ms = tonumber(ARGV[2])

local members = redis.call("SMEMBERS", idx_key)
for _, id in ipairs(members) do
  redis.call("SET", token_prefix .. id, "revoked", "PX", ttl_ms)
end
redis.call("SET", fam_key, "revoked", "PX", ttl_ms)
redis.call("PEXPIRE", idx_key, ttl_ms)

return #members
`

var revokeFamilyLua = redis.NewScript(revokeFamilyScript)

// Store is the Redis-backed status mirror. Keys:
//
//	<prefix>:t:<token-id>   status string, TTL aligned to token lifetime
//	<prefix>:f:<family-id>  "active" or "revoked"
//	<prefix>:fi:<family-id> set of token IDs, used for family-wide revoke
type Store struct {
	redis  redis.UniversalClient
	prefix string
}

// NewStore creates a cache bound to the given Redis client. prefix
// namespaces all keys.
func NewStore(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "tl"
	}
	return &Store{redis: client, prefix: prefix}
}

func (s *Store) tokenKey(tokenID string) string {
	return s.prefix + ":t:" + tokenID
}

func (s *Store) familyKey(familyID string) string {
	return s.prefix + ":f:" + familyID
}

func (s *Store) familyIndexKey(familyID string) string {
	return s.prefix + ":fi:" + familyID
}

// GetToken returns the cached status for a token ID, or ErrMiss.
func (s *Store) GetToken(ctx context.Context, tokenID string) (ledger.Status, error) {
	val, err := s.redis.Get(ctx, s.tokenKey(tokenID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, ErrMiss
		}
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	status, err := ledger.ParseStatus(val)
	if err != nil {
		// A corrupt value is treated as a miss so the ledger answers.
		return 0, ErrMiss
	}
	return status, nil
}

// SetToken writes a token's status and registers it in its family index.
// Called on every ledger write (write-through) and on ledger fallback
// (read-through repopulation).
func (s *Store) SetToken(ctx context.Context, tokenID, familyID string, status ledger.Status, ttl time.Duration) error {
	if ttl < minTTL {
		ttl = minTTL
	}

	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.tokenKey(tokenID), status.String(), ttl)
		if familyID != "" {
			pipe.SAdd(ctx, s.familyIndexKey(familyID), tokenID)
			pipe.Expire(ctx, s.familyIndexKey(familyID), ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// GetFamily reports the cached liveness of a family, or ErrMiss.
func (s *Store) GetFamily(ctx context.Context, familyID string) (bool, error) {
	val, err := s.redis.Get(ctx, s.familyKey(familyID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, ErrMiss
		}
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return val == "active", nil
}

// SetFamily writes a family's liveness flag.
func (s *Store) SetFamily(ctx context.Context, familyID string, active bool, ttl time.Duration) error {
	if ttl < minTTL {
		ttl = minTTL
	}

	val := "revoked"
	if active {
		val = "active"
	}
	if err := s.redis.Set(ctx, s.familyKey(familyID), val, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// RevokeFamily atomically marks the family and all of its indexed
// tokens revoked. The revoked markers keep a TTL so they disappear once
// every token of the family has expired anyway.
func (s *Store) RevokeFamily(ctx context.Context, familyID string, ttl time.Duration) error {
	if ttl < minTTL {
		ttl = minTTL
	}

	err := revokeFamilyLua.Run(
		ctx,
		s.redis,
		[]string{s.familyKey(familyID), s.familyIndexKey(familyID)},
		s.prefix+":t:",
		ttl.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Invalidate removes a single token's cached status. The next check
// falls through to the ledger.
func (s *Store) Invalidate(ctx context.Context, tokenID string) error {
	if err := s.redis.Del(ctx, s.tokenKey(tokenID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Ping returns a point-in-time Redis availability check and latency.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return time.Since(start), fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return time.Since(start), nil
}
