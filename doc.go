// Package tokenledger provides a token authentication engine with
// signed JWT access tokens, rotating refresh token families, a durable
// Postgres revocation ledger, and a Redis status cache.
//
// Engine methods are safe to call from multiple goroutines after
// initialization through [Builder.Build].
//
// # Architecture boundaries
//
// tokenledger is the public surface: [Engine], [Builder], [Config],
// and value types ([TokenPair], [AuthResult], [MetricsSnapshot]). The
// token codec, the ledger, and the cache live in sub-packages and can
// be used on their own; throttling lives under internal/ and is never
// exported.
//
// # Durability contract
//
// The ledger is the single source of truth for refresh token state.
// The Redis cache is a mirror: every ledger mutation is written
// through before the engine returns, and a cache miss or outage falls
// back to the ledger. Losing Redis costs latency, never correctness.
//
// # Revocation model
//
// Refresh tokens rotate: each use consumes the presented token and
// issues a successor in the same family, with at most one active token
// per family at any time. Replaying a consumed token is treated as
// theft evidence and revokes the entire family. Access tokens are
// never persisted; Authorize checks that the token's family is still
// alive.
package tokenledger
