// Package token mints and verifies the signed access and refresh tokens
// issued by the tokenledger engine.
//
// A Codec is pure: Mint and Verify are deterministic given the signing
// key material and the clock, never touch the ledger or the cache, and
// are safe for concurrent use. Revocation state lives elsewhere — a
// verified token only proves possession and freshness, not validity.
package token
