// Package ledger is the durable source of truth for refresh-token
// lineage and revocation state.
//
// Every refresh token issued by the engine has exactly one Entry.
// A family (the rotation chain rooted at one login) has at most one
// active entry at any time; rotated and revoked are terminal states.
// The Store implementations guarantee that concurrent rotations of the
// same token serialize: one wins, the rest observe ErrAlreadyRotated.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a ledger entry.
type Status uint8

const (
	// StatusActive marks the single live refresh token of a family.
	StatusActive Status = iota + 1
	// StatusRotated marks a refresh token superseded by rotation.
	// Presenting a rotated token again is the reuse signal.
	StatusRotated
	// StatusRevoked marks a token invalidated by logout or by a
	// family-wide revocation. Terminal.
	StatusRevoked
)

// String returns the wire form used by both the SQL schema and the cache.
func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusRotated:
		return "rotated"
	case StatusRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// ParseStatus converts the wire form back into a Status.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "active":
		return StatusActive, nil
	case "rotated":
		return StatusRotated, nil
	case "revoked":
		return StatusRevoked, nil
	default:
		return 0, fmt.Errorf("unknown ledger status %q", s)
	}
}

var (
	// ErrNotFound is returned when no entry exists for a token or family.
	ErrNotFound = errors.New("ledger entry not found")
	// ErrAlreadyRotated is returned when Rotate targets an entry that a
	// concurrent or earlier rotation already consumed.
	ErrAlreadyRotated = errors.New("ledger entry already rotated")
	// ErrAlreadyRevoked is returned when Rotate targets a revoked entry.
	ErrAlreadyRevoked = errors.New("ledger entry already revoked")
	// ErrConflict is returned when a write collides with concurrent
	// state, such as a second active entry for the same family.
	ErrConflict = errors.New("ledger write conflict")
	// ErrUnavailable wraps I/O failures of the backing store.
	ErrUnavailable = errors.New("ledger unavailable")
)

// Entry is one refresh token's durable record.
type Entry struct {
	TokenID   string
	FamilyID  string
	Subject   string
	Status    Status
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Store is the durable ledger contract. All mutating operations are
// atomic per call; Rotate in particular must be a single transaction so
// that concurrent rotations of one token ID yield exactly one winner.
type Store interface {
	// Record inserts a new entry. Creating a second active entry for a
	// family outside of rotation fails with ErrConflict.
	Record(ctx context.Context, entry Entry) error

	// Rotate atomically marks oldTokenID rotated and inserts next as the
	// family's new active entry. Fails with ErrNotFound, ErrAlreadyRotated,
	// or ErrAlreadyRevoked depending on the state it observes. An expired
	// active entry rotates as if absent (ErrNotFound).
	Rotate(ctx context.Context, oldTokenID string, next Entry) error

	// Revoke marks an entry revoked. Revoking an already-revoked entry
	// succeeds silently; an unknown token fails with ErrNotFound.
	Revoke(ctx context.Context, tokenID string) error

	// RevokeFamily revokes every non-revoked entry of a family and
	// returns how many entries changed state. An unknown family fails
	// with ErrNotFound.
	RevokeFamily(ctx context.Context, familyID string) (int, error)

	// Status reports the recorded state of a token.
	Status(ctx context.Context, tokenID string) (Status, error)

	// Lookup returns the full entry for a token, for callers that need
	// more than the bare status (family membership, remaining lifetime).
	Lookup(ctx context.Context, tokenID string) (Entry, error)

	// FamilyActive reports whether the family still has an unexpired
	// active entry, along with the latest expiry across the family's
	// entries. An unknown family fails with ErrNotFound.
	FamilyActive(ctx context.Context, familyID string) (bool, time.Time, error)

	// PurgeExpired deletes entries whose expiry is at or before now and
	// returns the number removed. Lazy garbage collection only; callers
	// never depend on expired entries being present.
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}
