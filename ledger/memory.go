package ledger

import (
	"context"
	"sync"
	"time"
)

// Memory is a mutex-guarded in-process Store. It backs tests and
// single-node embeddings; production deployments use Postgres.
type Memory struct {
	mu       sync.Mutex
	entries  map[string]*Entry
	families map[string][]string
}

// NewMemory returns an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{
		entries:  make(map[string]*Entry),
		families: make(map[string][]string),
	}
}

// Record implements Store.
func (m *Memory) Record(_ context.Context, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[entry.TokenID]; exists {
		return ErrConflict
	}
	if entry.Status == StatusActive {
		for _, id := range m.families[entry.FamilyID] {
			if m.entries[id].Status == StatusActive {
				return ErrConflict
			}
		}
	}

	e := entry
	m.entries[e.TokenID] = &e
	m.families[e.FamilyID] = append(m.families[e.FamilyID], e.TokenID)
	return nil
}

// Rotate implements Store. The whole transition happens under one lock
// acquisition, so concurrent rotations of the same token serialize.
func (m *Memory) Rotate(_ context.Context, oldTokenID string, next Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.entries[oldTokenID]
	if !ok {
		return ErrNotFound
	}
	switch old.Status {
	case StatusRotated:
		return ErrAlreadyRotated
	case StatusRevoked:
		return ErrAlreadyRevoked
	}
	if !old.ExpiresAt.After(time.Now()) {
		return ErrNotFound
	}
	if next.FamilyID != old.FamilyID {
		return ErrConflict
	}
	if _, exists := m.entries[next.TokenID]; exists {
		return ErrConflict
	}

	old.Status = StatusRotated
	e := next
	e.Status = StatusActive
	m.entries[e.TokenID] = &e
	m.families[e.FamilyID] = append(m.families[e.FamilyID], e.TokenID)
	return nil
}

// Revoke implements Store. Idempotent on already-revoked entries.
func (m *Memory) Revoke(_ context.Context, tokenID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[tokenID]
	if !ok {
		return ErrNotFound
	}
	entry.Status = StatusRevoked
	return nil
}

// RevokeFamily implements Store.
func (m *Memory) RevokeFamily(_ context.Context, familyID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids, ok := m.families[familyID]
	if !ok {
		return 0, ErrNotFound
	}

	changed := 0
	for _, id := range ids {
		if e := m.entries[id]; e.Status != StatusRevoked {
			e.Status = StatusRevoked
			changed++
		}
	}
	return changed, nil
}

// Status implements Store.
func (m *Memory) Status(_ context.Context, tokenID string) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[tokenID]
	if !ok {
		return 0, ErrNotFound
	}
	return entry.Status, nil
}

// Lookup implements Store.
func (m *Memory) Lookup(_ context.Context, tokenID string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[tokenID]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return *entry, nil
}

// FamilyActive implements Store.
func (m *Memory) FamilyActive(_ context.Context, familyID string) (bool, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids, ok := m.families[familyID]
	if !ok {
		return false, time.Time{}, ErrNotFound
	}

	now := time.Now()
	active := false
	var latest time.Time
	for _, id := range ids {
		e := m.entries[id]
		if e.ExpiresAt.After(latest) {
			latest = e.ExpiresAt
		}
		if e.Status == StatusActive && e.ExpiresAt.After(now) {
			active = true
		}
	}
	return active, latest, nil
}

// PurgeExpired implements Store.
func (m *Memory) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var purged int64
	for id, e := range m.entries {
		if !e.ExpiresAt.After(now) {
			delete(m.entries, id)
			purged++
		}
	}
	for fid, ids := range m.families {
		kept := ids[:0]
		for _, id := range ids {
			if _, ok := m.entries[id]; ok {
				kept = append(kept, id)
			}
		}
		if len(kept) == 0 {
			delete(m.families, fid)
			continue
		}
		m.families[fid] = kept
	}
	return purged, nil
}
