package knowbase

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is the map-backed reference Store. It offers no persistence
// guarantee and exists for tests and small ephemeral datasets.
//
// MemoryStore is safe for concurrent use.
type MemoryStore struct {
	name string

	mu    sync.RWMutex
	units map[string]Unit
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(name string) *MemoryStore {
	return &MemoryStore{
		name:  name,
		units: make(map[string]Unit),
	}
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, id string) (Unit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.units[id]
	if !ok {
		return Unit{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return u.Clone(), nil
}

// Upsert implements Store. The stored record is fully replaced.
func (m *MemoryStore) Upsert(_ context.Context, u Unit) error {
	u, err := PrepareUnit(u)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.units[u.ID] = u.Clone()
	return nil
}

// Insert implements Store. An existing id is left unchanged.
func (m *MemoryStore) Insert(_ context.Context, u Unit) error {
	u, err := PrepareUnit(u)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.units[u.ID]; ok {
		return nil
	}
	m.units[u.ID] = u.Clone()
	return nil
}

// Remove implements Store. Removing an absent id is not an error.
func (m *MemoryStore) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.units, id)
	return nil
}

// BatchGet implements Store.
func (m *MemoryStore) BatchGet(ctx context.Context, ids []string, p Progress) ([]Unit, []bool, error) {
	return BatchGetFallback(ctx, m, ids, p)
}

// BatchUpsert implements Store.
func (m *MemoryStore) BatchUpsert(ctx context.Context, units []Unit, p Progress) error {
	return BatchUpsertFallback(ctx, m, units, p)
}

// BatchInsert implements Store.
func (m *MemoryStore) BatchInsert(ctx context.Context, units []Unit, p Progress) error {
	return BatchInsertFallback(ctx, m, units, p)
}

// BatchRemove implements Store.
func (m *MemoryStore) BatchRemove(ctx context.Context, ids []string, p Progress) error {
	return BatchRemoveFallback(ctx, m, ids, p)
}

// List implements Store. The returned slice includes placeholders; engines
// are responsible for skipping them.
func (m *MemoryStore) List(_ context.Context) ([]Unit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Unit, 0, len(m.units))
	for _, u := range m.units {
		out = append(out, u.Clone())
	}
	return out, nil
}

// Count implements Store, excluding placeholder units.
func (m *MemoryStore) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, u := range m.units {
		if !u.IsPlaceholder() {
			n++
		}
	}
	return n, nil
}

// Clear implements Store. An in-memory store needs no schema bootstrap, so
// everything is dropped, placeholders included.
func (m *MemoryStore) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.units = make(map[string]Unit)
	return nil
}

// Name implements Store.
func (m *MemoryStore) Name() string { return m.name }

// Close implements Store. No resources are held.
func (*MemoryStore) Close() error { return nil }
