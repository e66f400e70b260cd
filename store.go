package knowbase

import (
	"context"
	"errors"
	"fmt"
)

// Store provides durable CRUD for Units against exactly one backend
// technology. Implementations are safe for concurrent use; correctness under
// concurrency is governed by the backend's native controls (transactions,
// connection pools).
//
// Within one Store, Upsert followed by Get on the same id from the same
// caller observes the written value; there is no asynchronous write-behind.
type Store interface {
	// Get returns the unit with the given id, or ErrNotFound.
	Get(ctx context.Context, id string) (Unit, error)

	// Upsert inserts or replaces the full record by id. There is no partial
	// merge; replacing the whole record avoids hidden stale-field bugs.
	Upsert(ctx context.Context, u Unit) error

	// Insert adds the unit only when its id is absent. Inserting an
	// existing id is not an error and leaves the stored record unchanged.
	Insert(ctx context.Context, u Unit) error

	// Remove deletes by id. Removing an absent id is not an error.
	Remove(ctx context.Context, id string) error

	// BatchGet returns one entry per requested id, in request order. The
	// bool slice marks which ids were present.
	BatchGet(ctx context.Context, ids []string, p Progress) ([]Unit, []bool, error)

	// BatchUpsert, BatchInsert and BatchRemove are backend-efficient bulk
	// variants. A backend without a bulk primitive falls back to a loop but
	// still exposes the same signature and progress hook.
	BatchUpsert(ctx context.Context, units []Unit, p Progress) error
	BatchInsert(ctx context.Context, units []Unit, p Progress) error
	BatchRemove(ctx context.Context, ids []string, p Progress) error

	// List returns every stored unit, including placeholders. It is the
	// iteration source engines reconcile against during Sync.
	List(ctx context.Context) ([]Unit, error)

	// Count returns the number of stored units, excluding placeholders.
	Count(ctx context.Context) (int, error)

	// Clear removes all user-visible units. Schema-bootstrap placeholder
	// rows survive so the backend schema stays materialized.
	Clear(ctx context.Context) error

	// Name identifies the store within a KnowledgeBase.
	Name() string

	// Close releases backend resources owned by the store. Connections
	// managed by the caller are not closed.
	Close() error
}

// PrepareUnit applies the shared write-path policy: assign an id when
// absent, normalize tags, and validate invariants. Store implementations
// call it at the top of their single-unit write paths.
func PrepareUnit(u Unit) (Unit, error) {
	u.EnsureID()
	u = u.Normalize()
	if err := u.Validate(); err != nil {
		return Unit{}, err
	}
	return u, nil
}

// PrepareUnits normalizes and validates a batch before it reaches a backend.
// Store implementations call it at the top of their batch write paths.
func PrepareUnits(units []Unit) ([]Unit, error) {
	out := make([]Unit, len(units))
	for i, u := range units {
		p, err := PrepareUnit(u)
		if err != nil {
			return nil, fmt.Errorf("unit %d: %w", i, err)
		}
		out[i] = p
	}
	return out, nil
}

// BatchGetFallback implements BatchGet as a loop for backends without a bulk
// read primitive. Progress still ticks per item.
func BatchGetFallback(ctx context.Context, s Store, ids []string, p Progress) ([]Unit, []bool, error) {
	p = ProgressOrNop(p)
	p.SetTotal(len(ids))
	defer p.Close()

	units := make([]Unit, len(ids))
	present := make([]bool, len(ids))
	for i, id := range ids {
		u, err := s.Get(ctx, id)
		switch {
		case err == nil:
			units[i] = u
			present[i] = true
		case errors.Is(err, ErrNotFound):
			// absent slot stays zero
		default:
			return nil, nil, err
		}
		p.Update(1)
	}
	return units, present, nil
}

// BatchUpsertFallback implements BatchUpsert as a loop.
func BatchUpsertFallback(ctx context.Context, s Store, units []Unit, p Progress) error {
	p = ProgressOrNop(p)
	p.SetTotal(len(units))
	defer p.Close()

	for i, u := range units {
		if err := s.Upsert(ctx, u); err != nil {
			return fmt.Errorf("batch upsert item %d: %w", i, err)
		}
		p.Update(1)
	}
	return nil
}

// BatchInsertFallback implements BatchInsert as a loop.
func BatchInsertFallback(ctx context.Context, s Store, units []Unit, p Progress) error {
	p = ProgressOrNop(p)
	p.SetTotal(len(units))
	defer p.Close()

	for i, u := range units {
		if err := s.Insert(ctx, u); err != nil {
			return fmt.Errorf("batch insert item %d: %w", i, err)
		}
		p.Update(1)
	}
	return nil
}

// BatchRemoveFallback implements BatchRemove as a loop.
func BatchRemoveFallback(ctx context.Context, s Store, ids []string, p Progress) error {
	p = ProgressOrNop(p)
	p.SetTotal(len(ids))
	defer p.Close()

	for _, id := range ids {
		if err := s.Remove(ctx, id); err != nil {
			return fmt.Errorf("batch remove %q: %w", id, err)
		}
		p.Update(1)
	}
	return nil
}

// Chunk splits n items into chunks of at most size, calling fn with the
// half-open range of each chunk. Backends use it to amortize round trips
// while keeping item-granular progress.
func Chunk(n, size int, fn func(lo, hi int) error) error {
	if size <= 0 {
		size = 64
	}
	for lo := 0; lo < n; lo += size {
		hi := lo + size
		if hi > n {
			hi = n
		}
		if err := fn(lo, hi); err != nil {
			return err
		}
	}
	return nil
}
