package knowbase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// KnowledgeBase aggregates Stores and Engines under one CRUD/search surface
// and coordinates cross-component consistency: mutations fan out to selected
// Stores, then selected Engines are synced so indexes do not silently drift
// from the store of record.
//
// KnowledgeBase is safe for concurrent use; registration (AddStorage,
// AddEngine, SetDefaultEngine) is expected at construction time.
type KnowledgeBase struct {
	name   string
	logger *slog.Logger

	mu            sync.RWMutex
	storeOrder    []string
	stores        map[string]Store
	engineOrder   []string
	engines       map[string]Engine
	defaultEngine string
}

// New creates an empty KnowledgeBase. A nil logger falls back to
// slog.Default().
func New(name string, logger *slog.Logger) *KnowledgeBase {
	if logger == nil {
		logger = slog.Default()
	}
	return &KnowledgeBase{
		name:    name,
		logger:  logger,
		stores:  make(map[string]Store),
		engines: make(map[string]Engine),
	}
}

// Name returns the knowledge base name.
func (kb *KnowledgeBase) Name() string { return kb.name }

// AddStorage registers a store under a unique name. Registration order is
// the fan-out order for all operations.
func (kb *KnowledgeBase) AddStorage(name string, s Store) error {
	kb.mu.Lock()
	defer kb.mu.Unlock()

	if _, ok := kb.stores[name]; ok {
		return fmt.Errorf("%w: storage %q already registered", ErrValidation, name)
	}
	kb.stores[name] = s
	kb.storeOrder = append(kb.storeOrder, name)
	return nil
}

// AddEngine registers an engine under a unique name.
func (kb *KnowledgeBase) AddEngine(name string, e Engine) error {
	kb.mu.Lock()
	defer kb.mu.Unlock()

	if _, ok := kb.engines[name]; ok {
		return fmt.Errorf("%w: engine %q already registered", ErrValidation, name)
	}
	kb.engines[name] = e
	kb.engineOrder = append(kb.engineOrder, name)
	return nil
}

// SetDefaultEngine names the engine Search uses when the caller names none.
func (kb *KnowledgeBase) SetDefaultEngine(name string) error {
	kb.mu.Lock()
	defer kb.mu.Unlock()

	if _, ok := kb.engines[name]; !ok {
		return fmt.Errorf("%w: unknown engine %q", ErrValidation, name)
	}
	kb.defaultEngine = name
	return nil
}

// Storage returns a registered store by name, or nil.
func (kb *KnowledgeBase) Storage(name string) Store {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return kb.stores[name]
}

// Engine returns a registered engine by name, or nil.
func (kb *KnowledgeBase) Engine(name string) Engine {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return kb.engines[name]
}

// SelectOption narrows which stores/engines an operation targets.
type SelectOption func(*selector)

type selector struct {
	storages    []string
	storagesSet bool
	engines     []string
	enginesSet  bool
}

// WithStorages targets the named stores. Calling it with no names targets no
// store at all; not calling it leaves the store side unspecified.
func WithStorages(names ...string) SelectOption {
	return func(s *selector) {
		s.storages = names
		s.storagesSet = true
	}
}

// WithEngines targets the named engines. Calling it with no names targets no
// engine at all; not calling it leaves the engine side unspecified.
func WithEngines(names ...string) SelectOption {
	return func(s *selector) {
		s.engines = names
		s.enginesSet = true
	}
}

// resolve applies the dispatch rule: both sides unspecified means all of
// both; one side specified non-empty defaults the other to empty, so a call
// naming only stores never accidentally touches an engine (and vice versa).
func (kb *KnowledgeBase) resolve(opts []SelectOption) (storeNames, engineNames []string) {
	var sel selector
	for _, opt := range opts {
		opt(&sel)
	}

	kb.mu.RLock()
	defer kb.mu.RUnlock()

	storeNames = kb.resolveSide(sel.storages, sel.storagesSet, sel.engines, sel.enginesSet, kb.storeOrder, kb.stores)
	engineNames = kb.resolveSideEngines(sel.engines, sel.enginesSet, sel.storages, sel.storagesSet)
	return storeNames, engineNames
}

func (kb *KnowledgeBase) resolveSide(own []string, ownSet bool, other []string, otherSet bool, order []string, reg map[string]Store) []string {
	if ownSet {
		return kb.known(own, func(n string) bool { _, ok := reg[n]; return ok })
	}
	if otherSet && len(other) > 0 {
		return nil
	}
	return append([]string(nil), order...)
}

func (kb *KnowledgeBase) resolveSideEngines(own []string, ownSet bool, other []string, otherSet bool) []string {
	if ownSet {
		return kb.known(own, func(n string) bool { _, ok := kb.engines[n]; return ok })
	}
	if otherSet && len(other) > 0 {
		return nil
	}
	return append([]string(nil), kb.engineOrder...)
}

// known filters requested names down to registered ones; unknown names are
// ignored rather than failing the whole fan-out.
func (kb *KnowledgeBase) known(names []string, ok func(string) bool) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if ok(n) {
			out = append(out, n)
		} else {
			kb.logger.Warn("ignoring unknown component in selector", "kb", kb.name, "component", n)
		}
	}
	return out
}

// Get returns the unit from the first selected store that holds it, in
// registration order.
func (kb *KnowledgeBase) Get(ctx context.Context, id string, opts ...SelectOption) (Unit, error) {
	storeNames, _ := kb.resolve(opts)
	for _, name := range storeNames {
		u, err := kb.Storage(name).Get(ctx, id)
		if err == nil {
			return u, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Unit{}, fmt.Errorf("storage %q: %w", name, err)
		}
	}
	return Unit{}, fmt.Errorf("%w: %q", ErrNotFound, id)
}

// Upsert writes the unit to every selected store, then syncs the selected
// engines.
func (kb *KnowledgeBase) Upsert(ctx context.Context, u Unit, opts ...SelectOption) error {
	_, err := kb.fanOut(ctx, "upsert", nil, opts, func(ctx context.Context, s Store, _ Progress) error {
		return s.Upsert(ctx, u)
	}, 1)
	return err
}

// Insert adds the unit to every selected store where its id is absent, then
// syncs the selected engines.
func (kb *KnowledgeBase) Insert(ctx context.Context, u Unit, opts ...SelectOption) error {
	_, err := kb.fanOut(ctx, "insert", nil, opts, func(ctx context.Context, s Store, _ Progress) error {
		return s.Insert(ctx, u)
	}, 1)
	return err
}

// Remove deletes the id from every selected store, then syncs the selected
// engines. Removing an absent id is not an error.
func (kb *KnowledgeBase) Remove(ctx context.Context, id string, opts ...SelectOption) error {
	_, err := kb.fanOut(ctx, "remove", nil, opts, func(ctx context.Context, s Store, _ Progress) error {
		return s.Remove(ctx, id)
	}, 1)
	return err
}

// Summary is the final accounting of a batch operation. It is reported even
// on partial failure, so callers always see processed vs failed counts
// rather than an all-or-nothing exception with no progress accounting.
type Summary struct {
	// Processed counts items that completed across all selected stores.
	Processed int

	// Failed counts items that did not complete because a component failed.
	Failed int

	// Succeeded lists components that completed their whole share.
	Succeeded []string
}

// BatchUpsert writes the batch to every selected store, then syncs the
// selected engines. The progress total is the sum of per-store item counts.
func (kb *KnowledgeBase) BatchUpsert(ctx context.Context, units []Unit, p Progress, opts ...SelectOption) (Summary, error) {
	return kb.fanOut(ctx, "batch_upsert", p, opts, func(ctx context.Context, s Store, fp Progress) error {
		return s.BatchUpsert(ctx, units, fp)
	}, len(units))
}

// BatchInsert adds the batch to every selected store, skipping existing ids,
// then syncs the selected engines.
func (kb *KnowledgeBase) BatchInsert(ctx context.Context, units []Unit, p Progress, opts ...SelectOption) (Summary, error) {
	return kb.fanOut(ctx, "batch_insert", p, opts, func(ctx context.Context, s Store, fp Progress) error {
		return s.BatchInsert(ctx, units, fp)
	}, len(units))
}

// BatchRemove deletes the ids from every selected store, then syncs the
// selected engines.
func (kb *KnowledgeBase) BatchRemove(ctx context.Context, ids []string, p Progress, opts ...SelectOption) (Summary, error) {
	return kb.fanOut(ctx, "batch_remove", p, opts, func(ctx context.Context, s Store, fp Progress) error {
		return s.BatchRemove(ctx, ids, fp)
	}, len(ids))
}

// fanOut runs op against every selected store in registration order, then
// syncs every selected engine. The first error aborts the fan-out and is
// returned as a PartialError naming the components that had completed.
// The declared progress total counts store items only; engine sync keeps its
// ticks out of the caller's sink.
func (kb *KnowledgeBase) fanOut(ctx context.Context, op string, p Progress, opts []SelectOption, call func(context.Context, Store, Progress) error, items int) (Summary, error) {
	storeNames, engineNames := kb.resolve(opts)

	p = ProgressOrNop(p)
	p.SetTotal(items * len(storeNames))
	defer p.Close()

	var counter CountProgress
	shared := teeProgress{a: p, b: &counter}

	summary := Summary{}
	for _, name := range storeNames {
		if err := call(ctx, kb.Storage(name), fanProgress{inner: shared}); err != nil {
			summary.Processed = counter.Done()
			summary.Failed = items*len(storeNames) - summary.Processed
			kb.logger.Error("fan-out failed", "kb", kb.name, "op", op, "storage", name,
				"processed", summary.Processed, "failed", summary.Failed, "error", err)
			return summary, &PartialError{Op: op, Err: err, Succeeded: summary.Succeeded, Failed: name}
		}
		summary.Succeeded = append(summary.Succeeded, name)
	}
	summary.Processed = counter.Done()

	for _, name := range engineNames {
		if err := kb.Engine(name).Sync(ctx, nil); err != nil {
			kb.logger.Error("engine sync after fan-out failed", "kb", kb.name, "op", op, "engine", name, "error", err)
			return summary, &PartialError{Op: op + " sync", Err: err, Succeeded: summary.Succeeded, Failed: name}
		}
		summary.Succeeded = append(summary.Succeeded, name)
	}

	kb.logger.Debug("fan-out complete", "kb", kb.name, "op", op,
		"storages", len(storeNames), "engines", len(engineNames), "processed", summary.Processed)
	return summary, nil
}

// Search routes the query to the named engines, or to the default engine
// when none are named. Naming no engine with no default configured is an
// error. Results from multiple engines merge into one list ranked by score
// descending, stable by engine registration order.
func (kb *KnowledgeBase) Search(ctx context.Context, q Query, engineNames ...string) ([]Result, error) {
	if len(engineNames) == 0 {
		kb.mu.RLock()
		def := kb.defaultEngine
		kb.mu.RUnlock()
		if def == "" {
			return nil, fmt.Errorf("%w: no engine named and no default engine configured", ErrValidation)
		}
		engineNames = []string{def}
	}

	var merged []Result
	for _, name := range engineNames {
		e := kb.Engine(name)
		if e == nil {
			return nil, fmt.Errorf("%w: unknown engine %q", ErrValidation, name)
		}
		results, err := e.Search(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("engine %q: %w", name, err)
		}
		merged = append(merged, results...)
	}

	if len(engineNames) > 1 {
		sort.SliceStable(merged, func(i, j int) bool { return merged[i].Score > merged[j].Score })
		if q.TopK > 0 && len(merged) > q.TopK {
			merged = merged[:q.TopK]
		}
	}
	return merged, nil
}

// Sync reconciles the named engines (or all, when none are named) against
// their stores in registration order, aggregating per-engine item counts
// into one progress total.
func (kb *KnowledgeBase) Sync(ctx context.Context, p Progress, engineNames ...string) error {
	if len(engineNames) == 0 {
		kb.mu.RLock()
		engineNames = append([]string(nil), kb.engineOrder...)
		kb.mu.RUnlock()
	}

	p = ProgressOrNop(p)
	defer p.Close()

	var done []string
	for _, name := range engineNames {
		e := kb.Engine(name)
		if e == nil {
			return fmt.Errorf("%w: unknown engine %q", ErrValidation, name)
		}
		if err := e.Sync(ctx, fanProgress{inner: p}); err != nil {
			return &PartialError{Op: "sync", Err: err, Succeeded: done, Failed: name}
		}
		done = append(done, name)
	}
	return nil
}

// Count sums unit counts over the selected stores. Placeholder units are
// excluded by each store.
func (kb *KnowledgeBase) Count(ctx context.Context, opts ...SelectOption) (int, error) {
	storeNames, _ := kb.resolve(opts)
	total := 0
	for _, name := range storeNames {
		n, err := kb.Storage(name).Count(ctx)
		if err != nil {
			return 0, fmt.Errorf("storage %q: %w", name, err)
		}
		total += n
	}
	return total, nil
}

// Clear empties the selected stores and syncs the selected engines so the
// indexes drop their derived entries too.
func (kb *KnowledgeBase) Clear(ctx context.Context, opts ...SelectOption) error {
	storeNames, engineNames := kb.resolve(opts)

	var done []string
	for _, name := range storeNames {
		if err := kb.Storage(name).Clear(ctx); err != nil {
			return &PartialError{Op: "clear", Err: err, Succeeded: done, Failed: name}
		}
		done = append(done, name)
	}
	for _, name := range engineNames {
		if err := kb.Engine(name).Sync(ctx, nil); err != nil {
			return &PartialError{Op: "clear sync", Err: err, Succeeded: done, Failed: name}
		}
		done = append(done, name)
	}
	return nil
}

// Close closes every registered store. Engines hold no owned backend
// resources beyond their store references.
func (kb *KnowledgeBase) Close() error {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	var firstErr error
	for _, name := range kb.storeOrder {
		if err := kb.stores[name].Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("storage %q: %w", name, err)
		}
	}
	return firstErr
}

// fanProgress forwards item ticks to a shared sink while suppressing the
// per-component SetTotal/Close calls; the fan-out owns the total and the
// lifecycle of the shared sink.
type fanProgress struct {
	inner Progress
}

func (f fanProgress) Update(n int) { f.inner.Update(n) }
func (fanProgress) SetTotal(int)   {}
func (fanProgress) Close()         {}

// teeProgress duplicates updates to two sinks.
type teeProgress struct {
	a, b Progress
}

func (t teeProgress) Update(n int)   { t.a.Update(n); t.b.Update(n) }
func (t teeProgress) SetTotal(n int) { t.a.SetTotal(n); t.b.SetTotal(n) }
func (t teeProgress) Close()         { t.a.Close(); t.b.Close() }
