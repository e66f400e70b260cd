package knowbase

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/knowbase/knowbase/internal/log"
)

// fakeEngine records sync calls and serves canned results. A non-zero
// syncTicks makes Sync report that many items to its progress sink.
type fakeEngine struct {
	name      string
	syncCalls int
	syncTicks int
	results   []Result
	searchErr error
	syncErr   error
}

func (f *fakeEngine) Search(context.Context, Query) ([]Result, error) {
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.results, nil
}

func (f *fakeEngine) Sync(_ context.Context, p Progress) error {
	f.syncCalls++
	if f.syncTicks > 0 {
		p = ProgressOrNop(p)
		p.SetTotal(f.syncTicks)
		p.Update(f.syncTicks)
	}
	return f.syncErr
}

func (f *fakeEngine) Name() string { return f.name }

// failStore wraps a MemoryStore and fails all writes.
type failStore struct {
	*MemoryStore
}

func (f *failStore) Upsert(context.Context, Unit) error {
	return fmt.Errorf("%w: disk on fire", ErrBackendUnavailable)
}

func (f *failStore) BatchUpsert(ctx context.Context, units []Unit, p Progress) error {
	return BatchUpsertFallback(ctx, f, units, p)
}

func newTestKB(t *testing.T) (*KnowledgeBase, *MemoryStore, *MemoryStore, *fakeEngine, *fakeEngine) {
	t.Helper()
	kb := New("test", log.NewNop())
	sa := NewMemoryStore("a")
	sb := NewMemoryStore("b")
	ea := &fakeEngine{name: "ea"}
	eb := &fakeEngine{name: "eb"}
	if err := kb.AddStorage("a", sa); err != nil {
		t.Fatal(err)
	}
	if err := kb.AddStorage("b", sb); err != nil {
		t.Fatal(err)
	}
	if err := kb.AddEngine("ea", ea); err != nil {
		t.Fatal(err)
	}
	if err := kb.AddEngine("eb", eb); err != nil {
		t.Fatal(err)
	}
	return kb, sa, sb, ea, eb
}

func TestAddStorageDuplicate(t *testing.T) {
	kb := New("dup", log.NewNop())
	if err := kb.AddStorage("s", NewMemoryStore("s")); err != nil {
		t.Fatal(err)
	}
	err := kb.AddStorage("s", NewMemoryStore("s"))
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("duplicate AddStorage error = %v, want ErrValidation", err)
	}

	if err := kb.AddEngine("e", &fakeEngine{name: "e"}); err != nil {
		t.Fatal(err)
	}
	err = kb.AddEngine("e", &fakeEngine{name: "e"})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("duplicate AddEngine error = %v, want ErrValidation", err)
	}
}

func TestDispatchDefaults(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name        string
		opts        []SelectOption
		wantStores  []string // stores that should hold the unit after Upsert
		wantSynced  []string // engines whose Sync should have run
	}{
		{
			name:       "both unspecified targets everything",
			opts:       nil,
			wantStores: []string{"a", "b"},
			wantSynced: []string{"ea", "eb"},
		},
		{
			name:       "storages only defaults engines to none",
			opts:       []SelectOption{WithStorages("a")},
			wantStores: []string{"a"},
			wantSynced: nil,
		},
		{
			name:       "engines only defaults storages to none",
			opts:       []SelectOption{WithEngines("eb")},
			wantStores: nil,
			wantSynced: []string{"eb"},
		},
		{
			name:       "both explicit",
			opts:       []SelectOption{WithStorages("b"), WithEngines("ea")},
			wantStores: []string{"b"},
			wantSynced: []string{"ea"},
		},
		{
			name:       "explicit empty both targets nothing",
			opts:       []SelectOption{WithStorages(), WithEngines()},
			wantStores: nil,
			wantSynced: nil,
		},
		{
			name:       "unknown storage name ignored",
			opts:       []SelectOption{WithStorages("a", "ghost")},
			wantStores: []string{"a"},
			wantSynced: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kb, sa, sb, ea, eb := newTestKB(t)
			u := NewUnit(KindKnowledge, "dispatch", "c")

			if err := kb.Upsert(ctx, u, tt.opts...); err != nil {
				t.Fatalf("Upsert() error = %v", err)
			}

			holds := map[string]*MemoryStore{"a": sa, "b": sb}
			for name, s := range holds {
				_, err := s.Get(ctx, u.ID)
				want := false
				for _, w := range tt.wantStores {
					if w == name {
						want = true
					}
				}
				if want && err != nil {
					t.Errorf("store %q should hold unit, Get error = %v", name, err)
				}
				if !want && !errors.Is(err, ErrNotFound) {
					t.Errorf("store %q should not hold unit", name)
				}
			}

			synced := map[string]int{"ea": ea.syncCalls, "eb": eb.syncCalls}
			for name, calls := range synced {
				want := false
				for _, w := range tt.wantSynced {
					if w == name {
						want = true
					}
				}
				if want && calls == 0 {
					t.Errorf("engine %q should have synced", name)
				}
				if !want && calls != 0 {
					t.Errorf("engine %q synced %d times, want 0", name, calls)
				}
			}
		})
	}
}

func TestGetFirstHitAcrossStores(t *testing.T) {
	ctx := context.Background()
	kb, sa, sb, _, _ := newTestKB(t)

	u := NewUnit(KindKnowledge, "only-in-b", "c")
	if err := sb.Upsert(ctx, u); err != nil {
		t.Fatal(err)
	}

	got, err := kb.Get(ctx, u.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Name != "only-in-b" {
		t.Errorf("Get() = %+v", got)
	}

	// registration order wins when both hold the id
	shadow := NewUnit(KindKnowledge, "in-a", "c")
	shadow.ID = u.ID
	if err := sa.Upsert(ctx, shadow); err != nil {
		t.Fatal(err)
	}
	got, err = kb.Get(ctx, u.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "in-a" {
		t.Errorf("Get() = %q, want first-registered store's copy", got.Name)
	}

	if _, err := kb.Get(ctx, "absent"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() of absent id error = %v, want ErrNotFound", err)
	}
}

func TestBatchUpsertFanOutProgressAndSync(t *testing.T) {
	ctx := context.Background()
	kb, sa, sb, ea, eb := newTestKB(t)

	units := make([]Unit, 3)
	for i := range units {
		units[i] = NewUnit(KindKnowledge, "n", "c")
	}

	var p CountProgress
	sum, err := kb.BatchUpsert(ctx, units, &p)
	if err != nil {
		t.Fatalf("BatchUpsert() error = %v", err)
	}

	// total is items times stores
	if p.Total() != len(units)*2 {
		t.Errorf("progress total = %d, want %d", p.Total(), len(units)*2)
	}
	if p.Done() != len(units)*2 {
		t.Errorf("progress done = %d, want %d", p.Done(), len(units)*2)
	}
	if !p.Closed() {
		t.Error("progress not closed")
	}
	if sum.Processed != len(units)*2 {
		t.Errorf("summary processed = %d, want %d", sum.Processed, len(units)*2)
	}

	for _, s := range []*MemoryStore{sa, sb} {
		n, _ := s.Count(ctx)
		if n != len(units) {
			t.Errorf("store %q count = %d, want %d", s.Name(), n, len(units))
		}
	}
	if ea.syncCalls != 1 || eb.syncCalls != 1 {
		t.Errorf("engine syncs = %d/%d, want 1/1", ea.syncCalls, eb.syncCalls)
	}
}

func TestBatchUpsertProgressExcludesSyncTicks(t *testing.T) {
	ctx := context.Background()
	kb := New("ticks", log.NewNop())
	if err := kb.AddStorage("a", NewMemoryStore("a")); err != nil {
		t.Fatal(err)
	}
	eng := &fakeEngine{name: "e", syncTicks: 3}
	if err := kb.AddEngine("e", eng); err != nil {
		t.Fatal(err)
	}

	units := make([]Unit, 3)
	for i := range units {
		units[i] = NewUnit(KindKnowledge, "n", "c")
	}

	var p CountProgress
	sum, err := kb.BatchUpsert(ctx, units, &p)
	if err != nil {
		t.Fatalf("BatchUpsert() error = %v", err)
	}
	if eng.syncCalls != 1 {
		t.Fatalf("engine syncs = %d, want 1", eng.syncCalls)
	}

	// sync reported 3 items of its own; none of them belong in the batch
	// sink, whose total counts store items only
	if p.Total() != len(units) {
		t.Errorf("progress total = %d, want %d", p.Total(), len(units))
	}
	if p.Done() != len(units) {
		t.Errorf("progress done = %d, want %d (sync ticks leaked into batch sink)", p.Done(), len(units))
	}
	if sum.Processed != len(units) {
		t.Errorf("summary processed = %d, want %d", sum.Processed, len(units))
	}
}

func TestBatchUpsertPartialFailure(t *testing.T) {
	ctx := context.Background()
	kb := New("partial", nil)
	good := NewMemoryStore("good")
	bad := &failStore{MemoryStore: NewMemoryStore("bad")}
	if err := kb.AddStorage("good", good); err != nil {
		t.Fatal(err)
	}
	if err := kb.AddStorage("bad", bad); err != nil {
		t.Fatal(err)
	}

	units := []Unit{NewUnit(KindKnowledge, "n", "c"), NewUnit(KindKnowledge, "n2", "c2")}

	sum, err := kb.BatchUpsert(ctx, units, nil)
	if err == nil {
		t.Fatal("BatchUpsert() expected error")
	}

	var pe *PartialError
	if !errors.As(err, &pe) {
		t.Fatalf("error type = %T, want *PartialError", err)
	}
	if pe.Failed != "bad" {
		t.Errorf("PartialError.Failed = %q, want bad", pe.Failed)
	}
	if len(pe.Succeeded) != 1 || pe.Succeeded[0] != "good" {
		t.Errorf("PartialError.Succeeded = %v, want [good]", pe.Succeeded)
	}
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Errorf("PartialError does not unwrap to cause: %v", err)
	}

	// the summary still accounts for what completed
	if sum.Processed != len(units) {
		t.Errorf("summary processed = %d, want %d (good store's share)", sum.Processed, len(units))
	}
	if sum.Failed != len(units) {
		t.Errorf("summary failed = %d, want %d", sum.Failed, len(units))
	}
}

func TestSearchDefaultEngine(t *testing.T) {
	ctx := context.Background()
	kb, _, _, ea, _ := newTestKB(t)

	// no default, none named
	if _, err := kb.Search(ctx, Query{Text: "x"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("Search() with no default error = %v, want ErrValidation", err)
	}

	u := NewUnit(KindKnowledge, "hit", "c")
	ea.results = []Result{{Unit: u, Score: 0.5, Engine: "ea"}}
	if err := kb.SetDefaultEngine("ea"); err != nil {
		t.Fatal(err)
	}

	results, err := kb.Search(ctx, Query{Text: "x"})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) != 1 || results[0].Engine != "ea" {
		t.Errorf("Search() = %+v", results)
	}

	if err := kb.SetDefaultEngine("ghost"); !errors.Is(err, ErrValidation) {
		t.Errorf("SetDefaultEngine(ghost) error = %v, want ErrValidation", err)
	}
}

func TestSearchMultiEngineMerge(t *testing.T) {
	ctx := context.Background()
	kb, _, _, ea, eb := newTestKB(t)

	mk := func(name string, score float64, engine string) Result {
		return Result{Unit: NewUnit(KindKnowledge, name, ""), Score: score, Engine: engine}
	}
	ea.results = []Result{mk("a1", 0.9, "ea"), mk("a2", 0.5, "ea")}
	eb.results = []Result{mk("b1", 0.7, "eb"), mk("b2", 0.5, "eb")}

	results, err := kb.Search(ctx, Query{Text: "x", TopK: 3}, "ea", "eb")
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("Search() returned %d results, want 3", len(results))
	}
	// score descending; tie at 0.5 keeps ea before eb (stable by order named)
	want := []string{"a1", "b1", "a2"}
	for i, w := range want {
		if results[i].Unit.Name != w {
			t.Errorf("result[%d] = %q, want %q", i, results[i].Unit.Name, w)
		}
	}
}

func TestSearchUnknownEngine(t *testing.T) {
	kb, _, _, _, _ := newTestKB(t)
	_, err := kb.Search(context.Background(), Query{}, "ghost")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("Search(ghost) error = %v, want ErrValidation", err)
	}
}

func TestSyncAllEnginesInOrder(t *testing.T) {
	ctx := context.Background()
	kb, _, _, ea, eb := newTestKB(t)

	if err := kb.Sync(ctx, nil); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if ea.syncCalls != 1 || eb.syncCalls != 1 {
		t.Errorf("sync calls = %d/%d, want 1/1", ea.syncCalls, eb.syncCalls)
	}

	eb.syncErr = errors.New("index corrupt")
	err := kb.Sync(ctx, nil)
	var pe *PartialError
	if !errors.As(err, &pe) {
		t.Fatalf("Sync() error type = %T, want *PartialError", err)
	}
	if pe.Failed != "eb" || len(pe.Succeeded) != 1 || pe.Succeeded[0] != "ea" {
		t.Errorf("PartialError = %+v", pe)
	}
}

func TestCountSumsStores(t *testing.T) {
	ctx := context.Background()
	kb, sa, sb, _, _ := newTestKB(t)

	if err := sa.Upsert(ctx, NewUnit(KindKnowledge, "1", "")); err != nil {
		t.Fatal(err)
	}
	if err := sb.Upsert(ctx, NewUnit(KindKnowledge, "2", "")); err != nil {
		t.Fatal(err)
	}
	if err := sb.Upsert(ctx, Placeholder()); err != nil {
		t.Fatal(err)
	}

	n, err := kb.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != 2 {
		t.Errorf("Count() = %d, want 2", n)
	}

	n, err = kb.Count(ctx, WithStorages("b"))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("Count(b) = %d, want 1", n)
	}
}

func TestClearSyncsEngines(t *testing.T) {
	ctx := context.Background()
	kb, sa, _, ea, _ := newTestKB(t)

	if err := sa.Upsert(ctx, NewUnit(KindKnowledge, "x", "")); err != nil {
		t.Fatal(err)
	}
	if err := kb.Clear(ctx); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	n, _ := sa.Count(ctx)
	if n != 0 {
		t.Errorf("store count after Clear = %d, want 0", n)
	}
	if ea.syncCalls == 0 {
		t.Error("Clear did not sync engines")
	}
}

func TestRemoveFanOut(t *testing.T) {
	ctx := context.Background()
	kb, sa, sb, _, _ := newTestKB(t)

	u := NewUnit(KindKnowledge, "everywhere", "c")
	if err := kb.Upsert(ctx, u, WithStorages("a", "b")); err != nil {
		t.Fatal(err)
	}
	if err := kb.Remove(ctx, u.ID); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	for _, s := range []*MemoryStore{sa, sb} {
		if _, err := s.Get(ctx, u.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("store %q still holds removed unit", s.Name())
		}
	}
}
