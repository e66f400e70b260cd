package knowbase

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore("mem")

	u := NewUnit(KindKnowledge, "capitals", "Paris is the capital of France")
	u.Tags = []string{"[topic:geography]"}
	u.Metadata = map[string]any{"source": "atlas"}

	if err := s.Upsert(ctx, u); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	got, err := s.Get(ctx, u.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Name != u.Name || got.Content != u.Content {
		t.Errorf("Get() = %+v, want name/content of %+v", got, u)
	}
	if !got.HasTag("topic", "geography") {
		t.Errorf("tags lost on round trip: %v", got.Tags)
	}
	if !got.HasTag("kind", string(KindKnowledge)) {
		t.Errorf("kind tag not injected on write: %v", got.Tags)
	}
	if got.Metadata["source"] != "atlas" {
		t.Errorf("metadata lost on round trip: %v", got.Metadata)
	}
}

func TestMemoryStoreGetMissing(t *testing.T) {
	s := NewMemoryStore("mem")
	_, err := s.Get(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreUpsertReplacesWholeRecord(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore("mem")

	u := NewUnit(KindKnowledge, "v1", "first")
	u.Resources = map[string]string{"url": "https://example.com"}
	if err := s.Upsert(ctx, u); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	v2 := NewUnit(KindKnowledge, "v2", "second")
	v2.ID = u.ID
	if err := s.Upsert(ctx, v2); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	got, err := s.Get(ctx, u.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Name != "v2" || got.Content != "second" {
		t.Errorf("upsert did not replace: %+v", got)
	}
	if got.Resources != nil {
		t.Errorf("upsert merged instead of replaced, resources = %v", got.Resources)
	}
}

func TestMemoryStoreInsertSkipsExisting(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore("mem")

	u := NewUnit(KindKnowledge, "original", "keep me")
	if err := s.Insert(ctx, u); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	dup := NewUnit(KindKnowledge, "impostor", "discard me")
	dup.ID = u.ID
	if err := s.Insert(ctx, dup); err != nil {
		t.Fatalf("second Insert() error = %v", err)
	}

	got, _ := s.Get(ctx, u.ID)
	if got.Name != "original" {
		t.Errorf("insert overwrote existing record: %+v", got)
	}
}

func TestMemoryStoreRemoveIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore("mem")

	u := NewUnit(KindKnowledge, "gone", "soon")
	if err := s.Upsert(ctx, u); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove(ctx, u.ID); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if err := s.Remove(ctx, u.ID); err != nil {
		t.Fatalf("second Remove() error = %v", err)
	}
	if err := s.Remove(ctx, "never-existed"); err != nil {
		t.Fatalf("Remove() of absent id error = %v", err)
	}
}

func TestMemoryStoreCountExcludesPlaceholders(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore("mem")

	if err := s.Upsert(ctx, Placeholder()); err != nil {
		t.Fatal(err)
	}
	if err := s.Upsert(ctx, NewUnit(KindKnowledge, "real", "unit")); err != nil {
		t.Fatal(err)
	}

	n, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Count() = %d, want 1 (placeholder excluded)", n)
	}

	all, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 2 {
		t.Errorf("List() = %d units, want 2 (placeholder included)", len(all))
	}
}

func TestMemoryStoreBatchProgress(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore("mem")

	units := make([]Unit, 5)
	for i := range units {
		units[i] = NewUnit(KindKnowledge, "n", "c")
	}

	var p CountProgress
	if err := s.BatchUpsert(ctx, units, &p); err != nil {
		t.Fatalf("BatchUpsert() error = %v", err)
	}
	if p.Done() != len(units) {
		t.Errorf("progress done = %d, want %d", p.Done(), len(units))
	}
	if p.Total() != len(units) {
		t.Errorf("progress total = %d, want %d", p.Total(), len(units))
	}
	if !p.Closed() {
		t.Error("progress not closed after batch")
	}
}

func TestMemoryStoreBatchGetOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore("mem")

	a := NewUnit(KindKnowledge, "a", "1")
	b := NewUnit(KindKnowledge, "b", "2")
	for _, u := range []Unit{a, b} {
		if err := s.Upsert(ctx, u); err != nil {
			t.Fatal(err)
		}
	}

	units, present, err := s.BatchGet(ctx, []string{b.ID, "missing", a.ID}, nil)
	if err != nil {
		t.Fatalf("BatchGet() error = %v", err)
	}
	if len(units) != 3 || len(present) != 3 {
		t.Fatalf("BatchGet() lengths = %d/%d, want 3/3", len(units), len(present))
	}
	if !present[0] || present[1] || !present[2] {
		t.Errorf("present = %v, want [true false true]", present)
	}
	if units[0].Name != "b" || units[2].Name != "a" {
		t.Errorf("BatchGet() out of request order: %q, %q", units[0].Name, units[2].Name)
	}
}

func TestMemoryStoreClear(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore("mem")

	if err := s.Upsert(ctx, NewUnit(KindKnowledge, "a", "1")); err != nil {
		t.Fatal(err)
	}
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	n, _ := s.Count(ctx)
	if n != 0 {
		t.Errorf("Count() after Clear = %d, want 0", n)
	}
}

func TestMemoryStoreIsolation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore("mem")

	u := NewUnit(KindKnowledge, "iso", "c")
	u.Metadata = map[string]any{"k": "v"}
	if err := s.Upsert(ctx, u); err != nil {
		t.Fatal(err)
	}

	got, _ := s.Get(ctx, u.ID)
	got.Metadata["k"] = "mutated"

	again, _ := s.Get(ctx, u.ID)
	if again.Metadata["k"] != "v" {
		t.Error("store returned aliased metadata map")
	}
}
