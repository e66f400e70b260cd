package scan

import (
	"context"
	"testing"

	"github.com/knowbase/knowbase"
	"github.com/knowbase/knowbase/internal/log"
)

func newEngine(t *testing.T, units ...knowbase.Unit) *Engine {
	t.Helper()
	ctx := context.Background()
	store := knowbase.NewMemoryStore("mem")
	for _, u := range units {
		if err := store.Upsert(ctx, u); err != nil {
			t.Fatal(err)
		}
	}
	return NewEngine("scan", store, log.NewNop())
}

func TestScanFilters(t *testing.T) {
	ctx := context.Background()

	u1 := knowbase.NewUnit(knowbase.KindKnowledge, "capitals", "Paris is the capital of France")
	u1.Tags = []string{"[topic:geography]"}
	u2 := knowbase.NewUnit(knowbase.KindKnowledge, "arithmetic", "two plus two")
	u2.Tags = []string{"[topic:math]"}

	e := newEngine(t, u1, u2)

	results, err := e.Search(ctx, knowbase.Query{Filters: []string{"[topic:geography]"}})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) != 1 || results[0].Unit.ID != u1.ID {
		t.Fatalf("Search() = %+v, want just %q", results, u1.ID)
	}
	if _, ok := results[0].Unit.Metadata[knowbase.MetaSearch]; !ok {
		t.Error("result missing search provenance")
	}
}

func TestScanTextRanking(t *testing.T) {
	ctx := context.Background()

	both := knowbase.NewUnit(knowbase.KindKnowledge, "capital cities", "capital facts")
	nameOnly := knowbase.NewUnit(knowbase.KindKnowledge, "capital list", "city names")
	contentOnly := knowbase.NewUnit(knowbase.KindKnowledge, "geography", "the capital of France")
	miss := knowbase.NewUnit(knowbase.KindKnowledge, "math", "two plus two")

	e := newEngine(t, both, nameOnly, contentOnly, miss)

	results, err := e.Search(ctx, knowbase.Query{Text: "capital"})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Fatalf("Search() returned %d results, want 3", len(results))
	}
	if results[0].Unit.ID != both.ID {
		t.Errorf("top hit = %q, want name+content match %q", results[0].Unit.ID, both.ID)
	}
	for _, r := range results {
		if r.Unit.ID == miss.ID {
			t.Error("non-matching unit returned")
		}
	}

	// matching is case-insensitive
	results, err = e.Search(ctx, knowbase.Query{Text: "CAPITAL"})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Errorf("case-insensitive search returned %d results, want 3", len(results))
	}
}

func TestScanPlaceholderExcluded(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, knowbase.Placeholder(), knowbase.NewUnit(knowbase.KindKnowledge, "real", "unit"))

	results, err := e.Search(ctx, knowbase.Query{})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("Search() returned %d results, want 1", len(results))
	}
	if results[0].Unit.ID == knowbase.PlaceholderID {
		t.Error("placeholder returned from search")
	}
}

func TestScanTopKAndOrder(t *testing.T) {
	ctx := context.Background()

	var units []knowbase.Unit
	for i := range 8 {
		u := knowbase.NewUnit(knowbase.KindKnowledge, "unit", "shared text")
		u.Priority = i
		units = append(units, u)
	}
	e := newEngine(t, units...)

	results, err := e.Search(ctx, knowbase.Query{
		Text:    "shared",
		TopK:    3,
		OrderBy: []knowbase.Order{{Field: knowbase.FieldPriority, Desc: true}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Fatalf("TopK=3 returned %d results", len(results))
	}
	for i := 1; i < len(results); i++ {
		if results[i-1].Unit.Priority < results[i].Unit.Priority {
			t.Errorf("results not ordered by priority desc: %+v", results)
		}
	}
}

func TestScanSyncNoOp(t *testing.T) {
	e := newEngine(t)
	var p knowbase.CountProgress
	if err := e.Sync(context.Background(), &p); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if !p.Closed() {
		t.Error("Sync did not close progress")
	}
	if p.Done() != 0 {
		t.Errorf("no-op sync reported %d items", p.Done())
	}
}
