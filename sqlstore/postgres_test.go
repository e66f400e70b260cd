//go:build integration

package sqlstore

import (
	"context"
	"errors"
	"testing"

	"github.com/knowbase/knowbase"
	"github.com/knowbase/knowbase/internal/testutil"
)

func TestPostgresRoundTrip(t *testing.T) {
	ctx := context.Background()
	pg := testutil.StartPostgres(t)

	s, err := Open(ctx, Options{
		Name:    "pg-test",
		Dialect: DialectPostgres,
		DSN:     pg.ConnStr,
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	u := knowbase.NewUnit(knowbase.KindKnowledge, "capitals", "Paris is the capital of France")
	u.Tags = []string{"[topic:geography]"}
	u.Metadata = map[string]any{"source": "import"}

	if err := s.Upsert(ctx, u); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	got, err := s.Get(ctx, u.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Name != u.Name || !got.HasTag("topic", "geography") {
		t.Errorf("Get() = %+v", got)
	}

	if err := s.Remove(ctx, u.ID); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := s.Get(ctx, u.ID); !errors.Is(err, knowbase.ErrNotFound) {
		t.Errorf("Get() after Remove error = %v, want ErrNotFound", err)
	}
}

func TestPostgresBatchAndIntrospection(t *testing.T) {
	ctx := context.Background()
	pg := testutil.StartPostgres(t)

	s, err := Open(ctx, Options{Name: "pg-batch", Dialect: DialectPostgres, DSN: pg.ConnStr})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	units := make([]knowbase.Unit, 80)
	for i := range units {
		units[i] = knowbase.NewUnit(knowbase.KindKnowledge, "bulk", "c")
	}
	var p knowbase.CountProgress
	if err := s.BatchUpsert(ctx, units, &p); err != nil {
		t.Fatalf("BatchUpsert() error = %v", err)
	}
	if p.Done() != len(units) {
		t.Errorf("progress done = %d, want %d", p.Done(), len(units))
	}

	n, err := s.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(units) {
		t.Errorf("Count() = %d, want %d", n, len(units))
	}

	pk, err := s.PrimaryKey(ctx, "units")
	if err != nil {
		t.Fatalf("PrimaryKey() error = %v", err)
	}
	if len(pk) != 1 || pk[0] != "id" {
		t.Errorf("PrimaryKey() = %v, want [id]", pk)
	}

	if _, err := s.db.ExecContext(ctx, "CREATE VIEW unit_names AS SELECT id, name FROM units"); err != nil {
		t.Fatal(err)
	}
	views, err := s.Views(ctx)
	if err != nil {
		t.Fatalf("Views() error = %v", err)
	}
	if len(views) != 1 || views[0] != "unit_names" {
		t.Errorf("Views() = %v, want [unit_names]", views)
	}

	typ, err := s.ColumnType(ctx, "units", "priority")
	if err != nil {
		t.Fatalf("ColumnType() error = %v", err)
	}
	if typ != "integer" {
		t.Errorf("ColumnType(units, priority) = %q, want integer", typ)
	}

	freq, err := s.FrequentColumnValues(ctx, "units", "kind", 1)
	if err != nil {
		t.Fatalf("FrequentColumnValues() error = %v", err)
	}
	if len(freq) != 1 || freq[0] != string(knowbase.KindKnowledge) {
		t.Errorf("FrequentColumnValues() = %v, want [knowledge]", freq)
	}

	if err := s.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if n, _ := s.Count(ctx); n != 0 {
		t.Errorf("Count() after Clear = %d, want 0", n)
	}
}
