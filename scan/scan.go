// Package scan provides exhaustive-scan search over knowledge units.
//
// The engine holds no derived state: every query walks the backing store's
// full unit list. That makes Sync a no-op and the engine correct against any
// store without indexing cost, at O(n) query time. It is the fallback when
// no indexed engine fits and the reference oracle the indexed engines are
// tested against.
package scan

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/knowbase/knowbase"
)

// DefaultInclude is the projection served when a query leaves Include nil.
var DefaultInclude = []string{
	knowbase.FieldKind, knowbase.FieldName, knowbase.FieldContent,
	knowbase.FieldResources, knowbase.FieldTags, knowbase.FieldPriority,
	knowbase.FieldTimes,
}

// Engine is a stateless knowbase.Engine over one store.
type Engine struct {
	name   string
	store  knowbase.Store
	logger *slog.Logger
}

// NewEngine creates a scan engine over the given store.
func NewEngine(name string, store knowbase.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{name: name, store: store, logger: logger}
}

// Name implements knowbase.Engine.
func (e *Engine) Name() string { return e.name }

// Sync implements knowbase.Engine. There is no derived state to reconcile.
func (e *Engine) Sync(_ context.Context, p knowbase.Progress) error {
	p = knowbase.ProgressOrNop(p)
	p.SetTotal(0)
	p.Close()
	return nil
}

// Search implements knowbase.Engine. Filters are exact tag matches; free
// text is a case-insensitive substring match over name and content. Units
// matching both name and content rank above content-only matches.
func (e *Engine) Search(ctx context.Context, q knowbase.Query) ([]knowbase.Result, error) {
	topK := q.TopK
	if topK <= 0 {
		topK = knowbase.DefaultTopK
	}

	units, err := e.store.List(ctx)
	if err != nil {
		return nil, err
	}

	include := q.Include
	if include == nil {
		include = DefaultInclude
	}

	var results []knowbase.Result
	for _, u := range units {
		if u.IsPlaceholder() || !knowbase.MatchesFilters(u, q.Filters) {
			continue
		}
		score, ok := textScore(u, q.Text)
		if !ok {
			continue
		}
		p := knowbase.Project(u, include)
		knowbase.StampProvenance(&p, e.name, q, nil)
		results = append(results, knowbase.Result{Unit: p, Score: score, Engine: e.name})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > topK {
		results = results[:topK]
	}
	knowbase.ApplyOrder(results, q.OrderBy)
	return results, nil
}

// textScore reports whether the unit matches the query text and how well: a
// name hit scores above a content-only hit, empty text matches everything.
func textScore(u knowbase.Unit, text string) (float64, bool) {
	if text == "" {
		return 1, true
	}
	needle := strings.ToLower(text)
	inName := strings.Contains(strings.ToLower(u.Name), needle)
	inContent := strings.Contains(strings.ToLower(u.Content), needle)
	switch {
	case inName && inContent:
		return 1, true
	case inName:
		return 0.75, true
	case inContent:
		return 0.5, true
	}
	return 0, false
}
