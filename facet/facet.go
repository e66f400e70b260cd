// Package facet provides categorical search over knowledge units with an
// in-memory bleve index.
//
// Tags and kind are indexed with the keyword analyzer so a [key:value] tag is
// one indivisible term; name and content get standard full-text analysis.
// The index is derived state: Sync rebuilds the delta against the backing
// store using content hashes, and Search always returns the store's current
// copy of each hit.
package facet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/knowbase/knowbase"
)

const syncBatchSize = 100

// DefaultInclude is the projection served when a query leaves Include nil.
var DefaultInclude = []string{
	knowbase.FieldKind, knowbase.FieldName, knowbase.FieldContent,
	knowbase.FieldTags, knowbase.FieldPriority, knowbase.FieldTimes,
}

// facetDoc is the indexed shape of a unit.
type facetDoc struct {
	Name     string   `json:"name"`
	Content  string   `json:"content"`
	Kind     string   `json:"kind"`
	Tags     []string `json:"tags"`
	Priority int      `json:"priority"`
}

// Engine is a categorical knowbase.Engine over one store.
type Engine struct {
	name   string
	store  knowbase.Store
	index  bleve.Index
	logger *slog.Logger

	mu      sync.Mutex
	indexed map[string]string // id -> content hash at last sync
}

// NewEngine creates a facet engine over the given store with an empty
// memory-only index. Call Sync to populate it.
func NewEngine(name string, store knowbase.Store, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	index, err := bleve.NewMemOnly(indexMapping())
	if err != nil {
		return nil, fmt.Errorf("create facet index: %w", err)
	}
	return &Engine{
		name:    name,
		store:   store,
		index:   index,
		logger:  logger,
		indexed: make(map[string]string),
	}, nil
}

func indexMapping() mapping.IndexMapping {
	text := bleve.NewTextFieldMapping()

	kw := bleve.NewKeywordFieldMapping()

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("name", text)
	doc.AddFieldMappingsAt("content", text)
	doc.AddFieldMappingsAt("kind", kw)
	doc.AddFieldMappingsAt("tags", kw)
	doc.AddFieldMappingsAt("priority", bleve.NewNumericFieldMapping())

	im := bleve.NewIndexMapping()
	im.DefaultMapping = doc
	return im
}

// Name implements knowbase.Engine.
func (e *Engine) Name() string { return e.name }

// Sync implements knowbase.Engine. It diffs the store against the last
// checkpoint by content hash: new and modified units are (re)indexed,
// vanished ids are deleted. A repeat Sync with no store mutation does
// nothing.
func (e *Engine) Sync(ctx context.Context, p knowbase.Progress) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	units, err := e.store.List(ctx)
	if err != nil {
		return fmt.Errorf("facet sync list: %w", err)
	}

	live := make(map[string]bool, len(units))
	var toIndex []knowbase.Unit
	for _, u := range units {
		if u.IsPlaceholder() {
			continue
		}
		live[u.ID] = true
		if e.indexed[u.ID] != u.ContentHash() {
			toIndex = append(toIndex, u)
		}
	}
	var toDelete []string
	for id := range e.indexed {
		if !live[id] {
			toDelete = append(toDelete, id)
		}
	}

	p = knowbase.ProgressOrNop(p)
	p.SetTotal(len(toIndex) + len(toDelete))
	defer p.Close()

	err = knowbase.Chunk(len(toIndex), syncBatchSize, func(lo, hi int) error {
		batch := e.index.NewBatch()
		for _, u := range toIndex[lo:hi] {
			if err := batch.Index(u.ID, facetDoc{
				Name:     u.Name,
				Content:  u.Content,
				Kind:     string(u.Kind),
				Tags:     u.Tags,
				Priority: u.Priority,
			}); err != nil {
				return fmt.Errorf("facet index %q: %w", u.ID, err)
			}
		}
		if err := e.index.Batch(batch); err != nil {
			return fmt.Errorf("facet batch: %w", err)
		}
		for _, u := range toIndex[lo:hi] {
			e.indexed[u.ID] = u.ContentHash()
		}
		p.Update(hi - lo)
		return nil
	})
	if err != nil {
		return err
	}

	for _, id := range toDelete {
		if err := e.index.Delete(id); err != nil {
			return fmt.Errorf("facet delete %q: %w", id, err)
		}
		delete(e.indexed, id)
		p.Update(1)
	}

	e.logger.Debug("facet sync complete", "engine", e.name,
		"indexed", len(toIndex), "deleted", len(toDelete))
	return nil
}

// Search implements knowbase.Engine. Free text matches name and content;
// filters are exact tag terms ANDed together.
func (e *Engine) Search(ctx context.Context, q knowbase.Query) ([]knowbase.Result, error) {
	topK := q.TopK
	if topK <= 0 {
		topK = knowbase.DefaultTopK
	}

	req := bleve.NewSearchRequestOptions(buildQuery(q), topK, 0, false)
	res, err := e.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("facet search: %w", err)
	}

	include := q.Include
	if include == nil {
		include = DefaultInclude
	}

	results := make([]knowbase.Result, 0, len(res.Hits))
	for _, hit := range res.Hits {
		u, err := e.store.Get(ctx, hit.ID)
		if errors.Is(err, knowbase.ErrNotFound) {
			// index lag: deleted from store since last sync
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("facet resolve %q: %w", hit.ID, err)
		}
		if u.IsPlaceholder() {
			continue
		}
		u = knowbase.Project(u, include)
		knowbase.StampProvenance(&u, e.name, q, map[string]any{"score": hit.Score})
		results = append(results, knowbase.Result{Unit: u, Score: hit.Score, Engine: e.name})
	}
	knowbase.ApplyOrder(results, q.OrderBy)
	return results, nil
}

func buildQuery(q knowbase.Query) query.Query {
	var clauses []query.Query
	if q.Text != "" {
		name := bleve.NewMatchQuery(q.Text)
		name.SetField("name")
		content := bleve.NewMatchQuery(q.Text)
		content.SetField("content")
		clauses = append(clauses, bleve.NewDisjunctionQuery(name, content))
	}
	for _, f := range q.Filters {
		tq := bleve.NewTermQuery(f)
		tq.SetField("tags")
		clauses = append(clauses, tq)
	}
	if len(clauses) == 0 {
		return bleve.NewMatchAllQuery()
	}
	return bleve.NewConjunctionQuery(clauses...)
}
