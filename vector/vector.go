// Package vector provides semantic search over knowledge units with an
// in-process cosine-similarity index.
//
// The engine owns the embeddings: Sync embeds changed units in batches
// against any store, so semantic search does not require a vector-native
// backend. Provider calls are rate limited and batch failures leave
// previously embedded batches committed.
package vector

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"

	"golang.org/x/time/rate"

	"github.com/knowbase/knowbase"
)

// Embedder turns texts into embedding vectors. Defined here by the consumer;
// any provider client satisfying it plugs in.
type Embedder interface {
	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// DefaultBatchSize is the number of texts sent per provider call.
const DefaultBatchSize = 32

// DefaultInclude is the projection served when a query leaves Include nil.
var DefaultInclude = []string{
	knowbase.FieldKind, knowbase.FieldName, knowbase.FieldContent,
	knowbase.FieldTags, knowbase.FieldPriority,
}

// Options configures NewEngine.
type Options struct {
	// BatchSize caps texts per provider call. Defaults to DefaultBatchSize.
	BatchSize int

	// RateLimit caps provider calls per second. Zero means unlimited.
	RateLimit rate.Limit

	// Logger receives operational logs. nil falls back to slog.Default().
	Logger *slog.Logger
}

type entry struct {
	vec  []float32
	hash string
}

// Engine is a semantic knowbase.Engine over one store.
type Engine struct {
	name     string
	store    knowbase.Store
	embedder Embedder
	batch    int
	limiter  *rate.Limiter
	logger   *slog.Logger

	mu      sync.RWMutex
	entries map[string]entry
}

// NewEngine creates a vector engine over the given store with an empty
// index. Call Sync to embed the store's units.
func NewEngine(name string, store knowbase.Store, embedder Embedder, opts Options) (*Engine, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", knowbase.ErrValidation)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	batch := opts.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RateLimit > 0 {
		limiter = rate.NewLimiter(opts.RateLimit, 1)
	}
	return &Engine{
		name:     name,
		store:    store,
		embedder: embedder,
		batch:    batch,
		limiter:  limiter,
		logger:   logger,
		entries:  make(map[string]entry),
	}, nil
}

// Name implements knowbase.Engine.
func (e *Engine) Name() string { return e.name }

// EmbeddableText is the text a unit is embedded from.
func EmbeddableText(u knowbase.Unit) string {
	if u.Name == "" {
		return u.Content
	}
	if u.Content == "" {
		return u.Name
	}
	return u.Name + "\n" + u.Content
}

// Sync implements knowbase.Engine. Changed and new units are embedded in
// rate-limited batches; vanished ids drop out of the index. An unchanged
// store makes no provider call at all.
func (e *Engine) Sync(ctx context.Context, p knowbase.Progress) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	units, err := e.store.List(ctx)
	if err != nil {
		return fmt.Errorf("vector sync list: %w", err)
	}

	live := make(map[string]bool, len(units))
	var toEmbed []knowbase.Unit
	for _, u := range units {
		if u.IsPlaceholder() {
			continue
		}
		live[u.ID] = true
		if e.entries[u.ID].hash != u.ContentHash() {
			toEmbed = append(toEmbed, u)
		}
	}
	var toDelete []string
	for id := range e.entries {
		if !live[id] {
			toDelete = append(toDelete, id)
		}
	}

	p = knowbase.ProgressOrNop(p)
	p.SetTotal(len(toEmbed) + len(toDelete))
	defer p.Close()

	err = knowbase.Chunk(len(toEmbed), e.batch, func(lo, hi int) error {
		chunk := toEmbed[lo:hi]
		texts := make([]string, len(chunk))
		for i, u := range chunk {
			texts[i] = EmbeddableText(u)
		}
		vecs, err := e.embed(ctx, texts)
		if err != nil {
			// previously embedded chunks stay committed
			return err
		}
		for i, u := range chunk {
			e.entries[u.ID] = entry{vec: vecs[i], hash: u.ContentHash()}
		}
		p.Update(len(chunk))
		return nil
	})
	if err != nil {
		return err
	}

	for _, id := range toDelete {
		delete(e.entries, id)
		p.Update(1)
	}

	e.logger.Debug("vector sync complete", "engine", e.name,
		"embedded", len(toEmbed), "deleted", len(toDelete))
	return nil
}

func (e *Engine) embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("vector rate limit: %w", err)
	}
	vecs, err := e.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("%w: embed: %v", knowbase.ErrBackendUnavailable, err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("%w: embedder returned %d vectors for %d texts",
			knowbase.ErrBackendUnavailable, len(vecs), len(texts))
	}
	return vecs, nil
}

// Search implements knowbase.Engine. The query text is embedded and ranked
// against the index by cosine similarity; filters narrow candidates before
// ranking so TopK counts only matching units. Empty text skips the provider
// and matches every indexed unit, so a filter-only query still works.
func (e *Engine) Search(ctx context.Context, q knowbase.Query) ([]knowbase.Result, error) {
	topK := q.TopK
	if topK <= 0 {
		topK = knowbase.DefaultTopK
	}

	var qv []float32
	if q.Text != "" {
		qvecs, err := e.embed(ctx, []string{q.Text})
		if err != nil {
			return nil, err
		}
		qv = qvecs[0]
	}

	type scored struct {
		id    string
		score float64
	}
	e.mu.RLock()
	candidates := make([]scored, 0, len(e.entries))
	for id, ent := range e.entries {
		score := 1.0
		if qv != nil {
			score = cosine(qv, ent.vec)
		}
		candidates = append(candidates, scored{id: id, score: score})
	}
	e.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].id < candidates[j].id
	})

	include := q.Include
	if include == nil {
		include = DefaultInclude
	}

	results := make([]knowbase.Result, 0, topK)
	for _, c := range candidates {
		if len(results) == topK {
			break
		}
		u, err := e.store.Get(ctx, c.id)
		if err != nil {
			// index lag: skip ids the store no longer holds
			continue
		}
		if u.IsPlaceholder() || !knowbase.MatchesFilters(u, q.Filters) {
			continue
		}
		u = knowbase.Project(u, include)
		knowbase.StampProvenance(&u, e.name, q, map[string]any{"similarity": c.score})
		results = append(results, knowbase.Result{Unit: u, Score: c.score, Engine: e.name})
	}
	knowbase.ApplyOrder(results, q.OrderBy)
	return results, nil
}

// cosine returns the cosine similarity of two vectors, 0 for mismatched or
// zero-magnitude input.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
