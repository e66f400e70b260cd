// Package docengine provides document-native search over knowledge units
// stored in MongoDB.
//
// The engine maintains a materialized index collection next to the unit
// collection: a flat searchable projection of every unit plus its content
// hash. Sync diffs hashes and bulk-writes only the delta, so queries run as
// plain MongoDB finds with $all tag filters and regex text matching while
// the unit collection itself stays untouched.
package docengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/knowbase/knowbase"
)

const syncBatchSize = 100

// DefaultInclude is the projection served when a query leaves Include nil.
var DefaultInclude = []string{
	knowbase.FieldKind, knowbase.FieldName, knowbase.FieldContent,
	knowbase.FieldTags, knowbase.FieldPriority, knowbase.FieldTimes,
}

// indexDoc is the materialized searchable shape of a unit.
type indexDoc struct {
	ID       string   `bson:"_id"`
	Name     string   `bson:"name"`
	Content  string   `bson:"content"`
	Kind     string   `bson:"kind"`
	Tags     []string `bson:"tags"`
	Priority int      `bson:"priority"`
	Hash     string   `bson:"hash"`
}

// Engine is a document-native knowbase.Engine over one store.
type Engine struct {
	name   string
	store  knowbase.Store
	idx    *mongo.Collection
	logger *slog.Logger

	// one writer at a time; concurrent syncs would race the hash diff
	syncMu sync.Mutex
}

// NewEngine creates a document engine whose materialized index lives in idx.
// With a mongostore backend, pass a sibling collection of the unit
// collection, conventionally named "<units>_idx".
func NewEngine(name string, store knowbase.Store, idx *mongo.Collection, logger *slog.Logger) (*Engine, error) {
	if idx == nil {
		return nil, fmt.Errorf("%w: index collection is required", knowbase.ErrValidation)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{name: name, store: store, idx: idx, logger: logger}, nil
}

// Name implements knowbase.Engine.
func (e *Engine) Name() string { return e.name }

// Sync implements knowbase.Engine. It compares stored content hashes against
// the index collection and bulk-writes only additions, modifications and
// deletions since the last run.
func (e *Engine) Sync(ctx context.Context, p knowbase.Progress) error {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	units, err := e.store.List(ctx)
	if err != nil {
		return fmt.Errorf("doc sync list: %w", err)
	}

	indexed, err := e.indexedHashes(ctx)
	if err != nil {
		return err
	}

	live := make(map[string]bool, len(units))
	var toWrite []knowbase.Unit
	for _, u := range units {
		if u.IsPlaceholder() {
			continue
		}
		live[u.ID] = true
		if indexed[u.ID] != u.ContentHash() {
			toWrite = append(toWrite, u)
		}
	}
	var toDelete []string
	for id := range indexed {
		if !live[id] {
			toDelete = append(toDelete, id)
		}
	}

	p = knowbase.ProgressOrNop(p)
	p.SetTotal(len(toWrite) + len(toDelete))
	defer p.Close()

	err = knowbase.Chunk(len(toWrite), syncBatchSize, func(lo, hi int) error {
		chunk := toWrite[lo:hi]
		models := make([]mongo.WriteModel, len(chunk))
		for i, u := range chunk {
			models[i] = mongo.NewReplaceOneModel().
				SetFilter(bson.M{"_id": u.ID}).
				SetReplacement(indexDoc{
					ID:       u.ID,
					Name:     u.Name,
					Content:  u.Content,
					Kind:     string(u.Kind),
					Tags:     u.Tags,
					Priority: u.Priority,
					Hash:     u.ContentHash(),
				}).
				SetUpsert(true)
		}
		if _, err := e.idx.BulkWrite(ctx, models); err != nil {
			return fmt.Errorf("doc sync write: %w", err)
		}
		p.Update(len(chunk))
		return nil
	})
	if err != nil {
		return err
	}

	if len(toDelete) > 0 {
		if _, err := e.idx.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": toDelete}}); err != nil {
			return fmt.Errorf("doc sync delete: %w", err)
		}
		p.Update(len(toDelete))
	}

	e.logger.Debug("doc sync complete", "engine", e.name,
		"written", len(toWrite), "deleted", len(toDelete))
	return nil
}

func (e *Engine) indexedHashes(ctx context.Context) (map[string]string, error) {
	cur, err := e.idx.Find(ctx, bson.M{},
		options.Find().SetProjection(bson.M{"_id": 1, "hash": 1}))
	if err != nil {
		return nil, fmt.Errorf("doc sync read index: %w", err)
	}
	defer cur.Close(ctx)

	out := make(map[string]string)
	for cur.Next(ctx) {
		var doc struct {
			ID   string `bson:"_id"`
			Hash string `bson:"hash"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("doc sync decode index: %w", err)
		}
		out[doc.ID] = doc.Hash
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("doc sync cursor: %w", err)
	}
	return out, nil
}

// Search implements knowbase.Engine. Filters become an $all tag match, free
// text becomes a case-insensitive regex over name and content, and ordering
// runs natively in the database.
func (e *Engine) Search(ctx context.Context, q knowbase.Query) ([]knowbase.Result, error) {
	topK := q.TopK
	if topK <= 0 {
		topK = knowbase.DefaultTopK
	}

	findOpts := options.Find().SetLimit(int64(topK))
	if sort := buildSort(q.OrderBy); len(sort) > 0 {
		findOpts.SetSort(sort)
	}

	cur, err := e.idx.Find(ctx, buildFilter(q), findOpts)
	if err != nil {
		return nil, fmt.Errorf("doc search: %w", err)
	}
	defer cur.Close(ctx)

	include := q.Include
	if include == nil {
		include = DefaultInclude
	}

	var results []knowbase.Result
	rank := 0
	for cur.Next(ctx) {
		var doc indexDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("doc search decode: %w", err)
		}
		u, err := e.store.Get(ctx, doc.ID)
		if errors.Is(err, knowbase.ErrNotFound) {
			// index lag: deleted from store since last sync
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("doc resolve %q: %w", doc.ID, err)
		}
		if u.IsPlaceholder() {
			continue
		}
		rank++
		// finds have no native relevance score; rank order stands in
		score := 1.0 / float64(rank)
		u = knowbase.Project(u, include)
		knowbase.StampProvenance(&u, e.name, q, map[string]any{"rank": rank})
		results = append(results, knowbase.Result{Unit: u, Score: score, Engine: e.name})
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("doc search cursor: %w", err)
	}
	return results, nil
}

// buildFilter translates a query into a MongoDB filter document.
func buildFilter(q knowbase.Query) bson.M {
	filter := bson.M{}
	if len(q.Filters) > 0 {
		filter["tags"] = bson.M{"$all": q.Filters}
	}
	if q.Text != "" {
		re := bson.M{"$regex": regexp.QuoteMeta(q.Text), "$options": "i"}
		filter["$or"] = bson.A{
			bson.M{"name": re},
			bson.M{"content": re},
		}
	}
	return filter
}

// buildSort translates OrderBy into a MongoDB sort document. Unknown fields
// are dropped rather than failing the query.
func buildSort(orderBy []knowbase.Order) bson.D {
	var sort bson.D
	for _, o := range orderBy {
		var field string
		switch o.Field {
		case knowbase.FieldName:
			field = "name"
		case knowbase.FieldKind:
			field = "kind"
		case knowbase.FieldPriority:
			field = "priority"
		case "id":
			field = "_id"
		default:
			continue
		}
		dir := 1
		if o.Desc {
			dir = -1
		}
		sort = append(sort, bson.E{Key: field, Value: dir})
	}
	return sort
}
