// Package mongostore persists knowledge units in a MongoDB collection.
//
// Units map 1:1 onto documents with the unit id as _id. The store leans on
// the driver's bulk primitives: ReplaceOne with upsert for writes, unordered
// InsertMany semantics for insert-if-absent, and $in filters for bulk reads
// and deletes.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/knowbase/knowbase"
)

const batchSize = 100

// notPlaceholder excludes schema-bootstrap documents from counts and clears.
var notPlaceholder = bson.M{"kind": bson.M{"$ne": string(knowbase.KindPlaceholder)}}

// Store is a document-database knowbase.Store.
type Store struct {
	name   string
	coll   *mongo.Collection
	client *mongo.Client // non-nil only when Open created the connection
	logger *slog.Logger
}

// Options configures Open.
type Options struct {
	// Name identifies the store within a knowledge base.
	Name string

	// URI is the mongodb:// connection string.
	URI string

	// Database and Collection locate the unit documents.
	Database   string
	Collection string

	// Logger receives operational logs. nil falls back to slog.Default().
	Logger *slog.Logger
}

// Open connects, verifies the server is reachable, and seeds the placeholder
// document that forces collection creation. The returned store owns the
// client; Close disconnects it.
func Open(ctx context.Context, opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(opts.URI))
	if err != nil {
		return nil, fmt.Errorf("%w: connect mongodb: %v", knowbase.ErrBackendUnavailable, err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("%w: ping mongodb: %v", knowbase.ErrBackendUnavailable, err)
	}

	s := NewStore(opts.Name, client.Database(opts.Database).Collection(opts.Collection), logger)
	s.client = client
	if err := s.Insert(ctx, knowbase.Placeholder()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	logger.Debug("mongo store ready", "store", opts.Name, "database", opts.Database, "collection", opts.Collection)
	return s, nil
}

// NewStore wraps an existing collection. The caller keeps ownership of the
// client; Close is then a no-op.
func NewStore(name string, coll *mongo.Collection, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{name: name, coll: coll, logger: logger}
}

// Get implements knowbase.Store.
func (s *Store) Get(ctx context.Context, id string) (knowbase.Unit, error) {
	var u knowbase.Unit
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&u)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return knowbase.Unit{}, fmt.Errorf("%w: %q", knowbase.ErrNotFound, id)
	}
	if err != nil {
		return knowbase.Unit{}, fmt.Errorf("get %q: %w", id, err)
	}
	return u, nil
}

// Upsert implements knowbase.Store. ReplaceOne swaps the whole document so
// removed fields never linger.
func (s *Store) Upsert(ctx context.Context, u knowbase.Unit) error {
	u, err := knowbase.PrepareUnit(u)
	if err != nil {
		return err
	}
	_, err = s.coll.ReplaceOne(ctx, bson.M{"_id": u.ID}, u, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert %q: %w", u.ID, err)
	}
	return nil
}

// Insert implements knowbase.Store. A duplicate key means the id is already
// present; the stored document is left unchanged.
func (s *Store) Insert(ctx context.Context, u knowbase.Unit) error {
	u, err := knowbase.PrepareUnit(u)
	if err != nil {
		return err
	}
	if _, err := s.coll.InsertOne(ctx, u); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil
		}
		return fmt.Errorf("insert %q: %w", u.ID, err)
	}
	return nil
}

// Remove implements knowbase.Store. Removing an absent id is not an error.
func (s *Store) Remove(ctx context.Context, id string) error {
	if _, err := s.coll.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return fmt.Errorf("remove %q: %w", id, err)
	}
	return nil
}

// BatchGet implements knowbase.Store with chunked $in queries.
func (s *Store) BatchGet(ctx context.Context, ids []string, p knowbase.Progress) ([]knowbase.Unit, []bool, error) {
	p = knowbase.ProgressOrNop(p)
	p.SetTotal(len(ids))
	defer p.Close()

	byID := make(map[string]knowbase.Unit, len(ids))
	err := knowbase.Chunk(len(ids), batchSize, func(lo, hi int) error {
		chunk := ids[lo:hi]
		cur, err := s.coll.Find(ctx, bson.M{"_id": bson.M{"$in": chunk}})
		if err != nil {
			return fmt.Errorf("batch get: %w", err)
		}
		var found []knowbase.Unit
		if err := cur.All(ctx, &found); err != nil {
			return fmt.Errorf("batch get decode: %w", err)
		}
		for _, u := range found {
			byID[u.ID] = u
		}
		p.Update(len(chunk))
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	units := make([]knowbase.Unit, len(ids))
	present := make([]bool, len(ids))
	for i, id := range ids {
		if u, ok := byID[id]; ok {
			units[i] = u
			present[i] = true
		}
	}
	return units, present, nil
}

// BatchUpsert implements knowbase.Store as one BulkWrite of upserting
// replaces per chunk.
func (s *Store) BatchUpsert(ctx context.Context, units []knowbase.Unit, p knowbase.Progress) error {
	units, err := knowbase.PrepareUnits(units)
	if err != nil {
		return err
	}
	p = knowbase.ProgressOrNop(p)
	p.SetTotal(len(units))
	defer p.Close()

	return knowbase.Chunk(len(units), batchSize, func(lo, hi int) error {
		chunk := units[lo:hi]
		models := make([]mongo.WriteModel, len(chunk))
		for i, u := range chunk {
			models[i] = mongo.NewReplaceOneModel().
				SetFilter(bson.M{"_id": u.ID}).
				SetReplacement(u).
				SetUpsert(true)
		}
		if _, err := s.coll.BulkWrite(ctx, models); err != nil {
			return fmt.Errorf("batch upsert: %w", err)
		}
		p.Update(len(chunk))
		return nil
	})
}

// BatchInsert implements knowbase.Store. Unordered inserts let the rest of a
// chunk land when some ids already exist; duplicate keys are the expected
// skip signal, not a failure.
func (s *Store) BatchInsert(ctx context.Context, units []knowbase.Unit, p knowbase.Progress) error {
	units, err := knowbase.PrepareUnits(units)
	if err != nil {
		return err
	}
	p = knowbase.ProgressOrNop(p)
	p.SetTotal(len(units))
	defer p.Close()

	return knowbase.Chunk(len(units), batchSize, func(lo, hi int) error {
		chunk := units[lo:hi]
		models := make([]mongo.WriteModel, len(chunk))
		for i, u := range chunk {
			models[i] = mongo.NewInsertOneModel().SetDocument(u)
		}
		_, err := s.coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
		if err != nil && !mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("batch insert: %w", err)
		}
		p.Update(len(chunk))
		return nil
	})
}

// BatchRemove implements knowbase.Store with chunked $in deletes.
func (s *Store) BatchRemove(ctx context.Context, ids []string, p knowbase.Progress) error {
	p = knowbase.ProgressOrNop(p)
	p.SetTotal(len(ids))
	defer p.Close()

	return knowbase.Chunk(len(ids), batchSize, func(lo, hi int) error {
		chunk := ids[lo:hi]
		if _, err := s.coll.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": chunk}}); err != nil {
			return fmt.Errorf("batch remove: %w", err)
		}
		p.Update(len(chunk))
		return nil
	})
}

// List implements knowbase.Store. Placeholder documents are included.
func (s *Store) List(ctx context.Context) ([]knowbase.Unit, error) {
	cur, err := s.coll.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	var out []knowbase.Unit
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("list decode: %w", err)
	}
	return out, nil
}

// Count implements knowbase.Store, excluding placeholder documents.
func (s *Store) Count(ctx context.Context) (int, error) {
	n, err := s.coll.CountDocuments(ctx, notPlaceholder)
	if err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return int(n), nil
}

// Clear implements knowbase.Store. The placeholder document survives so the
// collection stays materialized.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.coll.DeleteMany(ctx, notPlaceholder); err != nil {
		return fmt.Errorf("clear: %w", err)
	}
	return nil
}

// Collection exposes the underlying collection for engines that index it.
func (s *Store) Collection() *mongo.Collection { return s.coll }

// Name implements knowbase.Store.
func (s *Store) Name() string { return s.name }

// Close implements knowbase.Store. It disconnects only a client this store
// created itself.
func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(context.Background())
}
