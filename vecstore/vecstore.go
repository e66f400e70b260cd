// Package vecstore persists knowledge units in PostgreSQL with pgvector
// embeddings alongside each record.
//
// Every write embeds the unit's searchable text so similarity search needs no
// separate indexing pass. Placeholder units are stored with a NULL embedding
// and never reach the embedding provider.
package vecstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/knowbase/knowbase"
)

const batchSize = 50

// DefaultDimensions matches the text-embedding models this layer is usually
// paired with.
const DefaultDimensions = 768

// Embedder turns texts into embedding vectors. Defined here by the consumer;
// any provider client satisfying it plugs in.
type Embedder interface {
	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Querier is the subset of pgx pool behavior the store needs. *pgxpool.Pool
// satisfies it.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Store is a vector-database knowbase.Store.
type Store struct {
	name     string
	db       Querier
	pool     *pgxpool.Pool // non-nil only when Open created the pool
	embedder Embedder
	table    string
	dims     int
	logger   *slog.Logger
}

// Options configures Open.
type Options struct {
	// Name identifies the store within a knowledge base.
	Name string

	// DSN is the postgres:// connection string.
	DSN string

	// Embedder produces the vectors stored next to each unit.
	Embedder Embedder

	// Table is the unit table name. Defaults to "vec_units".
	Table string

	// Dimensions is the embedding width. Defaults to DefaultDimensions and
	// must match what Embedder produces.
	Dimensions int

	// Logger receives operational logs. nil falls back to slog.Default().
	Logger *slog.Logger
}

// Open connects, materializes the extension and table, and seeds the
// placeholder row.
func Open(ctx context.Context, opts Options) (*Store, error) {
	pool, err := pgxpool.New(ctx, opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("%w: create pool: %v", knowbase.ErrBackendUnavailable, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ping: %v", knowbase.ErrBackendUnavailable, err)
	}

	s, err := NewStore(ctx, opts, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.pool = pool
	return s, nil
}

// NewStore builds a store over a caller-managed connection. Close is then a
// no-op on the connection.
func NewStore(ctx context.Context, opts Options, db Querier) (*Store, error) {
	if opts.Embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", knowbase.ErrValidation)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	table := opts.Table
	if table == "" {
		table = "vec_units"
	}
	if !validTable(table) {
		return nil, fmt.Errorf("%w: invalid table name %q", knowbase.ErrValidation, table)
	}
	dims := opts.Dimensions
	if dims <= 0 {
		dims = DefaultDimensions
	}

	s := &Store{
		name:     opts.Name,
		db:       db,
		embedder: opts.Embedder,
		table:    table,
		dims:     dims,
		logger:   logger,
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	if err := s.Insert(ctx, knowbase.Placeholder()); err != nil {
		return nil, err
	}
	logger.Debug("vector store ready", "store", opts.Name, "table", table, "dimensions", dims)
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("%w: create vector extension: %v", knowbase.ErrSchemaMismatch, err)
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id        TEXT PRIMARY KEY,
		kind      TEXT NOT NULL,
		unit      JSONB NOT NULL,
		embedding vector(%d)
	)`, s.table, s.dims)
	if _, err := s.db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("%w: create table %s: %v", knowbase.ErrSchemaMismatch, s.table, err)
	}
	return nil
}

// embedTexts calls the provider once for the whole slice. Provider failures
// surface as ErrBackendUnavailable so callers can distinguish them from data
// errors.
func (s *Store) embedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vecs, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("%w: embed: %v", knowbase.ErrBackendUnavailable, err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("%w: embedder returned %d vectors for %d texts",
			knowbase.ErrBackendUnavailable, len(vecs), len(texts))
	}
	return vecs, nil
}

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

// Get implements knowbase.Store.
func (s *Store) Get(ctx context.Context, id string) (knowbase.Unit, error) {
	var raw []byte
	query := fmt.Sprintf("SELECT unit FROM %s WHERE id = $1", s.table)
	err := s.db.QueryRow(ctx, query, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return knowbase.Unit{}, fmt.Errorf("%w: %q", knowbase.ErrNotFound, id)
	}
	if err != nil {
		return knowbase.Unit{}, fmt.Errorf("get %q: %w", id, err)
	}
	return decodeUnit(raw)
}

// Upsert implements knowbase.Store, re-embedding the unit on every write.
func (s *Store) Upsert(ctx context.Context, u knowbase.Unit) error {
	u, err := knowbase.PrepareUnit(u)
	if err != nil {
		return err
	}
	emb, err := s.embedOne(ctx, u)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode %q: %w", u.ID, err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, kind, unit, embedding) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET kind = $2, unit = $3, embedding = $4`, s.table)
	if _, err := s.db.Exec(ctx, query, u.ID, string(u.Kind), raw, emb); err != nil {
		return fmt.Errorf("upsert %q: %w", u.ID, err)
	}
	return nil
}

// Insert implements knowbase.Store.
func (s *Store) Insert(ctx context.Context, u knowbase.Unit) error {
	u, err := knowbase.PrepareUnit(u)
	if err != nil {
		return err
	}
	emb, err := s.embedOne(ctx, u)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode %q: %w", u.ID, err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, kind, unit, embedding) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING`, s.table)
	if _, err := s.db.Exec(ctx, query, u.ID, string(u.Kind), raw, emb); err != nil {
		return fmt.Errorf("insert %q: %w", u.ID, err)
	}
	return nil
}

// embedOne returns nil for placeholders so they never hit the provider.
func (s *Store) embedOne(ctx context.Context, u knowbase.Unit) (*pgvector.Vector, error) {
	if u.IsPlaceholder() {
		return nil, nil
	}
	vecs, err := s.embedTexts(ctx, []string{EmbeddableText(u)})
	if err != nil {
		return nil, err
	}
	v := pgvector.NewVector(vecs[0])
	return &v, nil
}

// Remove implements knowbase.Store.
func (s *Store) Remove(ctx context.Context, id string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1", s.table)
	if _, err := s.db.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("remove %q: %w", id, err)
	}
	return nil
}

// BatchGet implements knowbase.Store with chunked ANY queries.
func (s *Store) BatchGet(ctx context.Context, ids []string, p knowbase.Progress) ([]knowbase.Unit, []bool, error) {
	p = knowbase.ProgressOrNop(p)
	p.SetTotal(len(ids))
	defer p.Close()

	byID := make(map[string]knowbase.Unit, len(ids))
	err := knowbase.Chunk(len(ids), batchSize, func(lo, hi int) error {
		chunk := ids[lo:hi]
		query := fmt.Sprintf("SELECT unit FROM %s WHERE id = ANY($1)", s.table)
		rows, err := s.db.Query(ctx, query, chunk)
		if err != nil {
			return fmt.Errorf("batch get: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var raw []byte
			if err := rows.Scan(&raw); err != nil {
				return fmt.Errorf("batch get scan: %w", err)
			}
			u, err := decodeUnit(raw)
			if err != nil {
				return err
			}
			byID[u.ID] = u
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("batch get rows: %w", err)
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

// BatchUpsert implements knowbase.Store. Each chunk is embedded with one
// provider call and written with one pgx batch; an embedding failure aborts
// the chunk while previously written chunks stay committed.
func (s *Store) BatchUpsert(ctx context.Context, units []knowbase.Unit, p knowbase.Progress) error {
	return s.batchWrite(ctx, units, p, true)
}

// BatchInsert implements knowbase.Store, skipping ids already present.
func (s *Store) BatchInsert(ctx context.Context, units []knowbase.Unit, p knowbase.Progress) error {
	return s.batchWrite(ctx, units, p, false)
}

func (s *Store) batchWrite(ctx context.Context, units []knowbase.Unit, p knowbase.Progress, replace bool) error {
	units, err := knowbase.PrepareUnits(units)
	if err != nil {
		return err
	}
	p = knowbase.ProgressOrNop(p)
	p.SetTotal(len(units))
	defer p.Close()

	conflict := "DO NOTHING"
	if replace {
		conflict = "DO UPDATE SET kind = $2, unit = $3, embedding = $4"
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, kind, unit, embedding) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) %s`, s.table, conflict)

	return knowbase.Chunk(len(units), batchSize, func(lo, hi int) error {
		chunk := units[lo:hi]

		// one provider call per chunk; placeholders keep a nil vector
		var texts []string
		var textIdx []int
		for i, u := range chunk {
			if !u.IsPlaceholder() {
				texts = append(texts, EmbeddableText(u))
				textIdx = append(textIdx, i)
			}
		}
		vecs, err := s.embedTexts(ctx, texts)
		if err != nil {
			return err
		}
		embs := make([]*pgvector.Vector, len(chunk))
		for j, i := range textIdx {
			v := pgvector.NewVector(vecs[j])
			embs[i] = &v
		}

		b := &pgx.Batch{}
		for i, u := range chunk {
			raw, err := json.Marshal(u)
			if err != nil {
				return fmt.Errorf("encode %q: %w", u.ID, err)
			}
			b.Queue(query, u.ID, string(u.Kind), raw, embs[i])
		}
		if err := s.db.SendBatch(ctx, b).Close(); err != nil {
			return fmt.Errorf("batch write: %w", err)
		}
		p.Update(len(chunk))
		return nil
	})
}

// BatchRemove implements knowbase.Store.
func (s *Store) BatchRemove(ctx context.Context, ids []string, p knowbase.Progress) error {
	p = knowbase.ProgressOrNop(p)
	p.SetTotal(len(ids))
	defer p.Close()

	return knowbase.Chunk(len(ids), batchSize, func(lo, hi int) error {
		chunk := ids[lo:hi]
		query := fmt.Sprintf("DELETE FROM %s WHERE id = ANY($1)", s.table)
		if _, err := s.db.Exec(ctx, query, chunk); err != nil {
			return fmt.Errorf("batch remove: %w", err)
		}
		p.Update(len(chunk))
		return nil
	})
}

// List implements knowbase.Store. Placeholder rows are included.
func (s *Store) List(ctx context.Context) ([]knowbase.Unit, error) {
	rows, err := s.db.Query(ctx, fmt.Sprintf("SELECT unit FROM %s", s.table))
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	defer rows.Close()

	var out []knowbase.Unit
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("list scan: %w", err)
		}
		u, err := decodeUnit(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list rows: %w", err)
	}
	return out, nil
}

// Count implements knowbase.Store, excluding placeholder rows.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE kind <> $1", s.table)
	if err := s.db.QueryRow(ctx, query, string(knowbase.KindPlaceholder)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

// Clear implements knowbase.Store, keeping the placeholder row.
func (s *Store) Clear(ctx context.Context) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE kind <> $1", s.table)
	if _, err := s.db.Exec(ctx, query, string(knowbase.KindPlaceholder)); err != nil {
		return fmt.Errorf("clear: %w", err)
	}
	return nil
}

// Neighbor is one similarity hit.
type Neighbor struct {
	Unit       knowbase.Unit
	Similarity float64
}

// SearchSimilar embeds the query text and returns the nearest units by
// cosine similarity, best first. Placeholders and rows without an embedding
// never appear.
func (s *Store) SearchSimilar(ctx context.Context, text string, topK int) ([]Neighbor, error) {
	vecs, err := s.embedTexts(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return s.SearchByVector(ctx, vecs[0], topK)
}

// SearchByVector ranks against a caller-supplied query vector, for engines
// that manage their own embeddings.
func (s *Store) SearchByVector(ctx context.Context, vec []float32, topK int) ([]Neighbor, error) {
	if topK <= 0 {
		topK = knowbase.DefaultTopK
	}
	qv := pgvector.NewVector(vec)

	query := fmt.Sprintf(`SELECT unit, 1 - (embedding <=> $1) AS similarity
		FROM %s
		WHERE embedding IS NOT NULL AND kind <> $2
		ORDER BY embedding <=> $1
		LIMIT $3`, s.table)
	rows, err := s.db.Query(ctx, query, qv, string(knowbase.KindPlaceholder), topK)
	if err != nil {
		return nil, fmt.Errorf("similarity search: %w", err)
	}
	defer rows.Close()

	var out []Neighbor
	for rows.Next() {
		var raw []byte
		var sim float64
		if err := rows.Scan(&raw, &sim); err != nil {
			return nil, fmt.Errorf("similarity scan: %w", err)
		}
		u, err := decodeUnit(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, Neighbor{Unit: u, Similarity: sim})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("similarity rows: %w", err)
	}
	return out, nil
}

// Name implements knowbase.Store.
func (s *Store) Name() string { return s.name }

// Close implements knowbase.Store. It closes only a pool this store created
// itself.
func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func decodeUnit(raw []byte) (knowbase.Unit, error) {
	var u knowbase.Unit
	if err := json.Unmarshal(raw, &u); err != nil {
		return knowbase.Unit{}, fmt.Errorf("%w: decode unit: %v", knowbase.ErrSchemaMismatch, err)
	}
	return u, nil
}

func validTable(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r == '_':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
