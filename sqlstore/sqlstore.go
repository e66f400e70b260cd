// Package sqlstore persists knowledge units in a relational database.
//
// Two dialects are supported: SQLite through modernc.org/sqlite (pure Go, no
// cgo) and PostgreSQL through pgx. The schema is managed with embedded
// golang-migrate migrations, one migration set per dialect.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver "pgx"
	_ "modernc.org/sqlite"             // database/sql driver "sqlite"

	"github.com/knowbase/knowbase"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// batchSize bounds the number of rows touched per statement in bulk paths.
const batchSize = 64

const unitColumns = "id, kind, name, content, resources, tags, metadata, composers, triggers, priority, created_at, updated_at"

// Store is a relational knowbase.Store.
type Store struct {
	name    string
	dialect Dialect
	spec    dialectSpec
	db      *sql.DB
	logger  *slog.Logger
}

// Options configures Open.
type Options struct {
	// Name identifies the store within a knowledge base.
	Name string

	// Dialect selects the backend: DialectSQLite or DialectPostgres.
	Dialect Dialect

	// DSN is the driver connection string. For SQLite this is a file path
	// or ":memory:"; for PostgreSQL a postgres:// URL or key=value DSN.
	DSN string

	// Logger receives operational logs. nil falls back to slog.Default().
	Logger *slog.Logger
}

// Open connects, migrates the schema, and seeds the placeholder row that
// keeps the table materialized across Clear.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if !opts.Dialect.Valid() {
		return nil, fmt.Errorf("%w: unknown dialect %q", knowbase.ErrValidation, opts.Dialect)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	spec := dialects[opts.Dialect]

	db, err := sql.Open(spec.driverName, opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", knowbase.ErrBackendUnavailable, opts.Dialect, err)
	}
	if opts.Dialect == DialectSQLite {
		// modernc's :memory: databases are per-connection; a pool of one
		// keeps every statement on the same database.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: ping %s: %v", knowbase.ErrBackendUnavailable, opts.Dialect, err)
	}

	s := &Store{
		name:    opts.Name,
		dialect: opts.Dialect,
		spec:    spec,
		db:      db,
		logger:  logger,
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.seedPlaceholder(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Debug("sql store ready", "store", opts.Name, "dialect", opts.Dialect)
	return s, nil
}

// migrate applies the dialect's embedded migration set. Pending migrations
// run in order; an up-to-date schema is a no-op.
func (s *Store) migrate() error {
	source, err := iofs.New(migrationsFS, "migrations/"+string(s.dialect))
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	var m *migrate.Migrate
	switch s.dialect {
	case DialectSQLite:
		d, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
		if err != nil {
			return fmt.Errorf("create sqlite migrate driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", source, "sqlite", d)
		if err != nil {
			return fmt.Errorf("create migrate instance: %w", err)
		}
	case DialectPostgres:
		d, err := migratepgx.WithInstance(s.db, &migratepgx.Config{})
		if err != nil {
			return fmt.Errorf("create pgx migrate driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", source, "pgx", d)
		if err != nil {
			return fmt.Errorf("create migrate instance: %w", err)
		}
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("%w: apply migrations: %v", knowbase.ErrSchemaMismatch, err)
	}
	return nil
}

func (s *Store) seedPlaceholder(ctx context.Context) error {
	return s.Insert(ctx, knowbase.Placeholder())
}

// Get implements knowbase.Store.
func (s *Store) Get(ctx context.Context, id string) (knowbase.Unit, error) {
	query := s.spec.rebind("SELECT " + unitColumns + " FROM units WHERE id = ?")
	row := s.db.QueryRowContext(ctx, query, id)
	u, err := scanUnit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return knowbase.Unit{}, fmt.Errorf("%w: %q", knowbase.ErrNotFound, id)
	}
	if err != nil {
		return knowbase.Unit{}, fmt.Errorf("get %q: %w", id, err)
	}
	return u, nil
}

// Upsert implements knowbase.Store. The replace runs as delete-then-insert in
// one transaction so the stored record never merges with the previous one.
func (s *Store) Upsert(ctx context.Context, u knowbase.Unit) error {
	u, err := knowbase.PrepareUnit(u)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.spec.rebind("DELETE FROM units WHERE id = ?"), u.ID); err != nil {
			return fmt.Errorf("upsert delete %q: %w", u.ID, err)
		}
		return s.insertRow(ctx, tx, u)
	})
}

// Insert implements knowbase.Store.
func (s *Store) Insert(ctx context.Context, u knowbase.Unit) error {
	u, err := knowbase.PrepareUnit(u)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, s.spec.rebind("SELECT 1 FROM units WHERE id = ?"), u.ID).Scan(&one)
		switch {
		case err == nil:
			return nil // id present, leave it
		case errors.Is(err, sql.ErrNoRows):
			return s.insertRow(ctx, tx, u)
		default:
			return fmt.Errorf("insert probe %q: %w", u.ID, err)
		}
	})
}

// Remove implements knowbase.Store. Removing an absent id is not an error.
func (s *Store) Remove(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.spec.rebind("DELETE FROM units WHERE id = ?"), id)
	if err != nil {
		return fmt.Errorf("remove %q: %w", id, err)
	}
	return nil
}

// BatchGet implements knowbase.Store with chunked IN queries.
func (s *Store) BatchGet(ctx context.Context, ids []string, p knowbase.Progress) ([]knowbase.Unit, []bool, error) {
	p = knowbase.ProgressOrNop(p)
	p.SetTotal(len(ids))
	defer p.Close()

	byID := make(map[string]knowbase.Unit, len(ids))
	err := knowbase.Chunk(len(ids), batchSize, func(lo, hi int) error {
		chunk := ids[lo:hi]
		query := s.spec.rebind("SELECT " + unitColumns + " FROM units WHERE id IN (" + placeholders(len(chunk)) + ")")
		rows, err := s.db.QueryContext(ctx, query, toAny(chunk)...)
		if err != nil {
			return fmt.Errorf("batch get: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			u, err := scanUnit(rows)
			if err != nil {
				return fmt.Errorf("batch get scan: %w", err)
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

// BatchUpsert implements knowbase.Store. Each chunk replaces its rows in one
// transaction; progress ticks by units, not chunks.
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
		err := s.inTx(ctx, func(tx *sql.Tx) error {
			ids := make([]string, len(chunk))
			for i, u := range chunk {
				ids[i] = u.ID
			}
			del := s.spec.rebind("DELETE FROM units WHERE id IN (" + placeholders(len(ids)) + ")")
			if _, err := tx.ExecContext(ctx, del, toAny(ids)...); err != nil {
				return fmt.Errorf("batch upsert delete: %w", err)
			}
			for _, u := range chunk {
				if err := s.insertRow(ctx, tx, u); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		p.Update(len(chunk))
		return nil
	})
}

// BatchInsert implements knowbase.Store, skipping ids already present.
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
		err := s.inTx(ctx, func(tx *sql.Tx) error {
			ids := make([]string, len(chunk))
			for i, u := range chunk {
				ids[i] = u.ID
			}
			query := s.spec.rebind("SELECT id FROM units WHERE id IN (" + placeholders(len(ids)) + ")")
			rows, err := tx.QueryContext(ctx, query, toAny(ids)...)
			if err != nil {
				return fmt.Errorf("batch insert probe: %w", err)
			}
			existing := make(map[string]bool)
			for rows.Next() {
				var id string
				if err := rows.Scan(&id); err != nil {
					rows.Close()
					return fmt.Errorf("batch insert probe scan: %w", err)
				}
				existing[id] = true
			}
			rows.Close()
			if err := rows.Err(); err != nil {
				return fmt.Errorf("batch insert probe rows: %w", err)
			}
			for _, u := range chunk {
				if existing[u.ID] {
					continue
				}
				if err := s.insertRow(ctx, tx, u); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		p.Update(len(chunk))
		return nil
	})
}

// BatchRemove implements knowbase.Store with chunked deletes.
func (s *Store) BatchRemove(ctx context.Context, ids []string, p knowbase.Progress) error {
	p = knowbase.ProgressOrNop(p)
	p.SetTotal(len(ids))
	defer p.Close()

	return knowbase.Chunk(len(ids), batchSize, func(lo, hi int) error {
		chunk := ids[lo:hi]
		query := s.spec.rebind("DELETE FROM units WHERE id IN (" + placeholders(len(chunk)) + ")")
		if _, err := s.db.ExecContext(ctx, query, toAny(chunk)...); err != nil {
			return fmt.Errorf("batch remove: %w", err)
		}
		p.Update(len(chunk))
		return nil
	})
}

// List implements knowbase.Store. Placeholder rows are included.
func (s *Store) List(ctx context.Context) ([]knowbase.Unit, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+unitColumns+" FROM units")
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	defer rows.Close()

	var out []knowbase.Unit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, fmt.Errorf("list scan: %w", err)
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
	query := s.spec.rebind("SELECT COUNT(*) FROM units WHERE kind <> ?")
	if err := s.db.QueryRowContext(ctx, query, string(knowbase.KindPlaceholder)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

// Clear implements knowbase.Store. Placeholder rows survive so the schema
// stays materialized.
func (s *Store) Clear(ctx context.Context) error {
	query := s.spec.rebind("DELETE FROM units WHERE kind <> ?")
	if _, err := s.db.ExecContext(ctx, query, string(knowbase.KindPlaceholder)); err != nil {
		return fmt.Errorf("clear: %w", err)
	}
	return nil
}

// Name implements knowbase.Store.
func (s *Store) Name() string { return s.name }

// Close implements knowbase.Store.
func (s *Store) Close() error { return s.db.Close() }

// Tables lists the backend's user tables via the dialect catalog.
func (s *Store) Tables(ctx context.Context) ([]string, error) {
	return s.stringColumn(ctx, s.spec.tablesQuery)
}

// Views lists the backend's views via the dialect catalog.
func (s *Store) Views(ctx context.Context) ([]string, error) {
	return s.stringColumn(ctx, s.spec.viewsQuery)
}

// Columns lists the column names of one table.
func (s *Store) Columns(ctx context.Context, table string) ([]string, error) {
	return s.stringColumn(ctx, s.spec.columnsQuery, table)
}

// ColumnType returns the declared type of one column. An unknown column is
// ErrNotFound.
func (s *Store) ColumnType(ctx context.Context, table, column string) (string, error) {
	var typ string
	err := s.db.QueryRowContext(ctx, s.spec.columnTypeQuery, table, column).Scan(&typ)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: column %s.%s", knowbase.ErrNotFound, table, column)
	}
	if err != nil {
		return "", fmt.Errorf("column type: %w", err)
	}
	return typ, nil
}

// PrimaryKey lists the primary key column(s) of one table.
func (s *Store) PrimaryKey(ctx context.Context, table string) ([]string, error) {
	return s.stringColumn(ctx, s.spec.primaryKeyQuery, table)
}

// ColumnValues lists the distinct values of one column, capped at limit when
// limit is positive. Table and column names are validated and quoted; bind
// parameters cannot carry them.
func (s *Store) ColumnValues(ctx context.Context, table, column string, limit int) ([]string, error) {
	qt, qc, err := quoteTableColumn(table, column)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT DISTINCT %s FROM %s", qc, qt)
	return s.cappedColumn(ctx, query, limit)
}

// FrequentColumnValues lists the values of one column ordered by descending
// occurrence count, capped at limit when limit is positive.
func (s *Store) FrequentColumnValues(ctx context.Context, table, column string, limit int) ([]string, error) {
	qt, qc, err := quoteTableColumn(table, column)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT %s FROM %s GROUP BY %s ORDER BY COUNT(*) DESC", qc, qt, qc)
	return s.cappedColumn(ctx, query, limit)
}

func (s *Store) cappedColumn(ctx context.Context, query string, limit int) ([]string, error) {
	if limit > 0 {
		return s.stringColumn(ctx, s.spec.rebind(query+" LIMIT ?"), limit)
	}
	return s.stringColumn(ctx, query)
}

func (s *Store) stringColumn(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("introspect: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v sql.NullString
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("introspect scan: %w", err)
		}
		out = append(out, v.String)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("introspect rows: %w", err)
	}
	return out, nil
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn("rollback failed", "store", s.name, "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) insertRow(ctx context.Context, tx *sql.Tx, u knowbase.Unit) error {
	resources, err := encodeJSON(u.Resources)
	if err != nil {
		return fmt.Errorf("encode resources of %q: %w", u.ID, err)
	}
	tags, err := encodeJSON(u.Tags)
	if err != nil {
		return fmt.Errorf("encode tags of %q: %w", u.ID, err)
	}
	metadata, err := encodeJSON(u.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata of %q: %w", u.ID, err)
	}
	composers, err := encodeJSON(u.Composers)
	if err != nil {
		return fmt.Errorf("encode composers of %q: %w", u.ID, err)
	}
	triggers, err := encodeJSON(u.Triggers)
	if err != nil {
		return fmt.Errorf("encode triggers of %q: %w", u.ID, err)
	}

	query := s.spec.rebind("INSERT INTO units (" + unitColumns + ") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
	_, err = tx.ExecContext(ctx, query,
		u.ID, string(u.Kind), u.Name, u.Content,
		resources, tags, metadata, composers, triggers,
		u.Priority,
		u.CreatedAt.UTC().Format(time.RFC3339Nano),
		u.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert %q: %w", u.ID, err)
	}
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanUnit(r rowScanner) (knowbase.Unit, error) {
	var (
		u          knowbase.Unit
		kind       string
		resources  sql.NullString
		tags       sql.NullString
		metadata   sql.NullString
		composers  sql.NullString
		triggers   sql.NullString
		createdAt  string
		updatedAt  string
	)
	err := r.Scan(&u.ID, &kind, &u.Name, &u.Content,
		&resources, &tags, &metadata, &composers, &triggers,
		&u.Priority, &createdAt, &updatedAt)
	if err != nil {
		return knowbase.Unit{}, err
	}
	u.Kind = knowbase.Kind(kind)

	if err := decodeJSON(resources, &u.Resources); err != nil {
		return knowbase.Unit{}, fmt.Errorf("decode resources of %q: %w", u.ID, err)
	}
	if err := decodeJSON(tags, &u.Tags); err != nil {
		return knowbase.Unit{}, fmt.Errorf("decode tags of %q: %w", u.ID, err)
	}
	if err := decodeJSON(metadata, &u.Metadata); err != nil {
		return knowbase.Unit{}, fmt.Errorf("decode metadata of %q: %w", u.ID, err)
	}
	if err := decodeJSON(composers, &u.Composers); err != nil {
		return knowbase.Unit{}, fmt.Errorf("decode composers of %q: %w", u.ID, err)
	}
	if err := decodeJSON(triggers, &u.Triggers); err != nil {
		return knowbase.Unit{}, fmt.Errorf("decode triggers of %q: %w", u.ID, err)
	}

	if u.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return knowbase.Unit{}, fmt.Errorf("%w: created_at of %q: %v", knowbase.ErrSchemaMismatch, u.ID, err)
	}
	if u.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return knowbase.Unit{}, fmt.Errorf("%w: updated_at of %q: %v", knowbase.ErrSchemaMismatch, u.ID, err)
	}
	return u, nil
}

// encodeJSON maps empty collections to NULL so the row mirrors the zero Unit.
func encodeJSON(v any) (any, error) {
	switch t := v.(type) {
	case map[string]string:
		if len(t) == 0 {
			return nil, nil
		}
	case map[string]any:
		if len(t) == 0 {
			return nil, nil
		}
	case []string:
		if len(t) == 0 {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func decodeJSON(v sql.NullString, dst any) error {
	if !v.Valid || strings.TrimSpace(v.String) == "" {
		return nil
	}
	return json.Unmarshal([]byte(v.String), dst)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func toAny(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}
