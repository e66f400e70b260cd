package sqlstore

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/knowbase/knowbase"
)

// Dialect names a supported relational backend.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Valid reports whether the dialect is supported.
func (d Dialect) Valid() bool {
	return d == DialectSQLite || d == DialectPostgres
}

// dialectSpec carries the per-backend SQL the store cannot express portably:
// parameter style and the catalog queries used for schema introspection.
type dialectSpec struct {
	driverName string

	// tablesQuery lists user table names, one column.
	tablesQuery string

	// viewsQuery lists user view names, one column.
	viewsQuery string

	// columnsQuery lists column names of one table; takes the table name as
	// its only parameter.
	columnsQuery string

	// columnTypeQuery returns the declared type of one column; takes the
	// table and column names as parameters.
	columnTypeQuery string

	// primaryKeyQuery returns the primary key column(s) of one table; takes
	// the table name as its only parameter.
	primaryKeyQuery string

	// numbered reports $1-style parameters instead of ?.
	numbered bool
}

var dialects = map[Dialect]dialectSpec{
	DialectSQLite: {
		driverName:      "sqlite",
		tablesQuery:     `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`,
		viewsQuery:      `SELECT name FROM sqlite_master WHERE type = 'view' ORDER BY name`,
		columnsQuery:    `SELECT name FROM pragma_table_info(?) ORDER BY cid`,
		columnTypeQuery: `SELECT type FROM pragma_table_info(?) WHERE name = ?`,
		primaryKeyQuery: `SELECT name FROM pragma_table_info(?) WHERE pk > 0 ORDER BY pk`,
	},
	DialectPostgres: {
		driverName: "pgx",
		tablesQuery: `SELECT table_name FROM information_schema.tables
			WHERE table_schema = 'public' AND table_type = 'BASE TABLE' ORDER BY table_name`,
		viewsQuery: `SELECT table_name FROM information_schema.views
			WHERE table_schema = 'public' ORDER BY table_name`,
		columnsQuery: `SELECT column_name FROM information_schema.columns
			WHERE table_schema = 'public' AND table_name = $1 ORDER BY ordinal_position`,
		columnTypeQuery: `SELECT data_type FROM information_schema.columns
			WHERE table_schema = 'public' AND table_name = $1 AND column_name = $2`,
		primaryKeyQuery: `SELECT kcu.column_name
			FROM information_schema.table_constraints tc
			JOIN information_schema.key_column_usage kcu
			  ON tc.constraint_name = kcu.constraint_name
			 AND tc.table_schema = kcu.table_schema
			WHERE tc.constraint_type = 'PRIMARY KEY'
			  AND tc.table_schema = 'public' AND tc.table_name = $1
			ORDER BY kcu.ordinal_position`,
		numbered: true,
	},
}

// rebind rewrites ?-style placeholders into the dialect's parameter style.
func (s dialectSpec) rebind(query string) string {
	if !s.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// identPattern is the shape of identifiers accepted for interpolation into
// introspection SQL. Everything else goes through bind parameters.
var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// quoteIdent validates and quotes an identifier for the rare statements where
// a bind parameter cannot stand in (table names in SELECT ... FROM).
func quoteIdent(name string) (string, error) {
	if !identPattern.MatchString(name) {
		return "", fmt.Errorf("%w: invalid identifier %q", knowbase.ErrValidation, name)
	}
	return `"` + name + `"`, nil
}

func quoteTableColumn(table, column string) (qt, qc string, err error) {
	if qt, err = quoteIdent(table); err != nil {
		return "", "", err
	}
	if qc, err = quoteIdent(column); err != nil {
		return "", "", err
	}
	return qt, qc, nil
}
