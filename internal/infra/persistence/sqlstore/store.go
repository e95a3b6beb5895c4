// Package sqlstore implements domain.PersistentStore on database/sql. The
// Postgres and SQLite adapters share it and differ only in their Dialect.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"labportal/internal/infra/persistence/sqlbundle"
	"labportal/pkg/domain"
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

// Dialect captures the differences between supported SQL engines.
type Dialect struct {
	Name string
	// DDL is applied statement by statement when the store opens.
	DDL string
	// NumberedParams rewrites ? placeholders to $1, $2, ...
	NumberedParams bool
	// DateValue converts a session date into the driver argument for a DATE column.
	DateValue func(time.Time) any
}

// Postgres is the dialect used with the pgx database/sql driver.
func Postgres() Dialect {
	return Dialect{
		Name:           "postgres",
		DDL:            sqlbundle.Postgres(),
		NumberedParams: true,
		DateValue:      func(t time.Time) any { return t.UTC() },
	}
}

// SQLite is the dialect used with modernc.org/sqlite. Dates are stored as text.
func SQLite() Dialect {
	return Dialect{
		Name:      "sqlite",
		DDL:       sqlbundle.SQLite(),
		DateValue: func(t time.Time) any { return t.UTC().Format(domain.SessionDateLayout) },
	}
}

// Rebind rewrites the ? placeholders of query for the dialect.
func (d Dialect) Rebind(query string) string {
	if !d.NumberedParams {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Store is a relational persistent store.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// New wraps an open database without touching the schema.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// Open wraps db and applies the dialect DDL.
func Open(ctx context.Context, db *sql.DB, dialect Dialect) (*Store, error) {
	if err := ApplyDDL(ctx, db, dialect.DDL); err != nil {
		return nil, err
	}
	return New(db, dialect), nil
}

// ApplyDDL executes every statement of ddl in order.
func ApplyDDL(ctx context.Context, db *sql.DB, ddl string) error {
	for _, stmt := range sqlbundle.SplitStatements(ddl) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Dialect reports the SQL dialect of the store.
func (s *Store) Dialect() Dialect { return s.dialect }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// RunInTransaction executes fn inside one database transaction. The
// transaction is rolled back when fn fails and committed otherwise.
func (s *Store) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()
	if err := fn(&transaction{tx: sqlTx, dialect: s.dialect}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Browse returns up to limit rows of table, newest first by its leading column.
func (s *Store) Browse(ctx context.Context, table domain.Table, limit int) (domain.TableView, error) {
	t, ok := domain.ParseTable(string(table))
	if !ok {
		return domain.TableView{}, fmt.Errorf("%w: %q", domain.ErrUnknownTable, table)
	}
	if limit <= 0 {
		limit = domain.DefaultBrowseLimit
	}
	// t comes from the allow-list, never from caller input.
	query := s.dialect.Rebind("SELECT * FROM " + string(t) + " ORDER BY 1 DESC LIMIT ?")
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return domain.TableView{}, fmt.Errorf("browse %s: %w", t, err)
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return domain.TableView{}, fmt.Errorf("browse %s columns: %w", t, err)
	}
	dbTypes := make([]string, len(cols))
	if colTypes, err := rows.ColumnTypes(); err == nil {
		for i, ct := range colTypes {
			dbTypes[i] = ct.DatabaseTypeName()
		}
	}
	view := domain.TableView{Table: t, Columns: cols, Rows: [][]any{}}
	for rows.Next() {
		raw := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return domain.TableView{}, fmt.Errorf("browse %s scan: %w", t, err)
		}
		for i, v := range raw {
			raw[i] = normalizeValue(v, dbTypes[i])
		}
		view.Rows = append(view.Rows, raw)
	}
	if err := rows.Err(); err != nil {
		return domain.TableView{}, fmt.Errorf("browse %s: %w", t, err)
	}
	return view, nil
}

func normalizeValue(v any, dbType string) any {
	switch x := v.(type) {
	case nil:
		return nil
	case []byte:
		return string(x)
	case time.Time:
		if strings.EqualFold(dbType, "DATE") {
			return x.Format(domain.SessionDateLayout)
		}
		return x.UTC().Format(time.RFC3339)
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case int16:
		return int64(x)
	case float32:
		return float64(x)
	default:
		return x
	}
}
