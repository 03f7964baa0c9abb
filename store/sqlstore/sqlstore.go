/*
Package sqlstore provides the SQL implementation of ledger.Store.

PURPOSE:
  Implements every persistence interface the engines use on top of
  database/sql. SQLite is the default (and what the tests run against);
  MySQL is the production target. Only the DDL differs between the two.

KEY TABLES:
  payment_batches, payment_allocations: what a batch pays
  price_schedule_locks:                 one active lock per (schedule, type)
  advance_cheques, advance_deductions:  the advance ledger
  cheques, consolidated_cheques:        what was issued
  reconciliation_reports, payment_exceptions
  audit_log, sequences

UNIQUENESS:
  Batch numbers, cheque numbers and advance numbers carry UNIQUE indexes;
  active schedule locks are unique through the nullable lock_key column.
  Violations surface as ledger.ErrDuplicate.

CONCURRENCY:
  No in-process locking. SQLite is limited to a single open connection, so
  writers serialise and a ":memory:" database is shared by every caller.
  MySQL relies on InnoDB row locks and the guarded UPDATEs.

AMOUNTS:
  Stored as TEXT on SQLite and DECIMAL(18,2) on MySQL; decimal.Decimal is
  both the Scanner and the Valuer. Sums are computed in Go.

USAGE:
  store, err := sqlstore.Open(sqlstore.DriverSQLite, "./ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is created on Open. For production, use a versioned migration tool.

SEE ALSO:
  - ledger/store.go: interface definitions
  - schema.go: tables and dialects
*/
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/grower-ledger/ledger"
)

const (
	DriverSQLite = "sqlite3"
	DriverMySQL  = "mysql"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements ledger.Store. A Store returned to a WithTx callback is
// bound to that transaction; every statement it runs goes through it.
type Store struct {
	db      *sql.DB
	dialect dialect
	q       querier
	tx      *sql.Tx
}

var _ ledger.Store = (*Store)(nil)

// Options tune the connection pool. Zero values keep the driver defaults.
type Options struct {
	MaxOpenConns int
}

// Open connects to the database and creates the schema.
// Use ":memory:" with DriverSQLite for an in-memory database.
func Open(driver, dsn string, opts ...Options) (*Store, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}

	var opt Options
	if len(opts) > 0 {
		opt = opts[0]
	}

	switch driver {
	case DriverSQLite:
		dsn = sqliteDSN(dsn)
	case DriverMySQL:
		if dsn, err = mysqlDSN(dsn); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	} else if opt.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opt.MaxOpenConns)
	}

	store := &Store{db: db, dialect: d, q: db}
	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func sqliteDSN(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_foreign_keys=on&_journal_mode=WAL"
}

func mysqlDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN(), nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Driver returns the driver name the store was opened with.
func (s *Store) Driver() string { return s.dialect.name }

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.statements() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w\n%s", err, stmt)
		}
	}
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a database transaction. A store that is already
// bound to a transaction runs fn in it directly.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) (err error) {
	if s.tx != nil {
		return fn(s)
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Persistence("begin transaction", err)
	}
	defer func() {
		if p := recover(); p != nil {
			sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			sqlTx.Rollback()
		}
	}()

	if err = fn(&Store{db: s.db, dialect: s.dialect, q: sqlTx, tx: sqlTx}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return ledger.Persistence("commit transaction", err)
	}
	return nil
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	return s.WithTx(ctx, func(tx ledger.Store) error {
		q := tx.(*Store).q
		for i := len(schema) - 1; i >= 0; i-- {
			if _, err := q.ExecContext(ctx, "DELETE FROM "+schema[i].name); err != nil {
				return ledger.Persistence("reset "+schema[i].name, err)
			}
		}
		return nil
	})
}

type scanner interface {
	Scan(dest ...any) error
}

// queryAll drains rows into a slice before returning so the connection is
// free for the next statement.
func queryAll[T any](ctx context.Context, q querier, op string, scan func(scanner) (T, error), query string, args ...any) ([]T, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ledger.Persistence(op, err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, ledger.Persistence(op, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, ledger.Persistence(op, err)
	}
	return out, nil
}

// queryOne returns (nil, nil) when no row matches.
func queryOne[T any](ctx context.Context, q querier, op string, scan func(scanner) (T, error), query string, args ...any) (*T, error) {
	v, err := scan(q.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, ledger.Persistence(op, err)
	}
	return &v, nil
}

func (s *Store) insert(ctx context.Context, op, query string, args ...any) (int64, error) {
	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, ledger.Persistence(op, classify(err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, ledger.Persistence(op, err)
	}
	return id, nil
}

func (s *Store) exec(ctx context.Context, op, query string, args ...any) (int64, error) {
	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, ledger.Persistence(op, classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, ledger.Persistence(op, err)
	}
	return n, nil
}

// in expands a status set into "?, ?, ?" and its arguments.
func in[S ~string](values []S) (string, []any) {
	marks := make([]string, len(values))
	args := make([]any, len(values))
	for i, v := range values {
		marks[i] = "?"
		args[i] = string(v)
	}
	return strings.Join(marks, ", "), args
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nullID[T ~int64](id *T) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*id), Valid: true}
}

func idPtr[T ~int64](n sql.NullInt64) *T {
	if !n.Valid {
		return nil
	}
	v := T(n.Int64)
	return &v
}

func nullInt(n *int) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*n), Valid: true}
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}
