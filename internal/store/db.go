package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// DB wraps a *sql.DB with the driver name needed to pick the right
// migration dialect.
type DB struct {
	SQL    *sql.DB
	Driver string
}

// Open opens a connection pool for the given driver ("sqlite3" or
// "postgres") and DSN.
func Open(driver, dsn string) (*DB, error) {
	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s connection: %w", driver, err)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("pinging %s database: %w", driver, err)
	}
	return &DB{SQL: sqlDB, Driver: driver}, nil
}

// Migrate applies all embedded schema migrations at startup.
func (d *DB) Migrate() error {
	var (
		subdir string
		err    error
	)
	switch d.Driver {
	case "sqlite3":
		subdir = "migrations/sqlite"
	case "postgres":
		subdir = "migrations/postgres"
	default:
		return fmt.Errorf("unsupported migration driver %q", d.Driver)
	}

	src, err := iofs.New(migrationsFS, subdir)
	if err != nil {
		return fmt.Errorf("loading embedded migrations: %w", err)
	}

	var dbDriver database.Driver
	switch d.Driver {
	case "sqlite3":
		dbDriver, err = sqlite3.WithInstance(d.SQL, &sqlite3.Config{})
	case "postgres":
		dbDriver, err = postgres.WithInstance(d.SQL, &postgres.Config{})
	default:
		return fmt.Errorf("unsupported migration driver %q", d.Driver)
	}
	if err != nil {
		return fmt.Errorf("building migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, d.Driver, dbDriver)
	if err != nil {
		return fmt.Errorf("building migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (d *DB) Close() error {
	return d.SQL.Close()
}

// Session is a transactional scope created per reconciler tick and per
// inbound HTTP request.
type Session struct {
	tx     *sql.Tx
	driver string
}

// rebind rewrites "?" placeholders into the target driver's own syntax;
// sqlite3 and postgres are the only two drivers this store supports.
func (s *Session) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b []byte
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b = append(b, '$')
			b = append(b, []byte(fmt.Sprintf("%d", n))...)
			continue
		}
		b = append(b, query[i])
	}
	return string(b)
}

// insert runs an INSERT and returns the new row's id, papering over the
// one driver divergence here: lib/pq does not implement LastInsertId, so
// postgres inserts go through RETURNING id instead.
func (s *Session) insert(ctx context.Context, query string, args ...interface{}) (int64, error) {
	if s.driver == "postgres" {
		var id int64
		err := s.tx.QueryRowContext(ctx, s.rebind(query+` RETURNING id`), args...).Scan(&id)
		return id, err
	}
	res, err := s.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// WithTx runs fn inside a new transaction, committing on success and
// rolling back on error or panic.
func WithTx(ctx context.Context, db *DB, fn func(ctx context.Context, s *Session) error) error {
	tx, err := db.SQL.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	defer func() {
		if v := recover(); v != nil {
			_ = tx.Rollback()
			panic(v)
		}
	}()

	session := &Session{tx: tx, driver: db.Driver}
	if err := fn(ctx, session); err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			return fmt.Errorf("%w: rolling back transaction: %v", err, rerr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}
