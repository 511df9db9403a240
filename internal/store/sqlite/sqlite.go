// Package sqlite implements the store contracts on SQLite. Filter
// expressions are translated into SQL over a normalized tag table so that
// selection happens inside the database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/lvonguyen/ctiengine/internal/store"
)

// driverName is go-sqlite3 with a fold(text) function that lowercases by
// Unicode rules, matching how the in-memory store compares substrings.
const driverName = "sqlite3_ctiengine"

func init() {
	sql.Register(driverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			return conn.RegisterFunc("fold", strings.ToLower, true)
		},
	})
}

// Config holds database configuration options.
type Config struct {
	Path            string        // Database file path
	MaxOpenConns    int           // Maximum number of open connections
	MaxIdleConns    int           // Maximum number of idle connections
	ConnMaxLifetime time.Duration // Maximum connection lifetime
	BusyTimeout     time.Duration // SQLite busy timeout
}

// DefaultConfig returns defaults for a database at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:            path,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		BusyTimeout:     5 * time.Second,
	}
}

// Store is a SQLite-backed entity and input store.
type Store struct {
	conn   *sql.DB
	path   string
	logger *zap.Logger
}

var (
	_ store.EntityStore = (*Store)(nil)
	_ store.Writer      = (*Store)(nil)
	_ store.InputStore  = (*Store)(nil)
	_ store.Pinger      = (*Store)(nil)
)

// Open connects to the database, enables WAL and foreign keys, and applies
// the schema.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=%d",
		cfg.Path,
		int(cfg.BusyTimeout.Milliseconds()),
	)

	conn, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(cfg.MaxOpenConns)
	conn.SetMaxIdleConns(cfg.MaxIdleConns)
	conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, store.Unavailable("ping", err)
	}

	s := &Store{conn: conn, path: cfg.Path, logger: logger}
	if err := s.migrate(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	logger.Info("Opened SQLite store", zap.String("path", cfg.Path))
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Ping verifies the database can answer a query.
func (s *Store) Ping(ctx context.Context) error {
	var result int
	if err := s.conn.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return store.Unavailable("ping", err)
	}
	return nil
}

// withTx executes fn within a transaction, rolling back when it fails.
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return store.Unavailable("begin transaction", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction error: %w, rollback error: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return store.Unavailable("commit", err)
	}
	return nil
}

// wrapErr passes context errors through unchanged and classifies the rest
// as unavailability.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return store.Unavailable(op, err)
}
