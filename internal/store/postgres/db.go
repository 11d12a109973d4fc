// Package postgres implements store.Store on PostgreSQL through database/sql
// and lib/pq. Multi-entity writes run in one transaction; the active-match
// race is closed by a partial unique index on the canonical pair.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/emberapp/matchcore/internal/apperr"
	"github.com/emberapp/matchcore/internal/logging"
	"github.com/emberapp/matchcore/internal/metrics"
	"github.com/emberapp/matchcore/internal/store"
)

var _ store.Store = (*Store)(nil)

// Config tunes the connection pool and per-call timeout.
type Config struct {
	DatabaseURL  string
	MaxOpenConns int
	Timeout      time.Duration
}

// DefaultConfig returns pool settings suitable for one gateway instance.
func DefaultConfig() Config {
	return Config{
		DatabaseURL:  "postgres://localhost:5432/matchcore?sslmode=disable",
		MaxOpenConns: 25,
		Timeout:      3 * time.Second,
	}
}

// Store is the PostgreSQL store.
type Store struct {
	db      *sql.DB
	timeout time.Duration
	log     *zap.SugaredLogger
}

// Open connects to PostgreSQL using the lib/pq driver and verifies the
// connection.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns / 2)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return db, nil
}

// New wraps an open database. timeout bounds every call; zero disables it.
func New(db *sql.DB, timeout time.Duration, log *zap.SugaredLogger) *Store {
	return &Store{db: db, timeout: timeout, log: logging.OrNop(log).Named("postgres")}
}

// DB exposes the handle for components sharing the pool.
func (s *Store) DB() *sql.DB {
	return s.db
}

// op starts a timed call. The returned function records latency and must
// be deferred.
func (s *Store) op(ctx context.Context, name string) (context.Context, func()) {
	start := time.Now()
	cancel := context.CancelFunc(func() {})
	if s.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
	}
	return ctx, func() {
		cancel()
		metrics.ObserveStore(name, start)
	}
}

// inTx runs fn in a transaction, rolling back on any error.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.log.Warnw("rollback failed", "error", rbErr)
		}
		return err
	}
	return tx.Commit()
}

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// mapErr translates driver errors into the apperr taxonomy. Errors already
// classified pass through unchanged.
func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range []error{apperr.ErrNotFound, apperr.ErrConflict, apperr.ErrForbidden, apperr.ErrInvalidArgument, apperr.ErrTransient} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound("%s", op)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return apperr.Conflict("%s: %s", op, pqErr.Constraint)
	}
	return apperr.Transient(op, err)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
