// Package store is the Postgres repository for leads, conversations,
// communications, and the audit records around them. All writes that race
// with other workers go through compare-and-set on a version column or
// ON CONFLICT idempotency guards.
package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/cadencehq/cadence/internal/apperr"
)

// Store wraps the shared database handle.
type Store struct {
	db *sql.DB
}

// New creates a Store over an open database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for components that share the pool
// (job queue, scheduler).
func (s *Store) DB() *sql.DB { return s.db }

// ErrVersionConflict is returned when a compare-and-set write observes an
// intervening update. Callers reload and retry.
var ErrVersionConflict = errors.New("store: version conflict")

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("store: not found")

// classify maps a database error onto the shared taxonomy. Unique and check
// violations are permanent; connection-level failures and deadlocks are
// transient and retried by callers.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505": // unique_violation
			return apperr.Wrap(apperr.CodeStorePermanent, op+": unique violation", err)
		case "23503", "23514": // foreign_key, check violations
			return apperr.Wrap(apperr.CodeStorePermanent, op+": constraint violation", err)
		case "40001", "40P01": // serialization failure, deadlock
			return apperr.Wrap(apperr.CodeStoreTransient, op+": serialization conflict", err)
		}
	}
	return apperr.Wrap(apperr.CodeStoreTransient, op, err)
}

// Ping verifies connectivity with the documented 5s database budget.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return classify("ping", err)
	}
	return nil
}
