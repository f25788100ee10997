/*
Package store is the persistence layer: broadcasts, per-recipient rows,
delivery stats, the transactional outbox, dead-letter entries and the
distributed scheduler locks.

Every state-changing operation commits in the same transaction as the outbox
rows describing it, so the relay can never observe a state change without its
event or vice versa. Status transitions are compare-and-set; duplicate
triggers surface as model.ErrAlreadyInState and are treated as no-ops by
callers. Claim queries use FOR UPDATE SKIP LOCKED so concurrent workers
progress without lock convoys.
*/
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

const defaultQueryTimeout = 10 * time.Second

// Store wraps the database handle. All methods are safe for concurrent use.
type Store struct {
	db      *sqlx.DB
	logger  *slog.Logger
	timeout time.Duration
}

func New(db *sqlx.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger, timeout: defaultQueryTimeout}
}

// DB exposes the handle for migration runs.
func (s *Store) DB() *sqlx.DB { return s.db }

// withTx runs fn in a transaction, rolling back on error or panic.
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}
