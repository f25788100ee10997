package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/heraldlab/broadcast-delivery-service/internal/domain/model"
)

const broadcastColumns = `id, sender_id, sender_name, content, target_kind, target_ids,
	priority, category, status, fire_and_forget, scheduled_at, expires_at,
	created_at, updated_at`

// OutboxFactory builds the outbox row a locked broadcast must emit within the
// claiming transaction.
type OutboxFactory func(b *model.Broadcast) (model.OutboxRow, error)

// CreateBroadcast persists the aggregate, its stats row and, when factory is
// non-nil, one outbox row built against the assigned id, in one transaction.
// The assigned id and timestamps are written back into b before the factory
// runs, so its payload can reference them.
func (s *Store) CreateBroadcast(ctx context.Context, b *model.Broadcast, factory OutboxFactory) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.QueryRowxContext(ctx, `
			INSERT INTO broadcast_messages (sender_id, sender_name, content, target_kind, target_ids,
				priority, category, status, fire_and_forget, scheduled_at, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			RETURNING id, created_at, updated_at`,
			b.SenderID, b.SenderName, b.Content, b.TargetKind, b.TargetIDs,
			b.Priority, b.Category, b.Status, b.FireAndForget, b.ScheduledAt, b.ExpiresAt,
		).Scan(&b.ID, &b.CreatedAt, &b.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert broadcast: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO broadcast_statistics (broadcast_id) VALUES ($1)`, b.ID); err != nil {
			return fmt.Errorf("insert stats row: %w", err)
		}

		if factory == nil {
			return nil
		}
		row, err := factory(b)
		if err != nil {
			return err
		}
		return insertOutboxTx(ctx, tx, []model.OutboxRow{row})
	})
}

func (s *Store) GetBroadcast(ctx context.Context, id int64) (*model.Broadcast, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var b model.Broadcast
	err := s.db.GetContext(ctx, &b,
		`SELECT `+broadcastColumns+` FROM broadcast_messages WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get broadcast %d: %w", id, err)
	}
	return &b, nil
}

// ListBroadcasts pages through broadcasts, newest first, optionally filtered
// by status.
func (s *Store) ListBroadcasts(ctx context.Context, status model.BroadcastStatus, limit, offset int) ([]model.Broadcast, int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	where, args := "", []any{}
	if status != "" {
		where = "WHERE status = $1"
		args = append(args, status)
	}

	var total int64
	if err := s.db.GetContext(ctx, &total,
		`SELECT COUNT(*) FROM broadcast_messages `+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count broadcasts: %w", err)
	}

	query := fmt.Sprintf(`SELECT `+broadcastColumns+` FROM broadcast_messages %s
		ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		where, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	var out []model.Broadcast
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list broadcasts: %w", err)
	}
	return out, total, nil
}

// TransitionStatus is the compare-and-set gate on the lifecycle state
// machine. On success the outbox rows commit in the same transaction.
// Mismatches map to model.ErrAlreadyInState (duplicate trigger) or
// model.ErrTerminalState.
func (s *Store) TransitionStatus(ctx context.Context, id int64, from, to model.BroadcastStatus, outbox ...model.OutboxRow) error {
	if !model.CanTransition(from, to) {
		if from.IsTerminal() {
			return fmt.Errorf("%w: %s", model.ErrTerminalState, from)
		}
		return model.Validationf("illegal transition %s to %s", from, to)
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE broadcast_messages SET status = $3, updated_at = now() WHERE id = $1 AND status = $2`,
			id, from, to)
		if err != nil {
			return fmt.Errorf("cas %d %s->%s: %w", id, from, to, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return s.explainCASMiss(ctx, tx, id, to)
		}
		return insertOutboxTx(ctx, tx, outbox)
	})
}

// explainCASMiss turns a zero-row compare-and-set into the precise sentinel.
func (s *Store) explainCASMiss(ctx context.Context, tx *sqlx.Tx, id int64, to model.BroadcastStatus) error {
	var cur model.BroadcastStatus
	err := tx.GetContext(ctx, &cur, `SELECT status FROM broadcast_messages WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ErrNotFound
	}
	if err != nil {
		return err
	}
	if cur == to {
		return fmt.Errorf("%w: already %s", model.ErrAlreadyInState, cur)
	}
	if cur.IsTerminal() {
		return fmt.Errorf("%w: %s", model.ErrTerminalState, cur)
	}
	return fmt.Errorf("%w: in %s", model.ErrAlreadyInState, cur)
}

// CancelBroadcast transitions to CANCELLED from whatever live state the row
// is in, supersedes unread rows, and stages the outbox rows — one tx.
func (s *Store) CancelBroadcast(ctx context.Context, id int64, outbox ...model.OutboxRow) (*model.Broadcast, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var b model.Broadcast
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &b,
			`SELECT `+broadcastColumns+` FROM broadcast_messages WHERE id = $1 FOR UPDATE`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return model.ErrNotFound
		}
		if err != nil {
			return err
		}
		if b.Status.IsTerminal() {
			return fmt.Errorf("%w: %s", model.ErrTerminalState, b.Status)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE broadcast_messages SET status = $2, updated_at = now() WHERE id = $1`,
			id, model.StatusCancelled); err != nil {
			return fmt.Errorf("cancel %d: %w", id, err)
		}
		if err := supersedeRowsTx(ctx, tx, id); err != nil {
			return err
		}
		b.Status = model.StatusCancelled
		return insertOutboxTx(ctx, tx, outbox)
	})
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// ExpireNow force-expires an ACTIVE broadcast ahead of its deadline,
// superseding unread rows and staging the outbox rows in the same
// transaction. The fire-and-forget sweep calls this when the last target
// disconnects.
func (s *Store) ExpireNow(ctx context.Context, id int64, outbox ...model.OutboxRow) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE broadcast_messages SET status = $2, updated_at = now() WHERE id = $1 AND status = $3`,
			id, model.StatusExpired, model.StatusActive)
		if err != nil {
			return fmt.Errorf("expire %d: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return s.explainCASMiss(ctx, tx, id, model.StatusExpired)
		}
		if err := supersedeRowsTx(ctx, tx, id); err != nil {
			return err
		}
		return insertOutboxTx(ctx, tx, outbox)
	})
}

// LockDueScheduled claims due SCHEDULED broadcasts with skip-locked
// discipline, transitions them to READY and stages one outbox row each, all
// in the claiming transaction. Safe to run from multiple pods.
func (s *Store) LockDueScheduled(ctx context.Context, now time.Time, limit int, factory OutboxFactory) ([]model.Broadcast, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var claimed []model.Broadcast
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := tx.SelectContext(ctx, &claimed, `
			SELECT `+broadcastColumns+` FROM broadcast_messages
			WHERE status = $1 AND scheduled_at <= $2
			ORDER BY scheduled_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED`,
			model.StatusScheduled, now, limit); err != nil {
			return fmt.Errorf("claim due scheduled: %w", err)
		}
		return s.promoteClaimedTx(ctx, tx, claimed, model.StatusReady, factory)
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// LockReady re-claims broadcasts stuck in READY (their orchestration event
// was lost) and stages a fresh outbox row for each. Consumers dedupe via the
// READY→ACTIVE compare-and-set, so re-emission is safe.
func (s *Store) LockReady(ctx context.Context, olderThan time.Time, limit int, factory OutboxFactory) ([]model.Broadcast, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var claimed []model.Broadcast
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := tx.SelectContext(ctx, &claimed, `
			SELECT `+broadcastColumns+` FROM broadcast_messages
			WHERE status = $1 AND updated_at <= $2
			ORDER BY updated_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED`,
			model.StatusReady, olderThan, limit); err != nil {
			return fmt.Errorf("claim stuck ready: %w", err)
		}
		return s.promoteClaimedTx(ctx, tx, claimed, model.StatusReady, factory)
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *Store) promoteClaimedTx(ctx context.Context, tx *sqlx.Tx, claimed []model.Broadcast, to model.BroadcastStatus, factory OutboxFactory) error {
	for i := range claimed {
		b := &claimed[i]
		if _, err := tx.ExecContext(ctx,
			`UPDATE broadcast_messages SET status = $2, updated_at = now() WHERE id = $1`,
			b.ID, to); err != nil {
			return fmt.Errorf("promote %d: %w", b.ID, err)
		}
		b.Status = to

		row, err := factory(b)
		if err != nil {
			return fmt.Errorf("outbox for %d: %w", b.ID, err)
		}
		if err := insertOutboxTx(ctx, tx, []model.OutboxRow{row}); err != nil {
			return err
		}
	}
	return nil
}

// LockExpiredActive claims ACTIVE broadcasts past their expiry, transitions
// them to EXPIRED, supersedes unread rows in bulk and stages one outbox row
// each.
func (s *Store) LockExpiredActive(ctx context.Context, now time.Time, limit int, factory OutboxFactory) ([]model.Broadcast, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var claimed []model.Broadcast
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := tx.SelectContext(ctx, &claimed, `
			SELECT `+broadcastColumns+` FROM broadcast_messages
			WHERE status = $1 AND expires_at IS NOT NULL AND expires_at <= $2
			ORDER BY expires_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED`,
			model.StatusActive, now, limit); err != nil {
			return fmt.Errorf("claim expired: %w", err)
		}
		for i := range claimed {
			b := &claimed[i]
			if _, err := tx.ExecContext(ctx,
				`UPDATE broadcast_messages SET status = $2, updated_at = now() WHERE id = $1`,
				b.ID, model.StatusExpired); err != nil {
				return fmt.Errorf("expire %d: %w", b.ID, err)
			}
			b.Status = model.StatusExpired
			if err := supersedeRowsTx(ctx, tx, b.ID); err != nil {
				return err
			}
			row, err := factory(b)
			if err != nil {
				return fmt.Errorf("outbox for %d: %w", b.ID, err)
			}
			if err := insertOutboxTx(ctx, tx, []model.OutboxRow{row}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ListActiveFireAndForget returns ACTIVE fire-and-forget broadcasts for the
// disconnect-driven expiry check.
func (s *Store) ListActiveFireAndForget(ctx context.Context) ([]model.Broadcast, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var out []model.Broadcast
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+broadcastColumns+` FROM broadcast_messages
		WHERE status = $1 AND fire_and_forget = TRUE`,
		model.StatusActive)
	if err != nil {
		return nil, fmt.Errorf("list fire-and-forget: %w", err)
	}
	return out, nil
}
