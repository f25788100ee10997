package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/heraldlab/broadcast-delivery-service/internal/domain/model"
)

// userRowBatchSize bounds multi-VALUES inserts; two bind params per row keeps
// each statement far under the driver's parameter ceiling.
const userRowBatchSize = 1000

// EnsureUserRows idempotently materializes per-recipient rows for a
// broadcast, batched. Returns how many rows were actually inserted.
func (s *Store) EnsureUserRows(ctx context.Context, broadcastID int64, userIDs []string) (int64, error) {
	var inserted int64
	for start := 0; start < len(userIDs); start += userRowBatchSize {
		end := start + userRowBatchSize
		if end > len(userIDs) {
			end = len(userIDs)
		}
		n, err := s.insertUserRowBatch(ctx, broadcastID, userIDs[start:end])
		if err != nil {
			return inserted, err
		}
		inserted += n
	}
	return inserted, nil
}

func (s *Store) insertUserRowBatch(ctx context.Context, broadcastID int64, userIDs []string) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var sb strings.Builder
	sb.WriteString(`INSERT INTO user_broadcast_messages (broadcast_id, user_id) VALUES `)
	args := make([]any, 0, len(userIDs)*2)
	for i, uid := range userIDs {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "($%d,$%d)", len(args)+1, len(args)+2)
		args = append(args, broadcastID, uid)
	}
	sb.WriteString(` ON CONFLICT (broadcast_id, user_id) DO NOTHING`)

	res, err := s.db.ExecContext(ctx, sb.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("insert user rows for %d: %w", broadcastID, err)
	}
	return res.RowsAffected()
}

// MarkDelivered flips a PENDING row to DELIVERED and bumps the delivered
// counter. Duplicate deliveries are no-ops; returns whether the row flipped.
func (s *Store) MarkDelivered(ctx context.Context, broadcastID int64, userID string) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var flipped bool
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE user_broadcast_messages
			SET delivery_status = $3, delivered_at = now(), updated_at = now()
			WHERE broadcast_id = $1 AND user_id = $2 AND delivery_status = $4`,
			broadcastID, userID, model.DeliveryDelivered, model.DeliveryPending)
		if err != nil {
			return fmt.Errorf("mark delivered (%d,%s): %w", broadcastID, userID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		flipped = true
		_, err = tx.ExecContext(ctx, `
			UPDATE broadcast_statistics
			SET total_delivered = total_delivered + 1, updated_at = now()
			WHERE broadcast_id = $1`, broadcastID)
		return err
	})
	return flipped, err
}

// MarkRead acknowledges a message. Reading implies delivery, so a still
// PENDING row is upgraded and delivered_at backfilled in the same statement.
// Superseded rows never flip. Outbox rows are staged only when the row
// actually flips, so a repeated acknowledgement stages no second receipt.
// Returns whether the row flipped.
func (s *Store) MarkRead(ctx context.Context, broadcastID int64, userID string, outbox ...model.OutboxRow) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var flipped bool
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE user_broadcast_messages
			SET read_status = $3,
			    read_at = now(),
			    delivery_status = CASE WHEN delivery_status = $4 THEN $5 ELSE delivery_status END,
			    delivered_at = COALESCE(delivered_at, now()),
			    updated_at = now()
			WHERE broadcast_id = $1 AND user_id = $2
			  AND read_status = $6 AND delivery_status <> $7`,
			broadcastID, userID,
			model.ReadRead, model.DeliveryPending, model.DeliveryDelivered,
			model.ReadUnread, model.DeliverySuperseded)
		if err != nil {
			return fmt.Errorf("mark read (%d,%s): %w", broadcastID, userID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		flipped = true
		if _, err = tx.ExecContext(ctx, `
			UPDATE broadcast_statistics
			SET total_read = total_read + 1, updated_at = now()
			WHERE broadcast_id = $1`, broadcastID); err != nil {
			return err
		}
		return insertOutboxTx(ctx, tx, outbox)
	})
	return flipped, err
}

// MarkFailed records a dead-lettered delivery. READ and SUPERSEDED rows are
// left alone; FAILED→FAILED is an idempotent no-op.
func (s *Store) MarkFailed(ctx context.Context, broadcastID int64, userID string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		UPDATE user_broadcast_messages
		SET delivery_status = $3, updated_at = now()
		WHERE broadcast_id = $1 AND user_id = $2
		  AND read_status = $4 AND delivery_status IN ($5, $6)`,
		broadcastID, userID,
		model.DeliveryFailed, model.ReadUnread,
		model.DeliveryPending, model.DeliveryDelivered)
	if err != nil {
		return fmt.Errorf("mark failed (%d,%s): %w", broadcastID, userID, err)
	}
	return nil
}

// ResetRowToPending rearms a FAILED row ahead of a redrive.
func (s *Store) ResetRowToPending(ctx context.Context, broadcastID int64, userID string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		UPDATE user_broadcast_messages
		SET delivery_status = $3, delivered_at = NULL, updated_at = now()
		WHERE broadcast_id = $1 AND user_id = $2 AND delivery_status = $4`,
		broadcastID, userID, model.DeliveryPending, model.DeliveryFailed)
	if err != nil {
		return fmt.Errorf("reset row (%d,%s): %w", broadcastID, userID, err)
	}
	return nil
}

func supersedeRowsTx(ctx context.Context, tx *sqlx.Tx, broadcastID int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE user_broadcast_messages
		SET delivery_status = $2, updated_at = now()
		WHERE broadcast_id = $1
		  AND read_status = $3 AND delivery_status IN ($4, $5)`,
		broadcastID, model.DeliverySuperseded,
		model.ReadUnread, model.DeliveryPending, model.DeliveryDelivered)
	if err != nil {
		return fmt.Errorf("supersede rows for %d: %w", broadcastID, err)
	}
	return nil
}

// GetUserRow fetches one per-recipient row.
func (s *Store) GetUserRow(ctx context.Context, broadcastID int64, userID string) (*model.UserBroadcastRow, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var row model.UserBroadcastRow
	err := s.db.GetContext(ctx, &row, `
		SELECT broadcast_id, user_id, delivery_status, read_status,
		       delivered_at, read_at, created_at, updated_at
		FROM user_broadcast_messages
		WHERE broadcast_id = $1 AND user_id = $2`, broadcastID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user row (%d,%s): %w", broadcastID, userID, err)
	}
	return &row, nil
}

// ListDeliveries pages a broadcast's per-recipient rows for the admin view.
func (s *Store) ListDeliveries(ctx context.Context, broadcastID int64, limit, offset int) ([]model.UserBroadcastRow, int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var total int64
	if err := s.db.GetContext(ctx, &total,
		`SELECT COUNT(*) FROM user_broadcast_messages WHERE broadcast_id = $1`, broadcastID); err != nil {
		return nil, 0, fmt.Errorf("count deliveries for %d: %w", broadcastID, err)
	}

	var rows []model.UserBroadcastRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT broadcast_id, user_id, delivery_status, read_status,
		       delivered_at, read_at, created_at, updated_at
		FROM user_broadcast_messages
		WHERE broadcast_id = $1
		ORDER BY user_id ASC
		LIMIT $2 OFFSET $3`, broadcastID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list deliveries for %d: %w", broadcastID, err)
	}
	return rows, total, nil
}

// ListUserMessages returns the user's unread messages: rows of ACTIVE
// broadcasts not yet read, superseded or failed, newest broadcast first.
// This is the reconciliation source clients hit after (re)connecting.
func (s *Store) ListUserMessages(ctx context.Context, userID string) ([]model.UserMessage, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var out []model.UserMessage
	err := s.db.SelectContext(ctx, &out, `
		SELECT b.id, b.sender_id, b.sender_name, b.content, b.target_kind, b.target_ids,
		       b.priority, b.category, b.status, b.fire_and_forget, b.scheduled_at,
		       b.expires_at, b.created_at, b.updated_at,
		       ub.read_status, ub.delivered_at, ub.read_at
		FROM user_broadcast_messages ub
		JOIN broadcast_messages b ON b.id = ub.broadcast_id
		WHERE ub.user_id = $1
		  AND b.status = $2
		  AND ub.read_status = $3
		  AND ub.delivery_status IN ($4, $5)
		ORDER BY b.created_at DESC`,
		userID, model.StatusActive, model.ReadUnread,
		model.DeliveryPending, model.DeliveryDelivered)
	if err != nil {
		return nil, fmt.Errorf("list messages for %s: %w", userID, err)
	}
	return out, nil
}
