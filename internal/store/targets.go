package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// ReplaceTargets freezes the resolved audience of a broadcast. Delete and
// insert run in one transaction, so readers see either the complete set or
// none of it: a fan-out resumed after a crash re-expands instead of reusing
// a half-written snapshot.
func (s *Store) ReplaceTargets(ctx context.Context, broadcastID int64, userIDs []string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM broadcast_user_targets WHERE broadcast_id = $1`, broadcastID); err != nil {
			return fmt.Errorf("clear targets of %d: %w", broadcastID, err)
		}
		for start := 0; start < len(userIDs); start += userRowBatchSize {
			end := start + userRowBatchSize
			if end > len(userIDs) {
				end = len(userIDs)
			}
			if err := insertTargetBatchTx(ctx, tx, broadcastID, userIDs[start:end]); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertTargetBatchTx(ctx context.Context, tx *sqlx.Tx, broadcastID int64, userIDs []string) error {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO broadcast_user_targets (broadcast_id, user_id) VALUES `)
	args := make([]any, 0, len(userIDs)*2)
	for i, uid := range userIDs {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "($%d,$%d)", len(args)+1, len(args)+2)
		args = append(args, broadcastID, uid)
	}
	sb.WriteString(` ON CONFLICT (broadcast_id, user_id) DO NOTHING`)

	if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("insert targets for %d: %w", broadcastID, err)
	}
	return nil
}

// TargetedUsers reads the frozen audience back, sorted for stable routing
// order. Empty means the broadcast never reached its first fan-out.
func (s *Store) TargetedUsers(ctx context.Context, broadcastID int64) ([]string, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var out []string
	err := s.db.SelectContext(ctx, &out,
		`SELECT user_id FROM broadcast_user_targets WHERE broadcast_id = $1 ORDER BY user_id`, broadcastID)
	if err != nil {
		return nil, fmt.Errorf("targeted users for %d: %w", broadcastID, err)
	}
	return out, nil
}
