package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/heraldlab/broadcast-delivery-service/internal/domain/model"
)

func (s *Store) GetStats(ctx context.Context, broadcastID int64) (*model.BroadcastStats, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var stats model.BroadcastStats
	err := s.db.GetContext(ctx, &stats, `
		SELECT broadcast_id, total_targeted, total_delivered, total_read, updated_at
		FROM broadcast_statistics
		WHERE broadcast_id = $1`, broadcastID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get stats for %d: %w", broadcastID, err)
	}
	return &stats, nil
}

// ListStats fetches counter rows for a page of broadcasts in one query, for
// the denormalized admin listing.
func (s *Store) ListStats(ctx context.Context, ids []int64) (map[int64]model.BroadcastStats, error) {
	if len(ids) == 0 {
		return map[int64]model.BroadcastStats{}, nil
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	query, args, err := sqlx.In(`
		SELECT broadcast_id, total_targeted, total_delivered, total_read, updated_at
		FROM broadcast_statistics
		WHERE broadcast_id IN (?)`, ids)
	if err != nil {
		return nil, fmt.Errorf("build stats query: %w", err)
	}
	var rows []model.BroadcastStats
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list stats: %w", err)
	}
	out := make(map[int64]model.BroadcastStats, len(rows))
	for _, r := range rows {
		out[r.BroadcastID] = r
	}
	return out, nil
}

// SetTotalTargeted records the resolved audience size once fan-out has
// expanded the target spec.
func (s *Store) SetTotalTargeted(ctx context.Context, broadcastID, total int64) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		UPDATE broadcast_statistics
		SET total_targeted = $2, updated_at = now()
		WHERE broadcast_id = $1`, broadcastID, total)
	if err != nil {
		return fmt.Errorf("set total targeted for %d: %w", broadcastID, err)
	}
	return nil
}
