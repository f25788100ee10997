package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/heraldlab/broadcast-delivery-service/internal/domain/model"
)

const dltColumns = `id, origin_topic, origin_partition, origin_offset, origin_key,
	payload, title, exception_class, stacktrace, broadcast_id, user_id, failed_at`

// InsertDlt persists a dead-lettered event and returns its assigned id.
func (s *Store) InsertDlt(ctx context.Context, e *model.DltEntry) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO dlt_messages (origin_topic, origin_partition, origin_offset, origin_key,
			payload, title, exception_class, stacktrace, broadcast_id, user_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, failed_at`,
		e.OriginTopic, e.OriginPartition, e.OriginOffset, e.OriginKey,
		e.Payload, e.Title, e.ExceptionClass, e.Stacktrace, e.BroadcastID, e.UserID,
	).Scan(&e.ID, &e.FailedAt)
	if err != nil {
		return fmt.Errorf("insert dlt entry: %w", err)
	}
	return nil
}

func (s *Store) GetDlt(ctx context.Context, id int64) (*model.DltEntry, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var e model.DltEntry
	err := s.db.GetContext(ctx, &e,
		`SELECT `+dltColumns+` FROM dlt_messages WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get dlt entry %d: %w", id, err)
	}
	return &e, nil
}

// ListDlt pages dead-letter entries, oldest first so operators work the
// backlog in arrival order.
func (s *Store) ListDlt(ctx context.Context, limit, offset int) ([]model.DltEntry, int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var total int64
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM dlt_messages`); err != nil {
		return nil, 0, fmt.Errorf("count dlt entries: %w", err)
	}

	var out []model.DltEntry
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+dltColumns+` FROM dlt_messages
		ORDER BY failed_at ASC, id ASC
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list dlt entries: %w", err)
	}
	return out, total, nil
}

// ListAllDlt streams the whole backlog for redrive_all / purge_all.
func (s *Store) ListAllDlt(ctx context.Context) ([]model.DltEntry, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var out []model.DltEntry
	err := s.db.SelectContext(ctx, &out,
		`SELECT `+dltColumns+` FROM dlt_messages ORDER BY failed_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list all dlt entries: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteDlt(ctx context.Context, id int64) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `DELETE FROM dlt_messages WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete dlt entry %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return model.ErrNotFound
	}
	return nil
}
