package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/heraldlab/broadcast-delivery-service/internal/domain/model"
)

// insertOutboxTx stages event rows inside the caller's transaction. This is
// the only writer: outbox rows never commit outside the state change they
// describe.
func insertOutboxTx(ctx context.Context, tx *sqlx.Tx, rows []model.OutboxRow) error {
	for i := range rows {
		r := &rows[i]
		if r.ID == uuid.Nil {
			r.ID = uuid.New()
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO outbox_events (id, aggregate_id, event_type, topic, payload)
			VALUES ($1, $2, $3, $4, $5)`,
			r.ID, r.AggregateID, r.EventType, r.Topic, r.Payload)
		if err != nil {
			return fmt.Errorf("insert outbox %s: %w", r.EventType, err)
		}
	}
	return nil
}

// AppendOutbox stages rows in their own transaction, for state changes that
// live outside the store (read receipts, redrive requests).
func (s *Store) AppendOutbox(ctx context.Context, rows ...model.OutboxRow) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		return insertOutboxTx(ctx, tx, rows)
	})
}

// FetchOutboxBatch reads the oldest unpublished rows. The relay is
// single-leader, so no claim discipline is needed — order is the contract.
func (s *Store) FetchOutboxBatch(ctx context.Context, limit int) ([]model.OutboxRow, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var rows []model.OutboxRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, aggregate_id, event_type, topic, payload, created_at
		FROM outbox_events
		ORDER BY created_at ASC, id ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch outbox batch: %w", err)
	}
	return rows, nil
}

// DeleteOutbox removes rows after broker confirmation. Unconfirmed rows are
// never deleted; the relay retries them on the next tick.
func (s *Store) DeleteOutbox(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = id.String()
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM outbox_events WHERE id = ANY($1)`, pq.Array(raw))
	if err != nil {
		return fmt.Errorf("delete outbox rows: %w", err)
	}
	return nil
}

// OutboxDepth reports the current backlog, surfaced in operator stats.
func (s *Store) OutboxDepth(ctx context.Context) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var n int64
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM outbox_events`); err != nil {
		return 0, fmt.Errorf("outbox depth: %w", err)
	}
	return n, nil
}
