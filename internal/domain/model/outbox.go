package model

import (
	"time"

	"github.com/google/uuid"
)

// OutboxRow stages an event for publication. It is persisted in the same
// transaction as the state change it describes and deleted only after the
// broker acknowledges the publish, which is what makes the write-then-publish
// pair atomic from the consumer's point of view.
type OutboxRow struct {
	ID          uuid.UUID `db:"id"`
	AggregateID int64     `db:"aggregate_id"`
	EventType   string    `db:"event_type"`
	Topic       string    `db:"topic"`
	Payload     []byte    `db:"payload"`
	CreatedAt   time.Time `db:"created_at"`
}

// NewOutboxRow stamps a fresh row; CreatedAt is assigned by the database so
// ordering follows commit order on a single writer clock.
func NewOutboxRow(aggregateID int64, eventType, topic string, payload []byte) OutboxRow {
	return OutboxRow{
		ID:          uuid.New(),
		AggregateID: aggregateID,
		EventType:   eventType,
		Topic:       topic,
		Payload:     payload,
	}
}
