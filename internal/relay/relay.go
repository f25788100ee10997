/*
Package relay drains the transactional outbox onto the event bus.

One pod leads at a time: every tick starts with a shedlock acquisition and
non-leaders back off until the lease lapses. The leader publishes rows
oldest-first and deletes only broker-confirmed rows, so a crash between
publish and delete re-publishes on the next tick — duplicates are the cost
of never losing an event, and downstream consumers dedupe by design.
*/
package relay

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/heraldlab/broadcast-delivery-service/internal/bus"
	"github.com/heraldlab/broadcast-delivery-service/internal/domain/model"
)

const (
	lockName = "outbox-relay"
	// lockAtMostFor bounds how long a crashed leader blocks the relay. A live
	// leader releases at the end of each tick.
	lockAtMostFor = 30 * time.Second

	defaultInterval  = time.Second
	defaultBatchSize = 500
	// maxBatchesPerTick keeps one leadership tick well inside the lease even
	// against a deep backlog; the next tick continues the drain.
	maxBatchesPerTick = 10
)

// Outboxer is the slice of the store the relay drains.
type Outboxer interface {
	FetchOutboxBatch(ctx context.Context, limit int) ([]model.OutboxRow, error)
	DeleteOutbox(ctx context.Context, ids []uuid.UUID) error
	AcquireLock(ctx context.Context, name, lockedBy string, lockAtMostFor time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name, lockedBy string) error
}

type Relay struct {
	store      Outboxer
	dispatcher bus.Dispatcher
	logger     *slog.Logger

	podID     string
	interval  time.Duration
	batchSize int

	doneCh   chan struct{}
	stopOnce sync.Once
}

func New(store Outboxer, dispatcher bus.Dispatcher, logger *slog.Logger, podID string, interval time.Duration, batchSize int) *Relay {
	if interval <= 0 {
		interval = defaultInterval
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Relay{
		store:      store,
		dispatcher: dispatcher,
		logger:     logger,
		podID:      podID,
		interval:   interval,
		batchSize:  batchSize,
		doneCh:     make(chan struct{}),
	}
}

func (r *Relay) Start() {
	go r.loop()
}

func (r *Relay) Stop() {
	r.stopOnce.Do(func() { close(r.doneCh) })
}

func (r *Relay) loop() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.doneCh:
			return
		case <-ticker.C:
			r.tick()
		}
	}
}

// tick runs one leadership attempt: acquire, drain, release.
func (r *Relay) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), lockAtMostFor)
	defer cancel()

	acquired, err := r.store.AcquireLock(ctx, lockName, r.podID, lockAtMostFor)
	if err != nil {
		r.logger.Error("RELAY_LOCK_FAILED", "err", err)
		return
	}
	if !acquired {
		return
	}
	defer func() {
		if err := r.store.ReleaseLock(ctx, lockName, r.podID); err != nil {
			r.logger.Warn("RELAY_UNLOCK_FAILED", "err", err)
		}
	}()

	for i := 0; i < maxBatchesPerTick; i++ {
		full, err := r.drainBatch(ctx)
		if err != nil {
			// Retain-on-error: unconfirmed rows stay put for the next tick.
			r.logger.Error("RELAY_DRAIN_FAILED", "err", err)
			return
		}
		if !full {
			return
		}
	}
}

// drainBatch publishes one batch in row order and deletes the confirmed
// prefix. Returns whether the batch was full (more rows likely waiting).
func (r *Relay) drainBatch(ctx context.Context) (bool, error) {
	rows, err := r.store.FetchOutboxBatch(ctx, r.batchSize)
	if err != nil {
		return false, err
	}
	if len(rows) == 0 {
		return false, nil
	}

	published := make([]uuid.UUID, 0, len(rows))
	var publishErr error
	for i := range rows {
		row := &rows[i]
		key := strconv.FormatInt(row.AggregateID, 10)
		if err := r.dispatcher.PublishRaw(ctx, row.Topic, key, row.EventType, row.Payload); err != nil {
			// Stop at the first failure so per-aggregate order survives: a
			// later row must never commit ahead of an earlier one.
			publishErr = err
			break
		}
		published = append(published, row.ID)
	}

	if len(published) > 0 {
		if err := r.store.DeleteOutbox(ctx, published); err != nil {
			return false, err
		}
		r.logger.Debug("OUTBOX_DRAINED", "published", len(published))
	}
	if publishErr != nil {
		return false, publishErr
	}
	return len(rows) == r.batchSize, nil
}
