package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/heraldlab/broadcast-delivery-service/internal/bus"
	"github.com/heraldlab/broadcast-delivery-service/internal/domain/event"
	"github.com/heraldlab/broadcast-delivery-service/internal/domain/model"
	"github.com/heraldlab/broadcast-delivery-service/internal/store"
)

const (
	activatorInterval   = time.Minute
	activatorLease      = 59 * time.Second
	activatorBatchLimit = 100

	// readyRetryAfter is how long a broadcast may sit in READY before its
	// activation signal is presumed lost and staged again. Consumers dedupe
	// through the READY to ACTIVE compare-and-set.
	readyRetryAfter = 2 * time.Minute
)

// Promoter is the store slice the activator drives.
type Promoter interface {
	LockDueScheduled(ctx context.Context, now time.Time, limit int, factory store.OutboxFactory) ([]model.Broadcast, error)
	LockReady(ctx context.Context, olderThan time.Time, limit int, factory store.OutboxFactory) ([]model.Broadcast, error)
}

// orchestrationOutbox builds the factory the claim queries call inside their
// transaction, so the lifecycle flip and its signal commit or roll together.
func orchestrationOutbox(kind event.OrchestrationKind) store.OutboxFactory {
	return func(b *model.Broadcast) (model.OutboxRow, error) {
		ev := event.NewOrchestrationEvent(kind, b.ID)
		payload, err := ev.Encode()
		if err != nil {
			return model.OutboxRow{}, err
		}
		return model.NewOutboxRow(b.ID, string(ev.Kind), bus.OrchestrationTopic, payload), nil
	}
}

// NewActivatorTask promotes due SCHEDULED broadcasts to READY with their
// ACTIVATE signal, and re-stages the signal for broadcasts stuck in READY.
func NewActivatorTask(s Promoter, logger *slog.Logger) Task {
	factory := orchestrationOutbox(event.OrchestrationActivate)
	return Task{
		Name:          "broadcast-activator",
		Interval:      activatorInterval,
		LockAtMostFor: activatorLease,
		Run: func(ctx context.Context) error {
			now := time.Now()
			promoted, err := s.LockDueScheduled(ctx, now, activatorBatchLimit, factory)
			if err != nil {
				return err
			}
			restaged, err := s.LockReady(ctx, now.Add(-readyRetryAfter), activatorBatchLimit, factory)
			if err != nil {
				return err
			}
			if len(promoted)+len(restaged) > 0 {
				logger.Info("BROADCASTS_ACTIVATED",
					"promoted", len(promoted),
					"restaged", len(restaged),
				)
			}
			return nil
		},
	}
}
