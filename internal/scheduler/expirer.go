package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/heraldlab/broadcast-delivery-service/internal/domain/event"
	"github.com/heraldlab/broadcast-delivery-service/internal/domain/model"
	"github.com/heraldlab/broadcast-delivery-service/internal/store"
)

const (
	expirerInterval   = time.Minute
	expirerLease      = 59 * time.Second
	expirerBatchLimit = 100
)

// Reaper is the store slice the expirer drives.
type Reaper interface {
	LockExpiredActive(ctx context.Context, now time.Time, limit int, factory store.OutboxFactory) ([]model.Broadcast, error)
}

// NewExpirerTask flips ACTIVE broadcasts past their deadline to EXPIRED.
// The claim supersedes unread rows and stages the EXPIRE fan-out signal in
// the claiming transaction.
func NewExpirerTask(s Reaper, logger *slog.Logger) Task {
	factory := orchestrationOutbox(event.OrchestrationExpire)
	return Task{
		Name:          "broadcast-expirer",
		Interval:      expirerInterval,
		LockAtMostFor: expirerLease,
		Run: func(ctx context.Context) error {
			expired, err := s.LockExpiredActive(ctx, time.Now(), expirerBatchLimit, factory)
			if err != nil {
				return err
			}
			if len(expired) > 0 {
				logger.Info("BROADCASTS_EXPIRED", "count", len(expired))
			}
			return nil
		},
	}
}
