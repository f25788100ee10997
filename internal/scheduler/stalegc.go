package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/heraldlab/broadcast-delivery-service/internal/bus"
	"github.com/heraldlab/broadcast-delivery-service/internal/domain/event"
	"github.com/heraldlab/broadcast-delivery-service/internal/domain/model"
)

const (
	staleGCInterval = 10 * time.Second
	staleGCLease    = 9 * time.Second

	// staleAfter is the cluster-wide liveness window: three missed 30s
	// heartbeats and the connection is presumed dead.
	staleAfter = 90 * time.Second
)

// Sweeper is the registry slice the garbage collector drives.
type Sweeper interface {
	StaleBefore(ctx context.Context, t time.Time) ([]string, error)
	Remove(ctx context.Context, connIDs []string) error
	AnyConnected(ctx context.Context, userIDs []string) (map[string]bool, error)
}

// GCStore is the store slice for the disconnect-driven expiry of
// fire-and-forget broadcasts.
type GCStore interface {
	ListActiveFireAndForget(ctx context.Context) ([]model.Broadcast, error)
	TargetedUsers(ctx context.Context, broadcastID int64) ([]string, error)
	ExpireNow(ctx context.Context, id int64, outbox ...model.OutboxRow) error
}

// NewStaleGCTask reaps connections whose heartbeats stopped, then expires
// fire-and-forget broadcasts whose whole audience has gone away.
func NewStaleGCTask(reg Sweeper, s GCStore, logger *slog.Logger) Task {
	return Task{
		Name:          "stale-connection-gc",
		Interval:      staleGCInterval,
		LockAtMostFor: staleGCLease,
		Run: func(ctx context.Context) error {
			stale, err := reg.StaleBefore(ctx, time.Now().Add(-staleAfter))
			if err != nil {
				return err
			}
			if len(stale) > 0 {
				if err := reg.Remove(ctx, stale); err != nil {
					return err
				}
				logger.Info("STALE_CONNECTIONS_REAPED", "count", len(stale))
			}
			return expireAbandoned(ctx, reg, s, logger)
		},
	}
}

// expireAbandoned walks ACTIVE fire-and-forget broadcasts and expires any
// whose targets are all offline. Fire-and-forget content lives only while
// someone is there to see it.
func expireAbandoned(ctx context.Context, reg Sweeper, s GCStore, logger *slog.Logger) error {
	active, err := s.ListActiveFireAndForget(ctx)
	if err != nil {
		return err
	}
	for i := range active {
		b := &active[i]
		users, err := s.TargetedUsers(ctx, b.ID)
		if err != nil {
			return err
		}
		if len(users) == 0 {
			// Fan-out has not frozen an audience yet; leave it alone.
			continue
		}
		connected, err := reg.AnyConnected(ctx, users)
		if err != nil {
			return err
		}
		if anyOnline(connected) {
			continue
		}

		ev := event.NewOrchestrationEvent(event.OrchestrationExpire, b.ID)
		payload, err := ev.Encode()
		if err != nil {
			return err
		}
		err = s.ExpireNow(ctx, b.ID,
			model.NewOutboxRow(b.ID, string(ev.Kind), bus.OrchestrationTopic, payload))
		switch {
		case err == nil:
			logger.Info("FIRE_AND_FORGET_EXPIRED", "broadcast_id", b.ID)
		case errors.Is(err, model.ErrAlreadyInState), errors.Is(err, model.ErrTerminalState):
			// Raced another leader or a cancellation; already done.
		default:
			return err
		}
	}
	return nil
}

func anyOnline(connected map[string]bool) bool {
	for _, on := range connected {
		if on {
			return true
		}
	}
	return false
}
