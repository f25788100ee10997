/*
Package orchestrator is the fan-out engine: it consumes broadcast lifecycle
signals from the orchestration topic and turns each one into per-user traffic
on the worker topics.

One signal, many recipients. ACTIVATE expands the audience once, freezes it,
materializes a delivery row per user, and routes a CREATED event to every pod
currently serving that user, buffering for the offline. CANCEL and EXPIRE
retrace the frozen audience with removal events and rewrite offline buffers
in place. READ_ACK and REDRIVE are single-recipient routes.

Everything here is safe to re-run: the status flip is a compare-and-set, the
frozen audience makes re-expansion deterministic, row materialization
upserts, buffering deduplicates by broadcast, and clients deduplicate by
broadcast id. At-least-once is the produce contract.
*/
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/time/rate"

	"github.com/heraldlab/broadcast-delivery-service/internal/bus"
	"github.com/heraldlab/broadcast-delivery-service/internal/domain/event"
	"github.com/heraldlab/broadcast-delivery-service/internal/domain/model"
	"github.com/heraldlab/broadcast-delivery-service/internal/registry"
	"github.com/heraldlab/broadcast-delivery-service/internal/targeting"
)

const (
	// fanoutLockName double-guards the fan-out section. The orchestration
	// topic has a single partition, so contention only appears while a
	// consumer group rebalances.
	fanoutLockName      = "fanout-orchestrator"
	fanoutLockAtMostFor = 5 * time.Minute
	fanoutLockRetry     = 2 * time.Second

	// defaultRatePerSecond paces worker-topic production so a large audience
	// cannot saturate the broker in one burst.
	defaultRatePerSecond = 500
)

// Storer is the slice of the persistence layer the orchestrator drives.
type Storer interface {
	GetBroadcast(ctx context.Context, id int64) (*model.Broadcast, error)
	TransitionStatus(ctx context.Context, id int64, from, to model.BroadcastStatus, outbox ...model.OutboxRow) error
	EnsureUserRows(ctx context.Context, broadcastID int64, userIDs []string) (int64, error)
	SetTotalTargeted(ctx context.Context, broadcastID, total int64) error
	ReplaceTargets(ctx context.Context, broadcastID int64, userIDs []string) error
	TargetedUsers(ctx context.Context, broadcastID int64) ([]string, error)
	AcquireLock(ctx context.Context, name, lockedBy string, lockAtMostFor time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name, lockedBy string) error
}

// Orchestrator owns the control-plane consumer logic. The stream router
// binds Handle to the orchestration topic.
type Orchestrator struct {
	store      Storer
	resolver   targeting.Resolver
	registry   registry.Registrar
	dispatcher bus.Dispatcher
	limiter    *rate.Limiter
	logger     *slog.Logger
	podID      string
	lockRetry  time.Duration
}

// New builds the orchestrator. perSecond bounds the worker-topic produce
// rate; zero or negative selects the default.
func New(store Storer, resolver targeting.Resolver, reg registry.Registrar, dispatcher bus.Dispatcher, logger *slog.Logger, podID string, perSecond int) *Orchestrator {
	if perSecond <= 0 {
		perSecond = defaultRatePerSecond
	}
	return &Orchestrator{
		store:      store,
		resolver:   resolver,
		registry:   reg,
		dispatcher: dispatcher,
		limiter:    rate.NewLimiter(rate.Limit(perSecond), perSecond),
		logger:     logger,
		podID:      podID,
		lockRetry:  fanoutLockRetry,
	}
}

// Handle consumes one control event. A nil return acks the message; an error
// hands it to the retry chain. Unknown kinds are acked so a newer producer
// never poisons an older consumer.
func (o *Orchestrator) Handle(ctx context.Context, ev *event.OrchestrationEvent) error {
	switch ev.Kind {
	case event.OrchestrationActivate:
		return o.withFanoutLock(ctx, func(ctx context.Context) error {
			return o.activate(ctx, ev.BroadcastID)
		})
	case event.OrchestrationCancel:
		return o.withFanoutLock(ctx, func(ctx context.Context) error {
			return o.remove(ctx, ev.BroadcastID, event.KindCancelled)
		})
	case event.OrchestrationExpire:
		return o.withFanoutLock(ctx, func(ctx context.Context) error {
			return o.remove(ctx, ev.BroadcastID, event.KindExpired)
		})
	case event.OrchestrationReadAck:
		return o.routeReadReceipt(ctx, ev)
	case event.OrchestrationRedrive:
		return o.redeliver(ctx, ev)
	default:
		o.logger.Warn("ORCHESTRATION_KIND_UNKNOWN",
			"kind", ev.Kind,
			"broadcast_id", ev.BroadcastID,
		)
		return nil
	}
}

// withFanoutLock serializes the fan-out sections across pods. Waiting out a
// rebalance overlap beats failing the message into the retry chain.
func (o *Orchestrator) withFanoutLock(ctx context.Context, fn func(context.Context) error) error {
	for {
		acquired, err := o.store.AcquireLock(ctx, fanoutLockName, o.podID, fanoutLockAtMostFor)
		if err != nil {
			return fmt.Errorf("acquire %s: %w", fanoutLockName, err)
		}
		if acquired {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(o.lockRetry):
		}
	}
	defer func() {
		// The handler context may already be gone on shutdown; the lease
		// still has to be returned or the next holder waits out the lease.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := o.store.ReleaseLock(rctx, fanoutLockName, o.podID); err != nil {
			o.logger.Warn("FANOUT_UNLOCK_FAILED", "err", err)
		}
	}()
	return fn(ctx)
}

// activate runs the ACTIVATE fan-out: promote, resolve, materialize, route.
func (o *Orchestrator) activate(ctx context.Context, id int64) error {
	started := time.Now()

	b, err := o.store.GetBroadcast(ctx, id)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			o.logger.Warn("FANOUT_BROADCAST_GONE", "broadcast_id", id)
			return nil
		}
		return err
	}

	switch b.Status {
	case model.StatusReady:
		err := o.store.TransitionStatus(ctx, id, model.StatusReady, model.StatusActive)
		switch {
		case err == nil:
		case errors.Is(err, model.ErrAlreadyInState):
			// Duplicate trigger; the fan-out below tolerates re-runs.
		case errors.Is(err, model.ErrTerminalState):
			return nil
		default:
			return err
		}
		b.Status = model.StatusActive
	case model.StatusActive:
		// Immediate broadcasts are recorded ACTIVE at creation.
	default:
		// Terminal, or the activation raced a cancellation.
		o.logger.Info("FANOUT_SKIPPED", "broadcast_id", id, "status", b.Status)
		return nil
	}

	users, err := o.audience(ctx, b)
	if err != nil {
		return err
	}

	inserted, err := o.store.EnsureUserRows(ctx, id, users)
	if err != nil {
		return fmt.Errorf("ensure rows of %d: %w", id, err)
	}
	if err := o.store.SetTotalTargeted(ctx, id, int64(len(users))); err != nil {
		return fmt.Errorf("record audience of %d: %w", id, err)
	}

	msg := event.NewMessagePayload(b)
	var online, buffered, failed int
	for _, userID := range users {
		if err := o.limiter.Wait(ctx); err != nil {
			return err
		}
		routed, err := o.routeCreated(ctx, id, userID, msg)
		if err != nil {
			failed++
			o.logger.Error("FANOUT_USER_FAILED", "broadcast_id", id, "user_id", userID, "err", err)
			continue
		}
		if routed {
			online++
		} else {
			buffered++
		}
	}

	o.logger.Info("FANOUT_COMPLETED",
		"broadcast_id", id,
		"targeted", len(users),
		"new_rows", inserted,
		"online", online,
		"buffered", buffered,
		"failed", failed,
		"duration_ms", time.Since(started).Milliseconds(),
	)
	if failed > 0 {
		// Redelivery re-runs the whole fan-out; every step above tolerates
		// duplicates.
		return fmt.Errorf("fan-out of %d: %d recipients failed", id, failed)
	}
	return nil
}

// audience returns the broadcast's frozen target set, expanding and freezing
// it on first activation. Re-runs reuse the frozen set, so every delivery
// attempt fans out to the same recipients even when the directory has moved
// on in between. An empty set falls through to a fresh expansion: either the
// freeze never committed, or the audience was legitimately empty and
// re-expanding costs nothing.
func (o *Orchestrator) audience(ctx context.Context, b *model.Broadcast) ([]string, error) {
	users, err := o.store.TargetedUsers(ctx, b.ID)
	if err != nil {
		return nil, fmt.Errorf("targets of %d: %w", b.ID, err)
	}
	if len(users) > 0 {
		return users, nil
	}

	res, err := o.resolver.Resolve(ctx, b.Target())
	if err != nil {
		return nil, fmt.Errorf("resolve audience of %d: %w", b.ID, err)
	}
	users = res.UserIDs
	sort.Strings(users)
	if res.Degraded {
		o.logger.Warn("FANOUT_DEGRADED_AUDIENCE", "broadcast_id", b.ID, "targeted", len(users))
	}
	if err := o.store.ReplaceTargets(ctx, b.ID, users); err != nil {
		return nil, fmt.Errorf("freeze audience of %d: %w", b.ID, err)
	}
	return users, nil
}

// remove fans a terminal edge out to everyone the broadcast reached: online
// recipients get a removal event, offline ones have their buffered entry
// rewritten in place so a reconnect never replays a dead message.
func (o *Orchestrator) remove(ctx context.Context, id int64, kind event.Kind) error {
	users, err := o.store.TargetedUsers(ctx, id)
	if err != nil {
		return fmt.Errorf("targets of %d: %w", id, err)
	}

	var online, rewritten, failed int
	for _, userID := range users {
		if err := o.limiter.Wait(ctx); err != nil {
			return err
		}
		routed, err := o.routeRemoval(ctx, id, userID, kind)
		if err != nil {
			failed++
			o.logger.Error("REMOVAL_USER_FAILED", "broadcast_id", id, "user_id", userID, "err", err)
			continue
		}
		if routed {
			online++
		} else {
			rewritten++
		}
	}

	o.logger.Info("REMOVAL_COMPLETED",
		"broadcast_id", id,
		"kind", kind,
		"targeted", len(users),
		"online", online,
		"rewritten", rewritten,
		"failed", failed,
	)
	if failed > 0 {
		return fmt.Errorf("removal fan-out of %d: %d recipients failed", id, failed)
	}
	return nil
}

// routeCreated sends one CREATED event to every pod serving the user, or
// buffers it when nobody does. Reports whether the user was online.
func (o *Orchestrator) routeCreated(ctx context.Context, broadcastID int64, userID string, msg *event.MessagePayload) (bool, error) {
	pods, err := o.podsOf(ctx, userID)
	if err != nil {
		return false, err
	}
	if len(pods) == 0 {
		return false, o.buffer(ctx, event.NewDeliveryEvent(event.KindCreated, userID, "", msg, broadcastID))
	}
	for _, pod := range pods {
		ev := event.NewDeliveryEvent(event.KindCreated, userID, pod, msg, broadcastID)
		if err := o.dispatcher.PublishEvent(ctx, bus.WorkerTopic(pod), userID, ev); err != nil {
			return false, err
		}
	}
	return true, nil
}

// routeRemoval mirrors routeCreated for CANCELLED/EXPIRED edges. Offline
// users get their pending entry replaced rather than appended, keeping its
// queue position.
func (o *Orchestrator) routeRemoval(ctx context.Context, broadcastID int64, userID string, kind event.Kind) (bool, error) {
	pods, err := o.podsOf(ctx, userID)
	if err != nil {
		return false, err
	}
	if len(pods) == 0 {
		ev := event.NewDeliveryEvent(kind, userID, "", nil, broadcastID)
		payload, err := ev.Encode()
		if err != nil {
			return false, err
		}
		return false, o.registry.ReplacePending(ctx, model.PendingEvent{
			UserID:      userID,
			BroadcastID: broadcastID,
			Payload:     payload,
			EnqueuedAt:  time.Now(),
		})
	}
	for _, pod := range pods {
		ev := event.NewDeliveryEvent(kind, userID, pod, nil, broadcastID)
		if err := o.dispatcher.PublishEvent(ctx, bus.WorkerTopic(pod), userID, ev); err != nil {
			return false, err
		}
	}
	return true, nil
}

// routeReadReceipt forwards a read acknowledgement to every pod serving the
// reader, so their other open streams mark the message read too. An offline
// reader needs nothing: the row state is already in the store.
func (o *Orchestrator) routeReadReceipt(ctx context.Context, src *event.OrchestrationEvent) error {
	if src.UserID == "" {
		o.logger.Warn("READ_ACK_WITHOUT_READER", "broadcast_id", src.BroadcastID)
		return nil
	}
	pods, err := o.podsOf(ctx, src.UserID)
	if err != nil {
		return err
	}
	for _, pod := range pods {
		ev := event.NewDeliveryEvent(event.KindRead, src.UserID, pod, nil, src.BroadcastID)
		if err := o.dispatcher.PublishEvent(ctx, bus.WorkerTopic(pod), src.UserID, ev); err != nil {
			return err
		}
	}
	return nil
}

// redeliver re-runs fan-out for a single recipient after a dead-letter
// redrive. The original worker topic may have died with its pod, so the
// entry re-enters through the control plane and is routed to wherever the
// user is connected now.
func (o *Orchestrator) redeliver(ctx context.Context, src *event.OrchestrationEvent) error {
	if src.UserID == "" {
		o.logger.Warn("REDRIVE_WITHOUT_RECIPIENT", "broadcast_id", src.BroadcastID)
		return nil
	}
	b, err := o.store.GetBroadcast(ctx, src.BroadcastID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			o.logger.Warn("REDRIVE_BROADCAST_GONE", "broadcast_id", src.BroadcastID)
			return nil
		}
		return err
	}
	if b.Status != model.StatusActive {
		o.logger.Info("REDRIVE_SKIPPED", "broadcast_id", b.ID, "status", b.Status)
		return nil
	}
	routed, err := o.routeCreated(ctx, b.ID, src.UserID, event.NewMessagePayload(b))
	if err != nil {
		return err
	}
	o.logger.Info("REDRIVE_ROUTED", "broadcast_id", b.ID, "user_id", src.UserID, "online", routed)
	return nil
}

// podsOf lists the distinct pods serving a user, sorted for stable produce
// order.
func (o *Orchestrator) podsOf(ctx context.Context, userID string) ([]string, error) {
	refs, err := o.registry.Locate(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("locate %s: %w", userID, err)
	}
	seen := make(map[string]struct{}, len(refs))
	pods := make([]string, 0, len(refs))
	for _, ref := range refs {
		if _, ok := seen[ref.PodID]; ok {
			continue
		}
		seen[ref.PodID] = struct{}{}
		pods = append(pods, ref.PodID)
	}
	sort.Strings(pods)
	return pods, nil
}

// buffer parks an event in the user's pending queue; duplicates by broadcast
// id are dropped there, first write wins.
func (o *Orchestrator) buffer(ctx context.Context, ev *event.DeliveryEvent) error {
	payload, err := ev.Encode()
	if err != nil {
		return err
	}
	return o.registry.EnqueuePending(ctx, model.PendingEvent{
		UserID:      ev.UserID,
		BroadcastID: ev.BroadcastID,
		Payload:     payload,
		EnqueuedAt:  time.Now(),
	})
}
