package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/heraldlab/broadcast-delivery-service/internal/domain/event"
	"github.com/heraldlab/broadcast-delivery-service/internal/domain/hub"
	"github.com/heraldlab/broadcast-delivery-service/internal/domain/model"
	"github.com/heraldlab/broadcast-delivery-service/internal/registry"
)

// Deliverer is the store slice the worker needs.
type Deliverer interface {
	GetUserRow(ctx context.Context, broadcastID int64, userID string) (*model.UserBroadcastRow, error)
	MarkDelivered(ctx context.Context, broadcastID int64, userID string) (bool, error)
}

// DeliveryHandler consumes this pod's worker topic: the last hop between the
// bus and a user's live stream.
type DeliveryHandler struct {
	store    Deliverer
	hub      hub.Hubber
	registry registry.Registrar
	logger   *slog.Logger
	podID    string
}

func NewDeliveryHandler(store Deliverer, h hub.Hubber, reg registry.Registrar, logger *slog.Logger, podID string) *DeliveryHandler {
	return &DeliveryHandler{store: store, hub: h, registry: reg, logger: logger, podID: podID}
}

// HandleDelivery consumes one data-plane event. A nil return acks and commits
// the offset, so every path below either lands the event somewhere durable
// (stream, another pod, pending buffer) or returns an error first.
func (h *DeliveryHandler) HandleDelivery(ctx context.Context, ev *event.DeliveryEvent) error {
	switch ev.EventType {
	case event.KindCreated:
		return h.deliverMessage(ctx, ev)
	case event.KindCancelled, event.KindExpired:
		return h.deliverRemoval(ctx, ev)
	case event.KindRead:
		// Cross-device sync is best-effort; the row state is already in the
		// store and a reconnect reconciles.
		h.hub.Push(ev)
		return nil
	default:
		h.logger.Warn("DELIVERY_KIND_UNKNOWN", "kind", ev.EventType, "event_id", ev.EventID)
		return nil
	}
}

func (h *DeliveryHandler) deliverMessage(ctx context.Context, ev *event.DeliveryEvent) error {
	// Late guard: the broadcast may have gone terminal between fan-out and
	// consumption. A superseded row must never reach a screen.
	row, err := h.store.GetUserRow(ctx, ev.BroadcastID, ev.UserID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return err
	}
	if row != nil && row.DeliveryStatus == model.DeliverySuperseded {
		h.logger.Debug("DELIVERY_SUPPRESSED", "broadcast_id", ev.BroadcastID, "user_id", ev.UserID)
		return nil
	}

	if !h.hub.IsConnected(ev.UserID) {
		return h.reroute(ctx, ev)
	}

	if !h.hub.Push(ev) {
		// The last local connection vanished between the check and the push.
		return h.park(ctx, ev)
	}

	if _, err := h.store.MarkDelivered(ctx, ev.BroadcastID, ev.UserID); err != nil {
		// Retried on redelivery; duplicate flips are absorbed by the store.
		return err
	}

	if ev.Message != nil && ev.Message.Category == model.CategoryForceLogoff {
		h.forceLogoff(ctx, ev.UserID)
	}
	return nil
}

func (h *DeliveryHandler) deliverRemoval(ctx context.Context, ev *event.DeliveryEvent) error {
	if h.hub.Push(ev) {
		return nil
	}
	return h.reroute(ctx, ev)
}

// reroute hands the event to whichever pod owns the user now; zero receivers
// means nobody does and the event parks in the pending buffer.
func (h *DeliveryHandler) reroute(ctx context.Context, ev *event.DeliveryEvent) error {
	payload, err := ev.Encode()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnprocessable, err)
	}
	receivers, err := h.registry.NotifyUser(ctx, ev.UserID, payload)
	if err != nil {
		return err
	}
	if receivers == 0 {
		return h.park(ctx, ev)
	}
	h.logger.Debug("DELIVERY_REROUTED",
		"event_id", ev.EventID,
		"user_id", ev.UserID,
		"receivers", receivers,
	)
	return nil
}

// park buffers the event for the user's next connect. Removal events replace
// the buffered original in place; everything else appends with first-write
// dedupe.
func (h *DeliveryHandler) park(ctx context.Context, ev *event.DeliveryEvent) error {
	payload, err := ev.Encode()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnprocessable, err)
	}
	p := model.PendingEvent{
		UserID:      ev.UserID,
		BroadcastID: ev.BroadcastID,
		Payload:     payload,
		EnqueuedAt:  time.Now(),
	}
	if ev.EventType == event.KindCancelled || ev.EventType == event.KindExpired {
		return h.registry.ReplacePending(ctx, p)
	}
	return h.registry.EnqueuePending(ctx, p)
}

// forceLogoff terminates the user's local sessions after the notice was
// pushed, and opens a deny window so a reconnect cannot outrun the teardown.
func (h *DeliveryHandler) forceLogoff(ctx context.Context, userID string) {
	if err := h.registry.DenyReconnect(ctx, userID, model.ForceLogoffDenyWindow); err != nil {
		h.logger.Error("FORCE_LOGOFF_DENY_FAILED", "user_id", userID, "err", err)
	}
	h.hub.Kick(userID)
	h.logger.Info("FORCE_LOGOFF_EXECUTED", "user_id", userID, "pod_id", h.podID)
}
