package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/heraldlab/broadcast-delivery-service/internal/bus"
	"github.com/heraldlab/broadcast-delivery-service/internal/domain/event"
	"github.com/heraldlab/broadcast-delivery-service/internal/domain/hub"
	"github.com/heraldlab/broadcast-delivery-service/internal/domain/model"
	"github.com/heraldlab/broadcast-delivery-service/internal/registry"
)

// defaultStreamBuffer sizes the per-connection mailbox.
const defaultStreamBuffer = 256

// [DELIVERY_SERVICE] PRIMARY INTERFACE FOR THE USER TRANSPORTS (SSE/Websocket)
type Deliverer interface {
	Subscribe(ctx context.Context, userID, connID string, meta model.ConnectMetadata) (hub.Connector, error)
	Disconnect(ctx context.Context, userID, connID string) error
	MarkRead(ctx context.Context, userID string, broadcastID int64) error
	Messages(ctx context.Context, userID string) ([]model.UserMessage, error)
}

// DeliveryStorer is the store slice the user plane drives.
type DeliveryStorer interface {
	MarkDelivered(ctx context.Context, broadcastID int64, userID string) (bool, error)
	MarkRead(ctx context.Context, broadcastID int64, userID string, outbox ...model.OutboxRow) (bool, error)
	ListUserMessages(ctx context.Context, userID string) ([]model.UserMessage, error)
}

// DeliveryService owns the session lifecycle on this pod: registry
// registration, the offline-backlog drain, and one fan-out pump per local
// user that lands rerouted events from other pods on the local stream.
type DeliveryService struct {
	hub        hub.Hubber
	registry   registry.Registrar
	store      DeliveryStorer
	logger     *slog.Logger
	podID      string
	clusterID  string
	bufferSize int

	mu    sync.Mutex
	pumps map[string]*pumpRef
}

// pumpRef tracks which local connections keep a user's fan-out subscription
// alive. The pump dies with the last connection, not with the first.
type pumpRef struct {
	conns  map[string]struct{}
	cancel func()
}

func NewDeliveryService(h hub.Hubber, reg registry.Registrar, st DeliveryStorer, logger *slog.Logger, podID, clusterID string, bufferSize int) *DeliveryService {
	if bufferSize <= 0 {
		bufferSize = defaultStreamBuffer
	}
	return &DeliveryService{
		hub:        h,
		registry:   reg,
		store:      st,
		logger:     logger,
		podID:      podID,
		clusterID:  clusterID,
		bufferSize: bufferSize,
		pumps:      make(map[string]*pumpRef),
	}
}

// Subscribe attaches one client stream: registers the connection cluster-wide,
// wires the local mailbox, opens the user's fan-out subscription and replays
// the offline backlog before any live event flows.
//
// Register's refusals pass through untranslated: ErrTooManyConnections and
// ErrReconnectDenied both become terminal frames at the transport.
func (s *DeliveryService) Subscribe(ctx context.Context, userID, connID string, meta model.ConnectMetadata) (hub.Connector, error) {
	if userID == "" || connID == "" {
		return nil, model.Validationf("userId and connectionId are required")
	}

	now := time.Now()
	err := s.registry.Register(ctx, model.Connection{
		ConnectionID:    connID,
		UserID:          userID,
		PodID:           s.podID,
		ClusterID:       s.clusterID,
		ConnectedAt:     now,
		LastHeartbeatAt: now,
	})
	if err != nil {
		return nil, err
	}

	conn := hub.NewConnector(ctx, userID, connID, s.bufferSize, meta)
	s.hub.Register(conn)

	openTap, err := s.ensurePump(userID, connID)
	if err != nil {
		s.hub.Unregister(userID, connID)
		if rerr := s.registry.Remove(context.WithoutCancel(ctx), []string{connID}); rerr != nil {
			s.logger.Warn("CONNECTION_REMOVE_FAILED", "connection_id", connID, "err", rerr)
		}
		return nil, err
	}

	// The subscription is already buffering, so nothing published during the
	// drain is lost; it just waits behind the backlog.
	s.drainPending(ctx, userID)
	openTap()

	s.logger.Info("USER_SUBSCRIBED",
		"user_id", userID,
		"connection_id", connID,
		"pod_id", s.podID,
	)
	return conn, nil
}

// Disconnect tears one session down. Safe to call twice for the same
// connection: the transport's deferred cleanup and the client's beacon race
// each other on every tab close.
func (s *DeliveryService) Disconnect(ctx context.Context, userID, connID string) error {
	if userID == "" || connID == "" {
		return model.Validationf("userId and connectionId are required")
	}

	s.hub.Unregister(userID, connID)
	if err := s.registry.Remove(ctx, []string{connID}); err != nil {
		// The stale GC repairs the registry if this remove was lost.
		s.logger.Warn("CONNECTION_REMOVE_FAILED", "connection_id", connID, "err", err)
	}
	s.releasePump(userID, connID)

	s.logger.Info("USER_DISCONNECTED", "user_id", userID, "connection_id", connID)
	return nil
}

// MarkRead flips the recipient row and stages the READ_ACK signal in the
// same transaction; the control plane fans the receipt to the user's other
// devices. A repeated acknowledgement flips nothing and stages nothing.
func (s *DeliveryService) MarkRead(ctx context.Context, userID string, broadcastID int64) error {
	if userID == "" {
		return model.Validationf("userId is required")
	}
	if broadcastID <= 0 {
		return model.Validationf("broadcastId is required")
	}

	ev := event.NewReadAckEvent(broadcastID, userID)
	payload, err := ev.Encode()
	if err != nil {
		return err
	}
	flipped, err := s.store.MarkRead(ctx, broadcastID, userID,
		model.NewOutboxRow(broadcastID, string(ev.Kind), bus.OrchestrationTopic, payload))
	if err != nil {
		return err
	}
	if flipped {
		s.logger.Debug("MESSAGE_READ", "broadcast_id", broadcastID, "user_id", userID)
	}
	return nil
}

// Messages lists the user's not-yet-read messages for reconciliation.
func (s *DeliveryService) Messages(ctx context.Context, userID string) ([]model.UserMessage, error) {
	if userID == "" {
		return nil, model.Validationf("userId is required")
	}
	return s.store.ListUserMessages(ctx, userID)
}

// Close cancels every fan-out pump. Live connectors are closed by the hub's
// own shutdown; this only silences the cluster subscriptions.
func (s *DeliveryService) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for user, ref := range s.pumps {
		ref.cancel()
		delete(s.pumps, user)
	}
}

// ensurePump opens the user's fan-out subscription on their first local
// connection and refcounts it afterwards. The returned func opens the live
// tap; the caller invokes it after the backlog drain so buffered live events
// queue behind drained ones.
func (s *DeliveryService) ensurePump(userID, connID string) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ref, ok := s.pumps[userID]; ok {
		ref.conns[connID] = struct{}{}
		return func() {}, nil
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	ch, stop, err := s.registry.SubscribeUser(pumpCtx, userID)
	if err != nil {
		cancel()
		return nil, err
	}

	s.pumps[userID] = &pumpRef{
		conns:  map[string]struct{}{connID: {}},
		cancel: func() { cancel(); stop() },
	}

	gate := make(chan struct{})
	go s.pump(pumpCtx, userID, ch, gate)
	return func() { close(gate) }, nil
}

func (s *DeliveryService) releasePump(userID, connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref, ok := s.pumps[userID]
	if !ok {
		return
	}
	if _, held := ref.conns[connID]; !held {
		return
	}
	delete(ref.conns, connID)
	if len(ref.conns) == 0 {
		ref.cancel()
		delete(s.pumps, userID)
	}
}

func (s *DeliveryService) pump(ctx context.Context, userID string, ch <-chan []byte, gate <-chan struct{}) {
	select {
	case <-gate:
	case <-ctx.Done():
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-ch:
			if !ok {
				return
			}
			s.deliverFanout(ctx, userID, payload)
		}
	}
}

// deliverFanout lands one rerouted event on the local stream. This pod was
// chosen because the registry said the user lives here; if they left in the
// meantime the event parks in the pending buffer like any other miss.
func (s *DeliveryService) deliverFanout(ctx context.Context, userID string, payload []byte) {
	ev, err := event.DecodeDeliveryEvent(payload)
	if err != nil {
		s.logger.Warn("FANOUT_PAYLOAD_UNDECODABLE", "user_id", userID, "err", err)
		return
	}

	if !s.hub.Push(ev) {
		s.parkFanout(ctx, ev)
		return
	}

	if ev.EventType == event.KindCreated {
		if _, err := s.store.MarkDelivered(ctx, ev.BroadcastID, ev.UserID); err != nil {
			s.logger.Warn("DELIVERY_MARK_FAILED",
				"broadcast_id", ev.BroadcastID, "user_id", ev.UserID, "err", err)
		}
		if ev.Message != nil && ev.Message.Category == model.CategoryForceLogoff {
			s.forceLogoff(ctx, ev.UserID)
		}
	}
}

func (s *DeliveryService) parkFanout(ctx context.Context, ev *event.DeliveryEvent) {
	if ev.EventType == event.KindRead {
		// Receipts are not worth a buffer slot; a reconnect reconciles.
		return
	}
	payload, err := ev.Encode()
	if err != nil {
		return
	}
	p := model.PendingEvent{
		UserID:      ev.UserID,
		BroadcastID: ev.BroadcastID,
		Payload:     payload,
		EnqueuedAt:  time.Now(),
	}
	if ev.EventType == event.KindCancelled || ev.EventType == event.KindExpired {
		err = s.registry.ReplacePending(ctx, p)
	} else {
		err = s.registry.EnqueuePending(ctx, p)
	}
	if err != nil {
		s.logger.Warn("PENDING_PARK_FAILED",
			"broadcast_id", ev.BroadcastID, "user_id", ev.UserID, "err", err)
	}
}

func (s *DeliveryService) forceLogoff(ctx context.Context, userID string) {
	if err := s.registry.DenyReconnect(ctx, userID, model.ForceLogoffDenyWindow); err != nil {
		s.logger.Error("FORCE_LOGOFF_DENY_FAILED", "user_id", userID, "err", err)
	}
	s.hub.Kick(userID)
	s.logger.Info("FORCE_LOGOFF_EXECUTED", "user_id", userID, "pod_id", s.podID)
}

// drainPending replays the offline backlog onto the user's local cell in
// enqueue order. Each entry is acked only after its push landed, so a crash
// mid-drain re-delivers the remainder and nothing more.
//
// A buffered Force Logoff is delivered as content only: the sessions it was
// aimed at are long gone, and kicking the fresh one would strand the user.
func (s *DeliveryService) drainPending(ctx context.Context, userID string) {
	entries, err := s.registry.DrainPending(ctx, userID)
	if err != nil {
		s.logger.Warn("PENDING_DRAIN_FAILED", "user_id", userID, "err", err)
		return
	}

	for i := range entries {
		e := &entries[i]
		ev, derr := event.DecodeDeliveryEvent(e.Payload)
		if derr != nil {
			// An entry that no longer parses never will; drop it.
			_ = s.registry.AckPending(ctx, userID, e.BroadcastID)
			continue
		}
		if !s.hub.Push(ev) {
			// The user left again; the rest stays buffered.
			return
		}
		if ev.EventType == event.KindCreated {
			if _, merr := s.store.MarkDelivered(ctx, ev.BroadcastID, userID); merr != nil {
				s.logger.Warn("DELIVERY_MARK_FAILED",
					"broadcast_id", ev.BroadcastID, "user_id", userID, "err", merr)
			}
		}
		if aerr := s.registry.AckPending(ctx, userID, e.BroadcastID); aerr != nil {
			s.logger.Warn("PENDING_ACK_FAILED",
				"broadcast_id", e.BroadcastID, "user_id", userID, "err", aerr)
		}
	}
	if len(entries) > 0 {
		s.logger.Debug("PENDING_DRAINED", "user_id", userID, "count", len(entries))
	}
}
