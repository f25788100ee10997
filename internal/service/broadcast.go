package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/heraldlab/broadcast-delivery-service/internal/bus"
	"github.com/heraldlab/broadcast-delivery-service/internal/domain/event"
	"github.com/heraldlab/broadcast-delivery-service/internal/domain/model"
	"github.com/heraldlab/broadcast-delivery-service/internal/service/dto"
	"github.com/heraldlab/broadcast-delivery-service/internal/store"
)

const (
	// defaultFireAndForgetTTL caps an unbounded fire-and-forget broadcast:
	// when the author sets no deadline, one is stamped at creation.
	defaultFireAndForgetTTL = 5 * time.Minute

	defaultPageSize = 50
	maxPageSize     = 500
)

// [BROADCAST_SERVICE] PRIMARY INTERFACE FOR THE ADMIN TRANSPORT
type Broadcaster interface {
	Create(ctx context.Context, req *dto.CreateBroadcastRequest) (*model.Broadcast, error)
	List(ctx context.Context, filter string, limit, offset int) (*dto.BroadcastPage, error)
	Stats(ctx context.Context, id int64) (*dto.BroadcastStatsView, error)
	Deliveries(ctx context.Context, id int64, limit, offset int) (*dto.DeliveryPage, error)
	Cancel(ctx context.Context, id int64) error
}

// BroadcastStorer is the store slice the admin plane drives.
type BroadcastStorer interface {
	CreateBroadcast(ctx context.Context, b *model.Broadcast, factory store.OutboxFactory) error
	CancelBroadcast(ctx context.Context, id int64, outbox ...model.OutboxRow) (*model.Broadcast, error)
	ListBroadcasts(ctx context.Context, status model.BroadcastStatus, limit, offset int) ([]model.Broadcast, int64, error)
	ListStats(ctx context.Context, ids []int64) (map[int64]model.BroadcastStats, error)
	GetStats(ctx context.Context, broadcastID int64) (*model.BroadcastStats, error)
	ListDeliveries(ctx context.Context, broadcastID int64, limit, offset int) ([]model.UserBroadcastRow, int64, error)
}

// BroadcastService implements Broadcaster over the transactional store. It
// never touches the bus directly: every signal leaves through the outbox in
// the same transaction as the state it describes.
type BroadcastService struct {
	store  BroadcastStorer
	logger *slog.Logger
	fnfTTL time.Duration
	now    func() time.Time
}

func NewBroadcastService(s BroadcastStorer, logger *slog.Logger, fnfTTL time.Duration) *BroadcastService {
	if fnfTTL <= 0 {
		fnfTTL = defaultFireAndForgetTTL
	}
	return &BroadcastService{
		store:  s,
		logger: logger,
		fnfTTL: fnfTTL,
		now:    time.Now,
	}
}

// Create validates and records a broadcast, deciding its opening state from
// the clock. Past its deadline it is EXPIRED on arrival and never fans out;
// scheduled for later it is SCHEDULED and the activator picks it up;
// otherwise it goes ACTIVE with the ACTIVATE signal staged in the same
// transaction.
func (s *BroadcastService) Create(ctx context.Context, req *dto.CreateBroadcastRequest) (*model.Broadcast, error) {
	b, err := req.ToDomain()
	if err != nil {
		return nil, err
	}

	now := s.now()
	if b.FireAndForget && b.ExpiresAt == nil {
		deadline := now.Add(s.fnfTTL)
		b.ExpiresAt = &deadline
	}

	var factory store.OutboxFactory
	switch {
	case b.ExpiredBy(now):
		// Accepted and recorded, but dead on arrival.
		b.Status = model.StatusExpired
	case b.ScheduledAt != nil && b.ScheduledAt.After(now):
		b.Status = model.StatusScheduled
	default:
		b.Status = model.StatusActive
		factory = orchestrationOutbox(event.OrchestrationActivate)
	}

	if err := s.store.CreateBroadcast(ctx, b, factory); err != nil {
		return nil, err
	}

	s.logger.Info("BROADCAST_CREATED",
		"broadcast_id", b.ID,
		"status", b.Status,
		"target_kind", b.TargetKind,
		"priority", b.Priority,
		"fire_and_forget", b.FireAndForget,
	)
	return b, nil
}

// Cancel transitions a live broadcast to CANCELLED. The store supersedes
// every unread row and stages the CANCEL fan-out in the same transaction, so
// no recipient can see the content after this returns.
func (s *BroadcastService) Cancel(ctx context.Context, id int64) error {
	ev := event.NewOrchestrationEvent(event.OrchestrationCancel, id)
	payload, err := ev.Encode()
	if err != nil {
		return err
	}

	b, err := s.store.CancelBroadcast(ctx, id,
		model.NewOutboxRow(id, string(ev.Kind), bus.OrchestrationTopic, payload))
	if err != nil {
		return err
	}
	s.logger.Info("BROADCAST_CANCELLED", "broadcast_id", b.ID, "was", b.Status)
	return nil
}

// List pages broadcasts newest first with their stats denormalized in.
// Filter vocabulary is the admin API's: all, active, scheduled.
func (s *BroadcastService) List(ctx context.Context, filter string, limit, offset int) (*dto.BroadcastPage, error) {
	status, err := statusFilter(filter)
	if err != nil {
		return nil, err
	}
	limit, offset = clampPage(limit, offset)

	items, total, err := s.store.ListBroadcasts(ctx, status, limit, offset)
	if err != nil {
		return nil, err
	}

	ids := make([]int64, len(items))
	for i := range items {
		ids[i] = items[i].ID
	}
	stats, err := s.store.ListStats(ctx, ids)
	if err != nil {
		return nil, err
	}

	page := &dto.BroadcastPage{Items: make([]dto.BroadcastSummary, len(items)), Total: total}
	for i := range items {
		st, ok := stats[items[i].ID]
		if !ok {
			// A broadcast that never fanned out has no counter row yet.
			st = model.BroadcastStats{BroadcastID: items[i].ID}
		}
		page.Items[i] = dto.BroadcastSummary{
			Broadcast: items[i],
			Stats:     *dto.NewBroadcastStatsView(&st),
		}
	}
	return page, nil
}

func (s *BroadcastService) Stats(ctx context.Context, id int64) (*dto.BroadcastStatsView, error) {
	stats, err := s.store.GetStats(ctx, id)
	if err != nil {
		return nil, err
	}
	return dto.NewBroadcastStatsView(stats), nil
}

func (s *BroadcastService) Deliveries(ctx context.Context, id int64, limit, offset int) (*dto.DeliveryPage, error) {
	limit, offset = clampPage(limit, offset)
	rows, total, err := s.store.ListDeliveries(ctx, id, limit, offset)
	if err != nil {
		return nil, err
	}
	return &dto.DeliveryPage{Items: rows, Total: total}, nil
}

// orchestrationOutbox builds the factory CreateBroadcast calls once the row
// has its id, so the payload can reference the real aggregate.
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

func statusFilter(filter string) (model.BroadcastStatus, error) {
	switch filter {
	case "", "all":
		return "", nil
	case "active":
		return model.StatusActive, nil
	case "scheduled":
		return model.StatusScheduled, nil
	}
	return "", model.Validationf("unknown filter %q", filter)
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
