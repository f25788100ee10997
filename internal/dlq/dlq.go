/*
Package dlq is the operator plane for dead letters: list the backlog,
redrive entries whose parent broadcast is still live, purge the rest.

Redrive splits by origin family. Orchestration-origin payloads go back to
the stable orchestration topic verbatim. Worker-origin payloads cannot be
replayed in place because per-pod topics die with their pod, so they
re-enter through a REDRIVE control event and the orchestrator routes the
recipient wherever they are connected now. Purge pairs the row delete with
a nil-payload tombstone on the dead-letter topic so compaction drops the
poisoned record too.
*/
package dlq

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/heraldlab/broadcast-delivery-service/internal/bus"
	"github.com/heraldlab/broadcast-delivery-service/internal/domain/event"
	"github.com/heraldlab/broadcast-delivery-service/internal/domain/model"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// Storer is the store slice the operator plane needs.
type Storer interface {
	GetDlt(ctx context.Context, id int64) (*model.DltEntry, error)
	ListDlt(ctx context.Context, limit, offset int) ([]model.DltEntry, int64, error)
	ListAllDlt(ctx context.Context) ([]model.DltEntry, error)
	DeleteDlt(ctx context.Context, id int64) error
	GetBroadcast(ctx context.Context, id int64) (*model.Broadcast, error)
	ResetRowToPending(ctx context.Context, broadcastID int64, userID string) error
}

// Operator is the contract the admin transport binds to.
type Operator interface {
	List(ctx context.Context, limit, offset int) ([]model.DltEntry, int64, error)
	Redrive(ctx context.Context, id int64) error
	RedriveAll(ctx context.Context) (*BatchOutcome, error)
	Purge(ctx context.Context, id int64) error
	PurgeAll(ctx context.Context) (*BatchOutcome, error)
}

// EntryFailure names one entry a batch operation could not process.
type EntryFailure struct {
	ID     int64  `json:"id"`
	Reason string `json:"reason"`
}

// BatchOutcome summarizes a backlog-wide redrive or purge. Per-entry
// failures do not fail the batch; they are reported and the entry stays.
type BatchOutcome struct {
	Total    int            `json:"total"`
	Success  int            `json:"success"`
	Failure  int            `json:"failure"`
	Failures []EntryFailure `json:"failures,omitempty"`
}

// OpsService is the concrete implementation behind Operator.
type OpsService struct {
	store      Storer
	dispatcher bus.Dispatcher
	logger     *slog.Logger
}

func NewOpsService(store Storer, dispatcher bus.Dispatcher, logger *slog.Logger) *OpsService {
	return &OpsService{store: store, dispatcher: dispatcher, logger: logger}
}

// List pages the backlog oldest first, the order operators should work it.
func (s *OpsService) List(ctx context.Context, limit, offset int) ([]model.DltEntry, int64, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.ListDlt(ctx, limit, offset)
}

// Redrive re-submits one dead letter and deletes its entry. The parent
// broadcast must still be ACTIVE: content for a finished broadcast has
// nothing left to deliver, and removal fan-outs never need replaying
// because unread rows were superseded in the terminating transaction.
func (s *OpsService) Redrive(ctx context.Context, id int64) error {
	entry, err := s.store.GetDlt(ctx, id)
	if err != nil {
		return err
	}
	if entry.BroadcastID == nil {
		return fmt.Errorf("%w: entry %d has no decodable payload, purge it instead", model.ErrConflict, id)
	}

	parent, err := s.store.GetBroadcast(ctx, *entry.BroadcastID)
	if err != nil {
		return err
	}
	if parent.Status != model.StatusActive {
		return fmt.Errorf("%w: broadcast %d is %s, only ACTIVE broadcasts redrive", model.ErrConflict, parent.ID, parent.Status)
	}

	if bus.IsWorkerTopic(entry.OriginTopic) {
		err = s.redriveDelivery(ctx, entry)
	} else {
		err = s.redriveOrchestration(ctx, entry)
	}
	if err != nil {
		return err
	}

	// Publish first, delete second: a failed delete leaves the entry for a
	// second redrive, and every consumer downstream dedupes.
	if err := s.store.DeleteDlt(ctx, id); err != nil {
		return err
	}
	s.logger.Info("DLQ_REDRIVEN",
		"dlt_id", id,
		"broadcast_id", *entry.BroadcastID,
		"origin_topic", entry.OriginTopic,
	)
	return nil
}

// redriveDelivery re-enters a failed per-user delivery through the control
// plane. The FAILED row flips back to PENDING so the delivery counts again.
func (s *OpsService) redriveDelivery(ctx context.Context, entry *model.DltEntry) error {
	if entry.UserID == nil {
		return fmt.Errorf("%w: entry %d names no recipient", model.ErrConflict, entry.ID)
	}
	if err := s.store.ResetRowToPending(ctx, *entry.BroadcastID, *entry.UserID); err != nil {
		return err
	}
	ev := event.NewRedriveEvent(*entry.BroadcastID, *entry.UserID)
	key := strconv.FormatInt(*entry.BroadcastID, 10)
	return s.dispatcher.PublishEvent(ctx, bus.OrchestrationTopic, key, ev)
}

// redriveOrchestration replays the frozen payload on its original topic,
// original key, so ordering against newer lifecycle signals is preserved.
func (s *OpsService) redriveOrchestration(ctx context.Context, entry *model.DltEntry) error {
	eventType := ""
	if ev, err := event.DecodeOrchestrationEvent(entry.Payload); err == nil {
		eventType = string(ev.Kind)
	}
	return s.dispatcher.PublishRaw(ctx, entry.OriginTopic, entry.OriginKey, eventType, entry.Payload)
}

// RedriveAll walks the whole backlog. Entries that cannot be redriven stay
// put and are reported; the batch itself always completes.
func (s *OpsService) RedriveAll(ctx context.Context) (*BatchOutcome, error) {
	entries, err := s.store.ListAllDlt(ctx)
	if err != nil {
		return nil, err
	}
	out := &BatchOutcome{Total: len(entries)}
	for i := range entries {
		if err := s.Redrive(ctx, entries[i].ID); err != nil {
			out.Failure++
			out.Failures = append(out.Failures, EntryFailure{ID: entries[i].ID, Reason: err.Error()})
			continue
		}
		out.Success++
	}
	s.logger.Info("DLQ_REDRIVE_ALL",
		"total", out.Total,
		"success", out.Success,
		"failure", out.Failure,
	)
	return out, nil
}

// Purge drops one entry and tombstones its record on the dead-letter topic
// with the original key, so a compacted log forgets the poison too. The
// intake consumer skips nil payloads.
func (s *OpsService) Purge(ctx context.Context, id int64) error {
	entry, err := s.store.GetDlt(ctx, id)
	if err != nil {
		return err
	}

	topic := bus.DLQOrchestrationTopic
	if bus.IsWorkerTopic(entry.OriginTopic) {
		topic = bus.DLQWorkerTopic
	}
	if err := s.dispatcher.PublishRaw(ctx, topic, entry.OriginKey, "", nil); err != nil {
		return err
	}
	if err := s.store.DeleteDlt(ctx, id); err != nil {
		return err
	}
	s.logger.Info("DLQ_PURGED", "dlt_id", id, "origin_topic", entry.OriginTopic)
	return nil
}

// PurgeAll drains the backlog unconditionally.
func (s *OpsService) PurgeAll(ctx context.Context) (*BatchOutcome, error) {
	entries, err := s.store.ListAllDlt(ctx)
	if err != nil {
		return nil, err
	}
	out := &BatchOutcome{Total: len(entries)}
	for i := range entries {
		if err := s.Purge(ctx, entries[i].ID); err != nil {
			out.Failure++
			out.Failures = append(out.Failures, EntryFailure{ID: entries[i].ID, Reason: err.Error()})
			continue
		}
		out.Success++
	}
	s.logger.Info("DLQ_PURGE_ALL",
		"total", out.Total,
		"success", out.Success,
		"failure", out.Failure,
	)
	return out, nil
}
