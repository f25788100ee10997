package stream

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"

	"github.com/heraldlab/broadcast-delivery-service/internal/bus"
	"github.com/heraldlab/broadcast-delivery-service/internal/domain/event"
	"github.com/heraldlab/broadcast-delivery-service/internal/domain/model"
)

// DltWriter is the store slice the dead-letter intake needs.
type DltWriter interface {
	InsertDlt(ctx context.Context, e *model.DltEntry) error
	MarkFailed(ctx context.Context, broadcastID int64, userID string) error
}

// DlqHandler drains both dead-letter topics into the dlt_messages table where
// the redrive API can see them. It never feeds a poison queue itself: a dead
// letter that cannot be recorded stays on the topic.
type DlqHandler struct {
	store  DltWriter
	logger *slog.Logger
}

func NewDlqHandler(store DltWriter, logger *slog.Logger) *DlqHandler {
	return &DlqHandler{store: store, logger: logger}
}

// HandleDead persists one poisoned message. Returning nil acks; the entry is
// then visible to operators. Nil payloads are purge tombstones and skipped.
func (h *DlqHandler) HandleDead(msg *message.Message) error {
	if len(msg.Payload) == 0 {
		return nil
	}

	entry, failedDelivery := h.entryOf(msg)
	ctx := msg.Context()
	if err := h.store.InsertDlt(ctx, entry); err != nil {
		return err
	}
	if failedDelivery {
		if err := h.store.MarkFailed(ctx, *entry.BroadcastID, *entry.UserID); err != nil {
			return err
		}
	}

	h.logger.Warn("DEAD_LETTER_RECORDED",
		"dlt_id", entry.ID,
		"origin_topic", entry.OriginTopic,
		"title", entry.Title,
	)
	return nil
}

// entryOf reconstructs the origin coordinates from the poison metadata and,
// when the payload still parses, names the event in the operator-facing
// title. The second return reports whether a per-user delivery failed and
// its row should flip to FAILED.
func (h *DlqHandler) entryOf(msg *message.Message) (*model.DltEntry, bool) {
	reason := msg.Metadata.Get(middleware.ReasonForPoisonedKey)
	entry := &model.DltEntry{
		OriginTopic:    msg.Metadata.Get(middleware.PoisonedTopicKey),
		OriginKey:      msg.Metadata.Get(bus.PartitionKeyMetadata),
		Payload:        msg.Payload,
		Title:          reason,
		ExceptionClass: reason,
		Stacktrace: fmt.Sprintf("handler=%s subscriber=%s",
			msg.Metadata.Get(middleware.PoisonedHandlerKey),
			msg.Metadata.Get(middleware.PoisonedSubscriberKey)),
		FailedAt: time.Now(),
	}
	if p, ok := kafka.MessagePartitionFromCtx(msg.Context()); ok {
		entry.OriginPartition = p
	}
	if o, ok := kafka.MessagePartitionOffsetFromCtx(msg.Context()); ok {
		entry.OriginOffset = o
	}

	if ev, err := event.DecodeDeliveryEvent(msg.Payload); err == nil {
		entry.Title = model.DltTitle(string(ev.EventType), ev.UserID, ev.BroadcastID)
		entry.BroadcastID = &ev.BroadcastID
		entry.UserID = &ev.UserID
		return entry, ev.EventType == event.KindCreated
	}
	if ev, err := event.DecodeOrchestrationEvent(msg.Payload); err == nil {
		entry.Title = model.DltTitle(string(ev.Kind), ev.UserID, ev.BroadcastID)
		entry.BroadcastID = &ev.BroadcastID
		if ev.UserID != "" {
			entry.UserID = &ev.UserID
		}
		return entry, false
	}
	return entry, false
}
