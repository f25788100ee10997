package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/heraldlab/broadcast-delivery-service/internal/domain/model"
)

// Interface guard
var _ Eventer = (*DeliveryEvent)(nil)

// MessagePayload is the client-facing projection of a broadcast carried by
// MESSAGE frames and pending-buffer entries.
type MessagePayload struct {
	ID         int64          `json:"id"`
	SenderID   string         `json:"senderId"`
	SenderName string         `json:"senderName"`
	Content    string         `json:"content"`
	Priority   model.Priority `json:"priority"`
	Category   string         `json:"category,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
	ExpiresAt  *time.Time     `json:"expiresAt,omitempty"`
}

// NewMessagePayload projects the aggregate into the wire shape.
func NewMessagePayload(b *model.Broadcast) *MessagePayload {
	return &MessagePayload{
		ID:         b.ID,
		SenderID:   b.SenderID,
		SenderName: b.SenderName,
		Content:    b.Content,
		Priority:   b.Priority,
		Category:   b.Category,
		CreatedAt:  b.CreatedAt,
		ExpiresAt:  b.ExpiresAt,
	}
}

// DeliveryEvent is one per-user unit of fan-out.
//
// [STRATEGY]
// It distinguishes between:
//   - the broadcast (the "what"): carried in Message;
//   - the physical recipient (the "where"): UserID plus the pod that owned
//     the recipient's connection when the event was produced.
//
// EventID makes redeliveries idempotent end-to-end: the relay may publish a
// row twice and the client deduplicates by broadcast id, but every consumer
// in between can also suppress by event uuid.
type DeliveryEvent struct {
	EventID     string          `json:"eventId"`
	BroadcastID int64           `json:"broadcastId"`
	UserID      string          `json:"userId"`
	EventType   Kind            `json:"eventType"`
	PodID       string          `json:"podId,omitempty"`
	Timestamp   int64           `json:"timestamp"`
	Message     *MessagePayload `json:"message,omitempty"`
}

// NewDeliveryEvent stamps a fresh event for a single recipient.
func NewDeliveryEvent(kind Kind, userID string, podID string, msg *MessagePayload, broadcastID int64) *DeliveryEvent {
	return &DeliveryEvent{
		EventID:     uuid.NewString(),
		BroadcastID: broadcastID,
		UserID:      userID,
		EventType:   kind,
		PodID:       podID,
		Timestamp:   time.Now().UnixMilli(),
		Message:     msg,
	}
}

// DecodeDeliveryEvent parses a bus payload. Unknown fields are ignored; a
// missing discriminator or recipient is a poison payload and not retryable.
func DecodeDeliveryEvent(payload []byte) (*DeliveryEvent, error) {
	var ev DeliveryEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("decode delivery event: %w", err)
	}
	if ev.EventType == "" || ev.UserID == "" {
		return nil, fmt.Errorf("decode delivery event: missing discriminator or recipient")
	}
	return &ev, nil
}

func (e *DeliveryEvent) GetID() string          { return e.EventID }
func (e *DeliveryEvent) GetBroadcastID() int64  { return e.BroadcastID }
func (e *DeliveryEvent) GetUserID() string      { return e.UserID }
func (e *DeliveryEvent) GetOccurredAt() int64   { return e.Timestamp }

// GetPriority inherits the message priority; control events (removal, read
// receipts) ride at HIGH so they survive backpressure eviction.
func (e *DeliveryEvent) GetPriority() model.Priority {
	if e.EventType == KindCreated && e.Message != nil {
		return e.Message.Priority
	}
	return model.PriorityHigh
}

// Frame maps the bus event onto the client stream vocabulary.
func (e *DeliveryEvent) Frame() Frame {
	switch e.EventType {
	case KindCancelled, KindExpired:
		return Frame{
			Type: FrameMessageRemoved,
			Data: &RemovedPayload{BroadcastID: e.BroadcastID, Reason: string(e.EventType)},
		}
	case KindRead:
		return Frame{
			Type: FrameReadReceipt,
			Data: &ReadReceiptPayload{BroadcastID: e.BroadcastID, UserID: e.UserID},
		}
	default:
		return Frame{Type: FrameMessage, Data: e.Message}
	}
}

// Encode renders the canonical JSON bus payload.
func (e *DeliveryEvent) Encode() ([]byte, error) {
	return json.Marshal(e)
}
