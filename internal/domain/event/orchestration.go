package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OrchestrationKind discriminates control-plane events.
type OrchestrationKind string

const (
	OrchestrationActivate OrchestrationKind = "ACTIVATE"
	OrchestrationCancel   OrchestrationKind = "CANCEL"
	OrchestrationExpire   OrchestrationKind = "EXPIRE"
	OrchestrationReadAck  OrchestrationKind = "READ_ACK"
	OrchestrationRedrive  OrchestrationKind = "REDRIVE"
)

// OrchestrationEvent is a control signal consumed by the fan-out orchestrator.
// The partition key is the broadcast id, so all lifecycle signals for one
// broadcast are observed in commit order.
type OrchestrationEvent struct {
	EventID     string            `json:"eventId"`
	Kind        OrchestrationKind `json:"kind"`
	BroadcastID int64             `json:"broadcastId"`
	// UserID is set only for READ_ACK, which targets a single recipient.
	UserID     string `json:"userId,omitempty"`
	OccurredAt int64  `json:"occurredAt"`
}

// NewOrchestrationEvent stamps a control event for a broadcast lifecycle edge.
func NewOrchestrationEvent(kind OrchestrationKind, broadcastID int64) *OrchestrationEvent {
	return &OrchestrationEvent{
		EventID:     uuid.NewString(),
		Kind:        kind,
		BroadcastID: broadcastID,
		OccurredAt:  time.Now().UnixMilli(),
	}
}

// NewReadAckEvent stamps the single-recipient read acknowledgement signal.
func NewReadAckEvent(broadcastID int64, userID string) *OrchestrationEvent {
	ev := NewOrchestrationEvent(OrchestrationReadAck, broadcastID)
	ev.UserID = userID
	return ev
}

// NewRedriveEvent stamps a single-recipient redelivery request. The
// orchestrator routes it to wherever the user is connected now.
func NewRedriveEvent(broadcastID int64, userID string) *OrchestrationEvent {
	ev := NewOrchestrationEvent(OrchestrationRedrive, broadcastID)
	ev.UserID = userID
	return ev
}

// DecodeOrchestrationEvent parses a control payload; unknown fields ignored.
func DecodeOrchestrationEvent(payload []byte) (*OrchestrationEvent, error) {
	var ev OrchestrationEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("decode orchestration event: %w", err)
	}
	if ev.Kind == "" || ev.BroadcastID == 0 {
		return nil, fmt.Errorf("decode orchestration event: missing kind or aggregate")
	}
	return &ev, nil
}

// Encode renders the canonical JSON bus payload.
func (e *OrchestrationEvent) Encode() ([]byte, error) {
	return json.Marshal(e)
}
