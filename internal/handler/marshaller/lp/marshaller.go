package lpmarshaller

import (
	"encoding/json"

	"github.com/heraldlab/broadcast-delivery-service/internal/domain/event"
)

// LPEvent is a single event shaped for long-polling consumers.
type LPEvent struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Payload any    `json:"payload"`
}

// Response defines the top-level JSON envelope to support event batching.
type Response struct {
	Events []LPEvent `json:"events"`
}

// MarshallEvents converts a batch of stream events into one JSON response.
// The type tag reuses the frame vocabulary so a client can share its
// dispatch table with the SSE stream.
func MarshallEvents(events []event.Eventer) ([]byte, error) {
	res := Response{
		Events: make([]LPEvent, 0, len(events)),
	}

	for _, ev := range events {
		f := ev.Frame()
		res.Events = append(res.Events, LPEvent{
			Type:    string(f.Type),
			ID:      ev.GetID(),
			Payload: f.Data,
		})
	}

	return json.Marshal(res)
}
