package wsmarshaller

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/heraldlab/broadcast-delivery-service/internal/domain/event"
)

// WSEvent mirrors the SSE framing for the websocket transport: one JSON
// object per text message, dispatched client-side on the event field.
type WSEvent struct {
	Event  string `json:"event"`
	SentAt int64  `json:"sentAt"`
	Data   any    `json:"data"`
}

// MarshallFrame prepares one frame for websocket transmission.
func MarshallFrame(f event.Frame) ([]byte, error) {
	payload, err := json.Marshal(&WSEvent{
		Event:  string(f.Type),
		SentAt: time.Now().UnixMilli(),
		Data:   f.Data,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal ws frame %s: %w", f.Type, err)
	}
	return payload, nil
}
