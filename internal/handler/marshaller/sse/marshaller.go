package ssemarshaller

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/heraldlab/broadcast-delivery-service/internal/domain/event"
)

// MarshallFrame renders one server-sent event:
//
//	event: <TYPE>
//	data: <json>
//
// followed by the blank line that terminates the frame. The event name is
// the frame type verbatim; clients dispatch on it with addEventListener.
func MarshallFrame(f event.Frame) ([]byte, error) {
	data, err := json.Marshal(f.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal sse frame %s: %w", f.Type, err)
	}

	var b bytes.Buffer
	b.Grow(len(data) + len(f.Type) + 16)
	b.WriteString("event: ")
	b.WriteString(string(f.Type))
	b.WriteString("\ndata: ")
	b.Write(data)
	b.WriteString("\n\n")
	return b.Bytes(), nil
}
