package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/ThreeDotsLabs/watermill/message"
)

// ErrUnprocessable marks a failure no amount of retrying will fix: a payload
// that cannot be decoded or a handler panic. The retry middleware passes it
// through and the poison queue takes the message on the first attempt.
var ErrUnprocessable = errors.New("unprocessable message")

// EventHandler is the functional signature for consumer business logic.
type EventHandler[T any] func(ctx context.Context, ev *T) error

// [INFRASTRUCTURE_BRIDGE]
// Bind connects Watermill to domain logic, handling panic recovery and
// payload decoding so handlers only ever see a well-formed event.
func Bind[T any](logger *slog.Logger, decode func([]byte) (*T, error), fn EventHandler[T]) message.NoPublishHandlerFunc {
	return func(msg *message.Message) (err error) {
		// [PANIC_RECOVERY]
		// A panicking handler is deterministic poison, not a transient
		// failure; surface it as unprocessable and keep the consumer alive.
		defer func() {
			if r := recover(); r != nil {
				logger.Error("PANIC_RECOVERED",
					"err", r,
					"stack", string(debug.Stack()),
					"msg_id", msg.UUID)
				err = fmt.Errorf("%w: handler panic: %v", ErrUnprocessable, r)
			}
		}()

		// [DECODING]
		ev, derr := decode(msg.Payload)
		if derr != nil {
			logger.Error("DECODE_FAILED", "err", derr, "msg_id", msg.UUID)
			return fmt.Errorf("%w: %v", ErrUnprocessable, derr)
		}

		// [EXECUTION]
		// Errors feed the retry policy; nil acks and commits the offset.
		return fn(msg.Context(), ev)
	}
}
