package stream

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
)

type traceIDKey struct{}

// [TRACE_ID_MIDDLEWARE]
// Ensures TraceID persistence through the call chain.
func TraceIDMiddleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		traceID := msg.Metadata.Get("trace_id")
		if traceID == "" {
			traceID = uuid.NewString()
			msg.Metadata.Set("trace_id", traceID)
		}

		ctx := context.WithValue(msg.Context(), traceIDKey{}, traceID)
		msg.SetContext(ctx)

		return h(msg)
	}
}

// [LOGGING_MIDDLEWARE]
// Structured logging with latency and TraceID.
func LoggingMiddleware(logger *slog.Logger) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			start := time.Now()
			msgs, err := h(msg)

			logger.Debug("MESSAGE_HANDLED",
				"msg_id", msg.UUID,
				"trace_id", msg.Metadata.Get("trace_id"),
				"duration_ms", time.Since(start).Milliseconds(),
				"success", err == nil,
			)
			return msgs, err
		}
	}
}

// [RETRY_MIDDLEWARE]
// RetryPolicy retries transient handler failures with exponential backoff.
// ErrUnprocessable skips the loop entirely: those messages belong to the
// poison queue on the first attempt, with no redelivery storm in between.
type RetryPolicy struct {
	MaxRetries      int
	InitialInterval time.Duration
	Multiplier      float64
}

func NewRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      2,
		InitialInterval: time.Millisecond * 500,
		Multiplier:      2.0,
	}
}

func (p RetryPolicy) Middleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		interval := p.InitialInterval
		var msgs []*message.Message
		var err error
		for attempt := 0; ; attempt++ {
			msgs, err = h(msg)
			if err == nil || errors.Is(err, ErrUnprocessable) {
				return msgs, err
			}
			if attempt >= p.MaxRetries {
				return msgs, err
			}
			select {
			case <-msg.Context().Done():
				return msgs, err
			case <-time.After(interval):
			}
			interval = time.Duration(float64(interval) * p.Multiplier)
		}
	}
}
