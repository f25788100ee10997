package targeting

import (
	"context"
	"log/slog"
	"time"

	"github.com/heraldlab/broadcast-delivery-service/internal/domain/model"
)

// ResolverMiddleware implements [DECORATOR_PATTERN] to add observability to
// audience expansion without touching business logic.
type ResolverMiddleware struct {
	Next   Resolver
	Logger *slog.Logger
}

var _ Resolver = (*ResolverMiddleware)(nil)

// Resolve wraps expansion with execution timing and outcome logging.
func (m *ResolverMiddleware) Resolve(ctx context.Context, spec model.TargetSpec) (*Resolution, error) {
	start := time.Now()

	res, err := m.Next.Resolve(ctx, spec)

	duration := time.Since(start)
	if err != nil {
		m.Logger.Error("TARGET_RESOLUTION_FAILED",
			"target_kind", spec.Kind,
			"err", err,
			"duration_ms", duration.Milliseconds(),
		)
		return nil, err
	}

	m.Logger.Debug("TARGET_RESOLUTION_COMPLETED",
		"target_kind", spec.Kind,
		"audience", len(res.UserIDs),
		"degraded", res.Degraded,
		"duration_ms", duration.Milliseconds(),
	)
	return res, nil
}
