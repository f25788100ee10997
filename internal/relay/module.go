package relay

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/heraldlab/broadcast-delivery-service/config"
	"github.com/heraldlab/broadcast-delivery-service/internal/bus"
	"github.com/heraldlab/broadcast-delivery-service/internal/store"
)

var Module = fx.Module(
	"relay",

	fx.Provide(func(s *store.Store, d bus.Dispatcher, logger *slog.Logger, cfg *config.Config) *Relay {
		return New(s, d, logger, cfg.PodID, cfg.Relay.Interval, cfg.Relay.BatchSize)
	}),

	// [LIFECYCLE] The relay only polls; it holds no in-flight state, so stop
	// is immediate and pending rows simply wait for the next leader.
	fx.Invoke(func(lc fx.Lifecycle, r *Relay) {
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				r.Start()
				return nil
			},
			OnStop: func(context.Context) error {
				r.Stop()
				return nil
			},
		})
	}),
)
