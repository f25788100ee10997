package scheduler

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/heraldlab/broadcast-delivery-service/config"
	"github.com/heraldlab/broadcast-delivery-service/internal/registry"
	"github.com/heraldlab/broadcast-delivery-service/internal/store"
)

var Module = fx.Module(
	"scheduler",

	fx.Provide(func(s *store.Store, reg registry.Registrar, logger *slog.Logger, cfg *config.Config) *Scheduler {
		return New(s, logger, cfg.PodID,
			NewActivatorTask(s, logger),
			NewExpirerTask(s, logger),
			NewStaleGCTask(reg, s, logger),
		)
	}),

	// [LIFECYCLE] Ticks survive nothing: stopping just silences the clocks
	// and the next leader picks up whatever was due.
	fx.Invoke(func(lc fx.Lifecycle, s *Scheduler) {
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				s.Start()
				return nil
			},
			OnStop: func(context.Context) error {
				s.Stop()
				return nil
			},
		})
	}),
)
