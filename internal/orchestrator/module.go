package orchestrator

import (
	"log/slog"

	"go.uber.org/fx"

	"github.com/heraldlab/broadcast-delivery-service/config"
	"github.com/heraldlab/broadcast-delivery-service/internal/bus"
	"github.com/heraldlab/broadcast-delivery-service/internal/registry"
	"github.com/heraldlab/broadcast-delivery-service/internal/store"
	"github.com/heraldlab/broadcast-delivery-service/internal/targeting"
)

var Module = fx.Module(
	"orchestrator",

	// The stream router binds Handle to the orchestration topic; nothing
	// here owns a goroutine.
	fx.Provide(func(s *store.Store, r targeting.Resolver, reg registry.Registrar, d bus.Dispatcher, logger *slog.Logger, cfg *config.Config) *Orchestrator {
		return New(s, r, reg, d, logger, cfg.PodID, cfg.Fanout.RatePerSecond)
	}),
)
