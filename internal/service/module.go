package service

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/heraldlab/broadcast-delivery-service/config"
	"github.com/heraldlab/broadcast-delivery-service/internal/domain/hub"
	"github.com/heraldlab/broadcast-delivery-service/internal/registry"
	"github.com/heraldlab/broadcast-delivery-service/internal/store"
)

var Module = fx.Module(
	"service",

	fx.Provide(
		// Domain services
		fx.Annotate(
			func(s *store.Store, logger *slog.Logger, cfg *config.Config) *BroadcastService {
				return NewBroadcastService(s, logger, cfg.Broadcast.FireAndForgetTTL)
			},
			fx.As(new(Broadcaster)),
		),
		fx.Annotate(
			func(lc fx.Lifecycle, h hub.Hubber, reg registry.Registrar, s *store.Store, logger *slog.Logger, cfg *config.Config) *DeliveryService {
				svc := NewDeliveryService(h, reg, s, logger, cfg.PodID, cfg.ClusterID, cfg.Stream.ConnBuffer)
				lc.Append(fx.Hook{
					OnStop: func(context.Context) error {
						svc.Close() // [GRACEFUL_SHUTDOWN] Silence the fan-out pumps
						return nil
					},
				})
				return svc
			},
			fx.As(new(Deliverer)),
		),
	),
)
