package stream

import (
	"context"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.uber.org/fx"

	"github.com/heraldlab/broadcast-delivery-service/config"
	"github.com/heraldlab/broadcast-delivery-service/internal/bus"
	"github.com/heraldlab/broadcast-delivery-service/internal/domain/hub"
	"github.com/heraldlab/broadcast-delivery-service/internal/orchestrator"
	"github.com/heraldlab/broadcast-delivery-service/internal/registry"
	"github.com/heraldlab/broadcast-delivery-service/internal/store"
)

var Module = fx.Module("stream-handler",
	fx.Provide(
		NewRouter,

		func(s *store.Store, h hub.Hubber, reg registry.Registrar, logger *slog.Logger, cfg *config.Config) *DeliveryHandler {
			return NewDeliveryHandler(s, h, reg, logger, cfg.PodID)
		},

		func(s *store.Store, logger *slog.Logger) *DlqHandler {
			return NewDlqHandler(s, logger)
		},

		func(delivery *DeliveryHandler, orch *orchestrator.Orchestrator, dlq *DlqHandler, d bus.Dispatcher, logger *slog.Logger, cfg *config.Config) *StreamHandler {
			concurrency := cfg.Worker.Concurrency
			if cfg.Bus.Mode != config.BusModeKafka {
				// The in-process bus copies every message to every
				// subscriber; a pool would deliver duplicates.
				concurrency = 1
			}
			return NewStreamHandler(delivery, orch, dlq, d, logger, cfg.PodID, concurrency)
		},
	),

	// [LIFECYCLE] Consumers start after the schema migration and the bus are
	// up, and Close drains in-flight handlers before offsets stop moving.
	fx.Invoke(func(lc fx.Lifecycle, router *message.Router, h *StreamHandler, b bus.Bus, logger *slog.Logger) error {
		if err := h.RegisterConsumers(router, b); err != nil {
			return err
		}
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				go func() {
					if err := router.Run(context.Background()); err != nil {
						logger.Error("ROUTER_STOPPED", "err", err)
					}
				}()
				select {
				case <-router.Running():
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			},
			OnStop: func(context.Context) error {
				return router.Close()
			},
		})
		return nil
	}),
)
