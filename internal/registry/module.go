package registry

import (
	"context"
	"errors"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"

	"github.com/heraldlab/broadcast-delivery-service/config"
	"github.com/heraldlab/broadcast-delivery-service/internal/domain/hub"
)

type registrarParams struct {
	fx.In

	Cfg    *config.Config
	Logger *slog.Logger

	// Only wired in distributed mode; cmd assembles the redis module there.
	Redis *redis.Client `optional:"true"`
}

var Module = fx.Module("registry",
	fx.Provide(
		func(p registrarParams) (Registrar, error) {
			opts := RedisOptions{
				ConnTTL:         p.Cfg.Registry.ConnTTL,
				MaxConnsPerUser: p.Cfg.Registry.MaxConnsPerUser,
				PendingBound:    p.Cfg.Registry.PendingBound,
			}
			switch p.Cfg.Registry.Mode {
			case config.RegistryModeDistributed:
				if p.Redis == nil {
					return nil, errors.New("registry: distributed mode requires a redis client")
				}
				return NewRedis(p.Redis, p.Logger, opts), nil
			default:
				return NewMemory(p.Logger, opts), nil
			}
		},
		func(cfg *config.Config, h hub.Hubber, reg Registrar, logger *slog.Logger) *Keeper {
			return NewKeeper(h, reg, cfg.PodID, cfg.Registry.HeartbeatInterval, logger)
		},
	),
	fx.Invoke(func(lc fx.Lifecycle, k *Keeper, reg Registrar) {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				k.Start()
				return nil
			},
			OnStop: func(ctx context.Context) error {
				k.Stop()
				return reg.Close()
			},
		})
	}),
)
