package bus

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"go.uber.org/fx"

	"github.com/heraldlab/broadcast-delivery-service/config"
)

type busParams struct {
	fx.In

	Cfg    *config.Config
	Logger watermill.LoggerAdapter
}

// provideBus selects the transport. Kafka for clustered deployments, the
// in-process channel otherwise.
func provideBus(p busParams) (Bus, error) {
	if p.Cfg.Bus.Mode == config.BusModeKafka {
		return NewKafkaBus(p.Cfg.Bus.Brokers, p.Logger)
	}
	return NewChannelBus(p.Logger), nil
}

var Module = fx.Module("bus",
	fx.Provide(
		provideBus,
		NewDispatcher,
	),

	// [LIFECYCLE] Subscribers drain before the shared publisher closes.
	fx.Invoke(func(lc fx.Lifecycle, b Bus) {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return b.Close()
			},
		})
	}),
)
