package dlq

import (
	"log/slog"

	"go.uber.org/fx"

	"github.com/heraldlab/broadcast-delivery-service/internal/bus"
	"github.com/heraldlab/broadcast-delivery-service/internal/store"
)

var Module = fx.Module(
	"dlq",

	fx.Provide(
		fx.Annotate(
			func(s *store.Store, d bus.Dispatcher, logger *slog.Logger) *OpsService {
				return NewOpsService(s, d, logger)
			},
			fx.As(new(Operator)),
		),
	),
)
