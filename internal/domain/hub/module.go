package hub

import (
	"context"
	"time"

	"go.uber.org/fx"

	"github.com/heraldlab/broadcast-delivery-service/config"
)

var Module = fx.Module("hub",
	fx.Provide(
		// [CLEAN_INJECTION] Configure Hub using Functional Options
		func(cfg *config.Config) *Hub {
			return NewHub(
				WithEvictionInterval(15*time.Minute),
				WithIdleTimeout(30*time.Minute),
				WithMailboxSize(cfg.Stream.MailboxSize),
				WithSendTimeouts(cfg.Stream.UrgentSendTimeout, cfg.Stream.SendTimeout),
			)
		},
		func(h *Hub) Hubber { return h },
	),
	fx.Invoke(func(lc fx.Lifecycle, h Hubber) {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				h.Shutdown() // [GRACEFUL_SHUTDOWN] Stop all Actor goroutines
				return nil
			},
		})
	}),
)
