package store

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module(
	"store",

	// [CONSTRUCTOR]
	fx.Provide(New),

	// [LIFECYCLE] Schema is migrated before the relay or any consumer starts
	// reading from the outbox.
	fx.Invoke(func(lc fx.Lifecycle, s *Store) {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				return s.Migrate()
			},
		})
	}),
)
