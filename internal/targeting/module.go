package targeting

import (
	"log/slog"

	"go.uber.org/fx"

	"github.com/heraldlab/broadcast-delivery-service/config"
)

func provideDirectory(cfg *config.Config) Directory {
	return NewStaticDirectory(cfg.Directory.Users, cfg.Directory.Roles, cfg.Directory.Products)
}

var Module = fx.Module(
	"targeting",

	fx.Provide(
		provideDirectory,
		fx.Annotate(
			NewDirectoryResolver,
			fx.As(new(Resolver)),
		),
	),

	// [DECORATION_LAYER] Intercept the Resolver to add cross-cutting concerns
	fx.Decorate(func(orig Resolver, logger *slog.Logger) Resolver {
		return &ResolverMiddleware{
			Next:   orig,
			Logger: logger,
		}
	}),
)
