package cmd

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"go.uber.org/fx"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/heraldlab/broadcast-delivery-service/config"
	"github.com/heraldlab/broadcast-delivery-service/infra/postgres"
	redisconn "github.com/heraldlab/broadcast-delivery-service/infra/redis"
	httpsrv "github.com/heraldlab/broadcast-delivery-service/infra/server/http"
	"github.com/heraldlab/broadcast-delivery-service/internal/bus"
	"github.com/heraldlab/broadcast-delivery-service/internal/dlq"
	"github.com/heraldlab/broadcast-delivery-service/internal/domain/hub"
	lphandler "github.com/heraldlab/broadcast-delivery-service/internal/handler/lp"
	resthandler "github.com/heraldlab/broadcast-delivery-service/internal/handler/rest"
	ssehandler "github.com/heraldlab/broadcast-delivery-service/internal/handler/sse"
	streamhandler "github.com/heraldlab/broadcast-delivery-service/internal/handler/stream"
	wshandler "github.com/heraldlab/broadcast-delivery-service/internal/handler/ws"
	"github.com/heraldlab/broadcast-delivery-service/internal/orchestrator"
	"github.com/heraldlab/broadcast-delivery-service/internal/registry"
	"github.com/heraldlab/broadcast-delivery-service/internal/relay"
	"github.com/heraldlab/broadcast-delivery-service/internal/scheduler"
	"github.com/heraldlab/broadcast-delivery-service/internal/service"
	"github.com/heraldlab/broadcast-delivery-service/internal/store"
	"github.com/heraldlab/broadcast-delivery-service/internal/targeting"
)

func NewApp(cfg *config.Config) *fx.App {
	opts := []fx.Option{
		fx.Provide(
			func() *config.Config { return cfg },
			ProvideLogger,
			ProvideWatermillLogger,
		),
		// The HTTP drain window alone may take the full 30s; leave room for
		// the routers to commit offsets behind it.
		fx.StopTimeout(time.Minute),

		postgres.Module,
		store.Module,
		bus.Module,
		hub.Module,
		registry.Module,
		targeting.Module,
		service.Module,
		relay.Module,
		orchestrator.Module,
		scheduler.Module,
		dlq.Module,
		streamhandler.Module,
		httpsrv.Module,
		resthandler.Module,
		ssehandler.Module,
		wshandler.Module,
		lphandler.Module,
	}

	// The shared registry backend only exists in the distributed profile;
	// standalone pods keep connections in process memory.
	if cfg.Registry.Mode == config.RegistryModeDistributed {
		opts = append(opts, redisconn.Module)
	}

	return fx.New(opts...)
}

// ProvideLogger builds the process logger: JSON to stdout, optional rotated
// file copy, level hot-reloaded from the config file.
func ProvideLogger(cfg *config.Config) *slog.Logger {
	level := new(slog.LevelVar)
	level.Set(parseLevel(cfg.Log.Level))

	var out io.Writer = os.Stdout
	if cfg.Log.File != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
		})
	}

	var handler slog.Handler
	if cfg.Log.Format == "text" {
		handler = slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	}

	logger := slog.New(handler).With(
		slog.String("service", ServiceName),
		slog.String("pod", cfg.PodID),
		slog.String("cluster", cfg.ClusterID),
	)
	slog.SetDefault(logger)

	cfg.WatchLogLevel(func(lvl string) {
		level.Set(parseLevel(lvl))
		logger.Info("LOG_LEVEL_CHANGED", slog.String("level", lvl))
	})

	return logger
}

func ProvideWatermillLogger(logger *slog.Logger) watermill.LoggerAdapter {
	return watermill.NewSlogLogger(logger)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
