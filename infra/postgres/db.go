package postgres

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/fx"

	"github.com/heraldlab/broadcast-delivery-service/config"
)

// NewDB opens the shared connection pool. The pool stays small on purpose:
// every pod in the cluster shares one database and fan-out work belongs on
// the bus, not in extra connections.
func NewDB(lc fx.Lifecycle, logger *slog.Logger, cfg *config.Config) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Postgres.ConnMaxLifetime)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := db.PingContext(ctx); err != nil {
				return fmt.Errorf("ping postgres: %w", err)
			}
			logger.Info("POSTGRES_CONNECTED", slog.Int("max_open_conns", cfg.Postgres.MaxOpenConns))
			return nil
		},
		OnStop: func(context.Context) error {
			return db.Close()
		},
	})

	return db, nil
}

var Module = fx.Module("postgres",
	fx.Provide(NewDB),
)
