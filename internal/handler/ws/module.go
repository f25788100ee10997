package ws

import (
	"log/slog"

	"go.uber.org/fx"

	"github.com/heraldlab/broadcast-delivery-service/config"
	httpsrv "github.com/heraldlab/broadcast-delivery-service/infra/server/http"
	"github.com/heraldlab/broadcast-delivery-service/internal/service"
)

var Module = fx.Module("ws-handler",
	fx.Provide(
		func(logger *slog.Logger, deliverer service.Deliverer, cfg *config.Config) *WSHandler {
			return NewWSHandler(logger, deliverer, cfg.PodID, cfg.Version, cfg.HTTP.StreamKeepalive)
		},
	),
	fx.Invoke(RegisterStream),
)

// RegisterStream mounts the WebSocket supplement onto the shared listener.
func RegisterStream(server *httpsrv.Server, h *WSHandler) {
	server.Mux.Get("/ws/connect", h.Connect)
}
