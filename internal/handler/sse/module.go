package sse

import (
	"log/slog"

	"go.uber.org/fx"

	"github.com/heraldlab/broadcast-delivery-service/config"
	httpsrv "github.com/heraldlab/broadcast-delivery-service/infra/server/http"
	"github.com/heraldlab/broadcast-delivery-service/internal/service"
)

var Module = fx.Module("sse-handler",
	fx.Provide(
		func(logger *slog.Logger, deliverer service.Deliverer, cfg *config.Config) *SSEHandler {
			return NewSSEHandler(logger, deliverer, cfg.PodID, cfg.Version, cfg.HTTP.StreamKeepalive)
		},
	),
	fx.Invoke(RegisterStream),
)

// RegisterStream mounts the primary push transport onto the shared listener.
func RegisterStream(server *httpsrv.Server, h *SSEHandler) {
	server.Mux.Get("/sse/connect", h.Connect)
	server.Mux.Post("/sse/disconnect", h.Disconnect)
}
