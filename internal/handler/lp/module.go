package lp

import (
	"go.uber.org/fx"

	httpsrv "github.com/heraldlab/broadcast-delivery-service/infra/server/http"
)

var Module = fx.Module("lp-handler",
	fx.Provide(NewLPHandler),
	fx.Invoke(RegisterPoll),
)

// RegisterPoll mounts the long-polling fallback onto the shared listener.
func RegisterPoll(server *httpsrv.Server, h *LPHandler) {
	server.Mux.Get("/lp/poll", h.Poll)
}
