// internal/handler/rest/module.go
package rest

import (
	"github.com/go-chi/chi/v5"
	"go.uber.org/fx"

	httpsrv "github.com/heraldlab/broadcast-delivery-service/infra/server/http"
)

var Module = fx.Module("rest-handler",
	fx.Provide(
		NewBroadcastHandler,
		NewMessageHandler,
		NewDltHandler,
		NewStatsHandler,
	),
	fx.Invoke(RegisterRoutes),
)

// RegisterRoutes mounts the admin and user planes onto the shared listener.
func RegisterRoutes(
	server *httpsrv.Server,
	broadcasts *BroadcastHandler,
	messages *MessageHandler,
	dlt *DltHandler,
	stats *StatsHandler,
) {
	server.Mux.Route("/broadcasts", func(r chi.Router) {
		r.Post("/", broadcasts.Create)
		r.Get("/", broadcasts.List)
		r.Get("/{id}/stats", broadcasts.Stats)
		r.Get("/{id}/deliveries", broadcasts.Deliveries)
		r.Delete("/{id}", broadcasts.Cancel)
	})

	server.Mux.Route("/dlt", func(r chi.Router) {
		r.Get("/messages", dlt.List)
		r.Post("/redrive-all", dlt.RedriveAll)
		r.Post("/redrive/{id}", dlt.Redrive)
		r.Delete("/purge-all", dlt.PurgeAll)
		r.Delete("/purge/{id}", dlt.Purge)
	})

	server.Mux.Post("/messages/read", messages.MarkRead)
	server.Mux.Get("/messages", messages.List)
	server.Mux.Get("/stats", stats.Stats)
}
