package rest

import (
	"net/http"

	"github.com/heraldlab/broadcast-delivery-service/internal/domain/hub"
)

// StatsHandler answers GET /stats with this pod's live connection counters.
// The numbers are pod-local; cluster totals belong to the registry.
type StatsHandler struct {
	hub hub.Hubber
}

func NewStatsHandler(h hub.Hubber) *StatsHandler {
	return &StatsHandler{hub: h}
}

func (h *StatsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.hub.Stats())
}
