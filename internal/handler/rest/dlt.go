// internal/handler/rest/dlt.go
package rest

import (
	"log/slog"
	"net/http"

	"github.com/heraldlab/broadcast-delivery-service/internal/dlq"
	"github.com/heraldlab/broadcast-delivery-service/internal/domain/model"
)

// DltHandler exposes the parking-lot console: inspect poisoned fan-out
// records, push them back through the pipeline, or discard them.
type DltHandler struct {
	logger   *slog.Logger
	operator dlq.Operator
}

func NewDltHandler(logger *slog.Logger, operator dlq.Operator) *DltHandler {
	return &DltHandler{
		logger:   logger,
		operator: operator,
	}
}

type dltPage struct {
	Items []model.DltEntry `json:"items"`
	Total int64            `json:"total"`
}

// List handles GET /dlt/messages.
func (h *DltHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	items, total, err := h.operator.List(r.Context(), intQuery(q, "limit"), intQuery(q, "offset"))
	if err != nil {
		writeError(w, err)
		return
	}
	if items == nil {
		items = []model.DltEntry{}
	}

	writeJSON(w, http.StatusOK, &dltPage{Items: items, Total: total})
}

// Redrive handles POST /dlt/redrive/{id}. A concurrent redrive of the same
// entry answers 409 so two operators cannot double-publish it.
func (h *DltHandler) Redrive(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := h.operator.Redrive(r.Context(), id); err != nil {
		h.logger.Warn("DLT_REDRIVE_REJECTED", slog.Int64("entry_id", id), slog.Any("error", err))
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// RedriveAll handles POST /dlt/redrive-all and reports the per-entry outcome
// instead of failing the batch on the first bad record.
func (h *DltHandler) RedriveAll(w http.ResponseWriter, r *http.Request) {
	outcome, err := h.operator.RedriveAll(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, outcome)
}

// Purge handles DELETE /dlt/purge/{id}.
func (h *DltHandler) Purge(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := h.operator.Purge(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// PurgeAll handles DELETE /dlt/purge-all.
func (h *DltHandler) PurgeAll(w http.ResponseWriter, r *http.Request) {
	outcome, err := h.operator.PurgeAll(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, outcome)
}
