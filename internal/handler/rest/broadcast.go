package rest

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/heraldlab/broadcast-delivery-service/internal/domain/model"
	"github.com/heraldlab/broadcast-delivery-service/internal/service"
	"github.com/heraldlab/broadcast-delivery-service/internal/service/dto"
)

// BroadcastHandler exposes the admin plane: authoring, listing, per-broadcast
// stats and the cancel switch.
type BroadcastHandler struct {
	logger      *slog.Logger
	broadcaster service.Broadcaster
}

func NewBroadcastHandler(logger *slog.Logger, broadcaster service.Broadcaster) *BroadcastHandler {
	return &BroadcastHandler{
		logger:      logger,
		broadcaster: broadcaster,
	}
}

// Create handles POST /broadcasts.
func (h *BroadcastHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req dto.CreateBroadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, model.Validationf("malformed request body: %v", err))
		return
	}

	b, err := h.broadcaster.Create(r.Context(), &req)
	if err != nil {
		h.logger.Warn("BROADCAST_CREATE_REJECTED", slog.Any("error", err))
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, b)
}

// List handles GET /broadcasts. The filter vocabulary is the operator-facing
// one (all, active, scheduled), not raw status names.
func (h *BroadcastHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	page, err := h.broadcaster.List(r.Context(), q.Get("filter"), intQuery(q, "limit"), intQuery(q, "offset"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, page)
}

// Stats handles GET /broadcasts/{id}/stats.
func (h *BroadcastHandler) Stats(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}

	view, err := h.broadcaster.Stats(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, view)
}

// Deliveries handles GET /broadcasts/{id}/deliveries, the per-recipient audit
// page behind the stats counters.
func (h *BroadcastHandler) Deliveries(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}

	q := r.URL.Query()
	page, err := h.broadcaster.Deliveries(r.Context(), id, intQuery(q, "limit"), intQuery(q, "offset"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, page)
}

// Cancel handles DELETE /broadcasts/{id}.
func (h *BroadcastHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := h.broadcaster.Cancel(r.Context(), id); err != nil {
		h.logger.Warn("BROADCAST_CANCEL_REJECTED", slog.Int64("broadcast_id", id), slog.Any("error", err))
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func idParam(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, model.Validationf("id must be a positive integer")
	}
	return id, nil
}

func intQuery(q url.Values, key string) int {
	n, _ := strconv.Atoi(q.Get(key))
	return n
}
