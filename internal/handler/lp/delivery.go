package lp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/heraldlab/broadcast-delivery-service/internal/domain/event"
	"github.com/heraldlab/broadcast-delivery-service/internal/domain/model"
	lpmarshaller "github.com/heraldlab/broadcast-delivery-service/internal/handler/marshaller/lp"
	"github.com/heraldlab/broadcast-delivery-service/internal/service"
)

const (
	// pollWindow caps how long a poll hangs before answering 204.
	pollWindow = 30 * time.Second

	// batchLimit bounds how many queued events one response carries.
	batchLimit = 15
)

// LPHandler is the long-polling fallback for clients whose proxies buffer
// SSE. Each poll is a short-lived subscription: pending backlog first, then
// whatever arrives inside the window.
type LPHandler struct {
	logger    *slog.Logger
	deliverer service.Deliverer
	window    time.Duration
}

func NewLPHandler(logger *slog.Logger, deliverer service.Deliverer) *LPHandler {
	return &LPHandler{
		logger:    logger,
		deliverer: deliverer,
		window:    pollWindow,
	}
}

// Poll handles GET /lp/poll?userId&connectionId.
// It holds the connection until an event arrives or the window closes.
func (h *LPHandler) Poll(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	connID := r.URL.Query().Get("connectionId")
	if userID == "" || connID == "" {
		http.Error(w, "userId and connectionId are required", http.StatusBadRequest)
		return
	}

	meta := model.ConnectMetadata{
		Platform:  r.URL.Query().Get("platform"),
		UserAgent: r.UserAgent(),
		RemoteIP:  r.RemoteAddr,
	}

	// The subscription lives only for the duration of this request, but it
	// still runs the full connect path: registry entry, backlog drain, live
	// tail. A poll therefore never misses events parked while offline.
	conn, err := h.deliverer.Subscribe(r.Context(), userID, connID, meta)
	switch {
	case errors.Is(err, model.ErrTooManyConnections), errors.Is(err, model.ErrReconnectDenied):
		http.Error(w, err.Error(), http.StatusTooManyRequests)
		return
	case errors.Is(err, model.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		h.logger.Error("LP_SUBSCRIBE_FAILED", "user_id", userID, "err", err)
		http.Error(w, "subscribe failed", http.StatusInternalServerError)
		return
	}
	// Teardown closes the connector; the request context is already
	// cancelled when this defer runs.
	defer h.deliverer.Disconnect(context.WithoutCancel(r.Context()), userID, connID)

	var events []event.Eventer

	select {
	case <-r.Context().Done():
		// Client disconnected.
		return

	case <-time.After(h.window):
		w.WriteHeader(http.StatusNoContent)
		return

	case ev, ok := <-conn.Recv():
		if !ok {
			return
		}
		events = append(events, ev)

		// Drain whatever else is queued to batch the response and keep the
		// number of subsequent polls down.
	drainLoop:
		for i := 0; i < batchLimit; i++ {
			select {
			case nextEv, more := <-conn.Recv():
				if !more {
					break drainLoop
				}
				events = append(events, nextEv)
			default:
				break drainLoop
			}
		}
	}

	data, err := lpmarshaller.MarshallEvents(events)
	if err != nil {
		h.logger.Error("LP_MARSHAL_FAILED", "user_id", userID, "err", err)
		http.Error(w, "marshal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
