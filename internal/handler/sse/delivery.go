package sse

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/heraldlab/broadcast-delivery-service/internal/domain/event"
	"github.com/heraldlab/broadcast-delivery-service/internal/domain/model"
	ssemarshaller "github.com/heraldlab/broadcast-delivery-service/internal/handler/marshaller/sse"
	"github.com/heraldlab/broadcast-delivery-service/internal/service"
)

// defaultKeepalive spaces the HEARTBEAT frames that keep proxies from
// reaping an otherwise quiet stream.
const defaultKeepalive = 30 * time.Second

type SSEHandler struct {
	logger    *slog.Logger
	deliverer service.Deliverer
	podID     string
	version   string
	keepalive time.Duration
}

func NewSSEHandler(logger *slog.Logger, deliverer service.Deliverer, podID, version string, keepalive time.Duration) *SSEHandler {
	if keepalive <= 0 {
		keepalive = defaultKeepalive
	}
	return &SSEHandler{
		logger:    logger,
		deliverer: deliverer,
		podID:     podID,
		version:   version,
		keepalive: keepalive,
	}
}

// Connect handles GET /sse/connect?userId&connectionId.
//
// The stream opens with a CONNECTED frame, replays the pending backlog, then
// carries live frames until the client leaves or the server kicks the user.
// Connection-limit and deny-window refusals are answered in-band with a
// terminal CONNECTION_LIMIT_REACHED frame: the client must not auto-reconnect
// after seeing one.
func (h *SSEHandler) Connect(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	connID := r.URL.Query().Get("connectionId")
	if userID == "" || connID == "" {
		http.Error(w, "userId and connectionId are required", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	meta := model.ConnectMetadata{
		Platform:  r.URL.Query().Get("platform"),
		UserAgent: r.UserAgent(),
		RemoteIP:  r.RemoteAddr,
	}

	conn, err := h.deliverer.Subscribe(r.Context(), userID, connID, meta)
	switch {
	case errors.Is(err, model.ErrTooManyConnections), errors.Is(err, model.ErrReconnectDenied):
		writeStreamHeaders(w)
		h.writeFrame(w, flusher, event.Frame{
			Type: event.FrameConnectionLimit,
			Data: &event.LimitPayload{Reason: err.Error()},
		})
		return
	case errors.Is(err, model.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		h.logger.Error("SSE_SUBSCRIBE_FAILED", "user_id", userID, "err", err)
		http.Error(w, "subscribe failed", http.StatusInternalServerError)
		return
	}
	// The request context is already cancelled when this defer runs.
	defer h.deliverer.Disconnect(context.WithoutCancel(r.Context()), userID, connID)

	writeStreamHeaders(w)
	if !h.writeFrame(w, flusher, event.Frame{
		Type: event.FrameConnected,
		Data: &event.ConnectedPayload{
			Ok:            true,
			ConnectionID:  connID,
			PodID:         h.podID,
			ServerVersion: h.version,
		},
	}) {
		return
	}

	h.logger.Info("SSE_STREAM_OPENED", "user_id", userID, "connection_id", connID)

	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case ev, ok := <-conn.Recv():
			if !ok {
				// Kicked or shutting down; a deny window, when set, stops
				// the instant reconnect.
				return
			}
			if !h.writeFrame(w, flusher, ev.Frame()) {
				return
			}

		case <-ticker.C:
			if !h.writeFrame(w, flusher, event.Frame{
				Type: event.FrameHeartbeat,
				Data: &event.HeartbeatPayload{At: time.Now().UnixMilli()},
			}) {
				return
			}
		}
	}
}

// Disconnect handles POST /sse/disconnect?userId&connectionId: the sideband
// teardown browsers fire from navigator.sendBeacon on tab close. Always 204
// on a well-formed request; the GC covers the ones that never arrive.
func (h *SSEHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	connID := r.URL.Query().Get("connectionId")
	if userID == "" || connID == "" {
		http.Error(w, "userId and connectionId are required", http.StatusBadRequest)
		return
	}
	if err := h.deliverer.Disconnect(r.Context(), userID, connID); err != nil {
		h.logger.Warn("SSE_DISCONNECT_FAILED", "connection_id", connID, "err", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeFrame sends one frame and reports whether the stream is still usable.
// A frame that fails to marshal is skipped, not fatal.
func (h *SSEHandler) writeFrame(w http.ResponseWriter, flusher http.Flusher, f event.Frame) bool {
	buf, err := ssemarshaller.MarshallFrame(f)
	if err != nil {
		h.logger.Error("SSE_MARSHAL_FAILED", "frame", f.Type, "err", err)
		return true
	}
	if _, err := w.Write(buf); err != nil {
		return false
	}
	flusher.Flush()
	return true
}

func writeStreamHeaders(w http.ResponseWriter) {
	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no") // nginx: do not buffer the stream
	w.WriteHeader(http.StatusOK)
}
