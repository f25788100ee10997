package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/heraldlab/broadcast-delivery-service/internal/domain/event"
	"github.com/heraldlab/broadcast-delivery-service/internal/domain/model"
	wsmarshaller "github.com/heraldlab/broadcast-delivery-service/internal/handler/marshaller/ws"
	"github.com/heraldlab/broadcast-delivery-service/internal/service"
)

const (
	defaultKeepalive = 30 * time.Second
	writeWindow      = 10 * time.Second
)

// WSHandler is the websocket twin of the SSE stream: same Deliverer, same
// frame vocabulary, one JSON text message per frame.
type WSHandler struct {
	logger    *slog.Logger
	deliverer service.Deliverer
	podID     string
	version   string
	keepalive time.Duration
	upgrader  websocket.Upgrader
}

func NewWSHandler(logger *slog.Logger, deliverer service.Deliverer, podID, version string, keepalive time.Duration) *WSHandler {
	if keepalive <= 0 {
		keepalive = defaultKeepalive
	}
	return &WSHandler{
		logger:    logger,
		deliverer: deliverer,
		podID:     podID,
		version:   version,
		keepalive: keepalive,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true }, // origin policy belongs to the edge proxy
		},
	}
}

// Connect handles GET /ws/connect?userId&connectionId.
func (h *WSHandler) Connect(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	connID := r.URL.Query().Get("connectionId")
	if userID == "" || connID == "" {
		http.Error(w, "userId and connectionId are required", http.StatusBadRequest)
		return
	}

	wsc, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already answered the client.
		h.logger.Warn("WS_UPGRADE_FAILED", "user_id", userID, "err", err)
		return
	}
	defer wsc.Close()

	meta := model.ConnectMetadata{
		Platform:  r.URL.Query().Get("platform"),
		UserAgent: r.UserAgent(),
		RemoteIP:  r.RemoteAddr,
	}

	conn, err := h.deliverer.Subscribe(r.Context(), userID, connID, meta)
	switch {
	case errors.Is(err, model.ErrTooManyConnections), errors.Is(err, model.ErrReconnectDenied):
		// Terminal refusal, answered in-band like the SSE stream does: the
		// client must not auto-reconnect after this frame.
		h.writeFrame(wsc, event.Frame{
			Type: event.FrameConnectionLimit,
			Data: &event.LimitPayload{Reason: err.Error()},
		})
		return
	case err != nil:
		h.logger.Error("WS_SUBSCRIBE_FAILED", "user_id", userID, "err", err)
		_ = wsc.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe failed"),
			time.Now().Add(writeWindow))
		return
	}
	defer h.deliverer.Disconnect(context.WithoutCancel(r.Context()), userID, connID)

	// A hijacked request's context outlives the peer, so closure is observed
	// by the read pump; it also services the client's control frames.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, rerr := wsc.ReadMessage(); rerr != nil {
				return
			}
		}
	}()

	if !h.writeFrame(wsc, event.Frame{
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

	h.logger.Info("WS_STREAM_OPENED", "user_id", userID, "connection_id", connID)

	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-conn.Recv():
			if !ok {
				deadline := time.Now().Add(writeWindow)
				_ = wsc.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"), deadline)
				return
			}
			if !h.writeFrame(wsc, ev.Frame()) {
				return
			}

		case <-ticker.C:
			if !h.writeFrame(wsc, event.Frame{
				Type: event.FrameHeartbeat,
				Data: &event.HeartbeatPayload{At: time.Now().UnixMilli()},
			}) {
				return
			}
		}
	}
}

func (h *WSHandler) writeFrame(wsc *websocket.Conn, f event.Frame) bool {
	data, err := wsmarshaller.MarshallFrame(f)
	if err != nil {
		h.logger.Error("WS_MARSHAL_FAILED", "frame", f.Type, "err", err)
		return true
	}
	_ = wsc.SetWriteDeadline(time.Now().Add(writeWindow))
	if err := wsc.WriteMessage(websocket.TextMessage, data); err != nil {
		h.logger.Warn("WS_SEND_FAILED", "err", err)
		return false
	}
	return true
}
