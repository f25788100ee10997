package rest

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/heraldlab/broadcast-delivery-service/internal/domain/model"
	"github.com/heraldlab/broadcast-delivery-service/internal/service"
)

// MessageHandler exposes the user-plane message endpoints: the unread inbox
// and the read receipt. Stream attachment lives in the sse and ws handlers.
type MessageHandler struct {
	logger    *slog.Logger
	deliverer service.Deliverer
}

func NewMessageHandler(logger *slog.Logger, deliverer service.Deliverer) *MessageHandler {
	return &MessageHandler{
		logger:    logger,
		deliverer: deliverer,
	}
}

type readRequest struct {
	UserID      string `json:"userId"`
	BroadcastID int64  `json:"broadcastId"`
}

type messageList struct {
	Items []model.UserMessage `json:"items"`
}

// MarkRead handles POST /messages/read. Repeats are absorbed by the service,
// so the client can retry the receipt without harm.
func (h *MessageHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	var req readRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, model.Validationf("malformed request body: %v", err))
		return
	}

	if err := h.deliverer.MarkRead(r.Context(), req.UserID, req.BroadcastID); err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// List handles GET /messages?userId=. It answers with the caller's live,
// unread broadcasts so a fresh page can render the inbox before the stream
// attaches.
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")

	items, err := h.deliverer.Messages(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	if items == nil {
		items = []model.UserMessage{}
	}

	writeJSON(w, http.StatusOK, &messageList{Items: items})
}
