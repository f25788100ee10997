package dto

import (
	"strings"
	"time"

	"github.com/heraldlab/broadcast-delivery-service/internal/domain/model"
)

// CreateBroadcastRequest is the admin wire payload for authoring a broadcast.
type CreateBroadcastRequest struct {
	SenderID      string     `json:"senderId"`
	SenderName    string     `json:"senderName"`
	Content       string     `json:"content"`
	TargetType    string     `json:"targetType"`
	TargetIDs     []string   `json:"targetIds,omitempty"`
	Priority      string     `json:"priority,omitempty"`
	Category      string     `json:"category,omitempty"`
	ScheduledAt   *time.Time `json:"scheduledAt,omitempty"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
	FireAndForget bool       `json:"fireAndForget,omitempty"`
}

// ToDomain validates the wire payload into a fresh aggregate. Status is left
// unset: the service decides it from the clock.
func (r *CreateBroadcastRequest) ToDomain() (*model.Broadcast, error) {
	if strings.TrimSpace(r.SenderID) == "" {
		return nil, model.Validationf("senderId is required")
	}
	if strings.TrimSpace(r.Content) == "" {
		return nil, model.Validationf("content must not be empty")
	}
	kind, err := model.ParseTargetKind(r.TargetType)
	if err != nil {
		return nil, err
	}
	if kind != model.TargetAll && len(r.TargetIDs) == 0 {
		return nil, model.Validationf("%s target needs at least one id", kind)
	}
	priority, err := model.ParsePriority(r.Priority)
	if err != nil {
		return nil, err
	}
	if r.ScheduledAt != nil && r.ExpiresAt != nil && !r.ExpiresAt.After(*r.ScheduledAt) {
		return nil, model.Validationf("expiresAt must be after scheduledAt")
	}

	return &model.Broadcast{
		SenderID:      r.SenderID,
		SenderName:    r.SenderName,
		Content:       r.Content,
		TargetKind:    kind,
		TargetIDs:     model.StringList(r.TargetIDs),
		Priority:      priority,
		Category:      r.Category,
		FireAndForget: r.FireAndForget,
		ScheduledAt:   r.ScheduledAt,
		ExpiresAt:     r.ExpiresAt,
	}, nil
}

// BroadcastStatsView is the counter row plus the derived rates the admin UI
// charts.
type BroadcastStatsView struct {
	BroadcastID    int64   `json:"broadcastId"`
	TotalTargeted  int64   `json:"totalTargeted"`
	TotalDelivered int64   `json:"totalDelivered"`
	TotalRead      int64   `json:"totalRead"`
	DeliveryRate   float64 `json:"deliveryRate"`
	ReadRate       float64 `json:"readRate"`
}

func NewBroadcastStatsView(s *model.BroadcastStats) *BroadcastStatsView {
	return &BroadcastStatsView{
		BroadcastID:    s.BroadcastID,
		TotalTargeted:  s.TotalTargeted,
		TotalDelivered: s.TotalDelivered,
		TotalRead:      s.TotalRead,
		DeliveryRate:   s.DeliveryRate(),
		ReadRate:       s.ReadRate(),
	}
}

// BroadcastSummary is one listing row: the aggregate with its stats
// denormalized in.
type BroadcastSummary struct {
	model.Broadcast
	Stats BroadcastStatsView `json:"stats"`
}

// BroadcastPage is one page of the admin listing.
type BroadcastPage struct {
	Items []BroadcastSummary `json:"items"`
	Total int64              `json:"total"`
}

// DeliveryPage is one page of per-recipient rows for a broadcast.
type DeliveryPage struct {
	Items []model.UserBroadcastRow `json:"items"`
	Total int64                    `json:"total"`
}
