package model

import "time"

// DeliveryStatus tracks the transport-level fate of a per-user row.
type DeliveryStatus string

const (
	DeliveryPending    DeliveryStatus = "PENDING"
	DeliveryDelivered  DeliveryStatus = "DELIVERED"
	DeliveryFailed     DeliveryStatus = "FAILED"
	DeliverySuperseded DeliveryStatus = "SUPERSEDED"
)

// ReadStatus tracks whether the recipient acknowledged the message.
type ReadStatus string

const (
	ReadUnread ReadStatus = "UNREAD"
	ReadRead   ReadStatus = "READ"
)

// UserBroadcastRow is the per-recipient materialization of a broadcast.
//
// Invariants enforced by the store:
//   - (broadcast_id, user_id) unique;
//   - READ implies delivered_at is set;
//   - SUPERSEDED is terminal (set when the parent turns CANCELLED/EXPIRED
//     while the row is still PENDING or DELIVERED-UNREAD);
//   - once READ, delivery_status no longer changes except the idempotent
//     FAILED→FAILED write.
type UserBroadcastRow struct {
	BroadcastID    int64          `db:"broadcast_id" json:"broadcastId"`
	UserID         string         `db:"user_id" json:"userId"`
	DeliveryStatus DeliveryStatus `db:"delivery_status" json:"deliveryStatus"`
	ReadStatus     ReadStatus     `db:"read_status" json:"readStatus"`
	DeliveredAt    *time.Time     `db:"delivered_at" json:"deliveredAt,omitempty"`
	ReadAt         *time.Time     `db:"read_at" json:"readAt,omitempty"`
	CreatedAt      time.Time      `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time      `db:"updated_at" json:"updatedAt"`
}

// Supersedable reports whether the row should flip to SUPERSEDED when the
// parent broadcast reaches a terminal state.
func (r *UserBroadcastRow) Supersedable() bool {
	if r.ReadStatus == ReadRead {
		return false
	}
	return r.DeliveryStatus == DeliveryPending || r.DeliveryStatus == DeliveryDelivered
}

// UserMessage is the read model behind a user's message list: the broadcast
// joined with that user's delivery row.
type UserMessage struct {
	Broadcast
	ReadStatus  ReadStatus `db:"read_status" json:"readStatus"`
	DeliveredAt *time.Time `db:"delivered_at" json:"deliveredAt,omitempty"`
	ReadAt      *time.Time `db:"read_at" json:"readAt,omitempty"`
}
