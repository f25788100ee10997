package model

import "time"

// PendingEvent buffers a delivery for a user with no live connection.
//
// The buffer is deduplicated by (user_id, broadcast_id) keeping the first
// enqueue, bounded per user, FIFO by enqueued_at, and drained on the user's
// next successful connect before any live event is pushed.
type PendingEvent struct {
	UserID      string    `json:"userId"`
	BroadcastID int64     `json:"broadcastId"`
	Payload     []byte    `json:"payload"`
	EnqueuedAt  time.Time `json:"enqueuedAt"`
}
