package model

import (
	"fmt"
	"time"
)

// DltEntry captures a dead-lettered event for operator review. The original
// coordinates are kept verbatim so a redrive republishes an identical payload
// to the topic the event came from.
type DltEntry struct {
	ID              int64     `db:"id" json:"id"`
	OriginTopic     string    `db:"origin_topic" json:"originTopic"`
	OriginPartition int32     `db:"origin_partition" json:"originPartition"`
	OriginOffset    int64     `db:"origin_offset" json:"originOffset"`
	OriginKey       string    `db:"origin_key" json:"originKey"`
	Payload         []byte    `db:"payload" json:"-"`
	Title           string    `db:"title" json:"title"`
	ExceptionClass  string    `db:"exception_class" json:"exceptionClass"`
	Stacktrace      string    `db:"stacktrace" json:"-"`
	BroadcastID     *int64    `db:"broadcast_id" json:"broadcastId,omitempty"`
	UserID          *string   `db:"user_id" json:"userId,omitempty"`
	FailedAt        time.Time `db:"failed_at" json:"failedAt"`
}

// DltTitle builds the operator-facing summary. When the payload was parseable
// the title names the event, user and broadcast; otherwise callers fall back
// to the raw exception message.
func DltTitle(eventType, userID string, broadcastID int64) string {
	return fmt.Sprintf("event %s for user %s (broadcast: %d)", eventType, userID, broadcastID)
}
