package model

import (
	"time"
)

// TargetKind selects the audience expansion strategy for a broadcast.
type TargetKind string

const (
	TargetAll      TargetKind = "ALL"
	TargetSelected TargetKind = "SELECTED"
	TargetRole     TargetKind = "ROLE"
	TargetProduct  TargetKind = "PRODUCT"
)

// ParseTargetKind validates a wire-level target type.
func ParseTargetKind(s string) (TargetKind, error) {
	switch TargetKind(s) {
	case TargetAll, TargetSelected, TargetRole, TargetProduct:
		return TargetKind(s), nil
	}
	return "", Validationf("unknown target type %q", s)
}

// TargetSpec describes who a broadcast is addressed to.
// IDs carries user ids for SELECTED, role names for ROLE and product codes
// for PRODUCT; it is empty for ALL.
type TargetSpec struct {
	Kind TargetKind `json:"kind"`
	IDs  []string   `json:"ids,omitempty"`
}

// Priority orders broadcasts for backpressure decisions. URGENT events are
// never dropped by the push layer.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityNormal Priority = "NORMAL"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// ParsePriority validates a wire-level priority, defaulting empty to NORMAL.
func ParsePriority(s string) (Priority, error) {
	if s == "" {
		return PriorityNormal, nil
	}
	switch Priority(s) {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return Priority(s), nil
	}
	return "", Validationf("unknown priority %q", s)
}

// Rank maps a priority to a comparable weight for eviction decisions.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 10
	case PriorityNormal:
		return 20
	case PriorityHigh:
		return 30
	case PriorityUrgent:
		return 40
	}
	return 20
}

// BroadcastStatus is the lifecycle state of a broadcast aggregate.
type BroadcastStatus string

const (
	StatusScheduled BroadcastStatus = "SCHEDULED"
	StatusReady     BroadcastStatus = "READY"
	StatusActive    BroadcastStatus = "ACTIVE"
	StatusExpired   BroadcastStatus = "EXPIRED"
	StatusCancelled BroadcastStatus = "CANCELLED"
)

// IsTerminal reports whether the status admits no further transitions.
// A terminal broadcast MUST NOT generate further delivery events.
func (s BroadcastStatus) IsTerminal() bool {
	return s == StatusExpired || s == StatusCancelled
}

// CanTransition encodes the lifecycle state machine:
//
//	SCHEDULED ──(due)──▶ READY ──(orchestrated)──▶ ACTIVE
//	SCHEDULED/READY/ACTIVE ──(admin)──▶ CANCELLED (terminal)
//	ACTIVE ──(expires_at≤now or fire-and-forget empty)──▶ EXPIRED (terminal)
//
// Transitions are monotonic; duplicate triggers are rejected here and treated
// as no-ops by the compare-and-set writers.
func CanTransition(from, to BroadcastStatus) bool {
	if from.IsTerminal() {
		return false
	}
	switch to {
	case StatusReady:
		return from == StatusScheduled
	case StatusActive:
		return from == StatusReady
	case StatusExpired:
		return from == StatusActive
	case StatusCancelled:
		return from == StatusScheduled || from == StatusReady || from == StatusActive
	}
	return false
}

// CategoryForceLogoff is the reserved category that instructs the push layer
// to close the recipient's connections after delivering the message and to
// deny reconnects for a grace window.
const CategoryForceLogoff = "Force Logoff"

// ForceLogoffDenyWindow is how long Register refuses a kicked user, so a
// reconnect cannot outrun the session teardown.
const ForceLogoffDenyWindow = 30 * time.Second

// [BROADCAST] The aggregate root: an admin-authored message fanned out to
// many recipients. Identity is assigned by the store (monotonic 64-bit id).
type Broadcast struct {
	ID            int64           `db:"id" json:"id"`
	SenderID      string          `db:"sender_id" json:"senderId"`
	SenderName    string          `db:"sender_name" json:"senderName"`
	Content       string          `db:"content" json:"content"`
	TargetKind    TargetKind      `db:"target_kind" json:"targetType"`
	TargetIDs     StringList      `db:"target_ids" json:"targetIds,omitempty"`
	Priority      Priority        `db:"priority" json:"priority"`
	Category      string          `db:"category" json:"category,omitempty"`
	Status        BroadcastStatus `db:"status" json:"status"`
	FireAndForget bool            `db:"fire_and_forget" json:"fireAndForget"`
	ScheduledAt   *time.Time      `db:"scheduled_at" json:"scheduledAt,omitempty"`
	ExpiresAt     *time.Time      `db:"expires_at" json:"expiresAt,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updatedAt"`
}

// Target assembles the TargetSpec from the persisted columns.
func (b *Broadcast) Target() TargetSpec {
	return TargetSpec{Kind: b.TargetKind, IDs: b.TargetIDs}
}

// IsForceLogoff reports whether delivering this broadcast must terminate the
// recipient's live connections.
func (b *Broadcast) IsForceLogoff() bool {
	return b.Category == CategoryForceLogoff
}

// ExpiredBy reports whether the broadcast's wall-clock expiry has passed.
func (b *Broadcast) ExpiredBy(now time.Time) bool {
	return b.ExpiresAt != nil && !b.ExpiresAt.After(now)
}

// DueBy reports whether a SCHEDULED broadcast should be activated.
func (b *Broadcast) DueBy(now time.Time) bool {
	return b.Status == StatusScheduled && b.ScheduledAt != nil && !b.ScheduledAt.After(now)
}
