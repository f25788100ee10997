package model

import "time"

// BroadcastStats is the denormalized counter row kept next to a broadcast.
// total_targeted is written by the fan-out orchestrator; total_delivered by
// the delivery worker; total_read by the read-ack path.
type BroadcastStats struct {
	BroadcastID    int64     `db:"broadcast_id" json:"broadcastId"`
	TotalTargeted  int64     `db:"total_targeted" json:"totalTargeted"`
	TotalDelivered int64     `db:"total_delivered" json:"totalDelivered"`
	TotalRead      int64     `db:"total_read" json:"totalRead"`
	UpdatedAt      time.Time `db:"updated_at" json:"updatedAt"`
}

// DeliveryRate is delivered/targeted in [0,1]; zero targets yields zero.
func (s *BroadcastStats) DeliveryRate() float64 {
	if s.TotalTargeted == 0 {
		return 0
	}
	return float64(s.TotalDelivered) / float64(s.TotalTargeted)
}

// ReadRate is read/targeted in [0,1]; zero targets yields zero.
func (s *BroadcastStats) ReadRate() float64 {
	if s.TotalTargeted == 0 {
		return 0
	}
	return float64(s.TotalRead) / float64(s.TotalTargeted)
}

// HubStats is the per-pod snapshot exposed on the diagnostics endpoint.
type HubStats struct {
	TotalUsers       int           `json:"total_users"`
	TotalConnections int           `json:"total_connections"`
	Uptime           time.Duration `json:"uptime"`
}
