package model

import "time"

// Connection is the cluster-registry view of one live client stream.
// The connection id is minted by the client and treated as opaque; a user may
// hold any number of connections, each owned by exactly one pod.
type Connection struct {
	ConnectionID    string    `json:"connectionId"`
	UserID          string    `json:"userId"`
	PodID           string    `json:"podId"`
	ClusterID       string    `json:"clusterId"`
	ConnectedAt     time.Time `json:"connectedAt"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
}

// ConnectMetadata travels with a subscription for transport diagnostics.
type ConnectMetadata struct {
	Platform  string
	Version   string
	RemoteIP  string
	UserAgent string
}

// StaleBy reports whether the connection missed enough heartbeats to be
// reaped. threshold is the cluster stale window (default 90s).
func (c *Connection) StaleBy(now time.Time, threshold time.Duration) bool {
	return now.Sub(c.LastHeartbeatAt) > threshold
}

// ConnectionRef is the minimal locator used by fan-out routing.
type ConnectionRef struct {
	ConnectionID string `json:"connectionId"`
	PodID        string `json:"podId"`
}
