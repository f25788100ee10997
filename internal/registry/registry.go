/*
Package registry is the cluster-wide connection registry: the shared source of
truth for which user is connected where.

It tracks three mutually consistent indexes (connection record, liveness
heartbeat, per-pod membership) plus a per-user pending buffer for events that
arrive while the user has no live stream. The stale GC is the only writer
allowed to observe the indexes in temporary disagreement; every other mutation
is an atomic multi-key operation.
*/
package registry

import (
	"context"
	"time"

	"github.com/heraldlab/broadcast-delivery-service/internal/domain/model"
)

const (
	// DefaultConnTTL is the sliding TTL on a connection record; refreshed on
	// every heartbeat.
	DefaultConnTTL = 30 * time.Minute

	// DefaultMaxConnsPerUser caps concurrent streams per identity.
	DefaultMaxConnsPerUser = 8

	// DefaultPendingBound caps the per-user offline buffer; overflow evicts
	// the oldest entry.
	DefaultPendingBound = 100
)

// Registrar is the cluster view of live connections and offline buffers.
//
// Two implementations exist: a Redis-backed one for distributed deployments
// and an in-memory one for standalone mode. The choice is made once at
// startup from configuration.
type Registrar interface {
	// Register records a new connection across all indexes atomically.
	// Returns model.ErrTooManyConnections when the user is at the cap and
	// model.ErrReconnectDenied while a deny window is open.
	Register(ctx context.Context, conn model.Connection) error

	// Heartbeat bulk-advances liveness scores and refreshes record TTLs for
	// every connection a pod still owns.
	Heartbeat(ctx context.Context, podID string, connIDs []string) error

	// StaleBefore lists connections whose last heartbeat is older than t.
	StaleBefore(ctx context.Context, t time.Time) ([]string, error)

	// Remove deletes connections from every index.
	Remove(ctx context.Context, connIDs []string) error

	// Locate resolves a user to the connections (and owning pods) currently
	// serving them.
	Locate(ctx context.Context, userID string) ([]model.ConnectionRef, error)

	// AnyConnected reports, per user, whether at least one live connection
	// exists. Used by the fan-out path to split online/offline targets.
	AnyConnected(ctx context.Context, userIDs []string) (map[string]bool, error)

	// EnqueuePending buffers an event for an offline user. Entries are
	// deduplicated by broadcast id (first write wins) and the buffer is
	// bounded; overflow evicts the oldest entry.
	EnqueuePending(ctx context.Context, p model.PendingEvent) error

	// ReplacePending overwrites the buffered payload for a broadcast while
	// keeping its queue position, inserting if absent. Used when a broadcast
	// is cancelled or expires before the user reconnects.
	ReplacePending(ctx context.Context, p model.PendingEvent) error

	// DrainPending reads the buffer in enqueue order without consuming it;
	// callers ack entries individually once written to the stream.
	DrainPending(ctx context.Context, userID string) ([]model.PendingEvent, error)

	// AckPending removes one buffered entry after successful delivery.
	AckPending(ctx context.Context, userID string, broadcastID int64) error

	// DenyReconnect opens a window during which Register refuses the user.
	// Used by Force Logoff.
	DenyReconnect(ctx context.Context, userID string, window time.Duration) error

	// IsDenied reports whether a deny window is currently open.
	IsDenied(ctx context.Context, userID string) (bool, error)

	// NotifyUser publishes a payload on the user's fan-out channel and
	// returns how many subscribers received it. Zero receivers means no pod
	// currently owns a live stream for the user.
	NotifyUser(ctx context.Context, userID string, payload []byte) (int64, error)

	// SubscribeUser opens the user's fan-out channel on this pod. The cancel
	// func closes the subscription and the returned channel.
	SubscribeUser(ctx context.Context, userID string) (<-chan []byte, func(), error)

	Close() error
}
