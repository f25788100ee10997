package hub

import (
	"sync"
	"time"

	"github.com/heraldlab/broadcast-delivery-service/internal/domain/event"
	"github.com/heraldlab/broadcast-delivery-service/internal/domain/model"
)

// Hubber defines the gateway for local session management and event routing.
type Hubber interface {
	Push(ev event.Eventer) bool
	Register(conn Connector)
	Unregister(userID, connID string)
	Kick(userID string)
	IsConnected(userID string) bool
	ConnectionIDs() []string
	Stats() model.HubStats
	Shutdown()
}

// Interface guard
var _ Hubber = (*Hub)(nil)

type hubConfig struct {
	mailboxSize      int
	evictionInterval time.Duration
	idleTimeout      time.Duration
	urgentTimeout    time.Duration
	normalTimeout    time.Duration
}

// Hub implements a [SCALABLE_REGISTRY] of local user cells.
type Hub struct {
	// cells stores map[string]Celler keyed by user id. Optimized for
	// [READ_HEAVY] workloads.
	cells sync.Map

	config    hubConfig
	startedAt time.Time
	doneCh    chan struct{}
	stopOnce  sync.Once
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		config: hubConfig{
			mailboxSize:      2048,
			evictionInterval: 15 * time.Minute,
			idleTimeout:      30 * time.Minute,
			urgentTimeout:    time.Second,
			normalTimeout:    100 * time.Millisecond,
		},
		startedAt: time.Now(),
		doneCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	go h.janitor()
	return h
}

func (h *Hub) IsConnected(userID string) bool {
	val, ok := h.cells.Load(userID)
	if !ok {
		return false
	}
	cell, ok := val.(Celler)
	return ok && cell.Len() > 0
}

// Push routes an event to the owning [USER_CELL]. Returns false on miss or
// mailbox overflow so the caller can fall back to the pending buffer.
func (h *Hub) Push(ev event.Eventer) bool {
	if val, ok := h.cells.Load(ev.GetUserID()); ok {
		if cell, ok := val.(Celler); ok {
			return cell.Push(ev)
		}
	}
	return false
}

// Register ensures [IDEMPOTENT] cell creation and attaches a new transport.
func (h *Hub) Register(conn Connector) {
	uID := conn.GetUserID()
	// [LAZY_INIT] Create the cell only when the first connection arrives.
	val, _ := h.cells.LoadOrStore(uID, Celler(NewCell(
		uID,
		h.config.mailboxSize,
		h.config.urgentTimeout,
		h.config.normalTimeout,
	)))

	if cell, ok := val.(Celler); ok {
		cell.Attach(conn)
	}
}

// Unregister performs [GRACEFUL_RECLAMATION] of resources when sessions end.
func (h *Hub) Unregister(userID, connID string) {
	if val, ok := h.cells.Load(userID); ok {
		if cell, ok := val.(Celler); ok {
			// If no sessions remain, purge the cell from memory.
			if cell.Detach(connID) {
				cell.Stop()
				h.cells.Delete(userID)
			}
		}
	}
}

// Kick force-closes every live session of a user (Force Logoff path).
func (h *Hub) Kick(userID string) {
	if val, ok := h.cells.Load(userID); ok {
		if cell, ok := val.(Celler); ok {
			cell.Kick()
			cell.Stop()
			h.cells.Delete(userID)
		}
	}
}

// ConnectionIDs snapshots every locally owned connection id. The registry
// keeper reports these in the bulk cluster heartbeat.
func (h *Hub) ConnectionIDs() []string {
	var ids []string
	h.cells.Range(func(_, val any) bool {
		if cell, ok := val.(Celler); ok {
			ids = append(ids, cell.ConnIDs()...)
		}
		return true
	})
	return ids
}

func (h *Hub) Stats() model.HubStats {
	stats := model.HubStats{Uptime: time.Since(h.startedAt)}
	h.cells.Range(func(_, val any) bool {
		if cell, ok := val.(Celler); ok {
			stats.TotalUsers++
			stats.TotalConnections += cell.Len()
		}
		return true
	})
	return stats
}

// janitor reclaims memory from cells whose users went quiet without a clean
// detach (e.g. crashed transports cleaned up by the cluster GC).
func (h *Hub) janitor() {
	ticker := time.NewTicker(h.config.evictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.doneCh:
			return
		case <-ticker.C:
			h.cells.Range(func(key, val any) bool {
				if cell, ok := val.(Celler); ok && cell.IsIdle(h.config.idleTimeout) {
					cell.Stop()
					h.cells.Delete(key)
				}
				return true
			})
		}
	}
}

// Shutdown stops all actor goroutines and closes every live session.
func (h *Hub) Shutdown() {
	h.stopOnce.Do(func() { close(h.doneCh) })
	h.cells.Range(func(key, val any) bool {
		if cell, ok := val.(Celler); ok {
			cell.Kick()
			cell.Stop()
		}
		h.cells.Delete(key)
		return true
	})
}
