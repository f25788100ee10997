/*
Package hub is the per-pod push stream manager: the in-process distribution
layer between bus consumers and live client streams.

Key Architectural Concepts:
  - Virtual Cells: every locally connected user is represented by an isolated
    'Cell' (actor) that encapsulates all concurrent streams (SSE, WebSocket)
    for that identity.
  - Decoupling & Backpressure: per-user mailboxes absorb bursts so a slow
    consumer never blocks the bus consumer that produced the event; overflow
    policy is priority-aware (URGENT is never dropped).
  - Concurrency Management: lock-free lookups via sync.Map and fine-grained
    locking within individual cells keep the delivery hot path contention-free.
*/
package hub

import (
	"sync"
	"time"

	"github.com/heraldlab/broadcast-delivery-service/internal/domain/event"
	"github.com/heraldlab/broadcast-delivery-service/internal/domain/model"
)

// Celler defines the internal API for user-specific delivery units.
type Celler interface {
	Push(ev event.Eventer) bool
	Attach(conn Connector)
	Detach(connID string) bool
	Kick()
	ConnIDs() []string
	Len() int
	IsIdle(timeout time.Duration) bool
	Stop()
}

// Cell implements [ISOLATED_DELIVERY] logic for a single user.
type Cell struct {
	// [IDENTITY]
	userID string

	// [MAILBOX]
	// Buffered channel decoupling the dispatcher from individual delivery.
	// Acts as a shock absorber so slow-consumer latency never propagates
	// back to the Hub or the bus consumers.
	mailbox chan event.Eventer

	// [SESSIONS]
	// All active transports for the user, keyed by connection id. Allows
	// multiplexing a single event to multiple devices.
	sessions map[string]Connector

	// [CONCURRENCY_CONTROL]
	// RWMutex: read-heavy delivery outnumbers registration churn.
	mu sync.RWMutex

	// [LIFECYCLE_CONTROL]
	doneCh   chan struct{}
	stopOnce sync.Once

	// send windows per priority class
	urgentTimeout time.Duration
	normalTimeout time.Duration

	lastActivityAt time.Time
}

// NewCell spawns the actor goroutine for one user.
func NewCell(userID string, mailboxSize int, urgentTimeout, normalTimeout time.Duration) *Cell {
	c := &Cell{
		userID:         userID,
		mailbox:        make(chan event.Eventer, mailboxSize),
		sessions:       make(map[string]Connector),
		doneCh:         make(chan struct{}),
		urgentTimeout:  urgentTimeout,
		normalTimeout:  normalTimeout,
		lastActivityAt: time.Now(),
	}
	go c.loop()
	return c
}

// IsIdle reports whether the cell has no sessions and no recent traffic.
func (c *Cell) IsIdle(timeout time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions) == 0 && time.Since(c.lastActivityAt) > timeout
}

func (c *Cell) touch() {
	c.mu.Lock()
	c.lastActivityAt = time.Now()
	c.mu.Unlock()
}

// Push enqueues an event for delivery to every session of the user.
// Returns false on mailbox overflow; the caller decides whether to retry,
// buffer or drop based on its own delivery contract.
func (c *Cell) Push(ev event.Eventer) bool {
	c.touch()
	select {
	case c.mailbox <- ev:
		return true
	default:
		return false
	}
}

func (c *Cell) Attach(conn Connector) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivityAt = time.Now()
	c.sessions[conn.GetID()] = conn
}

// Detach removes one session and reports whether the cell is now empty.
func (c *Cell) Detach(connID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.sessions[connID]; ok {
		delete(c.sessions, connID)
		conn.Close()
	}
	c.lastActivityAt = time.Now()
	return len(c.sessions) == 0
}

// Kick force-closes every session, e.g. on a Force Logoff broadcast.
// Buffered frames already handed to the connectors are still drained by the
// transport writers before they observe the close.
func (c *Cell) Kick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, conn := range c.sessions {
		conn.Close()
		delete(c.sessions, id)
	}
	c.lastActivityAt = time.Now()
}

// ConnIDs snapshots the live connection ids for heartbeat reporting.
func (c *Cell) ConnIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	return ids
}

func (c *Cell) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}

func (c *Cell) loop() {
	for {
		select {
		case <-c.doneCh:
			return
		case ev := <-c.mailbox:
			c.deliver(ev)
		}
	}
}

func (c *Cell) deliver(ev event.Eventer) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.sessions) == 0 {
		return
	}

	timeout := c.normalTimeout
	if ev.GetPriority() == model.PriorityUrgent {
		timeout = c.urgentTimeout
	}

	for _, conn := range c.sessions {
		conn.Send(ev, timeout)
	}
}

func (c *Cell) Stop() {
	c.stopOnce.Do(func() { close(c.doneCh) })
}
