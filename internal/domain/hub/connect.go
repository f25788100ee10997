package hub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/heraldlab/broadcast-delivery-service/internal/domain/event"
	"github.com/heraldlab/broadcast-delivery-service/internal/domain/model"
)

// Interface guard
var _ Connector = (*connect)(nil)

// [CONNECTOR] THE INTERFACE FOR EXTERNAL LAYERS (HUB/TRANSPORT HANDLERS)
// This allows mocking and decoupling from the concrete implementation.
type Connector interface {
	GetID() string
	GetUserID() string
	Send(ev event.Eventer, timeout time.Duration) bool // Thread-safe send with backpressure handling
	Recv() <-chan event.Eventer
	Dropped() uint64
	Close() // Terminate connection and release resources
}

// [CONNECT] CONCRETE IMPLEMENTATION (UNEXPORTED TO FORCE INTERFACE USAGE)
type connect struct {
	id        string // client-minted, opaque
	userID    string
	metadata  model.ConnectMetadata
	createdAt time.Time

	ctx      context.Context
	cancelFn context.CancelFunc

	sendCh chan event.Eventer

	closeOnce sync.Once // [PROTECTION]

	// [ATOMIC_FIELDS] Optimized for lock-free accounting
	lastActivityAt int64
	droppedCount   uint64
}

// [POOL] SYNC.POOL FOR OBJECT REUSE (REDUCES GC PRESSURE)
var connectPool = sync.Pool{
	New: func() any {
		return &connect{}
	},
}

// NewConnector builds a connector for one live client stream. The connection
// id is minted by the client and treated as opaque end-to-end.
func NewConnector(ctx context.Context, userID, connID string, bufferSize int, meta model.ConnectMetadata) Connector {
	c := connectPool.Get().(*connect)
	c.reset(ctx, userID, connID, bufferSize, meta)
	return c
}

// reset re-initializes the connector's state using a struct literal.
// Reassigning the pointed-to value wipes stale data from pooled objects and
// re-arms the sync.Once guard.
func (c *connect) reset(ctx context.Context, userID, connID string, bufferSize int, meta model.ConnectMetadata) {
	childCtx, cancel := context.WithCancel(ctx)

	*c = connect{
		id:             connID,
		userID:         userID,
		metadata:       meta,
		createdAt:      time.Now(),
		ctx:            childCtx,
		cancelFn:       cancel,
		sendCh:         make(chan event.Eventer, bufferSize),
		lastActivityAt: time.Now().UnixNano(),
	}
}

func (c *connect) GetID() string     { return c.id }
func (c *connect) GetUserID() string { return c.userID }
func (c *connect) Dropped() uint64   { return atomic.LoadUint64(&c.droppedCount) }

// Send attempts to push an event into the session mailbox within timeout.
//
// Backpressure policy:
//   - non-URGENT events evict the oldest non-URGENT buffered event to make
//     room, and are themselves dropped when no room can be made;
//   - URGENT events are never dropped: if the buffer stays saturated for the
//     whole window the connection is force-closed so the client reconciles
//     from its pending buffer on reconnect.
func (c *connect) Send(ev event.Eventer, timeout time.Duration) bool {
	atomic.StoreInt64(&c.lastActivityAt, time.Now().UnixNano())

	select {
	// [LIFECYCLE_GATE] Abort immediately if the transport is already dead.
	case <-c.ctx.Done():
		return false

	// [PRIMARY_DELIVERY] Fast path while the buffer has room.
	case c.sendCh <- ev:
		return true

	default:
		return c.handleBackpressure(ev, timeout)
	}
}

// handleBackpressure manages a saturated buffer.
func (c *connect) handleBackpressure(ev event.Eventer, timeout time.Duration) bool {
	if ev.GetPriority() != model.PriorityUrgent {
		// Evict the oldest buffered event unless it outranks the newcomer.
		select {
		case oldEv := <-c.sendCh:
			if oldEv.GetPriority() == model.PriorityUrgent {
				// Never sacrifice an URGENT event; put it back and drop the newcomer.
				select {
				case c.sendCh <- oldEv:
				default:
				}
				atomic.AddUint64(&c.droppedCount, 1)
				return false
			}
			atomic.AddUint64(&c.droppedCount, 1) // the evicted one
			select {
			case c.sendCh <- ev:
				return true
			default:
				atomic.AddUint64(&c.droppedCount, 1)
				return false
			}
		default:
			atomic.AddUint64(&c.droppedCount, 1)
			return false
		}
	}

	// [URGENT_PATH] Block briefly rather than drop; a consumer that cannot
	// absorb an URGENT event within the window loses the connection.
	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-c.ctx.Done():
		return false
	case c.sendCh <- ev:
		return true
	case <-t.C:
		c.Close()
		return false
	}
}

func (c *connect) Recv() <-chan event.Eventer { return c.sendCh }

// Close terminates the session, triggers cleanup, and recycles the object.
func (c *connect) Close() {
	// [IDEMPOTENCY_SHIELD]
	// Teardown runs exactly once even when invoked concurrently by the Hub
	// (shutdown), the Cell (detach) and the transport handler (defer).
	c.closeOnce.Do(func() {
		// 1. [SIGNAL_ABORT] Cancel the context to stop pending Send calls.
		c.cancelFn()

		// 2. [DOWNSTREAM_NOTIFY] Closing the channel lets the transport
		// writer drain buffered events and then observe !ok to exit. The
		// channel reference is intentionally left intact: a writer holding
		// it must keep draining safely after Close.
		close(c.sendCh)

		// 3. [MEMORY_SANITIZATION] Drop metadata references while idle in
		// the pool.
		c.metadata = model.ConnectMetadata{}

		connectPool.Put(c)
	})
}
