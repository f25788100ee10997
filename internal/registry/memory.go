package registry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/heraldlab/broadcast-delivery-service/internal/domain/model"
)

// Interface guard
var _ Registrar = (*Memory)(nil)

// Memory is the single-process Registrar for standalone mode. It mirrors the
// Redis semantics (dedupe, bounds, deny windows, fan-out receiver counts)
// behind one mutex, which makes every operation trivially atomic.
type Memory struct {
	mu      sync.RWMutex
	conns   map[string]model.Connection
	users   map[string]map[string]struct{}
	pods    map[string]map[string]struct{}
	pending map[string][]model.PendingEvent
	deny    map[string]time.Time
	subs    map[string]map[chan []byte]struct{}

	logger *slog.Logger
	opts   RedisOptions
}

func NewMemory(logger *slog.Logger, opts RedisOptions) *Memory {
	opts.normalize()
	return &Memory{
		conns:   make(map[string]model.Connection),
		users:   make(map[string]map[string]struct{}),
		pods:    make(map[string]map[string]struct{}),
		pending: make(map[string][]model.PendingEvent),
		deny:    make(map[string]time.Time),
		subs:    make(map[string]map[chan []byte]struct{}),
		logger:  logger,
		opts:    opts,
	}
}

func (m *Memory) Register(_ context.Context, conn model.Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if until, ok := m.deny[conn.UserID]; ok {
		if time.Now().Before(until) {
			return model.ErrReconnectDenied
		}
		delete(m.deny, conn.UserID)
	}
	if len(m.users[conn.UserID]) >= m.opts.MaxConnsPerUser {
		return model.ErrTooManyConnections
	}

	m.conns[conn.ConnectionID] = conn
	if m.users[conn.UserID] == nil {
		m.users[conn.UserID] = make(map[string]struct{})
	}
	m.users[conn.UserID][conn.ConnectionID] = struct{}{}
	if m.pods[conn.PodID] == nil {
		m.pods[conn.PodID] = make(map[string]struct{})
	}
	m.pods[conn.PodID][conn.ConnectionID] = struct{}{}
	return nil
}

func (m *Memory) Heartbeat(_ context.Context, podID string, connIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for _, id := range connIDs {
		if conn, ok := m.conns[id]; ok {
			if now.After(conn.LastHeartbeatAt) {
				conn.LastHeartbeatAt = now
				m.conns[id] = conn
			}
			if m.pods[podID] == nil {
				m.pods[podID] = make(map[string]struct{})
			}
			m.pods[podID][id] = struct{}{}
		}
	}
	return nil
}

func (m *Memory) StaleBefore(_ context.Context, t time.Time) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for id, conn := range m.conns {
		if conn.LastHeartbeatAt.Before(t) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) Remove(_ context.Context, connIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range connIDs {
		conn, ok := m.conns[id]
		if !ok {
			continue
		}
		delete(m.conns, id)
		if set := m.users[conn.UserID]; set != nil {
			delete(set, id)
			if len(set) == 0 {
				delete(m.users, conn.UserID)
			}
		}
		if set := m.pods[conn.PodID]; set != nil {
			delete(set, id)
		}
	}
	return nil
}

func (m *Memory) Locate(_ context.Context, userID string) ([]model.ConnectionRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.users[userID]
	if len(set) == 0 {
		return nil, nil
	}
	refs := make([]model.ConnectionRef, 0, len(set))
	for id := range set {
		if conn, ok := m.conns[id]; ok {
			refs = append(refs, model.ConnectionRef{ConnectionID: id, PodID: conn.PodID})
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].ConnectionID < refs[j].ConnectionID })
	return refs, nil
}

func (m *Memory) AnyConnected(_ context.Context, userIDs []string) (map[string]bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	online := make(map[string]bool, len(userIDs))
	for _, u := range userIDs {
		online[u] = len(m.users[u]) > 0
	}
	return online, nil
}

func (m *Memory) EnqueuePending(_ context.Context, p model.PendingEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := m.pending[p.UserID]
	for _, e := range buf {
		if e.BroadcastID == p.BroadcastID {
			return nil // first write wins
		}
	}
	buf = append(buf, p)
	if len(buf) > m.opts.PendingBound {
		evicted := len(buf) - m.opts.PendingBound
		buf = buf[evicted:]
		m.logger.Warn("PENDING_OVERFLOW_EVICTED", "user_id", p.UserID, "evicted", evicted)
	}
	m.pending[p.UserID] = buf
	return nil
}

func (m *Memory) ReplacePending(_ context.Context, p model.PendingEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := m.pending[p.UserID]
	for i, e := range buf {
		if e.BroadcastID == p.BroadcastID {
			p.EnqueuedAt = e.EnqueuedAt // keep the queue position
			buf[i] = p
			m.pending[p.UserID] = buf
			return nil
		}
	}
	m.pending[p.UserID] = append(buf, p)
	return nil
}

func (m *Memory) DrainPending(_ context.Context, userID string) ([]model.PendingEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	buf := m.pending[userID]
	if len(buf) == 0 {
		return nil, nil
	}
	out := make([]model.PendingEvent, len(buf))
	copy(out, buf)
	return out, nil
}

func (m *Memory) AckPending(_ context.Context, userID string, broadcastID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := m.pending[userID]
	for i, e := range buf {
		if e.BroadcastID == broadcastID {
			m.pending[userID] = append(buf[:i], buf[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *Memory) DenyReconnect(_ context.Context, userID string, window time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deny[userID] = time.Now().Add(window)
	return nil
}

func (m *Memory) IsDenied(_ context.Context, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.deny[userID]
	if !ok {
		return false, nil
	}
	if time.Now().After(until) {
		delete(m.deny, userID)
		return false, nil
	}
	return true, nil
}

func (m *Memory) NotifyUser(_ context.Context, userID string, payload []byte) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for ch := range m.subs[userID] {
		select {
		case ch <- payload:
			n++
		default:
			m.logger.Warn("FANOUT_SUBSCRIBER_SATURATED", "user_id", userID)
		}
	}
	return n, nil
}

func (m *Memory) SubscribeUser(_ context.Context, userID string) (<-chan []byte, func(), error) {
	ch := make(chan []byte, 16)
	m.mu.Lock()
	if m.subs[userID] == nil {
		m.subs[userID] = make(map[chan []byte]struct{})
	}
	m.subs[userID][ch] = struct{}{}
	m.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			if set := m.subs[userID]; set != nil {
				delete(set, ch)
				if len(set) == 0 {
					delete(m.subs, userID)
				}
			}
			m.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel, nil
}

func (m *Memory) Close() error {
	return nil
}
