package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heraldlab/broadcast-delivery-service/internal/bus"
	"github.com/heraldlab/broadcast-delivery-service/internal/domain/event"
	"github.com/heraldlab/broadcast-delivery-service/internal/domain/model"
	"github.com/heraldlab/broadcast-delivery-service/internal/registry"
	"github.com/heraldlab/broadcast-delivery-service/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeLocker struct {
	mu       sync.Mutex
	deny     bool
	err      error
	acquires int
	releases int
}

func (l *fakeLocker) AcquireLock(_ context.Context, _, _ string, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return false, l.err
	}
	l.acquires++
	return !l.deny, nil
}

func (l *fakeLocker) ReleaseLock(_ context.Context, _, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releases++
	return nil
}

func (l *fakeLocker) counts() (acquires, releases int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.acquires, l.releases
}

func TestRunOnceSkipsWithoutLease(t *testing.T) {
	locker := &fakeLocker{deny: true}
	var runs int
	s := New(locker, testLogger(), "pod-test")

	s.runOnce(Task{
		Name:          "contended",
		LockAtMostFor: time.Second,
		Run: func(context.Context) error {
			runs++
			return nil
		},
	})

	acquires, releases := locker.counts()
	assert.Equal(t, 0, runs, "a pod without the lease must not run the task")
	assert.Equal(t, 1, acquires)
	assert.Equal(t, 0, releases, "no lease, nothing to give back")
}

func TestRunOnceReleasesAfterFailedRun(t *testing.T) {
	locker := &fakeLocker{}
	s := New(locker, testLogger(), "pod-test")

	s.runOnce(Task{
		Name:          "flaky",
		LockAtMostFor: time.Second,
		Run: func(context.Context) error {
			return errors.New("downstream unavailable")
		},
	})

	acquires, releases := locker.counts()
	assert.Equal(t, 1, acquires)
	assert.Equal(t, 1, releases, "the lease must be returned even when the body fails")
}

func TestSchedulerRunsTasksUntilStopped(t *testing.T) {
	locker := &fakeLocker{}
	var runs atomic.Int32
	s := New(locker, testLogger(), "pod-test", Task{
		Name:          "tick-counter",
		Interval:      5 * time.Millisecond,
		LockAtMostFor: time.Second,
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	})

	s.Start()
	require.Eventually(t, func() bool { return runs.Load() >= 2 }, time.Second, time.Millisecond)
	s.Stop()

	settled := runs.Load()
	time.Sleep(25 * time.Millisecond)
	assert.Equal(t, settled, runs.Load(), "no ticks may fire after Stop returns")

	acquires, releases := locker.counts()
	assert.Equal(t, acquires, releases, "every completed tick returns its lease")
}

type fakePromoter struct {
	due      []model.Broadcast
	ready    []model.Broadcast
	dueAt    time.Time
	readyCut time.Time
	factory  store.OutboxFactory
}

func (p *fakePromoter) LockDueScheduled(_ context.Context, now time.Time, _ int, factory store.OutboxFactory) ([]model.Broadcast, error) {
	p.dueAt = now
	p.factory = factory
	return p.due, nil
}

func (p *fakePromoter) LockReady(_ context.Context, olderThan time.Time, _ int, factory store.OutboxFactory) ([]model.Broadcast, error) {
	p.readyCut = olderThan
	p.factory = factory
	return p.ready, nil
}

func TestActivatorStagesActivateSignal(t *testing.T) {
	p := &fakePromoter{due: []model.Broadcast{{ID: 42}}}
	task := NewActivatorTask(p, testLogger())

	require.NoError(t, task.Run(context.Background()))
	require.NotNil(t, p.factory, "the claim query must receive the outbox factory")
	assert.True(t, p.readyCut.Before(p.dueAt), "the restage cutoff trails the promotion clock")

	row, err := p.factory(&model.Broadcast{ID: 42})
	require.NoError(t, err)
	assert.Equal(t, int64(42), row.AggregateID)
	assert.Equal(t, string(event.OrchestrationActivate), row.EventType)
	assert.Equal(t, bus.OrchestrationTopic, row.Topic)

	ev, err := event.DecodeOrchestrationEvent(row.Payload)
	require.NoError(t, err)
	assert.Equal(t, event.OrchestrationActivate, ev.Kind)
	assert.Equal(t, int64(42), ev.BroadcastID)
}

type fakeReaper struct {
	expired []model.Broadcast
	factory store.OutboxFactory
}

func (r *fakeReaper) LockExpiredActive(_ context.Context, _ time.Time, _ int, factory store.OutboxFactory) ([]model.Broadcast, error) {
	r.factory = factory
	return r.expired, nil
}

func TestExpirerStagesExpireSignal(t *testing.T) {
	r := &fakeReaper{expired: []model.Broadcast{{ID: 7}}}
	task := NewExpirerTask(r, testLogger())

	require.NoError(t, task.Run(context.Background()))
	require.NotNil(t, r.factory)

	row, err := r.factory(&model.Broadcast{ID: 7})
	require.NoError(t, err)
	assert.Equal(t, string(event.OrchestrationExpire), row.EventType)
	assert.Equal(t, bus.OrchestrationTopic, row.Topic)

	ev, err := event.DecodeOrchestrationEvent(row.Payload)
	require.NoError(t, err)
	assert.Equal(t, event.OrchestrationExpire, ev.Kind)
	assert.Equal(t, int64(7), ev.BroadcastID)
}

type fakeGCStore struct {
	active    []model.Broadcast
	targeted  map[int64][]string
	expireErr error
	expired   []int64
	outbox    []model.OutboxRow
}

func (s *fakeGCStore) ListActiveFireAndForget(context.Context) ([]model.Broadcast, error) {
	return s.active, nil
}

func (s *fakeGCStore) TargetedUsers(_ context.Context, broadcastID int64) ([]string, error) {
	return s.targeted[broadcastID], nil
}

func (s *fakeGCStore) ExpireNow(_ context.Context, id int64, outbox ...model.OutboxRow) error {
	if s.expireErr != nil {
		return s.expireErr
	}
	s.expired = append(s.expired, id)
	s.outbox = append(s.outbox, outbox...)
	return nil
}

func liveConn(userID, connID string, heartbeat time.Time) model.Connection {
	return model.Connection{
		ConnectionID:    connID,
		UserID:          userID,
		PodID:           "pod-test",
		ConnectedAt:     heartbeat,
		LastHeartbeatAt: heartbeat,
	}
}

func TestStaleGCReapsDeadConnections(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemory(testLogger(), registry.RedisOptions{})
	now := time.Now()
	require.NoError(t, reg.Register(ctx, liveConn("user-fresh", "c-fresh", now)))
	require.NoError(t, reg.Register(ctx, liveConn("user-dead", "c-dead", now.Add(-5*time.Minute))))

	task := NewStaleGCTask(reg, &fakeGCStore{}, testLogger())
	require.NoError(t, task.Run(ctx))

	gone, err := reg.Locate(ctx, "user-dead")
	require.NoError(t, err)
	assert.Empty(t, gone, "three missed heartbeats and the connection is reaped")

	kept, err := reg.Locate(ctx, "user-fresh")
	require.NoError(t, err)
	assert.Len(t, kept, 1)
}

func TestStaleGCExpiresAbandonedFireAndForget(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemory(testLogger(), registry.RedisOptions{})
	gc := &fakeGCStore{
		active: []model.Broadcast{
			{ID: 7, Status: model.StatusActive, FireAndForget: true},
		},
		targeted: map[int64][]string{7: {"user-gone"}},
	}

	task := NewStaleGCTask(reg, gc, testLogger())
	require.NoError(t, task.Run(ctx))

	require.Equal(t, []int64{7}, gc.expired, "an audience of ghosts ends the broadcast")
	require.Len(t, gc.outbox, 1)
	ev, err := event.DecodeOrchestrationEvent(gc.outbox[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, event.OrchestrationExpire, ev.Kind)
	assert.Equal(t, int64(7), ev.BroadcastID)
	assert.Equal(t, bus.OrchestrationTopic, gc.outbox[0].Topic)
}

func TestStaleGCKeepsWatchedFireAndForget(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemory(testLogger(), registry.RedisOptions{})
	require.NoError(t, reg.Register(ctx, liveConn("user-watching", "c-1", time.Now())))

	gc := &fakeGCStore{
		active: []model.Broadcast{
			{ID: 8, Status: model.StatusActive, FireAndForget: true},
		},
		targeted: map[int64][]string{8: {"user-gone", "user-watching"}},
	}

	task := NewStaleGCTask(reg, gc, testLogger())
	require.NoError(t, task.Run(ctx))
	assert.Empty(t, gc.expired, "one watcher keeps the content alive")
}

func TestStaleGCSkipsUnmaterializedFanout(t *testing.T) {
	gc := &fakeGCStore{
		active: []model.Broadcast{
			{ID: 9, Status: model.StatusActive, FireAndForget: true},
		},
	}

	task := NewStaleGCTask(registry.NewMemory(testLogger(), registry.RedisOptions{}), gc, testLogger())
	require.NoError(t, task.Run(context.Background()))
	assert.Empty(t, gc.expired, "no recipient rows means fan-out has not happened yet")
}

func TestStaleGCToleratesExpiryRace(t *testing.T) {
	gc := &fakeGCStore{
		active: []model.Broadcast{
			{ID: 10, Status: model.StatusActive, FireAndForget: true},
		},
		targeted:  map[int64][]string{10: {"user-gone"}},
		expireErr: model.ErrTerminalState,
	}

	task := NewStaleGCTask(registry.NewMemory(testLogger(), registry.RedisOptions{}), gc, testLogger())
	require.NoError(t, task.Run(context.Background()), "losing the expiry race is not a failure")
}
