package dlq

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heraldlab/broadcast-delivery-service/internal/bus"
	"github.com/heraldlab/broadcast-delivery-service/internal/domain/event"
	"github.com/heraldlab/broadcast-delivery-service/internal/domain/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeDlqStore struct {
	entries    map[int64]*model.DltEntry
	broadcasts map[int64]*model.Broadcast
	resets     []string
	lastLimit  int
	lastOffset int
}

func newFakeDlqStore() *fakeDlqStore {
	return &fakeDlqStore{
		entries:    make(map[int64]*model.DltEntry),
		broadcasts: make(map[int64]*model.Broadcast),
	}
}

func (f *fakeDlqStore) GetDlt(_ context.Context, id int64) (*model.DltEntry, error) {
	e, ok := f.entries[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return e, nil
}

func (f *fakeDlqStore) ListDlt(_ context.Context, limit, offset int) ([]model.DltEntry, int64, error) {
	f.lastLimit, f.lastOffset = limit, offset
	all, _ := f.ListAllDlt(context.Background())
	return all, int64(len(f.entries)), nil
}

func (f *fakeDlqStore) ListAllDlt(context.Context) ([]model.DltEntry, error) {
	out := make([]model.DltEntry, 0, len(f.entries))
	// Oldest first means lowest id first here.
	for id := int64(0); id < 100; id++ {
		if e, ok := f.entries[id]; ok {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (f *fakeDlqStore) DeleteDlt(_ context.Context, id int64) error {
	if _, ok := f.entries[id]; !ok {
		return model.ErrNotFound
	}
	delete(f.entries, id)
	return nil
}

func (f *fakeDlqStore) GetBroadcast(_ context.Context, id int64) (*model.Broadcast, error) {
	b, ok := f.broadcasts[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return b, nil
}

func (f *fakeDlqStore) ResetRowToPending(_ context.Context, broadcastID int64, userID string) error {
	f.resets = append(f.resets, fmt.Sprintf("%d/%s", broadcastID, userID))
	return nil
}

type published struct {
	topic     string
	key       string
	eventType string
	payload   []byte
}

type recordingDispatcher struct {
	events    []published
	failTopic string
}

func (d *recordingDispatcher) PublishEvent(ctx context.Context, topic, key string, ev event.Encoder) error {
	payload, err := ev.Encode()
	if err != nil {
		return err
	}
	return d.PublishRaw(ctx, topic, key, "", payload)
}

func (d *recordingDispatcher) PublishRaw(_ context.Context, topic, key, eventType string, payload []byte) error {
	if topic == d.failTopic {
		return fmt.Errorf("broker unavailable for %s", topic)
	}
	d.events = append(d.events, published{topic: topic, key: key, eventType: eventType, payload: payload})
	return nil
}

func (d *recordingDispatcher) Publisher() message.Publisher { return nil }

func workerEntry(id, broadcastID int64, userID string) *model.DltEntry {
	ev := event.NewDeliveryEvent(event.KindCreated, userID, "pod-dead", nil, broadcastID)
	payload, _ := ev.Encode()
	return &model.DltEntry{
		ID:          id,
		OriginTopic: bus.WorkerTopic("pod-dead"),
		OriginKey:   userID,
		Payload:     payload,
		BroadcastID: &broadcastID,
		UserID:      &userID,
	}
}

func orchestrationEntry(id, broadcastID int64) *model.DltEntry {
	ev := event.NewOrchestrationEvent(event.OrchestrationActivate, broadcastID)
	payload, _ := ev.Encode()
	key := fmt.Sprintf("%d", broadcastID)
	return &model.DltEntry{
		ID:          id,
		OriginTopic: bus.OrchestrationTopic,
		OriginKey:   key,
		Payload:     payload,
		BroadcastID: &broadcastID,
	}
}

func newOps(store *fakeDlqStore, disp *recordingDispatcher) *OpsService {
	return NewOpsService(store, disp, testLogger())
}

func TestRedriveWorkerOriginGoesThroughControlPlane(t *testing.T) {
	store := newFakeDlqStore()
	store.entries[1] = workerEntry(1, 9, "user-3")
	store.broadcasts[9] = &model.Broadcast{ID: 9, Status: model.StatusActive}
	disp := &recordingDispatcher{}

	require.NoError(t, newOps(store, disp).Redrive(context.Background(), 1))

	assert.Equal(t, []string{"9/user-3"}, store.resets, "the FAILED row counts as pending again")
	require.Len(t, disp.events, 1)
	assert.Equal(t, bus.OrchestrationTopic, disp.events[0].topic, "a dead pod topic cannot be replayed in place")
	assert.Equal(t, "9", disp.events[0].key)

	ev, err := event.DecodeOrchestrationEvent(disp.events[0].payload)
	require.NoError(t, err)
	assert.Equal(t, event.OrchestrationRedrive, ev.Kind)
	assert.Equal(t, int64(9), ev.BroadcastID)
	assert.Equal(t, "user-3", ev.UserID)

	assert.Empty(t, store.entries, "a redriven entry leaves the backlog")
}

func TestRedriveOrchestrationOriginReplaysVerbatim(t *testing.T) {
	store := newFakeDlqStore()
	entry := orchestrationEntry(2, 9)
	store.entries[2] = entry
	store.broadcasts[9] = &model.Broadcast{ID: 9, Status: model.StatusActive}
	disp := &recordingDispatcher{}

	require.NoError(t, newOps(store, disp).Redrive(context.Background(), 2))

	require.Len(t, disp.events, 1)
	assert.Equal(t, bus.OrchestrationTopic, disp.events[0].topic)
	assert.Equal(t, "9", disp.events[0].key)
	assert.Equal(t, "ACTIVATE", disp.events[0].eventType)
	assert.Equal(t, entry.Payload, disp.events[0].payload, "the payload frozen at failure time replays byte for byte")
	assert.Empty(t, store.resets, "control events own no delivery row")
	assert.Empty(t, store.entries)
}

func TestRedriveConflictsOnFinishedBroadcast(t *testing.T) {
	store := newFakeDlqStore()
	store.entries[3] = workerEntry(3, 11, "user-1")
	store.broadcasts[11] = &model.Broadcast{ID: 11, Status: model.StatusExpired}
	disp := &recordingDispatcher{}

	err := newOps(store, disp).Redrive(context.Background(), 3)
	assert.ErrorIs(t, err, model.ErrConflict)
	assert.Empty(t, disp.events)
	assert.Len(t, store.entries, 1, "a refused entry stays for the operator")
}

func TestRedriveConflictsWithoutParsedPayload(t *testing.T) {
	store := newFakeDlqStore()
	store.entries[4] = &model.DltEntry{
		ID:          4,
		OriginTopic: bus.WorkerTopic("pod-a"),
		Payload:     []byte("{broken"),
	}

	err := newOps(store, &recordingDispatcher{}).Redrive(context.Background(), 4)
	assert.ErrorIs(t, err, model.ErrConflict)
}

func TestRedriveMissingEntry(t *testing.T) {
	err := newOps(newFakeDlqStore(), &recordingDispatcher{}).Redrive(context.Background(), 404)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestRedriveAllReportsPerEntryFailures(t *testing.T) {
	store := newFakeDlqStore()
	store.entries[1] = workerEntry(1, 9, "user-a")
	store.entries[2] = workerEntry(2, 11, "user-b")
	store.entries[3] = orchestrationEntry(3, 9)
	store.broadcasts[9] = &model.Broadcast{ID: 9, Status: model.StatusActive}
	store.broadcasts[11] = &model.Broadcast{ID: 11, Status: model.StatusCancelled}
	disp := &recordingDispatcher{}

	out, err := newOps(store, disp).RedriveAll(context.Background())
	require.NoError(t, err, "per-entry failures do not fail the batch")

	assert.Equal(t, 3, out.Total)
	assert.Equal(t, 2, out.Success)
	assert.Equal(t, 1, out.Failure)
	require.Len(t, out.Failures, 1)
	assert.Equal(t, int64(2), out.Failures[0].ID)
	assert.Contains(t, out.Failures[0].Reason, "CANCELLED")

	assert.Len(t, store.entries, 1, "only the refused entry remains")
	assert.Contains(t, store.entries, int64(2))
}

func TestPurgeTombstonesOriginFamily(t *testing.T) {
	store := newFakeDlqStore()
	store.entries[1] = workerEntry(1, 9, "user-3")
	store.entries[2] = orchestrationEntry(2, 9)
	disp := &recordingDispatcher{}
	ops := newOps(store, disp)

	require.NoError(t, ops.Purge(context.Background(), 1))
	require.NoError(t, ops.Purge(context.Background(), 2))

	require.Len(t, disp.events, 2)
	assert.Equal(t, bus.DLQWorkerTopic, disp.events[0].topic)
	assert.Equal(t, "user-3", disp.events[0].key)
	assert.Nil(t, disp.events[0].payload, "a tombstone is the absence of a payload")
	assert.Equal(t, bus.DLQOrchestrationTopic, disp.events[1].topic)
	assert.Equal(t, "9", disp.events[1].key)
	assert.Empty(t, store.entries)
}

func TestPurgeKeepsEntryWhenTombstoneFails(t *testing.T) {
	store := newFakeDlqStore()
	store.entries[1] = workerEntry(1, 9, "user-3")
	disp := &recordingDispatcher{failTopic: bus.DLQWorkerTopic}

	err := newOps(store, disp).Purge(context.Background(), 1)
	require.Error(t, err)
	assert.Len(t, store.entries, 1, "no silent delete without the tombstone")
}

func TestPurgeAllDrains(t *testing.T) {
	store := newFakeDlqStore()
	store.entries[1] = workerEntry(1, 9, "user-a")
	store.entries[2] = orchestrationEntry(2, 12)
	disp := &recordingDispatcher{}

	out, err := newOps(store, disp).PurgeAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, out.Total)
	assert.Equal(t, 2, out.Success)
	assert.Zero(t, out.Failure)
	assert.Empty(t, store.entries)
}

func TestListClampsPaging(t *testing.T) {
	store := newFakeDlqStore()
	ops := newOps(store, &recordingDispatcher{})

	_, _, err := ops.List(context.Background(), 0, -3)
	require.NoError(t, err)
	assert.Equal(t, defaultPageSize, store.lastLimit)
	assert.Zero(t, store.lastOffset)

	_, _, err = ops.List(context.Background(), 9999, 20)
	require.NoError(t, err)
	assert.Equal(t, maxPageSize, store.lastLimit)
	assert.Equal(t, 20, store.lastOffset)
}
