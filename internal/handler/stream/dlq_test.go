package stream

import (
	"context"
	"sync"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heraldlab/broadcast-delivery-service/internal/bus"
	"github.com/heraldlab/broadcast-delivery-service/internal/domain/event"
	"github.com/heraldlab/broadcast-delivery-service/internal/domain/model"
)

type fakeDltStore struct {
	mu      sync.Mutex
	entries []model.DltEntry
	failed  []string
}

func (f *fakeDltStore) InsertDlt(_ context.Context, e *model.DltEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e.ID = int64(len(f.entries) + 1)
	f.entries = append(f.entries, *e)
	return nil
}

func (f *fakeDltStore) MarkFailed(_ context.Context, broadcastID int64, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, rowKey(broadcastID, userID))
	return nil
}

func (f *fakeDltStore) snapshot() ([]model.DltEntry, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.DltEntry(nil), f.entries...), append([]string(nil), f.failed...)
}

func poisonedMessage(t *testing.T, payload []byte, originTopic string) *message.Message {
	t.Helper()
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(middleware.ReasonForPoisonedKey, "simulated handler failure")
	msg.Metadata.Set(middleware.PoisonedTopicKey, originTopic)
	msg.Metadata.Set(middleware.PoisonedHandlerKey, "ON_DELIVERY_0")
	msg.SetContext(context.Background())
	return msg
}

func TestHandleDeadRecordsDeliveryFailure(t *testing.T) {
	store := &fakeDltStore{}
	h := NewDlqHandler(store, testLogger())

	ev := messageEvent(23, "user-9", "")
	payload, err := ev.Encode()
	require.NoError(t, err)
	msg := poisonedMessage(t, payload, bus.WorkerTopic("pod-dead"))
	msg.Metadata.Set(bus.PartitionKeyMetadata, "user-9")

	require.NoError(t, h.HandleDead(msg))

	entries, failed := store.snapshot()
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, bus.WorkerTopic("pod-dead"), e.OriginTopic)
	assert.Equal(t, "user-9", e.OriginKey)
	assert.Contains(t, e.Title, "CREATED")
	assert.Contains(t, e.Title, "user-9")
	require.NotNil(t, e.BroadcastID)
	assert.Equal(t, int64(23), *e.BroadcastID)
	assert.Equal(t, []string{"23/user-9"}, failed)
}

func TestHandleDeadOrchestrationOriginSkipsRowFlip(t *testing.T) {
	store := &fakeDltStore{}
	h := NewDlqHandler(store, testLogger())

	ev := event.NewOrchestrationEvent(event.OrchestrationActivate, 31)
	payload, err := ev.Encode()
	require.NoError(t, err)

	require.NoError(t, h.HandleDead(poisonedMessage(t, payload, bus.OrchestrationTopic)))

	entries, failed := store.snapshot()
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Title, "ACTIVATE")
	assert.Empty(t, failed, "control-plane failures do not flip delivery rows")
}

func TestHandleDeadKeepsUnparseablePayload(t *testing.T) {
	store := &fakeDltStore{}
	h := NewDlqHandler(store, testLogger())

	msg := poisonedMessage(t, []byte("{truncated"), bus.WorkerTopic("pod-x"))
	require.NoError(t, h.HandleDead(msg))

	entries, failed := store.snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, "simulated handler failure", entries[0].Title)
	assert.Nil(t, entries[0].BroadcastID)
	assert.Equal(t, []byte("{truncated"), entries[0].Payload)
	assert.Empty(t, failed)
}

func TestHandleDeadSkipsPurgeTombstone(t *testing.T) {
	store := &fakeDltStore{}
	h := NewDlqHandler(store, testLogger())

	msg := message.NewMessage(watermill.NewUUID(), nil)
	msg.SetContext(context.Background())
	require.NoError(t, h.HandleDead(msg))

	entries, _ := store.snapshot()
	assert.Empty(t, entries)
}
