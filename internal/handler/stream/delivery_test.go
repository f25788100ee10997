package stream

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heraldlab/broadcast-delivery-service/internal/domain/event"
	"github.com/heraldlab/broadcast-delivery-service/internal/domain/hub"
	"github.com/heraldlab/broadcast-delivery-service/internal/domain/model"
	"github.com/heraldlab/broadcast-delivery-service/internal/registry"
)

type fakeHub struct {
	mu        sync.Mutex
	connected map[string]bool
	pushFail  bool
	pushed    []event.Eventer
	kicked    []string
}

func newFakeHub(connectedUsers ...string) *fakeHub {
	f := &fakeHub{connected: make(map[string]bool)}
	for _, u := range connectedUsers {
		f.connected[u] = true
	}
	return f
}

func (f *fakeHub) Push(ev event.Eventer) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected[ev.GetUserID()] || f.pushFail {
		return false
	}
	f.pushed = append(f.pushed, ev)
	return true
}

func (f *fakeHub) Register(hub.Connector) {}

func (f *fakeHub) Unregister(string, string) {}

func (f *fakeHub) Kick(userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kicked = append(f.kicked, userID)
}

func (f *fakeHub) IsConnected(userID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected[userID]
}

func (f *fakeHub) ConnectionIDs() []string { return nil }

func (f *fakeHub) Stats() model.HubStats { return model.HubStats{} }

func (f *fakeHub) Shutdown() {}

type fakeDeliveryStore struct {
	mu        sync.Mutex
	rows      map[string]*model.UserBroadcastRow
	delivered []string
}

func newFakeDeliveryStore() *fakeDeliveryStore {
	return &fakeDeliveryStore{rows: make(map[string]*model.UserBroadcastRow)}
}

func rowKey(broadcastID int64, userID string) string {
	return fmt.Sprintf("%d/%s", broadcastID, userID)
}

func (f *fakeDeliveryStore) GetUserRow(_ context.Context, broadcastID int64, userID string) (*model.UserBroadcastRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[rowKey(broadcastID, userID)]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (f *fakeDeliveryStore) MarkDelivered(_ context.Context, broadcastID int64, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, rowKey(broadcastID, userID))
	return true, nil
}

func (f *fakeDeliveryStore) deliveredKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.delivered...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func messageEvent(broadcastID int64, userID, category string) *event.DeliveryEvent {
	return event.NewDeliveryEvent(event.KindCreated, userID, "pod-test", &event.MessagePayload{
		ID:        broadcastID,
		SenderID:  "admin-1",
		Content:   "scheduled maintenance",
		Priority:  model.PriorityHigh,
		Category:  category,
		CreatedAt: time.Now(),
	}, broadcastID)
}

func TestHandleDeliveryPushesAndMarksDelivered(t *testing.T) {
	h := newFakeHub("user-1")
	store := newFakeDeliveryStore()
	reg := registry.NewMemory(testLogger(), registry.RedisOptions{})
	dh := NewDeliveryHandler(store, h, reg, testLogger(), "pod-test")

	err := dh.HandleDelivery(context.Background(), messageEvent(7, "user-1", ""))
	require.NoError(t, err)

	require.Len(t, h.pushed, 1)
	assert.Equal(t, []string{"7/user-1"}, store.deliveredKeys())
	assert.Empty(t, h.kicked)
}

func TestHandleDeliverySuppressesSupersededRow(t *testing.T) {
	h := newFakeHub("user-1")
	store := newFakeDeliveryStore()
	store.rows[rowKey(7, "user-1")] = &model.UserBroadcastRow{
		BroadcastID:    7,
		UserID:         "user-1",
		DeliveryStatus: model.DeliverySuperseded,
		ReadStatus:     model.ReadUnread,
	}
	reg := registry.NewMemory(testLogger(), registry.RedisOptions{})
	dh := NewDeliveryHandler(store, h, reg, testLogger(), "pod-test")

	err := dh.HandleDelivery(context.Background(), messageEvent(7, "user-1", ""))
	require.NoError(t, err)

	assert.Empty(t, h.pushed)
	assert.Empty(t, store.deliveredKeys())
}

func TestHandleDeliveryReroutesToOwningPod(t *testing.T) {
	ctx := context.Background()
	h := newFakeHub() // user not local
	store := newFakeDeliveryStore()
	reg := registry.NewMemory(testLogger(), registry.RedisOptions{})

	ch, cancel, err := reg.SubscribeUser(ctx, "user-2")
	require.NoError(t, err)
	defer cancel()

	dh := NewDeliveryHandler(store, h, reg, testLogger(), "pod-test")
	require.NoError(t, dh.HandleDelivery(ctx, messageEvent(9, "user-2", "")))

	select {
	case payload := <-ch:
		forwarded, err := event.DecodeDeliveryEvent(payload)
		require.NoError(t, err)
		assert.Equal(t, int64(9), forwarded.BroadcastID)
	case <-time.After(time.Second):
		t.Fatal("event was not rerouted to the subscribing pod")
	}

	// The pod that finally streams it owns the delivery mark.
	assert.Empty(t, store.deliveredKeys())
	pending, err := reg.DrainPending(ctx, "user-2")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestHandleDeliveryParksWhenNobodyServesUser(t *testing.T) {
	ctx := context.Background()
	h := newFakeHub()
	store := newFakeDeliveryStore()
	reg := registry.NewMemory(testLogger(), registry.RedisOptions{})
	dh := NewDeliveryHandler(store, h, reg, testLogger(), "pod-test")

	require.NoError(t, dh.HandleDelivery(ctx, messageEvent(11, "user-3", "")))

	pending, err := reg.DrainPending(ctx, "user-3")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, int64(11), pending[0].BroadcastID)
	assert.Empty(t, store.deliveredKeys())
}

func TestHandleDeliveryParksWhenConnectionVanishesMidPush(t *testing.T) {
	ctx := context.Background()
	h := newFakeHub("user-4")
	h.pushFail = true
	store := newFakeDeliveryStore()
	reg := registry.NewMemory(testLogger(), registry.RedisOptions{})
	dh := NewDeliveryHandler(store, h, reg, testLogger(), "pod-test")

	require.NoError(t, dh.HandleDelivery(ctx, messageEvent(13, "user-4", "")))

	pending, err := reg.DrainPending(ctx, "user-4")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Empty(t, store.deliveredKeys())
}

func TestHandleDeliveryForceLogoffKicksAfterPush(t *testing.T) {
	ctx := context.Background()
	h := newFakeHub("user-5")
	store := newFakeDeliveryStore()
	reg := registry.NewMemory(testLogger(), registry.RedisOptions{})
	dh := NewDeliveryHandler(store, h, reg, testLogger(), "pod-test")

	err := dh.HandleDelivery(ctx, messageEvent(15, "user-5", model.CategoryForceLogoff))
	require.NoError(t, err)

	require.Len(t, h.pushed, 1, "notice must reach the screen before the kick")
	assert.Equal(t, []string{"user-5"}, h.kicked)

	denied, err := reg.IsDenied(ctx, "user-5")
	require.NoError(t, err)
	assert.True(t, denied)
}

func TestHandleRemovalReplacesPendingEntry(t *testing.T) {
	ctx := context.Background()
	h := newFakeHub()
	store := newFakeDeliveryStore()
	reg := registry.NewMemory(testLogger(), registry.RedisOptions{})

	original := messageEvent(17, "user-6", "")
	payload, err := original.Encode()
	require.NoError(t, err)
	require.NoError(t, reg.EnqueuePending(ctx, model.PendingEvent{
		UserID:      "user-6",
		BroadcastID: 17,
		Payload:     payload,
		EnqueuedAt:  time.Now(),
	}))

	dh := NewDeliveryHandler(store, h, reg, testLogger(), "pod-test")
	removal := event.NewDeliveryEvent(event.KindCancelled, "user-6", "pod-test", nil, 17)
	require.NoError(t, dh.HandleDelivery(ctx, removal))

	pending, err := reg.DrainPending(ctx, "user-6")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	rewritten, err := event.DecodeDeliveryEvent(pending[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, event.KindCancelled, rewritten.EventType)
}

func TestHandleReadReceiptIsBestEffort(t *testing.T) {
	h := newFakeHub() // reader not local anymore
	store := newFakeDeliveryStore()
	reg := registry.NewMemory(testLogger(), registry.RedisOptions{})
	dh := NewDeliveryHandler(store, h, reg, testLogger(), "pod-test")

	receipt := event.NewDeliveryEvent(event.KindRead, "user-7", "pod-test", nil, 19)
	assert.NoError(t, dh.HandleDelivery(context.Background(), receipt))
}
