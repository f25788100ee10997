package hub

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heraldlab/broadcast-delivery-service/internal/domain/event"
	"github.com/heraldlab/broadcast-delivery-service/internal/domain/model"
)

func testEvent(priority model.Priority, broadcastID int64) event.Eventer {
	return event.NewDeliveryEvent(
		event.KindCreated,
		"user-1",
		"pod-a",
		&event.MessagePayload{ID: broadcastID, Content: "hello", Priority: priority},
		broadcastID,
	)
}

func urgentEvent(broadcastID int64) event.Eventer {
	return testEvent(model.PriorityUrgent, broadcastID)
}

func TestConnectorSendFastPath(t *testing.T) {
	conn := NewConnector(context.Background(), "user-1", "conn-1", 4, model.ConnectMetadata{})
	defer conn.Close()

	ev := testEvent(model.PriorityNormal, 1)
	require.True(t, conn.Send(ev, 10*time.Millisecond))

	select {
	case got := <-conn.Recv():
		assert.Equal(t, int64(1), got.GetBroadcastID())
	default:
		t.Fatal("event not buffered")
	}
	assert.Zero(t, conn.Dropped())
}

func TestConnectorBackpressureEvictsOldest(t *testing.T) {
	conn := NewConnector(context.Background(), "user-1", "conn-1", 2, model.ConnectMetadata{})
	defer conn.Close()

	require.True(t, conn.Send(testEvent(model.PriorityNormal, 1), time.Millisecond))
	require.True(t, conn.Send(testEvent(model.PriorityNormal, 2), time.Millisecond))

	// Saturated buffer: the oldest non-urgent event makes way for the newcomer.
	require.True(t, conn.Send(testEvent(model.PriorityNormal, 3), time.Millisecond))
	assert.Equal(t, uint64(1), conn.Dropped())

	first := <-conn.Recv()
	second := <-conn.Recv()
	assert.Equal(t, int64(2), first.GetBroadcastID())
	assert.Equal(t, int64(3), second.GetBroadcastID())
}

func TestConnectorBackpressureNeverEvictsUrgent(t *testing.T) {
	conn := NewConnector(context.Background(), "user-1", "conn-1", 1, model.ConnectMetadata{})
	defer conn.Close()

	require.True(t, conn.Send(urgentEvent(1), time.Millisecond))

	// A normal event arriving against a buffer holding only urgent traffic is
	// the one that gets dropped.
	assert.False(t, conn.Send(testEvent(model.PriorityNormal, 2), time.Millisecond))
	assert.Equal(t, uint64(1), conn.Dropped())

	got := <-conn.Recv()
	assert.Equal(t, int64(1), got.GetBroadcastID())
}

func TestConnectorUrgentForceClosesSaturatedSession(t *testing.T) {
	conn := NewConnector(context.Background(), "user-1", "conn-1", 1, model.ConnectMetadata{})

	require.True(t, conn.Send(urgentEvent(1), time.Millisecond))

	// Nobody drains the buffer, so the urgent send exhausts its window and the
	// session is force-closed instead of losing the event.
	assert.False(t, conn.Send(urgentEvent(2), 20*time.Millisecond))

	// The writer still drains what was buffered before observing the close.
	got, ok := <-conn.Recv()
	require.True(t, ok)
	assert.Equal(t, int64(1), got.GetBroadcastID())

	_, ok = <-conn.Recv()
	assert.False(t, ok)
}

func TestConnectorCloseIsIdempotent(t *testing.T) {
	conn := NewConnector(context.Background(), "user-1", "conn-1", 4, model.ConnectMetadata{})

	require.True(t, conn.Send(testEvent(model.PriorityNormal, 1), time.Millisecond))

	conn.Close()
	assert.NotPanics(t, func() { conn.Close() })

	// Sends after close are rejected.
	assert.False(t, conn.Send(testEvent(model.PriorityNormal, 2), time.Millisecond))

	// Buffered events remain readable, then the channel reports closed.
	got, ok := <-conn.Recv()
	require.True(t, ok)
	assert.Equal(t, int64(1), got.GetBroadcastID())
	_, ok = <-conn.Recv()
	assert.False(t, ok)
}

func TestConnectorParentContextCancelRejectsSends(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	conn := NewConnector(ctx, "user-1", "conn-1", 4, model.ConnectMetadata{})
	defer conn.Close()

	cancel()
	assert.False(t, conn.Send(testEvent(model.PriorityNormal, 1), time.Millisecond))
}

func TestConnectorPoolReuseResetsState(t *testing.T) {
	first := NewConnector(context.Background(), "user-1", "conn-1", 1, model.ConnectMetadata{Platform: "web"})
	require.True(t, first.Send(testEvent(model.PriorityNormal, 1), time.Millisecond))
	assert.False(t, first.Send(testEvent(model.PriorityNormal, 2), time.Millisecond))
	require.NotZero(t, first.Dropped())
	first.Close()

	// Churn enough connectors that the pool almost certainly hands the old
	// object back; whichever we get must carry no stale counters or identity.
	for i := 0; i < 8; i++ {
		fresh := NewConnector(context.Background(), "user-2", fmt.Sprintf("conn-%d", i), 1, model.ConnectMetadata{})
		assert.Equal(t, "user-2", fresh.GetUserID())
		assert.Zero(t, fresh.Dropped())
		assert.True(t, fresh.Send(testEvent(model.PriorityNormal, 10), time.Millisecond))
		fresh.Close()
	}
}
