package bus

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heraldlab/broadcast-delivery-service/internal/domain/event"
)

func testDispatcher(t *testing.T) (Bus, Dispatcher) {
	t.Helper()
	b := NewChannelBus(watermill.NopLogger{})
	t.Cleanup(func() { _ = b.Close() })
	return b, NewDispatcher(b, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestWorkerTopicNaming(t *testing.T) {
	assert.Equal(t, "broadcast.worker.pod-a.v1", WorkerTopic("pod-a"))
}

func TestDispatcherStampsMetadata(t *testing.T) {
	b, d := testDispatcher(t)

	sub, err := b.Subscriber("orchestrator")
	require.NoError(t, err)
	msgs, err := sub.Subscribe(context.Background(), OrchestrationTopic)
	require.NoError(t, err)

	ev := event.NewOrchestrationEvent(event.OrchestrationActivate, 42)
	require.NoError(t, d.PublishEvent(context.Background(), OrchestrationTopic, "42", ev))

	select {
	case msg := <-msgs:
		msg.Ack()
		assert.Equal(t, "42", msg.Metadata.Get(PartitionKeyMetadata))
		assert.Equal(t, "ACTIVATE", msg.Metadata.Get(EventTypeMetadata))

		decoded, err := event.DecodeOrchestrationEvent(msg.Payload)
		require.NoError(t, err)
		assert.Equal(t, int64(42), decoded.BroadcastID)
	case <-time.After(time.Second):
		t.Fatal("expected a message on the orchestration topic")
	}
}

func TestDispatcherRejectsNilEvent(t *testing.T) {
	_, d := testDispatcher(t)
	assert.Error(t, d.PublishEvent(context.Background(), OrchestrationTopic, "1", nil))
}

func TestPartitionKeyPrefersMetadata(t *testing.T) {
	msg := message.NewMessage("uuid-1", []byte(`{}`))
	msg.Metadata.Set(PartitionKeyMetadata, "user-7")

	key, err := partitionKey(OrchestrationTopic, msg)
	require.NoError(t, err)
	assert.Equal(t, "user-7", key)

	// Unkeyed messages spread by uuid instead of landing on one partition.
	bare := message.NewMessage("uuid-2", []byte(`{}`))
	key, err = partitionKey(OrchestrationTopic, bare)
	require.NoError(t, err)
	assert.Equal(t, "uuid-2", key)
}
