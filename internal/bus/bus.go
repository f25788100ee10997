/*
Package bus owns the event transport: topic layout, the broker-backed
publisher/subscriber pair and the high-level dispatcher handlers publish
through.

Two backends exist. Kafka is the production transport: an idempotent
acks=all producer with hash partitioning on the message's partition key,
and consumer-group subscribers that commit offsets only after the handler
acks. The in-process channel backend keeps single-pod deployments and tests
broker-free with the same interfaces.
*/
package bus

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Bus hands out the transport endpoints. Publisher is shared; Subscriber
// builds one subscription stream per consumer group.
type Bus interface {
	Publisher() message.Publisher
	Subscriber(consumerGroup string) (message.Subscriber, error)
	Close() error
}

// channelBus runs the whole pipeline inside the process. GoChannel ignores
// consumer groups: every subscription sees every message, which matches a
// single pod owning all roles.
type channelBus struct {
	pubsub *gochannel.GoChannel
}

var _ Bus = (*channelBus)(nil)

func NewChannelBus(logger watermill.LoggerAdapter) Bus {
	return &channelBus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 256,
		}, logger),
	}
}

func (b *channelBus) Publisher() message.Publisher { return b.pubsub }

func (b *channelBus) Subscriber(string) (message.Subscriber, error) {
	return b.pubsub, nil
}

func (b *channelBus) Close() error { return b.pubsub.Close() }
