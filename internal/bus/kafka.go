package bus

import (
	"fmt"
	"sync"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
)

// kafkaBus is the production transport. One idempotent producer is shared by
// the whole pod; subscribers are built per consumer group on demand.
type kafkaBus struct {
	brokers   []string
	logger    watermill.LoggerAdapter
	marshaler kafka.MarshalerUnmarshaler
	publisher *kafka.Publisher

	mu   sync.Mutex
	subs []*kafka.Subscriber
}

var _ Bus = (*kafkaBus)(nil)

func NewKafkaBus(brokers []string, logger watermill.LoggerAdapter) (Bus, error) {
	marshaler := kafka.NewWithPartitioningMarshaler(partitionKey)

	pub, err := kafka.NewPublisher(kafka.PublisherConfig{
		Brokers:               brokers,
		Marshaler:             marshaler,
		OverwriteSaramaConfig: saramaPublisherConfig(),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("kafka publisher: %w", err)
	}

	return &kafkaBus{
		brokers:   brokers,
		logger:    logger,
		marshaler: marshaler,
		publisher: pub,
	}, nil
}

func (b *kafkaBus) Publisher() message.Publisher { return b.publisher }

func (b *kafkaBus) Subscriber(consumerGroup string) (message.Subscriber, error) {
	sub, err := kafka.NewSubscriber(kafka.SubscriberConfig{
		Brokers:               b.brokers,
		Unmarshaler:           b.marshaler,
		OverwriteSaramaConfig: saramaSubscriberConfig(),
		ConsumerGroup:         consumerGroup,
	}, b.logger)
	if err != nil {
		return nil, fmt.Errorf("kafka subscriber %s: %w", consumerGroup, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub, nil
}

func (b *kafkaBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var firstErr error
	for _, sub := range b.subs {
		if err := sub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := b.publisher.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// partitionKey routes messages by the key the publisher stamped; messages
// without one spread randomly, which only unkeyed infrastructure traffic
// (poison forwards) should ever do.
func partitionKey(_ string, msg *message.Message) (string, error) {
	if key := msg.Metadata.Get(PartitionKeyMetadata); key != "" {
		return key, nil
	}
	return msg.UUID, nil
}

// saramaPublisherConfig: acks=all idempotent producer. Idempotence pins
// in-flight requests to one, trading pipelining for no-duplicate,
// no-reorder retries.
func saramaPublisherConfig() *sarama.Config {
	cfg := kafka.DefaultSaramaSyncPublisherConfig()
	cfg.Version = sarama.V2_6_0_0
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Producer.Compression = sarama.CompressionSnappy
	return cfg
}

// saramaSubscriberConfig: offsets commit through watermill's ack path, never
// ahead of the handler; a fresh group starts from the oldest retained event.
func saramaSubscriberConfig() *sarama.Config {
	cfg := kafka.DefaultSaramaSubscriberConfig()
	cfg.Version = sarama.V2_6_0_0
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	return cfg
}
