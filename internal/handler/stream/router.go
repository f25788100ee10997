/*
Package stream binds this pod's bus consumers: the per-pod worker topic (the
last hop before a live client stream), the shared orchestration group, and
the dead-letter intake.

Every chain acks by committing through the handler return value, so an
unacked message is always redelivered. Handler errors climb through the
retry policy into the poison queue; decode failures and panics skip the
retries and dead-letter immediately.
*/
package stream

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	"github.com/heraldlab/broadcast-delivery-service/internal/bus"
	"github.com/heraldlab/broadcast-delivery-service/internal/domain/event"
	"github.com/heraldlab/broadcast-delivery-service/internal/orchestrator"
)

const (
	// ------------------- CONSUMER GROUPS -----------------------
	OrchestratorGroup = "broadcast-delivery.orchestrator.v1"
	WorkerGroupPrefix = "broadcast-delivery.worker."
	DlqIntakeGroup    = "broadcast-delivery.dlq-intake.v1"

	// DefaultWorkerConcurrency is how many group members this pod runs on
	// its own worker topic.
	DefaultWorkerConcurrency = 3

	workerHandlerTimeout = 30 * time.Second
	// Orchestration handlers fan out to whole audiences; the budget covers a
	// paced large audience plus lock wait.
	orchestrationTimeout = 10 * time.Minute

	routerCloseTimeout = 30 * time.Second
)

// NewRouter builds the shared watermill router; consumers attach to it in
// RegisterConsumers and the lifecycle hook runs it.
func NewRouter(logger watermill.LoggerAdapter) (*message.Router, error) {
	return message.NewRouter(message.RouterConfig{CloseTimeout: routerCloseTimeout}, logger)
}

// StreamHandler owns consumer registration for one pod.
type StreamHandler struct {
	delivery     *DeliveryHandler
	orchestrator *orchestrator.Orchestrator
	dlq          *DlqHandler
	dispatcher   bus.Dispatcher
	logger       *slog.Logger
	podID        string
	concurrency  int
}

func NewStreamHandler(delivery *DeliveryHandler, orch *orchestrator.Orchestrator, dlq *DlqHandler, dispatcher bus.Dispatcher, logger *slog.Logger, podID string, concurrency int) *StreamHandler {
	if concurrency <= 0 {
		concurrency = DefaultWorkerConcurrency
	}
	return &StreamHandler{
		delivery:     delivery,
		orchestrator: orch,
		dlq:          dlq,
		dispatcher:   dispatcher,
		logger:       logger,
		podID:        podID,
		concurrency:  concurrency,
	}
}

// [REGISTRATION_PIPELINE]
func (h *StreamHandler) RegisterConsumers(router *message.Router, b bus.Bus) error {
	workerPoison, err := middleware.PoisonQueue(h.dispatcher.Publisher(), bus.DLQWorkerTopic)
	if err != nil {
		return fmt.Errorf("POISON_SETUP_FAILED: %w", err)
	}
	orchestrationPoison, err := middleware.PoisonQueue(h.dispatcher.Publisher(), bus.DLQOrchestrationTopic)
	if err != nil {
		return fmt.Errorf("POISON_SETUP_FAILED: %w", err)
	}
	retry := NewRetryPolicy().Middleware

	// [WORKER_POOL]
	// N members of one consumer group share the per-pod topic's partitions,
	// so intra-user order (one partition per key) survives the parallelism.
	workerTopic := bus.WorkerTopic(h.podID)
	workerGroup := WorkerGroupPrefix + h.podID + ".v1"
	for i := 0; i < h.concurrency; i++ {
		sub, err := b.Subscriber(workerGroup)
		if err != nil {
			return err
		}
		name := fmt.Sprintf("ON_DELIVERY_%d", i)
		router.AddNoPublisherHandler(name, workerTopic, sub,
			Bind(h.logger, event.DecodeDeliveryEvent, h.delivery.HandleDelivery),
		).AddMiddleware(
			TraceIDMiddleware,
			LoggingMiddleware(h.logger),
			workerPoison,
			retry,
			middleware.Timeout(workerHandlerTimeout),
		)
	}

	// [CONTROL_PLANE]
	// Single-partition topic, shared group: one consumer cluster-wide sees
	// each lifecycle signal, in commit order.
	orchSub, err := b.Subscriber(OrchestratorGroup)
	if err != nil {
		return err
	}
	router.AddNoPublisherHandler("ON_ORCHESTRATION", bus.OrchestrationTopic, orchSub,
		Bind(h.logger, event.DecodeOrchestrationEvent, h.orchestrator.Handle),
	).AddMiddleware(
		TraceIDMiddleware,
		LoggingMiddleware(h.logger),
		orchestrationPoison,
		retry,
		middleware.Timeout(orchestrationTimeout),
	)

	// [DEAD_LETTER_INTAKE]
	// Both origins, one table. No poison queue here: a dead letter that
	// cannot be recorded must stay on its topic, not loop back into it.
	for _, c := range []struct {
		name  string
		topic string
	}{
		{"ON_DLQ_ORCHESTRATION", bus.DLQOrchestrationTopic},
		{"ON_DLQ_WORKER", bus.DLQWorkerTopic},
	} {
		sub, err := b.Subscriber(DlqIntakeGroup)
		if err != nil {
			return err
		}
		router.AddNoPublisherHandler(c.name, c.topic, sub, h.dlq.HandleDead).AddMiddleware(
			TraceIDMiddleware,
			LoggingMiddleware(h.logger),
			retry,
			middleware.Timeout(workerHandlerTimeout),
		)
	}

	h.logger.Info("STREAM_PIPELINE_READY",
		"worker_topic", workerTopic,
		"concurrency", h.concurrency,
	)
	return nil
}
