package bus

import "strings"

// Topic layout. The orchestration topic is single-partition so lifecycle
// events for one broadcast arrive in order; worker topics are one per pod,
// partitioned by recipient so one user's events stay ordered.
const (
	OrchestrationTopic    = "broadcast.orchestration.v1"
	DLQOrchestrationTopic = "broadcast.dlq.orchestration.v1"
	DLQWorkerTopic        = "broadcast.dlq.worker.v1"

	workerTopicPrefix = "broadcast.worker."
	workerTopicSuffix = ".v1"
)

// WorkerTopic names the delivery topic owned by one pod.
func WorkerTopic(podID string) string {
	return workerTopicPrefix + podID + workerTopicSuffix
}

// IsWorkerTopic reports whether topic is a per-pod delivery topic. Dead
// letters from these cannot be replayed in place: the owning pod may be gone.
func IsWorkerTopic(topic string) bool {
	return strings.HasPrefix(topic, workerTopicPrefix) && strings.HasSuffix(topic, workerTopicSuffix)
}

// Metadata keys carried on every published message.
const (
	// PartitionKeyMetadata is read by the partitioning marshaler: broadcast id
	// on the orchestration topic, user id on worker topics.
	PartitionKeyMetadata = "partition_key"
	// EventTypeMetadata survives into the dead-letter queue, where it titles
	// the stored entry.
	EventTypeMetadata = "event_type"
)
