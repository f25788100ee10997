/*
Package event defines the envelopes that move through the delivery pipeline.

Three families exist:
  - OrchestrationEvent: control-plane signals on the single-partition
    orchestration topic, keyed by broadcast id.
  - DeliveryEvent: per-user data-plane events on the per-pod worker topics,
    keyed by user id so intra-user order survives partitioning.
  - Frame: the transport-agnostic unit pushed down a live client stream.

All bus payloads are JSON with a type discriminator; decoders ignore unknown
fields so rolling upgrades never poison consumers.
*/
package event

import "github.com/heraldlab/broadcast-delivery-service/internal/domain/model"

// Kind discriminates delivery events on the wire.
type Kind string

const (
	KindCreated   Kind = "CREATED"
	KindCancelled Kind = "CANCELLED"
	KindExpired   Kind = "EXPIRED"
	KindRead      Kind = "READ"
)

// Eventer is the contract every pushable event satisfies. The hub and the
// per-connection mailboxes operate on this interface only, which keeps the
// push layer agnostic of where an event was produced.
type Eventer interface {
	GetID() string
	GetBroadcastID() int64
	GetUserID() string
	GetPriority() model.Priority
	GetOccurredAt() int64
	Frame() Frame
}

// Encoder renders a canonical bus payload. Both event families satisfy it;
// the dispatcher publishes anything encodable without caring which plane it
// belongs to.
type Encoder interface {
	Encode() ([]byte, error)
}
