package event

// FrameType enumerates the client stream vocabulary. The wire names are part
// of the public contract and match the SSE `event:` field verbatim.
type FrameType string

const (
	FrameConnected       FrameType = "CONNECTED"
	FrameMessage         FrameType = "MESSAGE"
	FrameReadReceipt     FrameType = "READ_RECEIPT"
	FrameMessageRemoved  FrameType = "MESSAGE_REMOVED"
	FrameHeartbeat       FrameType = "HEARTBEAT"
	FrameConnectionLimit FrameType = "CONNECTION_LIMIT_REACHED"
)

// Frame is one unit on a client stream: a type tag plus a JSON-marshallable
// payload. Transports own the final encoding (SSE framing, WS text message).
type Frame struct {
	Type FrameType
	Data any
}

// ConnectedPayload greets a client right after registration.
type ConnectedPayload struct {
	Ok            bool   `json:"ok"`
	ConnectionID  string `json:"connectionId"`
	PodID         string `json:"podId"`
	ServerVersion string `json:"serverVersion"`
}

// RemovedPayload tells the client to drop a message from view.
type RemovedPayload struct {
	BroadcastID int64  `json:"broadcastId"`
	Reason      string `json:"reason"`
}

// ReadReceiptPayload confirms a mark-as-read to every device of the user.
type ReadReceiptPayload struct {
	BroadcastID int64  `json:"broadcastId"`
	UserID      string `json:"userId"`
}

// LimitPayload precedes a server-forced close. Terminal: the client must not
// reconnect until the operator clears the state.
type LimitPayload struct {
	Reason string `json:"reason"`
}

// HeartbeatPayload is the periodic liveness beat.
type HeartbeatPayload struct {
	At int64 `json:"at"`
}
