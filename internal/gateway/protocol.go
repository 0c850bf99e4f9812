package gateway

import "github.com/xiaot623/fleetd/internal/domain"

// Message types from client to server
const (
	TypeSubscribe       = "subscribe"
	TypeSnapshotRequest = "snapshot"
	TypePing            = "ping"
)

// Message types from server to client
const (
	TypeSubscribed     = "subscribed"
	TypeSnapshot       = "snapshot"
	TypeEvent          = "event"
	TypeResyncRequired = "resync_required"
	TypePong           = "pong"
	TypeError          = "error"
)

// BaseMessage contains common fields for all messages.
type BaseMessage struct {
	Type      string `json:"type"`
	Ts        int64  `json:"ts"`
	SessionID string `json:"session_id,omitempty"`
}

// SubscribeMessage is sent by the client to start or replace its stream.
type SubscribeMessage struct {
	BaseMessage
	Topics       []domain.Topic `json:"topics,omitempty"`
	FromSequence *uint64        `json:"from_sequence,omitempty"`
}

// SubscribedMessage acknowledges a resumed subscription, which has no snapshot.
type SubscribedMessage struct {
	BaseMessage
	FromSequence uint64 `json:"from_sequence"`
}

// SnapshotMessage carries full fleet state.
type SnapshotMessage struct {
	BaseMessage
	Snapshot domain.Snapshot `json:"snapshot"`
}

// EventMessage carries one bus event.
type EventMessage struct {
	BaseMessage
	Event domain.Event `json:"event"`
}

// ResyncRequiredMessage ends a session that lost events.
type ResyncRequiredMessage struct {
	BaseMessage
	Dropped int64  `json:"dropped"`
	Reason  string `json:"reason"`
}

// ErrorMessage is sent when a client message cannot be served.
type ErrorMessage struct {
	BaseMessage
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// Error codes
const (
	ErrorCodeInvalidMessage  = "invalid_message"
	ErrorCodeSessionRequired = "session_required"
	ErrorCodeSequenceTooOld  = "sequence_too_old"
	ErrorCodeInternalError   = "internal_error"
)
