package domain

import (
	"encoding/json"
	"time"
)

// Event is an immutable, sequenced state-change notification.
type Event struct {
	Sequence  uint64          `json:"sequence"`
	Topic     Topic           `json:"topic"`
	Key       string          `json:"key,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// AgentUpdatedPayload is published on AGENT_UPDATED.
type AgentUpdatedPayload struct {
	Agent          Agent       `json:"agent"`
	PreviousStatus AgentStatus `json:"previous_status,omitempty"`
}

// AgentRemovedPayload is published on AGENT_REMOVED.
type AgentRemovedPayload struct {
	AgentID string `json:"agent_id"`
}

// CommandStateChangedPayload is published on COMMAND_STATE_CHANGED.
type CommandStateChangedPayload struct {
	Command       Command      `json:"command"`
	PreviousState CommandState `json:"previous_state,omitempty"`
}

// ReportReceivedPayload is published on REPORT_RECEIVED.
type ReportReceivedPayload struct {
	Report Report `json:"report"`
	Bytes  int    `json:"bytes"`
}

// AlertRaisedPayload is published on ALERT_RAISED.
type AlertRaisedPayload struct {
	SourceAgentID string         `json:"source_agent_id,omitempty"`
	Category      ReportCategory `json:"category"`
	Priority      int            `json:"priority"`
	Reason        string         `json:"reason"`
	ReportedAt    time.Time      `json:"reported_at"`
}

// Snapshot is the consistent baseline sent to a console before deltas.
type Snapshot struct {
	Sequence uint64         `json:"sequence"`
	Agents   []Agent        `json:"agents"`
	Pending  PendingSummary `json:"pending"`
	TakenAt  time.Time      `json:"taken_at"`
}
