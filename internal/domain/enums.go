// Package domain defines the core domain models for the fleet controller.
package domain

// AgentStatus represents the lifecycle status of an agent.
type AgentStatus string

const (
	AgentStatusActive      AgentStatus = "ACTIVE"
	AgentStatusInactive    AgentStatus = "INACTIVE"
	AgentStatusCompromised AgentStatus = "COMPROMISED"
	AgentStatusDestroyed   AgentStatus = "DESTROYED"
)

// Valid reports whether s is a known status.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusActive, AgentStatusInactive, AgentStatusCompromised, AgentStatusDestroyed:
		return true
	}
	return false
}

// CanTransitionTo reports whether next is a legal successor of s.
// DESTROYED -> DESTROYED is accepted as a no-op by the registry and is not listed here.
func (s AgentStatus) CanTransitionTo(next AgentStatus) bool {
	switch s {
	case AgentStatusActive:
		return next == AgentStatusInactive || next == AgentStatusCompromised || next == AgentStatusDestroyed
	case AgentStatusInactive:
		return next == AgentStatusActive || next == AgentStatusCompromised || next == AgentStatusDestroyed
	case AgentStatusCompromised:
		return next == AgentStatusDestroyed
	}
	return false
}

// RiskLevel represents the assessed risk of an agent.
type RiskLevel string

const (
	RiskLevelLow      RiskLevel = "LOW"
	RiskLevelMedium   RiskLevel = "MEDIUM"
	RiskLevelHigh     RiskLevel = "HIGH"
	RiskLevelCritical RiskLevel = "CRITICAL"
)

// Valid reports whether r is a known risk level.
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLevelLow, RiskLevelMedium, RiskLevelHigh, RiskLevelCritical:
		return true
	}
	return false
}

// CommandState represents the lifecycle state of a command.
type CommandState string

const (
	CommandStateCreated      CommandState = "CREATED"
	CommandStateQueued       CommandState = "QUEUED"
	CommandStateDelivered    CommandState = "DELIVERED"
	CommandStateAcknowledged CommandState = "ACKNOWLEDGED"
	CommandStateFailed       CommandState = "FAILED"
	CommandStateTimedOut     CommandState = "TIMED_OUT"
)

// Terminal reports whether no further transitions are possible.
func (s CommandState) Terminal() bool {
	switch s {
	case CommandStateAcknowledged, CommandStateFailed, CommandStateTimedOut:
		return true
	}
	return false
}

// Pending reports whether the command is waiting on the agent.
func (s CommandState) Pending() bool {
	return s == CommandStateQueued || s == CommandStateDelivered
}

// Rank orders states along the lifecycle. All terminal states share the highest rank.
func (s CommandState) Rank() int {
	switch s {
	case CommandStateCreated:
		return 0
	case CommandStateQueued:
		return 1
	case CommandStateDelivered:
		return 2
	case CommandStateAcknowledged, CommandStateFailed, CommandStateTimedOut:
		return 3
	}
	return -1
}

// Valid reports whether s is a known state.
func (s CommandState) Valid() bool {
	return s.Rank() >= 0
}

// Topic represents an event bus topic.
type Topic string

const (
	TopicAgentUpdated        Topic = "AGENT_UPDATED"
	TopicAgentRemoved        Topic = "AGENT_REMOVED"
	TopicCommandStateChanged Topic = "COMMAND_STATE_CHANGED"
	TopicReportReceived      Topic = "REPORT_RECEIVED"
	TopicAlertRaised         Topic = "ALERT_RAISED"
)

// AllTopics lists every topic in a stable order.
var AllTopics = []Topic{
	TopicAgentUpdated,
	TopicAgentRemoved,
	TopicCommandStateChanged,
	TopicReportReceived,
	TopicAlertRaised,
}

// Valid reports whether t is a known topic.
func (t Topic) Valid() bool {
	for _, known := range AllTopics {
		if t == known {
			return true
		}
	}
	return false
}

// ReportCategory classifies an inbound report. The accepted set is configured.
type ReportCategory string

const (
	ReportCategoryTelemetry ReportCategory = "telemetry"
	ReportCategoryInventory ReportCategory = "inventory"
	ReportCategoryHealth    ReportCategory = "health"
	ReportCategoryLog       ReportCategory = "log"
	ReportCategorySecurity  ReportCategory = "security"
)

// DefaultReportCategories is used when no categories are configured.
var DefaultReportCategories = []ReportCategory{
	ReportCategoryTelemetry,
	ReportCategoryInventory,
	ReportCategoryHealth,
	ReportCategoryLog,
	ReportCategorySecurity,
}
