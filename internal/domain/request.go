package domain

import "encoding/json"

// CheckinRequest is sent by an agent on each check-in.
type CheckinRequest struct {
	Profile   map[string]interface{} `json:"profile,omitempty"`
	RiskLevel RiskLevel              `json:"risk_level,omitempty"`
	Reports   []Report               `json:"reports,omitempty"`
}

// CheckinResult is returned to the agent.
type CheckinResult struct {
	Agent           Agent     `json:"agent"`
	AcceptedReports int       `json:"accepted_reports"`
	RejectedReports int       `json:"rejected_reports"`
	Commands        []Command `json:"commands"`
}

// SubmitRequest is an operator command submission. An empty TargetID means broadcast.
type SubmitRequest struct {
	CommandID  string          `json:"command_id,omitempty"`
	TargetID   string          `json:"target_id,omitempty"`
	Verb       string          `json:"verb"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	Filter     *AgentFilter    `json:"filter,omitempty"`
}

// StatusChangeRequest asks the registry to move an agent to a new status.
type StatusChangeRequest struct {
	Status AgentStatus `json:"status"`
}

// RiskChangeRequest updates an agent's risk level.
type RiskChangeRequest struct {
	RiskLevel RiskLevel `json:"risk_level"`
}
