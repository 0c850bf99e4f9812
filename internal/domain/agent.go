package domain

import (
	"time"
)

// Agent is a tracked remote endpoint.
type Agent struct {
	AgentID        string                 `json:"agent_id"`
	Status         AgentStatus            `json:"status"`
	RiskLevel      RiskLevel              `json:"risk_level"`
	LastCheckin    time.Time              `json:"last_checkin"`
	FirstSeen      time.Time              `json:"first_seen"`
	Profile        map[string]interface{} `json:"profile"`
	CommandHistory []string               `json:"command_history,omitempty"`
}

// Clone returns a copy that shares no mutable state with a.
// Nested profile values are treated as immutable.
func (a *Agent) Clone() Agent {
	out := *a
	out.Profile = make(map[string]interface{}, len(a.Profile))
	for k, v := range a.Profile {
		out.Profile[k] = v
	}
	if a.CommandHistory != nil {
		out.CommandHistory = append([]string(nil), a.CommandHistory...)
	}
	return out
}

// AgentFilter selects agents. Empty fields match everything; set fields combine with AND.
type AgentFilter struct {
	Status    AgentStatus `json:"status,omitempty"`
	RiskLevel RiskLevel   `json:"risk_level,omitempty"`
	Query     string      `json:"q,omitempty"`
}
