package domain

import (
	"encoding/json"
	"time"
)

// Command is an operator-issued instruction for one agent or, as a broadcast
// parent, for every agent matched at submission time.
type Command struct {
	CommandID        string          `json:"command_id"`
	ParentID         string          `json:"parent_id,omitempty"`
	TargetID         string          `json:"target_id,omitempty"`
	Verb             string          `json:"verb"`
	Parameters       json.RawMessage `json:"parameters,omitempty"`
	State            CommandState    `json:"state"`
	Result           json.RawMessage `json:"result,omitempty"`
	Error            string          `json:"error,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	QueuedAt         *time.Time      `json:"queued_at,omitempty"`
	LastTransitionAt time.Time       `json:"last_transition_at"`
	TimeoutMs        int64           `json:"timeout_ms"`

	// Broadcast parents only.
	Filter   *AgentFilter         `json:"filter,omitempty"`
	Children []string             `json:"children,omitempty"`
	Summary  map[CommandState]int `json:"summary,omitempty"`
}

// IsBroadcast reports whether c is a broadcast parent.
func (c *Command) IsBroadcast() bool {
	return c.TargetID == "" && c.ParentID == ""
}

// Clone returns a copy safe to hand out of the dispatcher.
func (c *Command) Clone() Command {
	out := *c
	if c.QueuedAt != nil {
		q := *c.QueuedAt
		out.QueuedAt = &q
	}
	if c.Filter != nil {
		f := *c.Filter
		out.Filter = &f
	}
	if c.Children != nil {
		out.Children = append([]string(nil), c.Children...)
	}
	if c.Summary != nil {
		out.Summary = make(map[CommandState]int, len(c.Summary))
		for k, v := range c.Summary {
			out.Summary[k] = v
		}
	}
	return out
}

// CommandFilter selects commands for listing.
type CommandFilter struct {
	State    CommandState `json:"state,omitempty"`
	TargetID string       `json:"target_id,omitempty"`
	Pending  bool         `json:"pending,omitempty"`
}

// CommandHandle is returned by Submit.
type CommandHandle struct {
	CommandID string       `json:"command_id"`
	State     CommandState `json:"state"`
	Children  []string     `json:"children,omitempty"`
	Command   Command      `json:"command"`
}

// AckResult is reported by the transport that delivered a command.
type AckResult struct {
	Success bool            `json:"success"`
	Output  json.RawMessage `json:"output,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// PendingSummary summarizes outstanding commands.
type PendingSummary struct {
	Queued    int       `json:"queued"`
	Delivered int       `json:"delivered"`
	Commands  []Command `json:"commands"`
}

// Verb describes a registered command verb.
type Verb struct {
	Name      string          `json:"name" yaml:"name"`
	Schema    json.RawMessage `json:"schema,omitempty" yaml:"-"`
	TimeoutMs int64           `json:"timeout_ms,omitempty" yaml:"timeout_ms"`
}
