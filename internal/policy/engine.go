// Package policy evaluates command admission rules written in Rego.
package policy

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/open-policy-agent/opa/rego"
)

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// Decision is the outcome of a policy evaluation.
type Decision struct {
	Allow   bool
	Reasons []string
}

// Input is what the policy sees for one submission.
type Input struct {
	Verb        string                 `json:"verb"`
	Parameters  interface{}            `json:"parameters,omitempty"`
	Broadcast   bool                   `json:"broadcast"`
	TargetCount int                    `json:"target_count"`
	Target      map[string]interface{} `json:"target,omitempty"`
	Limits      Limits                 `json:"limits"`
}

// Limits are the configured bounds passed to the policy.
type Limits struct {
	MaxBroadcastTargets int `json:"max_broadcast_targets"`
}

// NewEngine creates a policy engine. The policy must define the set
// data.command_policy.deny; every element is a reason to reject.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.command_policy.deny"),
		rego.Module("command_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// NewEngineFromFile loads the policy at path, or DefaultPolicy when path is empty.
func NewEngineFromFile(ctx context.Context, path string) (*Engine, error) {
	if path == "" {
		return NewEngine(ctx, DefaultPolicy)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy %s: %w", path, err)
	}
	return NewEngine(ctx, string(content))
}

// Evaluate checks a command submission.
func (e *Engine) Evaluate(ctx context.Context, input Input) (Decision, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{Allow: true}, nil
	}

	set, ok := results[0].Expressions[0].Value.([]interface{})
	if !ok {
		return Decision{}, fmt.Errorf("unexpected policy result type %T", results[0].Expressions[0].Value)
	}

	reasons := make([]string, 0, len(set))
	for _, v := range set {
		reasons = append(reasons, fmt.Sprint(v))
	}
	sort.Strings(reasons)
	return Decision{Allow: len(reasons) == 0, Reasons: reasons}, nil
}

// DefaultPolicy is the default policy content.
const DefaultPolicy = `
package command_policy

quarantine_verbs := {"quarantine", "collect_diagnostics", "decommission"}

# Bound the blast radius of a single broadcast.
deny[msg] {
	input.broadcast
	input.target_count > input.limits.max_broadcast_targets
	msg := sprintf("broadcast matches %d agents, limit is %d", [input.target_count, input.limits.max_broadcast_targets])
}

# Compromised agents only take quarantine verbs.
deny[msg] {
	not input.broadcast
	input.target.status == "COMPROMISED"
	not quarantine_verbs[input.verb]
	msg := sprintf("agent %s is COMPROMISED, verb %s is not a quarantine verb", [input.target.agent_id, input.verb])
}
`
