// Package registry holds the authoritative in-memory state of every agent.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xiaot623/fleetd/internal/domain"
	"github.com/xiaot623/fleetd/internal/metrics"
)

// DefaultHistoryLimit bounds Agent.CommandHistory.
const DefaultHistoryLimit = 200

// Publisher is the subset of the event bus the registry needs.
type Publisher interface {
	Publish(topic domain.Topic, key string, payload interface{}) (domain.Event, error)
}

// Options configures a Registry.
type Options struct {
	LivenessTimeout time.Duration
	HistoryLimit    int
	Now             func() time.Time
	Logger          logrus.FieldLogger
	Metrics         *metrics.Metrics
}

// Registry is the single owner of agent records. Each record has its own
// lock, so different agents are mutated in parallel.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*entry

	bus             Publisher
	livenessTimeout time.Duration
	historyLimit    int
	now             func() time.Time
	log             logrus.FieldLogger
	metrics         *metrics.Metrics

	sweeping sync.Mutex
}

type entry struct {
	mu      sync.Mutex
	agent   domain.Agent
	created bool
	removed bool
}

// New creates a Registry publishing to bus.
func New(bus Publisher, opts Options) *Registry {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if opts.LivenessTimeout <= 0 {
		opts.LivenessTimeout = 300 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Registry{
		agents:          make(map[string]*entry),
		bus:             bus,
		livenessTimeout: opts.LivenessTimeout,
		historyLimit:    opts.HistoryLimit,
		now:             opts.Now,
		log:             opts.Logger,
		metrics:         opts.Metrics,
	}
}

func (r *Registry) lookup(id string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.agents[id]
}

// lockExisting returns the locked entry for id, or NotFound.
func (r *Registry) lockExisting(id string) (*entry, error) {
	e := r.lookup(id)
	if e == nil {
		return nil, domain.AgentNotFound(id)
	}
	e.mu.Lock()
	if e.removed || !e.created {
		e.mu.Unlock()
		return nil, domain.AgentNotFound(id)
	}
	return e, nil
}

// lockOrCreate returns the locked entry for id, inserting an empty one when absent.
func (r *Registry) lockOrCreate(id string) *entry {
	for {
		e := r.lookup(id)
		if e == nil {
			r.mu.Lock()
			e = r.agents[id]
			if e == nil {
				e = &entry{}
				r.agents[id] = e
			}
			r.mu.Unlock()
		}
		e.mu.Lock()
		if !e.removed {
			return e
		}
		// Purged between lookup and lock.
		e.mu.Unlock()
	}
}

func (r *Registry) publishLocked(e *entry, prev domain.AgentStatus) {
	payload := domain.AgentUpdatedPayload{Agent: e.agent.Clone(), PreviousStatus: prev}
	if _, err := r.bus.Publish(domain.TopicAgentUpdated, e.agent.AgentID, payload); err != nil {
		r.log.WithError(err).WithField("agent_id", e.agent.AgentID).Warn("failed to publish agent update")
	}
}

// Upsert creates the agent or merges profileDelta into its profile and bumps
// its last check-in. A nil value removes the key. An INACTIVE agent becomes
// ACTIVE again.
func (r *Registry) Upsert(id string, profileDelta map[string]interface{}) (domain.Agent, error) {
	if id == "" {
		return domain.Agent{}, domain.Validationf("agent_id is required")
	}

	e := r.lockOrCreate(id)
	defer e.mu.Unlock()

	now := r.now()
	prev := e.agent.Status
	if !e.created {
		e.agent = domain.Agent{
			AgentID:   id,
			Status:    domain.AgentStatusActive,
			RiskLevel: domain.RiskLevelLow,
			FirstSeen: now,
			Profile:   make(map[string]interface{}),
		}
		e.created = true
		r.metrics.MoveAgent("", string(domain.AgentStatusActive))
	} else if e.agent.Status == domain.AgentStatusDestroyed {
		return domain.Agent{}, domain.InvalidTransitionf("agent %q is DESTROYED", id)
	}

	for k, v := range profileDelta {
		if v == nil {
			delete(e.agent.Profile, k)
			continue
		}
		e.agent.Profile[k] = v
	}
	e.agent.LastCheckin = now
	if e.agent.Status == domain.AgentStatusInactive {
		e.agent.Status = domain.AgentStatusActive
		r.metrics.MoveAgent(string(prev), string(domain.AgentStatusActive))
	}

	r.publishLocked(e, prev)
	return e.agent.Clone(), nil
}

// Get returns a copy of the agent.
func (r *Registry) Get(id string) (domain.Agent, error) {
	e, err := r.lockExisting(id)
	if err != nil {
		return domain.Agent{}, err
	}
	defer e.mu.Unlock()
	return e.agent.Clone(), nil
}

// Exists reports whether id is a known, unpurged agent.
func (r *Registry) Exists(id string) bool {
	_, err := r.Get(id)
	return err == nil
}

// List returns the agents matching filter, sorted by id.
func (r *Registry) List(filter domain.AgentFilter) []domain.Agent {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.agents))
	for _, e := range r.agents {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]domain.Agent, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if e.created && !e.removed && matches(&e.agent, filter) {
			out = append(out, e.agent.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Counts returns the number of agents per status.
func (r *Registry) Counts() map[domain.AgentStatus]int {
	counts := make(map[domain.AgentStatus]int, 4)
	for _, a := range r.List(domain.AgentFilter{}) {
		counts[a.Status]++
	}
	return counts
}

// TransitionStatus moves the agent to status along the legal graph.
// DESTROYED to DESTROYED succeeds without publishing.
func (r *Registry) TransitionStatus(id string, status domain.AgentStatus) (domain.Agent, error) {
	if !status.Valid() {
		return domain.Agent{}, domain.Validationf("invalid status %q", status)
	}
	e, err := r.lockExisting(id)
	if err != nil {
		return domain.Agent{}, err
	}
	defer e.mu.Unlock()

	prev := e.agent.Status
	if prev == domain.AgentStatusDestroyed && status == domain.AgentStatusDestroyed {
		return e.agent.Clone(), nil
	}
	if !prev.CanTransitionTo(status) {
		return domain.Agent{}, domain.InvalidTransitionf("agent %q cannot move from %s to %s", id, prev, status)
	}

	e.agent.Status = status
	r.metrics.MoveAgent(string(prev), string(status))
	r.publishLocked(e, prev)
	return e.agent.Clone(), nil
}

// SetRiskLevel updates the agent's risk assessment.
func (r *Registry) SetRiskLevel(id string, level domain.RiskLevel) (domain.Agent, error) {
	if !level.Valid() {
		return domain.Agent{}, domain.Validationf("invalid risk level %q", level)
	}
	e, err := r.lockExisting(id)
	if err != nil {
		return domain.Agent{}, err
	}
	defer e.mu.Unlock()

	if e.agent.Status == domain.AgentStatusDestroyed {
		return domain.Agent{}, domain.InvalidTransitionf("agent %q is DESTROYED", id)
	}
	if e.agent.RiskLevel == level {
		return e.agent.Clone(), nil
	}
	e.agent.RiskLevel = level
	r.publishLocked(e, e.agent.Status)
	return e.agent.Clone(), nil
}

// AppendHistory records commandID against the agent. It is accepted in every
// status and publishes nothing.
func (r *Registry) AppendHistory(id, commandID string) error {
	e, err := r.lockExisting(id)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()

	e.agent.CommandHistory = append(e.agent.CommandHistory, commandID)
	if over := len(e.agent.CommandHistory) - r.historyLimit; over > 0 {
		e.agent.CommandHistory = append([]string(nil), e.agent.CommandHistory[over:]...)
	}
	return nil
}

// Purge removes a DESTROYED agent and publishes AGENT_REMOVED.
func (r *Registry) Purge(id string) error {
	e, err := r.lockExisting(id)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()

	if e.agent.Status != domain.AgentStatusDestroyed {
		return domain.InvalidTransitionf("agent %q must be DESTROYED before purge, is %s", id, e.agent.Status)
	}

	r.mu.Lock()
	delete(r.agents, id)
	r.mu.Unlock()
	e.removed = true
	r.metrics.MoveAgent(string(e.agent.Status), "")

	if _, err := r.bus.Publish(domain.TopicAgentRemoved, id, domain.AgentRemovedPayload{AgentID: id}); err != nil {
		r.log.WithError(err).WithField("agent_id", id).Warn("failed to publish agent removal")
	}
	return nil
}

// Restore loads persisted agents without publishing. Existing ids are overwritten.
func (r *Registry) Restore(agents []domain.Agent) error {
	for i := range agents {
		a := agents[i]
		if a.AgentID == "" {
			return fmt.Errorf("restore: agent with empty id")
		}
		if !a.Status.Valid() {
			return fmt.Errorf("restore: agent %s has invalid status %q", a.AgentID, a.Status)
		}
		if a.Profile == nil {
			a.Profile = make(map[string]interface{})
		}

		e := r.lockOrCreate(a.AgentID)
		prev := ""
		if e.created {
			prev = string(e.agent.Status)
		}
		e.agent = a.Clone()
		e.created = true
		e.mu.Unlock()
		r.metrics.MoveAgent(prev, string(a.Status))
	}
	return nil
}
