// Package dispatch accepts operator commands and tracks their lifecycle
// from submission to acknowledgement, failure or timeout.
package dispatch

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/xiaot623/fleetd/internal/domain"
	"github.com/xiaot623/fleetd/internal/metrics"
	"github.com/xiaot623/fleetd/internal/policy"
)

// Registry is the agent view the dispatcher needs.
type Registry interface {
	Get(id string) (domain.Agent, error)
	List(filter domain.AgentFilter) []domain.Agent
	AppendHistory(id, commandID string) error
}

// Publisher is the subset of the event bus the dispatcher needs.
type Publisher interface {
	Publish(topic domain.Topic, key string, payload interface{}) (domain.Event, error)
}

// CommandStore looks up commands that have left memory. It returns nil, nil
// when the id is unknown.
type CommandStore interface {
	GetCommand(ctx context.Context, commandID string) (*domain.Command, error)
}

// Options configures a Dispatcher.
type Options struct {
	Timeout             time.Duration
	Retention           time.Duration
	ArchiveSize         int
	MaxBroadcastTargets int
	Workers             int
	QueueSize           int

	Catalog   *Catalog
	Policy    *policy.Engine
	Transport Transport
	Store     CommandStore

	Now     func() time.Time
	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics
}

// Dispatcher owns every command. A single mutex guards the command table and
// events are published while it is held, so each command's events are
// observed in transition order.
type Dispatcher struct {
	mu       sync.Mutex
	commands map[string]*domain.Command
	archive  *lru.Cache[string, domain.Command]
	closed   bool
	queue    chan string

	registry Registry
	bus      Publisher
	catalog  *Catalog
	policy   *policy.Engine
	store    CommandStore

	timeout             time.Duration
	retention           time.Duration
	maxBroadcastTargets int

	transport Transport
	workers   int
	wg        sync.WaitGroup

	now     func() time.Time
	log     logrus.FieldLogger
	metrics *metrics.Metrics

	sweeping sync.Mutex
}

// New creates a Dispatcher.
func New(registry Registry, bus Publisher, opts Options) (*Dispatcher, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 300 * time.Second
	}
	if opts.Retention <= 0 {
		opts.Retention = time.Hour
	}
	if opts.ArchiveSize <= 0 {
		opts.ArchiveSize = 10000
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Catalog == nil {
		opts.Catalog, _ = NewCatalog(nil)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	archive, err := lru.New[string, domain.Command](opts.ArchiveSize)
	if err != nil {
		return nil, err
	}

	return &Dispatcher{
		commands:            make(map[string]*domain.Command),
		archive:             archive,
		queue:               make(chan string, opts.QueueSize),
		registry:            registry,
		bus:                 bus,
		catalog:             opts.Catalog,
		policy:              opts.Policy,
		store:               opts.Store,
		timeout:             opts.Timeout,
		retention:           opts.Retention,
		maxBroadcastTargets: opts.MaxBroadcastTargets,
		transport:           opts.Transport,
		workers:             opts.Workers,
		now:                 opts.Now,
		log:                 opts.Logger,
		metrics:             opts.Metrics,
	}, nil
}

// Submit validates and records a command, queues it and returns its handle.
// Resubmitting a known id with the same target and verb returns the existing
// command unchanged.
func (d *Dispatcher) Submit(ctx context.Context, req domain.SubmitRequest) (domain.CommandHandle, error) {
	if req.Verb == "" {
		return domain.CommandHandle{}, domain.Validationf("verb is required")
	}
	if len(req.Parameters) > 0 && !json.Valid(req.Parameters) {
		return domain.CommandHandle{}, domain.Validationf("parameters must be valid JSON")
	}
	if req.TargetID != "" && req.Filter != nil {
		return domain.CommandHandle{}, domain.Validationf("filter is only valid for broadcast commands")
	}
	if strings.Contains(req.CommandID, childSeparator) {
		return domain.CommandHandle{}, domain.Validationf("command_id must not contain %q", childSeparator)
	}

	if req.CommandID != "" {
		existing, err := d.Get(ctx, req.CommandID)
		switch {
		case err == nil:
			return d.resubmitted(existing, req)
		case domain.KindOf(err) != domain.KindNotFound:
			return domain.CommandHandle{}, err
		}
	} else {
		req.CommandID = "cmd_" + uuid.New().String()
	}

	if err := d.catalog.Validate(req.Verb, req.Parameters); err != nil {
		return domain.CommandHandle{}, err
	}

	targets, err := d.resolveTargets(req)
	if err != nil {
		return domain.CommandHandle{}, err
	}
	if err := d.admit(ctx, req, targets); err != nil {
		return domain.CommandHandle{}, err
	}

	handle, created, err := d.record(req, targets)
	if err != nil {
		return domain.CommandHandle{}, err
	}

	for _, cmd := range created {
		if err := d.registry.AppendHistory(cmd.TargetID, cmd.CommandID); err != nil {
			d.log.WithError(err).WithField("command_id", cmd.CommandID).Warn("failed to append command history")
		}
	}

	d.log.WithFields(logrus.Fields{
		"command_id": handle.CommandID,
		"verb":       req.Verb,
		"targets":    len(targets),
	}).Info("command queued")
	return handle, nil
}

func (d *Dispatcher) resubmitted(existing domain.Command, req domain.SubmitRequest) (domain.CommandHandle, error) {
	if existing.ParentID != "" || existing.TargetID != req.TargetID || existing.Verb != req.Verb {
		return domain.CommandHandle{}, domain.Validationf("command_id %q is already used by a different command", req.CommandID)
	}
	return handleOf(existing), nil
}

func (d *Dispatcher) resolveTargets(req domain.SubmitRequest) ([]domain.Agent, error) {
	if req.TargetID != "" {
		agent, err := d.registry.Get(req.TargetID)
		if err != nil {
			if domain.KindOf(err) == domain.KindNotFound {
				return nil, domain.TargetNotFound(req.TargetID)
			}
			return nil, err
		}
		if agent.Status == domain.AgentStatusDestroyed {
			return nil, domain.InvalidTransitionf("target agent %q is DESTROYED", req.TargetID)
		}
		return []domain.Agent{agent}, nil
	}

	filter := domain.AgentFilter{Status: domain.AgentStatusActive}
	if req.Filter != nil {
		filter = *req.Filter
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, domain.Validationf("invalid status filter %q", filter.Status)
	}
	if filter.RiskLevel != "" && !filter.RiskLevel.Valid() {
		return nil, domain.Validationf("invalid risk level filter %q", filter.RiskLevel)
	}

	var targets []domain.Agent
	for _, a := range d.registry.List(filter) {
		if a.Status != domain.AgentStatusDestroyed {
			targets = append(targets, a)
		}
	}
	if len(targets) == 0 {
		return nil, domain.Validationf("broadcast filter matches no agents")
	}
	return targets, nil
}

func (d *Dispatcher) admit(ctx context.Context, req domain.SubmitRequest, targets []domain.Agent) error {
	if d.policy == nil {
		return nil
	}

	input := policy.Input{
		Verb:        req.Verb,
		Broadcast:   req.TargetID == "",
		TargetCount: len(targets),
		Limits:      policy.Limits{MaxBroadcastTargets: d.maxBroadcastTargets},
	}
	if len(req.Parameters) > 0 {
		var params interface{}
		if err := json.Unmarshal(req.Parameters, &params); err == nil {
			input.Parameters = params
		}
	}
	if req.TargetID != "" {
		input.Target = map[string]interface{}{
			"agent_id":   targets[0].AgentID,
			"status":     string(targets[0].Status),
			"risk_level": string(targets[0].RiskLevel),
			"profile":    targets[0].Profile,
		}
	}

	decision, err := d.policy.Evaluate(ctx, input)
	if err != nil {
		return domain.Unavailablef("policy evaluation failed: %v", err)
	}
	if !decision.Allow {
		reason := "denied"
		if len(decision.Reasons) > 0 {
			reason = decision.Reasons[0]
		}
		return domain.PolicyDenied(reason)
	}
	return nil
}

// record stores the command (and its children) as CREATED and moves it to
// QUEUED. It returns the handle and the per-agent commands.
func (d *Dispatcher) record(req domain.SubmitRequest, targets []domain.Agent) (domain.CommandHandle, []*domain.Command, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return domain.CommandHandle{}, nil, domain.Unavailablef("dispatcher is shutting down")
	}
	if existing := d.lookupLocked(req.CommandID); existing != nil {
		h, err := d.resubmitted(*existing, req)
		return h, nil, err
	}

	now := d.now()
	timeoutMs := d.catalog.Timeout(req.Verb, d.timeout).Milliseconds()
	newCommand := func(id, parentID, targetID string) *domain.Command {
		return &domain.Command{
			CommandID:        id,
			ParentID:         parentID,
			TargetID:         targetID,
			Verb:             req.Verb,
			Parameters:       req.Parameters,
			CreatedAt:        now,
			LastTransitionAt: now,
			TimeoutMs:        timeoutMs,
		}
	}

	var leaves []*domain.Command
	if req.TargetID != "" {
		cmd := newCommand(req.CommandID, "", req.TargetID)
		d.commands[cmd.CommandID] = cmd
		d.transitionLocked(cmd, domain.CommandStateCreated, now)
		d.transitionLocked(cmd, domain.CommandStateQueued, now)
		d.enqueueLocked(cmd.CommandID)
		return handleOf(*cmd), []*domain.Command{cmd}, nil
	}

	parent := newCommand(req.CommandID, "", "")
	filter := domain.AgentFilter{Status: domain.AgentStatusActive}
	if req.Filter != nil {
		filter = *req.Filter
	}
	parent.Filter = &filter
	parent.Summary = make(map[domain.CommandState]int)

	for _, a := range targets {
		child := newCommand(childID(parent.CommandID, a.AgentID), parent.CommandID, a.AgentID)
		if d.lookupLocked(child.CommandID) != nil {
			return domain.CommandHandle{}, nil, domain.Validationf("command_id %q is already in use", child.CommandID)
		}
		parent.Children = append(parent.Children, child.CommandID)
		leaves = append(leaves, child)
	}
	d.commands[parent.CommandID] = parent
	d.transitionLocked(parent, domain.CommandStateCreated, now)
	for _, child := range leaves {
		d.commands[child.CommandID] = child
	}
	for _, child := range leaves {
		d.transitionLocked(child, domain.CommandStateCreated, now)
	}
	for _, child := range leaves {
		d.transitionLocked(child, domain.CommandStateQueued, now)
		d.enqueueLocked(child.CommandID)
	}
	return handleOf(*parent), leaves, nil
}

// transitionLocked moves cmd to next and publishes the change. Broadcast
// children also re-derive their parent.
func (d *Dispatcher) transitionLocked(cmd *domain.Command, next domain.CommandState, now time.Time) {
	prev := cmd.State
	cmd.State = next
	cmd.LastTransitionAt = now
	if next == domain.CommandStateQueued && cmd.QueuedAt == nil {
		queuedAt := now
		cmd.QueuedAt = &queuedAt
	}
	d.metrics.IncCommandTransition(string(next))

	payload := domain.CommandStateChangedPayload{Command: cmd.Clone(), PreviousState: prev}
	if _, err := d.bus.Publish(domain.TopicCommandStateChanged, cmd.CommandID, payload); err != nil {
		d.log.WithError(err).WithField("command_id", cmd.CommandID).Warn("failed to publish command state")
	}

	if cmd.ParentID != "" {
		if parent, ok := d.commands[cmd.ParentID]; ok {
			d.refreshParentLocked(parent, now)
		}
	}
}

// refreshParentLocked derives a broadcast parent's state from its children:
// the least advanced child wins until all are terminal.
func (d *Dispatcher) refreshParentLocked(parent *domain.Command, now time.Time) {
	summary := make(map[domain.CommandState]int)
	least := domain.CommandStateAcknowledged
	for _, id := range parent.Children {
		child := d.lookupLocked(id)
		if child == nil || child.State == "" {
			continue
		}
		summary[child.State]++
		if child.State.Rank() < least.Rank() {
			least = child.State
		}
	}
	parent.Summary = summary

	next := least
	if least.Terminal() {
		total := len(parent.Children)
		switch {
		case summary[domain.CommandStateFailed] == total:
			next = domain.CommandStateFailed
		case summary[domain.CommandStateTimedOut] == total:
			next = domain.CommandStateTimedOut
		default:
			next = domain.CommandStateAcknowledged
		}
	}
	if next.Rank() > parent.State.Rank() {
		d.transitionLocked(parent, next, now)
	}
}

// Acknowledge records the agent's result for a QUEUED or DELIVERED command.
func (d *Dispatcher) Acknowledge(ctx context.Context, commandID string, result domain.AckResult) (domain.Command, error) {
	d.mu.Lock()
	cmd, ok := d.commands[commandID]
	if !ok {
		archived, found := d.archive.Peek(commandID)
		d.mu.Unlock()
		if found {
			return domain.Command{}, domain.InvalidTransitionf("command %q is already %s", commandID, archived.State)
		}
		return d.acknowledgeUnknown(ctx, commandID)
	}
	defer d.mu.Unlock()

	if cmd.IsBroadcast() {
		return domain.Command{}, domain.InvalidTransitionf("command %q is a broadcast, acknowledge its children", commandID)
	}
	if !cmd.State.Pending() {
		return domain.Command{}, domain.InvalidTransitionf("command %q is already %s", commandID, cmd.State)
	}

	next := domain.CommandStateAcknowledged
	if !result.Success {
		next = domain.CommandStateFailed
	}
	cmd.Result = result.Output
	cmd.Error = result.Error
	d.transitionLocked(cmd, next, d.now())
	return cmd.Clone(), nil
}

func (d *Dispatcher) acknowledgeUnknown(ctx context.Context, commandID string) (domain.Command, error) {
	if d.store != nil {
		stored, err := d.store.GetCommand(ctx, commandID)
		if err != nil {
			return domain.Command{}, domain.Unavailablef("command lookup failed: %v", err)
		}
		if stored != nil {
			return domain.Command{}, domain.InvalidTransitionf("command %q is already %s", commandID, stored.State)
		}
	}
	return domain.Command{}, domain.UnknownCommand(commandID)
}

// MarkDelivered moves a QUEUED command to DELIVERED. Other states are left alone.
func (d *Dispatcher) MarkDelivered(commandID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	cmd, ok := d.commands[commandID]
	if !ok {
		if _, found := d.archive.Peek(commandID); found {
			return nil
		}
		return domain.UnknownCommand(commandID)
	}
	if cmd.State == domain.CommandStateQueued {
		d.transitionLocked(cmd, domain.CommandStateDelivered, d.now())
	}
	return nil
}

// ClaimPending hands the agent its QUEUED commands, oldest first, and marks
// them DELIVERED.
func (d *Dispatcher) ClaimPending(agentID string) []domain.Command {
	d.mu.Lock()
	defer d.mu.Unlock()

	var claimed []*domain.Command
	for _, cmd := range d.commands {
		if cmd.TargetID == agentID && cmd.State == domain.CommandStateQueued {
			claimed = append(claimed, cmd)
		}
	}
	sort.Slice(claimed, func(i, j int) bool {
		if claimed[i].CreatedAt.Equal(claimed[j].CreatedAt) {
			return claimed[i].CommandID < claimed[j].CommandID
		}
		return claimed[i].CreatedAt.Before(claimed[j].CreatedAt)
	})

	now := d.now()
	out := make([]domain.Command, 0, len(claimed))
	for _, cmd := range claimed {
		d.transitionLocked(cmd, domain.CommandStateDelivered, now)
		out = append(out, cmd.Clone())
	}
	return out
}

// Get returns the command from memory, the archive or the store.
func (d *Dispatcher) Get(ctx context.Context, commandID string) (domain.Command, error) {
	d.mu.Lock()
	if cmd := d.lookupLocked(commandID); cmd != nil {
		out := cmd.Clone()
		d.mu.Unlock()
		return out, nil
	}
	d.mu.Unlock()

	if d.store != nil {
		stored, err := d.store.GetCommand(ctx, commandID)
		if err != nil {
			return domain.Command{}, domain.Unavailablef("command lookup failed: %v", err)
		}
		if stored != nil {
			return *stored, nil
		}
	}
	return domain.Command{}, domain.UnknownCommand(commandID)
}

// List returns live and archived commands matching filter, newest first.
func (d *Dispatcher) List(filter domain.CommandFilter) []domain.Command {
	d.mu.Lock()
	defer d.mu.Unlock()

	match := func(c *domain.Command) bool {
		if filter.State != "" && c.State != filter.State {
			return false
		}
		if filter.TargetID != "" && c.TargetID != filter.TargetID {
			return false
		}
		if filter.Pending && !c.State.Pending() {
			return false
		}
		return true
	}

	var out []domain.Command
	for _, cmd := range d.commands {
		if match(cmd) {
			out = append(out, cmd.Clone())
		}
	}
	for _, cmd := range d.archive.Values() {
		if match(&cmd) {
			out = append(out, cmd.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CommandID < out[j].CommandID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// PendingSummary counts outstanding per-agent commands.
func (d *Dispatcher) PendingSummary() domain.PendingSummary {
	d.mu.Lock()
	defer d.mu.Unlock()

	summary := domain.PendingSummary{Commands: []domain.Command{}}
	for _, cmd := range d.commands {
		if cmd.IsBroadcast() || !cmd.State.Pending() {
			continue
		}
		if cmd.State == domain.CommandStateQueued {
			summary.Queued++
		} else {
			summary.Delivered++
		}
		summary.Commands = append(summary.Commands, cmd.Clone())
	}
	sort.Slice(summary.Commands, func(i, j int) bool {
		return summary.Commands[i].CommandID < summary.Commands[j].CommandID
	})
	return summary
}

// Restore loads persisted commands at start-up without publishing. Terminal
// commands go to the archive; QUEUED ones are queued for push delivery again.
func (d *Dispatcher) Restore(cmds []domain.Command) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i := range cmds {
		cmd := cmds[i].Clone()
		if cmd.State.Terminal() {
			d.archive.Add(cmd.CommandID, cmd)
			continue
		}
		d.commands[cmd.CommandID] = &cmd
		if cmd.State == domain.CommandStateQueued && !cmd.IsBroadcast() {
			d.enqueueLocked(cmd.CommandID)
		}
	}
}

func (d *Dispatcher) lookupLocked(commandID string) *domain.Command {
	if cmd, ok := d.commands[commandID]; ok {
		return cmd
	}
	if cmd, ok := d.archive.Peek(commandID); ok {
		return &cmd
	}
	return nil
}

// childSeparator joins a broadcast id and an agent id. Caller-supplied ids
// may not contain it, so child ids never collide with other commands.
const childSeparator = ":"

func childID(parentID, agentID string) string {
	return parentID + childSeparator + agentID
}

func handleOf(cmd domain.Command) domain.CommandHandle {
	return domain.CommandHandle{
		CommandID: cmd.CommandID,
		State:     cmd.State,
		Children:  cmd.Children,
		Command:   cmd.Clone(),
	}
}
