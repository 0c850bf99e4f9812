// Package journal persists bus events and keeps the store's agent and
// command tables in step with them.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/xiaot623/fleetd/internal/domain"
	"github.com/xiaot623/fleetd/internal/eventbus"
)

// Store is the persistence the journal writes to.
type Store interface {
	AppendEvent(ctx context.Context, event domain.Event) error
	UpsertAgent(ctx context.Context, agent *domain.Agent) error
	DeleteAgent(ctx context.Context, agentID string) error
	UpsertCommand(ctx context.Context, cmd *domain.Command) error
}

// Source is the bus the journal follows.
type Source interface {
	SubscribeWithDepth(topics []domain.Topic, from *uint64, depth int) (*eventbus.Subscription, error)
}

// Options configures a Journal.
type Options struct {
	QueueDepth int

	// Agents and Commands return the live state written out after the
	// journal's subscription fell behind and lost events.
	Agents   func() []domain.Agent
	Commands func() []domain.Command

	Logger logrus.FieldLogger
}

// Stats counts journal activity.
type Stats struct {
	Events  int64 `json:"events"`
	Errors  int64 `json:"errors"`
	Resyncs int64 `json:"resyncs"`
}

// Journal is a single bus subscriber writing to the store in sequence order.
type Journal struct {
	bus   Source
	store Store
	opts  Options
	log   logrus.FieldLogger
	sub   *eventbus.Subscription

	events  atomic.Int64
	errors  atomic.Int64
	resyncs atomic.Int64
}

// New subscribes to every topic. Events published after New returns are
// journaled once Run is called.
func New(bus Source, store Store, opts Options) (*Journal, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	j := &Journal{bus: bus, store: store, opts: opts, log: opts.Logger}
	sub, err := j.subscribe()
	if err != nil {
		return nil, err
	}
	j.sub = sub
	return j, nil
}

func (j *Journal) subscribe() (*eventbus.Subscription, error) {
	sub, err := j.bus.SubscribeWithDepth(nil, nil, j.opts.QueueDepth)
	if err != nil {
		return nil, fmt.Errorf("journal subscribe: %w", err)
	}
	return sub, nil
}

// Run writes events until ctx is done, then flushes what is already queued.
func (j *Journal) Run(ctx context.Context) error {
	defer func() { j.sub.Close() }()

	for {
		select {
		case <-ctx.Done():
			j.flush()
			if j.sub.Degraded() {
				return j.resync(context.Background())
			}
			return nil
		case ev, ok := <-j.sub.Events():
			if !ok {
				return nil
			}
			j.apply(ctx, ev)
			if j.sub.Degraded() {
				if err := j.resync(ctx); err != nil {
					return err
				}
			}
		}
	}
}

func (j *Journal) flush() {
	ctx := context.Background()
	for {
		select {
		case ev, ok := <-j.sub.Events():
			if !ok {
				return
			}
			j.apply(ctx, ev)
		default:
			return
		}
	}
}

// resync replaces the lossy subscription and writes the full live state.
// Events queued on the new subscription are applied afterwards and only
// move rows forward.
func (j *Journal) resync(ctx context.Context) error {
	j.log.WithField("dropped", j.sub.Dropped()).Warn("journal fell behind, resyncing from live state")
	j.sub.Close()

	sub, err := j.subscribe()
	if err != nil {
		return err
	}
	j.sub = sub
	j.resyncs.Add(1)

	if j.opts.Agents != nil {
		for _, a := range j.opts.Agents() {
			a := a
			j.check(j.store.UpsertAgent(ctx, &a), "agent", a.AgentID)
		}
	}
	if j.opts.Commands != nil {
		for _, c := range j.opts.Commands() {
			c := c
			j.check(j.store.UpsertCommand(ctx, &c), "command", c.CommandID)
		}
	}
	return nil
}

func (j *Journal) apply(ctx context.Context, ev domain.Event) {
	j.events.Add(1)
	j.check(j.store.AppendEvent(ctx, ev), "event", fmt.Sprint(ev.Sequence))

	switch ev.Topic {
	case domain.TopicAgentUpdated:
		var p domain.AgentUpdatedPayload
		if j.decode(ev, &p) {
			j.check(j.store.UpsertAgent(ctx, &p.Agent), "agent", p.Agent.AgentID)
		}
	case domain.TopicAgentRemoved:
		var p domain.AgentRemovedPayload
		if j.decode(ev, &p) {
			j.check(j.store.DeleteAgent(ctx, p.AgentID), "agent", p.AgentID)
		}
	case domain.TopicCommandStateChanged:
		var p domain.CommandStateChangedPayload
		if j.decode(ev, &p) {
			j.check(j.store.UpsertCommand(ctx, &p.Command), "command", p.Command.CommandID)
		}
	}
}

func (j *Journal) decode(ev domain.Event, v interface{}) bool {
	if err := json.Unmarshal(ev.Payload, v); err != nil {
		j.errors.Add(1)
		j.log.WithError(err).WithFields(logrus.Fields{
			"sequence": ev.Sequence,
			"topic":    ev.Topic,
		}).Error("undecodable event payload")
		return false
	}
	return true
}

func (j *Journal) check(err error, kind, id string) {
	if err == nil {
		return
	}
	j.errors.Add(1)
	j.log.WithError(err).WithField(kind, id).Error("journal write failed")
}

// Stats returns the journal counters.
func (j *Journal) Stats() Stats {
	return Stats{
		Events:  j.events.Load(),
		Errors:  j.errors.Load(),
		Resyncs: j.resyncs.Load(),
	}
}
