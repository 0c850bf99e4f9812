// Package gateway turns event bus subscriptions into per-connection streams:
// a consistent snapshot first, then live deltas.
package gateway

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/xiaot623/fleetd/internal/domain"
	"github.com/xiaot623/fleetd/internal/eventbus"
)

// Bus is the event bus as seen by the gateway.
type Bus interface {
	Subscribe(topics []domain.Topic, from *uint64) (*eventbus.Subscription, error)
	Head() uint64
}

// Registry lists agents for snapshots.
type Registry interface {
	List(filter domain.AgentFilter) []domain.Agent
}

// Commands summarizes pending commands for snapshots.
type Commands interface {
	PendingSummary() domain.PendingSummary
}

// AttachRequest describes what a consumer wants to follow.
type AttachRequest struct {
	Topics       []domain.Topic `json:"topics,omitempty"`
	FromSequence *uint64        `json:"from_sequence,omitempty"`
}

// Gateway creates sessions. It holds no per-session state of its own.
type Gateway struct {
	bus      Bus
	registry Registry
	commands Commands
	now      func() time.Time
	log      logrus.FieldLogger
}

// New creates a Gateway.
func New(bus Bus, registry Registry, commands Commands, log logrus.FieldLogger) *Gateway {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Gateway{
		bus:      bus,
		registry: registry,
		commands: commands,
		now:      time.Now,
		log:      log,
	}
}

// Attach opens a session. Without a resume point the session subscribes live
// and carries an initial snapshot; every event after Snapshot.Sequence is
// delivered on the session, and applying one already reflected in the
// snapshot is harmless because event payloads carry full entity state.
// With a resume point, retained events after it are replayed and no snapshot
// is taken. SequenceTooOld tells the caller to attach again without one.
func (g *Gateway) Attach(ctx context.Context, req AttachRequest) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub, err := g.bus.Subscribe(req.Topics, req.FromSequence)
	if err != nil {
		return nil, err
	}

	s := &Session{
		id:  "sess_" + uuid.New().String()[:8],
		sub: sub,
		gw:  g,
	}
	if req.FromSequence == nil {
		snap := g.snapshot(sub.StartSequence())
		s.initial = &snap
	}

	g.log.WithFields(logrus.Fields{
		"session_id": s.id,
		"topics":     sub.Topics(),
		"resumed":    req.FromSequence != nil,
	}).Debug("session attached")
	return s, nil
}

// Snapshot returns the current fleet state without a session.
func (g *Gateway) Snapshot() domain.Snapshot {
	return g.snapshot(g.bus.Head())
}

func (g *Gateway) snapshot(seq uint64) domain.Snapshot {
	agents := g.registry.List(domain.AgentFilter{})
	if agents == nil {
		agents = []domain.Agent{}
	}
	var pending domain.PendingSummary
	if g.commands != nil {
		pending = g.commands.PendingSummary()
	}
	return domain.Snapshot{
		Sequence: seq,
		Agents:   agents,
		Pending:  pending,
		TakenAt:  g.now(),
	}
}

// Session is one consumer's view of the bus. It ends when closed or when the
// underlying subscription loses events.
type Session struct {
	id      string
	sub     *eventbus.Subscription
	gw      *Gateway
	initial *domain.Snapshot
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Initial returns the snapshot taken at attach, or nil for a resumed session.
func (s *Session) Initial() *domain.Snapshot { return s.initial }

// Events streams the session's events. The channel closes with the session.
func (s *Session) Events() <-chan domain.Event { return s.sub.Events() }

// Degraded reports whether events were dropped. A degraded session must be
// replaced by a fresh attach.
func (s *Session) Degraded() bool { return s.sub.Degraded() }

// Dropped returns the number of events lost to backpressure.
func (s *Session) Dropped() int64 { return s.sub.Dropped() }

// Snapshot regenerates the full state for reconciliation. Events still
// queued on the session may already be reflected in it.
func (s *Session) Snapshot() domain.Snapshot {
	return s.gw.Snapshot()
}

// Close discards the session.
func (s *Session) Close() { s.sub.Close() }
