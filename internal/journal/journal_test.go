package journal

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/fleetd/internal/domain"
	"github.com/xiaot623/fleetd/internal/eventbus"
	"github.com/xiaot623/fleetd/internal/logger"
	"github.com/xiaot623/fleetd/internal/registry"
	"github.com/xiaot623/fleetd/tests/helpers"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return t0 }

// runToCompletion runs j with an already cancelled context, which applies
// everything queued and returns.
func runToCompletion(t *testing.T, j *Journal) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, j.Run(ctx))
}

func TestJournalProjectsEvents(t *testing.T) {
	s := helpers.NewTestSQLiteStore(t)
	bus := eventbus.New(eventbus.Options{Now: clock})
	reg := registry.New(bus, registry.Options{Now: clock, Logger: logger.Discard()})

	j, err := New(bus, s, Options{Logger: logger.Discard()})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = reg.Upsert("a1", map[string]interface{}{"os": "linux"})
	require.NoError(t, err)
	_, err = reg.Upsert("a2", nil)
	require.NoError(t, err)
	_, err = reg.TransitionStatus("a2", domain.AgentStatusDestroyed)
	require.NoError(t, err)
	require.NoError(t, reg.Purge("a2"))

	_, err = bus.Publish(domain.TopicCommandStateChanged, "c1", domain.CommandStateChangedPayload{
		Command: domain.Command{
			CommandID: "c1", TargetID: "a1", Verb: "noop",
			State: domain.CommandStateQueued, CreatedAt: t0, LastTransitionAt: t0,
		},
		PreviousState: domain.CommandStateCreated,
	})
	require.NoError(t, err)
	_, err = bus.Publish(domain.TopicAlertRaised, "a1", domain.AlertRaisedPayload{Priority: 5})
	require.NoError(t, err)

	runToCompletion(t, j)

	agents, err := s.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "a1", agents[0].AgentID)
	assert.Equal(t, "linux", agents[0].Profile["os"])

	cmd, err := s.GetCommand(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, cmd)
	assert.Equal(t, domain.CommandStateQueued, cmd.State)

	events, err := s.RecentEvents(ctx, 100)
	require.NoError(t, err)
	assert.Len(t, events, 6)
	assert.Equal(t, Stats{Events: 6}, j.Stats())
}

func TestJournalResyncsAfterFallingBehind(t *testing.T) {
	s := helpers.NewTestSQLiteStore(t)
	bus := eventbus.New(eventbus.Options{Now: clock})
	reg := registry.New(bus, registry.Options{Now: clock, Logger: logger.Discard()})

	j, err := New(bus, s, Options{
		QueueDepth: 2,
		Agents:     func() []domain.Agent { return reg.List(domain.AgentFilter{}) },
		Logger:     logger.Discard(),
	})
	require.NoError(t, err)

	for _, id := range []string{"a1", "a2", "a3", "a4", "a5"} {
		_, err := reg.Upsert(id, nil)
		require.NoError(t, err)
	}

	runToCompletion(t, j)

	agents, err := s.ListAgents(context.Background())
	require.NoError(t, err)
	assert.Len(t, agents, 5)
	assert.Equal(t, int64(1), j.Stats().Resyncs)
}

func TestJournalSkipsUndecodablePayload(t *testing.T) {
	s := helpers.NewTestSQLiteStore(t)
	bus := eventbus.New(eventbus.Options{Now: clock})
	j, err := New(bus, s, Options{Logger: logger.Discard()})
	require.NoError(t, err)

	_, err = bus.Publish(domain.TopicAgentRemoved, "a1", json.RawMessage(`"not an object"`))
	require.NoError(t, err)

	runToCompletion(t, j)
	assert.Equal(t, Stats{Events: 1, Errors: 1}, j.Stats())
}

type restoredCommands struct{ cmds []domain.Command }

func (r *restoredCommands) Restore(cmds []domain.Command) { r.cmds = cmds }

func TestRecover(t *testing.T) {
	s := helpers.NewTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertAgent(ctx, &domain.Agent{
		AgentID: "a1", Status: domain.AgentStatusInactive, RiskLevel: domain.RiskLevelHigh, LastCheckin: t0,
	}))
	old := t0.Add(-2 * time.Hour)
	require.NoError(t, s.UpsertCommand(ctx, &domain.Command{
		CommandID: "old", TargetID: "a1", Verb: "noop", State: domain.CommandStateAcknowledged,
		CreatedAt: old, LastTransitionAt: old,
	}))
	require.NoError(t, s.UpsertCommand(ctx, &domain.Command{
		CommandID: "live", TargetID: "a1", Verb: "noop", State: domain.CommandStateDelivered,
		CreatedAt: old, LastTransitionAt: old,
	}))
	for seq := uint64(1); seq <= 4; seq++ {
		require.NoError(t, s.AppendEvent(ctx, domain.Event{
			Sequence: seq, Topic: domain.TopicAgentUpdated, Payload: json.RawMessage(`{}`), Timestamp: t0,
		}))
	}

	bus := eventbus.New(eventbus.Options{Now: clock})
	reg := registry.New(bus, registry.Options{Now: clock, Logger: logger.Discard()})
	disp := &restoredCommands{}

	err := Recover(ctx, s, Targets{Registry: reg, Dispatcher: disp, Bus: bus}, RecoverOptions{
		Retention:   time.Hour,
		EventWindow: 3,
		Now:         clock,
		Logger:      logger.Discard(),
	})
	require.NoError(t, err)

	a, err := reg.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, domain.AgentStatusInactive, a.Status)
	assert.Equal(t, domain.RiskLevelHigh, a.RiskLevel)

	require.Len(t, disp.cmds, 1)
	assert.Equal(t, "live", disp.cmds[0].CommandID)

	assert.Equal(t, uint64(4), bus.Head())
	// Sequence 1 was not loaded, so resuming before it must fail.
	from := uint64(0)
	_, err = bus.Subscribe(nil, &from)
	assert.ErrorIs(t, err, domain.ErrSequenceTooOld)
	from = 1
	sub, err := bus.Subscribe(nil, &from)
	require.NoError(t, err)
	defer sub.Close()
	assert.Len(t, sub.Events(), 3)

	ev, err := bus.Publish(domain.TopicAlertRaised, "", domain.AlertRaisedPayload{})
	require.NoError(t, err)
	assert.Equal(t, uint64(5), ev.Sequence)
}
