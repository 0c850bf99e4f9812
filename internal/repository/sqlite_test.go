package store_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/fleetd/internal/domain"
	store "github.com/xiaot623/fleetd/internal/repository"
	"github.com/xiaot623/fleetd/tests/helpers"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestAgentRoundTrip(t *testing.T) {
	s := helpers.NewTestSQLiteStore(t)
	ctx := context.Background()

	agent := &domain.Agent{
		AgentID:        "a1",
		Status:         domain.AgentStatusActive,
		RiskLevel:      domain.RiskLevelLow,
		LastCheckin:    t0,
		FirstSeen:      t0.Add(-time.Hour),
		Profile:        map[string]interface{}{"hostname": "web-1"},
		CommandHistory: []string{"c1"},
	}
	require.NoError(t, s.UpsertAgent(ctx, agent))

	agent.Status = domain.AgentStatusInactive
	require.NoError(t, s.UpsertAgent(ctx, agent))

	got, err := s.GetAgent(ctx, "a1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.AgentStatusInactive, got.Status)
	assert.Equal(t, "web-1", got.Profile["hostname"])
	assert.Equal(t, []string{"c1"}, got.CommandHistory)
	assert.True(t, got.LastCheckin.Equal(t0))
	assert.True(t, got.FirstSeen.Equal(t0.Add(-time.Hour)))

	agents, err := s.ListAgents(ctx)
	require.NoError(t, err)
	assert.Len(t, agents, 1)

	require.NoError(t, s.DeleteAgent(ctx, "a1"))
	got, err = s.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCommandUpsertKeepsNewestTransition(t *testing.T) {
	s := helpers.NewTestSQLiteStore(t)
	ctx := context.Background()

	queued := t0.Add(time.Second)
	cmd := &domain.Command{
		CommandID:        "c1",
		TargetID:         "a1",
		Verb:             "restart",
		Parameters:       json.RawMessage(`{"service":"nginx"}`),
		State:            domain.CommandStateQueued,
		TimeoutMs:        1000,
		CreatedAt:        t0,
		QueuedAt:         &queued,
		LastTransitionAt: queued,
	}
	require.NoError(t, s.UpsertCommand(ctx, cmd))

	acked := *cmd
	acked.State = domain.CommandStateAcknowledged
	acked.Result = json.RawMessage(`"ok"`)
	acked.LastTransitionAt = t0.Add(5 * time.Second)
	require.NoError(t, s.UpsertCommand(ctx, &acked))

	// A stale write must not roll the row back.
	require.NoError(t, s.UpsertCommand(ctx, cmd))

	got, err := s.GetCommand(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.CommandStateAcknowledged, got.State)
	assert.JSONEq(t, `"ok"`, string(got.Result))
	assert.JSONEq(t, `{"service":"nginx"}`, string(got.Parameters))
	require.NotNil(t, got.QueuedAt)
	assert.True(t, got.QueuedAt.Equal(queued))

	missing, err := s.GetCommand(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestBroadcastCommandFields(t *testing.T) {
	s := helpers.NewTestSQLiteStore(t)
	ctx := context.Background()

	parent := &domain.Command{
		CommandID:        "p1",
		Verb:             "noop",
		State:            domain.CommandStateQueued,
		CreatedAt:        t0,
		LastTransitionAt: t0,
		Filter:           &domain.AgentFilter{Status: domain.AgentStatusActive},
		Children:         []string{"p1:a1", "p1:a2"},
		Summary:          map[domain.CommandState]int{domain.CommandStateQueued: 2},
	}
	require.NoError(t, s.UpsertCommand(ctx, parent))

	got, err := s.GetCommand(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.IsBroadcast())
	assert.Equal(t, domain.AgentStatusActive, got.Filter.Status)
	assert.Equal(t, []string{"p1:a1", "p1:a2"}, got.Children)
	assert.Equal(t, 2, got.Summary[domain.CommandStateQueued])
}

func TestListCommands(t *testing.T) {
	s := helpers.NewTestSQLiteStore(t)
	ctx := context.Background()

	states := []domain.CommandState{
		domain.CommandStateQueued,
		domain.CommandStateDelivered,
		domain.CommandStateAcknowledged,
		domain.CommandStateTimedOut,
	}
	for i, st := range states {
		ts := t0.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.UpsertCommand(ctx, &domain.Command{
			CommandID:        string(rune('a' + i)),
			TargetID:         "a1",
			Verb:             "noop",
			State:            st,
			CreatedAt:        ts,
			LastTransitionAt: ts,
		}))
	}

	pending, err := s.ListCommands(ctx, domain.CommandFilter{Pending: true}, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "b", pending[0].CommandID)

	limited, err := s.ListCommands(ctx, domain.CommandFilter{TargetID: "a1"}, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "d", limited[0].CommandID)

	restorable, err := s.ListRestorableCommands(ctx, t0.Add(3*time.Minute))
	require.NoError(t, err)
	var ids []string
	for _, c := range restorable {
		ids = append(ids, c.CommandID)
	}
	assert.Equal(t, []string{"a", "b", "d"}, ids)
}

func TestReports(t *testing.T) {
	s := helpers.NewTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveReport(ctx, domain.Report{
		SourceAgentID: "a1", Category: domain.ReportCategoryTelemetry, Priority: 1, Timestamp: t0,
		Payload: json.RawMessage(`{"cpu":1}`),
	}))
	require.NoError(t, s.SaveReport(ctx, domain.Report{
		SourceAgentID: "a2", Category: domain.ReportCategorySecurity, Priority: 5, Timestamp: t0.Add(time.Second),
	}))

	all, err := s.ListReports(ctx, store.ReportFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a2", all[0].SourceAgentID)

	urgent, err := s.ListReports(ctx, store.ReportFilter{MinPriority: 4})
	require.NoError(t, err)
	require.Len(t, urgent, 1)
	assert.Equal(t, domain.ReportCategorySecurity, urgent[0].Category)

	byAgent, err := s.ListReports(ctx, store.ReportFilter{SourceAgentID: "a1"})
	require.NoError(t, err)
	require.Len(t, byAgent, 1)
	assert.JSONEq(t, `{"cpu":1}`, string(byAgent[0].Payload))
}

func TestRecentEvents(t *testing.T) {
	s := helpers.NewTestSQLiteStore(t)
	ctx := context.Background()

	for seq := uint64(1); seq <= 5; seq++ {
		require.NoError(t, s.AppendEvent(ctx, domain.Event{
			Sequence:  seq,
			Topic:     domain.TopicAgentUpdated,
			Key:       "a1",
			Payload:   json.RawMessage(`{}`),
			Timestamp: t0,
		}))
	}
	// Duplicate sequence numbers are ignored.
	require.NoError(t, s.AppendEvent(ctx, domain.Event{Sequence: 5, Topic: domain.TopicAlertRaised, Timestamp: t0}))

	events, err := s.RecentEvents(ctx, 3)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, uint64(3), events[0].Sequence)
	assert.Equal(t, uint64(5), events[2].Sequence)
	assert.Equal(t, domain.TopicAgentUpdated, events[2].Topic)
}
