package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/fleetd/internal/domain"
	"github.com/xiaot623/fleetd/internal/eventbus"
	"github.com/xiaot623/fleetd/internal/logger"
	"github.com/xiaot623/fleetd/internal/registry"
)

type memorySink struct {
	mu      sync.Mutex
	reports []domain.Report
	err     error
}

func (s *memorySink) SaveReport(_ context.Context, r domain.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.reports = append(s.reports, r)
	return nil
}

type fakeClaimer struct {
	pending map[string][]domain.Command
}

func (c *fakeClaimer) ClaimPending(agentID string) []domain.Command {
	out := c.pending[agentID]
	delete(c.pending, agentID)
	return out
}

type env struct {
	ing  *Ingestor
	reg  *registry.Registry
	bus  *eventbus.Bus
	sink *memorySink
	now  time.Time
}

func newEnv(t *testing.T, claimer CommandClaimer) *env {
	t.Helper()
	e := &env{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), sink: &memorySink{}}
	clock := func() time.Time { return e.now }
	e.bus = eventbus.New(eventbus.Options{Now: clock})
	e.reg = registry.New(e.bus, registry.Options{Now: clock, Logger: logger.Discard()})
	e.ing = New(e.reg, e.bus, Options{
		AlertThreshold:   4,
		ThroughputWindow: 10 * time.Second,
		Claimer:          claimer,
		Sink:             e.sink,
		Now:              clock,
		Logger:           logger.Discard(),
	})
	return e
}

func topics(events []domain.Event) []domain.Topic {
	out := make([]domain.Topic, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Topic)
	}
	return out
}

func collect(sub *eventbus.Subscription) []domain.Event {
	var out []domain.Event
	for {
		select {
		case ev := <-sub.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestApplyReportUpdatesAggregatesAndPublishes(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	sub, err := e.bus.Subscribe(nil, nil)
	require.NoError(t, err)
	defer sub.Close()

	err = e.ing.ApplyReport(ctx, domain.Report{
		SourceAgentID: "a1",
		Category:      domain.ReportCategoryTelemetry,
		Payload:       json.RawMessage(`{"cpu":0.5}`),
	})
	require.NoError(t, err)

	assert.Equal(t, []domain.Topic{domain.TopicAgentUpdated, domain.TopicReportReceived}, topics(collect(sub)))

	stats := e.ing.Stats()
	assert.Equal(t, int64(1), stats.Categories[domain.ReportCategoryTelemetry].Reports)
	assert.Equal(t, int64(11), stats.Categories[domain.ReportCategoryTelemetry].Bytes)
	assert.InDelta(t, 0.1, stats.ThroughputPerSec, 1e-9)

	require.Len(t, e.sink.reports, 1)
	assert.Equal(t, 1, e.sink.reports[0].Priority)
	assert.Equal(t, e.now, e.sink.reports[0].Timestamp)

	_, err = e.reg.Get("a1")
	assert.NoError(t, err)
}

func TestHighPriorityReportRaisesAlert(t *testing.T) {
	e := newEnv(t, nil)
	sub, err := e.bus.Subscribe([]domain.Topic{domain.TopicAlertRaised}, nil)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, e.ing.ApplyReport(context.Background(), domain.Report{Category: domain.ReportCategorySecurity, Priority: 3}))
	require.NoError(t, e.ing.ApplyReport(context.Background(), domain.Report{Category: domain.ReportCategorySecurity, Priority: 4}))

	events := collect(sub)
	require.Len(t, events, 1)
	var alert domain.AlertRaisedPayload
	require.NoError(t, json.Unmarshal(events[0].Payload, &alert))
	assert.Equal(t, 4, alert.Priority)
	assert.Equal(t, domain.ReportCategorySecurity, alert.Category)
	assert.Equal(t, int64(1), e.ing.Stats().Alerts)
}

func TestUnknownCategoryIsDropped(t *testing.T) {
	e := newEnv(t, nil)
	err := e.ing.ApplyReport(context.Background(), domain.Report{SourceAgentID: "a1", Category: "financial"})
	assert.ErrorIs(t, err, domain.ErrUnknownCategory)

	assert.Equal(t, int64(1), e.ing.Stats().Dropped)
	assert.Equal(t, uint64(0), e.bus.Head())
	assert.Empty(t, e.sink.reports)
	_, err = e.reg.Get("a1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestInvalidPriorityIsRejected(t *testing.T) {
	e := newEnv(t, nil)
	err := e.ing.ApplyReport(context.Background(), domain.Report{Category: domain.ReportCategoryLog, Priority: 6})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestDuplicateReportsCountTwice(t *testing.T) {
	e := newEnv(t, nil)
	r := domain.Report{Category: domain.ReportCategoryHealth, Payload: json.RawMessage(`1`)}
	require.NoError(t, e.ing.ApplyReport(context.Background(), r))
	require.NoError(t, e.ing.ApplyReport(context.Background(), r))
	assert.Equal(t, int64(2), e.ing.Stats().Categories[domain.ReportCategoryHealth].Reports)
}

func TestSinkFailureDoesNotFailReport(t *testing.T) {
	e := newEnv(t, nil)
	e.sink.err = errors.New("disk full")
	assert.NoError(t, e.ing.ApplyReport(context.Background(), domain.Report{Category: domain.ReportCategoryLog}))
}

func TestThroughputDecays(t *testing.T) {
	e := newEnv(t, nil)
	require.NoError(t, e.ing.ApplyReport(context.Background(), domain.Report{Category: domain.ReportCategoryLog}))

	e.now = e.now.Add(10 * time.Second)
	assert.InDelta(t, 0.1*math.Exp(-1), e.ing.Stats().ThroughputPerSec, 1e-9)

	// A steady stream of one report per second approaches 1/s.
	for n := 0; n < 200; n++ {
		e.now = e.now.Add(time.Second)
		require.NoError(t, e.ing.ApplyReport(context.Background(), domain.Report{Category: domain.ReportCategoryLog}))
	}
	assert.InDelta(t, 1.0, e.ing.Stats().ThroughputPerSec, 0.1)
}

func TestCheckin(t *testing.T) {
	claimer := &fakeClaimer{pending: map[string][]domain.Command{
		"a1": {{CommandID: "c1", TargetID: "a1", Verb: "noop", State: domain.CommandStateDelivered}},
	}}
	e := newEnv(t, claimer)

	res, err := e.ing.Checkin(context.Background(), "a1", domain.CheckinRequest{
		Profile:   map[string]interface{}{"hostname": "web-1"},
		RiskLevel: domain.RiskLevelHigh,
		Reports: []domain.Report{
			{Category: domain.ReportCategoryTelemetry},
			{Category: "unknown"},
			{SourceAgentID: "other", Category: domain.ReportCategoryTelemetry},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RiskLevelHigh, res.Agent.RiskLevel)
	assert.Equal(t, "web-1", res.Agent.Profile["hostname"])
	assert.Equal(t, 1, res.AcceptedReports)
	assert.Equal(t, 2, res.RejectedReports)
	require.Len(t, res.Commands, 1)
	assert.Equal(t, "c1", res.Commands[0].CommandID)

	require.Len(t, e.sink.reports, 1)
	assert.Equal(t, "a1", e.sink.reports[0].SourceAgentID)
}

func TestCheckinRejectsBadInput(t *testing.T) {
	e := newEnv(t, nil)
	_, err := e.ing.Checkin(context.Background(), "", domain.CheckinRequest{})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = e.ing.Checkin(context.Background(), "a1", domain.CheckinRequest{RiskLevel: "EXTREME"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	res, err := e.ing.Checkin(context.Background(), "a1", domain.CheckinRequest{})
	require.NoError(t, err)
	assert.NotNil(t, res.Commands)
}

func TestCheckinResumesInactiveAgent(t *testing.T) {
	e := newEnv(t, nil)
	_, err := e.ing.Checkin(context.Background(), "a1", domain.CheckinRequest{})
	require.NoError(t, err)
	_, err = e.reg.TransitionStatus("a1", domain.AgentStatusInactive)
	require.NoError(t, err)

	res, err := e.ing.Checkin(context.Background(), "a1", domain.CheckinRequest{})
	require.NoError(t, err)
	assert.Equal(t, domain.AgentStatusActive, res.Agent.Status)
}
