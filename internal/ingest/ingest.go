// Package ingest applies agent check-ins and reports.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xiaot623/fleetd/internal/domain"
	"github.com/xiaot623/fleetd/internal/metrics"
)

// Registry is the agent registry as seen by ingest.
type Registry interface {
	Upsert(id string, profileDelta map[string]interface{}) (domain.Agent, error)
	SetRiskLevel(id string, level domain.RiskLevel) (domain.Agent, error)
}

// Publisher is the subset of the event bus ingest needs.
type Publisher interface {
	Publish(topic domain.Topic, key string, payload interface{}) (domain.Event, error)
}

// CommandClaimer hands out an agent's queued commands on check-in.
type CommandClaimer interface {
	ClaimPending(agentID string) []domain.Command
}

// ReportSink archives accepted reports.
type ReportSink interface {
	SaveReport(ctx context.Context, report domain.Report) error
}

// Options configures an Ingestor.
type Options struct {
	Categories       []domain.ReportCategory
	AlertThreshold   int
	ThroughputWindow time.Duration
	Claimer          CommandClaimer
	Sink             ReportSink
	Now              func() time.Time
	Logger           logrus.FieldLogger
	Metrics          *metrics.Metrics
}

// Ingestor validates inbound data, updates the registry and publishes events.
// It does not deduplicate: delivering the same report twice counts it twice.
type Ingestor struct {
	registry   Registry
	bus        Publisher
	claimer    CommandClaimer
	sink       ReportSink
	categories map[domain.ReportCategory]bool
	threshold  int
	agg        *aggregates

	now     func() time.Time
	log     logrus.FieldLogger
	metrics *metrics.Metrics
}

// New creates an Ingestor.
func New(registry Registry, bus Publisher, opts Options) *Ingestor {
	if len(opts.Categories) == 0 {
		opts.Categories = domain.DefaultReportCategories
	}
	if opts.AlertThreshold <= 0 {
		opts.AlertThreshold = 4
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	categories := make(map[domain.ReportCategory]bool, len(opts.Categories))
	for _, c := range opts.Categories {
		categories[c] = true
	}

	return &Ingestor{
		registry:   registry,
		bus:        bus,
		claimer:    opts.Claimer,
		sink:       opts.Sink,
		categories: categories,
		threshold:  opts.AlertThreshold,
		agg:        newAggregates(opts.ThroughputWindow),
		now:        opts.Now,
		log:        opts.Logger,
		metrics:    opts.Metrics,
	}
}

// ApplyReport validates and applies a single report. A report from an agent
// also counts as a check-in for that agent.
func (i *Ingestor) ApplyReport(ctx context.Context, report domain.Report) error {
	return i.apply(ctx, report, true)
}

func (i *Ingestor) apply(ctx context.Context, report domain.Report, touchAgent bool) error {
	if err := i.validate(&report); err != nil {
		i.agg.drop()
		i.metrics.IncReportDropped(string(domain.KindOf(err)))
		i.log.WithError(err).WithFields(logrus.Fields{
			"category":        report.Category,
			"source_agent_id": report.SourceAgentID,
		}).Warn("report dropped")
		return err
	}

	if touchAgent && report.SourceAgentID != "" {
		if _, err := i.registry.Upsert(report.SourceAgentID, nil); err != nil {
			i.agg.drop()
			i.metrics.IncReportDropped(string(domain.KindOf(err)))
			return err
		}
	}

	size := len(report.Payload)
	i.agg.record(report.Category, size, i.now())
	i.metrics.IncReport(string(report.Category), size)

	if i.sink != nil {
		if err := i.sink.SaveReport(ctx, report); err != nil {
			i.log.WithError(err).WithField("category", report.Category).Warn("failed to archive report")
		}
	}

	i.publish(domain.TopicReportReceived, report.SourceAgentID, domain.ReportReceivedPayload{Report: report, Bytes: size})

	if report.Priority >= i.threshold {
		i.agg.alert()
		i.metrics.IncAlert()
		i.publish(domain.TopicAlertRaised, report.SourceAgentID, domain.AlertRaisedPayload{
			SourceAgentID: report.SourceAgentID,
			Category:      report.Category,
			Priority:      report.Priority,
			Reason:        fmt.Sprintf("%s report with priority %d", report.Category, report.Priority),
			ReportedAt:    report.Timestamp,
		})
	}
	return nil
}

func (i *Ingestor) validate(report *domain.Report) error {
	if !i.categories[report.Category] {
		return domain.UnknownCategory(report.Category)
	}
	if report.Priority == 0 {
		report.Priority = domain.MinReportPriority
	}
	if report.Priority < domain.MinReportPriority || report.Priority > domain.MaxReportPriority {
		return domain.Validationf("priority must be between %d and %d, got %d",
			domain.MinReportPriority, domain.MaxReportPriority, report.Priority)
	}
	if len(report.Payload) > 0 && !json.Valid(report.Payload) {
		return domain.Validationf("report payload must be valid JSON")
	}
	if report.Timestamp.IsZero() {
		report.Timestamp = i.now()
	}
	return nil
}

func (i *Ingestor) publish(topic domain.Topic, key string, payload interface{}) {
	if _, err := i.bus.Publish(topic, key, payload); err != nil {
		i.log.WithError(err).WithField("topic", topic).Warn("failed to publish")
	}
}

// Checkin applies an agent check-in: profile delta, optional risk level and
// attached reports. Rejected reports are counted in the result rather than
// failing the check-in. The agent's queued commands are claimed and returned.
func (i *Ingestor) Checkin(ctx context.Context, agentID string, req domain.CheckinRequest) (domain.CheckinResult, error) {
	if req.RiskLevel != "" && !req.RiskLevel.Valid() {
		return domain.CheckinResult{}, domain.Validationf("invalid risk level %q", req.RiskLevel)
	}

	agent, err := i.registry.Upsert(agentID, req.Profile)
	if err != nil {
		return domain.CheckinResult{}, err
	}
	if req.RiskLevel != "" {
		if agent, err = i.registry.SetRiskLevel(agentID, req.RiskLevel); err != nil {
			return domain.CheckinResult{}, err
		}
	}

	result := domain.CheckinResult{Agent: agent, Commands: []domain.Command{}}
	for _, report := range req.Reports {
		if report.SourceAgentID == "" {
			report.SourceAgentID = agentID
		}
		if report.SourceAgentID != agentID {
			result.RejectedReports++
			i.agg.drop()
			i.metrics.IncReportDropped(string(domain.KindValidation))
			continue
		}
		if err := i.apply(ctx, report, false); err != nil {
			result.RejectedReports++
			continue
		}
		result.AcceptedReports++
	}

	if i.claimer != nil {
		if claimed := i.claimer.ClaimPending(agentID); len(claimed) > 0 {
			result.Commands = claimed
		}
	}
	return result, nil
}

// Stats returns the current aggregates.
func (i *Ingestor) Stats() domain.IngestStats {
	return i.agg.snapshot(i.now())
}

// Categories lists the accepted report categories.
func (i *Ingestor) Categories() []domain.ReportCategory {
	out := make([]domain.ReportCategory, 0, len(i.categories))
	for c := range i.categories {
		out = append(out, c)
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out
}
