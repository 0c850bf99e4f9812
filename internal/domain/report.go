package domain

import (
	"encoding/json"
	"time"
)

// Report priority bounds.
const (
	MinReportPriority = 1
	MaxReportPriority = 5
)

// Report is an inbound data unit. SourceAgentID is empty for system-origin reports.
type Report struct {
	SourceAgentID string          `json:"source_agent_id,omitempty"`
	Category      ReportCategory  `json:"category"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Priority      int             `json:"priority"`
}

// CategoryStats aggregates reports of one category.
type CategoryStats struct {
	Reports int64 `json:"reports"`
	Bytes   int64 `json:"bytes"`
}

// IngestStats is a point-in-time view of ingest aggregates.
type IngestStats struct {
	Categories       map[ReportCategory]CategoryStats `json:"categories"`
	Dropped          int64                            `json:"dropped"`
	Alerts           int64                            `json:"alerts"`
	ThroughputPerSec float64                          `json:"throughput_per_sec"`
	UpdatedAt        time.Time                        `json:"updated_at"`
}
