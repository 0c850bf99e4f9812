package store

import (
	"context"
	"time"

	"github.com/xiaot623/fleetd/internal/domain"
)

// Store defines the interface for data persistence.
type Store interface {
	// Agent operations
	UpsertAgent(ctx context.Context, agent *domain.Agent) error
	GetAgent(ctx context.Context, agentID string) (*domain.Agent, error)
	ListAgents(ctx context.Context) ([]domain.Agent, error)
	DeleteAgent(ctx context.Context, agentID string) error

	// Command operations
	UpsertCommand(ctx context.Context, cmd *domain.Command) error
	GetCommand(ctx context.Context, commandID string) (*domain.Command, error)
	ListCommands(ctx context.Context, filter domain.CommandFilter, limit int) ([]domain.Command, error)
	ListRestorableCommands(ctx context.Context, terminalSince time.Time) ([]domain.Command, error)

	// Report operations
	SaveReport(ctx context.Context, report domain.Report) error
	ListReports(ctx context.Context, filter ReportFilter) ([]domain.Report, error)

	// Event operations
	AppendEvent(ctx context.Context, event domain.Event) error
	RecentEvents(ctx context.Context, limit int) ([]domain.Event, error)

	// Lifecycle
	Close() error
}

// ReportFilter provides filtering options for archived reports.
type ReportFilter struct {
	SourceAgentID string
	Category      domain.ReportCategory
	MinPriority   int
	Limit         int
}
