// Package v1 provides the operator and agent HTTP API.
package v1

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/fleetd/internal/domain"
	store "github.com/xiaot623/fleetd/internal/repository"
)

// Registry is the agent registry as seen by the API.
type Registry interface {
	Get(id string) (domain.Agent, error)
	List(filter domain.AgentFilter) []domain.Agent
	TransitionStatus(id string, status domain.AgentStatus) (domain.Agent, error)
	SetRiskLevel(id string, level domain.RiskLevel) (domain.Agent, error)
	Purge(id string) error
	Counts() map[domain.AgentStatus]int
}

// Ingest applies check-ins and reports.
type Ingest interface {
	Checkin(ctx context.Context, agentID string, req domain.CheckinRequest) (domain.CheckinResult, error)
	ApplyReport(ctx context.Context, report domain.Report) error
	Stats() domain.IngestStats
}

// Dispatcher manages commands.
type Dispatcher interface {
	Submit(ctx context.Context, req domain.SubmitRequest) (domain.CommandHandle, error)
	Acknowledge(ctx context.Context, commandID string, result domain.AckResult) (domain.Command, error)
	Get(ctx context.Context, commandID string) (domain.Command, error)
	List(filter domain.CommandFilter) []domain.Command
	PendingSummary() domain.PendingSummary
}

// Snapshotter produces full fleet snapshots.
type Snapshotter interface {
	Snapshot() domain.Snapshot
}

// ReportArchive reads archived reports.
type ReportArchive interface {
	ListReports(ctx context.Context, filter store.ReportFilter) ([]domain.Report, error)
}

// Deps wires the handler. Reports, Stream and Extra are optional.
type Deps struct {
	Registry   Registry
	Ingest     Ingest
	Dispatcher Dispatcher
	Snapshots  Snapshotter
	Reports    ReportArchive
	Stream     echo.HandlerFunc
	// Extra adds process-level figures (bus head, connections) to stats and health.
	Extra func() map[string]interface{}
}

// Handler handles HTTP requests.
type Handler struct {
	deps Deps
}

// NewHandler creates a new handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{deps: deps}
}

// RegisterRoutes registers the operator API with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// Agents
	e.GET("/v1/agents", h.ListAgents)
	e.GET("/v1/agents/:agent_id", h.GetAgent)
	e.POST("/v1/agents/:agent_id/status", h.ChangeStatus)
	e.PUT("/v1/agents/:agent_id/risk", h.ChangeRisk)
	e.DELETE("/v1/agents/:agent_id", h.PurgeAgent)

	// Reports
	e.GET("/v1/reports", h.ListReports)

	// Commands
	e.POST("/v1/commands", h.SubmitCommand)
	e.GET("/v1/commands", h.ListCommands)
	e.GET("/v1/commands/:command_id", h.GetCommand)

	// Fleet view
	e.GET("/v1/snapshot", h.Snapshot)
	e.GET("/v1/stats", h.Stats)
	if h.deps.Stream != nil {
		e.GET("/v1/stream", h.deps.Stream)
	}

	e.GET("/health", h.Health)
}

// RegisterInternalRoutes registers the endpoints agents and delivery
// transports call: check-in, report upload and command acknowledgement.
func (h *Handler) RegisterInternalRoutes(e *echo.Echo) {
	e.POST("/v1/agents/:agent_id/checkin", h.Checkin)
	e.POST("/v1/reports", h.SubmitReport)
	e.POST("/v1/commands/:command_id/ack", h.AckCommand)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	resp := map[string]interface{}{
		"status": "healthy",
		"agents": h.deps.Registry.Counts(),
	}
	if h.deps.Extra != nil {
		for k, v := range h.deps.Extra() {
			resp[k] = v
		}
	}
	return c.JSON(http.StatusOK, resp)
}
