package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/fleetd/internal/domain"
)

// Checkin applies an agent check-in and returns the agent's claimed commands.
// POST /v1/agents/:agent_id/checkin
func (h *Handler) Checkin(c echo.Context) error {
	var req domain.CheckinRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	result, err := h.deps.Ingest.Checkin(c.Request().Context(), c.Param("agent_id"), req)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// ListAgents lists agents matching the query filter.
// GET /v1/agents?status=&risk=&q=
func (h *Handler) ListAgents(c echo.Context) error {
	filter := domain.AgentFilter{
		Status:    domain.AgentStatus(c.QueryParam("status")),
		RiskLevel: domain.RiskLevel(c.QueryParam("risk")),
		Query:     c.QueryParam("q"),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return badRequest(c, "invalid status")
	}
	if filter.RiskLevel != "" && !filter.RiskLevel.Valid() {
		return badRequest(c, "invalid risk")
	}

	agents := h.deps.Registry.List(filter)
	if agents == nil {
		agents = []domain.Agent{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"agents": agents,
	})
}

// GetAgent gets a specific agent by ID.
// GET /v1/agents/:agent_id
func (h *Handler) GetAgent(c echo.Context) error {
	agent, err := h.deps.Registry.Get(c.Param("agent_id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, agent)
}

// ChangeStatus moves an agent along the status graph.
// POST /v1/agents/:agent_id/status
func (h *Handler) ChangeStatus(c echo.Context) error {
	var req domain.StatusChangeRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Status == "" {
		return badRequest(c, "status is required")
	}

	agent, err := h.deps.Registry.TransitionStatus(c.Param("agent_id"), req.Status)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, agent)
}

// ChangeRisk sets an agent's risk level.
// PUT /v1/agents/:agent_id/risk
func (h *Handler) ChangeRisk(c echo.Context) error {
	var req domain.RiskChangeRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if !req.RiskLevel.Valid() {
		return badRequest(c, "invalid risk_level")
	}

	agent, err := h.deps.Registry.SetRiskLevel(c.Param("agent_id"), req.RiskLevel)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, agent)
}

// PurgeAgent removes a destroyed agent.
// DELETE /v1/agents/:agent_id
func (h *Handler) PurgeAgent(c echo.Context) error {
	if err := h.deps.Registry.Purge(c.Param("agent_id")); err != nil {
		return respondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
