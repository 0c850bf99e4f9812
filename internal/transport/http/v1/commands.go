package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/fleetd/internal/domain"
)

// SubmitCommand queues a command for one agent or a broadcast set.
// POST /v1/commands
func (h *Handler) SubmitCommand(c echo.Context) error {
	var req domain.SubmitRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	handle, err := h.deps.Dispatcher.Submit(c.Request().Context(), req)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusAccepted, handle)
}

// ListCommands lists commands, newest first.
// GET /v1/commands?state=&target_id=&pending=
func (h *Handler) ListCommands(c echo.Context) error {
	filter := domain.CommandFilter{
		State:    domain.CommandState(c.QueryParam("state")),
		TargetID: c.QueryParam("target_id"),
		Pending:  c.QueryParam("pending") == "true",
	}
	if filter.State != "" && !filter.State.Valid() {
		return badRequest(c, "invalid state")
	}

	cmds := h.deps.Dispatcher.List(filter)
	if cmds == nil {
		cmds = []domain.Command{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"commands": cmds,
	})
}

// GetCommand gets a command by ID.
// GET /v1/commands/:command_id
func (h *Handler) GetCommand(c echo.Context) error {
	cmd, err := h.deps.Dispatcher.Get(c.Request().Context(), c.Param("command_id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, cmd)
}

// AckCommand records the agent's result for a delivered command. It is
// called by delivery transports, not operators.
// POST /v1/commands/:command_id/ack
func (h *Handler) AckCommand(c echo.Context) error {
	var req domain.AckResult
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	cmd, err := h.deps.Dispatcher.Acknowledge(c.Request().Context(), c.Param("command_id"), req)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, cmd)
}
