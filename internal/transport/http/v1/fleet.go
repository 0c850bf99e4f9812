package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Snapshot returns the full fleet state.
// GET /v1/snapshot
func (h *Handler) Snapshot(c echo.Context) error {
	return c.JSON(http.StatusOK, h.deps.Snapshots.Snapshot())
}

// Stats returns agent counts, pending commands and ingest aggregates.
// GET /v1/stats
func (h *Handler) Stats(c echo.Context) error {
	pending := h.deps.Dispatcher.PendingSummary()
	resp := map[string]interface{}{
		"agents": h.deps.Registry.Counts(),
		"commands": map[string]int{
			"queued":    pending.Queued,
			"delivered": pending.Delivered,
		},
		"ingest": h.deps.Ingest.Stats(),
	}
	if h.deps.Extra != nil {
		for k, v := range h.deps.Extra() {
			resp[k] = v
		}
	}
	return c.JSON(http.StatusOK, resp)
}
