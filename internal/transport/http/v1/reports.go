package v1

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/fleetd/internal/domain"
	store "github.com/xiaot623/fleetd/internal/repository"
)

const defaultReportLimit = 100

// SubmitReport ingests a single report. Reports without a source are system-origin.
// POST /v1/reports
func (h *Handler) SubmitReport(c echo.Context) error {
	var report domain.Report
	if err := c.Bind(&report); err != nil {
		return badRequest(c, "invalid request body")
	}

	if err := h.deps.Ingest.ApplyReport(c.Request().Context(), report); err != nil {
		// Ingest has already logged and counted it.
		if domain.KindOf(err) == domain.KindUnknownCategory {
			return c.JSON(http.StatusAccepted, map[string]interface{}{
				"ok":      false,
				"dropped": string(domain.KindUnknownCategory),
			})
		}
		return respondError(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"ok": true,
	})
}

// ListReports reads the report archive, newest first.
// GET /v1/reports?source_agent_id=&category=&min_priority=&limit=
func (h *Handler) ListReports(c echo.Context) error {
	if h.deps.Reports == nil {
		return respondError(c, domain.Unavailablef("report archive is not configured"))
	}

	filter := store.ReportFilter{
		SourceAgentID: c.QueryParam("source_agent_id"),
		Category:      domain.ReportCategory(c.QueryParam("category")),
		Limit:         defaultReportLimit,
	}
	if v := c.QueryParam("min_priority"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return badRequest(c, "invalid min_priority")
		}
		filter.MinPriority = p
	}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return badRequest(c, "invalid limit")
		}
		filter.Limit = n
	}

	reports, err := h.deps.Reports.ListReports(c.Request().Context(), filter)
	if err != nil {
		return respondError(c, err)
	}
	if reports == nil {
		reports = []domain.Report{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"reports": reports,
	})
}
