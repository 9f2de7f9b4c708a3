package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/conclave-ai/conclave/pkg/audit"
	"github.com/conclave-ai/conclave/pkg/rbac"
)

type verifyAuditResponse struct {
	Intact         bool     `json:"intact"`
	BrokenEventIDs []string `json:"broken_event_ids,omitempty"`
}

// queryAuditHandler handles GET /api/v1/audit.
func (s *Server) queryAuditHandler(c *echo.Context) error {
	if err := s.requirePermission(c, rbac.PermAuditView); err != nil {
		return err
	}
	if s.audit == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "audit log not configured")
	}

	opts := audit.QueryOptions{
		UserID:       c.QueryParam("user_id"),
		ResourceType: c.QueryParam("resource_type"),
		ResourceID:   c.QueryParam("resource_id"),
		Result:       audit.Result(c.QueryParam("result")),
		MinSeverity:  audit.Severity(c.QueryParam("min_severity")),
	}
	if v := c.QueryParam("types"); v != "" {
		opts.Types = strings.Split(v, ",")
	}
	if v := c.QueryParam("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid since: must be RFC3339")
		}
		opts.Since = t
	}
	if v := c.QueryParam("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid until: must be RFC3339")
		}
		opts.Until = t
	}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		opts.Limit = n
	}

	return c.JSON(http.StatusOK, s.audit.Query(opts))
}

// verifyAuditHandler handles GET /api/v1/audit/verify.
func (s *Server) verifyAuditHandler(c *echo.Context) error {
	if err := s.requirePermission(c, rbac.PermAuditView); err != nil {
		return err
	}
	if s.audit == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "audit log not configured")
	}

	broken := s.audit.VerifyIntegrity()
	return c.JSON(http.StatusOK, &verifyAuditResponse{
		Intact:         len(broken) == 0,
		BrokenEventIDs: broken,
	})
}

// exportAuditHandler handles GET /api/v1/audit/export. A non-empty
// password query parameter produces an encrypted envelope.
func (s *Server) exportAuditHandler(c *echo.Context) error {
	if err := s.requirePermission(c, rbac.PermAuditView); err != nil {
		return err
	}
	if s.audit == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "audit log not configured")
	}

	data, err := s.audit.Export(c.QueryParam("password"))
	if err != nil {
		return mapAppError(err)
	}

	s.auditEvent(audit.Event{
		Type:     "audit.exported",
		Severity: audit.SeverityInfo,
		UserID:   principal(c),
		Action:   "export",
		Details:  map[string]any{"encrypted": c.QueryParam("password") != ""},
	})

	c.Response().Header().Set("Content-Disposition", `attachment; filename="audit-export.json"`)
	return c.Blob(http.StatusOK, "application/json", data)
}
