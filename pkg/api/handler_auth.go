package api

import (
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/conclave-ai/conclave/pkg/audit"
	"github.com/conclave-ai/conclave/pkg/auth"
)

type tokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// tokenTTL is the lifetime of tokens issued over HTTP.
const tokenTTL = time.Hour

// tokenHandler handles POST /api/v1/auth/token.
func (s *Server) tokenHandler(c *echo.Context) error {
	var req tokenRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Username == "" || req.Password == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "username and password are required")
	}

	if req.Username != s.adminUser || !auth.VerifyPassword(req.Password, s.adminPasswordHash) {
		s.auditEvent(audit.Event{
			Type:     "auth.token_denied",
			Severity: audit.SeverityWarning,
			UserID:   req.Username,
			Action:   "issue_token",
			Result:   audit.ResultFailure,
			Source:   c.RealIP(),
		})
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
	}

	token, err := s.tokens.Sign(req.Username, auth.TokenAccess, nil, tokenTTL)
	if err != nil {
		return mapAppError(err)
	}

	s.auditEvent(audit.Event{
		Type:     "auth.token_issued",
		Severity: audit.SeverityInfo,
		UserID:   req.Username,
		Action:   "issue_token",
		Source:   c.RealIP(),
	})

	return c.JSON(http.StatusOK, &tokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int(tokenTTL.Seconds()),
	})
}

// auditEvent records an API-level audit event, dropping it silently when
// no audit log is configured.
func (s *Server) auditEvent(e audit.Event) {
	if s.audit == nil {
		return
	}
	_, _ = s.audit.Record(e)
}
