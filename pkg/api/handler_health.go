package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/conclave-ai/conclave/pkg/version"
)

const (
	healthStatusHealthy  = "healthy"
	healthStatusDegraded = "degraded"
)

// HealthCheck is one named component check.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is the GET /health body.
type HealthResponse struct {
	Status   string                 `json:"status"`
	Version  string                 `json:"version"`
	Sessions int                    `json:"sessions"`
	Checks   map[string]HealthCheck `json:"checks"`
}

// healthHandler handles GET /health. Unauthenticated; reports only the
// runtime's own components so an orchestrator never restarts conclave
// because an upstream LLM is down.
func (s *Server) healthHandler(c *echo.Context) error {
	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	if s.providers != nil {
		unhealthy := 0
		names := s.providers.Names()
		for _, name := range names {
			if ok, err := s.providers.Healthy(name); err == nil && !ok {
				unhealthy++
			}
		}
		if unhealthy == 0 {
			checks["providers"] = HealthCheck{Status: healthStatusHealthy}
		} else {
			status = healthStatusDegraded
			checks["providers"] = HealthCheck{
				Status:  healthStatusDegraded,
				Message: "some providers are unhealthy",
			}
		}
	}
	if s.hub != nil {
		checks["stream"] = HealthCheck{Status: healthStatusHealthy}
	}

	return c.JSON(http.StatusOK, &HealthResponse{
		Status:   status,
		Version:  version.GitCommit,
		Sessions: s.coord.Sessions().Count(),
		Checks:   checks,
	})
}
