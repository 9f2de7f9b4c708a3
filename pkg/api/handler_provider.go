package api

import (
	"encoding/json"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/conclave-ai/conclave/pkg/provider"
	"github.com/conclave-ai/conclave/pkg/rbac"
)

type completeRequest struct {
	provider.Request
	Stream bool `json:"stream"`
}

type providerInfo struct {
	Name    string           `json:"name"`
	Healthy bool             `json:"healthy"`
	Status  provider.Status  `json:"status"`
	Metrics provider.Metrics `json:"metrics"`
}

type providersResponse struct {
	Providers []providerInfo      `json:"providers"`
	Cache     provider.CacheStats `json:"cache"`
}

// completeHandler handles POST /api/v1/complete. With "stream": true the
// response is delivered as SSE frames instead of a single JSON body.
func (s *Server) completeHandler(c *echo.Context) error {
	if err := s.requirePermission(c, rbac.PermAgentsSpawn); err != nil {
		return err
	}
	if s.providers == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "no providers configured")
	}

	var req completeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if req.Stream {
		return s.streamCompletion(c, req.Request)
	}

	start := time.Now()
	resp, err := s.providers.Complete(c.Request().Context(), req.Request)
	if s.metrics != nil {
		name := ""
		cost := 0.0
		if resp != nil {
			name = resp.Provider
			cost = resp.Cost.TotalCost
		}
		s.metrics.ProviderRequest(name, time.Since(start), cost, err != nil)
	}
	if err != nil {
		return mapAppError(err)
	}
	return c.JSON(http.StatusOK, resp)
}

// streamCompletion relays provider stream events as SSE.
func (s *Server) streamCompletion(c *echo.Context, req provider.Request) error {
	events, err := s.providers.StreamComplete(c.Request().Context(), req)
	if err != nil {
		return mapAppError(err)
	}

	w := c.Response()
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := any(w).(http.Flusher)
	enc := json.NewEncoder(w)
	for ev := range events {
		if _, err := w.Write([]byte("event: " + string(ev.Type) + "\ndata: ")); err != nil {
			return nil
		}
		if err := enc.Encode(ev); err != nil {
			return nil
		}
		if _, err := w.Write([]byte("\n")); err != nil {
			return nil
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	return nil
}

// listProvidersHandler handles GET /api/v1/providers.
func (s *Server) listProvidersHandler(c *echo.Context) error {
	if err := s.requirePermission(c, rbac.PermProvidersView); err != nil {
		return err
	}
	if s.providers == nil {
		return c.JSON(http.StatusOK, &providersResponse{Providers: []providerInfo{}})
	}

	names := s.providers.Names()
	infos := make([]providerInfo, 0, len(names))
	for _, name := range names {
		info := providerInfo{Name: name}
		if healthy, err := s.providers.Healthy(name); err == nil {
			info.Healthy = healthy
		}
		if status, err := s.providers.StatusFor(name); err == nil {
			info.Status = status
		}
		if m, err := s.providers.MetricsFor(name); err == nil {
			info.Metrics = m
		}
		infos = append(infos, info)
	}

	return c.JSON(http.StatusOK, &providersResponse{
		Providers: infos,
		Cache:     s.providers.CacheStats(),
	})
}
