package api

import (
	"encoding/json"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/conclave-ai/conclave/pkg/apperr"
	"github.com/conclave-ai/conclave/pkg/bus"
	"github.com/conclave-ai/conclave/pkg/consensus"
	"github.com/conclave-ai/conclave/pkg/coordinator"
	"github.com/conclave-ai/conclave/pkg/rbac"
	"github.com/conclave-ai/conclave/pkg/session"
)

// ownerMetadataKey records the creating principal on the session so
// owner-based RBAC checks work without a separate ownership table.
const ownerMetadataKey = "owner"

type createSessionRequest struct {
	ID        string            `json:"id"`
	Namespace string            `json:"namespace"`
	Metadata  map[string]string `json:"metadata"`
}

type joinSessionRequest struct {
	AgentID string `json:"agent_id"`
	Role    string `json:"role"`
}

type sendMessageRequest struct {
	From     string          `json:"from"`
	To       string          `json:"to"` // empty means broadcast
	Type     string          `json:"type"`
	Priority string          `json:"priority"`
	Payload  json.RawMessage `json:"payload"`
}

type consensusRequest struct {
	ProposerID string          `json:"proposer_id"`
	Algorithm  string          `json:"algorithm"`
	Value      json.RawMessage `json:"value"`
}

// createSessionHandler handles POST /api/v1/sessions.
func (s *Server) createSessionHandler(c *echo.Context) error {
	if err := s.requirePermission(c, rbac.PermSessionsCreate); err != nil {
		return err
	}

	var req createSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	owner := principal(c)
	metadata := req.Metadata
	if metadata == nil {
		metadata = make(map[string]string, 1)
	}
	metadata[ownerMetadataKey] = owner

	sess, err := s.coord.CreateSession(coordinator.CreateSessionOptions{
		ID:        req.ID,
		Namespace: req.Namespace,
		Owner:     owner,
		Metadata:  metadata,
	})
	if err != nil {
		return mapAppError(err)
	}
	if s.metrics != nil {
		s.metrics.SessionTransition(string(session.StateInitializing))
	}

	return c.JSON(http.StatusCreated, sess.ToSnapshot())
}

// listSessionsHandler handles GET /api/v1/sessions.
func (s *Server) listSessionsHandler(c *echo.Context) error {
	if err := s.requirePermission(c, rbac.PermSessionsView); err != nil {
		return err
	}

	sessions := s.coord.Sessions().List(c.QueryParam("namespace"))
	snapshots := make([]session.Snapshot, 0, len(sessions))
	for _, sess := range sessions {
		snapshots = append(snapshots, sess.ToSnapshot())
	}
	return c.JSON(http.StatusOK, snapshots)
}

// getSessionHandler handles GET /api/v1/sessions/:id.
func (s *Server) getSessionHandler(c *echo.Context) error {
	if err := s.requirePermission(c, rbac.PermSessionsView); err != nil {
		return err
	}

	sess, err := s.coord.Sessions().Get(c.Param("id"))
	if err != nil {
		return mapAppError(err)
	}
	return c.JSON(http.StatusOK, sess.ToSnapshot())
}

// deleteSessionHandler handles DELETE /api/v1/sessions/:id.
func (s *Server) deleteSessionHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if err := s.authorizeSessionAction(c, sessionID, "delete"); err != nil {
		return err
	}
	if err := s.coord.DeleteSession(sessionID); err != nil {
		return mapAppError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// joinSessionHandler handles POST /api/v1/sessions/:id/participants.
func (s *Server) joinSessionHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if err := s.authorizeSessionAction(c, sessionID, "manage"); err != nil {
		return err
	}

	var req joinSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.AgentID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "agent_id is required")
	}

	if err := s.coord.JoinSession(sessionID, req.AgentID, req.Role); err != nil {
		return mapAppError(err)
	}
	return c.NoContent(http.StatusCreated)
}

// leaveSessionHandler handles DELETE /api/v1/sessions/:id/participants/:agentId.
func (s *Server) leaveSessionHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if err := s.authorizeSessionAction(c, sessionID, "manage"); err != nil {
		return err
	}
	if err := s.coord.LeaveSession(sessionID, c.Param("agentId")); err != nil {
		return mapAppError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// heartbeatHandler handles POST /api/v1/sessions/:id/heartbeat/:agentId.
func (s *Server) heartbeatHandler(c *echo.Context) error {
	if err := s.coord.Heartbeat(c.Param("id"), c.Param("agentId")); err != nil {
		return mapAppError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) startSessionHandler(c *echo.Context) error {
	return s.lifecycleHandler(c, session.StateActive, s.coord.StartSession)
}

func (s *Server) pauseSessionHandler(c *echo.Context) error {
	return s.lifecycleHandler(c, session.StatePaused, s.coord.PauseSession)
}

func (s *Server) resumeSessionHandler(c *echo.Context) error {
	return s.lifecycleHandler(c, session.StateActive, s.coord.ResumeSession)
}

func (s *Server) completeSessionHandler(c *echo.Context) error {
	return s.lifecycleHandler(c, session.StateCompleted, s.coord.CompleteSession)
}

func (s *Server) lifecycleHandler(c *echo.Context, next session.State, op func(string) error) error {
	sessionID := c.Param("id")
	if err := s.authorizeSessionAction(c, sessionID, "manage"); err != nil {
		return err
	}
	if err := op(sessionID); err != nil {
		return mapAppError(err)
	}
	if s.metrics != nil {
		s.metrics.SessionTransition(string(next))
	}
	sess, err := s.coord.Sessions().Get(sessionID)
	if err != nil {
		return mapAppError(err)
	}
	return c.JSON(http.StatusOK, sess.ToSnapshot())
}

// failSessionHandler handles POST /api/v1/sessions/:id/fail.
func (s *Server) failSessionHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if err := s.authorizeSessionAction(c, sessionID, "manage"); err != nil {
		return err
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if err := s.coord.FailSession(sessionID, req.Reason); err != nil {
		return mapAppError(err)
	}
	if s.metrics != nil {
		s.metrics.SessionTransition(string(session.StateFailed))
	}
	return c.NoContent(http.StatusOK)
}

// sendMessageHandler handles POST /api/v1/sessions/:id/messages.
func (s *Server) sendMessageHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if err := s.authorizeSessionAction(c, sessionID, "manage"); err != nil {
		return err
	}

	var req sendMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.From == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "from is required")
	}

	typ := bus.MessageType(req.Type)
	if typ == "" {
		typ = bus.TypeNotification
	}
	priority, err := parsePriority(req.Priority)
	if err != nil {
		return err
	}

	var id string
	if req.To == "" {
		id, err = s.coord.BroadcastMessage(sessionID, req.From, typ, priority, req.Payload)
	} else {
		id, err = s.coord.SendDirectMessage(sessionID, req.From, req.To, typ, priority, req.Payload)
	}
	if err != nil {
		if s.metrics != nil && apperr.IsKind(err, apperr.KindCapacityExceeded) {
			s.metrics.RateLimitDenied("messages")
		}
		return mapAppError(err)
	}
	if s.metrics != nil {
		s.metrics.MessageRouted()
	}

	return c.JSON(http.StatusAccepted, map[string]string{"message_id": id})
}

// consensusHandler handles POST /api/v1/sessions/:id/consensus.
func (s *Server) consensusHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if err := s.authorizeSessionAction(c, sessionID, "manage"); err != nil {
		return err
	}

	var req consensusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.ProposerID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "proposer_id is required")
	}

	algorithm := consensus.Algorithm(req.Algorithm)
	if algorithm == "" {
		algorithm = consensus.AlgorithmQuorum
	}

	result, err := s.coord.RequestConsensus(c.Request().Context(), sessionID, req.ProposerID, req.Value, algorithm)
	if err != nil {
		return mapAppError(err)
	}
	if s.metrics != nil {
		s.metrics.ConsensusRound(string(result.Algorithm), result.Approved)
	}
	return c.JSON(http.StatusOK, result)
}

// authorizeSessionAction applies the RBAC resource table, letting the
// session owner through where the table alone would deny.
func (s *Server) authorizeSessionAction(c *echo.Context, sessionID, action string) error {
	owner := ""
	if sess, err := s.coord.Sessions().Get(sessionID); err == nil {
		owner = sess.Metadata()[ownerMetadataKey]
	}
	if err := s.rbac.CheckResourceAction(principal(c), "session", action, sessionID, owner); err != nil {
		return mapAppError(err)
	}
	return nil
}

func parsePriority(raw string) (bus.Priority, error) {
	switch raw {
	case "", "normal":
		return bus.PriorityNormal, nil
	case "low":
		return bus.PriorityLow, nil
	case "high":
		return bus.PriorityHigh, nil
	case "critical":
		return bus.PriorityCritical, nil
	default:
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid priority: must be low, normal, high, or critical")
	}
}
