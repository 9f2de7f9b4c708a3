// Package coordinator is the service layer tying sessions, the message
// bus, consensus, rate limits, auditing, and the event stream together.
// All session mutations flow through it.
package coordinator

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/conclave-ai/conclave/pkg/apperr"
	"github.com/conclave-ai/conclave/pkg/audit"
	"github.com/conclave-ai/conclave/pkg/bus"
	"github.com/conclave-ai/conclave/pkg/consensus"
	"github.com/conclave-ai/conclave/pkg/ratelimit"
	"github.com/conclave-ai/conclave/pkg/session"
	"github.com/conclave-ai/conclave/pkg/stream"
)

// DefaultConsensusTimeout bounds a consensus round started through the
// coordinator.
const DefaultConsensusTimeout = 30 * time.Second

// Options wires the coordinator's collaborators. Bus is required;
// Audit, Hub and Limits are optional and skipped when nil.
type Options struct {
	Bus              *bus.Bus
	Audit            *audit.Log
	Hub              *stream.Hub
	Limits           *ratelimit.Manager
	HeartbeatTimeout time.Duration
	ConsensusTimeout time.Duration
}

// Coordinator owns the session registry and the consensus engine and
// mediates every session-scoped operation.
type Coordinator struct {
	bus      *bus.Bus
	sessions *session.Manager
	engine   *consensus.Engine
	auditLog *audit.Log
	hub      *stream.Hub
	limits   *ratelimit.Manager

	consensusTimeout time.Duration
}

// New creates a coordinator. It builds its own session manager (so the
// heartbeat sweeper reports through the coordinator's event stream) and
// a consensus engine whose votes travel over the bus.
func New(opts Options) (*Coordinator, error) {
	if opts.Bus == nil {
		return nil, apperr.InvalidInput("coordinator requires a bus")
	}
	consensusTimeout := opts.ConsensusTimeout
	if consensusTimeout <= 0 {
		consensusTimeout = DefaultConsensusTimeout
	}

	c := &Coordinator{
		bus:              opts.Bus,
		auditLog:         opts.Audit,
		hub:              opts.Hub,
		limits:           opts.Limits,
		consensusTimeout: consensusTimeout,
	}
	c.sessions = session.NewManager(session.ManagerConfig{
		HeartbeatTimeout: opts.HeartbeatTimeout,
		OnDisconnect:     c.onParticipantDisconnect,
	})
	c.engine = consensus.NewEngine(&busCollector{bus: opts.Bus})
	return c, nil
}

// Start launches the heartbeat sweeper and the proposal reaper.
func (c *Coordinator) Start() {
	c.sessions.Start()
	c.engine.Start()
	slog.Info("Coordinator started")
}

// Stop halts the background loops.
func (c *Coordinator) Stop() {
	c.engine.Stop()
	c.sessions.Stop()
}

// Sessions exposes read access to the session registry.
func (c *Coordinator) Sessions() *session.Manager { return c.sessions }

// CreateSessionOptions parameterize CreateSession.
type CreateSessionOptions struct {
	ID        string
	Namespace string
	Owner     string
	Metadata  map[string]string
}

// CreateSession registers a new session in the Initializing state.
func (c *Coordinator) CreateSession(opts CreateSessionOptions) (*session.Session, error) {
	s, err := c.sessions.Create(opts.ID, opts.Namespace, opts.Metadata)
	if err != nil {
		return nil, err
	}
	c.auditEvent(audit.Event{
		Type:     "session.created",
		Severity: audit.SeverityInfo,
		UserID:   opts.Owner,
		Resource: &audit.Resource{Type: "session", ID: s.ID()},
		Action:   "create",
	})
	c.emit("session:created", map[string]any{"session_id": s.ID(), "namespace": s.Namespace()})
	return s, nil
}

// JoinSession adds an agent to a session and registers its mailbox.
func (c *Coordinator) JoinSession(sessionID, agentID, role string) error {
	s, err := c.sessions.Get(sessionID)
	if err != nil {
		return err
	}
	if err := s.Join(agentID, role); err != nil {
		return err
	}
	c.bus.RegisterAgent(agentID)
	c.auditEvent(audit.Event{
		Type:     "session.joined",
		Severity: audit.SeverityInfo,
		UserID:   agentID,
		Resource: &audit.Resource{Type: "session", ID: sessionID},
		Action:   "join",
		Details:  map[string]any{"role": role},
	})
	c.emit("session:participant_joined", map[string]any{
		"session_id": sessionID, "agent_id": agentID, "role": role,
	})
	return nil
}

// LeaveSession removes an agent from a session and drops its mailbox.
// Idempotent.
func (c *Coordinator) LeaveSession(sessionID, agentID string) error {
	s, err := c.sessions.Get(sessionID)
	if err != nil {
		return err
	}
	s.Leave(agentID)
	c.bus.UnregisterAgent(agentID)
	if c.limits != nil {
		c.limits.Remove(agentID)
	}
	c.emit("session:participant_left", map[string]any{
		"session_id": sessionID, "agent_id": agentID,
	})
	return nil
}

// Heartbeat marks an agent alive within a session.
func (c *Coordinator) Heartbeat(sessionID, agentID string) error {
	s, err := c.sessions.Get(sessionID)
	if err != nil {
		return err
	}
	return s.Heartbeat(agentID)
}

// StartSession transitions Initializing → Active.
func (c *Coordinator) StartSession(sessionID string) error {
	return c.transition(sessionID, session.StateActive, "session:started", "start")
}

// PauseSession transitions Active → Paused.
func (c *Coordinator) PauseSession(sessionID string) error {
	return c.transition(sessionID, session.StatePaused, "session:paused", "pause")
}

// ResumeSession transitions Paused → Active.
func (c *Coordinator) ResumeSession(sessionID string) error {
	return c.transition(sessionID, session.StateActive, "session:resumed", "resume")
}

// CompleteSession transitions the session to Completed.
func (c *Coordinator) CompleteSession(sessionID string) error {
	return c.transition(sessionID, session.StateCompleted, "session:completed", "complete")
}

func (c *Coordinator) transition(sessionID string, next session.State, event, action string) error {
	s, err := c.sessions.Get(sessionID)
	if err != nil {
		return err
	}
	if err := s.Transition(next); err != nil {
		return err
	}
	c.auditEvent(audit.Event{
		Type:     "session." + action,
		Severity: audit.SeverityInfo,
		Resource: &audit.Resource{Type: "session", ID: sessionID},
		Action:   action,
	})
	c.emit(event, map[string]any{"session_id": sessionID})
	return nil
}

// FailSession moves a session to Failed with a reason.
func (c *Coordinator) FailSession(sessionID, reason string) error {
	s, err := c.sessions.Get(sessionID)
	if err != nil {
		return err
	}
	if err := s.Fail(reason); err != nil {
		return err
	}
	c.auditEvent(audit.Event{
		Type:     "session.failed",
		Severity: audit.SeverityWarning,
		Resource: &audit.Resource{Type: "session", ID: sessionID},
		Action:   "fail",
		Result:   audit.ResultFailure,
		Details:  map[string]any{"reason": reason},
	})
	c.emit("session:failed", map[string]any{"session_id": sessionID, "reason": reason})
	return nil
}

// DeleteSession removes a terminal session.
func (c *Coordinator) DeleteSession(sessionID string) error {
	return c.sessions.Delete(sessionID)
}

// SendDirectMessage delivers a payload from one participant to another
// within an active session.
func (c *Coordinator) SendDirectMessage(sessionID, from, to string, typ bus.MessageType, priority bus.Priority, payload any) (string, error) {
	s, err := c.activeSession(sessionID)
	if err != nil {
		return "", err
	}
	if err := c.requireParticipant(s, from); err != nil {
		return "", err
	}
	if err := c.requireParticipant(s, to); err != nil {
		return "", err
	}
	if err := c.checkMessageLimit(from); err != nil {
		return "", err
	}

	m, err := bus.NewMessage(from, []string{to}, typ, priority, payload)
	if err != nil {
		return "", err
	}
	id, err := c.bus.SendDirect(m)
	if err != nil {
		return "", err
	}
	s.RecordMessage()
	return id, nil
}

// BroadcastMessage delivers a payload from one participant to every
// other participant of an active session. Counts as one exchanged
// message.
func (c *Coordinator) BroadcastMessage(sessionID, from string, typ bus.MessageType, priority bus.Priority, payload any) (string, error) {
	s, err := c.activeSession(sessionID)
	if err != nil {
		return "", err
	}
	if err := c.requireParticipant(s, from); err != nil {
		return "", err
	}
	if err := c.checkMessageLimit(from); err != nil {
		return "", err
	}

	recipients := make([]string, 0, len(s.Participants()))
	for _, p := range s.Participants() {
		if p.AgentID != from {
			recipients = append(recipients, p.AgentID)
		}
	}
	m, err := bus.NewMessage(from, recipients, typ, priority, payload)
	if err != nil {
		return "", err
	}
	if len(recipients) > 0 {
		if _, err := c.bus.SendDirect(m); err != nil {
			return "", err
		}
	}
	s.RecordMessage()
	return m.ID, nil
}

// RequestConsensus runs an agreement round among the session's active
// participants over the bus.
func (c *Coordinator) RequestConsensus(ctx context.Context, sessionID, proposerID string, value json.RawMessage, algorithm consensus.Algorithm) (*consensus.Result, error) {
	s, err := c.activeSession(sessionID)
	if err != nil {
		return nil, err
	}
	if err := c.requireParticipant(s, proposerID); err != nil {
		return nil, err
	}

	participants := make([]string, 0, len(s.Participants()))
	for _, p := range s.Participants() {
		if p.Status != session.ParticipantDisconnected {
			participants = append(participants, p.AgentID)
		}
	}

	start := time.Now()
	res, err := c.engine.Propose(ctx, algorithm, consensus.Request{
		SessionID:    sessionID,
		ProposerID:   proposerID,
		Value:        value,
		Participants: participants,
		Timeout:      c.consensusTimeout,
	})
	if err != nil {
		return nil, err
	}

	s.RecordConsensus(res.Approved)
	s.RecordResponseTime(time.Since(start))
	result := audit.ResultSuccess
	if !res.Approved {
		result = audit.ResultFailure
	}
	c.auditEvent(audit.Event{
		Type:     "session.consensus",
		Severity: audit.SeverityInfo,
		UserID:   proposerID,
		Resource: &audit.Resource{Type: "session", ID: sessionID},
		Action:   "consensus",
		Result:   result,
		Details:  map[string]any{"algorithm": string(algorithm), "proposal_id": res.ProposalID},
	})
	c.emit("session:consensus", map[string]any{
		"session_id":  sessionID,
		"proposal_id": res.ProposalID,
		"approved":    res.Approved,
		"algorithm":   string(algorithm),
	})
	return res, nil
}

func (c *Coordinator) activeSession(sessionID string) (*session.Session, error) {
	s, err := c.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if s.State() != session.StateActive {
		return nil, apperr.InvalidState("session %s is %s, not active", sessionID, s.State())
	}
	return s, nil
}

func (c *Coordinator) requireParticipant(s *session.Session, agentID string) error {
	if _, ok := s.Participant(agentID); !ok {
		return apperr.NotFound("agent %s is not a participant of session %s", agentID, s.ID())
	}
	return nil
}

func (c *Coordinator) checkMessageLimit(agentID string) error {
	if c.limits == nil {
		return nil
	}
	limiter, err := c.limits.ForAgent(agentID)
	if err != nil {
		return err
	}
	if d := limiter.CanSendMessage(); !d.Allowed {
		return apperr.CapacityExceeded("agent %s: %s", agentID, d.Reason).
			WithDetail("wait_time_ms", d.WaitTime.Milliseconds())
	}
	return nil
}

func (c *Coordinator) onParticipantDisconnect(sessionID, agentID string) {
	c.emit("session:participant_disconnected", map[string]any{
		"session_id": sessionID, "agent_id": agentID,
	})
	c.auditEvent(audit.Event{
		Type:     "session.participant_disconnected",
		Severity: audit.SeverityWarning,
		UserID:   agentID,
		Resource: &audit.Resource{Type: "session", ID: sessionID},
		Result:   audit.ResultFailure,
	})
}

func (c *Coordinator) emit(eventType string, data map[string]any) {
	if c.hub == nil {
		return
	}
	c.hub.Broadcast(stream.Event{Type: eventType, Data: data}, nil)
}

func (c *Coordinator) auditEvent(e audit.Event) {
	if c.auditLog == nil {
		return
	}
	if _, err := c.auditLog.Record(e); err != nil {
		slog.Error("Failed to record audit event", "event_type", e.Type, "error", err)
	}
}
