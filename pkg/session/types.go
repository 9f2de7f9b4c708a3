// Package session holds the coordination session record: a state machine
// over participants with heartbeat tracking, rolling metrics, and
// snapshot import/export. All state lives in memory; mutation goes
// through the Manager and the coordinator service.
package session

import (
	"sync"
	"time"

	"github.com/conclave-ai/conclave/pkg/apperr"
)

// State is the session lifecycle state.
type State string

const (
	StateInitializing State = "initializing"
	StateActive       State = "active"
	StatePaused       State = "paused"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// ParticipantStatus tracks a participant's liveness.
type ParticipantStatus string

const (
	ParticipantActive       ParticipantStatus = "active"
	ParticipantIdle         ParticipantStatus = "idle"
	ParticipantDisconnected ParticipantStatus = "disconnected"
)

// Participant is one agent's membership in a session.
type Participant struct {
	AgentID       string            `json:"agent_id"`
	Role          string            `json:"role"`
	JoinedAt      time.Time         `json:"joined_at"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	Status        ParticipantStatus `json:"status"`
}

// metricsAlpha is the EMA smoothing factor for response times.
const metricsAlpha = 0.3

// Metrics aggregates session activity.
type Metrics struct {
	MessagesExchanged     int     `json:"messages_exchanged"`
	ConsensusReached      int     `json:"consensus_reached"`
	ConsensusFailed       int     `json:"consensus_failed"`
	AverageResponseTimeMs float64 `json:"average_response_time_ms"`
	ParticipationRate     float64 `json:"participation_rate"`
}

// Session is a coordination context. All exported methods are safe for
// concurrent use; a single mutex guards the whole record.
type Session struct {
	mu sync.RWMutex

	id           string
	namespace    string
	state        State
	createdAt    time.Time
	completedAt  *time.Time
	participants map[string]*Participant
	metrics      Metrics
	metadata     map[string]string
	failReason   string
}

// New creates a session in the Initializing state.
func New(id, namespace string, metadata map[string]string) *Session {
	if metadata == nil {
		metadata = make(map[string]string)
	}
	return &Session{
		id:           id,
		namespace:    namespace,
		state:        StateInitializing,
		createdAt:    time.Now(),
		participants: make(map[string]*Participant),
		metadata:     metadata,
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Namespace returns the session namespace.
func (s *Session) Namespace() string { return s.namespace }

// State returns the current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// validTransitions is the session state machine.
var validTransitions = map[State][]State{
	StateInitializing: {StateActive, StateFailed},
	StateActive:       {StatePaused, StateCompleted, StateFailed},
	StatePaused:       {StateActive, StateCompleted, StateFailed},
}

// Transition moves the session to next, enforcing the state machine.
// Terminal states reject every transition with InvalidState.
func (s *Session) Transition(next State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(next)
}

func (s *Session) transitionLocked(next State) error {
	for _, allowed := range validTransitions[s.state] {
		if next == allowed {
			s.state = next
			if next.Terminal() {
				now := time.Now()
				s.completedAt = &now
			}
			return nil
		}
	}
	return apperr.InvalidState("cannot transition session %s from %s to %s", s.id, s.state, next).
		WithDetail("from", string(s.state)).
		WithDetail("to", string(next))
}

// Fail moves any non-terminal session to Failed, recording the reason.
func (s *Session) Fail(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return apperr.InvalidState("session %s already terminal (%s)", s.id, s.state)
	}
	s.failReason = reason
	s.state = StateFailed
	now := time.Now()
	s.completedAt = &now
	return nil
}

// Join adds a participant. Rejected when the session is terminal or the
// agent is already present.
func (s *Session) Join(agentID, role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() {
		return apperr.InvalidState("cannot join terminal session %s", s.id)
	}
	if _, exists := s.participants[agentID]; exists {
		return apperr.InvalidInput("agent %s already joined session %s", agentID, s.id)
	}

	now := time.Now()
	s.participants[agentID] = &Participant{
		AgentID:       agentID,
		Role:          role,
		JoinedAt:      now,
		LastHeartbeat: now,
		Status:        ParticipantActive,
	}
	s.updateParticipationLocked()
	return nil
}

// Leave removes a participant. Idempotent.
func (s *Session) Leave(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.participants, agentID)
	s.updateParticipationLocked()
}

// Heartbeat marks the participant alive now. Unknown agents error with
// NotFound.
func (s *Session) Heartbeat(agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.participants[agentID]
	if !ok {
		return apperr.NotFound("agent %s is not a participant of session %s", agentID, s.id)
	}
	p.LastHeartbeat = time.Now()
	if p.Status == ParticipantDisconnected {
		p.Status = ParticipantActive
	}
	s.updateParticipationLocked()
	return nil
}

// SweepHeartbeats flips participants whose heartbeat is older than
// timeout to disconnected and returns their agent ids.
func (s *Session) SweepHeartbeats(timeout time.Duration) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-timeout)
	var disconnected []string
	for _, p := range s.participants {
		if p.Status != ParticipantDisconnected && p.LastHeartbeat.Before(cutoff) {
			p.Status = ParticipantDisconnected
			disconnected = append(disconnected, p.AgentID)
		}
	}
	if len(disconnected) > 0 {
		s.updateParticipationLocked()
	}
	return disconnected
}

// Participant returns a copy of the participant record.
func (s *Session) Participant(agentID string) (Participant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.participants[agentID]
	if !ok {
		return Participant{}, false
	}
	return *p, true
}

// Participants returns copies of all participant records.
func (s *Session) Participants() []Participant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Participant, 0, len(s.participants))
	for _, p := range s.participants {
		out = append(out, *p)
	}
	return out
}

// ActiveParticipantCount counts participants not marked disconnected.
func (s *Session) ActiveParticipantCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeCountLocked()
}

func (s *Session) activeCountLocked() int {
	n := 0
	for _, p := range s.participants {
		if p.Status != ParticipantDisconnected {
			n++
		}
	}
	return n
}

// RecordMessage bumps the exchanged-message counter.
func (s *Session) RecordMessage() {
	s.mu.Lock()
	s.metrics.MessagesExchanged++
	s.mu.Unlock()
}

// RecordConsensus tallies a consensus outcome.
func (s *Session) RecordConsensus(reached bool) {
	s.mu.Lock()
	if reached {
		s.metrics.ConsensusReached++
	} else {
		s.metrics.ConsensusFailed++
	}
	s.mu.Unlock()
}

// RecordResponseTime folds a response latency into the EMA.
func (s *Session) RecordResponseTime(d time.Duration) {
	ms := float64(d.Milliseconds())
	s.mu.Lock()
	if s.metrics.AverageResponseTimeMs == 0 {
		s.metrics.AverageResponseTimeMs = ms
	} else {
		s.metrics.AverageResponseTimeMs = metricsAlpha*ms + (1-metricsAlpha)*s.metrics.AverageResponseTimeMs
	}
	s.mu.Unlock()
}

// Metrics returns a copy of the current metrics.
func (s *Session) Metrics() Metrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.metrics
}

// Metadata returns a copy of the session metadata.
func (s *Session) Metadata() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.metadata))
	for k, v := range s.metadata {
		out[k] = v
	}
	return out
}

// CreatedAt returns the creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// CompletedAt returns the terminal timestamp, nil while non-terminal.
func (s *Session) CompletedAt() *time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.completedAt
}

// FailReason returns the reason recorded by Fail.
func (s *Session) FailReason() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failReason
}

func (s *Session) updateParticipationLocked() {
	total := len(s.participants)
	if total == 0 {
		s.metrics.ParticipationRate = 0
		return
	}
	s.metrics.ParticipationRate = float64(s.activeCountLocked()) / float64(total)
}
