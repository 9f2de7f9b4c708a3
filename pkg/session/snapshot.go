package session

import (
	"time"

	"github.com/conclave-ai/conclave/pkg/apperr"
)

// Snapshot is the serializable form of a session. Snapshots are
// append-only at the caller level; importing one reconstructs an
// equivalent session record.
type Snapshot struct {
	ID           string            `json:"id"`
	Namespace    string            `json:"namespace"`
	State        State             `json:"state"`
	CreatedAt    time.Time         `json:"created_at"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	Participants []Participant     `json:"participants"`
	Metrics      Metrics           `json:"metrics"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	FailReason   string            `json:"fail_reason,omitempty"`
}

// ToSnapshot serializes the session record.
func (s *Session) ToSnapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	participants := make([]Participant, 0, len(s.participants))
	for _, p := range s.participants {
		participants = append(participants, *p)
	}
	metadata := make(map[string]string, len(s.metadata))
	for k, v := range s.metadata {
		metadata[k] = v
	}

	var completedAt *time.Time
	if s.completedAt != nil {
		t := *s.completedAt
		completedAt = &t
	}

	return Snapshot{
		ID:           s.id,
		Namespace:    s.namespace,
		State:        s.state,
		CreatedAt:    s.createdAt,
		CompletedAt:  completedAt,
		Participants: participants,
		Metrics:      s.metrics,
		Metadata:     metadata,
		FailReason:   s.failReason,
	}
}

// FromSnapshot reconstructs a session. The snapshot must be internally
// consistent: a terminal state requires completedAt and vice versa.
func FromSnapshot(snap Snapshot) (*Session, error) {
	if snap.ID == "" {
		return nil, apperr.InvalidInput("snapshot missing session id")
	}
	switch snap.State {
	case StateInitializing, StateActive, StatePaused, StateCompleted, StateFailed:
	default:
		return nil, apperr.InvalidInput("snapshot has unknown state %q", snap.State)
	}
	if snap.State.Terminal() != (snap.CompletedAt != nil) {
		return nil, apperr.InvalidInput("snapshot completed_at inconsistent with state %s", snap.State)
	}

	s := &Session{
		id:           snap.ID,
		namespace:    snap.Namespace,
		state:        snap.State,
		createdAt:    snap.CreatedAt,
		participants: make(map[string]*Participant, len(snap.Participants)),
		metrics:      snap.Metrics,
		metadata:     make(map[string]string, len(snap.Metadata)),
		failReason:   snap.FailReason,
	}
	if snap.CompletedAt != nil {
		t := *snap.CompletedAt
		s.completedAt = &t
	}
	for _, p := range snap.Participants {
		if _, dup := s.participants[p.AgentID]; dup {
			return nil, apperr.InvalidInput("snapshot has duplicate participant %s", p.AgentID)
		}
		copied := p
		s.participants[p.AgentID] = &copied
	}
	for k, v := range snap.Metadata {
		s.metadata[k] = v
	}
	return s, nil
}
