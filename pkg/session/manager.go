package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conclave-ai/conclave/pkg/apperr"
)

// DefaultHeartbeatTimeout is how long a participant may stay silent
// before the sweeper marks it disconnected.
const DefaultHeartbeatTimeout = 30 * time.Second

// sweepInterval is how often the sweeper scans all sessions.
const sweepInterval = time.Second

// DisconnectFunc is invoked for every participant the sweeper flips to
// disconnected. Called outside the manager lock.
type DisconnectFunc func(sessionID, agentID string)

// ManagerConfig tunes the session registry.
type ManagerConfig struct {
	HeartbeatTimeout time.Duration
	OnDisconnect     DisconnectFunc
}

// Manager is the in-memory session registry. It owns the heartbeat
// sweeper goroutine; sessions themselves guard their own state.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	heartbeatTimeout time.Duration
	onDisconnect     DisconnectFunc

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool
}

// NewManager creates a session registry. The sweeper does not run until
// Start is called.
func NewManager(cfg ManagerConfig) *Manager {
	timeout := cfg.HeartbeatTimeout
	if timeout <= 0 {
		timeout = DefaultHeartbeatTimeout
	}
	return &Manager{
		sessions:         make(map[string]*Session),
		heartbeatTimeout: timeout,
		onDisconnect:     cfg.OnDisconnect,
		stopCh:           make(chan struct{}),
	}
}

// Start launches the heartbeat sweeper.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.sweepLoop()
	slog.Info("Session manager started", "heartbeat_timeout", m.heartbeatTimeout)
}

// Stop halts the sweeper and waits for it to exit. Safe to call more
// than once.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()
}

// Create registers a new session in the Initializing state. An empty id
// gets a generated UUID; a taken id is rejected.
func (m *Manager) Create(id, namespace string, metadata map[string]string) (*Session, error) {
	if id == "" {
		id = uuid.NewString()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[id]; exists {
		return nil, apperr.InvalidInput("session %s already exists", id)
	}
	s := New(id, namespace, metadata)
	m.sessions[id] = s

	slog.Info("Session created", "session_id", id, "namespace", namespace)
	return s, nil
}

// Get returns the session or NotFound.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, apperr.NotFound("session %s not found", id)
	}
	return s, nil
}

// List returns all sessions, optionally filtered by namespace.
func (m *Manager) List(namespace string) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if namespace != "" && s.Namespace() != namespace {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Delete removes a terminal session from the registry. Live sessions
// must be completed or failed first.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return apperr.NotFound("session %s not found", id)
	}
	if !s.State().Terminal() {
		return apperr.InvalidState("session %s is %s, only terminal sessions can be deleted", id, s.State())
	}
	delete(m.sessions, id)
	slog.Info("Session deleted", "session_id", id)
	return nil
}

// Import registers a session reconstructed from a snapshot.
func (m *Manager) Import(snap Snapshot) (*Session, error) {
	s, err := FromSnapshot(snap)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[s.ID()]; exists {
		return nil, apperr.InvalidInput("session %s already exists", s.ID())
	}
	m.sessions[s.ID()] = s
	return s, nil
}

// Count returns the number of registered sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweepOnce()
		}
	}
}

// sweepOnce scans every non-terminal session for stale heartbeats.
func (m *Manager) sweepOnce() {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		if s.State().Terminal() {
			continue
		}
		for _, agentID := range s.SweepHeartbeats(m.heartbeatTimeout) {
			slog.Warn("Participant heartbeat timed out",
				"session_id", s.ID(),
				"agent_id", agentID,
				"timeout", m.heartbeatTimeout)
			if m.onDisconnect != nil {
				m.onDisconnect(s.ID(), agentID)
			}
		}
	}
}
