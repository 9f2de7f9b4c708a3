package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conclave-ai/conclave/pkg/apperr"
)

func TestStateMachine(t *testing.T) {
	t.Run("happy path reaches completed", func(t *testing.T) {
		s := New("s1", "default", nil)
		assert.Equal(t, StateInitializing, s.State())

		require.NoError(t, s.Transition(StateActive))
		require.NoError(t, s.Transition(StatePaused))
		require.NoError(t, s.Transition(StateActive))
		require.NoError(t, s.Transition(StateCompleted))

		assert.Equal(t, StateCompleted, s.State())
		assert.NotNil(t, s.CompletedAt())
	})

	t.Run("invalid transitions are rejected", func(t *testing.T) {
		s := New("s1", "default", nil)

		err := s.Transition(StatePaused)
		require.Error(t, err)
		assert.True(t, apperr.IsKind(err, apperr.KindInvalidState))

		err = s.Transition(StateCompleted)
		assert.True(t, apperr.IsKind(err, apperr.KindInvalidState))
	})

	t.Run("terminal sessions reject all transitions", func(t *testing.T) {
		s := New("s1", "default", nil)
		require.NoError(t, s.Transition(StateActive))
		require.NoError(t, s.Transition(StateCompleted))

		for _, next := range []State{StateInitializing, StateActive, StatePaused, StateFailed} {
			assert.True(t, apperr.IsKind(s.Transition(next), apperr.KindInvalidState), "to %s", next)
		}
	})

	t.Run("fail records the reason from any live state", func(t *testing.T) {
		s := New("s1", "default", nil)
		require.NoError(t, s.Fail("provider outage"))
		assert.Equal(t, StateFailed, s.State())
		assert.Equal(t, "provider outage", s.FailReason())
		assert.NotNil(t, s.CompletedAt())

		assert.True(t, apperr.IsKind(s.Fail("again"), apperr.KindInvalidState))
	})
}

func TestParticipants(t *testing.T) {
	t.Run("join leave and duplicate join", func(t *testing.T) {
		s := New("s1", "default", nil)
		require.NoError(t, s.Join("a1", "coordinator"))
		require.NoError(t, s.Join("a2", "worker"))

		err := s.Join("a1", "worker")
		assert.True(t, apperr.IsKind(err, apperr.KindInvalidInput))

		p, ok := s.Participant("a1")
		require.True(t, ok)
		assert.Equal(t, "coordinator", p.Role)
		assert.Equal(t, ParticipantActive, p.Status)

		s.Leave("a1")
		s.Leave("a1")
		_, ok = s.Participant("a1")
		assert.False(t, ok)
		assert.Len(t, s.Participants(), 1)
	})

	t.Run("terminal sessions reject joins", func(t *testing.T) {
		s := New("s1", "default", nil)
		require.NoError(t, s.Fail("boom"))
		assert.True(t, apperr.IsKind(s.Join("a1", "worker"), apperr.KindInvalidState))
	})

	t.Run("heartbeat revives disconnected participants", func(t *testing.T) {
		s := New("s1", "default", nil)
		require.NoError(t, s.Join("a1", "worker"))

		disconnected := s.SweepHeartbeats(0)
		require.Equal(t, []string{"a1"}, disconnected)
		p, _ := s.Participant("a1")
		assert.Equal(t, ParticipantDisconnected, p.Status)
		assert.Zero(t, s.ActiveParticipantCount())

		require.NoError(t, s.Heartbeat("a1"))
		p, _ = s.Participant("a1")
		assert.Equal(t, ParticipantActive, p.Status)
		assert.Equal(t, 1, s.ActiveParticipantCount())

		assert.True(t, apperr.IsKind(s.Heartbeat("ghost"), apperr.KindNotFound))
	})

	t.Run("sweep is idempotent for already disconnected", func(t *testing.T) {
		s := New("s1", "default", nil)
		require.NoError(t, s.Join("a1", "worker"))
		require.Len(t, s.SweepHeartbeats(0), 1)
		assert.Empty(t, s.SweepHeartbeats(0))
	})

	t.Run("participation rate tracks active share", func(t *testing.T) {
		s := New("s1", "default", nil)
		require.NoError(t, s.Join("a1", "worker"))
		require.NoError(t, s.Join("a2", "worker"))
		assert.Equal(t, 1.0, s.Metrics().ParticipationRate)

		s.SweepHeartbeats(0)
		assert.Equal(t, 0.0, s.Metrics().ParticipationRate)

		require.NoError(t, s.Heartbeat("a1"))
		assert.Equal(t, 0.5, s.Metrics().ParticipationRate)
	})
}

func TestMetrics(t *testing.T) {
	t.Run("counters", func(t *testing.T) {
		s := New("s1", "default", nil)
		s.RecordMessage()
		s.RecordMessage()
		s.RecordConsensus(true)
		s.RecordConsensus(false)
		s.RecordConsensus(false)

		m := s.Metrics()
		assert.Equal(t, 2, m.MessagesExchanged)
		assert.Equal(t, 1, m.ConsensusReached)
		assert.Equal(t, 2, m.ConsensusFailed)
	})

	t.Run("response time EMA", func(t *testing.T) {
		s := New("s1", "default", nil)
		s.RecordResponseTime(100 * time.Millisecond)
		assert.Equal(t, 100.0, s.Metrics().AverageResponseTimeMs)

		s.RecordResponseTime(200 * time.Millisecond)
		assert.InDelta(t, 0.3*200+0.7*100, s.Metrics().AverageResponseTimeMs, 1e-9)
	})

	t.Run("concurrent recording is safe", func(t *testing.T) {
		s := New("s1", "default", nil)
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.RecordMessage()
				s.RecordResponseTime(10 * time.Millisecond)
			}()
		}
		wg.Wait()
		assert.Equal(t, 50, s.Metrics().MessagesExchanged)
	})
}

func TestSnapshot(t *testing.T) {
	t.Run("round trip preserves the record", func(t *testing.T) {
		s := New("s1", "prod", map[string]string{"team": "sre"})
		require.NoError(t, s.Join("a1", "coordinator"))
		require.NoError(t, s.Transition(StateActive))
		s.RecordMessage()
		s.RecordConsensus(true)

		snap := s.ToSnapshot()
		restored, err := FromSnapshot(snap)
		require.NoError(t, err)

		assert.Equal(t, "s1", restored.ID())
		assert.Equal(t, "prod", restored.Namespace())
		assert.Equal(t, StateActive, restored.State())
		assert.Equal(t, s.Metrics(), restored.Metrics())
		assert.Equal(t, map[string]string{"team": "sre"}, restored.Metadata())

		p, ok := restored.Participant("a1")
		require.True(t, ok)
		assert.Equal(t, "coordinator", p.Role)
	})

	t.Run("rejects inconsistent snapshots", func(t *testing.T) {
		_, err := FromSnapshot(Snapshot{State: StateActive})
		assert.True(t, apperr.IsKind(err, apperr.KindInvalidInput))

		_, err = FromSnapshot(Snapshot{ID: "s1", State: State("limbo")})
		assert.True(t, apperr.IsKind(err, apperr.KindInvalidInput))

		// Terminal state without a completion timestamp.
		_, err = FromSnapshot(Snapshot{ID: "s1", State: StateCompleted})
		assert.True(t, apperr.IsKind(err, apperr.KindInvalidInput))
	})
}

func TestManager(t *testing.T) {
	t.Run("create get list delete", func(t *testing.T) {
		m := NewManager(ManagerConfig{})

		s1, err := m.Create("", "default", nil)
		require.NoError(t, err)
		assert.NotEmpty(t, s1.ID())

		s2, err := m.Create("fixed", "prod", nil)
		require.NoError(t, err)
		assert.Equal(t, "fixed", s2.ID())

		_, err = m.Create("fixed", "prod", nil)
		assert.True(t, apperr.IsKind(err, apperr.KindInvalidInput))

		got, err := m.Get("fixed")
		require.NoError(t, err)
		assert.Same(t, s2, got)

		_, err = m.Get("missing")
		assert.True(t, apperr.IsKind(err, apperr.KindNotFound))

		assert.Len(t, m.List(""), 2)
		assert.Len(t, m.List("prod"), 1)

		err = m.Delete("fixed")
		assert.True(t, apperr.IsKind(err, apperr.KindInvalidState), "live sessions cannot be deleted")

		require.NoError(t, s2.Fail("done"))
		require.NoError(t, m.Delete("fixed"))
		assert.Equal(t, 1, m.Count())
	})

	t.Run("import registers a snapshot", func(t *testing.T) {
		m := NewManager(ManagerConfig{})
		s, err := m.Create("orig", "default", nil)
		require.NoError(t, err)
		snap := s.ToSnapshot()
		snap.ID = "copy"

		restored, err := m.Import(snap)
		require.NoError(t, err)
		assert.Equal(t, "copy", restored.ID())

		_, err = m.Import(snap)
		assert.True(t, apperr.IsKind(err, apperr.KindInvalidInput))
	})

	t.Run("sweeper flips stale participants and notifies", func(t *testing.T) {
		var mu sync.Mutex
		var events [][2]string
		m := NewManager(ManagerConfig{
			HeartbeatTimeout: 20 * time.Millisecond,
			OnDisconnect: func(sessionID, agentID string) {
				mu.Lock()
				events = append(events, [2]string{sessionID, agentID})
				mu.Unlock()
			},
		})
		s, err := m.Create("s1", "default", nil)
		require.NoError(t, err)
		require.NoError(t, s.Join("a1", "worker"))

		m.Start()
		defer m.Stop()

		require.Eventually(t, func() bool {
			p, ok := s.Participant("a1")
			return ok && p.Status == ParticipantDisconnected
		}, 5*time.Second, 10*time.Millisecond)

		mu.Lock()
		defer mu.Unlock()
		require.NotEmpty(t, events)
		assert.Equal(t, [2]string{"s1", "a1"}, events[0])
	})

	t.Run("stop is idempotent", func(t *testing.T) {
		m := NewManager(ManagerConfig{})
		m.Start()
		m.Stop()
		m.Stop()
	})
}
