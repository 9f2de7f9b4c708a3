package coordinator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conclave-ai/conclave/pkg/apperr"
	"github.com/conclave-ai/conclave/pkg/audit"
	"github.com/conclave-ai/conclave/pkg/bus"
	"github.com/conclave-ai/conclave/pkg/consensus"
	"github.com/conclave-ai/conclave/pkg/ratelimit"
	"github.com/conclave-ai/conclave/pkg/session"
)

func newTestCoordinator(t *testing.T, opts Options) (*Coordinator, *bus.Bus) {
	t.Helper()
	b := bus.New(bus.MailboxConfig{})
	opts.Bus = b
	c, err := New(opts)
	require.NoError(t, err)
	return c, b
}

// startVoter answers consensus vote requests on behalf of an agent.
func startVoter(t *testing.T, b *bus.Bus, agentID string, approve bool) func() {
	t.Helper()
	mb := b.Mailbox(agentID)
	require.NotNil(t, mb)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			default:
			}
			m := mb.Dequeue()
			if m == nil {
				time.Sleep(2 * time.Millisecond)
				continue
			}
			if _, ok := ParseVoteRequest(m); !ok {
				continue
			}
			resp, err := m.Response(agentID, VoteReply{Approve: approve, Confidence: 1.0})
			if err != nil {
				continue
			}
			_, _ = b.SendDirect(resp)
		}
	}()
	return func() { close(done) }
}

func activeThreeAgentSession(t *testing.T, c *Coordinator) string {
	t.Helper()
	s, err := c.CreateSession(CreateSessionOptions{ID: "sess-1", Namespace: "default", Owner: "alice"})
	require.NoError(t, err)
	require.NoError(t, c.JoinSession(s.ID(), "a1", "coordinator"))
	require.NoError(t, c.JoinSession(s.ID(), "a2", "worker"))
	require.NoError(t, c.JoinSession(s.ID(), "a3", "worker"))
	require.NoError(t, c.StartSession(s.ID()))
	return s.ID()
}

func TestSessionLifecycleAndBroadcast(t *testing.T) {
	c, b := newTestCoordinator(t, Options{})
	sid := activeThreeAgentSession(t, c)

	s, err := c.Sessions().Get(sid)
	require.NoError(t, err)
	assert.Equal(t, session.StateActive, s.State())
	assert.Equal(t, 3, s.ActiveParticipantCount())

	_, err = c.BroadcastMessage(sid, "a1", bus.TypeNotification, bus.PriorityNormal, map[string]int{"ping": 1})
	require.NoError(t, err)

	// Each non-sender receives exactly one message.
	assert.Equal(t, 1, b.Mailbox("a2").Size())
	assert.Equal(t, 1, b.Mailbox("a3").Size())
	assert.Equal(t, 0, b.Mailbox("a1").Size())
	assert.Equal(t, 1, s.Metrics().MessagesExchanged)

	m := b.Mailbox("a2").Dequeue()
	require.NotNil(t, m)
	assert.Equal(t, bus.TypeNotification, m.Type)
	assert.JSONEq(t, `{"ping":1}`, string(m.Payload))
}

func TestSendDirectMessage(t *testing.T) {
	c, b := newTestCoordinator(t, Options{})
	sid := activeThreeAgentSession(t, c)

	id, err := c.SendDirectMessage(sid, "a1", "a2", bus.TypeNotification, bus.PriorityHigh, "hello")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, 1, b.Mailbox("a2").Size())

	_, err = c.SendDirectMessage(sid, "a1", "ghost", bus.TypeNotification, bus.PriorityNormal, "x")
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))

	_, err = c.SendDirectMessage("missing", "a1", "a2", bus.TypeNotification, bus.PriorityNormal, "x")
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestMessagingRequiresActiveSession(t *testing.T) {
	c, _ := newTestCoordinator(t, Options{})
	s, err := c.CreateSession(CreateSessionOptions{ID: "sess-1"})
	require.NoError(t, err)
	require.NoError(t, c.JoinSession(s.ID(), "a1", "worker"))
	require.NoError(t, c.JoinSession(s.ID(), "a2", "worker"))

	_, err = c.BroadcastMessage(s.ID(), "a1", bus.TypeNotification, bus.PriorityNormal, "early")
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidState))

	require.NoError(t, c.StartSession(s.ID()))
	require.NoError(t, c.PauseSession(s.ID()))
	_, err = c.SendDirectMessage(s.ID(), "a1", "a2", bus.TypeNotification, bus.PriorityNormal, "paused")
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidState))

	require.NoError(t, c.ResumeSession(s.ID()))
	require.NoError(t, c.CompleteSession(s.ID()))
	assert.True(t, apperr.IsKind(c.StartSession(s.ID()), apperr.KindInvalidState))
}

func TestQuorumConsensusOverBus(t *testing.T) {
	t.Run("unanimous approval", func(t *testing.T) {
		c, b := newTestCoordinator(t, Options{ConsensusTimeout: 5 * time.Second})
		sid := activeThreeAgentSession(t, c)
		for _, id := range []string{"a1", "a2", "a3"} {
			defer startVoter(t, b, id, true)()
		}

		res, err := c.RequestConsensus(context.Background(), sid, "a1", json.RawMessage(`{"decision":"approve"}`), consensus.AlgorithmQuorum)
		require.NoError(t, err)
		assert.True(t, res.Approved)
		assert.Equal(t, consensus.AlgorithmQuorum, res.Algorithm)
		assert.Len(t, res.Votes, 3)

		s, err := c.Sessions().Get(sid)
		require.NoError(t, err)
		assert.Equal(t, 1, s.Metrics().ConsensusReached)
	})

	t.Run("exact tie rejects", func(t *testing.T) {
		c, b := newTestCoordinator(t, Options{ConsensusTimeout: 5 * time.Second})
		s, err := c.CreateSession(CreateSessionOptions{ID: "sess-tie"})
		require.NoError(t, err)
		approvals := map[string]bool{"a1": true, "a2": true, "a3": false, "a4": false}
		for id, approve := range approvals {
			require.NoError(t, c.JoinSession(s.ID(), id, "worker"))
			defer startVoter(t, b, id, approve)()
		}
		require.NoError(t, c.StartSession(s.ID()))

		res, err := c.RequestConsensus(context.Background(), s.ID(), "a1", json.RawMessage(`{"decision":"approve"}`), consensus.AlgorithmQuorum)
		require.NoError(t, err)
		assert.False(t, res.Approved)
		assert.Equal(t, 1, s.Metrics().ConsensusFailed)
	})

	t.Run("proposer must participate", func(t *testing.T) {
		c, _ := newTestCoordinator(t, Options{})
		sid := activeThreeAgentSession(t, c)
		_, err := c.RequestConsensus(context.Background(), sid, "outsider", nil, consensus.AlgorithmQuorum)
		assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
	})
}

func TestMessageRateLimit(t *testing.T) {
	limits := ratelimit.NewManager(ratelimit.Policy{MessagesPerMinute: 1})
	c, _ := newTestCoordinator(t, Options{Limits: limits})
	sid := activeThreeAgentSession(t, c)

	_, err := c.BroadcastMessage(sid, "a1", bus.TypeNotification, bus.PriorityNormal, "one")
	require.NoError(t, err)

	_, err = c.BroadcastMessage(sid, "a1", bus.TypeNotification, bus.PriorityNormal, "two")
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindCapacityExceeded))

	// Other agents have their own budget.
	_, err = c.BroadcastMessage(sid, "a2", bus.TypeNotification, bus.PriorityNormal, "three")
	assert.NoError(t, err)
}

func TestAuditTrail(t *testing.T) {
	log, err := audit.NewLog(audit.Config{Secret: []byte("coordinator-audit-secret-000000001")})
	require.NoError(t, err)
	c, _ := newTestCoordinator(t, Options{Audit: log})

	sid := activeThreeAgentSession(t, c)
	require.NoError(t, c.FailSession(sid, "operator abort"))

	events := log.Query(audit.QueryOptions{ResourceType: "session", ResourceID: sid})
	require.NotEmpty(t, events)
	assert.Equal(t, "session.created", events[0].Type)
	assert.Equal(t, "alice", events[0].UserID)
	last := events[len(events)-1]
	assert.Equal(t, "session.failed", last.Type)
	assert.Equal(t, audit.ResultFailure, last.Result)

	assert.Empty(t, log.VerifyIntegrity())
}

func TestLeaveSessionCleansUp(t *testing.T) {
	c, b := newTestCoordinator(t, Options{})
	sid := activeThreeAgentSession(t, c)

	require.NoError(t, c.LeaveSession(sid, "a3"))
	assert.Nil(t, b.Mailbox("a3"))

	s, err := c.Sessions().Get(sid)
	require.NoError(t, err)
	assert.Equal(t, 2, s.ActiveParticipantCount())

	// Leave is idempotent.
	assert.NoError(t, c.LeaveSession(sid, "a3"))
}
