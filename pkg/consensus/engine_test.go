package consensus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conclave-ai/conclave/pkg/apperr"
)

// fixedCollector returns a preconfigured vote per participant; missing
// entries error (unreachable participant).
type fixedCollector struct {
	mu    sync.Mutex
	votes map[string]Vote
	calls map[string]int
}

func newFixedCollector(votes map[string]Vote) *fixedCollector {
	return &fixedCollector{votes: votes, calls: make(map[string]int)}
}

func (c *fixedCollector) RequestVote(_ context.Context, _ *Proposal, id string) (Vote, error) {
	c.mu.Lock()
	c.calls[id]++
	c.mu.Unlock()
	v, ok := c.votes[id]
	if !ok {
		return Vote{}, errors.New("unreachable")
	}
	v.Timestamp = time.Now()
	return v, nil
}

func approveAll(ids ...string) map[string]Vote {
	votes := make(map[string]Vote, len(ids))
	for _, id := range ids {
		votes[id] = Vote{VoterID: id, Approve: true, Confidence: 1.0}
	}
	return votes
}

func testRequest(participants ...string) Request {
	return Request{
		SessionID:    "sess-1",
		ProposerID:   participants[0],
		Value:        json.RawMessage(`{"decision":"approve"}`),
		Participants: participants,
		Timeout:      5 * time.Second,
	}
}

func TestQuorum(t *testing.T) {
	t.Run("unanimous approval accepts", func(t *testing.T) {
		e := NewEngine(newFixedCollector(approveAll("a1", "a2", "a3")))
		res, err := e.Propose(context.Background(), AlgorithmQuorum, testRequest("a1", "a2", "a3"))
		require.NoError(t, err)
		assert.True(t, res.Approved)
		assert.Equal(t, AlgorithmQuorum, res.Algorithm)
		assert.Len(t, res.Votes, 3)

		p, err := e.Proposal(res.ProposalID)
		require.NoError(t, err)
		assert.Equal(t, StatusAccepted, p.Status)
		assert.Equal(t, 1.0, p.ApprovalRate())
	})

	t.Run("unanimous rejection rejects", func(t *testing.T) {
		votes := map[string]Vote{
			"a1": {Approve: false, Confidence: 1},
			"a2": {Approve: false, Confidence: 1},
			"a3": {Approve: false, Confidence: 1},
		}
		e := NewEngine(newFixedCollector(votes))
		res, err := e.Propose(context.Background(), AlgorithmQuorum, testRequest("a1", "a2", "a3"))
		require.NoError(t, err)
		assert.False(t, res.Approved)
	})

	t.Run("exact tie rejects", func(t *testing.T) {
		votes := map[string]Vote{
			"a1": {Approve: true, Confidence: 1},
			"a2": {Approve: true, Confidence: 1},
			"a3": {Approve: false, Confidence: 1},
			"a4": {Approve: false, Confidence: 1},
		}
		e := NewEngine(newFixedCollector(votes))
		res, err := e.Propose(context.Background(), AlgorithmQuorum, testRequest("a1", "a2", "a3", "a4"))
		require.NoError(t, err)
		assert.False(t, res.Approved)
	})

	t.Run("confidence weighting decides close calls", func(t *testing.T) {
		votes := map[string]Vote{
			"a1": {Approve: true, Confidence: 0.9},
			"a2": {Approve: false, Confidence: 0.2},
			"a3": {Approve: false, Confidence: 0.2},
		}
		e := NewEngine(newFixedCollector(votes))
		res, err := e.Propose(context.Background(), AlgorithmQuorum, testRequest("a1", "a2", "a3"))
		require.NoError(t, err)
		assert.True(t, res.Approved, "0.9/1.3 weighted approval clears one half")
	})

	t.Run("non-responders abstain without blocking the outcome", func(t *testing.T) {
		votes := map[string]Vote{
			"a1": {Approve: true, Confidence: 1},
			"a2": {Approve: true, Confidence: 1},
			// a3 unreachable
		}
		e := NewEngine(newFixedCollector(votes))
		res, err := e.Propose(context.Background(), AlgorithmQuorum, testRequest("a1", "a2", "a3"))
		require.NoError(t, err)
		assert.True(t, res.Approved)
		require.Contains(t, res.Votes, "a3")
		assert.Zero(t, res.Votes["a3"].Confidence)
	})
}

func TestRaft(t *testing.T) {
	t.Run("majority acks commit", func(t *testing.T) {
		e := NewEngine(newFixedCollector(approveAll("a1", "a2", "a3", "a4", "a5")))
		res, err := e.Propose(context.Background(), AlgorithmRaft, testRequest("a1", "a2", "a3", "a4", "a5"))
		require.NoError(t, err)
		assert.True(t, res.Approved)
		assert.GreaterOrEqual(t, res.Rounds, 1)
	})

	t.Run("majority rejection is definitive", func(t *testing.T) {
		votes := map[string]Vote{
			"a1": {Approve: false, Confidence: 1},
			"a2": {Approve: false, Confidence: 1},
			"a3": {Approve: true, Confidence: 1},
		}
		e := NewEngine(newFixedCollector(votes))
		res, err := e.Propose(context.Background(), AlgorithmRaft, testRequest("a1", "a2", "a3"))
		require.NoError(t, err)
		assert.False(t, res.Approved)
	})

	t.Run("unreachable candidates trigger new terms", func(t *testing.T) {
		// Only a2 and a3 are reachable; any term with a1 as candidate
		// must fail over to the next term's candidate.
		votes := map[string]Vote{
			"a2": {Approve: true, Confidence: 1},
			"a3": {Approve: true, Confidence: 1},
		}
		e := NewEngine(newFixedCollector(votes))
		res, err := e.Propose(context.Background(), AlgorithmRaft, testRequest("a2", "a1", "a3"))
		require.NoError(t, err)
		assert.True(t, res.Approved, "a quorum of 2/3 reachable approvers should commit")
	})
}

func TestByzantine(t *testing.T) {
	t.Run("unanimous approval commits", func(t *testing.T) {
		ids := []string{"a1", "a2", "a3", "a4"}
		e := NewEngine(newFixedCollector(approveAll(ids...)))
		res, err := e.Propose(context.Background(), AlgorithmByzantine, testRequest(ids...))
		require.NoError(t, err)
		assert.True(t, res.Approved)
	})

	t.Run("honest majority overrides faulty minority", func(t *testing.T) {
		// 4 participants tolerate f=1; a4 is unreachable (faulty).
		votes := map[string]Vote{
			"a1": {Approve: true, Confidence: 1},
			"a2": {Approve: true, Confidence: 1},
			"a3": {Approve: true, Confidence: 1},
		}
		e := NewEngine(newFixedCollector(votes))
		res, err := e.Propose(context.Background(), AlgorithmByzantine, testRequest("a1", "a2", "a3", "a4"))
		require.NoError(t, err)
		assert.True(t, res.Approved)
	})

	t.Run("small clusters degrade to single-round majority", func(t *testing.T) {
		votes := map[string]Vote{
			"a1": {Approve: false, Confidence: 1},
			"a2": {Approve: false, Confidence: 1},
			"a3": {Approve: true, Confidence: 1},
		}
		e := NewEngine(newFixedCollector(votes))
		res, err := e.Propose(context.Background(), AlgorithmByzantine, testRequest("a1", "a2", "a3"))
		require.NoError(t, err)
		assert.False(t, res.Approved)
	})
}

func TestGossip(t *testing.T) {
	t.Run("unanimous belief converges", func(t *testing.T) {
		ids := []string{"a1", "a2", "a3", "a4", "a5", "a6", "a7", "a8"}
		e := NewEngine(newFixedCollector(approveAll(ids...)))
		res, err := e.Propose(context.Background(), AlgorithmGossip, testRequest(ids...))
		require.NoError(t, err)
		assert.True(t, res.Approved)
	})

	t.Run("unanimous rejection converges to reject", func(t *testing.T) {
		votes := map[string]Vote{}
		ids := []string{"a1", "a2", "a3", "a4"}
		for _, id := range ids {
			votes[id] = Vote{Approve: false, Confidence: 1}
		}
		e := NewEngine(newFixedCollector(votes))
		res, err := e.Propose(context.Background(), AlgorithmGossip, testRequest(ids...))
		require.NoError(t, err)
		assert.False(t, res.Approved)
	})

	t.Run("single participant commits its own belief", func(t *testing.T) {
		e := NewEngine(newFixedCollector(approveAll("a1")))
		res, err := e.Propose(context.Background(), AlgorithmGossip, testRequest("a1"))
		require.NoError(t, err)
		assert.True(t, res.Approved)
	})
}

func TestProposalLifecycle(t *testing.T) {
	t.Run("rejects empty participants and unknown algorithm", func(t *testing.T) {
		e := NewEngine(newFixedCollector(nil))
		_, err := e.Propose(context.Background(), AlgorithmQuorum, Request{ProposerID: "a1"})
		assert.True(t, apperr.IsKind(err, apperr.KindInvalidInput))

		_, err = e.Propose(context.Background(), Algorithm("zen"), testRequest("a1"))
		assert.True(t, apperr.IsKind(err, apperr.KindInvalidInput))
	})

	t.Run("slow collectors expire the proposal", func(t *testing.T) {
		slow := CollectorFunc(func(ctx context.Context, _ *Proposal, id string) (Vote, error) {
			select {
			case <-ctx.Done():
				return Vote{}, ctx.Err()
			case <-time.After(10 * time.Second):
				return Vote{VoterID: id, Approve: true, Confidence: 1}, nil
			}
		})
		e := NewEngine(slow)
		req := testRequest("a1", "a2")
		req.Timeout = 50 * time.Millisecond

		res, err := e.Propose(context.Background(), AlgorithmQuorum, req)
		require.NoError(t, err)
		assert.False(t, res.Approved)
		assert.Equal(t, "timeout", res.Reason)

		p, err := e.Proposal(res.ProposalID)
		require.NoError(t, err)
		assert.Equal(t, StatusExpired, p.Status)
	})

	t.Run("reaper expires overdue pending proposals", func(t *testing.T) {
		e := NewEngine(newFixedCollector(nil))
		p := &Proposal{
			ID:        "stale",
			Status:    StatusPending,
			Votes:     map[string]Vote{},
			CreatedAt: time.Now().Add(-time.Minute),
			Timeout:   time.Second,
		}
		e.register(p)
		e.reapExpired()

		got, err := e.Proposal("stale")
		require.NoError(t, err)
		assert.Equal(t, StatusExpired, got.Status)
	})
}
