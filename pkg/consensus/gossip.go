package consensus

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// gossipAgreementThreshold is the fraction of final beliefs that must
// agree for a gossip run to commit.
const gossipAgreementThreshold = 2.0 / 3.0

// runGossip spreads beliefs epidemically: each round every participant
// samples k = ⌈log₂ n⌉ peers uniformly at random and adopts the majority
// among the sampled beliefs plus its own. After O(log n) rounds the run
// commits iff at least two thirds of the last observed beliefs agree.
func (e *Engine) runGossip(ctx context.Context, p *Proposal, participants []string) (*Result, error) {
	n := len(participants)

	// Initial beliefs from each participant's vote.
	beliefs := make(map[string]bool, n)
	for _, id := range participants {
		v, err := e.collector.RequestVote(ctx, p, id)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			beliefs[id] = false
			e.recordVote(p, Vote{VoterID: id, Approve: false, Confidence: 0, Timestamp: time.Now()})
			continue
		}
		v.VoterID = id
		v.Confidence = clamp01(v.Confidence)
		e.recordVote(p, v)
		beliefs[id] = v.Approve
	}

	k := 1
	rounds := 1
	if n > 1 {
		k = int(math.Ceil(math.Log2(float64(n))))
		rounds = 2 * k // O(log n) with headroom for mixing
	}

	for round := 0; round < rounds; round++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		next := make(map[string]bool, n)
		for _, id := range participants {
			approve, total := 0, 0
			if beliefs[id] {
				approve++
			}
			total++
			for i := 0; i < k; i++ {
				peer := participants[rand.Intn(n)]
				if beliefs[peer] {
					approve++
				}
				total++
			}
			next[id] = approve*2 > total
		}
		beliefs = next
	}

	approvals := 0
	for _, b := range beliefs {
		if b {
			approvals++
		}
	}
	agreement := float64(approvals) / float64(n)

	switch {
	case agreement >= gossipAgreementThreshold:
		return &Result{Approved: true, Rounds: rounds, Votes: e.votesSnapshot(p)}, nil
	case 1-agreement >= gossipAgreementThreshold:
		return &Result{Approved: false, Rounds: rounds, Votes: e.votesSnapshot(p)}, nil
	default:
		return &Result{
			Approved: false,
			Rounds:   rounds,
			Votes:    e.votesSnapshot(p),
			Reason:   "no convergence",
		}, nil
	}
}
