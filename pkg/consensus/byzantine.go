package consensus

import (
	"context"
	"time"
)

// runByzantine runs f+1 rounds of majority exchange for n participants
// tolerating f = ⌊(n-1)/3⌋ faults. Round one collects each participant's
// initial choice; in each subsequent round every honest participant adopts
// the majority it observed. The value commits once it has been the
// majority in two consecutive rounds.
func (e *Engine) runByzantine(ctx context.Context, p *Proposal, participants []string) (*Result, error) {
	n := len(participants)
	f := (n - 1) / 3
	rounds := f + 1

	// Initial beliefs. Unreachable participants are treated as faulty:
	// they hold a fixed "reject" belief and never adopt the majority.
	beliefs := make(map[string]bool, n)
	faulty := make(map[string]bool)
	for _, id := range participants {
		v, err := e.collector.RequestVote(ctx, p, id)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			beliefs[id] = false
			faulty[id] = true
			e.recordVote(p, Vote{VoterID: id, Approve: false, Confidence: 0, Timestamp: time.Now()})
			continue
		}
		v.VoterID = id
		v.Confidence = clamp01(v.Confidence)
		e.recordVote(p, v)
		beliefs[id] = v.Approve
	}

	prevMajority, hadPrev := false, false
	for round := 1; round <= rounds; round++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		maj := majorityBelief(beliefs)

		if hadPrev && maj == prevMajority {
			// Stable across two consecutive rounds: commit.
			return &Result{Approved: maj, Rounds: round, Votes: e.votesSnapshot(p)}, nil
		}
		prevMajority, hadPrev = maj, true

		// Honest participants adopt the observed majority.
		for _, id := range participants {
			if !faulty[id] {
				beliefs[id] = maj
			}
		}
	}

	return &Result{Approved: prevMajority, Rounds: rounds, Votes: e.votesSnapshot(p)}, nil
}

// majorityBelief returns the strict-majority value; ties break to reject.
func majorityBelief(beliefs map[string]bool) bool {
	approve := 0
	for _, b := range beliefs {
		if b {
			approve++
		}
	}
	return approve*2 > len(beliefs)
}
