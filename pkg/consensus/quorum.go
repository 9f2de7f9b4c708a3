package consensus

import (
	"context"
	"sync"
	"time"
)

// runQuorum collects one vote from every participant in parallel and
// accepts iff the confidence-weighted approval rate clears one half.
// Exact ties are rejected. Participants that fail to respond are recorded
// as abstentions (zero confidence) and do not move the weighted rate.
func (e *Engine) runQuorum(ctx context.Context, p *Proposal, participants []string) (*Result, error) {
	var wg sync.WaitGroup
	votes := make(chan Vote, len(participants))

	for _, id := range participants {
		wg.Add(1)
		go func(voterID string) {
			defer wg.Done()
			v, err := e.collector.RequestVote(ctx, p, voterID)
			if err != nil {
				// Abstention: present in the tally, weightless.
				votes <- Vote{VoterID: voterID, Approve: false, Confidence: 0, Timestamp: time.Now()}
				return
			}
			v.VoterID = voterID
			v.Confidence = clamp01(v.Confidence)
			votes <- v
		}(id)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	// The proposal deadline governs the whole run: if it passed while
	// votes were being collected, the proposal expires instead of being
	// decided on a partial tally.
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	close(votes)

	for v := range votes {
		e.recordVote(p, v)
	}

	approved := p.WeightedApprovalRate() >= 0.5+quorumEpsilon
	return &Result{
		Approved: approved,
		Rounds:   1,
		Votes:    e.votesSnapshot(p),
	}, nil
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
