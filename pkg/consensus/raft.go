package consensus

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

const (
	// raftMaxTerms bounds re-elections within a single proposal run.
	raftMaxTerms = 5

	// LeaderHeartbeatTimeout is how long a follower waits for a leader
	// heartbeat before treating it as failed and starting an election.
	LeaderHeartbeatTimeout = 1500 * time.Millisecond
)

// runRaft elects a leader by random-timeout voting, then has the leader
// replicate the proposal to followers. The proposal commits when a
// majority of the cluster (leader included) has acknowledged it. An
// unreachable leader triggers a new election in the next term.
func (e *Engine) runRaft(ctx context.Context, p *Proposal, participants []string) (*Result, error) {
	n := len(participants)
	majority := n/2 + 1

	// Candidate order for this run: each participant draws a random
	// election timeout; the shortest timer wins the first candidacy.
	order := electionOrder(participants)

	for term := 1; term <= raftMaxTerms; term++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		leader := order[(term-1)%n]

		// The candidate must itself be reachable to assume leadership;
		// its own vote doubles as the leader's log append.
		leaderVote, err := e.collector.RequestVote(ctx, p, leader)
		if err != nil {
			slog.Debug("Leader candidate unreachable, starting new term",
				"proposal_id", p.ID, "term", term, "candidate", leader)
			continue
		}
		leaderVote.VoterID = leader
		leaderVote.Confidence = clamp01(leaderVote.Confidence)
		e.recordVote(p, leaderVote)

		// Replicate to followers and count acknowledgements. A follower
		// acks by approving; rejection and unreachability both count
		// against the majority.
		acks := 0
		if leaderVote.Approve {
			acks = 1
		}
		for _, id := range participants {
			if id == leader {
				continue
			}
			v, err := e.collector.RequestVote(ctx, p, id)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				continue
			}
			v.VoterID = id
			v.Confidence = clamp01(v.Confidence)
			e.recordVote(p, v)
			if v.Approve {
				acks++
			}
		}

		if acks >= majority {
			return &Result{Approved: true, Rounds: term, Votes: e.votesSnapshot(p)}, nil
		}

		// The leader could not assemble a majority: with full
		// participation this is a definitive rejection, not a leader
		// failure — re-electing cannot change the outcome.
		if len(e.votesSnapshot(p)) == n {
			return &Result{
				Approved: false,
				Rounds:   term,
				Votes:    e.votesSnapshot(p),
				Reason:   "majority not reached",
			}, nil
		}
	}

	return &Result{
		Approved: false,
		Rounds:   raftMaxTerms,
		Votes:    e.votesSnapshot(p),
		Reason:   "no stable leader",
	}, nil
}

// electionOrder shuffles participants; the permutation models each node's
// random election timeout, shortest first.
func electionOrder(participants []string) []string {
	order := make([]string, len(participants))
	copy(order, participants)
	rand.Shuffle(len(order), func(i, j int) {
		order[i], order[j] = order[j], order[i]
	})
	return order
}
