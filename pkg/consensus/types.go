// Package consensus implements the proposal lifecycle and the four
// agreement algorithms used inside coordination sessions: quorum voting,
// raft-style leader replication, byzantine agreement, and gossip.
//
// Vote transport is abstracted behind VoteCollector so the coordinator can
// wire it to the message bus while tests use synchronous fakes.
package consensus

import (
	"context"
	"encoding/json"
	"time"
)

// Algorithm selects the agreement strategy for a proposal.
type Algorithm string

const (
	AlgorithmQuorum    Algorithm = "quorum"
	AlgorithmRaft      Algorithm = "raft"
	AlgorithmByzantine Algorithm = "byzantine"
	AlgorithmGossip    Algorithm = "gossip"
)

// ProposalStatus tracks the proposal lifecycle:
// Pending → (Accepted | Rejected | Expired).
type ProposalStatus string

const (
	StatusPending  ProposalStatus = "pending"
	StatusAccepted ProposalStatus = "accepted"
	StatusRejected ProposalStatus = "rejected"
	StatusExpired  ProposalStatus = "expired"
)

// Vote is a single participant's position on a proposal.
type Vote struct {
	VoterID    string    `json:"voter_id"`
	Approve    bool      `json:"approve"`
	Confidence float64   `json:"confidence"` // in [0,1]
	Timestamp  time.Time `json:"timestamp"`
}

// Proposal is the unit of agreement.
type Proposal struct {
	ID         string          `json:"id"`
	SessionID  string          `json:"session_id"`
	ProposerID string          `json:"proposer_id"`
	Value      json.RawMessage `json:"value"`
	Status     ProposalStatus  `json:"status"`
	Votes      map[string]Vote `json:"votes"`
	CreatedAt  time.Time       `json:"created_at"`
	Timeout    time.Duration   `json:"timeout_ms"`
}

// ApprovalRate is approvals over total votes. Zero votes → 0.
func (p *Proposal) ApprovalRate() float64 {
	if len(p.Votes) == 0 {
		return 0
	}
	approvals := 0
	for _, v := range p.Votes {
		if v.Approve {
			approvals++
		}
	}
	return float64(approvals) / float64(len(p.Votes))
}

// WeightedApprovalRate weights each vote by its confidence. Zero total
// confidence → 0.
func (p *Proposal) WeightedApprovalRate() float64 {
	var approved, total float64
	for _, v := range p.Votes {
		total += v.Confidence
		if v.Approve {
			approved += v.Confidence
		}
	}
	if total == 0 {
		return 0
	}
	return approved / total
}

// Request carries the shared inputs of every algorithm.
type Request struct {
	SessionID    string
	ProposerID   string
	Value        json.RawMessage
	Participants []string
	Timeout      time.Duration
}

// Result is the shared output of every algorithm.
type Result struct {
	ProposalID string          `json:"proposal_id"`
	Approved   bool            `json:"approved"`
	Algorithm  Algorithm       `json:"algorithm"`
	Rounds     int             `json:"rounds"`
	Votes      map[string]Vote `json:"votes"`
	Reason     string          `json:"reason,omitempty"`
}

// VoteCollector obtains one participant's vote on a proposal. In
// production this is a bus request to the participant's agent; collectors
// must honor ctx and return an error for unreachable participants.
type VoteCollector interface {
	RequestVote(ctx context.Context, p *Proposal, participantID string) (Vote, error)
}

// CollectorFunc adapts a function to VoteCollector.
type CollectorFunc func(ctx context.Context, p *Proposal, participantID string) (Vote, error)

func (f CollectorFunc) RequestVote(ctx context.Context, p *Proposal, participantID string) (Vote, error) {
	return f(ctx, p, participantID)
}
