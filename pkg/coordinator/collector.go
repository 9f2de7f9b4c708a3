package coordinator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/conclave-ai/conclave/pkg/apperr"
	"github.com/conclave-ai/conclave/pkg/bus"
	"github.com/conclave-ai/conclave/pkg/consensus"
)

// coordinatorAgentID is the bus identity consensus requests are sent
// from. Replies route back through the correlation waiter, so no
// mailbox is registered under it.
const coordinatorAgentID = "coordinator"

const voteRequestTimeout = 5 * time.Second

// VoteRequest is the payload a participant receives when its vote is
// requested.
type VoteRequest struct {
	Kind       string          `json:"kind"`
	ProposalID string          `json:"proposal_id"`
	SessionID  string          `json:"session_id"`
	ProposerID string          `json:"proposer_id"`
	Value      json.RawMessage `json:"value"`
}

// voteRequestKind tags consensus traffic among other bus requests.
const voteRequestKind = "consensus.vote"

// VoteReply is the payload a participant answers a VoteRequest with.
type VoteReply struct {
	Approve    bool    `json:"approve"`
	Confidence float64 `json:"confidence"`
}

// ParseVoteRequest extracts a vote request from a bus message, false
// when the message is something else.
func ParseVoteRequest(m *bus.Message) (*VoteRequest, bool) {
	if m == nil || m.Type != bus.TypeRequest {
		return nil, false
	}
	var req VoteRequest
	if err := json.Unmarshal(m.Payload, &req); err != nil || req.Kind != voteRequestKind {
		return nil, false
	}
	return &req, true
}

// busCollector obtains votes by sending correlated requests over the
// bus. Participants that do not answer within the vote timeout count as
// unreachable.
type busCollector struct {
	bus *bus.Bus
}

func (bc *busCollector) RequestVote(ctx context.Context, p *consensus.Proposal, participantID string) (consensus.Vote, error) {
	m, err := bus.NewMessage(coordinatorAgentID, []string{participantID}, bus.TypeRequest, bus.PriorityHigh, VoteRequest{
		Kind:       voteRequestKind,
		ProposalID: p.ID,
		SessionID:  p.SessionID,
		ProposerID: p.ProposerID,
		Value:      p.Value,
	})
	if err != nil {
		return consensus.Vote{}, err
	}

	resp, err := bc.bus.Request(ctx, m, bus.RequestOptions{Timeout: voteRequestTimeout})
	if err != nil {
		return consensus.Vote{}, err
	}

	var reply VoteReply
	if err := json.Unmarshal(resp.Payload, &reply); err != nil {
		return consensus.Vote{}, apperr.InvalidInput("malformed vote reply from %s", participantID).WithCause(err)
	}
	return consensus.Vote{
		VoterID:    participantID,
		Approve:    reply.Approve,
		Confidence: reply.Confidence,
		Timestamp:  time.Now(),
	}, nil
}
