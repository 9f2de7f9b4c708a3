package consensus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conclave-ai/conclave/pkg/apperr"
)

const (
	// DefaultProposalTimeout applies when a request carries no timeout.
	DefaultProposalTimeout = 30 * time.Second

	// reaperInterval is how often expired pending proposals are swept.
	reaperInterval = time.Second

	// quorumEpsilon breaks exact-half ties toward rejection.
	quorumEpsilon = 1e-9
)

// Engine owns the proposal registry and runs agreement algorithms.
type Engine struct {
	collector VoteCollector

	mu        sync.RWMutex
	proposals map[string]*Proposal

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewEngine creates an engine using collector for vote transport.
func NewEngine(collector VoteCollector) *Engine {
	return &Engine{
		collector: collector,
		proposals: make(map[string]*Proposal),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the background reaper that expires overdue proposals.
func (e *Engine) Start() {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(reaperInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.reapExpired()
			case <-e.stopCh:
				return
			}
		}
	}()
}

// Stop terminates the reaper. Safe to call multiple times.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
}

// Propose runs the given algorithm to agreement (or timeout) and returns
// the result. The proposal remains queryable afterwards.
func (e *Engine) Propose(ctx context.Context, algorithm Algorithm, req Request) (*Result, error) {
	if len(req.Participants) == 0 {
		return nil, apperr.InvalidInput("consensus requires at least one participant")
	}
	if req.ProposerID == "" {
		return nil, apperr.InvalidInput("proposer id is required")
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultProposalTimeout
	}

	p := &Proposal{
		ID:         uuid.New().String(),
		SessionID:  req.SessionID,
		ProposerID: req.ProposerID,
		Value:      req.Value,
		Status:     StatusPending,
		Votes:      make(map[string]Vote),
		CreatedAt:  time.Now(),
		Timeout:    timeout,
	}
	e.register(p)

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		result *Result
		err    error
	)
	switch algorithm {
	case AlgorithmQuorum:
		result, err = e.runQuorum(runCtx, p, req.Participants)
	case AlgorithmRaft:
		result, err = e.runRaft(runCtx, p, req.Participants)
	case AlgorithmByzantine:
		result, err = e.runByzantine(runCtx, p, req.Participants)
	case AlgorithmGossip:
		result, err = e.runGossip(runCtx, p, req.Participants)
	default:
		e.setStatus(p, StatusRejected)
		return nil, apperr.InvalidInput("unknown consensus algorithm %q", algorithm)
	}

	if err != nil {
		if runCtx.Err() != nil {
			e.setStatus(p, StatusExpired)
			slog.Warn("Proposal expired before completion",
				"proposal_id", p.ID, "algorithm", algorithm, "timeout", timeout)
			return &Result{
				ProposalID: p.ID,
				Approved:   false,
				Algorithm:  algorithm,
				Votes:      e.votesSnapshot(p),
				Reason:     "timeout",
			}, nil
		}
		e.setStatus(p, StatusRejected)
		return nil, err
	}

	if result.Approved {
		e.setStatus(p, StatusAccepted)
	} else {
		e.setStatus(p, StatusRejected)
	}
	result.ProposalID = p.ID
	result.Algorithm = algorithm
	return result, nil
}

// Proposal returns a registered proposal by id.
func (e *Engine) Proposal(id string) (*Proposal, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.proposals[id]
	if !ok {
		return nil, apperr.NotFound("proposal %s not found", id)
	}
	return p, nil
}

func (e *Engine) register(p *Proposal) {
	e.mu.Lock()
	e.proposals[p.ID] = p
	e.mu.Unlock()
}

func (e *Engine) setStatus(p *Proposal, status ProposalStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	// Terminal statuses never regress (the reaper may have expired the
	// proposal while an algorithm was finishing).
	if p.Status == StatusPending {
		p.Status = status
	}
}

func (e *Engine) recordVote(p *Proposal, v Vote) {
	e.mu.Lock()
	p.Votes[v.VoterID] = v
	e.mu.Unlock()
}

func (e *Engine) votesSnapshot(p *Proposal) map[string]Vote {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]Vote, len(p.Votes))
	for k, v := range p.Votes {
		out[k] = v
	}
	return out
}

func (e *Engine) reapExpired() {
	now := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range e.proposals {
		if p.Status == StatusPending && now.Sub(p.CreatedAt) >= p.Timeout {
			p.Status = StatusExpired
			slog.Info("Reaped expired proposal", "proposal_id", p.ID, "session_id", p.SessionID)
		}
	}
}
