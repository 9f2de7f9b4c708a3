package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/conclave-ai/conclave/pkg/apperr"
)

// Handler receives messages published to a subscribed topic.
type Handler func(*Message)

// Filter narrows a subscription; nil matches everything.
type Filter func(*Message) bool

// RequestOptions tunes Request delivery.
type RequestOptions struct {
	// Timeout bounds a single attempt. Default 5s.
	Timeout time.Duration
	// Retries is the number of additional attempts after the first times
	// out. Attempts are spaced by exponential backoff (200ms, ×2, cap 5s).
	Retries int
}

const (
	defaultRequestTimeout = 5 * time.Second
	requestBackoffInitial = 200 * time.Millisecond
	requestBackoffCap     = 5 * time.Second
	requestBackoffFactor  = 2.0
)

type subscription struct {
	handler Handler
	filter  Filter
}

// Bus routes messages between agent mailboxes and topic subscribers.
// Mailboxes are registered per agent; the bus is the only writer into them.
type Bus struct {
	mu        sync.RWMutex
	mailboxes map[string]*Mailbox

	subMu  sync.RWMutex
	topics map[string]map[string]subscription // topic → subscriberID → sub

	waitMu  sync.Mutex
	waiters map[string]chan *Message // correlationID → waiter

	mailboxCfg MailboxConfig
}

// New creates a bus whose mailboxes use cfg.
func New(cfg MailboxConfig) *Bus {
	return &Bus{
		mailboxes:  make(map[string]*Mailbox),
		topics:     make(map[string]map[string]subscription),
		waiters:    make(map[string]chan *Message),
		mailboxCfg: cfg,
	}
}

// RegisterAgent creates (or returns the existing) mailbox for agentID.
func (b *Bus) RegisterAgent(agentID string) *Mailbox {
	b.mu.Lock()
	defer b.mu.Unlock()

	if mb, ok := b.mailboxes[agentID]; ok {
		return mb
	}
	mb := NewMailbox(agentID, b.mailboxCfg)
	b.mailboxes[agentID] = mb
	return mb
}

// UnregisterAgent removes an agent's mailbox. Queued messages are dropped.
func (b *Bus) UnregisterAgent(agentID string) {
	b.mu.Lock()
	delete(b.mailboxes, agentID)
	b.mu.Unlock()
}

// Mailbox returns the mailbox for agentID, or nil.
func (b *Bus) Mailbox(agentID string) *Mailbox {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.mailboxes[agentID]
}

// Subscribe registers a handler for a topic. A second subscribe with the
// same subscriberID replaces the previous handler.
func (b *Bus) Subscribe(topic, subscriberID string, handler Handler, filter Filter) {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	if b.topics[topic] == nil {
		b.topics[topic] = make(map[string]subscription)
	}
	b.topics[topic][subscriberID] = subscription{handler: handler, filter: filter}
}

// Unsubscribe removes a topic subscription. Unknown ids are ignored.
func (b *Bus) Unsubscribe(topic, subscriberID string) {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	if subs, ok := b.topics[topic]; ok {
		delete(subs, subscriberID)
		if len(subs) == 0 {
			delete(b.topics, topic)
		}
	}
}

// Publish delivers a message to every matching subscriber of topic.
// Handlers run on the caller's goroutine in unspecified subscriber order;
// snapshot-then-call keeps the lock out of handler execution.
func (b *Bus) Publish(topic string, m *Message) int {
	b.subMu.RLock()
	subs := make([]subscription, 0, len(b.topics[topic]))
	for _, sub := range b.topics[topic] {
		subs = append(subs, sub)
	}
	b.subMu.RUnlock()

	delivered := 0
	for _, sub := range subs {
		if sub.filter != nil && !sub.filter(m) {
			continue
		}
		sub.handler(m)
		delivered++
	}
	return delivered
}

// SendDirect enqueues a message into each recipient's mailbox and returns
// the message id. Responses whose correlation id has a registered waiter
// are routed to the waiter instead of a mailbox; a late response (waiter
// already gone) is discarded silently.
func (b *Bus) SendDirect(m *Message) (string, error) {
	if m.Type == TypeResponse && m.CorrelationID != "" {
		if b.deliverToWaiter(m) {
			return m.ID, nil
		}
		// No registered waiter: the requester timed out or cancelled.
		// Late responses are discarded, never queued.
		slog.Debug("Discarding late response", "correlation_id", m.CorrelationID)
		return m.ID, nil
	}

	if len(m.To) == 1 && m.To[0] == BroadcastRecipient {
		b.broadcast(m)
		return m.ID, nil
	}

	for _, to := range m.To {
		mb := b.Mailbox(to)
		if mb == nil {
			return "", apperr.NotFound("no mailbox for agent %s", to).WithDetail("agent_id", to)
		}
		if !mb.Enqueue(m) {
			return "", apperr.CapacityExceeded("mailbox full for agent %s", to).WithDetail("agent_id", to)
		}
	}
	return m.ID, nil
}

// Broadcast sends a message to every known mailbox except the sender.
// Full mailboxes are skipped with a warning. Returns the delivery count.
func (b *Bus) Broadcast(m *Message) int {
	return b.broadcast(m)
}

func (b *Bus) broadcast(m *Message) int {
	b.mu.RLock()
	targets := make([]*Mailbox, 0, len(b.mailboxes))
	for id, mb := range b.mailboxes {
		if id == m.From {
			continue
		}
		targets = append(targets, mb)
	}
	b.mu.RUnlock()

	delivered := 0
	for _, mb := range targets {
		if mb.Enqueue(m) {
			delivered++
		} else {
			slog.Warn("Broadcast skipped full mailbox",
				"agent_id", mb.AgentID(), "message_id", m.ID)
		}
	}
	return delivered
}

// Request sends m and waits for the correlated response. Retries attempts
// with exponential backoff on timeout. Cancelling ctx deregisters the
// waiter; any late response is discarded.
func (b *Bus) Request(ctx context.Context, m *Message, opts RequestOptions) (*Message, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = requestBackoffInitial
	bo.Multiplier = requestBackoffFactor
	bo.MaxInterval = requestBackoffCap
	bo.RandomizationFactor = 0

	var lastErr error
	for attempt := 0; attempt <= opts.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(bo.NextBackOff()):
			case <-ctx.Done():
				return nil, apperr.Timeout("request cancelled").WithCause(ctx.Err())
			}
		}

		resp, err := b.requestOnce(ctx, m, timeout)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !apperr.IsKind(err, apperr.KindTimeout) || ctx.Err() != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func (b *Bus) requestOnce(ctx context.Context, m *Message, timeout time.Duration) (*Message, error) {
	waiter := make(chan *Message, 1)

	b.waitMu.Lock()
	b.waiters[m.ID] = waiter
	b.waitMu.Unlock()

	defer func() {
		b.waitMu.Lock()
		delete(b.waiters, m.ID)
		b.waitMu.Unlock()
	}()

	if _, err := b.SendDirect(m); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-waiter:
		return resp, nil
	case <-timer.C:
		return nil, apperr.Timeout("no response to %s within %s", m.ID, timeout).
			WithDetail("message_id", m.ID)
	case <-ctx.Done():
		return nil, apperr.Timeout("request cancelled").WithCause(ctx.Err())
	}
}

// deliverToWaiter hands a response to the registered waiter, if any.
func (b *Bus) deliverToWaiter(resp *Message) bool {
	b.waitMu.Lock()
	waiter, ok := b.waiters[resp.CorrelationID]
	if ok {
		delete(b.waiters, resp.CorrelationID)
	}
	b.waitMu.Unlock()

	if !ok {
		return false
	}
	waiter <- resp
	return true
}

// AgentIDs returns the ids of all registered mailboxes.
func (b *Bus) AgentIDs() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := make([]string, 0, len(b.mailboxes))
	for id := range b.mailboxes {
		ids = append(ids, id)
	}
	return ids
}
