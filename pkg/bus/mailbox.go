package bus

import (
	"container/heap"
	"sync"
	"time"
)

// DefaultMailboxSize bounds a mailbox when no explicit size is given.
const DefaultMailboxSize = 1000

// MailboxConfig configures a mailbox. Zero values take defaults; redelivery
// is disabled unless AckTimeout is positive.
type MailboxConfig struct {
	MaxSize    int
	AckTimeout time.Duration
	MaxRetries int
}

// Mailbox is a bounded priority queue of messages for a single agent.
// Four priorities, FIFO within a priority. Expired messages are silently
// discarded at dequeue. Only the bus enqueues; only the owning agent
// dequeues.
type Mailbox struct {
	agentID string

	mu      sync.Mutex
	queue   msgHeap
	seq     uint64
	maxSize int

	// Redelivery: dequeued requests that are not acknowledged within
	// ackTimeout are re-enqueued at the same priority.
	ackTimeout time.Duration
	maxRetries int
	pending    map[string]*pendingAck
}

type pendingAck struct {
	timer    *time.Timer
	attempts int
}

type queuedMessage struct {
	msg *Message
	seq uint64
}

// msgHeap orders by priority descending, then by enqueue sequence ascending
// so same-priority messages stay FIFO.
type msgHeap []queuedMessage

func (h msgHeap) Len() int { return len(h) }
func (h msgHeap) Less(i, j int) bool {
	if h[i].msg.Priority != h[j].msg.Priority {
		return h[i].msg.Priority > h[j].msg.Priority
	}
	return h[i].seq < h[j].seq
}
func (h msgHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *msgHeap) Push(x any)   { *h = append(*h, x.(queuedMessage)) }
func (h *msgHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// NewMailbox creates a mailbox for agentID.
func NewMailbox(agentID string, cfg MailboxConfig) *Mailbox {
	maxSize := cfg.MaxSize
	if maxSize <= 0 {
		maxSize = DefaultMailboxSize
	}
	return &Mailbox{
		agentID:    agentID,
		maxSize:    maxSize,
		ackTimeout: cfg.AckTimeout,
		maxRetries: cfg.MaxRetries,
		pending:    make(map[string]*pendingAck),
	}
}

// AgentID returns the owning agent's id.
func (mb *Mailbox) AgentID() string { return mb.agentID }

// Enqueue adds a message. Returns false when the mailbox is full.
func (mb *Mailbox) Enqueue(m *Message) bool {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.enqueueLocked(m)
}

func (mb *Mailbox) enqueueLocked(m *Message) bool {
	if len(mb.queue) >= mb.maxSize {
		return false
	}
	mb.seq++
	heap.Push(&mb.queue, queuedMessage{msg: m, seq: mb.seq})
	return true
}

// Dequeue pops the highest-priority message, discarding any expired entries
// encountered on the way. Returns nil when the mailbox is empty.
func (mb *Mailbox) Dequeue() *Message {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.dequeueLocked(time.Now())
}

func (mb *Mailbox) dequeueLocked(now time.Time) *Message {
	for mb.queue.Len() > 0 {
		item := heap.Pop(&mb.queue).(queuedMessage)
		if item.msg.Expired(now) {
			continue
		}
		mb.scheduleRedeliveryLocked(item.msg)
		return item.msg
	}
	return nil
}

// DequeueBatch pops up to n messages in delivery order.
func (mb *Mailbox) DequeueBatch(n int) []*Message {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	now := time.Now()
	out := make([]*Message, 0, n)
	for len(out) < n {
		m := mb.dequeueLocked(now)
		if m == nil {
			break
		}
		out = append(out, m)
	}
	return out
}

// PeekBatch returns up to n messages in delivery order without removing
// them. Expired entries are skipped (but not removed; Dequeue drops them).
func (mb *Mailbox) PeekBatch(n int) []*Message {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	// Copy the heap so popping for ordered traversal does not disturb it.
	tmp := make(msgHeap, len(mb.queue))
	copy(tmp, mb.queue)

	now := time.Now()
	out := make([]*Message, 0, n)
	for tmp.Len() > 0 && len(out) < n {
		item := heap.Pop(&tmp).(queuedMessage)
		if item.msg.Expired(now) {
			continue
		}
		out = append(out, item.msg)
	}
	return out
}

// Acknowledge confirms processing of a dequeued request, cancelling any
// scheduled redelivery. Unknown ids are ignored.
func (mb *Mailbox) Acknowledge(msgID string) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if p, ok := mb.pending[msgID]; ok {
		p.timer.Stop()
		delete(mb.pending, msgID)
	}
}

// Size returns the number of queued messages (including not-yet-expired-
// checked entries).
func (mb *Mailbox) Size() int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.queue.Len()
}

// scheduleRedeliveryLocked arms the ack timer for a dequeued request.
// Redelivery applies to requests only and is off when ackTimeout is zero.
func (mb *Mailbox) scheduleRedeliveryLocked(m *Message) {
	if mb.ackTimeout <= 0 || m.Type != TypeRequest {
		return
	}

	attempts := 0
	if prev, ok := mb.pending[m.ID]; ok {
		attempts = prev.attempts
		prev.timer.Stop()
	}
	if attempts >= mb.maxRetries {
		delete(mb.pending, m.ID)
		return
	}

	p := &pendingAck{attempts: attempts + 1}
	p.timer = time.AfterFunc(mb.ackTimeout, func() {
		mb.redeliver(m)
	})
	mb.pending[m.ID] = p
}

func (mb *Mailbox) redeliver(m *Message) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if _, ok := mb.pending[m.ID]; !ok {
		// Acknowledged between timer fire and lock acquisition.
		return
	}
	if m.Expired(time.Now()) {
		delete(mb.pending, m.ID)
		return
	}
	mb.enqueueLocked(m)
}
