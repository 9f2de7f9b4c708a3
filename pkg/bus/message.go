// Package bus implements per-agent priority mailboxes and the process-wide
// message bus that connects them: topic publish/subscribe, direct delivery,
// broadcast, and correlated request/response with timeouts and retries.
package bus

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/conclave-ai/conclave/pkg/apperr"
)

// Priority orders delivery within a mailbox. Higher values dequeue first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MessageType classifies bus traffic.
type MessageType string

const (
	TypeRequest      MessageType = "request"
	TypeResponse     MessageType = "response"
	TypeNotification MessageType = "notification"
	TypeBroadcast    MessageType = "broadcast"
	TypeHeartbeat    MessageType = "heartbeat"
	TypeControl      MessageType = "control"
)

// BroadcastRecipient is the reserved To value meaning "every known mailbox
// except the sender".
const BroadcastRecipient = "broadcast"

// Message is the unit of exchange between agents. Payloads are serialized
// JSON at the boundary; internal APIs never carry untyped values.
type Message struct {
	ID            string          `json:"id"`
	From          string          `json:"from"`
	To            []string        `json:"to"`
	Type          MessageType     `json:"type"`
	Priority      Priority        `json:"priority"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	TTL           time.Duration   `json:"ttl_ms,omitempty"`
	ReplyTo       string          `json:"reply_to,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewMessage builds a message with a fresh ID and timestamp, marshaling the
// payload to JSON.
func NewMessage(from string, to []string, typ MessageType, priority Priority, payload any) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, apperr.InvalidInput("unserializable payload").WithCause(err)
	}
	return &Message{
		ID:        uuid.New().String(),
		From:      from,
		To:        to,
		Type:      typ,
		Priority:  priority,
		Payload:   raw,
		Timestamp: time.Now(),
	}, nil
}

// Expired reports whether the message has outlived its TTL at now.
// A zero TTL never expires.
func (m *Message) Expired(now time.Time) bool {
	return m.TTL > 0 && now.Sub(m.Timestamp) > m.TTL
}

// Response builds the reply to a request, carrying the request's ID as the
// correlation id (and honoring ReplyTo when set).
func (m *Message) Response(from string, payload any) (*Message, error) {
	resp, err := NewMessage(from, []string{m.From}, TypeResponse, m.Priority, payload)
	if err != nil {
		return nil, err
	}
	if m.ReplyTo != "" {
		resp.To = []string{m.ReplyTo}
	}
	resp.CorrelationID = m.ID
	return resp, nil
}
