// Package stream implements server-sent events: a broadcast hub with
// per-client filters and replay, typed task/agent/LLM streams layered
// on top, and a reconnecting client.
package stream

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Event is one SSE frame.
type Event struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	RetryMs int    `json:"retry_ms,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// encode renders the event in wire format: optional id, event and retry
// lines, one data line per payload line, and a terminating blank line.
func (e Event) encode() ([]byte, error) {
	var b strings.Builder
	if e.ID != "" {
		fmt.Fprintf(&b, "id: %s\n", e.ID)
	}
	if e.Type != "" {
		fmt.Fprintf(&b, "event: %s\n", e.Type)
	}
	if e.RetryMs > 0 {
		fmt.Fprintf(&b, "retry: %d\n", e.RetryMs)
	}

	var payload string
	switch data := e.Data.(type) {
	case nil:
	case string:
		payload = data
	default:
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal event data: %w", err)
		}
		payload = string(raw)
	}
	for _, line := range strings.Split(payload, "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteString("\n")
	return []byte(b.String()), nil
}

// matchFilter reports whether an event type matches a filter pattern.
// A trailing "*" matches any suffix, so "task:*" covers every task
// event.
func matchFilter(pattern, eventType string) bool {
	if pattern == "*" || pattern == eventType {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(eventType, prefix)
	}
	return false
}

// matchesAny applies a filter set; an empty set matches everything.
func matchesAny(filters []string, eventType string) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if matchFilter(f, eventType) {
			return true
		}
	}
	return false
}
