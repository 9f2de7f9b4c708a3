// Package audit keeps an append-only, HMAC-chained record of
// security-relevant actions. The log lives in memory as a bounded ring:
// once the live segment fills, it rotates into an archive batch and the
// oldest batches fall off when the total cap is exceeded. The HMAC chain
// spans rotation, so a verified export proves nothing was dropped or
// reordered in the retained window.
package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conclave-ai/conclave/pkg/apperr"
	"github.com/conclave-ai/conclave/pkg/auth"
)

// Severity orders audit events for filtering.
type Severity string

const (
	SeverityDebug    Severity = "debug"
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

var severityLevels = map[Severity]int{
	SeverityDebug:    0,
	SeverityInfo:     1,
	SeverityWarning:  2,
	SeverityError:    3,
	SeverityCritical: 4,
}

// Result is the outcome recorded for an audited action.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
)

// Resource identifies the object an audited action touched.
type Resource struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Event is one audit log entry. ID, PreviousEventID and HMAC are
// assigned by Log; callers fill the rest.
type Event struct {
	ID              string         `json:"id"`
	Type            string         `json:"type"`
	Severity        Severity       `json:"severity"`
	Timestamp       time.Time      `json:"timestamp"`
	UserID          string         `json:"user_id,omitempty"`
	Resource        *Resource      `json:"resource,omitempty"`
	Action          string         `json:"action,omitempty"`
	Result          Result         `json:"result"`
	Source          string         `json:"source,omitempty"`
	Details         map[string]any `json:"details,omitempty"`
	Error           string         `json:"error,omitempty"`
	PreviousEventID string         `json:"previous_event_id,omitempty"`
	HMAC            string         `json:"hmac"`
}

const (
	// defaultMaxEvents caps live plus archived entries.
	defaultMaxEvents = 10000
	// defaultRotateAfter is the live-segment size that triggers rotation.
	defaultRotateAfter = 5000
)

// Config tunes the audit log.
type Config struct {
	Secret      []byte
	MaxEvents   int
	RotateAfter int
	MinSeverity Severity
}

// Log is the in-memory audit log.
type Log struct {
	mu          sync.RWMutex
	secret      []byte
	events      []Event
	archived    [][]Event
	lastEventID string
	maxEvents   int
	rotateAfter int
	minSeverity Severity
}

// NewLog creates an audit log. The secret signs the HMAC chain and must
// not be empty.
func NewLog(cfg Config) (*Log, error) {
	if len(cfg.Secret) == 0 {
		return nil, apperr.InvalidInput("audit secret is required")
	}
	maxEvents := cfg.MaxEvents
	if maxEvents <= 0 {
		maxEvents = defaultMaxEvents
	}
	rotateAfter := cfg.RotateAfter
	if rotateAfter <= 0 {
		rotateAfter = defaultRotateAfter
	}
	minSeverity := cfg.MinSeverity
	if minSeverity == "" {
		minSeverity = SeverityDebug
	}
	if _, ok := severityLevels[minSeverity]; !ok {
		return nil, apperr.InvalidInput("unknown severity %q", minSeverity)
	}
	return &Log{
		secret:      cfg.Secret,
		maxEvents:   maxEvents,
		rotateAfter: rotateAfter,
		minSeverity: minSeverity,
	}, nil
}

// Record appends an event. Events below the configured severity floor
// are dropped. Returns the assigned event id, empty when dropped.
func (l *Log) Record(e Event) (string, error) {
	if e.Type == "" {
		return "", apperr.InvalidInput("audit event type is required")
	}
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}
	if _, ok := severityLevels[e.Severity]; !ok {
		return "", apperr.InvalidInput("unknown severity %q", e.Severity)
	}
	if e.Result == "" {
		e.Result = ResultSuccess
	}
	if severityLevels[e.Severity] < severityLevels[l.minSeverity] {
		return "", nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e.ID = uuid.NewString()
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	e.PreviousEventID = l.lastEventID
	mac, err := eventHMAC(l.secret, &e)
	if err != nil {
		return "", err
	}
	e.HMAC = mac

	l.events = append(l.events, e)
	l.lastEventID = e.ID
	l.rotateLocked()
	return e.ID, nil
}

// rotateLocked moves a full live segment into the archive and trims the
// oldest batches past the total cap.
func (l *Log) rotateLocked() {
	if len(l.events) >= l.rotateAfter {
		batch := l.events
		l.events = nil
		l.archived = append(l.archived, batch)
		slog.Info("Audit log rotated", "batch_size", len(batch), "archived_batches", len(l.archived))
	}

	total := l.totalLocked()
	for total > l.maxEvents && len(l.archived) > 0 {
		total -= len(l.archived[0])
		l.archived = l.archived[1:]
	}
}

func (l *Log) totalLocked() int {
	n := len(l.events)
	for _, b := range l.archived {
		n += len(b)
	}
	return n
}

// Count returns the number of retained events, live plus archived.
func (l *Log) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.totalLocked()
}

// QueryOptions filters audit events. Zero fields match everything.
type QueryOptions struct {
	Types        []string
	MinSeverity  Severity
	UserID       string
	ResourceType string
	ResourceID   string
	Result       Result
	Since        time.Time
	Until        time.Time
	Limit        int
}

// Query returns retained events matching the options, oldest first.
func (l *Log) Query(opts QueryOptions) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Event
	match := func(e *Event) bool {
		if len(opts.Types) > 0 {
			found := false
			for _, t := range opts.Types {
				if e.Type == t {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		if opts.MinSeverity != "" && severityLevels[e.Severity] < severityLevels[opts.MinSeverity] {
			return false
		}
		if opts.UserID != "" && e.UserID != opts.UserID {
			return false
		}
		if opts.ResourceType != "" && (e.Resource == nil || e.Resource.Type != opts.ResourceType) {
			return false
		}
		if opts.ResourceID != "" && (e.Resource == nil || e.Resource.ID != opts.ResourceID) {
			return false
		}
		if opts.Result != "" && e.Result != opts.Result {
			return false
		}
		if !opts.Since.IsZero() && e.Timestamp.Before(opts.Since) {
			return false
		}
		if !opts.Until.IsZero() && e.Timestamp.After(opts.Until) {
			return false
		}
		return true
	}

	appendMatches := func(events []Event) {
		for i := range events {
			if opts.Limit > 0 && len(out) >= opts.Limit {
				return
			}
			if match(&events[i]) {
				out = append(out, events[i])
			}
		}
	}
	for _, batch := range l.archived {
		appendMatches(batch)
	}
	appendMatches(l.events)
	return out
}

// VerifyIntegrity recomputes every retained event's HMAC and walks the
// chain. It returns the ids of broken events; an empty slice means the
// log is intact.
func (l *Log) VerifyIntegrity() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return verifyChain(l.secret, l.orderedLocked())
}

func (l *Log) orderedLocked() []Event {
	out := make([]Event, 0, l.totalLocked())
	for _, batch := range l.archived {
		out = append(out, batch...)
	}
	out = append(out, l.events...)
	return out
}

// verifyChain checks per-event HMACs and the previousEventId linkage of
// events in append order.
func verifyChain(secret []byte, events []Event) []string {
	broken := []string{}
	prevID := ""
	for i := range events {
		e := &events[i]
		expected, err := eventHMAC(secret, e)
		if err != nil || !auth.TimingSafeEqual([]byte(expected), []byte(e.HMAC)) {
			broken = append(broken, e.ID)
		} else if i > 0 && e.PreviousEventID != prevID {
			broken = append(broken, e.ID)
		}
		prevID = e.ID
	}
	return broken
}

// eventHMAC signs the canonical event fields. Details are serialized as
// JSON with sorted keys, so equal maps sign identically.
func eventHMAC(secret []byte, e *Event) (string, error) {
	details, err := marshalDetails(e.Details)
	if err != nil {
		return "", apperr.Internal("serialize audit details").WithCause(err)
	}
	payload := strings.Join([]string{
		e.ID,
		e.Type,
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.UserID,
		string(e.Result),
		e.PreviousEventID,
		details,
	}, "|")
	return auth.HMACSHA256(secret, []byte(payload)), nil
}

func marshalDetails(details map[string]any) (string, error) {
	if len(details) == 0 {
		return "null", nil
	}
	b, err := json.Marshal(details)
	if err != nil {
		return "", fmt.Errorf("marshal details: %w", err)
	}
	return string(b), nil
}
