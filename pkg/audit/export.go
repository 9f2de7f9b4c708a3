package audit

import (
	"encoding/json"
	"time"

	"github.com/conclave-ai/conclave/pkg/apperr"
	"github.com/conclave-ai/conclave/pkg/auth"
)

const exportVersion = 1

// exportDocument is the serialized form of a log.
type exportDocument struct {
	Version    int       `json:"version"`
	ExportedAt time.Time `json:"exported_at"`
	Events     []Event   `json:"events"`
	Archived   [][]Event `json:"archived,omitempty"`
}

// Export serializes the log as JSON. A non-empty password wraps the
// document in an encrypted envelope.
func (l *Log) Export(password string) ([]byte, error) {
	l.mu.RLock()
	doc := exportDocument{
		Version:    exportVersion,
		ExportedAt: time.Now().UTC(),
		Events:     append([]Event(nil), l.events...),
		Archived:   make([][]Event, 0, len(l.archived)),
	}
	for _, batch := range l.archived {
		doc.Archived = append(doc.Archived, append([]Event(nil), batch...))
	}
	l.mu.RUnlock()

	plain, err := json.Marshal(doc)
	if err != nil {
		return nil, apperr.Internal("serialize audit export").WithCause(err)
	}
	if password == "" {
		return plain, nil
	}

	env, err := auth.EncryptWithPassword(plain, password)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// Import replaces the log contents with an exported document after
// verifying every event's HMAC and the chain. Tampered data is rejected
// with the broken event ids attached.
func (l *Log) Import(data []byte, password string) error {
	if password != "" {
		var env auth.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return apperr.InvalidInput("audit import is not an encrypted envelope").WithCause(err)
		}
		plain, err := auth.DecryptWithPassword(&env, password)
		if err != nil {
			return err
		}
		data = plain
	}

	var doc exportDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return apperr.InvalidInput("audit import is not valid JSON").WithCause(err)
	}
	if doc.Version != exportVersion {
		return apperr.InvalidInput("unsupported audit export version %d", doc.Version)
	}

	ordered := make([]Event, 0, len(doc.Events))
	for _, batch := range doc.Archived {
		ordered = append(ordered, batch...)
	}
	ordered = append(ordered, doc.Events...)

	if broken := verifyChain(l.secret, ordered); len(broken) > 0 {
		err := apperr.IntegrityFailure("audit import failed verification, %d broken events", len(broken))
		return err.WithDetail("broken_event_ids", broken)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.archived = doc.Archived
	l.events = doc.Events
	l.lastEventID = ""
	if n := len(ordered); n > 0 {
		l.lastEventID = ordered[n-1].ID
	}
	return nil
}
