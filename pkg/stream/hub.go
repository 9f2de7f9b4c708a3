package stream

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Hub defaults.
const (
	DefaultMaxClients        = 1000
	DefaultKeepAliveInterval = 15 * time.Second
	DefaultRetentionSize     = 256
	clientBufferSize         = 64
)

// HubConfig tunes the SSE hub.
type HubConfig struct {
	MaxClients        int
	KeepAliveInterval time.Duration
	RetentionSize     int
	RetryMs           int
	AllowedOrigins    []string
}

// hubClient is one connected consumer.
type hubClient struct {
	id           string
	connectedAt  time.Time
	lastActivity atomic.Int64
	filters      []string
	ch           chan []byte
}

// Hub fans events out to connected SSE clients. It retains a ring of
// recent events so reconnecting clients can resume from Last-Event-ID.
type Hub struct {
	cfg HubConfig

	mu        sync.RWMutex
	clients   map[string]*hubClient
	retention []Event
	eventSeq  atomic.Uint64
}

// NewHub creates an SSE hub.
func NewHub(cfg HubConfig) *Hub {
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = DefaultMaxClients
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if cfg.RetentionSize <= 0 {
		cfg.RetentionSize = DefaultRetentionSize
	}
	return &Hub{
		cfg:     cfg,
		clients: make(map[string]*hubClient),
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast assigns the event an id if it has none, retains it, and
// delivers it to every client whose filters match and for which
// filterFn (when non-nil) returns true. Clients that cannot keep up
// are dropped.
func (h *Hub) Broadcast(e Event, filterFn func(clientID string) bool) {
	if e.ID == "" {
		e.ID = strconv.FormatUint(h.eventSeq.Add(1), 10)
	}
	if e.RetryMs == 0 {
		e.RetryMs = h.cfg.RetryMs
	}

	frame, err := e.encode()
	if err != nil {
		slog.Error("Failed to encode SSE event", "event_type", e.Type, "error", err)
		return
	}

	h.mu.Lock()
	h.retention = append(h.retention, e)
	if len(h.retention) > h.cfg.RetentionSize {
		h.retention = h.retention[len(h.retention)-h.cfg.RetentionSize:]
	}
	var drop []string
	for id, c := range h.clients {
		if !matchesAny(c.filters, e.Type) {
			continue
		}
		if filterFn != nil && !filterFn(id) {
			continue
		}
		select {
		case c.ch <- frame:
		default:
			drop = append(drop, id)
		}
	}
	for _, id := range drop {
		h.dropLocked(id)
	}
	h.mu.Unlock()
}

// eventsAfter returns retained events newer than lastID, empty when the
// id is unknown or already the newest.
func (h *Hub) eventsAfter(lastID string) []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for i, e := range h.retention {
		if e.ID == lastID {
			out := make([]Event, len(h.retention)-i-1)
			copy(out, h.retention[i+1:])
			return out
		}
	}
	return nil
}

func (h *Hub) dropLocked(id string) {
	if c, ok := h.clients[id]; ok {
		delete(h.clients, id)
		close(c.ch)
		slog.Debug("SSE client dropped", "client_id", id)
	}
}

// ServeHTTP handles an SSE subscription. Only GET is accepted; the
// connection streams until the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	client := &hubClient{
		id:          uuid.NewString(),
		connectedAt: time.Now(),
		filters:     parseFilters(r.URL.Query().Get("filters")),
		ch:          make(chan []byte, clientBufferSize),
	}
	client.lastActivity.Store(time.Now().UnixNano())

	h.mu.Lock()
	if len(h.clients) >= h.cfg.MaxClients {
		h.mu.Unlock()
		http.Error(w, "too many clients", http.StatusServiceUnavailable)
		return
	}
	h.clients[client.id] = client
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		h.dropLocked(client.id)
		h.mu.Unlock()
	}()

	h.setStreamHeaders(w, r)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Replay anything the client missed since its last event.
	if lastID := r.Header.Get("Last-Event-ID"); lastID != "" {
		for _, e := range h.eventsAfter(lastID) {
			if !matchesAny(client.filters, e.Type) {
				continue
			}
			frame, err := e.encode()
			if err != nil {
				continue
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
		}
		flusher.Flush()
	}

	keepAlive := time.NewTicker(h.cfg.KeepAliveInterval)
	defer keepAlive.Stop()

	slog.Debug("SSE client connected", "client_id", client.id, "filters", client.filters)
	for {
		select {
		case <-r.Context().Done():
			return
		case frame, ok := <-client.ch:
			if !ok {
				return
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			client.lastActivity.Store(time.Now().UnixNano())
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := fmt.Fprintf(w, ": keep-alive %d\n\n", time.Now().Unix()); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *Hub) setStreamHeaders(w http.ResponseWriter, r *http.Request) {
	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")

	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			header.Set("Access-Control-Allow-Origin", origin)
			return
		}
	}
}

func parseFilters(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
