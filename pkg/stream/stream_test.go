package stream

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventEncoding(t *testing.T) {
	t.Run("full frame", func(t *testing.T) {
		frame, err := Event{ID: "7", Type: "task:started", RetryMs: 3000, Data: "hello"}.encode()
		require.NoError(t, err)
		assert.Equal(t, "id: 7\nevent: task:started\nretry: 3000\ndata: hello\n\n", string(frame))
	})

	t.Run("multi-line data gets one data line per line", func(t *testing.T) {
		frame, err := Event{Type: "log", Data: "line1\nline2"}.encode()
		require.NoError(t, err)
		assert.Equal(t, "event: log\ndata: line1\ndata: line2\n\n", string(frame))
	})

	t.Run("non-string data is JSON serialized", func(t *testing.T) {
		frame, err := Event{Type: "m", Data: map[string]any{"a": 1}}.encode()
		require.NoError(t, err)
		assert.Contains(t, string(frame), `data: {"a":1}`)
	})
}

func TestFilterMatching(t *testing.T) {
	assert.True(t, matchFilter("task:*", "task:created"))
	assert.True(t, matchFilter("*", "anything"))
	assert.True(t, matchFilter("agent:started", "agent:started"))
	assert.False(t, matchFilter("task:*", "agent:started"))
	assert.False(t, matchFilter("task:created", "task:failed"))

	assert.True(t, matchesAny(nil, "anything"))
	assert.True(t, matchesAny([]string{"a", "task:*"}, "task:x"))
	assert.False(t, matchesAny([]string{"a"}, "b"))
}

// readFrames pulls n complete SSE frames off the wire.
func readWireFrames(t *testing.T, r *bufio.Reader, n int) []string {
	t.Helper()
	var frames []string
	var current strings.Builder
	for len(frames) < n {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, ":") {
			continue
		}
		if line == "\n" {
			if current.Len() > 0 {
				frames = append(frames, current.String())
				current.Reset()
			}
			continue
		}
		current.WriteString(line)
	}
	return frames
}

func openStream(t *testing.T, url, filters, lastEventID string) (*http.Response, *bufio.Reader, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	if filters != "" {
		url += "?filters=" + filters
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp, bufio.NewReader(resp.Body), cancel
}

func TestHubBroadcast(t *testing.T) {
	hub := NewHub(HubConfig{KeepAliveInterval: time.Hour})
	srv := httptest.NewServer(hub)
	defer srv.Close()

	resp, r, cancel := openStream(t, srv.URL, "task:*", "")
	defer cancel()
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Broadcast(Event{Type: "agent:started", Data: "ignored by filter"}, nil)
	hub.Broadcast(Event{Type: "task:created", Data: "t1"}, nil)
	hub.Broadcast(Event{Type: "task:completed", Data: "t1"}, nil)

	frames := readWireFrames(t, r, 2)
	assert.Contains(t, frames[0], "event: task:created")
	assert.Contains(t, frames[1], "event: task:completed")
}

func TestHubReplay(t *testing.T) {
	hub := NewHub(HubConfig{KeepAliveInterval: time.Hour})
	srv := httptest.NewServer(hub)
	defer srv.Close()

	hub.Broadcast(Event{ID: "1", Type: "task:created", Data: "a"}, nil)
	hub.Broadcast(Event{ID: "2", Type: "task:progress", Data: "b"}, nil)
	hub.Broadcast(Event{ID: "3", Type: "task:completed", Data: "c"}, nil)

	resp, r, cancel := openStream(t, srv.URL, "", "1")
	defer cancel()
	defer resp.Body.Close()

	frames := readWireFrames(t, r, 2)
	assert.Contains(t, frames[0], "id: 2")
	assert.Contains(t, frames[1], "id: 3")
}

func TestHubLimitsAndMethods(t *testing.T) {
	t.Run("overflow returns 503", func(t *testing.T) {
		hub := NewHub(HubConfig{MaxClients: 1, KeepAliveInterval: time.Hour})
		srv := httptest.NewServer(hub)
		defer srv.Close()

		resp, _, cancel := openStream(t, srv.URL, "", "")
		defer cancel()
		defer resp.Body.Close()
		require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

		second, err := http.Get(srv.URL)
		require.NoError(t, err)
		defer second.Body.Close()
		assert.Equal(t, http.StatusServiceUnavailable, second.StatusCode)
	})

	t.Run("non-GET is rejected", func(t *testing.T) {
		hub := NewHub(HubConfig{})
		srv := httptest.NewServer(hub)
		defer srv.Close()

		resp, err := http.Post(srv.URL, "application/json", nil)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})
}

func TestClientReconnect(t *testing.T) {
	var mu sync.Mutex
	connections := 0
	lastEventIDs := []string{}

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		connections++
		conn := connections
		lastEventIDs = append(lastEventIDs, r.Header.Get("Last-Event-ID"))
		mu.Unlock()

		assert.Equal(t, "task:*", r.URL.Query().Get("filters"))
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)

		if conn == 1 {
			fmt.Fprint(w, "id: 1\nevent: task:created\ndata: one\n\n")
			fmt.Fprint(w, "id: 2\nevent: task:progress\ndata: two\n\n")
			flusher.Flush()
			return // server-side close after event 2
		}
		fmt.Fprint(w, "id: 3\nevent: task:completed\ndata: three\n\n")
		flusher.Flush()
		<-r.Context().Done()
	})
	srv := httptest.NewServer(handler)
	defer srv.Close()

	var stateMu sync.Mutex
	var states []ClientState
	var events []Event
	got3 := make(chan struct{})

	client, err := NewClient(ClientConfig{
		URL:            srv.URL,
		Filters:        []string{"task:*"},
		AutoReconnect:  true,
		ReconnectDelay: 10 * time.Millisecond,
		OnStateChange: func(s ClientState) {
			stateMu.Lock()
			states = append(states, s)
			stateMu.Unlock()
		},
		OnEvent: func(e Event) {
			stateMu.Lock()
			events = append(events, e)
			if e.ID == "3" {
				close(got3)
			}
			stateMu.Unlock()
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	select {
	case <-got3:
	case <-ctx.Done():
		t.Fatal("never received event 3 after reconnect")
	}
	cancel()
	<-done

	stateMu.Lock()
	defer stateMu.Unlock()
	require.Len(t, events, 3)
	assert.Equal(t, "one", events[0].Data)
	assert.Equal(t, "three", events[2].Data)

	mu.Lock()
	require.GreaterOrEqual(t, connections, 2)
	assert.Equal(t, "", lastEventIDs[0])
	assert.Equal(t, "2", lastEventIDs[1], "reconnect resumes from the last seen event id")
	mu.Unlock()

	joined := ""
	for _, s := range states {
		joined += string(s) + " "
	}
	assert.Contains(t, joined, "connected disconnected reconnecting connected")
}

func TestClientGivesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client, err := NewClient(ClientConfig{
		URL:                  srv.URL,
		AutoReconnect:        true,
		ReconnectDelay:       time.Millisecond,
		MaxReconnectAttempts: 2,
	})
	require.NoError(t, err)

	err = client.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, ClientFailed, client.State())
}

func TestTaskStreamThrottle(t *testing.T) {
	hub := NewHub(HubConfig{})
	ts := NewTaskStream(hub, 50*time.Millisecond)

	assert.True(t, ts.Progress("t1", 10, "start"))
	assert.False(t, ts.Progress("t1", 20, "too soon"))
	assert.True(t, ts.Progress("t2", 5, "other task is unthrottled"))

	time.Sleep(60 * time.Millisecond)
	assert.True(t, ts.Progress("t1", 30, "after interval"))

	ts.Forget("t1")
	assert.True(t, ts.Progress("t1", 40, "after forget"))
}

func TestAgentStreamOutputRing(t *testing.T) {
	hub := NewHub(HubConfig{})
	as := NewAgentStream(hub, 3)

	for i := 0; i < 5; i++ {
		as.Output("a1", "stdout", fmt.Sprintf("line-%d", i))
	}
	assert.Equal(t, []string{"line-2", "line-3", "line-4"}, as.OutputHistory("a1"))
	assert.Empty(t, as.OutputHistory("a2"))
}

func TestLLMStreamTokenBuffer(t *testing.T) {
	hub := NewHub(HubConfig{})
	ls := NewLLMStream(hub, 100)

	ls.RequestStarted("r1", "p1", "m1")
	ls.Token("r1", "hello ")
	ls.Token("r1", "world")
	assert.Equal(t, "hello world", ls.FullResponse("r1"))

	ls.RequestCompleted("r1")
	assert.Empty(t, ls.FullResponse("r1"), "buffer is released on completion")
}
