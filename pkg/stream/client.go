package stream

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/conclave-ai/conclave/pkg/apperr"
)

// ClientState tracks the client connection lifecycle.
type ClientState string

const (
	ClientDisconnected ClientState = "disconnected"
	ClientConnecting   ClientState = "connecting"
	ClientConnected    ClientState = "connected"
	ClientReconnecting ClientState = "reconnecting"
	ClientFailed       ClientState = "failed"
)

// Client defaults.
const (
	DefaultReconnectDelay    = time.Second
	DefaultMaxReconnectDelay = 30 * time.Second
	defaultBackoffFactor     = 2.0
)

// ClientConfig configures an SSE client.
type ClientConfig struct {
	URL     string
	Filters []string

	AutoReconnect        bool
	ReconnectDelay       time.Duration
	MaxReconnectDelay    time.Duration
	MaxReconnectAttempts int // 0 means unlimited

	HTTPClient *http.Client

	OnEvent       func(Event)
	OnStateChange func(ClientState)
}

// Client consumes an SSE stream, resuming from Last-Event-ID across
// reconnects.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client

	mu          sync.RWMutex
	state       ClientState
	lastEventID string
}

// NewClient creates an SSE client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, apperr.InvalidInput("client URL is required")
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.MaxReconnectDelay <= 0 {
		cfg.MaxReconnectDelay = DefaultMaxReconnectDelay
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		state:      ClientDisconnected,
	}, nil
}

// State returns the current connection state.
func (c *Client) State() ClientState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// LastEventID returns the id of the last event received.
func (c *Client) LastEventID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastEventID
}

func (c *Client) setState(s ClientState) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed && c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(s)
	}
}

// Run connects and consumes the stream until the context is cancelled
// or reconnection gives up. It blocks; run it in its own goroutine.
func (c *Client) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.ReconnectDelay
	bo.MaxInterval = c.cfg.MaxReconnectDelay
	bo.Multiplier = defaultBackoffFactor
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	attempts := 0
	for {
		if attempts == 0 {
			c.setState(ClientConnecting)
		} else {
			c.setState(ClientReconnecting)
		}

		err := c.consume(ctx)
		c.setState(ClientDisconnected)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !c.cfg.AutoReconnect {
			return err
		}
		attempts++
		if c.cfg.MaxReconnectAttempts > 0 && attempts > c.cfg.MaxReconnectAttempts {
			c.setState(ClientFailed)
			return apperr.Timeout("giving up after %d reconnect attempts", attempts-1).WithCause(err)
		}

		delay := bo.NextBackOff()
		slog.Debug("SSE client reconnecting", "attempt", attempts, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// consume opens one connection and reads frames until it breaks.
func (c *Client) consume(ctx context.Context) error {
	req, err := c.buildRequest(ctx)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apperr.ProviderFailure("stream endpoint returned %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		return apperr.InvalidInput("unexpected content type %q", ct)
	}

	c.setState(ClientConnected)
	return c.readFrames(resp.Body)
}

func (c *Client) buildRequest(ctx context.Context) (*http.Request, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, apperr.InvalidInput("parse stream URL").WithCause(err)
	}
	if len(c.cfg.Filters) > 0 {
		q := u.Query()
		q.Set("filters", strings.Join(c.cfg.Filters, ","))
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if last := c.LastEventID(); last != "" {
		req.Header.Set("Last-Event-ID", last)
	}
	return req, nil
}

// readFrames parses the SSE wire format and dispatches events. Comment
// lines keep the connection alive but carry no event.
func (c *Client) readFrames(body io.Reader) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)

	var event Event
	var dataLines []string
	dispatch := func() {
		if event.Type == "" && len(dataLines) == 0 {
			return
		}
		event.Data = strings.Join(dataLines, "\n")
		if event.ID != "" {
			c.mu.Lock()
			c.lastEventID = event.ID
			c.mu.Unlock()
		}
		if c.cfg.OnEvent != nil {
			c.cfg.OnEvent(event)
		}
		event = Event{}
		dataLines = nil
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			dispatch()
		case strings.HasPrefix(line, ":"):
			// keep-alive comment
		case strings.HasPrefix(line, "id:"):
			event.ID = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		case strings.HasPrefix(line, "event:"):
			event.Type = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "retry:"):
			if ms, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "retry:"))); err == nil {
				event.RetryMs = ms
			}
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	dispatch()
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return nil
}
