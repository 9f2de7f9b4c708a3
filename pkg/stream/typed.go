package stream

import (
	"fmt"
	"sync"
	"time"
)

// Typed stream defaults.
const (
	DefaultProgressInterval = time.Second
	DefaultOutputRingSize   = 100
	DefaultTokenBufferSize  = 1000
)

// TaskStream publishes task lifecycle events, throttling progress
// updates per task.
type TaskStream struct {
	hub      *Hub
	interval time.Duration

	mu           sync.Mutex
	lastProgress map[string]time.Time
}

// NewTaskStream wraps the hub with task event publishing. interval
// bounds how often progress events per task reach the stream; zero
// takes the default.
func NewTaskStream(hub *Hub, interval time.Duration) *TaskStream {
	if interval <= 0 {
		interval = DefaultProgressInterval
	}
	return &TaskStream{
		hub:          hub,
		interval:     interval,
		lastProgress: make(map[string]time.Time),
	}
}

func (s *TaskStream) publish(event string, taskID string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["task_id"] = taskID
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	s.hub.Broadcast(Event{Type: "task:" + event, Data: data}, nil)
}

func (s *TaskStream) Created(taskID string, data map[string]any) { s.publish("created", taskID, data) }

func (s *TaskStream) Queued(taskID string) { s.publish("queued", taskID, nil) }

func (s *TaskStream) Assigned(taskID, agentID string) {
	s.publish("assigned", taskID, map[string]any{"agent_id": agentID})
}

func (s *TaskStream) Started(taskID string) { s.publish("started", taskID, nil) }

func (s *TaskStream) Completed(taskID string, data map[string]any) {
	s.publish("completed", taskID, data)
}

func (s *TaskStream) Failed(taskID, reason string) {
	s.publish("failed", taskID, map[string]any{"reason": reason})
}

func (s *TaskStream) Cancelled(taskID string) { s.publish("cancelled", taskID, nil) }

func (s *TaskStream) Intermediate(taskID string, data map[string]any) {
	s.publish("intermediate", taskID, data)
}

func (s *TaskStream) Metrics(taskID string, data map[string]any) { s.publish("metrics", taskID, data) }

// Progress publishes a progress update unless the task already sent one
// within the throttle interval. Returns whether the event went out.
func (s *TaskStream) Progress(taskID string, percent float64, detail string) bool {
	s.mu.Lock()
	last, ok := s.lastProgress[taskID]
	now := time.Now()
	if ok && now.Sub(last) < s.interval {
		s.mu.Unlock()
		return false
	}
	s.lastProgress[taskID] = now
	s.mu.Unlock()

	s.publish("progress", taskID, map[string]any{"percent": percent, "detail": detail})
	return true
}

// Forget clears a task's throttle state.
func (s *TaskStream) Forget(taskID string) {
	s.mu.Lock()
	delete(s.lastProgress, taskID)
	s.mu.Unlock()
}

// AgentStream publishes agent lifecycle and output events, keeping a
// ring of recent output lines per agent.
type AgentStream struct {
	hub      *Hub
	ringSize int

	mu     sync.Mutex
	output map[string][]string
}

// NewAgentStream wraps the hub with agent event publishing. ringSize
// bounds per-agent output history; zero takes the default.
func NewAgentStream(hub *Hub, ringSize int) *AgentStream {
	if ringSize <= 0 {
		ringSize = DefaultOutputRingSize
	}
	return &AgentStream{
		hub:      hub,
		ringSize: ringSize,
		output:   make(map[string][]string),
	}
}

func (s *AgentStream) publish(event, agentID string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["agent_id"] = agentID
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	s.hub.Broadcast(Event{Type: "agent:" + event, Data: data}, nil)
}

func (s *AgentStream) Spawned(agentID string) { s.publish("spawned", agentID, nil) }

func (s *AgentStream) Started(agentID string) { s.publish("started", agentID, nil) }

func (s *AgentStream) Stopped(agentID string) { s.publish("stopped", agentID, nil) }

func (s *AgentStream) Paused(agentID string) { s.publish("paused", agentID, nil) }

func (s *AgentStream) Error(agentID, message string) {
	s.publish("error", agentID, map[string]any{"message": message})
}

func (s *AgentStream) Metrics(agentID string, data map[string]any) {
	s.publish("metrics", agentID, data)
}

func (s *AgentStream) Health(agentID string, healthy bool) {
	s.publish("health", agentID, map[string]any{"healthy": healthy})
}

// Log publishes one log line under agent:log:{level}.
func (s *AgentStream) Log(agentID, level, message string) {
	s.publish(fmt.Sprintf("log:%s", level), agentID, map[string]any{"message": message})
}

// Output publishes one output line under agent:output:{stdout|stderr}
// and records it in the agent's ring.
func (s *AgentStream) Output(agentID, channel, line string) {
	s.mu.Lock()
	ring := append(s.output[agentID], line)
	if len(ring) > s.ringSize {
		ring = ring[len(ring)-s.ringSize:]
	}
	s.output[agentID] = ring
	s.mu.Unlock()

	s.publish(fmt.Sprintf("output:%s", channel), agentID, map[string]any{"line": line})
}

// OutputHistory returns the retained output lines for an agent.
func (s *AgentStream) OutputHistory(agentID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.output[agentID]...)
}

// LLMStream publishes model request events and buffers tokens per
// request so the full response can be reassembled.
type LLMStream struct {
	hub       *Hub
	maxTokens int

	mu     sync.Mutex
	tokens map[string][]string
}

// NewLLMStream wraps the hub with LLM event publishing. maxTokens
// bounds the per-request token buffer; zero takes the default.
func NewLLMStream(hub *Hub, maxTokens int) *LLMStream {
	if maxTokens <= 0 {
		maxTokens = DefaultTokenBufferSize
	}
	return &LLMStream{
		hub:       hub,
		maxTokens: maxTokens,
		tokens:    make(map[string][]string),
	}
}

func (s *LLMStream) publish(event, requestID string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["request_id"] = requestID
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	s.hub.Broadcast(Event{Type: "llm:" + event, Data: data}, nil)
}

func (s *LLMStream) RequestStarted(requestID, provider, model string) {
	s.publish("request:started", requestID, map[string]any{"provider": provider, "model": model})
}

// Token publishes one token and appends it to the request buffer.
func (s *LLMStream) Token(requestID, token string) {
	s.mu.Lock()
	buf := append(s.tokens[requestID], token)
	if len(buf) > s.maxTokens {
		buf = buf[len(buf)-s.maxTokens:]
	}
	s.tokens[requestID] = buf
	s.mu.Unlock()

	s.publish("token", requestID, map[string]any{"token": token})
}

func (s *LLMStream) ToolCall(requestID, tool string, args any) {
	s.publish("tool:call", requestID, map[string]any{"tool": tool, "arguments": args})
}

func (s *LLMStream) ToolResult(requestID, tool string, result any) {
	s.publish("tool:result", requestID, map[string]any{"tool": tool, "result": result})
}

func (s *LLMStream) Usage(requestID string, promptTokens, completionTokens int, cost float64) {
	s.publish("usage", requestID, map[string]any{
		"prompt_tokens":     promptTokens,
		"completion_tokens": completionTokens,
		"cost":              cost,
	})
}

// RequestCompleted publishes completion and releases the token buffer.
func (s *LLMStream) RequestCompleted(requestID string) {
	s.publish("request:completed", requestID, nil)
	s.mu.Lock()
	delete(s.tokens, requestID)
	s.mu.Unlock()
}

func (s *LLMStream) RequestError(requestID, message string) {
	s.publish("request:error", requestID, map[string]any{"message": message})
	s.mu.Lock()
	delete(s.tokens, requestID)
	s.mu.Unlock()
}

// FullResponse concatenates the buffered tokens for a request.
func (s *LLMStream) FullResponse(requestID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out string
	for _, tok := range s.tokens[requestID] {
		out += tok
	}
	return out
}
