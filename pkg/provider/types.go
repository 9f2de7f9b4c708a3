// Package provider abstracts LLM backends behind a uniform adapter
// contract and a manager that routes requests across them: load-aware
// selection, response caching, failover, health monitoring, and cost
// accounting.
package provider

import (
	"context"
	"encoding/json"
	"time"
)

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Tool describes a function the model may call.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// CostConstraints caps what a single request may spend.
type CostConstraints struct {
	MaxCost float64 `json:"max_cost"`
}

// Request is a completion request in provider-neutral form.
type Request struct {
	Messages        []Message        `json:"messages"`
	Model           string           `json:"model"`
	Temperature     *float64         `json:"temperature,omitempty"`
	MaxTokens       *int             `json:"max_tokens,omitempty"`
	TopP            *float64         `json:"top_p,omitempty"`
	TopK            *int             `json:"top_k,omitempty"`
	StopSequences   []string         `json:"stop_sequences,omitempty"`
	Tools           []Tool           `json:"tools,omitempty"`
	CostConstraints *CostConstraints `json:"cost_constraints,omitempty"`
}

// Usage is the token accounting reported by a provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Cost is the monetary accounting for one response.
type Cost struct {
	PromptCost     float64 `json:"prompt_cost"`
	CompletionCost float64 `json:"completion_cost"`
	TotalCost      float64 `json:"total_cost"`
	Currency       string  `json:"currency"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Response is a completed request.
type Response struct {
	ID           string     `json:"id"`
	Model        string     `json:"model"`
	Provider     string     `json:"provider"`
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	Usage        Usage      `json:"usage"`
	Cost         Cost       `json:"cost"`
	FinishReason string     `json:"finish_reason"`
	LatencyMs    int64      `json:"latency_ms,omitempty"`
}

// CostEstimate predicts what a request will cost before dispatch.
type CostEstimate struct {
	PromptCost     float64 `json:"prompt_cost"`
	CompletionCost float64 `json:"completion_cost"`
	Total          float64 `json:"total"`
	Currency       string  `json:"currency"`
}

// HealthResult is the outcome of a provider health probe.
type HealthResult struct {
	Healthy   bool   `json:"healthy"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// Status is a provider's instantaneous load view.
type Status struct {
	Available      bool    `json:"available"`
	CurrentLoad    float64 `json:"current_load"`
	ActiveRequests int     `json:"active_requests"`
}

// ModelPricing is per-1k-token pricing for one model.
type ModelPricing struct {
	PromptPer1K     float64 `json:"prompt_per_1k"`
	CompletionPer1K float64 `json:"completion_per_1k"`
}

// Capabilities describes what a provider supports.
type Capabilities struct {
	SupportedModels   []string                `json:"supported_models"`
	MaxContextLength  map[string]int          `json:"max_context_length"`
	SupportsStreaming bool                    `json:"supports_streaming"`
	SupportsTools     bool                    `json:"supports_tools"`
	Pricing           map[string]ModelPricing `json:"pricing"`
}

// StreamEventType discriminates streamed completion events.
type StreamEventType string

const (
	StreamContent  StreamEventType = "content"
	StreamToolCall StreamEventType = "tool_call"
	StreamUsage    StreamEventType = "usage"
	StreamDone     StreamEventType = "done"
	StreamError    StreamEventType = "error"
)

// StreamEvent is one element of a streamed completion. The sequence is
// finite and not restartable.
type StreamEvent struct {
	Type     StreamEventType `json:"type"`
	Delta    string          `json:"delta,omitempty"`
	ToolCall *ToolCall       `json:"tool_call,omitempty"`
	Usage    *Usage          `json:"usage,omitempty"`
	Cost     *Cost           `json:"cost,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Provider is the adapter contract every LLM backend implements.
// Complete and StreamComplete honor context cancellation; adapters must
// release any internal accounting on every exit path.
type Provider interface {
	Name() string
	Capabilities() Capabilities
	Initialize(ctx context.Context) error
	Complete(ctx context.Context, req Request) (*Response, error)
	StreamComplete(ctx context.Context, req Request) (<-chan StreamEvent, error)
	EstimateCost(req Request) CostEstimate
	HealthCheck(ctx context.Context) HealthResult
	ListModels() []string
	ValidateModel(model string) bool
	Status() Status
	Destroy()
}

// Metrics is the rolling view the manager keeps per provider. EMAs use
// alpha 0.3.
type Metrics struct {
	LatencyEMAMs float64   `json:"latency_ema_ms"`
	ErrorRateEMA float64   `json:"error_rate_ema"`
	TotalCost    float64   `json:"total_cost"`
	RequestCount int64     `json:"request_count"`
	SuccessCount int64     `json:"success_count"`
	FailureCount int64     `json:"failure_count"`
	LastUsed     time.Time `json:"last_used"`
}

const metricsAlpha = 0.3

// observe folds one outcome into the EMAs.
func (m *Metrics) observe(latency time.Duration, cost float64, failed bool) {
	m.RequestCount++
	m.LastUsed = time.Now()

	latencyMs := float64(latency.Milliseconds())
	if m.RequestCount == 1 {
		m.LatencyEMAMs = latencyMs
	} else {
		m.LatencyEMAMs = metricsAlpha*latencyMs + (1-metricsAlpha)*m.LatencyEMAMs
	}

	sample := 0.0
	if failed {
		sample = 1.0
		m.FailureCount++
	} else {
		m.SuccessCount++
		m.TotalCost += cost
	}
	if m.RequestCount == 1 {
		m.ErrorRateEMA = sample
	} else {
		m.ErrorRateEMA = metricsAlpha*sample + (1-metricsAlpha)*m.ErrorRateEMA
	}
}
