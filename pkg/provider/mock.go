package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/conclave-ai/conclave/pkg/apperr"
)

// MockConfig configures the built-in mock provider. The mock serves
// deterministic completions priced from its table; tests and local
// development wire it in place of a real backend.
type MockConfig struct {
	Name    string
	Models  []string
	Pricing map[string]ModelPricing
	Latency time.Duration
	Reply   string
}

// Mock is an in-process Provider with controllable failure behavior.
type Mock struct {
	cfg MockConfig

	active      atomic.Int64
	initialized atomic.Bool

	mu        sync.Mutex
	failNext  int
	failErr   error
	unhealthy bool
}

// NewMock creates a mock provider. Missing config fields get workable
// defaults.
func NewMock(cfg MockConfig) *Mock {
	if cfg.Name == "" {
		cfg.Name = "mock"
	}
	if len(cfg.Models) == 0 {
		cfg.Models = []string{"mock-small", "mock-large"}
	}
	if cfg.Pricing == nil {
		cfg.Pricing = map[string]ModelPricing{}
	}
	for _, model := range cfg.Models {
		if _, ok := cfg.Pricing[model]; !ok {
			cfg.Pricing[model] = ModelPricing{PromptPer1K: 0.001, CompletionPer1K: 0.002}
		}
	}
	if cfg.Reply == "" {
		cfg.Reply = "mock completion"
	}
	return &Mock{cfg: cfg}
}

// FailNext makes the next n Complete calls fail with err. A nil err
// uses a retryable provider failure.
func (m *Mock) FailNext(n int, err error) {
	m.mu.Lock()
	m.failNext = n
	m.failErr = err
	m.mu.Unlock()
}

// SetUnhealthy controls the result of HealthCheck.
func (m *Mock) SetUnhealthy(unhealthy bool) {
	m.mu.Lock()
	m.unhealthy = unhealthy
	m.mu.Unlock()
}

func (m *Mock) Name() string { return m.cfg.Name }

func (m *Mock) Capabilities() Capabilities {
	maxContext := make(map[string]int, len(m.cfg.Models))
	for _, model := range m.cfg.Models {
		maxContext[model] = 128_000
	}
	return Capabilities{
		SupportedModels:   append([]string(nil), m.cfg.Models...),
		MaxContextLength:  maxContext,
		SupportsStreaming: true,
		SupportsTools:     true,
		Pricing:           m.cfg.Pricing,
	}
}

func (m *Mock) Initialize(context.Context) error {
	m.initialized.Store(true)
	return nil
}

func (m *Mock) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	if !m.ValidateModel(req.Model) {
		return nil, apperr.InvalidInput("model %s not supported by %s", req.Model, m.cfg.Name)
	}

	m.active.Add(1)
	defer m.active.Add(-1)

	if m.cfg.Latency > 0 {
		select {
		case <-time.After(m.cfg.Latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	usage := m.usageFor(req)
	return &Response{
		ID:           uuid.NewString(),
		Model:        req.Model,
		Provider:     m.cfg.Name,
		Content:      m.cfg.Reply,
		Usage:        usage,
		Cost:         m.costFor(req.Model, usage),
		FinishReason: "stop",
	}, nil
}

func (m *Mock) StreamComplete(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	if !m.ValidateModel(req.Model) {
		return nil, apperr.InvalidInput("model %s not supported by %s", req.Model, m.cfg.Name)
	}

	out := make(chan StreamEvent)
	go func() {
		defer close(out)
		for _, word := range strings.Fields(m.cfg.Reply) {
			select {
			case out <- StreamEvent{Type: StreamContent, Delta: word + " "}:
			case <-ctx.Done():
				return
			}
		}
		usage := m.usageFor(req)
		cost := m.costFor(req.Model, usage)
		select {
		case out <- StreamEvent{Type: StreamUsage, Usage: &usage, Cost: &cost}:
		case <-ctx.Done():
			return
		}
		select {
		case out <- StreamEvent{Type: StreamDone}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

func (m *Mock) EstimateCost(req Request) CostEstimate {
	usage := m.usageFor(req)
	cost := m.costFor(req.Model, usage)
	return CostEstimate{
		PromptCost:     cost.PromptCost,
		CompletionCost: cost.CompletionCost,
		Total:          cost.TotalCost,
		Currency:       "USD",
	}
}

func (m *Mock) HealthCheck(context.Context) HealthResult {
	m.mu.Lock()
	unhealthy := m.unhealthy
	m.mu.Unlock()
	if unhealthy {
		return HealthResult{Healthy: false, Error: "forced unhealthy"}
	}
	return HealthResult{Healthy: true, LatencyMs: m.cfg.Latency.Milliseconds()}
}

func (m *Mock) ListModels() []string {
	return append([]string(nil), m.cfg.Models...)
}

func (m *Mock) ValidateModel(model string) bool {
	for _, known := range m.cfg.Models {
		if known == model {
			return true
		}
	}
	return false
}

func (m *Mock) Status() Status {
	active := int(m.active.Load())
	return Status{
		Available:      m.initialized.Load(),
		CurrentLoad:    float64(active) / 10.0,
		ActiveRequests: active,
	}
}

func (m *Mock) Destroy() {
	m.initialized.Store(false)
}

func (m *Mock) takeFailure() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext <= 0 {
		return nil
	}
	m.failNext--
	if m.failErr != nil {
		return m.failErr
	}
	return apperr.ProviderFailure("%s: injected failure", m.cfg.Name)
}

// usageFor derives token counts from message lengths, four characters
// per token.
func (m *Mock) usageFor(req Request) Usage {
	promptChars := 0
	for _, msg := range req.Messages {
		promptChars += len(msg.Content)
	}
	prompt := promptChars/4 + 1
	completion := len(m.cfg.Reply)/4 + 1
	return Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}

func (m *Mock) costFor(model string, usage Usage) Cost {
	pricing := m.cfg.Pricing[model]
	prompt := float64(usage.PromptTokens) / 1000 * pricing.PromptPer1K
	completion := float64(usage.CompletionTokens) / 1000 * pricing.CompletionPer1K
	return Cost{
		PromptCost:     prompt,
		CompletionCost: completion,
		TotalCost:      prompt + completion,
		Currency:       "USD",
	}
}

var _ Provider = (*Mock)(nil)

// String implements fmt.Stringer for log output.
func (m *Mock) String() string {
	return fmt.Sprintf("mock-provider(%s)", m.cfg.Name)
}
