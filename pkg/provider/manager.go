package provider

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/conclave-ai/conclave/pkg/apperr"
)

// Strategy selects how the manager routes among eligible providers.
type Strategy string

const (
	StrategyRoundRobin   Strategy = "round-robin"
	StrategyLeastLoaded  Strategy = "least-loaded"
	StrategyLatencyBased Strategy = "latency-based"
	StrategyCostBased    Strategy = "cost-based"
)

// EventType names manager lifecycle events.
type EventType string

const (
	EventFallbackSuccess   EventType = "fallback_success"
	EventFallbackExhausted EventType = "fallback_exhausted"
	EventProviderFailed    EventType = "provider_failed"
	EventProviderRecovered EventType = "provider_recovered"
)

// Event is a manager notification delivered to the configured observer.
type Event struct {
	Type     EventType      `json:"type"`
	Provider string         `json:"provider"`
	Details  map[string]any `json:"details,omitempty"`
}

// EventFunc observes manager events. Called synchronously; keep it
// fast.
type EventFunc func(Event)

// Manager defaults.
const (
	DefaultMaxAttempts      = 2
	DefaultHealthInterval   = 60 * time.Second
	DefaultFailureThreshold = 0.5
	healthProbeTimeout      = 10 * time.Second
)

// ManagerConfig tunes routing, caching, failover and health monitoring.
type ManagerConfig struct {
	Strategy         Strategy
	FailoverEnabled  bool
	MaxAttempts      int
	CacheEnabled     bool
	CacheSize        int
	CacheTTL         time.Duration
	HealthInterval   time.Duration
	FailureThreshold float64
	OnEvent          EventFunc
}

// RegisterOptions attach routing attributes to a provider.
type RegisterOptions struct {
	Priority        int
	ConcurrentLimit int
}

type record struct {
	provider        Provider
	priority        int
	concurrentLimit int

	active  atomic.Int64
	healthy atomic.Bool

	mu      sync.Mutex
	metrics Metrics

	breaker *gobreaker.CircuitBreaker
}

func (r *record) snapshotMetrics() Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.metrics
}

// Manager routes completion requests across registered providers.
type Manager struct {
	cfg ManagerConfig

	mu      sync.RWMutex
	records map[string]*record

	rrCounter atomic.Uint64
	cache     *responseCache

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool
}

// NewManager creates a provider manager. Zero config fields take the
// defaults; the default strategy is round-robin.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyRoundRobin
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = DefaultHealthInterval
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	m := &Manager{
		cfg:     cfg,
		records: make(map[string]*record),
		stopCh:  make(chan struct{}),
	}
	if cfg.CacheEnabled {
		m.cache = newResponseCache(cfg.CacheSize, cfg.CacheTTL)
	}
	return m
}

// Register initializes the provider and adds it to the routing set.
func (m *Manager) Register(ctx context.Context, p Provider, opts RegisterOptions) error {
	name := p.Name()
	if name == "" {
		return apperr.InvalidInput("provider name is required")
	}

	m.mu.Lock()
	if _, exists := m.records[name]; exists {
		m.mu.Unlock()
		return apperr.InvalidInput("provider %s already registered", name)
	}
	m.mu.Unlock()

	if err := p.Initialize(ctx); err != nil {
		return apperr.ProviderFailure("initialize provider %s", name).WithCause(err)
	}

	rec := &record{
		provider:        p,
		priority:        opts.Priority,
		concurrentLimit: opts.ConcurrentLimit,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    name,
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
	rec.healthy.Store(true)

	m.mu.Lock()
	m.records[name] = rec
	m.mu.Unlock()

	slog.Info("Provider registered", "provider", name, "priority", opts.Priority)
	return nil
}

// Unregister removes and destroys a provider.
func (m *Manager) Unregister(name string) error {
	m.mu.Lock()
	rec, ok := m.records[name]
	if !ok {
		m.mu.Unlock()
		return apperr.NotFound("provider %s not found", name)
	}
	delete(m.records, name)
	m.mu.Unlock()

	rec.provider.Destroy()
	slog.Info("Provider unregistered", "provider", name)
	return nil
}

// Names lists registered providers sorted by name.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.records))
	for name := range m.records {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MetricsFor returns the rolling metrics for one provider.
func (m *Manager) MetricsFor(name string) (Metrics, error) {
	rec, err := m.record(name)
	if err != nil {
		return Metrics{}, err
	}
	return rec.snapshotMetrics(), nil
}

// Healthy reports a provider's health flag.
func (m *Manager) Healthy(name string) (bool, error) {
	rec, err := m.record(name)
	if err != nil {
		return false, err
	}
	return rec.healthy.Load(), nil
}

// StatusFor returns a provider's live status.
func (m *Manager) StatusFor(name string) (Status, error) {
	rec, err := m.record(name)
	if err != nil {
		return Status{}, err
	}
	return rec.provider.Status(), nil
}

// CacheStats reports cache counters; zero when caching is disabled.
func (m *Manager) CacheStats() CacheStats {
	if m.cache == nil {
		return CacheStats{}
	}
	return m.cache.stats()
}

func (m *Manager) record(name string) (*record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[name]
	if !ok {
		return nil, apperr.NotFound("provider %s not found", name)
	}
	return rec, nil
}

// Start launches the periodic health monitor.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.healthLoop()
	slog.Info("Provider manager started", "strategy", m.cfg.Strategy, "health_interval", m.cfg.HealthInterval)
}

// Stop halts the health monitor and destroys all providers.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()

	m.mu.Lock()
	records := m.records
	m.records = make(map[string]*record)
	m.mu.Unlock()
	for _, rec := range records {
		rec.provider.Destroy()
	}
}

// Complete routes the request to a provider, with cache probe and
// failover. The returned error names the originating provider and
// whether fallback was attempted.
func (m *Manager) Complete(ctx context.Context, req Request) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, apperr.InvalidInput("request has no messages")
	}
	if req.Model == "" {
		return nil, apperr.InvalidInput("request model is required")
	}

	var key string
	if m.cache != nil {
		key = cacheKey(req)
		if resp, ok := m.cache.get(key); ok {
			return resp, nil
		}
	}

	rec, err := m.selectProvider(req, nil)
	if err != nil {
		return nil, err
	}

	resp, err := m.callProvider(ctx, rec, req)
	if err != nil {
		if m.cfg.FailoverEnabled && ctx.Err() == nil {
			resp, err = m.completeWithFallback(ctx, req, rec, err)
		}
		if err != nil {
			return nil, err
		}
	}

	if m.cache != nil {
		m.cache.put(key, resp)
	}
	return resp, nil
}

// completeWithFallback retries the request on providers other than the
// failed one, up to MaxAttempts, and reports the outcome as an event.
func (m *Manager) completeWithFallback(ctx context.Context, req Request, failed *record, cause error) (*Response, error) {
	failedName := failed.provider.Name()
	exclude := map[string]bool{failedName: true}

	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		rec, err := m.selectProvider(req, exclude)
		if err != nil {
			break
		}
		name := rec.provider.Name()

		resp, err := m.callProvider(ctx, rec, req)
		if err == nil {
			m.emit(Event{Type: EventFallbackSuccess, Provider: name, Details: map[string]any{
				"failed_provider": failedName,
				"attempt":         attempt,
			}})
			return resp, nil
		}
		exclude[name] = true
		if ctx.Err() != nil {
			break
		}
	}

	m.emit(Event{Type: EventFallbackExhausted, Provider: failedName, Details: map[string]any{
		"attempts": m.cfg.MaxAttempts,
	}})
	return nil, apperr.ProviderFailure("provider %s failed and fallback was exhausted", failedName).
		WithCause(cause).
		WithDetail("provider", failedName).
		WithDetail("retried", true)
}

// callProvider dispatches one attempt, holding the provider's active
// counter for the duration and folding the outcome into its metrics.
func (m *Manager) callProvider(ctx context.Context, rec *record, req Request) (*Response, error) {
	name := rec.provider.Name()
	rec.active.Add(1)
	defer rec.active.Add(-1)

	start := time.Now()
	out, err := rec.breaker.Execute(func() (any, error) {
		return rec.provider.Complete(ctx, req)
	})
	latency := time.Since(start)

	if err != nil {
		m.observe(rec, latency, 0, true)
		slog.Warn("Provider call failed", "provider", name, "latency", latency, "error", err)
		return nil, apperr.ProviderFailure("provider %s completion failed", name).
			WithCause(err).
			WithDetail("provider", name).
			WithDetail("retried", false)
	}

	resp := out.(*Response)
	resp.Provider = name
	resp.LatencyMs = latency.Milliseconds()
	m.observe(rec, latency, resp.Cost.TotalCost, false)
	return resp, nil
}

// observe records an outcome and demotes the provider when its error
// rate crosses the failure threshold.
func (m *Manager) observe(rec *record, latency time.Duration, cost float64, failed bool) {
	rec.mu.Lock()
	rec.metrics.observe(latency, cost, failed)
	errorRate := rec.metrics.ErrorRateEMA
	rec.mu.Unlock()

	if errorRate > m.cfg.FailureThreshold && rec.healthy.CompareAndSwap(true, false) {
		name := rec.provider.Name()
		slog.Warn("Provider demoted", "provider", name, "error_rate_ema", errorRate)
		m.emit(Event{Type: EventProviderFailed, Provider: name, Details: map[string]any{
			"error_rate_ema": errorRate,
		}})
	}
}

// StreamComplete selects a provider and relays its event stream. The
// provider's active counter is held until the stream closes.
func (m *Manager) StreamComplete(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	if len(req.Messages) == 0 {
		return nil, apperr.InvalidInput("request has no messages")
	}

	rec, err := m.selectProvider(req, nil)
	if err != nil {
		return nil, err
	}
	name := rec.provider.Name()

	rec.active.Add(1)
	src, err := rec.provider.StreamComplete(ctx, req)
	if err != nil {
		rec.active.Add(-1)
		m.observe(rec, 0, 0, true)
		return nil, apperr.ProviderFailure("provider %s stream failed", name).
			WithCause(err).
			WithDetail("provider", name)
	}

	out := make(chan StreamEvent)
	start := time.Now()
	go func() {
		defer rec.active.Add(-1)
		defer close(out)

		failed := false
		var cost float64
		for ev := range src {
			if ev.Type == StreamError {
				failed = true
			}
			if ev.Cost != nil {
				cost = ev.Cost.TotalCost
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				m.observe(rec, time.Since(start), 0, true)
				return
			}
		}
		m.observe(rec, time.Since(start), cost, failed)
	}()
	return out, nil
}

// selectProvider applies the filter set and routing strategy. Cost
// constraints override the strategy: the cheapest provider within the
// cap wins, and an empty set is an error.
func (m *Manager) selectProvider(req Request, exclude map[string]bool) (*record, error) {
	m.mu.RLock()
	all := make([]*record, 0, len(m.records))
	for _, rec := range m.records {
		all = append(all, rec)
	}
	m.mu.RUnlock()

	if len(all) == 0 {
		return nil, apperr.NotFound("no providers registered")
	}

	if req.CostConstraints != nil && req.CostConstraints.MaxCost > 0 {
		return selectCheapestWithin(all, req, exclude)
	}

	filtered := make([]*record, 0, len(all))
	for _, rec := range all {
		if exclude[rec.provider.Name()] {
			continue
		}
		if !rec.healthy.Load() || !rec.provider.Status().Available {
			continue
		}
		if rec.concurrentLimit > 0 && rec.active.Load() >= int64(rec.concurrentLimit) {
			continue
		}
		filtered = append(filtered, rec)
	}
	// Degraded fallback: better an unhealthy provider than none.
	if len(filtered) == 0 {
		for _, rec := range all {
			if !exclude[rec.provider.Name()] {
				filtered = append(filtered, rec)
			}
		}
	}
	if len(filtered) == 0 {
		return nil, apperr.NotFound("no eligible provider")
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		if filtered[i].priority != filtered[j].priority {
			return filtered[i].priority > filtered[j].priority
		}
		return filtered[i].provider.Name() < filtered[j].provider.Name()
	})

	switch m.cfg.Strategy {
	case StrategyLeastLoaded:
		return minBy(filtered, func(r *record) float64 { return r.provider.Status().CurrentLoad }), nil
	case StrategyLatencyBased:
		return minBy(filtered, func(r *record) float64 { return r.snapshotMetrics().LatencyEMAMs }), nil
	case StrategyCostBased:
		return minBy(filtered, func(r *record) float64 { return r.provider.EstimateCost(req).Total }), nil
	default:
		// Round-robin: the index advances monotonically and is never
		// reset, modulo the current list length.
		idx := m.rrCounter.Add(1) - 1
		return filtered[idx%uint64(len(filtered))], nil
	}
}

func selectCheapestWithin(all []*record, req Request, exclude map[string]bool) (*record, error) {
	var best *record
	bestCost := 0.0
	for _, rec := range all {
		if exclude[rec.provider.Name()] || !rec.healthy.Load() {
			continue
		}
		cost := rec.provider.EstimateCost(req).Total
		if cost > req.CostConstraints.MaxCost {
			continue
		}
		if best == nil || cost < bestCost {
			best, bestCost = rec, cost
		}
	}
	if best == nil {
		return nil, apperr.NotFound("no provider meets cost constraint %.6f", req.CostConstraints.MaxCost)
	}
	return best, nil
}

func minBy(records []*record, score func(*record) float64) *record {
	best := records[0]
	bestScore := score(best)
	for _, rec := range records[1:] {
		if s := score(rec); s < bestScore {
			best, bestScore = rec, s
		}
	}
	return best
}

func (m *Manager) emit(e Event) {
	if m.cfg.OnEvent != nil {
		m.cfg.OnEvent(e)
	}
}

// healthLoop probes every provider on a fixed interval and reconciles
// health flags, emitting recovery and failure transitions.
func (m *Manager) healthLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.CheckHealth()
		}
	}
}

// CheckHealth probes all providers once. Exposed for operational
// endpoints; the health loop calls it periodically.
func (m *Manager) CheckHealth() {
	m.mu.RLock()
	records := make([]*record, 0, len(m.records))
	for _, rec := range m.records {
		records = append(records, rec)
	}
	m.mu.RUnlock()

	for _, rec := range records {
		ctx, cancel := context.WithTimeout(context.Background(), healthProbeTimeout)
		hr := rec.provider.HealthCheck(ctx)
		cancel()

		healthy := hr.Healthy && rec.snapshotMetrics().ErrorRateEMA <= m.cfg.FailureThreshold
		name := rec.provider.Name()
		if healthy && rec.healthy.CompareAndSwap(false, true) {
			slog.Info("Provider recovered", "provider", name, "latency_ms", hr.LatencyMs)
			m.emit(Event{Type: EventProviderRecovered, Provider: name})
		} else if !healthy && rec.healthy.CompareAndSwap(true, false) {
			slog.Warn("Provider unhealthy", "provider", name, "error", hr.Error)
			m.emit(Event{Type: EventProviderFailed, Provider: name, Details: map[string]any{
				"error": hr.Error,
			}})
		}
	}
}
