// Package ratelimit enforces per-agent resource policies: sliding-window
// rates for tasks, memory operations and messages, a token bucket for
// CPU time, and hard caps on concurrent tasks and resident memory.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/conclave-ai/conclave/pkg/apperr"
)

// Policy defaults.
const (
	DefaultTasksPerMinute     = 30
	DefaultMemoryOpsPerMinute = 100
	DefaultMessagesPerMinute  = 60
	DefaultCPUQuotaMs         = 60_000
	DefaultMaxConcurrentTasks = 5
	DefaultMemoryQuotaBytes   = 100 << 20
)

// Policy configures the limiters applied to each agent.
type Policy struct {
	TasksPerMinute     int   `yaml:"tasks_per_minute"`
	MemoryOpsPerMinute int   `yaml:"memory_ops_per_minute"`
	MessagesPerMinute  int   `yaml:"messages_per_minute"`
	CPUQuotaMs         int   `yaml:"cpu_quota_ms"`
	MaxConcurrentTasks int   `yaml:"max_concurrent_tasks"`
	MemoryQuotaBytes   int64 `yaml:"memory_quota_bytes"`
	AllowBurst         bool  `yaml:"allow_burst"`
}

// withDefaults fills zero fields.
func (p Policy) withDefaults() Policy {
	if p.TasksPerMinute <= 0 {
		p.TasksPerMinute = DefaultTasksPerMinute
	}
	if p.MemoryOpsPerMinute <= 0 {
		p.MemoryOpsPerMinute = DefaultMemoryOpsPerMinute
	}
	if p.MessagesPerMinute <= 0 {
		p.MessagesPerMinute = DefaultMessagesPerMinute
	}
	if p.CPUQuotaMs <= 0 {
		p.CPUQuotaMs = DefaultCPUQuotaMs
	}
	if p.MaxConcurrentTasks <= 0 {
		p.MaxConcurrentTasks = DefaultMaxConcurrentTasks
	}
	if p.MemoryQuotaBytes <= 0 {
		p.MemoryQuotaBytes = DefaultMemoryQuotaBytes
	}
	return p
}

// Decision is the outcome of a limiter check. WaitTime estimates when a
// denied call could succeed; zero means retry timing is unknown.
type Decision struct {
	Allowed  bool          `json:"allowed"`
	Reason   string        `json:"reason,omitempty"`
	WaitTime time.Duration `json:"wait_time_ms,omitempty"`
}

func allow() Decision { return Decision{Allowed: true} }

func deny(reason string, wait time.Duration) Decision {
	return Decision{Reason: reason, WaitTime: wait}
}

// AgentLimiter holds one agent's limiter set.
type AgentLimiter struct {
	policy Policy

	tasks     *slidingWindow
	memoryOps *slidingWindow
	messages  *slidingWindow
	cpu       *rate.Limiter

	mu           sync.Mutex
	runningTasks int
	memoryUsed   int64
}

// NewAgentLimiter builds a limiter set from the policy; zero policy
// fields take the defaults.
func NewAgentLimiter(policy Policy) *AgentLimiter {
	p := policy.withDefaults()
	window := time.Minute
	refillPerSec := float64(p.CPUQuotaMs) / 60.0
	return &AgentLimiter{
		policy:    p,
		tasks:     newSlidingWindow(p.TasksPerMinute, window, p.AllowBurst),
		memoryOps: newSlidingWindow(p.MemoryOpsPerMinute, window, p.AllowBurst),
		messages:  newSlidingWindow(p.MessagesPerMinute, window, p.AllowBurst),
		cpu:       rate.NewLimiter(rate.Limit(refillPerSec), p.CPUQuotaMs),
	}
}

// CanStartTask admits a task start, counting it against both the rate
// window and the concurrency cap. Pair with FinishTask.
func (a *AgentLimiter) CanStartTask() Decision {
	a.mu.Lock()
	if a.runningTasks >= a.policy.MaxConcurrentTasks {
		a.mu.Unlock()
		return deny("concurrent task limit reached", 0)
	}
	a.mu.Unlock()

	if !a.tasks.tryAcquire() {
		return deny("task rate limit exceeded", a.tasks.waitTime())
	}

	a.mu.Lock()
	a.runningTasks++
	a.mu.Unlock()
	return allow()
}

// FinishTask releases a concurrency slot.
func (a *AgentLimiter) FinishTask() {
	a.mu.Lock()
	if a.runningTasks > 0 {
		a.runningTasks--
	}
	a.mu.Unlock()
}

// CanPerformMemoryOp admits a memory operation of the given size,
// counting the bytes against the quota. Pair with ReleaseMemory.
func (a *AgentLimiter) CanPerformMemoryOp(bytes int64) Decision {
	if bytes < 0 {
		return deny("negative memory size", 0)
	}

	a.mu.Lock()
	if a.memoryUsed+bytes > a.policy.MemoryQuotaBytes {
		a.mu.Unlock()
		return deny("memory quota exceeded", 0)
	}
	a.mu.Unlock()

	if !a.memoryOps.tryAcquire() {
		return deny("memory op rate limit exceeded", a.memoryOps.waitTime())
	}

	a.mu.Lock()
	a.memoryUsed += bytes
	a.mu.Unlock()
	return allow()
}

// ReleaseMemory returns bytes to the quota.
func (a *AgentLimiter) ReleaseMemory(bytes int64) {
	a.mu.Lock()
	a.memoryUsed -= bytes
	if a.memoryUsed < 0 {
		a.memoryUsed = 0
	}
	a.mu.Unlock()
}

// CanSendMessage admits one message send.
func (a *AgentLimiter) CanSendMessage() Decision {
	if !a.messages.tryAcquire() {
		return deny("message rate limit exceeded", a.messages.waitTime())
	}
	return allow()
}

// CanUseCPU consumes ms milliseconds of CPU budget from the token
// bucket.
func (a *AgentLimiter) CanUseCPU(ms int) Decision {
	if ms <= 0 {
		return allow()
	}
	if ms > a.policy.CPUQuotaMs {
		return deny("cpu request exceeds quota capacity", 0)
	}
	if a.cpu.AllowN(time.Now(), ms) {
		return allow()
	}

	// Estimate the refill delay without consuming tokens.
	r := a.cpu.ReserveN(time.Now(), ms)
	wait := r.Delay()
	r.CancelAt(time.Now())
	return deny("cpu quota exceeded", wait)
}

// Usage is a point-in-time snapshot of an agent's consumption.
type Usage struct {
	RunningTasks     int   `json:"running_tasks"`
	MemoryUsedBytes  int64 `json:"memory_used_bytes"`
	TasksInWindow    int   `json:"tasks_in_window"`
	MessagesInWindow int   `json:"messages_in_window"`
}

// Usage reports current consumption.
func (a *AgentLimiter) Usage() Usage {
	a.mu.Lock()
	running, mem := a.runningTasks, a.memoryUsed
	a.mu.Unlock()
	return Usage{
		RunningTasks:     running,
		MemoryUsedBytes:  mem,
		TasksInWindow:    a.tasks.count(),
		MessagesInWindow: a.messages.count(),
	}
}

// Manager hands out one AgentLimiter per agent id.
type Manager struct {
	mu       sync.Mutex
	policy   Policy
	limiters map[string]*AgentLimiter
}

// NewManager creates a limiter registry applying the same policy to
// every agent.
func NewManager(policy Policy) *Manager {
	return &Manager{
		policy:   policy.withDefaults(),
		limiters: make(map[string]*AgentLimiter),
	}
}

// ForAgent returns the agent's limiter, creating it on first use.
func (m *Manager) ForAgent(agentID string) (*AgentLimiter, error) {
	if agentID == "" {
		return nil, apperr.InvalidInput("agent id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.limiters[agentID]
	if !ok {
		l = NewAgentLimiter(m.policy)
		m.limiters[agentID] = l
	}
	return l, nil
}

// Remove drops an agent's limiter state.
func (m *Manager) Remove(agentID string) {
	m.mu.Lock()
	delete(m.limiters, agentID)
	m.mu.Unlock()
}
