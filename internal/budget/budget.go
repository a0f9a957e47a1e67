// Package budget implements the Token Budget: per-agent and per-thread
// rolling counters of tokens consumed by language-model calls, with
// additive-increase/multiplicative-decrease feedback from backend
// throttling signals (spec.md §3, §4.6 step 5).
//
// Token estimation reuses the arithmetic of the teacher's envelope token
// budget calculation (payload size plus a conservative per-envelope
// metadata overhead) rather than an exact tokenizer — no exact-tokenizer
// library appears in the retrieval pack, and an estimate is all the pump's
// admission check needs: it only has to be close enough that a genuinely
// oversized message is deferred before a call is made, not precise to the
// token.
package budget

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"
)

// baseEnvelopeTokens is the conservative per-message metadata overhead
// (from/thread/to framing, envelope tags) folded into every estimate,
// mirroring the teacher's estimateMetadataTokens base constant.
const baseEnvelopeTokens = 32

// charsPerToken is the rough English-text characters-per-token ratio used
// when no provider-reported usage is available yet for a message.
const charsPerToken = 4

// EstimateTokens gives a conservative token estimate for payload bytes,
// attached to a MessageState during the pipeline's deserialize step
// (spec.md §4.6 step 2).
func EstimateTokens(payload []byte) int {
	return baseEnvelopeTokens + (len(payload)+charsPerToken-1)/charsPerToken
}

// AgentConfig is an agent's configured share of the global budget: a
// tokens-per-minute rate and a burst ceiling for its rolling deficit.
type AgentConfig struct {
	TokensPerMinute int
	Burst           int
}

// agentState is one agent's live admission state.
type agentState struct {
	limiter *rate.Limiter
	deficit atomic.Int64
	base    int64 // the configured burst, restored by additive increase
}

// Manager tracks every agent's token budget and exposes AIMD congestion
// control driven by backend throttling signals. It is maintained by the
// pump only (spec.md §5 "Token budgets: maintained by the pump only").
type Manager struct {
	mu     sync.RWMutex
	agents map[string]*agentState

	remaining *prometheus.GaugeVec
	decreases *prometheus.CounterVec
}

// NewManager returns a Manager with the given Prometheus registerer. Pass
// nil to skip metrics registration (used by tests).
func NewManager(reg prometheus.Registerer) *Manager {
	m := &Manager{
		agents: make(map[string]*agentState),
		remaining: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agentserver_budget_remaining_tokens",
			Help: "Remaining token budget deficit per agent.",
		}, []string{"agent"}),
		decreases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentserver_budget_aimd_decreases_total",
			Help: "Number of multiplicative-decrease events per agent.",
		}, []string{"agent"}),
	}
	if reg != nil {
		reg.MustRegister(m.remaining, m.decreases)
	}
	return m
}

// Register configures an agent's budget. Calling Register again for the
// same name replaces its configuration and resets its deficit to the new
// burst — used at bootstrap and on hot-reload.
func (m *Manager) Register(agent string, cfg AgentConfig) {
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.TokensPerMinute
	}
	st := &agentState{
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.TokensPerMinute)/60.0), cfg.Burst),
		base:    int64(cfg.Burst),
	}
	st.deficit.Store(int64(cfg.Burst))

	m.mu.Lock()
	m.agents[agent] = st
	m.mu.Unlock()

	m.remaining.WithLabelValues(agent).Set(float64(cfg.Burst))
}

// Admit reports whether estimatedTokens fits within agent's remaining
// deficit. It does not itself deduct the tokens — call Reserve once the
// message is actually dispatched, so a rejected admission never costs the
// agent anything.
func (m *Manager) Admit(agent string, estimatedTokens int) bool {
	st, ok := m.state(agent)
	if !ok {
		return false
	}
	return st.deficit.Load() >= int64(estimatedTokens)
}

// Reserve deducts estimatedTokens from agent's deficit for an admitted,
// in-flight dispatch.
func (m *Manager) Reserve(agent string, estimatedTokens int) {
	st, ok := m.state(agent)
	if !ok {
		return
	}
	st.deficit.Sub(int64(estimatedTokens))
	m.remaining.WithLabelValues(agent).Set(float64(st.deficit.Load()))
}

// RecordSuccess applies additive increase: a successful call restores
// actualTokens (the true usage reported by the backend, which may differ
// from the estimate) to the deficit, capped at the agent's configured
// burst.
func (m *Manager) RecordSuccess(agent string, actualTokens int) {
	st, ok := m.state(agent)
	if !ok {
		return
	}
	next := st.deficit.Add(int64(actualTokens))
	if next > st.base {
		st.deficit.Store(st.base)
		next = st.base
	}
	m.remaining.WithLabelValues(agent).Set(float64(next))
}

// RecordThrottle applies multiplicative decrease on a backend rate-limit
// signal: the agent's deficit is halved, so subsequent admission checks
// back off until enough additive increases have restored headroom.
func (m *Manager) RecordThrottle(agent string) {
	st, ok := m.state(agent)
	if !ok {
		return
	}
	current := st.deficit.Load()
	halved := current / 2
	st.deficit.Store(halved)
	m.remaining.WithLabelValues(agent).Set(float64(halved))
	m.decreases.WithLabelValues(agent).Inc()
}

// Allow reports whether the agent's tokens-per-minute rate limiter admits
// one more dispatch right now; used by the pump as the outer admission
// gate before consulting Admit/Reserve for the message-specific estimate.
func (m *Manager) Allow(agent string) bool {
	st, ok := m.state(agent)
	if !ok {
		return false
	}
	return st.limiter.Allow()
}

func (m *Manager) state(agent string) (*agentState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.agents[agent]
	return st, ok
}

// Deficit reports an agent's current remaining budget. The pump's weighted
// deficit round-robin keeps its own per-listener balance and does not read
// this value.
func (m *Manager) Deficit(agent string) (int64, error) {
	st, ok := m.state(agent)
	if !ok {
		return 0, fmt.Errorf("budget: unknown agent %q", agent)
	}
	return st.deficit.Load(), nil
}
