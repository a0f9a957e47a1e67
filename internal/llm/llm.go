// Package llm defines the language-model client interface agent-kind
// listeners call through (spec.md §3 "Agent", §9 "LLM client"), and a
// concrete Anthropic-backed adapter.
//
// Unlike a tool-calling assistant framework, an AgentServer agent's "tool
// calls" are sibling XML payloads addressed to peer listeners and resolved
// by the pump — not provider-native tool_use blocks. The LLM interface is
// deliberately limited to plain conversational completion; an agent's
// handler is responsible for parsing any XML delegation requests out of the
// completion text itself, the way the teacher's agent handlers parse their
// own payload shape.
package llm

import (
	"context"
	"time"
)

// Message is one turn in a conversation.
type Message struct {
	Role    string // "system", "user", or "assistant"
	Content string
}

// Usage reports a completion's token accounting, fed into
// internal/budget.Manager.RecordSuccess by the caller.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Response is a completed turn.
type Response struct {
	Content    string
	StopReason string
	Usage      Usage
	FinishTime time.Time
}

// Config holds per-agent model parameters, set from spec.md §6's `agents.*`
// configuration keys.
type Config struct {
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

// Client is the interface agent handlers call through to reach a language
// model, satisfied by the Anthropic adapter and by a recorded-response fake
// in tests.
type Client interface {
	Complete(ctx context.Context, cfg Config, messages []Message) (*Response, error)
}

// RateLimitError is returned by a Client when the backend reports it is
// being throttled — the one case where internal/pump's budget manager should
// apply its multiplicative-decrease feedback.
type RateLimitError struct {
	Err error
}

func (e *RateLimitError) Error() string { return "llm: rate limited: " + e.Err.Error() }
func (e *RateLimitError) Unwrap() error { return e.Err }
