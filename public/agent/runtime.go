// Package agent provides the runtime support for agent-kind listeners:
// per-agent logging, configuration accessors, a thread's conversation
// history assembled into an LLM-ready message sequence, listener-scoped
// storage access, and the language-model client handle an agent's
// registry.Handler closure calls through.
//
// This replaces the teacher's BaseAgent (public/agent/base.go) for this
// repository. BaseAgent's support-service/broker dial loop and VFS
// project-isolation layer have no counterpart here: an agent in this
// system is an in-process closure invoked directly by the dispatcher
// (spec.md §4.4), never a standalone OS process reconnecting to a broker,
// and there is no per-project file tree to isolate (see DESIGN.md's note
// on the dropped `tenzoki/agen/atomic/vfs` dependency). What survives is
// the logging convention, the config-accessor shape, and the log-prefix
// idiom, carried over from BaseAgent almost verbatim.
package agent

import (
	"context"
	"fmt"
	"log"

	"github.com/xmlpipeline/agentserver/internal/llm"
	"github.com/xmlpipeline/agentserver/internal/pathreg"
	"github.com/xmlpipeline/agentserver/internal/storekv"
)

// Config holds one agent listener's static configuration: name, system
// prompt text, peers, and free-form Values read by the GetConfig*
// accessors, plus the LLM call parameters used for every completion this
// agent issues.
type Config struct {
	Name         string
	SystemPrompt string
	Peers        []string
	LLM          llm.Config
	Values       map[string]interface{}
}

// Runtime is the handle an agent-kind listener's registry.Handler closure
// is built over.
type Runtime struct {
	ID    string
	Debug bool

	cfg     Config
	client  llm.Client
	paths   *pathreg.Registry
	storage *storekv.Store
}

// New returns a Runtime for one agent-kind listener. storage may be nil
// for an agent that keeps no state of its own beyond conversation history.
func New(id string, cfg Config, client llm.Client, paths *pathreg.Registry, storage *storekv.Store) *Runtime {
	return &Runtime{ID: id, cfg: cfg, client: client, paths: paths, storage: storage}
}

func (r *Runtime) LogInfo(format string, args ...interface{}) {
	log.Printf("Agent %s: "+format, append([]interface{}{r.ID}, args...)...)
}

func (r *Runtime) LogDebug(format string, args ...interface{}) {
	if r.Debug {
		log.Printf("Agent %s [DEBUG]: "+format, append([]interface{}{r.ID}, args...)...)
	}
}

func (r *Runtime) LogError(format string, args ...interface{}) {
	log.Printf("Agent %s [ERROR]: "+format, append([]interface{}{r.ID}, args...)...)
}

// GetConfigString retrieves a string configuration value.
func (r *Runtime) GetConfigString(key, defaultValue string) string {
	if v, ok := r.cfg.Values[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return defaultValue
}

// GetConfigBool retrieves a boolean configuration value.
func (r *Runtime) GetConfigBool(key string, defaultValue bool) bool {
	if v, ok := r.cfg.Values[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return defaultValue
}

// GetConfigInt retrieves an integer configuration value.
func (r *Runtime) GetConfigInt(key string, defaultValue int) int {
	if v, ok := r.cfg.Values[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case float64:
			return int(n)
		}
	}
	return defaultValue
}

// Peers returns the agent's declared peer set, the same list checked by
// the registry's peer-visibility rule during routing resolution.
func (r *Runtime) Peers() []string {
	return append([]string(nil), r.cfg.Peers...)
}

// History assembles thread's conversation so far into an LLM message
// sequence: the configured system prompt first, then each recorded turn
// in document order, labeled "assistant" when this agent itself was the
// sender and "user" otherwise — the source keeps a single append-only log
// per thread (spec.md §3 "Thread" / §4.10), and only this role split is
// needed to present it as a chat history.
func (r *Runtime) History(thread string) []llm.Message {
	var messages []llm.Message
	if r.cfg.SystemPrompt != "" {
		messages = append(messages, llm.Message{Role: "system", Content: r.cfg.SystemPrompt})
	}
	for _, entry := range r.paths.History(thread) {
		role := "user"
		if entry.From == r.ID {
			role = "assistant"
		}
		messages = append(messages, llm.Message{Role: role, Content: string(entry.Payload)})
	}
	return messages
}

// Complete assembles thread's history, appends prompt as the final turn,
// and issues one completion call against the configured LLM client.
func (r *Runtime) Complete(ctx context.Context, thread string, prompt llm.Message) (*llm.Response, error) {
	messages := append(r.History(thread), prompt)
	return r.client.Complete(ctx, r.cfg.LLM, messages)
}

// StorageGet reads this agent's stored value for thread, per spec.md §3
// "Listener-Scoped Storage".
func (r *Runtime) StorageGet(thread string) ([]byte, bool) {
	if r.storage == nil {
		return nil, false
	}
	return r.storage.Get(storekv.ListenerKey(r.ID, thread))
}

// StorageSet writes this agent's stored value for thread.
func (r *Runtime) StorageSet(thread string, value []byte) error {
	if r.storage == nil {
		return fmt.Errorf("agent %s: no storage configured", r.ID)
	}
	return r.storage.Set(storekv.ListenerKey(r.ID, thread), value)
}

// StorageDelete clears this agent's stored value for thread.
func (r *Runtime) StorageDelete(thread string) error {
	if r.storage == nil {
		return nil
	}
	return r.storage.Delete(storekv.ListenerKey(r.ID, thread))
}
