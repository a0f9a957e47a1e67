// Package meta implements the Meta Handler: introspection queries over
// listener schemas, example payloads, prompt fragments, and the public
// capability list, each gated by a configured privilege flag (spec.md
// §4.9).
package meta

import (
	"encoding/json"
	"fmt"

	"github.com/xmlpipeline/agentserver/internal/registry"
	"github.com/xmlpipeline/agentserver/internal/schema"
)

// Privilege is one of the three gate levels an introspection operation may
// be configured with.
type Privilege int

const (
	PrivilegeNone Privilege = iota
	PrivilegeAuthenticated
	PrivilegeAdmin
)

// Operation identifies one introspection query kind.
type Operation string

const (
	OpSchema       Operation = "schema"
	OpExample      Operation = "example"
	OpPromptFrag   Operation = "prompt-fragment"
	OpCapabilities Operation = "capabilities"
)

// Config maps each operation to its required privilege level, matching
// spec.md §6's `meta.allow_*` configuration keys.
type Config struct {
	Allow map[Operation]Privilege
}

// DefaultConfig leaves capabilities open to every caller, gates
// schema/example to authenticated callers, and keeps prompt-fragment
// admin-only.
func DefaultConfig() Config {
	return Config{Allow: map[Operation]Privilege{
		OpCapabilities: PrivilegeNone,
		OpSchema:       PrivilegeAuthenticated,
		OpExample:      PrivilegeAuthenticated,
		OpPromptFrag:   PrivilegeAdmin,
	}}
}

// Handler answers introspection queries, consulting the listener registry
// and schema store for their content and Config for whether the requesting
// privilege level is sufficient.
type Handler struct {
	registry *registry.Registry
	schemas  *schema.Store
	config   Config

	// examples and promptFragments are supplied at bootstrap per listener
	// name; not every listener has one.
	examples       map[string]json.RawMessage
	promptFragments map[string]string
}

// New returns a Meta Handler over reg and schemas, gated by cfg.
func New(reg *registry.Registry, schemas *schema.Store, cfg Config) *Handler {
	return &Handler{
		registry:        reg,
		schemas:         schemas,
		config:          cfg,
		examples:        make(map[string]json.RawMessage),
		promptFragments: make(map[string]string),
	}
}

// SetExample registers an example payload for name, shown by OpExample.
func (h *Handler) SetExample(name string, example json.RawMessage) {
	h.examples[name] = example
}

// SetPromptFragment registers a prompt fragment for name, shown by
// OpPromptFrag — typically a short natural-language description of how to
// address the capability, assembled into an agent's system prompt.
func (h *Handler) SetPromptFragment(name, fragment string) {
	h.promptFragments[name] = fragment
}

// ErrForbidden is returned when the caller's privilege is insufficient for
// the requested operation.
var ErrForbidden = fmt.Errorf("meta: insufficient privilege for this operation")

// Query answers op for the named listener at the given caller privilege.
// Federation peers issuing meta queries (spec.md §4.9 "Federation peers
// may issue meta queries only when the corresponding remote flag is set")
// pass whatever privilege their gateway configuration grants them.
func (h *Handler) Query(op Operation, name string, privilege Privilege) (any, error) {
	required, ok := h.config.Allow[op]
	if !ok {
		return nil, fmt.Errorf("meta: unknown operation %q", op)
	}
	if privilege < required {
		return nil, ErrForbidden
	}

	switch op {
	case OpCapabilities:
		return h.registry.Capabilities(), nil

	case OpSchema:
		c, ok := h.schemas.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("meta: no schema registered for %q", name)
		}
		return c.Raw, nil

	case OpExample:
		ex, ok := h.examples[name]
		if !ok {
			return nil, fmt.Errorf("meta: no example registered for %q", name)
		}
		return ex, nil

	case OpPromptFrag:
		frag, ok := h.promptFragments[name]
		if !ok {
			return nil, fmt.Errorf("meta: no prompt fragment registered for %q", name)
		}
		return frag, nil

	default:
		return nil, fmt.Errorf("meta: unhandled operation %q", op)
	}
}
