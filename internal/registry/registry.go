// Package registry is the Listener Registry: the authoritative map from
// capability name and payload root tag to listener record.
//
// A listener record is immutable once registered; hot-reload replaces an
// entry wholesale rather than mutating it. Tools may share a root tag
// (broadcast group); agents must have a unique root tag so that a message
// addressed to an agent's own root tag routes back to that agent alone
// ("blind self-iteration").
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Kind distinguishes a local pure-function tool from an LLM-backed agent.
type Kind int

const (
	KindTool Kind = iota
	KindAgent
)

func (k Kind) String() string {
	if k == KindAgent {
		return "agent"
	}
	return "tool"
}

// HandlerMeta is the only routing metadata a handler ever sees. It
// deliberately excludes sender, parent, and peer information — those stay
// in the pump's local scope per the trust boundary (spec.md §4.4).
type HandlerMeta struct {
	Thread string
}

// Handler is a registered listener's processing function. It receives the
// deserialized payload value (the concrete type the listener's schema
// describes) and returns raw response bytes to be post-processed.
type Handler func(ctx context.Context, payload any, meta HandlerMeta) ([]byte, error)

// Record is an immutable listener registration.
type Record struct {
	Name        string
	RootTag     string
	Kind        Kind
	Description string
	Peers       map[string]struct{}
	Handler     Handler

	// seq records registration order so that LookupByRoot can return a
	// broadcast group in the order its members were registered, matching
	// spec.md §4.5's "handler invocation begins in registration order"
	// guarantee.
	seq int
}

// AllowsTarget reports whether this record may emit to target, either
// because target is in its declared peer set or because target is its own
// name (self-iteration).
func (r *Record) AllowsTarget(target string) bool {
	if target == r.Name {
		return true
	}
	_, ok := r.Peers[target]
	return ok
}

// Registry is the read-mostly listener map. Writes happen only at
// bootstrap or under a privileged hot-reload command and are serialized
// against concurrent reads by the registry's own RWMutex.
type Registry struct {
	mu      sync.RWMutex
	byName  map[string]*Record
	byRoot  map[string][]*Record
	nextSeq int
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		byName: make(map[string]*Record),
		byRoot: make(map[string][]*Record),
	}
}

// Register adds rec to the registry. It fails if the name is already bound,
// or — for an agent — if the root tag is already claimed by another agent
// (spec.md §4.1: "fails if name already bound or if an agent's root tag is
// already taken").
func (r *Registry) Register(rec *Record) error {
	if rec.Name == "" {
		return fmt.Errorf("registry: listener name is required")
	}
	if rec.RootTag == "" {
		return fmt.Errorf("registry: listener %q: root tag is required", rec.Name)
	}
	if rec.Description == "" {
		return fmt.Errorf("registry: listener %q: description is required", rec.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[rec.Name]; exists {
		return fmt.Errorf("registry: listener %q is already registered", rec.Name)
	}
	if rec.Kind == KindAgent {
		for _, existing := range r.byRoot[rec.RootTag] {
			if existing.Kind == KindAgent {
				return fmt.Errorf("registry: root tag %q is already claimed by agent %q", rec.RootTag, existing.Name)
			}
		}
	}

	rec.seq = r.nextSeq
	r.nextSeq++

	r.byName[rec.Name] = rec
	r.byRoot[rec.RootTag] = append(r.byRoot[rec.RootTag], rec)
	return nil
}

// LookupByName returns the record registered under name.
func (r *Registry) LookupByName(name string) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byName[name]
	return rec, ok
}

// LookupByRoot returns every record bound to rootTag, in registration
// order. A single result is the common case; more than one is a broadcast
// group of tools sharing a root tag.
func (r *Registry) LookupByRoot(rootTag string) []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	recs := r.byRoot[rootTag]
	out := make([]*Record, len(recs))
	copy(out, recs)
	sort.SliceStable(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// DrainFunc processes whatever is already enqueued for a listener before it
// is removed, returning once the queue is empty. The caller (typically the
// pump, on a hot-reload remove-listener command) supplies this so the
// registry itself stays free of queue/pipeline knowledge.
type DrainFunc func(name string)

// Remove deletes a listener's registration. Per the decision recorded for
// spec.md §9's open question on hot-reload removal with in-flight queued
// messages: the caller must drain the listener's pipeline input queue
// (via drain, if non-nil) before Remove deletes the entry, and any new
// message naming the removed listener arriving after this call returns
// must fail routing resolution immediately.
func (r *Registry) Remove(name string, drain DrainFunc) error {
	r.mu.Lock()
	rec, ok := r.byName[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("registry: listener %q is not registered", name)
	}

	if drain != nil {
		drain(name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byName, name)
	group := r.byRoot[rec.RootTag]
	for i, member := range group {
		if member.Name == name {
			r.byRoot[rec.RootTag] = append(group[:i], group[i+1:]...)
			break
		}
	}
	if len(r.byRoot[rec.RootTag]) == 0 {
		delete(r.byRoot, rec.RootTag)
	}
	return nil
}

// Capabilities returns the public capability list for Meta Handler
// introspection: name, kind, root tag, and description only, sorted by name for a
// stable listing.
func (r *Registry) Capabilities() []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	caps := make([]Capability, 0, len(r.byName))
	for _, rec := range r.byName {
		caps = append(caps, Capability{
			Name:        rec.Name,
			Kind:        rec.Kind.String(),
			RootTag:     rec.RootTag,
			Description: rec.Description,
		})
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i].Name < caps[j].Name })
	return caps
}

// Capability is the externally visible shape of a listener record.
type Capability struct {
	Name        string
	Kind        string
	RootTag     string
	Description string
}
