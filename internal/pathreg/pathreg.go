// Package pathreg is the Path Registry: a bidirectional mapping between
// opaque thread identifiers and their private hierarchical paths.
//
// Only this package ever knows a thread's path structure; the wire and the
// handlers see nothing but an opaque identifier (spec.md §3 "Thread Path").
// The registry is single-writer — the pump is the only caller that mutates
// it (spec.md §5) — so its exported mutation methods take no lock of their
// own beyond what is needed to let concurrent forensic reads proceed safely.
package pathreg

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
)

// node is one entry in the path tree.
type node struct {
	id       string
	parent   string // "" for a root
	segment  string // the path component this id contributes
	children map[string]string // child segment name -> child id, for disambiguation
}

// Registry holds every live thread's path. Threads are created on client
// ingress (new_root) or on delegation (extend), and removed on prune once
// terminal (spec.md §4.10).
//
// It also owns each thread's conversation history (spec.md §4.10's "an
// agent's memory is the thread-local conversation history" note): an
// append-only sequence of envelopes, keyed by thread id, released when the
// thread is pruned. Only the pump appends to it; agent handlers only ever
// read it through a narrower accessor (public/agent.Runtime.History).
type Registry struct {
	mu         sync.RWMutex
	nodes      map[string]*node
	history    map[string][]HistoryEntry
	lastActive map[string]time.Time
	seq        atomic.Uint64
}

// HistoryEntry is one turn recorded against a thread: the envelope fields a
// conversation assembly needs, without the full wire envelope shape.
type HistoryEntry struct {
	From    string
	Payload []byte
}

// New returns an empty path registry.
func New() *Registry {
	return &Registry{
		nodes:      make(map[string]*node),
		history:    make(map[string][]HistoryEntry),
		lastActive: make(map[string]time.Time),
	}
}

// NewRoot mints a fresh opaque thread id for a message arriving from an
// external client, with no parent.
func (r *Registry) NewRoot() string {
	id := uuid.New().String()
	r.mu.Lock()
	r.nodes[id] = &node{id: id, children: make(map[string]string)}
	r.lastActive[id] = time.Now()
	r.mu.Unlock()
	return id
}

// NewRootFromGateway mints a fresh opaque root for a message crossing a
// federation gateway. Per the decision on spec.md §9's path-opacity
// question, a gateway crossing always starts a brand-new root on the far
// side — no local path segment is carried across the wire, only the
// opaque thread id and the crossing itself.
func (r *Registry) NewRootFromGateway() string {
	return r.NewRoot()
}

// Extend creates a child thread under parentID named childName, returning
// the new opaque id. If childName collides with an existing sibling under
// the same parent, a disambiguating numeric suffix is appended (spec.md
// §4.7 "Uniqueness").
func (r *Registry) Extend(parentID, childName string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	parent, ok := r.nodes[parentID]
	if !ok {
		return "", fmt.Errorf("pathreg: unknown parent id %q", parentID)
	}

	segment := childName
	if _, collide := parent.children[segment]; collide {
		segment = fmt.Sprintf("%s-%d", childName, r.seq.Add(1))
	}

	id := uuid.New().String()
	r.nodes[id] = &node{id: id, parent: parentID, segment: segment, children: make(map[string]string)}
	parent.children[segment] = id
	r.lastActive[id] = time.Now()
	r.lastActive[parentID] = time.Now()
	return id, nil
}

// Prune removes id from the registry and returns its parent id, or "" if id
// was already a root. Callers are responsible for releasing any
// listener-scoped storage keyed by id before or after this call.
func (r *Registry) Prune(id string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[id]
	if !ok {
		return "", fmt.Errorf("pathreg: unknown id %q", id)
	}
	delete(r.nodes, id)
	delete(r.history, id)
	delete(r.lastActive, id)

	if n.parent != "" {
		if parent, ok := r.nodes[n.parent]; ok {
			delete(parent.children, n.segment)
		}
	}
	return n.parent, nil
}

// PruneIdle removes every thread whose last recorded activity is older than
// maxAge and returns the pruned ids. A thread with no recorded activity
// (never appended to, e.g. a root minted but never used) is treated as idle
// from the moment it was created, since NewRoot/Extend stamp lastActive too.
// Children are pruned before their parents so a parent's child map never
// references an already-removed node.
func (r *Registry) PruneIdle(maxAge time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	var stale []string
	for id, seen := range r.lastActive {
		if seen.Before(cutoff) {
			stale = append(stale, id)
		}
	}

	// Leaves first: a node with no children left among the stale set can be
	// safely unlinked from its parent without orphaning anything.
	pruned := make([]string, 0, len(stale))
	remaining := make(map[string]struct{}, len(stale))
	for _, id := range stale {
		remaining[id] = struct{}{}
	}
	for len(remaining) > 0 {
		progressed := false
		for id := range remaining {
			n, ok := r.nodes[id]
			if !ok {
				delete(remaining, id)
				delete(r.lastActive, id)
				continue
			}
			leaf := true
			for _, childID := range n.children {
				if _, stillStale := remaining[childID]; stillStale {
					leaf = false
					break
				}
			}
			if !leaf {
				continue
			}
			delete(r.nodes, id)
			delete(r.history, id)
			delete(r.lastActive, id)
			if n.parent != "" {
				if parent, ok := r.nodes[n.parent]; ok {
					delete(parent.children, n.segment)
				}
			}
			pruned = append(pruned, id)
			delete(remaining, id)
			progressed = true
		}
		if !progressed {
			// Remaining ids form a cycle-free but still-linked subtree whose
			// children aren't themselves stale; drop them as-is rather than
			// looping forever.
			for id := range remaining {
				pruned = append(pruned, id)
				delete(r.lastActive, id)
			}
			break
		}
	}
	return pruned
}

// ParentOf returns id's parent, or "" if id is a root or unknown.
func (r *Registry) ParentOf(id string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	if !ok {
		return ""
	}
	return n.parent
}

// IsRoot reports whether id has no parent.
func (r *Registry) IsRoot(id string) bool {
	return r.ParentOf(id) == "" && r.Exists(id)
}

// Exists reports whether id is currently registered.
func (r *Registry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.nodes[id]
	return ok
}

// Len returns the number of currently live threads, for the active-threads
// Prometheus gauge (SPEC_FULL.md §12).
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// PathOf reconstructs id's private hierarchical path for admin/forensic use
// only (spec.md §4.7: "private path (admin/forensic only)"); it must never
// be sent to a handler or across the wire.
func (r *Registry) PathOf(id string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var segments []string
	cur := id
	for {
		n, ok := r.nodes[cur]
		if !ok {
			return "", fmt.Errorf("pathreg: unknown id %q", id)
		}
		if n.segment != "" {
			segments = append([]string{n.segment}, segments...)
		}
		if n.parent == "" {
			segments = append([]string{shortID(cur)}, segments...)
			break
		}
		cur = n.parent
	}
	return strings.Join(segments, "."), nil
}

// AppendHistory records one turn against thread. Called only by the pump
// as it settles each message (single-writer discipline, spec.md §5). It
// does not require thread to already be a known path-registry node: a
// thread id arrives on an envelope before this registry necessarily has a
// node for it (e.g. a client-supplied thread id on the very first message
// of a conversation), so history tracking keys off the id string alone and
// is reclaimed by Prune only when that id does turn out to be a known node.
func (r *Registry) AppendHistory(thread, from string, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := append([]byte(nil), payload...)
	r.history[thread] = append(r.history[thread], HistoryEntry{From: from, Payload: cp})
	r.lastActive[thread] = time.Now()
}

// History returns thread's recorded turns in document order. The returned
// slice is a copy; callers may not mutate the registry's state through it.
func (r *Registry) History(thread string) []HistoryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := r.history[thread]
	out := make([]HistoryEntry, len(entries))
	copy(out, entries)
	return out
}

func shortID(id string) string {
	if len(id) < 8 {
		return id
	}
	return "sess-" + id[:8]
}
