// Package schema is the Envelope & Schema Store: it compiles, caches, and
// validates the envelope schema and every listener's payload schema.
//
// Payload schemas are expressed as JSON Schema documents describing the
// decoded shape of an XML payload element (attributes and child text as a
// plain map), since no XSD-native validator appears anywhere in the
// retrieval pack this repository draws its dependency stack from. The
// on-disk cache path still uses the wire vocabulary's `.xsd` naming from
// spec.md §6's persisted-state table; the content underneath is JSON
// Schema, compiled by github.com/santhosh-tekuri/jsonschema/v6.
//
// Called by: internal/pipeline (validate-payload step), cmd/agentserver
// (schema registration at bootstrap), internal/meta (schema introspection).
package schema

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/invopop/jsonschema"
	jsonschemav6 "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/xmlpipeline/agentserver/internal/repair"
)

// Compiled is one registered payload schema: its raw JSON bytes (persisted
// and shown back to Meta Handler introspection) and its compiled validator.
type Compiled struct {
	Name    string
	Version string
	Raw     json.RawMessage
	schema  *jsonschemav6.Schema
}

// Store holds every compiled payload schema for the lifetime of the
// organism. A schema is compiled once at registration and retained for the
// listener's lifetime (spec.md §4.1's "Schema caching" rule); hot-reload
// replaces an entry rather than mutating it in place.
type Store struct {
	mu      sync.RWMutex
	schemas map[string]*Compiled
	cache   Cache
	dir     string
}

// Cache is the persistence side-channel for compiled schemas, satisfied by
// internal/storekv's badger-backed store. A nil Cache disables persistence
// without disabling in-memory compilation.
type Cache interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte) error
}

// New creates a Store that writes its flat-file cache under dir (spec.md §6
// "schemas are cached to schemas/<name>/v1.xsd") and optionally layers a
// Cache for faster reload across hot-reloads.
func New(dir string, cache Cache) *Store {
	return &Store{
		schemas: make(map[string]*Compiled),
		cache:   cache,
		dir:     dir,
	}
}

// EnvelopeSchema is the fixed schema shared by every listener (spec.md §3):
// mandatory from/thread, optional to, exactly one payload element. It is
// not registered through Register — it is a Store constant checked by
// envelope.Validate directly, kept here only for Meta Handler introspection
// of the wire shape.
var EnvelopeSchema = json.RawMessage(`{
	"type": "object",
	"required": ["from", "thread"],
	"properties": {
		"from": {"type": "string", "minLength": 1},
		"thread": {"type": "string", "minLength": 1},
		"to": {"type": "string"}
	}
}`)

// Register compiles and caches a payload schema for the named listener. The
// version defaults to "v1" when empty, matching the persisted path shape.
func (s *Store) Register(name, version string, raw json.RawMessage) (*Compiled, error) {
	if version == "" {
		version = "v1"
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("schema %s: unmarshal: %w", name, err)
	}

	c := jsonschemav6.NewCompiler()
	resourceURL := name + ".json"
	if err := c.AddResource(resourceURL, doc); err != nil {
		return nil, fmt.Errorf("schema %s: add resource: %w", name, err)
	}
	compiled, err := c.Compile(resourceURL)
	if err != nil {
		return nil, fmt.Errorf("schema %s: compile: %w", name, err)
	}

	entry := &Compiled{Name: name, Version: version, Raw: raw, schema: compiled}

	s.mu.Lock()
	s.schemas[name] = entry
	s.mu.Unlock()

	s.persist(name, version, raw)
	return entry, nil
}

// RegisterFromStruct generates a JSON Schema from a Go struct using
// invopop/jsonschema (the same struct-to-schema reflection the Meta Handler
// later surfaces for example payloads) and registers it under name.
func (s *Store) RegisterFromStruct(name, version string, v any) (*Compiled, error) {
	reflector := &jsonschema.Reflector{ExpandedStruct: true, DoNotReference: true}
	schema := reflector.Reflect(v)
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("schema %s: reflect: %w", name, err)
	}
	return s.Register(name, version, raw)
}

// Lookup returns the compiled schema registered for name, if any.
func (s *Store) Lookup(name string) (*Compiled, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.schemas[name]
	return c, ok
}

// Remove drops a compiled schema, used when a listener is removed by
// hot-reload.
func (s *Store) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.schemas, name)
}

// Validate checks a repaired payload node against the named listener's
// registered schema. The node is converted to a plain map (attributes and
// child element text/nested maps) before JSON Schema validation, since the
// schema documents describe that shape, not raw XML.
func (s *Store) Validate(name string, node *repair.Node) error {
	c, ok := s.Lookup(name)
	if !ok {
		return fmt.Errorf("schema %s: not registered", name)
	}
	instance := nodeToMap(node)
	if err := c.schema.Validate(instance); err != nil {
		return fmt.Errorf("schema %s: %w", name, err)
	}
	return nil
}

// nodeToMap flattens a repair.Node into the map shape JSON Schema
// validation expects: attributes and children keyed by local name, leaf
// elements reduced to their text content.
func nodeToMap(n *repair.Node) map[string]any {
	m := make(map[string]any, len(n.Attrs)+len(n.Children))
	for _, a := range n.Attrs {
		m[a.Name.Local] = a.Value
	}
	for _, c := range n.Children {
		if len(c.Children) == 0 {
			m[c.Name] = c.Text
		} else {
			m[c.Name] = nodeToMap(c)
		}
	}
	return m
}

// persist writes the flat-file cache entry and, if a Cache is configured,
// the badger-backed copy keyed by "<name>/<version>". Persistence failures
// are ignored, not fatal to registration —
// an organism must still run with an in-memory-only schema store.
func (s *Store) persist(name, version string, raw json.RawMessage) {
	if s.dir != "" {
		dir := filepath.Join(s.dir, name)
		_ = os.MkdirAll(dir, 0o755)
		_ = os.WriteFile(filepath.Join(dir, version+".xsd"), raw, 0o644)
	}
	if s.cache != nil {
		_ = s.cache.Set(name+"/"+version, raw)
	}
}

// LoadCached reloads a schema previously persisted to the badger cache and
// registers it, compiling it again exactly as Register does: the cache
// supplies the schema source, not a compiled validator.
func (s *Store) LoadCached(name, version string) (*Compiled, bool, error) {
	if s.cache == nil {
		return nil, false, nil
	}
	raw, ok := s.cache.Get(name + "/" + version)
	if !ok {
		return nil, false, nil
	}
	c, err := s.Register(name, version, raw)
	if err != nil {
		return nil, false, err
	}
	return c, true, nil
}
