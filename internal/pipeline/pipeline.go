// Package pipeline implements the Per-Listener Pipeline: the ordered
// sequence of steps that transforms a MessageState from raw wire bytes
// through repair, envelope validation, payload extraction, schema
// validation, token estimation, and routing resolution (spec.md §4.2).
//
// Execution rule: on the first step that sets a diagnostic, the pipeline
// halts; the caller (the pump) is responsible for routing the halted state
// to the system pipeline's huh-composition step rather than continuing.
package pipeline

import (
	"fmt"

	"github.com/xmlpipeline/agentserver/internal/budget"
	"github.com/xmlpipeline/agentserver/internal/registry"
	"github.com/xmlpipeline/agentserver/internal/repair"
	"github.com/xmlpipeline/agentserver/internal/schema"
)

// MessageState is the universal intermediate representation passed between
// pipeline steps (spec.md §3 "MessageState"). All fields but Raw start
// empty and are populated by successive steps.
type MessageState struct {
	Raw []byte

	EnvelopeNode *repair.Node
	PayloadNode  *repair.Node
	Payload      any

	Thread string
	Sender string
	To     string

	Targets []*registry.Record

	EstimatedTokens int

	// Diagnostic, once non-empty, halts the pipeline. DiagnosticKind is the
	// machine-readable classification surfaced on the resulting <huh>
	// (spec.md §12 "huh diagnostic carries a machine-readable kind"):
	// validation, routing, handler, security, timeout, or (from the pump's
	// DrainListener) listener-removed.
	Diagnostic     string
	DiagnosticKind string

	Meta map[string]any
}

// Fail sets the halting diagnostic for this state. Subsequent steps in the
// pipeline must check HasDiagnostic before doing further work.
func (s *MessageState) Fail(kind, format string, args ...any) {
	s.DiagnosticKind = kind
	s.Diagnostic = fmt.Sprintf(format, args...)
}

// HasDiagnostic reports whether a prior step has already halted the
// pipeline.
func (s *MessageState) HasDiagnostic() bool {
	return s.Diagnostic != ""
}

// Step is one pipeline stage. A step that observes s.HasDiagnostic() true
// on entry must return immediately without further mutation.
type Step func(deps *Deps, s *MessageState)

// Deps bundles the components pipeline steps consult. It holds no mutable
// per-message state of its own.
type Deps struct {
	Registry *registry.Registry
	Schemas  *schema.Store
}

// Pipeline is an ordered list of steps, run sequentially.
type Pipeline struct {
	Steps []Step
}

// Run executes every step in order against s, stopping as soon as a step
// sets a diagnostic.
func (p *Pipeline) Run(deps *Deps, s *MessageState) {
	for _, step := range p.Steps {
		if s.HasDiagnostic() {
			return
		}
		step(deps, s)
	}
}

// Default returns the standard per-listener pipeline: repair, canonicalize,
// validate-envelope, extract-payload, validate-payload, deserialize,
// resolve-routing (spec.md §4.2).
func Default() *Pipeline {
	return &Pipeline{Steps: []Step{
		StepRepair,
		StepCanonicalize,
		StepValidateEnvelope,
		StepExtractPayload,
		StepValidatePayload,
		StepDeserialize,
		StepResolveRouting,
	}}
}

// StepRepair parses s.Raw into an envelope tree using the tolerant reader.
func StepRepair(deps *Deps, s *MessageState) {
	n, err := repair.Repair(s.Raw)
	if err != nil {
		s.Fail("validation", "repair: %v", err)
		return
	}
	s.EnvelopeNode = n
}

// StepCanonicalize computes the canonical byte form of the envelope and
// stashes it in the metadata bag for downstream signing/comparison (e.g.
// the OOB handler's signature verification, internal/gateway forwarding).
func StepCanonicalize(deps *Deps, s *MessageState) {
	if s.Meta == nil {
		s.Meta = make(map[string]any)
	}
	s.Meta["canonical"] = repair.Canonicalize(s.EnvelopeNode)
}

// envelopeFieldNames are the envelope-level children that are not the
// payload.
var envelopeFieldNames = map[string]bool{"from": true, "thread": true, "to": true}

// StepValidateEnvelope checks the fixed envelope shape: mandatory from and
// thread text children, an optional to, and exactly one payload element.
func StepValidateEnvelope(deps *Deps, s *MessageState) {
	n := s.EnvelopeNode
	from := n.Child("from")
	thread := n.Child("thread")
	if from == nil || from.Text == "" {
		s.Fail("validation", "envelope: from is required")
		return
	}
	if thread == nil || thread.Text == "" {
		s.Fail("validation", "envelope: thread is required")
		return
	}

	var payloads []*repair.Node
	for _, c := range n.Children {
		if !envelopeFieldNames[c.Name] {
			payloads = append(payloads, c)
		}
	}
	if len(payloads) != 1 {
		s.Fail("validation", "envelope: exactly one payload element is required, found %d", len(payloads))
		return
	}
}

// StepExtractPayload populates the sender, thread, optional target, and
// payload tree from the validated envelope.
func StepExtractPayload(deps *Deps, s *MessageState) {
	n := s.EnvelopeNode
	s.Sender = n.Child("from").Text
	s.Thread = n.Child("thread").Text
	if to := n.Child("to"); to != nil {
		s.To = to.Text
	}
	for _, c := range n.Children {
		if !envelopeFieldNames[c.Name] {
			s.PayloadNode = c
			break
		}
	}
}

// StepValidatePayload validates the payload tree against the schema
// registered for a listener bound to its root tag. Broadcast tool groups
// share a root tag and, by the registration invariant, share a schema, so
// validating against any one bound listener's schema is sufficient.
func StepValidatePayload(deps *Deps, s *MessageState) {
	group := deps.Registry.LookupByRoot(s.PayloadNode.Name)
	if len(group) == 0 {
		s.Fail("routing", "no listener registered for root tag %q", s.PayloadNode.Name)
		return
	}
	if err := deps.Schemas.Validate(group[0].Name, s.PayloadNode); err != nil {
		s.Fail("validation", "payload: %v", err)
		return
	}
}

// StepDeserialize hands the payload through as its repaired tree — each
// handler interprets its own payload's fields — and attaches the token
// cost estimate the pump's admission check consults (spec.md §4.6 step 2).
func StepDeserialize(deps *Deps, s *MessageState) {
	s.Payload = s.PayloadNode
	s.EstimatedTokens = budget.EstimateTokens(repair.ToXML(s.PayloadNode))
}

// StepResolveRouting resolves s.Targets from an explicit target or from the
// payload's root tag, enforcing peer safety for agent senders (spec.md
// §4.3).
func StepResolveRouting(deps *Deps, s *MessageState) {
	var candidates []*registry.Record
	if s.To != "" {
		rec, ok := deps.Registry.LookupByName(s.To)
		if !ok {
			s.Fail("routing", "unknown target %q", s.To)
			return
		}
		candidates = []*registry.Record{rec}
	} else {
		candidates = deps.Registry.LookupByRoot(s.PayloadNode.Name)
		if len(candidates) == 0 {
			s.Fail("routing", "no listener registered for root tag %q", s.PayloadNode.Name)
			return
		}
	}

	sender, senderIsAgent := deps.Registry.LookupByName(s.Sender)
	if senderIsAgent && sender.Kind == registry.KindAgent {
		allowed := candidates[:0:0]
		for _, c := range candidates {
			if sender.AllowsTarget(c.Name) {
				allowed = append(allowed, c)
			}
		}
		candidates = allowed
	}

	if len(candidates) == 0 {
		s.Fail("routing", "sender %q is not permitted to target this capability", s.Sender)
		return
	}
	s.Targets = candidates
}
