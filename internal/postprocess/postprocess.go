// Package postprocess implements the Response Post-Processor: multi-payload
// extraction from a handler's raw response bytes (spec.md §4.5).
//
// A handler may emit more than one outbound payload in a single response —
// an agent delegating to two peers at once, say — by writing sibling
// elements. The post-processor wraps the raw bytes in a synthetic root,
// repair-parses them, and enumerates the immediate children in document
// order, each becoming a fresh outbound message carrying provenance
// captured locally by the caller rather than anything the handler wrote.
package postprocess

import (
	"github.com/xmlpipeline/agentserver/internal/pipeline"
	"github.com/xmlpipeline/agentserver/internal/repair"
)

// Provenance is the authoritative metadata the pump captured in local
// scope before invoking the handler — never sourced from handler output
// (spec.md §4.4).
type Provenance struct {
	ExecutingListener string
	Thread            string
}

// Extract wraps raw in a synthetic root, repair-parses it, and returns one
// fresh MessageState per immediate child in document order. A handler
// returning zero children, or bytes that fail to parse at all, yields a
// single diagnostic MessageState instead (spec.md §4.5 steps 2-3).
//
// A bare `<to>` element is not itself a payload: it is an explicit
// destination override that attaches to the payload sibling immediately
// following it, the mechanism an agent uses to address its final answer to
// the client sentinel (spec.md §4.6's ClientTarget) rather than have it
// resolved by the payload's own root tag. A `<to>` with no following
// payload sibling is dropped rather than emitted as an empty envelope.
func Extract(raw []byte, prov Provenance) []*pipeline.MessageState {
	root, err := wrapOnce(raw)
	if err != nil {
		s := &pipeline.MessageState{Sender: prov.ExecutingListener, Thread: prov.Thread}
		s.Fail("handler", "post-process: %v", err)
		return []*pipeline.MessageState{s}
	}

	if len(root.Children) == 0 {
		s := &pipeline.MessageState{Sender: prov.ExecutingListener, Thread: prov.Thread}
		s.Fail("handler", "post-process: handler produced no payload")
		return []*pipeline.MessageState{s}
	}

	states := make([]*pipeline.MessageState, 0, len(root.Children))
	pendingTo := ""
	for _, child := range root.Children {
		if child.Name == "to" {
			pendingTo = child.Text
			continue
		}
		envelopeChildren := []*repair.Node{
			{Name: "from", Text: prov.ExecutingListener},
			{Name: "thread", Text: prov.Thread},
		}
		if pendingTo != "" {
			envelopeChildren = append(envelopeChildren, &repair.Node{Name: "to", Text: pendingTo})
			pendingTo = ""
		}
		envelopeChildren = append(envelopeChildren, child)
		childEnvelope := &repair.Node{Name: "message", Children: envelopeChildren}
		states = append(states, &pipeline.MessageState{Raw: repair.ToXML(childEnvelope)})
	}

	if len(states) == 0 {
		s := &pipeline.MessageState{Sender: prov.ExecutingListener, Thread: prov.Thread}
		s.Fail("handler", "post-process: handler produced no payload")
		return []*pipeline.MessageState{s}
	}
	return states
}

// wrapOnce wraps raw in a synthetic <dummy> root and repair-parses it, but
// skips the wrap when raw is already so wrapped (spec.md §4.5 step 1's
// idempotence law) — otherwise double-wrapping would nest the real payload
// one level too deep, under a spurious inner <dummy> child, rather than
// leaving it as the wrapper's direct child.
func wrapOnce(raw []byte) (*repair.Node, error) {
	if probe, err := repair.Repair(raw); err == nil && probe.Name == "dummy" {
		return probe, nil
	}
	wrapped := append(append([]byte("<dummy>"), raw...), []byte("</dummy>")...)
	return repair.Repair(wrapped)
}
