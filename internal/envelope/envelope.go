// Package envelope defines the wire-level message container for AgentServer's
// message plane.
//
// Every message that crosses the main bus or the OOB channel is an Envelope:
// a mandatory sender, a mandatory thread identifier, an optional explicit
// target, and a single payload element. The envelope schema is fixed and
// shared across all listeners (spec.md §3) — only the payload's shape varies
// per listener.
//
// Called by: internal/pipeline (system-message construction), internal/pump
// (client egress), internal/gateway (federation forwarding), and
// cmd/agentserver (egress and gateway inbound serialization).
package envelope

import (
	"encoding/xml"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Namespace is the fixed XML namespace for the envelope element, matching
// spec.md §6's wire shape.
const Namespace = "https://xml-pipeline.org/ns/envelope/v1"

// CoreSender is the literal `from` value used for system-generated messages
// (boot notices, thread-lifecycle primitives, `<huh>` diagnostics emitted by
// the pump itself rather than by a registered listener).
const CoreSender = "core"

// Envelope is the outer XML wrapper carrying routing metadata and a single
// payload element (spec.md §3 "Envelope").
//
// Invariant: after the Dispatcher/Pump inject provenance, From is always the
// registered name of the emitting listener or CoreSender — never copied from
// handler output. Construct envelopes only through New or the pipeline; do
// not set From by hand in response-producing code paths.
type Envelope struct {
	XMLName xml.Name `xml:"message"`

	From   string `xml:"from"`
	Thread string `xml:"thread"`
	To     string `xml:"to,omitempty"`

	// Payload holds raw inner XML: for an envelope built by New, the single
	// payload element; after FromXML, the message element's whole inner
	// XML, from/thread/to children included. It is kept as raw bytes at
	// this layer; internal/repair and internal/schema
	// are responsible for parsing and validating it against the target
	// listener's registered schema.
	Payload InnerXML `xml:",innerxml"`

	// PayloadRoot is populated by internal/pipeline's extract-payload step
	// from the first child element's local name; it is not present on the
	// wire.
	PayloadRoot string `xml:"-"`

	// Timestamp and TraceID are forensic metadata, not part of the routing
	// contract; they are not required by spec.md §3 but are carried for
	// the admin/forensic path-registry views (spec.md §4.7 path_of).
	Timestamp time.Time `xml:"-"`
	TraceID   string    `xml:"-"`
}

// InnerXML is a thin alias so the zero value marshals as an empty element
// rather than panicking on a nil byte slice.
type InnerXML []byte

// New constructs an envelope with a fresh timestamp. Callers that need a
// trace ID for distributed diagnosis should set Envelope.TraceID explicitly;
// New does not invent one, since trace IDs are meant to be stable across a
// whole external request, not per hop.
func New(from, thread, to string, payload []byte) *Envelope {
	return &Envelope{
		XMLName:   xml.Name{Local: "message", Space: Namespace},
		From:      from,
		Thread:    thread,
		To:        to,
		Payload:   InnerXML(payload),
		Timestamp: time.Now(),
	}
}

// NewThreadID mints a fresh opaque thread identifier. Opaque means exactly
// that: callers must never parse structure out of it. The Path Registry is
// the only component that associates a thread ID with a hierarchical path.
func NewThreadID() string {
	return uuid.New().String()
}

// Validate checks that the envelope carries its two mandatory fields. This
// is the envelope-schema half of the Envelope & Schema Store component
// (spec.md §4.1); the payload-schema half is internal/schema.
func (e *Envelope) Validate() error {
	if e.From == "" {
		return &ValidationError{Field: "from", Message: "sender identifier is required"}
	}
	if e.Thread == "" {
		return &ValidationError{Field: "thread", Message: "thread identifier is required"}
	}
	if len(e.Payload) == 0 {
		return &ValidationError{Field: "payload", Message: "payload element is required"}
	}
	return nil
}

// ValidationError reports a single envelope-schema failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Clone returns a deep copy safe for a goroutine to mutate independently.
func (e *Envelope) Clone() *Envelope {
	clone := *e
	clone.Payload = append(InnerXML(nil), e.Payload...)
	return &clone
}

// ToXML serializes the envelope back to its wire form. Used by
// internal/transport on egress and by internal/gateway when forwarding
// across a federation crossing.
func (e *Envelope) ToXML() ([]byte, error) {
	return xml.Marshal(e)
}

// FromXML parses a wire-form envelope. Strict XML decoding only — tolerant
// recovery of malformed input happens earlier, in internal/repair, before an
// envelope ever reaches FromXML.
func FromXML(data []byte) (*Envelope, error) {
	var e Envelope
	if err := xml.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &e, nil
}
