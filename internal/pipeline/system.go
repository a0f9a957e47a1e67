package pipeline

import (
	"fmt"

	"github.com/xmlpipeline/agentserver/internal/envelope"
)

// System returns the permanent system pipeline: identical in shape to
// Default but omitting payload-schema validation, since a diagnostic or
// boot message's schema is internal rather than listener-registered
// (spec.md §4.2 "the system pipeline ... omits payload-schema validation").
func System() *Pipeline {
	return &Pipeline{Steps: []Step{
		StepRepair,
		StepCanonicalize,
		StepValidateEnvelope,
		StepExtractPayload,
		StepDeserialize,
		StepResolveRouting,
	}}
}

// Diagnostic kinds surfaced on a <huh> element, per spec.md §12.
const (
	KindValidation = "validation"
	KindRouting    = "routing"
	KindHandler    = "handler"
	KindSecurity   = "security"
	KindTimeout    = "timeout"
)

// BuildHuh composes the terminal `<huh>` diagnostic envelope for a halted
// MessageState, addressed back to the message's own sender so that agent's
// next turn sees the failure and may self-correct (spec.md §4.2, §7).
func BuildHuh(s *MessageState) *envelope.Envelope {
	kind := s.DiagnosticKind
	if kind == "" {
		kind = KindHandler
	}
	payload := fmt.Sprintf(`<huh kind=%q>%s</huh>`, kind, escapeText(s.Diagnostic))
	return envelope.New(envelope.CoreSender, s.Thread, s.Sender, []byte(payload))
}

// BuildThreadSpawned composes the `<thread-spawned>` notice emitted when a
// delegation mints a new child thread, informing the delegating listener of
// the new opaque id it should track for its own bookkeeping.
func BuildThreadSpawned(thread, to, childID string) *envelope.Envelope {
	payload := fmt.Sprintf(`<thread-spawned child=%q/>`, childID)
	return envelope.New(envelope.CoreSender, thread, to, []byte(payload))
}

// BuildSystemThreadError composes a `<system-thread-error>` notice for
// failures that occur outside any single listener's pipeline (e.g. a path
// registry inconsistency), addressed to the thread's current sender of
// record rather than silently dropped.
func BuildSystemThreadError(thread, to, reason string) *envelope.Envelope {
	payload := fmt.Sprintf(`<system-thread-error>%s</system-thread-error>`, escapeText(reason))
	return envelope.New(envelope.CoreSender, thread, to, []byte(payload))
}

// BuildBoot composes the boot notice a newly opened root thread receives
// once ingress has registered it, carrying the organism's name for client
// diagnostics.
func BuildBoot(thread, organismName string) *envelope.Envelope {
	payload := fmt.Sprintf(`<boot organism=%q/>`, organismName)
	return envelope.New(envelope.CoreSender, thread, "", []byte(payload))
}

func escapeText(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '<':
			out = append(out, "&lt;"...)
		case '>':
			out = append(out, "&gt;"...)
		case '&':
			out = append(out, "&amp;"...)
		default:
			out = append(out, s[i])
		}
	}
	return string(out)
}
