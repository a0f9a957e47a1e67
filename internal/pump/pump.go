// Package pump implements the Message Pump: the long-running cooperative
// loop that drains per-listener pipeline output, enforces fair scheduling
// and token admission, launches dispatcher tasks, post-processes their
// responses, and egresses terminal payloads (spec.md §4.6).
//
// The pump is the only writer of a thread's path-registry entry and token
// budget (spec.md §5); individual Step calls may run concurrently (Run
// launches one goroutine per configured concurrency slot) but each Step
// call that touches a given listener's queue does so under a mutex.
package pump

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/xmlpipeline/agentserver/internal/budget"
	"github.com/xmlpipeline/agentserver/internal/dispatcher"
	"github.com/xmlpipeline/agentserver/internal/envelope"
	"github.com/xmlpipeline/agentserver/internal/llm"
	"github.com/xmlpipeline/agentserver/internal/pathreg"
	"github.com/xmlpipeline/agentserver/internal/pipeline"
	"github.com/xmlpipeline/agentserver/internal/postprocess"
	"github.com/xmlpipeline/agentserver/internal/registry"
	"github.com/xmlpipeline/agentserver/internal/repair"
)

// ClientTarget is the reserved explicit-target name a listener addresses a
// response to when it is meant to egress to the original external client
// rather than route to another registered listener — the path-registry
// analogue of "this thread has reached its root" (spec.md §4.6 step 6).
const ClientTarget = "client"

// Scheduling selects the pump's thread scheduling policy (spec.md §4.6,
// §6's `thread_scheduling` key).
type Scheduling int

const (
	BreadthFirst Scheduling = iota
	DepthFirst
)

// defaultSchedWeight is the scheduling weight given to a listener with no
// configured token-per-minute share (tool-kind listeners, which ride on
// whichever agent invoked them rather than holding a budget of their own).
const defaultSchedWeight = 1 << 20

// Config configures a Pump's resource limits.
type Config struct {
	QueueCapacity  int
	ConcurrencyCap int
	Scheduling     Scheduling
}

// Pump is the central coordinator.
type Pump struct {
	deps    *pipeline.Deps
	paths   *pathreg.Registry
	budgets *budget.Manager
	cfg     Config

	mu     sync.Mutex
	queues map[string][]*pipeline.MessageState
	order  []string // listener names in first-seen order, for round-robin

	// schedWeight and schedDeficit implement weighted deficit round-robin
	// (spec.md §2 component 7): weight is a listener's configured
	// tokens-per-minute share, and deficit is its running balance,
	// replenished by weight each time it is consulted and spent by the
	// estimated cost of each message it is allowed to dequeue.
	schedWeight  map[string]int64
	schedDeficit map[string]int64
	depthCursor  string // last-served listener, for DepthFirst's stay-and-drain policy

	Egress chan *envelope.Envelope

	queueDepth *prometheus.GaugeVec
	inFlight   prometheus.Gauge
}

// New returns a Pump wired to the given registry/schema deps, path
// registry, and token budget manager.
func New(deps *pipeline.Deps, paths *pathreg.Registry, budgets *budget.Manager, cfg Config) *Pump {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 256
	}
	if cfg.ConcurrencyCap <= 0 {
		cfg.ConcurrencyCap = 64
	}
	return &Pump{
		deps:         deps,
		paths:        paths,
		budgets:      budgets,
		cfg:          cfg,
		queues:       make(map[string][]*pipeline.MessageState),
		schedWeight:  make(map[string]int64),
		schedDeficit: make(map[string]int64),
		Egress:       make(chan *envelope.Envelope, 64),
	}
}

// SetWeight sets name's weighted deficit round-robin scheduling weight to
// its configured tokens-per-minute share. Listeners never configured this
// way keep defaultSchedWeight.
func (p *Pump) SetWeight(name string, tokensPerMinute int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.schedWeight[name] = tokensPerMinute
}

// RegisterMetrics wires the pump's queue-depth and dispatcher in-flight
// gauges, plus an active-threads gauge backed by paths, into reg
// (SPEC_FULL.md §12's `/metrics` endpoint). Safe to skip: a Pump with no
// metrics registered simply never touches these fields, since every update
// site checks for nil first.
func (p *Pump) RegisterMetrics(reg prometheus.Registerer) {
	p.queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "agentserver",
		Subsystem: "pump",
		Name:      "queue_depth",
		Help:      "Number of messages currently queued per listener.",
	}, []string{"listener"})
	p.inFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "agentserver",
		Subsystem: "pump",
		Name:      "dispatcher_in_flight",
		Help:      "Number of handler dispatches currently executing.",
	})
	activeThreads := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "agentserver",
		Subsystem: "pump",
		Name:      "active_threads",
		Help:      "Number of live threads in the path registry.",
	}, func() float64 { return float64(p.paths.Len()) })

	reg.MustRegister(p.queueDepth, p.inFlight, activeThreads)
}

// Run drives the pump until ctx is cancelled, with up to ConcurrencyCap
// goroutines each looping Step and backing off for idle between empty
// sweeps.
func (p *Pump) Run(ctx context.Context, idle time.Duration) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.ConcurrencyCap; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if ctx.Err() != nil {
					return
				}
				if !p.Step(ctx) {
					select {
					case <-ctx.Done():
						return
					case <-time.After(idle):
					}
				}
			}
		}()
	}
	wg.Wait()
}

// RunIdleSweep periodically prunes threads that have had no activity for
// maxAge, freeing their path-registry entries and conversation history
// (spec.md §5's idle-thread timeout). It runs until ctx is cancelled.
func (p *Pump) RunIdleSweep(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.paths.PruneIdle(maxAge)
		}
	}
}

// Ingress accepts a raw envelope from the main bus and routes it to its
// target listener's queue (or straight to a huh diagnostic) via the
// standard per-listener pipeline.
func (p *Pump) Ingress(raw []byte) error {
	state := &pipeline.MessageState{Raw: raw}
	p.preRoute(state, true)
	return p.settle(state)
}

// preRoute runs every pipeline step up to and including resolve-routing,
// except that it intercepts an explicit client-target before attempting to
// resolve it against the listener registry (no registry record exists for
// the client sentinel). validatePayload selects Default's schema check or
// System's omission of it.
func (p *Pump) preRoute(s *pipeline.MessageState, validatePayload bool) {
	prefix := []pipeline.Step{
		pipeline.StepRepair,
		pipeline.StepCanonicalize,
		pipeline.StepValidateEnvelope,
		pipeline.StepExtractPayload,
	}
	for _, step := range prefix {
		if s.HasDiagnostic() {
			return
		}
		step(p.deps, s)
	}
	if s.HasDiagnostic() {
		return
	}

	// A payload explicitly addressed to the client sentinel has no
	// listener-registered schema to validate against or route to — it
	// terminates the thread rather than dispatching anywhere.
	clientBound := s.To == ClientTarget

	if validatePayload && !clientBound {
		pipeline.StepValidatePayload(p.deps, s)
		if s.HasDiagnostic() {
			return
		}
	}
	pipeline.StepDeserialize(p.deps, s)
	if s.HasDiagnostic() || clientBound {
		return
	}
	pipeline.StepResolveRouting(p.deps, s)
}

// settle enqueues a fully-routed MessageState onto every resolved target's
// queue, egresses it if addressed to the client sentinel, or — on
// diagnostic — builds a <huh> and re-routes that instead.
func (p *Pump) settle(state *pipeline.MessageState) error {
	if state.HasDiagnostic() {
		return p.routeEnvelope(pipeline.BuildHuh(state))
	}
	p.recordHistory(state)
	if state.To == ClientTarget {
		p.egress(state)
		return nil
	}
	for _, target := range state.Targets {
		p.enqueue(target.Name, state)
	}
	return nil
}

// recordHistory appends a settled message's payload to its thread's
// conversation history (spec.md §4.10), the sequence a later agent
// completion call assembles from.
func (p *Pump) recordHistory(state *pipeline.MessageState) {
	if state.PayloadNode == nil {
		return
	}
	p.paths.AppendHistory(state.Thread, state.Sender, repair.ToXML(state.PayloadNode))
}

// routeEnvelope re-pipes a system-authored envelope (a <huh>,
// <thread-spawned>, etc.), which never carries a listener-registered
// payload schema, so payload-schema validation is skipped.
func (p *Pump) routeEnvelope(env *envelope.Envelope) error {
	raw, err := env.ToXML()
	if err != nil {
		return fmt.Errorf("pump: serialize system envelope: %w", err)
	}
	state := &pipeline.MessageState{Raw: raw}
	p.preRoute(state, false)

	if state.HasDiagnostic() {
		// A system message that fails to route is reported, not retried —
		// retrying it would risk an infinite huh-about-a-huh loop.
		return fmt.Errorf("pump: system message undeliverable: %s", state.Diagnostic)
	}
	if state.To == ClientTarget {
		p.egress(state)
		return nil
	}
	for _, target := range state.Targets {
		p.enqueue(target.Name, state)
	}
	return nil
}

func (p *Pump) egress(state *pipeline.MessageState) {
	var payload []byte
	if state.PayloadNode != nil {
		payload = repair.ToXML(state.PayloadNode)
	}
	p.Egress <- envelope.New(state.Sender, state.Thread, ClientTarget, payload)
}

func (p *Pump) enqueue(name string, state *pipeline.MessageState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.queues[name]; !ok {
		p.order = append(p.order, name)
	}
	if len(p.queues[name]) >= p.cfg.QueueCapacity {
		return // backpressure: the pump defers enqueue of further messages
	}
	p.queues[name] = append(p.queues[name], state)
	p.observeQueueDepthLocked(name)
}

// observeQueueDepthLocked updates the queue-depth gauge for name. Callers
// must hold p.mu.
func (p *Pump) observeQueueDepthLocked(name string) {
	if p.queueDepth == nil {
		return
	}
	p.queueDepth.WithLabelValues(name).Set(float64(len(p.queues[name])))
}

// Step performs one cooperative unit of work: it takes the next message the
// weighted round-robin scheduler yields, checks it against its agent's
// budget (when the target is an agent), dispatches it, waits for that
// dispatch to complete, and post-processes the response. It returns false
// when no listener has a ready message, or when the scheduled message's
// agent lacks budget: that message goes back to the head of its queue and
// no other listener is tried in the same call. Callers should back off
// briefly before calling Step again.
func (p *Pump) Step(ctx context.Context) bool {
	name, state, ok := p.next()
	if !ok {
		return false
	}

	rec, ok := p.deps.Registry.LookupByName(name)
	if !ok {
		// Listener vanished between enqueue and dispatch (hot-reload
		// race); drop with a diagnostic back to the original sender.
		state.Fail("routing", "listener %q no longer registered", name)
		_ = p.routeEnvelope(pipeline.BuildHuh(state))
		return true
	}

	if rec.Kind == registry.KindAgent {
		if !p.budgets.Allow(name) || !p.budgets.Admit(name, state.EstimatedTokens) {
			// Not admissible this turn; put it back for a later sweep.
			p.requeueFront(name, state)
			return false
		}
		p.budgets.Reserve(name, state.EstimatedTokens)
	}

	if p.inFlight != nil {
		p.inFlight.Inc()
		defer p.inFlight.Dec()
	}
	results := dispatcher.Dispatch(ctx, []*registry.Record{rec}, state.Payload, registry.HandlerMeta{Thread: state.Thread})
	for result := range results {
		p.handleResult(rec, state, result)
	}
	return true
}

func (p *Pump) handleResult(rec *registry.Record, origin *pipeline.MessageState, result dispatcher.Result) {
	if result.Err != nil {
		// An agent handler error wrapping an llm.RateLimitError is the backend
		// throttle signal: the agent's budget is halved before the <huh> goes
		// back. Any other handler error leaves the budget as it is.
		var throttled *llm.RateLimitError
		if rec.Kind == registry.KindAgent && errors.As(result.Err, &throttled) {
			p.budgets.RecordThrottle(rec.Name)
		}
		failure := &pipeline.MessageState{Thread: origin.Thread, Sender: origin.Sender}
		failure.Fail("handler", "%v", result.Err)
		_ = p.routeEnvelope(pipeline.BuildHuh(failure))
		return
	}
	if rec.Kind == registry.KindAgent {
		p.budgets.RecordSuccess(rec.Name, budget.EstimateTokens(result.Bytes))
	}

	children := postprocess.Extract(result.Bytes, postprocess.Provenance{
		ExecutingListener: result.Target.Name,
		Thread:            origin.Thread,
	})
	for _, child := range children {
		if child.HasDiagnostic() {
			_ = p.routeEnvelope(pipeline.BuildHuh(child))
			continue
		}
		p.preRoute(child, true)
		_ = p.settle(child)
	}
}

// next pops the next ready, weight-admissible message (spec.md §2 component
// 7, §4.6 step 1). DepthFirst keeps serving the previously-served listener
// while it still has queued work, moving on only once that queue empties.
// BreadthFirst instead rotates the scan's starting point past whichever
// listener was last served, so every listener gets its deficit replenished
// and a turn at the head of the scan in proportion to how often its
// neighbors can't cover their own message cost — true weighted deficit
// round-robin rather than always restarting from the same listener.
func (p *Pump) next() (string, *pipeline.MessageState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cfg.Scheduling == DepthFirst && p.depthCursor != "" && len(p.queues[p.depthCursor]) > 0 {
		return p.tryServeLocked(p.depthCursor)
	}

	names := append([]string(nil), p.order...)
	sort.Strings(names)
	if len(names) == 0 {
		return "", nil, false
	}

	start := 0
	for i, name := range names {
		if name == p.depthCursor {
			start = (i + 1) % len(names)
			break
		}
	}

	for i := 0; i < len(names); i++ {
		name := names[(start+i)%len(names)]
		if name, state, ok := p.tryServeLocked(name); ok {
			p.depthCursor = name
			return name, state, true
		}
	}
	return "", nil, false
}

// tryServeLocked attempts to dequeue name's head message under weighted
// deficit round-robin. Callers must hold p.mu.
func (p *Pump) tryServeLocked(name string) (string, *pipeline.MessageState, bool) {
	q := p.queues[name]
	if len(q) == 0 {
		return "", nil, false
	}
	state := q[0]
	cost := estimatedCost(state)

	p.schedDeficit[name] += p.weightOfLocked(name)
	if p.schedDeficit[name] < cost {
		return "", nil, false
	}

	p.schedDeficit[name] -= cost
	p.queues[name] = q[1:]
	p.observeQueueDepthLocked(name)
	return name, state, true
}

// weightOfLocked returns name's configured scheduling weight, or
// defaultSchedWeight if SetWeight was never called for it (tool-kind
// listeners, which have no token-per-minute share of their own to divide).
// Callers must hold p.mu.
func (p *Pump) weightOfLocked(name string) int64 {
	if w, ok := p.schedWeight[name]; ok {
		return w
	}
	return defaultSchedWeight
}

func estimatedCost(state *pipeline.MessageState) int64 {
	cost := int64(state.EstimatedTokens)
	if cost <= 0 {
		cost = 1
	}
	return cost
}

// DrainListener empties name's pending queue, reporting a
// `<huh kind="listener-removed">` diagnostic back to each queued message's
// original sender, and clears name's scheduling state. It is the DrainFunc
// the registry's hot-reload Remove expects (spec.md §9's resolution for
// removal with in-flight queued messages): every message already enqueued
// for a removed listener is accounted for, not silently abandoned.
func (p *Pump) DrainListener(name string) {
	p.mu.Lock()
	pending := p.queues[name]
	delete(p.queues, name)
	delete(p.schedWeight, name)
	delete(p.schedDeficit, name)
	if p.depthCursor == name {
		p.depthCursor = ""
	}
	p.observeQueueDepthLocked(name)
	p.mu.Unlock()

	for _, state := range pending {
		state.Fail("listener-removed", "listener %q was removed before this message could be dispatched", name)
		_ = p.routeEnvelope(pipeline.BuildHuh(state))
	}
}

func (p *Pump) requeueFront(name string, state *pipeline.MessageState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queues[name] = append([]*pipeline.MessageState{state}, p.queues[name]...)
	p.observeQueueDepthLocked(name)
	// This message was already charged against name's scheduling deficit by
	// tryServeLocked; restore it since admission, not scheduling, rejected
	// it, or a later attempt would pay for it twice.
	p.schedDeficit[name] += estimatedCost(state)
}
