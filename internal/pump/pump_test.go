package pump

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xmlpipeline/agentserver/internal/budget"
	"github.com/xmlpipeline/agentserver/internal/pathreg"
	"github.com/xmlpipeline/agentserver/internal/pipeline"
	"github.com/xmlpipeline/agentserver/internal/registry"
	"github.com/xmlpipeline/agentserver/internal/schema"
)

func newPump(t *testing.T) (*Pump, *registry.Registry, *schema.Store) {
	p, reg, schemas, _ := newPumpWithPaths(t)
	return p, reg, schemas
}

func newPumpWithPaths(t *testing.T) (*Pump, *registry.Registry, *schema.Store, *pathreg.Registry) {
	t.Helper()
	reg := registry.New()
	schemas := schema.New("", nil)
	deps := &pipeline.Deps{Registry: reg, Schemas: schemas}
	paths := pathreg.New()
	p := New(deps, paths, budget.NewManager(nil), Config{QueueCapacity: 8, ConcurrencyCap: 1})
	return p, reg, schemas, paths
}

func registerEchoTool(t *testing.T, reg *registry.Registry, name, root string) {
	t.Helper()
	require.NoError(t, reg.Register(&registry.Record{
		Name: name, RootTag: root, Kind: registry.KindTool, Description: "echoes a reply addressed to the client",
		Handler: func(ctx context.Context, payload any, meta registry.HandlerMeta) ([]byte, error) {
			return []byte(`<result>42</result>`), nil
		},
	}))
}

func registerPermissiveSchema(t *testing.T, s *schema.Store, name string) {
	t.Helper()
	_, err := s.Register(name, "v1", []byte(`{"type":"object"}`))
	require.NoError(t, err)
}

func TestIngressDispatchesToRegisteredTool(t *testing.T) {
	p, reg, schemas := newPump(t)
	registerEchoTool(t, reg, "calculator", "add")
	registerPermissiveSchema(t, schemas, "calculator")

	raw := []byte(`<message><from>client</from><thread>t1</thread><add><a>2</a><b>40</b></add></message>`)
	require.NoError(t, p.Ingress(raw))

	ok := p.Step(context.Background())
	assert.True(t, ok)
}

func TestIngressUnknownRootYieldsHuhBackToSender(t *testing.T) {
	p, reg, _ := newPump(t)
	registerEchoTool(t, reg, "noop", "noop")
	registerEchoTool(t, reg, "caller", "caller-root")

	raw := []byte(`<message><from>caller</from><thread>t1</thread><bogus/></message>`)
	require.NoError(t, p.Ingress(raw))

	p.mu.Lock()
	q := p.queues["caller"]
	p.mu.Unlock()
	require.Len(t, q, 1)
	assert.Equal(t, "core", q[0].Sender)
}

func TestClientTargetEgresses(t *testing.T) {
	p, _, _ := newPump(t)

	raw := []byte(`<message><from>researcher</from><thread>t1</thread><to>client</to><answer>done</answer></message>`)
	require.NoError(t, p.Ingress(raw))

	select {
	case env := <-p.Egress:
		assert.Equal(t, "researcher", env.From)
		assert.Contains(t, string(env.Payload), "done")
	default:
		t.Fatal("expected an egressed envelope")
	}
}

func TestStepDispatchesAndPostProcessesChildren(t *testing.T) {
	p, reg, schemas := newPump(t)
	registerEchoTool(t, reg, "calculator", "add")
	registerPermissiveSchema(t, schemas, "calculator")
	require.NoError(t, reg.Register(&registry.Record{
		Name: "delegator", RootTag: "delegate", Kind: registry.KindTool, Description: "delegates to calculator",
		Handler: func(ctx context.Context, payload any, meta registry.HandlerMeta) ([]byte, error) {
			return []byte(`<add><a>1</a><b>2</b></add>`), nil
		},
	}))
	registerPermissiveSchema(t, schemas, "delegator")

	raw := []byte(`<message><from>client</from><thread>t9</thread><delegate/></message>`)
	require.NoError(t, p.Ingress(raw))
	require.True(t, p.Step(context.Background()))

	p.mu.Lock()
	q := p.queues["calculator"]
	p.mu.Unlock()
	require.Len(t, q, 1, "the delegated add payload should have been routed to calculator")
	assert.Equal(t, "delegator", q[0].Sender)
}

func TestStepReturnsFalseWhenQueuesEmpty(t *testing.T) {
	p, _, _ := newPump(t)
	assert.False(t, p.Step(context.Background()))
}

func TestAgentBudgetDefersWhenUnregistered(t *testing.T) {
	p, reg, schemas := newPump(t)
	require.NoError(t, reg.Register(&registry.Record{
		Name: "researcher", RootTag: "research", Kind: registry.KindAgent, Description: "answers questions",
		Handler: func(ctx context.Context, payload any, meta registry.HandlerMeta) ([]byte, error) {
			return []byte(`<message><from>researcher</from><thread>` + meta.Thread + `</thread><to>client</to><answer>x</answer></message>`), nil
		},
	}))
	registerPermissiveSchema(t, schemas, "researcher")
	// No budget.Register call: the agent has no configured AgentConfig, so
	// Admit/Allow both report false and the message is deferred.

	raw := []byte(`<message><from>client</from><thread>t1</thread><research/></message>`)
	require.NoError(t, p.Ingress(raw))

	assert.False(t, p.Step(context.Background()))

	p.mu.Lock()
	q := p.queues["researcher"]
	p.mu.Unlock()
	assert.Len(t, q, 1, "message should be requeued, not dropped")
}

func TestIngressRecordsConversationHistory(t *testing.T) {
	p, reg, schemas, paths := newPumpWithPaths(t)
	registerEchoTool(t, reg, "calculator", "add")
	registerPermissiveSchema(t, schemas, "calculator")

	raw := []byte(`<message><from>client</from><thread>t1</thread><add><a>2</a><b>40</b></add></message>`)
	require.NoError(t, p.Ingress(raw))

	entries := paths.History("t1")
	require.Len(t, entries, 1)
	assert.Equal(t, "client", entries[0].From)
	assert.Contains(t, string(entries[0].Payload), "add")
}

func TestHandlerExplicitToClientEgressesWithPayload(t *testing.T) {
	p, reg, schemas := newPump(t)
	require.NoError(t, reg.Register(&registry.Record{
		Name: "researcher", RootTag: "research", Kind: registry.KindAgent, Description: "answers questions",
		Handler: func(ctx context.Context, payload any, meta registry.HandlerMeta) ([]byte, error) {
			return []byte(`<to>client</to><answer>done</answer>`), nil
		},
	}))
	registerPermissiveSchema(t, schemas, "researcher")
	p.budgets.Register("researcher", budget.AgentConfig{TokensPerMinute: 1000, Burst: 1000})

	raw := []byte(`<message><from>client</from><thread>t1</thread><research/></message>`)
	require.NoError(t, p.Ingress(raw))
	require.True(t, p.Step(context.Background()))

	select {
	case env := <-p.Egress:
		assert.Equal(t, "researcher", env.From)
		assert.Contains(t, string(env.Payload), "done")
	default:
		t.Fatal("expected an egressed envelope carrying the handler's answer")
	}
}

func TestHandlerErrorProducesHuh(t *testing.T) {
	p, reg, schemas := newPump(t)
	require.NoError(t, reg.Register(&registry.Record{
		Name: "flaky", RootTag: "flaky", Kind: registry.KindTool, Description: "always errors",
		Handler: func(ctx context.Context, payload any, meta registry.HandlerMeta) ([]byte, error) {
			return nil, fmt.Errorf("boom")
		},
	}))
	registerPermissiveSchema(t, schemas, "flaky")
	require.NoError(t, reg.Register(&registry.Record{
		Name: "caller", RootTag: "caller-root", Kind: registry.KindTool, Description: "calls flaky",
		Handler: func(ctx context.Context, payload any, meta registry.HandlerMeta) ([]byte, error) { return nil, nil },
	}))

	raw := []byte(`<message><from>caller</from><thread>t1</thread><flaky/></message>`)
	require.NoError(t, p.Ingress(raw))
	require.True(t, p.Step(context.Background()))

	p.mu.Lock()
	q := p.queues["caller"]
	p.mu.Unlock()
	require.Len(t, q, 1)
	assert.Contains(t, string(q[0].Raw), "huh")
}

func TestRunIdleSweepPrunesStaleThreads(t *testing.T) {
	p, _, _, paths := newPumpWithPaths(t)
	stale := paths.NewRoot()
	time.Sleep(30 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.RunIdleSweep(ctx, 5*time.Millisecond, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		return !paths.Exists(stale)
	}, time.Second, 5*time.Millisecond)

	fresh := paths.NewRoot()
	time.Sleep(10 * time.Millisecond)
	assert.True(t, paths.Exists(fresh), "a thread younger than maxAge must survive the sweep")
}

func seedQueue(p *Pump, name string, states ...*pipeline.MessageState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.queues[name]; !ok {
		p.order = append(p.order, name)
	}
	p.queues[name] = append(p.queues[name], states...)
}

func msg(tokens int) *pipeline.MessageState {
	return &pipeline.MessageState{EstimatedTokens: tokens}
}

func TestNextWeightedRoundRobinFavorsHigherWeight(t *testing.T) {
	p, _, _ := newPump(t)
	p.SetWeight("heavy", 30)
	p.SetWeight("light", 10)
	for i := 0; i < 20; i++ {
		seedQueue(p, "heavy", msg(20))
		seedQueue(p, "light", msg(20))
	}

	served := map[string]int{}
	for i := 0; i < 12; i++ {
		name, _, ok := p.next()
		if !ok {
			continue
		}
		served[name]++
	}
	assert.Greater(t, served["heavy"], served["light"],
		"a listener with a larger configured token share must be served more often under weighted deficit round-robin")
}

func TestNextDepthFirstDrainsOneListenerBeforeMoving(t *testing.T) {
	p, _, _ := newPump(t)
	p.cfg.Scheduling = DepthFirst
	p.SetWeight("a", 1000)
	p.SetWeight("b", 1000)
	seedQueue(p, "a", msg(1), msg(1), msg(1))
	seedQueue(p, "b", msg(1))

	for i := 0; i < 3; i++ {
		name, _, ok := p.next()
		require.True(t, ok)
		assert.Equal(t, "a", name, "depth-first must keep draining the same listener while it has queued work")
	}
	name, _, ok := p.next()
	require.True(t, ok)
	assert.Equal(t, "b", name, "depth-first must move to the next listener once the prior one's queue empties")
}

func TestRequeueFrontRestoresSpentDeficit(t *testing.T) {
	p, _, _ := newPump(t)
	p.SetWeight("solo", 1)
	state := msg(1)
	seedQueue(p, "solo", state)

	name, got, ok := p.next()
	require.True(t, ok)
	require.Equal(t, "solo", name)

	p.mu.Lock()
	deficitAfterServe := p.schedDeficit["solo"]
	p.mu.Unlock()

	p.requeueFront("solo", got)

	p.mu.Lock()
	deficitAfterRequeue := p.schedDeficit["solo"]
	p.mu.Unlock()
	assert.Greater(t, deficitAfterRequeue, deficitAfterServe,
		"requeuing a budget-rejected message must refund the deficit tryServeLocked spent on it")
}

func TestDrainListenerReportsHuhForEachPendingMessage(t *testing.T) {
	p, reg, _ := newPump(t)
	registerEchoTool(t, reg, "caller", "caller-root")
	pending := &pipeline.MessageState{Sender: "caller", Thread: "t1"}
	seedQueue(p, "doomed", pending)

	p.DrainListener("doomed")

	select {
	case env := <-p.Egress:
		t.Fatalf("unexpected egress: %+v", env)
	default:
	}

	p.mu.Lock()
	q := p.queues["caller"]
	p.mu.Unlock()
	require.Len(t, q, 1, "the drained listener's sender should receive a listener-removed huh")
	assert.Contains(t, string(q[0].Raw), `kind="listener-removed"`)
}

func TestDrainListenerEmptiesQueueAndSchedulingState(t *testing.T) {
	p, _, _ := newPump(t)
	p.SetWeight("doomed", 50)
	seedQueue(p, "doomed", msg(1), msg(1))

	_, _, ok := p.next()
	require.True(t, ok)

	p.DrainListener("doomed")

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Empty(t, p.queues["doomed"])
	_, hasWeight := p.schedWeight["doomed"]
	assert.False(t, hasWeight)
	_, hasDeficit := p.schedDeficit["doomed"]
	assert.False(t, hasDeficit)
}

func TestRegisterMetricsTracksQueueDepth(t *testing.T) {
	p, reg, schemas := newPump(t)
	registerEchoTool(t, reg, "calculator", "add")
	registerPermissiveSchema(t, schemas, "calculator")

	promReg := prometheus.NewRegistry()
	p.RegisterMetrics(promReg)

	raw := []byte(`<message><from>client</from><thread>t1</thread><add><a>2</a><b>40</b></add></message>`)
	require.NoError(t, p.Ingress(raw))

	assert.Equal(t, float64(1), testutil.ToFloat64(p.queueDepth.WithLabelValues("calculator")))

	require.True(t, p.Step(context.Background()))
	assert.Equal(t, float64(0), testutil.ToFloat64(p.queueDepth.WithLabelValues("calculator")))
}
