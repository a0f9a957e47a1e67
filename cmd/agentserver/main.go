// Package main is the AgentServer organism entry point: it loads bootstrap
// configuration, stands up the core message-plane services (registry,
// schema store, path registry, token budgets, message pump, meta handler),
// wires the built-in example listeners, and serves the main bus and OOB
// channel until told to stop (spec.md §6, §7).
//
// Configuration Loading Strategy:
// 1. Command line argument: uses the specified config file path
// 2. Default file: attempts to load config/agentserver.yaml
// 3. Hardcoded defaults: falls back to a built-in configuration
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xmlpipeline/agentserver/examples/calculator"
	"github.com/xmlpipeline/agentserver/examples/researcher"
	"github.com/xmlpipeline/agentserver/examples/searchtools"
	"github.com/xmlpipeline/agentserver/internal/budget"
	"github.com/xmlpipeline/agentserver/internal/config"
	"github.com/xmlpipeline/agentserver/internal/gateway"
	"github.com/xmlpipeline/agentserver/internal/identity"
	"github.com/xmlpipeline/agentserver/internal/llm"
	"github.com/xmlpipeline/agentserver/internal/meta"
	"github.com/xmlpipeline/agentserver/internal/oob"
	"github.com/xmlpipeline/agentserver/internal/pathreg"
	"github.com/xmlpipeline/agentserver/internal/pipeline"
	"github.com/xmlpipeline/agentserver/internal/pump"
	"github.com/xmlpipeline/agentserver/internal/registry"
	"github.com/xmlpipeline/agentserver/internal/schema"
	"github.com/xmlpipeline/agentserver/internal/storekv"
	"github.com/xmlpipeline/agentserver/internal/transport"
	"github.com/xmlpipeline/agentserver/public/agent"
)

const defaultConfigPath = "config/agentserver.yaml"

func main() {
	os.Exit(run())
}

// run loads configuration, bootstraps every core service, serves until a
// shutdown signal arrives, and returns the process exit code: 0 clean
// shutdown, 1 bootstrap failure, 2 services still running when the
// 10-second shutdown timeout expires. A main bus or OOB channel that stops
// with an error is logged; it does not end run or set the exit code.
func run() int {
	cfg, source := loadConfig()
	log.Printf("agentserver: starting using %s", source)

	keys, err := loadOrGenerateIdentity(cfg.Organism.Identity)
	if err != nil {
		log.Printf("agentserver: identity bootstrap failed: %v", err)
		return 1
	}

	storage, err := storekv.Open(cfg.StorageDir)
	if err != nil {
		log.Printf("agentserver: storage open failed: %v", err)
		return 1
	}
	defer storage.Close()

	reg := registry.New()
	schemas := schema.New(cfg.StorageDir, storage)
	paths := pathreg.New()
	metricsReg := prometheus.NewRegistry()
	budgets := budget.NewManager(metricsReg)

	llmClient, err := buildLLMClient()
	if err != nil {
		log.Printf("agentserver: llm client bootstrap failed: %v", err)
		return 1
	}

	known, err := registerListeners(reg, schemas, storage, paths, budgets, llmClient, cfg)
	if err != nil {
		log.Printf("agentserver: listener registration failed: %v", err)
		return 1
	}

	metaHandler := meta.New(reg, schemas, metaConfigFrom(cfg.Meta))

	scheduling := pump.BreadthFirst
	if cfg.ThreadScheduling == "depth-first" {
		scheduling = pump.DepthFirst
	}
	p := pump.New(&pipeline.Deps{Registry: reg, Schemas: schemas}, paths, budgets, pump.Config{Scheduling: scheduling})
	p.RegisterMetrics(metricsReg)
	// Scheduling weight mirrors the agent's configured token budget (spec.md
	// §2 component 7); listeners with no AgentConfig keep the pump's
	// default weight.
	p.SetWeight(researcher.Name, 20000)

	gateways, err := connectGateways(cfg.Gateways)
	if err != nil {
		log.Printf("agentserver: gateway connect failed: %v", err)
		return 1
	}
	defer closeGateways(gateways)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.Run(ctx, 50*time.Millisecond)
	}()

	bus := transport.NewMainBus(cfg.Organism.Port, cfg.Organism.TLS.CertFile, cfg.Organism.TLS.KeyFile, p.Ingress)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := bus.ListenAndServe(ctx); err != nil {
			log.Printf("agentserver: main bus stopped: %v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		egressLoop(ctx, p, bus)
	}()

	idleTimeout := time.Duration(cfg.IdleTimeoutSeconds) * time.Second
	if idleTimeout > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.RunIdleSweep(ctx, idleTimeout/2, idleTimeout)
		}()
	}

	if cfg.Organism.MetricsPort != "" {
		metricsSrv := &http.Server{
			Addr:    cfg.Organism.MetricsPort,
			Handler: promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}),
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("agentserver: metrics server stopped: %v", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}()
	}

	shutdown := make(chan struct{})
	var shutdownOnce sync.Once
	triggerShutdown := func() {
		shutdownOnce.Do(func() { close(shutdown) })
	}

	var oobChannel *transport.OOBChannel
	if cfg.OOB.Enabled {
		oobChannel = transport.NewOOBChannel(cfg.OOB.Bind+cfg.OOB.Port, keys.Public, applyOOB(reg, p, metaHandler, known, triggerShutdown))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := oobChannel.ListenAndServe(ctx); err != nil {
				log.Printf("agentserver: oob channel stopped: %v", err)
			}
		}()
	}

	for _, gw := range gateways {
		wg.Add(1)
		go func(gw *gateway.Gateway) {
			defer wg.Done()
			forwardGatewayInbound(ctx, gw, p, paths)
		}(gw)
	}

	log.Printf("agentserver: %s listening on %s (oob enabled: %v)", cfg.Organism.Name, cfg.Organism.Port, cfg.OOB.Enabled)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Printf("agentserver: received signal %s, shutting down", sig)
	case <-shutdown:
		log.Printf("agentserver: shutdown requested over oob, shutting down")
	case <-ctx.Done():
		log.Printf("agentserver: context cancelled, shutting down")
	}

	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Printf("agentserver: all services stopped cleanly")
		return 0
	case <-time.After(10 * time.Second):
		log.Printf("agentserver: shutdown timeout exceeded")
		return 2
	}
}

// loadConfig follows the teacher's config-source priority: an explicit CLI
// argument, then the conventional default path, then hardcoded defaults
// logged as a fallback.
func loadConfig() (*config.Config, string) {
	if len(os.Args) >= 2 {
		cfg, err := config.Load(os.Args[1])
		if err != nil {
			log.Fatalf("agentserver: failed to load config from %s: %v", os.Args[1], err)
		}
		return cfg, fmt.Sprintf("config file: %s", os.Args[1])
	}

	if _, err := os.Stat(defaultConfigPath); err == nil {
		cfg, err := config.Load(defaultConfigPath)
		if err != nil {
			log.Printf("agentserver: %s exists but failed to load: %v", defaultConfigPath, err)
			log.Printf("agentserver: using hardcoded defaults instead")
			return getDefaultConfig(), "hardcoded defaults (default config file failed to parse)"
		}
		return cfg, defaultConfigPath + " (default)"
	}

	log.Printf("agentserver: no config file specified and %s not found", defaultConfigPath)
	return getDefaultConfig(), "hardcoded defaults"
}

func getDefaultConfig() *config.Config {
	return &config.Config{
		Organism: config.Organism{
			Name:        "agentserver-default",
			Port:        ":9443",
			MetricsPort: ":9446",
		},
		IdleTimeoutSeconds: 300,
		OOB: config.OOB{
			Enabled: true,
			Bind:    "127.0.0.1",
			Port:    ":9444",
		},
		ThreadScheduling: "breadth-first",
		Meta: config.Meta{
			AllowCapabilities:   "none",
			AllowSchema:         "authenticated",
			AllowExample:        "authenticated",
			AllowPromptFragment: "admin",
		},
	}
}

// loadOrGenerateIdentity loads the organism's long-term identity keypair
// from path, generating and persisting a fresh one if path is empty or
// does not yet exist (spec.md §1's out-of-scope "persistent-identity key
// generator" collaborator, satisfied here by internal/identity's stdlib
// default).
func loadOrGenerateIdentity(path string) (*identity.KeyPair, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return identity.Load(path)
		}
	}

	keys, err := identity.Generate()
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}
	if path != "" {
		if err := keys.Save(path); err != nil {
			return nil, fmt.Errorf("persist new identity to %s: %w", path, err)
		}
		log.Printf("agentserver: generated a fresh identity key at %s", path)
	}
	return keys, nil
}

// buildLLMClient wires an Anthropic-backed llm.Client from the
// ANTHROPIC_API_KEY environment variable, the same out-of-process secret
// convention the teacher's service configs expect for third-party
// credentials.
func buildLLMClient() (llm.Client, error) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY is not set")
	}
	return llm.NewAnthropicClientFromAPIKey(apiKey)
}

// registerListeners wires the built-in example listeners into reg and
// compiles their payload schemas, returning the name-to-record map the OOB
// add-listener command reattaches from (spec.md §4.8). Real
// deployments would instead drive this from cfg.Listeners/cfg.Agents; the
// examples are registered unconditionally here since they are this
// repository's only shipped capabilities.
func registerListeners(reg *registry.Registry, schemas *schema.Store, storage *storekv.Store, paths *pathreg.Registry, budgets *budget.Manager, llmClient llm.Client, cfg *config.Config) (map[string]*registry.Record, error) {
	known := make(map[string]*registry.Record)

	calc := calculator.New(storage)
	calcRecord := calc.Record()
	if err := reg.Register(calcRecord); err != nil {
		return nil, fmt.Errorf("register calculator: %w", err)
	}
	if _, err := schemas.Register(calculator.Name, "v1", []byte(calculator.Schema)); err != nil {
		return nil, fmt.Errorf("compile calculator schema: %w", err)
	}
	known[calculator.Name] = calcRecord

	researcherRuntime := agent.New(researcher.Name, agent.Config{
		Name:  researcher.Name,
		Peers: []string{calculator.Name},
		LLM:   llm.Config{Model: "claude-sonnet-4-5", MaxTokens: 1024},
	}, llmClient, paths, storage)
	rsch := researcher.New(researcherRuntime)
	researcherRecord := rsch.Record()
	if err := reg.Register(researcherRecord); err != nil {
		return nil, fmt.Errorf("register researcher: %w", err)
	}
	if _, err := schemas.Register(researcher.Name, "v1", []byte(researcher.Schema)); err != nil {
		return nil, fmt.Errorf("compile researcher schema: %w", err)
	}
	budgets.Register(researcher.Name, budget.AgentConfig{TokensPerMinute: 20000, Burst: 20000})
	known[researcher.Name] = researcherRecord

	for _, name := range []string{"google", "bing"} {
		tool := searchtools.New(name, &stubSearchBackend{})
		toolRecord := tool.Record()
		if err := reg.Register(toolRecord); err != nil {
			return nil, fmt.Errorf("register search tool %s: %w", name, err)
		}
		known[name] = toolRecord
		if _, err := schemas.Register(name, "v1", []byte(searchtools.Schema)); err != nil {
			return nil, fmt.Errorf("compile search schema for %s: %w", name, err)
		}
	}

	return known, nil
}

// stubSearchBackend is a placeholder searchtools.Backend: no search-API
// client appears anywhere in this repository's retrieval pack, so this
// repository ships a deterministic stand-in rather than fabricate a
// dependency on an unverified third-party search SDK (see DESIGN.md).
type stubSearchBackend struct{}

func (stubSearchBackend) Search(ctx context.Context, query string) (string, error) {
	return fmt.Sprintf("no live search backend configured; query was %q", query), nil
}

// metaConfigFrom translates cfg.Meta's string privilege names into
// meta.Config's typed gate map.
func metaConfigFrom(m config.Meta) meta.Config {
	return meta.Config{Allow: map[meta.Operation]meta.Privilege{
		meta.OpCapabilities: metaPrivilege(m.AllowCapabilities),
		meta.OpSchema:       metaPrivilege(m.AllowSchema),
		meta.OpExample:      metaPrivilege(m.AllowExample),
		meta.OpPromptFrag:   metaPrivilege(m.AllowPromptFragment),
	}}
}

func metaPrivilege(s string) meta.Privilege {
	switch s {
	case "admin":
		return meta.PrivilegeAdmin
	case "authenticated":
		return meta.PrivilegeAuthenticated
	default:
		return meta.PrivilegeNone
	}
}

// connectGateways dials every configured federation peer. A peer that
// fails to connect at startup is logged and skipped rather than treated as
// a bootstrap failure, since a gateway reconnects on its own in the
// background once dialed successfully elsewhere.
func connectGateways(cfgs []config.Gateway) ([]*gateway.Gateway, error) {
	gateways := make([]*gateway.Gateway, 0, len(cfgs))
	for _, gc := range cfgs {
		gw := gateway.New(gateway.Config{Name: gc.Name, Address: gc.RemoteURL, RemoteMeta: gc.RemoteMeta})
		if err := gw.Connect(); err != nil {
			log.Printf("agentserver: gateway %s: initial connect failed, will not retry until reconfigured: %v", gc.Name, err)
			continue
		}
		gateways = append(gateways, gw)
	}
	return gateways, nil
}

func closeGateways(gateways []*gateway.Gateway) {
	for _, gw := range gateways {
		_ = gw.Close()
	}
}

// forwardGatewayInbound feeds envelopes arriving from a federation peer
// into this organism's own pump, minting a fresh opaque root thread id for
// each per spec.md §9's federation-crossing rule.
func forwardGatewayInbound(ctx context.Context, gw *gateway.Gateway, p *pump.Pump, paths *pathreg.Registry) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-gw.Inbound():
			if !ok {
				return
			}
			env.Thread = paths.NewRootFromGateway()
			raw, err := env.ToXML()
			if err != nil {
				log.Printf("agentserver: gateway inbound: serialize failed: %v", err)
				continue
			}
			if err := p.Ingress(raw); err != nil {
				log.Printf("agentserver: gateway inbound: ingress failed: %v", err)
			}
		}
	}
}

// egressLoop drains the pump's client-addressed replies and pushes each
// out to every connection on the main bus.
func egressLoop(ctx context.Context, p *pump.Pump, bus *transport.MainBus) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-p.Egress:
			raw, err := env.ToXML()
			if err != nil {
				log.Printf("agentserver: egress: serialize failed: %v", err)
				continue
			}
			bus.Broadcast(raw)
		}
	}
}

// applyOOB dispatches a verified privileged command to the appropriate core
// service (spec.md §4.8). add-listener is deliberately narrow here: a
// registry.Handler is a Go closure that cannot be constructed from an XML
// payload alone, so it only re-attaches one of this organism's own
// statically-known listeners by name rather than accept an arbitrary
// handler definition over the wire. hot-reload is acknowledged and leaves
// the listener set unchanged (documented in DESIGN.md).
func applyOOB(reg *registry.Registry, p *pump.Pump, metaHandler *meta.Handler, known map[string]*registry.Record, triggerShutdown func()) func(*oob.Command) ([]byte, error) {
	return func(cmd *oob.Command) ([]byte, error) {
		switch cmd.Kind {
		case oob.KindRemoveListener:
			name := string(cmd.Payload)
			if err := reg.Remove(name, p.DrainListener); err != nil {
				return nil, fmt.Errorf("remove-listener %s: %w", name, err)
			}
			return []byte(fmt.Sprintf(`{"removed":%q}`, name)), nil

		case oob.KindAddListener:
			name := string(cmd.Payload)
			rec, ok := known[name]
			if !ok {
				return nil, fmt.Errorf("add-listener: %q is not one of this organism's known listeners", name)
			}
			if err := reg.Register(rec); err != nil {
				return nil, fmt.Errorf("add-listener %s: %w", name, err)
			}
			return []byte(fmt.Sprintf(`{"added":%q}`, name)), nil

		case oob.KindHotReload:
			return []byte(`{"status":"hot-reload accepted; listener set unchanged (no reloadable source configured)"}`), nil

		case oob.KindIntrospect:
			result, err := metaHandler.Query(meta.OpCapabilities, "", meta.PrivilegeAdmin)
			if err != nil {
				return nil, err
			}
			return []byte(fmt.Sprintf("%v", result)), nil

		case oob.KindShutdown:
			triggerShutdown()
			return []byte(`{"status":"shutting down"}`), nil

		default:
			return nil, fmt.Errorf("unknown oob command kind %q", cmd.Kind)
		}
	}
}
