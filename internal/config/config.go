// Package config loads the organism's bootstrap configuration: server
// identity and TLS, the OOB privileged channel, thread scheduling policy,
// meta-handler privilege gates, and the declared listener/agent/gateway
// sets (spec.md §6's configuration table).
//
// Loading follows the teacher's internal/config convention — decode YAML
// with gopkg.in/yaml.v3, apply defaults, then validate — with an
// environment-variable overlay added on top via github.com/knadh/koanf/v2,
// the same file-then-env layering Howard-nolan-llmrouter's gateway config
// uses (there under an LLMROUTER_ prefix; here AGENTSERVER_).
package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix stripped from environment variables layered over
// the YAML config, e.g. AGENTSERVER_ORGANISM_PORT overrides organism.port.
const EnvPrefix = "AGENTSERVER_"

// Organism describes the server's own identity and main-bus transport.
type Organism struct {
	Name        string `koanf:"name"`
	Identity    string `koanf:"identity"` // path to the long-term identity keypair
	Port        string `koanf:"port"`
	TLS         TLS    `koanf:"tls"`
	MetricsPort string `koanf:"metrics_port"` // Prometheus /metrics listener; empty disables it
}

// TLS configures the main-bus WSS listener's certificate pair.
type TLS struct {
	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`
}

// OOB configures the privileged out-of-band command channel (spec.md §4.8).
type OOB struct {
	Enabled bool   `koanf:"enabled"`
	Bind    string `koanf:"bind"`
	Port    string `koanf:"port"`
	Socket  string `koanf:"socket"` // local unix socket path, alternative to Port
}

// Meta configures the Meta Handler's per-operation privilege gates
// (spec.md §4.9). Values are "none", "authenticated", or "admin".
type Meta struct {
	AllowSchema         string `koanf:"allow_schema"`
	AllowExample        string `koanf:"allow_example"`
	AllowPromptFragment string `koanf:"allow_prompt_fragment"`
	AllowCapabilities   string `koanf:"allow_capabilities"`
}

// Listener declares one tool-kind capability at bootstrap (spec.md §6
// `listeners[*]`). The handler itself is wired up in code — this entry
// only carries the registration metadata and a handler implementation
// name. cmd/agentserver/main.go does not read these entries; it registers
// its built-in listeners in code.
type Listener struct {
	Name        string `koanf:"name"`
	PayloadType string `koanf:"payload_type"`
	Handler     string `koanf:"handler"`
	Description string `koanf:"description"`
}

// Agent declares one agent-kind listener at bootstrap (spec.md §6
// `agents[*]`).
type Agent struct {
	Name             string   `koanf:"name"`
	SystemPromptPath string   `koanf:"system_prompt_path"`
	Peers            []string `koanf:"peers"`
	TokensPerMinute  int64    `koanf:"tokens_per_minute"`
	Burst            int64    `koanf:"burst"`
	Model            string   `koanf:"model"`
	MaxTokens        int      `koanf:"max_tokens"`
	Temperature      float64  `koanf:"temperature"`
}

// Gateway declares one federation peer (spec.md §6 `gateways[*]`).
type Gateway struct {
	Name         string `koanf:"name"`
	RemoteURL    string `koanf:"remote_url"`
	TrustedKey   string `koanf:"trusted_public_key"`
	Description  string `koanf:"description"`
	RemoteMeta   bool   `koanf:"remote_meta"`
}

// Config is the organism's full bootstrap configuration.
type Config struct {
	Organism         Organism   `koanf:"organism"`
	OOB              OOB        `koanf:"oob"`
	ThreadScheduling string     `koanf:"thread_scheduling"`
	Meta             Meta       `koanf:"meta"`
	Listeners        []Listener `koanf:"listeners"`
	Agents           []Agent    `koanf:"agents"`
	Gateways         []Gateway  `koanf:"gateways"`

	// StorageDir is the badger data directory for listener-scoped storage
	// and the schema compiler cache; empty runs both in-memory.
	StorageDir string `koanf:"storage_dir"`

	// IdleTimeoutSeconds is how long a thread may sit with no recorded
	// activity before the pump's background sweep prunes it (spec.md §5).
	IdleTimeoutSeconds int `koanf:"idle_timeout_seconds"`
}

// Load reads path as YAML, then layers any AGENTSERVER_-prefixed
// environment variables on top (e.g. AGENTSERVER_ORGANISM_PORT overrides
// organism.port), applies defaults, and validates.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "_", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("config: read environment overrides: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Organism.Port == "" {
		cfg.Organism.Port = ":9443"
	}
	if cfg.Organism.MetricsPort == "" {
		cfg.Organism.MetricsPort = ":9446"
	}
	if cfg.OOB.Port == "" && cfg.OOB.Socket == "" {
		cfg.OOB.Port = ":9444"
	}
	if cfg.OOB.Bind == "" {
		cfg.OOB.Bind = "127.0.0.1"
	}
	if cfg.ThreadScheduling == "" {
		cfg.ThreadScheduling = "breadth-first"
	}
	if cfg.Meta.AllowCapabilities == "" {
		cfg.Meta.AllowCapabilities = "none"
	}
	if cfg.Meta.AllowSchema == "" {
		cfg.Meta.AllowSchema = "authenticated"
	}
	if cfg.Meta.AllowExample == "" {
		cfg.Meta.AllowExample = "authenticated"
	}
	if cfg.Meta.AllowPromptFragment == "" {
		cfg.Meta.AllowPromptFragment = "admin"
	}
	for i := range cfg.Agents {
		if cfg.Agents[i].MaxTokens == 0 {
			cfg.Agents[i].MaxTokens = 1024
		}
	}
	if cfg.IdleTimeoutSeconds == 0 {
		cfg.IdleTimeoutSeconds = 300
	}
}

func validate(cfg *Config) error {
	if cfg.Organism.Name == "" {
		return fmt.Errorf("config: organism.name is required")
	}
	if cfg.IdleTimeoutSeconds < 0 {
		return fmt.Errorf("config: idle_timeout_seconds must not be negative, got %d", cfg.IdleTimeoutSeconds)
	}
	switch cfg.ThreadScheduling {
	case "breadth-first", "depth-first":
	default:
		return fmt.Errorf("config: thread_scheduling must be breadth-first or depth-first, got %q", cfg.ThreadScheduling)
	}
	for _, v := range []string{cfg.Meta.AllowSchema, cfg.Meta.AllowExample, cfg.Meta.AllowPromptFragment, cfg.Meta.AllowCapabilities} {
		switch v {
		case "none", "authenticated", "admin":
		default:
			return fmt.Errorf("config: meta.allow_* must be none, authenticated, or admin, got %q", v)
		}
	}
	names := make(map[string]struct{})
	for _, l := range cfg.Listeners {
		if l.Name == "" {
			return fmt.Errorf("config: listener entry missing name")
		}
		if _, dup := names[l.Name]; dup {
			return fmt.Errorf("config: duplicate listener name %q", l.Name)
		}
		names[l.Name] = struct{}{}
	}
	for _, a := range cfg.Agents {
		if a.Name == "" {
			return fmt.Errorf("config: agent entry missing name")
		}
		if _, dup := names[a.Name]; dup {
			return fmt.Errorf("config: duplicate listener/agent name %q", a.Name)
		}
		names[a.Name] = struct{}{}
	}
	return nil
}
