// Package config loads the runtime configuration from YAML or JSON5 files.
//
// Files may pull in others with a top-level "$include" key; included files
// are merged first and the including file wins. Environment variables are
// expanded before parsing, unknown keys are rejected, and the result is
// validated before it is returned.
package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/haasonsaas/nexus-core/internal/errs"
)

// Config is the main configuration structure.
type Config struct {
	Version       int                 `yaml:"version" jsonschema:"description=Configuration format version"`
	Agent         AgentConfig         `yaml:"agent"`
	Tools         ToolsConfig         `yaml:"tools"`
	LLM           LLMConfig           `yaml:"llm"`
	Sessions      SessionsConfig      `yaml:"sessions"`
	Memory        MemoryConfig        `yaml:"memory"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// AgentConfig controls the agent loop.
type AgentConfig struct {
	MaxIterations       int           `yaml:"max_iterations" jsonschema:"description=Provider calls allowed per turn,default=10"`
	MaxTokensPerRequest int           `yaml:"max_tokens_per_request" jsonschema:"default=4096"`
	AutonomyLevel       string        `yaml:"autonomy_level" jsonschema:"enum=readonly,enum=supervised,enum=full,default=supervised"`
	MaxContextMessages  int           `yaml:"max_context_messages" jsonschema:"description=Cap on linearised history (0 = unlimited)"`
	ContextWindowTokens int           `yaml:"context_window_tokens" jsonschema:"description=Estimated token cap on linearised history (0 = unlimited)"`
	EnableSummarization bool          `yaml:"enable_summarization"`
	StreamResponses     bool          `yaml:"stream_responses"`
	TurnTimeout         time.Duration `yaml:"turn_timeout" jsonschema:"description=Wall-clock limit per turn such as 10m"`
	PromptBudget        int           `yaml:"prompt_budget" jsonschema:"description=Token cap on the system prompt (0 = unlimited)"`

	// IdentityFile overrides <workspace_root>/IDENTITY.md.
	IdentityFile string `yaml:"identity_file"`
}

// ToolsConfig configures the built-in tools and the dispatcher.
type ToolsConfig struct {
	WorkspaceRoot        string            `yaml:"workspace_root"`
	AllowedShellCommands []string          `yaml:"allowed_shell_commands"`
	Timeout              time.Duration     `yaml:"timeout" jsonschema:"description=Per-call tool timeout"`
	ShellTimeout         time.Duration     `yaml:"shell_timeout"`
	MaxOutputBytes       int               `yaml:"max_output_bytes"`
	MaxReadBytes         int               `yaml:"max_read_bytes"`
	MaxWriteBytes        int               `yaml:"max_write_bytes"`
	Disabled             []string          `yaml:"disabled" jsonschema:"description=Tool names registered but switched off"`
	ResultGuard          ResultGuardConfig `yaml:"result_guard"`
}

// ResultGuardConfig controls redaction of tool output before it is stored.
type ResultGuardConfig struct {
	MaxChars        int      `yaml:"max_chars"`
	Denylist        []string `yaml:"denylist"`
	SanitizeSecrets bool     `yaml:"sanitize_secrets"`
	RedactPatterns  []string `yaml:"redact_patterns"`
	RedactionText   string   `yaml:"redaction_text"`
}

// LLMConfig configures providers and routing.
type LLMConfig struct {
	DefaultProvider   string  `yaml:"default_provider"`
	DefaultModel      string  `yaml:"default_model"`
	Temperature       float64 `yaml:"temperature"`
	ProviderRetries   *int    `yaml:"provider_retries" jsonschema:"description=Retries per provider call,default=2"`
	ProviderBackoffMs int     `yaml:"provider_backoff_ms" jsonschema:"default=500"`

	FallbackProviders []string      `yaml:"fallback_providers"`
	Routes            []RouteConfig `yaml:"routes"`

	// CircuitBreakerThreshold opens a provider's circuit after this many
	// consecutive failures. Zero disables the breaker.
	CircuitBreakerThreshold int           `yaml:"circuit_breaker_threshold"`
	CircuitBreakerCooldown  time.Duration `yaml:"circuit_breaker_cooldown"`

	Providers map[string]ProviderConfig `yaml:"providers"`
}

// RouteConfig sends models with a prefix to a provider.
type RouteConfig struct {
	Prefix      string `yaml:"prefix"`
	Provider    string `yaml:"provider"`
	Model       string `yaml:"model"`
	StripPrefix bool   `yaml:"strip_prefix"`
}

// ProviderConfig configures one provider. Type defaults to the map key.
type ProviderConfig struct {
	Type         string        `yaml:"type" jsonschema:"enum=anthropic,enum=openai,enum=openrouter,enum=google,enum=bedrock,enum=ollama"`
	APIKey       string        `yaml:"api_key"`
	BaseURL      string        `yaml:"base_url"`
	DefaultModel string        `yaml:"default_model"`
	Timeout      time.Duration `yaml:"timeout"`

	// Bedrock only.
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
}

// SessionsConfig selects the session store.
type SessionsConfig struct {
	Store            string         `yaml:"store" jsonschema:"enum=memory,enum=file,enum=sqlite,enum=postgres,default=file"`
	Dir              string         `yaml:"dir" jsonschema:"description=Directory for the file store"`
	Path             string         `yaml:"path" jsonschema:"description=Database file for the sqlite store"`
	Postgres         PostgresConfig `yaml:"postgres"`
	AutosaveSchedule string         `yaml:"autosave_schedule" jsonschema:"description=Cron schedule for saving dirty sessions such as @every 30s"`
	HistorySize      int            `yaml:"history_size"`
}

// PostgresConfig configures the Postgres session store.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// MemoryConfig selects the memory store backing the memory tools.
type MemoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Backend string `yaml:"backend" jsonschema:"enum=memory,enum=sqlite"`
	Path    string `yaml:"path"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level          string   `yaml:"level" jsonschema:"enum=debug,enum=info,enum=warn,enum=error"`
	Format         string   `yaml:"format" jsonschema:"enum=text,enum=json"`
	AddSource      bool     `yaml:"add_source"`
	RedactPatterns []string `yaml:"redact_patterns"`
}

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	MetricsAddr string        `yaml:"metrics_addr" jsonschema:"description=Address for the /metrics endpoint; empty disables it"`
	Tracing     TracingConfig `yaml:"tracing"`
}

// TracingConfig configures OTLP span export.
type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
	Environment  string  `yaml:"environment"`
}

// Load reads, merges, decodes, defaults and validates the configuration at path.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, errs.Wrapf(errs.ConfigParse, err, "load config %s", path)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, errs.Wrapf(errs.ConfigParse, err, "load config %s", path)
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, errs.Wrapf(errs.ConfigParse, err, "invalid config %s", path)
	}
	return cfg, nil
}

// Default returns a configuration with every default applied and no
// providers, suitable as a starting point when no file exists.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}

	a := &cfg.Agent
	if a.MaxIterations == 0 {
		a.MaxIterations = 10
	}
	if a.MaxTokensPerRequest == 0 {
		a.MaxTokensPerRequest = 4096
	}
	a.AutonomyLevel = strings.ToLower(strings.TrimSpace(a.AutonomyLevel))
	if a.AutonomyLevel == "" {
		a.AutonomyLevel = "supervised"
	}
	if a.TurnTimeout == 0 {
		a.TurnTimeout = 10 * time.Minute
	}

	t := &cfg.Tools
	if t.WorkspaceRoot == "" {
		t.WorkspaceRoot = "."
	}
	if t.AllowedShellCommands == nil {
		t.AllowedShellCommands = []string{"ls", "cat", "grep", "head", "tail", "wc"}
	}
	if t.Timeout == 0 {
		t.Timeout = 2 * time.Minute
	}
	if t.ShellTimeout == 0 {
		t.ShellTimeout = 30 * time.Second
	}

	l := &cfg.LLM
	if l.DefaultProvider == "" {
		l.DefaultProvider = "anthropic"
	}
	if l.ProviderRetries == nil {
		retries := 2
		l.ProviderRetries = &retries
	}
	if l.ProviderBackoffMs == 0 {
		l.ProviderBackoffMs = 500
	}
	if l.CircuitBreakerThreshold > 0 && l.CircuitBreakerCooldown == 0 {
		l.CircuitBreakerCooldown = 30 * time.Second
	}
	for name, p := range l.Providers {
		if p.Type == "" {
			p.Type = name
		}
		p.Type = strings.ToLower(strings.TrimSpace(p.Type))
		l.Providers[name] = p
	}

	s := &cfg.Sessions
	s.Store = strings.ToLower(strings.TrimSpace(s.Store))
	if s.Store == "" {
		s.Store = "file"
	}
	if s.Dir == "" {
		s.Dir = ".nexus/sessions"
	}
	if s.Path == "" {
		s.Path = ".nexus/sessions.db"
	}
	if s.Postgres.MaxOpenConns == 0 {
		s.Postgres.MaxOpenConns = 10
	}
	if s.Postgres.MaxIdleConns == 0 {
		s.Postgres.MaxIdleConns = 2
	}
	if s.Postgres.ConnMaxLifetime == 0 {
		s.Postgres.ConnMaxLifetime = 5 * time.Minute
	}

	m := &cfg.Memory
	m.Backend = strings.ToLower(strings.TrimSpace(m.Backend))
	if m.Backend == "" {
		m.Backend = "memory"
	}
	if m.Backend == "sqlite" && m.Path == "" {
		m.Path = ".nexus/memory.db"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Observability.Tracing.SamplingRate == 0 {
		cfg.Observability.Tracing.SamplingRate = 1.0
	}
}

// ProviderNames returns the configured provider names in the order the
// router should consider them: the default first, then the fallbacks.
func (c *Config) ProviderNames() []string {
	names := []string{c.LLM.DefaultProvider}
	for _, name := range c.LLM.FallbackProviders {
		if name != c.LLM.DefaultProvider {
			names = append(names, name)
		}
	}
	return names
}

// IdentityPath returns the identity file to load.
func (c *Config) IdentityPath() string {
	if c.Agent.IdentityFile != "" {
		return c.Agent.IdentityFile
	}
	return filepath.Join(c.Tools.WorkspaceRoot, "IDENTITY.md")
}
