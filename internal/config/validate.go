package config

import (
	"fmt"
	"regexp"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

var (
	autonomyLevels = []any{"readonly", "supervised", "full"}
	providerTypes  = []any{"anthropic", "openai", "openrouter", "google", "bedrock", "ollama"}
	sessionStores  = []any{"memory", "file", "sqlite", "postgres"}
	memoryBackends = []any{"memory", "sqlite"}
	logLevels      = []any{"debug", "info", "warn", "error"}
	logFormats     = []any{"text", "json"}
)

// Validate checks the configuration after defaults are applied.
func (c *Config) Validate() error {
	if err := ValidateVersion(c.Version); err != nil {
		return err
	}
	return validation.Errors{
		"agent":         c.Agent.validate(),
		"tools":         c.Tools.validate(),
		"llm":           c.LLM.validate(),
		"sessions":      c.Sessions.validate(),
		"memory":        c.Memory.validate(),
		"logging":       c.Logging.validate(),
		"observability": c.Observability.validate(),
	}.Filter()
}

func (a AgentConfig) validate() error {
	return validation.Errors{
		"max_iterations":         validation.Validate(a.MaxIterations, validation.Min(1)),
		"max_tokens_per_request": validation.Validate(a.MaxTokensPerRequest, validation.Min(1)),
		"autonomy_level":         validation.Validate(a.AutonomyLevel, validation.Required, validation.In(autonomyLevels...)),
		"max_context_messages":   validation.Validate(a.MaxContextMessages, validation.Min(0)),
		"context_window_tokens":  validation.Validate(a.ContextWindowTokens, validation.Min(0)),
		"turn_timeout":           validation.Validate(a.TurnTimeout, validation.Min(0)),
		"prompt_budget":          validation.Validate(a.PromptBudget, validation.Min(0)),
		"enable_summarization": validation.Validate(a.EnableSummarization,
			validation.When(a.EnableSummarization && a.ContextWindowTokens == 0,
				validation.By(func(any) error { return fmt.Errorf("requires context_window_tokens") }))),
	}.Filter()
}

func (t ToolsConfig) validate() error {
	return validation.Errors{
		"workspace_root":         validation.Validate(t.WorkspaceRoot, validation.Required),
		"allowed_shell_commands": validation.Validate(t.AllowedShellCommands, validation.Each(validation.Required, validation.By(bareCommand))),
		"timeout":                validation.Validate(t.Timeout, validation.Min(0)),
		"shell_timeout":          validation.Validate(t.ShellTimeout, validation.Min(0)),
		"max_output_bytes":       validation.Validate(t.MaxOutputBytes, validation.Min(0)),
		"result_guard":           t.ResultGuard.validate(),
	}.Filter()
}

// bareCommand rejects entries that are not a single program name.
func bareCommand(value any) error {
	s, _ := value.(string)
	if strings.ContainsAny(s, " \t|;&<>") {
		return fmt.Errorf("must be a program name without arguments")
	}
	return nil
}

func (g ResultGuardConfig) validate() error {
	return validation.Errors{
		"max_chars":       validation.Validate(g.MaxChars, validation.Min(0)),
		"redact_patterns": validation.Validate(g.RedactPatterns, validation.Each(validation.By(compiles))),
	}.Filter()
}

func compiles(value any) error {
	s, _ := value.(string)
	if _, err := regexp.Compile(s); err != nil {
		return fmt.Errorf("invalid pattern: %w", err)
	}
	return nil
}

func (l LLMConfig) validate() error {
	known := make([]any, 0, len(l.Providers))
	for name := range l.Providers {
		known = append(known, name)
	}
	providers := validation.Errors{}
	for name, p := range l.Providers {
		if err := p.validate(); err != nil {
			providers[name] = err
		}
	}
	routes := validation.Errors{}
	for i, r := range l.Routes {
		err := validation.Errors{
			"prefix":   validation.Validate(r.Prefix, validation.Required),
			"provider": validation.Validate(r.Provider, validation.Required, validation.In(known...).Error("is not a configured provider")),
		}.Filter()
		if err != nil {
			routes[fmt.Sprint(i)] = err
		}
	}
	return validation.Errors{
		"default_provider":          validation.Validate(l.DefaultProvider, validation.Required, validation.In(known...).Error("is not a configured provider")),
		"temperature":               validation.Validate(l.Temperature, validation.Min(0.0), validation.Max(2.0)),
		"provider_retries":          validation.Validate(l.ProviderRetries, validation.Min(0)),
		"provider_backoff_ms":       validation.Validate(l.ProviderBackoffMs, validation.Min(0)),
		"fallback_providers":        validation.Validate(l.FallbackProviders, validation.Each(validation.In(known...).Error("is not a configured provider"))),
		"circuit_breaker_threshold": validation.Validate(l.CircuitBreakerThreshold, validation.Min(0)),
		"providers":                 providers.Filter(),
		"routes":                    routes.Filter(),
	}.Filter()
}

func (p ProviderConfig) validate() error {
	return validation.Errors{
		"type":    validation.Validate(p.Type, validation.Required, validation.In(providerTypes...)),
		"timeout": validation.Validate(p.Timeout, validation.Min(0)),
	}.Filter()
}

func (s SessionsConfig) validate() error {
	return validation.Errors{
		"store":        validation.Validate(s.Store, validation.Required, validation.In(sessionStores...)),
		"dir":          validation.Validate(s.Dir, validation.When(s.Store == "file", validation.Required)),
		"path":         validation.Validate(s.Path, validation.When(s.Store == "sqlite", validation.Required)),
		"postgres":     validation.Validate(s.Postgres.DSN, validation.When(s.Store == "postgres", validation.Required.Error("dsn is required"))),
		"history_size": validation.Validate(s.HistorySize, validation.Min(0)),
	}.Filter()
}

func (m MemoryConfig) validate() error {
	return validation.Errors{
		"backend": validation.Validate(m.Backend, validation.In(memoryBackends...)),
	}.Filter()
}

func (l LoggingConfig) validate() error {
	return validation.Errors{
		"level":           validation.Validate(strings.ToLower(l.Level), validation.In(logLevels...)),
		"format":          validation.Validate(strings.ToLower(l.Format), validation.In(logFormats...)),
		"redact_patterns": validation.Validate(l.RedactPatterns, validation.Each(validation.By(compiles))),
	}.Filter()
}

func (o ObservabilityConfig) validate() error {
	return validation.Errors{
		"tracing": validation.Errors{
			"sampling_rate": validation.Validate(o.Tracing.SamplingRate, validation.Min(0.0), validation.Max(1.0)),
		}.Filter(),
	}.Filter()
}
