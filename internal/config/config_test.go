package config

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/nexus-core/internal/errs"
)

const minimalConfig = `
llm:
  default_provider: anthropic
  providers:
    anthropic:
      api_key: test
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	return writeNamed(t, t.TempDir(), "nexus.yaml", content)
}

func writeNamed(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.MaxIterations != 10 || cfg.Agent.MaxTokensPerRequest != 4096 {
		t.Errorf("agent defaults = %+v", cfg.Agent)
	}
	if cfg.Agent.AutonomyLevel != "supervised" || cfg.Agent.TurnTimeout != 10*time.Minute {
		t.Errorf("agent defaults = %+v", cfg.Agent)
	}
	if cfg.LLM.ProviderRetries == nil || *cfg.LLM.ProviderRetries != 2 || cfg.LLM.ProviderBackoffMs != 500 {
		t.Errorf("llm retry defaults = %v / %d", cfg.LLM.ProviderRetries, cfg.LLM.ProviderBackoffMs)
	}
	if cfg.LLM.Providers["anthropic"].Type != "anthropic" {
		t.Errorf("provider type = %q, want the map key", cfg.LLM.Providers["anthropic"].Type)
	}
	if cfg.Sessions.Store != "file" || cfg.Memory.Backend != "memory" {
		t.Errorf("store defaults = %q / %q", cfg.Sessions.Store, cfg.Memory.Backend)
	}
	if cfg.IdentityPath() != filepath.Join(".", "IDENTITY.md") {
		t.Errorf("IdentityPath() = %q", cfg.IdentityPath())
	}
	for _, program := range cfg.Tools.AllowedShellCommands {
		switch program {
		case "git", "go", "find":
			t.Errorf("default allowed_shell_commands includes %s", program)
		}
	}
}

func TestLoadKeepsExplicitZeroRetries(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig+"  provider_retries: 0\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if *cfg.LLM.ProviderRetries != 0 {
		t.Errorf("ProviderRetries = %d, want 0", *cfg.LLM.ProviderRetries)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("NEXUS_TEST_KEY", "from-env")
	cfg, err := Load(writeConfig(t, `
llm:
  default_provider: openai
  providers:
    openai:
      api_key: ${NEXUS_TEST_KEY}
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.LLM.Providers["openai"].APIKey; got != "from-env" {
		t.Errorf("APIKey = %q", got)
	}
}

func TestLoadExpandsEnvInValuesOnly(t *testing.T) {
	t.Setenv("NEXUS_TEST_LEVEL", "debug")
	tests := []struct {
		name    string
		pattern string
		want    string
	}{
		{"end anchor", `'(?i)bearer \S+$'`, `(?i)bearer \S+$`},
		{"escaped dollar", `'price: \$[0-9]+'`, `price: \$[0-9]+`},
		{"doubled dollar", `'$$NEXUS_TEST_LEVEL'`, `$NEXUS_TEST_LEVEL`},
		{"variable", `'${NEXUS_TEST_LEVEL}-[a-z]+'`, `debug-[a-z]+`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, minimalConfig+"logging:\n  level: $NEXUS_TEST_LEVEL\n  redact_patterns:\n    - "+tt.pattern+"\n"))
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if cfg.Logging.Level != "debug" {
				t.Errorf("Level = %q", cfg.Logging.Level)
			}
			if len(cfg.Logging.RedactPatterns) != 1 || cfg.Logging.RedactPatterns[0] != tt.want {
				t.Errorf("RedactPatterns = %q, want %q", cfg.Logging.RedactPatterns, tt.want)
			}
		})
	}
}

func TestLoadJSON5(t *testing.T) {
	dir := t.TempDir()
	path := writeNamed(t, dir, "nexus.json5", `{
  // comments and trailing commas are allowed
  agent: {max_iterations: 4, autonomy_level: "FULL", turn_timeout: "30s"},
  llm: {default_provider: "local", providers: {local: {type: "ollama"}}},
}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.MaxIterations != 4 || cfg.Agent.AutonomyLevel != "full" || cfg.Agent.TurnTimeout != 30*time.Second {
		t.Errorf("agent = %+v", cfg.Agent)
	}
	if cfg.LLM.Providers["local"].Type != "ollama" {
		t.Errorf("provider = %+v", cfg.LLM.Providers["local"])
	}
}

func TestLoadMergesIncludes(t *testing.T) {
	dir := t.TempDir()
	writeNamed(t, dir, "base.yaml", `
agent:
  max_iterations: 3
  stream_responses: true
llm:
  default_provider: anthropic
  providers:
    anthropic:
      api_key: base
`)
	path := writeNamed(t, dir, "nexus.yaml", `
$include: base.yaml
agent:
  max_iterations: 7
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.MaxIterations != 7 || !cfg.Agent.StreamResponses {
		t.Errorf("agent = %+v", cfg.Agent)
	}
	if cfg.LLM.Providers["anthropic"].APIKey != "base" {
		t.Errorf("included provider lost: %+v", cfg.LLM.Providers)
	}
}

func TestLoadIncludeKeys(t *testing.T) {
	t.Setenv("NEXUS_TEST_BASE", "base.yaml")
	tests := []struct {
		name string
		line string
	}{
		{"dollar key", "$include: base.yaml"},
		{"plain key", "include: base.yaml"},
		{"list", "$include: [base.yaml]"},
		{"env in path", "$include: ${NEXUS_TEST_BASE}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeNamed(t, dir, "base.yaml", minimalConfig)
			path := writeNamed(t, dir, "nexus.yaml", tt.line+"\nagent:\n  max_iterations: 5\n")
			cfg, err := Load(path)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if cfg.Agent.MaxIterations != 5 || cfg.LLM.Providers["anthropic"].APIKey != "test" {
				t.Errorf("merge lost fields: agent=%+v providers=%+v", cfg.Agent, cfg.LLM.Providers)
			}
		})
	}
}

func TestLoadRejectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeNamed(t, dir, "a.yaml", "$include: b.yaml\n")
	writeNamed(t, dir, "b.yaml", "$include: a.yaml\n")
	_, err := Load(filepath.Join(dir, "a.yaml"))
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("err = %v, want include cycle", err)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "unknown field",
			content: minimalConfig + "agent:\n  max_iteratons: 3\n",
			want:    "max_iteratons",
		},
		{
			name:    "default provider not configured",
			content: "llm:\n  default_provider: openai\n  providers:\n    anthropic: {}\n",
			want:    "default_provider",
		},
		{
			name:    "bad autonomy level",
			content: minimalConfig + "agent:\n  autonomy_level: reckless\n",
			want:    "autonomy_level",
		},
		{
			name:    "negative iterations",
			content: minimalConfig + "agent:\n  max_iterations: -1\n",
			want:    "max_iterations",
		},
		{
			name:    "summarization without window",
			content: minimalConfig + "agent:\n  enable_summarization: true\n",
			want:    "context_window_tokens",
		},
		{
			name:    "unknown fallback",
			content: minimalConfig + "  fallback_providers: [openai]\n",
			want:    "fallback_providers",
		},
		{
			name:    "unknown provider type",
			content: "llm:\n  default_provider: x\n  providers:\n    x: {type: azure}\n",
			want:    "type",
		},
		{
			name:    "route to unknown provider",
			content: minimalConfig + "  routes:\n    - prefix: gpt-\n      provider: openai\n",
			want:    "routes",
		},
		{
			name:    "shell command with arguments",
			content: minimalConfig + "tools:\n  allowed_shell_commands: [\"rm -rf\"]\n",
			want:    "allowed_shell_commands",
		},
		{
			name:    "postgres without dsn",
			content: minimalConfig + "sessions:\n  store: postgres\n",
			want:    "dsn",
		},
		{
			name:    "bad redact pattern",
			content: minimalConfig + "logging:\n  redact_patterns: [\"(\"]\n",
			want:    "redact_patterns",
		},
		{
			name:    "future version",
			content: "version: 99\n" + minimalConfig,
			want:    "newer than this build",
		},
		{
			name:    "multiple documents",
			content: minimalConfig + "---\nagent: {}\n",
			want:    "single YAML document",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("expected error")
			}
			if !errs.Is(err, errs.ConfigParse) {
				t.Errorf("kind = %v, want ConfigParse", errs.KindOf(err))
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestProviderNames(t *testing.T) {
	cfg := Default()
	cfg.LLM.DefaultProvider = "anthropic"
	cfg.LLM.FallbackProviders = []string{"openai", "anthropic", "ollama"}
	got := strings.Join(cfg.ProviderNames(), ",")
	if got != "anthropic,openai,ollama" {
		t.Errorf("ProviderNames() = %s", got)
	}
}

func TestJSONSchema(t *testing.T) {
	data, err := JSONSchema()
	if err != nil {
		t.Fatalf("JSONSchema: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
	for _, key := range []string{"max_iterations", "autonomy_level", "fallback_providers", "workspace_root"} {
		if !strings.Contains(string(data), `"`+key+`"`) {
			t.Errorf("schema missing %s", key)
		}
	}
}

func TestWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	path := writeNamed(t, dir, "nexus.yaml", minimalConfig)
	initial, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	changed := make(chan *Config, 4)
	w := NewWatcher(path, initial, func(c *Config) { changed <- c }, nil)
	w.debounce = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Close()

	// An invalid revision is skipped.
	writeNamed(t, dir, "nexus.yaml", minimalConfig+"agent:\n  autonomy_level: reckless\n")
	time.Sleep(100 * time.Millisecond)
	if w.Current() != initial {
		t.Fatal("invalid config replaced the current one")
	}

	writeNamed(t, dir, "nexus.yaml", minimalConfig+"agent:\n  autonomy_level: readonly\n")
	select {
	case cfg := <-changed:
		if cfg.Agent.AutonomyLevel != "readonly" {
			t.Errorf("reloaded autonomy = %q", cfg.Agent.AutonomyLevel)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}
	if w.Current().Agent.AutonomyLevel != "readonly" {
		t.Error("Current() not updated")
	}
}
