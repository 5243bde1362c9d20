package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/nexus-core/internal/config"
	"github.com/haasonsaas/nexus-core/internal/errs"
	"github.com/haasonsaas/nexus-core/internal/memory"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

func TestBuildToolRegistry(t *testing.T) {
	cfg := config.Default().Tools
	cfg.WorkspaceRoot = t.TempDir()
	cfg.Disabled = []string{" shell "}

	registry, err := buildToolRegistry(cfg, memory.NewMemoryStore())
	if err != nil {
		t.Fatalf("buildToolRegistry: %v", err)
	}
	names := map[string]bool{}
	for _, name := range registry.Names() {
		names[name] = true
	}
	for _, want := range []string{"shell", "file_read", "file_write", "memory_store", "memory_recall", "memory_forget"} {
		if !names[want] {
			t.Errorf("tool %s is not registered", want)
		}
	}
	if registry.Enabled("shell") {
		t.Error("shell should be disabled")
	}
	if !registry.Enabled("file_read") {
		t.Error("file_read should be enabled")
	}
}

func TestBuildToolRegistryWithoutMemory(t *testing.T) {
	cfg := config.Default().Tools
	registry, err := buildToolRegistry(cfg, nil)
	if err != nil {
		t.Fatalf("buildToolRegistry: %v", err)
	}
	if _, ok := registry.Get("memory_store"); ok {
		t.Error("memory tools registered without a memory store")
	}
}

func TestBuildToolRegistryUnknownDisabled(t *testing.T) {
	cfg := config.Default().Tools
	cfg.Disabled = []string{"browser"}
	if _, err := buildToolRegistry(cfg, nil); !errs.Is(err, errs.ConfigParse) {
		t.Fatalf("err = %v, want ConfigParse", err)
	}
}

func TestAgentOptions(t *testing.T) {
	workspace := t.TempDir()
	if err := os.WriteFile(filepath.Join(workspace, "IDENTITY.md"), []byte("- **Name**: Vega\n- **Vibe**: terse\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	cfg.Tools.WorkspaceRoot = workspace
	cfg.Agent.AutonomyLevel = "readonly"
	cfg.Agent.MaxIterations = 3

	opts, err := agentOptions(cfg)
	if err != nil {
		t.Fatalf("agentOptions: %v", err)
	}
	if opts.Autonomy != models.AutonomyReadOnly || opts.MaxIterations != 3 {
		t.Errorf("opts = %+v", opts)
	}
	if opts.Identity.Name != "Vega" || opts.Identity.Vibe != "terse" {
		t.Errorf("identity = %+v", opts.Identity)
	}
}

func TestAgentOptionsRejectsUnknownLevel(t *testing.T) {
	cfg := config.Default()
	cfg.Agent.AutonomyLevel = "yolo"
	if _, err := agentOptions(cfg); !errs.Is(err, errs.ConfigParse) {
		t.Fatalf("err = %v, want ConfigParse", err)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "nexus.yaml"))
	if !errs.Is(err, errs.ConfigParse) || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("err = %v", err)
	}
}

func writeCLIConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	content := `
llm:
  default_provider: anthropic
  providers:
    anthropic:
      api_key: test
tools:
  workspace_root: ` + dir + `
sessions:
  store: file
  dir: ` + filepath.Join(dir, "sessions") + `
logging:
  level: error
`
	path := filepath.Join(dir, "nexus.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestSessionsCommands(t *testing.T) {
	path := writeCLIConfig(t)

	manager, closeFn, err := openManager(path)
	if err != nil {
		t.Fatalf("openManager: %v", err)
	}
	s := manager.Create("demo")
	user := models.NewUser("hello there")
	user.ID = "1111aaaa-user"
	if _, err := s.Tree().Append(user); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Tree().Append(models.NewAssistant("general kenobi", nil)); err != nil {
		t.Fatal(err)
	}
	if err := manager.Save(t.Context(), s); err != nil {
		t.Fatalf("Save: %v", err)
	}
	closeFn()

	out, err := runCLI(t, "sessions", "list", "--config", path)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, s.ID) || !strings.Contains(out, "demo") {
		t.Fatalf("list output:\n%s", out)
	}

	out, err = runCLI(t, "sessions", "branch", s.ID, "1111", "--config", path)
	if err != nil {
		t.Fatalf("branch: %v", err)
	}
	if !strings.Contains(out, "1111aaaa") {
		t.Errorf("branch output: %s", out)
	}

	out, err = runCLI(t, "sessions", "show", s.ID, "--config", path)
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, "hello there") && !strings.HasPrefix(line, "*") {
			t.Errorf("cursor should be on the user node after branch: %q", line)
		}
	}

	out, err = runCLI(t, "sessions", "show", s.ID, "--json", "--config", path)
	if err != nil {
		t.Fatalf("show --json: %v", err)
	}
	if !strings.Contains(out, "hello there") || strings.Contains(out, "general kenobi") {
		t.Errorf("json path should end at the cursor:\n%s", out)
	}

	if _, err := runCLI(t, "sessions", "delete", s.ID, "--config", path); err != nil {
		t.Fatalf("delete: %v", err)
	}
	out, err = runCLI(t, "sessions", "list", "--config", path)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "No sessions found.") {
		t.Errorf("list after delete:\n%s", out)
	}

	if _, err := runCLI(t, "sessions", "show", s.ID, "--config", path); !errs.Is(err, errs.NotFound) {
		t.Errorf("show deleted session: err = %v, want NotFound", err)
	}
}

func TestConfigCommands(t *testing.T) {
	path := writeCLIConfig(t)
	out, err := runCLI(t, "config", "validate", "--config", path)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "is valid") || !strings.Contains(out, "anthropic") {
		t.Errorf("validate output:\n%s", out)
	}

	out, err = runCLI(t, "config", "schema")
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	if !strings.Contains(out, "default_provider") {
		t.Errorf("schema output lacks llm keys")
	}
}
