package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/nexus-core/internal/agent"
	"github.com/haasonsaas/nexus-core/internal/agent/providers"
	"github.com/haasonsaas/nexus-core/internal/agent/routing"
	"github.com/haasonsaas/nexus-core/internal/agent/tape"
	"github.com/haasonsaas/nexus-core/internal/config"
	"github.com/haasonsaas/nexus-core/internal/errs"
	"github.com/haasonsaas/nexus-core/internal/memory"
	"github.com/haasonsaas/nexus-core/internal/observability"
	"github.com/haasonsaas/nexus-core/internal/sessions"
	"github.com/haasonsaas/nexus-core/internal/tools"
	"github.com/haasonsaas/nexus-core/internal/tools/files"
	"github.com/haasonsaas/nexus-core/internal/tools/memorytools"
	"github.com/haasonsaas/nexus-core/internal/tools/shell"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

// appOptions are the per-command inputs to newApp.
type appOptions struct {
	// record writes provider calls to this tape on close.
	record string
	// replay answers from this tape instead of the configured providers.
	replay string
	strict bool

	confirm     tools.ConfirmFunc
	autoConfirm bool

	// logOutput defaults to stderr.
	logOutput io.Writer
}

// app holds every component built from the configuration.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	provider agent.Provider
	recorder *tape.Recorder
	replayer *tape.Replayer

	tools    *tools.Registry
	memory   memory.Store
	manager  *sessions.Manager
	autosave *sessions.Autosaver
	runtime  *agent.Runtime

	metricsSrv *http.Server
	stopTracer func(context.Context) error
	recordPath string
}

// newApp wires the runtime from cfg. Call close when done.
func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (_ *app, err error) {
	logOutput := opts.logOutput
	if logOutput == nil {
		logOutput = os.Stderr
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:          cfg.Logging.Level,
		Format:         cfg.Logging.Format,
		Output:         logOutput,
		AddSource:      cfg.Logging.AddSource,
		RedactPatterns: cfg.Logging.RedactPatterns,
	})
	slog.SetDefault(logger)

	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.close(context.Background())
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = observability.NewMetrics(registry)
	a.tracer, a.stopTracer = observability.NewTracer(observability.TraceConfig{
		ServiceName:    "nexus",
		ServiceVersion: version,
		Environment:    cfg.Observability.Tracing.Environment,
		Endpoint:       cfg.Observability.Tracing.Endpoint,
		SamplingRate:   cfg.Observability.Tracing.SamplingRate,
		Insecure:       cfg.Observability.Tracing.Insecure,
	})
	if addr := cfg.Observability.MetricsAddr; addr != "" {
		a.metricsSrv = serveMetrics(addr, registry, logger)
	}

	if err := a.buildProvider(ctx, opts); err != nil {
		return nil, err
	}

	if cfg.Memory.Enabled {
		if a.memory, err = openMemoryStore(cfg.Memory); err != nil {
			return nil, err
		}
	}
	if a.tools, err = buildToolRegistry(cfg.Tools, a.memory); err != nil {
		return nil, err
	}
	dispatcher := tools.NewDispatcher(a.tools,
		tools.WithTimeout(cfg.Tools.Timeout),
		tools.WithAutoConfirm(opts.autoConfirm),
		tools.WithLogger(logger),
		tools.WithMetrics(a.metrics),
		tools.WithTracer(a.tracer),
	)

	store, err := openSessionStore(cfg.Sessions)
	if err != nil {
		return nil, err
	}
	workDir, err := filepath.Abs(cfg.Tools.WorkspaceRoot)
	if err != nil {
		workDir = cfg.Tools.WorkspaceRoot
	}
	a.manager = sessions.NewManager(store,
		sessions.WithLogger(logger),
		sessions.WithDefaults(sessions.Defaults{
			WorkingDir:  workDir,
			Provider:    cfg.LLM.DefaultProvider,
			Model:       cfg.LLM.DefaultModel,
			Temperature: cfg.LLM.Temperature,
			HistorySize: cfg.Sessions.HistorySize,
		}),
	)
	if schedule := cfg.Sessions.AutosaveSchedule; schedule != "" {
		if a.autosave, err = sessions.NewAutosaver(a.manager, schedule, logger); err != nil {
			return nil, err
		}
		a.autosave.Start()
	}

	agentOpts, err := agentOptions(cfg)
	if err != nil {
		return nil, err
	}
	a.runtime = agent.NewRuntime(a.provider, dispatcher, a.manager, agentOpts,
		agent.WithLogger(logger),
		agent.WithMetrics(a.metrics),
		agent.WithTracer(a.tracer),
		agent.WithConfirm(opts.confirm),
		agent.WithResultGuard(agent.ResultGuard{
			MaxChars:        cfg.Tools.ResultGuard.MaxChars,
			Denylist:        cfg.Tools.ResultGuard.Denylist,
			SanitizeSecrets: cfg.Tools.ResultGuard.SanitizeSecrets,
			RedactPatterns:  cfg.Tools.ResultGuard.RedactPatterns,
			RedactionText:   cfg.Tools.ResultGuard.RedactionText,
		}),
	)
	a.recordPath = opts.record
	return a, nil
}

func (a *app) buildProvider(ctx context.Context, opts appOptions) error {
	if opts.replay != "" {
		t, err := tape.Load(opts.replay)
		if err != nil {
			return errs.Wrap(errs.InvalidArgument, err, "load tape")
		}
		mode := tape.ReplayLoose
		if opts.strict {
			mode = tape.ReplayStrict
		}
		a.replayer = tape.NewReplayer(t).WithMode(mode)
		a.provider = a.replayer
		return nil
	}

	settings := providers.Settings{
		Retries:   *a.cfg.LLM.ProviderRetries,
		BackoffMs: a.cfg.LLM.ProviderBackoffMs,
		Logger:    a.logger,
		Metrics:   a.metrics,
		Tracer:    a.tracer,
	}
	built, err := buildProviders(ctx, a.cfg.LLM, settings)
	if err != nil {
		return err
	}
	routes := make([]routing.Route, len(a.cfg.LLM.Routes))
	for i, r := range a.cfg.LLM.Routes {
		routes[i] = routing.Route{Prefix: r.Prefix, Provider: r.Provider, Model: r.Model, StripPrefix: r.StripPrefix}
	}
	var provider agent.Provider = routing.NewRouter(routing.Config{
		DefaultProvider:  a.cfg.LLM.DefaultProvider,
		Fallbacks:        a.cfg.LLM.FallbackProviders,
		Routes:           routes,
		CircuitThreshold: a.cfg.LLM.CircuitBreakerThreshold,
		CircuitCooldown:  a.cfg.LLM.CircuitBreakerCooldown,
		Logger:           a.logger,
		Metrics:          a.metrics,
		Tracer:           a.tracer,
	}, built)
	if opts.record != "" {
		a.recorder = tape.NewRecorder(provider)
		provider = a.recorder
	}
	a.provider = provider
	return nil
}

// close shuts everything down in reverse order of construction.
func (a *app) close(ctx context.Context) error {
	var errList []error
	if a.autosave != nil {
		errList = append(errList, a.autosave.Stop(ctx))
	}
	switch {
	case a.runtime != nil:
		errList = append(errList, a.runtime.Shutdown(ctx))
	case a.manager != nil:
		errList = append(errList, a.manager.Shutdown(ctx))
	}
	if a.recorder != nil && a.recordPath != "" {
		if err := a.recorder.Save(a.recordPath); err != nil {
			errList = append(errList, fmt.Errorf("save tape: %w", err))
		} else {
			a.logger.Info("tape saved", "path", a.recordPath, "calls", a.recorder.Tape().Len())
		}
	}
	if a.replayer != nil {
		for _, m := range a.replayer.Mismatches() {
			a.logger.Warn("replay mismatch", "call", m.Index, "field", m.Field, "expected", m.Expected, "actual", m.Actual)
		}
	}
	if a.memory != nil {
		errList = append(errList, a.memory.Close())
	}
	if a.metricsSrv != nil {
		errList = append(errList, a.metricsSrv.Shutdown(ctx))
	}
	if a.stopTracer != nil {
		errList = append(errList, a.stopTracer(ctx))
	}
	return errors.Join(errList...)
}

func serveMetrics(addr string, registry *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", "addr", addr, "error", err)
		}
	}()
	logger.Debug("serving metrics", "addr", addr)
	return srv
}

// apiKeyEnv names the environment variable consulted when a provider has no
// api_key configured.
var apiKeyEnv = map[string]string{
	"anthropic":  "ANTHROPIC_API_KEY",
	"openai":     "OPENAI_API_KEY",
	"openrouter": "OPENROUTER_API_KEY",
	"google":     "GEMINI_API_KEY",
}

func buildProviders(ctx context.Context, cfg config.LLMConfig, s providers.Settings) (map[string]agent.Provider, error) {
	out := make(map[string]agent.Provider, len(cfg.Providers))
	for name, pc := range cfg.Providers {
		if pc.APIKey == "" {
			if env, ok := apiKeyEnv[pc.Type]; ok {
				pc.APIKey = os.Getenv(env)
			}
		}
		p, err := buildProvider(ctx, name, pc, s)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
		out[name] = p
	}
	return out, nil
}

func buildProvider(ctx context.Context, name string, pc config.ProviderConfig, s providers.Settings) (agent.Provider, error) {
	switch pc.Type {
	case "anthropic":
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       pc.APIKey,
			BaseURL:      pc.BaseURL,
			DefaultModel: pc.DefaultModel,
			Settings:     s,
		})
	case "openai":
		return providers.NewOpenAIProvider(providers.OpenAIConfig{
			Name:         name,
			APIKey:       pc.APIKey,
			BaseURL:      pc.BaseURL,
			DefaultModel: pc.DefaultModel,
			HTTPClient:   httpClient(pc.Timeout),
			Settings:     s,
		})
	case "openrouter":
		return providers.NewOpenRouterProvider(providers.OpenRouterConfig{
			APIKey:       pc.APIKey,
			DefaultModel: pc.DefaultModel,
			Settings:     s,
		})
	case "google":
		return providers.NewGoogleProvider(ctx, providers.GoogleConfig{
			APIKey:       pc.APIKey,
			BaseURL:      pc.BaseURL,
			DefaultModel: pc.DefaultModel,
			HTTPClient:   httpClient(pc.Timeout),
			Settings:     s,
		})
	case "bedrock":
		return providers.NewBedrockProvider(ctx, providers.BedrockConfig{
			Region:          pc.Region,
			AccessKeyID:     pc.AccessKeyID,
			SecretAccessKey: pc.SecretAccessKey,
			SessionToken:    pc.SessionToken,
			Endpoint:        pc.BaseURL,
			DefaultModel:    pc.DefaultModel,
			Settings:        s,
		})
	case "ollama":
		return providers.NewOllamaProvider(providers.OllamaConfig{
			BaseURL:      pc.BaseURL,
			DefaultModel: pc.DefaultModel,
			Timeout:      pc.Timeout,
			Settings:     s,
		}), nil
	default:
		return nil, errs.Newf(errs.InvalidArgument, "unknown provider type %q", pc.Type)
	}
}

// httpClient returns nil, selecting the SDK default, when timeout is unset.
func httpClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		return nil
	}
	return &http.Client{Timeout: timeout}
}

func openSessionStore(cfg config.SessionsConfig) (sessions.Store, error) {
	switch cfg.Store {
	case "memory":
		return sessions.NewMemoryStore(), nil
	case "file":
		return sessions.NewFileStore(cfg.Dir)
	case "sqlite":
		return sessions.OpenSQLiteStore(cfg.Path)
	case "postgres":
		pg := sessions.DefaultPostgresConfig()
		pg.DSN = cfg.Postgres.DSN
		pg.MaxOpenConns = cfg.Postgres.MaxOpenConns
		pg.MaxIdleConns = cfg.Postgres.MaxIdleConns
		pg.ConnMaxLifetime = cfg.Postgres.ConnMaxLifetime
		return sessions.OpenPostgresStore(pg)
	default:
		return nil, errs.Newf(errs.InvalidArgument, "unknown session store %q", cfg.Store)
	}
}

func openMemoryStore(cfg config.MemoryConfig) (memory.Store, error) {
	if cfg.Backend == "sqlite" {
		if dir := filepath.Dir(cfg.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, err
			}
		}
		return memory.OpenSQLiteStore(memory.SQLiteConfig{Path: cfg.Path})
	}
	return memory.NewMemoryStore(), nil
}

func buildToolRegistry(cfg config.ToolsConfig, mem memory.Store) (*tools.Registry, error) {
	registry := tools.NewRegistry()
	fileCfg := files.Config{
		Workspace:     cfg.WorkspaceRoot,
		MaxReadBytes:  cfg.MaxReadBytes,
		MaxWriteBytes: cfg.MaxWriteBytes,
	}
	builtin := []tools.Tool{
		shell.New(shell.Config{
			Workspace: cfg.WorkspaceRoot,
			Allowed:   cfg.AllowedShellCommands,
			MaxOutput: cfg.MaxOutputBytes,
			Timeout:   cfg.ShellTimeout,
		}),
		files.NewReadTool(fileCfg),
		files.NewWriteTool(fileCfg),
	}
	if mem != nil {
		builtin = append(builtin, memorytools.All(mem)...)
	}
	for _, t := range builtin {
		if err := registry.Register(t); err != nil {
			return nil, err
		}
	}
	for _, name := range cfg.Disabled {
		if err := registry.SetEnabled(strings.TrimSpace(name), false); err != nil {
			return nil, errs.Wrapf(errs.ConfigParse, err, "tools.disabled")
		}
	}
	return registry, nil
}

func agentOptions(cfg *config.Config) (agent.Options, error) {
	level, err := models.ParseAutonomyLevel(cfg.Agent.AutonomyLevel)
	if err != nil {
		return agent.Options{}, errs.Wrap(errs.ConfigParse, err, "agent.autonomy_level")
	}
	identity, err := agent.LoadIdentityFile(cfg.IdentityPath())
	if err != nil {
		return agent.Options{}, fmt.Errorf("load identity: %w", err)
	}
	return agent.Options{
		MaxIterations:       cfg.Agent.MaxIterations,
		MaxTokensPerRequest: cfg.Agent.MaxTokensPerRequest,
		Autonomy:            level,
		MaxContextMessages:  cfg.Agent.MaxContextMessages,
		ContextWindowTokens: cfg.Agent.ContextWindowTokens,
		EnableSummarization: cfg.Agent.EnableSummarization,
		StreamResponses:     cfg.Agent.StreamResponses,
		TurnTimeout:         cfg.Agent.TurnTimeout,
		PromptBudget:        cfg.Agent.PromptBudget,
		Identity:            identity,
	}, nil
}

// loadConfig loads path and reports a missing file plainly.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, errs.Newf(errs.ConfigParse, "config file %s not found (set --config or NEXUS_CONFIG)", path)
	}
	return config.Load(path)
}
