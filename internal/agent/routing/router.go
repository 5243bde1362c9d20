// Package routing picks a provider for each chat call and fails over to the
// configured fallbacks when a provider gives up.
package routing

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/nexus-core/internal/agent"
	"github.com/haasonsaas/nexus-core/internal/errs"
	"github.com/haasonsaas/nexus-core/internal/observability"
)

// Router selects a provider for each request and fails over on
// unrecoverable errors. Retries happen inside the adapters; the router only
// moves between providers.
//
// Precedence: model route, then the request's provider, then the default.
// Fallbacks follow in configured order, skipping providers already tried.
type Router struct {
	defaultProvider string
	providers       map[string]agent.Provider
	routes          []Route
	fallbacks       []string
	breaker         *breaker
	logger          *slog.Logger
	metrics         *observability.Metrics
	tracer          *observability.Tracer
}

var _ agent.Provider = (*Router)(nil)

// Route sends models with a given prefix to a specific provider.
type Route struct {
	// Prefix is matched case-insensitively against the requested model.
	Prefix string

	// Provider names the registered provider that serves the route.
	Provider string

	// Model replaces the requested model when set. Otherwise StripPrefix
	// decides whether the prefix is removed before the call.
	Model       string
	StripPrefix bool
}

// Config configures a Router.
type Config struct {
	DefaultProvider string
	Fallbacks       []string
	Routes          []Route

	// CircuitThreshold opens a provider's circuit after this many
	// consecutive failed calls. Zero disables the breaker.
	CircuitThreshold int
	CircuitCooldown  time.Duration

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// NewRouter creates a router over providers keyed by name.
func NewRouter(cfg Config, providers map[string]agent.Provider) *Router {
	normalized := make(map[string]agent.Provider, len(providers))
	for name, p := range providers {
		if n := normalizeID(name); n != "" && p != nil {
			normalized[n] = p
		}
	}
	fallbacks := make([]string, 0, len(cfg.Fallbacks))
	for _, name := range cfg.Fallbacks {
		if n := normalizeID(name); n != "" {
			fallbacks = append(fallbacks, n)
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		defaultProvider: normalizeID(cfg.DefaultProvider),
		providers:       normalized,
		routes:          cfg.Routes,
		fallbacks:       fallbacks,
		breaker:         newBreaker(cfg.CircuitThreshold, cfg.CircuitCooldown),
		logger:          logger.With("component", "router"),
		metrics:         cfg.Metrics,
		tracer:          cfg.Tracer,
	}
}

// Name returns the router name.
func (r *Router) Name() string {
	if r.defaultProvider == "" {
		return "router"
	}
	return "router:" + r.defaultProvider
}

// Providers returns the registered provider names, sorted.
func (r *Router) Providers() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Chat routes req and fails over until a provider succeeds or the plan is
// exhausted. The last provider's error is returned.
func (r *Router) Chat(ctx context.Context, req *agent.ChatRequest) (*agent.ChatResponse, error) {
	return r.run(ctx, req, false, func(ctx context.Context, p agent.Provider, req *agent.ChatRequest) (*agent.ChatResponse, error) {
		return p.Chat(ctx, req)
	})
}

// ChatStream is Chat for streaming calls. Once a provider has delivered a
// delta the router no longer fails over.
func (r *Router) ChatStream(ctx context.Context, req *agent.ChatRequest, onChunk func(string)) (*agent.ChatResponse, error) {
	return r.run(ctx, req, true, func(ctx context.Context, p agent.Provider, req *agent.ChatRequest) (*agent.ChatResponse, error) {
		return p.ChatStream(ctx, req, onChunk)
	})
}

type call func(ctx context.Context, p agent.Provider, req *agent.ChatRequest) (*agent.ChatResponse, error)

func (r *Router) run(ctx context.Context, req *agent.ChatRequest, stream bool, do call) (*agent.ChatResponse, error) {
	if req == nil {
		return nil, errs.New(errs.InvalidArgument, "routing: request is nil")
	}
	plan := r.plan(req)
	if len(plan) == 0 {
		return nil, errs.New(errs.InvalidState, "routing: no provider available")
	}

	ctx, span := r.tracer.Start(ctx, "router.chat", trace.SpanKindInternal,
		attribute.String("llm.route.primary", plan[0].provider),
		attribute.Int("llm.route.candidates", len(plan)),
		attribute.Bool("agent.stream", stream),
	)
	defer span.End()

	var delivered bool
	if stream {
		do = r.trackDeltas(do, &delivered)
	}

	var lastErr error
	for i, step := range plan {
		if ctxErr := errs.FromContext(ctx, "routing"); ctxErr != nil {
			observability.RecordError(span, ctxErr)
			return nil, ctxErr
		}
		if i > 0 {
			r.metrics.RecordFailover(plan[i-1].provider, step.provider)
			r.logger.WarnContext(ctx, "failing over",
				"from", plan[i-1].provider,
				"to", step.provider,
				"error", lastErr)
		}

		provider := r.providers[step.provider]
		stepReq := *req
		stepReq.Model = step.model
		resp, err := do(ctx, provider, &stepReq)
		if err == nil {
			r.breaker.success(step.provider)
			span.SetAttributes(attribute.String("llm.route.served_by", step.provider))
			return resp, nil
		}
		lastErr = err
		r.breaker.failure(step.provider)
		if !r.shouldFailover(ctx, err) || delivered {
			break
		}
	}
	observability.RecordError(span, lastErr)
	return nil, lastErr
}

// trackDeltas wraps a streaming call so the router sees whether any delta
// reached the caller.
func (r *Router) trackDeltas(do call, delivered *bool) call {
	return func(ctx context.Context, p agent.Provider, req *agent.ChatRequest) (*agent.ChatResponse, error) {
		return do(ctx, &deltaWatcher{Provider: p, delivered: delivered}, req)
	}
}

type deltaWatcher struct {
	agent.Provider
	delivered *bool
}

func (w *deltaWatcher) ChatStream(ctx context.Context, req *agent.ChatRequest, onChunk func(string)) (*agent.ChatResponse, error) {
	return w.Provider.ChatStream(ctx, req, func(delta string) {
		*w.delivered = true
		if onChunk != nil {
			onChunk(delta)
		}
	})
}

// shouldFailover reports whether another provider may succeed where this
// one failed. Malformed requests fail everywhere; cancellation and an expired
// caller deadline end the call.
func (r *Router) shouldFailover(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	switch errs.KindOf(err) {
	case errs.InvalidArgument, errs.Cancelled:
		return false
	}
	return !errs.IsContext(err)
}

type step struct {
	provider string
	model    string
}

// plan lists the providers to try, in order, each at most once.
func (r *Router) plan(req *agent.ChatRequest) []step {
	var plan []step
	seen := make(map[string]bool)
	add := func(name, model string) {
		name = normalizeID(name)
		if name == "" || seen[name] {
			return
		}
		if _, ok := r.providers[name]; !ok {
			r.logger.Warn("unknown provider in route", "provider", name)
			return
		}
		seen[name] = true
		plan = append(plan, step{provider: name, model: model})
	}

	// One primary: a matching route, else the requested provider, else the
	// default.
	switch route, ok := r.match(req.Model); {
	case ok:
		add(route.Provider, route.target(req.Model))
	case req.Provider != "":
		add(req.Provider, req.Model)
	default:
		add(r.defaultProvider, req.Model)
	}

	// Fallbacks run with their own default model; the requested one is
	// usually vendor specific.
	for _, name := range r.fallbacks {
		add(name, "")
	}
	return r.breaker.filter(plan)
}

// match returns the first route whose prefix matches model.
func (r *Router) match(model string) (Route, bool) {
	lower := strings.ToLower(strings.TrimSpace(model))
	if lower == "" {
		return Route{}, false
	}
	for _, route := range r.routes {
		prefix := strings.ToLower(strings.TrimSpace(route.Prefix))
		if prefix != "" && strings.HasPrefix(lower, prefix) {
			return route, true
		}
	}
	return Route{}, false
}

func (rt Route) target(model string) string {
	if rt.Model != "" {
		return rt.Model
	}
	if rt.StripPrefix {
		return strings.TrimSpace(model)[len(strings.TrimSpace(rt.Prefix)):]
	}
	return model
}

// HealthCheck checks the default provider.
func (r *Router) HealthCheck(ctx context.Context) agent.Health {
	name := r.defaultProvider
	if _, ok := r.providers[name]; !ok {
		names := r.Providers()
		if len(names) == 0 {
			return agent.Health{Provider: r.Name(), Err: errs.New(errs.InvalidState, "routing: no provider available")}
		}
		name = names[0]
	}
	return r.providers[name].HealthCheck(ctx)
}

// HealthAll checks every registered provider concurrently. Results are
// sorted by provider name.
func (r *Router) HealthAll(ctx context.Context) []agent.Health {
	names := r.Providers()
	results := make([]agent.Health, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, p agent.Provider) {
			defer wg.Done()
			h := p.HealthCheck(ctx)
			if h.Provider == "" {
				h.Provider = names[i]
			}
			results[i] = h
		}(i, r.providers[name])
	}
	wg.Wait()
	return results
}

func normalizeID(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
