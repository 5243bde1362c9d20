// Package agent drives conversations: it turns a user message into provider
// calls and tool dispatches, recording every step in the session's
// conversation tree.
//
// # Architecture Overview
//
//	┌─────────────────────────────────────────┐
//	│              Runtime                    │  Turn orchestration
//	├─────────────────────────────────────────┤
//	│  tools.Dispatcher  │  sessions.Manager  │  Tools and state
//	├─────────────────────────────────────────┤
//	│  Provider (routing.Router → adapters)   │  Model access
//	└─────────────────────────────────────────┘
//
// # Basic Usage
//
//	router := routing.NewRouter(routing.Config{DefaultProvider: "anthropic"}, providers)
//	rt := agent.NewRuntime(router, tools.NewDispatcher(registry), manager, agent.DefaultOptions())
//
//	session := manager.Create("scratch")
//	reply, err := rt.Ask(ctx, session, "what's in this directory?")
//
// # Turns
//
// A turn appends the user message at the session cursor, then alternates
// provider calls and tool dispatches until the model answers without tool
// calls or MaxIterations is reached. Tool results are appended under their
// assistant node in call order, so an interrupted turn never leaves a call
// unanswered.
package agent

import (
	"context"
	"log/slog"
	"sync"

	"github.com/haasonsaas/nexus-core/internal/errs"
	"github.com/haasonsaas/nexus-core/internal/observability"
	"github.com/haasonsaas/nexus-core/internal/sessions"
	"github.com/haasonsaas/nexus-core/internal/tools"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

// StopReason tells the caller why a turn ended.
type StopReason string

const (
	// StopNatural means the model answered without requesting tools.
	StopNatural StopReason = "natural"
	// StopIterationLimit means the turn hit MaxIterations.
	StopIterationLimit StopReason = "iteration_limit"
)

// Reply is the outcome of a completed turn.
type Reply struct {
	// Content is the text of the last assistant node.
	Content string `json:"content"`

	// Notice explains an abnormal stop, such as the iteration limit.
	Notice string `json:"notice,omitempty"`

	StopReason StopReason        `json:"stop_reason"`
	Iterations int               `json:"iterations"`
	Usage      models.TokenUsage `json:"usage"`

	// NodeID is the id of the last assistant node.
	NodeID string `json:"node_id"`
}

// Runtime runs agent turns against sessions. It is safe for concurrent use;
// each session is driven by at most one turn at a time.
type Runtime struct {
	provider   Provider
	dispatcher *tools.Dispatcher
	sessions   *sessions.Manager
	prompts    *PromptBuilder
	opts       Options
	confirm    tools.ConfirmFunc
	guard      *resultGuard

	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	mu       sync.Mutex
	autonomy models.AutonomyLevel
	inflight map[uint64]context.CancelCauseFunc
	nextTurn uint64
	closed   bool
	turns    sync.WaitGroup
}

// NewRuntime creates a runtime. provider is usually a routing.Router.
func NewRuntime(provider Provider, dispatcher *tools.Dispatcher, manager *sessions.Manager, opts Options, ropts ...RuntimeOption) *Runtime {
	opts = sanitizeOptions(opts)
	r := &Runtime{
		provider:   provider,
		dispatcher: dispatcher,
		sessions:   manager,
		prompts:    NewPromptBuilder(opts.PromptBudget),
		opts:       opts,
		logger:     slog.Default(),
		autonomy:   opts.Autonomy,
		inflight:   make(map[uint64]context.CancelCauseFunc),
	}
	for _, opt := range ropts {
		opt(r)
	}
	r.logger = r.logger.With("component", "agent")
	return r
}

// Options returns the loop options in effect.
func (r *Runtime) Options() Options { return r.opts }

// Sessions returns the session manager.
func (r *Runtime) Sessions() *sessions.Manager { return r.sessions }

// Autonomy returns the current autonomy level.
func (r *Runtime) Autonomy() models.AutonomyLevel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.autonomy
}

// SetAutonomy changes the autonomy level. Turns in flight pick up the new
// level at their next provider call.
func (r *Runtime) SetAutonomy(level models.AutonomyLevel) error {
	if level < models.AutonomyReadOnly || level > models.AutonomyFull {
		return errs.Newf(errs.InvalidArgument, "invalid autonomy level %d", int(level))
	}
	r.mu.Lock()
	r.autonomy = level
	r.mu.Unlock()
	r.logger.Info("autonomy level changed", "level", level.String())
	return nil
}

// EnableTool re-enables a disabled tool.
func (r *Runtime) EnableTool(name string) error {
	return r.dispatcher.Registry().SetEnabled(name, true)
}

// DisableTool hides a tool from the model and rejects its calls.
func (r *Runtime) DisableTool(name string) error {
	return r.dispatcher.Registry().SetEnabled(name, false)
}

// SystemPrompt renders the system prompt for s at the current autonomy level.
func (r *Runtime) SystemPrompt(s *sessions.Session) string {
	return r.systemPrompt(s, r.Autonomy())
}

func (r *Runtime) systemPrompt(s *sessions.Session, level models.AutonomyLevel) string {
	return r.prompts.Build(PromptInput{
		Identity:    r.opts.Identity,
		WorkingDir:  s.WorkingDir(),
		Autonomy:    level,
		Tools:       r.dispatcher.Registry().Specs(level),
		Preferences: s.Preferences(),
	})
}

// Health checks every provider behind the runtime.
func (r *Runtime) Health(ctx context.Context) []Health {
	if all, ok := r.provider.(interface {
		HealthAll(context.Context) []Health
	}); ok {
		return all.HealthAll(ctx)
	}
	return []Health{r.provider.HealthCheck(ctx)}
}

var errCancelAll = errs.New(errs.Cancelled, "agent: turns cancelled")

// CancelAll cancels every turn in flight and returns how many there were.
// Each returns Cancelled with its tree left consistent.
func (r *Runtime) CancelAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.inflight)
	for id, cancel := range r.inflight {
		cancel(errCancelAll)
		delete(r.inflight, id)
	}
	return n
}

// Shutdown rejects new turns, cancels the ones in flight, waits for them to
// unwind and saves every dirty session.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.CancelAll()

	done := make(chan struct{})
	go func() {
		r.turns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errs.FromContext(ctx, "agent.Shutdown")
	}
	return r.sessions.Shutdown(ctx)
}

// begin registers a turn. The returned context is cancelled by CancelAll;
// end must be called when the turn returns.
func (r *Runtime) begin(ctx context.Context) (context.Context, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, nil, errs.New(errs.InvalidState, "agent: runtime is shut down")
	}
	ctx, cancel := context.WithCancelCause(ctx)
	id := r.nextTurn
	r.nextTurn++
	r.inflight[id] = cancel
	r.turns.Add(1)
	return ctx, func() {
		r.mu.Lock()
		delete(r.inflight, id)
		r.mu.Unlock()
		cancel(nil)
		r.turns.Done()
	}, nil
}
