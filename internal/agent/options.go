package agent

import (
	"log/slog"
	"time"

	"github.com/haasonsaas/nexus-core/internal/observability"
	"github.com/haasonsaas/nexus-core/internal/tools"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

// Options configures the agent loop.
type Options struct {
	// MaxIterations caps provider calls per turn.
	// Default: 10
	MaxIterations int

	// MaxTokensPerRequest is passed to the provider as the response cap.
	// Default: 4096
	MaxTokensPerRequest int

	// Autonomy is the initial autonomy level.
	// Default: SUPERVISED
	Autonomy models.AutonomyLevel

	// MaxContextMessages caps the linearised history (0 = unlimited).
	MaxContextMessages int

	// ContextWindowTokens caps the estimated size of the linearised history
	// (0 = unlimited).
	ContextWindowTokens int

	// EnableSummarization lets the runtime compress history into a Summary
	// node when it outgrows ContextWindowTokens.
	EnableSummarization bool

	// StreamResponses makes Respond stream by default.
	StreamResponses bool

	// TurnTimeout bounds one turn's wall-clock time (0 = no limit).
	// Default: 10m
	TurnTimeout time.Duration

	// PromptBudget caps the system prompt in tokens (0 = unlimited).
	PromptBudget int

	// Identity is the persona rendered at the top of the system prompt.
	Identity Identity
}

// DefaultOptions returns the baseline loop options.
func DefaultOptions() Options {
	return Options{
		MaxIterations:       10,
		MaxTokensPerRequest: 4096,
		Autonomy:            models.AutonomySupervised,
		TurnTimeout:         10 * time.Minute,
		Identity:            DefaultIdentity,
	}
}

func sanitizeOptions(opts Options) Options {
	defaults := DefaultOptions()
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = defaults.MaxIterations
	}
	if opts.MaxTokensPerRequest <= 0 {
		opts.MaxTokensPerRequest = defaults.MaxTokensPerRequest
	}
	if opts.MaxContextMessages < 0 {
		opts.MaxContextMessages = 0
	}
	if opts.ContextWindowTokens < 0 {
		opts.ContextWindowTokens = 0
	}
	if opts.TurnTimeout < 0 {
		opts.TurnTimeout = 0
	}
	if !opts.Identity.HasValues() {
		opts.Identity = defaults.Identity
	}
	return opts
}

// RuntimeOption customises a Runtime.
type RuntimeOption func(*Runtime)

// WithLogger sets the runtime logger.
func WithLogger(logger *slog.Logger) RuntimeOption {
	return func(r *Runtime) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics records turn metrics.
func WithMetrics(m *observability.Metrics) RuntimeOption {
	return func(r *Runtime) { r.metrics = m }
}

// WithTracer records a span per turn.
func WithTracer(t *observability.Tracer) RuntimeOption {
	return func(r *Runtime) { r.tracer = t }
}

// WithResultGuard redacts or truncates tool output before it is stored.
func WithResultGuard(g ResultGuard) RuntimeOption {
	return func(r *Runtime) { r.guard = compileGuard(g) }
}

// WithConfirm sets the handler asked before a supervised tool runs.
func WithConfirm(confirm tools.ConfirmFunc) RuntimeOption {
	return func(r *Runtime) { r.confirm = confirm }
}
