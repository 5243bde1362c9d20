// Package providers contains the vendor chat adapters. Each adapter turns an
// agent.ChatRequest into one vendor call, classifies failures as
// ProviderError and retries retryable failures in-call through BaseProvider.
package providers

import (
	"context"
	"log/slog"
	"time"

	"github.com/haasonsaas/nexus-core/internal/agent"
	"github.com/haasonsaas/nexus-core/internal/backoff"
	"github.com/haasonsaas/nexus-core/internal/errs"
	"github.com/haasonsaas/nexus-core/internal/observability"
)

// Defaults for the in-call retry loop.
const (
	DefaultRetries   = 2
	DefaultBackoffMs = 500
)

// Settings are the options shared by every adapter.
type Settings struct {
	// Retries is the number of retries after the first attempt. Negative
	// values disable retries.
	Retries int

	// BackoffMs is the delay before the first retry; it doubles per retry.
	BackoffMs int

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// DefaultSettings returns two retries starting at 500ms.
func DefaultSettings() Settings {
	return Settings{Retries: DefaultRetries, BackoffMs: DefaultBackoffMs}
}

// BaseProvider holds the retry schedule and instrumentation shared by the
// adapters.
type BaseProvider struct {
	name    string
	retries int
	policy  backoff.Policy
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

// NewBaseProvider creates a base provider for the named adapter.
func NewBaseProvider(name string, s Settings) BaseProvider {
	retries := s.Retries
	if retries < 0 {
		retries = 0
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return BaseProvider{
		name:    name,
		retries: retries,
		policy:  backoff.ProviderPolicy(s.BackoffMs),
		logger:  logger.With("provider", name),
		metrics: s.Metrics,
		tracer:  s.Tracer,
	}
}

// Retries returns the configured number of retries.
func (b *BaseProvider) Retries() int { return b.retries }

// Retry runs op up to Retries()+1 times while it fails with a retryable
// error. Each attempt gets its own span and request metric. Errors are
// classified; when ctx ends the context kind is returned.
func (b *BaseProvider) Retry(ctx context.Context, model string, op func(ctx context.Context) (*agent.ChatResponse, error)) (*agent.ChatResponse, error) {
	return b.retry(ctx, model, errs.Retryable, op)
}

// RetryStream is Retry for streaming calls. op receives an emit function that
// forwards deltas to onChunk; once a delta has been delivered the call is no
// longer retried, so the caller never sees a delta twice.
func (b *BaseProvider) RetryStream(
	ctx context.Context,
	model string,
	onChunk func(string),
	op func(ctx context.Context, emit func(string)) (*agent.ChatResponse, error),
) (*agent.ChatResponse, error) {
	started := false
	emit := func(delta string) {
		if delta == "" {
			return
		}
		started = true
		if onChunk != nil {
			onChunk(delta)
		}
	}
	retryable := func(err error) bool {
		return !started && errs.Retryable(err)
	}
	return b.retry(ctx, model, retryable, func(ctx context.Context) (*agent.ChatResponse, error) {
		return op(ctx, emit)
	})
}

func (b *BaseProvider) retry(
	ctx context.Context,
	model string,
	retryable func(error) bool,
	op func(ctx context.Context) (*agent.ChatResponse, error),
) (*agent.ChatResponse, error) {
	var resp *agent.ChatResponse
	attempts, err := backoff.Retry(ctx, b.policy, b.retries, retryable, func(attempt int) error {
		attemptCtx, span := b.tracer.TraceProviderCall(ctx, b.name, model, attempt)
		defer span.End()

		start := time.Now()
		r, callErr := op(attemptCtx)
		elapsed := time.Since(start).Seconds()
		if callErr != nil {
			callErr = b.classify(ctx, model, callErr)
			observability.RecordError(span, callErr)
			b.metrics.RecordProviderRequest(b.name, model, "error", elapsed, 0, 0)
			if attempt <= b.retries && retryable(callErr) {
				kind := errs.KindOf(callErr).String()
				b.metrics.RecordProviderRetry(b.name, kind)
				b.logger.WarnContext(ctx, "provider call failed, retrying",
					"model", model,
					"attempt", attempt,
					"kind", kind,
					"error", callErr)
			}
			return callErr
		}
		if r.Provider == "" {
			r.Provider = b.name
		}
		if r.Model == "" {
			r.Model = model
		}
		b.metrics.RecordProviderRequest(b.name, r.Model, "success", elapsed, r.InputTokens, r.OutputTokens)
		resp = r
		return nil
	})
	if err != nil {
		b.metrics.RecordError("provider", errs.KindOf(err).String())
		b.logger.DebugContext(ctx, "provider call failed",
			"model", model,
			"attempts", attempts,
			"kind", errs.KindOf(err).String(),
			"error", err)
		return nil, err
	}
	return resp, nil
}

// classify normalises err. When the caller's context has ended the context
// kind wins over whatever the transport reported.
func (b *BaseProvider) classify(ctx context.Context, model string, err error) error {
	if ctxErr := errs.FromContext(ctx, b.name); ctxErr != nil {
		return ctxErr
	}
	if IsProviderError(err) {
		return err
	}
	return NewProviderError(b.name, model, err)
}

// Health times check and interprets its error. A provider that answered with
// any HTTP status is reachable; only a clean check is usable.
func (b *BaseProvider) Health(ctx context.Context, check func(ctx context.Context) error) agent.Health {
	start := time.Now()
	err := check(ctx)
	h := agent.Health{
		Provider: b.name,
		Latency:  time.Since(start),
	}
	if err == nil {
		h.Reachable, h.Usable = true, true
		return h
	}
	err = b.classify(ctx, "", err)
	h.Err = err
	h.Reachable = errs.StatusOf(err) != 0 || errs.Is(err, errs.ProviderAuth)
	return h
}
