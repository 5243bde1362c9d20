package tools

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/haasonsaas/nexus-core/internal/errs"
	"github.com/haasonsaas/nexus-core/internal/observability"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

// DefaultTimeout bounds a single tool execution.
const DefaultTimeout = 30 * time.Second

// ConfirmFunc asks the user whether a supervised tool call may run.
// Returning false, or an error, denies the call.
type ConfirmFunc func(ctx context.Context, call models.ToolCall) (bool, error)

// Dispatcher resolves tool calls against a Registry and runs them under the
// current autonomy level.
type Dispatcher struct {
	registry    *Registry
	timeout     time.Duration
	autoConfirm bool
	logger      *slog.Logger
	metrics     *observability.Metrics
	tracer      *observability.Tracer
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithTimeout sets the per-call execution timeout.
func WithTimeout(d time.Duration) DispatcherOption {
	return func(d2 *Dispatcher) {
		if d > 0 {
			d2.timeout = d
		}
	}
}

// WithAutoConfirm skips the confirmation step for supervised tools.
func WithAutoConfirm(auto bool) DispatcherOption {
	return func(d *Dispatcher) { d.autoConfirm = auto }
}

// WithLogger sets the dispatcher logger.
func WithLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMetrics records tool executions.
func WithMetrics(m *observability.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithTracer records a span per dispatch.
func WithTracer(t *observability.Tracer) DispatcherOption {
	return func(d *Dispatcher) { d.tracer = t }
}

// NewDispatcher creates a dispatcher over registry.
func NewDispatcher(registry *Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		timeout:  DefaultTimeout,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Registry returns the registry the dispatcher resolves against.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Timeout returns the per-call execution timeout.
func (d *Dispatcher) Timeout() time.Duration { return d.timeout }

// Dispatch runs one tool call.
//
// The call is resolved by name (NotFound), checked against the enabled flag
// and the autonomy level (ToolNotAllowed), confirmed when it runs with
// supervised semantics and auto-confirm is off (Cancelled on denial), and its
// arguments validated (InvalidArgument). Execution is bounded by the
// dispatcher timeout (ToolTimeout); a panic or an error returned by the tool
// yields ToolExecutionFailed. Cancelling ctx yields Cancelled.
//
// A nil error with Result.IsError set is a failure the tool reported itself.
func (d *Dispatcher) Dispatch(ctx context.Context, call models.ToolCall, level models.AutonomyLevel, confirm ConfirmFunc) (*Result, error) {
	ctx, span := d.tracer.TraceToolExecution(ctx, call.Name, call.ID)
	defer span.End()

	start := time.Now()
	result, err := d.dispatch(ctx, call, level, confirm)

	status := "success"
	switch {
	case err != nil:
		status = errs.KindOf(err).String()
		observability.RecordError(span, err)
	case result.IsError:
		status = "error"
		span.SetAttributes(attribute.Bool("tool.is_error", true))
	}
	d.metrics.RecordToolExecution(call.Name, status, time.Since(start).Seconds())
	if err != nil {
		d.metrics.RecordError("tools", errs.KindOf(err).String())
		d.logger.DebugContext(ctx, "tool dispatch failed",
			"tool", call.Name,
			"tool_call_id", call.ID,
			"kind", errs.KindOf(err).String(),
			"error", err)
	}
	return result, err
}

func (d *Dispatcher) dispatch(ctx context.Context, call models.ToolCall, level models.AutonomyLevel, confirm ConfirmFunc) (*Result, error) {
	const op = "tools.Dispatch"
	if err := errs.FromContext(ctx, op); err != nil {
		return nil, err
	}

	e, ok := d.registry.lookup(call.Name)
	if !ok {
		return nil, errs.Newf(errs.NotFound, "unknown tool %q", call.Name).WithOp(op)
	}
	if !e.enabled {
		return nil, errs.Newf(errs.ToolNotAllowed, "tool %q is disabled", call.Name).WithOp(op)
	}
	effective, ok := EffectiveLevel(e.tool, level)
	if !ok {
		return nil, errs.Newf(errs.ToolNotAllowed, "tool %q is not permitted at autonomy level %s", call.Name, level).WithOp(op)
	}

	if effective == models.AutonomySupervised && !d.autoConfirm {
		if confirm == nil {
			return nil, errs.Newf(errs.Cancelled, "tool %q requires confirmation and no confirmation handler is set", call.Name).WithOp(op)
		}
		approved, err := confirm(ctx, call)
		if err != nil {
			if ctxErr := errs.FromContext(ctx, op); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, errs.Wrapf(errs.Cancelled, err, "confirmation of tool %q failed", call.Name)
		}
		if !approved {
			return nil, errs.Newf(errs.Cancelled, "user denied tool %q", call.Name).WithOp(op)
		}
	}

	if err := validateArguments(e.schema, call.Arguments); err != nil {
		return nil, errs.Wrapf(errs.InvalidArgument, err, "tool %q", call.Name)
	}

	return d.execute(ctx, e.tool, call)
}

// execute runs the tool on its own goroutine so a tool that ignores its
// context cannot hold the turn past the timeout.
func (d *Dispatcher) execute(ctx context.Context, tool Tool, call models.ToolCall) (*Result, error) {
	type execResult struct {
		result *Result
		err    error
	}

	toolCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	done := make(chan execResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("tool panicked",
					"tool", call.Name,
					"tool_call_id", call.ID,
					"panic", r,
					"stack", string(debug.Stack()))
				done <- execResult{err: errs.Newf(errs.ToolExecutionFailed, "tool %q panicked: %v", call.Name, r)}
			}
		}()
		result, err := tool.Execute(toolCtx, call.Arguments)
		done <- execResult{result: result, err: err}
	}()

	timedOut := func() error {
		if err := errs.FromContext(ctx, "tools.Dispatch"); err != nil {
			return err
		}
		return errs.Newf(errs.ToolTimeout, "tool %q timed out after %v", call.Name, d.timeout)
	}

	select {
	case <-toolCtx.Done():
		d.logger.Warn("tool execution interrupted, result will be discarded",
			"tool", call.Name,
			"tool_call_id", call.ID,
			"timeout", d.timeout)
		return nil, timedOut()
	case res := <-done:
		if res.err != nil {
			if toolCtx.Err() != nil && errs.IsContext(res.err) {
				return nil, timedOut()
			}
			if errs.KindOf(res.err) != errs.Unknown {
				return nil, res.err
			}
			return nil, errs.Wrapf(errs.ToolExecutionFailed, res.err, "tool %q failed", call.Name)
		}
		if res.result == nil {
			return TextResult(""), nil
		}
		return res.result, nil
	}
}

// FormatError renders a dispatch error as tool-result content.
func FormatError(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("error (%s): %v", errs.KindOf(err), err)
}
