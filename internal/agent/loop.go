package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/haasonsaas/nexus-core/internal/conversation"
	"github.com/haasonsaas/nexus-core/internal/errs"
	"github.com/haasonsaas/nexus-core/internal/observability"
	"github.com/haasonsaas/nexus-core/internal/sessions"
	"github.com/haasonsaas/nexus-core/internal/tools"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

const turnOp = "agent.Turn"

const (
	resultIterationLimit = "not executed: iteration limit reached"
	resultCancelled      = "cancelled"
	resultTimedOut       = "not executed: turn timed out"
)

const summaryInstruction = "Summarize the conversation so far for your own future reference. " +
	"Keep decisions, open questions, file names and tool results that still matter. Reply with the summary only."

// Ask runs one turn for s and blocks until the model gives a final answer,
// the iteration limit is hit, or ctx ends.
func (r *Runtime) Ask(ctx context.Context, s *sessions.Session, text string) (*Reply, error) {
	return r.turn(ctx, s, text, nil, false)
}

// AskStream is Ask with streamed provider calls. onChunk receives content
// deltas in arrival order; the accumulated text of each call is what gets
// recorded in the tree.
func (r *Runtime) AskStream(ctx context.Context, s *sessions.Session, text string, onChunk func(delta string)) (*Reply, error) {
	return r.turn(ctx, s, text, onChunk, true)
}

// Respond calls AskStream when StreamResponses is set and Ask otherwise.
func (r *Runtime) Respond(ctx context.Context, s *sessions.Session, text string, onChunk func(delta string)) (*Reply, error) {
	if r.opts.StreamResponses {
		return r.AskStream(ctx, s, text, onChunk)
	}
	return r.Ask(ctx, s, text)
}

// turnState is the bookkeeping of one turn.
type turnState struct {
	session *sessions.Session
	tree    *conversation.Tree
	stream  bool
	onChunk func(string)
	reply   Reply
}

func (r *Runtime) turn(ctx context.Context, s *sessions.Session, text string, onChunk func(string), stream bool) (*Reply, error) {
	if s == nil {
		return nil, errs.New(errs.InvalidArgument, "agent: session is nil").WithOp(turnOp)
	}
	if strings.TrimSpace(text) == "" {
		return nil, errs.New(errs.InvalidArgument, "agent: message is empty").WithOp(turnOp)
	}

	ctx, end, err := r.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer end()

	release, err := r.sessions.Acquire(s)
	if err != nil {
		return nil, err
	}
	defer release()

	if r.opts.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, r.opts.TurnTimeout,
			errs.Newf(errs.Timeout, "agent: turn exceeded %s", r.opts.TurnTimeout))
		defer cancel()
	}
	ctx = observability.WithSessionID(ctx, s.ID)
	ctx, span := r.tracer.TraceTurn(ctx, s.ID, stream)
	defer span.End()

	state := &turnState{session: s, tree: s.Tree(), stream: stream, onChunk: onChunk}
	start := time.Now()
	err = r.run(ctx, state, text)
	s.Touch()

	outcome := string(state.reply.StopReason)
	if err != nil {
		kind := errs.KindOf(err).String()
		outcome = kind
		observability.RecordError(span, err)
		r.metrics.RecordError("agent", kind)
		r.logger.WarnContext(ctx, "turn failed",
			"session_id", s.ID,
			"iterations", state.reply.Iterations,
			"kind", kind,
			"error", err)
	} else {
		r.logger.InfoContext(ctx, "turn complete",
			"session_id", s.ID,
			"iterations", state.reply.Iterations,
			"stop_reason", outcome,
			"input_tokens", state.reply.Usage.InputTokens,
			"output_tokens", state.reply.Usage.OutputTokens,
			"duration", time.Since(start))
	}
	span.SetAttributes(
		attribute.Int("agent.iterations", state.reply.Iterations),
		attribute.String("agent.outcome", outcome),
	)
	r.metrics.RecordTurn(outcome, state.reply.Iterations)

	if err != nil {
		return nil, err
	}
	reply := state.reply
	return &reply, nil
}

func (r *Runtime) run(ctx context.Context, st *turnState, text string) error {
	if r.opts.EnableSummarization {
		r.summarize(ctx, st)
	}
	if err := errs.FromContext(ctx, turnOp); err != nil {
		return err
	}
	if err := appendUser(st.tree, text); err != nil {
		return err
	}

	limit := r.opts.MaxIterations
	for k := 0; k < limit; k++ {
		if err := errs.FromContext(ctx, turnOp); err != nil {
			return err
		}
		level := r.Autonomy()
		req, err := r.request(st.session, level)
		if err != nil {
			return err
		}

		resp, err := r.chat(ctx, st, req)
		if ctxErr := errs.FromContext(ctx, turnOp); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			return err
		}

		calls := normalizeCalls(resp.ToolCalls)
		node := models.NewAssistant(resp.Content, calls)
		node.Model = resp.Model
		node.InputTokens = resp.InputTokens
		node.OutputTokens = resp.OutputTokens
		assistant, err := st.tree.Append(node)
		if err != nil {
			return err
		}
		st.session.RecordUsage(resp.InputTokens, resp.OutputTokens)
		st.reply.Usage.Add(resp.InputTokens, resp.OutputTokens)
		st.reply.Iterations = k + 1
		st.reply.Content = resp.Content
		st.reply.NodeID = node.ID

		r.logger.DebugContext(ctx, "assistant step",
			"iteration", k+1,
			"model", resp.Model,
			"tool_calls", len(calls),
			"finish_reason", string(resp.FinishReason))

		if len(calls) == 0 {
			st.reply.StopReason = StopNatural
			return nil
		}
		if k == limit-1 {
			if err := answerAll(st.tree, assistant, calls, resultIterationLimit); err != nil {
				return err
			}
			st.reply.StopReason = StopIterationLimit
			st.reply.Notice = fmt.Sprintf("iteration limit reached after %d steps", limit)
			return nil
		}
		if err := r.dispatchAll(ctx, st.tree, assistant, calls, level); err != nil {
			return err
		}
	}
	return nil
}

// request builds the provider request from the path to the cursor. Unless
// the session carries its own System node, the system prompt is rebuilt for
// every request so autonomy and tool changes apply mid-session.
func (r *Runtime) request(s *sessions.Session, level models.AutonomyLevel) (*ChatRequest, error) {
	tree := s.Tree()
	cursor, ok := tree.Cursor()
	if !ok {
		return nil, errs.New(errs.InvalidState, "agent: session has no cursor")
	}
	msgs, err := tree.Linearize(cursor, conversation.LinearizeOptions{
		MaxMessages:   r.opts.MaxContextMessages,
		MaxTokens:     r.opts.ContextWindowTokens,
		DefaultSystem: r.systemPrompt(s, level),
	})
	if err != nil {
		return nil, err
	}
	return &ChatRequest{
		Provider:    s.Provider(),
		Model:       s.Model(),
		Messages:    msgs,
		Tools:       r.dispatcher.Registry().Specs(level),
		MaxTokens:   r.opts.MaxTokensPerRequest,
		Temperature: Float64(s.Temperature()),
	}, nil
}

func (r *Runtime) chat(ctx context.Context, st *turnState, req *ChatRequest) (*ChatResponse, error) {
	if !st.stream {
		return r.provider.Chat(ctx, req)
	}
	return r.provider.ChatStream(ctx, req, func(delta string) {
		if st.onChunk != nil {
			st.onChunk(delta)
		}
	})
}

// dispatchAll runs calls in order and appends one result per call under
// assistant. When ctx ends, the unfinished calls are answered with failed
// results before the context error is returned.
func (r *Runtime) dispatchAll(ctx context.Context, tree *conversation.Tree, assistant conversation.Handle, calls []models.ToolCall, level models.AutonomyLevel) error {
	for i, call := range calls {
		if ctxErr := errs.FromContext(ctx, turnOp); ctxErr != nil {
			return errors.Join(ctxErr, answerAll(tree, assistant, calls[i:], interruptedResult(ctxErr)))
		}

		result, err := r.dispatcher.Dispatch(ctx, call, level, r.confirm)
		if err != nil && ctx.Err() != nil {
			ctxErr := errs.FromContext(ctx, turnOp)
			return errors.Join(ctxErr, answerAll(tree, assistant, calls[i:], interruptedResult(ctxErr)))
		}

		content, success := toolOutcome(result, err)
		if err == nil {
			content = r.guard.apply(call.Name, content)
		}
		if _, err := tree.AppendAt(assistant, models.NewToolResult(call.ID, content, success)); err != nil {
			return err
		}
	}
	return nil
}

func toolOutcome(result *tools.Result, err error) (string, bool) {
	switch {
	case err != nil:
		return tools.FormatError(err), false
	case result == nil:
		return "", true
	case result.IsError:
		return result.Content, false
	default:
		return result.Content, true
	}
}

func interruptedResult(err error) string {
	if errs.Is(err, errs.Timeout) {
		return resultTimedOut
	}
	return resultCancelled
}

// answerAll appends a failed result with content for each call.
func answerAll(tree *conversation.Tree, assistant conversation.Handle, calls []models.ToolCall, content string) error {
	for _, call := range calls {
		if _, err := tree.AppendAt(assistant, models.NewToolResult(call.ID, content, false)); err != nil {
			return err
		}
	}
	return nil
}

// appendUser adds the user node at the cursor. A cursor on a user node, left
// there by branching from a user message, gets a sibling instead of a child.
func appendUser(tree *conversation.Tree, text string) error {
	user := models.NewUser(text)
	if cursor, ok := tree.Cursor(); ok {
		node, err := tree.Node(cursor)
		if err != nil {
			return err
		}
		if node.Kind == models.NodeUser {
			parent, hasParent, err := tree.Parent(cursor)
			if err != nil {
				return err
			}
			if hasParent {
				_, err = tree.AppendAt(parent, user)
				return err
			}
		}
	}
	_, err := tree.Append(user)
	return err
}

// normalizeCalls gives every call a unique id. Some vendors omit ids or reuse
// them across a response.
func normalizeCalls(calls []models.ToolCall) []models.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]models.ToolCall, len(calls))
	seen := make(map[string]bool, len(calls))
	for i, call := range calls {
		if call.ID == "" || seen[call.ID] {
			call.ID = "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
		}
		if len(call.Arguments) == 0 {
			call.Arguments = []byte("{}")
		}
		seen[call.ID] = true
		out[i] = call
	}
	return out
}

// summarize appends a Summary node at the cursor when the history outgrows
// the context window. Failures are logged and the turn goes on with the full
// history.
func (r *Runtime) summarize(ctx context.Context, st *turnState) {
	if r.opts.ContextWindowTokens <= 0 {
		return
	}
	cursor, ok := st.tree.Cursor()
	if !ok {
		return
	}
	node, err := st.tree.Node(cursor)
	if err != nil || node.Kind != models.NodeAssistant || node.HasToolCalls() {
		return
	}
	msgs, err := st.tree.Linearize(cursor, conversation.LinearizeOptions{})
	if err != nil || conversation.EstimateTotal(msgs) <= r.opts.ContextWindowTokens {
		return
	}

	_, history := SplitSystem(msgs)
	prompt := make([]models.Message, 0, len(history)+2)
	prompt = append(prompt, models.Message{Role: models.RoleSystem, Content: summaryInstruction})
	prompt = append(prompt, history...)
	prompt = append(prompt, models.Message{Role: models.RoleUser, Content: "Summarize the conversation so far."})

	resp, err := r.provider.Chat(ctx, &ChatRequest{
		Provider:    st.session.Provider(),
		Model:       st.session.Model(),
		Messages:    prompt,
		MaxTokens:   r.opts.MaxTokensPerRequest,
		Temperature: Float64(st.session.Temperature()),
	})
	if err != nil {
		r.logger.WarnContext(ctx, "summarization failed", "session_id", st.session.ID, "error", err)
		return
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return
	}
	summary := models.NewSummary(text)
	summary.Model = resp.Model
	summary.InputTokens = resp.InputTokens
	summary.OutputTokens = resp.OutputTokens
	if _, err := st.tree.Append(summary); err != nil {
		r.logger.WarnContext(ctx, "summary not recorded", "session_id", st.session.ID, "error", err)
		return
	}
	st.session.RecordUsage(resp.InputTokens, resp.OutputTokens)
	st.reply.Usage.Add(resp.InputTokens, resp.OutputTokens)
	r.logger.InfoContext(ctx, "history summarized",
		"session_id", st.session.ID,
		"messages", len(history),
		"estimated_tokens", conversation.EstimateTotal(msgs))
}
