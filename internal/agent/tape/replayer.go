package tape

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/haasonsaas/nexus-core/internal/agent"
	"github.com/haasonsaas/nexus-core/internal/errs"
)

// ErrExhausted is returned once every recorded call has been replayed.
var ErrExhausted = errors.New("tape exhausted: no more calls to replay")

// ReplayMode controls how strictly requests are compared to the recording.
type ReplayMode int

const (
	// ReplayLoose returns recorded responses regardless of the request.
	ReplayLoose ReplayMode = iota

	// ReplayStrict records a Mismatch for every difference in model,
	// message count or last message.
	ReplayStrict
)

// Mismatch records a difference between a recorded and an actual request.
type Mismatch struct {
	Index    int    `json:"index"`
	Field    string `json:"field"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

// Replayer is a provider that answers from a tape, in order.
type Replayer struct {
	tape *Tape
	mode ReplayMode
	name string

	mu         sync.Mutex
	next       int
	mismatches []Mismatch
}

var _ agent.Provider = (*Replayer)(nil)

// NewReplayer creates a replayer over a copy of t.
func NewReplayer(t *Tape) *Replayer {
	return &Replayer{tape: t.Clone(), name: "tape"}
}

// WithMode sets the replay mode.
func (r *Replayer) WithMode(mode ReplayMode) *Replayer {
	r.mode = mode
	return r
}

// Name returns "tape".
func (r *Replayer) Name() string { return r.name }

// Chat returns the next recorded response. Recorded errors are replayed as
// ProviderUnavailable.
func (r *Replayer) Chat(ctx context.Context, req *agent.ChatRequest) (*agent.ChatResponse, error) {
	call, err := r.take(ctx, req)
	if err != nil {
		return nil, err
	}
	return replay(call)
}

// ChatStream replays the recorded deltas, or the whole content as a single
// delta when the call was recorded without streaming.
func (r *Replayer) ChatStream(ctx context.Context, req *agent.ChatRequest, onChunk func(string)) (*agent.ChatResponse, error) {
	call, err := r.take(ctx, req)
	if err != nil {
		return nil, err
	}
	chunks := call.Chunks
	if !call.Stream && call.Response != nil && call.Response.Content != "" {
		chunks = []string{call.Response.Content}
	}
	for _, delta := range chunks {
		if err := errs.FromContext(ctx, "tape.ChatStream"); err != nil {
			return nil, err
		}
		if onChunk != nil {
			onChunk(delta)
		}
	}
	return replay(call)
}

// HealthCheck reports the replayer usable while calls remain.
func (r *Replayer) HealthCheck(ctx context.Context) agent.Health {
	h := agent.Health{Provider: r.name, Reachable: true}
	if r.Remaining() == 0 {
		h.Err = errs.Wrap(errs.ProviderUnavailable, ErrExhausted, "tape")
		return h
	}
	h.Usable = true
	return h
}

// Remaining returns the number of calls not yet replayed.
func (r *Replayer) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tape.Calls) - r.next
}

// Mismatches returns the differences seen in strict mode.
func (r *Replayer) Mismatches() []Mismatch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Mismatch(nil), r.mismatches...)
}

func (r *Replayer) take(ctx context.Context, req *agent.ChatRequest) (Call, error) {
	if err := errs.FromContext(ctx, "tape.Chat"); err != nil {
		return Call{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.next >= len(r.tape.Calls) {
		return Call{}, errs.Wrap(errs.ProviderUnavailable, ErrExhausted, "tape")
	}
	call := r.tape.Calls[r.next]
	r.next++
	if r.mode == ReplayStrict && call.Request != nil && req != nil {
		r.compare(call.Index, call.Request, req)
	}
	return call, nil
}

// compare must be called with r.mu held.
func (r *Replayer) compare(index int, want, got *agent.ChatRequest) {
	add := func(field, expected, actual string) {
		r.mismatches = append(r.mismatches, Mismatch{Index: index, Field: field, Expected: expected, Actual: actual})
	}
	if want.Model != "" && want.Model != got.Model {
		add("model", want.Model, got.Model)
	}
	if len(want.Messages) != len(got.Messages) {
		add("messages", fmt.Sprint(len(want.Messages)), fmt.Sprint(len(got.Messages)))
		return
	}
	if n := len(want.Messages); n > 0 && want.Messages[n-1].Content != got.Messages[n-1].Content {
		add("last_message", want.Messages[n-1].Content, got.Messages[n-1].Content)
	}
}

func replay(call Call) (*agent.ChatResponse, error) {
	if call.Error != "" || call.Response == nil {
		return nil, errs.Newf(errs.ProviderUnavailable, "recorded failure: %s", call.Error)
	}
	resp := *call.Response
	resp.ToolCalls = append(resp.ToolCalls[:0:0], call.Response.ToolCalls...)
	return &resp, nil
}
