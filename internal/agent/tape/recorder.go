package tape

import (
	"context"
	"sync"
	"time"

	"github.com/haasonsaas/nexus-core/internal/agent"
)

// Recorder wraps a provider and records every call it forwards.
type Recorder struct {
	provider agent.Provider

	mu   sync.Mutex
	tape *Tape
}

var _ agent.Provider = (*Recorder)(nil)

// NewRecorder creates a recorder around provider.
func NewRecorder(provider agent.Provider) *Recorder {
	return &Recorder{provider: provider, tape: New(provider.Name())}
}

// Name returns the wrapped provider's name.
func (r *Recorder) Name() string { return r.provider.Name() }

// Chat forwards the call and records its outcome.
func (r *Recorder) Chat(ctx context.Context, req *agent.ChatRequest) (*agent.ChatResponse, error) {
	start := time.Now()
	resp, err := r.provider.Chat(ctx, req)
	r.record(Call{Request: req, Response: resp}, err, start)
	return resp, err
}

// ChatStream forwards the call, recording the deltas as they pass through.
func (r *Recorder) ChatStream(ctx context.Context, req *agent.ChatRequest, onChunk func(string)) (*agent.ChatResponse, error) {
	start := time.Now()
	var chunks []string
	resp, err := r.provider.ChatStream(ctx, req, func(delta string) {
		chunks = append(chunks, delta)
		if onChunk != nil {
			onChunk(delta)
		}
	})
	r.record(Call{Stream: true, Request: req, Chunks: chunks, Response: resp}, err, start)
	return resp, err
}

// HealthCheck forwards to the wrapped provider.
func (r *Recorder) HealthCheck(ctx context.Context) agent.Health {
	return r.provider.HealthCheck(ctx)
}

func (r *Recorder) record(c Call, err error, start time.Time) {
	c.Duration = time.Since(start)
	if err != nil {
		c.Error = err.Error()
		c.Response = nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tape.Add(c)
}

// Tape returns a copy of the recording so far.
func (r *Recorder) Tape() *Tape {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tape.Clone()
}

// Save writes the recording to path.
func (r *Recorder) Save(path string) error {
	return r.Tape().Save(path)
}

// Reset discards the recording.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tape = New(r.provider.Name())
}
