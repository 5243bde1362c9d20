// Package tape records provider calls to a file and replays them, so agent
// turns can be reproduced without network access.
package tape

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/haasonsaas/nexus-core/internal/agent"
	"github.com/haasonsaas/nexus-core/internal/fsutil"
)

// Version is the current tape format.
const Version = "1"

// Tape is an ordered log of provider calls.
type Tape struct {
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"created_at"`

	// Provider names the provider the tape was recorded from.
	Provider string `json:"provider,omitempty"`

	Calls []Call `json:"calls"`
}

// Call is one recorded provider invocation.
type Call struct {
	Index  int  `json:"index"`
	Stream bool `json:"stream,omitempty"`

	Request *agent.ChatRequest `json:"request"`

	// Chunks are the streamed deltas in arrival order.
	Chunks []string `json:"chunks,omitempty"`

	Response *agent.ChatResponse `json:"response,omitempty"`

	// Error is the provider error text; Response is nil when set.
	Error string `json:"error,omitempty"`

	Duration time.Duration `json:"duration"`
}

// New creates an empty tape.
func New(provider string) *Tape {
	return &Tape{
		Version:   Version,
		CreatedAt: time.Now().Round(0),
		Provider:  provider,
		Calls:     []Call{},
	}
}

// Add appends c and assigns its index.
func (t *Tape) Add(c Call) {
	c.Index = len(t.Calls)
	t.Calls = append(t.Calls, c)
}

// Len returns the number of recorded calls.
func (t *Tape) Len() int { return len(t.Calls) }

// Clone returns a deep copy.
func (t *Tape) Clone() *Tape {
	if data, err := json.Marshal(t); err == nil {
		var deep Tape
		if json.Unmarshal(data, &deep) == nil {
			return &deep
		}
	}
	clone := *t
	clone.Calls = append([]Call(nil), t.Calls...)
	return &clone
}

// Summary is a brief overview of a tape.
type Summary struct {
	Version      string `json:"version"`
	Provider     string `json:"provider,omitempty"`
	Calls        int    `json:"calls"`
	Failed       int    `json:"failed"`
	ToolCalls    int    `json:"tool_calls"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// Summary counts the calls, failures, tool calls and tokens on the tape.
func (t *Tape) Summary() Summary {
	s := Summary{Version: t.Version, Provider: t.Provider, Calls: len(t.Calls)}
	for _, c := range t.Calls {
		if c.Error != "" || c.Response == nil {
			s.Failed++
			continue
		}
		s.ToolCalls += len(c.Response.ToolCalls)
		s.InputTokens += c.Response.InputTokens
		s.OutputTokens += c.Response.OutputTokens
	}
	return s
}

// Save writes the tape as indented JSON.
func (t *Tape) Save(path string) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("encode tape: %w", err)
	}
	return fsutil.WriteFileAtomic(path, data, 0o600)
}

// Load reads a tape written by Save.
func Load(path string) (*Tape, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var t Tape
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode tape %s: %w", path, err)
	}
	if t.Version != Version {
		return nil, fmt.Errorf("tape %s: unsupported version %q", path, t.Version)
	}
	return &t, nil
}
