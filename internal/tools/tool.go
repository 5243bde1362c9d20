// Package tools defines the tool contract, the process-wide tool registry and
// the dispatcher that gates tool execution by autonomy level.
package tools

import (
	"context"
	"encoding/json"
	"slices"

	"github.com/haasonsaas/nexus-core/pkg/models"
)

// Capability names a class of side effect a tool may have.
type Capability string

const (
	CapabilityMemory     Capability = "memory"
	CapabilityFilesystem Capability = "filesystem"
	CapabilityShell      Capability = "shell"
	CapabilityNetwork    Capability = "network"
)

// Result is the outcome of a tool execution. IsError marks a failure the tool
// reported itself, such as a rejected command.
type Result struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// Tool is a capability the model can invoke.
type Tool interface {
	// Name is the unique, case-sensitive tool name used in function calls.
	Name() string

	// Description tells the model when to use the tool.
	Description() string

	// Schema is the JSON schema of the arguments object.
	Schema() json.RawMessage

	// Capabilities lists the side effects of the tool.
	Capabilities() []Capability

	// Permitted lists the autonomy levels at which the tool may run.
	Permitted() []models.AutonomyLevel

	// Execute runs the tool. Arguments have already been validated against
	// Schema. A returned error is reported to the model as a failed result.
	Execute(ctx context.Context, params json.RawMessage) (*Result, error)
}

// Prioritized is implemented by tools that rank their description in the
// system prompt. Higher priorities are kept longest when the prompt is over
// budget. Tools without a priority rank 0.
type Prioritized interface {
	Priority() int
}

// PriorityOf returns the priority of t.
func PriorityOf(t Tool) int {
	if p, ok := t.(Prioritized); ok {
		return p.Priority()
	}
	return 0
}

// EffectiveLevel returns the highest level t is permitted at that does not
// exceed level. A tool permitted only at SUPERVISED runs with supervised
// semantics when the agent is at FULL.
func EffectiveLevel(t Tool, level models.AutonomyLevel) (models.AutonomyLevel, bool) {
	best, ok := models.AutonomyLevel(-1), false
	for _, p := range t.Permitted() {
		if p <= level && p > best {
			best, ok = p, true
		}
	}
	return best, ok
}

// Spec is the provider-facing description of a tool.
type Spec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
	Priority    int             `json:"priority,omitempty"`
}

// SpecOf builds the spec of t.
func SpecOf(t Tool) Spec {
	return Spec{
		Name:        t.Name(),
		Description: t.Description(),
		Schema:      t.Schema(),
		Priority:    PriorityOf(t),
	}
}

// HasCapability reports whether t declares c.
func HasCapability(t Tool, c Capability) bool {
	return slices.Contains(t.Capabilities(), c)
}

// ErrorResult is a failed result with the given message.
func ErrorResult(message string) *Result {
	return &Result{Content: message, IsError: true}
}

// TextResult is a successful result.
func TextResult(content string) *Result {
	return &Result{Content: content}
}

// JSONResult marshals v into a successful result.
func JSONResult(v any) (*Result, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &Result{Content: string(data)}, nil
}
