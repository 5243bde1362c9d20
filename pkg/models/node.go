// Package models defines the core data types for the assistant runtime.
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// NodeKind discriminates the variants of a conversation node.
type NodeKind string

const (
	// NodeUser is text typed by the user.
	NodeUser NodeKind = "user"
	// NodeAssistant is a model reply, optionally carrying tool-call requests.
	NodeAssistant NodeKind = "assistant"
	// NodeToolResult is the output of one tool call.
	NodeToolResult NodeKind = "tool_result"
	// NodeSystem is the conversation-root system prompt.
	NodeSystem NodeKind = "system"
	// NodeSummary compresses the path preceding it.
	NodeSummary NodeKind = "summary"
)

// Valid reports whether k is a known node kind.
func (k NodeKind) Valid() bool {
	switch k {
	case NodeUser, NodeAssistant, NodeToolResult, NodeSystem, NodeSummary:
		return true
	}
	return false
}

// ToolCall is a structured request from the model to run a named tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Node is one message in a conversation tree.
//
// Only the fields belonging to Kind are meaningful:
//   - User, System, Summary: Text
//   - Assistant: Text, ToolCalls
//   - ToolResult: ToolCallID, Content, Success
type Node struct {
	ID        string    `json:"id"`
	Kind      NodeKind  `json:"kind"`
	Timestamp time.Time `json:"timestamp"`

	// Model identifies the model that produced an assistant node.
	Model string `json:"model,omitempty"`

	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`

	// Complete is false while a node's payload is still being produced.
	Complete bool `json:"complete"`

	Text      string     `json:"text,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	ToolCallID string `json:"tool_call_id,omitempty"`
	Content    string `json:"content,omitempty"`
	Success    bool   `json:"success,omitempty"`
}

func newNode(kind NodeKind) Node {
	return Node{
		ID:        uuid.NewString(),
		Kind:      kind,
		Timestamp: time.Now().Round(0),
		Complete:  true,
	}
}

// NewUser creates a user node.
func NewUser(text string) Node {
	n := newNode(NodeUser)
	n.Text = text
	return n
}

// NewAssistant creates an assistant node. calls may be empty.
func NewAssistant(text string, calls []ToolCall) Node {
	n := newNode(NodeAssistant)
	n.Text = text
	if len(calls) > 0 {
		n.ToolCalls = append([]ToolCall(nil), calls...)
	}
	return n
}

// NewToolResult creates a tool-result node bound to callID.
func NewToolResult(callID, content string, success bool) Node {
	n := newNode(NodeToolResult)
	n.ToolCallID = callID
	n.Content = content
	n.Success = success
	return n
}

// NewSystem creates a system prompt node.
func NewSystem(text string) Node {
	n := newNode(NodeSystem)
	n.Text = text
	return n
}

// NewSummary creates a summary node.
func NewSummary(text string) Node {
	n := newNode(NodeSummary)
	n.Text = text
	return n
}

// HasToolCalls reports whether n is an assistant node requesting tools.
func (n *Node) HasToolCalls() bool {
	return n.Kind == NodeAssistant && len(n.ToolCalls) > 0
}

// ToolCallIndex returns the position of callID in n.ToolCalls, or -1.
func (n *Node) ToolCallIndex(callID string) int {
	for i, call := range n.ToolCalls {
		if call.ID == callID {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy of n.
func (n Node) Clone() Node {
	if n.ToolCalls != nil {
		calls := make([]ToolCall, len(n.ToolCalls))
		for i, call := range n.ToolCalls {
			calls[i] = call
			if call.Arguments != nil {
				calls[i].Arguments = append(json.RawMessage(nil), call.Arguments...)
			}
		}
		n.ToolCalls = calls
	}
	return n
}
