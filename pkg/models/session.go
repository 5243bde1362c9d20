package models

import "time"

// TokenUsage aggregates token counts reported by providers.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates counts from another usage.
func (u *TokenUsage) Add(input, output int) {
	u.InputTokens += input
	u.OutputTokens += output
}

// Total returns input plus output tokens.
func (u TokenUsage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// SessionInfo summarises a stored session for listings.
type SessionInfo struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Provider   string    `json:"provider,omitempty"`
	Model      string    `json:"model,omitempty"`
	NodeCount  int       `json:"node_count"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}
