package models

import "time"

// MemoryCategory groups memory entries.
type MemoryCategory string

const (
	MemoryCore         MemoryCategory = "core"
	MemoryDaily        MemoryCategory = "daily"
	MemoryConversation MemoryCategory = "conversation"
	MemoryCustom       MemoryCategory = "custom"
)

// Valid reports whether c is a known category.
func (c MemoryCategory) Valid() bool {
	switch c {
	case MemoryCore, MemoryDaily, MemoryConversation, MemoryCustom:
		return true
	}
	return false
}

// MemoryEntry is one item in the external memory store.
type MemoryEntry struct {
	ID        string         `json:"id"`
	Key       string         `json:"key"`
	Content   string         `json:"content"`
	Category  MemoryCategory `json:"category"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"session_id,omitempty"`

	// Score is the relevance of the entry to a search query. Zero outside search results.
	Score float64 `json:"score,omitempty"`
}

// MemorySearchOptions narrows a memory search.
type MemorySearchOptions struct {
	Limit     int
	Category  MemoryCategory
	SessionID string
}
