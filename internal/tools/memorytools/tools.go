// Package memorytools exposes a memory.Store to the model through the
// memory_store, memory_recall and memory_forget tools.
package memorytools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/haasonsaas/nexus-core/internal/errs"
	"github.com/haasonsaas/nexus-core/internal/memory"
	"github.com/haasonsaas/nexus-core/internal/observability"
	"github.com/haasonsaas/nexus-core/internal/tools"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

var permitted = []models.AutonomyLevel{models.AutonomySupervised, models.AutonomyFull}

type storeArgs struct {
	Key      string `json:"key" jsonschema:"description=Unique key for the memory"`
	Content  string `json:"content" jsonschema:"description=What to remember"`
	Category string `json:"category,omitempty" jsonschema:"enum=core,enum=daily,enum=conversation,enum=custom,description=Memory category (default core)"`
}

type recallArgs struct {
	Key      string `json:"key,omitempty" jsonschema:"description=Exact key to recall"`
	Query    string `json:"query,omitempty" jsonschema:"description=Keywords to search for when no key is given"`
	Category string `json:"category,omitempty" jsonschema:"enum=core,enum=daily,enum=conversation,enum=custom"`
	Limit    int    `json:"limit,omitempty" jsonschema:"minimum=1,maximum=50"`
}

type forgetArgs struct {
	Key string `json:"key" jsonschema:"description=Key of the memory to remove"`
}

// All returns the three memory tools over store.
func All(store memory.Store) []tools.Tool {
	return []tools.Tool{&StoreTool{store: store}, &RecallTool{store: store}, &ForgetTool{store: store}}
}

// StoreTool saves a memory.
type StoreTool struct{ store memory.Store }

func (t *StoreTool) Name() string { return "memory_store" }
func (t *StoreTool) Description() string {
	return "Remember a fact under a key so it can be recalled in later conversations."
}
func (t *StoreTool) Schema() json.RawMessage { return tools.SchemaFor[storeArgs]() }
func (t *StoreTool) Capabilities() []tools.Capability {
	return []tools.Capability{tools.CapabilityMemory}
}
func (t *StoreTool) Permitted() []models.AutonomyLevel { return permitted }
func (t *StoreTool) Priority() int                     { return 4 }

func (t *StoreTool) Execute(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
	args := gjson.ParseBytes(params)
	entry := models.MemoryEntry{
		Key:       args.Get("key").String(),
		Content:   args.Get("content").String(),
		Category:  models.MemoryCategory(args.Get("category").String()),
		SessionID: observability.SessionID(ctx),
	}
	stored, err := t.store.Store(ctx, entry)
	if err != nil {
		if errs.Is(err, errs.InvalidArgument) {
			return tools.ErrorResult(err.Error()), nil
		}
		return nil, err
	}
	return tools.TextResult(fmt.Sprintf("Stored memory %q (%s).", stored.Key, stored.Category)), nil
}

// RecallTool recalls a memory by key or searches by keywords.
type RecallTool struct{ store memory.Store }

func (t *RecallTool) Name() string { return "memory_recall" }
func (t *RecallTool) Description() string {
	return "Recall a remembered fact by key, or search memories by keywords."
}
func (t *RecallTool) Schema() json.RawMessage { return tools.SchemaFor[recallArgs]() }
func (t *RecallTool) Capabilities() []tools.Capability {
	return []tools.Capability{tools.CapabilityMemory}
}
func (t *RecallTool) Permitted() []models.AutonomyLevel { return permitted }
func (t *RecallTool) Priority() int                     { return 5 }

func (t *RecallTool) Execute(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
	args := gjson.ParseBytes(params)
	if key := strings.TrimSpace(args.Get("key").String()); key != "" {
		entry, err := t.store.Recall(ctx, key)
		if errs.Is(err, errs.NotFound) {
			return tools.ErrorResult(fmt.Sprintf("no memory stored under %q", key)), nil
		}
		if err != nil {
			return nil, err
		}
		return tools.JSONResult(entry)
	}

	limit := int(args.Get("limit").Int())
	if limit <= 0 {
		limit = 5
	}
	entries, err := t.store.Search(ctx, args.Get("query").String(), models.MemorySearchOptions{
		Limit:    limit,
		Category: models.MemoryCategory(args.Get("category").String()),
	})
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return tools.TextResult("No matching memories."), nil
	}
	return tools.JSONResult(entries)
}

// ForgetTool removes a memory.
type ForgetTool struct{ store memory.Store }

func (t *ForgetTool) Name() string { return "memory_forget" }
func (t *ForgetTool) Description() string {
	return "Forget the memory stored under a key."
}
func (t *ForgetTool) Schema() json.RawMessage { return tools.SchemaFor[forgetArgs]() }
func (t *ForgetTool) Capabilities() []tools.Capability {
	return []tools.Capability{tools.CapabilityMemory}
}
func (t *ForgetTool) Permitted() []models.AutonomyLevel { return permitted }
func (t *ForgetTool) Priority() int                     { return 2 }

func (t *ForgetTool) Execute(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
	key := gjson.GetBytes(params, "key").String()
	existed, err := t.store.Forget(ctx, key)
	if err != nil {
		return nil, err
	}
	if !existed {
		return tools.ErrorResult(fmt.Sprintf("no memory stored under %q", key)), nil
	}
	return tools.TextResult(fmt.Sprintf("Forgot memory %q.", key)), nil
}
