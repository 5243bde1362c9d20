package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/haasonsaas/nexus-core/internal/fsutil"
	"github.com/haasonsaas/nexus-core/internal/tools"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

type writeArgs struct {
	Path    string `json:"path" jsonschema:"description=Path to the file relative to the workspace root"`
	Content string `json:"content" jsonschema:"description=Full file contents to write"`
}

// WriteTool replaces file contents atomically inside the workspace.
type WriteTool struct {
	resolver Resolver
	maxBytes int
}

// NewWriteTool creates a write tool scoped to the workspace.
func NewWriteTool(cfg Config) *WriteTool {
	cfg = cfg.withDefaults()
	return &WriteTool{
		resolver: Resolver{Root: cfg.Workspace},
		maxBytes: cfg.MaxWriteBytes,
	}
}

func (t *WriteTool) Name() string { return "file_write" }

func (t *WriteTool) Description() string {
	return "Write a file in the workspace, replacing its contents. Parent directories are created."
}

func (t *WriteTool) Schema() json.RawMessage { return tools.SchemaFor[writeArgs]() }

func (t *WriteTool) Capabilities() []tools.Capability {
	return []tools.Capability{tools.CapabilityFilesystem}
}

// Permitted is SUPERVISED only: every write is confirmed by the user, also
// when the agent runs at FULL.
func (t *WriteTool) Permitted() []models.AutonomyLevel {
	return []models.AutonomyLevel{models.AutonomySupervised}
}

func (t *WriteTool) Priority() int { return 6 }

// Execute writes through a temp file and rename so readers never observe a
// partial file.
func (t *WriteTool) Execute(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
	var input writeArgs
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if len(input.Content) > t.maxBytes {
		return toolError(fmt.Sprintf("content is %d bytes, limit is %d", len(input.Content), t.maxBytes)), nil
	}

	resolved, err := t.resolver.Resolve(input.Path)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(resolved); err == nil && info.IsDir() {
		return toolError(fmt.Sprintf("%q is a directory", input.Path)), nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return toolError(fmt.Sprintf("create directory: %v", err)), nil
	}
	if err := fsutil.WriteFileAtomic(resolved, []byte(input.Content), 0o644); err != nil {
		return toolError(fmt.Sprintf("write file: %v", err)), nil
	}

	return tools.JSONResult(map[string]any{
		"path":          input.Path,
		"bytes_written": len(input.Content),
	})
}
