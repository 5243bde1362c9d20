// Package files provides the file_read and file_write tools, confined to a
// workspace root.
package files

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/haasonsaas/nexus-core/internal/tools"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

const (
	// DefaultMaxReadBytes caps a single read.
	DefaultMaxReadBytes = 200_000
	// DefaultMaxWriteBytes caps a single write.
	DefaultMaxWriteBytes = 1 << 20
)

// Config controls filesystem tool defaults.
type Config struct {
	Workspace     string
	MaxReadBytes  int
	MaxWriteBytes int
}

func (c Config) withDefaults() Config {
	if c.MaxReadBytes <= 0 {
		c.MaxReadBytes = DefaultMaxReadBytes
	}
	if c.MaxWriteBytes <= 0 {
		c.MaxWriteBytes = DefaultMaxWriteBytes
	}
	return c
}

type readArgs struct {
	Path     string `json:"path" jsonschema:"description=Path to the file relative to the workspace root"`
	Offset   int64  `json:"offset,omitempty" jsonschema:"description=Byte offset to start reading from,minimum=0"`
	MaxBytes int    `json:"max_bytes,omitempty" jsonschema:"description=Maximum bytes to read (capped by the tool limit),minimum=0"`
}

type readResult struct {
	Path      string `json:"path"`
	Content   string `json:"content"`
	Offset    int64  `json:"offset"`
	Bytes     int    `json:"bytes"`
	Size      int64  `json:"size"`
	Truncated bool   `json:"truncated"`
}

// ReadTool reads files inside the workspace.
type ReadTool struct {
	resolver   Resolver
	maxReadLen int
}

// NewReadTool creates a read tool scoped to the workspace.
func NewReadTool(cfg Config) *ReadTool {
	cfg = cfg.withDefaults()
	return &ReadTool{
		resolver:   Resolver{Root: cfg.Workspace},
		maxReadLen: cfg.MaxReadBytes,
	}
}

func (t *ReadTool) Name() string { return "file_read" }

func (t *ReadTool) Description() string {
	return "Read a file from the workspace with an optional byte offset and limit."
}

func (t *ReadTool) Schema() json.RawMessage { return tools.SchemaFor[readArgs]() }

func (t *ReadTool) Capabilities() []tools.Capability {
	return []tools.Capability{tools.CapabilityFilesystem}
}

func (t *ReadTool) Permitted() []models.AutonomyLevel {
	return []models.AutonomyLevel{models.AutonomySupervised, models.AutonomyFull}
}

func (t *ReadTool) Priority() int { return 8 }

// Execute reads a file with the size limit applied.
func (t *ReadTool) Execute(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
	var input readArgs
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if input.Offset < 0 {
		return toolError("offset must be >= 0"), nil
	}

	resolved, err := t.resolver.Resolve(input.Path)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(resolved)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return toolError(fmt.Sprintf("file %q does not exist", input.Path)), nil
		}
		return toolError(fmt.Sprintf("open file: %v", err)), nil
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return toolError(fmt.Sprintf("stat file: %v", err)), nil
	}
	if info.IsDir() {
		return toolError(fmt.Sprintf("%q is a directory", input.Path)), nil
	}

	if input.Offset > 0 {
		if _, err := file.Seek(input.Offset, io.SeekStart); err != nil {
			return toolError(fmt.Sprintf("seek file: %v", err)), nil
		}
	}

	limit := t.maxReadLen
	if input.MaxBytes > 0 && input.MaxBytes < limit {
		limit = input.MaxBytes
	}

	buf, err := io.ReadAll(io.LimitReader(file, int64(limit)))
	if err != nil {
		return toolError(fmt.Sprintf("read file: %v", err)), nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return tools.JSONResult(readResult{
		Path:      input.Path,
		Content:   string(buf),
		Offset:    input.Offset,
		Bytes:     len(buf),
		Size:      info.Size(),
		Truncated: input.Offset+int64(len(buf)) < info.Size(),
	})
}

func toolError(message string) *tools.Result {
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		return tools.ErrorResult(message)
	}
	return tools.ErrorResult(string(payload))
}
