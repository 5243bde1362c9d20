// Package memory implements the external memory store used by the memory
// tools: keyed entries in categories, keyword search, and JSON lines backup.
package memory

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus-core/internal/errs"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

// DefaultSearchLimit bounds search results when no limit is given.
const DefaultSearchLimit = 10

// ErrNotFound is returned by Recall for unknown keys.
var ErrNotFound = errs.KindError(errs.NotFound)

// Store persists memory entries keyed by a unique key.
type Store interface {
	// Store creates or replaces the entry under entry.Key. ID and Timestamp
	// are assigned when empty.
	Store(ctx context.Context, entry models.MemoryEntry) (models.MemoryEntry, error)

	// Recall returns the entry stored under key.
	Recall(ctx context.Context, key string) (models.MemoryEntry, error)

	// Search ranks entries by keyword overlap with query.
	Search(ctx context.Context, query string, opts models.MemorySearchOptions) ([]models.MemoryEntry, error)

	// Forget removes the entry under key and reports whether it existed.
	Forget(ctx context.Context, key string) (bool, error)

	// Backup writes every entry to w as JSON lines.
	Backup(ctx context.Context, w io.Writer) error

	// Restore upserts entries read from a Backup stream and returns the count.
	Restore(ctx context.Context, r io.Reader) (int, error)

	Close() error
}

func prepare(entry models.MemoryEntry) (models.MemoryEntry, error) {
	entry.Key = strings.TrimSpace(entry.Key)
	if entry.Key == "" {
		return entry, errs.New(errs.InvalidArgument, "memory key is required")
	}
	if entry.Category == "" {
		entry.Category = models.MemoryCore
	}
	if !entry.Category.Valid() {
		return entry, errs.Newf(errs.InvalidArgument, "unknown memory category %q", entry.Category)
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	entry.Score = 0
	return entry, nil
}

func notFound(key string) error {
	return errs.Newf(errs.NotFound, "memory %q not found", key)
}

// terms splits text into lower-cased words.
func terms(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// score is the fraction of query terms present in the entry, with key
// matches counting double. Zero means no overlap.
func score(query []string, entry models.MemoryEntry) float64 {
	if len(query) == 0 {
		return 0
	}
	content := make(map[string]struct{})
	for _, t := range terms(entry.Content) {
		content[t] = struct{}{}
	}
	key := make(map[string]struct{})
	for _, t := range terms(entry.Key) {
		key[t] = struct{}{}
	}
	var total float64
	for _, q := range query {
		if _, ok := key[q]; ok {
			total += 2
		} else if _, ok := content[q]; ok {
			total++
		}
	}
	return total / float64(2*len(query))
}

func matches(entry models.MemoryEntry, opts models.MemorySearchOptions) bool {
	if opts.Category != "" && entry.Category != opts.Category {
		return false
	}
	if opts.SessionID != "" && entry.SessionID != opts.SessionID {
		return false
	}
	return true
}

// rank scores candidates against query, drops non-matches and applies the limit.
func rank(query string, candidates []models.MemoryEntry, opts models.MemorySearchOptions) []models.MemoryEntry {
	q := terms(query)
	out := make([]models.MemoryEntry, 0, len(candidates))
	for _, e := range candidates {
		if !matches(e, opts) {
			continue
		}
		e.Score = score(q, e)
		if len(q) > 0 && e.Score == 0 {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func writeBackup(ctx context.Context, w io.Writer, entries []models.MemoryEntry) error {
	enc := json.NewEncoder(w)
	for _, e := range entries {
		if err := errs.FromContext(ctx, "memory.Backup"); err != nil {
			return err
		}
		e.Score = 0
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("write backup: %w", err)
		}
	}
	return nil
}

func readBackup(ctx context.Context, r io.Reader, fn func(models.MemoryEntry) error) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16<<20)
	n := 0
	for line := 1; scanner.Scan(); line++ {
		if err := errs.FromContext(ctx, "memory.Restore"); err != nil {
			return n, err
		}
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var e models.MemoryEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return n, errs.Wrapf(errs.StateParse, err, "backup line %d", line)
		}
		if err := fn(e); err != nil {
			return n, err
		}
		n++
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return n, errs.Wrap(errs.StateParse, err, "read backup")
	}
	return n, nil
}

func sortByKey(entries []models.MemoryEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
}
