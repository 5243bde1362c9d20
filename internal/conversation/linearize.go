package conversation

import (
	"github.com/haasonsaas/nexus-core/pkg/models"
)

// LinearizeOptions bounds the linearised history. Zero values mean unlimited.
type LinearizeOptions struct {
	// MaxMessages caps the number of non-system messages.
	MaxMessages int
	// MaxTokens caps the estimated token count of all messages.
	MaxTokens int
	// Estimate overrides the token estimator.
	Estimate func(models.Message) int
	// DefaultSystem is emitted as the system message when the path has no
	// System node. It counts against MaxTokens.
	DefaultSystem string
}

// Linearize returns the provider-facing messages on the path from the root to
// h, root first.
//
// An assistant node with tool calls is followed by all of its tool results.
// When the path ends or diverges before every result is present, the sequence
// stops after the last complete exchange. Summary nodes are emitted as
// assistant text and stand in for everything on the path before them except
// the system prompt. At most one system message is emitted, always first.
//
// When opts bound the output, the oldest exchanges are dropped whole; an
// assistant message is never separated from its tool results and the newest
// exchange is always kept.
func (t *Tree) Linearize(h Handle, opts LinearizeOptions) ([]models.Message, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx, err := t.resolve(h)
	if err != nil {
		return nil, err
	}

	path := t.path(idx)
	var (
		system *models.Message
		groups [][]models.Message
	)

walk:
	for i := 0; i < len(path); i++ {
		n := &t.slots[path[i]].node
		switch {
		case n.Kind == models.NodeSystem:
			if system == nil && len(groups) == 0 {
				msg := models.MessageFromNode(n)
				system = &msg
			}
		case n.Kind == models.NodeSummary:
			groups = [][]models.Message{{models.MessageFromNode(n)}}
		case n.HasToolCalls():
			results := t.results(path[i])
			if len(results) < len(n.ToolCalls) {
				break walk
			}
			if i+1 < len(path) {
				next := path[i+1]
				if !containsIndex(results, next) {
					break walk
				}
				i++
			}
			group := make([]models.Message, 0, len(results)+1)
			group = append(group, models.MessageFromNode(n))
			for _, r := range results {
				group = append(group, models.MessageFromNode(&t.slots[r].node))
			}
			groups = append(groups, group)
		case n.Kind == models.NodeToolResult:
			break walk
		default:
			groups = append(groups, []models.Message{models.MessageFromNode(n)})
		}
	}

	if system == nil && opts.DefaultSystem != "" {
		system = &models.Message{Role: models.RoleSystem, Content: opts.DefaultSystem}
	}
	groups = trimGroups(system, groups, opts)

	out := make([]models.Message, 0, len(path)+1)
	if system != nil {
		out = append(out, *system)
	}
	for _, g := range groups {
		out = append(out, g...)
	}
	return out, nil
}

// results returns the answered tool results of an assistant slot, in call
// order.
func (t *Tree) results(idx uint32) []uint32 {
	n := t.answeredCalls(idx)
	return t.slots[idx].children[:n:n]
}

func containsIndex(list []uint32, idx uint32) bool {
	for _, v := range list {
		if v == idx {
			return true
		}
	}
	return false
}

func trimGroups(system *models.Message, groups [][]models.Message, opts LinearizeOptions) [][]models.Message {
	if opts.MaxMessages <= 0 && opts.MaxTokens <= 0 {
		return groups
	}
	estimate := opts.Estimate
	if estimate == nil {
		estimate = EstimateTokens
	}

	count, tokens := 0, 0
	if system != nil {
		tokens = estimate(*system)
	}
	sizes := make([]int, len(groups))
	for i, g := range groups {
		count += len(g)
		for _, m := range g {
			sizes[i] += estimate(m)
		}
		tokens += sizes[i]
	}

	start := 0
	for start < len(groups)-1 {
		overMessages := opts.MaxMessages > 0 && count > opts.MaxMessages
		overTokens := opts.MaxTokens > 0 && tokens > opts.MaxTokens
		if !overMessages && !overTokens {
			break
		}
		count -= len(groups[start])
		tokens -= sizes[start]
		start++
	}
	return groups[start:]
}

// EstimateTokens approximates the token count of a message at four bytes per
// token plus a small per-message overhead.
func EstimateTokens(m models.Message) int {
	n := len(m.Content)
	for _, call := range m.ToolCalls {
		n += len(call.Name) + len(call.Arguments)
	}
	return n/4 + 4
}

// EstimateTotal sums EstimateTokens over msgs.
func EstimateTotal(msgs []models.Message) int {
	total := 0
	for _, m := range msgs {
		total += EstimateTokens(m)
	}
	return total
}
