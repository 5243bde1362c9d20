package agent

import (
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/haasonsaas/nexus-core/internal/tools"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

// PromptInput is everything the system prompt is built from.
type PromptInput struct {
	Identity    Identity
	WorkingDir  string
	Autonomy    models.AutonomyLevel
	Tools       []tools.Spec
	Preferences map[string]string
}

// PromptBuilder renders system prompts. Output is a pure function of the
// input and the budget.
type PromptBuilder struct {
	// Budget caps the estimated prompt size in tokens. Zero means unlimited.
	Budget int
}

// NewPromptBuilder returns a builder with the given token budget.
func NewPromptBuilder(budget int) *PromptBuilder {
	return &PromptBuilder{Budget: budget}
}

type promptTool struct {
	name     string
	desc     string
	priority int
	dropDesc bool
	dropName bool
}

// Build renders the prompt. When it exceeds the budget, tool descriptions are
// dropped lowest priority first, then tool names in the same order. Identity,
// working directory, autonomy and preferences are never dropped.
func (b *PromptBuilder) Build(in PromptInput) string {
	list := make([]*promptTool, 0, len(in.Tools))
	for _, spec := range in.Tools {
		list = append(list, &promptTool{
			name:     nfc(spec.Name),
			desc:     nfc(oneLine(spec.Description)),
			priority: spec.Priority,
		})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].name < list[j].name })

	prompt := render(in, list)
	if b == nil || b.Budget <= 0 || estimateText(prompt) <= b.Budget {
		return prompt
	}

	drop := make([]*promptTool, len(list))
	copy(drop, list)
	sort.SliceStable(drop, func(i, j int) bool {
		if drop[i].priority != drop[j].priority {
			return drop[i].priority < drop[j].priority
		}
		return drop[i].name > drop[j].name
	})

	for _, t := range drop {
		if t.desc == "" {
			continue
		}
		t.dropDesc = true
		if prompt = render(in, list); estimateText(prompt) <= b.Budget {
			return prompt
		}
	}
	for _, t := range drop {
		t.dropName = true
		if prompt = render(in, list); estimateText(prompt) <= b.Budget {
			return prompt
		}
	}
	return prompt
}

func render(in PromptInput, list []*promptTool) string {
	var b strings.Builder
	b.WriteString(nfc(in.Identity.String()))
	b.WriteString("\n\n")

	if dir := nfc(in.WorkingDir); dir != "" {
		b.WriteString("Working directory: ")
		b.WriteString(dir)
		b.WriteString("\n")
	}
	b.WriteString("Autonomy level: ")
	b.WriteString(in.Autonomy.String())
	b.WriteString("\n")
	b.WriteString(autonomyGuidance(in.Autonomy))
	b.WriteString("\n")

	header := false
	for _, t := range list {
		if t.dropName {
			continue
		}
		if !header {
			b.WriteString("\nAvailable tools:\n")
			header = true
		}
		b.WriteString("- ")
		b.WriteString(t.name)
		if t.desc != "" && !t.dropDesc {
			b.WriteString(": ")
			b.WriteString(t.desc)
		}
		b.WriteString("\n")
	}

	if len(in.Preferences) > 0 {
		// Keys that normalise alike keep the value of the lowest raw key.
		raw := make([]string, 0, len(in.Preferences))
		for k := range in.Preferences {
			raw = append(raw, k)
		}
		sort.Strings(raw)
		keys := make([]string, 0, len(raw))
		values := make(map[string]string, len(raw))
		for _, k := range raw {
			nk := nfc(k)
			if _, dup := values[nk]; dup {
				continue
			}
			keys = append(keys, nk)
			values[nk] = nfc(oneLine(in.Preferences[k]))
		}
		sort.Strings(keys)
		b.WriteString("\nUser preferences:\n")
		for _, k := range keys {
			b.WriteString("- ")
			b.WriteString(k)
			b.WriteString(": ")
			b.WriteString(values[k])
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func autonomyGuidance(level models.AutonomyLevel) string {
	switch level {
	case models.AutonomyReadOnly:
		return "Tools with side effects are unavailable. Answer from the conversation and read-only tools."
	case models.AutonomySupervised:
		return "Tools with side effects run only after the user confirms each call."
	default:
		return "Tools run without confirmation. Prefer the least destructive command that does the job."
	}
}

func nfc(s string) string { return norm.NFC.String(s) }

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// estimateText matches the four-bytes-per-token estimate used for history.
func estimateText(s string) int { return len(s) / 4 }
