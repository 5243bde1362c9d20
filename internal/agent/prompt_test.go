package agent

import (
	"strings"
	"testing"

	"github.com/haasonsaas/nexus-core/internal/tools"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

func promptFixture() PromptInput {
	return PromptInput{
		Identity:   Identity{Name: "Atlas", Role: "a build engineer"},
		WorkingDir: "/work",
		Autonomy:   models.AutonomySupervised,
		Tools: []tools.Spec{
			{Name: "shell", Description: "Run a whitelisted command in the workspace and return its output.", Priority: 10},
			{Name: "file_read", Description: "Read a file inside the workspace root, capped in size.", Priority: 5},
			{Name: "memory_recall", Description: "Recall a stored memory entry by key or search query.", Priority: 0},
		},
		Preferences: map[string]string{"tone": "terse", "language": "en", "editor": "vim"},
	}
}

func TestPromptBuilderDeterministic(t *testing.T) {
	b := NewPromptBuilder(0)
	first := b.Build(promptFixture())
	for i := 0; i < 20; i++ {
		if got := b.Build(promptFixture()); got != first {
			t.Fatalf("build %d differs:\n%s\n---\n%s", i, got, first)
		}
	}

	for _, want := range []string{
		"You are Atlas, a build engineer.",
		"Working directory: /work",
		"Autonomy level: SUPERVISED",
		"- file_read: Read a file",
	} {
		if !strings.Contains(first, want) {
			t.Errorf("prompt missing %q:\n%s", want, first)
		}
	}

	// Tools and preferences are sorted.
	if strings.Index(first, "- file_read") > strings.Index(first, "- memory_recall") ||
		strings.Index(first, "- memory_recall") > strings.Index(first, "- shell") {
		t.Errorf("tools not sorted:\n%s", first)
	}
	if strings.Index(first, "- editor") > strings.Index(first, "- language") ||
		strings.Index(first, "- language") > strings.Index(first, "- tone") {
		t.Errorf("preferences not sorted:\n%s", first)
	}
}

func TestPromptBuilderNormalizesNFC(t *testing.T) {
	in := promptFixture()
	in.Identity.Name = "Cafe\u0301"
	in.Preferences = map[string]string{"re\u0301sume\u0301": "yes"}
	got := NewPromptBuilder(0).Build(in)
	if !strings.Contains(got, "Caf\u00e9") || !strings.Contains(got, "r\u00e9sum\u00e9: yes") {
		t.Errorf("prompt not NFC normalised:\n%q", got)
	}
	if strings.Contains(got, "\u0301") {
		t.Errorf("combining mark left in prompt")
	}
}

func TestPromptBuilderCollidingPreferenceKeys(t *testing.T) {
	tests := []struct {
		name      string
		prefs     map[string]string
		key       string
		wantValue string
	}{
		{
			name:      "decomposed and composed",
			prefs:     map[string]string{"caf\u00e9": "composed", "cafe\u0301": "decomposed"},
			key:       "caf\u00e9",
			wantValue: "decomposed",
		},
		{
			name:      "three spellings",
			prefs:     map[string]string{"\u00c5": "ring", "A\u030a": "combining", "\u212b": "angstrom"},
			key:       "\u00c5",
			wantValue: "combining",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := promptFixture()
			in.Preferences = tt.prefs
			first := NewPromptBuilder(0).Build(in)
			for i := 0; i < 50; i++ {
				if got := NewPromptBuilder(0).Build(in); got != first {
					t.Fatalf("build %d differs:\n%q\nvs\n%q", i, got, first)
				}
			}
			line := "- " + tt.key + ": "
			if n := strings.Count(first, line); n != 1 {
				t.Fatalf("key %q rendered %d times:\n%s", tt.key, n, first)
			}
			if !strings.Contains(first, line+tt.wantValue) {
				t.Errorf("key %q does not carry %q:\n%s", tt.key, tt.wantValue, first)
			}
		})
	}
}

func TestPromptBuilderBudget(t *testing.T) {
	in := promptFixture()
	full := NewPromptBuilder(0).Build(in)
	fullTokens := estimateText(full)

	tests := []struct {
		name    string
		budget  int
		present []string
		absent  []string
	}{
		{
			name:    "fits",
			budget:  fullTokens,
			present: []string{"Recall a stored", "Read a file", "Run a whitelisted"},
		},
		{
			name:    "lowest priority description dropped first",
			budget:  fullTokens - 1,
			present: []string{"- memory_recall", "Read a file", "Run a whitelisted"},
			absent:  []string{"Recall a stored"},
		},
		{
			name:    "names dropped last",
			budget:  1,
			present: []string{"You are Atlas", "Autonomy level: SUPERVISED", "- tone: terse"},
			absent:  []string{"Available tools", "- shell", "Run a whitelisted"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewPromptBuilder(tt.budget).Build(in)
			for _, s := range tt.present {
				if !strings.Contains(got, s) {
					t.Errorf("missing %q:\n%s", s, got)
				}
			}
			for _, s := range tt.absent {
				if strings.Contains(got, s) {
					t.Errorf("unexpected %q:\n%s", s, got)
				}
			}
		})
	}
}

func TestAutonomyGuidance(t *testing.T) {
	for _, level := range []models.AutonomyLevel{models.AutonomyReadOnly, models.AutonomySupervised, models.AutonomyFull} {
		in := promptFixture()
		in.Autonomy = level
		got := NewPromptBuilder(0).Build(in)
		if !strings.Contains(got, autonomyGuidance(level)) {
			t.Errorf("%s: guidance missing", level)
		}
	}
}
