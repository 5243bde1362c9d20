package agent

import (
	"path"
	"regexp"
	"strings"

	"github.com/haasonsaas/nexus-core/internal/observability"
)

// ResultGuard rewrites tool output before it is stored in the conversation.
type ResultGuard struct {
	// MaxChars truncates longer results (0 = unlimited).
	MaxChars int

	// Denylist holds tool name globs whose output is replaced entirely.
	Denylist []string

	// SanitizeSecrets applies observability.DefaultRedactPatterns.
	SanitizeSecrets bool

	// RedactPatterns are extra regular expressions to redact.
	RedactPatterns []string

	// RedactionText replaces redacted content. Default: "[redacted]"
	RedactionText string
}

type resultGuard struct {
	maxChars  int
	denylist  []string
	redacts   []*regexp.Regexp
	redaction string
}

const truncateSuffix = "...[truncated]"

func compileGuard(g ResultGuard) *resultGuard {
	out := &resultGuard{
		maxChars:  g.MaxChars,
		redaction: strings.TrimSpace(g.RedactionText),
	}
	if out.redaction == "" {
		out.redaction = "[redacted]"
	}
	for _, p := range g.Denylist {
		if p = strings.TrimSpace(p); p != "" {
			out.denylist = append(out.denylist, p)
		}
	}
	patterns := append([]string(nil), g.RedactPatterns...)
	if g.SanitizeSecrets {
		patterns = append(patterns, observability.DefaultRedactPatterns...)
	}
	for _, p := range patterns {
		if p = strings.TrimSpace(p); p == "" {
			continue
		}
		if re, err := regexp.Compile(p); err == nil {
			out.redacts = append(out.redacts, re)
		}
	}
	if out.maxChars <= 0 && len(out.denylist) == 0 && len(out.redacts) == 0 {
		return nil
	}
	return out
}

// apply is nil-safe.
func (g *resultGuard) apply(tool, content string) string {
	if g == nil || content == "" {
		return content
	}
	for _, pattern := range g.denylist {
		if ok, _ := path.Match(pattern, tool); ok {
			return g.redaction
		}
	}
	for _, re := range g.redacts {
		content = re.ReplaceAllString(content, g.redaction)
	}
	if g.maxChars > 0 && len(content) > g.maxChars {
		content = content[:g.maxChars] + truncateSuffix
	}
	return content
}
