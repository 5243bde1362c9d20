package agent

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// DefaultIdentityFilename is the workspace file the agent persona is read from.
const DefaultIdentityFilename = "IDENTITY.md"

// DefaultIdentity is used when no identity file is present.
var DefaultIdentity = Identity{
	Name: "Nexus",
	Role: "a careful software assistant",
}

// Identity is the agent persona rendered at the top of the system prompt.
type Identity struct {
	Name string
	Role string
	Vibe string
	// Notes holds free-form guidance, one entry per line.
	Notes []string
}

// identityPlaceholders are template values that carry no information.
var identityPlaceholders = map[string]bool{
	"pick something you like":                   true,
	"what do you do? who do you help?":          true,
	"how do you come across? sharp? warm? calm?": true,
}

// ParseIdentityMarkdown parses "- **Key**: value" bullets. Recognised keys are
// name, role and vibe; note bullets are collected in order. It returns nil
// when no usable value is found.
func ParseIdentityMarkdown(content string) *Identity {
	id := &Identity{}
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "*") {
			continue
		}
		line = strings.TrimSpace(strings.TrimLeft(line, "-* "))

		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(strings.Trim(strings.TrimSpace(key), "*")))
		value = normalizeValue(value)
		if isPlaceholder(value) {
			continue
		}

		switch key {
		case "name":
			id.Name = value
		case "role", "creature":
			id.Role = value
		case "vibe":
			id.Vibe = value
		case "note":
			id.Notes = append(id.Notes, value)
		}
	}
	if !id.HasValues() {
		return nil
	}
	return id
}

// LoadIdentity reads IDENTITY.md from workspace. A missing file yields
// DefaultIdentity.
func LoadIdentity(workspace string) (Identity, error) {
	return LoadIdentityFile(filepath.Join(workspace, DefaultIdentityFilename))
}

// LoadIdentityFile is LoadIdentity for an explicit path.
func LoadIdentityFile(path string) (Identity, error) {
	content, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return DefaultIdentity, nil
	}
	if err != nil {
		return Identity{}, err
	}
	id := ParseIdentityMarkdown(string(content))
	if id == nil {
		return DefaultIdentity, nil
	}
	if id.Name == "" {
		id.Name = DefaultIdentity.Name
	}
	return *id, nil
}

// HasValues reports whether any field is set.
func (i *Identity) HasValues() bool {
	if i == nil {
		return false
	}
	return i.Name != "" || i.Role != "" || i.Vibe != "" || len(i.Notes) > 0
}

// String renders the identity as prompt text.
func (i Identity) String() string {
	var b strings.Builder
	name := i.Name
	if name == "" {
		name = DefaultIdentity.Name
	}
	b.WriteString("You are ")
	b.WriteString(name)
	if i.Role != "" {
		b.WriteString(", ")
		b.WriteString(i.Role)
	}
	b.WriteString(".")
	if i.Vibe != "" {
		b.WriteString(" Tone: ")
		b.WriteString(i.Vibe)
		b.WriteString(".")
	}
	for _, note := range i.Notes {
		b.WriteString("\n")
		b.WriteString(note)
	}
	return b.String()
}

// normalizeValue trims whitespace, surrounding quotes and trailing " //"
// comments.
func normalizeValue(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			s = s[1 : len(s)-1]
		}
	}
	// Only strip // comments preceded by whitespace so URLs survive.
	if idx := strings.Index(s, " //"); idx > 0 {
		s = strings.TrimSpace(s[:idx])
	}
	return s
}

func isPlaceholder(value string) bool {
	if value == "" {
		return true
	}
	return identityPlaceholders[strings.ToLower(value)]
}
