package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/haasonsaas/nexus-core/internal/conversation"
	"github.com/haasonsaas/nexus-core/internal/errs"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

func withID(n models.Node, id string) models.Node {
	n.ID = id
	return n
}

// branchedTree builds user -> assistant(call) -> result -> assistant, plus a
// second user branch under the root.
func branchedTree(t *testing.T) *conversation.Tree {
	t.Helper()
	tree := conversation.New()
	mustAppend := func(n models.Node) conversation.Handle {
		h, err := tree.Append(n)
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		return h
	}
	root := mustAppend(withID(models.NewUser("list the files"), "aaaa1111-root"))
	call := models.ToolCall{ID: "call-1", Name: "shell", Arguments: []byte(`{"command":"ls"}`)}
	mustAppend(withID(models.NewAssistant("", []models.ToolCall{call}), "bbbb2222-asst"))
	mustAppend(withID(models.NewToolResult("call-1", "README.md\ngo.mod", true), "cccc3333-tool"))
	mustAppend(withID(models.NewAssistant("Two files.", nil), "aaaa4444-done"))
	if _, err := tree.AppendChild(root, withID(models.NewUser("never mind"), "dddd5555-alt")); err != nil {
		t.Fatalf("AppendChild: %v", err)
	}
	return tree
}

func TestRenderTree(t *testing.T) {
	var buf bytes.Buffer
	if err := renderTree(&buf, branchedTree(t)); err != nil {
		t.Fatalf("renderTree: %v", err)
	}
	out := buf.String()
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 5 {
		t.Fatalf("got %d lines:\n%s", len(lines), out)
	}
	for _, want := range []string{"calls shell", "(ok) README.md go.mod", "never mind"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if !strings.HasPrefix(lines[3], "*") || !strings.Contains(lines[3], "aaaa4444") {
		t.Errorf("cursor line = %q", lines[3])
	}
}

func TestRenderTreeEmpty(t *testing.T) {
	var buf bytes.Buffer
	if err := renderTree(&buf, conversation.New()); err != nil {
		t.Fatalf("renderTree: %v", err)
	}
	if !strings.Contains(buf.String(), "empty") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestResolveNode(t *testing.T) {
	tree := branchedTree(t)
	tests := []struct {
		ref    string
		wantID string
		kind   errs.Kind
	}{
		{ref: "cccc3333-tool", wantID: "cccc3333-tool"},
		{ref: "dddd", wantID: "dddd5555-alt"},
		{ref: "aaaa", kind: errs.InvalidArgument},
		{ref: "ffff", kind: errs.NotFound},
		{ref: "  ", kind: errs.InvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			h, err := resolveNode(tree, tt.ref)
			if tt.kind != "" {
				if !errs.Is(err, tt.kind) {
					t.Fatalf("err = %v, want kind %s", err, tt.kind)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolveNode: %v", err)
			}
			node, err := tree.Node(h)
			if err != nil {
				t.Fatalf("Node: %v", err)
			}
			if node.ID != tt.wantID {
				t.Errorf("resolved %s, want %s", node.ID, tt.wantID)
			}
		})
	}
}

func TestPreview(t *testing.T) {
	if got := preview("a\n  b\tc"); got != "a b c" {
		t.Errorf("preview collapses whitespace: %q", got)
	}
	long := strings.Repeat("é", previewRunes+10)
	got := preview(long)
	if len([]rune(got)) != previewRunes || !strings.HasSuffix(got, "...") {
		t.Errorf("preview(long) = %d runes", len([]rune(got)))
	}
}
