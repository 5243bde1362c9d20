package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/haasonsaas/nexus-core/internal/conversation"
	"github.com/haasonsaas/nexus-core/internal/errs"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

const (
	shortIDLen     = 8
	previewRunes   = 72
	cursorMarker   = "*"
	noCursorMarker = " "
)

// renderTree prints the tree depth-first, one node per line, marking the
// cursor. Tool results are shown under the assistant node that requested them.
func renderTree(w io.Writer, tree *conversation.Tree) error {
	root, ok := tree.Root()
	if !ok {
		_, err := fmt.Fprintln(w, "(empty conversation)")
		return err
	}
	cursor, _ := tree.Cursor()

	var walk func(h conversation.Handle, depth int) error
	walk = func(h conversation.Handle, depth int) error {
		node, err := tree.Node(h)
		if err != nil {
			return err
		}
		marker := noCursorMarker
		if h == cursor {
			marker = cursorMarker
		}
		if _, err := fmt.Fprintf(w, "%s %s%s %-11s %s\n", marker, strings.Repeat("  ", depth), shortID(node.ID), node.Kind, describe(node)); err != nil {
			return err
		}
		children, err := tree.Children(h)
		if err != nil {
			return err
		}
		for _, child := range children {
			if err := walk(child, depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(root, 0)
}

// describe renders a node's payload on one line.
func describe(n models.Node) string {
	switch n.Kind {
	case models.NodeAssistant:
		text := preview(n.Text)
		if len(n.ToolCalls) == 0 {
			return text
		}
		names := make([]string, len(n.ToolCalls))
		for i, c := range n.ToolCalls {
			names[i] = c.Name
		}
		calls := "calls " + strings.Join(names, ", ")
		if text == "" {
			return calls
		}
		return text + " [" + calls + "]"
	case models.NodeToolResult:
		status := "ok"
		if !n.Success {
			status = "failed"
		}
		return fmt.Sprintf("(%s) %s", status, preview(n.Content))
	default:
		return preview(n.Text)
	}
}

func preview(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= previewRunes {
		return s
	}
	return string(runes[:previewRunes-3]) + "..."
}

func shortID(id string) string {
	if len(id) <= shortIDLen {
		return id
	}
	return id[:shortIDLen]
}

// resolveNode finds a node by full ID or unique ID prefix.
func resolveNode(tree *conversation.Tree, ref string) (conversation.Handle, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return conversation.Handle{}, errs.New(errs.InvalidArgument, "node reference is empty")
	}
	if h, err := tree.Lookup(ref); err == nil {
		return h, nil
	}

	var matches []conversation.Handle
	root, ok := tree.Root()
	if !ok {
		return conversation.Handle{}, errs.New(errs.NotFound, "conversation is empty")
	}
	stack := []conversation.Handle{root}
	for len(stack) > 0 {
		h := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		node, err := tree.Node(h)
		if err != nil {
			return conversation.Handle{}, err
		}
		if strings.HasPrefix(node.ID, ref) {
			matches = append(matches, h)
		}
		children, err := tree.Children(h)
		if err != nil {
			return conversation.Handle{}, err
		}
		stack = append(stack, children...)
	}

	switch len(matches) {
	case 0:
		return conversation.Handle{}, errs.Newf(errs.NotFound, "no node matches %q", ref)
	case 1:
		return matches[0], nil
	default:
		return conversation.Handle{}, errs.Newf(errs.InvalidArgument, "%q matches %d nodes; use a longer prefix", ref, len(matches))
	}
}
