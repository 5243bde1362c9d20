package conversation

import (
	"github.com/haasonsaas/nexus-core/internal/errs"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

// Check verifies the structural invariants of the tree:
//   - the root is a system or user node and no other node is a system node
//   - every tool result answers a call of its assistant parent, in call order
//   - an assistant's tool results precede any other child, and a branch only
//     continues past an assistant once all of its calls are answered
//   - node ids and an assistant's tool call ids are unique
//   - timestamps never decrease along a path
//   - the cursor is reachable from the root
func (t *Tree) Check() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.root < 0 {
		if len(t.byID) != 0 {
			return errs.New(errs.InvalidState, "nodes without a root")
		}
		return nil
	}

	root := &t.slots[t.root].node
	if root.Kind != models.NodeSystem && root.Kind != models.NodeUser {
		return errs.Newf(errs.InvalidState, "root is a %s node", root.Kind)
	}

	seen := make(map[string]struct{}, len(t.byID))
	var err error
	t.walk(func(idx uint32) {
		if err != nil {
			return
		}
		err = t.checkSlot(idx, seen)
	})
	if err != nil {
		return err
	}
	if len(seen) != len(t.byID) {
		return errs.New(errs.InvalidState, "unreachable nodes in arena")
	}

	if t.cursor < 0 || !t.slots[t.cursor].live {
		return errs.New(errs.InvalidState, "cursor is not set")
	}
	if p := t.path(uint32(t.cursor)); p[0] != uint32(t.root) {
		return errs.New(errs.InvalidState, "cursor is not reachable from the root")
	}
	return nil
}

func (t *Tree) checkSlot(idx uint32, seen map[string]struct{}) error {
	s := &t.slots[idx]
	n := &s.node
	if _, dup := seen[n.ID]; dup {
		return errs.Newf(errs.InvalidState, "duplicate node id %s", n.ID)
	}
	seen[n.ID] = struct{}{}

	if s.parent >= 0 {
		parent := &t.slots[s.parent].node
		if n.Kind == models.NodeSystem {
			return errs.Newf(errs.InvalidState, "system node %s below the root", n.ID)
		}
		if n.Timestamp.Before(parent.Timestamp) {
			return errs.Newf(errs.InvalidState, "node %s is older than its parent", n.ID)
		}
		if n.Kind == models.NodeToolResult && parent.ToolCallIndex(n.ToolCallID) < 0 {
			return errs.Newf(errs.InvalidState, "tool result %s has no matching call", n.ToolCallID)
		}
	}

	if n.Kind != models.NodeAssistant {
		for _, c := range s.children {
			if t.slots[c].node.Kind == models.NodeToolResult {
				return errs.Newf(errs.InvalidState, "tool result below %s node %s", n.Kind, n.ID)
			}
		}
		if n.Kind == models.NodeToolResult && len(s.children) > 0 {
			owner := s.parent
			if t.answeredCalls(uint32(owner)) < len(t.slots[owner].node.ToolCalls) {
				return errs.Newf(errs.InvalidState, "branch continues below %s before all tool calls are answered", n.ID)
			}
		}
		return nil
	}

	ids := make(map[string]struct{}, len(n.ToolCalls))
	for _, call := range n.ToolCalls {
		if _, dup := ids[call.ID]; dup {
			return errs.Newf(errs.InvalidState, "duplicate tool call id %s on %s", call.ID, n.ID)
		}
		ids[call.ID] = struct{}{}
	}
	answered := 0
	for i, c := range s.children {
		child := &t.slots[c].node
		if child.Kind != models.NodeToolResult {
			if answered < len(n.ToolCalls) {
				return errs.Newf(errs.InvalidState, "assistant %s continues before all tool calls are answered", n.ID)
			}
			continue
		}
		if i != answered || answered >= len(n.ToolCalls) || n.ToolCalls[answered].ID != child.ToolCallID {
			return errs.Newf(errs.InvalidState, "tool result %s out of order under %s", child.ToolCallID, n.ID)
		}
		answered++
	}
	return nil
}
