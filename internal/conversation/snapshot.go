package conversation

import (
	"github.com/haasonsaas/nexus-core/internal/errs"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

// SnapshotNode is a node with the id of its parent.
type SnapshotNode struct {
	ParentID string `json:"parent_id,omitempty"`
	models.Node
}

// Snapshot is the serialisable form of a tree. Nodes are ordered parents
// first and siblings in insertion order, so replaying them with AppendChild
// semantics rebuilds the same tree.
type Snapshot struct {
	Nodes    []SnapshotNode `json:"nodes"`
	CursorID string         `json:"cursor_id,omitempty"`
}

// Snapshot captures the tree.
func (t *Tree) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	snap := Snapshot{Nodes: make([]SnapshotNode, 0, len(t.byID))}
	t.walk(func(idx uint32) {
		s := &t.slots[idx]
		entry := SnapshotNode{Node: s.node.Clone()}
		if s.parent >= 0 {
			entry.ParentID = t.slots[s.parent].node.ID
		}
		snap.Nodes = append(snap.Nodes, entry)
	})
	if t.cursor >= 0 {
		snap.CursorID = t.slots[t.cursor].node.ID
	}
	return snap
}

// Restore rebuilds a tree from a snapshot. Node ids, child order and the
// cursor are preserved and every node is marked complete. The restored tree
// is checked against the structural invariants.
func Restore(snap Snapshot, opts ...Option) (*Tree, error) {
	t := New(opts...)
	for i, entry := range snap.Nodes {
		node := entry.Node.Clone()
		node.Complete = true
		if node.ID == "" {
			return nil, errs.Newf(errs.StateParse, "node %d has no id", i)
		}
		if !node.Kind.Valid() {
			return nil, errs.Newf(errs.StateParse, "node %s has unknown kind %q", node.ID, node.Kind)
		}
		if _, dup := t.byID[node.ID]; dup {
			return nil, errs.Newf(errs.StateParse, "duplicate node id %s", node.ID)
		}
		if entry.ParentID == "" {
			if t.root >= 0 {
				return nil, errs.Newf(errs.StateParse, "second root %s", node.ID)
			}
			t.root = int32(t.alloc(node, -1))
			continue
		}
		pidx, ok := t.byID[entry.ParentID]
		if !ok {
			return nil, errs.Newf(errs.StateParse, "node %s precedes its parent %s", node.ID, entry.ParentID)
		}
		idx := t.alloc(node, int32(pidx))
		t.slots[pidx].children = append(t.slots[pidx].children, idx)
	}

	if t.root >= 0 {
		cursor := uint32(t.root)
		if snap.CursorID != "" {
			idx, ok := t.byID[snap.CursorID]
			if !ok {
				return nil, errs.Newf(errs.StateParse, "cursor %s not in snapshot", snap.CursorID)
			}
			cursor = idx
		}
		t.moveCursor(int32(cursor))
	}

	if err := t.Check(); err != nil {
		return nil, errs.Wrap(errs.StateParse, err, "restored conversation is inconsistent")
	}
	return t, nil
}
