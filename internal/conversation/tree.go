// Package conversation implements the branchable conversation tree.
//
// Nodes live in an arena owned by the Tree. Callers reference nodes through
// generational Handles; a handle from another tree, or one whose node was
// pruned, is rejected with an InvalidState error. The tree tracks a cursor
// (the node the next reply descends from) and a bounded navigation history.
//
// A Tree is safe for concurrent readers while a single goroutine drives it.
package conversation

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus-core/internal/errs"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

// DefaultHistorySize is the navigation history capacity.
const DefaultHistorySize = 128

var treeSeq atomic.Uint64

// Handle references a node inside one Tree.
type Handle struct {
	tree  uint64
	index uint32
	gen   uint32
}

// IsZero reports whether h is the zero handle.
func (h Handle) IsZero() bool { return h.tree == 0 }

type slot struct {
	node     models.Node
	parent   int32
	children []uint32
	gen      uint32
	live     bool
}

// Tree is an arena of conversation nodes with a cursor.
type Tree struct {
	mu      sync.RWMutex
	id      uint64
	slots   []slot
	free    []uint32
	byID    map[string]uint32
	root    int32
	cursor  int32
	history *history
}

// Option configures a Tree.
type Option func(*Tree)

// WithHistorySize sets the navigation history capacity.
func WithHistorySize(n int) Option {
	return func(t *Tree) {
		if n > 0 {
			t.history = newHistory(n)
		}
	}
}

// New returns an empty tree. The first appended node becomes the root.
func New(opts ...Option) *Tree {
	t := &Tree{
		id:      treeSeq.Add(1),
		byID:    make(map[string]uint32),
		root:    -1,
		cursor:  -1,
		history: newHistory(DefaultHistorySize),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Len returns the number of live nodes.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}

// Empty reports whether the tree has no root yet.
func (t *Tree) Empty() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.root < 0
}

// Root returns the root handle. ok is false for an empty tree.
func (t *Tree) Root() (Handle, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.root < 0 {
		return Handle{}, false
	}
	return t.handle(uint32(t.root)), true
}

// Cursor returns the current cursor. ok is false for an empty tree.
func (t *Tree) Cursor() (Handle, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.cursor < 0 {
		return Handle{}, false
	}
	return t.handle(uint32(t.cursor)), true
}

// Node returns a copy of the node at h.
func (t *Tree) Node(h Handle) (models.Node, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx, err := t.resolve(h)
	if err != nil {
		return models.Node{}, err
	}
	return t.slots[idx].node.Clone(), nil
}

// Lookup returns the handle of the node with the given id.
func (t *Tree) Lookup(id string) (Handle, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx, ok := t.byID[id]
	if !ok {
		return Handle{}, errs.Newf(errs.NotFound, "node %s not in conversation", id)
	}
	return t.handle(idx), nil
}

// Parent returns the parent of h. ok is false for the root.
func (t *Tree) Parent(h Handle) (parent Handle, ok bool, err error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx, err := t.resolve(h)
	if err != nil {
		return Handle{}, false, err
	}
	p := t.slots[idx].parent
	if p < 0 {
		return Handle{}, false, nil
	}
	return t.handle(uint32(p)), true, nil
}

// Children returns the children of h in insertion order.
func (t *Tree) Children(h Handle) ([]Handle, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx, err := t.resolve(h)
	if err != nil {
		return nil, err
	}
	out := make([]Handle, len(t.slots[idx].children))
	for i, c := range t.slots[idx].children {
		out[i] = t.handle(c)
	}
	return out, nil
}

// Siblings returns every child of h's parent, including h itself.
func (t *Tree) Siblings(h Handle) ([]Handle, error) {
	parent, ok, err := t.Parent(h)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []Handle{h}, nil
	}
	return t.Children(parent)
}

// Path returns the handles from the root to h inclusive, root first.
func (t *Tree) Path(h Handle) ([]Handle, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx, err := t.resolve(h)
	if err != nil {
		return nil, err
	}
	path := t.path(idx)
	out := make([]Handle, len(path))
	for i, p := range path {
		out[i] = t.handle(p)
	}
	return out, nil
}

// Leaves returns every node without children, in depth-first order.
func (t *Tree) Leaves() []Handle {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Handle
	t.walk(func(idx uint32) {
		if len(t.slots[idx].children) == 0 {
			out = append(out, t.handle(idx))
		}
	})
	return out
}

// AppendChild attaches node as the last child of parent and returns its
// handle. The cursor is left unchanged. On an empty tree parent must be the
// zero Handle and node becomes the root and the initial cursor; the root must
// be a System or User node.
//
// Appending fails with InvalidState when a ToolResult does not answer the next
// open call of its Assistant parent, or when a non-result node would continue
// a branch whose tool calls are not all answered.
func (t *Tree) AppendChild(parent Handle, node models.Node) (Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx, err := t.appendChild(parent, node)
	if err != nil {
		return Handle{}, err
	}
	return t.handle(idx), nil
}

// Append attaches node as a child of the cursor (or as the root of an empty
// tree) and advances the cursor to it.
func (t *Tree) Append(node models.Node) (Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var parent Handle
	if t.cursor >= 0 {
		parent = t.handle(uint32(t.cursor))
	}
	idx, err := t.appendChild(parent, node)
	if err != nil {
		return Handle{}, err
	}
	t.moveCursor(int32(idx))
	return t.handle(idx), nil
}

// AppendAt attaches node under parent and advances the cursor to it.
func (t *Tree) AppendAt(parent Handle, node models.Node) (Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx, err := t.appendChild(parent, node)
	if err != nil {
		return Handle{}, err
	}
	t.moveCursor(int32(idx))
	return t.handle(idx), nil
}

// AnswerOpenCalls appends a failed result with content for each unanswered
// tool call on the cursor's branch, moving the cursor to the last one. It
// returns the number of results added.
func (t *Tree) AnswerOpenCalls(content string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cursor < 0 {
		return 0, nil
	}
	owner := uint32(t.cursor)
	if t.slots[owner].node.Kind == models.NodeToolResult {
		owner = uint32(t.slots[owner].parent)
	}
	calls := t.slots[owner].node.ToolCalls
	added := 0
	for i := t.answeredCalls(owner); i < len(calls); i++ {
		idx, err := t.appendChild(t.handle(owner), models.NewToolResult(calls[i].ID, content, false))
		if err != nil {
			return added, err
		}
		t.moveCursor(int32(idx))
		added++
	}
	return added, nil
}

// Prune removes the subtree rooted at h. The root, ancestors of the cursor and
// tool results cannot be pruned. Handles into the removed subtree become stale.
func (t *Tree) Prune(h Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx, err := t.resolve(h)
	if err != nil {
		return err
	}
	if int32(idx) == t.root {
		return errs.New(errs.InvalidState, "cannot prune the root")
	}
	if t.slots[idx].node.Kind == models.NodeToolResult {
		return errs.New(errs.InvalidState, "cannot prune a tool result; prune its assistant node")
	}
	if t.cursor >= 0 {
		for _, p := range t.path(uint32(t.cursor)) {
			if p == idx {
				return errs.New(errs.InvalidState, "cannot prune an ancestor of the cursor")
			}
		}
	}

	parent := t.slots[idx].parent
	siblings := t.slots[parent].children
	for i, c := range siblings {
		if c == idx {
			t.slots[parent].children = append(siblings[:i:i], siblings[i+1:]...)
			break
		}
	}

	stack := []uint32{idx}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		stack = append(stack, t.slots[cur].children...)
		delete(t.byID, t.slots[cur].node.ID)
		t.slots[cur] = slot{gen: t.slots[cur].gen + 1, parent: -1}
		t.free = append(t.free, cur)
	}
	return nil
}

func (t *Tree) appendChild(parent Handle, node models.Node) (uint32, error) {
	if !node.Kind.Valid() {
		return 0, errs.Newf(errs.InvalidArgument, "unknown node kind %q", node.Kind)
	}
	if node.ID == "" {
		node.ID = uuid.NewString()
	}
	if _, dup := t.byID[node.ID]; dup {
		return 0, errs.Newf(errs.AlreadyExists, "node id %s already in conversation", node.ID)
	}
	if node.Kind == models.NodeAssistant {
		seen := make(map[string]struct{}, len(node.ToolCalls))
		for _, call := range node.ToolCalls {
			if call.ID == "" {
				return 0, errs.New(errs.InvalidArgument, "tool call without id")
			}
			if _, dup := seen[call.ID]; dup {
				return 0, errs.Newf(errs.InvalidArgument, "duplicate tool call id %s", call.ID)
			}
			seen[call.ID] = struct{}{}
		}
	}

	if t.root < 0 {
		if !parent.IsZero() {
			return 0, errs.New(errs.InvalidState, "parent handle given for an empty conversation")
		}
		if node.Kind != models.NodeSystem && node.Kind != models.NodeUser {
			return 0, errs.Newf(errs.InvalidState, "root must be a system or user node, got %s", node.Kind)
		}
		idx := t.alloc(node, -1)
		t.root = int32(idx)
		t.moveCursor(int32(idx))
		return idx, nil
	}

	pidx, err := t.resolve(parent)
	if err != nil {
		return 0, err
	}
	if node.Kind == models.NodeSystem {
		return 0, errs.New(errs.InvalidState, "system node is only allowed at the root")
	}
	if err := t.checkAttach(pidx, &node); err != nil {
		return 0, err
	}

	if ts := t.slots[pidx].node.Timestamp; node.Timestamp.Before(ts) {
		node.Timestamp = ts
	}
	idx := t.alloc(node, int32(pidx))
	t.slots[pidx].children = append(t.slots[pidx].children, idx)
	return idx, nil
}

func (t *Tree) checkAttach(pidx uint32, node *models.Node) error {
	parent := &t.slots[pidx].node

	if node.Kind == models.NodeToolResult {
		if !parent.HasToolCalls() {
			return errs.Newf(errs.InvalidState, "tool result %s has no open tool call on its parent", node.ToolCallID)
		}
		answered := t.answeredCalls(pidx)
		if answered >= len(parent.ToolCalls) {
			return errs.Newf(errs.InvalidState, "tool result %s: every tool call is already answered", node.ToolCallID)
		}
		if want := parent.ToolCalls[answered].ID; want != node.ToolCallID {
			return errs.Newf(errs.InvalidState, "tool result %s out of order, expected %s", node.ToolCallID, want)
		}
		return nil
	}

	owner := pidx
	if parent.Kind == models.NodeToolResult {
		owner = uint32(t.slots[pidx].parent)
	}
	if o := &t.slots[owner].node; o.HasToolCalls() && t.answeredCalls(owner) < len(o.ToolCalls) {
		return errs.New(errs.InvalidState, "branch has unanswered tool calls")
	}
	return nil
}

// answeredCalls counts the leading ToolResult children of an assistant slot.
func (t *Tree) answeredCalls(idx uint32) int {
	n := 0
	for _, c := range t.slots[idx].children {
		if t.slots[c].node.Kind != models.NodeToolResult {
			break
		}
		n++
	}
	return n
}

func (t *Tree) alloc(node models.Node, parent int32) uint32 {
	node = node.Clone()
	var idx uint32
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
		gen := t.slots[idx].gen
		t.slots[idx] = slot{node: node, parent: parent, gen: gen, live: true}
	} else {
		idx = uint32(len(t.slots))
		t.slots = append(t.slots, slot{node: node, parent: parent, live: true})
	}
	t.byID[node.ID] = idx
	return idx
}

func (t *Tree) handle(idx uint32) Handle {
	return Handle{tree: t.id, index: idx, gen: t.slots[idx].gen}
}

func (t *Tree) resolve(h Handle) (uint32, error) {
	if h.tree != t.id {
		return 0, errs.New(errs.InvalidState, "handle does not belong to this conversation")
	}
	if int(h.index) >= len(t.slots) {
		return 0, errs.New(errs.InvalidState, "handle out of range")
	}
	s := &t.slots[h.index]
	if !s.live || s.gen != h.gen {
		return 0, errs.New(errs.InvalidState, "stale handle")
	}
	return h.index, nil
}

func (t *Tree) valid(h Handle) bool {
	_, err := t.resolve(h)
	return err == nil
}

// path returns slot indices from the root to idx, root first.
func (t *Tree) path(idx uint32) []uint32 {
	var rev []uint32
	for cur := int32(idx); cur >= 0; cur = t.slots[cur].parent {
		rev = append(rev, uint32(cur))
	}
	for i, j := 0, len(rev)-1; i < j; i, j = i+1, j-1 {
		rev[i], rev[j] = rev[j], rev[i]
	}
	return rev
}

// walk visits every live node depth-first, parents before children, siblings
// in insertion order.
func (t *Tree) walk(fn func(idx uint32)) {
	if t.root < 0 {
		return
	}
	stack := []uint32{uint32(t.root)}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		fn(cur)
		children := t.slots[cur].children
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, children[i])
		}
	}
}
