package conversation

import (
	"github.com/haasonsaas/nexus-core/internal/errs"
)

// history is a bounded list of cursor positions with a position pointer,
// behaving like browser history: moving the cursor after going back discards
// the forward entries, and the oldest entry is dropped when full.
type history struct {
	entries []Handle
	pos     int
	limit   int
}

func newHistory(limit int) *history {
	return &history{pos: -1, limit: limit}
}

func (h *history) push(handle Handle) {
	h.entries = h.entries[:h.pos+1]
	if len(h.entries) == h.limit {
		copy(h.entries, h.entries[1:])
		h.entries = h.entries[:len(h.entries)-1]
	}
	h.entries = append(h.entries, handle)
	h.pos = len(h.entries) - 1
}

// moveCursor sets the cursor and records it in history. Setting the cursor to
// its current position records nothing.
func (t *Tree) moveCursor(idx int32) {
	if idx == t.cursor {
		return
	}
	t.cursor = idx
	t.history.push(t.handle(uint32(idx)))
}

// BranchFrom makes h the cursor without creating a node. The next append
// descends from h, creating a sibling of any existing children.
func (t *Tree) BranchFrom(h Handle) error {
	return t.NavigateTo(h)
}

// NavigateTo moves the cursor to h. Navigating to the current cursor is a no-op.
func (t *Tree) NavigateTo(h Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx, err := t.resolve(h)
	if err != nil {
		return err
	}
	t.moveCursor(int32(idx))
	return nil
}

// NavigateUp moves the cursor to its parent.
func (t *Tree) NavigateUp() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cursor < 0 {
		return errs.New(errs.InvalidState, "conversation is empty")
	}
	parent := t.slots[t.cursor].parent
	if parent < 0 {
		return errs.New(errs.InvalidState, "cursor is at the root")
	}
	t.moveCursor(parent)
	return nil
}

// NavigateDown moves the cursor to the i-th child of the cursor.
func (t *Tree) NavigateDown(i int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cursor < 0 {
		return errs.New(errs.InvalidState, "conversation is empty")
	}
	children := t.slots[t.cursor].children
	if i < 0 || i >= len(children) {
		return errs.Newf(errs.InvalidState, "child index %d out of range (%d children)", i, len(children))
	}
	t.moveCursor(int32(children[i]))
	return nil
}

// NavigateBack moves the cursor to the previous history position, skipping
// positions whose nodes were pruned.
func (t *Tree) NavigateBack() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for p := t.history.pos - 1; p >= 0; p-- {
		if h := t.history.entries[p]; t.valid(h) {
			t.history.pos = p
			t.cursor = int32(h.index)
			return nil
		}
	}
	return errs.New(errs.InvalidState, "no earlier position in history")
}

// NavigateForward undoes a NavigateBack.
func (t *Tree) NavigateForward() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for p := t.history.pos + 1; p < len(t.history.entries); p++ {
		if h := t.history.entries[p]; t.valid(h) {
			t.history.pos = p
			t.cursor = int32(h.index)
			return nil
		}
	}
	return errs.New(errs.InvalidState, "no later position in history")
}

// HistoryLen returns the number of recorded cursor positions.
func (t *Tree) HistoryLen() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.history.entries)
}
