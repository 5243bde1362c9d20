package conversation

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"github.com/haasonsaas/nexus-core/internal/errs"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

func call(id string) models.ToolCall {
	return models.ToolCall{ID: id, Name: "shell", Arguments: json.RawMessage(`{"command":"echo 4"}`)}
}

func mustAppend(t *testing.T, tree *Tree, node models.Node) Handle {
	t.Helper()
	h, err := tree.Append(node)
	if err != nil {
		t.Fatalf("Append(%s) error = %v", node.Kind, err)
	}
	return h
}

func mustAppendChild(t *testing.T, tree *Tree, parent Handle, node models.Node) Handle {
	t.Helper()
	h, err := tree.AppendChild(parent, node)
	if err != nil {
		t.Fatalf("AppendChild(%s) error = %v", node.Kind, err)
	}
	return h
}

func roles(msgs []models.Message) []models.Role {
	out := make([]models.Role, len(msgs))
	for i, m := range msgs {
		out[i] = m.Role
	}
	return out
}

func contents(msgs []models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func wantKind(t *testing.T, err error, kind errs.Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("error = nil, want %s", kind)
	}
	if got := errs.KindOf(err); got != kind {
		t.Fatalf("error kind = %s (%v), want %s", got, err, kind)
	}
}

// toolTurn builds system -> user -> assistant(t1) -> result(t1) -> assistant.
func toolTurn(t *testing.T) (*Tree, map[string]Handle) {
	t.Helper()
	tree := New()
	h := map[string]Handle{}
	h["system"] = mustAppend(t, tree, models.NewSystem("be helpful"))
	h["user"] = mustAppend(t, tree, models.NewUser("what's 2+2?"))
	h["call"] = mustAppend(t, tree, models.NewAssistant("", []models.ToolCall{call("t1")}))
	h["result"] = mustAppendChild(t, tree, h["call"], models.NewToolResult("t1", "4", true))
	if err := tree.NavigateTo(h["result"]); err != nil {
		t.Fatal(err)
	}
	h["answer"] = mustAppend(t, tree, models.NewAssistant("4", nil))
	return tree, h
}

func TestRootMustBeSystemOrUser(t *testing.T) {
	tree := New()
	_, err := tree.Append(models.NewAssistant("hi", nil))
	wantKind(t, err, errs.InvalidState)

	root := mustAppend(t, tree, models.NewUser("hi"))
	cursor, ok := tree.Cursor()
	if !ok || cursor != root {
		t.Fatal("cursor should start at the root")
	}
	_, err = tree.AppendChild(root, models.NewSystem("late"))
	wantKind(t, err, errs.InvalidState)
}

func TestToolResultRules(t *testing.T) {
	tree := New()
	mustAppend(t, tree, models.NewSystem("sys"))
	user := mustAppend(t, tree, models.NewUser("go"))
	asst := mustAppend(t, tree, models.NewAssistant("", []models.ToolCall{call("a"), call("b")}))

	_, err := tree.AppendChild(user, models.NewToolResult("a", "x", true))
	wantKind(t, err, errs.InvalidState)

	_, err = tree.AppendChild(asst, models.NewToolResult("b", "x", true))
	wantKind(t, err, errs.InvalidState)

	_, err = tree.AppendChild(asst, models.NewUser("interrupt"))
	wantKind(t, err, errs.InvalidState)

	ra := mustAppendChild(t, tree, asst, models.NewToolResult("a", "1", true))
	_, err = tree.AppendChild(ra, models.NewAssistant("early", nil))
	wantKind(t, err, errs.InvalidState)

	rb := mustAppendChild(t, tree, asst, models.NewToolResult("b", "2", true))
	_, err = tree.AppendChild(asst, models.NewToolResult("b", "again", true))
	wantKind(t, err, errs.InvalidState)

	mustAppendChild(t, tree, rb, models.NewAssistant("done", nil))
	if err := tree.Check(); err != nil {
		t.Fatalf("Check() = %v", err)
	}
}

func TestAnswerOpenCalls(t *testing.T) {
	tests := []struct {
		name      string
		calls     []models.ToolCall
		answered  int
		wantAdded int
	}{
		{"no tool calls", nil, 0, 0},
		{"none answered", []models.ToolCall{call("a"), call("b")}, 0, 2},
		{"partly answered", []models.ToolCall{call("a"), call("b")}, 1, 1},
		{"fully answered", []models.ToolCall{call("a")}, 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tree := New()
			mustAppend(t, tree, models.NewUser("go"))
			mustAppend(t, tree, models.NewAssistant("checking", tt.calls))
			for _, c := range tt.calls[:tt.answered] {
				mustAppend(t, tree, models.NewToolResult(c.ID, "ok", true))
			}

			added, err := tree.AnswerOpenCalls("interrupted")
			if err != nil {
				t.Fatalf("AnswerOpenCalls() error = %v", err)
			}
			if added != tt.wantAdded {
				t.Fatalf("added = %d, want %d", added, tt.wantAdded)
			}
			mustAppend(t, tree, models.NewUser("next"))
			if err := tree.Check(); err != nil {
				t.Fatalf("Check() = %v", err)
			}
		})
	}
}

func TestDuplicateToolCallIDsRejected(t *testing.T) {
	tree := New()
	mustAppend(t, tree, models.NewUser("go"))
	_, err := tree.Append(models.NewAssistant("", []models.ToolCall{call("a"), call("a")}))
	wantKind(t, err, errs.InvalidArgument)
}

func TestTimestampsClampedToParent(t *testing.T) {
	tree := New()
	root := models.NewUser("first")
	root.Timestamp = time.Now().Add(time.Hour)
	mustAppend(t, tree, root)
	child := mustAppend(t, tree, models.NewAssistant("reply", nil))

	got, err := tree.Node(child)
	if err != nil {
		t.Fatal(err)
	}
	if got.Timestamp.Before(root.Timestamp) {
		t.Fatal("child timestamp precedes parent")
	}
}

func TestNavigation(t *testing.T) {
	tree, h := toolTurn(t)

	if err := tree.NavigateUp(); err != nil {
		t.Fatal(err)
	}
	if c, _ := tree.Cursor(); c != h["result"] {
		t.Fatal("NavigateUp should move to the parent")
	}
	if err := tree.NavigateDown(0); err != nil {
		t.Fatal(err)
	}
	if c, _ := tree.Cursor(); c != h["answer"] {
		t.Fatal("NavigateDown(0) should move to the first child")
	}
	wantKind(t, tree.NavigateDown(3), errs.InvalidState)

	if err := tree.NavigateBack(); err != nil {
		t.Fatal(err)
	}
	if c, _ := tree.Cursor(); c != h["result"] {
		t.Fatal("NavigateBack should return to the previous position")
	}
	if err := tree.NavigateForward(); err != nil {
		t.Fatal(err)
	}
	if c, _ := tree.Cursor(); c != h["answer"] {
		t.Fatal("NavigateForward should undo NavigateBack")
	}
	wantKind(t, tree.NavigateForward(), errs.InvalidState)

	if err := tree.NavigateTo(h["system"]); err != nil {
		t.Fatal(err)
	}
	wantKind(t, tree.NavigateUp(), errs.InvalidState)
}

func TestNavigateToCurrentCursorIsNoop(t *testing.T) {
	tree, h := toolTurn(t)
	before := tree.HistoryLen()
	if err := tree.NavigateTo(h["answer"]); err != nil {
		t.Fatal(err)
	}
	if tree.HistoryLen() != before {
		t.Fatalf("history grew from %d to %d", before, tree.HistoryLen())
	}
	if c, _ := tree.Cursor(); c != h["answer"] {
		t.Fatal("cursor moved")
	}
}

func TestHistoryIsBounded(t *testing.T) {
	tree := New(WithHistorySize(4))
	root := mustAppend(t, tree, models.NewUser("root"))
	leaf := mustAppend(t, tree, models.NewAssistant("a", nil))
	for i := 0; i < 10; i++ {
		if err := tree.NavigateTo(root); err != nil {
			t.Fatal(err)
		}
		if err := tree.NavigateTo(leaf); err != nil {
			t.Fatal(err)
		}
	}
	if got := tree.HistoryLen(); got != 4 {
		t.Fatalf("HistoryLen() = %d, want 4", got)
	}
	steps := 0
	for tree.NavigateBack() == nil {
		steps++
	}
	if steps != 3 {
		t.Fatalf("went back %d steps, want 3", steps)
	}
}

func TestForeignAndStaleHandles(t *testing.T) {
	a, ha := toolTurn(t)
	b, _ := toolTurn(t)

	wantKind(t, b.NavigateTo(ha["user"]), errs.InvalidState)
	_, err := b.Linearize(ha["answer"], LinearizeOptions{})
	wantKind(t, err, errs.InvalidState)

	if err := a.NavigateTo(ha["user"]); err != nil {
		t.Fatal(err)
	}
	wantKind(t, a.Prune(ha["result"]), errs.InvalidState)
	if err := a.Prune(ha["answer"]); err != nil {
		t.Fatalf("Prune() = %v", err)
	}
	wantKind(t, a.NavigateTo(ha["answer"]), errs.InvalidState)
}

func TestPrune(t *testing.T) {
	tree := New()
	mustAppend(t, tree, models.NewSystem("sys"))
	user := mustAppend(t, tree, models.NewUser("q"))
	first := mustAppend(t, tree, models.NewAssistant("one", nil))
	if err := tree.BranchFrom(user); err != nil {
		t.Fatal(err)
	}
	second := mustAppend(t, tree, models.NewAssistant("two", nil))

	wantKind(t, tree.Prune(second), errs.InvalidState)
	wantKind(t, tree.Prune(user), errs.InvalidState)

	if err := tree.Prune(first); err != nil {
		t.Fatalf("Prune() = %v", err)
	}
	_, err := tree.Node(first)
	wantKind(t, err, errs.InvalidState)

	again := mustAppendChild(t, tree, user, models.NewAssistant("three", nil))
	if again == first {
		t.Fatal("reused slot must get a new generation")
	}
	kids, _ := tree.Children(user)
	if len(kids) != 2 || kids[0] != second || kids[1] != again {
		t.Fatalf("children after prune = %v", kids)
	}
	if err := tree.Check(); err != nil {
		t.Fatalf("Check() = %v", err)
	}
}

func TestLinearizeToolTurn(t *testing.T) {
	tree, h := toolTurn(t)
	msgs, err := tree.Linearize(h["answer"], LinearizeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	wantRoles := []models.Role{models.RoleSystem, models.RoleUser, models.RoleAssistant, models.RoleTool, models.RoleAssistant}
	if !reflect.DeepEqual(roles(msgs), wantRoles) {
		t.Fatalf("roles = %v, want %v", roles(msgs), wantRoles)
	}
	if msgs[3].ToolCallID != "t1" || msgs[3].Content != "4" {
		t.Fatalf("tool message = %+v", msgs[3])
	}
	if len(msgs[2].ToolCalls) != 1 {
		t.Fatal("assistant message lost its tool calls")
	}
}

func TestLinearizeDefaultSystem(t *testing.T) {
	tests := []struct {
		name       string
		storedRoot bool
		want       string
	}{
		{"no stored system", false, "rebuilt"},
		{"stored system wins", true, "stored"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tree := New()
			if tt.storedRoot {
				mustAppend(t, tree, models.NewSystem("stored"))
			}
			h := mustAppend(t, tree, models.NewUser("hi"))
			msgs, err := tree.Linearize(h, LinearizeOptions{DefaultSystem: "rebuilt"})
			if err != nil {
				t.Fatal(err)
			}
			wantRoles := []models.Role{models.RoleSystem, models.RoleUser}
			if !reflect.DeepEqual(roles(msgs), wantRoles) {
				t.Fatalf("roles = %v, want %v", roles(msgs), wantRoles)
			}
			if msgs[0].Content != tt.want {
				t.Errorf("system = %q, want %q", msgs[0].Content, tt.want)
			}
		})
	}
}

func TestLinearizeEmitsAllResultsOfMultiCallAssistant(t *testing.T) {
	tree := New()
	mustAppend(t, tree, models.NewUser("go"))
	asst := mustAppend(t, tree, models.NewAssistant("", []models.ToolCall{call("a"), call("b")}))
	mustAppendChild(t, tree, asst, models.NewToolResult("a", "1", true))
	rb := mustAppendChild(t, tree, asst, models.NewToolResult("b", "2", false))

	msgs, err := tree.Linearize(rb, LinearizeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if got := contents(msgs); !reflect.DeepEqual(got, []string{"go", "", "1", "2"}) {
		t.Fatalf("contents = %v", got)
	}
	if !msgs[3].IsError {
		t.Fatal("failed result should be flagged")
	}
}

func TestLinearizeTruncatesIncompleteToolExchange(t *testing.T) {
	tree := New()
	mustAppend(t, tree, models.NewSystem("sys"))
	mustAppend(t, tree, models.NewUser("q1"))
	mustAppend(t, tree, models.NewAssistant("a1", nil))
	mustAppend(t, tree, models.NewUser("q2"))
	asst := mustAppend(t, tree, models.NewAssistant("", []models.ToolCall{call("a"), call("b")}))
	ra := mustAppendChild(t, tree, asst, models.NewToolResult("a", "1", true))

	for _, at := range []Handle{asst, ra} {
		msgs, err := tree.Linearize(at, LinearizeOptions{})
		if err != nil {
			t.Fatal(err)
		}
		if got := contents(msgs); !reflect.DeepEqual(got, []string{"sys", "q1", "a1", "q2"}) {
			t.Fatalf("contents = %v", got)
		}
	}
}

func TestLinearizeSummaryStandsInForPrefix(t *testing.T) {
	tree := New()
	mustAppend(t, tree, models.NewSystem("sys"))
	mustAppend(t, tree, models.NewUser("old question"))
	mustAppend(t, tree, models.NewAssistant("old answer", nil))
	mustAppend(t, tree, models.NewSummary("we discussed old things"))
	leaf := mustAppend(t, tree, models.NewUser("new question"))

	msgs, err := tree.Linearize(leaf, LinearizeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	wantRoles := []models.Role{models.RoleSystem, models.RoleAssistant, models.RoleUser}
	if !reflect.DeepEqual(roles(msgs), wantRoles) {
		t.Fatalf("roles = %v, want %v", roles(msgs), wantRoles)
	}
	if msgs[1].Content != "we discussed old things" {
		t.Fatalf("summary content = %q", msgs[1].Content)
	}
}

func TestLinearizeBounds(t *testing.T) {
	tree := New()
	mustAppend(t, tree, models.NewSystem("sys"))
	mustAppend(t, tree, models.NewUser("q1"))
	mustAppend(t, tree, models.NewAssistant("a1", nil))
	mustAppend(t, tree, models.NewUser("q2"))
	asst := mustAppend(t, tree, models.NewAssistant("", []models.ToolCall{call("a")}))
	res := mustAppendChild(t, tree, asst, models.NewToolResult("a", "r", true))
	if err := tree.NavigateTo(res); err != nil {
		t.Fatal(err)
	}
	leaf := mustAppend(t, tree, models.NewAssistant("a2", nil))

	msgs, err := tree.Linearize(leaf, LinearizeOptions{MaxMessages: 3})
	if err != nil {
		t.Fatal(err)
	}
	// Oldest exchanges go first; the assistant/result pair stays together.
	if got := contents(msgs); !reflect.DeepEqual(got, []string{"sys", "", "r", "a2"}) {
		t.Fatalf("contents = %v", got)
	}

	one := func(models.Message) int { return 10 }
	msgs, err = tree.Linearize(leaf, LinearizeOptions{MaxTokens: 35, Estimate: one})
	if err != nil {
		t.Fatal(err)
	}
	if got := contents(msgs); !reflect.DeepEqual(got, []string{"sys", "a2"}) {
		t.Fatalf("contents = %v", got)
	}
}

func TestBranchDivergence(t *testing.T) {
	tree, h := toolTurn(t)
	oldLeaf := h["answer"]
	before, err := tree.Linearize(oldLeaf, LinearizeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	snapshotBefore := map[string]models.Node{}
	for _, name := range []string{"user", "call", "result", "answer"} {
		n, _ := tree.Node(h[name])
		snapshotBefore[name] = n
	}

	if err := tree.BranchFrom(h["system"]); err != nil {
		t.Fatal(err)
	}
	mustAppend(t, tree, models.NewUser("ignore that, what's 3+3?"))
	newLeaf := mustAppend(t, tree, models.NewAssistant("6", nil))

	after, err := tree.Linearize(oldLeaf, LinearizeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(before, after) {
		t.Fatal("appending to a sibling branch changed the original branch")
	}
	for name, want := range snapshotBefore {
		got, _ := tree.Node(h[name])
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("node %s changed", name)
		}
	}

	fresh, err := tree.Linearize(newLeaf, LinearizeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if got := contents(fresh); !reflect.DeepEqual(got, []string{"be helpful", "ignore that, what's 3+3?", "6"}) {
		t.Fatalf("new branch contents = %v", got)
	}
	siblings, _ := tree.Siblings(h["user"])
	if len(siblings) != 2 {
		t.Fatalf("siblings = %d, want 2", len(siblings))
	}
	if len(tree.Leaves()) != 2 {
		t.Fatalf("leaves = %d, want 2", len(tree.Leaves()))
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	tree, h := toolTurn(t)
	if err := tree.BranchFrom(h["user"]); err != nil {
		t.Fatal(err)
	}
	mustAppend(t, tree, models.NewAssistant("different reply", nil))
	if err := tree.NavigateTo(h["answer"]); err != nil {
		t.Fatal(err)
	}

	raw, err := json.Marshal(tree.Snapshot())
	if err != nil {
		t.Fatal(err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		t.Fatal(err)
	}
	restored, err := Restore(snap)
	if err != nil {
		t.Fatalf("Restore() = %v", err)
	}

	for i, n := range snap.Nodes {
		if i > 0 && n.ParentID == "" {
			t.Fatal("only the first node may be a root")
		}
	}

	cursor, _ := restored.Cursor()
	got, err := restored.Linearize(cursor, LinearizeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	want, _ := tree.Linearize(h["answer"], LinearizeOptions{})
	gotJSON, _ := json.Marshal(got)
	wantJSON, _ := json.Marshal(want)
	if string(gotJSON) != string(wantJSON) {
		t.Fatalf("linearisation differs after round trip:\n got %s\nwant %s", gotJSON, wantJSON)
	}

	origUser, _ := tree.Node(h["user"])
	ru, err := restored.Lookup(origUser.ID)
	if err != nil {
		t.Fatal(err)
	}
	kids, _ := restored.Children(ru)
	if len(kids) != 2 {
		t.Fatalf("restored user has %d children, want 2", len(kids))
	}
	first, _ := restored.Node(kids[0])
	if first.ID != snapshotChildID(tree, h["user"], 0) {
		t.Fatal("sibling order not preserved")
	}
}

func snapshotChildID(tree *Tree, h Handle, i int) string {
	kids, _ := tree.Children(h)
	n, _ := tree.Node(kids[i])
	return n.ID
}

func TestRestoreRejectsBadSnapshots(t *testing.T) {
	sys := models.NewSystem("s")
	user := models.NewUser("u")
	orphan := models.NewAssistant("a", nil)

	tests := []struct {
		name string
		snap Snapshot
	}{
		{"child before parent", Snapshot{Nodes: []SnapshotNode{{Node: sys}, {ParentID: user.ID, Node: orphan}, {ParentID: sys.ID, Node: user}}}},
		{"two roots", Snapshot{Nodes: []SnapshotNode{{Node: sys}, {Node: user}}}},
		{"orphan tool result", Snapshot{Nodes: []SnapshotNode{{Node: sys}, {ParentID: sys.ID, Node: models.NewToolResult("x", "y", true)}}}},
		{"unknown cursor", Snapshot{Nodes: []SnapshotNode{{Node: sys}}, CursorID: "nope"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Restore(tt.snap)
			wantKind(t, err, errs.StateParse)
		})
	}
}

func TestCursorReachableAndAcyclic(t *testing.T) {
	tree, _ := toolTurn(t)
	for _, leaf := range tree.Leaves() {
		path, err := tree.Path(leaf)
		if err != nil {
			t.Fatal(err)
		}
		root, _ := tree.Root()
		if path[0] != root {
			t.Fatal("path does not start at root")
		}
		if len(path) > tree.Len() {
			t.Fatal("path longer than the tree")
		}
	}
	if err := tree.Check(); err != nil {
		t.Fatalf("Check() = %v", err)
	}
}
