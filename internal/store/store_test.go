package store

import (
	"context"
	"testing"

	"github.com/ankittk/crew/pkg/models"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func mustCreateItem(t *testing.T, st Store, p CreateItemParams) models.WorkItem {
	t.Helper()
	it, err := st.CreateWorkItem(context.Background(), p)
	if err != nil {
		t.Fatalf("CreateWorkItem: %v", err)
	}
	return it
}

func TestMigrationsAndItemCRUD(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()

	epic := mustCreateItem(t, st, CreateItemParams{Type: models.TypeEpic, Title: "auth"})
	if epic.Status != models.StatusBacklog {
		t.Fatalf("new item status = %s, want backlog", epic.Status)
	}
	if epic.ItemID == "" {
		t.Fatal("expected generated item id")
	}

	story := mustCreateItem(t, st, CreateItemParams{
		Type:     models.TypeStory,
		ParentID: &epic.ItemID,
		Title:    "login form",
		Priority: 2,
	})

	got, err := st.GetWorkItem(ctx, story.ItemID)
	if err != nil {
		t.Fatalf("GetWorkItem: %v", err)
	}
	if got == nil || got.ParentID == nil || *got.ParentID != epic.ItemID {
		t.Fatalf("GetWorkItem parent = %+v, want %s", got, epic.ItemID)
	}

	missing, err := st.GetWorkItem(ctx, "no-such-id")
	if err != nil {
		t.Fatalf("GetWorkItem missing: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for missing item, got %+v", missing)
	}

	children, err := st.ListChildren(ctx, epic.ItemID)
	if err != nil {
		t.Fatalf("ListChildren: %v", err)
	}
	if len(children) != 1 || children[0].ItemID != story.ItemID {
		t.Fatalf("ListChildren = %+v", children)
	}
}

func TestCreateWorkItemValidation(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()

	if _, err := st.CreateWorkItem(ctx, CreateItemParams{Type: models.TypeTask}); err == nil {
		t.Fatal("expected error for empty title")
	}
	if _, err := st.CreateWorkItem(ctx, CreateItemParams{Type: "widget", Title: "x"}); err == nil {
		t.Fatal("expected error for unknown type")
	}
	ghost := "ghost"
	if _, err := st.CreateWorkItem(ctx, CreateItemParams{Type: models.TypeTask, Title: "x", ParentID: &ghost}); err == nil {
		t.Fatal("expected error for missing parent")
	}
}

func TestUpdateStatusEnforcesTransitions(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()

	task := mustCreateItem(t, st, CreateItemParams{Type: models.TypeTask, Title: "t"})

	// backlog -> done is not a legal hop for a task.
	if err := st.UpdateStatus(ctx, task.ItemID, models.StatusDone, "tester"); err == nil {
		t.Fatal("expected transition error for backlog -> done")
	}

	for _, next := range []models.ItemStatus{models.StatusReady, models.StatusInProgress, models.StatusReview, models.StatusDone} {
		if err := st.UpdateStatus(ctx, task.ItemID, next, "tester"); err != nil {
			t.Fatalf("UpdateStatus to %s: %v", next, err)
		}
	}

	// Same-status update is a no-op, not an error, and writes no history.
	if err := st.UpdateStatus(ctx, task.ItemID, models.StatusDone, "tester"); err != nil {
		t.Fatalf("no-op UpdateStatus: %v", err)
	}

	hist, err := st.ListHistory(ctx, task.ItemID)
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if len(hist) != 4 {
		t.Fatalf("history entries = %d, want 4", len(hist))
	}
	for _, h := range hist {
		if h.Action != models.ActionStatusChange {
			t.Fatalf("history action = %s, want status_change", h.Action)
		}
	}
}

func TestEpicSkipsReview(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()

	epic := mustCreateItem(t, st, CreateItemParams{Type: models.TypeEpic, Title: "e"})
	if err := st.UpdateStatus(ctx, epic.ItemID, models.StatusInProgress, "sched"); err != nil {
		t.Fatalf("epic backlog -> in_progress: %v", err)
	}
	if err := st.UpdateStatus(ctx, epic.ItemID, models.StatusReview, "sched"); err == nil {
		t.Fatal("epics must not enter review")
	}
	if err := st.UpdateStatus(ctx, epic.ItemID, models.StatusDone, "sched"); err != nil {
		t.Fatalf("epic in_progress -> done: %v", err)
	}
}

func TestListWorkItemsFilter(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()

	dev := models.RoleDeveloper
	mustCreateItem(t, st, CreateItemParams{Type: models.TypeTask, Title: "a", AssignedRole: &dev})
	b := mustCreateItem(t, st, CreateItemParams{Type: models.TypeBug, Title: "b", AssignedRole: &dev})
	mustCreateItem(t, st, CreateItemParams{Type: models.TypeTask, Title: "c"})

	if err := st.UpdateStatus(ctx, b.ItemID, models.StatusReady, "tester"); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	items, err := st.ListWorkItems(ctx, ItemFilter{Status: models.StatusReady})
	if err != nil {
		t.Fatalf("ListWorkItems: %v", err)
	}
	if len(items) != 1 || items[0].ItemID != b.ItemID {
		t.Fatalf("status filter = %+v", items)
	}

	items, err = st.ListWorkItems(ctx, ItemFilter{Role: dev})
	if err != nil {
		t.Fatalf("ListWorkItems role: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("role filter = %d items, want 2", len(items))
	}
}

func TestAppendHistoryOrder(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()

	task := mustCreateItem(t, st, CreateItemParams{Type: models.TypeTask, Title: "t"})
	for i := 0; i < 3; i++ {
		if err := st.AppendHistory(ctx, task.ItemID, models.ActionAgentOutput, "chunk", "dev-1"); err != nil {
			t.Fatalf("AppendHistory: %v", err)
		}
	}

	hist, err := st.ListHistory(ctx, task.ItemID)
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if len(hist) != 3 {
		t.Fatalf("history = %d entries, want 3", len(hist))
	}
	for i := 1; i < len(hist); i++ {
		if hist[i].HistoryID < hist[i-1].HistoryID {
			t.Fatalf("history out of order: %v", hist)
		}
	}
}

func BenchmarkCreateWorkItem(b *testing.B) {
	st, err := Open(b.TempDir())
	if err != nil {
		b.Fatal(err)
	}
	defer func() { _ = st.Close() }()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := st.CreateWorkItem(ctx, CreateItemParams{Type: models.TypeTask, Title: "bench"}); err != nil {
			b.Fatal(err)
		}
	}
}
