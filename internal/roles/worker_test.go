package roles

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	agentrt "github.com/ankittk/crew/internal/agent/runtime"
	"github.com/ankittk/crew/internal/bus"
	"github.com/ankittk/crew/internal/scheduler"
	"github.com/ankittk/crew/internal/store"
	"github.com/ankittk/crew/pkg/models"
)

// fixedRuntime returns a canned output or error without side effects.
type fixedRuntime struct {
	output string
	err    error
}

func (fixedRuntime) Name() string { return "fixed" }

func (r fixedRuntime) RunTurn(ctx context.Context, req agentrt.TurnRequest, emit func(agentrt.Event)) (agentrt.TurnResult, error) {
	if r.err != nil {
		return agentrt.TurnResult{}, r.err
	}
	return agentrt.TurnResult{Output: r.output}, nil
}

type fixture struct {
	st    store.Store
	sched *scheduler.Scheduler
	bus   *bus.Bus
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return fixture{
		st:    st,
		sched: scheduler.New(st, scheduler.Config{}, nil),
		bus:   bus.New(st, bus.Config{}, nil),
	}
}

func (f fixture) worker(role models.Role, rt agentrt.Runtime) *Worker {
	return &Worker{
		Role:    role,
		AgentID: AgentIDFor(role, 1),
		Store:   f.st,
		Sched:   f.sched,
		Bus:     f.bus,
		Runtime: rt,
	}
}

func createItem(t *testing.T, st store.Store, p store.CreateItemParams) models.WorkItem {
	t.Helper()
	it, err := st.CreateWorkItem(context.Background(), p)
	if err != nil {
		t.Fatalf("CreateWorkItem: %v", err)
	}
	return it
}

func TestDeveloperWorksReadyTask(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	task := createItem(t, f.st, store.CreateItemParams{
		Type: models.TypeTask, Title: "wire the login form", Status: models.StatusReady,
	})

	w := f.worker(models.RoleDeveloper, fixedRuntime{output: "implemented"})
	if err := w.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	got, _ := f.st.GetWorkItem(ctx, task.ItemID)
	if got.Status != models.StatusReview {
		t.Fatalf("status = %s, want review", got.Status)
	}
	if got.ProcessingAgentID != nil {
		t.Fatalf("lease not released: %+v", got)
	}

	hist, _ := f.st.ListHistory(ctx, task.ItemID)
	var sawOutput bool
	for _, h := range hist {
		if h.Action == models.ActionAgentOutput && h.Content == "implemented" {
			sawOutput = true
		}
	}
	if !sawOutput {
		t.Fatalf("no agent_output history: %+v", hist)
	}

	// The developer handed the item to the reviewer.
	inbox, err := f.bus.Inbox(ctx, AgentIDFor(models.RoleReviewer, 1), 0)
	if err != nil {
		t.Fatalf("Inbox: %v", err)
	}
	if len(inbox) != 1 || inbox[0].Type != models.MsgHandoff {
		t.Fatalf("reviewer inbox = %+v, want one handoff", inbox)
	}
}

func TestReviewerCompletesAndEpicFollows(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	epic := createItem(t, f.st, store.CreateItemParams{Type: models.TypeEpic, Title: "e"})
	story := createItem(t, f.st, store.CreateItemParams{
		Type: models.TypeStory, ParentID: &epic.ItemID, Title: "s", Status: models.StatusReady,
	})
	for _, next := range []models.ItemStatus{models.StatusInProgress, models.StatusReview} {
		if err := f.st.UpdateStatus(ctx, story.ItemID, next, "test"); err != nil {
			t.Fatalf("UpdateStatus: %v", err)
		}
	}

	w := f.worker(models.RoleReviewer, fixedRuntime{output: "lgtm"})
	if err := w.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	gotStory, _ := f.st.GetWorkItem(ctx, story.ItemID)
	if gotStory.Status != models.StatusDone {
		t.Fatalf("story status = %s, want done", gotStory.Status)
	}
	gotEpic, _ := f.st.GetWorkItem(ctx, epic.ItemID)
	if gotEpic.Status != models.StatusDone {
		t.Fatalf("epic status = %s, want done", gotEpic.Status)
	}
}

func TestArchitectFilesStories(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	epic := createItem(t, f.st, store.CreateItemParams{Type: models.TypeEpic, Title: "payments"})

	w := f.worker(models.RoleArchitect, fixedRuntime{output: "story one\nstory two\n\nstory three"})
	if err := w.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	children, _ := f.st.ListChildren(ctx, epic.ItemID)
	if len(children) != 3 {
		t.Fatalf("stories filed = %d, want 3", len(children))
	}
	for _, c := range children {
		if c.Type != models.TypeStory || c.Status != models.StatusReady {
			t.Fatalf("story = %+v", c)
		}
		if c.AssignedRole == nil || *c.AssignedRole != models.RoleDeveloper {
			t.Fatalf("story role = %v, want developer", c.AssignedRole)
		}
	}

	// Ready children pull the epic into in_progress.
	gotEpic, _ := f.st.GetWorkItem(ctx, epic.ItemID)
	if gotEpic.Status != models.StatusInProgress {
		t.Fatalf("epic status = %s, want in_progress", gotEpic.Status)
	}
}

func TestManagerTriagesBacklog(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	task := createItem(t, f.st, store.CreateItemParams{Type: models.TypeTask, Title: "t"})

	w := f.worker(models.RoleManager, fixedRuntime{output: "triaged"})
	if err := w.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	got, _ := f.st.GetWorkItem(ctx, task.ItemID)
	if got.Status != models.StatusReady {
		t.Fatalf("status = %s, want ready", got.Status)
	}
}

func TestTurnFailureRecordsErrorAndReleases(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	task := createItem(t, f.st, store.CreateItemParams{
		Type: models.TypeTask, Title: "t", Status: models.StatusReady,
	})

	w := f.worker(models.RoleDeveloper, fixedRuntime{err: errors.New("agent crashed")})
	if err := w.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	got, _ := f.st.GetWorkItem(ctx, task.ItemID)
	// The item stays where it was when the turn failed.
	if got.Status != models.StatusInProgress {
		t.Fatalf("status = %s, want in_progress", got.Status)
	}
	if got.ProcessingAgentID != nil {
		t.Fatalf("lease not released: %+v", got)
	}

	hist, _ := f.st.ListHistory(ctx, task.ItemID)
	var sawError bool
	for _, h := range hist {
		if h.Action == models.ActionError && strings.Contains(h.Content, "agent crashed") {
			sawError = true
		}
	}
	if !sawError {
		t.Fatalf("no error history: %+v", hist)
	}
}

func TestBugInvestigatorFilesBugFromWarning(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.bus.SendWarning(ctx, "reviewer-1", AgentIDFor(models.RoleBugInvestigator, 1),
		"login breaks on empty password", "stack trace attached", nil); err != nil {
		t.Fatalf("SendWarning: %v", err)
	}

	w := f.worker(models.RoleBugInvestigator, fixedRuntime{output: "investigated"})
	if err := w.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	bugs, err := f.st.ListWorkItems(ctx, store.ItemFilter{Type: models.TypeBug})
	if err != nil {
		t.Fatalf("ListWorkItems: %v", err)
	}
	if len(bugs) != 1 || bugs[0].Title != "login breaks on empty password" {
		t.Fatalf("bugs = %+v", bugs)
	}

	stats, _ := f.bus.Stats(ctx)
	if stats.Processed != 1 {
		t.Fatalf("stats = %+v, want the warning processed", stats)
	}
}

func TestWantsRespectsAssignedRole(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	reviewer := models.RoleReviewer
	w := f.worker(models.RoleDeveloper, fixedRuntime{})

	item := models.WorkItem{
		Type:         models.TypeTask,
		Status:       models.StatusReady,
		AssignedRole: &reviewer,
	}
	if w.wants(item) {
		t.Fatal("developer must skip work assigned to another role")
	}
	item.AssignedRole = nil
	if !w.wants(item) {
		t.Fatal("developer should take unassigned ready tasks")
	}
	item.Status = models.StatusBacklog
	if w.wants(item) {
		t.Fatal("developer must not take backlog items")
	}
}

func TestDrainMessagesHonorsBackoff(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	w := f.worker(models.RoleReviewer, fixedRuntime{output: "done"})
	ctx := context.Background()

	m, err := f.bus.Send(ctx, store.CreateMessageParams{
		FromAgent: "developer-1", ToAgent: w.AgentID, Type: models.MsgHandoff, Subject: "s", Content: "c",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	// Burn one attempt so the message sits inside its backoff window.
	if _, err := f.bus.Process(ctx, m.MessageID, func(ctx context.Context, m models.AgentMessage) error {
		return errors.New("boom")
	}); err != nil {
		t.Fatalf("Process: %v", err)
	}

	// Consecutive poll ticks must not touch the message again until the
	// window elapses; otherwise the retry budget burns in a few seconds.
	for i := 0; i < 3; i++ {
		if err := w.Tick(ctx); err != nil {
			t.Fatalf("Tick: %v", err)
		}
	}

	got, err := f.st.GetMessage(ctx, m.MessageID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if got.Status != models.MsgPending || got.RetryCount != 1 || got.DeadLetter {
		t.Fatalf("message after drained ticks = %+v, want pending with one failure", got)
	}
}

func TestAgentIDFor(t *testing.T) {
	t.Parallel()

	if got := AgentIDFor(models.RoleBugInvestigator, 2); got != "bug_investigator-2" {
		t.Fatalf("AgentIDFor = %q", got)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	w := f.worker(models.RoleManager, fixedRuntime{output: "ok"})
	w.PollInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
