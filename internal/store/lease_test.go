package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ankittk/crew/pkg/models"
)

func TestClaimIsExclusive(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()

	task := mustCreateItem(t, st, CreateItemParams{Type: models.TypeTask, Title: "t"})
	now := time.Now().UTC()
	stale := now.Add(-models.DefaultLeaseTTL)

	ok, err := st.ClaimWorkItem(ctx, task.ItemID, "dev-1", now, stale)
	if err != nil {
		t.Fatalf("ClaimWorkItem: %v", err)
	}
	if !ok {
		t.Fatal("first claim should win")
	}

	ok, err = st.ClaimWorkItem(ctx, task.ItemID, "dev-2", now, stale)
	if err != nil {
		t.Fatalf("ClaimWorkItem: %v", err)
	}
	if ok {
		t.Fatal("second claim on a held lease should lose")
	}

	got, err := st.GetWorkItem(ctx, task.ItemID)
	if err != nil {
		t.Fatalf("GetWorkItem: %v", err)
	}
	if got.ProcessingAgentID == nil || *got.ProcessingAgentID != "dev-1" {
		t.Fatalf("lease holder = %v, want dev-1", got.ProcessingAgentID)
	}
}

func TestClaimConcurrentSingleWinner(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()

	task := mustCreateItem(t, st, CreateItemParams{Type: models.TypeTask, Title: "contended"})
	now := time.Now().UTC()
	stale := now.Add(-models.DefaultLeaseTTL)

	const workers = 8
	var wg sync.WaitGroup
	wins := make(chan string, workers)
	for i := 0; i < workers; i++ {
		agent := fmt.Sprintf("dev-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := st.ClaimWorkItem(ctx, task.ItemID, agent, now, stale)
			if err != nil {
				t.Errorf("ClaimWorkItem(%s): %v", agent, err)
				return
			}
			if ok {
				wins <- agent
			}
		}()
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("winners = %v, want exactly one", winners)
	}
}

func TestStaleLeaseIsReclaimable(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()

	task := mustCreateItem(t, st, CreateItemParams{Type: models.TypeTask, Title: "t"})

	// Claim with a lease start an hour in the past.
	leaseStart := time.Now().UTC().Add(-time.Hour)
	ok, err := st.ClaimWorkItem(ctx, task.ItemID, "dev-crashed", leaseStart, leaseStart.Add(-models.DefaultLeaseTTL))
	if err != nil || !ok {
		t.Fatalf("initial claim: ok=%v err=%v", ok, err)
	}

	now := time.Now().UTC()
	ok, err = st.ClaimWorkItem(ctx, task.ItemID, "dev-fresh", now, now.Add(-models.DefaultLeaseTTL))
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if !ok {
		t.Fatal("expected stale lease to be reclaimable")
	}

	got, _ := st.GetWorkItem(ctx, task.ItemID)
	if got.ProcessingAgentID == nil || *got.ProcessingAgentID != "dev-fresh" {
		t.Fatalf("lease holder = %v, want dev-fresh", got.ProcessingAgentID)
	}
}

func TestReleaseRequiresOwnership(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()

	task := mustCreateItem(t, st, CreateItemParams{Type: models.TypeTask, Title: "t"})
	now := time.Now().UTC()
	if ok, err := st.ClaimWorkItem(ctx, task.ItemID, "dev-1", now, now.Add(-models.DefaultLeaseTTL)); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}

	ok, err := st.ReleaseWorkItem(ctx, task.ItemID, "dev-2")
	if err != nil {
		t.Fatalf("ReleaseWorkItem: %v", err)
	}
	if ok {
		t.Fatal("non-owner release must affect nothing")
	}

	ok, err = st.ReleaseWorkItem(ctx, task.ItemID, "dev-1")
	if err != nil {
		t.Fatalf("ReleaseWorkItem: %v", err)
	}
	if !ok {
		t.Fatal("owner release should succeed")
	}

	got, _ := st.GetWorkItem(ctx, task.ItemID)
	if got.ProcessingAgentID != nil || got.ProcessingStartedAt != nil {
		t.Fatalf("lease not cleared: %+v", got)
	}

	// Releasing an already-free item is a no-op.
	ok, err = st.ReleaseWorkItem(ctx, task.ItemID, "dev-1")
	if err != nil {
		t.Fatalf("ReleaseWorkItem: %v", err)
	}
	if ok {
		t.Fatal("release of a free item should report false")
	}
}

func TestRefreshLease(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()

	task := mustCreateItem(t, st, CreateItemParams{Type: models.TypeTask, Title: "t"})
	start := time.Now().UTC().Add(-10 * time.Minute)
	if ok, err := st.ClaimWorkItem(ctx, task.ItemID, "dev-1", start, start.Add(-models.DefaultLeaseTTL)); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}

	later := time.Now().UTC()
	ok, err := st.RefreshLease(ctx, task.ItemID, "dev-1", later)
	if err != nil {
		t.Fatalf("RefreshLease: %v", err)
	}
	if !ok {
		t.Fatal("owner refresh should succeed")
	}

	got, _ := st.GetWorkItem(ctx, task.ItemID)
	if got.ProcessingStartedAt == nil || got.ProcessingStartedAt.Unix() != later.Unix() {
		t.Fatalf("processing_started_at = %v, want %v", got.ProcessingStartedAt, later)
	}

	ok, err = st.RefreshLease(ctx, task.ItemID, "dev-2", later)
	if err != nil {
		t.Fatalf("RefreshLease: %v", err)
	}
	if ok {
		t.Fatal("non-owner refresh must not extend the lease")
	}
}

func TestSweepStaleLeases(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()

	stale := mustCreateItem(t, st, CreateItemParams{Type: models.TypeTask, Title: "stale"})
	fresh := mustCreateItem(t, st, CreateItemParams{Type: models.TypeTask, Title: "fresh"})

	old := time.Now().UTC().Add(-2 * models.DefaultLeaseTTL)
	now := time.Now().UTC()
	cutoff := now.Add(-models.DefaultLeaseTTL)

	if ok, err := st.ClaimWorkItem(ctx, stale.ItemID, "dev-gone", old, old.Add(-models.DefaultLeaseTTL)); err != nil || !ok {
		t.Fatalf("claim stale: ok=%v err=%v", ok, err)
	}
	if ok, err := st.ClaimWorkItem(ctx, fresh.ItemID, "dev-alive", now, cutoff); err != nil || !ok {
		t.Fatalf("claim fresh: ok=%v err=%v", ok, err)
	}

	n, err := st.SweepStaleLeases(ctx, cutoff)
	if err != nil {
		t.Fatalf("SweepStaleLeases: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept = %d, want 1", n)
	}

	gotStale, _ := st.GetWorkItem(ctx, stale.ItemID)
	if gotStale.ProcessingAgentID != nil {
		t.Fatalf("stale lease survived sweep: %+v", gotStale)
	}
	gotFresh, _ := st.GetWorkItem(ctx, fresh.ItemID)
	if gotFresh.ProcessingAgentID == nil {
		t.Fatal("fresh lease must survive sweep")
	}
}

func TestListAvailableOrdering(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	cutoff := now.Add(-models.DefaultLeaseTTL)

	readyTask := mustCreateItem(t, st, CreateItemParams{Type: models.TypeTask, Title: "ready task"})
	reviewTask := mustCreateItem(t, st, CreateItemParams{Type: models.TypeTask, Title: "review task"})
	readyBug := mustCreateItem(t, st, CreateItemParams{Type: models.TypeBug, Title: "ready bug"})
	doneTask := mustCreateItem(t, st, CreateItemParams{Type: models.TypeTask, Title: "done task"})
	leased := mustCreateItem(t, st, CreateItemParams{Type: models.TypeTask, Title: "leased"})

	advance := func(id string, to ...models.ItemStatus) {
		for _, s := range to {
			if err := st.UpdateStatus(ctx, id, s, "tester"); err != nil {
				t.Fatalf("UpdateStatus(%s, %s): %v", id, s, err)
			}
		}
	}
	advance(readyTask.ItemID, models.StatusReady)
	advance(reviewTask.ItemID, models.StatusReady, models.StatusInProgress, models.StatusReview)
	advance(readyBug.ItemID, models.StatusReady)
	advance(doneTask.ItemID, models.StatusReady, models.StatusInProgress, models.StatusReview, models.StatusDone)
	advance(leased.ItemID, models.StatusReady)
	if ok, err := st.ClaimWorkItem(ctx, leased.ItemID, "dev-9", now, cutoff); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}

	items, err := st.ListAvailable(ctx, cutoff)
	if err != nil {
		t.Fatalf("ListAvailable: %v", err)
	}

	var ids []string
	for _, it := range items {
		ids = append(ids, it.ItemID)
	}
	// review first, then bug before task among the ready items; done and
	// freshly leased items never appear.
	want := []string{reviewTask.ItemID, readyBug.ItemID, readyTask.ItemID}
	if len(ids) != len(want) {
		t.Fatalf("candidates = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("candidates = %v, want %v", ids, want)
		}
	}
}

func TestListAvailableTieBreakIsStable(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()
	cutoff := time.Now().UTC().Add(-models.DefaultLeaseTTL)

	// Same type and status, inserted in reverse id order. created_at has
	// second granularity, so within the same second the id is the tie-break.
	z := mustCreateItem(t, st, CreateItemParams{ItemID: "tie-zzz", Type: models.TypeTask, Title: "z"})
	a := mustCreateItem(t, st, CreateItemParams{ItemID: "tie-aaa", Type: models.TypeTask, Title: "a"})

	want := []string{a.ItemID, z.ItemID}
	if !z.CreatedAt.Equal(a.CreatedAt) {
		// The two inserts straddled a second boundary; creation order wins.
		want = []string{z.ItemID, a.ItemID}
	}

	for i := 0; i < 3; i++ {
		items, err := st.ListAvailable(ctx, cutoff)
		if err != nil {
			t.Fatalf("ListAvailable: %v", err)
		}
		var ids []string
		for _, it := range items {
			ids = append(ids, it.ItemID)
		}
		if len(ids) != len(want) || ids[0] != want[0] || ids[1] != want[1] {
			t.Fatalf("candidates = %v, want %v", ids, want)
		}
	}
}

func TestStaleLeaseAppearsAvailable(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()

	task := mustCreateItem(t, st, CreateItemParams{Type: models.TypeTask, Title: "t"})
	old := time.Now().UTC().Add(-2 * models.DefaultLeaseTTL)
	if ok, err := st.ClaimWorkItem(ctx, task.ItemID, "dev-gone", old, old.Add(-models.DefaultLeaseTTL)); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}

	cutoff := time.Now().UTC().Add(-models.DefaultLeaseTTL)
	items, err := st.ListAvailable(ctx, cutoff)
	if err != nil {
		t.Fatalf("ListAvailable: %v", err)
	}
	if len(items) != 1 || items[0].ItemID != task.ItemID {
		t.Fatalf("candidates = %+v, want the stale-leased item", items)
	}
}

func TestCountActiveOfRole(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	cutoff := now.Add(-models.DefaultLeaseTTL)

	a := mustCreateItem(t, st, CreateItemParams{Type: models.TypeTask, Title: "a"})
	b := mustCreateItem(t, st, CreateItemParams{Type: models.TypeTask, Title: "b"})
	c := mustCreateItem(t, st, CreateItemParams{Type: models.TypeTask, Title: "c"})

	for id, agent := range map[string]string{
		a.ItemID: "developer-1",
		b.ItemID: "developer-2",
		c.ItemID: "reviewer-1",
	} {
		if ok, err := st.ClaimWorkItem(ctx, id, agent, now, cutoff); err != nil || !ok {
			t.Fatalf("claim %s: ok=%v err=%v", agent, ok, err)
		}
	}

	n, err := st.CountActiveOfRole(ctx, "developer-", cutoff)
	if err != nil {
		t.Fatalf("CountActiveOfRole: %v", err)
	}
	if n != 2 {
		t.Fatalf("active developers = %d, want 2", n)
	}

	n, err = st.CountActiveOfRole(ctx, "manager-", cutoff)
	if err != nil {
		t.Fatalf("CountActiveOfRole: %v", err)
	}
	if n != 0 {
		t.Fatalf("active managers = %d, want 0", n)
	}
}

func TestCountActiveOfRolePrefixIsLiteral(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	cutoff := now.Add(-models.DefaultLeaseTTL)

	a := mustCreateItem(t, st, CreateItemParams{Type: models.TypeTask, Title: "a"})
	b := mustCreateItem(t, st, CreateItemParams{Type: models.TypeTask, Title: "b"})

	// An agent id whose underscore position holds a different character must
	// not count toward the role: the prefix match is literal, not a pattern.
	for id, agent := range map[string]string{
		a.ItemID: "bug_investigator-1",
		b.ItemID: "bugXinvestigator-1",
	} {
		if ok, err := st.ClaimWorkItem(ctx, id, agent, now, cutoff); err != nil || !ok {
			t.Fatalf("claim %s: ok=%v err=%v", agent, ok, err)
		}
	}

	n, err := st.CountActiveOfRole(ctx, "bug_investigator-", cutoff)
	if err != nil {
		t.Fatalf("CountActiveOfRole: %v", err)
	}
	if n != 1 {
		t.Fatalf("active bug investigators = %d, want 1", n)
	}
}

func BenchmarkClaimRelease(b *testing.B) {
	st, err := Open(b.TempDir())
	if err != nil {
		b.Fatal(err)
	}
	defer func() { _ = st.Close() }()
	ctx := context.Background()

	it, err := st.CreateWorkItem(ctx, CreateItemParams{Type: models.TypeTask, Title: "bench"})
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		now := time.Now().UTC()
		if ok, err := st.ClaimWorkItem(ctx, it.ItemID, "bench-agent", now, now.Add(-models.DefaultLeaseTTL)); err != nil || !ok {
			b.Fatalf("claim: ok=%v err=%v", ok, err)
		}
		if ok, err := st.ReleaseWorkItem(ctx, it.ItemID, "bench-agent"); err != nil || !ok {
			b.Fatalf("release: ok=%v err=%v", ok, err)
		}
	}
}
