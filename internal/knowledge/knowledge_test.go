package knowledge

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ankittk/crew/pkg/models"
)

func TestFileRetriever(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "auth-patterns.md"), []byte("# Auth\nuse the token helper"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "deploy-notes.md"), []byte("# Deploy\nblue/green"), 0o644); err != nil {
		t.Fatal(err)
	}

	r := FileRetriever{Dir: dir}
	ctx := context.Background()

	got, err := r.Retrieve(ctx, models.WorkItem{Title: "fix auth token refresh"})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if !strings.Contains(got, "token helper") {
		t.Fatalf("retrieved = %q, want auth note", got)
	}
	if strings.Contains(got, "blue/green") {
		t.Fatalf("retrieved unrelated note: %q", got)
	}

	// No matching note: empty context is a valid answer.
	got, err = r.Retrieve(ctx, models.WorkItem{Title: "unrelated work"})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if got != "" {
		t.Fatalf("retrieved = %q, want empty", got)
	}

	// Description participates in matching.
	desc := "touches the deploy pipeline"
	got, err = r.Retrieve(ctx, models.WorkItem{Title: "ops", Description: &desc})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if !strings.Contains(got, "blue/green") {
		t.Fatalf("retrieved = %q, want deploy note", got)
	}
}

func TestFileRetrieverMissingDir(t *testing.T) {
	t.Parallel()

	r := FileRetriever{Dir: filepath.Join(t.TempDir(), "nope")}
	got, err := r.Retrieve(context.Background(), models.WorkItem{Title: "anything"})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if got != "" {
		t.Fatalf("retrieved = %q, want empty", got)
	}
}

func TestNoopRetriever(t *testing.T) {
	t.Parallel()

	got, err := NoopRetriever{}.Retrieve(context.Background(), models.WorkItem{Title: "x"})
	if err != nil || got != "" {
		t.Fatalf("Retrieve: got %q err %v", got, err)
	}
}

func TestJournalAppend(t *testing.T) {
	t.Parallel()

	home := t.TempDir()
	j := &Journal{Role: "developer", Home: home}
	err := j.Append(context.Background(), JournalEntry{
		ItemID:    "item-1",
		ItemTitle: "login form",
		Outcome:   "done",
		Decisions: "kept the session cookie",
		CreatedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	data, err := os.ReadFile(JournalPath(RoleDir(home, "developer")))
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	text := string(data)
	for _, want := range []string{"login form", "item-1", "done", "session cookie"} {
		if !strings.Contains(text, want) {
			t.Fatalf("journal missing %q: %s", want, text)
		}
	}

	// Appends accumulate.
	if err := j.Append(context.Background(), JournalEntry{ItemID: "item-2", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("second Append: %v", err)
	}
	data, _ = os.ReadFile(JournalPath(RoleDir(home, "developer")))
	if !strings.Contains(string(data), "item-2") {
		t.Fatalf("journal missing second entry: %s", data)
	}
}

func TestRoleConfigRoundTrip(t *testing.T) {
	t.Parallel()

	roleDir := RoleDir(t.TempDir(), "architect")

	// Missing file is nil, nil.
	cfg, err := LoadRoleConfig(roleDir)
	if err != nil {
		t.Fatalf("LoadRoleConfig: %v", err)
	}
	if cfg != nil {
		t.Fatalf("missing config = %+v, want nil", cfg)
	}

	want := &RoleConfig{Model: "claude-sonnet", MaxTokens: 4096}
	if err := SaveRoleConfig(roleDir, want); err != nil {
		t.Fatalf("SaveRoleConfig: %v", err)
	}
	cfg, err = LoadRoleConfig(roleDir)
	if err != nil {
		t.Fatalf("LoadRoleConfig: %v", err)
	}
	if cfg == nil || cfg.Model != want.Model || cfg.MaxTokens != want.MaxTokens {
		t.Fatalf("config = %+v, want %+v", cfg, want)
	}
}

func TestSafeName(t *testing.T) {
	t.Parallel()

	if got := SafeName(" bug investigator "); got != "bug_investigator" {
		t.Fatalf("SafeName = %q", got)
	}
}
