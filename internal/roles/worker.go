// Package roles runs the role agents: single-threaded poll loops that claim
// work through the scheduler, invoke the reasoning runtime, record history,
// move items through the state machine, and talk to each other over the bus.
// Concurrency lives across workers, never inside one; the store's conditional
// updates are the only synchronization.
package roles

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	agentrt "github.com/ankittk/crew/internal/agent/runtime"
	"github.com/ankittk/crew/internal/bus"
	"github.com/ankittk/crew/internal/knowledge"
	"github.com/ankittk/crew/internal/otel"
	"github.com/ankittk/crew/internal/scheduler"
	"github.com/ankittk/crew/internal/store"
	"github.com/ankittk/crew/pkg/models"
)

// maxStoriesPerEpic caps how many stories the architect files from one turn.
const maxStoriesPerEpic = 5

// Worker is one role agent. Everything it needs is injected; it owns no
// global state.
type Worker struct {
	Role    models.Role
	AgentID string

	Store     store.Store
	Sched     *scheduler.Scheduler
	Bus       *bus.Bus
	Runtime   agentrt.Runtime
	Retriever knowledge.Retriever
	Journal   *knowledge.Journal
	RoleCfg   *knowledge.RoleConfig

	PollInterval time.Duration
	LeaseTTL     time.Duration
	Emit         func(agentrt.Event)

	Log *slog.Logger
}

// AgentIDFor is the naming convention binding an agent identity to its role:
// the role name is the prefix the scheduler's admission gate counts by.
func AgentIDFor(role models.Role, n int) string {
	return fmt.Sprintf("%s-%d", role, n)
}

// Run polls until the context is cancelled. Each tick drains the inbox, then
// tries to claim and work one item. Errors are logged and retried next tick;
// a failed tick never kills the worker.
func (w *Worker) Run(ctx context.Context) {
	w.normalize()
	log := w.Log.With("role", w.Role, "agent", w.AgentID)

	ticker := time.NewTicker(w.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Tick(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Error("tick failed", "err", err)
			}
		}
	}
}

func (w *Worker) normalize() {
	if w.PollInterval <= 0 {
		w.PollInterval = models.DefaultWorkerPollInterval
	}
	if w.LeaseTTL <= 0 {
		w.LeaseTTL = models.DefaultLeaseTTL
	}
	if w.Log == nil {
		w.Log = slog.Default()
	}
}

// Tick is one scheduling pass: drain messages, then claim and work at most
// one item.
func (w *Worker) Tick(ctx context.Context) error {
	w.normalize()
	if err := w.drainMessages(ctx); err != nil {
		return err
	}

	ok, err := w.Sched.CanAdmit(ctx, w.Role)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	candidates, err := w.Sched.ListAvailable(ctx)
	if err != nil {
		return err
	}
	for _, item := range candidates {
		if !w.wants(item) {
			continue
		}
		claimed, err := w.Sched.Claim(ctx, item.ItemID, w.AgentID)
		if err != nil {
			return err
		}
		if !claimed {
			// Lost the race; the list was already stale. Move on.
			continue
		}
		return w.workItem(ctx, item.ItemID)
	}
	return nil
}

// wants reports whether this role acts on the item in its current state.
// The availability list is shared; interest is what partitions it.
func (w *Worker) wants(item models.WorkItem) bool {
	if item.AssignedRole != nil && *item.AssignedRole != w.Role {
		return false
	}
	switch w.Role {
	case models.RoleManager:
		return item.Type != models.TypeEpic && item.Status == models.StatusBacklog
	case models.RoleArchitect:
		return item.Type == models.TypeEpic && item.Status == models.StatusBacklog
	case models.RoleDeveloper:
		return (item.Type == models.TypeTask || item.Type == models.TypeStory) &&
			item.Status == models.StatusReady
	case models.RoleReviewer:
		return item.Type != models.TypeEpic && item.Status == models.StatusReview
	case models.RoleBugInvestigator:
		return item.Type == models.TypeBug && item.Status == models.StatusReady
	}
	return false
}

// workItem runs one full turn against a freshly claimed item and always
// releases the lease on the way out.
func (w *Worker) workItem(ctx context.Context, itemID string) error {
	defer func() {
		if _, err := w.Sched.Release(ctx, itemID, w.AgentID); err != nil {
			w.Log.Error("release failed", "item_id", itemID, "err", err)
		}
	}()

	item, err := w.Store.GetWorkItem(ctx, itemID)
	if err != nil {
		return err
	}
	if item == nil {
		return nil
	}

	// Items entering active work move to in_progress first.
	if item.Status == models.StatusReady {
		if err := w.transition(ctx, item, models.StatusInProgress); err != nil {
			return err
		}
	}

	output, err := w.runTurn(ctx, *item)
	if err != nil {
		// Reasoning failure: record it and leave the item where it is
		// for the next scheduling pass.
		if herr := w.Store.AppendHistory(ctx, itemID, models.ActionError, err.Error(), w.AgentID); herr != nil {
			return herr
		}
		w.Log.Warn("turn failed", "item_id", itemID, "err", err)
		return nil
	}
	if output != "" {
		if err := w.Store.AppendHistory(ctx, itemID, models.ActionAgentOutput, output, w.AgentID); err != nil {
			return err
		}
	}

	if err := w.settle(ctx, item, output); err != nil {
		return err
	}

	if w.Journal != nil {
		entry := knowledge.JournalEntry{
			ItemID:    itemID,
			ItemTitle: item.Title,
			Outcome:   output,
			CreatedAt: time.Now().UTC(),
		}
		if err := w.Journal.Append(ctx, entry); err != nil {
			w.Log.Warn("journal append failed", "err", err)
		}
	}
	return nil
}

// settle applies the role's outcome to the item after a successful turn.
func (w *Worker) settle(ctx context.Context, item *models.WorkItem, output string) error {
	switch w.Role {
	case models.RoleManager:
		// Triage: backlog items the manager picked up become ready.
		return w.transition(ctx, item, models.StatusReady)

	case models.RoleArchitect:
		return w.fileStories(ctx, item, output)

	case models.RoleDeveloper:
		if err := w.transition(ctx, item, models.StatusReview); err != nil {
			return err
		}
		_, err := w.Bus.HandoffWork(ctx, w.AgentID, AgentIDFor(models.RoleReviewer, 1),
			"ready for review", output, &item.ItemID)
		return err

	case models.RoleReviewer:
		return w.transition(ctx, item, models.StatusDone)

	case models.RoleBugInvestigator:
		if err := w.transition(ctx, item, models.StatusReview); err != nil {
			return err
		}
		_, err := w.Bus.ShareInsight(ctx, w.AgentID, AgentIDFor(models.RoleReviewer, 1),
			"investigation findings", output, &item.ItemID)
		return err
	}
	return nil
}

// transition applies a status change and recomputes the parent epic.
func (w *Worker) transition(ctx context.Context, item *models.WorkItem, to models.ItemStatus) error {
	if err := w.Store.UpdateStatus(ctx, item.ItemID, to, w.AgentID); err != nil {
		return err
	}
	item.Status = to
	if item.ParentID != nil {
		return w.Sched.RecomputeEpicStatus(ctx, *item.ParentID)
	}
	return nil
}

// fileStories turns architect output into story children, one per non-empty
// output line, and assigns them to developers. The epic itself stays put;
// aggregation moves it once a story goes active.
func (w *Worker) fileStories(ctx context.Context, epic *models.WorkItem, output string) error {
	dev := models.RoleDeveloper
	created := 0
	for _, line := range strings.Split(output, "\n") {
		title := strings.TrimSpace(line)
		if title == "" {
			continue
		}
		if created == maxStoriesPerEpic {
			break
		}
		// Born ready: developers only pick up ready items, and triage
		// skips work already assigned to another role.
		_, err := w.Store.CreateWorkItem(ctx, store.CreateItemParams{
			Type:         models.TypeStory,
			ParentID:     &epic.ItemID,
			Title:        title,
			Status:       models.StatusReady,
			AssignedRole: &dev,
			CreatedBy:    w.AgentID,
		})
		if err != nil {
			return err
		}
		created++
	}
	if created > 0 {
		content := fmt.Sprintf("filed %d stories", created)
		if err := w.Store.AppendHistory(ctx, epic.ItemID, models.ActionDecision, content, w.AgentID); err != nil {
			return err
		}
		return w.Sched.RecomputeEpicStatus(ctx, epic.ItemID)
	}
	return nil
}

// runTurn builds the prompt, invokes the runtime, and keeps the lease fresh
// while the runtime is out. The lease is held for the whole call; refreshing
// at half the TTL keeps a slow turn from being reclaimed mid-flight.
func (w *Worker) runTurn(ctx context.Context, item models.WorkItem) (string, error) {
	prompt, err := w.buildPrompt(ctx, item)
	if err != nil {
		return "", err
	}

	req := agentrt.TurnRequest{
		Role:   string(w.Role),
		Agent:  w.AgentID,
		ItemID: &item.ItemID,
		Prompt: prompt,
	}
	if w.RoleCfg != nil {
		req.Model = w.RoleCfg.Model
		req.MaxTokens = w.RoleCfg.MaxTokens
	}

	refreshCtx, stopRefresh := context.WithCancel(ctx)
	defer stopRefresh()
	go w.refreshLoop(refreshCtx, item.ItemID)

	emit := w.Emit
	if emit == nil {
		emit = func(agentrt.Event) {}
	}
	start := time.Now()
	res, err := w.Runtime.RunTurn(ctx, req, emit)
	stopRefresh()
	if err != nil {
		return "", err
	}
	otel.RecordRoleTurn(ctx, string(w.Role), w.AgentID, time.Since(start))
	return res.Output, nil
}

func (w *Worker) refreshLoop(ctx context.Context, itemID string) {
	ticker := time.NewTicker(w.LeaseTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Sched.Refresh(ctx, itemID, w.AgentID); err != nil && ctx.Err() == nil {
				w.Log.Warn("lease refresh failed", "item_id", itemID, "err", err)
			}
		}
	}
}

// buildPrompt assembles title, description, and retrieved knowledge. An empty
// knowledge context is fine; the prompt is just shorter.
func (w *Worker) buildPrompt(ctx context.Context, item models.WorkItem) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", item.Type, item.Title)
	if item.Description != nil && *item.Description != "" {
		b.WriteString("\n\n")
		b.WriteString(*item.Description)
	}
	if w.Retriever != nil {
		kb, err := w.Retriever.Retrieve(ctx, item)
		if err != nil {
			return "", fmt.Errorf("retrieve context: %w", err)
		}
		if kb != "" {
			b.WriteString("\n\n## Context\n\n")
			b.WriteString(kb)
		}
	}
	return b.String(), nil
}

// drainMessages processes the inbox plus any retry-eligible messages. Each
// message is settled through the bus so failures burn retries and eventually
// dead-letter.
func (w *Worker) drainMessages(ctx context.Context) error {
	inbox, err := w.Bus.Inbox(ctx, w.AgentID, 0)
	if err != nil {
		return err
	}
	due, err := w.Bus.ListForRetry(ctx, w.AgentID)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(inbox)+len(due))
	for _, m := range append(inbox, due...) {
		if seen[m.MessageID] {
			continue
		}
		seen[m.MessageID] = true
		if _, err := w.Bus.Process(ctx, m.MessageID, w.handleMessage); err != nil {
			return err
		}
	}
	return nil
}

// handleMessage is the worker's bus handler. Messages tied to a work item are
// recorded in its history; the bug investigator additionally turns warnings
// into bug items.
func (w *Worker) handleMessage(ctx context.Context, m models.AgentMessage) error {
	if w.Role == models.RoleBugInvestigator && m.Type == models.MsgWarning {
		if err := w.fileBug(ctx, m); err != nil {
			return err
		}
	}
	if m.ItemID != nil {
		content := fmt.Sprintf("[%s from %s] %s: %s", m.Type, m.FromAgent, m.Subject, m.Content)
		return w.Store.AppendHistory(ctx, *m.ItemID, models.ActionDecision, content, w.AgentID)
	}
	w.Log.Debug("message consumed", "message_id", m.MessageID, "type", m.Type, "from", m.FromAgent)
	return nil
}

// fileBug creates a bug item from a warning. The warning's subject becomes
// the bug title; a warning about an existing item links the bug under that
// item's parent so the epic picks it up.
func (w *Worker) fileBug(ctx context.Context, m models.AgentMessage) error {
	var parent *string
	if m.ItemID != nil {
		item, err := w.Store.GetWorkItem(ctx, *m.ItemID)
		if err != nil {
			return err
		}
		if item != nil {
			parent = item.ParentID
		}
	}
	title := m.Subject
	if title == "" {
		title = "investigate warning from " + m.FromAgent
	}
	_, err := w.Store.CreateWorkItem(ctx, store.CreateItemParams{
		Type:        models.TypeBug,
		ParentID:    parent,
		Title:       title,
		Description: &m.Content,
		CreatedBy:   w.AgentID,
	})
	return err
}
