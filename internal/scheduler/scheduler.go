// Package scheduler implements the lease protocol and availability ordering
// for work items. It is the only writer of lease fields: role workers claim,
// refresh, and release through it, and a maintenance loop sweeps leases whose
// holders went away.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ankittk/crew/internal/otel"
	"github.com/ankittk/crew/internal/store"
	"github.com/ankittk/crew/pkg/models"
)

// Config carries the scheduler's tunables. The zero value is usable; missing
// fields fall back to the package defaults in pkg/models.
type Config struct {
	// LeaseTTL is the staleness threshold: a lease older than this is
	// claimable by anyone and clearable by the sweep.
	LeaseTTL time.Duration
	// MaxConcurrent caps active lease holders per role prefix. Zero means
	// no cap.
	MaxConcurrent int
}

// Scheduler is an explicit service object: constructed with its config and an
// injected store handle, never ambient state.
type Scheduler struct {
	st  store.Store
	cfg Config
	log *slog.Logger

	now func() time.Time
}

func New(st store.Store, cfg Config, log *slog.Logger) *Scheduler {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = models.DefaultLeaseTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{st: st, cfg: cfg, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// Claim attempts to take the lease on an item. False means another agent holds
// a fresh lease or the item does not exist; both are expected contention, not
// errors.
func (s *Scheduler) Claim(ctx context.Context, itemID, agentID string) (bool, error) {
	now := s.now()
	ok, err := s.st.ClaimWorkItem(ctx, itemID, agentID, now, now.Add(-s.cfg.LeaseTTL))
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", itemID, err)
	}
	if ok {
		otel.RecordClaim(ctx, agentID, "won")
		s.log.Debug("lease claimed", "item_id", itemID, "agent_id", agentID)
	} else {
		otel.RecordClaim(ctx, agentID, "lost")
	}
	return ok, nil
}

// Release clears the lease if agentID holds it. False for a non-owner or an
// already-free item.
func (s *Scheduler) Release(ctx context.Context, itemID, agentID string) (bool, error) {
	ok, err := s.st.ReleaseWorkItem(ctx, itemID, agentID)
	if err != nil {
		return false, fmt.Errorf("release %s: %w", itemID, err)
	}
	if ok {
		s.log.Debug("lease released", "item_id", itemID, "agent_id", agentID)
	}
	return ok, nil
}

// Refresh extends the holder's lease. Long-running holders call this before
// the TTL expires so their work is not reclaimed mid-turn.
func (s *Scheduler) Refresh(ctx context.Context, itemID, agentID string) (bool, error) {
	ok, err := s.st.RefreshLease(ctx, itemID, agentID, s.now())
	if err != nil {
		return false, fmt.Errorf("refresh lease %s: %w", itemID, err)
	}
	return ok, nil
}

// SweepStale unconditionally clears every lease older than the TTL, regardless
// of holder. The availability query already treats such leases as claimable;
// the sweep additionally recovers items nobody asks for again.
func (s *Scheduler) SweepStale(ctx context.Context) (int64, error) {
	n, err := s.st.SweepStaleLeases(ctx, s.now().Add(-s.cfg.LeaseTTL))
	if err != nil {
		return 0, fmt.Errorf("sweep stale leases: %w", err)
	}
	if n > 0 {
		otel.RecordSweep(ctx, n)
		s.log.Info("swept stale leases", "count", n)
	}
	return n, nil
}

// ListAvailable returns the ordered candidate list: every non-done item whose
// lease is empty or stale, closest-to-done first, defects before features,
// oldest first within a rank. Callers must still Claim before acting; the
// list can lose races the moment it is returned.
func (s *Scheduler) ListAvailable(ctx context.Context) ([]models.WorkItem, error) {
	return s.st.ListAvailable(ctx, s.now().Add(-s.cfg.LeaseTTL))
}

// CountActiveOfRole counts distinct fresh lease holders whose agent id starts
// with the role prefix.
func (s *Scheduler) CountActiveOfRole(ctx context.Context, role models.Role) (int, error) {
	return s.st.CountActiveOfRole(ctx, string(role)+"-", s.now().Add(-s.cfg.LeaseTTL))
}

// CanAdmit is the backpressure gate: true when the role's active holder count
// is below the configured ceiling. With no ceiling configured everything is
// admitted.
func (s *Scheduler) CanAdmit(ctx context.Context, role models.Role) (bool, error) {
	if s.cfg.MaxConcurrent <= 0 {
		return true, nil
	}
	n, err := s.CountActiveOfRole(ctx, role)
	if err != nil {
		return false, err
	}
	return n < s.cfg.MaxConcurrent, nil
}

// RecomputeEpicStatus re-derives an epic's status from its direct children:
// every child done moves the epic to done, any active child moves it to
// in_progress. Applied only when the derived status differs from the current
// one, so repeat calls with unchanged children are no-ops. Call it after
// every child status change; a childless epic is left untouched.
func (s *Scheduler) RecomputeEpicStatus(ctx context.Context, epicID string) error {
	epic, err := s.st.GetWorkItem(ctx, epicID)
	if err != nil {
		return fmt.Errorf("recompute epic %s: %w", epicID, err)
	}
	if epic == nil || epic.Type != models.TypeEpic {
		return nil
	}

	children, err := s.st.ListChildren(ctx, epicID)
	if err != nil {
		return fmt.Errorf("recompute epic %s: %w", epicID, err)
	}
	if len(children) == 0 {
		return nil
	}

	hasActive := false
	allDone := true
	for _, c := range children {
		if c.Status.Active() {
			hasActive = true
		}
		if c.Status != models.StatusDone {
			allDone = false
		}
	}

	var next models.ItemStatus
	switch {
	case allDone && epic.Status != models.StatusDone:
		next = models.StatusDone
	case hasActive && epic.Status != models.StatusInProgress:
		next = models.StatusInProgress
	default:
		return nil
	}

	if err := s.st.UpdateStatus(ctx, epicID, next, "scheduler"); err != nil {
		return fmt.Errorf("recompute epic %s: %w", epicID, err)
	}
	s.log.Info("epic status recomputed", "epic_id", epicID, "status", next)
	return nil
}

// NotifyChildChange recomputes the parent epic, if any, after a child status
// change. It resolves the parent chain one level; stories and bugs are the
// only children epics have, so one level is the whole chain.
func (s *Scheduler) NotifyChildChange(ctx context.Context, itemID string) error {
	item, err := s.st.GetWorkItem(ctx, itemID)
	if err != nil || item == nil || item.ParentID == nil {
		return err
	}
	return s.RecomputeEpicStatus(ctx, *item.ParentID)
}
