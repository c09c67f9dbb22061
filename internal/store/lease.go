package store

import (
	"context"
	"fmt"
	"time"

	"github.com/ankittk/crew/pkg/models"
)

// ClaimWorkItem attempts to acquire the lease on an item with a single
// conditional update: it succeeds only if the lease is empty or stale
// (started before staleBefore). The affected-row count is the sole
// synchronization primitive; under contention the database's write
// serialization guarantees exactly one caller observes success.
// Claims on nonexistent ids affect zero rows and return (false, nil).
func (s *sqliteStore) ClaimWorkItem(ctx context.Context, itemID, agentID string, now, staleBefore time.Time) (bool, error) {
	res, err := s.stmtClaim.ExecContext(ctx, agentID, now.UTC().Unix(), now.UTC().Unix(), itemID, staleBefore.UTC().Unix())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	err = s.AppendHistory(ctx, itemID, models.ActionDecision, fmt.Sprintf("claimed by %s", agentID), agentID)
	return true, err
}

// ReleaseWorkItem clears the lease only if agentID currently holds it. An
// agent can never release a lease it does not hold; that case returns
// (false, nil), not an error.
func (s *sqliteStore) ReleaseWorkItem(ctx context.Context, itemID, agentID string) (bool, error) {
	res, err := s.stmtRelease.ExecContext(ctx, time.Now().UTC().Unix(), itemID, agentID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	err = s.AppendHistory(ctx, itemID, models.ActionDecision, fmt.Sprintf("released by %s", agentID), agentID)
	return true, err
}

// RefreshLease extends the holder's lease by touching processing_started_at.
// Ownership-checked like ReleaseWorkItem; no history entry.
func (s *sqliteStore) RefreshLease(ctx context.Context, itemID, agentID string, now time.Time) (bool, error) {
	res, err := s.stmtRefresh.ExecContext(ctx, now.UTC().Unix(), itemID, agentID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SweepStaleLeases unconditionally clears every lease started before the
// cutoff, regardless of holder. Safety net for leases that are never
// re-contended; returns the number cleared.
func (s *sqliteStore) SweepStaleLeases(ctx context.Context, staleBefore time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
UPDATE work_items
SET processing_agent_id=NULL, processing_started_at=NULL, updated_at=?
WHERE processing_agent_id IS NOT NULL AND processing_started_at < ?`,
		time.Now().UTC().Unix(), staleBefore.UTC().Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListAvailable returns claimable items: not done, lease empty or stale.
// Order: status rank (review < in_progress < ready < others), then type rank
// (bug < story < task < epic), then created_at ascending with item_id as the
// final tie-break so items created in the same second keep a fixed order.
// The list may be stale by the time it is consumed; callers must still claim.
func (s *sqliteStore) ListAvailable(ctx context.Context, staleBefore time.Time) ([]models.WorkItem, error) {
	rows, err := s.stmtListAvail.QueryContext(ctx, staleBefore.UTC().Unix())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectItems(rows)
}

// CountActiveOfRole counts distinct lease holders whose agent id is prefixed
// by the role name and whose lease started within the staleness window. The
// prefix is compared with substr, not LIKE, so underscores in role names
// (bug_investigator) match literally.
func (s *sqliteStore) CountActiveOfRole(ctx context.Context, rolePrefix string, activeSince time.Time) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `
SELECT COUNT(DISTINCT processing_agent_id) FROM work_items
WHERE processing_agent_id IS NOT NULL
  AND substr(processing_agent_id, 1, length(?)) = ?
  AND processing_started_at >= ?`,
		rolePrefix, rolePrefix, activeSince.UTC().Unix()).Scan(&n)
	return n, err
}
