package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ankittk/crew/pkg/models"
)

const itemColumns = `item_id, item_type, parent_id, title, description, status, assigned_role, processing_started_at, processing_agent_id, priority, created_at, updated_at`

// CreateWorkItem inserts a work item and returns the persisted row read back,
// so the caller observes server-assigned defaults (timestamps, generated id).
func (s *sqliteStore) CreateWorkItem(ctx context.Context, p CreateItemParams) (models.WorkItem, error) {
	if p.Title == "" {
		return models.WorkItem{}, errors.New("title required")
	}
	if _, err := models.ParseItemType(string(p.Type)); err != nil {
		return models.WorkItem{}, err
	}
	status := p.Status
	if status == "" {
		status = models.StatusBacklog
	}
	if _, err := models.ParseItemStatus(string(status)); err != nil {
		return models.WorkItem{}, err
	}
	if p.Type == models.TypeEpic && p.ParentID != nil {
		return models.WorkItem{}, errors.New("epics cannot have a parent")
	}
	if p.ParentID != nil {
		parent, err := s.GetWorkItem(ctx, *p.ParentID)
		if err != nil {
			return models.WorkItem{}, err
		}
		if parent == nil {
			return models.WorkItem{}, fmt.Errorf("parent not found: %s", *p.ParentID)
		}
	}
	id := p.ItemID
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC().Unix()
	var role any
	if p.AssignedRole != nil {
		role = string(*p.AssignedRole)
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO work_items(item_id, item_type, parent_id, title, description, status, assigned_role, priority, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, string(p.Type), toNull(p.ParentID), p.Title, toNull(p.Description), string(status), role, p.Priority, now, now)
	if err != nil {
		return models.WorkItem{}, err
	}
	item, err := s.GetWorkItem(ctx, id)
	if err != nil {
		return models.WorkItem{}, err
	}
	if item == nil {
		return models.WorkItem{}, errors.New("created item not found on read-back")
	}
	return *item, nil
}

func (s *sqliteStore) GetWorkItem(ctx context.Context, itemID string) (*models.WorkItem, error) {
	row := s.stmtGetItem.QueryRowContext(ctx, itemID)
	item, err := scanItemRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return item, nil
}

func (s *sqliteStore) ListWorkItems(ctx context.Context, f ItemFilter) ([]models.WorkItem, error) {
	q := `SELECT ` + itemColumns + ` FROM work_items WHERE 1=1`
	var args []any
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.Type != "" {
		q += ` AND item_type = ?`
		args = append(args, string(f.Type))
	}
	if f.Role != "" {
		q += ` AND assigned_role = ?`
		args = append(args, string(f.Role))
	}
	q += ` ORDER BY created_at ASC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectItems(rows)
}

func (s *sqliteStore) ListChildren(ctx context.Context, parentID string) ([]models.WorkItem, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+itemColumns+` FROM work_items WHERE parent_id = ? ORDER BY created_at ASC`, parentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectItems(rows)
}

// UpdateStatus transitions a work item and appends one status_change history
// entry recording {from, to}. Both writes commit or roll back together.
// Illegal transitions per the closed transition table are errors.
func (s *sqliteStore) UpdateStatus(ctx context.Context, itemID string, newStatus models.ItemStatus, actor string) error {
	if _, err := models.ParseItemStatus(string(newStatus)); err != nil {
		return err
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var typ, cur string
	err = tx.QueryRowContext(ctx, `SELECT item_type, status FROM work_items WHERE item_id = ?`, itemID).Scan(&typ, &cur)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("work item not found: %s", itemID)
		}
		return err
	}
	from := models.ItemStatus(cur)
	if from == newStatus {
		return nil
	}
	if !models.CanTransition(models.ItemType(typ), from, newStatus) {
		return fmt.Errorf("illegal status transition for %s %s: %s -> %s", typ, itemID, from, newStatus)
	}
	now := time.Now().UTC().Unix()
	if _, err := tx.ExecContext(ctx, `UPDATE work_items SET status=?, updated_at=? WHERE item_id=?`, string(newStatus), now, itemID); err != nil {
		return err
	}
	content := fmt.Sprintf(`{"from":%q,"to":%q}`, from, newStatus)
	if _, err := tx.ExecContext(ctx, `INSERT INTO work_history(item_id, action, content, created_by, created_at) VALUES(?, ?, ?, ?, ?)`,
		itemID, string(models.ActionStatusChange), content, actor, now); err != nil {
		return err
	}
	return tx.Commit()
}

// AppendHistory adds one entry to the append-only log. Entries are never
// updated or deleted.
func (s *sqliteStore) AppendHistory(ctx context.Context, itemID string, action models.HistoryAction, content, createdBy string) error {
	_, err := s.stmtAppendHist.ExecContext(ctx, itemID, string(action), content, createdBy, time.Now().UTC().Unix())
	return err
}

func (s *sqliteStore) ListHistory(ctx context.Context, itemID string) ([]models.WorkHistory, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT history_id, item_id, action, content, created_by, created_at FROM work_history WHERE item_id = ? ORDER BY history_id ASC`, itemID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []models.WorkHistory
	for rows.Next() {
		var h models.WorkHistory
		var action string
		var createdAt int64
		if err := rows.Scan(&h.HistoryID, &h.ItemID, &action, &h.Content, &h.CreatedBy, &createdAt); err != nil {
			return nil, err
		}
		h.Action = models.HistoryAction(action)
		h.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, h)
	}
	return out, rows.Err()
}

// scanItemRow scans the current row (must have itemColumns in order).
func scanItemRow(row interface{ Scan(dest ...any) error }) (*models.WorkItem, error) {
	var (
		id        string
		typ       string
		parentID  sql.NullString
		title     string
		desc      sql.NullString
		status    string
		role      sql.NullString
		procAt    sql.NullInt64
		procAgent sql.NullString
		priority  int
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(&id, &typ, &parentID, &title, &desc, &status, &role, &procAt, &procAgent, &priority, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	item := &models.WorkItem{
		ItemID:    id,
		Type:      models.ItemType(typ),
		Title:     title,
		Status:    models.ItemStatus(status),
		Priority:  priority,
		CreatedAt: time.Unix(createdAt, 0).UTC(),
		UpdatedAt: time.Unix(updatedAt, 0).UTC(),
	}
	if parentID.Valid {
		item.ParentID = &parentID.String
	}
	if desc.Valid {
		item.Description = &desc.String
	}
	if role.Valid {
		r := models.Role(role.String)
		item.AssignedRole = &r
	}
	if procAt.Valid {
		t := time.Unix(procAt.Int64, 0).UTC()
		item.ProcessingStartedAt = &t
	}
	if procAgent.Valid {
		item.ProcessingAgentID = &procAgent.String
	}
	return item, nil
}

func collectItems(rows *sql.Rows) ([]models.WorkItem, error) {
	var out []models.WorkItem
	for rows.Next() {
		item, err := scanItemRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *item)
	}
	return out, rows.Err()
}

func toNull(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
