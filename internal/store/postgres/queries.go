package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ankittk/crew/internal/store"
	"github.com/ankittk/crew/pkg/models"
)

const itemColumns = `item_id, item_type, parent_id, title, description, status, assigned_role, processing_started_at, processing_agent_id, priority, created_at, updated_at`

const msgColumns = `message_id, from_agent, to_agent, message_type, subject, content, item_id, priority, status, retry_count, last_retry_at, error_message, is_dead_letter, created_at, delivered_at, read_at, processed_at`

func (s *Store) CreateWorkItem(ctx context.Context, p store.CreateItemParams) (models.WorkItem, error) {
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
	var role *string
	if p.AssignedRole != nil {
		r := string(*p.AssignedRole)
		role = &r
	}
	_, err := s.Pool.Exec(ctx, `
INSERT INTO work_items(item_id, item_type, parent_id, title, description, status, assigned_role, priority, created_at, updated_at)
VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		id, string(p.Type), p.ParentID, p.Title, p.Description, string(status), role, p.Priority, now, now)
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

func (s *Store) GetWorkItem(ctx context.Context, itemID string) (*models.WorkItem, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM work_items WHERE item_id = $1`, itemID)
	item, err := scanItemRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return item, nil
}

func (s *Store) ListWorkItems(ctx context.Context, f store.ItemFilter) ([]models.WorkItem, error) {
	q := `SELECT ` + itemColumns + ` FROM work_items WHERE TRUE`
	var args []any
	if f.Status != "" {
		args = append(args, string(f.Status))
		q += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	if f.Type != "" {
		args = append(args, string(f.Type))
		q += fmt.Sprintf(` AND item_type = $%d`, len(args))
	}
	if f.Role != "" {
		args = append(args, string(f.Role))
		q += fmt.Sprintf(` AND assigned_role = $%d`, len(args))
	}
	q += ` ORDER BY created_at ASC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	rows, err := s.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectItems(rows)
}

func (s *Store) ListChildren(ctx context.Context, parentID string) ([]models.WorkItem, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+itemColumns+` FROM work_items WHERE parent_id = $1 ORDER BY created_at ASC`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectItems(rows)
}

func (s *Store) UpdateStatus(ctx context.Context, itemID string, newStatus models.ItemStatus, actor string) error {
	if _, err := models.ParseItemStatus(string(newStatus)); err != nil {
		return err
	}
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var typ, cur string
	err = tx.QueryRow(ctx, `SELECT item_type, status FROM work_items WHERE item_id = $1 FOR UPDATE`, itemID).Scan(&typ, &cur)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
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
	if _, err := tx.Exec(ctx, `UPDATE work_items SET status=$1, updated_at=$2 WHERE item_id=$3`, string(newStatus), now, itemID); err != nil {
		return err
	}
	content := fmt.Sprintf(`{"from":%q,"to":%q}`, from, newStatus)
	if _, err := tx.Exec(ctx, `INSERT INTO work_history(item_id, action, content, created_by, created_at) VALUES($1, $2, $3, $4, $5)`,
		itemID, string(models.ActionStatusChange), content, actor, now); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ClaimWorkItem mirrors the SQLite claim: one conditional update, the
// affected-row count decides the winner.
func (s *Store) ClaimWorkItem(ctx context.Context, itemID, agentID string, now, staleBefore time.Time) (bool, error) {
	res, err := s.Pool.Exec(ctx, `
UPDATE work_items SET processing_agent_id=$1, processing_started_at=$2, updated_at=$3
WHERE item_id=$4 AND (processing_agent_id IS NULL OR processing_started_at < $5)`,
		agentID, now.UTC().Unix(), now.UTC().Unix(), itemID, staleBefore.UTC().Unix())
	if err != nil {
		return false, err
	}
	if res.RowsAffected() == 0 {
		return false, nil
	}
	err = s.AppendHistory(ctx, itemID, models.ActionDecision, fmt.Sprintf("claimed by %s", agentID), agentID)
	return true, err
}

func (s *Store) ReleaseWorkItem(ctx context.Context, itemID, agentID string) (bool, error) {
	res, err := s.Pool.Exec(ctx, `
UPDATE work_items SET processing_agent_id=NULL, processing_started_at=NULL, updated_at=$1
WHERE item_id=$2 AND processing_agent_id=$3`,
		time.Now().UTC().Unix(), itemID, agentID)
	if err != nil {
		return false, err
	}
	if res.RowsAffected() == 0 {
		return false, nil
	}
	err = s.AppendHistory(ctx, itemID, models.ActionDecision, fmt.Sprintf("released by %s", agentID), agentID)
	return true, err
}

func (s *Store) RefreshLease(ctx context.Context, itemID, agentID string, now time.Time) (bool, error) {
	res, err := s.Pool.Exec(ctx, `UPDATE work_items SET processing_started_at=$1 WHERE item_id=$2 AND processing_agent_id=$3`,
		now.UTC().Unix(), itemID, agentID)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

func (s *Store) SweepStaleLeases(ctx context.Context, staleBefore time.Time) (int64, error) {
	res, err := s.Pool.Exec(ctx, `
UPDATE work_items
SET processing_agent_id=NULL, processing_started_at=NULL, updated_at=$1
WHERE processing_agent_id IS NOT NULL AND processing_started_at < $2`,
		time.Now().UTC().Unix(), staleBefore.UTC().Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}

func (s *Store) ListAvailable(ctx context.Context, staleBefore time.Time) ([]models.WorkItem, error) {
	rows, err := s.Pool.Query(ctx, `
SELECT `+itemColumns+` FROM work_items
WHERE status != 'done' AND (processing_agent_id IS NULL OR processing_started_at < $1)
ORDER BY
  CASE status WHEN 'review' THEN 0 WHEN 'in_progress' THEN 1 WHEN 'ready' THEN 2 ELSE 3 END,
  CASE item_type WHEN 'bug' THEN 0 WHEN 'story' THEN 1 WHEN 'task' THEN 2 ELSE 3 END,
  created_at ASC,
  item_id ASC`, staleBefore.UTC().Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectItems(rows)
}

func (s *Store) CountActiveOfRole(ctx context.Context, rolePrefix string, activeSince time.Time) (int, error) {
	var n int
	err := s.Pool.QueryRow(ctx, `
SELECT COUNT(DISTINCT processing_agent_id) FROM work_items
WHERE processing_agent_id IS NOT NULL
  AND substr(processing_agent_id, 1, length($1)) = $1
  AND processing_started_at >= $2`,
		rolePrefix, activeSince.UTC().Unix()).Scan(&n)
	return n, err
}

func (s *Store) AppendHistory(ctx context.Context, itemID string, action models.HistoryAction, content, createdBy string) error {
	_, err := s.Pool.Exec(ctx, `INSERT INTO work_history(item_id, action, content, created_by, created_at) VALUES($1, $2, $3, $4, $5)`,
		itemID, string(action), content, createdBy, time.Now().UTC().Unix())
	return err
}

func (s *Store) ListHistory(ctx context.Context, itemID string) ([]models.WorkHistory, error) {
	rows, err := s.Pool.Query(ctx, `SELECT history_id, item_id, action, content, created_by, created_at FROM work_history WHERE item_id = $1 ORDER BY history_id ASC`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
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

func (s *Store) CreateMessage(ctx context.Context, p store.CreateMessageParams) (models.AgentMessage, error) {
	if p.FromAgent == "" || p.ToAgent == "" {
		return models.AgentMessage{}, errors.New("from_agent and to_agent required")
	}
	if _, err := models.ParseMessageType(string(p.Type)); err != nil {
		return models.AgentMessage{}, err
	}
	priority := p.Priority
	if priority == "" {
		priority = models.PriorityMedium
	}
	if _, err := models.ParseMessagePriority(string(priority)); err != nil {
		return models.AgentMessage{}, err
	}
	id := uuid.NewString()
	now := time.Now().UTC().Unix()
	_, err := s.Pool.Exec(ctx, `
INSERT INTO agent_messages(message_id, from_agent, to_agent, message_type, subject, content, item_id, priority, status, retry_count, created_at)
VALUES($1, $2, $3, $4, $5, $6, $7, $8, 'pending', 0, $9)`,
		id, p.FromAgent, p.ToAgent, string(p.Type), p.Subject, p.Content, p.ItemID, string(priority), now)
	if err != nil {
		return models.AgentMessage{}, err
	}
	m, err := s.GetMessage(ctx, id)
	if err != nil {
		return models.AgentMessage{}, err
	}
	if m == nil {
		return models.AgentMessage{}, errors.New("created message not found on read-back")
	}
	return *m, nil
}

func (s *Store) GetMessage(ctx context.Context, messageID string) (*models.AgentMessage, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+msgColumns+` FROM agent_messages WHERE message_id = $1`, messageID)
	m, err := scanMessageRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return m, nil
}

func (s *Store) ListInbox(ctx context.Context, agentID string, limit int) ([]models.AgentMessage, error) {
	if limit <= 0 {
		limit = models.DefaultMessageListLimit
	}
	rows, err := s.Pool.Query(ctx, `
SELECT `+msgColumns+` FROM agent_messages
WHERE to_agent = $1 AND status IN ('pending','delivered') AND is_dead_letter = FALSE AND retry_count = 0
ORDER BY
  CASE priority WHEN 'urgent' THEN 0 WHEN 'high' THEN 1 WHEN 'medium' THEN 2 ELSE 3 END,
  created_at ASC
LIMIT $2`, agentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMessages(rows)
}

func (s *Store) ListMessagesForItem(ctx context.Context, itemID string) ([]models.AgentMessage, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+msgColumns+` FROM agent_messages WHERE item_id = $1 ORDER BY created_at ASC`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMessages(rows)
}

func (s *Store) ListPendingRetries(ctx context.Context, agentID string, ceiling int) ([]models.AgentMessage, error) {
	rows, err := s.Pool.Query(ctx, `
SELECT `+msgColumns+` FROM agent_messages
WHERE to_agent = $1 AND status = 'pending' AND is_dead_letter = FALSE
  AND retry_count > 0 AND retry_count < $2
ORDER BY created_at ASC`, agentID, ceiling)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMessages(rows)
}

func (s *Store) MarkMessageDelivered(ctx context.Context, messageID string, at time.Time) error {
	_, err := s.Pool.Exec(ctx, `
UPDATE agent_messages SET status='delivered', delivered_at=$1
WHERE message_id=$2 AND status='pending' AND is_dead_letter=FALSE`,
		at.UTC().Unix(), messageID)
	return err
}

func (s *Store) MarkMessageRead(ctx context.Context, messageID string, at time.Time) error {
	_, err := s.Pool.Exec(ctx, `
UPDATE agent_messages SET status='read', read_at=COALESCE(read_at, $1), delivered_at=COALESCE(delivered_at, $2)
WHERE message_id=$3 AND status IN ('pending','delivered') AND is_dead_letter=FALSE`,
		at.UTC().Unix(), at.UTC().Unix(), messageID)
	return err
}

func (s *Store) MarkMessageProcessed(ctx context.Context, messageID string, at time.Time) (bool, error) {
	res, err := s.Pool.Exec(ctx, `
UPDATE agent_messages SET status='processed', processed_at=$1
WHERE message_id=$2 AND status IN ('pending','delivered','read') AND is_dead_letter=FALSE`,
		at.UTC().Unix(), messageID)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

func (s *Store) RecordMessageFailure(ctx context.Context, messageID, errMsg string, at time.Time, ceiling int) (bool, error) {
	_, err := s.Pool.Exec(ctx, `
UPDATE agent_messages SET
  retry_count = retry_count + 1,
  error_message = $1,
  last_retry_at = $2,
  status = CASE WHEN retry_count + 1 >= $3 THEN 'failed' ELSE 'pending' END,
  is_dead_letter = CASE WHEN retry_count + 1 >= $4 THEN TRUE ELSE FALSE END
WHERE message_id = $5 AND status IN ('pending','delivered','read') AND is_dead_letter = FALSE`,
		errMsg, at.UTC().Unix(), ceiling, ceiling, messageID)
	if err != nil {
		return false, err
	}
	var dead bool
	err = s.Pool.QueryRow(ctx, `SELECT is_dead_letter FROM agent_messages WHERE message_id = $1`, messageID).Scan(&dead)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return dead, nil
}

func (s *Store) ResurrectMessage(ctx context.Context, messageID string) (bool, error) {
	res, err := s.Pool.Exec(ctx, `
UPDATE agent_messages SET is_dead_letter=FALSE, status='pending', retry_count=0, error_message=NULL
WHERE message_id=$1 AND is_dead_letter=TRUE`, messageID)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

func (s *Store) DeleteDeadLetters(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.Pool.Exec(ctx, `
DELETE FROM agent_messages
WHERE is_dead_letter=TRUE AND last_retry_at IS NOT NULL AND last_retry_at < $1`,
		olderThan.UTC().Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}

func (s *Store) MessageStats(ctx context.Context) (models.MessageStats, error) {
	var st models.MessageStats
	rows, err := s.Pool.Query(ctx, `SELECT status, COUNT(*) FROM agent_messages GROUP BY status`)
	if err != nil {
		return st, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return st, err
		}
		switch models.MessageStatus(status) {
		case models.MsgPending:
			st.Pending = n
		case models.MsgDelivered:
			st.Delivered = n
		case models.MsgRead:
			st.Read = n
		case models.MsgProcessed:
			st.Processed = n
		case models.MsgFailed:
			st.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return st, err
	}
	err = s.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM agent_messages WHERE is_dead_letter=TRUE`).Scan(&st.DeadLetters)
	return st, err
}

// scanItemRow scans a row with itemColumns in order.
func scanItemRow(row pgx.Row) (*models.WorkItem, error) {
	var (
		id        string
		typ       string
		parentID  *string
		title     string
		desc      *string
		status    string
		role      *string
		procAt    *int64
		procAgent *string
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
		ParentID:  parentID,
		Title:     title,
		Description: desc,
		Status:    models.ItemStatus(status),
		ProcessingAgentID: procAgent,
		Priority:  priority,
		CreatedAt: time.Unix(createdAt, 0).UTC(),
		UpdatedAt: time.Unix(updatedAt, 0).UTC(),
	}
	if role != nil {
		r := models.Role(*role)
		item.AssignedRole = &r
	}
	if procAt != nil {
		t := time.Unix(*procAt, 0).UTC()
		item.ProcessingStartedAt = &t
	}
	return item, nil
}

func collectItems(rows pgx.Rows) ([]models.WorkItem, error) {
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

func scanMessageRow(row pgx.Row) (*models.AgentMessage, error) {
	var (
		id          string
		fromAgent   string
		toAgent     string
		typ         string
		subject     string
		content     string
		itemID      *string
		priority    string
		status      string
		retryCount  int
		lastRetryAt *int64
		errMsg      *string
		deadLetter  bool
		createdAt   int64
		deliveredAt *int64
		readAt      *int64
		processedAt *int64
	)
	if err := row.Scan(&id, &fromAgent, &toAgent, &typ, &subject, &content, &itemID, &priority, &status, &retryCount, &lastRetryAt, &errMsg, &deadLetter, &createdAt, &deliveredAt, &readAt, &processedAt); err != nil {
		return nil, err
	}
	m := &models.AgentMessage{
		MessageID:    id,
		FromAgent:    fromAgent,
		ToAgent:      toAgent,
		Type:         models.MessageType(typ),
		Subject:      subject,
		Content:      content,
		ItemID:       itemID,
		Priority:     models.MessagePriority(priority),
		Status:       models.MessageStatus(status),
		RetryCount:   retryCount,
		ErrorMessage: errMsg,
		DeadLetter:   deadLetter,
		CreatedAt:    time.Unix(createdAt, 0).UTC(),
	}
	if lastRetryAt != nil {
		t := time.Unix(*lastRetryAt, 0).UTC()
		m.LastRetryAt = &t
	}
	if deliveredAt != nil {
		t := time.Unix(*deliveredAt, 0).UTC()
		m.DeliveredAt = &t
	}
	if readAt != nil {
		t := time.Unix(*readAt, 0).UTC()
		m.ReadAt = &t
	}
	if processedAt != nil {
		t := time.Unix(*processedAt, 0).UTC()
		m.ProcessedAt = &t
	}
	return m, nil
}

func collectMessages(rows pgx.Rows) ([]models.AgentMessage, error) {
	var out []models.AgentMessage
	for rows.Next() {
		m, err := scanMessageRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}
