package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ankittk/crew/pkg/models"
)

const msgColumns = `message_id, from_agent, to_agent, message_type, subject, content, item_id, priority, status, retry_count, last_retry_at, error_message, is_dead_letter, created_at, delivered_at, read_at, processed_at`

// CreateMessage inserts a pending message with retry_count=0 and returns the
// persisted row read back.
func (s *sqliteStore) CreateMessage(ctx context.Context, p CreateMessageParams) (models.AgentMessage, error) {
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
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO agent_messages(message_id, from_agent, to_agent, message_type, subject, content, item_id, priority, status, retry_count, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, 'pending', 0, ?)`,
		id, p.FromAgent, p.ToAgent, string(p.Type), p.Subject, p.Content, toNull(p.ItemID), string(priority), now)
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

func (s *sqliteStore) GetMessage(ctx context.Context, messageID string) (*models.AgentMessage, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+msgColumns+` FROM agent_messages WHERE message_id = ?`, messageID)
	m, err := scanMessageRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return m, nil
}

// ListInbox returns undelivered and delivered-but-unprocessed messages for an
// agent, ordered by priority rank (urgent first) then created_at ascending.
// Messages with a failed attempt are excluded; they re-enter delivery through
// ListPendingRetries once their backoff elapses. Dead letters are invisible
// here until explicitly resurrected.
func (s *sqliteStore) ListInbox(ctx context.Context, agentID string, limit int) ([]models.AgentMessage, error) {
	if limit <= 0 {
		limit = models.DefaultMessageListLimit
	}
	rows, err := s.stmtInbox.QueryContext(ctx, agentID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectMessages(rows)
}

func (s *sqliteStore) ListMessagesForItem(ctx context.Context, itemID string) ([]models.AgentMessage, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+msgColumns+` FROM agent_messages WHERE item_id = ? ORDER BY created_at ASC`, itemID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectMessages(rows)
}

// ListPendingRetries returns pending messages for an agent that have failed at
// least once but not reached the ceiling. Backoff eligibility is decided by
// the bus, which owns the delay configuration.
func (s *sqliteStore) ListPendingRetries(ctx context.Context, agentID string, ceiling int) ([]models.AgentMessage, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT `+msgColumns+` FROM agent_messages
WHERE to_agent = ? AND status = 'pending' AND is_dead_letter = 0
  AND retry_count > 0 AND retry_count < ?
ORDER BY created_at ASC`, agentID, ceiling)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectMessages(rows)
}

func (s *sqliteStore) MarkMessageDelivered(ctx context.Context, messageID string, at time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE agent_messages SET status='delivered', delivered_at=?
WHERE message_id=? AND status='pending' AND is_dead_letter=0`,
		at.UTC().Unix(), messageID)
	return err
}

func (s *sqliteStore) MarkMessageRead(ctx context.Context, messageID string, at time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE agent_messages SET status='read', read_at=COALESCE(read_at, ?), delivered_at=COALESCE(delivered_at, ?)
WHERE message_id=? AND status IN ('pending','delivered') AND is_dead_letter=0`,
		at.UTC().Unix(), at.UTC().Unix(), messageID)
	return err
}

// MarkMessageProcessed moves a message to its terminal state. A processed
// message is immutable thereafter; repeat calls affect zero rows.
func (s *sqliteStore) MarkMessageProcessed(ctx context.Context, messageID string, at time.Time) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
UPDATE agent_messages SET status='processed', processed_at=?
WHERE message_id=? AND status IN ('pending','delivered','read') AND is_dead_letter=0`,
		at.UTC().Unix(), messageID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RecordMessageFailure increments retry_count, stores the handler error, and
// flips the message to failed/dead-letter in the same statement once the
// ceiling is reached. retry_count only ever increases.
func (s *sqliteStore) RecordMessageFailure(ctx context.Context, messageID, errMsg string, at time.Time, ceiling int) (bool, error) {
	_, err := s.DB.ExecContext(ctx, `
UPDATE agent_messages SET
  retry_count = retry_count + 1,
  error_message = ?,
  last_retry_at = ?,
  status = CASE WHEN retry_count + 1 >= ? THEN 'failed' ELSE 'pending' END,
  is_dead_letter = CASE WHEN retry_count + 1 >= ? THEN 1 ELSE 0 END
WHERE message_id = ? AND status IN ('pending','delivered','read') AND is_dead_letter = 0`,
		errMsg, at.UTC().Unix(), ceiling, ceiling, messageID)
	if err != nil {
		return false, err
	}
	var dead bool
	err = s.DB.QueryRowContext(ctx, `SELECT is_dead_letter FROM agent_messages WHERE message_id = ?`, messageID).Scan(&dead)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return dead, nil
}

// ResurrectMessage is only valid on a dead letter: back to pending with
// retry_count=0 and the error cleared. Returns false if the message is not
// dead-lettered.
func (s *sqliteStore) ResurrectMessage(ctx context.Context, messageID string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
UPDATE agent_messages SET is_dead_letter=0, status='pending', retry_count=0, error_message=NULL
WHERE message_id=? AND is_dead_letter=1`, messageID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeleteDeadLetters irrevocably removes dead letters whose last retry predates
// the cutoff.
func (s *sqliteStore) DeleteDeadLetters(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
DELETE FROM agent_messages
WHERE is_dead_letter=1 AND last_retry_at IS NOT NULL AND last_retry_at < ?`,
		olderThan.UTC().Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) MessageStats(ctx context.Context) (models.MessageStats, error) {
	var st models.MessageStats
	rows, err := s.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM agent_messages GROUP BY status`)
	if err != nil {
		return st, err
	}
	defer func() { _ = rows.Close() }()
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
	err = s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM agent_messages WHERE is_dead_letter=1`).Scan(&st.DeadLetters)
	return st, err
}

func scanMessageRow(row interface{ Scan(dest ...any) error }) (*models.AgentMessage, error) {
	var (
		id          string
		fromAgent   string
		toAgent     string
		typ         string
		subject     string
		content     string
		itemID      sql.NullString
		priority    string
		status      string
		retryCount  int
		lastRetryAt sql.NullInt64
		errMsg      sql.NullString
		deadLetter  bool
		createdAt   int64
		deliveredAt sql.NullInt64
		readAt      sql.NullInt64
		processedAt sql.NullInt64
	)
	if err := row.Scan(&id, &fromAgent, &toAgent, &typ, &subject, &content, &itemID, &priority, &status, &retryCount, &lastRetryAt, &errMsg, &deadLetter, &createdAt, &deliveredAt, &readAt, &processedAt); err != nil {
		return nil, err
	}
	m := &models.AgentMessage{
		MessageID:  id,
		FromAgent:  fromAgent,
		ToAgent:    toAgent,
		Type:       models.MessageType(typ),
		Subject:    subject,
		Content:    content,
		Priority:   models.MessagePriority(priority),
		Status:     models.MessageStatus(status),
		RetryCount: retryCount,
		DeadLetter: deadLetter,
		CreatedAt:  time.Unix(createdAt, 0).UTC(),
	}
	if itemID.Valid {
		m.ItemID = &itemID.String
	}
	if errMsg.Valid {
		m.ErrorMessage = &errMsg.String
	}
	if lastRetryAt.Valid {
		t := time.Unix(lastRetryAt.Int64, 0).UTC()
		m.LastRetryAt = &t
	}
	if deliveredAt.Valid {
		t := time.Unix(deliveredAt.Int64, 0).UTC()
		m.DeliveredAt = &t
	}
	if readAt.Valid {
		t := time.Unix(readAt.Int64, 0).UTC()
		m.ReadAt = &t
	}
	if processedAt.Valid {
		t := time.Unix(processedAt.Int64, 0).UTC()
		m.ProcessedAt = &t
	}
	return m, nil
}

func collectMessages(rows *sql.Rows) ([]models.AgentMessage, error) {
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
