// Package bus implements at-least-once inter-agent messaging over the store:
// send, handler-driven processing with bounded retries, exponential backoff,
// and a dead-letter quarantine with manual resurrection.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ankittk/crew/internal/otel"
	"github.com/ankittk/crew/internal/store"
	"github.com/ankittk/crew/pkg/models"
)

// Handler consumes one message. A nil return marks the message processed; an
// error counts one failed attempt against its retry budget.
type Handler func(ctx context.Context, m models.AgentMessage) error

// Config carries the bus tunables. Zero values fall back to the package
// defaults in pkg/models.
type Config struct {
	// RetryLimit is the attempt ceiling; reaching it dead-letters the
	// message.
	RetryLimit int
	// RetryBaseDelay seeds the exponential backoff: a message that has
	// failed n times is not retried before last_retry_at + base * 2^n.
	RetryBaseDelay time.Duration
}

type Bus struct {
	st  store.Store
	cfg Config
	log *slog.Logger

	now func() time.Time
}

func New(st store.Store, cfg Config, log *slog.Logger) *Bus {
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = models.DefaultMessageRetryLimit
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = models.DefaultRetryBaseDelay
	}
	if log == nil {
		log = slog.Default()
	}
	return &Bus{st: st, cfg: cfg, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// Send inserts a pending message with a zero retry count.
func (b *Bus) Send(ctx context.Context, p store.CreateMessageParams) (models.AgentMessage, error) {
	m, err := b.st.CreateMessage(ctx, p)
	if err != nil {
		return models.AgentMessage{}, fmt.Errorf("send message: %w", err)
	}
	otel.RecordMessageOp(ctx, "send", string(m.Type))
	b.log.Debug("message sent", "message_id", m.MessageID, "from", m.FromAgent, "to", m.ToAgent, "type", m.Type)
	return m, nil
}

// Process marks the message read, runs the handler, and settles the outcome:
// handler success moves the message to processed and returns true; handler
// failure burns one retry, keeps the message pending until the ceiling, then
// dead-letters it, and returns false either way. Handler errors are captured
// into the message record, never propagated. Dead letters and already
// processed messages are skipped.
func (b *Bus) Process(ctx context.Context, messageID string, h Handler) (bool, error) {
	m, err := b.st.GetMessage(ctx, messageID)
	if err != nil {
		return false, fmt.Errorf("process message %s: %w", messageID, err)
	}
	if m == nil || m.DeadLetter || m.Status == models.MsgProcessed {
		return false, nil
	}

	now := b.now()
	if err := b.st.MarkMessageRead(ctx, messageID, now); err != nil {
		return false, fmt.Errorf("process message %s: %w", messageID, err)
	}

	if herr := h(ctx, *m); herr != nil {
		dead, err := b.st.RecordMessageFailure(ctx, messageID, herr.Error(), b.now(), b.cfg.RetryLimit)
		if err != nil {
			return false, fmt.Errorf("record failure for message %s: %w", messageID, err)
		}
		if dead {
			otel.RecordDeadLetter(ctx, string(m.Type))
			b.log.Warn("message dead-lettered", "message_id", messageID, "to", m.ToAgent, "err", herr)
		} else {
			b.log.Debug("message handler failed, will retry", "message_id", messageID, "err", herr)
		}
		return false, nil
	}

	ok, err := b.st.MarkMessageProcessed(ctx, messageID, b.now())
	if err != nil {
		return false, fmt.Errorf("mark processed %s: %w", messageID, err)
	}
	if ok {
		otel.RecordMessageOp(ctx, "process", string(m.Type))
	}
	return ok, nil
}

// ListForRetry returns the agent's failed-but-not-exhausted messages whose
// backoff window has elapsed: now - last_retry_at >= base * 2^retry_count.
func (b *Bus) ListForRetry(ctx context.Context, agentID string) ([]models.AgentMessage, error) {
	candidates, err := b.st.ListPendingRetries(ctx, agentID, b.cfg.RetryLimit)
	if err != nil {
		return nil, fmt.Errorf("list retries for %s: %w", agentID, err)
	}
	now := b.now()
	var due []models.AgentMessage
	for _, m := range candidates {
		if m.LastRetryAt == nil {
			due = append(due, m)
			continue
		}
		delay := b.cfg.RetryBaseDelay * (1 << m.RetryCount)
		if now.Sub(*m.LastRetryAt) >= delay {
			due = append(due, m)
		}
	}
	return due, nil
}

// Inbox is the agent's delivery queue: pending and delivered messages that
// have not failed yet, urgent first, oldest first within a priority. Failed
// messages wait for ListForRetry; the backoff window is the only way back in.
func (b *Bus) Inbox(ctx context.Context, agentID string, limit int) ([]models.AgentMessage, error) {
	return b.st.ListInbox(ctx, agentID, limit)
}

// ListForItem returns every message attached to a work item, oldest first.
func (b *Bus) ListForItem(ctx context.Context, itemID string) ([]models.AgentMessage, error) {
	return b.st.ListMessagesForItem(ctx, itemID)
}

// Resurrect returns a dead letter to the live queue with a fresh retry
// budget. It is only valid on dead letters and it is never called
// automatically.
func (b *Bus) Resurrect(ctx context.Context, messageID string) (bool, error) {
	ok, err := b.st.ResurrectMessage(ctx, messageID)
	if err != nil {
		return false, fmt.Errorf("resurrect message %s: %w", messageID, err)
	}
	if ok {
		otel.RecordMessageOp(ctx, "resurrect", "")
		b.log.Info("message resurrected", "message_id", messageID)
	}
	return ok, nil
}

// CleanupDeadLetters irrevocably deletes dead letters older than the given
// number of days.
func (b *Bus) CleanupDeadLetters(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays <= 0 {
		olderThanDays = models.DefaultDeadLetterMaxAge
	}
	n, err := b.st.DeleteDeadLetters(ctx, b.now().AddDate(0, 0, -olderThanDays))
	if err != nil {
		return 0, fmt.Errorf("cleanup dead letters: %w", err)
	}
	if n > 0 {
		b.log.Info("dead letters purged", "count", n)
	}
	return n, nil
}

// Stats returns message counts by status plus the dead-letter total.
func (b *Bus) Stats(ctx context.Context) (models.MessageStats, error) {
	return b.st.MessageStats(ctx)
}

// Convenience senders. Thin constructors over Send fixing the message type
// and default priority; they carry no logic of their own.

func (b *Bus) AskQuestion(ctx context.Context, from, to, subject, content string, itemID *string) (models.AgentMessage, error) {
	return b.Send(ctx, store.CreateMessageParams{
		FromAgent: from, ToAgent: to, Type: models.MsgQuestion,
		Subject: subject, Content: content, ItemID: itemID,
		Priority: models.PriorityMedium,
	})
}

func (b *Bus) ShareInsight(ctx context.Context, from, to, subject, content string, itemID *string) (models.AgentMessage, error) {
	return b.Send(ctx, store.CreateMessageParams{
		FromAgent: from, ToAgent: to, Type: models.MsgInsight,
		Subject: subject, Content: content, ItemID: itemID,
		Priority: models.PriorityMedium,
	})
}

func (b *Bus) SendWarning(ctx context.Context, from, to, subject, content string, itemID *string) (models.AgentMessage, error) {
	return b.Send(ctx, store.CreateMessageParams{
		FromAgent: from, ToAgent: to, Type: models.MsgWarning,
		Subject: subject, Content: content, ItemID: itemID,
		Priority: models.PriorityHigh,
	})
}

func (b *Bus) HandoffWork(ctx context.Context, from, to, subject, content string, itemID *string) (models.AgentMessage, error) {
	return b.Send(ctx, store.CreateMessageParams{
		FromAgent: from, ToAgent: to, Type: models.MsgHandoff,
		Subject: subject, Content: content, ItemID: itemID,
		Priority: models.PriorityHigh,
	})
}
