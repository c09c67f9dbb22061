package store

import (
	"context"
	"time"

	"github.com/ankittk/crew/pkg/models"
)

// CreateItemParams are the caller-supplied fields for a new work item.
// ItemID may be empty; the store generates one. Status defaults to backlog.
type CreateItemParams struct {
	ItemID       string
	Type         models.ItemType
	ParentID     *string
	Title        string
	Description  *string
	Status       models.ItemStatus
	AssignedRole *models.Role
	Priority     int
	CreatedBy    string
}

// ItemFilter narrows ListWorkItems. Zero values mean "no filter".
type ItemFilter struct {
	Status models.ItemStatus
	Type   models.ItemType
	Role   models.Role
	Limit  int
}

// CreateMessageParams are the caller-supplied fields for a new agent message.
type CreateMessageParams struct {
	FromAgent string
	ToAgent   string
	Type      models.MessageType
	Subject   string
	Content   string
	ItemID    *string
	Priority  models.MessagePriority
}

// Store is the persistence interface for work items, their history log, and
// agent messages. Implementations: the SQLite store returned by Open and
// *postgres.Store (PostgreSQL).
//
// All coordination invariants are conditional single-row updates: the lease
// methods return (claimed bool, err error) where false means expected
// contention, never an error. No caller outside this interface may write
// processing_* fields or message status/retry_count directly.
type Store interface {
	// Work items
	CreateWorkItem(ctx context.Context, p CreateItemParams) (models.WorkItem, error)
	GetWorkItem(ctx context.Context, itemID string) (*models.WorkItem, error)
	ListWorkItems(ctx context.Context, f ItemFilter) ([]models.WorkItem, error)
	ListChildren(ctx context.Context, parentID string) ([]models.WorkItem, error)
	UpdateStatus(ctx context.Context, itemID string, newStatus models.ItemStatus, actor string) error

	// Lease protocol. staleBefore is the cutoff computed by the scheduler
	// service from its configured TTL; leases started before it are stale.
	ClaimWorkItem(ctx context.Context, itemID, agentID string, now, staleBefore time.Time) (bool, error)
	ReleaseWorkItem(ctx context.Context, itemID, agentID string) (bool, error)
	RefreshLease(ctx context.Context, itemID, agentID string, now time.Time) (bool, error)
	SweepStaleLeases(ctx context.Context, staleBefore time.Time) (int64, error)
	ListAvailable(ctx context.Context, staleBefore time.Time) ([]models.WorkItem, error)
	CountActiveOfRole(ctx context.Context, rolePrefix string, activeSince time.Time) (int, error)

	// History (append-only)
	AppendHistory(ctx context.Context, itemID string, action models.HistoryAction, content, createdBy string) error
	ListHistory(ctx context.Context, itemID string) ([]models.WorkHistory, error)

	// Messages. The mutating methods are only called by the message bus.
	CreateMessage(ctx context.Context, p CreateMessageParams) (models.AgentMessage, error)
	GetMessage(ctx context.Context, messageID string) (*models.AgentMessage, error)
	ListInbox(ctx context.Context, agentID string, limit int) ([]models.AgentMessage, error)
	ListMessagesForItem(ctx context.Context, itemID string) ([]models.AgentMessage, error)
	ListPendingRetries(ctx context.Context, agentID string, ceiling int) ([]models.AgentMessage, error)
	MarkMessageDelivered(ctx context.Context, messageID string, at time.Time) error
	MarkMessageRead(ctx context.Context, messageID string, at time.Time) error
	MarkMessageProcessed(ctx context.Context, messageID string, at time.Time) (bool, error)
	RecordMessageFailure(ctx context.Context, messageID, errMsg string, at time.Time, ceiling int) (deadLettered bool, err error)
	ResurrectMessage(ctx context.Context, messageID string) (bool, error)
	DeleteDeadLetters(ctx context.Context, olderThan time.Time) (int64, error)
	MessageStats(ctx context.Context) (models.MessageStats, error)

	// Lifecycle
	Close() error
}
