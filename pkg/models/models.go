// Package models provides shared types for the crew HTTP API and external tools.
// These types mirror the API JSON and are stable for use by pkg/client and other consumers.
package models

import "time"

// WorkItem is a unit of work in the epic -> story/bug -> task hierarchy.
type WorkItem struct {
	ItemID              string     `json:"item_id"`
	Type                ItemType   `json:"type"`
	ParentID            *string    `json:"parent_id,omitempty"`
	Title               string     `json:"title"`
	Description         *string    `json:"description,omitempty"`
	Status              ItemStatus `json:"status"`
	AssignedRole        *Role      `json:"assigned_role,omitempty"`
	ProcessingStartedAt *time.Time `json:"processing_started_at,omitempty"`
	ProcessingAgentID   *string    `json:"processing_agent_id,omitempty"`
	Priority            int        `json:"priority,omitempty"`
	CreatedAt           time.Time  `json:"created_at,omitempty"`
	UpdatedAt           time.Time  `json:"updated_at,omitempty"`
}

// WorkHistory is one entry in a work item's append-only audit log.
type WorkHistory struct {
	HistoryID int64         `json:"history_id"`
	ItemID    string        `json:"item_id"`
	Action    HistoryAction `json:"action"`
	Content   string        `json:"content"`
	CreatedBy string        `json:"created_by"`
	CreatedAt time.Time     `json:"created_at,omitempty"`
}

// AgentMessage is a directed, typed communication between two agents.
type AgentMessage struct {
	MessageID    string          `json:"message_id"`
	FromAgent    string          `json:"from_agent"`
	ToAgent      string          `json:"to_agent"`
	Type         MessageType     `json:"message_type"`
	Subject      string          `json:"subject"`
	Content      string          `json:"content"`
	ItemID       *string         `json:"item_id,omitempty"`
	Priority     MessagePriority `json:"priority"`
	Status       MessageStatus   `json:"status"`
	RetryCount   int             `json:"retry_count"`
	LastRetryAt  *time.Time      `json:"last_retry_at,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	DeadLetter   bool            `json:"is_dead_letter"`
	CreatedAt    time.Time       `json:"created_at,omitempty"`
	DeliveredAt  *time.Time      `json:"delivered_at,omitempty"`
	ReadAt       *time.Time      `json:"read_at,omitempty"`
	ProcessedAt  *time.Time      `json:"processed_at,omitempty"`
}

// MessageStats is the /messages/stats API response.
type MessageStats struct {
	Pending     int64 `json:"pending"`
	Delivered   int64 `json:"delivered"`
	Read        int64 `json:"read"`
	Processed   int64 `json:"processed"`
	Failed      int64 `json:"failed"`
	DeadLetters int64 `json:"dead_letters"`
}

// Coordination defaults. These are the single source for the scheduler and
// bus service configs; call sites never repeat the literals.
const (
	DefaultLeaseTTL           = 30 * time.Minute
	DefaultMessageRetryLimit  = 3
	DefaultRetryBaseDelay     = 1 * time.Minute
	DefaultSweepInterval      = 60 * time.Second
	DefaultDeadLetterMaxAge   = 30 // days
	DefaultWorkerPollInterval = 5 * time.Second
)

// API limits.
const (
	DefaultMaxRequestBodyBytes = 1 << 20 // 1 MiB
	DefaultItemListLimit       = 1000
	DefaultMessageListLimit    = 500
	DefaultSSEChannelBuffer    = 256
)
