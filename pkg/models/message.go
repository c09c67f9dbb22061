package models

import "fmt"

// MessageType classifies an agent-to-agent message.
type MessageType string

const (
	MsgQuestion     MessageType = "question"
	MsgInsight      MessageType = "insight"
	MsgWarning      MessageType = "warning"
	MsgHandoff      MessageType = "handoff"
	MsgRequest      MessageType = "request"
	MsgNotification MessageType = "notification"
	MsgQuery        MessageType = "query"
)

// MessagePriority is a scheduling concern: higher priorities are delivered
// first, low-priority messages are still delivered, just later.
type MessagePriority string

const (
	PriorityLow    MessagePriority = "low"
	PriorityMedium MessagePriority = "medium"
	PriorityHigh   MessagePriority = "high"
	PriorityUrgent MessagePriority = "urgent"
)

// MessageStatus is the delivery state of an agent message.
type MessageStatus string

const (
	MsgPending   MessageStatus = "pending"
	MsgDelivered MessageStatus = "delivered"
	MsgRead      MessageStatus = "read"
	MsgProcessed MessageStatus = "processed"
	MsgFailed    MessageStatus = "failed"
)

// ParseMessageType validates a raw message type string.
func ParseMessageType(s string) (MessageType, error) {
	switch t := MessageType(s); t {
	case MsgQuestion, MsgInsight, MsgWarning, MsgHandoff, MsgRequest, MsgNotification, MsgQuery:
		return t, nil
	}
	return "", fmt.Errorf("invalid message type: %q", s)
}

// ParseMessagePriority validates a raw priority string.
func ParseMessagePriority(s string) (MessagePriority, error) {
	switch p := MessagePriority(s); p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return p, nil
	}
	return "", fmt.Errorf("invalid message priority: %q", s)
}

// Rank orders priorities for delivery: urgent first.
func (p MessagePriority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	default:
		return 3
	}
}
