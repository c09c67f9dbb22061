package models

import "fmt"

// ItemStatus is the lifecycle state of a work item.
type ItemStatus string

const (
	StatusBacklog    ItemStatus = "backlog"
	StatusReady      ItemStatus = "ready"
	StatusInProgress ItemStatus = "in_progress"
	StatusReview     ItemStatus = "review"
	StatusDone       ItemStatus = "done"
)

// ItemType classifies a work item within the epic -> story/bug -> task hierarchy.
type ItemType string

const (
	TypeEpic  ItemType = "epic"
	TypeStory ItemType = "story"
	TypeTask  ItemType = "task"
	TypeBug   ItemType = "bug"
)

// Role names for the worker pool.
type Role string

const (
	RoleManager         Role = "manager"
	RoleArchitect       Role = "architect"
	RoleDeveloper       Role = "developer"
	RoleReviewer        Role = "reviewer"
	RoleBugInvestigator Role = "bug_investigator"
)

// AllRoles lists every worker role in startup order.
var AllRoles = []Role{RoleManager, RoleArchitect, RoleDeveloper, RoleReviewer, RoleBugInvestigator}

// HistoryAction tags a work history entry.
type HistoryAction string

const (
	ActionStatusChange HistoryAction = "status_change"
	ActionAgentOutput  HistoryAction = "agent_output"
	ActionDecision     HistoryAction = "decision"
	ActionError        HistoryAction = "error"
)

// statusTransitions is the closed transition table for non-epic items:
// backlog -> ready -> in_progress -> review -> done.
var statusTransitions = map[ItemStatus][]ItemStatus{
	StatusBacklog:    {StatusReady},
	StatusReady:      {StatusInProgress},
	StatusInProgress: {StatusReview},
	StatusReview:     {StatusDone},
	StatusDone:       {},
}

// epicTransitions adds the aggregation shortcuts: an epic jumps to in_progress
// as soon as any child becomes active, and to done once every child is done.
// Epics never enter review; that state belongs to leaf items.
var epicTransitions = map[ItemStatus][]ItemStatus{
	StatusBacklog:    {StatusReady, StatusInProgress, StatusDone},
	StatusReady:      {StatusInProgress, StatusDone},
	StatusInProgress: {StatusDone},
	StatusDone:       {},
}

// CanTransition reports whether from -> to is a legal status transition for
// the given item type.
func CanTransition(typ ItemType, from, to ItemStatus) bool {
	table := statusTransitions
	if typ == TypeEpic {
		table = epicTransitions
	}
	for _, next := range table[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ParseItemStatus validates a raw status string.
func ParseItemStatus(s string) (ItemStatus, error) {
	switch st := ItemStatus(s); st {
	case StatusBacklog, StatusReady, StatusInProgress, StatusReview, StatusDone:
		return st, nil
	}
	return "", fmt.Errorf("invalid item status: %q", s)
}

// ParseItemType validates a raw type string.
func ParseItemType(s string) (ItemType, error) {
	switch t := ItemType(s); t {
	case TypeEpic, TypeStory, TypeTask, TypeBug:
		return t, nil
	}
	return "", fmt.Errorf("invalid item type: %q", s)
}

// ParseRole validates a raw role string.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleManager, RoleArchitect, RoleDeveloper, RoleReviewer, RoleBugInvestigator:
		return r, nil
	}
	return "", fmt.Errorf("invalid role: %q", s)
}

// Active reports whether the status counts as active for epic aggregation.
func (s ItemStatus) Active() bool {
	return s == StatusReady || s == StatusInProgress || s == StatusReview
}

// AvailabilityRank orders statuses for the candidate list: closest to done
// first. Done items are never candidates.
func (s ItemStatus) AvailabilityRank() int {
	switch s {
	case StatusReview:
		return 0
	case StatusInProgress:
		return 1
	case StatusReady:
		return 2
	default:
		return 3
	}
}

// AvailabilityRank orders types for the candidate list: defects first,
// epics last.
func (t ItemType) AvailabilityRank() int {
	switch t {
	case TypeBug:
		return 0
	case TypeStory:
		return 1
	case TypeTask:
		return 2
	default:
		return 3
	}
}
