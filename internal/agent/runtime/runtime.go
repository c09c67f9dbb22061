// Package runtime defines the reasoning-agent contract: the coordinator hands
// a runtime a role, a prompt, and per-role config, and gets back opaque output.
// The coordinator never inspects prompt content; a runtime may be slow and may
// fail, and callers hold their work item lease for the full call.
package runtime

import (
	"context"
	"time"
)

type Event struct {
	Type      string         `json:"type"`
	Role      string         `json:"role,omitempty"`
	Agent     string         `json:"agent,omitempty"`
	ItemID    *string        `json:"item_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

type TurnRequest struct {
	Role   string
	Agent  string
	ItemID *string
	Prompt string
	// Per-role model config (from roles/<name>/config.yaml); optional.
	Model     string // e.g. claude-sonnet
	MaxTokens int    // 0 = use default
}

type TurnResult struct {
	Output string
}

type Runtime interface {
	Name() string
	RunTurn(ctx context.Context, req TurnRequest, emit func(Event)) (TurnResult, error)
}
