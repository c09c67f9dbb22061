package knowledge

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"
)

// JournalEntry represents one entry appended to a role's journal.
type JournalEntry struct {
	ItemID    string
	ItemTitle string
	Outcome   string
	Decisions string
	CreatedAt time.Time
}

// Journal manages a role's journal.md file: append entries after each turn.
type Journal struct {
	Role string
	Home string
}

// Append adds an entry to the role's journal. Creates the role directory and
// journal file if they do not exist. The entry is appended in markdown form.
func (j *Journal) Append(ctx context.Context, entry JournalEntry) error {
	roleDir := RoleDir(j.Home, j.Role)
	if err := os.MkdirAll(roleDir, 0o755); err != nil {
		return fmt.Errorf("create role dir: %w", err)
	}
	path := JournalPath(roleDir)
	block := formatJournalBlock(entry)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.WriteString(block); err != nil {
		return fmt.Errorf("write journal: %w", err)
	}
	return nil
}

func formatJournalBlock(e JournalEntry) string {
	var b strings.Builder
	b.WriteString("\n---\n\n")
	b.WriteString("## ")
	b.WriteString(e.CreatedAt.Format("2006-01-02 15:04"))
	if e.ItemTitle != "" {
		b.WriteString(" - ")
		b.WriteString(e.ItemTitle)
	}
	b.WriteString("\n\n")
	if e.ItemID != "" {
		b.WriteString("- **Item:** ")
		b.WriteString(e.ItemID)
		b.WriteString("\n")
	}
	if e.Outcome != "" {
		b.WriteString("- **Outcome:** ")
		b.WriteString(e.Outcome)
		b.WriteString("\n")
	}
	if e.Decisions != "" {
		b.WriteString("- **Decisions:** ")
		b.WriteString(e.Decisions)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	return b.String()
}
