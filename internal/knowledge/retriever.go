// Package knowledge holds the durable context around role agents: a shared
// file-backed knowledge base consulted before prompt building, per-role model
// config, and per-role journals of completed work.
package knowledge

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ankittk/crew/pkg/models"
)

// Retriever supplies background context for a work item before a prompt is
// built. An empty string is a valid answer; callers must work without context.
type Retriever interface {
	Retrieve(ctx context.Context, item models.WorkItem) (string, error)
}

// FileRetriever serves markdown notes from a directory. A note is relevant to
// an item when any word of the note's filename appears in the item title or
// description, case-insensitive. Missing directory means no context.
type FileRetriever struct {
	Dir string
}

func (r FileRetriever) Retrieve(ctx context.Context, item models.WorkItem) (string, error) {
	entries, err := os.ReadDir(r.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}

	haystack := strings.ToLower(item.Title)
	if item.Description != nil {
		haystack += " " + strings.ToLower(*item.Description)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		if noteMatches(e.Name(), haystack) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		data, err := os.ReadFile(filepath.Join(r.Dir, name))
		if err != nil {
			return "", err
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.Write(data)
	}
	return b.String(), nil
}

func noteMatches(filename, haystack string) bool {
	base := strings.TrimSuffix(strings.ToLower(filename), ".md")
	for _, word := range strings.FieldsFunc(base, func(r rune) bool { return r == '-' || r == '_' }) {
		if len(word) < 3 {
			continue
		}
		if strings.Contains(haystack, word) {
			return true
		}
	}
	return false
}

// NoopRetriever always answers with no context.
type NoopRetriever struct{}

func (NoopRetriever) Retrieve(ctx context.Context, item models.WorkItem) (string, error) {
	return "", nil
}
