package knowledge

import (
	"path/filepath"
	"strings"
)

// SafeName returns a filesystem-safe version of a role or agent name.
func SafeName(name string) string {
	return strings.ReplaceAll(strings.TrimSpace(name), " ", "_")
}

// RoleDir returns the path to a role's directory under home: <home>/roles/<safe_name>/.
func RoleDir(home, role string) string {
	return filepath.Join(home, "roles", SafeName(role))
}

// KnowledgeDir returns the shared knowledge base directory: <home>/knowledge/.
func KnowledgeDir(home string) string {
	return filepath.Join(home, "knowledge")
}

// JournalPath returns the path to a role's journal: <roleDir>/journal.md.
func JournalPath(roleDir string) string {
	return filepath.Join(roleDir, "journal.md")
}

// RoleConfigPath returns the path to a role's config: <roleDir>/config.yaml.
func RoleConfigPath(roleDir string) string {
	return filepath.Join(roleDir, "config.yaml")
}
