package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	workspaceDir = ".complyline"
	fileName     = "complyline.db"

	defaultBusyTimeout = 10 * time.Second
)

// Config locates the database inside a workspace.
type Config struct {
	Workspace   string
	BusyTimeout time.Duration
}

// Path returns the database file of workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, workspaceDir, fileName)
}

// EnsureWorkspace creates the workspace directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	dir := filepath.Join(workspace, workspaceDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// Open opens the SQLite database with foreign keys enforced. Write
// transactions take the lock at BEGIN so concurrent writers queue on the busy
// timeout instead of failing on upgrade.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	return sql.Open("sqlite", dsn(cfg))
}

func dsn(cfg Config) string {
	timeout := cfg.BusyTimeout
	if timeout <= 0 {
		timeout = defaultBusyTimeout
	}
	params := []string{
		"_pragma=foreign_keys(1)",
		fmt.Sprintf("_pragma=busy_timeout(%d)", timeout.Milliseconds()),
		"_pragma=journal_mode(WAL)",
		"_txlock=immediate",
	}
	return "file:" + Path(cfg.Workspace) + "?" + strings.Join(params, "&")
}
