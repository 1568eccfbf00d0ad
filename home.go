package aegis

import (
	"os"
	"path/filepath"
)

// Home returns the Aegis home directory.
// It defaults to ~/.aegis but can be overridden with the AEGIS_HOME
// environment variable.
func Home() string {
	if v := os.Getenv("AEGIS_HOME"); v != "" {
		return v
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".aegis")
}

// DefaultLedgerPath returns the default lineage database path
// (~/.aegis/lineage.db).
func DefaultLedgerPath() string {
	return filepath.Join(Home(), "lineage.db")
}

// DefaultRequestLogPath returns the default gateway request log path.
func DefaultRequestLogPath() string {
	return filepath.Join(Home(), "requests.db")
}

// WorkspacePath returns the root of the sandboxed agent workspaces.
func WorkspacePath() string {
	return filepath.Join(Home(), "workspace")
}

// EnsureHome creates the Aegis home and workspace directories if they
// don't exist.
func EnsureHome() error {
	return os.MkdirAll(WorkspacePath(), 0o755)
}
