package config

import (
	"os"
	"path/filepath"
)

// DefaultDataDir returns ~/.frankenterm, the persistent state layout's root
// (database + WAL/SHM sidecars, watcher lock file, crash/ directory, and any
// exported bundles), mirroring GetUserConfigDir's ~/.wingthing convention.
func DefaultDataDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".frankenterm"), nil
}

// DBPath returns the SQLite database file path under dataDir.
func DBPath(dataDir string) string {
	return filepath.Join(dataDir, "frankenterm.sqlite")
}

// LockPath returns the watcher lock file path under dataDir.
func LockPath(dataDir string) string {
	return filepath.Join(dataDir, "watcher.lock")
}

// CrashDir returns the bounded crash-artifact directory under dataDir.
func CrashDir(dataDir string) string {
	return filepath.Join(dataDir, "crash")
}

// SocketPath returns the unix-socket path the CLI/Robot API listens on.
func SocketPath(dataDir string) string {
	return filepath.Join(dataDir, "api.sock")
}

// EnsureDataDir creates dataDir and its crash/ subdirectory if absent.
func EnsureDataDir(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return err
	}
	return os.MkdirAll(CrashDir(dataDir), 0755)
}
