package recovery

import (
	"fmt"
	"os"
	"path/filepath"
)

const configSnapshotFile = "config.yml.pre-restart"

func (m *Manager) configSnapshotPath() string {
	return filepath.Join(m.pendingDir, configSnapshotFile)
}

// SnapshotConfig copies the live config file aside before a restart, so a
// config edit that breaks on the next startup can be rolled back.
func (m *Manager) SnapshotConfig() error {
	if m.configPath == "" {
		return nil
	}
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return fmt.Errorf("snapshot config: %w", err)
	}
	if err := os.MkdirAll(m.pendingDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(m.configSnapshotPath(), data, 0o644)
}

// RollbackConfig restores the pre-restart snapshot over the live config
// path and deletes the snapshot. Call only when the fresh config failed
// to load AND a snapshot is present — per spec.md 4.H, loading a good
// config is left alone; this is last-resort recovery from a bad edit.
func (m *Manager) RollbackConfig() (bool, error) {
	data, err := os.ReadFile(m.configSnapshotPath())
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := os.WriteFile(m.configPath, data, 0o644); err != nil {
		return false, err
	}
	if err := os.Remove(m.configSnapshotPath()); err != nil && !os.IsNotExist(err) {
		return false, err
	}
	return true, nil
}

// HasConfigSnapshot reports whether a pre-restart snapshot is present.
func (m *Manager) HasConfigSnapshot() bool {
	_, err := os.Stat(m.configSnapshotPath())
	return err == nil
}

// DiscardConfigSnapshot removes a snapshot without restoring it — called
// after a successful load of the new config, since the rollback option is
// no longer needed.
func (m *Manager) DiscardConfigSnapshot() error {
	err := os.Remove(m.configSnapshotPath())
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
