package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	// MaxBackups is the maximum number of backups kept per config file.
	MaxBackups = 3

	// BackupSuffix is the file extension for backup files.
	BackupSuffix = ".bak"
)

// Backup copies the config file at path to a timestamped backup next to
// it and prunes backups beyond MaxBackups. It returns "" when path does
// not exist.
func Backup(path string) (string, error) {
	if !fileExists(path) {
		return "", nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read config for backup: %w", err)
	}

	backupPath := fmt.Sprintf("%s%s.%s", path, BackupSuffix, time.Now().Format("20060102-150405.000000000"))
	if err := os.WriteFile(backupPath, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write backup: %w", err)
	}

	// best effort
	_ = pruneBackups(path)
	return backupPath, nil
}

// ListBackups returns the backups of the config file at path, newest first.
func ListBackups(path string) ([]string, error) {
	dir, base := filepath.Dir(path), filepath.Base(path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list config directory: %w", err)
	}

	var backups []string
	prefix := base + BackupSuffix + "."
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasPrefix(entry.Name(), prefix) {
			backups = append(backups, filepath.Join(dir, entry.Name()))
		}
	}

	// the timestamp suffix sorts chronologically
	sort.Sort(sort.Reverse(sort.StringSlice(backups)))
	return backups, nil
}

func pruneBackups(path string) error {
	backups, err := ListBackups(path)
	if err != nil {
		return err
	}
	if len(backups) <= MaxBackups {
		return nil
	}
	for _, b := range backups[MaxBackups:] {
		_ = os.Remove(b)
	}
	return nil
}

// Restore replaces the config file at path with backupPath. The current
// file is backed up first.
func Restore(path, backupPath string) error {
	data, err := os.ReadFile(backupPath)
	if err != nil {
		return fmt.Errorf("failed to read backup: %w", err)
	}
	if _, err := Backup(path); err != nil {
		return fmt.Errorf("failed to backup current config before restore: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write restored config: %w", err)
	}
	return nil
}
