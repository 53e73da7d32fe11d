package config

import (
	"os"
	"path/filepath"
)

// GetUserConfigDir returns ~/.devroom, or $DEVROOM_HOME when set.
func GetUserConfigDir() (string, error) {
	if dir := os.Getenv("DEVROOM_HOME"); dir != "" {
		return dir, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	return filepath.Join(homeDir, ".devroom"), nil
}

// DBPath is the default location of the server's sqlite database.
func DBPath() (string, error) {
	dir, err := GetUserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "devroom.db"), nil
}

// WorkspaceFile is where the workspace agent keeps its settings and token.
func WorkspaceFile() (string, error) {
	dir, err := GetUserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "workspace.yaml"), nil
}

// EnsureConfigDir creates the user config directory.
func EnsureConfigDir() (string, error) {
	dir, err := GetUserConfigDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	return dir, nil
}
