package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// WorkspaceConfig holds workspace-agent settings persisted in ~/.devroom/workspace.yaml.
type WorkspaceConfig struct {
	Server     string `yaml:"server"`                // REST base URL, e.g. http://localhost:8080
	Token      string `yaml:"token,omitempty"`       // JWT saved by `devroom login`
	Email      string `yaml:"email,omitempty"`       // who the token belongs to
	SandboxDir string `yaml:"sandbox_dir,omitempty"` // empty = fresh tmpdir per session
	InstallCmd string `yaml:"install_cmd,omitempty"` // default "npm install"
	StartCmd   string `yaml:"start_cmd,omitempty"`   // default "npm start"
}

// RelayURL derives the websocket endpoint from the REST base URL.
func (c *WorkspaceConfig) RelayURL() string {
	s := strings.TrimRight(c.Server, "/")
	switch {
	case strings.HasPrefix(s, "https://"):
		s = "wss://" + strings.TrimPrefix(s, "https://")
	case strings.HasPrefix(s, "http://"):
		s = "ws://" + strings.TrimPrefix(s, "http://")
	}
	return s + "/ws"
}

// LoadWorkspace reads path. A missing file yields defaults.
func LoadWorkspace(path string) (*WorkspaceConfig, error) {
	cfg := &WorkspaceConfig{Server: "http://localhost:8080"}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read workspace config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse workspace config: %w", err)
	}
	if s := os.Getenv("DEVROOM_SERVER"); s != "" {
		cfg.Server = s
	}
	return cfg, nil
}

// SaveWorkspace writes cfg to path with owner-only permissions.
func SaveWorkspace(path string, cfg *WorkspaceConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal workspace config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
