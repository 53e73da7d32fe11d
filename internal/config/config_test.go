package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaultsWithEnv(t *testing.T) {
	t.Setenv("DEVROOM_HOME", t.TempDir())
	t.Setenv("DEVROOM_AI_PROVIDER", "dummy")
	t.Setenv("PORT", "9999")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":9999" {
		t.Errorf("Addr = %q, want :9999", cfg.Server.Addr)
	}
	if !strings.HasSuffix(cfg.Database.Path, "devroom.db") {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.AI.Timeout != 60*time.Second || cfg.AI.Retries != 1 {
		t.Errorf("AI defaults = %+v", cfg.AI)
	}
}

func TestLoadFile(t *testing.T) {
	t.Setenv("DEVROOM_HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "devroom.yaml")
	yml := `
server:
  addr: "127.0.0.1:7000"
database:
  path: /tmp/x.db
auth:
  token_ttl: 2h
ai:
  provider: anthropic
  api_key: sk-test
  model: claude-3-5-sonnet
  timeout: 30s
  retries: 0
  rate_per_minute: 5
  burst: 1
`
	if err := os.WriteFile(path, []byte(yml), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Auth.TokenTTL != 2*time.Hour {
		t.Errorf("TokenTTL = %v", cfg.Auth.TokenTTL)
	}
	if cfg.AI.Provider != "anthropic" || cfg.AI.Timeout != 30*time.Second || cfg.AI.Retries != 0 {
		t.Errorf("AI = %+v", cfg.AI)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Database.Path = "x.db"
	cfg.AI.Provider = "gemini"
	cfg.AI.APIKey = ""
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "api_key") {
		t.Errorf("expected api_key error, got %v", err)
	}

	cfg.AI.Provider = "mystery"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "ai.provider") {
		t.Errorf("expected provider error, got %v", err)
	}

	cfg.AI.Provider = "dummy"
	if err := cfg.Validate(); err != nil {
		t.Errorf("dummy config should validate: %v", err)
	}
}

func TestWorkspaceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "workspace.yaml")

	cfg, err := LoadWorkspace(path)
	if err != nil {
		t.Fatalf("LoadWorkspace missing: %v", err)
	}
	if cfg.Server != "http://localhost:8080" {
		t.Errorf("default Server = %q", cfg.Server)
	}

	cfg.Token = "tok"
	cfg.Email = "a@example.com"
	if err := SaveWorkspace(path, cfg); err != nil {
		t.Fatalf("SaveWorkspace: %v", err)
	}
	got, err := LoadWorkspace(path)
	if err != nil {
		t.Fatalf("LoadWorkspace: %v", err)
	}
	if got.Token != "tok" || got.Email != "a@example.com" {
		t.Errorf("got %+v", got)
	}
}

func TestRelayURL(t *testing.T) {
	cases := map[string]string{
		"http://localhost:8080": "ws://localhost:8080/ws",
		"https://devroom.dev/":  "wss://devroom.dev/ws",
	}
	for in, want := range cases {
		c := &WorkspaceConfig{Server: in}
		if got := c.RelayURL(); got != want {
			t.Errorf("RelayURL(%q) = %q, want %q", in, got, want)
		}
	}
}
