package main

import (
	"context"
	"errors"
	"testing"
)

func TestDispatchLocalCommands(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		line    string
		wantErr string
	}{
		{"/review", "usage: /review <path>"},
		{"/review   ", "usage: /review <path>"},
		{"/bogus", "unknown command /bogus (try /help)"},
	}
	for _, tt := range tests {
		err := dispatch(ctx, nil, tt.line)
		if err == nil || err.Error() != tt.wantErr {
			t.Errorf("dispatch(%q) = %v, want %q", tt.line, err, tt.wantErr)
		}
	}

	for _, line := range []string{"/quit", "/exit"} {
		if err := dispatch(ctx, nil, line); !errors.Is(err, errQuit) {
			t.Errorf("dispatch(%q) = %v, want errQuit", line, err)
		}
	}
}

func TestEnvOr(t *testing.T) {
	t.Setenv("DEVROOM_TEST_ENV", "")
	if got := envOr("DEVROOM_TEST_ENV", "fallback"); got != "fallback" {
		t.Errorf("envOr unset = %q", got)
	}
	t.Setenv("DEVROOM_TEST_ENV", "set")
	if got := envOr("DEVROOM_TEST_ENV", "fallback"); got != "set" {
		t.Errorf("envOr set = %q", got)
	}
}
