package logger

import (
	"bytes"
	"log/slog"
	"regexp"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelDebug,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewFiltersAndShortensTime(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, slog.LevelInfo)
	l.Debug("hidden")
	l.Info("room joined", "project", "p1")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("debug line leaked at info level: %s", out)
	}
	if !strings.Contains(out, "project=p1") {
		t.Errorf("missing attr: %s", out)
	}
	if !regexp.MustCompile(`^time=\d\d:\d\d:\d\d `).MatchString(out) {
		t.Errorf("time not shortened: %s", out)
	}
}

func TestOr(t *testing.T) {
	if Or(nil) != Log {
		t.Error("Or(nil) should return the global logger")
	}
	l := New(&bytes.Buffer{}, slog.LevelInfo)
	if Or(l) != l {
		t.Error("Or(l) should return l")
	}
}
