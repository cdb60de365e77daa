//go:build linux

package logsetup

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    Filter
		wantErr bool
	}{
		{name: "empty", in: "", want: Filter{Default: slog.LevelInfo, Targets: map[string]slog.Level{}}},
		{name: "bare level", in: "debug", want: Filter{Default: slog.LevelDebug, Targets: map[string]slog.Level{}}},
		{
			name: "default plus target",
			in:   "info,eventloop=debug,trap=warn",
			want: Filter{Default: slog.LevelInfo, Targets: map[string]slog.Level{"eventloop": slog.LevelDebug, "trap": slog.LevelWarn}},
		},
		{
			name: "last clause wins",
			in:   "trap=warn,trap=error",
			want: Filter{Default: slog.LevelInfo, Targets: map[string]slog.Level{"trap": slog.LevelError}},
		},
		{name: "unknown level", in: "bogus", wantErr: true},
		{name: "off suppresses", in: "supervisor=off", want: Filter{Default: slog.LevelInfo, Targets: map[string]slog.Level{"supervisor": levelOff}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Parse(%q): expected error", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q): %v", tt.in, err)
			}
			if got.Default != tt.want.Default {
				t.Errorf("Default = %v, want %v", got.Default, tt.want.Default)
			}
			for k, v := range tt.want.Targets {
				if got.Targets[k] != v {
					t.Errorf("Targets[%q] = %v, want %v", k, got.Targets[k], v)
				}
			}
		})
	}
}

func TestInitFiltersByTarget(t *testing.T) {
	var buf bytes.Buffer
	f, err := Parse("info,trap=error")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	Init(&buf, f)

	ForTarget("trap").Warn("should be dropped: trap filter is error")
	ForTarget("trap").Error("should appear: trap filter is error")
	slog.Default().Info("should appear: default filter is info, no target attr")

	out := buf.String()
	if strings.Contains(out, "should be dropped") {
		t.Fatalf("expected trap warn record to be filtered out, got:\n%s", out)
	}
	if !strings.Contains(out, "should appear: trap filter is error") {
		t.Fatalf("expected trap error record to pass, got:\n%s", out)
	}
	if !strings.Contains(out, "should appear: default filter is info") {
		t.Fatalf("expected untargeted info record to pass, got:\n%s", out)
	}
}

func TestHandlerWithAttrsPreservesFilter(t *testing.T) {
	var buf bytes.Buffer
	f, err := Parse("warn")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	h := &targetFilterHandler{next: slog.NewTextHandler(&buf, nil), filter: f}
	logger := slog.New(h).With("component", "test")

	logger.Info("dropped")
	logger.Warn("kept")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Fatalf("expected info record dropped under warn filter, got:\n%s", out)
	}
	if !strings.Contains(out, "kept") {
		t.Fatalf("expected warn record kept, got:\n%s", out)
	}
}
