//go:build linux

// Package logsetup configures log/slog for vmsh's CLI entry points (§6: the
// `-l <log_filter>` flag and RUST_LOG env var), the same
// slog.SetDefault(slog.New(slog.NewTextHandler(...))) idiom the teacher's
// cmd/cc and cmd/ccapp entry points use, extended with a per-target minimum
// level table so a filter string can single out one noisy package instead of
// only a global verbosity switch.
package logsetup

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
)

// levelOff suppresses every record; slog has no named level above Error
// (which is 8), so any value safely past it works.
const levelOff = slog.Level(1 << 10)

// Filter is a parsed RUST_LOG-style filter: target=level,target2=level, plus
// an overall default level for any target not named explicitly. An empty
// filter string parses to {Default: slog.LevelInfo}.
type Filter struct {
	Default slog.Level
	Targets map[string]slog.Level
}

// Parse reads a filter string of the shape "info,eventloop=debug,trap=warn":
// comma-separated clauses, each either a bare level (sets Default) or
// target=level (sets a per-target minimum). Later clauses win on conflict,
// matching env_logger's own last-one-wins semantics for RUST_LOG.
func Parse(s string) (Filter, error) {
	f := Filter{Default: slog.LevelInfo, Targets: map[string]slog.Level{}}
	s = strings.TrimSpace(s)
	if s == "" {
		return f, nil
	}

	for _, clause := range strings.Split(s, ",") {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		target, levelStr, hasTarget := strings.Cut(clause, "=")
		if !hasTarget {
			level, err := parseLevel(strings.TrimSpace(target))
			if err != nil {
				return Filter{}, err
			}
			f.Default = level
			continue
		}
		level, err := parseLevel(strings.TrimSpace(levelStr))
		if err != nil {
			return Filter{}, fmt.Errorf("logsetup: clause %q: %w", clause, err)
		}
		f.Targets[strings.TrimSpace(target)] = level
	}
	return f, nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "trace", "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	case "off":
		return levelOff, nil
	default:
		if n, err := strconv.Atoi(s); err == nil {
			return slog.Level(n), nil
		}
		return 0, fmt.Errorf("logsetup: unknown level %q", s)
	}
}

// Init installs an slog.TextHandler on w filtered per f, mirroring the
// teacher's slog.SetDefault(slog.New(slog.NewTextHandler(w, ...))) call at
// the top of main(), extended with per-target level overrides. slog has no
// native notion of a logger's package name, so vmsh packages that want a
// stricter or looser filter than Default call ForTarget to stamp every
// record with a "target" attribute this handler inspects.
func Init(w io.Writer, f Filter) {
	min := f.Default
	for _, lvl := range f.Targets {
		if lvl < min {
			min = lvl
		}
	}
	h := &targetFilterHandler{
		next:   slog.NewTextHandler(w, &slog.HandlerOptions{Level: min}),
		filter: f,
	}
	slog.SetDefault(slog.New(h))
}

// targetFilterHandler wraps a slog.Handler, dropping records whose "target"
// attribute names a package with a stricter configured minimum level than
// the record's own level.
type targetFilterHandler struct {
	next   slog.Handler
	filter Filter
	target string // "target" attribute bound through WithAttrs, if any
}

func (h *targetFilterHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *targetFilterHandler) Handle(ctx context.Context, r slog.Record) error {
	min := h.filter.Default
	if lvl, ok := h.filter.Targets[h.target]; ok && h.target != "" {
		min = lvl
	}
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "target" {
			if lvl, ok := h.filter.Targets[a.Value.String()]; ok {
				min = lvl
			}
			return false
		}
		return true
	})
	if r.Level < min {
		return nil
	}
	return h.next.Handle(ctx, r)
}

func (h *targetFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	target := h.target
	for _, a := range attrs {
		if a.Key == "target" {
			target = a.Value.String()
		}
	}
	return &targetFilterHandler{next: h.next.WithAttrs(attrs), filter: h.filter, target: target}
}

func (h *targetFilterHandler) WithGroup(name string) slog.Handler {
	return &targetFilterHandler{next: h.next.WithGroup(name), filter: h.filter, target: h.target}
}

// ForTarget returns a logger that stamps every record with "target": name,
// for packages whose filter should be judged separately from Default (e.g.
// internal/eventloop's per-MMIO-event tracing, noisy enough that an operator
// usually wants it at warn while everything else stays at info).
func ForTarget(name string) *slog.Logger {
	return slog.Default().With("target", name)
}
