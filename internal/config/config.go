//go:build linux

// Package config loads the optional vmsh config file: defaults tedious to
// repeat as flags on every invocation (preferred MMIO backend, default
// backing-file directory, stage2 argv templates), layered underneath CLI
// flags. Grounded on the teacher's cmd/ccapp site-config loader: same
// yaml.v3 decode, same world-writable/size-cap hardening, same
// empty-config-on-any-failure fallback so a malformed file never blocks
// startup outright.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"

	"gopkg.in/yaml.v3"
)

// maxConfigSize bounds how much of a config file vmsh will read, guarding
// against an operator accidentally pointing VMSH_CONFIG at something enormous.
const maxConfigSize = 1 << 20

// Config holds the settings a vmsh invocation can source from a file
// instead of flags.
type Config struct {
	// PreferredBackend names the default Trap Engine backend ("wrap_syscall"
	// or "ioregionfd"); empty selects supervisor.BackendAuto.
	PreferredBackend string `yaml:"preferred_backend"`

	// BackingFileDir is where `vmsh attach -f <name>` resolves a relative
	// backing-file name against, when set.
	BackingFileDir string `yaml:"backing_file_dir"`

	// Stage2ArgvTemplate is prepended to any argv given on the command
	// line, letting a site pin a standard prefix (e.g. an SSH server
	// invocation) without the operator retyping it every attach.
	Stage2ArgvTemplate []string `yaml:"stage2_argv_template"`

	// LogFilter is the default RUST_LOG-style filter string (§6), used when
	// neither -l nor RUST_LOG is set on the command line.
	LogFilter string `yaml:"log_filter"`
}

// Load reads and parses path, returning an empty Config (not an error) if
// the file does not exist — an absent config file is the expected default,
// not a fault (mirrors the teacher's LoadSiteConfig: "Returns an empty
// config if the file doesn't exist"). A present-but-invalid file, an
// unreadable file, or a world-writable file are all logged and likewise
// fall back to an empty Config rather than blocking vmsh from running at
// all.
func Load(path string) Config {
	info, err := os.Stat(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("config: failed to stat", "path", path, "err", err)
		}
		return Config{}
	}

	if runtime.GOOS != "windows" && info.Mode().Perm()&0o002 != 0 {
		slog.Error("config: file is world-writable, refusing to load", "path", path, "mode", info.Mode())
		return Config{}
	}

	if info.Size() > maxConfigSize {
		slog.Warn("config: file too large, refusing to load", "path", path, "size", info.Size())
		return Config{}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("config: failed to read", "path", path, "err", err)
		return Config{}
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		slog.Warn("config: failed to parse", "path", path, "err", err)
		return Config{}
	}

	slog.Debug("config: loaded", "path", path, "size", info.Size())
	return c
}

// Merge layers file-sourced defaults underneath explicit flag values: any
// field in over that is non-zero wins, otherwise the receiver's value is
// kept. Called as fileConfig.Merge(flagsAsConfig), CLI flags take
// precedence over the file, the same layering order the teacher's settings
// package documents between SiteConfig and user preferences. cmd/vmsh does
// not call Merge; it applies the same precedence field by field.
func (c Config) Merge(over Config) Config {
	out := c
	if over.PreferredBackend != "" {
		out.PreferredBackend = over.PreferredBackend
	}
	if over.BackingFileDir != "" {
		out.BackingFileDir = over.BackingFileDir
	}
	if len(over.Stage2ArgvTemplate) > 0 {
		out.Stage2ArgvTemplate = over.Stage2ArgvTemplate
	}
	if over.LogFilter != "" {
		out.LogFilter = over.LogFilter
	}
	return out
}

// Validate reports an error for a PreferredBackend naming neither of the
// two Trap Engine backends nor the empty (auto) value.
func (c Config) Validate() error {
	switch c.PreferredBackend {
	case "", "wrap_syscall", "ioregionfd":
		return nil
	default:
		return fmt.Errorf("config: preferred_backend %q is neither wrap_syscall nor ioregionfd", c.PreferredBackend)
	}
}
