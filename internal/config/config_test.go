//go:build linux

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsEmpty(t *testing.T) {
	c := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if c != (Config{}) {
		t.Fatalf("Load of missing file = %+v, want zero value", c)
	}
}

func TestLoadParsesFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vmsh.yaml")
	contents := `
preferred_backend: ioregionfd
backing_file_dir: /var/lib/vmsh/images
stage2_argv_template:
  - /bin/sh
  - -l
log_filter: info,trap=debug
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	c := Load(path)
	if c.PreferredBackend != "ioregionfd" {
		t.Errorf("PreferredBackend = %q, want ioregionfd", c.PreferredBackend)
	}
	if c.BackingFileDir != "/var/lib/vmsh/images" {
		t.Errorf("BackingFileDir = %q, want /var/lib/vmsh/images", c.BackingFileDir)
	}
	if want := []string{"/bin/sh", "-l"}; len(c.Stage2ArgvTemplate) != len(want) || c.Stage2ArgvTemplate[0] != want[0] || c.Stage2ArgvTemplate[1] != want[1] {
		t.Errorf("Stage2ArgvTemplate = %v, want %v", c.Stage2ArgvTemplate, want)
	}
	if c.LogFilter != "info,trap=debug" {
		t.Errorf("LogFilter = %q, want info,trap=debug", c.LogFilter)
	}
}

func TestLoadRejectsWorldWritable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vmsh.yaml")
	if err := os.WriteFile(path, []byte("preferred_backend: ioregionfd\n"), 0o666); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	c := Load(path)
	if c != (Config{}) {
		t.Fatalf("Load of world-writable file = %+v, want zero value", c)
	}
}

func TestLoadRejectsOversized(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vmsh.yaml")
	big := make([]byte, maxConfigSize+1)
	for i := range big {
		big[i] = 'a'
	}
	if err := os.WriteFile(path, big, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	c := Load(path)
	if c != (Config{}) {
		t.Fatalf("Load of oversized file = %+v, want zero value", c)
	}
}

func TestLoadRejectsMalformed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vmsh.yaml")
	if err := os.WriteFile(path, []byte("not: [valid yaml"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	c := Load(path)
	if c != (Config{}) {
		t.Fatalf("Load of malformed file = %+v, want zero value", c)
	}
}

func TestMergePrefersOver(t *testing.T) {
	base := Config{PreferredBackend: "wrap_syscall", BackingFileDir: "/from/file", LogFilter: "info"}
	flags := Config{PreferredBackend: "ioregionfd"}

	got := base.Merge(flags)
	if got.PreferredBackend != "ioregionfd" {
		t.Errorf("PreferredBackend = %q, want ioregionfd (flag should win)", got.PreferredBackend)
	}
	if got.BackingFileDir != "/from/file" {
		t.Errorf("BackingFileDir = %q, want /from/file (unset flag should not clobber file value)", got.BackingFileDir)
	}
	if got.LogFilter != "info" {
		t.Errorf("LogFilter = %q, want info", got.LogFilter)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		backend string
		wantErr bool
	}{
		{backend: "", wantErr: false},
		{backend: "wrap_syscall", wantErr: false},
		{backend: "ioregionfd", wantErr: false},
		{backend: "bogus", wantErr: true},
	}
	for _, tt := range tests {
		c := Config{PreferredBackend: tt.backend}
		err := c.Validate()
		if tt.wantErr && err == nil {
			t.Errorf("Validate() for backend %q: expected error", tt.backend)
		}
		if !tt.wantErr && err != nil {
			t.Errorf("Validate() for backend %q: unexpected error %v", tt.backend, err)
		}
	}
}
