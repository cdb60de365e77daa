//go:build linux

package inject

import "testing"

func TestNormalizeKernelRelease(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "5.15.0-91-generic", want: "v5.15.0"},
		{in: "4.19.0", want: "v4.19.0"},
		{in: "6.1.55+", want: "v6.1.55"},
		{in: "5.4", want: "v5.4.0"},
	}
	for _, tt := range tests {
		if got := normalizeKernelRelease(tt.in); got != tt.want {
			t.Errorf("normalizeKernelRelease(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCheckGuestKernelVersion(t *testing.T) {
	tests := []struct {
		release string
		wantErr bool
	}{
		{release: "4.19.0", wantErr: false},
		{release: "5.15.0-91-generic", wantErr: false},
		{release: "6.6.10-arch1-1", wantErr: false},
		{release: "4.18.0-425.3.1.el8.x86_64", wantErr: true},
		{release: "3.10.0", wantErr: true},
		{release: "not-a-version", wantErr: true},
	}
	for _, tt := range tests {
		err := CheckGuestKernelVersion(tt.release)
		if tt.wantErr && err == nil {
			t.Errorf("CheckGuestKernelVersion(%q): expected error", tt.release)
		}
		if !tt.wantErr && err != nil {
			t.Errorf("CheckGuestKernelVersion(%q): unexpected error %v", tt.release, err)
		}
	}
}
