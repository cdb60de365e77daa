//go:build linux

package main

import (
	"image/color"
	"testing"
)

func TestSameColor(t *testing.T) {
	red := color.RGBA{R: 255, A: 255}
	red2 := color.RGBA{R: 255, A: 255}
	blue := color.RGBA{B: 255, A: 255}

	if !sameColor(red, red2) {
		t.Error("identical colors should compare equal")
	}
	if sameColor(red, blue) {
		t.Error("different colors should not compare equal")
	}
	if !sameColor(nil, nil) {
		t.Error("nil, nil should compare equal")
	}
	if sameColor(nil, red) || sameColor(red, nil) {
		t.Error("nil vs non-nil should not compare equal")
	}
}

func TestSgrForResetsAndEncodesRGB(t *testing.T) {
	got := sgrFor(color.RGBA{R: 255, A: 255}, nil)
	want := "\x1b[0m\x1b[38;2;255;0;0m"
	if got != want {
		t.Errorf("sgrFor(red, nil) = %q, want %q", got, want)
	}

	got = sgrFor(nil, nil)
	want = "\x1b[0m"
	if got != want {
		t.Errorf("sgrFor(nil, nil) = %q, want %q", got, want)
	}

	got = sgrFor(color.RGBA{G: 255, A: 255}, color.RGBA{B: 255, A: 255})
	want = "\x1b[0m\x1b[38;2;0;255;0m\x1b[48;2;0;0;255m"
	if got != want {
		t.Errorf("sgrFor(green, blue) = %q, want %q", got, want)
	}
}
