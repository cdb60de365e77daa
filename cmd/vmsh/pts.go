//go:build linux

package main

import (
	"fmt"
	"image/color"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/charmbracelet/x/ansi"
	"github.com/charmbracelet/x/vt"
	"golang.org/x/term"
)

// runPts implements `vmsh pts <pty>`: an embedded terminal emulator viewer
// for the host pty a `--pts` attach wires to the guest's hvc console, which
// is mirrored to a host pty the user opens with this helper. Grounded on
// internal/term.View from the teacher's own embedded
// console — same github.com/charmbracelet/x/vt emulator, the same DSR/
// device-attribute query suppression so a guest console probing the
// terminal doesn't get its own query echoed back as stray input, adapted
// from a GPU-rendered grid to a redraw-on-update ANSI text renderer since
// a CLI helper has no window to render into.
func runPts(ptyPath string) error {
	f, err := os.OpenFile(ptyPath, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("vmsh: pts: open %s: %w", ptyPath, err)
	}
	defer f.Close()

	stdinFd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(stdinFd)
	if err != nil {
		return fmt.Errorf("vmsh: pts: put stdin in raw mode: %w", err)
	}
	defer term.Restore(stdinFd, oldState)

	cols, rows, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || cols <= 0 || rows <= 0 {
		cols, rows = 80, 24
	}

	emu := vt.NewSafeEmulator(cols, rows)
	defer emu.Close()
	suppressConsoleQueryEchoes(emu)

	v := &ptsView{emu: emu, out: os.Stdout}
	v.redrawFull()

	sigwinch := make(chan os.Signal, 1)
	signal.Notify(sigwinch, syscall.SIGWINCH)
	defer signal.Stop(sigwinch)

	var wg sync.WaitGroup
	wg.Add(3)

	// Guest console output -> emulator -> redraw.
	go func() {
		defer wg.Done()
		buf := make([]byte, 4096)
		for {
			n, err := f.Read(buf)
			if n > 0 {
				emu.Write(buf[:n])
				v.redrawDirty()
			}
			if err != nil {
				return
			}
		}
	}()

	// Emulator auto-replies (DSR answers the guest console didn't ask us to
	// suppress, e.g. unrecognized queries) go back to the guest, not to our
	// own keystroke stream.
	go func() {
		defer wg.Done()
		io.Copy(f, emu)
	}()

	// Local keystrokes forward unmodified; the wire format a real terminal
	// produces for arrow keys etc. is already what the guest console expects.
	go func() {
		defer wg.Done()
		io.Copy(f, os.Stdin)
	}()

	for range sigwinch {
		cols, rows, err := term.GetSize(int(os.Stdout.Fd()))
		if err != nil || cols <= 0 || rows <= 0 {
			continue
		}
		emu.Resize(cols, rows)
		v.redrawFull()
	}

	wg.Wait()
	return nil
}

// suppressConsoleQueryEchoes mirrors disableVTQueriesThatBreakGuests from
// the teacher's embedded console view: swallow Device Status Report and
// Device Attributes queries so the emulator doesn't manufacture replies for
// query forms a minimal guest userspace doesn't expect an answer to.
func suppressConsoleQueryEchoes(emu *vt.SafeEmulator) {
	emu.RegisterCsiHandler('n', func(params ansi.Params) bool {
		n, _, ok := params.Param(0, 1)
		if !ok || n == 0 {
			return false
		}
		return n == 5 || n == 6
	})
	emu.RegisterCsiHandler(ansi.Command('?', 0, 'n'), func(params ansi.Params) bool {
		n, _, ok := params.Param(0, 1)
		return ok && n == 6
	})
	emu.RegisterCsiHandler('c', func(params ansi.Params) bool {
		n, _, _ := params.Param(0, 0)
		return n == 0
	})
	emu.RegisterCsiHandler(ansi.Command('>', 0, 'c'), func(params ansi.Params) bool {
		n, _, _ := params.Param(0, 0)
		return n == 0
	})
}

// ptsView redraws emu's grid to out as plain ANSI text, a much smaller
// analogue of internal/term.View.syncGridFromEmulator/renderGrid: no GPU
// texture batching, just cursor-position escapes and SGR runs, since a
// terminal emulator is already what's on the far end of stdout.
type ptsView struct {
	emu *vt.SafeEmulator
	out io.Writer
}

func (v *ptsView) redrawFull() {
	fmt.Fprint(v.out, "\x1b[2J")
	v.redrawDirty()
}

func (v *ptsView) redrawDirty() {
	var b strings.Builder
	b.WriteString("\x1b[H")

	rows, cols := v.emu.Height(), v.emu.Width()
	var lastFg, lastBg color.Color
	haveStyle := false

	for y := 0; y < rows; y++ {
		for x := 0; x < cols; {
			cell := v.emu.CellAt(x, y)
			content := " "
			width := 1
			var fg, bg color.Color
			if cell != nil {
				if cell.Content != "" {
					content = cell.Content
				}
				if cell.Width > 1 {
					width = cell.Width
				}
				fg = cell.Style.Fg
				bg = cell.Style.Bg
			}

			if !haveStyle || !sameColor(fg, lastFg) || !sameColor(bg, lastBg) {
				b.WriteString(sgrFor(fg, bg))
				lastFg, lastBg = fg, bg
				haveStyle = true
			}
			b.WriteString(content)

			x += width
		}
		b.WriteString("\x1b[0m\r\n")
		haveStyle = false
	}

	cur := v.emu.CursorPosition()
	fmt.Fprintf(&b, "\x1b[%d;%dH", cur.Y+1, cur.X+1)

	io.WriteString(v.out, b.String())
}

func sameColor(a, b color.Color) bool {
	if a == nil || b == nil {
		return a == b
	}
	ar, ag, ab, aa := a.RGBA()
	br, bg, bb, ba := b.RGBA()
	return ar == br && ag == bg && ab == bb && aa == ba
}

func sgrFor(fg, bg color.Color) string {
	var b strings.Builder
	b.WriteString("\x1b[0m")
	if fg != nil {
		r, g, bl, _ := fg.RGBA()
		fmt.Fprintf(&b, "\x1b[38;2;%d;%d;%dm", r>>8, g>>8, bl>>8)
	}
	if bg != nil {
		r, g, bl, _ := bg.RGBA()
		fmt.Fprintf(&b, "\x1b[48;2;%d;%d;%dm", r>>8, g>>8, bl>>8)
	}
	return b.String()
}
