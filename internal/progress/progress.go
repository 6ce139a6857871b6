// Package progress renders per-file transfer progress.
package progress

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"ferry/internal/ferry"
)

const barWidth = 30

// Render formats one progress line without line control characters:
//
//	a.jpg [===============---------------]  50.00% (5/10 bytes)
//
// A zero total renders as complete.
func Render(label string, transferred, total int64) string {
	percent := 100.0
	filled := barWidth
	if total > 0 {
		percent = float64(transferred) / float64(total) * 100
		filled = int(int64(barWidth) * transferred / total)
	}
	filled = max(0, min(filled, barWidth))

	bar := strings.Repeat("=", filled) + strings.Repeat("-", barWidth-filled)
	return fmt.Sprintf("%s [%s] %6.2f%% (%d/%d bytes)", label, bar, percent, transferred, total)
}

// Bar redraws a single line per file with a carriage return and finishes it
// with a newline once the file is complete. It must have a single writer.
type Bar struct {
	w io.Writer
}

// NewBar creates a Bar writing to w.
func NewBar(w io.Writer) *Bar {
	return &Bar{w: w}
}

// Report implements ferry.ProgressFunc.
func (b *Bar) Report(s ferry.Sample) {
	fmt.Fprintf(b.w, "\r%s", Render(s.Label, s.Transferred, s.Total))
	if s.Transferred >= s.Total {
		fmt.Fprintln(b.w)
	}
}

// Lines prints only the completed line of each file. It is meant for output
// that is not a terminal, where carriage returns would pile up in logs.
type Lines struct {
	w io.Writer
}

// NewLines creates a Lines reporter writing to w.
func NewLines(w io.Writer) *Lines {
	return &Lines{w: w}
}

// Report implements ferry.ProgressFunc.
func (l *Lines) Report(s ferry.Sample) {
	if s.Transferred >= s.Total {
		fmt.Fprintln(l.w, Render(s.Label, s.Transferred, s.Total))
	}
}

// ForFile picks a Bar when f is a terminal and Lines otherwise.
func ForFile(f *os.File) ferry.ProgressFunc {
	if term.IsTerminal(int(f.Fd())) {
		return NewBar(f).Report
	}
	return NewLines(f).Report
}
