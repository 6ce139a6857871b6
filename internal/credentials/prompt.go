package credentials

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// ErrNotTerminal is returned when prompting without a terminal.
var ErrNotTerminal = errors.New("standard input is not a terminal")

// TerminalPrompter reads secrets from a terminal with echo disabled.
type TerminalPrompter struct {
	in  *os.File
	out io.Writer
}

// NewTerminalPrompter prompts on out and reads from in.
func NewTerminalPrompter(in *os.File, out io.Writer) *TerminalPrompter {
	return &TerminalPrompter{in: in, out: out}
}

// Available reports whether in is a terminal.
func (p *TerminalPrompter) Available() bool {
	return term.IsTerminal(int(p.in.Fd()))
}

// Prompt writes label and reads one line without echo.
func (p *TerminalPrompter) Prompt(label string) (string, error) {
	if !p.Available() {
		return "", ErrNotTerminal
	}
	fmt.Fprint(p.out, label)
	b, err := term.ReadPassword(int(p.in.Fd()))
	fmt.Fprintln(p.out)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
