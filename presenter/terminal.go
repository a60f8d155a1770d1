package presenter

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/jmcleod/actas/gate"
)

// Terminal asks for confirmation on a text terminal. Anything other than
// "y" or "yes" denies the request, and so does a non-interactive input.
type Terminal struct {
	modal       *Modal
	in          *bufio.Reader
	out         io.Writer
	interactive bool
}

// NewTerminal prompts on out and reads answers from in. When in is an
// *os.File that is not a terminal every request is denied without asking.
func NewTerminal(in io.Reader, out io.Writer) *Terminal {
	t := &Terminal{
		in:          bufio.NewReader(in),
		out:         out,
		interactive: true,
	}
	if f, ok := in.(*os.File); ok {
		t.interactive = term.IsTerminal(int(f.Fd()))
	}
	t.modal = NewModal(WithOnShow(t.prompt))
	return t
}

// Attach starts answering requests from b.
func (t *Terminal) Attach(ctx context.Context, b *gate.Broker) func() {
	return t.modal.Attach(ctx, b)
}

func (t *Terminal) prompt(v View) {
	fmt.Fprint(t.out, RenderView(v))
	if !t.interactive {
		fmt.Fprintln(t.out, "Input is not a terminal; cancelling.")
		_ = t.modal.Cancel()
		return
	}
	fmt.Fprint(t.out, "Proceed? [y/N] ")

	line, err := t.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		fmt.Fprintf(t.out, "\nreading answer: %v\n", err)
	}
	var answerErr error
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		answerErr = t.modal.Confirm()
	default:
		answerErr = t.modal.Cancel()
	}
	if errors.Is(answerErr, ErrNotVisible) || errors.Is(answerErr, gate.ErrAlreadyResolved) {
		fmt.Fprintln(t.out, "Confirmation no longer pending.")
	}
}
