package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/ghyeongl/treemirror/mirror"
)

const gateListLimit = 10

// consoleGate asks on the terminal before anything is deleted. Without a
// terminal it refuses unless --yes was given.
type consoleGate struct {
	in          *bufio.Reader
	out         io.Writer
	yes         bool
	interactive bool
}

func newConsoleGate(in io.Reader, out io.Writer, yes bool) *consoleGate {
	interactive := false
	if f, ok := in.(*os.File); ok {
		interactive = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return &consoleGate{in: bufio.NewReader(in), out: out, yes: yes, interactive: interactive}
}

func (g *consoleGate) Confirm(summary string, ops []mirror.Operation) (bool, error) {
	if g.yes {
		return true, nil
	}

	fmt.Fprintf(g.out, "\n%s\n", summary)
	for i, op := range ops {
		if i == gateListLimit {
			fmt.Fprintf(g.out, "  ... and %d more\n", len(ops)-gateListLimit)
			break
		}
		fmt.Fprintf(g.out, "  %s\n", op)
	}

	if !g.interactive {
		fmt.Fprintln(g.out, "stdin is not a terminal; rerun with --yes to confirm")
		return false, nil
	}

	fmt.Fprint(g.out, "Continue with these deletions? [y/N]: ")
	line, err := g.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("read answer: %w", err)
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}
