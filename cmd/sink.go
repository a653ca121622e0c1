package cmd

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/dapkit/dapkit/dap"
)

//nolint:gochecknoglobals
var (
	stdoutTTY = isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
	stderrTTY = isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
)

// consoleSink prints the container's outbound protocol traffic to the
// terminal, colored when possible.
type consoleSink struct {
	mu     sync.Mutex
	out    io.Writer
	errOut io.Writer

	added   *color.Color
	removed *color.Color
	diag    *color.Color
}

func newConsoleSink(noColor bool) *consoleSink {
	s := &consoleSink{
		out:     colorable.NewColorableStdout(),
		errOut:  colorable.NewColorableStderr(),
		added:   color.New(color.FgGreen),
		removed: color.New(color.FgRed),
		diag:    color.New(color.FgYellow),
	}
	if noColor || !stdoutTTY {
		s.out = colorable.NewNonColorable(os.Stdout)
	}
	if noColor || !stderrTTY {
		s.errOut = colorable.NewNonColorable(os.Stderr)
	}
	return s
}

// LoadedSource implements dap.Sink.
func (s *consoleSink) LoadedSource(ev dap.LoadedSourceEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, marker := s.added, "+"
	if ev.Reason == dap.ReasonRemoved {
		c, marker = s.removed, "-"
	}
	fmt.Fprintln(s.out, c.Sprintf("%s %s", marker, describe(ev.Source, "")))
	for _, child := range ev.Source.Sources {
		fmt.Fprintln(s.out, c.Sprintf("    %s", describe(child, "")))
	}
}

// Output implements dap.Sink.
func (s *consoleSink) Output(_, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintln(s.errOut, s.diag.Sprint(message))
}

func describe(d dap.Source, indent string) string {
	if d.SourceReference == 0 {
		return indent + d.Path
	}
	return fmt.Sprintf("%s%s (ref %d)", indent, d.Path, d.SourceReference)
}

var _ dap.Sink = &consoleSink{}
