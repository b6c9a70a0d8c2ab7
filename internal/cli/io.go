package cli

import (
	"fmt"
	"io"
)

// IO is a command's view of stdin, stdout and stderr.
//
// Commands report conditions that need the user's attention with Warn
// instead of failing: a dump or info run still prints its result, and the
// process exits 1. Warnings go to stderr ahead of the first stdout write,
// and are repeated after it when the command wrote anything, so they
// survive `tdbtool dump db | head` as well as `| tail`.
type IO struct {
	in     io.Reader
	out    io.Writer
	errOut io.Writer

	warnings []warning
	wrote    bool // stdout written
	shown    bool // warnings printed ahead of stdout
}

type warning struct {
	issue  string
	action string
}

func (w warning) String() string {
	return "warning: " + w.issue + ": " + w.action
}

// NewIO returns an IO over the given streams.
func NewIO(in io.Reader, out, errOut io.Writer) *IO {
	return &IO{in: in, out: out, errOut: errOut}
}

// Warn records issue along with the action that resolves it.
func (o *IO) Warn(issue, action string) {
	o.warnings = append(o.warnings, warning{issue: issue, action: action})
}

// Println writes a line to stdout.
func (o *IO) Println(a ...any) {
	o.beforeOutput()
	_, _ = fmt.Fprintln(o.out, a...)
}

// Printf writes to stdout.
func (o *IO) Printf(format string, a ...any) {
	o.beforeOutput()
	_, _ = fmt.Fprintf(o.out, format, a...)
}

// Write writes raw bytes to stdout. It lets commands hand IO to encoders.
func (o *IO) Write(p []byte) (int, error) {
	o.beforeOutput()

	return o.out.Write(p)
}

// ErrPrintln writes a line to stderr.
func (o *IO) ErrPrintln(a ...any) {
	_, _ = fmt.Fprintln(o.errOut, a...)
}

// Finish flushes warnings and returns the exit code: 1 if anything was
// warned about, 0 otherwise.
func (o *IO) Finish() int {
	if len(o.warnings) == 0 {
		return 0
	}

	if !o.shown || o.wrote {
		o.printWarnings()
	}

	return 1
}

func (o *IO) beforeOutput() {
	if !o.shown && len(o.warnings) > 0 {
		o.printWarnings()
		o.shown = true
	}

	o.wrote = true
}

func (o *IO) printWarnings() {
	for _, w := range o.warnings {
		_, _ = fmt.Fprintln(o.errOut, w)
	}
}
