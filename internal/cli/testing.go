package cli

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
)

// CLI runs tdbtool in-process against a per-test working directory.
//
// Every run gets --cwd Dir, so store paths in args are relative to Dir. Env
// starts empty: no global config is found unless a test sets HOME or
// XDG_CONFIG_HOME.
type CLI struct {
	t   *testing.T
	Dir string
	Env map[string]string
}

// NewCLI returns a CLI rooted in a fresh temp directory.
func NewCLI(t *testing.T) *CLI {
	t.Helper()

	return &CLI{t: t, Dir: t.TempDir(), Env: map[string]string{}}
}

// Run runs tdbtool with args and no input.
func (c *CLI) Run(args ...string) (stdout, stderr string, code int) {
	return c.RunWithInput("", args...)
}

// RunWithInput runs tdbtool with args, feeding stdin to the command. The
// shell reads it line by line as it would a piped script.
func (c *CLI) RunWithInput(stdin string, args ...string) (stdout, stderr string, code int) {
	var out, errOut bytes.Buffer

	argv := append([]string{"tdbtool", "--cwd", c.Dir}, args...)
	code = Run(strings.NewReader(stdin), &out, &errOut, argv, c.Env, nil)

	return out.String(), errOut.String(), code
}

// MustRun runs tdbtool and fails the test unless it exits 0. It returns
// stdout without surrounding whitespace.
func (c *CLI) MustRun(args ...string) string {
	c.t.Helper()

	stdout, stderr, code := c.Run(args...)
	if code != 0 {
		c.t.Fatalf("tdbtool %s: exit code %d\nstderr: %s", strings.Join(args, " "), code, stderr)
	}

	return strings.TrimSpace(stdout)
}

// MustFail runs tdbtool and fails the test unless it exits non-zero with
// nothing on stdout. It returns stderr without surrounding whitespace.
func (c *CLI) MustFail(args ...string) string {
	c.t.Helper()

	stdout, stderr, code := c.Run(args...)

	switch {
	case code == 0:
		c.t.Fatalf("tdbtool %s: succeeded, want failure\nstdout: %s", strings.Join(args, " "), stdout)
	case stdout != "":
		c.t.Fatalf("tdbtool %s: failed but wrote stdout: %s", strings.Join(args, " "), stdout)
	}

	return strings.TrimSpace(stderr)
}

// Path returns the absolute path of a file in Dir.
func (c *CLI) Path(name string) string {
	return filepath.Join(c.Dir, name)
}

// AssertContains reports an error unless output contains want.
func AssertContains(t *testing.T, output, want string) {
	t.Helper()

	if !strings.Contains(output, want) {
		t.Errorf("output does not contain %q:\n%s", want, output)
	}
}

// AssertNotContains reports an error if output contains unwanted.
func AssertNotContains(t *testing.T, output, unwanted string) {
	t.Helper()

	if strings.Contains(output, unwanted) {
		t.Errorf("output contains %q:\n%s", unwanted, output)
	}
}
