package cli

import (
	"bytes"
	"strings"
	"testing"
)

func newTestIO() (*IO, *bytes.Buffer, *bytes.Buffer) {
	var out, errOut bytes.Buffer

	return NewIO(strings.NewReader(""), &out, &errOut), &out, &errOut
}

func Test_IO_Finish_Returns_Zero_When_Nothing_Warned(t *testing.T) {
	t.Parallel()

	o, out, errOut := newTestIO()
	o.Println("ok")

	if code := o.Finish(); code != 0 {
		t.Fatalf("Finish() = %d, want 0", code)
	}

	if out.String() != "ok\n" || errOut.Len() != 0 {
		t.Fatalf("stdout=%q stderr=%q", out, errOut)
	}
}

func Test_IO_Prints_Warning_Once_When_Warned_After_Output(t *testing.T) {
	t.Parallel()

	o, _, errOut := newTestIO()
	o.Printf("%d records\n", 3)
	o.Warn("mostly free", "repack it")

	if code := o.Finish(); code != 1 {
		t.Fatalf("Finish() = %d, want 1", code)
	}

	if got, want := errOut.String(), "warning: mostly free: repack it\n"; got != want {
		t.Fatalf("stderr = %q, want %q", got, want)
	}
}

func Test_IO_Prints_Warning_Around_Output_When_Warned_Before_Output(t *testing.T) {
	t.Parallel()

	o, out, errOut := newTestIO()
	o.Warn("stale", "reopen")
	_, _ = o.Write([]byte("body\n"))

	if code := o.Finish(); code != 1 {
		t.Fatalf("Finish() = %d, want 1", code)
	}

	if got := strings.Count(errOut.String(), "warning: stale: reopen"); got != 2 {
		t.Fatalf("warning printed %d times, want 2\nstderr: %s", got, errOut)
	}

	if out.String() != "body\n" {
		t.Fatalf("stdout = %q", out)
	}
}

func Test_IO_Prints_Warning_Once_When_Nothing_Written(t *testing.T) {
	t.Parallel()

	o, _, errOut := newTestIO()
	o.Warn("transaction still active", "commit first")

	if code := o.Finish(); code != 1 {
		t.Fatalf("Finish() = %d, want 1", code)
	}

	if got := strings.Count(errOut.String(), "warning:"); got != 1 {
		t.Fatalf("warning printed %d times, want 1", got)
	}
}
