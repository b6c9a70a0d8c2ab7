package cli_test

import (
	"strings"
	"testing"

	"github.com/calvinalkan/tdb/internal/cli"
)

func Test_Shell_Runs_Script_When_Input_Piped(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)

	script := strings.Join([]string{
		`store "my key" "a value"`,
		`get "my key"`,
		`insert "my key" again`,
		`get missing`,
		`append "my key" '!'`,
		`get "my key"`,
		`# comment`,
		`count`,
		`nonsense`,
		`quit`,
		`get "my key"`,
	}, "\n")

	stdout, stderr, code := c.RunWithInput(script, "shell", "db.tdb")
	if code != 0 {
		t.Fatalf("exit code = %d\nstderr: %s", code, stderr)
	}

	want := strings.Join([]string{
		`OK`,
		`"a value"`,
		`error: tdb: exists`,
		`(not found)`,
		`OK`,
		`"a value!"`,
		`1 records`,
		`error: unknown command: nonsense (type 'help' for commands)`,
	}, "\n") + "\n"

	if stdout != want {
		t.Fatalf("stdout:\n%s\nwant:\n%s", stdout, want)
	}
}

func Test_Shell_Transactions_Commit_And_Cancel_When_Scripted(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)

	script := strings.Join([]string{
		"begin",
		"store kept 1",
		"commit",
		"begin",
		"store dropped 2",
		"delete kept",
		"cancel",
		"bulk 25 bulk-",
		"check",
	}, "\n")

	stdout, stderr, code := c.RunWithInput(script, "shell", "db.tdb")
	if code != 0 {
		t.Fatalf("exit code = %d\nstderr: %s", code, stderr)
	}

	cli.AssertContains(t, stdout, "inserted 25 records")
	cli.AssertContains(t, stdout, "OK: 26 records")

	if got := c.MustRun("get", "db.tdb", "kept"); got != "1" {
		t.Fatalf("kept = %q, want 1", got)
	}

	cli.AssertContains(t, c.MustFail("get", "db.tdb", "dropped"), "not found")
}

func Test_Shell_Warns_And_Cancels_When_Exiting_Inside_Transaction(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)

	_, stderr, code := c.RunWithInput("begin\nstore k v\n", "shell", "db.tdb")
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}

	cli.AssertContains(t, stderr, "transaction still active at exit")
	cli.AssertContains(t, c.MustFail("get", "db.tdb", "k"), "not found")
}
