package cli_test

import (
	"testing"

	"github.com/calvinalkan/tdb/internal/cli"
)

func Test_Info_Prints_Summary_When_Invoked(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	seedStore(t, c, "db.tdb", "a", "1", "bb", "22")

	stdout := c.MustRun("info", "db.tdb")
	cli.AssertContains(t, stdout, "File: "+c.Path("db.tdb"))
	cli.AssertContains(t, stdout, "Number of records: 2")
	cli.AssertContains(t, stdout, "Number of hash chains: 131")
}

func Test_Info_Does_Not_Warn_When_Store_Is_Small(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	seedStore(t, c, "db.tdb", "a", "1")

	stdout, stderr, code := c.Run("info", "db.tdb")
	if code != 0 {
		t.Fatalf("exit code = %d, want 0\nstderr: %s", code, stderr)
	}

	cli.AssertContains(t, stdout, "Number of records: 1")
	cli.AssertNotContains(t, stderr, "warning:")
}

func Test_Info_Prints_Prometheus_Text_When_Format_Prom(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	seedStore(t, c, "db.tdb", "a", "1")

	stdout := c.MustRun("info", "--format=prom", "db.tdb")
	cli.AssertContains(t, stdout, "# TYPE tdb_records gauge")
	cli.AssertContains(t, stdout, `tdb_records{path="`+c.Path("db.tdb")+`"} 1`)
}

func Test_Info_Warns_When_Mostly_Free_Space(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	seedStore(t, c, "db.tdb", "big", string(make([]byte, 64*1024)))
	c.MustRun("delete", "db.tdb", "big")

	stdout, stderr, code := c.Run("info", "db.tdb")
	if code != 1 {
		t.Fatalf("exit code = %d, want 1 for a warning", code)
	}

	cli.AssertContains(t, stdout, "Number of records: 0")
	cli.AssertContains(t, stderr, "warning:")
	cli.AssertContains(t, stderr, "tdbtool repack db.tdb")
}
