package cli_test

import (
	"encoding/json"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/calvinalkan/tdb/internal/cli"
	"github.com/calvinalkan/tdb/pkg/tdb"
)

func Test_Check_Reports_OK_When_Store_Clean(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	seedStore(t, c, "db.tdb", "a", "1", "b", "2")

	stdout := c.MustRun("check", "db.tdb")
	cli.AssertContains(t, stdout, "OK: 2 records")
}

func Test_Check_Emits_Structured_Report_When_Format_Given(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	seedStore(t, c, "db.tdb", "a", "1", "b", "2", "c", "3")

	var fromJSON tdb.Report
	if err := json.Unmarshal([]byte(c.MustRun("check", "--format=json", "db.tdb")), &fromJSON); err != nil {
		t.Fatalf("json: %v", err)
	}

	var fromYAML tdb.Report
	if err := yaml.Unmarshal([]byte(c.MustRun("check", "--format=yaml", "db.tdb")), &fromYAML); err != nil {
		t.Fatalf("yaml: %v", err)
	}

	if fromJSON.Records != 3 || fromYAML.Records != 3 {
		t.Fatalf("records json=%d yaml=%d, want 3", fromJSON.Records, fromYAML.Records)
	}

	if fromJSON.FileSize != fromYAML.FileSize || fromJSON.FileSize == 0 {
		t.Fatalf("file size json=%d yaml=%d", fromJSON.FileSize, fromYAML.FileSize)
	}
}

func Test_Check_Rejects_Unknown_Format_When_Invoked(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	seedStore(t, c, "db.tdb")

	cli.AssertContains(t, c.MustFail("check", "--format=xml", "db.tdb"), "unknown format")
}
