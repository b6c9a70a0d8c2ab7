package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/calvinalkan/tdb/pkg/tdb"
)

var errFormat = errors.New("unknown format")

// CheckCmd returns the check command.
func CheckCmd(a *app) *Command {
	flags := flag.NewFlagSet("check", flag.ContinueOnError)
	format := flags.String("format", "text", "Output format: text, json or yaml")

	c := &Command{
		Flags: flags,
		Usage: "check [--format=F] <file>",
		Short: "Verify file structure",
		Long: `Walk the whole file and report every broken structural rule: record
headers, hash chains, free lists, journal pointers and unreachable space.

Exits 1 if any violation is found. Nothing is repaired.`,
	}

	c.Exec = func(_ context.Context, o *IO, args []string) error {
		if err := c.wantArgs(args, 1, 1); err != nil {
			return err
		}

		switch *format {
		case "text", "json", "yaml":
		default:
			return fmt.Errorf("%w: %q", errFormat, *format)
		}

		db, _, err := a.openExisting(args[0], true)
		if err != nil {
			return err
		}

		defer func() { _ = db.Close() }()

		report, err := db.Check(tdb.CheckOptions{})
		if err != nil {
			return err
		}

		switch *format {
		case "json":
			b, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}

			o.Println(string(b))
		case "yaml":
			b, err := yaml.Marshal(report)
			if err != nil {
				return err
			}

			o.Printf("%s", b)
		default:
			for _, v := range report.Violations {
				o.Println(v.String())
			}

			if report.OK() {
				o.Printf("OK: %d records, %d free, %d journal, %d bytes\n", report.Records, report.FreeRecords, report.JournalRecords, report.FileSize)
			}
		}

		return report.Err()
	}

	return c
}
