package cli

import (
	"context"
	"fmt"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/tdb/internal/tdbstats"
)

// InfoCmd returns the info command.
func InfoCmd(a *app) *Command {
	flags := flag.NewFlagSet("info", flag.ContinueOnError)
	format := flags.String("format", "text", "Output format: text or prom")

	c := &Command{
		Flags: flags,
		Usage: "info [--format=F] <file>",
		Short: "Show space and chain statistics",
		Long: `Show space usage, record size and hash chain statistics.

With --format=prom the statistics are printed in the Prometheus text
exposition format, for node_exporter's textfile collector.`,
	}

	c.Exec = func(_ context.Context, o *IO, args []string) error {
		if err := c.wantArgs(args, 1, 1); err != nil {
			return err
		}

		if *format != "text" && *format != "prom" {
			return fmt.Errorf("%w: %q", errFormat, *format)
		}

		db, _, err := a.openExisting(args[0], true)
		if err != nil {
			return err
		}

		defer func() { _ = db.Close() }()

		if *format == "prom" {
			return tdbstats.WriteText(o, db, a.logger)
		}

		s, err := db.Summary()
		if err != nil {
			return err
		}

		o.Printf("File: %s\n", db.Path())
		o.Printf("%s", s)

		if needsRepack(s) {
			o.Warn(fmt.Sprintf("%.0f%% of the file is free space", 100*s.FreeFraction()), "run 'tdbtool repack "+args[0]+"' while no other process has it open")
		}

		return nil
	}

	return c
}
