package cli

import (
	"context"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/tdb/pkg/tdb"
)

// CreateCmd returns the create command.
func CreateCmd(a *app) *Command {
	flags := flag.NewFlagSet("create", flag.ContinueOnError)
	hashSize := flags.Uint32("hash-size", 0, "Number of hash chains (default from config)")
	clearIfFirst := flags.Bool("clear-if-first", false, "Reinitialize the file on every first open")

	c := &Command{
		Flags: flags,
		Usage: "create [flags] <file>",
		Short: "Create an empty store",
		Long: `Create an empty store file. Fails if the file exists.

The hash function, chain count and byte order are fixed at creation and
taken from the configuration unless given here.`,
	}

	c.Exec = func(_ context.Context, o *IO, args []string) error {
		if err := c.wantArgs(args, 1, 1); err != nil {
			return err
		}

		opts := a.options(args[0])
		opts.Exclusive = true
		opts.ClearIfFirst = *clearIfFirst

		if flags.Changed("hash-size") {
			opts.HashSize = *hashSize
		}

		db, err := tdb.Open(opts)
		if err != nil {
			return err
		}

		o.Printf("created %s: %d hash chains, %s, %s hash\n", db.Path(), db.HashSize(), byteOrderName(db.ByteOrder()), a.cfg.Hash)

		return db.Close()
	}

	return c
}
