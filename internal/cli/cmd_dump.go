package cli

import (
	"bytes"
	"context"
	"fmt"
	"slices"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/tdb/pkg/tdb"
)

// DumpCmd returns the dump command.
func DumpCmd(a *app) *Command {
	flags := flag.NewFlagSet("dump", flag.ContinueOnError)
	out := flags.StringP("out", "o", "", "Write the dump to `file` atomically instead of stdout")

	c := &Command{
		Flags: flags,
		Usage: "dump [--out=file] <file>",
		Short: "Print every record",
		Long: `Print every record sorted by key, one block per record:

  {
  key(3) = "foo"
  data(5) = "b\0Ar"
  }

Bytes outside printable ASCII, quotes and backslashes are written as \XX.
With --hex, keys and values are printed as hex strings instead.`,
	}

	c.Exec = func(ctx context.Context, o *IO, args []string) error {
		if err := c.wantArgs(args, 1, 1); err != nil {
			return err
		}

		db, _, err := a.openExisting(args[0], true)
		if err != nil {
			return err
		}

		defer func() { _ = db.Close() }()

		recs, err := readAll(ctx, db)
		if err != nil {
			return err
		}

		var buf bytes.Buffer

		for _, r := range recs {
			fmt.Fprintf(&buf, "{\nkey(%d) = %s\ndata(%d) = %s\n}\n", len(r.key), a.dumpValue(r.key), len(r.data), a.dumpValue(r.data))
		}

		if *out == "" {
			_, err := o.Write(buf.Bytes())

			return err
		}

		if err := a.fs.WriteFileAtomic(a.path(*out), &buf); err != nil {
			return fmt.Errorf("write %s: %w", *out, err)
		}

		o.Printf("wrote %d records to %s\n", len(recs), *out)

		return nil
	}

	return c
}

type record struct {
	key  []byte
	data []byte
}

// readAll returns every record sorted by key. Cancelling ctx stops the scan
// at the next record.
func readAll(ctx context.Context, db *tdb.DB) ([]record, error) {
	var recs []record

	_, err := db.Traverse(func(key, data []byte) tdb.Action {
		if ctx.Err() != nil {
			return tdb.Stop
		}

		recs = append(recs, record{key: key, data: data})

		return tdb.Continue
	})
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	slices.SortFunc(recs, func(x, y record) int { return bytes.Compare(x.key, y.key) })

	return recs, nil
}

func (a *app) dumpValue(b []byte) string {
	if a.hex {
		return a.encode(b)
	}

	return escapeDump(b)
}

func escapeDump(b []byte) string {
	var buf bytes.Buffer

	buf.WriteByte('"')

	for _, c := range b {
		if c >= 0x20 && c < 0x7f && c != '"' && c != '\\' {
			buf.WriteByte(c)

			continue
		}

		fmt.Fprintf(&buf, `\%02X`, c)
	}

	buf.WriteByte('"')

	return buf.String()
}
