package cli

import (
	"context"
	"errors"
	"fmt"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/tdb/pkg/tdb"
)

var errModeFlags = errors.New("--insert and --modify are mutually exclusive")

// GetCmd returns the get command.
func GetCmd(a *app) *Command {
	c := &Command{
		Flags: flag.NewFlagSet("get", flag.ContinueOnError),
		Usage: "get <file> <key>",
		Short: "Print the value of a key",
	}

	c.Exec = func(_ context.Context, o *IO, args []string) error {
		if err := c.wantArgs(args, 2, 2); err != nil {
			return err
		}

		key, err := a.decode(args[1])
		if err != nil {
			return err
		}

		db, _, err := a.openExisting(args[0], true)
		if err != nil {
			return err
		}

		defer func() { _ = db.Close() }()

		data, err := db.Fetch(key)
		if err != nil {
			return fmt.Errorf("key %s: %w", a.display(key), err)
		}

		o.Println(a.encode(data))

		return nil
	}

	return c
}

// StoreCmd returns the store command.
func StoreCmd(a *app) *Command {
	flags := flag.NewFlagSet("store", flag.ContinueOnError)
	insert := flags.Bool("insert", false, "Fail if the key exists")
	modify := flags.Bool("modify", false, "Fail if the key does not exist")

	c := &Command{
		Flags: flags,
		Usage: "store [--insert|--modify] <file> <key> <value>",
		Short: "Store a value under a key",
		Long:  "Store a value under a key, replacing any existing value unless --insert or --modify is given.",
	}

	c.Exec = func(_ context.Context, _ *IO, args []string) error {
		if err := c.wantArgs(args, 3, 3); err != nil {
			return err
		}

		mode := tdb.Replace

		switch {
		case *insert && *modify:
			return errModeFlags
		case *insert:
			mode = tdb.Insert
		case *modify:
			mode = tdb.Modify
		}

		return a.update(args, func(db *tdb.DB, key, data []byte) error {
			return db.Store(key, data, mode)
		})
	}

	return c
}

// AppendCmd returns the append command.
func AppendCmd(a *app) *Command {
	c := &Command{
		Flags: flag.NewFlagSet("append", flag.ContinueOnError),
		Usage: "append <file> <key> <value>",
		Short: "Append to the value of a key",
		Long:  "Append to the value of a key, creating the key if it does not exist.",
	}

	c.Exec = func(_ context.Context, _ *IO, args []string) error {
		if err := c.wantArgs(args, 3, 3); err != nil {
			return err
		}

		return a.update(args, func(db *tdb.DB, key, data []byte) error {
			return db.Append(key, data)
		})
	}

	return c
}

// DeleteCmd returns the delete command.
func DeleteCmd(a *app) *Command {
	c := &Command{
		Flags: flag.NewFlagSet("delete", flag.ContinueOnError),
		Usage: "delete <file> <key>",
		Short: "Delete a key",
	}

	c.Exec = func(_ context.Context, _ *IO, args []string) error {
		if err := c.wantArgs(args, 2, 2); err != nil {
			return err
		}

		return a.update(args, func(db *tdb.DB, key, _ []byte) error {
			return db.Delete(key)
		})
	}

	return c
}

// update decodes <file> <key> [value] and applies fn on a writable handle.
func (a *app) update(args []string, fn func(db *tdb.DB, key, data []byte) error) error {
	key, err := a.decode(args[1])
	if err != nil {
		return err
	}

	var data []byte

	if len(args) > 2 {
		data, err = a.decode(args[2])
		if err != nil {
			return err
		}
	}

	db, _, err := a.openExisting(args[0], false)
	if err != nil {
		return err
	}

	if err := fn(db, key, data); err != nil {
		return errors.Join(fmt.Errorf("key %s: %w", a.display(key), err), db.Close())
	}

	return db.Close()
}
