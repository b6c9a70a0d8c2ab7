package cli

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/tdb/pkg/tdb"
)

// info suggests a repack when free records hold more than repackThreshold
// of the file and at least repackMinFree bytes.
const (
	repackThreshold = 0.5
	repackMinFree   = 32 << 10
)

func needsRepack(s tdb.Summary) bool {
	return s.FreeFraction() > repackThreshold && s.FreeBytes >= repackMinFree
}

// RepackCmd returns the repack command.
func RepackCmd(a *app) *Command {
	flags := flag.NewFlagSet("repack", flag.ContinueOnError)
	hashSize := flags.Uint32("hash-size", 0, "Rebuild with this many hash chains (default: keep)")

	c := &Command{
		Flags: flags,
		Usage: "repack [--hash-size=N] <file>",
		Short: "Rewrite a store without free space",
		Long: `Copy every record into a fresh file next to the store, then atomically
replace the store with it. The store is locked against writers while it is
copied.

Other processes MUST NOT have the file open: they keep using the replaced
file and their later writes are lost.`,
	}

	c.Exec = func(ctx context.Context, o *IO, args []string) error {
		if err := c.wantArgs(args, 1, 1); err != nil {
			return err
		}

		src, hash, err := a.openExisting(args[0], false)
		if err != nil {
			return err
		}

		before, err := a.fileSize(src.Path())
		if err != nil {
			return errors.Join(err, src.Close())
		}

		if err := src.LockAll(); err != nil {
			return errors.Join(err, src.Close())
		}

		opts := copyOptions(src, hash)
		if flags.Changed("hash-size") {
			opts.HashSize = *hashSize
		}

		n, err := a.copyReplace(ctx, src, opts, src.Path())

		// Closing releases the lock taken above.
		if err := errors.Join(err, src.Close()); err != nil {
			return err
		}

		after, err := a.fileSize(opts.Path)
		if err != nil {
			return err
		}

		o.Printf("repacked %s: %d records, %d -> %d bytes\n", args[0], n, before, after)

		return nil
	}

	return c
}

// BackupCmd returns the backup command.
func BackupCmd(a *app) *Command {
	c := &Command{
		Flags: flag.NewFlagSet("backup", flag.ContinueOnError),
		Usage: "backup <file> <dest>",
		Short: "Write a consistent copy of a store",
		Long: `Copy every record into a new store at dest. Writers on the source wait
while it is read, so the copy is a single point-in-time view. dest must not
exist; it appears only once the copy is complete.`,
	}

	c.Exec = func(ctx context.Context, o *IO, args []string) error {
		if err := c.wantArgs(args, 2, 2); err != nil {
			return err
		}

		dest := a.path(args[1])
		exists, err := a.fs.Exists(dest)
		if err != nil {
			return fmt.Errorf("stat %s: %w", args[1], err)
		}

		if exists {
			return fmt.Errorf("%s: %w", args[1], tdb.ErrExists)
		}

		src, hash, err := a.openExisting(args[0], true)
		if err != nil {
			return err
		}

		opts := copyOptions(src, hash)
		opts.Path = dest

		n, err := a.copyReplace(ctx, src, opts, dest)
		if err := errors.Join(err, src.Close()); err != nil {
			return err
		}

		o.Printf("backed up %d records to %s\n", n, args[1])

		return nil
	}

	return c
}

// copyOptions returns options that recreate src's layout.
func copyOptions(src *tdb.DB, hash tdb.HashFunc) tdb.Options {
	return tdb.Options{
		Path:     src.Path(),
		HashSize: src.HashSize(),
		Hash:     hash,
		Convert:  isConverted(src),
	}
}

// copyReplace copies every record of src into a temporary store next to
// dest, in one transaction, and then moves it over dest.
func (a *app) copyReplace(ctx context.Context, src *tdb.DB, opts tdb.Options, dest string) (int, error) {
	tmp := filepath.Join(filepath.Dir(dest), "."+filepath.Base(dest)+".tmp-"+uuid.NewString())

	opts.Path = tmp
	opts.Exclusive = true
	opts.Logger = a.logger

	dst, err := tdb.Open(opts)
	if err != nil {
		return 0, err
	}

	n, err := copyRecords(ctx, src, dst)
	if err = errors.Join(err, dst.Close()); err != nil {
		_ = a.fs.Remove(tmp)

		return 0, err
	}

	if err := a.fs.ReplaceFile(tmp, dest); err != nil {
		_ = a.fs.Remove(tmp)

		return 0, fmt.Errorf("replace %s: %w", dest, err)
	}

	return n, nil
}

func copyRecords(ctx context.Context, src, dst *tdb.DB) (int, error) {
	if err := dst.Begin(); err != nil {
		return 0, err
	}

	var storeErr error

	n, err := src.Traverse(func(key, data []byte) tdb.Action {
		if storeErr = ctx.Err(); storeErr != nil {
			return tdb.Stop
		}

		if storeErr = dst.Store(key, data, tdb.Insert); storeErr != nil {
			return tdb.Stop
		}

		return tdb.Continue
	})
	if err = errors.Join(err, storeErr); err != nil {
		return 0, errors.Join(err, dst.Cancel())
	}

	if err := dst.Commit(); err != nil {
		return 0, err
	}

	return n, nil
}

func (a *app) fileSize(path string) (int64, error) {
	fi, err := a.fs.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat: %w", err)
	}

	return fi.Size(), nil
}
