package cli

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"

	"github.com/calvinalkan/tdb/internal/config"
	"github.com/calvinalkan/tdb/pkg/fs"
	"github.com/calvinalkan/tdb/pkg/tdb"
)

// app carries the resolved configuration shared by all commands.
type app struct {
	cfg    config.Config
	logger *slog.Logger
	hex    bool
	env    map[string]string
	fs     fs.FS
}

func (a *app) commands() []*Command {
	return []*Command{
		CreateCmd(a),
		GetCmd(a),
		StoreCmd(a),
		AppendCmd(a),
		DeleteCmd(a),
		DumpCmd(a),
		CheckCmd(a),
		InfoCmd(a),
		RepackCmd(a),
		BackupCmd(a),
		ShellCmd(a),
		PrintConfigCmd(a),
	}
}

// path resolves p against the effective working directory.
func (a *app) path(p string) string {
	if filepath.IsAbs(p) {
		return p
	}

	return filepath.Join(a.cfg.EffectiveCwd, p)
}

// options returns store options for path from the configuration.
func (a *app) options(path string) tdb.Options {
	return tdb.Options{
		Path:      a.path(path),
		HashSize:  a.cfg.HashSize,
		Hash:      a.cfg.HashFunc(),
		Logger:    a.logger,
		Convert:   a.cfg.Convert,
		Writeback: a.cfg.WritebackMode(),
	}
}

// hashNames lists the configured hash first.
func (a *app) hashNames() []string {
	if a.cfg.Hash == config.HashMurmur3 {
		return []string{config.HashMurmur3, config.HashXXHash}
	}

	return []string{config.HashXXHash, config.HashMurmur3}
}

// openExisting opens the store at path without creating it. A file created
// with the other hash function is opened with that function instead.
func (a *app) openExisting(path string, readOnly bool) (*tdb.DB, tdb.HashFunc, error) {
	opts := a.options(path)
	opts.ReadOnly = readOnly

	exists, err := a.fs.Exists(opts.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("stat %s: %w", path, err)
	}

	if !exists {
		return nil, nil, fmt.Errorf("%w: %s", errNoStore, path)
	}

	var errs []error

	for _, name := range a.hashNames() {
		cfg := a.cfg
		cfg.Hash = name
		opts.Hash = cfg.HashFunc()

		db, err := tdb.Open(opts)
		if err == nil {
			if name != a.cfg.Hash {
				a.logger.Info("opened with alternate hash", "path", opts.Path, "hash", name)
			}

			return db, opts.Hash, nil
		}

		if !errors.Is(err, tdb.ErrHashMismatch) {
			return nil, nil, err
		}

		errs = append(errs, err)
	}

	return nil, nil, errors.Join(errs...)
}

// decode parses a key or value argument.
func (a *app) decode(s string) ([]byte, error) {
	if !a.hex {
		return []byte(s), nil
	}

	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q is not hex: %w", errBadArgs, s, err)
	}

	return b, nil
}

// encode renders a key or value for output that is read back by decode.
func (a *app) encode(b []byte) string {
	if a.hex {
		return hex.EncodeToString(b)
	}

	return string(b)
}

// display renders a key or value for humans.
func (a *app) display(b []byte) string {
	if a.hex {
		return hex.EncodeToString(b)
	}

	return strconv.Quote(string(b))
}

// nativeLittleEndian reports the host byte order.
func nativeLittleEndian() bool {
	return binary.NativeEndian.Uint16([]byte{1, 0}) == 1
}

func byteOrderName(order binary.ByteOrder) string {
	if order == binary.BigEndian {
		return "big-endian"
	}

	return "little-endian"
}

// isConverted reports whether db is stored in the non-native byte order.
func isConverted(db *tdb.DB) bool {
	return (db.ByteOrder() == binary.LittleEndian) != nativeLittleEndian()
}
