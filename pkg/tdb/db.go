package tdb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/calvinalkan/tdb/pkg/fs"
)

// DB is an open handle on a store file.
//
// A DB is safe for concurrent use by multiple goroutines; operations on one
// handle are serialized. Operations on different chains run in parallel when
// issued through different handles, in this process or others.
type DB struct {
	mu sync.Mutex

	path      string
	fd        int
	data      []byte // shared mapping of the whole file
	order     binary.ByteOrder
	hashSize  uint32
	records   uint64 // offset of the first record
	hash      HashFunc
	logger    *slog.Logger
	readOnly  bool
	writeback WritebackMode

	locks *lockTable
	tx    *transaction

	// Written range not yet flushed; dirtyHi == 0 means clean.
	dirtyLo, dirtyHi uint64

	closed bool
	hooks  testHooks
}

// Close cancels an active transaction, unmaps the file and releases every
// lock the handle holds.
//
// Close is idempotent; calls after the first return nil.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}

	var cancelErr, syncErr error

	if d.tx != nil {
		cancelErr = d.cancelLocked()
	}

	if d.writeback == WritebackSync && d.data != nil && !d.readOnly {
		syncErr = d.flushDirty()
	}

	unmapErr := d.unmap()

	closeErr := unix.Close(d.fd)
	if closeErr != nil {
		closeErr = fmt.Errorf("%w: close: %w", ErrIO, closeErr)
	}

	d.fd = -1
	d.closed = true
	d.locks.reset()

	return errors.Join(cancelErr, syncErr, unmapErr, closeErr)
}

// Path returns the path the handle was opened with.
func (d *DB) Path() string { return d.path }

// HashSize returns the number of hash chains, fixed at creation.
func (d *DB) HashSize() uint32 { return d.hashSize }

// ByteOrder returns the byte order the file is stored in.
func (d *DB) ByteOrder() binary.ByteOrder { return d.order }

// Generation returns the file's generation counter. It increases with every
// structural change made through any handle, so a changed value means cached
// reads may be stale.
//
// Generation waits while another handle has a transaction open. Inside the
// handle's own transaction the value includes its uncommitted changes, which
// [DB.Cancel] takes back.
func (d *DB) Generation() (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return 0, ErrClosed
	}

	if err := d.lockForOp(lockGlobal, fs.Shared); err != nil {
		return 0, err
	}

	g := d.headerU64(offGeneration)

	return g, d.locks.unlock(lockGlobal)
}

// InTransaction reports whether a transaction is active on the handle.
func (d *DB) InTransaction() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.tx != nil
}

// bumpGeneration increments the generation counter under the global lock.
func (d *DB) bumpGeneration() error {
	if err := d.locks.lock(lockGlobal, fs.Exclusive, true); err != nil {
		return err
	}

	err := d.writeU64(offGeneration, d.headerU64(offGeneration)+1)

	return errors.Join(err, d.locks.unlock(lockGlobal))
}

// checkWritable returns ErrClosed or ErrReadOnly for a handle that cannot run a
// mutating operation.
func (d *DB) checkWritable() error {
	if d.closed {
		return ErrClosed
	}

	if d.readOnly {
		return ErrReadOnly
	}

	return nil
}
