package tdb

import (
	"errors"
	"fmt"

	"github.com/calvinalkan/tdb/pkg/fs"
)

// Lock architecture
//
// All coordination uses fcntl byte-range locks on the store file itself. The
// locked bytes name resources; they do not protect the bytes at those
// offsets:
//
//	byte 0        open lock: open, create, clear-if-first and recovery at open
//	byte 1        active lock: held shared by every open handle; winning it
//	              exclusive means no other handle has the file open
//	byte 2        global lock: generation counter, journal pointer,
//	              transaction sequencing
//	byte 3        free-list lock: free buckets and file growth
//	byte 8+i      chain i
//	[8, 8+N)      all-records lock, covering every chain
//
// Ordering is all-records or chain, then global, then free-list. Store
// operations never take the open lock, so an opener waiting for the
// all-records lock cannot deadlock against them. Callers may not request the
// all-records lock while holding a chain lock.
//
// Each handle keeps a table of the locks it holds with nesting counts. A
// chain lock requested while the handle holds the all-records lock is
// already covered and costs nothing, except for an exclusive chain lock
// under a shared all-records lock: that byte is upgraded in place and
// downgraded back to shared on release.

type lockID uint64

const (
	lockOpen     lockID = 0
	lockActive   lockID = 1
	lockGlobal   lockID = 2
	lockFreeList lockID = 3
	lockChain0   lockID = 8

	// lockAll stands for the range [lockChain0, lockChain0+hashSize).
	lockAll lockID = ^lockID(0)
)

func chainLockID(chain uint32) lockID {
	return lockChain0 + lockID(chain)
}

func (id lockID) String() string {
	switch {
	case id == lockOpen:
		return "open"
	case id == lockActive:
		return "active"
	case id == lockGlobal:
		return "global"
	case id == lockFreeList:
		return "free-list"
	case id == lockAll:
		return "all-records"
	case id >= lockChain0:
		return fmt.Sprintf("chain %d", id-lockChain0)
	default:
		return fmt.Sprintf("lock %d", uint64(id))
	}
}

type heldLock struct {
	kind  fs.LockKind
	count int

	// covered marks a chain lock satisfied by the all-records lock.
	covered bool

	// upgraded marks a covered chain byte made exclusive under a shared
	// all-records lock.
	upgraded bool
}

// lockTable tracks the locks a handle holds. It is not safe for concurrent
// use; the handle mutex guards it.
type lockTable struct {
	rl       *fs.RangeLocker // nil when locking is disabled
	hashSize uint32
	held     map[lockID]*heldLock
	chains   int
}

func newLockTable(rl *fs.RangeLocker, hashSize uint32) *lockTable {
	return &lockTable{
		rl:       rl,
		hashSize: hashSize,
		held:     make(map[lockID]*heldLock),
	}
}

func (t *lockTable) span(id lockID) (int64, int64) {
	if id == lockAll {
		return int64(lockChain0), int64(t.hashSize)
	}

	return int64(id), 1
}

func (t *lockTable) isChain(id lockID) bool {
	return id != lockAll && id >= lockChain0
}

// lock acquires id, waiting if wait is set. Re-acquiring a held lock nests.
func (t *lockTable) lock(id lockID, kind fs.LockKind, wait bool) error {
	if h, ok := t.held[id]; ok {
		if kind == fs.Exclusive && h.kind == fs.Shared {
			return fmt.Errorf("%w: cannot upgrade held shared %s lock", ErrInvalidInput, id)
		}

		h.count++

		return nil
	}

	if id == lockAll && t.chains > 0 {
		return fmt.Errorf("%w: all-records lock requested while holding %d chain lock(s)", ErrInvalidInput, t.chains)
	}

	h := &heldLock{kind: kind, count: 1}

	if all, ok := t.held[lockAll]; ok && t.isChain(id) {
		h.covered = true

		if kind == fs.Exclusive && all.kind == fs.Shared {
			if err := t.upgrade(id, wait); err != nil {
				return err
			}

			h.upgraded = true
		}
	} else if err := t.acquire(id, kind, wait); err != nil {
		return err
	}

	t.held[id] = h

	if t.isChain(id) {
		t.chains++
	}

	return nil
}

// unlock releases one level of id.
func (t *lockTable) unlock(id lockID) error {
	h, ok := t.held[id]
	if !ok {
		return fmt.Errorf("%w: %s lock not held", ErrInvalidInput, id)
	}

	if id == lockAll && h.count == 1 && t.chains > 0 {
		return fmt.Errorf("%w: all-records lock released while holding %d chain lock(s)", ErrInvalidInput, t.chains)
	}

	h.count--
	if h.count > 0 {
		return nil
	}

	delete(t.held, id)

	if t.isChain(id) {
		t.chains--
	}

	if h.covered {
		if !h.upgraded || t.rl == nil {
			return nil
		}

		off, n := t.span(id)

		return wrapLockErr(id, t.rl.Lock(off, n, fs.Shared))
	}

	return t.release(id)
}

// holdsOnly reports whether id is the only lock held, ignoring the open and
// active locks.
func (t *lockTable) holdsOnly(id lockID) bool {
	for held := range t.held {
		if held != id && held != lockOpen && held != lockActive {
			return false
		}
	}

	return true
}

func (t *lockTable) holds(id lockID) bool {
	_, ok := t.held[id]

	return ok
}

// reset forgets every lock. Closing the descriptor releases them.
func (t *lockTable) reset() {
	clear(t.held)
	t.chains = 0
}

func (t *lockTable) acquire(id lockID, kind fs.LockKind, wait bool) error {
	if t.rl == nil {
		return nil
	}

	off, n := t.span(id)

	if wait {
		return wrapLockErr(id, t.rl.Lock(off, n, kind))
	}

	return wrapLockErr(id, t.rl.TryLock(off, n, kind))
}

func (t *lockTable) upgrade(id lockID, wait bool) error {
	if t.rl == nil {
		return nil
	}

	off, n := t.span(id)

	if !wait {
		return wrapLockErr(id, t.rl.TryLock(off, n, fs.Exclusive))
	}

	return wrapLockErr(id, t.rl.LockWithTimeout(off, n, fs.Exclusive, upgradeTimeout))
}

func (t *lockTable) release(id lockID) error {
	if t.rl == nil {
		return nil
	}

	off, n := t.span(id)

	return wrapLockErr(id, t.rl.Unlock(off, n))
}

func wrapLockErr(id lockID, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fs.ErrWouldBlock):
		return fmt.Errorf("%w: %s lock: %w", ErrWouldBlock, id, err)
	default:
		return fmt.Errorf("%w: %s lock: %w", ErrIO, id, err)
	}
}

// lockForOp takes a store operation's lock. A journal pointer seen under
// the lock outside a transaction belongs to a writer that died mid
// transaction; it is rolled back before the operation proceeds.
func (d *DB) lockForOp(id lockID, kind fs.LockKind) error {
	for {
		if err := d.locks.lock(id, kind, true); err != nil {
			return err
		}

		if d.tx != nil || !d.locks.holdsOnly(id) || d.journalOffset() == 0 {
			return nil
		}

		if err := d.locks.unlock(id); err != nil {
			return err
		}

		if err := d.recoverPending(); err != nil {
			return err
		}
	}
}

// Chain and all-records locks for callers that need several operations to
// appear atomic to other handles. Locks nest; every successful lock call must
// be paired with an unlock. Store operations on a locked chain reuse the
// held lock.

// ChainLock takes the exclusive lock on key's chain, waiting if necessary.
func (d *DB) ChainLock(key []byte) error {
	return d.userLock(d.keyLockID(key), fs.Exclusive, true)
}

// ChainLockShared takes the shared lock on key's chain, waiting if
// necessary.
func (d *DB) ChainLockShared(key []byte) error {
	return d.userLock(d.keyLockID(key), fs.Shared, true)
}

// TryChainLock is [DB.ChainLock] without waiting. It returns
// [ErrWouldBlock] if another handle holds the chain.
func (d *DB) TryChainLock(key []byte) error {
	return d.userLock(d.keyLockID(key), fs.Exclusive, false)
}

// TryChainLockShared is [DB.ChainLockShared] without waiting.
func (d *DB) TryChainLockShared(key []byte) error {
	return d.userLock(d.keyLockID(key), fs.Shared, false)
}

// ChainUnlock releases a lock taken by [DB.ChainLock] or
// [DB.TryChainLock].
func (d *DB) ChainUnlock(key []byte) error {
	return d.userUnlock(d.keyLockID(key))
}

// ChainUnlockShared releases a lock taken by [DB.ChainLockShared] or
// [DB.TryChainLockShared].
func (d *DB) ChainUnlockShared(key []byte) error {
	return d.userUnlock(d.keyLockID(key))
}

// LockAll takes the exclusive all-records lock, waiting if necessary.
func (d *DB) LockAll() error { return d.userLock(lockAll, fs.Exclusive, true) }

// LockAllShared takes the shared all-records lock, waiting if necessary.
func (d *DB) LockAllShared() error { return d.userLock(lockAll, fs.Shared, true) }

// TryLockAll is [DB.LockAll] without waiting.
func (d *DB) TryLockAll() error { return d.userLock(lockAll, fs.Exclusive, false) }

// TryLockAllShared is [DB.LockAllShared] without waiting.
func (d *DB) TryLockAllShared() error { return d.userLock(lockAll, fs.Shared, false) }

// UnlockAll releases the exclusive all-records lock.
func (d *DB) UnlockAll() error { return d.userUnlock(lockAll) }

// UnlockAllShared releases the shared all-records lock.
func (d *DB) UnlockAllShared() error { return d.userUnlock(lockAll) }

func (d *DB) keyLockID(key []byte) lockID {
	return chainLockID(d.hash(key) % d.hashSize)
}

func (d *DB) userLock(id lockID, kind fs.LockKind, wait bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}

	if kind == fs.Exclusive && d.readOnly {
		return ErrReadOnly
	}

	if wait {
		return d.lockForOp(id, kind)
	}

	if err := d.locks.lock(id, kind, false); err != nil {
		return err
	}

	if d.tx == nil && d.locks.holdsOnly(id) && d.journalOffset() != 0 {
		_ = d.locks.unlock(id)

		return fmt.Errorf("%w: journal recovery pending", ErrWouldBlock)
	}

	return nil
}

func (d *DB) userUnlock(id lockID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}

	return d.locks.unlock(id)
}
