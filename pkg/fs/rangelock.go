package fs

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

var (
	// ErrWouldBlock is returned when a range lock cannot be acquired without
	// waiting.
	//
	// It is returned by [RangeLocker.TryLock] when a conflicting lock is held,
	// and by [RangeLocker.LockWithTimeout] when the timeout expires.
	ErrWouldBlock = errors.New("lock would block")

	// ErrInvalidTimeout is returned when a timeout is <= 0.
	ErrInvalidTimeout = errors.New("invalid lock timeout")

	// ErrInvalidRange is returned for negative offsets or non-positive lengths.
	ErrInvalidRange = errors.New("invalid lock range")
)

// LockKind selects a shared (read) or exclusive (write) range lock.
type LockKind int16

const (
	// Shared allows other shared holders of overlapping ranges.
	Shared LockKind = unix.F_RDLCK

	// Exclusive conflicts with every other holder of an overlapping range.
	Exclusive LockKind = unix.F_WRLCK
)

func (k LockKind) String() string {
	switch k {
	case Shared:
		return "shared"
	case Exclusive:
		return "exclusive"
	default:
		return fmt.Sprintf("LockKind(%d)", int16(k))
	}
}

// RangeLocker takes advisory byte-range locks on an open file descriptor
// using fcntl(2).
//
// The locked bytes do not need to exist in the file: a range is a name for a
// logical resource, not a claim on file content. Locks are owned by the open
// file description on Linux (F_OFD_SETLK), so two descriptors opened
// separately in the same process contend like two processes would. Other
// Unix systems fall back to classic process-owned POSIX locks, where locks
// held by one process never conflict with each other and closing any
// descriptor for the file drops all of them.
//
// Re-locking a range the descriptor already holds changes its kind in place
// (a shared lock becomes exclusive or vice versa). Unlocking part of a held
// range splits it. RangeLocker keeps no bookkeeping of its own; callers that
// need nesting or reference counts must track them.
//
// Locks are released when the descriptor is closed, including when the
// process dies.
//
// RangeLocker is safe for concurrent use; the kernel serializes lock changes.
type RangeLocker struct {
	fd    uintptr
	fcntl func(fd uintptr, cmd int, lk *unix.Flock_t) error
}

// NewRangeLocker returns a RangeLocker for fd. The caller keeps ownership of
// fd and must keep it open while locks are in use.
//
// Exclusive locks require fd to be open for writing, shared locks require it
// to be open for reading.
func NewRangeLocker(fd uintptr) *RangeLocker {
	return &RangeLocker{
		fd:    fd,
		fcntl: unix.FcntlFlock,
	}
}

// Lock acquires a lock on [off, off+n), blocking in the kernel until no
// conflicting lock is held. There is no timeout; use [RangeLocker.TryLock] or
// [RangeLocker.LockWithTimeout] to avoid unbounded waits.
func (l *RangeLocker) Lock(off, n int64, kind LockKind) error {
	if err := validRange(off, n); err != nil {
		return err
	}

	return l.set(cmdSetLockWait, off, n, int16(kind))
}

// TryLock attempts to acquire a lock on [off, off+n) without waiting.
//
// Returns an error satisfying [errors.Is] with [ErrWouldBlock] if a
// conflicting lock is held.
func (l *RangeLocker) TryLock(off, n int64, kind LockKind) error {
	if err := validRange(off, n); err != nil {
		return err
	}

	return l.poll(off, n, kind, 0)
}

// LockWithTimeout attempts to acquire a lock on [off, off+n), retrying with
// exponential backoff (1ms to 25ms) until the timeout expires.
//
// Polling is used instead of a blocking wait so the caller regains control on
// expiry. This matters when two holders of a shared range both try to make a
// sub-range exclusive: neither can proceed, and a blocking wait would hang
// both of them.
//
// Returns an error satisfying [errors.Is] with [ErrWouldBlock] if the timeout
// expires, or [ErrInvalidTimeout] if timeout <= 0.
func (l *RangeLocker) LockWithTimeout(off, n int64, kind LockKind, timeout time.Duration) error {
	if timeout <= 0 {
		return fmt.Errorf("%w: timeout must be > 0", ErrInvalidTimeout)
	}

	if err := validRange(off, n); err != nil {
		return err
	}

	return l.poll(off, n, kind, timeout)
}

// Unlock releases any lock held on [off, off+n). Unlocking a range that is
// not locked is not an error.
func (l *RangeLocker) Unlock(off, n int64) error {
	if err := validRange(off, n); err != nil {
		return err
	}

	return l.set(cmdSetLock, off, n, unix.F_UNLCK)
}

// poll attempts a non-blocking lock with retries.
//
//   - timeout == 0: try once
//   - timeout > 0: retry with backoff until timeout
func (l *RangeLocker) poll(off, n int64, kind LockKind, timeout time.Duration) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	backoff := time.Millisecond

	for {
		err := l.set(cmdSetLock, off, n, int16(kind))
		if err == nil || !errors.Is(err, ErrWouldBlock) {
			return err
		}

		if timeout == 0 {
			return err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("%w: timed out after %s", ErrWouldBlock, timeout)
		}

		time.Sleep(min(backoff, remaining))

		if backoff < 25*time.Millisecond {
			backoff = min(backoff*2, 25*time.Millisecond)
		}
	}
}

func (l *RangeLocker) set(cmd int, off, n int64, typ int16) error {
	lk := unix.Flock_t{
		Type:   typ,
		Whence: 0, // io.SeekStart
		Start:  off,
		Len:    n,
	}

	err := fcntlRetryEINTR(l.fcntl, l.fd, cmd, &lk)
	if err == nil {
		return nil
	}

	if isWouldBlock(err) {
		return fmt.Errorf("%w: range [%d,%d)", ErrWouldBlock, off, off+n)
	}

	return fmt.Errorf("fcntl lock [%d,%d): %w", off, off+n, err)
}

func validRange(off, n int64) error {
	if off < 0 || n <= 0 || off > off+n {
		return fmt.Errorf("%w: offset %d length %d", ErrInvalidRange, off, n)
	}

	return nil
}

func isWouldBlock(err error) bool {
	// POSIX allows EACCES as well as EAGAIN for a conflicting F_SETLK.
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EACCES)
}

// fcntlRetryEINTR wraps fcntl, retrying on EINTR.
//
// A blocking F_SETLKW is interrupted by any signal delivered while waiting.
// Retries are capped so a pathological signal storm cannot spin forever.
func fcntlRetryEINTR(fcntl func(uintptr, int, *unix.Flock_t) error, fd uintptr, cmd int, lk *unix.Flock_t) error {
	const maxEINTRRetries = 10000

	var err error
	for range maxEINTRRetries {
		err = fcntl(fd, cmd, lk)
		if err == nil || !errors.Is(err, unix.EINTR) {
			return err
		}
	}

	return err
}
