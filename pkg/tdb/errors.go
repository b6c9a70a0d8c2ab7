package tdb

import "errors"

// Sentinel errors returned by tdb operations.
//
// Callers should use [errors.Is] to check error types:
//
//	data, err := db.Fetch(key)
//	if errors.Is(err, tdb.ErrNotFound) {
//	    // key absent
//	}
//
// OS failures are wrapped twice, so both the category and the errno match:
//
//	errors.Is(err, tdb.ErrIO) && errors.Is(err, syscall.ENOSPC)
var (
	// ErrIO indicates an operating system read, write, mmap, msync or
	// truncate failure. It is never returned for malformed file content.
	//
	// Recovery: inspect the wrapped errno; retry once the condition clears.
	ErrIO = errors.New("tdb: i/o error")

	// ErrCorrupt indicates the file is damaged: a magic tag mismatch,
	// inconsistent lengths, an out-of-range offset or a loop in a chain.
	//
	// The operation is aborted; tdb never guesses at malformed structure.
	//
	// Recovery: run [DB.Check] for a report, then restore from a backup or
	// copy out what [DB.Traverse] can still reach.
	ErrCorrupt = errors.New("tdb: corrupt")

	// ErrIncompatible indicates a file with a recognized signature but an
	// unsupported version, unknown flags or the legacy rwlock-based locking
	// layout.
	//
	// Recovery: convert the file with the tool that created it.
	ErrIncompatible = errors.New("tdb: incompatible format")

	// ErrHashMismatch indicates the file was created with a different hash
	// function than the one given in [Options.Hash].
	//
	// Recovery: open with the original hash function.
	ErrHashMismatch = errors.New("tdb: hash function mismatch")

	// ErrWouldBlock indicates a non-blocking lock attempt found a
	// conflicting holder.
	//
	// Recovery: retry after a short delay with backoff.
	ErrWouldBlock = errors.New("tdb: would block")

	// ErrLocked is an alias for [ErrWouldBlock].
	ErrLocked = ErrWouldBlock

	// ErrExists indicates [Insert] found the key already present, or
	// [Options.Exclusive] found the file already present.
	ErrExists = errors.New("tdb: exists")

	// ErrNotFound indicates the key is not present.
	ErrNotFound = errors.New("tdb: not found")

	// ErrAlreadyActive indicates [DB.Begin] was called with a transaction
	// already active on the handle.
	//
	// This is a programming error.
	ErrAlreadyActive = errors.New("tdb: transaction already active")

	// ErrNoActiveTransaction indicates [DB.Commit] or [DB.Cancel] was called
	// without an active transaction.
	//
	// This is a programming error.
	ErrNoActiveTransaction = errors.New("tdb: no active transaction")

	// ErrReadOnly indicates a mutation was attempted on a handle opened with
	// [Options.ReadOnly], or recovery was needed on such a handle.
	//
	// Recovery: open a writable handle.
	ErrReadOnly = errors.New("tdb: read-only")

	// ErrInvalidInput indicates invalid arguments or lock misuse, such as
	// requesting the all-records lock while holding a chain lock.
	//
	// This is a programming error.
	ErrInvalidInput = errors.New("tdb: invalid input")

	// ErrClosed indicates the [DB] has already been closed.
	//
	// This is a programming error.
	ErrClosed = errors.New("tdb: closed")
)
