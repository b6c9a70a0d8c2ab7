package fs

import "golang.org/x/sys/unix"

// Open file description locks: owned by the descriptor, not the process.
const (
	cmdSetLock     = unix.F_OFD_SETLK
	cmdSetLockWait = unix.F_OFD_SETLKW
)
