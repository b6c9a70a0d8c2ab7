//go:build unix && !linux

package fs

import "golang.org/x/sys/unix"

// Classic POSIX record locks, owned by the process.
const (
	cmdSetLock     = unix.F_SETLK
	cmdSetLockWait = unix.F_SETLKW
)
