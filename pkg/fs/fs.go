// Package fs provides OS-facing helpers shared by the store and its tools.
//
// The main types are:
//   - [RangeLocker]: fcntl byte-range locks on an open file descriptor
//   - [FS]: whole-file operations (stat, read, atomic replace)
//   - [Real]: production implementation using the [os] package
//
// Example usage:
//
//	fsys := fs.NewReal()
//	if err := fsys.WriteFileAtomic("dump.txt", &buf); err != nil {
//	    return err
//	}
package fs

import (
	"io"
	"os"
)

// FS defines the whole-file operations performed around a store file:
// probing for it, reading small config files, and replacing files
// atomically.
//
// Paths use OS semantics (like the os package and path/filepath), not the
// slash-separated paths used by the standard library io/fs package.
//
// Implementations must be safe for concurrent use by multiple goroutines.
type FS interface {
	// ReadFile reads an entire file into memory. See [os.ReadFile].
	ReadFile(path string) ([]byte, error)

	// Stat returns file info. See [os.Stat].
	// Returns [os.ErrNotExist] if file doesn't exist.
	Stat(path string) (os.FileInfo, error)

	// Exists reports whether a file or directory exists.
	// Returns (false, nil) if not found, (false, err) on other errors.
	Exists(path string) (bool, error)

	// Remove deletes a file or empty directory. See [os.Remove].
	Remove(path string) error

	// WriteFileAtomic writes r to path through a temp file in the same
	// directory and a rename. Readers see the old content or the new,
	// never a mix.
	WriteFileAtomic(path string, r io.Reader) error

	// ReplaceFile renames src over dst atomically. Both must be on the same
	// filesystem.
	ReplaceFile(src, dst string) error
}
