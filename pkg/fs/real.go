package fs

import (
	"io"
	"os"

	"github.com/natefinch/atomic"
)

// Real implements [FS] using the real filesystem.
//
// Methods are passthroughs to the [os] package with identical behavior and
// error semantics, except [Real.Exists] which wraps [os.Stat], and the atomic
// operations which use github.com/natefinch/atomic.
type Real struct{}

// NewReal returns a new [Real] filesystem.
func NewReal() *Real {
	return &Real{}
}

// A passthrough wrapper for [os.ReadFile].
func (r *Real) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// A passthrough wrapper for [os.Stat].
func (r *Real) Stat(path string) (os.FileInfo, error) {
	return os.Stat(path)
}

// Exists checks if a file exists using [os.Stat].
// Returns (true, nil) if the file exists, (false, nil) if it does not,
// or (false, err) for other errors.
func (r *Real) Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}

	if os.IsNotExist(err) {
		return false, nil
	}

	return false, err
}

// A passthrough wrapper for [os.Remove].
func (r *Real) Remove(path string) error {
	return os.Remove(path)
}

// WriteFileAtomic writes r to path via [atomic.WriteFile].
func (r *Real) WriteFileAtomic(path string, reader io.Reader) error {
	return atomic.WriteFile(path, reader)
}

// ReplaceFile renames src over dst via [atomic.ReplaceFile].
func (r *Real) ReplaceFile(src, dst string) error {
	return atomic.ReplaceFile(src, dst)
}

// Compile-time interface check.
var _ FS = (*Real)(nil)
