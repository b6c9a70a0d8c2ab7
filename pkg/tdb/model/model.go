// Package model provides a deliberately simple, in-memory model of tdb's
// publicly observable behavior.
//
// The model ignores chains, free space and locking entirely. Tests drive the
// model and a real store with the same operations and compare the results.
package model

import (
	"maps"
	"slices"

	"github.com/calvinalkan/tdb/pkg/tdb"
)

// FileState is the committed content that persists across Close/Open.
type FileState struct {
	Records map[string]string
}

// NewFile returns an empty file state.
func NewFile() *FileState {
	return &FileState{Records: make(map[string]string)}
}

// Clone makes a deep copy.
func (file *FileState) Clone() *FileState {
	return &FileState{Records: maps.Clone(file.Records)}
}

// DBModel is an open handle against a FileState.
type DBModel struct {
	File     *FileState
	IsClosed bool

	// Snapshot holds the committed state while a transaction is active; the
	// transaction mutates File in place, like the real store's undo journal.
	Snapshot *FileState
}

// Open returns a handle backed by file.
func Open(file *FileState) *DBModel {
	return &DBModel{File: file}
}

// Close cancels an active transaction and closes the handle.
func (db *DBModel) Close() error {
	if db.IsClosed {
		return nil
	}

	if db.Snapshot != nil {
		db.File.Records = db.Snapshot.Records
		db.Snapshot = nil
	}

	db.IsClosed = true

	return nil
}

// Fetch returns the value of key.
func (db *DBModel) Fetch(key []byte) ([]byte, error) {
	if db.IsClosed {
		return nil, tdb.ErrClosed
	}

	v, ok := db.File.Records[string(key)]
	if !ok {
		return nil, tdb.ErrNotFound
	}

	return []byte(v), nil
}

// Exists reports whether key is present.
func (db *DBModel) Exists(key []byte) (bool, error) {
	if db.IsClosed {
		return false, tdb.ErrClosed
	}

	_, ok := db.File.Records[string(key)]

	return ok, nil
}

// Store applies mode semantics.
func (db *DBModel) Store(key, data []byte, mode tdb.StoreMode) error {
	if db.IsClosed {
		return tdb.ErrClosed
	}

	_, ok := db.File.Records[string(key)]

	switch mode {
	case tdb.Insert:
		if ok {
			return tdb.ErrExists
		}
	case tdb.Modify:
		if !ok {
			return tdb.ErrNotFound
		}
	case tdb.Replace:
	default:
		return tdb.ErrInvalidInput
	}

	db.File.Records[string(key)] = string(data)

	return nil
}

// Append concatenates data to the value of key, creating it if absent.
func (db *DBModel) Append(key, data []byte) error {
	if db.IsClosed {
		return tdb.ErrClosed
	}

	db.File.Records[string(key)] += string(data)

	return nil
}

// Delete removes key.
func (db *DBModel) Delete(key []byte) error {
	if db.IsClosed {
		return tdb.ErrClosed
	}

	if _, ok := db.File.Records[string(key)]; !ok {
		return tdb.ErrNotFound
	}

	delete(db.File.Records, string(key))

	return nil
}

// Begin starts a transaction.
func (db *DBModel) Begin() error {
	if db.IsClosed {
		return tdb.ErrClosed
	}

	if db.Snapshot != nil {
		return tdb.ErrAlreadyActive
	}

	db.Snapshot = db.File.Clone()

	return nil
}

// Commit keeps the transaction's changes.
func (db *DBModel) Commit() error {
	if db.IsClosed {
		return tdb.ErrClosed
	}

	if db.Snapshot == nil {
		return tdb.ErrNoActiveTransaction
	}

	db.Snapshot = nil

	return nil
}

// Cancel restores the state at Begin.
func (db *DBModel) Cancel() error {
	if db.IsClosed {
		return tdb.ErrClosed
	}

	if db.Snapshot == nil {
		return tdb.ErrNoActiveTransaction
	}

	db.File.Records = db.Snapshot.Records
	db.Snapshot = nil

	return nil
}

// Len returns the number of records.
func (db *DBModel) Len() int {
	return len(db.File.Records)
}

// Contents returns every record keyed by string(key), for comparison with a
// traversal of the real store.
func (db *DBModel) Contents() map[string]string {
	return maps.Clone(db.File.Records)
}

// Keys returns all keys in sorted order.
func (db *DBModel) Keys() []string {
	return slices.Sorted(maps.Keys(db.File.Records))
}
