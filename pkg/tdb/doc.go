// Package tdb provides a single-file, memory-mapped hash table for small
// key/value records shared between processes.
//
// Every key hashes to one of a fixed number of chains. Records live in one
// file that is mapped shared into every handle, so a write through one handle
// is visible to all others without any messaging. Free space is kept in
// size-bucketed free lists inside the same file. The file grows on demand and
// never shrinks; copy it with tdbtool repack to reclaim space.
//
// # Basic Usage
//
//	db, err := tdb.Open(tdb.Options{Path: "/var/lib/app/state.tdb"})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	err = db.Store([]byte("user:42"), []byte("alice"), tdb.Replace)
//	data, err := db.Fetch([]byte("user:42"))
//
//	// Atomic multi-key update
//	if err := db.Begin(); err != nil {
//	    return err
//	}
//	_ = db.Store(k1, v1, tdb.Insert)
//	_ = db.Delete(k2)
//	err = db.Commit()
//
// # Concurrency
//
// Coordination uses fcntl byte-range locks on the file:
//   - Reads take a shared lock on their chain, writes an exclusive one, so
//     operations on different chains never wait for each other
//   - [DB.Traverse], [DB.Check] and [DB.Summary] take the all-records lock
//     shared, blocking writers for their duration
//   - A transaction holds the all-records lock exclusively from [DB.Begin]
//     to [DB.Commit] or [DB.Cancel]
//
// Locks held by a process that dies are released by the kernel. A
// transaction interrupted by a crash is rolled back by the next handle that
// opens or locks the file.
//
// # Error Handling
//
// Key outcomes ([ErrNotFound], [ErrExists]) are normal results. [ErrWouldBlock]
// from the Try variants is transient: retry with backoff. [ErrCorrupt],
// [ErrIncompatible] and [ErrHashMismatch] mean the file cannot be used as is;
// [DB.Check] explains what is wrong.
package tdb
