package tdb

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// Export internal functions and variables for testing.
// This file is only compiled during tests.

// IsSimulatedCrash reports whether v, a recovered panic value, came from a
// crash hook.
func IsSimulatedCrash(v any) bool {
	_, ok := v.(simulatedCrash)

	return ok
}

// SetCrashAfterWritesForTesting makes the handle panic after n more journaled
// writes. Zero disables.
func SetCrashAfterWritesForTesting(d *DB, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.hooks.crashAfterWrites = n
	d.hooks.writes = 0
}

// SetCrashAfterCommitMarkerForTesting makes Commit panic right after the
// commit marker is durable.
func SetCrashAfterCommitMarkerForTesting(d *DB, crash bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.hooks.crashAfterCommitMarker = crash
}

// AbandonForTesting drops the handle the way a killed process would: the
// mapping and descriptor go away without any cleanup writes.
func AbandonForTesting(d *DB) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.data != nil {
		_ = unix.Munmap(d.data)
		d.data = nil
	}

	_ = unix.Close(d.fd)
	d.fd = -1
	d.tx = nil
	d.closed = true
	d.locks.reset()
}

// AllocateForTesting carves a record for a store of keyLen and dataLen
// bytes and returns its offset, leaving the handle where a store sits
// between allocation and linking.
func AllocateForTesting(d *DB, keyLen, dataLen int) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	off, _, err := d.allocate(recordSize(keyLen, dataLen))

	return off, err
}

// JournalOffsetForTesting returns the header's journal pointer.
func JournalOffsetForTesting(d *DB) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.journalOffset()
}

// RecordsOffsetForTesting returns the offset of the first record.
func RecordsOffsetForTesting(d *DB) uint64 {
	return d.records
}

// ChainHeadForTesting returns the offset of the first record of chain.
func ChainHeadForTesting(d *DB, chain uint32) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.chainHead(chain)
}

// ChainOfForTesting returns the chain key hashes to.
func ChainOfForTesting(d *DB, key []byte) uint32 {
	_, chain := d.chainOf(key)

	return chain
}

// Layout constants needed by corruption tests.
const (
	HeaderSizeForTesting             = headerSize
	RecordHeaderSizeForTesting       = recHeaderSize
	RecordMagicOffsetForTesting      = recMagic
	RecordHashOffsetForTesting       = recHash
	RecordNextOffsetForTesting       = recNext
	LegacyLocksOffsetForTesting      = offLegacyLocks
	JournalOffsetFieldForTesting     = offJournal
	MinSplitForTesting               = minSplit
	JournalInitialCapacityForTesting = journalInitialCapacity
)

// EncodeHeaderForTesting returns the header of an empty file in order, with
// mutate applied before the checksum is computed.
func EncodeHeaderForTesting(order binary.ByteOrder, hashSize uint32, mutate func(flags, legacy *uint32)) []byte {
	h := newHeader(order, hashSize, DefaultHash, false)
	mutate(&h.Flags, &h.LegacyLocks)

	return encodeHeader(&h)
}
