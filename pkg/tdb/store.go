package tdb

import (
	"bytes"
	"errors"
	"fmt"
	"slices"

	"github.com/calvinalkan/tdb/pkg/fs"
)

// StoreMode selects how [DB.Store] treats an existing key.
type StoreMode int

const (
	// Replace stores the value whether or not the key exists.
	Replace StoreMode = iota

	// Insert fails with [ErrExists] if the key exists.
	Insert

	// Modify fails with [ErrNotFound] if the key does not exist.
	Modify
)

func (m StoreMode) String() string {
	switch m {
	case Replace:
		return "replace"
	case Insert:
		return "insert"
	case Modify:
		return "modify"
	default:
		return fmt.Sprintf("StoreMode(%d)", int(m))
	}
}

// Action tells [DB.Traverse] how to continue after visiting a record.
type Action int

const (
	// Continue moves on to the next record.
	Continue Action = iota

	// Stop ends the traversal.
	Stop

	// DeleteCurrent deletes the visited record and continues.
	DeleteCurrent

	// DeleteAndStop deletes the visited record and ends the traversal.
	DeleteAndStop
)

// VisitFunc is called by [DB.Traverse] with copies of each record's key and
// value. It may keep both.
type VisitFunc func(key, data []byte) Action

// match is a record found in a chain along with its predecessor.
type match struct {
	off  uint64
	prev uint64 // 0 when the record is the chain head
	hdr  recordHeader
}

func chainHeadOffset(chain uint32) uint64 {
	return headerSize + 8*uint64(chain)
}

func (d *DB) chainOf(key []byte) (uint32, uint32) {
	h := d.hash(key)

	return h, h % d.hashSize
}

func validateKV(key, data []byte) error {
	if len(key) > maxKeyLen {
		return fmt.Errorf("key length %d exceeds max %d: %w", len(key), maxKeyLen, ErrInvalidInput)
	}

	if len(data) > maxDataLen {
		return fmt.Errorf("data length %d exceeds max %d: %w", len(data), maxDataLen, ErrInvalidInput)
	}

	return nil
}

// find walks chain looking for key. The caller holds the chain lock.
func (d *DB) find(chain uint32, key []byte, h uint32) (match, bool, error) {
	var prev uint64

	steps := d.maxSteps()

	for off := d.chainHead(chain); off != 0; {
		if steps == 0 {
			return match{}, false, fmt.Errorf("%w: loop in chain %d", ErrCorrupt, chain)
		}

		steps--

		r, err := d.readRecord(off, magicUsed)
		if err != nil {
			return match{}, false, err
		}

		if r.Hash%d.hashSize != chain {
			return match{}, false, fmt.Errorf("%w: record at %d with hash %08x filed under chain %d", ErrCorrupt, off, r.Hash, chain)
		}

		if r.Hash == h && int(r.KeyLen) == len(key) {
			k, err := d.bytesAt(off+recHeaderSize, uint64(r.KeyLen))
			if err != nil {
				return match{}, false, err
			}

			if bytes.Equal(k, key) {
				return match{off: off, prev: prev, hdr: r}, true, nil
			}
		}

		prev = off
		off = r.Next
	}

	return match{}, false, nil
}

// value returns a copy of the data of the used record m.
func (d *DB) value(m match) ([]byte, error) {
	b, err := d.bytesAt(m.off+recHeaderSize+uint64(m.hdr.KeyLen), uint64(m.hdr.DataLen))
	if err != nil {
		return nil, err
	}

	return slices.Clone(b), nil
}

// Fetch returns a copy of the value stored under key, or [ErrNotFound].
//
// A zero-length value is returned as a non-nil empty slice.
func (d *DB) Fetch(key []byte) ([]byte, error) {
	if err := validateKV(key, nil); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrClosed
	}

	h, chain := d.chainOf(key)
	id := chainLockID(chain)

	if err := d.lockForOp(id, fs.Shared); err != nil {
		return nil, err
	}

	m, found, err := d.find(chain, key, h)

	var data []byte

	switch {
	case err != nil:
	case !found:
		err = ErrNotFound
	default:
		data, err = d.value(m)
		if err == nil && data == nil {
			data = []byte{}
		}
	}

	if err := d.unlockWith(id, err); err != nil {
		return nil, err
	}

	return data, nil
}

// Exists reports whether key is present.
func (d *DB) Exists(key []byte) (bool, error) {
	if err := validateKV(key, nil); err != nil {
		return false, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return false, ErrClosed
	}

	h, chain := d.chainOf(key)
	id := chainLockID(chain)

	if err := d.lockForOp(id, fs.Shared); err != nil {
		return false, err
	}

	_, found, err := d.find(chain, key, h)

	return found, d.unlockWith(id, err)
}

// Store writes data under key according to mode.
//
// The new record is allocated and linked at the head of its chain before
// the previous record for key, if any, is unlinked and freed. Keys and
// values are opaque bytes; empty keys, empty values and embedded zero bytes
// are all valid.
func (d *DB) Store(key, data []byte, mode StoreMode) error {
	if err := validateKV(key, data); err != nil {
		return err
	}

	if mode < Replace || mode > Modify {
		return fmt.Errorf("unknown store mode %d: %w", mode, ErrInvalidInput)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.checkWritable(); err != nil {
		return err
	}

	h, chain := d.chainOf(key)
	id := chainLockID(chain)

	if err := d.lockForOp(id, fs.Exclusive); err != nil {
		return err
	}

	err := d.storeLocked(chain, h, key, data, mode)
	if err == nil {
		err = d.syncOp()
	}

	return d.unlockWith(id, err)
}

// Append adds data to the end of the value stored under key, creating the
// key if it does not exist.
func (d *DB) Append(key, data []byte) error {
	if err := validateKV(key, data); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.checkWritable(); err != nil {
		return err
	}

	h, chain := d.chainOf(key)
	id := chainLockID(chain)

	if err := d.lockForOp(id, fs.Exclusive); err != nil {
		return err
	}

	err := d.appendLocked(chain, h, key, data)
	if err == nil {
		err = d.syncOp()
	}

	return d.unlockWith(id, err)
}

func (d *DB) appendLocked(chain, h uint32, key, data []byte) error {
	m, found, err := d.find(chain, key, h)
	if err != nil {
		return err
	}

	if !found {
		return d.storeLocked(chain, h, key, data, Insert)
	}

	old, err := d.value(m)
	if err != nil {
		return err
	}

	if len(old)+len(data) > maxDataLen {
		return fmt.Errorf("appended length %d exceeds max %d: %w", len(old)+len(data), maxDataLen, ErrInvalidInput)
	}

	return d.storeLocked(chain, h, key, append(old, data...), Replace)
}

func (d *DB) storeLocked(chain, h uint32, key, data []byte, mode StoreMode) error {
	m, found, err := d.find(chain, key, h)
	if err != nil {
		return err
	}

	if mode == Insert && found {
		return ErrExists
	}

	if mode == Modify && !found {
		return ErrNotFound
	}

	off, total, err := d.allocate(recordSize(len(key), len(data)))
	if err != nil {
		return err
	}

	if found {
		if err := d.unlink(chain, m); err != nil {
			return err
		}
	}

	buf := make([]byte, recHeaderSize+len(key)+len(data))
	encodeRecordHeader(d.order, buf, recordHeader{
		Next:    d.chainHead(chain),
		Total:   total,
		KeyLen:  uint32(len(key)),
		DataLen: uint32(len(data)),
		Hash:    h,
		Magic:   magicUsed,
	})
	copy(buf[recHeaderSize:], key)
	copy(buf[recHeaderSize+len(key):], data)

	if err := d.write(off, buf); err != nil {
		return err
	}

	if err := d.writeU64(chainHeadOffset(chain), off); err != nil {
		return err
	}

	if found {
		if err := d.release(m.off, m.hdr.Total); err != nil {
			return err
		}
	}

	return d.bumpGeneration()
}

// unlink removes m from chain.
func (d *DB) unlink(chain uint32, m match) error {
	if m.prev == 0 {
		return d.writeU64(chainHeadOffset(chain), m.hdr.Next)
	}

	return d.writeU64(m.prev+recNext, m.hdr.Next)
}

// Delete removes key. It returns [ErrNotFound] if the key is absent.
func (d *DB) Delete(key []byte) error {
	if err := validateKV(key, nil); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.checkWritable(); err != nil {
		return err
	}

	h, chain := d.chainOf(key)
	id := chainLockID(chain)

	if err := d.lockForOp(id, fs.Exclusive); err != nil {
		return err
	}

	err := d.deleteLocked(chain, h, key)
	if err == nil {
		err = d.syncOp()
	}

	return d.unlockWith(id, err)
}

func (d *DB) deleteLocked(chain, h uint32, key []byte) error {
	m, found, err := d.find(chain, key, h)
	if err != nil {
		return err
	}

	if !found {
		return ErrNotFound
	}

	if err := d.unlink(chain, m); err != nil {
		return err
	}

	if err := d.release(m.off, m.hdr.Total); err != nil {
		return err
	}

	return d.bumpGeneration()
}

// Traverse calls fn for every record, chain by chain in index order and in
// link order within a chain, and returns the number of records visited.
//
// Traverse holds the all-records lock shared for its whole run, so writers
// on other handles wait until it finishes. The handle itself is unlocked
// while fn runs: fn may call back into the same DB. fn may delete the
// visited record by returning [DeleteCurrent] or [DeleteAndStop]. Changing
// other records from fn is allowed but the rest of the traversal may then
// skip records of the affected chain.
func (d *DB) Traverse(fn VisitFunc) (int, error) {
	if fn == nil {
		return 0, fmt.Errorf("visit func is nil: %w", ErrInvalidInput)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return 0, ErrClosed
	}

	if err := d.lockForOp(lockAll, fs.Shared); err != nil {
		return 0, err
	}

	count, err := d.traverseLocked(fn)
	if d.closed {
		return count, ErrClosed
	}

	return count, d.unlockWith(lockAll, err)
}

// traverseLocked is entered and left with d.mu held; it releases d.mu
// around each callback.
func (d *DB) traverseLocked(fn VisitFunc) (int, error) {
	if err := d.refreshMap(); err != nil {
		return 0, err
	}

	count := 0

	for chain := range d.hashSize {
		steps := d.maxSteps()

		for off := d.chainHead(chain); off != 0; {
			if steps == 0 {
				return count, fmt.Errorf("%w: loop in chain %d", ErrCorrupt, chain)
			}

			steps--

			r, err := d.readRecord(off, magicUsed)
			if err != nil {
				return count, err
			}

			body, err := d.bytesAt(off+recHeaderSize, r.bodyLen())
			if err != nil {
				return count, err
			}

			key := slices.Clone(body[:r.KeyLen])
			data := slices.Clone(body[r.KeyLen:])

			d.mu.Unlock()
			act := fn(key, data)
			d.mu.Lock()

			count++

			if d.closed {
				return count, ErrClosed
			}

			if act == DeleteCurrent || act == DeleteAndStop {
				if err := d.traverseDelete(chain, r.Hash, key); err != nil {
					return count, err
				}
			}

			if act == Stop || act == DeleteAndStop {
				return count, nil
			}

			if !d.stillInChain(r.Next, chain) {
				break
			}

			off = r.Next
		}
	}

	return count, nil
}

func (d *DB) traverseDelete(chain, h uint32, key []byte) error {
	if d.readOnly {
		return ErrReadOnly
	}

	id := chainLockID(chain)

	if err := d.locks.lock(id, fs.Exclusive, true); err != nil {
		return err
	}

	err := d.deleteLocked(chain, h, key)
	if errors.Is(err, ErrNotFound) {
		// fn already deleted it.
		err = nil
	}

	if err == nil {
		err = d.syncOp()
	}

	return d.unlockWith(id, err)
}

// stillInChain reports whether next is 0 or a used record of chain. It is
// false when a callback freed or reused the record.
func (d *DB) stillInChain(next uint64, chain uint32) bool {
	if next == 0 {
		return true
	}

	if next < d.records || next%16 != 0 || d.oob(next, recHeaderSize) != nil {
		return false
	}

	r := decodeRecordHeader(d.order, d.data[next:next+recHeaderSize])

	return r.Magic == magicUsed && r.Hash%d.hashSize == chain
}
