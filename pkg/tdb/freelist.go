package tdb

import (
	"fmt"

	"github.com/calvinalkan/tdb/pkg/fs"
)

// Free space is kept in doubly linked lists of free records, one list per
// size bucket, with the heads in the file header. Allocation is first fit
// starting at the bucket of the requested size; a large enough remainder is
// split off and freed again. Release coalesces with the record immediately
// to the right when it is free. The file never shrinks.

// readRecord reads the record header at off and checks it carries want.
func (d *DB) readRecord(off uint64, want uint32) (recordHeader, error) {
	if off < d.records || off%16 != 0 {
		return recordHeader{}, fmt.Errorf("%w: offset %d is not a record boundary", ErrCorrupt, off)
	}

	b, err := d.bytesAt(off, recHeaderSize)
	if err != nil {
		return recordHeader{}, err
	}

	r := decodeRecordHeader(d.order, b)

	if r.Magic != want {
		return recordHeader{}, fmt.Errorf("%w: record at %d is %s, want %s", ErrCorrupt, off, magicName(r.Magic), magicName(want))
	}

	if r.Total < recHeaderSize || r.Total%16 != 0 {
		return recordHeader{}, fmt.Errorf("%w: record at %d has invalid length %d", ErrCorrupt, off, r.Total)
	}

	if err := d.oob(off, r.Total); err != nil {
		return recordHeader{}, err
	}

	if want == magicUsed && recHeaderSize+r.bodyLen() > r.Total {
		return recordHeader{}, fmt.Errorf("%w: record at %d: key %d + data %d bytes exceed length %d", ErrCorrupt, off, r.KeyLen, r.DataLen, r.Total)
	}

	return r, nil
}

// maxSteps bounds list walks: no list can hold more records than fit in the
// file.
func (d *DB) maxSteps() uint64 {
	return (uint64(len(d.data))-d.records)/recHeaderSize + 1
}

func freeHeadOffset(bucket int) uint64 {
	return offFreeHeads + 8*uint64(bucket)
}

// allocate returns a record of at least need bytes, taken from the free
// list or from new space at the end of the file. The record comes back as
// an empty used record of the returned total, linked nowhere; the caller
// overwrites it.
func (d *DB) allocate(need uint64) (uint64, uint64, error) {
	if err := d.locks.lock(lockFreeList, fs.Exclusive, true); err != nil {
		return 0, 0, err
	}

	off, total, err := d.allocateLocked(need)

	return off, total, d.unlockWith(lockFreeList, err)
}

func (d *DB) allocateLocked(need uint64) (uint64, uint64, error) {
	for range 2 {
		off, r, found, err := d.findFree(need)
		if err != nil {
			return 0, 0, err
		}

		if !found {
			if err := d.expand(need); err != nil {
				return 0, 0, err
			}

			continue
		}

		if err := d.unlinkFree(off, r); err != nil {
			return 0, 0, err
		}

		total := r.Total
		if total-need >= minSplit {
			if err := d.pushFree(off+need, total-need); err != nil {
				return 0, 0, err
			}

			total = need
		}

		// The record must not look free once the free-list lock is dropped.
		if err := d.stampAllocated(off, total); err != nil {
			return 0, 0, err
		}

		return off, total, nil
	}

	return 0, 0, fmt.Errorf("%w: no free record of %d bytes after growing the file", ErrCorrupt, need)
}

// stampAllocated marks the record at off as an empty used record.
func (d *DB) stampAllocated(off, total uint64) error {
	buf := make([]byte, recHeaderSize)
	encodeRecordHeader(d.order, buf, recordHeader{
		Total: total,
		Magic: magicUsed,
	})

	return d.write(off, buf)
}

// findFree returns the first free record of at least need bytes.
func (d *DB) findFree(need uint64) (uint64, recordHeader, bool, error) {
	for b := bucketFor(need); b < freeBuckets; b++ {
		steps := d.maxSteps()

		for off := d.freeHead(b); off != 0; {
			if steps == 0 {
				return 0, recordHeader{}, false, fmt.Errorf("%w: loop in free bucket %d", ErrCorrupt, b)
			}

			steps--

			r, err := d.readRecord(off, magicFree)
			if err != nil {
				return 0, recordHeader{}, false, err
			}

			if r.Total >= need {
				return off, r, true, nil
			}

			off = r.Next
		}
	}

	return 0, recordHeader{}, false, nil
}

// unlinkFree removes the free record r at off from its bucket.
func (d *DB) unlinkFree(off uint64, r recordHeader) error {
	b := bucketFor(r.Total)

	if r.Prev == 0 {
		if d.freeHead(b) != off {
			return fmt.Errorf("%w: free record at %d has no predecessor but is not head of bucket %d", ErrCorrupt, off, b)
		}

		if err := d.writeU64(freeHeadOffset(b), r.Next); err != nil {
			return err
		}
	} else {
		if _, err := d.readRecord(r.Prev, magicFree); err != nil {
			return err
		}

		if err := d.writeU64(r.Prev+recNext, r.Next); err != nil {
			return err
		}
	}

	if r.Next == 0 {
		return nil
	}

	if _, err := d.readRecord(r.Next, magicFree); err != nil {
		return err
	}

	return d.writeU64(r.Next+recPrev, r.Prev)
}

// pushFree writes a free record of total bytes at off and links it at the
// head of its bucket.
func (d *DB) pushFree(off, total uint64) error {
	b := bucketFor(total)
	head := d.freeHead(b)

	buf := make([]byte, recHeaderSize)
	encodeRecordHeader(d.order, buf, recordHeader{
		Next:  head,
		Total: total,
		Magic: magicFree,
	})

	if err := d.write(off, buf); err != nil {
		return err
	}

	if head != 0 {
		if err := d.writeU64(head+recPrev, off); err != nil {
			return err
		}
	}

	return d.writeU64(freeHeadOffset(b), off)
}

// release returns the record at off to the free list.
func (d *DB) release(off, total uint64) error {
	if err := d.locks.lock(lockFreeList, fs.Exclusive, true); err != nil {
		return err
	}

	return d.unlockWith(lockFreeList, d.releaseLocked(off, total))
}

func (d *DB) releaseLocked(off, total uint64) error {
	next := off + total

	if next >= uint64(len(d.data)) {
		if err := d.refreshMap(); err != nil {
			return err
		}
	}

	if next+recHeaderSize <= uint64(len(d.data)) {
		if d.order.Uint32(d.data[next+recMagic:]) == magicFree {
			r, err := d.readRecord(next, magicFree)
			if err != nil {
				return err
			}

			if err := d.unlinkFree(next, r); err != nil {
				return err
			}

			total += r.Total
		}
	}

	return d.pushFree(off, total)
}

// expand grows the file by at least need bytes and frees the new space.
// The caller holds the free-list lock.
func (d *DB) expand(need uint64) error {
	if err := d.refreshMap(); err != nil {
		return err
	}

	cur := uint64(len(d.data))
	size := alignUp(cur+max(need, cur/4, minGrowth), pageSize)

	if err := d.resize(size); err != nil {
		return err
	}

	return d.pushFree(cur, size-cur)
}

// unlockWith releases id and returns err, or the unlock error if err is nil.
func (d *DB) unlockWith(id lockID, err error) error {
	unlockErr := d.locks.unlock(id)
	if err != nil {
		return err
	}

	return unlockErr
}
