package tdb

import (
	"fmt"

	"golang.org/x/sys/unix"
)

var pageSize = uint64(unix.Getpagesize())

// mapFile maps the first size bytes of the file shared.
func (d *DB) mapFile(size uint64) error {
	if size > maxFileSize {
		return fmt.Errorf("%w: file size %d exceeds max %d", ErrIO, size, maxFileSize)
	}

	prot := unix.PROT_READ
	if !d.readOnly {
		prot |= unix.PROT_WRITE
	}

	data, err := unix.Mmap(d.fd, 0, int(size), prot, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("%w: mmap %d bytes: %w", ErrIO, size, err)
	}

	d.data = data

	return nil
}

func (d *DB) unmap() error {
	if d.data == nil {
		return nil
	}

	err := unix.Munmap(d.data)
	d.data = nil

	if err != nil {
		return fmt.Errorf("%w: munmap: %w", ErrIO, err)
	}

	return nil
}

func (d *DB) fileSize() (uint64, error) {
	var st unix.Stat_t

	if err := unix.Fstat(d.fd, &st); err != nil {
		return 0, fmt.Errorf("%w: fstat: %w", ErrIO, err)
	}

	return uint64(st.Size), nil
}

// refreshMap remaps the file if another handle changed its size. Offsets
// stay valid across a remap; slices into the old mapping do not.
func (d *DB) refreshMap() error {
	size, err := d.fileSize()
	if err != nil {
		return err
	}

	if size == uint64(len(d.data)) {
		return nil
	}

	if size < d.records || (size-d.records)%16 != 0 {
		return fmt.Errorf("%w: file size %d does not end on a record boundary", ErrCorrupt, size)
	}

	if err := d.unmap(); err != nil {
		return err
	}

	return d.mapFile(size)
}

// resize sets the file size and remaps.
func (d *DB) resize(size uint64) error {
	if size > maxFileSize {
		return fmt.Errorf("%w: file would grow to %d bytes, max %d", ErrIO, size, maxFileSize)
	}

	if err := unix.Ftruncate(d.fd, int64(size)); err != nil {
		return fmt.Errorf("%w: ftruncate to %d: %w", ErrIO, size, err)
	}

	if err := d.unmap(); err != nil {
		return err
	}

	return d.mapFile(size)
}

// oob ensures [off, off+n) lies inside the mapping, remapping once if the
// file has grown since it was mapped.
func (d *DB) oob(off, n uint64) error {
	end := off + n
	if end < off {
		return fmt.Errorf("%w: range %d+%d overflows", ErrCorrupt, off, n)
	}

	if end <= uint64(len(d.data)) {
		return nil
	}

	if err := d.refreshMap(); err != nil {
		return err
	}

	if end <= uint64(len(d.data)) {
		return nil
	}

	return fmt.Errorf("%w: range [%d,%d) beyond end of file %d", ErrCorrupt, off, end, len(d.data))
}

// bytesAt returns the mapped bytes [off, off+n). The slice is only valid
// until the next remap.
func (d *DB) bytesAt(off, n uint64) ([]byte, error) {
	if err := d.oob(off, n); err != nil {
		return nil, err
	}

	return d.data[off : off+n : off+n], nil
}

func (d *DB) u64(off uint64) (uint64, error) {
	b, err := d.bytesAt(off, 8)
	if err != nil {
		return 0, err
	}

	return d.order.Uint64(b), nil
}

// Header fields are always mapped.

func (d *DB) headerU64(off uint64) uint64 {
	return d.order.Uint64(d.data[off:])
}

func (d *DB) journalOffset() uint64 { return d.headerU64(offJournal) }

func (d *DB) chainHead(chain uint32) uint64 {
	return d.headerU64(headerSize + 8*uint64(chain))
}

func (d *DB) freeHead(bucket int) uint64 {
	return d.headerU64(offFreeHeads + 8*uint64(bucket))
}

// write copies b to off. Inside a transaction the previous bytes are
// journaled first.
func (d *DB) write(off uint64, b []byte) error {
	if d.readOnly {
		return ErrReadOnly
	}

	if err := d.oob(off, uint64(len(b))); err != nil {
		return err
	}

	if d.tx != nil {
		if err := d.tx.journal(d, off, uint64(len(b))); err != nil {
			return err
		}
	}

	copy(d.data[off:], b)
	d.markDirty(off, uint64(len(b)))

	if d.tx != nil {
		d.hooks.afterJournaledWrite()
	}

	return nil
}

// writeRaw copies b to off without journaling.
func (d *DB) writeRaw(off uint64, b []byte) error {
	if err := d.oob(off, uint64(len(b))); err != nil {
		return err
	}

	copy(d.data[off:], b)
	d.markDirty(off, uint64(len(b)))

	return nil
}

func (d *DB) writeU64(off, v uint64) error {
	var buf [8]byte

	d.order.PutUint64(buf[:], v)

	return d.write(off, buf[:])
}

func (d *DB) writeRawU64(off, v uint64) error {
	var buf [8]byte

	d.order.PutUint64(buf[:], v)

	return d.writeRaw(off, buf[:])
}

func (d *DB) markDirty(off, n uint64) {
	if d.dirtyHi == 0 {
		d.dirtyLo, d.dirtyHi = off, off+n

		return
	}

	d.dirtyLo = min(d.dirtyLo, off)
	d.dirtyHi = max(d.dirtyHi, off+n)
}

// flushDirty msyncs everything written since the last flush.
func (d *DB) flushDirty() error {
	if d.dirtyHi == 0 {
		return nil
	}

	lo, hi := d.dirtyLo, min(d.dirtyHi, uint64(len(d.data)))
	d.dirtyLo, d.dirtyHi = 0, 0

	if lo >= hi {
		return nil
	}

	return d.msync(lo, hi-lo)
}

// syncOp flushes an operation's writes when the handle asked for durability.
// Inside a transaction the flush happens at commit.
func (d *DB) syncOp() error {
	if d.writeback != WritebackSync || d.tx != nil {
		return nil
	}

	return d.flushDirty()
}

// msync synchronously flushes [off, off+n) of the mapping. The range is
// widened to page boundaries.
func (d *DB) msync(off, n uint64) error {
	if n == 0 || off >= uint64(len(d.data)) {
		return nil
	}

	end := min(off+n, uint64(len(d.data)))
	start := off / pageSize * pageSize
	end = min(alignUp(end, pageSize), uint64(len(d.data)))

	if err := unix.Msync(d.data[start:end], unix.MS_SYNC); err != nil {
		return fmt.Errorf("%w: msync [%d,%d): %w", ErrIO, start, end, err)
	}

	return nil
}
