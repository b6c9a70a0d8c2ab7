package tdb

import (
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/calvinalkan/tdb/pkg/fs"
)

type journalEntry struct {
	off uint64
	old []byte
}

// rollback restores every range saved in the journal at area, newest first,
// truncates the file to its size at Begin and clears the journal pointer.
// It returns the number of entries applied. Running it twice is harmless.
func (d *DB) rollback(area uint64) (int, error) {
	if err := d.refreshMap(); err != nil {
		return 0, err
	}

	entries, oldEOF, err := d.readJournal(area)
	if err != nil {
		return 0, err
	}

	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]

		copy(d.data[e.off:], e.old)
		d.markDirty(e.off, uint64(len(e.old)))
	}

	if err := d.flushDirty(); err != nil {
		return 0, err
	}

	if uint64(len(d.data)) > oldEOF {
		if err := d.resize(oldEOF); err != nil {
			return 0, err
		}
	}

	if err := d.clearJournalPointer(); err != nil {
		return 0, err
	}

	return len(entries), nil
}

// readJournal decodes and verifies the journal at area. The saved bytes are
// copied out, so they stay valid across a remap.
func (d *DB) readJournal(area uint64) ([]journalEntry, uint64, error) {
	r, err := d.readRecord(area, magicJournal)
	if err != nil {
		return nil, 0, err
	}

	if r.Total < recHeaderSize+jrnBodyHeader {
		return nil, 0, fmt.Errorf("%w: journal record at %d too small (%d bytes)", ErrCorrupt, area, r.Total)
	}

	body := d.data[area+recHeaderSize:]
	oldEOF := d.order.Uint64(body[jrnOldEOF:])
	used := d.order.Uint64(body[jrnUsed:])
	count := d.order.Uint64(body[jrnCount:])

	if oldEOF < d.records || oldEOF > uint64(len(d.data)) || (oldEOF-d.records)%16 != 0 {
		return nil, 0, fmt.Errorf("%w: journal at %d records invalid file size %d", ErrCorrupt, area, oldEOF)
	}

	capacity := r.Total - recHeaderSize - jrnBodyHeader
	if used > capacity {
		return nil, 0, fmt.Errorf("%w: journal at %d uses %d of %d bytes", ErrCorrupt, area, used, capacity)
	}

	entries := make([]journalEntry, 0, min(count, used/entryHeaderSize))
	at := area + recHeaderSize + jrnBodyHeader
	end := at + used

	for i := range count {
		if at+entryHeaderSize > end {
			return nil, 0, fmt.Errorf("%w: journal at %d truncated at entry %d of %d", ErrCorrupt, area, i, count)
		}

		off := d.order.Uint64(d.data[at:])
		n := uint64(d.order.Uint32(d.data[at+8:]))
		sum := d.order.Uint32(d.data[at+12:])

		if at+journalEntrySize(n) > end {
			return nil, 0, fmt.Errorf("%w: journal entry %d at %d overruns the journal", ErrCorrupt, i, at)
		}

		if off+n < off || off+n > oldEOF {
			return nil, 0, fmt.Errorf("%w: journal entry %d covers [%d,%d) beyond file size %d", ErrCorrupt, i, off, off+n, oldEOF)
		}

		saved := d.data[at+entryHeaderSize : at+entryHeaderSize+n]
		if crc32.Checksum(saved, crcTable) != sum {
			return nil, 0, fmt.Errorf("%w: journal entry %d at %d fails its checksum", ErrCorrupt, i, at)
		}

		entries = append(entries, journalEntry{off: off, old: append([]byte(nil), saved...)})
		at += journalEntrySize(n)
	}

	return entries, oldEOF, nil
}

func (d *DB) clearJournalPointer() error {
	if err := d.writeRawU64(offJournal, 0); err != nil {
		return err
	}

	return d.msync(offJournal, 8)
}

// recoverLocked resolves a journal left behind by a writer that died. An
// active journal is rolled back; a committed one only needs its pointer
// cleared. The caller holds the all-records and global locks exclusively.
func (d *DB) recoverLocked() error {
	if err := d.refreshMap(); err != nil {
		return err
	}

	area := d.journalOffset()
	if area == 0 {
		return nil
	}

	// A rollback that truncated a relocated journal away but died before
	// clearing the pointer.
	if area+recHeaderSize+jrnBodyHeader > uint64(len(d.data)) {
		d.logger.Warn("tdb: journal pointer beyond end of file, clearing", "path", d.path, "journal", area)

		return d.clearJournalPointer()
	}

	status := d.order.Uint32(d.data[area+recHeaderSize+jrnStatus:])

	switch status {
	case journalCommitted:
		d.logger.Info("tdb: completing committed transaction", "path", d.path, "journal", area)

		if err := d.flushDirty(); err != nil {
			return err
		}

		return d.clearJournalPointer()

	case journalActive:
		n, err := d.rollback(area)
		if err != nil {
			return fmt.Errorf("recover %s: %w", d.path, err)
		}

		d.logger.Warn("tdb: rolled back interrupted transaction", "path", d.path, "entries", n)

		return nil

	default:
		return fmt.Errorf("%w: journal at %d has unknown status %#x", ErrCorrupt, area, status)
	}
}

// recoverPending takes the locks recovery needs and runs it.
func (d *DB) recoverPending() error {
	if d.readOnly {
		return fmt.Errorf("%w: %s has a pending journal that needs recovery", ErrReadOnly, d.path)
	}

	if err := d.locks.lock(lockAll, fs.Exclusive, true); err != nil {
		return err
	}

	if err := d.locks.lock(lockGlobal, fs.Exclusive, true); err != nil {
		return d.unlockWith(lockAll, err)
	}

	err := d.recoverLocked()

	return errors.Join(err, d.locks.unlock(lockGlobal), d.locks.unlock(lockAll))
}
