package tdb

import (
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/calvinalkan/tdb/pkg/fs"
)

// Transactions use an undo journal kept in a journal record inside the file.
// Before a byte range below the transaction's starting file size is first
// overwritten, its previous contents are appended to the journal; the write
// then goes straight to the mapping, so reads inside the transaction see it.
// Space beyond the starting size needs no journal: rollback truncates it.
//
// The header's journal pointer is set at Begin and cleared at the very end of
// Commit or Cancel. A handle that finds it set, outside its own transaction,
// is looking at a writer that died; see recoverLocked.

type span struct {
	off, n uint64
}

type retiredArea struct {
	off, total uint64
}

type transaction struct {
	area     uint64 // journal record offset
	capacity uint64 // bytes available for entries
	oldEOF   uint64
	used     uint64
	count    uint64

	journaled map[span]struct{}

	// Journal records outgrown during the transaction, freed at commit. A
	// rollback restores the original as the recovery area and truncates the
	// rest away.
	retired []retiredArea
}

func (tx *transaction) entriesOffset() uint64 {
	return tx.area + recHeaderSize + jrnBodyHeader
}

// Begin starts a transaction.
//
// The transaction holds the all-records and global locks exclusively until
// [DB.Commit] or [DB.Cancel], so it serializes against every other reader
// and writer. Operations on the handle run inside it until then. Begin must
// not be called while the handle holds chain locks.
func (d *DB) Begin() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.checkWritable(); err != nil {
		return err
	}

	if d.tx != nil {
		return ErrAlreadyActive
	}

	if err := d.locks.lock(lockAll, fs.Exclusive, true); err != nil {
		return err
	}

	if err := d.locks.lock(lockGlobal, fs.Exclusive, true); err != nil {
		return d.unlockWith(lockAll, err)
	}

	if err := d.beginLocked(); err != nil {
		return errors.Join(err, d.locks.unlock(lockGlobal), d.locks.unlock(lockAll))
	}

	return nil
}

func (d *DB) beginLocked() error {
	if err := d.refreshMap(); err != nil {
		return err
	}

	if d.journalOffset() != 0 {
		if err := d.recoverLocked(); err != nil {
			return err
		}
	}

	area, total, err := d.ensureRecoveryArea()
	if err != nil {
		return err
	}

	tx := &transaction{
		area:      area,
		capacity:  total - recHeaderSize - jrnBodyHeader,
		oldEOF:    uint64(len(d.data)),
		journaled: make(map[span]struct{}),
	}

	body := make([]byte, jrnBodyHeader)
	d.order.PutUint32(body[jrnStatus:], journalActive)
	d.order.PutUint64(body[jrnOldEOF:], tx.oldEOF)

	if err := d.writeRaw(area+recHeaderSize, body); err != nil {
		return err
	}

	if err := d.syncIfWriteback(area, recHeaderSize+jrnBodyHeader); err != nil {
		return err
	}

	if err := d.writeRawU64(offJournal, area); err != nil {
		return err
	}

	if err := d.syncIfWriteback(offJournal, 8); err != nil {
		return err
	}

	d.tx = tx

	return nil
}

// ensureRecoveryArea returns the journal record kept between transactions,
// allocating it on first use.
func (d *DB) ensureRecoveryArea() (uint64, uint64, error) {
	if area := d.headerU64(offRecoveryArea); area != 0 {
		r, err := d.readRecord(area, magicJournal)
		if err != nil {
			return 0, 0, err
		}

		if r.Total < recHeaderSize+jrnBodyHeader {
			return 0, 0, fmt.Errorf("%w: journal record at %d too small (%d bytes)", ErrCorrupt, area, r.Total)
		}

		return area, r.Total, nil
	}

	off, total, err := d.allocate(align16(recHeaderSize + jrnBodyHeader + journalInitialCapacity))
	if err != nil {
		return 0, 0, err
	}

	buf := make([]byte, recHeaderSize)
	encodeRecordHeader(d.order, buf, recordHeader{Total: total, Magic: magicJournal})

	if err := d.write(off, buf); err != nil {
		return 0, 0, err
	}

	if err := d.writeU64(offRecoveryArea, off); err != nil {
		return 0, 0, err
	}

	return off, total, d.syncOp()
}

// journal saves the current contents of [off, off+n) before they are
// overwritten.
func (tx *transaction) journal(d *DB, off, n uint64) error {
	if off >= tx.oldEOF {
		return nil
	}

	n = min(n, tx.oldEOF-off)

	key := span{off, n}
	if _, ok := tx.journaled[key]; ok {
		return nil
	}

	size := journalEntrySize(n)
	if tx.used+size > tx.capacity {
		if err := d.relocateJournal(size); err != nil {
			return err
		}
	}

	old, err := d.bytesAt(off, n)
	if err != nil {
		return err
	}

	entry := make([]byte, size)
	d.order.PutUint64(entry[0:], off)
	d.order.PutUint32(entry[8:], uint32(n))
	d.order.PutUint32(entry[12:], crc32.Checksum(old, crcTable))
	copy(entry[entryHeaderSize:], old)

	at := tx.entriesOffset() + tx.used
	if err := d.writeRaw(at, entry); err != nil {
		return err
	}

	// The counters cover the entry only once it is complete.
	var counters [16]byte
	d.order.PutUint64(counters[0:], tx.used+size)
	d.order.PutUint64(counters[8:], tx.count+1)

	if err := d.writeRaw(tx.area+recHeaderSize+jrnUsed, counters[:]); err != nil {
		return err
	}

	tx.used += size
	tx.count++
	tx.journaled[key] = struct{}{}

	if err := d.syncIfWriteback(at, size); err != nil {
		return err
	}

	return d.syncIfWriteback(tx.area+recHeaderSize+jrnUsed, 16)
}

// relocateJournal moves the journal to a larger record appended at the end
// of the file. Only unjournaled writes happen here: the new record lies
// beyond the starting size and the pointer switch is a single word.
func (d *DB) relocateJournal(extra uint64) error {
	tx := d.tx

	oldArea := tx.area

	r, err := d.readRecord(oldArea, magicJournal)
	if err != nil {
		return err
	}

	if err := d.refreshMap(); err != nil {
		return err
	}

	capacity := max(2*tx.capacity, tx.used+extra+journalInitialCapacity)
	cur := uint64(len(d.data))
	size := alignUp(cur+recHeaderSize+jrnBodyHeader+capacity, pageSize)

	if err := d.resize(size); err != nil {
		return err
	}

	total := size - cur

	hdr := make([]byte, recHeaderSize)
	encodeRecordHeader(d.order, hdr, recordHeader{Total: total, Magic: magicJournal})

	if err := d.writeRaw(cur, hdr); err != nil {
		return err
	}

	body := oldArea + recHeaderSize
	if err := d.writeRaw(cur+recHeaderSize, d.data[body:body+jrnBodyHeader+tx.used]); err != nil {
		return err
	}

	if err := d.syncIfWriteback(cur, recHeaderSize+jrnBodyHeader+tx.used); err != nil {
		return err
	}

	if err := d.writeRawU64(offJournal, cur); err != nil {
		return err
	}

	if err := d.syncIfWriteback(offJournal, 8); err != nil {
		return err
	}

	tx.area = cur
	tx.capacity = total - recHeaderSize - jrnBodyHeader

	tx.retired = append(tx.retired, retiredArea{off: oldArea, total: r.Total})

	d.logger.Debug("tdb: journal relocated", "from", oldArea, "to", cur, "capacity", tx.capacity)

	return nil
}

// Commit makes the transaction's changes permanent.
//
// The commit marker and the journal are flushed first, then the changed data
// pages, and only then is the journal pointer cleared. A crash at any point
// leaves a file that recovers to either the old or the new state. If Commit
// fails the transaction is cancelled.
func (d *DB) Commit() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}

	if d.tx == nil {
		return ErrNoActiveTransaction
	}

	if err := d.commitLocked(); err != nil {
		return errors.Join(err, d.cancelLocked())
	}

	return nil
}

func (d *DB) commitLocked() error {
	tx := d.tx

	if err := d.settleJournalAreas(); err != nil {
		return err
	}

	var status [4]byte
	d.order.PutUint32(status[:], journalCommitted)

	if err := d.writeRaw(tx.area+recHeaderSize+jrnStatus, status[:]); err != nil {
		return err
	}

	if err := d.msync(tx.area, recHeaderSize+jrnBodyHeader+tx.used); err != nil {
		return err
	}

	d.hooks.afterCommitMarker()

	if err := d.flushDirty(); err != nil {
		return err
	}

	if err := d.writeRawU64(offJournal, 0); err != nil {
		return err
	}

	if err := d.msync(offJournal, 8); err != nil {
		return err
	}

	return d.endTransaction()
}

// settleJournalAreas frees outgrown journal records and points the header at
// the current one. Freeing may itself journal enough to relocate again.
func (d *DB) settleJournalAreas() error {
	tx := d.tx

	for {
		if len(tx.retired) > 0 {
			r := tx.retired[0]
			tx.retired = tx.retired[1:]

			if err := d.release(r.off, r.total); err != nil {
				return err
			}

			continue
		}

		if d.headerU64(offRecoveryArea) == tx.area {
			return nil
		}

		if err := d.writeU64(offRecoveryArea, tx.area); err != nil {
			return err
		}
	}
}

// Cancel rolls back the transaction's changes.
func (d *DB) Cancel() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}

	if d.tx == nil {
		return ErrNoActiveTransaction
	}

	return d.cancelLocked()
}

func (d *DB) cancelLocked() error {
	area := d.tx.area
	d.tx = nil

	_, err := d.rollback(area)
	if err != nil {
		d.logger.Error("tdb: transaction rollback failed", "path", d.path, "error", err)
	}

	return errors.Join(err, d.releaseTransactionLocks())
}

func (d *DB) endTransaction() error {
	d.tx = nil
	d.dirtyLo, d.dirtyHi = 0, 0

	return d.releaseTransactionLocks()
}

func (d *DB) releaseTransactionLocks() error {
	return errors.Join(d.locks.unlock(lockGlobal), d.locks.unlock(lockAll))
}

func (d *DB) syncIfWriteback(off, n uint64) error {
	if d.writeback != WritebackSync {
		return nil
	}

	return d.msync(off, n)
}
