package tdb

import (
	"fmt"
	"slices"

	"github.com/calvinalkan/tdb/pkg/fs"
)

// Invariant names a structural rule of the file format.
type Invariant string

// Invariants checked by [DB.Check].
const (
	// InvariantHeader: the header decodes and matches the open handle.
	InvariantHeader Invariant = "header"

	// InvariantRecordDecode: every record carries a known magic tag.
	InvariantRecordDecode Invariant = "record-decode"

	// InvariantRecordLength: record lengths are 16-byte multiples that fit
	// their contents and the file, with less than one split fragment of
	// slack in a used record.
	InvariantRecordLength Invariant = "record-length"

	// InvariantChainMembership: chains link used records only, each record
	// reachable from exactly one chain, without loops.
	InvariantChainMembership Invariant = "chain-membership"

	// InvariantChainHash: a record's stored hash selects the chain it is in.
	InvariantChainHash Invariant = "chain-hash"

	// InvariantFreeBucket: a free record sits in the bucket of its size.
	InvariantFreeBucket Invariant = "free-bucket"

	// InvariantFreeLinkage: bucket lists link free records only, with
	// matching back pointers and no loops.
	InvariantFreeLinkage Invariant = "free-linkage"

	// InvariantOrphan: every record is reachable from a chain, a free
	// bucket or the journal pointers.
	InvariantOrphan Invariant = "orphan"

	// InvariantJournal: the journal pointers reference journal records, and
	// no journal is pending outside a transaction.
	InvariantJournal Invariant = "journal"

	// InvariantAccounting: records tile the file from the first record
	// offset to the end.
	InvariantAccounting Invariant = "accounting"

	// InvariantValidate: the caller's [CheckOptions.Validate] hook rejected
	// a record.
	InvariantValidate Invariant = "validate"
)

// Violation is a broken invariant at a file offset.
type Violation struct {
	Offset    uint64    `json:"offset"    yaml:"offset"`
	Invariant Invariant `json:"invariant" yaml:"invariant"`
	Detail    string    `json:"detail"    yaml:"detail"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s at %d: %s", v.Invariant, v.Offset, v.Detail)
}

// Report is the result of [DB.Check].
type Report struct {
	FileSize       uint64      `json:"file_size"       yaml:"file_size"`
	Records        int         `json:"records"         yaml:"records"`
	FreeRecords    int         `json:"free_records"    yaml:"free_records"`
	JournalRecords int         `json:"journal_records" yaml:"journal_records"`
	Violations     []Violation `json:"violations"      yaml:"violations"`
}

// OK reports whether no invariant is violated.
func (r *Report) OK() bool { return len(r.Violations) == 0 }

// Err returns nil for a clean report, otherwise an [ErrCorrupt] error naming
// the first violation.
func (r *Report) Err() error {
	if r.OK() {
		return nil
	}

	return fmt.Errorf("%w: %d violation(s), first: %s", ErrCorrupt, len(r.Violations), r.Violations[0])
}

func (r *Report) add(off uint64, inv Invariant, format string, args ...any) {
	r.Violations = append(r.Violations, Violation{Offset: off, Invariant: inv, Detail: fmt.Sprintf(format, args...)})
}

// CheckOptions configures [DB.Check].
type CheckOptions struct {
	// Validate, if set, is called with every record reachable from a chain.
	// A non-nil error is reported as an [InvariantValidate] violation.
	Validate func(key, data []byte) error
}

// Check walks the whole file and reports every invariant violation found.
//
// Check holds the all-records lock shared, so it sees a stable file. It never
// repairs anything. The returned error is reserved for failures to run the
// check at all (locking, I/O, a closed handle); a damaged file yields a
// report with violations and a nil error.
func (d *DB) Check(opts CheckOptions) (*Report, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrClosed
	}

	if err := d.lockForOp(lockAll, fs.Shared); err != nil {
		return nil, err
	}

	report, err := d.checkLocked(opts)

	return report, d.unlockWith(lockAll, err)
}

type scannedRecord struct {
	hdr     recordHeader
	reached bool
}

func (d *DB) checkLocked(opts CheckOptions) (*Report, error) {
	if err := d.refreshMap(); err != nil {
		return nil, err
	}

	report := &Report{FileSize: uint64(len(d.data))}

	// -----------------------------------------------------------------
	// Header
	// -----------------------------------------------------------------

	h, err := decodeHeader(d.data[:headerSize])
	if err != nil {
		report.add(0, InvariantHeader, "%v", err)

		return report, nil
	}

	if h.HashSize != d.hashSize || h.Records != d.records || h.Order != d.order {
		report.add(0, InvariantHeader, "header changed under the open handle (hash size %d, records at %d)", h.HashSize, h.Records)

		return report, nil
	}

	for off := headerSize + 8*uint64(d.hashSize); off < d.records; off++ {
		if d.data[off] != 0 {
			report.add(off, InvariantHeader, "hash table padding is not zero")

			break
		}
	}

	// -----------------------------------------------------------------
	// Linear scan
	// -----------------------------------------------------------------

	records := d.scanRecords(report)

	// -----------------------------------------------------------------
	// Hash chains
	// -----------------------------------------------------------------

	for chain := range d.hashSize {
		d.checkChain(report, records, chain, opts)
	}

	// -----------------------------------------------------------------
	// Free buckets
	// -----------------------------------------------------------------

	for b := range freeBuckets {
		d.checkBucket(report, records, b)
	}

	// -----------------------------------------------------------------
	// Journal records
	// -----------------------------------------------------------------

	d.checkJournalPointer(report, records, "recovery area", h.RecoveryArea)

	switch {
	case d.tx != nil:
		d.checkJournalPointer(report, records, "journal", h.Journal)

		for _, r := range d.tx.retired {
			if rec, ok := records[r.off]; ok && rec.hdr.Magic == magicJournal {
				rec.reached = true
			}
		}
	case h.Journal != 0:
		report.add(offJournal, InvariantJournal, "journal at %d pending outside a transaction", h.Journal)
	}

	// -----------------------------------------------------------------
	// Orphans
	// -----------------------------------------------------------------

	offsets := make([]uint64, 0, len(records))
	for off := range records {
		offsets = append(offsets, off)
	}

	slices.Sort(offsets)

	for _, off := range offsets {
		rec := records[off]
		if !rec.reached {
			report.add(off, InvariantOrphan, "%s record of %d bytes is not reachable", magicName(rec.hdr.Magic), rec.hdr.Total)
		}
	}

	return report, nil
}

// scanRecords walks the record area front to back. It stops at the first
// record whose length cannot be trusted, since the next record boundary is
// then unknown.
func (d *DB) scanRecords(report *Report) map[uint64]*scannedRecord {
	records := make(map[uint64]*scannedRecord)
	size := uint64(len(d.data))

	off := d.records
	for off < size {
		if off+recHeaderSize > size {
			report.add(off, InvariantAccounting, "%d trailing bytes do not hold a record header", size-off)

			return records
		}

		r := decodeRecordHeader(d.order, d.data[off:off+recHeaderSize])

		switch r.Magic {
		case magicUsed, magicFree, magicJournal:
		default:
			report.add(off, InvariantRecordDecode, "unknown magic 0x%08x", r.Magic)

			return records
		}

		if r.Total < recHeaderSize || r.Total%16 != 0 || r.Total > size-off {
			report.add(off, InvariantRecordLength, "%s record length %d invalid with %d bytes left", magicName(r.Magic), r.Total, size-off)

			return records
		}

		switch r.Magic {
		case magicUsed:
			report.Records++

			if recHeaderSize+r.bodyLen() > r.Total {
				report.add(off, InvariantRecordLength, "key %d + data %d bytes exceed record length %d", r.KeyLen, r.DataLen, r.Total)
			} else if slack := r.Total - recordSize(int(r.KeyLen), int(r.DataLen)); slack >= minSplit {
				report.add(off, InvariantRecordLength, "%d bytes of slack should have been split off", slack)
			}
		case magicFree:
			report.FreeRecords++
		case magicJournal:
			report.JournalRecords++

			if r.Total < recHeaderSize+jrnBodyHeader {
				report.add(off, InvariantRecordLength, "journal record length %d too small", r.Total)
			}
		}

		records[off] = &scannedRecord{hdr: r}
		off += r.Total
	}

	return records
}

func (d *DB) checkChain(report *Report, records map[uint64]*scannedRecord, chain uint32, opts CheckOptions) {
	from := chainHeadOffset(chain)

	for off := d.chainHead(chain); off != 0; {
		rec, ok := records[off]
		if !ok {
			report.add(from, InvariantChainMembership, "chain %d links to %d, which is not a record", chain, off)

			return
		}

		if rec.hdr.Magic != magicUsed {
			report.add(off, InvariantChainMembership, "chain %d links to a %s record", chain, magicName(rec.hdr.Magic))

			return
		}

		if rec.reached {
			report.add(off, InvariantChainMembership, "record reached twice while walking chain %d", chain)

			return
		}

		rec.reached = true

		if rec.hdr.Hash%d.hashSize != chain {
			report.add(off, InvariantChainHash, "hash %08x belongs to chain %d, found in chain %d", rec.hdr.Hash, rec.hdr.Hash%d.hashSize, chain)
		}

		if recHeaderSize+rec.hdr.bodyLen() <= rec.hdr.Total {
			key := d.data[off+recHeaderSize : off+recHeaderSize+uint64(rec.hdr.KeyLen)]
			data := d.data[off+recHeaderSize+uint64(rec.hdr.KeyLen) : off+recHeaderSize+rec.hdr.bodyLen()]

			if got := d.hash(key); got != rec.hdr.Hash {
				report.add(off, InvariantChainHash, "stored hash %08x, key hashes to %08x", rec.hdr.Hash, got)
			}

			if opts.Validate != nil {
				if err := opts.Validate(slices.Clone(key), slices.Clone(data)); err != nil {
					report.add(off, InvariantValidate, "%v", err)
				}
			}
		}

		from = off + recNext
		off = rec.hdr.Next
	}
}

func (d *DB) checkBucket(report *Report, records map[uint64]*scannedRecord, b int) {
	var prev uint64

	from := freeHeadOffset(b)

	for off := d.freeHead(b); off != 0; {
		rec, ok := records[off]
		if !ok {
			report.add(from, InvariantFreeLinkage, "bucket %d links to %d, which is not a record", b, off)

			return
		}

		if rec.hdr.Magic != magicFree {
			report.add(off, InvariantFreeLinkage, "bucket %d links to a %s record", b, magicName(rec.hdr.Magic))

			return
		}

		if rec.reached {
			report.add(off, InvariantFreeLinkage, "record reached twice while walking bucket %d", b)

			return
		}

		rec.reached = true

		if got := bucketFor(rec.hdr.Total); got != b {
			report.add(off, InvariantFreeBucket, "free record of %d bytes belongs in bucket %d, found in %d", rec.hdr.Total, got, b)
		}

		if rec.hdr.Prev != prev {
			report.add(off, InvariantFreeLinkage, "back pointer %d, want %d", rec.hdr.Prev, prev)
		}

		prev = off
		from = off + recNext
		off = rec.hdr.Next
	}
}

func (d *DB) checkJournalPointer(report *Report, records map[uint64]*scannedRecord, name string, off uint64) {
	if off == 0 {
		return
	}

	rec, ok := records[off]

	switch {
	case !ok:
		report.add(off, InvariantJournal, "%s points to %d, which is not a record", name, off)
	case rec.hdr.Magic != magicJournal:
		report.add(off, InvariantJournal, "%s points to a %s record", name, magicName(rec.hdr.Magic))
	default:
		rec.reached = true
	}
}
