package tdb

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/calvinalkan/tdb/pkg/fs"
)

// Distribution summarizes a set of sizes.
type Distribution struct {
	Count int    `json:"count"`
	Min   uint64 `json:"min"`
	Max   uint64 `json:"max"`
	Total uint64 `json:"total"`
}

func (d *Distribution) add(v uint64) {
	if d.Count == 0 || v < d.Min {
		d.Min = v
	}

	d.Max = max(d.Max, v)
	d.Total += v
	d.Count++
}

// Avg returns the mean, or 0 for an empty distribution.
func (d Distribution) Avg() float64 {
	if d.Count == 0 {
		return 0
	}

	return float64(d.Total) / float64(d.Count)
}

// Summary holds aggregate statistics about a store file.
type Summary struct {
	FileSize   uint64 `json:"file_size"`
	HashSize   uint32 `json:"hash_size"`
	Generation uint64 `json:"generation"`
	ByteOrder  string `json:"byte_order"`

	Keys      Distribution `json:"keys"`       // key lengths
	Data      Distribution `json:"data"`       // value lengths
	RecordLen Distribution `json:"record_len"` // used record lengths
	FreeLen   Distribution `json:"free_len"`   // free record lengths
	ChainLen  Distribution `json:"chain_len"`  // records per chain, over all chains

	EmptyChains    int `json:"empty_chains"`
	FreeRecords    int `json:"free_records"`
	JournalRecords int `json:"journal_records"`

	UsedBytes     uint64 `json:"used_bytes"`     // key and data bytes
	FreeBytes     uint64 `json:"free_bytes"`     // free records, headers included
	JournalBytes  uint64 `json:"journal_bytes"`  // journal records
	OverheadBytes uint64 `json:"overhead_bytes"` // header, hash table, record headers and padding
}

// FreeFraction returns the share of the file held by free records.
func (s Summary) FreeFraction() float64 {
	if s.FileSize == 0 {
		return 0
	}

	return float64(s.FreeBytes) / float64(s.FileSize)
}

// String renders the summary as a human-readable block.
func (s Summary) String() string {
	var b strings.Builder

	dist := func(name string, d Distribution) {
		fmt.Fprintf(&b, "Smallest/average/largest %s: %d/%.0f/%d\n", name, d.Min, d.Avg(), d.Max)
	}

	fmt.Fprintf(&b, "Size of file/data: %d/%d\n", s.FileSize, s.UsedBytes)
	fmt.Fprintf(&b, "Byte order: %s\n", s.ByteOrder)
	fmt.Fprintf(&b, "Generation: %d\n", s.Generation)
	fmt.Fprintf(&b, "Number of records: %d\n", s.Keys.Count)
	dist("keys", s.Keys)
	dist("data", s.Data)
	fmt.Fprintf(&b, "Padding bytes: %d\n", s.paddingBytes())
	fmt.Fprintf(&b, "Number of free records: %d\n", s.FreeRecords)
	dist("free records", s.FreeLen)
	fmt.Fprintf(&b, "Number of hash chains: %d\n", s.HashSize)
	dist("hash chains", s.ChainLen)
	fmt.Fprintf(&b, "Number of empty hash chains: %d\n", s.EmptyChains)
	fmt.Fprintf(&b, "Percentage keys/data/padding/free/journal/hashes: %.0f/%.0f/%.0f/%.0f/%.0f/%.0f\n",
		s.percent(s.Keys.Total),
		s.percent(s.Data.Total),
		s.percent(s.paddingBytes()),
		s.percent(s.FreeBytes),
		s.percent(s.JournalBytes),
		s.percent(8*uint64(s.HashSize)),
	)

	return b.String()
}

// paddingBytes is the space in used records beyond key and data, headers
// included.
func (s Summary) paddingBytes() uint64 {
	return s.RecordLen.Total - s.UsedBytes
}

func (s Summary) percent(v uint64) float64 {
	if s.FileSize == 0 {
		return 0
	}

	return 100 * float64(v) / float64(s.FileSize)
}

// Summary collects statistics over the whole file under the shared
// all-records lock. It returns [ErrCorrupt] if the file cannot be walked;
// use [DB.Check] to find out why.
func (d *DB) Summary() (Summary, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return Summary{}, ErrClosed
	}

	if err := d.lockForOp(lockAll, fs.Shared); err != nil {
		return Summary{}, err
	}

	s, err := d.summaryLocked()

	return s, d.unlockWith(lockAll, err)
}

func (d *DB) summaryLocked() (Summary, error) {
	if err := d.refreshMap(); err != nil {
		return Summary{}, err
	}

	s := Summary{
		FileSize:   uint64(len(d.data)),
		HashSize:   d.hashSize,
		Generation: d.headerU64(offGeneration),
		ByteOrder:  byteOrderName(d.order),
	}

	for off := d.records; off < uint64(len(d.data)); {
		if err := d.oob(off, recHeaderSize); err != nil {
			return Summary{}, err
		}

		r := decodeRecordHeader(d.order, d.data[off:off+recHeaderSize])

		switch r.Magic {
		case magicUsed:
			if _, err := d.readRecord(off, magicUsed); err != nil {
				return Summary{}, err
			}

			s.Keys.add(uint64(r.KeyLen))
			s.Data.add(uint64(r.DataLen))
			s.RecordLen.add(r.Total)
			s.UsedBytes += r.bodyLen()
		case magicFree:
			if _, err := d.readRecord(off, magicFree); err != nil {
				return Summary{}, err
			}

			s.FreeLen.add(r.Total)
			s.FreeRecords++
			s.FreeBytes += r.Total
		case magicJournal:
			if _, err := d.readRecord(off, magicJournal); err != nil {
				return Summary{}, err
			}

			s.JournalRecords++
			s.JournalBytes += r.Total
		default:
			return Summary{}, fmt.Errorf("%w: record at %d has unknown magic 0x%08x", ErrCorrupt, off, r.Magic)
		}

		off += r.Total
	}

	for chain := range d.hashSize {
		n, err := d.chainLength(chain)
		if err != nil {
			return Summary{}, err
		}

		if n == 0 {
			s.EmptyChains++
		}

		s.ChainLen.add(n)
	}

	s.OverheadBytes = s.FileSize - s.UsedBytes - s.FreeBytes - s.JournalBytes

	return s, nil
}

func (d *DB) chainLength(chain uint32) (uint64, error) {
	var n uint64

	steps := d.maxSteps()

	for off := d.chainHead(chain); off != 0; n++ {
		if steps == 0 {
			return 0, fmt.Errorf("%w: loop in chain %d", ErrCorrupt, chain)
		}

		steps--

		r, err := d.readRecord(off, magicUsed)
		if err != nil {
			return 0, err
		}

		off = r.Next
	}

	return n, nil
}

func byteOrderName(bo binary.ByteOrder) string {
	if bo == binary.BigEndian {
		return "big-endian"
	}

	return "little-endian"
}
