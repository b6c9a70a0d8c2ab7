package tdb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math/bits"
	"unsafe"
)

// isLittleEndian is true if the CPU uses little-endian byte order.
var isLittleEndian = func() bool {
	var x uint32 = 0x04030201

	return *(*byte)(unsafe.Pointer(&x)) == 0x01
}()

// nativeOrder returns the host byte order; swappedOrder the other one.
func nativeOrder() binary.ByteOrder {
	if isLittleEndian {
		return binary.LittleEndian
	}

	return binary.BigEndian
}

func swappedOrder() binary.ByteOrder {
	if isLittleEndian {
		return binary.BigEndian
	}

	return binary.LittleEndian
}

// File format constants.
const (
	formatVersion uint32 = 0x26011999

	headerSize = 256

	// Header flags.
	flagBigEndian    uint32 = 1 << 0
	flagClearIfFirst uint32 = 1 << 1
	knownFlags              = flagBigEndian | flagClearIfFirst

	// Number of free-list buckets. Bucket b holds free records whose total
	// length is in [16<<b, 16<<(b+1)); the last bucket is unbounded.
	freeBuckets = 16

	// Strings hashed at creation; the results identify the hash function.
	hashCheckInput1 = "tdb hash check: alpha"
	hashCheckInput2 = "tdb hash check: omega"
)

// fileMagic identifies the format and its major version.
var fileMagic = [16]byte{'T', 'D', 'B', ' ', 'f', 'i', 'l', 'e', ' ', 'v', '1', '\n'}

// Header field offsets (bytes from file start).
const (
	offMagic        = 0x000 // [16]byte
	offVersion      = 0x010 // uint32
	offHeaderSize   = 0x014 // uint32
	offHashSize     = 0x018 // uint32
	offFlags        = 0x01C // uint32
	offLegacyLocks  = 0x020 // uint32 (non-zero in the old rwlock format)
	offHashCheck1   = 0x024 // uint32
	offHashCheck2   = 0x028 // uint32
	offHeaderCRC32C = 0x02C // uint32, covers [0x000,0x02C) and [0x030,0x040)
	offHashTable    = 0x030 // uint64
	offRecords      = 0x038 // uint64
	offGeneration   = 0x040 // uint64
	offJournal      = 0x048 // uint64 (pending journal, 0 when none)
	offRecoveryArea = 0x050 // uint64 (journal record kept between transactions)
	offFreeHeads    = 0x058 // [16]uint64
	offReserved     = 0x0D8 // reserved bytes through 0x0FF, must be zero
)

// errLegacyLocks identifies files written with the old rwlock layout.
var errLegacyLocks = fmt.Errorf("%w: legacy rwlock-based locking format", ErrIncompatible)

// header is the decoded 256-byte file header.
type header struct {
	Order        binary.ByteOrder
	HashSize     uint32
	Flags        uint32
	LegacyLocks  uint32
	HashCheck1   uint32
	HashCheck2   uint32
	HashTable    uint64
	Records      uint64
	Generation   uint64
	Journal      uint64
	RecoveryArea uint64
	FreeHeads    [freeBuckets]uint64
}

// newHeader builds the header of an empty file with hashSize chains.
func newHeader(order binary.ByteOrder, hashSize uint32, hash HashFunc, clearIfFirst bool) header {
	h := header{
		Order:      order,
		HashSize:   hashSize,
		HashCheck1: hash([]byte(hashCheckInput1)),
		HashCheck2: hash([]byte(hashCheckInput2)),
		HashTable:  headerSize,
		Records:    recordsOffset(hashSize),
	}

	if order == binary.BigEndian {
		h.Flags |= flagBigEndian
	}

	if clearIfFirst {
		h.Flags |= flagClearIfFirst
	}

	return h
}

// recordsOffset returns the offset of the first record for hashSize chains.
func recordsOffset(hashSize uint32) uint64 {
	return align16(headerSize + 8*uint64(hashSize))
}

// encodeHeader serializes h to a 256-byte slice, computing the CRC.
func encodeHeader(h *header) []byte {
	bo := h.Order
	buf := make([]byte, headerSize)

	copy(buf[offMagic:], fileMagic[:])
	bo.PutUint32(buf[offVersion:], formatVersion)
	bo.PutUint32(buf[offHeaderSize:], headerSize)
	bo.PutUint32(buf[offHashSize:], h.HashSize)
	bo.PutUint32(buf[offFlags:], h.Flags)
	bo.PutUint32(buf[offLegacyLocks:], h.LegacyLocks)
	bo.PutUint32(buf[offHashCheck1:], h.HashCheck1)
	bo.PutUint32(buf[offHashCheck2:], h.HashCheck2)
	bo.PutUint64(buf[offHashTable:], h.HashTable)
	bo.PutUint64(buf[offRecords:], h.Records)
	bo.PutUint64(buf[offGeneration:], h.Generation)
	bo.PutUint64(buf[offJournal:], h.Journal)
	bo.PutUint64(buf[offRecoveryArea:], h.RecoveryArea)

	for i, off := range h.FreeHeads {
		bo.PutUint64(buf[offFreeHeads+8*i:], off)
	}

	bo.PutUint32(buf[offHeaderCRC32C:], computeHeaderCRC(buf))

	return buf
}

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// computeHeaderCRC returns the CRC32-C of the immutable header fields.
// Everything from the generation counter on changes during normal operation
// and is not covered.
func computeHeaderCRC(buf []byte) uint32 {
	crc := crc32.Update(0, crcTable, buf[:offHeaderCRC32C])

	return crc32.Update(crc, crcTable, buf[offHashTable:offGeneration])
}

// detectOrder returns the byte order the version field was written in.
func detectOrder(buf []byte) (binary.ByteOrder, bool) {
	switch {
	case binary.LittleEndian.Uint32(buf[offVersion:]) == formatVersion:
		return binary.LittleEndian, true
	case binary.BigEndian.Uint32(buf[offVersion:]) == formatVersion:
		return binary.BigEndian, true
	default:
		return nil, false
	}
}

// decodeHeader parses and validates a header.
//
// Returns ErrCorrupt for anything that is not a well-formed current header,
// ErrIncompatible for a recognized signature this version cannot use.
func decodeHeader(buf []byte) (header, error) {
	if len(buf) < headerSize {
		return header{}, fmt.Errorf("%w: header truncated (%d bytes)", ErrCorrupt, len(buf))
	}

	if !bytes.Equal(buf[offMagic:offMagic+len(fileMagic)], fileMagic[:]) {
		return header{}, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}

	bo, ok := detectOrder(buf)
	if !ok {
		return header{}, fmt.Errorf("%w: unsupported version 0x%08x", ErrIncompatible, binary.LittleEndian.Uint32(buf[offVersion:]))
	}

	h := header{
		Order:        bo,
		HashSize:     bo.Uint32(buf[offHashSize:]),
		Flags:        bo.Uint32(buf[offFlags:]),
		LegacyLocks:  bo.Uint32(buf[offLegacyLocks:]),
		HashCheck1:   bo.Uint32(buf[offHashCheck1:]),
		HashCheck2:   bo.Uint32(buf[offHashCheck2:]),
		HashTable:    bo.Uint64(buf[offHashTable:]),
		Records:      bo.Uint64(buf[offRecords:]),
		Generation:   bo.Uint64(buf[offGeneration:]),
		Journal:      bo.Uint64(buf[offJournal:]),
		RecoveryArea: bo.Uint64(buf[offRecoveryArea:]),
	}

	for i := range h.FreeHeads {
		h.FreeHeads[i] = bo.Uint64(buf[offFreeHeads+8*i:])
	}

	if h.LegacyLocks != 0 {
		return header{}, errLegacyLocks
	}

	if bo.Uint32(buf[offHeaderCRC32C:]) != computeHeaderCRC(buf) {
		return header{}, fmt.Errorf("%w: header checksum mismatch", ErrCorrupt)
	}

	if h.Flags&^knownFlags != 0 {
		return header{}, fmt.Errorf("%w: unknown flags 0x%x", ErrIncompatible, h.Flags&^knownFlags)
	}

	if (h.Flags&flagBigEndian != 0) != (bo == binary.BigEndian) {
		return header{}, fmt.Errorf("%w: byte order flag disagrees with header encoding", ErrCorrupt)
	}

	if size := bo.Uint32(buf[offHeaderSize:]); size != headerSize {
		return header{}, fmt.Errorf("%w: header size %d, want %d", ErrCorrupt, size, headerSize)
	}

	if h.HashSize == 0 || h.HashSize > maxHashSize {
		return header{}, fmt.Errorf("%w: hash size %d out of range", ErrCorrupt, h.HashSize)
	}

	if h.HashTable != headerSize || h.Records != recordsOffset(h.HashSize) {
		return header{}, fmt.Errorf("%w: section offsets (%d, %d) do not match hash size %d", ErrCorrupt, h.HashTable, h.Records, h.HashSize)
	}

	for i := offReserved; i < headerSize; i++ {
		if buf[i] != 0 {
			return header{}, fmt.Errorf("%w: reserved header byte 0x%x set", ErrCorrupt, i)
		}
	}

	return h, nil
}

// Record layout. Every record starts with a 32-byte header and is 16-byte
// aligned with a total length that is a multiple of 16. The 8 bytes at
// 0x10 hold key and data lengths in a used record and the previous free
// record in a free one.
const (
	recHeaderSize = 32

	recNext    = 0x00 // uint64: next record in chain or free bucket
	recTotal   = 0x08 // uint64: total length including this header
	recKeyLen  = 0x10 // uint32 (used)
	recDataLen = 0x14 // uint32 (used)
	recPrev    = 0x10 // uint64 (free)
	recHash    = 0x18 // uint32: full hash of the key (used)
	recMagic   = 0x1C // uint32

	magicUsed    uint32 = 0x7db3c5a1
	magicFree    uint32 = 0xd9fee666
	magicJournal uint32 = 0x4a524e4c
)

// recordHeader is a decoded record header. Which fields are meaningful
// depends on Magic.
type recordHeader struct {
	Next    uint64
	Total   uint64
	KeyLen  uint32
	DataLen uint32
	Prev    uint64
	Hash    uint32
	Magic   uint32
}

func encodeRecordHeader(bo binary.ByteOrder, buf []byte, r recordHeader) {
	bo.PutUint64(buf[recNext:], r.Next)
	bo.PutUint64(buf[recTotal:], r.Total)

	if r.Magic == magicFree {
		bo.PutUint64(buf[recPrev:], r.Prev)
	} else {
		bo.PutUint32(buf[recKeyLen:], r.KeyLen)
		bo.PutUint32(buf[recDataLen:], r.DataLen)
	}

	bo.PutUint32(buf[recHash:], r.Hash)
	bo.PutUint32(buf[recMagic:], r.Magic)
}

func decodeRecordHeader(bo binary.ByteOrder, buf []byte) recordHeader {
	r := recordHeader{
		Next:  bo.Uint64(buf[recNext:]),
		Total: bo.Uint64(buf[recTotal:]),
		Hash:  bo.Uint32(buf[recHash:]),
		Magic: bo.Uint32(buf[recMagic:]),
	}

	if r.Magic == magicFree {
		r.Prev = bo.Uint64(buf[recPrev:])
	} else {
		r.KeyLen = bo.Uint32(buf[recKeyLen:])
		r.DataLen = bo.Uint32(buf[recDataLen:])
	}

	return r
}

// bodyLen returns the bytes of key and data a used record carries.
func (r recordHeader) bodyLen() uint64 {
	return uint64(r.KeyLen) + uint64(r.DataLen)
}

func magicName(m uint32) string {
	switch m {
	case magicUsed:
		return "used"
	case magicFree:
		return "free"
	case magicJournal:
		return "journal"
	default:
		return fmt.Sprintf("unknown(0x%08x)", m)
	}
}

// Journal record body, following the record header.
const (
	jrnStatus = 0x00 // uint32
	jrnOldEOF = 0x08 // uint64: file size when the transaction began
	jrnUsed   = 0x10 // uint64: bytes of complete entries
	jrnCount  = 0x18 // uint64: number of complete entries

	jrnBodyHeader = 0x20

	journalActive    uint32 = 1
	journalCommitted uint32 = 2

	// Entry: offset uint64, length uint32, crc32c uint32, old bytes padded
	// to 8.
	entryHeaderSize = 16
)

// journalEntrySize returns the encoded size of an entry holding n bytes.
func journalEntrySize(n uint64) uint64 {
	return entryHeaderSize + align8(n)
}

// recordSize returns the smallest total length of a used record.
func recordSize(keyLen, dataLen int) uint64 {
	return align16(recHeaderSize + uint64(keyLen) + uint64(dataLen))
}

// bucketFor returns the free-list bucket of a record with the given total.
func bucketFor(total uint64) int {
	b := bits.Len64(total>>4) - 1
	if b < 0 {
		return 0
	}

	return min(b, freeBuckets-1)
}

func align16(x uint64) uint64 {
	return (x + 15) &^ 15
}

func align8(x uint64) uint64 {
	return (x + 7) &^ 7
}

func alignUp(x, a uint64) uint64 {
	return (x + a - 1) / a * a
}
