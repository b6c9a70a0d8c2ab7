package tdb

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sys/unix"

	"github.com/calvinalkan/tdb/pkg/fs"
)

// WritebackMode controls when changes are flushed to stable storage.
type WritebackMode int

const (
	// WritebackNone flushes only at transaction commit.
	//
	// Other handles see changes immediately through the shared mapping, and
	// a crashed process loses nothing already written. A power failure may
	// lose non-transactional writes. This is the default.
	WritebackNone WritebackMode = iota

	// WritebackSync flushes after every operation and orders journal writes
	// before the data they protect, so transactions survive power failure.
	WritebackSync
)

func (m WritebackMode) String() string {
	switch m {
	case WritebackNone:
		return "none"
	case WritebackSync:
		return "sync"
	default:
		return fmt.Sprintf("WritebackMode(%d)", int(m))
	}
}

// Options configures opening or creating a store file.
type Options struct {
	// Path is the filesystem path to the store file. Required.
	Path string

	// HashSize is the number of hash chains for a new file. Ignored for an
	// existing file, whose chain count is fixed at creation.
	//
	// Default 131.
	HashSize uint32

	// Hash selects chains. Every handle on a file must use the function the
	// file was created with. Default [DefaultHash].
	Hash HashFunc

	// Logger receives non-fatal diagnostics such as journal recovery and
	// rejected legacy files. Nil discards them.
	Logger *slog.Logger

	// ReadOnly opens the file without write access. Mutations return
	// [ErrReadOnly].
	ReadOnly bool

	// ClearIfFirst reinitializes the file when no other handle has it open.
	// The flag is recorded in a new file's header and then applies to every
	// later open, for cache-style stores that must not outlive their users.
	ClearIfFirst bool

	// Convert creates a new file in the byte order opposite to the host's.
	// Existing files are always read in their recorded order.
	Convert bool

	// Exclusive fails with [ErrExists] if the file already exists.
	Exclusive bool

	// NonBlocking fails with [ErrWouldBlock] instead of waiting when another
	// handle is opening or recovering the file.
	NonBlocking bool

	// DisableLocking skips all fcntl locks. The caller MUST ensure no other
	// handle uses the file concurrently.
	DisableLocking bool

	// Writeback controls durability. Default [WritebackNone].
	Writeback WritebackMode

	// Perm is the mode of a newly created file. Default 0o600.
	Perm os.FileMode
}

// Open opens or creates a store file.
//
// A missing or empty file is initialized with [Options.HashSize] chains. If a
// previous writer died inside a transaction, the transaction is rolled back
// before Open returns.
//
// The returned DB must be closed with [DB.Close].
//
// Possible errors:
//   - [ErrInvalidInput]: invalid options
//   - [ErrExists]: [Options.Exclusive] and the file exists
//   - [ErrWouldBlock]: [Options.NonBlocking] and another handle is opening
//   - [ErrCorrupt]: bad magic, checksum or layout
//   - [ErrIncompatible]: unsupported version, flags or legacy format
//   - [ErrHashMismatch]: created with a different hash function
//   - [ErrReadOnly]: read-only handle on a file that needs recovery
//   - [ErrIO]: open, stat, read, truncate or mmap failed
func Open(opts Options) (*DB, error) {
	opts, err := normalizeOptions(opts)
	if err != nil {
		return nil, err
	}

	flags := unix.O_CLOEXEC
	if opts.ReadOnly {
		flags |= unix.O_RDONLY
	} else {
		flags |= unix.O_RDWR | unix.O_CREAT
		if opts.Exclusive {
			flags |= unix.O_EXCL
		}
	}

	fd, err := unix.Open(opts.Path, flags, uint32(opts.Perm.Perm()))
	if err != nil {
		if errors.Is(err, unix.EEXIST) {
			return nil, fmt.Errorf("%w: %s: %w", ErrExists, opts.Path, err)
		}

		return nil, fmt.Errorf("%w: open %s: %w", ErrIO, opts.Path, err)
	}

	var rl *fs.RangeLocker
	if !opts.DisableLocking {
		rl = fs.NewRangeLocker(uintptr(fd))
	}

	d := &DB{
		path:      opts.Path,
		fd:        fd,
		hash:      opts.Hash,
		logger:    opts.Logger,
		readOnly:  opts.ReadOnly,
		writeback: opts.Writeback,
		locks:     newLockTable(rl, 0),
	}

	if err := d.open(opts); err != nil {
		_ = d.unmap()
		_ = unix.Close(fd)

		return nil, err
	}

	return d, nil
}

func normalizeOptions(opts Options) (Options, error) {
	if opts.Path == "" {
		return opts, fmt.Errorf("path is required: %w", ErrInvalidInput)
	}

	if opts.HashSize == 0 {
		opts.HashSize = defaultHashSize
	}

	if opts.HashSize > maxHashSize {
		return opts, fmt.Errorf("hash_size %d exceeds max %d: %w", opts.HashSize, maxHashSize, ErrInvalidInput)
	}

	switch opts.Writeback {
	case WritebackNone, WritebackSync:
		// ok
	default:
		return opts, fmt.Errorf("unknown writeback mode %d: %w", opts.Writeback, ErrInvalidInput)
	}

	if opts.ReadOnly && (opts.ClearIfFirst || opts.Exclusive || opts.Convert) {
		return opts, fmt.Errorf("read_only cannot be combined with clear_if_first, exclusive or convert: %w", ErrInvalidInput)
	}

	if opts.Hash == nil {
		opts.Hash = DefaultHash
	}

	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	if opts.Perm == 0 {
		opts.Perm = 0o600
	}

	return opts, nil
}

// open runs under the open lock, which serializes creation, clear-if-first
// and recovery against other openers.
func (d *DB) open(opts Options) error {
	openKind := fs.Exclusive
	if d.readOnly {
		openKind = fs.Shared
	}

	if err := d.locks.lock(lockOpen, openKind, !opts.NonBlocking); err != nil {
		return err
	}

	if err := d.openLocked(opts); err != nil {
		return err
	}

	return d.locks.unlock(lockOpen)
}

func (d *DB) openLocked(opts Options) error {
	size, err := d.fileSize()
	if err != nil {
		return err
	}

	var existing []byte

	if size >= headerSize {
		existing, err = d.pread(0, headerSize)
		if err != nil {
			return err
		}
	}

	clearIfFirst := opts.ClearIfFirst
	if h, err := decodeHeader(existing); err == nil && h.Flags&flagClearIfFirst != 0 {
		clearIfFirst = true
	}

	first, err := d.takeActiveLock(clearIfFirst)
	if err != nil {
		return err
	}

	needsInit := size == 0 || (existing != nil && isZero(existing[offMagic:offMagic+len(fileMagic)]))

	if first && size > 0 {
		d.logger.Info("tdb: clearing store on first open", "path", d.path)

		needsInit = true
	}

	if needsInit {
		if d.readOnly {
			return fmt.Errorf("%w: %s is empty", ErrCorrupt, d.path)
		}

		if err := d.initialize(opts, clearIfFirst); err != nil {
			return err
		}

		size, err = d.fileSize()
		if err != nil {
			return err
		}
	} else if size < headerSize {
		return fmt.Errorf("%w: file size %d smaller than header", ErrCorrupt, size)
	}

	buf, err := d.pread(0, headerSize)
	if err != nil {
		return err
	}

	h, err := decodeHeader(buf)
	if err != nil {
		if errors.Is(err, errLegacyLocks) {
			d.logger.Warn("tdb: old rwlock-based format detected and rejected", "path", d.path)
		}

		return err
	}

	if h.HashCheck1 != d.hash([]byte(hashCheckInput1)) || h.HashCheck2 != d.hash([]byte(hashCheckInput2)) {
		return fmt.Errorf("%w: %s", ErrHashMismatch, d.path)
	}

	if size < h.Records || (size-h.Records)%16 != 0 {
		return fmt.Errorf("%w: file size %d inconsistent with records offset %d", ErrCorrupt, size, h.Records)
	}

	d.order = h.Order
	d.hashSize = h.HashSize
	d.records = h.Records
	d.locks.hashSize = h.HashSize

	if err := d.mapFile(size); err != nil {
		return err
	}

	if d.journalOffset() == 0 {
		return nil
	}

	if d.readOnly {
		return fmt.Errorf("%w: %s has a pending journal that needs recovery", ErrReadOnly, d.path)
	}

	return d.recoverPending()
}

// takeActiveLock takes the active lock shared. With clear-if-first it first
// tries it exclusive; winning means no other handle has the file open.
func (d *DB) takeActiveLock(clearIfFirst bool) (bool, error) {
	if !clearIfFirst || d.readOnly || d.locks.rl == nil {
		return false, d.locks.lock(lockActive, fs.Shared, true)
	}

	err := d.locks.lock(lockActive, fs.Exclusive, false)
	if errors.Is(err, ErrWouldBlock) {
		return false, d.locks.lock(lockActive, fs.Shared, true)
	}

	if err != nil {
		return false, err
	}

	// Downgrade. Other openers wait on the open lock we hold.
	if err := d.locks.unlock(lockActive); err != nil {
		return false, err
	}

	return true, d.locks.lock(lockActive, fs.Shared, true)
}

// initialize writes an empty store: a zeroed hash table, then the header.
func (d *DB) initialize(opts Options, clearIfFirst bool) error {
	order := nativeOrder()
	if opts.Convert {
		order = swappedOrder()
	}

	h := newHeader(order, opts.HashSize, d.hash, clearIfFirst)

	if err := unix.Ftruncate(d.fd, 0); err != nil {
		return fmt.Errorf("%w: ftruncate: %w", ErrIO, err)
	}

	if err := unix.Ftruncate(d.fd, int64(h.Records)); err != nil {
		return fmt.Errorf("%w: ftruncate: %w", ErrIO, err)
	}

	if err := d.pwrite(0, encodeHeader(&h)); err != nil {
		return err
	}

	if opts.Writeback == WritebackSync {
		if err := unix.Fsync(d.fd); err != nil {
			return fmt.Errorf("%w: fsync: %w", ErrIO, err)
		}
	}

	return nil
}

func (d *DB) pread(off int64, n int) ([]byte, error) {
	buf := make([]byte, n)

	read, err := unix.Pread(d.fd, buf, off)
	if err != nil {
		return nil, fmt.Errorf("%w: pread: %w", ErrIO, err)
	}

	if read != n {
		return nil, fmt.Errorf("%w: short read (%d of %d bytes)", ErrCorrupt, read, n)
	}

	return buf, nil
}

func (d *DB) pwrite(off int64, buf []byte) error {
	n, err := unix.Pwrite(d.fd, buf, off)
	if err != nil {
		return fmt.Errorf("%w: pwrite: %w", ErrIO, err)
	}

	if n != len(buf) {
		return fmt.Errorf("%w: short write (%d of %d bytes)", ErrIO, n, len(buf))
	}

	return nil
}

func isZero(b []byte) bool {
	return len(bytes.Trim(b, "\x00")) == 0
}
