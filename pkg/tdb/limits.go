package tdb

import "time"

// Hardcoded implementation limits.
//
// They keep offset arithmetic away from overflow and bound the size of a
// single mapping (mmap length is an int). Violations return ErrInvalidInput.
const (
	// Maximum number of hash chains. The table alone is 8 bytes per chain.
	maxHashSize = 1 << 24

	// Maximum key or value length in bytes (the on-disk fields are uint32).
	maxKeyLen  = 1 << 30
	maxDataLen = 1 << 30

	// Maximum file size in bytes.
	maxFileSize = uint64(1) << 40 // 1 TiB
)

// Tunables.
const (
	// Number of hash chains when Options.HashSize is zero.
	defaultHashSize = 131

	// Smallest growth step when the allocator extends the file.
	minGrowth = 8 << 10

	// A free remainder smaller than this stays attached to the allocated
	// record instead of being split off.
	minSplit = 64

	// Initial capacity of the journal body.
	journalInitialCapacity = 64 << 10

	// How long a traversal waits to make one chain exclusive while other
	// handles also hold the all-records lock shared.
	upgradeTimeout = 5 * time.Second
)
