package cache

import (
	"fmt"
	"strings"

	"github.com/sarchlab/memhier/mem/addressing"
	"github.com/sarchlab/memhier/mem/mem"
)

// AccessKind tells if an access reads or writes the cache.
type AccessKind int

// Access kinds.
const (
	AccessRead AccessKind = iota
	AccessWrite
)

func (k AccessKind) String() string {
	switch k {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	default:
		return fmt.Sprintf("AccessKind(%d)", int(k))
	}
}

// WritePolicy decides when written data reaches the backing memory.
type WritePolicy string

// Write policies.
const (
	WriteBack    WritePolicy = "write-back"
	WriteThrough WritePolicy = "write-through"
)

// ParseWritePolicy converts a write policy name. "write_back", "writeback"
// and "wb" are accepted as well as the canonical names.
func ParseWritePolicy(s string) (WritePolicy, error) {
	switch normalizePolicyName(s) {
	case "writeback", "wb":
		return WriteBack, nil
	case "writethrough", "wt":
		return WriteThrough, nil
	default:
		return "", mem.NewConfigError("cache", "write_policy", s,
			"must be write-back or write-through")
	}
}

// AllocatePolicy decides if a write miss brings the line into the cache.
type AllocatePolicy string

// Allocate policies.
const (
	WriteAllocate   AllocatePolicy = "write-allocate"
	NoWriteAllocate AllocatePolicy = "no-write-allocate"
)

// ParseAllocatePolicy converts an allocate policy name.
func ParseAllocatePolicy(s string) (AllocatePolicy, error) {
	switch normalizePolicyName(s) {
	case "writeallocate", "allocate":
		return WriteAllocate, nil
	case "nowriteallocate", "noallocate", "writearound", "writeno":
		return NoWriteAllocate, nil
	default:
		return "", mem.NewConfigError("cache", "allocate_policy", s,
			"must be write-allocate or no-write-allocate")
	}
}

func normalizePolicyName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer("-", "", "_", "", " ", "").Replace(s)

	return s
}

// A Request is one access to the cache.
//
// Addr provides the tag and the offset. When SplitIndex is set, the set index
// is taken from IndexAddr instead, which is how a virtually-indexed,
// physically-tagged cache is modeled: IndexAddr is the virtual address and
// Addr the translated physical address.
type Request struct {
	Kind       AccessKind
	Addr       uint64
	IndexAddr  uint64
	SplitIndex bool
}

// An EvictedLine is a dirty line that left the cache and must be written back
// to the backing memory.
type EvictedLine struct {
	Tag   uint64
	Index uint64
	Addr  uint64
}

// AccessResult reports what a single access did.
type AccessResult struct {
	Kind   AccessKind
	Addr   uint64
	Fields addressing.Fields
	Hit    bool

	// WayID is the way holding the line after the access, -1 if the access
	// bypassed the cache.
	WayID int

	// Dirty is the dirty bit of the line after the access.
	Dirty bool

	// Replaced is set when a valid line was evicted to make room, whether
	// or not it was dirty. ReplacedTag is the tag of that line.
	Replaced    bool
	ReplacedTag uint64

	// Evicted is the write-back produced by the access, if any.
	Evicted *EvictedLine

	// MemoryWrite is set when the write was forwarded to the backing memory
	// immediately (write-through, or a write that was not allocated).
	MemoryWrite bool

	// Bypassed is set when a write miss did not allocate a line.
	Bypassed bool
}

// LineState is a snapshot of one way, for inspection.
type LineState struct {
	Way      int
	Valid    bool
	Dirty    bool
	Tag      uint64
	Addr     uint64
	LastUsed uint64
}

// Geometry describes the organization of a cache.
type Geometry struct {
	ByteSize      uint64
	BlockSize     uint64
	Associativity int
	NumSets       int
	NumBlocks     int
	AddressBits   int
	OffsetBits    int
	IndexBits     int
	TagBits       int
}
