package vm

import (
	"strings"

	"github.com/sarchlab/memhier/mem/mem"
)

// A Format describes a radix page-table layout. Levels are numbered from 0
// (the table that maps 4 KiB pages) up to Levels-1 (the root table).
type Format struct {
	Name           string
	Levels         int
	BitsPerLevel   int
	PageOffsetBits int
	VABits         int
	PTESize        uint64

	// LeafLevels lists the levels at which a leaf entry is allowed.
	LeafLevels []int

	codec pteCodec
}

// Sv39 is the RISC-V three-level format: 9+9+9 index bits over a 12-bit page
// offset.
var Sv39 = &Format{
	Name:           "sv39",
	Levels:         3,
	BitsPerLevel:   9,
	PageOffsetBits: 12,
	VABits:         39,
	PTESize:        8,
	LeafLevels:     []int{0, 1, 2},
	codec:          sv39Codec{},
}

// X86_64 is the four-level x86-64 format: 9+9+9+9 index bits over a 12-bit
// page offset. 1 GiB and 2 MiB leaves use the PS bit.
var X86_64 = &Format{
	Name:           "x86-64",
	Levels:         4,
	BitsPerLevel:   9,
	PageOffsetBits: 12,
	VABits:         48,
	PTESize:        8,
	LeafLevels:     []int{0, 1, 2},
	codec:          x86Codec{},
}

// Formats lists the supported formats.
func Formats() []*Format {
	return []*Format{Sv39, X86_64}
}

// ParseFormat finds a format by name. "x86_64", "x86-64", "x64" and "amd64"
// all select X86_64.
func ParseFormat(name string) (*Format, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "sv39", "riscv", "risc-v":
		return Sv39, nil
	case "x86-64", "x86_64", "x64", "amd64", "x86":
		return X86_64, nil
	default:
		return nil, mem.NewConfigError("vm", "table_format", name,
			"must be sv39 or x86-64")
	}
}

func (f *Format) String() string {
	return f.Name
}

// EntriesPerTable returns the number of entries of one table.
func (f *Format) EntriesPerTable() uint64 {
	return 1 << f.BitsPerLevel
}

// TableSize returns the size of one table in bytes.
func (f *Format) TableSize() uint64 {
	return f.EntriesPerTable() * f.PTESize
}

// LevelShift returns the number of VA bits below the index of a level, which
// is also the number of offset bits of a page mapped at that level.
func (f *Format) LevelShift(level int) int {
	return f.PageOffsetBits + level*f.BitsPerLevel
}

// Index returns the table index that va selects at a level.
func (f *Format) Index(va uint64, level int) uint64 {
	return (va >> f.LevelShift(level)) & mem.Mask(f.BitsPerLevel)
}

// PageSizeAt returns the size of a page mapped by a leaf at a level.
func (f *Format) PageSizeAt(level int) PageSize {
	return PageSize(uint64(1) << f.LevelShift(level))
}

// LeafLevel returns the level at which pages of a size are mapped.
func (f *Format) LeafLevel(size PageSize) (int, error) {
	for _, l := range f.LeafLevels {
		if f.PageSizeAt(l) == size {
			return l, nil
		}
	}

	return 0, mem.NewConfigError(f.Name, "page_size", size,
		"not supported by the table format")
}

// IsCanonical returns true if the bits of va above the VA width are copies
// of the highest VA bit.
func (f *Format) IsCanonical(va uint64) bool {
	upper := va >> (f.VABits - 1)
	return upper == 0 || upper == mem.Mask(64-f.VABits+1)
}

// Encode converts an entry to its raw form for a level.
func (f *Format) Encode(pte PTE, level int) uint64 {
	return f.codec.encode(pte, level)
}

// Decode parses the raw entry read at a level.
func (f *Format) Decode(raw uint64, level int) PTE {
	return f.codec.decode(raw, level)
}
