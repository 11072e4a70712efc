package vm

import (
	"errors"
	"fmt"

	"github.com/sarchlab/memhier/mem/mem"
)

// ErrMappingConflict is returned when a mapping overlaps an existing mapping
// of a different page size.
var ErrMappingConflict = errors.New("mapping conflict")

// A PTEReader gives read-only access to the page-table memory. Entries never
// written read as zero, which decodes as not present in every format.
type PTEReader interface {
	ReadPTE(addr uint64) uint64
}

// A PageTable is the backing store of a radix page table. Tables live in a
// sparse physical memory; their frames are allocated sequentially from the
// root.
type PageTable struct {
	format    *Format
	root      uint64
	nextFrame uint64
	memory    map[uint64]uint64
	numTables int
	numPages  int
}

// NewPageTable creates an empty page table whose root table sits at base.
func NewPageTable(format *Format, base uint64) (*PageTable, error) {
	if format == nil {
		return nil, mem.NewConfigError("page_table", "table_format", nil,
			"must be set")
	}

	if base&(format.TableSize()-1) != 0 {
		return nil, mem.NewConfigError("page_table", "page_table_base",
			fmt.Sprintf("0x%x", base),
			fmt.Sprintf("must be aligned to %d bytes", format.TableSize()))
	}

	pt := &PageTable{
		format:    format,
		root:      base,
		nextFrame: base + format.TableSize(),
		memory:    make(map[uint64]uint64),
		numTables: 1,
	}

	return pt, nil
}

// Format returns the format of the table.
func (pt *PageTable) Format() *Format {
	return pt.format
}

// Root returns the physical address of the root table.
func (pt *PageTable) Root() uint64 {
	return pt.root
}

// NumTables returns the number of tables allocated, the root included.
func (pt *PageTable) NumTables() int {
	return pt.numTables
}

// NumPages returns the number of pages currently mapped.
func (pt *PageTable) NumPages() int {
	return pt.numPages
}

// ReadPTE returns the raw entry stored at a physical address.
func (pt *PageTable) ReadPTE(addr uint64) uint64 {
	return pt.memory[addr]
}

// WritePTE stores a raw entry. It allows building tables by hand, including
// malformed ones.
func (pt *PageTable) WritePTE(addr, raw uint64) {
	if raw == 0 {
		delete(pt.memory, addr)
		return
	}

	pt.memory[addr] = raw
}

// PTEAddr returns the physical address of the entry va selects in a table.
func (pt *PageTable) PTEAddr(table, va uint64, level int) uint64 {
	return table + pt.format.Index(va, level)*pt.format.PTESize
}

// MapPage maps the page of the given size at va to the frame at pa. Mapping
// the same page again replaces the previous mapping.
func (pt *PageTable) MapPage(
	va, pa uint64,
	size PageSize,
	perms Permissions,
) error {
	if err := pt.checkMapping(va, pa, size, perms); err != nil {
		return err
	}

	leafLevel, err := pt.format.LeafLevel(size)
	if err != nil {
		return err
	}

	table := pt.root
	for level := pt.format.Levels - 1; level > leafLevel; level-- {
		table, err = pt.descend(table, va, level)
		if err != nil {
			return err
		}
	}

	addr := pt.PTEAddr(table, va, leafLevel)

	old := pt.format.Decode(pt.ReadPTE(addr), leafLevel)
	if old.Present && !old.Leaf {
		return fmt.Errorf("%w: va 0x%x as %s overlaps smaller pages",
			ErrMappingConflict, va, size)
	}

	if !old.Present {
		pt.numPages++
	}

	leaf := PTE{
		Present: true,
		Leaf:    true,
		PPN:     pa >> size.Log2(),
		Perms:   perms,
	}
	pt.WritePTE(addr, pt.format.Encode(leaf, leafLevel))

	return nil
}

func (pt *PageTable) checkMapping(
	va, pa uint64,
	size PageSize,
	perms Permissions,
) error {
	if !pt.format.IsCanonical(va) {
		return &Fault{
			Kind:   InvalidAddress,
			VAddr:  va,
			Level:  pt.format.Levels - 1,
			Format: pt.format.Name,
		}
	}

	if _, ok := mem.Log2(uint64(size)); !ok {
		return mem.NewConfigError("page_table", "page_size", size,
			"must be a power of two")
	}

	if va&size.Mask() != 0 {
		return mem.NewConfigError("page_table", "va", fmt.Sprintf("0x%x", va),
			fmt.Sprintf("must be aligned to the %s page size", size))
	}

	if pa&size.Mask() != 0 {
		return mem.NewConfigError("page_table", "pa", fmt.Sprintf("0x%x", pa),
			fmt.Sprintf("must be aligned to the %s page size", size))
	}

	if perms&PermRWX == 0 {
		return mem.NewConfigError("page_table", "permissions", perms,
			"must grant at least one of r, w, x")
	}

	return nil
}

// descend returns the next-level table that va selects, allocating it if it
// does not exist yet.
func (pt *PageTable) descend(table, va uint64, level int) (uint64, error) {
	addr := pt.PTEAddr(table, va, level)
	pte := pt.format.Decode(pt.ReadPTE(addr), level)

	if pte.Present && pte.Leaf {
		return 0, fmt.Errorf("%w: va 0x%x is inside a %s page",
			ErrMappingConflict, va, pt.format.PageSizeAt(level))
	}

	if pte.Present {
		return pte.PPN << pt.format.PageOffsetBits, nil
	}

	next := pt.nextFrame
	pt.nextFrame += pt.format.TableSize()
	pt.numTables++

	ptr := PTE{Present: true, PPN: next >> pt.format.PageOffsetBits}
	pt.WritePTE(addr, pt.format.Encode(ptr, level))

	return next, nil
}

// UnmapPage removes the mapping of the page that contains va. It returns the
// size of the page that was removed, and false if va was not mapped.
// Intermediate tables are kept.
func (pt *PageTable) UnmapPage(va uint64) (PageSize, bool) {
	if !pt.format.IsCanonical(va) {
		return 0, false
	}

	table := pt.root
	for level := pt.format.Levels - 1; level >= 0; level-- {
		addr := pt.PTEAddr(table, va, level)
		pte := pt.format.Decode(pt.ReadPTE(addr), level)

		if !pte.Present {
			return 0, false
		}

		if pte.Leaf {
			pt.WritePTE(addr, 0)
			pt.numPages--

			return pt.format.PageSizeAt(level), true
		}

		table = pte.PPN << pt.format.PageOffsetBits
	}

	return 0, false
}
