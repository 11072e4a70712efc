package tlb

import (
	"fmt"

	"github.com/sarchlab/memhier/mem/vm"
	"github.com/sarchlab/memhier/mem/vm/mmu"
)

// An Entry caches one translation. VPN and PPN are both expressed in units
// of the entry's page size, so a 2 MiB entry compares the VA down to bit 21.
type Entry struct {
	VPN      uint64
	PPN      uint64
	PageSize vm.PageSize
	Level    int
	Perms    vm.Permissions
	Accessed bool
	Dirty    bool
}

// EntryFromWalk creates the entry that caches a successful walk.
func EntryFromWalk(r mmu.WalkResult) Entry {
	return Entry{
		VPN:      r.PageSize.PageNumber(r.VAddr),
		PPN:      r.PPN,
		PageSize: r.PageSize,
		Level:    r.Level,
		Perms:    r.Perms,
		Accessed: true,
		Dirty:    r.Access.Kind == vm.AccessWrite,
	}
}

// Global returns true if the entry survives non-global flushes.
func (e Entry) Global() bool {
	return e.Perms.Has(vm.PermGlobal)
}

// VBase returns the first virtual address the entry covers.
func (e Entry) VBase() uint64 {
	return e.VPN << e.PageSize.Log2()
}

// PBase returns the first physical address the entry maps to.
func (e Entry) PBase() uint64 {
	return e.PPN << e.PageSize.Log2()
}

// Covers returns true if va falls in the page of the entry.
func (e Entry) Covers(va uint64) bool {
	return e.PageSize.PageNumber(va) == e.VPN
}

// Overlaps returns true if the two entries cover a common address.
func (e Entry) Overlaps(o Entry) bool {
	if e.PageSize >= o.PageSize {
		return e.Covers(o.VBase())
	}

	return o.Covers(e.VBase())
}

// Translate builds the physical address of va. va must be covered by the
// entry.
func (e Entry) Translate(va uint64) uint64 {
	return e.PBase() | va&e.PageSize.Mask()
}

func (e Entry) String() string {
	return fmt.Sprintf("va 0x%x -> pa 0x%x (%s, %s)",
		e.VBase(), e.PBase(), e.PageSize, e.Perms)
}
