package vm

import (
	"fmt"

	"github.com/sarchlab/memhier/mem/mem"
)

// A PTE is a decoded page-table entry. For a pointer entry, PPN is the frame
// number of the next-level table in 4 KiB units. For a leaf, PPN is expressed
// in units of the page size of the level the leaf sits at.
type PTE struct {
	Present  bool
	Leaf     bool
	PPN      uint64
	Perms    Permissions
	Accessed bool
	Dirty    bool
	Raw      uint64
}

func (p PTE) String() string {
	switch {
	case !p.Present:
		return "not present"
	case p.Leaf:
		return fmt.Sprintf("leaf ppn=0x%x %s", p.PPN, p.Perms)
	default:
		return fmt.Sprintf("table ppn=0x%x", p.PPN)
	}
}

type pteCodec interface {
	encode(pte PTE, level int) uint64
	decode(raw uint64, level int) PTE
}

// Sv39 entry bits.
const (
	sv39V = 1 << iota
	sv39R
	sv39W
	sv39X
	sv39U
	sv39G
	sv39A
	sv39D
)

const (
	sv39PPNShift = 10
	sv39PPNBits  = 44
)

type sv39Codec struct{}

func (sv39Codec) encode(pte PTE, _ int) uint64 {
	if !pte.Present {
		return 0
	}

	raw := (pte.PPN&mem.Mask(sv39PPNBits))<<sv39PPNShift | sv39V

	if pte.Leaf {
		raw |= flagIf(pte.Perms.Has(PermRead), sv39R)
		raw |= flagIf(pte.Perms.Has(PermWrite), sv39W)
		raw |= flagIf(pte.Perms.Has(PermExec), sv39X)
		raw |= flagIf(pte.Perms.Has(PermUser), sv39U)
		raw |= flagIf(pte.Perms.Has(PermGlobal), sv39G)
		raw |= flagIf(pte.Accessed, sv39A)
		raw |= flagIf(pte.Dirty, sv39D)
	}

	return raw
}

func (sv39Codec) decode(raw uint64, _ int) PTE {
	pte := PTE{
		Raw:     raw,
		Present: raw&sv39V != 0,
		PPN:     (raw >> sv39PPNShift) & mem.Mask(sv39PPNBits),
		Leaf:    raw&(sv39R|sv39W|sv39X) != 0,
	}

	if !pte.Present {
		return PTE{Raw: raw}
	}

	pte.Perms |= permIf(raw&sv39R != 0, PermRead)
	pte.Perms |= permIf(raw&sv39W != 0, PermWrite)
	pte.Perms |= permIf(raw&sv39X != 0, PermExec)
	pte.Perms |= permIf(raw&sv39U != 0, PermUser)
	pte.Perms |= permIf(raw&sv39G != 0, PermGlobal)
	pte.Accessed = raw&sv39A != 0
	pte.Dirty = raw&sv39D != 0

	return pte
}

// x86-64 entry bits.
const (
	x86P  = 1 << 0
	x86RW = 1 << 1
	x86US = 1 << 2
	x86A  = 1 << 5
	x86D  = 1 << 6
	x86PS = 1 << 7
	x86G  = 1 << 8
	x86NX = 1 << 63
)

const (
	x86PPNShift = 12
	x86PPNBits  = 40

	// PS is reserved above the 1 GiB level.
	x86MaxPSLevel = 2
)

type x86Codec struct{}

func (x86Codec) encode(pte PTE, level int) uint64 {
	if !pte.Present {
		return 0
	}

	raw := (pte.PPN&mem.Mask(x86PPNBits))<<x86PPNShift | x86P

	if !pte.Leaf {
		// Intermediate entries grant everything; the leaf decides.
		return raw | x86RW | x86US
	}

	raw |= flagIf(level > 0, x86PS)
	raw |= flagIf(pte.Perms.Has(PermWrite), x86RW)
	raw |= flagIf(pte.Perms.Has(PermUser), x86US)
	raw |= flagIf(pte.Perms.Has(PermGlobal), x86G)
	raw |= flagIf(!pte.Perms.Has(PermExec), x86NX)
	raw |= flagIf(pte.Accessed, x86A)
	raw |= flagIf(pte.Dirty, x86D)

	return raw
}

func (x86Codec) decode(raw uint64, level int) PTE {
	if raw&x86P == 0 {
		return PTE{Raw: raw}
	}

	pte := PTE{
		Raw:      raw,
		Present:  true,
		PPN:      (raw >> x86PPNShift) & mem.Mask(x86PPNBits),
		Leaf:     level == 0 || (raw&x86PS != 0 && level <= x86MaxPSLevel),
		Accessed: raw&x86A != 0,
		Dirty:    raw&x86D != 0,
	}

	if pte.Leaf {
		pte.Perms = PermRead
		pte.Perms |= permIf(raw&x86RW != 0, PermWrite)
		pte.Perms |= permIf(raw&x86NX == 0, PermExec)
		pte.Perms |= permIf(raw&x86US != 0, PermUser)
		pte.Perms |= permIf(raw&x86G != 0, PermGlobal)
	}

	return pte
}

func flagIf(cond bool, flag uint64) uint64 {
	if cond {
		return flag
	}

	return 0
}

func permIf(cond bool, p Permissions) Permissions {
	if cond {
		return p
	}

	return 0
}
