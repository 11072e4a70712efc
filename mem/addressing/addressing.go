// Package addressing splits addresses into the tag, index, and offset fields
// used by set-associative structures.
//
// An address of AddressBits bits is laid out as
//
//	[ tag | index | offset ]
//
// where the offset selects a byte inside a block, the index selects a set, and
// the tag identifies the block inside that set.
package addressing

import (
	"fmt"

	"github.com/sarchlab/memhier/mem/mem"
)

// Fields holds the decomposed parts of an address. Fields are always derived
// from an address and are recomputed on every lookup.
type Fields struct {
	Tag    uint64
	Index  uint64
	Offset uint64
}

func (f Fields) String() string {
	return fmt.Sprintf("tag=0x%x index=%d offset=0x%x",
		f.Tag, f.Index, f.Offset)
}

// Decompose splits addr with the given field widths. It fails with a
// ConfigError if offsetBits+indexBits exceeds addressBits.
func Decompose(addr uint64, offsetBits, indexBits, addressBits int) (
	Fields, error,
) {
	l, err := NewLayout(addressBits, offsetBits, indexBits)
	if err != nil {
		return Fields{}, err
	}

	return l.Split(addr), nil
}

// A Layout is a validated field layout.
type Layout struct {
	AddressBits int
	OffsetBits  int
	IndexBits   int
}

// NewLayout validates and returns a layout.
func NewLayout(addressBits, offsetBits, indexBits int) (Layout, error) {
	switch {
	case addressBits <= 0 || addressBits > 64:
		return Layout{}, mem.NewConfigError("addressing", "address_bits",
			addressBits, "must be in [1, 64]")
	case offsetBits < 0:
		return Layout{}, mem.NewConfigError("addressing", "offset_bits",
			offsetBits, "must not be negative")
	case indexBits < 0:
		return Layout{}, mem.NewConfigError("addressing", "index_bits",
			indexBits, "must not be negative")
	case offsetBits+indexBits > addressBits:
		return Layout{}, mem.NewConfigError("addressing", "index_bits",
			indexBits,
			fmt.Sprintf("offset_bits+index_bits=%d exceeds address_bits=%d",
				offsetBits+indexBits, addressBits))
	}

	l := Layout{
		AddressBits: addressBits,
		OffsetBits:  offsetBits,
		IndexBits:   indexBits,
	}

	return l, nil
}

// TagBits returns the number of bits left for the tag.
func (l Layout) TagBits() int {
	return l.AddressBits - l.OffsetBits - l.IndexBits
}

// NumSets returns the number of sets addressed by the index field.
func (l Layout) NumSets() int {
	return 1 << l.IndexBits
}

// Split decomposes an address.
func (l Layout) Split(addr uint64) Fields {
	return Fields{
		Offset: addr & mem.Mask(l.OffsetBits),
		Index:  (addr >> l.OffsetBits) & mem.Mask(l.IndexBits),
		Tag:    addr >> (l.OffsetBits + l.IndexBits),
	}
}

// Join puts the fields back together. Join(Split(a)) == a for every a.
func (l Layout) Join(f Fields) uint64 {
	return f.Tag<<(l.OffsetBits+l.IndexBits) |
		(f.Index&mem.Mask(l.IndexBits))<<l.OffsetBits |
		f.Offset&mem.Mask(l.OffsetBits)
}

// BlockAddr clears the offset field of an address.
func (l Layout) BlockAddr(addr uint64) uint64 {
	return addr &^ mem.Mask(l.OffsetBits)
}

// Contains returns true if addr fits in the address width.
func (l Layout) Contains(addr uint64) bool {
	return mem.FitsIn(addr, l.AddressBits)
}

// IndexRange returns the highest and lowest bit positions of the index field.
// Both are -1 when the layout has no index bits.
func (l Layout) IndexRange() (hi, lo int) {
	if l.IndexBits == 0 {
		return -1, -1
	}

	return l.OffsetBits + l.IndexBits - 1, l.OffsetBits
}
