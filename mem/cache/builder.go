package cache

import (
	"github.com/sarchlab/memhier/mem/addressing"
	"github.com/sarchlab/memhier/mem/mem"
	"github.com/sarchlab/memhier/mem/tagging"
)

// Builder can build caches.
type Builder struct {
	byteSize         uint64
	blockSize        uint64
	wayAssociativity int
	addressBits      int
	replacePolicy    tagging.Policy
	victimFinder     tagging.VictimFinder
	randomSeed       uint64
	writePolicy      WritePolicy
	allocatePolicy   AllocatePolicy
}

// MakeBuilder creates a new builder with the default configuration: a 4 KiB,
// 4-way cache of 64-byte blocks over 32-bit addresses, LRU, write-back and
// write-allocate.
func MakeBuilder() Builder {
	return Builder{
		byteSize:         4 * mem.KB,
		blockSize:        64,
		wayAssociativity: 4,
		addressBits:      32,
		replacePolicy:    tagging.PolicyLRU,
		writePolicy:      WriteBack,
		allocatePolicy:   WriteAllocate,
	}
}

// WithByteSize sets the total capacity of the cache.
func (b Builder) WithByteSize(byteSize uint64) Builder {
	b.byteSize = byteSize
	return b
}

// WithBlockSize sets the size of a cache line.
func (b Builder) WithBlockSize(blockSize uint64) Builder {
	b.blockSize = blockSize
	return b
}

// WithWayAssociativity sets the number of ways of each set.
func (b Builder) WithWayAssociativity(wayAssociativity int) Builder {
	b.wayAssociativity = wayAssociativity
	return b
}

// WithAddressBits sets the width of the addresses the cache accepts.
func (b Builder) WithAddressBits(addressBits int) Builder {
	b.addressBits = addressBits
	return b
}

// WithReplacementPolicy sets the replacement policy by name.
func (b Builder) WithReplacementPolicy(p tagging.Policy) Builder {
	b.replacePolicy = p
	return b
}

// WithVictimFinder overrides the replacement policy with a custom victim
// finder.
func (b Builder) WithVictimFinder(vf tagging.VictimFinder) Builder {
	b.victimFinder = vf
	return b
}

// WithRandomSeed sets the seed used by random replacement.
func (b Builder) WithRandomSeed(seed uint64) Builder {
	b.randomSeed = seed
	return b
}

// WithWritePolicy sets the write policy.
func (b Builder) WithWritePolicy(p WritePolicy) Builder {
	b.writePolicy = p
	return b
}

// WithAllocatePolicy sets the policy applied on write misses.
func (b Builder) WithAllocatePolicy(p AllocatePolicy) Builder {
	b.allocatePolicy = p
	return b
}

// Build creates a cache. It fails with a ConfigError if the configuration is
// not a valid cache organization.
func (b Builder) Build(name string) (*Comp, error) {
	layout, err := b.layout(name)
	if err != nil {
		return nil, err
	}

	if err := b.checkPolicies(name); err != nil {
		return nil, err
	}

	vf := b.victimFinder
	if vf == nil {
		vf, err = tagging.NewVictimFinder(b.replacePolicy, b.randomSeed)
		if err != nil {
			return nil, err
		}
	}

	tags, err := tagging.NewTags[line](
		layout.NumSets(), b.wayAssociativity, vf)
	if err != nil {
		return nil, err
	}

	c := &Comp{
		name:           name,
		byteSize:       b.byteSize,
		blockSize:      b.blockSize,
		layout:         layout,
		tags:           tags,
		writePolicy:    b.writePolicy,
		allocatePolicy: b.allocatePolicy,
	}

	return c, nil
}

func (b Builder) layout(name string) (addressing.Layout, error) {
	if !mem.IsPowerOfTwo(b.byteSize) {
		return addressing.Layout{}, mem.NewConfigError(name, "size",
			b.byteSize, "must be a power of two")
	}

	if !mem.IsPowerOfTwo(b.blockSize) {
		return addressing.Layout{}, mem.NewConfigError(name, "block_size",
			b.blockSize, "must be a power of two")
	}

	if b.wayAssociativity < 1 ||
		!mem.IsPowerOfTwo(uint64(b.wayAssociativity)) {
		return addressing.Layout{}, mem.NewConfigError(name, "associativity",
			b.wayAssociativity, "must be a power of two")
	}

	lineBytes := b.blockSize * uint64(b.wayAssociativity)
	if lineBytes > b.byteSize {
		return addressing.Layout{}, mem.NewConfigError(name, "size",
			b.byteSize, "must hold at least one set of "+
				"block_size x associativity bytes")
	}

	offsetBits, _ := mem.Log2(b.blockSize)
	indexBits, _ := mem.Log2(b.byteSize / lineBytes)

	layout, err := addressing.NewLayout(b.addressBits, offsetBits, indexBits)
	if err != nil {
		return addressing.Layout{}, err
	}

	if layout.TagBits() < 1 {
		return addressing.Layout{}, mem.NewConfigError(name, "address_bits",
			b.addressBits, "must leave at least one tag bit")
	}

	return layout, nil
}

func (b Builder) checkPolicies(name string) error {
	switch b.writePolicy {
	case WriteBack, WriteThrough:
	default:
		return mem.NewConfigError(name, "write_policy", b.writePolicy,
			"must be write-back or write-through")
	}

	switch b.allocatePolicy {
	case WriteAllocate, NoWriteAllocate:
	default:
		return mem.NewConfigError(name, "allocate_policy", b.allocatePolicy,
			"must be write-allocate or no-write-allocate")
	}

	return nil
}
