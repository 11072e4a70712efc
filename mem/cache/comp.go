// Package cache provides a set-associative cache model with configurable
// replacement, write, and allocate policies.
package cache

import (
	"github.com/sarchlab/memhier/mem/addressing"
	"github.com/sarchlab/memhier/mem/mem"
	"github.com/sarchlab/memhier/mem/tagging"
)

// line is the payload of a cache block. Only the block-aligned address is
// kept; the model carries no data.
type line struct {
	Addr uint64
}

// Comp is a cache. Accesses run to completion one at a time.
type Comp struct {
	name      string
	byteSize  uint64
	blockSize uint64
	layout    addressing.Layout
	tags      *tagging.Tags[line]

	writePolicy    WritePolicy
	allocatePolicy AllocatePolicy

	stats Stats
}

// Name returns the name of the cache.
func (c *Comp) Name() string {
	return c.name
}

// Layout returns the address layout of the cache.
func (c *Comp) Layout() addressing.Layout {
	return c.layout
}

// WritePolicy returns the write policy of the cache.
func (c *Comp) WritePolicy() WritePolicy {
	return c.writePolicy
}

// AllocatePolicy returns the allocate policy of the cache.
func (c *Comp) AllocatePolicy() AllocatePolicy {
	return c.allocatePolicy
}

// Geometry reports the organization of the cache.
func (c *Comp) Geometry() Geometry {
	return Geometry{
		ByteSize:      c.byteSize,
		BlockSize:     c.blockSize,
		Associativity: c.tags.NumWays(),
		NumSets:       c.tags.NumSets(),
		NumBlocks:     c.tags.Capacity(),
		AddressBits:   c.layout.AddressBits,
		OffsetBits:    c.layout.OffsetBits,
		IndexBits:     c.layout.IndexBits,
		TagBits:       c.layout.TagBits(),
	}
}

// Read reads an address.
func (c *Comp) Read(addr uint64) (AccessResult, error) {
	return c.Access(Request{Kind: AccessRead, Addr: addr})
}

// Write writes an address.
func (c *Comp) Write(addr uint64) (AccessResult, error) {
	return c.Access(Request{Kind: AccessWrite, Addr: addr})
}

// Access performs one access. It fails with an AddressError if an address of
// the request does not fit in the address width of the cache.
func (c *Comp) Access(req Request) (AccessResult, error) {
	if err := c.checkAddr(req.Addr); err != nil {
		return AccessResult{}, err
	}

	fields := c.layout.Split(req.Addr)

	if req.SplitIndex {
		if err := c.checkAddr(req.IndexAddr); err != nil {
			return AccessResult{}, err
		}

		fields.Index = c.layout.Split(req.IndexAddr).Index
	}

	res := AccessResult{
		Kind:   req.Kind,
		Addr:   req.Addr,
		Fields: fields,
		WayID:  -1,
	}

	// Lines are matched on the whole block number of Addr. When the index
	// comes from another address, the tag field alone may not cover the
	// block bits the index skipped.
	key := req.Addr >> c.layout.OffsetBits

	switch req.Kind {
	case AccessRead:
		c.read(&res, key)
	case AccessWrite:
		c.write(&res, key)
	default:
		panic(mem.InvariantViolation("unknown access kind %d", req.Kind))
	}

	return res, nil
}

func (c *Comp) checkAddr(addr uint64) error {
	if !c.layout.Contains(addr) {
		return &mem.AddressError{
			Component: c.name,
			Addr:      addr,
			Width:     c.layout.AddressBits,
		}
	}

	return nil
}

func (c *Comp) read(res *AccessResult, key uint64) {
	c.stats.Reads++

	setID := int(res.Fields.Index)

	wayID, hit := c.tags.Lookup(setID, key)
	if hit {
		c.stats.ReadHits++
		c.tags.Visit(setID, wayID)
		c.fillResult(res, setID, wayID, true)

		return
	}

	c.stats.ReadMisses++
	c.fill(res, key, false)
}

func (c *Comp) write(res *AccessResult, key uint64) {
	c.stats.Writes++

	setID := int(res.Fields.Index)

	wayID, hit := c.tags.Lookup(setID, key)
	if hit {
		c.stats.WriteHits++
		c.tags.Visit(setID, wayID)
		c.writeHit(res, setID, wayID)

		return
	}

	c.stats.WriteMisses++

	if c.allocatePolicy == NoWriteAllocate {
		c.stats.Bypasses++
		c.stats.MemoryWrites++
		res.Bypassed = true
		res.MemoryWrite = true

		return
	}

	c.fill(res, key, c.writePolicy == WriteBack)

	if c.writePolicy == WriteThrough {
		c.stats.MemoryWrites++
		res.MemoryWrite = true
	}
}

func (c *Comp) writeHit(res *AccessResult, setID, wayID int) {
	switch c.writePolicy {
	case WriteBack:
		c.tags.MarkDirty(setID, wayID)
	case WriteThrough:
		c.stats.MemoryWrites++
		res.MemoryWrite = true
	}

	c.fillResult(res, setID, wayID, true)
}

func (c *Comp) fill(res *AccessResult, key uint64, dirty bool) {
	setID := int(res.Fields.Index)
	payload := line{Addr: c.layout.BlockAddr(res.Addr)}

	ins := c.tags.Insert(setID, key, payload, dirty)
	if ins.Evicted {
		c.stats.Evictions++
		res.Replaced = true
		res.ReplacedTag = c.tagOf(ins.Victim)

		if ins.Victim.IsDirty {
			c.stats.WriteBacks++
			res.Evicted = c.evictedLine(ins.Victim)
		}
	}

	c.fillResult(res, setID, ins.WayID, false)
}

func (c *Comp) fillResult(res *AccessResult, setID, wayID int, hit bool) {
	b := c.tags.Block(setID, wayID)

	res.Hit = hit
	res.WayID = wayID
	res.Dirty = b.IsDirty
}

// tagOf returns the tag field of the address a block holds.
func (c *Comp) tagOf(b tagging.Block[line]) uint64 {
	return c.layout.Split(b.Payload.Addr).Tag
}

func (c *Comp) evictedLine(b tagging.Block[line]) *EvictedLine {
	return &EvictedLine{
		Tag:   c.tagOf(b),
		Index: uint64(b.SetID),
		Addr:  b.Payload.Addr,
	}
}

// Flush invalidates every line and returns the dirty lines that must be
// written back, ordered by set and way.
func (c *Comp) Flush() []EvictedLine {
	c.stats.Flushes++

	dirty := c.tags.InvalidateAll()

	lines := make([]EvictedLine, 0, len(dirty))
	for _, b := range dirty {
		lines = append(lines, *c.evictedLine(b))
	}

	c.stats.WriteBacks += uint64(len(lines))

	return lines
}

// Set returns a snapshot of the ways of a set. It fails with an AddressError
// if the set index does not exist.
func (c *Comp) Set(index int) ([]LineState, error) {
	if index < 0 || index >= c.tags.NumSets() {
		return nil, &mem.AddressError{
			Component: c.name,
			Addr:      uint64(index),
			Width:     c.layout.IndexBits,
		}
	}

	blocks := c.tags.Set(index)
	states := make([]LineState, len(blocks))

	for i, b := range blocks {
		states[i] = LineState{
			Way:      b.WayID,
			Valid:    b.IsValid,
			Dirty:    b.IsDirty,
			Tag:      c.tagOf(b),
			Addr:     b.Payload.Addr,
			LastUsed: b.LastUsed,
		}
	}

	return states, nil
}

// Stats returns a copy of the access counters.
func (c *Comp) Stats() Stats {
	return c.stats
}

// Reset invalidates every line without writing anything back and clears the
// counters.
func (c *Comp) Reset() {
	c.tags.Reset()
	c.stats = Stats{}
}
