// Package tagging provides the set-associative storage shared by caches and
// TLBs. A Tags array holds numSets sets of numWays blocks; each block carries
// the valid and dirty bits, the replacement metadata, and a payload whose type
// is chosen by the user of the array.
package tagging

import (
	"github.com/sarchlab/memhier/mem/mem"
)

// A Block is one way of a set.
type Block[P any] struct {
	Tag     uint64
	SetID   int
	WayID   int
	IsValid bool
	IsDirty bool

	// LastUsed is the logical clock value of the most recent access.
	LastUsed uint64

	// FilledAt is the sequence number of the fill that brought the block in.
	FilledAt uint64

	Payload P
}

// A Set is the list of blocks that one index selects.
type Set[P any] struct {
	Blocks []Block[P]
}

// An InsertResult tells where a block was placed and what was evicted to make
// room for it.
type InsertResult[P any] struct {
	WayID   int
	Evicted bool
	Victim  Block[P]
}

// Stats counts the operations performed on a tag array.
type Stats struct {
	Lookups        uint64
	Hits           uint64
	Misses         uint64
	Fills          uint64
	Evictions      uint64
	DirtyEvictions uint64
	Invalidations  uint64
}

// Tags is a fixed-capacity set-associative array.
type Tags[P any] struct {
	numSets      int
	numWays      int
	sets         []Set[P]
	victimFinder VictimFinder

	clock   uint64
	fillSeq uint64
	stats   Stats
}

// NewTags creates a tag array with every block invalid.
func NewTags[P any](
	numSets, numWays int,
	victimFinder VictimFinder,
) (*Tags[P], error) {
	if numSets < 1 {
		return nil, mem.NewConfigError("tagging", "num_sets", numSets,
			"must be at least 1")
	}

	if numWays < 1 {
		return nil, mem.NewConfigError("tagging", "associativity", numWays,
			"must be at least 1")
	}

	if victimFinder == nil {
		victimFinder = NewLRUVictimFinder()
	}

	t := &Tags[P]{
		numSets:      numSets,
		numWays:      numWays,
		victimFinder: victimFinder,
	}

	t.Reset()

	return t, nil
}

// NumSets returns the number of sets.
func (t *Tags[P]) NumSets() int {
	return t.numSets
}

// NumWays returns the associativity.
func (t *Tags[P]) NumWays() int {
	return t.numWays
}

// Capacity returns the total number of blocks.
func (t *Tags[P]) Capacity() int {
	return t.numSets * t.numWays
}

// Clock returns the current value of the logical access clock.
func (t *Tags[P]) Clock() uint64 {
	return t.clock
}

// Stats returns a copy of the counters.
func (t *Tags[P]) Stats() Stats {
	return t.stats
}

// Reset marks every block invalid and clears the clock and the counters.
func (t *Tags[P]) Reset() {
	t.sets = make([]Set[P], t.numSets)
	for i := 0; i < t.numSets; i++ {
		t.sets[i].Blocks = make([]Block[P], t.numWays)
		for j := 0; j < t.numWays; j++ {
			t.sets[i].Blocks[j] = Block[P]{SetID: i, WayID: j}
		}
	}

	t.clock = 0
	t.fillSeq = 0
	t.stats = Stats{}
}

// Lookup searches a set for a valid block with the given tag. If more than
// one way matches, the lowest way wins.
func (t *Tags[P]) Lookup(setID int, tag uint64) (wayID int, hit bool) {
	return t.Find(setID, func(b *Block[P]) bool {
		return b.Tag == tag
	})
}

// Find searches a set for the first valid block accepted by match. It counts
// as a lookup in the statistics.
func (t *Tags[P]) Find(
	setID int,
	match func(b *Block[P]) bool,
) (wayID int, hit bool) {
	set := t.mustGetSet(setID)

	t.stats.Lookups++

	for i := range set.Blocks {
		b := &set.Blocks[i]
		if b.IsValid && match(b) {
			t.stats.Hits++
			return i, true
		}
	}

	t.stats.Misses++

	return -1, false
}

// Visit updates the recency of a block. It only matters to LRU replacement.
func (t *Tags[P]) Visit(setID, wayID int) {
	b := t.mustGetValidBlock(setID, wayID)

	t.clock++
	b.LastUsed = t.clock
}

// MarkDirty sets the dirty bit of a valid block.
func (t *Tags[P]) MarkDirty(setID, wayID int) {
	b := t.mustGetValidBlock(setID, wayID)
	b.IsDirty = true
}

// Insert places a new block in a set. A free way is used if there is one;
// otherwise the victim finder picks the block to evict. The evicted block is
// returned so that the caller can write it back if it is dirty.
func (t *Tags[P]) Insert(
	setID int,
	tag uint64,
	payload P,
	dirty bool,
) InsertResult[P] {
	set := t.mustGetSet(setID)
	t.tagMustNotExist(set, tag)

	res := InsertResult[P]{WayID: -1}

	for i := range set.Blocks {
		if !set.Blocks[i].IsValid {
			res.WayID = i
			break
		}
	}

	if res.WayID < 0 {
		res.WayID = t.victimFinder.FindVictim(t.meta(set))
		if res.WayID < 0 || res.WayID >= t.numWays {
			panic(mem.InvariantViolation(
				"victim way %d out of range in set %d", res.WayID, setID))
		}

		res.Evicted = true
		res.Victim = set.Blocks[res.WayID]

		t.stats.Evictions++
		if res.Victim.IsDirty {
			t.stats.DirtyEvictions++
		}
	}

	t.clock++
	t.fillSeq++
	t.stats.Fills++

	set.Blocks[res.WayID] = Block[P]{
		Tag:      tag,
		SetID:    setID,
		WayID:    res.WayID,
		IsValid:  true,
		IsDirty:  dirty,
		LastUsed: t.clock,
		FilledAt: t.fillSeq,
		Payload:  payload,
	}

	return res
}

// Invalidate clears one block. It returns the block as it was before the
// invalidation, and false if the block was not valid.
func (t *Tags[P]) Invalidate(setID, wayID int) (Block[P], bool) {
	set := t.mustGetSet(setID)
	t.wayMustBeInRange(wayID)

	b := set.Blocks[wayID]
	if !b.IsValid {
		return b, false
	}

	set.Blocks[wayID] = Block[P]{SetID: setID, WayID: wayID}
	t.stats.Invalidations++

	return b, true
}

// InvalidateIf clears every valid block accepted by match and returns the
// blocks that were cleared.
func (t *Tags[P]) InvalidateIf(match func(b *Block[P]) bool) []Block[P] {
	var cleared []Block[P]

	for i := range t.sets {
		for j := range t.sets[i].Blocks {
			b := &t.sets[i].Blocks[j]
			if !b.IsValid || !match(b) {
				continue
			}

			cleared = append(cleared, *b)
			*b = Block[P]{SetID: i, WayID: j}
			t.stats.Invalidations++
		}
	}

	return cleared
}

// InvalidateAll clears every block. The dirty blocks that were cleared are
// returned since their content must be flushed.
func (t *Tags[P]) InvalidateAll() (dirty []Block[P]) {
	cleared := t.InvalidateIf(func(*Block[P]) bool { return true })

	for _, b := range cleared {
		if b.IsDirty {
			dirty = append(dirty, b)
		}
	}

	return dirty
}

// Block returns a copy of a block.
func (t *Tags[P]) Block(setID, wayID int) Block[P] {
	set := t.mustGetSet(setID)
	t.wayMustBeInRange(wayID)

	return set.Blocks[wayID]
}

// UpdatePayload replaces the payload of a valid block.
func (t *Tags[P]) UpdatePayload(setID, wayID int, payload P) {
	b := t.mustGetValidBlock(setID, wayID)
	b.Payload = payload
}

// Set returns a copy of the blocks of a set.
func (t *Tags[P]) Set(setID int) []Block[P] {
	set := t.mustGetSet(setID)

	blocks := make([]Block[P], len(set.Blocks))
	copy(blocks, set.Blocks)

	return blocks
}

// ValidBlocks returns a copy of every valid block, ordered by set and way.
func (t *Tags[P]) ValidBlocks() []Block[P] {
	var blocks []Block[P]

	for i := range t.sets {
		for _, b := range t.sets[i].Blocks {
			if b.IsValid {
				blocks = append(blocks, b)
			}
		}
	}

	return blocks
}

func (t *Tags[P]) meta(set *Set[P]) []BlockMeta {
	meta := make([]BlockMeta, len(set.Blocks))
	for i, b := range set.Blocks {
		meta[i] = BlockMeta{
			WayID:    b.WayID,
			LastUsed: b.LastUsed,
			FilledAt: b.FilledAt,
		}
	}

	return meta
}

func (t *Tags[P]) mustGetSet(setID int) *Set[P] {
	if setID < 0 || setID >= t.numSets {
		panic(mem.InvariantViolation(
			"set %d out of range [0, %d)", setID, t.numSets))
	}

	return &t.sets[setID]
}

func (t *Tags[P]) wayMustBeInRange(wayID int) {
	if wayID < 0 || wayID >= t.numWays {
		panic(mem.InvariantViolation(
			"way %d out of range [0, %d)", wayID, t.numWays))
	}
}

func (t *Tags[P]) mustGetValidBlock(setID, wayID int) *Block[P] {
	set := t.mustGetSet(setID)
	t.wayMustBeInRange(wayID)

	b := &set.Blocks[wayID]
	if !b.IsValid {
		panic(mem.InvariantViolation(
			"block set %d way %d is not valid", setID, wayID))
	}

	return b
}

func (t *Tags[P]) tagMustNotExist(set *Set[P], tag uint64) {
	for _, b := range set.Blocks {
		if b.IsValid && b.Tag == tag {
			panic(mem.InvariantViolation(
				"tag 0x%x already resident in set %d way %d",
				tag, b.SetID, b.WayID))
		}
	}
}
