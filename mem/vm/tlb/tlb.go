// Package tlb provides a fully associative translation lookaside buffer that
// holds entries of mixed page sizes and walks the page table on a miss.
package tlb

import (
	"log"

	"github.com/sarchlab/memhier/mem/tagging"
	"github.com/sarchlab/memhier/mem/vm"
	"github.com/sarchlab/memhier/mem/vm/mmu"
)

// A Translator resolves a TLB miss. The page-table walker is the usual
// Translator.
type Translator interface {
	Format() *vm.Format
	Walk(va uint64, access vm.Access) (mmu.WalkResult, error)
}

// A Request asks for the translation of a virtual address.
type Request struct {
	VAddr  uint64
	Access vm.Access

	// PageSize restricts the lookup to entries of one size. Zero matches
	// entries of every size.
	PageSize vm.PageSize
}

// A Result is the outcome of a translation.
type Result struct {
	VAddr uint64
	PAddr uint64
	Hit   bool
	Entry Entry

	// Walk is set when the translation missed and the walker was invoked.
	Walk *mmu.WalkResult

	// Evicted is the entry replaced to make room for the new one.
	Evicted *Entry
}

// Stats counts the work of a TLB.
type Stats struct {
	Lookups          uint64
	Hits             uint64
	Misses           uint64
	Walks            uint64
	Faults           uint64
	PermissionFaults uint64
	Fills            uint64
	Evictions        uint64
	Invalidations    uint64
	Flushes          uint64
}

// HitRate returns hits over lookups, or 0 if there was no lookup.
func (s Stats) HitRate() float64 {
	if s.Lookups == 0 {
		return 0
	}

	return float64(s.Hits) / float64(s.Lookups)
}

// MissRate returns misses over lookups, or 0 if there was no lookup.
func (s Stats) MissRate() float64 {
	if s.Lookups == 0 {
		return 0
	}

	return float64(s.Misses) / float64(s.Lookups)
}

// Comp is a TLB.
type Comp struct {
	name       string
	numEntries int
	tags       *tagging.Tags[Entry]
	translator Translator
	logger     *log.Logger

	stats Stats
}

// Name returns the name of the TLB.
func (c *Comp) Name() string {
	return c.name
}

// NumEntries returns the capacity of the TLB.
func (c *Comp) NumEntries() int {
	return c.numEntries
}

// Translate returns the physical address of a virtual address. A hit is
// served without invoking the walker. On a miss, the walker is invoked and
// its translation is inserted before the address is built. Translation
// failures are returned as *vm.Fault and leave the TLB content unchanged.
func (c *Comp) Translate(req Request) (Result, error) {
	c.stats.Lookups++

	wayID, hit := c.find(req)
	if hit {
		return c.serveHit(req, wayID)
	}

	c.stats.Misses++
	c.stats.Walks++

	walk, err := c.translator.Walk(req.VAddr, req.Access)
	if err != nil {
		c.stats.Faults++
		c.logger.Printf("%s: miss 0x%x: %v", c.name, req.VAddr, err)

		return Result{VAddr: req.VAddr, Walk: &walk}, err
	}

	entry := EntryFromWalk(walk)
	evicted := c.Insert(entry)

	c.logger.Printf("%s: miss 0x%x, filled %s", c.name, req.VAddr, entry)

	res := Result{
		VAddr:   req.VAddr,
		PAddr:   entry.Translate(req.VAddr),
		Entry:   entry,
		Walk:    &walk,
		Evicted: evicted,
	}

	return res, nil
}

func (c *Comp) find(req Request) (int, bool) {
	return c.tags.Find(0, func(b *tagging.Block[Entry]) bool {
		if req.PageSize != 0 && b.Payload.PageSize != req.PageSize {
			return false
		}

		return b.Payload.Covers(req.VAddr)
	})
}

func (c *Comp) serveHit(req Request, wayID int) (Result, error) {
	c.tags.Visit(0, wayID)
	c.stats.Hits++

	entry := c.tags.Block(0, wayID).Payload
	if !entry.Perms.Allows(req.Access) {
		c.stats.PermissionFaults++
		c.stats.Faults++

		return Result{VAddr: req.VAddr, Hit: true, Entry: entry}, &vm.Fault{
			Kind:   vm.PermissionFault,
			VAddr:  req.VAddr,
			Level:  entry.Level,
			Access: req.Access,
			Format: c.translator.Format().Name,
		}
	}

	entry.Accessed = true
	if req.Access.Kind == vm.AccessWrite {
		entry.Dirty = true
	}
	c.tags.UpdatePayload(0, wayID, entry)

	res := Result{
		VAddr: req.VAddr,
		PAddr: entry.Translate(req.VAddr),
		Hit:   true,
		Entry: entry,
	}

	return res, nil
}

// Lookup probes the TLB without changing the recency of the entries or the
// counters.
func (c *Comp) Lookup(va uint64) (Entry, bool) {
	for _, b := range c.tags.ValidBlocks() {
		if b.Payload.Covers(va) {
			return b.Payload, true
		}
	}

	return Entry{}, false
}

// Insert adds an entry. Entries overlapping the new one are removed first so
// that a virtual address is never covered twice. It returns the entry evicted
// to make room, if any.
func (c *Comp) Insert(e Entry) *Entry {
	c.tags.InvalidateIf(func(b *tagging.Block[Entry]) bool {
		return b.Payload.Overlaps(e)
	})

	c.stats.Fills++

	ins := c.tags.Insert(0, e.VBase(), e, false)
	if !ins.Evicted {
		return nil
	}

	c.stats.Evictions++
	victim := ins.Victim.Payload

	return &victim
}

// Invalidate removes the entries that cover va. It returns the number of
// entries removed.
func (c *Comp) Invalidate(va uint64) int {
	removed := c.tags.InvalidateIf(func(b *tagging.Block[Entry]) bool {
		return b.Payload.Covers(va)
	})

	c.stats.Invalidations += uint64(len(removed))

	return len(removed)
}

// Flush removes every entry that is not global, as a context switch does. It
// returns the number of entries removed.
func (c *Comp) Flush() int {
	removed := c.tags.InvalidateIf(func(b *tagging.Block[Entry]) bool {
		return !b.Payload.Global()
	})

	c.stats.Flushes++
	c.stats.Invalidations += uint64(len(removed))

	return len(removed)
}

// FlushAll removes every entry, global ones included.
func (c *Comp) FlushAll() int {
	removed := c.tags.InvalidateIf(func(*tagging.Block[Entry]) bool {
		return true
	})

	c.stats.Flushes++
	c.stats.Invalidations += uint64(len(removed))

	return len(removed)
}

// Entries returns a copy of the valid entries.
func (c *Comp) Entries() []Entry {
	blocks := c.tags.ValidBlocks()

	entries := make([]Entry, len(blocks))
	for i, b := range blocks {
		entries[i] = b.Payload
	}

	return entries
}

// EntryCounts returns the number of valid entries of each page size.
func (c *Comp) EntryCounts() map[vm.PageSize]int {
	counts := make(map[vm.PageSize]int)
	for _, e := range c.Entries() {
		counts[e.PageSize]++
	}

	return counts
}

// CurrentReach returns the bytes covered by the valid entries.
func (c *Comp) CurrentReach() uint64 {
	var reach uint64
	for _, e := range c.Entries() {
		reach += uint64(e.PageSize)
	}

	return reach
}

// Reach returns the bytes a TLB of n entries covers when every entry maps a
// page of the given size.
func Reach(n int, size vm.PageSize) uint64 {
	return uint64(n) * uint64(size)
}

// Stats returns a copy of the counters.
func (c *Comp) Stats() Stats {
	return c.stats
}

// Reset removes every entry and clears the counters.
func (c *Comp) Reset() {
	c.tags.Reset()
	c.stats = Stats{}
}
