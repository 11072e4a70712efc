package tagging

import (
	"math/rand/v2"
	"strings"

	"github.com/sarchlab/memhier/mem/mem"
)

// BlockMeta is the replacement metadata of one way, as seen by a
// VictimFinder.
type BlockMeta struct {
	WayID    int
	LastUsed uint64
	FilledAt uint64
}

// A VictimFinder decides which block should be evicted from a full set.
type VictimFinder interface {
	FindVictim(blocks []BlockMeta) (wayID int)
}

// Policy names a replacement policy.
type Policy string

// Supported replacement policies.
const (
	PolicyLRU    Policy = "lru"
	PolicyFIFO   Policy = "fifo"
	PolicyRandom Policy = "random"
)

// ParsePolicy converts a policy name. Matching is case-insensitive.
func ParsePolicy(s string) (Policy, error) {
	p := Policy(strings.ToLower(strings.TrimSpace(s)))

	switch p {
	case PolicyLRU, PolicyFIFO, PolicyRandom:
		return p, nil
	default:
		return "", mem.NewConfigError("tagging", "replacement_policy", s,
			"must be one of lru, fifo, random")
	}
}

// NewVictimFinder creates the victim finder of a policy. The seed is only
// used by the random policy.
func NewVictimFinder(p Policy, seed uint64) (VictimFinder, error) {
	switch p {
	case PolicyLRU:
		return NewLRUVictimFinder(), nil
	case PolicyFIFO:
		return NewFIFOVictimFinder(), nil
	case PolicyRandom:
		return NewRandomVictimFinder(seed), nil
	default:
		return nil, mem.NewConfigError("tagging", "replacement_policy", p,
			"must be one of lru, fifo, random")
	}
}

// LRUVictimFinder evicts the least recently used block.
type LRUVictimFinder struct {
}

// NewLRUVictimFinder returns a newly constructed lru evictor
func NewLRUVictimFinder() *LRUVictimFinder {
	return &LRUVictimFinder{}
}

// FindVictim returns the block with the smallest last-used clock.
func (e *LRUVictimFinder) FindVictim(blocks []BlockMeta) int {
	victim := 0
	for i := 1; i < len(blocks); i++ {
		if blocks[i].LastUsed < blocks[victim].LastUsed {
			victim = i
		}
	}

	return blocks[victim].WayID
}

// FIFOVictimFinder evicts the block that was filled first, regardless of how
// often it has been used since.
type FIFOVictimFinder struct {
}

// NewFIFOVictimFinder returns a fifo evictor.
func NewFIFOVictimFinder() *FIFOVictimFinder {
	return &FIFOVictimFinder{}
}

// FindVictim returns the block with the smallest fill sequence number.
func (e *FIFOVictimFinder) FindVictim(blocks []BlockMeta) int {
	victim := 0
	for i := 1; i < len(blocks); i++ {
		if blocks[i].FilledAt < blocks[victim].FilledAt {
			victim = i
		}
	}

	return blocks[victim].WayID
}

// RandomVictimFinder evicts a uniformly chosen block. The sequence of choices
// is fixed by the seed so that simulations are reproducible.
type RandomVictimFinder struct {
	rand *rand.Rand
}

// NewRandomVictimFinder returns a random evictor.
func NewRandomVictimFinder(seed uint64) *RandomVictimFinder {
	return &RandomVictimFinder{
		rand: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// FindVictim returns a random block.
func (e *RandomVictimFinder) FindVictim(blocks []BlockMeta) int {
	if len(blocks) == 0 {
		panic(mem.InvariantViolation("victim requested from an empty set"))
	}

	return blocks[e.rand.IntN(len(blocks))].WayID
}
