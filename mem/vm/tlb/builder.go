package tlb

import (
	"io"
	"log"

	"github.com/sarchlab/memhier/mem/mem"
	"github.com/sarchlab/memhier/mem/tagging"
)

// A Builder can build TLBs.
type Builder struct {
	numEntries    int
	replacePolicy tagging.Policy
	randomSeed    uint64
	translator    Translator
	logger        *log.Logger
}

// MakeBuilder returns a Builder for a 64-entry LRU TLB.
func MakeBuilder() Builder {
	return Builder{
		numEntries:    64,
		replacePolicy: tagging.PolicyLRU,
	}
}

// WithNumEntries sets the number of entries. The TLB is fully associative,
// so this is also its associativity.
func (b Builder) WithNumEntries(n int) Builder {
	b.numEntries = n
	return b
}

// WithReplacementPolicy sets the policy used to pick the entry to evict.
func (b Builder) WithReplacementPolicy(p tagging.Policy) Builder {
	b.replacePolicy = p
	return b
}

// WithRandomSeed sets the seed of random replacement.
func (b Builder) WithRandomSeed(seed uint64) Builder {
	b.randomSeed = seed
	return b
}

// WithTranslator sets the component that resolves misses.
func (b Builder) WithTranslator(t Translator) Builder {
	b.translator = t
	return b
}

// WithLogger sets the logger that narrates misses.
func (b Builder) WithLogger(logger *log.Logger) Builder {
	b.logger = logger
	return b
}

// Build creates a TLB.
func (b Builder) Build(name string) (*Comp, error) {
	if b.translator == nil {
		return nil, mem.NewConfigError(name, "translator", nil, "must be set")
	}

	vf, err := tagging.NewVictimFinder(b.replacePolicy, b.randomSeed)
	if err != nil {
		return nil, err
	}

	tags, err := tagging.NewTags[Entry](1, b.numEntries, vf)
	if err != nil {
		return nil, mem.NewConfigError(name, "tlb_entries", b.numEntries,
			"must be at least 1")
	}

	logger := b.logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	c := &Comp{
		name:       name,
		numEntries: b.numEntries,
		tags:       tags,
		translator: b.translator,
		logger:     logger,
	}

	return c, nil
}
