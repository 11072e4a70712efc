package memsys

import (
	"io"
	"log"

	"github.com/sarchlab/memhier/config"
	"github.com/sarchlab/memhier/mem/cache"
	"github.com/sarchlab/memhier/mem/vipt"
	"github.com/sarchlab/memhier/mem/vm"
	"github.com/sarchlab/memhier/mem/vm/mmu"
	"github.com/sarchlab/memhier/mem/vm/tlb"
)

// A Builder can build memory systems.
type Builder struct {
	cfg    config.Config
	sink   WriteSink
	logger *log.Logger
}

// MakeBuilder returns a Builder with the default configuration.
func MakeBuilder() Builder {
	return Builder{
		cfg: config.Defaults(),
	}
}

// WithConfig sets the configuration.
func (b Builder) WithConfig(cfg config.Config) Builder {
	b.cfg = cfg
	return b
}

// WithWriteSink sets where dirty lines are written back.
func (b Builder) WithWriteSink(sink WriteSink) Builder {
	b.sink = sink
	return b
}

// WithLogger sets the logger shared by all the parts of the system.
func (b Builder) WithLogger(logger *log.Logger) Builder {
	b.logger = logger
	return b
}

// Build creates a system. An invalid configuration, including an unsafe
// VIPT cache under the reject policy, is a ConfigError.
func (b Builder) Build(name string) (*System, error) {
	if err := b.cfg.Validate(); err != nil {
		return nil, err
	}

	r, err := b.cfg.Resolve()
	if err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	s := &System{
		name:     name,
		cfg:      b.cfg,
		indexing: r.Indexing,
		sink:     b.sink,
		logger:   logger,
	}

	if r.Indexing == cache.VIPT {
		report, err := b.checkVIPT(r, logger)
		if err != nil {
			return nil, err
		}

		s.viptCheck = &report
	}

	if err := b.buildParts(s, r, logger); err != nil {
		return nil, err
	}

	return s, nil
}

func (b Builder) checkVIPT(
	r config.Resolved,
	logger *log.Logger,
) (vipt.Report, error) {
	report, err := vipt.Analyze(b.cfg.Size, b.cfg.Associativity,
		b.cfg.BlockSize, uint64(r.PageSize))
	if err != nil {
		return vipt.Report{}, err
	}

	if err := vipt.Enforce(report, r.VIPTPolicy, logger); err != nil {
		return vipt.Report{}, err
	}

	return report, nil
}

func (b Builder) buildParts(
	s *System,
	r config.Resolved,
	logger *log.Logger,
) error {
	var err error

	s.pageTable, err = vm.NewPageTable(r.Format, b.cfg.PageTableBase)
	if err != nil {
		return err
	}

	s.walker, err = mmu.MakeBuilder().
		WithPageTable(s.pageTable).
		WithLogger(logger).
		Build(s.name + ".Walker")
	if err != nil {
		return err
	}

	s.tlb, err = tlb.MakeBuilder().
		WithNumEntries(b.cfg.TLBEntries).
		WithReplacementPolicy(r.TLBReplacementPolicy).
		WithRandomSeed(b.cfg.RandomSeed).
		WithTranslator(s.walker).
		WithLogger(logger).
		Build(s.name + ".TLB")
	if err != nil {
		return err
	}

	s.cache, err = cache.MakeBuilder().
		WithByteSize(b.cfg.Size).
		WithBlockSize(b.cfg.BlockSize).
		WithWayAssociativity(b.cfg.Associativity).
		WithAddressBits(b.cfg.AddressBits).
		WithReplacementPolicy(r.ReplacementPolicy).
		WithRandomSeed(b.cfg.RandomSeed).
		WithWritePolicy(r.WritePolicy).
		WithAllocatePolicy(r.AllocatePolicy).
		Build(s.name + ".Cache")

	return err
}
