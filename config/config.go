// Package config holds the options of a simulated memory hierarchy and loads
// them from YAML files, env files, and the environment.
package config

import (
	"github.com/sarchlab/memhier/mem/cache"
	"github.com/sarchlab/memhier/mem/mem"
	"github.com/sarchlab/memhier/mem/tagging"
	"github.com/sarchlab/memhier/mem/vipt"
	"github.com/sarchlab/memhier/mem/vm"
)

// Config is the set of options recognized by the simulator. Invalid
// combinations are reported by Validate and never replaced by defaults.
type Config struct {
	Size              uint64 `yaml:"size" json:"size"`
	Associativity     int    `yaml:"associativity" json:"associativity"`
	BlockSize         uint64 `yaml:"block_size" json:"block_size"`
	AddressBits       int    `yaml:"address_bits" json:"address_bits"`
	PageSize          string `yaml:"page_size" json:"page_size"`
	TableFormat       string `yaml:"table_format" json:"table_format"`
	ReplacementPolicy string `yaml:"replacement_policy" json:"replacement_policy"`
	WritePolicy       string `yaml:"write_policy" json:"write_policy"`
	AllocatePolicy    string `yaml:"allocate_policy" json:"allocate_policy"`

	TLBEntries           int    `yaml:"tlb_entries" json:"tlb_entries"`
	TLBReplacementPolicy string `yaml:"tlb_replacement_policy" json:"tlb_replacement_policy"`
	Indexing             string `yaml:"indexing" json:"indexing"`
	VIPTPolicy           string `yaml:"vipt_policy" json:"vipt_policy"`
	PageTableBase        uint64 `yaml:"page_table_base" json:"page_table_base"`
	RandomSeed           uint64 `yaml:"random_seed" json:"random_seed"`
}

// Defaults returns the configuration of a small teaching hierarchy: a 4 KiB
// 4-way cache of 64-byte blocks over 32-bit addresses, 4 KiB Sv39 pages, and
// a 64-entry TLB.
func Defaults() Config {
	return Config{
		Size:                 4 * mem.KB,
		Associativity:        4,
		BlockSize:            64,
		AddressBits:          32,
		PageSize:             "4K",
		TableFormat:          "sv39",
		ReplacementPolicy:    "lru",
		WritePolicy:          string(cache.WriteBack),
		AllocatePolicy:       string(cache.WriteAllocate),
		TLBEntries:           64,
		TLBReplacementPolicy: "lru",
		Indexing:             string(cache.VIPT),
		VIPTPolicy:           string(vipt.PolicyWarn),
		PageTableBase:        0x8000_0000,
		RandomSeed:           1,
	}
}

// Resolved holds the typed values of a validated configuration.
type Resolved struct {
	PageSize             vm.PageSize
	Format               *vm.Format
	ReplacementPolicy    tagging.Policy
	WritePolicy          cache.WritePolicy
	AllocatePolicy       cache.AllocatePolicy
	TLBReplacementPolicy tagging.Policy
	Indexing             cache.Indexing
	VIPTPolicy           vipt.Policy
}

// Resolve parses the named options. It fails with the ConfigError of the
// first option that cannot be parsed.
func (c Config) Resolve() (Resolved, error) {
	var (
		r   Resolved
		err error
	)

	steps := []func() error{
		func() error { r.PageSize, err = vm.ParsePageSize(c.PageSize); return err },
		func() error { r.Format, err = vm.ParseFormat(c.TableFormat); return err },
		func() error {
			r.ReplacementPolicy, err = tagging.ParsePolicy(c.ReplacementPolicy)
			return err
		},
		func() error {
			r.WritePolicy, err = cache.ParseWritePolicy(c.WritePolicy)
			return err
		},
		func() error {
			r.AllocatePolicy, err = cache.ParseAllocatePolicy(c.AllocatePolicy)
			return err
		},
		func() error {
			r.TLBReplacementPolicy, err = tagging.ParsePolicy(
				c.TLBReplacementPolicy)
			return err
		},
		func() error { r.Indexing, err = cache.ParseIndexing(c.Indexing); return err },
		func() error { r.VIPTPolicy, err = vipt.ParsePolicy(c.VIPTPolicy); return err },
	}

	for _, step := range steps {
		if err := step(); err != nil {
			return Resolved{}, err
		}
	}

	return r, nil
}

// Validate checks every option and the rules that tie them together.
func (c Config) Validate() error {
	r, err := c.Resolve()
	if err != nil {
		return err
	}

	if err := c.checkSizes(r); err != nil {
		return err
	}

	if c.TLBEntries < 1 {
		return mem.NewConfigError("config", "tlb_entries", c.TLBEntries,
			"must be at least 1")
	}

	if _, err := r.Format.LeafLevel(r.PageSize); err != nil {
		return err
	}

	if c.PageTableBase&(r.Format.TableSize()-1) != 0 {
		return mem.NewConfigError("config", "page_table_base",
			c.PageTableBase, "must be aligned to a page-table frame")
	}

	return nil
}

func (c Config) checkSizes(r Resolved) error {
	_, err := cache.MakeBuilder().
		WithByteSize(c.Size).
		WithBlockSize(c.BlockSize).
		WithWayAssociativity(c.Associativity).
		WithAddressBits(c.AddressBits).
		WithReplacementPolicy(r.ReplacementPolicy).
		WithWritePolicy(r.WritePolicy).
		WithAllocatePolicy(r.AllocatePolicy).
		Build("config")
	if err != nil {
		return err
	}

	pageOffsetBits := r.PageSize.Log2()
	if c.AddressBits < pageOffsetBits+1 {
		return mem.NewConfigError("config", "address_bits", c.AddressBits,
			"must be at least page offset bits + 1")
	}

	return nil
}
