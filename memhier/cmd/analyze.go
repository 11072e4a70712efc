package cmd

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/sarchlab/memhier/config"
	"github.com/sarchlab/memhier/mem/cache"
	"github.com/sarchlab/memhier/mem/memsys"
	"github.com/sarchlab/memhier/mem/perf"
	"github.com/sarchlab/memhier/mem/vipt"
	"github.com/sarchlab/memhier/mem/vm"
	"github.com/sarchlab/memhier/mem/vm/tlb"
)

var describeCmd = &cobra.Command{
	Use:   "describe",
	Short: "Print the geometry of the configured memory system.",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		cfg, err := loadConfig(cmd)
		if err != nil {
			log.Fatalf("Error loading configuration: %v", err)
		}

		s, err := memsys.MakeBuilder().
			WithConfig(cfg).
			WithLogger(log.New(os.Stderr, "", 0)).
			Build("MemSys")
		if err != nil {
			log.Fatalf("Error building memory system: %v", err)
		}

		pageSize, _ := vm.ParsePageSize(cfg.PageSize)

		d := description{
			Config:   cfg,
			Indexing: s.Indexing(),
			Cache:    s.Cache().Geometry(),
			TLBReach: tlb.Reach(s.TLB().NumEntries(), pageSize),
			Format:   s.Walker().Format().Name,
		}

		if r, ok := s.VIPTReport(); ok {
			d.VIPT = r.String()
		}

		format, _ := cmd.Flags().GetString("format")
		if err := writeReport(os.Stdout, format, d); err != nil {
			log.Fatalf("Error writing description: %v", err)
		}
	},
}

type description struct {
	Config   config.Config  `yaml:"config" json:"config"`
	Indexing cache.Indexing `yaml:"indexing" json:"indexing"`
	Cache    cache.Geometry `yaml:"cache" json:"cache"`
	TLBReach uint64         `yaml:"tlb_reach" json:"tlb_reach"`
	Format   string         `yaml:"table_format" json:"table_format"`
	VIPT     string         `yaml:"vipt,omitempty" json:"vipt,omitempty"`
}

var viptCmd = &cobra.Command{
	Use:   "vipt",
	Short: "Check whether a VIPT cache can hold synonyms.",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		size, _ := cmd.Flags().GetUint64("cache-size")
		assoc, _ := cmd.Flags().GetInt("associativity")
		block, _ := cmd.Flags().GetUint64("block-size")
		page, _ := cmd.Flags().GetString("page-size")

		pageSize, err := vm.ParsePageSize(page)
		if err != nil {
			log.Fatalf("Error: %v", err)
		}

		r, err := vipt.Analyze(size, assoc, block, uint64(pageSize))
		if err != nil {
			log.Fatalf("Error: %v", err)
		}

		fmt.Println(r)

		if !r.Safe {
			fmt.Printf("%d index bits come from the virtual page number\n",
				r.VPNIndexBits)
		}
	},
}

var ematCmd = &cobra.Command{
	Use:   "emat",
	Short: "Compute the effective memory access time of one cache level.",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		hitTime, _ := cmd.Flags().GetFloat64("hit-time")
		missRate, _ := cmd.Flags().GetFloat64("miss-rate")
		missPenalty, _ := cmd.Flags().GetFloat64("miss-penalty")

		if err := perf.ValidateRate("miss-rate", missRate); err != nil {
			log.Fatalf("Error: %v", err)
		}

		fmt.Printf("EMAT: %.4f cycles\n",
			perf.EMATSingleLevel(hitTime, missRate, missPenalty))
	},
}

var cpiCmd = &cobra.Command{
	Use:   "cpi",
	Short: "Compute CPI and IPC with memory stalls.",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		var p perf.CPIParams

		p.BaseCPI, _ = cmd.Flags().GetFloat64("base-cpi")
		p.InstPerInstr, _ = cmd.Flags().GetFloat64("inst-refs")
		p.DataPerInstr, _ = cmd.Flags().GetFloat64("data-refs")
		p.InstMissRate, _ = cmd.Flags().GetFloat64("inst-miss-rate")
		p.DataMissRate, _ = cmd.Flags().GetFloat64("data-miss-rate")
		p.MissPenalty, _ = cmd.Flags().GetFloat64("miss-penalty")

		for name, rate := range map[string]float64{
			"inst-miss-rate": p.InstMissRate,
			"data-miss-rate": p.DataMissRate,
		} {
			if err := perf.ValidateRate(name, rate); err != nil {
				log.Fatalf("Error: %v", err)
			}
		}

		cpi := perf.CPI(p)

		ipc, err := perf.IPC(cpi)
		if err != nil {
			log.Fatalf("Error: %v", err)
		}

		fmt.Printf("CPI: %.4f\nIPC: %.4f\n", cpi, ipc)
	},
}

func init() {
	rootCmd.AddCommand(describeCmd)
	describeCmd.Flags().String("format", "yaml", "output format, yaml or json")

	rootCmd.AddCommand(viptCmd)
	viptCmd.Flags().Uint64("cache-size", 32768, "cache size in bytes")
	viptCmd.Flags().Int("associativity", 4, "number of ways")
	viptCmd.Flags().Uint64("block-size", 64, "block size in bytes")
	viptCmd.Flags().String("page-size", "4K", "page size, 4K, 2M, or 1G")

	rootCmd.AddCommand(ematCmd)
	ematCmd.Flags().Float64("hit-time", 1, "hit time in cycles")
	ematCmd.Flags().Float64("miss-rate", 0.05, "miss rate")
	ematCmd.Flags().Float64("miss-penalty", 200, "miss penalty in cycles")

	rootCmd.AddCommand(cpiCmd)
	cpiCmd.Flags().Float64("base-cpi", 1, "CPI without memory stalls")
	cpiCmd.Flags().Float64("inst-refs", 1, "instruction fetches per instruction")
	cpiCmd.Flags().Float64("data-refs", 0.3, "data references per instruction")
	cpiCmd.Flags().Float64("inst-miss-rate", 0.02, "instruction miss rate")
	cpiCmd.Flags().Float64("data-miss-rate", 0.05, "data miss rate")
	cpiCmd.Flags().Float64("miss-penalty", 100, "miss penalty in cycles")
}

func addTimingFlags(cmd *cobra.Command) {
	t := perf.DefaultTiming()

	cmd.Flags().Float64("tlb-hit-time", t.TLBHitTime, "TLB hit time in cycles")
	cmd.Flags().Float64("page-walk-time", t.PageWalkTime,
		"page walk time in cycles")
	cmd.Flags().Float64("cache-hit-time", t.CacheHitTime,
		"cache hit time in cycles")
	cmd.Flags().Float64("cache-miss-penalty", t.CacheMissPenalty,
		"cache miss penalty in cycles")
}

func timingFromFlags(cmd *cobra.Command) (perf.Timing, error) {
	var (
		t   perf.Timing
		err error
	)

	if t.TLBHitTime, err = cmd.Flags().GetFloat64("tlb-hit-time"); err != nil {
		return t, err
	}

	if t.PageWalkTime, err = cmd.Flags().GetFloat64("page-walk-time"); err != nil {
		return t, err
	}

	if t.CacheHitTime, err = cmd.Flags().GetFloat64("cache-hit-time"); err != nil {
		return t, err
	}

	t.CacheMissPenalty, err = cmd.Flags().GetFloat64("cache-miss-penalty")

	return t, err
}
