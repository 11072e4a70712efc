package perf

import (
	"github.com/sarchlab/memhier/mem/cache"
	"github.com/sarchlab/memhier/mem/vm/tlb"
)

// Timing holds the latencies of a simulated hierarchy, in cycles.
type Timing struct {
	TLBHitTime       float64 `json:"tlb_hit_time" yaml:"tlb_hit_time"`
	PageWalkTime     float64 `json:"page_walk_time" yaml:"page_walk_time"`
	CacheHitTime     float64 `json:"cache_hit_time" yaml:"cache_hit_time"`
	CacheMissPenalty float64 `json:"cache_miss_penalty" yaml:"cache_miss_penalty"`
}

// DefaultTiming returns the latencies used when none are given: a one-cycle
// TLB and cache, a 200-cycle memory, and four memory reads per walk.
func DefaultTiming() Timing {
	return Timing{
		TLBHitTime:       1,
		PageWalkTime:     800,
		CacheHitTime:     1,
		CacheMissPenalty: 200,
	}
}

// An Estimate is derived from the statistics of a simulation.
type Estimate struct {
	CacheMissRate float64 `json:"cache_miss_rate" yaml:"cache_miss_rate"`
	TLBMissRate   float64 `json:"tlb_miss_rate" yaml:"tlb_miss_rate"`
	CacheEMAT     float64 `json:"cache_emat" yaml:"cache_emat"`
	TLBOverhead   float64 `json:"tlb_overhead" yaml:"tlb_overhead"`
	Combined      float64 `json:"combined" yaml:"combined"`
}

// FromStats estimates the access times of a simulated cache and TLB.
func FromStats(t Timing, cs cache.Stats, ts tlb.Stats) Estimate {
	e := Estimate{
		CacheMissRate: cs.MissRate(),
		TLBMissRate:   ts.MissRate(),
	}

	e.CacheEMAT = EMATSingleLevel(t.CacheHitTime, e.CacheMissRate,
		t.CacheMissPenalty)
	e.TLBOverhead = TLBOverhead(t.TLBHitTime, e.TLBMissRate, t.PageWalkTime)
	e.Combined = CombinedCacheTLB(CombinedParams{
		TLBHitTime:       t.TLBHitTime,
		TLBMissRate:      e.TLBMissRate,
		PageWalkTime:     t.PageWalkTime,
		CacheHitTime:     t.CacheHitTime,
		CacheMissRate:    e.CacheMissRate,
		CacheMissPenalty: t.CacheMissPenalty,
	})

	return e
}
