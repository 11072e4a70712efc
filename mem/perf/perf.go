// Package perf provides closed-form performance estimates for a memory
// hierarchy: effective memory access time, CPI with memory stalls, and TLB
// overhead. Times are in cycles and rates in [0, 1].
package perf

import (
	"github.com/sarchlab/memhier/mem/mem"
)

// A Level is one cache level of a hierarchy.
type Level struct {
	HitTime  float64
	MissRate float64
}

// EMAT returns the effective memory access time of a hierarchy whose last
// level misses to a memory of the given access time:
//
//	EMAT = H1 + M1 * (H2 + M2 * (... + Mn * memTime))
func EMAT(levels []Level, memTime float64) float64 {
	t := memTime
	for i := len(levels) - 1; i >= 0; i-- {
		t = levels[i].HitTime + levels[i].MissRate*t
	}

	return t
}

// EMATSingleLevel is hit time + miss rate x miss penalty.
func EMATSingleLevel(hitTime, missRate, missPenalty float64) float64 {
	return EMAT([]Level{{HitTime: hitTime, MissRate: missRate}}, missPenalty)
}

// EMATMultiLevel is the EMAT of an L1 backed by an L2.
func EMATMultiLevel(
	l1Hit, l1MissRate, l2Hit, l2MissRate, memTime float64,
) float64 {
	return EMAT([]Level{
		{HitTime: l1Hit, MissRate: l1MissRate},
		{HitTime: l2Hit, MissRate: l2MissRate},
	}, memTime)
}

// EMATThreeLevel is the EMAT of an L1, L2, L3 hierarchy.
func EMATThreeLevel(
	l1Hit, l1MissRate,
	l2Hit, l2MissRate,
	l3Hit, l3MissRate,
	memTime float64,
) float64 {
	return EMAT([]Level{
		{HitTime: l1Hit, MissRate: l1MissRate},
		{HitTime: l2Hit, MissRate: l2MissRate},
		{HitTime: l3Hit, MissRate: l3MissRate},
	}, memTime)
}

// CPIParams describes the memory behavior of a workload.
type CPIParams struct {
	BaseCPI      float64
	InstPerInstr float64
	DataPerInstr float64
	InstMissRate float64
	DataMissRate float64
	MissPenalty  float64
}

// CPI returns the base CPI plus the instruction and data stall cycles.
func CPI(p CPIParams) float64 {
	instStalls := p.InstPerInstr * p.InstMissRate * p.MissPenalty
	dataStalls := p.DataPerInstr * p.DataMissRate * p.MissPenalty

	return p.BaseCPI + instStalls + dataStalls
}

// TLBOverhead returns the average translation time.
func TLBOverhead(tlbHitTime, tlbMissRate, pageWalkTime float64) float64 {
	return tlbHitTime + tlbMissRate*pageWalkTime
}

// CombinedParams describes a TLB in front of a cache.
type CombinedParams struct {
	TLBHitTime       float64
	TLBMissRate      float64
	PageWalkTime     float64
	CacheHitTime     float64
	CacheMissRate    float64
	CacheMissPenalty float64
}

// CombinedCacheTLB returns the average access time over the four TLB
// hit/miss and cache hit/miss cases. A TLB miss costs the page walk instead
// of the TLB hit time.
func CombinedCacheTLB(p CombinedParams) float64 {
	tlbHit := 1 - p.TLBMissRate
	cacheHit := 1 - p.CacheMissRate

	return tlbHit*cacheHit*(p.TLBHitTime+p.CacheHitTime) +
		tlbHit*p.CacheMissRate*(p.TLBHitTime+p.CacheMissPenalty) +
		p.TLBMissRate*cacheHit*(p.PageWalkTime+p.CacheHitTime) +
		p.TLBMissRate*p.CacheMissRate*(p.PageWalkTime+p.CacheMissPenalty)
}

// Speedup returns oldTime / newTime.
func Speedup(oldTime, newTime float64) (float64, error) {
	if newTime <= 0 {
		return 0, mem.NewConfigError("perf", "time_new", newTime,
			"must be positive")
	}

	return oldTime / newTime, nil
}

// IPC returns the instructions per cycle of a CPI.
func IPC(cpi float64) (float64, error) {
	if cpi <= 0 {
		return 0, mem.NewConfigError("perf", "cpi", cpi, "must be positive")
	}

	return 1 / cpi, nil
}

// ValidateRate checks that a rate is a probability.
func ValidateRate(name string, rate float64) error {
	if rate < 0 || rate > 1 {
		return mem.NewConfigError("perf", name, rate, "must be in [0, 1]")
	}

	return nil
}
