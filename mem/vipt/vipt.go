// Package vipt checks whether a cache can be virtually indexed and physically
// tagged without synonyms.
//
// A virtually-indexed cache looks up its set before the translation is done.
// If every index bit comes from the page offset, which translation does not
// change, two virtual aliases of one physical line always select the same
// set. Otherwise they may land in different sets.
package vipt

import (
	"fmt"
	"log"
	"strings"

	"github.com/sarchlab/memhier/mem/mem"
)

// Classification is the human-readable verdict of an analysis.
type Classification string

// Classifications.
const (
	Safe   Classification = "SAFE"
	Unsafe Classification = "UNSAFE (synonym possible)"
)

// IsSafe applies the VIPT rule: the index must not be wider than the page
// offset.
func IsSafe(indexBits, pageOffsetBits int) bool {
	return indexBits <= pageOffsetBits
}

// A Report describes a cache configuration with respect to the VIPT rule.
type Report struct {
	CacheSize      uint64
	Associativity  int
	BlockSize      uint64
	PageSize       uint64
	NumSets        int
	OffsetBits     int
	IndexBits      int
	PageOffsetBits int
	Safe           bool
	Classification Classification

	// VPNIndexBits is the number of index bits above the page offset, which
	// translation may change.
	VPNIndexBits int
}

func (r Report) String() string {
	return fmt.Sprintf(
		"%d sets, index bits %d, page offset bits %d: %s",
		r.NumSets, r.IndexBits, r.PageOffsetBits, r.Classification)
}

// Analyze derives the index width of a cache and classifies it. It fails with
// a ConfigError if the sizes do not describe a valid cache.
func Analyze(
	cacheSize uint64,
	associativity int,
	blockSize uint64,
	pageSize uint64,
) (Report, error) {
	if err := checkSizes(cacheSize, associativity, blockSize, pageSize); err != nil {
		return Report{}, err
	}

	numSets := cacheSize / (blockSize * uint64(associativity))
	offsetBits, _ := mem.Log2(blockSize)
	indexBits, _ := mem.Log2(numSets)
	pageOffsetBits, _ := mem.Log2(pageSize)

	r := Report{
		CacheSize:      cacheSize,
		Associativity:  associativity,
		BlockSize:      blockSize,
		PageSize:       pageSize,
		NumSets:        int(numSets),
		OffsetBits:     offsetBits,
		IndexBits:      indexBits,
		PageOffsetBits: pageOffsetBits,
		Safe:           IsSafe(indexBits, pageOffsetBits),
		VPNIndexBits:   max(0, offsetBits+indexBits-pageOffsetBits),
	}

	r.Classification = Unsafe
	if r.Safe {
		r.Classification = Safe
	}

	return r, nil
}

func checkSizes(
	cacheSize uint64,
	associativity int,
	blockSize uint64,
	pageSize uint64,
) error {
	switch {
	case !mem.IsPowerOfTwo(cacheSize):
		return mem.NewConfigError("vipt", "size", cacheSize,
			"must be a power of two")
	case associativity < 1 || !mem.IsPowerOfTwo(uint64(associativity)):
		return mem.NewConfigError("vipt", "associativity", associativity,
			"must be a power of two")
	case !mem.IsPowerOfTwo(blockSize):
		return mem.NewConfigError("vipt", "block_size", blockSize,
			"must be a power of two")
	case !mem.IsPowerOfTwo(pageSize):
		return mem.NewConfigError("vipt", "page_size", pageSize,
			"must be a power of two")
	case blockSize*uint64(associativity) > cacheSize:
		return mem.NewConfigError("vipt", "size", cacheSize,
			"must hold at least one set")
	}

	return nil
}

// Policy decides what happens to an unsafe configuration.
type Policy string

// Policies.
const (
	PolicyWarn   Policy = "warn"
	PolicyReject Policy = "reject"
)

// ParsePolicy converts a policy name.
func ParsePolicy(s string) (Policy, error) {
	p := Policy(strings.ToLower(strings.TrimSpace(s)))

	switch p {
	case PolicyWarn, PolicyReject:
		return p, nil
	default:
		return "", mem.NewConfigError("vipt", "vipt_policy", s,
			"must be warn or reject")
	}
}

// Enforce applies a policy to a report. Under PolicyReject an unsafe report
// is a ConfigError. Under PolicyWarn it is logged and accepted.
func Enforce(r Report, p Policy, logger *log.Logger) error {
	if r.Safe {
		return nil
	}

	switch p {
	case PolicyReject:
		return mem.NewConfigError("vipt", "index_bits", r.IndexBits,
			fmt.Sprintf("VIPT requires index bits <= page offset bits (%d)",
				r.PageOffsetBits))
	case PolicyWarn:
		if logger != nil {
			logger.Printf("warning: VIPT cache is unsafe: %s", r)
		}

		return nil
	default:
		return mem.NewConfigError("vipt", "vipt_policy", p,
			"must be warn or reject")
	}
}
