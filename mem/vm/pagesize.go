// Package vm defines the virtual-memory vocabulary shared by the TLB and the
// page-table walker: page sizes, permissions, page-table formats, page-table
// entries, the page table itself, and translation faults.
package vm

import (
	"fmt"
	"strings"

	"github.com/sarchlab/memhier/mem/mem"
)

// PageSize is the size of a page in bytes.
type PageSize uint64

// Supported page sizes.
const (
	Page4K PageSize = 4 * PageSize(mem.KB)
	Page2M PageSize = 2 * PageSize(mem.MB)
	Page1G PageSize = 1 * PageSize(mem.GB)
)

// Log2 returns the number of offset bits of the page.
func (s PageSize) Log2() int {
	n, ok := mem.Log2(uint64(s))
	if !ok {
		panic(mem.InvariantViolation("page size %d is not a power of two",
			uint64(s)))
	}

	return n
}

// Mask returns the offset mask of the page.
func (s PageSize) Mask() uint64 {
	return uint64(s) - 1
}

// Base returns the address of the page that contains addr.
func (s PageSize) Base(addr uint64) uint64 {
	return addr &^ s.Mask()
}

// PageNumber returns the page number of addr.
func (s PageSize) PageNumber(addr uint64) uint64 {
	return addr >> s.Log2()
}

func (s PageSize) String() string {
	switch s {
	case Page4K:
		return "4K"
	case Page2M:
		return "2M"
	case Page1G:
		return "1G"
	default:
		return fmt.Sprintf("%dB", uint64(s))
	}
}

// ParsePageSize accepts "4K", "2M", "1G" (with an optional "B" or "iB"
// suffix) and plain byte counts.
func ParsePageSize(s string) (PageSize, error) {
	t := strings.ToUpper(strings.TrimSpace(s))
	t = strings.TrimSuffix(t, "IB")
	t = strings.TrimSuffix(t, "B")

	switch t {
	case "4K", "4096":
		return Page4K, nil
	case "2M", "2097152":
		return Page2M, nil
	case "1G", "1073741824":
		return Page1G, nil
	default:
		return 0, mem.NewConfigError("vm", "page_size", s,
			"must be one of 4K, 2M, 1G")
	}
}

// PageSizes lists the supported page sizes from the smallest to the largest.
func PageSizes() []PageSize {
	return []PageSize{Page4K, Page2M, Page1G}
}
