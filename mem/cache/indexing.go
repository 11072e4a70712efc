package cache

import (
	"strings"

	"github.com/sarchlab/memhier/mem/mem"
)

// Indexing tells which addresses select the set and provide the tag of a
// cache placed behind a TLB.
type Indexing string

// Indexing modes.
const (
	// PIPT caches use the physical address for both the index and the tag.
	PIPT Indexing = "pipt"

	// VIPT caches take the index from the virtual address and the tag from
	// the physical address.
	VIPT Indexing = "vipt"

	// VIVT caches use the virtual address for both and must be flushed when
	// the address space changes.
	VIVT Indexing = "vivt"
)

// ParseIndexing converts an indexing mode name.
func ParseIndexing(s string) (Indexing, error) {
	i := Indexing(strings.ToLower(strings.TrimSpace(s)))

	switch i {
	case PIPT, VIPT, VIVT:
		return i, nil
	default:
		return "", mem.NewConfigError("cache", "indexing", s,
			"must be pipt, vipt, or vivt")
	}
}

// MakeRequest builds the cache request of an access whose virtual and
// physical addresses are known.
func (i Indexing) MakeRequest(kind AccessKind, va, pa uint64) Request {
	switch i {
	case VIPT:
		return Request{Kind: kind, Addr: pa, IndexAddr: va, SplitIndex: true}
	case VIVT:
		return Request{Kind: kind, Addr: va}
	default:
		return Request{Kind: kind, Addr: pa}
	}
}
