package cache

// Stats counts the accesses served by a cache. Counters only grow until the
// cache is reset.
type Stats struct {
	Reads        uint64
	Writes       uint64
	ReadHits     uint64
	ReadMisses   uint64
	WriteHits    uint64
	WriteMisses  uint64
	Evictions    uint64
	WriteBacks   uint64
	MemoryWrites uint64
	Bypasses     uint64
	Flushes      uint64
}

// Accesses returns the number of reads and writes.
func (s Stats) Accesses() uint64 {
	return s.Reads + s.Writes
}

// Hits returns the number of read and write hits.
func (s Stats) Hits() uint64 {
	return s.ReadHits + s.WriteHits
}

// Misses returns the number of read and write misses.
func (s Stats) Misses() uint64 {
	return s.ReadMisses + s.WriteMisses
}

// HitRate returns hits over accesses, or 0 if there was no access.
func (s Stats) HitRate() float64 {
	if s.Accesses() == 0 {
		return 0
	}

	return float64(s.Hits()) / float64(s.Accesses())
}

// MissRate returns misses over accesses, or 0 if there was no access.
func (s Stats) MissRate() float64 {
	if s.Accesses() == 0 {
		return 0
	}

	return float64(s.Misses()) / float64(s.Accesses())
}
