// Package memsys connects a TLB, a page-table walker, and a cache into the
// access path of a single core: translate, then look up the cache.
package memsys

import (
	"fmt"
	"log"

	"github.com/sarchlab/memhier/config"
	"github.com/sarchlab/memhier/instrumentation/hooking"
	"github.com/sarchlab/memhier/mem/cache"
	"github.com/sarchlab/memhier/mem/vipt"
	"github.com/sarchlab/memhier/mem/vm"
	"github.com/sarchlab/memhier/mem/vm/mmu"
	"github.com/sarchlab/memhier/mem/vm/tlb"
)

// Hook positions of a System.
var (
	// HookPosAccess is triggered after every access that translated. The
	// item is the Result.
	HookPosAccess = &hooking.HookPos{Name: "Access"}

	// HookPosFault is triggered when a translation faults. The item is the
	// Result, the detail is the *vm.Fault.
	HookPosFault = &hooking.HookPos{Name: "Fault"}

	// HookPosWriteBack is triggered for every dirty line sent to memory. The
	// item is the cache.EvictedLine.
	HookPosWriteBack = &hooking.HookPos{Name: "WriteBack"}

	// HookPosContextSwitch is triggered after a context switch. The detail
	// is the number of TLB entries removed.
	HookPosContextSwitch = &hooking.HookPos{Name: "ContextSwitch"}
)

// A WriteSink receives the dirty lines the cache writes back to memory.
type WriteSink interface {
	WriteBack(line cache.EvictedLine)
}

// A Request is an access issued by the core.
type Request struct {
	Kind  vm.AccessKind
	VAddr uint64
	User  bool
}

// A Result is the outcome of an access. Fault is set, and the other parts
// are left empty, when the translation failed.
type Result struct {
	Request     Request
	PAddr       uint64
	Translation tlb.Result
	Cache       cache.AccessResult
	Fault       *vm.Fault
}

// Stats is a snapshot of the counters of every part of a System.
type Stats struct {
	Accesses        uint64
	Faults          uint64
	ContextSwitches uint64
	WriteBacks      uint64

	Cache  cache.Stats
	TLB    tlb.Stats
	Walker mmu.Stats

	PageTables  int
	MappedPages int
}

// System is the memory hierarchy seen by one core.
type System struct {
	hooking.HookableBase

	name      string
	cfg       config.Config
	indexing  cache.Indexing
	viptCheck *vipt.Report

	pageTable *vm.PageTable
	walker    *mmu.Walker
	tlb       *tlb.Comp
	cache     *cache.Comp
	sink      WriteSink
	logger    *log.Logger

	accesses        uint64
	faults          uint64
	contextSwitches uint64
	writeBacks      uint64
}

// Name returns the name of the system.
func (s *System) Name() string {
	return s.name
}

// Config returns the configuration the system was built with.
func (s *System) Config() config.Config {
	return s.cfg
}

// Indexing returns how the cache is indexed.
func (s *System) Indexing() cache.Indexing {
	return s.indexing
}

// VIPTReport returns the VIPT analysis of the cache. It returns false when
// the cache is not virtually indexed and physically tagged.
func (s *System) VIPTReport() (vipt.Report, bool) {
	if s.viptCheck == nil {
		return vipt.Report{}, false
	}

	return *s.viptCheck, true
}

// PageTable returns the page table of the system.
func (s *System) PageTable() *vm.PageTable {
	return s.pageTable
}

// Walker returns the page-table walker.
func (s *System) Walker() *mmu.Walker {
	return s.walker
}

// TLB returns the TLB.
func (s *System) TLB() *tlb.Comp {
	return s.tlb
}

// Cache returns the cache.
func (s *System) Cache() *cache.Comp {
	return s.cache
}

// MapPage maps a page and removes stale translations of it from the TLB.
func (s *System) MapPage(
	va, pa uint64,
	size vm.PageSize,
	perms vm.Permissions,
) error {
	if err := s.pageTable.MapPage(va, pa, size, perms); err != nil {
		return err
	}

	s.tlb.Invalidate(va)

	return nil
}

// UnmapPage removes the page mapping va from the page table and the TLB.
func (s *System) UnmapPage(va uint64) (vm.PageSize, bool) {
	size, ok := s.pageTable.UnmapPage(va)
	if ok {
		s.tlb.Invalidate(va)
	}

	return size, ok
}

// Read loads from a virtual address in supervisor mode.
func (s *System) Read(va uint64) (Result, error) {
	return s.Access(Request{Kind: vm.AccessRead, VAddr: va})
}

// Write stores to a virtual address in supervisor mode.
func (s *System) Write(va uint64) (Result, error) {
	return s.Access(Request{Kind: vm.AccessWrite, VAddr: va})
}

// Execute fetches an instruction from a virtual address in supervisor mode.
func (s *System) Execute(va uint64) (Result, error) {
	return s.Access(Request{Kind: vm.AccessExecute, VAddr: va})
}

// Access translates the virtual address of a request and accesses the cache
// with the addresses the indexing mode requires. A translation fault is
// reported in the result with a nil error. Errors are reserved for addresses
// the cache cannot represent.
func (s *System) Access(req Request) (Result, error) {
	s.accesses++

	res := Result{Request: req}

	tr, err := s.tlb.Translate(tlb.Request{
		VAddr:  req.VAddr,
		Access: vm.Access{Kind: req.Kind, User: req.User},
	})
	res.Translation = tr

	if err != nil {
		fault, ok := vm.AsFault(err)
		if !ok {
			return res, fmt.Errorf("translating 0x%x: %w", req.VAddr, err)
		}

		s.faults++
		res.Fault = fault

		s.logger.Printf("%s: %s 0x%x faulted: %v",
			s.name, req.Kind, req.VAddr, fault)
		s.InvokeHook(hooking.HookCtx{
			Domain: s,
			Pos:    HookPosFault,
			Item:   res,
			Detail: fault,
		})

		return res, nil
	}

	res.PAddr = tr.PAddr

	kind := cache.AccessRead
	if req.Kind == vm.AccessWrite {
		kind = cache.AccessWrite
	}

	cr, err := s.cache.Access(s.indexing.MakeRequest(kind, req.VAddr, tr.PAddr))
	if err != nil {
		return res, err
	}

	res.Cache = cr

	if cr.Evicted != nil {
		s.writeBack(*cr.Evicted)
	}

	s.InvokeHook(hooking.HookCtx{
		Domain: s,
		Pos:    HookPosAccess,
		Item:   res,
	})

	return res, nil
}

func (s *System) writeBack(line cache.EvictedLine) {
	s.writeBacks++

	if s.sink != nil {
		s.sink.WriteBack(line)
	}

	s.InvokeHook(hooking.HookCtx{
		Domain: s,
		Pos:    HookPosWriteBack,
		Item:   line,
	})
}

// ContextSwitch removes the non-global TLB entries. A virtually indexed and
// tagged cache is also flushed, as its lines would alias in the next
// address space.
func (s *System) ContextSwitch() {
	s.contextSwitches++

	removed := s.tlb.Flush()

	if s.indexing == cache.VIVT {
		for _, line := range s.cache.Flush() {
			s.writeBack(line)
		}
	}

	s.logger.Printf("%s: context switch, %d TLB entries removed",
		s.name, removed)
	s.InvokeHook(hooking.HookCtx{
		Domain: s,
		Pos:    HookPosContextSwitch,
		Detail: removed,
	})
}

// Flush writes back every dirty line and empties the cache and the TLB.
func (s *System) Flush() []cache.EvictedLine {
	lines := s.cache.Flush()
	for _, line := range lines {
		s.writeBack(line)
	}

	s.tlb.FlushAll()

	return lines
}

// Stats returns a snapshot of all the counters.
func (s *System) Stats() Stats {
	return Stats{
		Accesses:        s.accesses,
		Faults:          s.faults,
		ContextSwitches: s.contextSwitches,
		WriteBacks:      s.writeBacks,
		Cache:           s.cache.Stats(),
		TLB:             s.tlb.Stats(),
		Walker:          s.walker.Stats(),
		PageTables:      s.pageTable.NumTables(),
		MappedPages:     s.pageTable.NumPages(),
	}
}

// Reset empties the cache and the TLB and clears every counter. The page
// table is kept.
func (s *System) Reset() {
	s.cache.Reset()
	s.tlb.Reset()
	s.walker.ResetStats()

	s.accesses = 0
	s.faults = 0
	s.contextSwitches = 0
	s.writeBacks = 0
}
