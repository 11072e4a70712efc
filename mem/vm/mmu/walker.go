// Package mmu provides the page-table walker that translates a virtual
// address by reading a radix page table level by level.
package mmu

import (
	"fmt"
	"log"

	"github.com/sarchlab/memhier/mem/vm"
)

// WalkState is the state of a walk.
type WalkState int

// A walk starts, visits the levels from the root down, and stops either in
// WalkDone or in WalkFault.
const (
	WalkStart WalkState = iota
	WalkLevel
	WalkDone
	WalkFault
)

func (s WalkState) String() string {
	switch s {
	case WalkStart:
		return "Start"
	case WalkLevel:
		return "Level"
	case WalkDone:
		return "Done"
	case WalkFault:
		return "Fault"
	default:
		return fmt.Sprintf("WalkState(%d)", int(s))
	}
}

// A WalkStep records one page-table read.
type WalkStep struct {
	Level     int
	TableBase uint64
	Index     uint64
	PTEAddr   uint64
	PTE       vm.PTE
}

func (s WalkStep) String() string {
	return fmt.Sprintf("L%d table=0x%x index=%d pte@0x%x: %s",
		s.Level, s.TableBase, s.Index, s.PTEAddr, s.PTE)
}

// WalkResult is the outcome of a walk. On a fault, only VAddr, Access and the
// steps taken before the fault are set.
type WalkResult struct {
	VAddr    uint64
	Access   vm.Access
	PAddr    uint64
	PPN      uint64
	PageSize vm.PageSize
	Level    int
	Perms    vm.Permissions
	Steps    []WalkStep
}

// Stats counts the work of a walker.
type Stats struct {
	Walks            uint64
	Faults           uint64
	PTEReads         uint64
	NotPresent       uint64
	PermissionFaults uint64
	InvalidAddresses uint64
}

// A Walker translates virtual addresses by walking a page table. It never
// writes the page table.
type Walker struct {
	name   string
	format *vm.Format
	reader vm.PTEReader
	root   uint64
	logger *log.Logger

	stats Stats
}

// Name returns the name of the walker.
func (w *Walker) Name() string {
	return w.name
}

// Format returns the page-table format the walker reads.
func (w *Walker) Format() *vm.Format {
	return w.format
}

// Root returns the address of the root table.
func (w *Walker) Root() uint64 {
	return w.root
}

// SetRoot changes the root table.
func (w *Walker) SetRoot(root uint64) {
	w.root = root
}

// Stats returns a copy of the counters.
func (w *Walker) Stats() Stats {
	return w.stats
}

// ResetStats clears the counters.
func (w *Walker) ResetStats() {
	w.stats = Stats{}
}

// Walk translates va for an access. A translation failure is returned as a
// *vm.Fault together with the partial result.
func (w *Walker) Walk(va uint64, access vm.Access) (WalkResult, error) {
	t := &walkTxn{
		state:  WalkStart,
		va:     va,
		access: access,
	}

	w.stats.Walks++

	for t.state != WalkDone && t.state != WalkFault {
		w.step(t)
	}

	if t.fault != nil {
		w.countFault(t.fault)
		w.logger.Printf("%s: walk 0x%x %s: %v", w.name, va, access, t.fault)

		return t.result(), t.fault
	}

	w.logger.Printf("%s: walk 0x%x %s: pa 0x%x (%s page, %d reads)",
		w.name, va, access, t.paddr, t.pageSize, len(t.steps))

	return t.result(), nil
}

type walkTxn struct {
	state  WalkState
	va     uint64
	access vm.Access
	level  int
	table  uint64
	steps  []WalkStep
	fault  *vm.Fault

	leaf     vm.PTE
	paddr    uint64
	pageSize vm.PageSize
}

func (t *walkTxn) result() WalkResult {
	r := WalkResult{
		VAddr:  t.va,
		Access: t.access,
		Steps:  t.steps,
	}

	if t.state == WalkDone {
		r.PAddr = t.paddr
		r.PPN = t.leaf.PPN
		r.PageSize = t.pageSize
		r.Level = t.level
		r.Perms = t.leaf.Perms
	}

	return r
}

func (w *Walker) step(t *walkTxn) {
	switch t.state {
	case WalkStart:
		w.start(t)
	case WalkLevel:
		w.visitLevel(t)
	}
}

func (w *Walker) start(t *walkTxn) {
	t.level = w.format.Levels - 1
	t.table = w.root

	if !w.format.IsCanonical(t.va) {
		w.fail(t, vm.InvalidAddress)
		return
	}

	t.state = WalkLevel
}

func (w *Walker) visitLevel(t *walkTxn) {
	idx := w.format.Index(t.va, t.level)
	addr := t.table + idx*w.format.PTESize

	w.stats.PTEReads++
	pte := w.format.Decode(w.reader.ReadPTE(addr), t.level)

	t.steps = append(t.steps, WalkStep{
		Level:     t.level,
		TableBase: t.table,
		Index:     idx,
		PTEAddr:   addr,
		PTE:       pte,
	})

	if !pte.Present {
		w.fail(t, vm.NotPresent)
		return
	}

	if pte.Leaf || t.level == 0 {
		w.finish(t, pte)
		return
	}

	t.table = pte.PPN << w.format.PageOffsetBits
	t.level--
}

func (w *Walker) finish(t *walkTxn, leaf vm.PTE) {
	if !leaf.Perms.Allows(t.access) {
		w.fail(t, vm.PermissionFault)
		return
	}

	shift := w.format.LevelShift(t.level)
	t.leaf = leaf
	t.pageSize = w.format.PageSizeAt(t.level)
	t.paddr = leaf.PPN<<shift | t.va&t.pageSize.Mask()
	t.state = WalkDone
}

func (w *Walker) fail(t *walkTxn, kind vm.FaultKind) {
	t.fault = &vm.Fault{
		Kind:   kind,
		VAddr:  t.va,
		Level:  t.level,
		Access: t.access,
		Format: w.format.Name,
	}
	t.state = WalkFault
}

func (w *Walker) countFault(f *vm.Fault) {
	w.stats.Faults++

	switch f.Kind {
	case vm.NotPresent:
		w.stats.NotPresent++
	case vm.PermissionFault:
		w.stats.PermissionFaults++
	case vm.InvalidAddress:
		w.stats.InvalidAddresses++
	}
}
