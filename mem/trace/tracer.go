// Package trace provides hooks that record the accesses of a memory system,
// and the line-oriented trace files that drive it.
package trace

import (
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/fatih/structs"
	"github.com/rs/xid"

	"github.com/sarchlab/memhier/datarecording"
	"github.com/sarchlab/memhier/instrumentation/hooking"
	"github.com/sarchlab/memhier/mem/cache"
	"github.com/sarchlab/memhier/mem/memsys"
)

// Tables written by the DBTracer.
const (
	AccessTable    = "memhier_accesses"
	WriteBackTable = "memhier_writebacks"
	StatsTable     = "memhier_stats"
)

// AccessRecord is one access of a memory system. Fault is empty for
// accesses that translated.
type AccessRecord struct {
	ID       string
	Seq      uint64
	Location string
	Kind     string
	User     bool
	VAddr    uint64
	PAddr    uint64
	TLBHit   bool
	Walked   bool
	CacheHit bool
	Dirty    bool
	Fault    string
}

// WriteBackRecord is one dirty line written back to memory.
type WriteBackRecord struct {
	ID       string
	Seq      uint64
	Location string
	Tag      uint64
	SetIndex uint64
	Addr     uint64
}

// StatRecord is one counter of a memory system.
type StatRecord struct {
	Location string
	Name     string
	Value    float64
}

// A tracer is a hook that logs the actions of a memory system.
type tracer struct {
	logger *log.Logger
}

// NewTracer creates a hook that writes one line per event to the logger.
func NewTracer(logger *log.Logger) hooking.Hook {
	return &tracer{logger: logger}
}

func (t *tracer) Func(ctx hooking.HookCtx) {
	name := ctx.Domain.Name()

	switch ctx.Pos {
	case memsys.HookPosAccess:
		res := ctx.Item.(memsys.Result)
		t.logger.Printf("access, %s, %s, 0x%x, 0x%x, tlb=%s, cache=%s\n",
			name,
			res.Request.Kind,
			res.Request.VAddr,
			res.PAddr,
			hitOrMiss(res.Translation.Hit),
			hitOrMiss(res.Cache.Hit))
	case memsys.HookPosFault:
		res := ctx.Item.(memsys.Result)
		t.logger.Printf("fault, %s, %s, 0x%x, %s\n",
			name, res.Request.Kind, res.Request.VAddr, res.Fault.Kind)
	case memsys.HookPosWriteBack:
		line := ctx.Item.(cache.EvictedLine)
		t.logger.Printf("writeback, %s, 0x%x, tag=0x%x, set=%d\n",
			name, line.Addr, line.Tag, line.Index)
	case memsys.HookPosContextSwitch:
		t.logger.Printf("context-switch, %s, %v\n", name, ctx.Detail)
	}
}

func hitOrMiss(hit bool) string {
	if hit {
		return "hit"
	}

	return "miss"
}

// A DBTracer is a hook that records the actions of a memory system into a
// database using the data recorder.
type DBTracer struct {
	dataRecorder datarecording.DataRecorder
	seq          uint64
}

// NewDBTracer creates the tables of the records and returns a tracer that
// fills them.
func NewDBTracer(dataRecorder datarecording.DataRecorder) *DBTracer {
	t := &DBTracer{
		dataRecorder: dataRecorder,
	}

	t.dataRecorder.CreateTable(AccessTable, AccessRecord{})
	t.dataRecorder.CreateTable(WriteBackTable, WriteBackRecord{})
	t.dataRecorder.CreateTable(StatsTable, StatRecord{})

	return t
}

// MapTables maps the tables written by a DBTracer and an
// ExecRecorder so that the reader can query them.
func MapTables(reader datarecording.DataReader) {
	reader.MapTable(datarecording.ExecTable, datarecording.ExecInfo{})
	reader.MapTable(AccessTable, AccessRecord{})
	reader.MapTable(WriteBackTable, WriteBackRecord{})
	reader.MapTable(StatsTable, StatRecord{})
}

// Func records accesses, faults, and write-backs.
func (t *DBTracer) Func(ctx hooking.HookCtx) {
	switch ctx.Pos {
	case memsys.HookPosAccess, memsys.HookPosFault:
		t.recordAccess(ctx.Domain.Name(), ctx.Item.(memsys.Result))
	case memsys.HookPosWriteBack:
		t.recordWriteBack(ctx.Domain.Name(), ctx.Item.(cache.EvictedLine))
	}
}

func (t *DBTracer) recordAccess(location string, res memsys.Result) {
	t.seq++

	r := AccessRecord{
		ID:       xid.New().String(),
		Seq:      t.seq,
		Location: location,
		Kind:     res.Request.Kind.String(),
		User:     res.Request.User,
		VAddr:    res.Request.VAddr,
		PAddr:    res.PAddr,
		TLBHit:   res.Translation.Hit,
		Walked:   res.Translation.Walk != nil,
		CacheHit: res.Cache.Hit,
		Dirty:    res.Cache.Dirty,
	}

	if res.Fault != nil {
		r.Fault = res.Fault.Kind.String()
	}

	t.dataRecorder.InsertData(AccessTable, r)
}

func (t *DBTracer) recordWriteBack(location string, line cache.EvictedLine) {
	t.seq++

	t.dataRecorder.InsertData(WriteBackTable, WriteBackRecord{
		ID:       xid.New().String(),
		Seq:      t.seq,
		Location: location,
		Tag:      line.Tag,
		SetIndex: line.Index,
		Addr:     line.Addr,
	})
}

// RecordStats writes every counter of a statistics snapshot, named by its
// path in the snapshot, such as "Cache.ReadHits".
func (t *DBTracer) RecordStats(location string, s memsys.Stats) {
	values := make(map[string]float64)
	flatten("", structs.Map(s), values)

	names := make([]string, 0, len(values))
	for n := range values {
		names = append(names, n)
	}

	sort.Strings(names)

	for _, n := range names {
		t.dataRecorder.InsertData(StatsTable, StatRecord{
			Location: location,
			Name:     n,
			Value:    values[n],
		})
	}

	t.dataRecorder.Flush()
}

func flatten(prefix string, m map[string]any, out map[string]float64) {
	for k, v := range m {
		name := strings.TrimPrefix(prefix+"."+k, ".")

		switch v := v.(type) {
		case map[string]any:
			flatten(name, v, out)
		case uint64:
			out[name] = float64(v)
		case int:
			out[name] = float64(v)
		case float64:
			out[name] = v
		default:
			panic(fmt.Sprintf("cannot record stat %s of type %T", name, v))
		}
	}
}
