package monitoring

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/sarchlab/memhier/mem/memsys"
	"github.com/sarchlab/memhier/mem/perf"
	"github.com/sarchlab/memhier/mem/trace"
	"github.com/sarchlab/memhier/mem/vm"
)

type mapReq struct {
	VA       hexAddr `json:"va"`
	PA       hexAddr `json:"pa"`
	PageSize string  `json:"page_size"`
	Perms    string  `json:"perms"`
}

type mapRsp struct {
	Success     bool    `json:"success"`
	VA          hexAddr `json:"va"`
	PA          hexAddr `json:"pa"`
	PageSize    string  `json:"page_size"`
	Perms       string  `json:"perms"`
	MappedPages int     `json:"mapped_pages"`
	PageTables  int     `json:"page_tables"`
}

func (m *Monitor) mapPage(w http.ResponseWriter, r *http.Request) {
	q := mapReq{PageSize: vm.Page4K.String(), Perms: vm.PermRW.String()}
	if !decodeOr400(w, r, &q) {
		return
	}

	size, err := vm.ParsePageSize(q.PageSize)
	if err != nil {
		writeError(w, err)
		return
	}

	perms, err := vm.ParsePermissions(q.Perms)
	if err != nil {
		writeError(w, err)
		return
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	err = m.system.MapPage(uint64(q.VA), uint64(q.PA), size, perms)
	if err != nil {
		writeError(w, err)
		return
	}

	pt := m.system.PageTable()

	writeJSON(w, mapRsp{
		Success:     true,
		VA:          q.VA,
		PA:          q.PA,
		PageSize:    size.String(),
		Perms:       perms.String(),
		MappedPages: pt.NumPages(),
		PageTables:  pt.NumTables(),
	})
}

type unmapReq struct {
	VA hexAddr `json:"va"`
}

type unmapRsp struct {
	Success  bool    `json:"success"`
	VA       hexAddr `json:"va"`
	PageSize string  `json:"page_size"`
}

func (m *Monitor) unmapPage(w http.ResponseWriter, r *http.Request) {
	var q unmapReq
	if !decodeOr400(w, r, &q) {
		return
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	size, ok := m.system.UnmapPage(uint64(q.VA))
	if !ok {
		writeError(w, fmt.Errorf("0x%x is not mapped", uint64(q.VA)))
		return
	}

	writeJSON(w, unmapRsp{Success: true, VA: q.VA, PageSize: size.String()})
}

type accessReq struct {
	Type string  `json:"type"`
	VA   hexAddr `json:"va"`
	User bool    `json:"user"`
}

type faultRsp struct {
	Kind   string `json:"kind"`
	Level  int    `json:"level"`
	Detail string `json:"detail"`
}

type accessRsp struct {
	Success     bool              `json:"success"`
	Type        string            `json:"type"`
	VA          hexAddr           `json:"va"`
	PA          *hexAddr          `json:"pa"`
	TLBHit      bool              `json:"tlb_hit"`
	Walk        []walkStepRsp     `json:"walk,omitempty"`
	CacheHit    bool              `json:"cache_hit"`
	Cache       *decompositionRsp `json:"cache,omitempty"`
	WrittenBack *hexAddr          `json:"written_back,omitempty"`
	Fault       *faultRsp         `json:"fault,omitempty"`
}

func parseAccessKind(s string) (vm.AccessKind, error) {
	switch strings.ToLower(s) {
	case "read", "r":
		return vm.AccessRead, nil
	case "write", "w":
		return vm.AccessWrite, nil
	case "execute", "exec", "x":
		return vm.AccessExecute, nil
	default:
		return 0, fmt.Errorf("unknown access type %q", s)
	}
}

func makeAccessRsp(res memsys.Result) accessRsp {
	rsp := accessRsp{
		Success: true,
		Type:    res.Request.Kind.String(),
		VA:      hexAddr(res.Request.VAddr),
	}

	if res.Fault != nil {
		rsp.Fault = &faultRsp{
			Kind:   res.Fault.Kind.String(),
			Level:  res.Fault.Level,
			Detail: res.Fault.Error(),
		}

		return rsp
	}

	pa := hexAddr(res.PAddr)
	rsp.PA = &pa
	rsp.TLBHit = res.Translation.Hit
	rsp.CacheHit = res.Cache.Hit
	rsp.Cache = &decompositionRsp{
		Address: hexAddr(res.Cache.Addr),
		Tag:     hexAddr(res.Cache.Fields.Tag),
		Index:   res.Cache.Fields.Index,
		Offset:  hexAddr(res.Cache.Fields.Offset),
	}

	if res.Translation.Walk != nil {
		rsp.Walk = makeStepsRsp(res.Translation.Walk.Steps)
	}

	if res.Cache.Evicted != nil {
		addr := hexAddr(res.Cache.Evicted.Addr)
		rsp.WrittenBack = &addr
	}

	return rsp
}

func (m *Monitor) access(w http.ResponseWriter, r *http.Request) {
	q := accessReq{Type: "read"}
	if !decodeOr400(w, r, &q) {
		return
	}

	kind, err := parseAccessKind(q.Type)
	if err != nil {
		writeError(w, err)
		return
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	res, err := m.system.Access(memsys.Request{
		Kind:  kind,
		VAddr: uint64(q.VA),
		User:  q.User,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, makeAccessRsp(res))
}

type contextSwitchRsp struct {
	Success         bool   `json:"success"`
	ContextSwitches uint64 `json:"context_switches"`
	TLBEntries      int    `json:"tlb_entries"`
}

func (m *Monitor) contextSwitch(w http.ResponseWriter, _ *http.Request) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.system.ContextSwitch()

	writeJSON(w, contextSwitchRsp{
		Success:         true,
		ContextSwitches: m.system.Stats().ContextSwitches,
		TLBEntries:      len(m.system.TLB().Entries()),
	})
}

type flushRsp struct {
	Success     bool      `json:"success"`
	WrittenBack []hexAddr `json:"written_back"`
}

func (m *Monitor) flush(w http.ResponseWriter, _ *http.Request) {
	m.lock.Lock()
	defer m.lock.Unlock()

	lines := m.system.Flush()

	rsp := flushRsp{Success: true, WrittenBack: make([]hexAddr, len(lines))}
	for i, l := range lines {
		rsp.WrittenBack[i] = hexAddr(l.Addr)
	}

	writeJSON(w, rsp)
}

type successRsp struct {
	Success bool `json:"success"`
}

func (m *Monitor) reset(w http.ResponseWriter, _ *http.Request) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.system.Reset()

	writeJSON(w, successRsp{Success: true})
}

type systemStatsRsp struct {
	Accesses        uint64        `json:"accesses"`
	Faults          uint64        `json:"faults"`
	ContextSwitches uint64        `json:"context_switches"`
	WriteBacks      uint64        `json:"write_backs"`
	PageTables      int           `json:"page_tables"`
	MappedPages     int           `json:"mapped_pages"`
	Cache           cacheStatsRsp `json:"cache"`
	TLB             tlbStatsRsp   `json:"tlb"`
	Walker          walkStatsRsp  `json:"walker"`
	Estimate        perf.Estimate `json:"estimate"`
}

func (m *Monitor) stats(w http.ResponseWriter, _ *http.Request) {
	m.lock.Lock()
	defer m.lock.Unlock()

	st := m.system.Stats()

	writeJSON(w, systemStatsRsp{
		Accesses:        st.Accesses,
		Faults:          st.Faults,
		ContextSwitches: st.ContextSwitches,
		WriteBacks:      st.WriteBacks,
		PageTables:      st.PageTables,
		MappedPages:     st.MappedPages,
		Cache:           makeCacheStatsRsp(st.Cache),
		TLB: tlbStatsRsp{
			Hits:   st.TLB.Hits,
			Misses: st.TLB.Misses,
			Reach:  m.system.TLB().CurrentReach(),
		},
		Walker: walkStatsRsp{
			PageWalks:  st.Walker.Walks,
			PageFaults: st.Walker.Faults,
			PTEReads:   st.Walker.PTEReads,
		},
		Estimate: perf.FromStats(perf.DefaultTiming(), st.Cache, st.TLB),
	})
}

type estimateRsp struct {
	perf.Estimate

	Success bool        `json:"success"`
	Timing  perf.Timing `json:"timing"`
}

// performanceEstimate applies a timing model to the counters of the session
// system.
func (m *Monitor) performanceEstimate(w http.ResponseWriter, r *http.Request) {
	t := perf.DefaultTiming()
	if !decodeOr400(w, r, &t) {
		return
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	st := m.system.Stats()

	writeJSON(w, estimateRsp{
		Estimate: perf.FromStats(t, st.Cache, st.TLB),
		Success:  true,
		Timing:   t,
	})
}

type setRsp struct {
	Index int       `json:"index"`
	Lines []lineRsp `json:"lines"`
}

func (m *Monitor) cacheSet(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(mux.Vars(r)["index"])
	if err != nil {
		writeError(w, err)
		return
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	lines, err := m.system.Cache().Set(index)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, setRsp{Index: index, Lines: makeSetRsp(lines)})
}

type replayRsp struct {
	Success bool              `json:"success"`
	Replay  trace.ReplayStats `json:"replay"`
}

// replay runs a trace, sent as the request body in the trace file format,
// through the session system. A progress bar follows the operations.
func (m *Monitor) replay(w http.ResponseWriter, r *http.Request) {
	ops, err := trace.Parse(r.Body)
	if err != nil {
		writeError(w, err)
		return
	}

	bar := m.CreateProgressBar("Replay", uint64(len(ops)))
	defer m.CompleteProgressBar(bar)

	m.lock.Lock()
	defer m.lock.Unlock()

	bar.IncrementInProgress(uint64(len(ops)))

	st, err := trace.ReplayWithProgress(m.system, ops, func(int) {
		bar.MoveInProgressToFinished(1)
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, replayRsp{Success: true, Replay: st})
}
