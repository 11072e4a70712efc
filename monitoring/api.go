package monitoring

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/sarchlab/memhier/mem/cache"
	"github.com/sarchlab/memhier/mem/mem"
	"github.com/sarchlab/memhier/mem/perf"
	"github.com/sarchlab/memhier/mem/tagging"
	"github.com/sarchlab/memhier/mem/vipt"
	"github.com/sarchlab/memhier/mem/vm"
	"github.com/sarchlab/memhier/mem/vm/mmu"
	"github.com/sarchlab/memhier/mem/vm/tlb"
)

// hexAddr is an address written as a hexadecimal string. Requests may also
// give it as a JSON number or as hex digits without the 0x prefix.
type hexAddr uint64

func (a hexAddr) MarshalJSON() ([]byte, error) {
	return json.Marshal(fmt.Sprintf("0x%x", uint64(a)))
}

func (a *hexAddr) UnmarshalJSON(b []byte) error {
	var n uint64
	if err := json.Unmarshal(b, &n); err == nil {
		*a = hexAddr(n)
		return nil
	}

	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}

	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")

	n, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return fmt.Errorf("invalid address %q", s)
	}

	*a = hexAddr(n)

	return nil
}

// pseudoFrameBit builds the frame of an automatic mapping from its page, as
// the stateless translation endpoints do.
const pseudoFrameBit = 0x10000000

type cacheReq struct {
	Size              uint64  `json:"size"`
	Associativity     int     `json:"associativity"`
	BlockSize         uint64  `json:"block_size"`
	AddressBits       int     `json:"address_bits"`
	ReplacementPolicy string  `json:"replacement_policy"`
	WritePolicy       string  `json:"write_policy"`
	AllocatePolicy    string  `json:"allocate_policy"`
	Address           hexAddr `json:"address"`
	Type              string  `json:"type"`
}

func defaultCacheReq() cacheReq {
	return cacheReq{
		Size:              4096,
		Associativity:     4,
		BlockSize:         64,
		AddressBits:       32,
		ReplacementPolicy: string(tagging.PolicyLRU),
		WritePolicy:       string(cache.WriteBack),
		AllocatePolicy:    string(cache.WriteAllocate),
		Type:              "read",
	}
}

func (q cacheReq) build() (*cache.Comp, error) {
	rp, err := tagging.ParsePolicy(q.ReplacementPolicy)
	if err != nil {
		return nil, err
	}

	wp, err := cache.ParseWritePolicy(q.WritePolicy)
	if err != nil {
		return nil, err
	}

	ap, err := cache.ParseAllocatePolicy(q.AllocatePolicy)
	if err != nil {
		return nil, err
	}

	return cache.MakeBuilder().
		WithByteSize(q.Size).
		WithWayAssociativity(q.Associativity).
		WithBlockSize(q.BlockSize).
		WithAddressBits(q.AddressBits).
		WithReplacementPolicy(rp).
		WithWritePolicy(wp).
		WithAllocatePolicy(ap).
		Build("Cache")
}

type geometryRsp struct {
	Size          uint64 `json:"size"`
	Associativity int    `json:"associativity"`
	BlockSize     uint64 `json:"block_size"`
	NumSets       int    `json:"num_sets"`
	NumBlocks     int    `json:"num_blocks"`
	OffsetBits    int    `json:"offset_bits"`
	IndexBits     int    `json:"index_bits"`
	TagBits       int    `json:"tag_bits"`
}

func makeGeometryRsp(g cache.Geometry) geometryRsp {
	return geometryRsp{
		Size:          g.ByteSize,
		Associativity: g.Associativity,
		BlockSize:     g.BlockSize,
		NumSets:       g.NumSets,
		NumBlocks:     g.NumBlocks,
		OffsetBits:    g.OffsetBits,
		IndexBits:     g.IndexBits,
		TagBits:       g.TagBits,
	}
}

type configureRsp struct {
	Success bool        `json:"success"`
	Config  geometryRsp `json:"config"`
}

func (m *Monitor) cacheConfigure(w http.ResponseWriter, r *http.Request) {
	q := defaultCacheReq()
	if !decodeOr400(w, r, &q) {
		return
	}

	c, err := q.build()
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, configureRsp{Success: true, Config: makeGeometryRsp(c.Geometry())})
}

type decompositionRsp struct {
	Address    hexAddr `json:"address"`
	Tag        hexAddr `json:"tag"`
	Index      uint64  `json:"index"`
	Offset     hexAddr `json:"offset"`
	TagBits    int     `json:"tag_bits,omitempty"`
	IndexBits  int     `json:"index_bits,omitempty"`
	OffsetBits int     `json:"offset_bits,omitempty"`
}

type lineRsp struct {
	Way      int      `json:"way"`
	Valid    bool     `json:"valid"`
	Dirty    bool     `json:"dirty"`
	Tag      *hexAddr `json:"tag"`
	LastUsed uint64   `json:"last_used"`
}

func makeSetRsp(lines []cache.LineState) []lineRsp {
	rsp := make([]lineRsp, len(lines))

	for i, l := range lines {
		rsp[i] = lineRsp{
			Way:      l.Way,
			Valid:    l.Valid,
			Dirty:    l.Dirty,
			LastUsed: l.LastUsed,
		}

		if l.Valid {
			tag := hexAddr(l.Tag)
			rsp[i].Tag = &tag
		}
	}

	return rsp
}

type cacheStatsRsp struct {
	ReadHits    uint64  `json:"read_hits"`
	ReadMisses  uint64  `json:"read_misses"`
	WriteHits   uint64  `json:"write_hits"`
	WriteMisses uint64  `json:"write_misses"`
	Evictions   uint64  `json:"evictions"`
	WriteBacks  uint64  `json:"write_backs"`
	HitRate     float64 `json:"hit_rate"`
}

func makeCacheStatsRsp(s cache.Stats) cacheStatsRsp {
	return cacheStatsRsp{
		ReadHits:    s.ReadHits,
		ReadMisses:  s.ReadMisses,
		WriteHits:   s.WriteHits,
		WriteMisses: s.WriteMisses,
		Evictions:   s.Evictions,
		WriteBacks:  s.WriteBacks,
		HitRate:     s.HitRate(),
	}
}

type cacheAccessRsp struct {
	Success       bool             `json:"success"`
	Hit           bool             `json:"hit"`
	Address       hexAddr          `json:"address"`
	Decomposition decompositionRsp `json:"decomposition"`
	SetState      []lineRsp        `json:"set_state"`
	Stats         cacheStatsRsp    `json:"stats"`
}

func parseCacheAccessKind(s string) (cache.AccessKind, error) {
	switch strings.ToLower(s) {
	case "read", "r":
		return cache.AccessRead, nil
	case "write", "w":
		return cache.AccessWrite, nil
	default:
		return 0, fmt.Errorf("unknown access type %q", s)
	}
}

func (m *Monitor) cacheAccess(w http.ResponseWriter, r *http.Request) {
	q := defaultCacheReq()
	if !decodeOr400(w, r, &q) {
		return
	}

	kind, err := parseCacheAccessKind(q.Type)
	if err != nil {
		writeError(w, err)
		return
	}

	c, err := q.build()
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := c.Access(cache.Request{Kind: kind, Addr: uint64(q.Address)})
	if err != nil {
		writeError(w, err)
		return
	}

	set, _ := c.Set(int(res.Fields.Index))
	layout := c.Layout()

	writeJSON(w, cacheAccessRsp{
		Success: true,
		Hit:     res.Hit,
		Address: q.Address,
		Decomposition: decompositionRsp{
			Address:    q.Address,
			Tag:        hexAddr(res.Fields.Tag),
			Index:      res.Fields.Index,
			Offset:     hexAddr(res.Fields.Offset),
			TagBits:    layout.TagBits(),
			IndexBits:  layout.IndexBits,
			OffsetBits: layout.OffsetBits,
		},
		SetState: makeSetRsp(set),
		Stats:    makeCacheStatsRsp(c.Stats()),
	})
}

type structureRsp struct {
	Success  bool               `json:"success"`
	Config   geometryRsp        `json:"config"`
	Examples []decompositionRsp `json:"examples"`
}

func (m *Monitor) cacheStructure(w http.ResponseWriter, r *http.Request) {
	q := defaultCacheReq()
	if !decodeOr400(w, r, &q) {
		return
	}

	c, err := q.build()
	if err != nil {
		writeError(w, err)
		return
	}

	layout := c.Layout()
	rsp := structureRsp{
		Success: true,
		Config:  makeGeometryRsp(c.Geometry()),
	}

	for _, addr := range []uint64{0x00000000, 0x00401000, 0xFFFFFFFF} {
		if !layout.Contains(addr) {
			continue
		}

		f := layout.Split(addr)
		rsp.Examples = append(rsp.Examples, decompositionRsp{
			Address: hexAddr(addr),
			Tag:     hexAddr(f.Tag),
			Index:   f.Index,
			Offset:  hexAddr(f.Offset),
		})
	}

	writeJSON(w, rsp)
}

type translateReq struct {
	NumEntries int     `json:"num_entries"`
	VA         hexAddr `json:"va"`
	PageSize   string  `json:"page_size"`
	Format     string  `json:"format"`
}

type tlbStatsRsp struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
	Reach  uint64 `json:"reach"`
}

type tlbTranslateRsp struct {
	Success bool        `json:"success"`
	VA      hexAddr     `json:"va"`
	PA      *hexAddr    `json:"pa"`
	Hit     bool        `json:"hit"`
	Stats   tlbStatsRsp `json:"stats"`
}

// pseudoMapping maps the page holding va to a frame derived from it and
// returns a walker over the mapping.
func pseudoMapping(
	format *vm.Format,
	va uint64,
	size vm.PageSize,
) (*mmu.Walker, error) {
	pt, err := vm.NewPageTable(format, 0x100000)
	if err != nil {
		return nil, err
	}

	page := size.Base(va)
	frame := size.Base(page | pseudoFrameBit)

	if err := pt.MapPage(page, frame, size, vm.PermRWX); err != nil {
		return nil, err
	}

	return mmu.MakeBuilder().WithPageTable(pt).Build("Walker")
}

func (m *Monitor) tlbTranslate(w http.ResponseWriter, r *http.Request) {
	q := translateReq{
		NumEntries: 64,
		VA:         0x401000,
		PageSize:   "4K",
		Format:     vm.Sv39.Name,
	}
	if !decodeOr400(w, r, &q) {
		return
	}

	format, err := vm.ParseFormat(q.Format)
	if err != nil {
		writeError(w, err)
		return
	}

	size, err := vm.ParsePageSize(q.PageSize)
	if err != nil {
		writeError(w, err)
		return
	}

	walker, err := pseudoMapping(format, uint64(q.VA), size)
	if err != nil {
		writeError(w, err)
		return
	}

	t, err := tlb.MakeBuilder().
		WithNumEntries(q.NumEntries).
		WithTranslator(walker).
		Build("TLB")
	if err != nil {
		writeError(w, err)
		return
	}

	walk, err := walker.Walk(uint64(q.VA), vm.Read)
	if err != nil {
		writeError(w, err)
		return
	}

	t.Insert(tlb.EntryFromWalk(walk))

	res, err := t.Translate(tlb.Request{
		VAddr:    uint64(q.VA),
		Access:   vm.Read,
		PageSize: size,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	pa := hexAddr(res.PAddr)
	st := t.Stats()

	writeJSON(w, tlbTranslateRsp{
		Success: true,
		VA:      q.VA,
		PA:      &pa,
		Hit:     res.Hit,
		Stats: tlbStatsRsp{
			Hits:   st.Hits,
			Misses: st.Misses,
			Reach:  t.CurrentReach(),
		},
	})
}

type walkStepRsp struct {
	Level     int     `json:"level"`
	TableBase hexAddr `json:"table_base"`
	Index     uint64  `json:"index"`
	PTEAddr   hexAddr `json:"pte_addr"`
	PTE       hexAddr `json:"pte"`
	Leaf      bool    `json:"leaf"`
}

func makeStepsRsp(steps []mmu.WalkStep) []walkStepRsp {
	rsp := make([]walkStepRsp, len(steps))
	for i, s := range steps {
		rsp[i] = walkStepRsp{
			Level:     s.Level,
			TableBase: hexAddr(s.TableBase),
			Index:     s.Index,
			PTEAddr:   hexAddr(s.PTEAddr),
			PTE:       hexAddr(s.PTE.Raw),
			Leaf:      s.PTE.Leaf,
		}
	}

	return rsp
}

type walkStatsRsp struct {
	PageWalks  uint64 `json:"page_walks"`
	PageFaults uint64 `json:"page_faults"`
	PTEReads   uint64 `json:"pte_reads"`
}

type pageWalkRsp struct {
	Success bool          `json:"success"`
	VA      hexAddr       `json:"va"`
	PA      *hexAddr      `json:"pa"`
	VPN     []uint64      `json:"vpn"`
	Offset  hexAddr       `json:"offset"`
	Steps   []walkStepRsp `json:"steps"`
	Stats   walkStatsRsp  `json:"stats"`
}

func (m *Monitor) pageWalkTranslate(w http.ResponseWriter, r *http.Request) {
	q := translateReq{
		VA:       0x401234,
		PageSize: "4K",
		Format:   vm.Sv39.Name,
	}
	if !decodeOr400(w, r, &q) {
		return
	}

	format, err := vm.ParseFormat(q.Format)
	if err != nil {
		writeError(w, err)
		return
	}

	va := uint64(q.VA)

	walker, err := pseudoMapping(format, va, vm.Page4K)
	if err != nil {
		writeError(w, err)
		return
	}

	walk, err := walker.Walk(va, vm.Read)
	if err != nil {
		writeError(w, err)
		return
	}

	vpn := make([]uint64, format.Levels)
	for level := format.Levels - 1; level >= 0; level-- {
		vpn[format.Levels-1-level] = format.Index(va, level)
	}

	pa := hexAddr(walk.PAddr)
	st := walker.Stats()

	writeJSON(w, pageWalkRsp{
		Success: true,
		VA:      q.VA,
		PA:      &pa,
		VPN:     vpn,
		Offset:  hexAddr(va & vm.Page4K.Mask()),
		Steps:   makeStepsRsp(walk.Steps),
		Stats: walkStatsRsp{
			PageWalks:  st.Walks,
			PageFaults: st.Faults,
			PTEReads:   st.PTEReads,
		},
	})
}

type viptReq struct {
	CacheSize     uint64 `json:"cache_size"`
	Associativity int    `json:"associativity"`
	BlockSize     uint64 `json:"block_size"`
	PageSize      uint64 `json:"page_size"`
}

type viptRsp struct {
	Success        bool   `json:"success"`
	CacheSize      uint64 `json:"cache_size"`
	Associativity  int    `json:"associativity"`
	BlockSize      uint64 `json:"block_size"`
	PageSize       uint64 `json:"page_size"`
	NumSets        int    `json:"num_sets"`
	IndexBits      int    `json:"index_bits"`
	PageOffsetBits int    `json:"page_offset_bits"`
	VPNIndexBits   int    `json:"vpn_index_bits"`
	IsSafe         bool   `json:"is_safe"`
	Message        string `json:"message"`
}

func (m *Monitor) viptAnalyze(w http.ResponseWriter, r *http.Request) {
	q := viptReq{
		CacheSize:     32 * mem.KB,
		Associativity: 4,
		BlockSize:     64,
		PageSize:      4 * mem.KB,
	}
	if !decodeOr400(w, r, &q) {
		return
	}

	rep, err := vipt.Analyze(q.CacheSize, q.Associativity, q.BlockSize,
		q.PageSize)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, viptRsp{
		Success:        true,
		CacheSize:      rep.CacheSize,
		Associativity:  rep.Associativity,
		BlockSize:      rep.BlockSize,
		PageSize:       rep.PageSize,
		NumSets:        rep.NumSets,
		IndexBits:      rep.IndexBits,
		PageOffsetBits: rep.PageOffsetBits,
		VPNIndexBits:   rep.VPNIndexBits,
		IsSafe:         rep.Safe,
		Message:        string(rep.Classification),
	})
}

type levelReq struct {
	HitTime  float64 `json:"hit_time"`
	MissRate float64 `json:"miss_rate"`
}

type ematReq struct {
	HitTime     float64    `json:"hit_time"`
	MissRate    float64    `json:"miss_rate"`
	MissPenalty float64    `json:"miss_penalty"`
	Levels      []levelReq `json:"levels,omitempty"`
	MemoryTime  float64    `json:"memory_time,omitempty"`
}

type ematRsp struct {
	ematReq

	Success bool    `json:"success"`
	EMAT    float64 `json:"emat"`
}

func (m *Monitor) performanceEMAT(w http.ResponseWriter, r *http.Request) {
	q := ematReq{
		HitTime:     1.0,
		MissRate:    0.05,
		MissPenalty: 200.0,
	}
	if !decodeOr400(w, r, &q) {
		return
	}

	rsp := ematRsp{ematReq: q, Success: true}

	if len(q.Levels) == 0 {
		if err := perf.ValidateRate("miss_rate", q.MissRate); err != nil {
			writeError(w, err)
			return
		}

		rsp.EMAT = perf.EMATSingleLevel(q.HitTime, q.MissRate, q.MissPenalty)
		writeJSON(w, rsp)

		return
	}

	levels := make([]perf.Level, len(q.Levels))
	for i, l := range q.Levels {
		if err := perf.ValidateRate(fmt.Sprintf("levels[%d].miss_rate", i),
			l.MissRate); err != nil {
			writeError(w, err)
			return
		}

		levels[i] = perf.Level{HitTime: l.HitTime, MissRate: l.MissRate}
	}

	rsp.EMAT = perf.EMAT(levels, q.MemoryTime)
	writeJSON(w, rsp)
}
