package memsys

import (
	"bytes"
	"errors"
	"log"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/sarchlab/memhier/config"
	"github.com/sarchlab/memhier/instrumentation/hooking"
	"github.com/sarchlab/memhier/mem/cache"
	"github.com/sarchlab/memhier/mem/mem"
	"github.com/sarchlab/memhier/mem/vipt"
	"github.com/sarchlab/memhier/mem/vm"
)

var _ = Describe("Builder", func() {
	It("should build the default system", func() {
		s, err := MakeBuilder().Build("Sys")

		Expect(err).NotTo(HaveOccurred())
		Expect(s.Indexing()).To(Equal(cache.VIPT))
		Expect(s.PageTable().Format()).To(Equal(vm.Sv39))
		Expect(s.TLB().NumEntries()).To(Equal(64))

		report, ok := s.VIPTReport()
		Expect(ok).To(BeTrue())
		Expect(report.Classification).To(Equal(vipt.Safe))
	})

	It("should not analyze physically indexed caches", func() {
		cfg := config.Defaults()
		cfg.Indexing = "pipt"

		s, err := MakeBuilder().WithConfig(cfg).Build("Sys")

		Expect(err).NotTo(HaveOccurred())
		_, ok := s.VIPTReport()
		Expect(ok).To(BeFalse())
	})

	It("should reject an unsafe VIPT cache under the reject policy", func() {
		cfg := config.Defaults()
		cfg.Size = 2 * mem.MB
		cfg.VIPTPolicy = "reject"

		_, err := MakeBuilder().WithConfig(cfg).Build("Sys")

		var cfgErr *mem.ConfigError
		Expect(errors.As(err, &cfgErr)).To(BeTrue())
		Expect(cfgErr.Param).To(Equal("index_bits"))
	})

	It("should warn about an unsafe VIPT cache under the warn policy", func() {
		cfg := config.Defaults()
		cfg.Size = 2 * mem.MB

		buf := new(bytes.Buffer)
		s, err := MakeBuilder().
			WithConfig(cfg).
			WithLogger(log.New(buf, "", 0)).
			Build("Sys")

		Expect(err).NotTo(HaveOccurred())
		Expect(buf.String()).To(ContainSubstring("unsafe"))

		report, _ := s.VIPTReport()
		Expect(report.Safe).To(BeFalse())
		Expect(report.IndexBits).To(Equal(13))
		Expect(report.VPNIndexBits).To(Equal(7))
	})

	It("should reject invalid configurations", func() {
		cfg := config.Defaults()
		cfg.TLBEntries = 0

		_, err := MakeBuilder().WithConfig(cfg).Build("Sys")

		Expect(errors.Is(err, mem.ErrConfig)).To(BeTrue())
	})
})

var _ = Describe("System", func() {
	const (
		pageVA = 0x00401000
		pagePA = 0x00801000
	)

	var (
		mockCtrl *gomock.Controller
		sink     *MockWriteSink
		tracer   *hooking.PosCountTracer
		s        *System
	)

	build := func(cfg config.Config) {
		var err error

		s, err = MakeBuilder().
			WithConfig(cfg).
			WithWriteSink(sink).
			Build("Sys")
		Expect(err).NotTo(HaveOccurred())

		tracer = hooking.NewPosCountTracer()
		s.AcceptHook(tracer)
	}

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		sink = NewMockWriteSink(mockCtrl)

		build(config.Defaults())
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should report a fault for an unmapped address", func() {
		res, err := s.Read(pageVA)

		Expect(err).NotTo(HaveOccurred())
		Expect(res.Fault).NotTo(BeNil())
		Expect(res.Fault.Kind).To(Equal(vm.NotPresent))
		Expect(s.Stats().Faults).To(Equal(uint64(1)))
		Expect(s.Stats().Cache.Accesses()).To(BeZero())
		Expect(tracer.GetCount(HookPosFault)).To(Equal(uint64(1)))
		Expect(tracer.GetCount(HookPosAccess)).To(BeZero())
	})

	It("should translate, then hit in the TLB and the cache", func() {
		Expect(s.MapPage(pageVA, pagePA, vm.Page4K, vm.PermRW)).To(Succeed())

		first, err := s.Read(pageVA + 0x10)
		Expect(err).NotTo(HaveOccurred())
		Expect(first.Fault).To(BeNil())
		Expect(first.PAddr).To(Equal(uint64(pagePA + 0x10)))
		Expect(first.Translation.Hit).To(BeFalse())
		Expect(first.Translation.Walk.Steps).To(HaveLen(3))
		Expect(first.Cache.Hit).To(BeFalse())

		second, _ := s.Read(pageVA + 0x20)
		Expect(second.Translation.Hit).To(BeTrue())
		Expect(second.Cache.Hit).To(BeTrue())

		st := s.Stats()
		Expect(st.Accesses).To(Equal(uint64(2)))
		Expect(st.TLB.Hits).To(Equal(uint64(1)))
		Expect(st.Walker.Walks).To(Equal(uint64(1)))
		Expect(st.Walker.PTEReads).To(Equal(uint64(3)))
		Expect(st.MappedPages).To(Equal(1))
		Expect(tracer.GetCount(HookPosAccess)).To(Equal(uint64(2)))
	})

	It("should tag the cache with the physical address", func() {
		s.MapPage(pageVA, pagePA, vm.Page4K, vm.PermRW)

		res, _ := s.Read(pageVA)

		Expect(res.Cache.Fields.Tag).To(Equal(uint64(pagePA >> 10)))
		Expect(res.Cache.Fields.Index).To(Equal(uint64(0)))
	})

	It("should not hit on another frame that shares the set and tag", func() {
		cfg := config.Defaults()
		cfg.Size = 64 * mem.KB
		build(cfg)

		report, _ := s.VIPTReport()
		Expect(report.Safe).To(BeTrue())

		Expect(s.MapPage(0x10000, 0x4000_3000, vm.Page4K, vm.PermRW)).
			To(Succeed())
		Expect(s.MapPage(0x20000, 0x4000_0000, vm.Page4K, vm.PermRW)).
			To(Succeed())

		first, _ := s.Read(0x10000)
		second, _ := s.Read(0x20000)

		Expect(first.Cache.Fields.Index).To(Equal(second.Cache.Fields.Index))
		Expect(first.Cache.Fields.Tag).To(Equal(second.Cache.Fields.Tag))
		Expect(first.Cache.Hit).To(BeFalse())
		Expect(second.Cache.Hit).To(BeFalse())

		again, _ := s.Read(0x10000)
		Expect(again.Cache.Hit).To(BeTrue())
	})

	It("should walk the same steps for the same address", func() {
		s.MapPage(pageVA, pagePA, vm.Page4K, vm.PermRW)

		first, _ := s.Read(pageVA)
		s.TLB().FlushAll()
		second, _ := s.Read(pageVA)

		Expect(second.Translation.Walk.Steps).
			To(Equal(first.Translation.Walk.Steps))
		Expect(second.PAddr).To(Equal(first.PAddr))
	})

	It("should translate superpages", func() {
		Expect(s.MapPage(0x00200000, 0x00400000, vm.Page2M, vm.PermRW)).
			To(Succeed())

		res, err := s.Read(0x00212345)

		Expect(err).NotTo(HaveOccurred())
		Expect(res.PAddr).To(Equal(uint64(0x00412345)))
		Expect(res.Translation.Entry.PageSize).To(Equal(vm.Page2M))
	})

	It("should fault on a write to a read-only page", func() {
		s.MapPage(pageVA, pagePA, vm.Page4K, vm.PermRead)

		res, err := s.Write(pageVA)

		Expect(err).NotTo(HaveOccurred())
		Expect(errors.Is(res.Fault, vm.ErrPermissionFault)).To(BeTrue())
		Expect(s.Cache().Stats().Writes).To(BeZero())
	})

	It("should count a denied write on a cached translation as a TLB hit", func() {
		s.MapPage(pageVA, pagePA, vm.Page4K, vm.PermRead)

		s.Read(pageVA)
		res, _ := s.Write(pageVA)
		Expect(res.Fault).NotTo(BeNil())

		st := s.Stats().TLB
		Expect(st.Lookups).To(Equal(uint64(2)))
		Expect(st.Hits).To(Equal(uint64(1)))
		Expect(st.Misses).To(Equal(uint64(1)))
		Expect(st.Faults).To(Equal(uint64(1)))
	})

	It("should fault on a user access to a supervisor page", func() {
		s.MapPage(pageVA, pagePA, vm.Page4K, vm.PermRW)

		res, _ := s.Access(Request{Kind: vm.AccessRead, VAddr: pageVA, User: true})

		Expect(res.Fault).NotTo(BeNil())
		Expect(res.Fault.Kind).To(Equal(vm.PermissionFault))
	})

	It("should execute from executable pages only", func() {
		s.MapPage(pageVA, pagePA, vm.Page4K, vm.PermRX)
		s.MapPage(pageVA+0x1000, pagePA+0x1000, vm.Page4K, vm.PermRW)

		ok, _ := s.Execute(pageVA)
		bad, _ := s.Execute(pageVA + 0x1000)

		Expect(ok.Fault).To(BeNil())
		Expect(ok.Cache.Kind).To(Equal(cache.AccessRead))
		Expect(bad.Fault).NotTo(BeNil())
	})

	It("should send dirty victims to the write sink", func() {
		for i := uint64(0); i < 5; i++ {
			s.MapPage(0x00400000+i*0x1000, 0x00800000+i*0x1000,
				vm.Page4K, vm.PermRW)
		}

		sink.EXPECT().WriteBack(cache.EvictedLine{
			Tag:   0x00800000 >> 10,
			Index: 0,
			Addr:  0x00800000,
		})

		s.Write(0x00400000)
		for i := uint64(1); i < 5; i++ {
			s.Read(0x00400000 + i*0x1000)
		}

		Expect(s.Stats().WriteBacks).To(Equal(uint64(1)))
		Expect(tracer.GetCount(HookPosWriteBack)).To(Equal(uint64(1)))
	})

	It("should report addresses the cache cannot hold", func() {
		s.MapPage(pageVA, 0x1_0000_0000, vm.Page4K, vm.PermRW)

		_, err := s.Read(pageVA)

		var addrErr *mem.AddressError
		Expect(errors.As(err, &addrErr)).To(BeTrue())
	})

	It("should keep global entries across a context switch", func() {
		s.MapPage(pageVA, pagePA, vm.Page4K, vm.PermRW)
		s.MapPage(0x00500000, 0x00900000, vm.Page4K,
			vm.PermRW|vm.PermGlobal)
		s.Read(pageVA)
		s.Read(0x00500000)

		s.ContextSwitch()

		Expect(s.TLB().Entries()).To(HaveLen(1))
		Expect(s.TLB().Entries()[0].Global()).To(BeTrue())

		res, _ := s.Read(pageVA)
		Expect(res.Translation.Hit).To(BeFalse())
		Expect(res.Cache.Hit).To(BeTrue())
		Expect(s.Stats().ContextSwitches).To(Equal(uint64(1)))
		Expect(tracer.GetCount(HookPosContextSwitch)).To(Equal(uint64(1)))
	})

	It("should flush a virtually tagged cache on a context switch", func() {
		cfg := config.Defaults()
		cfg.Indexing = "vivt"
		build(cfg)

		s.MapPage(pageVA, pagePA, vm.Page4K, vm.PermRW)
		s.Write(pageVA)

		sink.EXPECT().WriteBack(cache.EvictedLine{
			Tag:   pageVA >> 10,
			Index: 0,
			Addr:  pageVA,
		})

		s.ContextSwitch()

		res, _ := s.Read(pageVA)
		Expect(res.Cache.Hit).To(BeFalse())
	})

	It("should stop translating unmapped pages", func() {
		s.MapPage(pageVA, pagePA, vm.Page4K, vm.PermRW)
		s.Read(pageVA)

		size, ok := s.UnmapPage(pageVA)

		Expect(ok).To(BeTrue())
		Expect(size).To(Equal(vm.Page4K))

		res, _ := s.Read(pageVA)
		Expect(res.Fault).NotTo(BeNil())
		Expect(res.Fault.Kind).To(Equal(vm.NotPresent))
	})

	It("should use the new frame after a remap", func() {
		s.MapPage(pageVA, pagePA, vm.Page4K, vm.PermRW)
		s.Read(pageVA)

		s.MapPage(pageVA, 0x00a00000, vm.Page4K, vm.PermRW)
		res, _ := s.Read(pageVA)

		Expect(res.Translation.Hit).To(BeFalse())
		Expect(res.PAddr).To(Equal(uint64(0x00a00000)))
	})

	It("should flush every dirty line", func() {
		s.MapPage(pageVA, pagePA, vm.Page4K, vm.PermRW)
		s.Write(pageVA)

		sink.EXPECT().WriteBack(gomock.Any()).Times(1)

		lines := s.Flush()

		Expect(lines).To(HaveLen(1))
		Expect(s.TLB().Entries()).To(BeEmpty())
	})

	It("should reset the counters and keep the mappings", func() {
		s.MapPage(pageVA, pagePA, vm.Page4K, vm.PermRW)
		s.Read(pageVA)

		s.Reset()

		st := s.Stats()
		Expect(st.Accesses).To(BeZero())
		Expect(st.TLB).To(BeZero())
		Expect(st.MappedPages).To(Equal(1))

		res, _ := s.Read(pageVA)
		Expect(res.Fault).To(BeNil())
	})
})
