package cache

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/sarchlab/memhier/mem/mem"
	"github.com/sarchlab/memhier/mem/tagging"
)

var _ = Describe("Builder", func() {
	It("should build the default cache", func() {
		c, err := MakeBuilder().Build("L1")

		Expect(err).NotTo(HaveOccurred())

		g := c.Geometry()
		Expect(g.NumSets).To(Equal(16))
		Expect(g.OffsetBits).To(Equal(6))
		Expect(g.IndexBits).To(Equal(4))
		Expect(g.TagBits).To(Equal(22))
		Expect(uint64(g.NumSets*g.Associativity) * g.BlockSize).
			To(Equal(g.ByteSize))
	})

	It("should keep sets x ways x block size equal to the capacity", func() {
		for _, size := range []uint64{1 * mem.KB, 8 * mem.KB, 64 * mem.KB} {
			for _, ways := range []int{1, 2, 8} {
				c, err := MakeBuilder().
					WithByteSize(size).
					WithWayAssociativity(ways).
					Build("L1")
				Expect(err).NotTo(HaveOccurred())

				g := c.Geometry()
				Expect(uint64(g.NumSets*g.Associativity) * g.BlockSize).
					To(Equal(size))
			}
		}
	})

	DescribeTable("should reject invalid configurations",
		func(b Builder, param string) {
			_, err := b.Build("L1")

			var cfgErr *mem.ConfigError
			Expect(errors.As(err, &cfgErr)).To(BeTrue())
			Expect(cfgErr.Param).To(Equal(param))
			Expect(errors.Is(err, mem.ErrConfig)).To(BeTrue())
		},
		Entry("size not a power of two",
			MakeBuilder().WithByteSize(3000), "size"),
		Entry("block size not a power of two",
			MakeBuilder().WithBlockSize(48), "block_size"),
		Entry("associativity not a power of two",
			MakeBuilder().WithWayAssociativity(3), "associativity"),
		Entry("zero associativity",
			MakeBuilder().WithWayAssociativity(0), "associativity"),
		Entry("fewer than one set",
			MakeBuilder().WithByteSize(128).WithWayAssociativity(4), "size"),
		Entry("no tag bit left",
			MakeBuilder().WithAddressBits(10), "address_bits"),
		Entry("unknown write policy",
			MakeBuilder().WithWritePolicy("write-sometimes"), "write_policy"),
		Entry("unknown allocate policy",
			MakeBuilder().WithAllocatePolicy("maybe"), "allocate_policy"),
		Entry("unknown replacement policy",
			MakeBuilder().WithReplacementPolicy("mru"), "replacement_policy"),
	)

	It("should parse policy names", func() {
		wp, err := ParseWritePolicy("Write_Through")
		Expect(err).NotTo(HaveOccurred())
		Expect(wp).To(Equal(WriteThrough))

		ap, err := ParseAllocatePolicy("no-write-allocate")
		Expect(err).NotTo(HaveOccurred())
		Expect(ap).To(Equal(NoWriteAllocate))

		_, err = ParseWritePolicy("copy-back-ish")
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Cache", func() {
	const (
		addrA = 0x00401000
		addrB = 0x00401400
		addrC = 0x00401800
		addrD = 0x00401C00
		addrE = 0x00402000
	)

	var c *Comp

	BeforeEach(func() {
		var err error
		c, err = MakeBuilder().
			WithByteSize(4096).
			WithBlockSize(64).
			WithWayAssociativity(4).
			Build("L1")
		Expect(err).NotTo(HaveOccurred())
	})

	It("should run the end-to-end scenario", func() {
		res, err := c.Read(addrA)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Hit).To(BeFalse())
		Expect(res.Fields.Tag).To(Equal(uint64(0x1004)))
		Expect(res.Fields.Index).To(Equal(uint64(0)))
		Expect(res.Fields.Offset).To(Equal(uint64(0)))

		res, _ = c.Read(addrA)
		Expect(res.Hit).To(BeTrue())

		res, _ = c.Write(addrA)
		Expect(res.Hit).To(BeTrue())
		Expect(res.Dirty).To(BeTrue())

		set, _ := c.Set(0)
		Expect(set[res.WayID].Dirty).To(BeTrue())

		for _, addr := range []uint64{addrB, addrC, addrD} {
			res, _ = c.Read(addr)
			Expect(res.Hit).To(BeFalse())
			Expect(res.Fields.Index).To(Equal(uint64(0)))
			Expect(res.Evicted).To(BeNil())
		}

		res, _ = c.Read(addrE)
		Expect(res.Hit).To(BeFalse())
		Expect(res.Replaced).To(BeTrue())
		Expect(res.ReplacedTag).To(Equal(uint64(0x1004)))
		Expect(res.Evicted).To(Equal(&EvictedLine{
			Tag:   0x1004,
			Index: 0,
			Addr:  addrA,
		}))

		s := c.Stats()
		Expect(s.Reads).To(Equal(uint64(6)))
		Expect(s.Writes).To(Equal(uint64(1)))
		Expect(s.ReadHits).To(Equal(uint64(1)))
		Expect(s.WriteHits).To(Equal(uint64(1)))
		Expect(s.Evictions).To(Equal(uint64(1)))
		Expect(s.WriteBacks).To(Equal(uint64(1)))
	})

	It("should miss then hit on the same address", func() {
		first, _ := c.Read(0x1234)
		second, _ := c.Read(0x1234)

		Expect(first.Hit).To(BeFalse())
		Expect(second.Hit).To(BeTrue())
		Expect(second.WayID).To(Equal(first.WayID))
	})

	It("should hit on another byte of the same block", func() {
		c.Read(0x1200)

		res, _ := c.Read(0x123f)

		Expect(res.Hit).To(BeTrue())
	})

	It("should evict clean lines without a write-back", func() {
		for _, addr := range []uint64{addrA, addrB, addrC, addrD, addrE} {
			c.Read(addr)
		}

		Expect(c.Stats().Evictions).To(Equal(uint64(1)))
		Expect(c.Stats().WriteBacks).To(BeZero())
	})

	It("should mark write-allocated lines dirty", func() {
		res, _ := c.Write(addrA)

		Expect(res.Hit).To(BeFalse())
		Expect(res.Dirty).To(BeTrue())
		Expect(res.MemoryWrite).To(BeFalse())
	})

	It("should reject addresses wider than the address width", func() {
		_, err := c.Read(1 << 32)

		var addrErr *mem.AddressError
		Expect(errors.As(err, &addrErr)).To(BeTrue())
		Expect(addrErr.Width).To(Equal(32))
	})

	It("should take the index from the index address", func() {
		res, err := c.Access(Request{
			Kind:       AccessRead,
			Addr:       0x00401000,
			IndexAddr:  0x00000040,
			SplitIndex: true,
		})

		Expect(err).NotTo(HaveOccurred())
		Expect(res.Fields.Tag).To(Equal(uint64(0x1004)))
		Expect(res.Fields.Index).To(Equal(uint64(1)))
	})

	It("should match the whole block when the index comes elsewhere", func() {
		res, _ := c.Access(Request{
			Kind:       AccessRead,
			Addr:       0x00401000,
			IndexAddr:  0x00000040,
			SplitIndex: true,
		})
		Expect(res.Hit).To(BeFalse())

		res, _ = c.Access(Request{
			Kind:       AccessRead,
			Addr:       0x00401040,
			IndexAddr:  0x00000040,
			SplitIndex: true,
		})
		Expect(res.Fields.Tag).To(Equal(uint64(0x1004)))
		Expect(res.Hit).To(BeFalse())

		set, _ := c.Set(1)
		valid := 0
		for _, l := range set {
			if l.Valid {
				valid++
				Expect(l.Tag).To(Equal(uint64(0x1004)))
			}
		}
		Expect(valid).To(Equal(2))
	})

	It("should flush dirty lines", func() {
		c.Write(addrA)
		c.Read(addrB)
		c.Write(0x40)

		lines := c.Flush()

		Expect(lines).To(ConsistOf(
			EvictedLine{Tag: 0x1004, Index: 0, Addr: addrA},
			EvictedLine{Tag: 0, Index: 1, Addr: 0x40},
		))

		res, _ := c.Read(addrA)
		Expect(res.Hit).To(BeFalse())
		Expect(c.Stats().Flushes).To(Equal(uint64(1)))
	})

	It("should report an error for an unknown set", func() {
		_, err := c.Set(16)

		Expect(err).To(HaveOccurred())
	})

	It("should reset", func() {
		c.Write(addrA)

		c.Reset()

		Expect(c.Stats()).To(BeZero())
		res, _ := c.Read(addrA)
		Expect(res.Hit).To(BeFalse())
	})

	It("should compute hit and miss rates", func() {
		c.Read(addrA)
		c.Read(addrA)
		c.Read(addrA)
		c.Read(addrB)

		Expect(c.Stats().HitRate()).To(BeNumerically("~", 0.5))
		Expect(c.Stats().MissRate()).To(BeNumerically("~", 0.5))
		Expect(Stats{}.HitRate()).To(BeZero())
	})
})

var _ = Describe("Write-through cache", func() {
	var c *Comp

	BeforeEach(func() {
		c, _ = MakeBuilder().
			WithWritePolicy(WriteThrough).
			Build("L1")
	})

	It("should forward write hits to memory", func() {
		c.Read(0x100)

		res, _ := c.Write(0x100)

		Expect(res.Hit).To(BeTrue())
		Expect(res.Dirty).To(BeFalse())
		Expect(res.MemoryWrite).To(BeTrue())
		Expect(c.Stats().MemoryWrites).To(Equal(uint64(1)))
	})

	It("should allocate clean lines on write misses", func() {
		res, _ := c.Write(0x100)

		Expect(res.Hit).To(BeFalse())
		Expect(res.Dirty).To(BeFalse())
		Expect(res.MemoryWrite).To(BeTrue())
		Expect(c.Flush()).To(BeEmpty())
	})
})

var _ = Describe("No-write-allocate cache", func() {
	var c *Comp

	BeforeEach(func() {
		c, _ = MakeBuilder().
			WithAllocatePolicy(NoWriteAllocate).
			Build("L1")
	})

	It("should bypass the cache on write misses", func() {
		res, _ := c.Write(0x100)

		Expect(res.Bypassed).To(BeTrue())
		Expect(res.MemoryWrite).To(BeTrue())
		Expect(res.WayID).To(Equal(-1))

		read, _ := c.Read(0x100)
		Expect(read.Hit).To(BeFalse())
		Expect(c.Stats().Bypasses).To(Equal(uint64(1)))
	})

	It("should still dirty lines on write hits", func() {
		c.Read(0x100)

		res, _ := c.Write(0x100)

		Expect(res.Hit).To(BeTrue())
		Expect(res.Dirty).To(BeTrue())
	})
})

var _ = Describe("Cache with a custom victim finder", func() {
	var (
		mockCtrl *gomock.Controller
		vf       *MockVictimFinder
		c        *Comp
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		vf = NewMockVictimFinder(mockCtrl)

		c, _ = MakeBuilder().
			WithByteSize(256).
			WithWayAssociativity(4).
			WithVictimFinder(vf).
			Build("L1")
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should evict the way chosen by the victim finder", func() {
		for i := uint64(0); i < 4; i++ {
			c.Read(i * 64)
		}

		vf.EXPECT().
			FindVictim(gomock.Len(4)).
			DoAndReturn(func(blocks []tagging.BlockMeta) int {
				return blocks[2].WayID
			})

		res, _ := c.Read(4 * 64)

		Expect(res.WayID).To(Equal(2))
		Expect(res.ReplacedTag).To(Equal(uint64(2)))
	})
})

var _ = Describe("Indexing", func() {
	It("should parse modes", func() {
		i, err := ParseIndexing(" VIPT ")
		Expect(err).NotTo(HaveOccurred())
		Expect(i).To(Equal(VIPT))

		_, err = ParseIndexing("pivt")
		Expect(errors.Is(err, mem.ErrConfig)).To(BeTrue())
	})

	It("should pick the addresses of each mode", func() {
		Expect(PIPT.MakeRequest(AccessRead, 0x1000, 0x9000)).
			To(Equal(Request{Kind: AccessRead, Addr: 0x9000}))
		Expect(VIVT.MakeRequest(AccessWrite, 0x1000, 0x9000)).
			To(Equal(Request{Kind: AccessWrite, Addr: 0x1000}))
		Expect(VIPT.MakeRequest(AccessRead, 0x1000, 0x9000)).
			To(Equal(Request{
				Kind:       AccessRead,
				Addr:       0x9000,
				IndexAddr:  0x1000,
				SplitIndex: true,
			}))
	})
})
