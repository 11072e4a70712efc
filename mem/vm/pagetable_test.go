package vm

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/memhier/mem/mem"
)

var _ = Describe("PageTable", func() {
	var pt *PageTable

	BeforeEach(func() {
		var err error
		pt, err = NewPageTable(Sv39, 0x8000_0000)
		Expect(err).NotTo(HaveOccurred())
	})

	It("should reject a misaligned root", func() {
		_, err := NewPageTable(X86_64, 0x8000_0010)

		Expect(errors.Is(err, mem.ErrConfig)).To(BeTrue())
	})

	It("should allocate one table per level for a 4K page", func() {
		err := pt.MapPage(0x1000, 0x20_0000, Page4K, PermRW)

		Expect(err).NotTo(HaveOccurred())
		Expect(pt.NumTables()).To(Equal(3))
		Expect(pt.NumPages()).To(Equal(1))

		rootPTE := Sv39.Decode(pt.ReadPTE(pt.PTEAddr(pt.Root(), 0x1000, 2)), 2)
		Expect(rootPTE.Present).To(BeTrue())
		Expect(rootPTE.Leaf).To(BeFalse())
		Expect(rootPTE.PPN << 12).To(Equal(uint64(0x8000_1000)))
	})

	It("should reuse intermediate tables", func() {
		Expect(pt.MapPage(0x1000, 0x20_0000, Page4K, PermRW)).To(Succeed())
		Expect(pt.MapPage(0x2000, 0x20_1000, Page4K, PermRW)).To(Succeed())

		Expect(pt.NumTables()).To(Equal(3))
		Expect(pt.NumPages()).To(Equal(2))
	})

	It("should place superpage leaves at the upper levels", func() {
		Expect(pt.MapPage(0x4000_0000, 0x8000_0000, Page1G, PermRX)).
			To(Succeed())

		Expect(pt.NumTables()).To(Equal(1))

		leaf := Sv39.Decode(
			pt.ReadPTE(pt.PTEAddr(pt.Root(), 0x4000_0000, 2)), 2)
		Expect(leaf.Leaf).To(BeTrue())
		Expect(leaf.PPN).To(Equal(uint64(2)))
	})

	It("should replace an existing mapping", func() {
		Expect(pt.MapPage(0x1000, 0x20_0000, Page4K, PermRead)).To(Succeed())
		Expect(pt.MapPage(0x1000, 0x30_0000, Page4K, PermRW)).To(Succeed())

		Expect(pt.NumPages()).To(Equal(1))
	})

	It("should reject overlapping page sizes", func() {
		Expect(pt.MapPage(0x20_0000, 0x40_0000, Page2M, PermRW)).To(Succeed())

		err := pt.MapPage(0x20_1000, 0x50_0000, Page4K, PermRW)
		Expect(errors.Is(err, ErrMappingConflict)).To(BeTrue())

		Expect(pt.MapPage(0x60_1000, 0x50_0000, Page4K, PermRW)).To(Succeed())
		err = pt.MapPage(0x60_0000, 0x80_0000, Page2M, PermRW)
		Expect(errors.Is(err, ErrMappingConflict)).To(BeTrue())
	})

	DescribeTable("should reject invalid mappings",
		func(va, pa uint64, size PageSize, perms Permissions) {
			err := pt.MapPage(va, pa, size, perms)

			Expect(err).To(HaveOccurred())
			Expect(pt.NumPages()).To(BeZero())
		},
		Entry("misaligned va", uint64(0x1010), uint64(0x2000), Page4K, PermRW),
		Entry("misaligned pa", uint64(0x20_0000), uint64(0x1000), Page2M, PermRW),
		Entry("no access right", uint64(0x1000), uint64(0x2000), Page4K, PermUser),
		Entry("non-canonical va",
			uint64(0x80_0000_0000), uint64(0x2000), Page4K, PermRW),
	)

	It("should unmap pages", func() {
		Expect(pt.MapPage(0x20_0000, 0x40_0000, Page2M, PermRW)).To(Succeed())

		size, ok := pt.UnmapPage(0x20_1234)

		Expect(ok).To(BeTrue())
		Expect(size).To(Equal(Page2M))
		Expect(pt.NumPages()).To(BeZero())

		_, ok = pt.UnmapPage(0x20_1234)
		Expect(ok).To(BeFalse())
	})

	It("should map x86-64 pages through four levels", func() {
		x86, err := NewPageTable(X86_64, 0x1000)
		Expect(err).NotTo(HaveOccurred())

		Expect(x86.MapPage(0x7fff_0000_0000, 0x5000, Page4K, PermRW)).
			To(Succeed())

		Expect(x86.NumTables()).To(Equal(4))
	})
})
