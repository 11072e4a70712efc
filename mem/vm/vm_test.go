package vm

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/memhier/mem/mem"
)

var _ = Describe("PageSize", func() {
	It("should give offset bits and masks", func() {
		Expect(Page4K.Log2()).To(Equal(12))
		Expect(Page2M.Log2()).To(Equal(21))
		Expect(Page1G.Log2()).To(Equal(30))
		Expect(Page2M.Mask()).To(Equal(uint64(0x1fffff)))
		Expect(Page2M.Base(0x40312345)).To(Equal(uint64(0x40200000)))
		Expect(Page4K.PageNumber(0x12345)).To(Equal(uint64(0x12)))
	})

	DescribeTable("should parse page sizes",
		func(s string, want PageSize) {
			got, err := ParsePageSize(s)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(Equal(want))
		},
		Entry("4K", "4K", Page4K),
		Entry("lower case with suffix", "2mb", Page2M),
		Entry("binary suffix", "1GiB", Page1G),
		Entry("bytes", "4096", Page4K),
	)

	It("should reject unknown page sizes", func() {
		_, err := ParsePageSize("8K")
		Expect(errors.Is(err, mem.ErrConfig)).To(BeTrue())
	})
})

var _ = Describe("Permissions", func() {
	It("should render and parse", func() {
		p, err := ParsePermissions("rw-u")
		Expect(err).NotTo(HaveOccurred())
		Expect(p).To(Equal(PermRead | PermWrite | PermUser))
		Expect(p.String()).To(Equal("rw-u-"))

		_, err = ParsePermissions("rz")
		Expect(err).To(HaveOccurred())
	})

	It("should check accesses", func() {
		p := PermRead | PermExec

		Expect(p.Allows(Read)).To(BeTrue())
		Expect(p.Allows(Execute)).To(BeTrue())
		Expect(p.Allows(Write)).To(BeFalse())
		Expect(p.Allows(Access{Kind: AccessRead, User: true})).To(BeFalse())
		Expect((p | PermUser).Allows(Access{Kind: AccessRead, User: true})).
			To(BeTrue())
	})
})

var _ = Describe("Format", func() {
	It("should parse names", func() {
		f, err := ParseFormat("X86_64")
		Expect(err).NotTo(HaveOccurred())
		Expect(f).To(BeIdenticalTo(X86_64))

		f, err = ParseFormat("sv39")
		Expect(err).NotTo(HaveOccurred())
		Expect(f).To(BeIdenticalTo(Sv39))

		_, err = ParseFormat("sv48")
		Expect(err).To(HaveOccurred())
	})

	It("should split Sv39 addresses into 9-bit indexes", func() {
		va := uint64(0x12345678)

		Expect(Sv39.Index(va, 2)).To(Equal(uint64(0x0)))
		Expect(Sv39.Index(va, 1)).To(Equal(uint64(0x91)))
		Expect(Sv39.Index(va, 0)).To(Equal(uint64(0x145)))
		Expect(Sv39.TableSize()).To(Equal(uint64(4096)))
	})

	It("should map levels to page sizes", func() {
		for _, f := range Formats() {
			Expect(f.PageSizeAt(0)).To(Equal(Page4K))
			Expect(f.PageSizeAt(1)).To(Equal(Page2M))
			Expect(f.PageSizeAt(2)).To(Equal(Page1G))

			l, err := f.LeafLevel(Page2M)
			Expect(err).NotTo(HaveOccurred())
			Expect(l).To(Equal(1))
		}

		_, err := X86_64.LeafLevel(PageSize(512 * mem.GB))
		Expect(err).To(HaveOccurred())
	})

	It("should check canonical addresses", func() {
		Expect(Sv39.IsCanonical(0x3f_ffff_ffff)).To(BeTrue())
		Expect(Sv39.IsCanonical(0x40_0000_0000)).To(BeFalse())
		Expect(Sv39.IsCanonical(0xffff_ffc0_0000_0000)).To(BeTrue())
		Expect(X86_64.IsCanonical(0x7fff_ffff_ffff)).To(BeTrue())
		Expect(X86_64.IsCanonical(0x8000_0000_0000)).To(BeFalse())
		Expect(X86_64.IsCanonical(0xffff_8000_0000_0000)).To(BeTrue())
	})

	It("should encode Sv39 entries", func() {
		leaf := PTE{Present: true, Leaf: true, PPN: 0x80, Perms: PermRW}

		raw := Sv39.Encode(leaf, 0)

		Expect(raw).To(Equal(uint64(0x80<<10 | 0b111)))
		Expect(Sv39.Decode(raw, 0)).To(Equal(PTE{
			Present: true, Leaf: true, PPN: 0x80, Perms: PermRW, Raw: raw,
		}))

		ptr := Sv39.Decode(Sv39.Encode(PTE{Present: true, PPN: 5}, 2), 2)
		Expect(ptr.Present).To(BeTrue())
		Expect(ptr.Leaf).To(BeFalse())
		Expect(ptr.PPN).To(Equal(uint64(5)))
	})

	It("should encode x86-64 entries", func() {
		leaf := PTE{Present: true, Leaf: true, PPN: 0x3, Perms: PermRead}

		raw := X86_64.Encode(leaf, 1)

		Expect(raw & (1 << 7)).NotTo(BeZero())
		Expect(raw & (1 << 63)).NotTo(BeZero())
		Expect(raw & (1 << 1)).To(BeZero())

		decoded := X86_64.Decode(raw, 1)
		Expect(decoded.Leaf).To(BeTrue())
		Expect(decoded.PPN).To(Equal(uint64(3)))
		Expect(decoded.Perms).To(Equal(PermRead))

		ptr := X86_64.Decode(X86_64.Encode(PTE{Present: true, PPN: 9}, 3), 3)
		Expect(ptr.Leaf).To(BeFalse())

		Expect(X86_64.Decode(0x1000|1, 0).Leaf).To(BeTrue())
	})

	It("should ignore the x86-64 PS bit in the root table", func() {
		raw := uint64(0x5000 | 1<<7 | 1<<1 | 1)

		Expect(X86_64.Decode(raw, 2).Leaf).To(BeTrue())

		root := X86_64.Decode(raw, 3)
		Expect(root.Present).To(BeTrue())
		Expect(root.Leaf).To(BeFalse())
		Expect(root.PPN).To(Equal(uint64(5)))
		Expect(root.Perms).To(BeZero())
	})

	It("should decode zero as not present", func() {
		for _, f := range Formats() {
			for l := 0; l < f.Levels; l++ {
				Expect(f.Decode(0, l).Present).To(BeFalse())
			}
		}
	})
})

var _ = Describe("Fault", func() {
	It("should match its sentinel", func() {
		var err error = &Fault{Kind: PermissionFault, VAddr: 0x1000}

		Expect(errors.Is(err, ErrPermissionFault)).To(BeTrue())
		Expect(errors.Is(err, ErrNotPresent)).To(BeFalse())
		Expect(err.Error()).To(ContainSubstring("PermissionFault"))
		Expect(err.Error()).To(ContainSubstring("0x1000"))

		f, ok := AsFault(err)
		Expect(ok).To(BeTrue())
		Expect(f.VAddr).To(Equal(uint64(0x1000)))
	})
})
