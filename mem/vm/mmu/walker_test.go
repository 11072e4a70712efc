package mmu

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/sarchlab/memhier/mem/mem"
	"github.com/sarchlab/memhier/mem/vm"
)

var _ = Describe("Builder", func() {
	It("should require a page table", func() {
		_, err := MakeBuilder().Build("MMU")

		Expect(errors.Is(err, mem.ErrConfig)).To(BeTrue())
	})

	It("should require a root", func() {
		pt, _ := vm.NewPageTable(vm.Sv39, 0)

		_, err := MakeBuilder().WithPTEReader(pt).Build("MMU")

		Expect(errors.Is(err, mem.ErrConfig)).To(BeTrue())
	})
})

var _ = Describe("Walker", func() {
	for _, format := range vm.Formats() {
		Context(format.Name, func() {
			var (
				pt *vm.PageTable
				w  *Walker
			)

			BeforeEach(func() {
				var err error
				pt, err = vm.NewPageTable(format, 0x8000_0000)
				Expect(err).NotTo(HaveOccurred())

				w, err = MakeBuilder().WithPageTable(pt).Build("MMU")
				Expect(err).NotTo(HaveOccurred())
			})

			It("should translate a 4K page through every level", func() {
				Expect(pt.MapPage(0x1234_5000, 0x8765_4000, vm.Page4K, vm.PermRW)).
					To(Succeed())

				res, err := w.Walk(0x1234_5678, vm.Read)

				Expect(err).NotTo(HaveOccurred())
				Expect(res.PAddr).To(Equal(uint64(0x8765_4678)))
				Expect(res.PageSize).To(Equal(vm.Page4K))
				Expect(res.Level).To(Equal(0))
				Expect(res.Steps).To(HaveLen(format.Levels))
				Expect(res.Steps[0].TableBase).To(Equal(pt.Root()))
				Expect(w.Stats().PTEReads).To(Equal(uint64(format.Levels)))
			})

			It("should stop early at a 2M leaf", func() {
				Expect(pt.MapPage(0x4020_0000, 0x1_0000_0000, vm.Page2M, vm.PermRW)).
					To(Succeed())

				res, err := w.Walk(0x4021_2345, vm.Write)

				Expect(err).NotTo(HaveOccurred())
				Expect(res.PAddr).To(Equal(uint64(0x1_0001_2345)))
				Expect(res.PageSize).To(Equal(vm.Page2M))
				Expect(res.Level).To(Equal(1))
				Expect(res.Steps).To(HaveLen(format.Levels - 1))
			})

			It("should stop early at a 1G leaf", func() {
				Expect(pt.MapPage(0x4000_0000, 0xC000_0000, vm.Page1G, vm.PermRX)).
					To(Succeed())

				res, err := w.Walk(0x7fff_fff0, vm.Execute)

				Expect(err).NotTo(HaveOccurred())
				Expect(res.PAddr).To(Equal(uint64(0xffff_fff0)))
				Expect(res.PageSize).To(Equal(vm.Page1G))
				Expect(res.Steps).To(HaveLen(format.Levels - 2))
			})

			It("should be deterministic", func() {
				Expect(pt.MapPage(0x1000, 0x9000, vm.Page4K, vm.PermRW)).
					To(Succeed())

				first, _ := w.Walk(0x1abc, vm.Read)
				second, _ := w.Walk(0x1abc, vm.Read)

				Expect(second.PAddr).To(Equal(first.PAddr))
				Expect(second.Steps).To(Equal(first.Steps))
			})

			It("should fault on an unmapped address", func() {
				res, err := w.Walk(0x5000, vm.Read)

				Expect(errors.Is(err, vm.ErrNotPresent)).To(BeTrue())

				f, ok := vm.AsFault(err)
				Expect(ok).To(BeTrue())
				Expect(f.Level).To(Equal(format.Levels - 1))
				Expect(f.VAddr).To(Equal(uint64(0x5000)))
				Expect(res.Steps).To(HaveLen(1))
				Expect(res.PAddr).To(BeZero())
				Expect(w.Stats().Faults).To(Equal(uint64(1)))
				Expect(w.Stats().NotPresent).To(Equal(uint64(1)))
			})

			It("should fault in the middle of the walk", func() {
				Expect(pt.MapPage(0x1000, 0x9000, vm.Page4K, vm.PermRW)).
					To(Succeed())

				_, err := w.Walk(0x3000_0000, vm.Read)

				f, ok := vm.AsFault(err)
				Expect(ok).To(BeTrue())
				Expect(f.Kind).To(Equal(vm.NotPresent))
				Expect(f.Level).To(Equal(1))
			})

			It("should report a permission fault on a present leaf", func() {
				Expect(pt.MapPage(0x1000, 0x9000, vm.Page4K, vm.PermRead)).
					To(Succeed())

				_, err := w.Walk(0x1000, vm.Write)

				Expect(errors.Is(err, vm.ErrPermissionFault)).To(BeTrue())
				Expect(errors.Is(err, vm.ErrNotPresent)).To(BeFalse())
				Expect(w.Stats().PermissionFaults).To(Equal(uint64(1)))
			})

			It("should deny user accesses to supervisor pages", func() {
				Expect(pt.MapPage(0x1000, 0x9000, vm.Page4K, vm.PermRW)).
					To(Succeed())

				_, err := w.Walk(0x1000, vm.Access{Kind: vm.AccessRead, User: true})

				Expect(errors.Is(err, vm.ErrPermissionFault)).To(BeTrue())
			})

			It("should reject non-canonical addresses without reading", func() {
				_, err := w.Walk(0x8000_0000_0000_0000, vm.Read)

				Expect(errors.Is(err, vm.ErrInvalidAddress)).To(BeTrue())
				Expect(w.Stats().PTEReads).To(BeZero())
			})

			It("should miss a page after it is unmapped", func() {
				Expect(pt.MapPage(0x1000, 0x9000, vm.Page4K, vm.PermRW)).
					To(Succeed())
				pt.UnmapPage(0x1000)

				_, err := w.Walk(0x1000, vm.Read)

				Expect(errors.Is(err, vm.ErrNotPresent)).To(BeTrue())
			})
		})
	}
})

var _ = Describe("Walker over a mocked memory", func() {
	var (
		mockCtrl *gomock.Controller
		reader   *MockPTEReader
		w        *Walker
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		reader = NewMockPTEReader(mockCtrl)

		w, _ = MakeBuilder().
			WithFormat(vm.Sv39).
			WithPTEReader(reader).
			WithRoot(0x1000).
			Build("MMU")
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should read one entry for a root-level leaf", func() {
		leaf := vm.PTE{Present: true, Leaf: true, PPN: 3, Perms: vm.PermRW}
		reader.EXPECT().
			ReadPTE(uint64(0x1000 + 8)).
			Return(vm.Sv39.Encode(leaf, 2))

		res, err := w.Walk(0x4000_1234, vm.Read)

		Expect(err).NotTo(HaveOccurred())
		Expect(res.PAddr).To(Equal(uint64(0xC000_1234)))
	})

	It("should stop after the lowest level", func() {
		ptr := vm.Sv39.Encode(vm.PTE{Present: true, PPN: 2}, 1)
		reader.EXPECT().ReadPTE(gomock.Any()).Return(ptr).Times(3)

		_, err := w.Walk(0x1000, vm.Read)

		Expect(errors.Is(err, vm.ErrPermissionFault)).To(BeTrue())
		Expect(w.Stats().PTEReads).To(Equal(uint64(3)))
	})

	It("should follow the table pointers", func() {
		gomock.InOrder(
			reader.EXPECT().ReadPTE(uint64(0x1000)).
				Return(vm.Sv39.Encode(vm.PTE{Present: true, PPN: 0x5}, 2)),
			reader.EXPECT().ReadPTE(uint64(0x5000)).
				Return(vm.Sv39.Encode(vm.PTE{Present: true, PPN: 0x7}, 1)),
			reader.EXPECT().ReadPTE(uint64(0x7000+8)).
				Return(vm.Sv39.Encode(vm.PTE{
					Present: true, Leaf: true, PPN: 0x42, Perms: vm.PermRead,
				}, 0)),
		)

		res, err := w.Walk(0x1010, vm.Read)

		Expect(err).NotTo(HaveOccurred())
		Expect(res.PAddr).To(Equal(uint64(0x42010)))
	})

	It("should not stop at an x86-64 root entry with PS set", func() {
		w, _ = MakeBuilder().
			WithFormat(vm.X86_64).
			WithPTEReader(reader).
			WithRoot(0x1000).
			Build("MMU")

		gomock.InOrder(
			reader.EXPECT().ReadPTE(uint64(0x1000)).
				Return(uint64(0x5000|1<<7|1<<2|1<<1|1)),
			reader.EXPECT().ReadPTE(uint64(0x5000)).
				Return(uint64(0)),
		)

		res, err := w.Walk(0x1234, vm.Read)

		f, ok := vm.AsFault(err)
		Expect(ok).To(BeTrue())
		Expect(f.Kind).To(Equal(vm.NotPresent))
		Expect(f.Level).To(Equal(2))
		Expect(res.Steps).To(HaveLen(2))
		Expect(res.Steps[0].PTE.Leaf).To(BeFalse())
	})
})
