package tagging

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("VictimFinder", func() {
	It("should parse policy names", func() {
		p, err := ParsePolicy(" LRU ")
		Expect(err).NotTo(HaveOccurred())
		Expect(p).To(Equal(PolicyLRU))

		_, err = ParsePolicy("plru")
		Expect(err).To(HaveOccurred())
	})

	It("should evict exactly the first of N+1 tags under LRU", func() {
		for _, ways := range []int{1, 2, 4, 8} {
			tags, err := NewTags[struct{}](1, ways, NewLRUVictimFinder())
			Expect(err).NotTo(HaveOccurred())

			var victims []uint64
			for i := 0; i <= ways; i++ {
				res := tags.Insert(0, uint64(100+i), struct{}{}, false)
				if res.Evicted {
					victims = append(victims, res.Victim.Tag)
				}
			}

			Expect(victims).To(Equal([]uint64{100}))
		}
	})

	It("should ignore visits under FIFO", func() {
		tags, _ := NewTags[struct{}](1, 2, NewFIFOVictimFinder())
		tags.Insert(0, 1, struct{}{}, false)
		tags.Insert(0, 2, struct{}{}, false)
		tags.Visit(0, 0)

		res := tags.Insert(0, 3, struct{}{}, false)

		Expect(res.Victim.Tag).To(Equal(uint64(1)))
	})

	It("should pick the least recently used way", func() {
		vf := NewLRUVictimFinder()

		way := vf.FindVictim([]BlockMeta{
			{WayID: 0, LastUsed: 9},
			{WayID: 1, LastUsed: 3},
			{WayID: 2, LastUsed: 7},
		})

		Expect(way).To(Equal(1))
	})

	It("should pick the earliest filled way", func() {
		vf := NewFIFOVictimFinder()

		way := vf.FindVictim([]BlockMeta{
			{WayID: 0, FilledAt: 4, LastUsed: 1},
			{WayID: 1, FilledAt: 2, LastUsed: 8},
		})

		Expect(way).To(Equal(1))
	})

	It("should be reproducible under random replacement", func() {
		blocks := []BlockMeta{{WayID: 0}, {WayID: 1}, {WayID: 2}, {WayID: 3}}
		a := NewRandomVictimFinder(42)
		b := NewRandomVictimFinder(42)

		for i := 0; i < 32; i++ {
			wa := a.FindVictim(blocks)
			Expect(wa).To(BeNumerically("<", 4))
			Expect(b.FindVictim(blocks)).To(Equal(wa))
		}
	})

	It("should create victim finders by policy", func() {
		for _, p := range []Policy{PolicyLRU, PolicyFIFO, PolicyRandom} {
			vf, err := NewVictimFinder(p, 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(vf).NotTo(BeNil())
		}

		_, err := NewVictimFinder("mru", 1)
		Expect(err).To(HaveOccurred())
	})
})
