package hashmap_test

import (
	"fmt"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/scusemua/kernel-manager/internal/utils/hashmap"
)

var _ = Describe("ConcurrentMap", func() {
	It("should store and load values under many distinct keys", func() {
		m := hashmap.NewConcurrentMap[int]()

		for i := 0; i < 512; i++ {
			m.Store(fmt.Sprintf("kernel-%d", i), i)
		}

		Expect(m.Len()).To(Equal(512))

		for i := 0; i < 512; i++ {
			val, ok := m.Load(fmt.Sprintf("kernel-%d", i))
			Expect(ok).To(BeTrue())
			Expect(val).To(Equal(i))
		}
	})

	It("should keep earlier maps usable after later maps are created", func() {
		first := hashmap.NewConcurrentMap[string]()
		for i := 0; i < 256; i++ {
			first.Store(fmt.Sprintf("workload-%d", i), "provisioned")
		}

		// A map created afterwards must not disturb how the first map
		// routes keys to shards.
		second := hashmap.NewConcurrentMap[string]()
		for i := 0; i < 256; i++ {
			second.Store(fmt.Sprintf("record-%d", i), "inserted")
		}

		for i := 0; i < 256; i++ {
			val, ok := first.Load(fmt.Sprintf("workload-%d", i))
			Expect(ok).To(BeTrue())
			Expect(val).To(Equal("provisioned"))

			val, ok = second.Load(fmt.Sprintf("record-%d", i))
			Expect(ok).To(BeTrue())
			Expect(val).To(Equal("inserted"))
		}
	})

	It("should implement LoadOrStore and LoadAndDelete atomically per key", func() {
		m := hashmap.NewConcurrentMap[int]()

		val, loaded := m.LoadOrStore("kernel-a", 1)
		Expect(loaded).To(BeFalse())
		Expect(val).To(Equal(1))

		val, loaded = m.LoadOrStore("kernel-a", 2)
		Expect(loaded).To(BeTrue())
		Expect(val).To(Equal(1))

		val, loaded = m.LoadAndDelete("kernel-a")
		Expect(loaded).To(BeTrue())
		Expect(val).To(Equal(1))

		_, ok := m.Load("kernel-a")
		Expect(ok).To(BeFalse())
	})
})
