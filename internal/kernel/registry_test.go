package kernel_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/scusemua/kernel-manager/internal/kernel"
)

var _ = Describe("Kernel Registry Tests", func() {
	It("Will hand out the same per-id mutex before and after a removal", func() {
		registry := kernel.NewRegistry()

		first := registry.Lock("kernel-a")
		first.Lock()

		registry.Remove("kernel-a")

		// A waiter blocked on the old mutex and a fresh caller must still
		// serialize on the same lock, even though the record is gone.
		second := registry.Lock("kernel-a")
		Expect(second).To(BeIdenticalTo(first))
		Expect(second.TryLock()).To(BeFalse())

		first.Unlock()
		Expect(second.TryLock()).To(BeTrue())
		second.Unlock()
	})

	It("Will hand out distinct mutexes for distinct ids", func() {
		registry := kernel.NewRegistry()

		lockA := registry.Lock("kernel-a")
		lockB := registry.Lock("kernel-b")
		Expect(lockA).ToNot(BeIdenticalTo(lockB))

		lockA.Lock()
		Expect(lockB.TryLock()).To(BeTrue())
		lockB.Unlock()
		lockA.Unlock()
	})
})
