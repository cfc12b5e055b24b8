package kernel_test

import (
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"golang.org/x/net/context"

	"github.com/scusemua/kernel-manager/internal/backend"
	"github.com/scusemua/kernel-manager/internal/kernel"
)

var _ = Describe("Idle Reaper Tests", func() {
	var (
		clusterBackend *backend.InMemoryBackend
		manager        *kernel.Manager
		reaper         *kernel.IdleReaper
	)

	BeforeEach(func() {
		clusterBackend = backend.NewInMemoryBackend()
		clusterBackend.SetAutoReady(true)
		manager = kernel.NewManager(newTestSpecRegistry(), clusterBackend, nil, newTestOptions())
	})

	AfterEach(func() {
		if reaper != nil {
			reaper.Close()
			reaper = nil
		}
	})

	It("Will reap a kernel whose idle timeout has elapsed", func() {
		_, err := manager.CreateKernel(context.Background(), &kernel.CreateRequest{
			Id:                 "kernel-idle",
			IdleTimeoutSeconds: 1,
			WaitForReady:       true,
		})
		Expect(err).To(BeNil())

		reaper = kernel.NewIdleReaper(manager.Registry(), 100*time.Millisecond, nil, manager.DeleteKernel)
		reaper.Start()

		Eventually(func() error {
			_, err := manager.GetKernel("kernel-idle")
			return err
		}, "5s", "100ms").Should(MatchError(kernel.ErrKernelNotFound))

		Expect(clusterBackend.HasWorkload("kernel-idle")).To(BeFalse())
	})

	It("Will never reap a kernel with a non-positive idle timeout", func() {
		_, err := manager.CreateKernel(context.Background(), &kernel.CreateRequest{
			Id:                 "kernel-immortal",
			IdleTimeoutSeconds: -1,
			WaitForReady:       true,
		})
		Expect(err).To(BeNil())

		reaper = kernel.NewIdleReaper(manager.Registry(), 100*time.Millisecond, nil, manager.DeleteKernel)
		reaper.Start()

		Consistently(func() error {
			_, err := manager.GetKernel("kernel-immortal")
			return err
		}, "2s", "200ms").Should(BeNil())
	})

	It("Will defer reaping while the kernel keeps seeing activity", func() {
		_, err := manager.CreateKernel(context.Background(), &kernel.CreateRequest{
			Id:                 "kernel-busy",
			IdleTimeoutSeconds: 1,
			WaitForReady:       true,
		})
		Expect(err).To(BeNil())

		reaper = kernel.NewIdleReaper(manager.Registry(), 100*time.Millisecond, nil, manager.DeleteKernel)
		reaper.Start()

		// Touch every 300ms for 2s; with a 1s idle timeout the kernel must survive.
		for i := 0; i < 7; i++ {
			manager.Touch("kernel-busy")
			time.Sleep(300 * time.Millisecond)
			_, err = manager.GetKernel("kernel-busy")
			Expect(err).To(BeNil())
		}

		// Once activity stops, the kernel becomes eligible again.
		Eventually(func() error {
			_, err := manager.GetKernel("kernel-busy")
			return err
		}, "5s", "100ms").Should(MatchError(kernel.ErrKernelNotFound))
	})

	It("Will skip kernels that are not Ready", func() {
		clusterBackend.SetAutoReady(false)

		record, err := manager.CreateKernel(context.Background(), &kernel.CreateRequest{
			Id:                 "kernel-awaiting",
			IdleTimeoutSeconds: 1,
		})
		Expect(err).To(BeNil())
		Expect(record.Phase()).To(Equal(kernel.PhaseAwaitingReady))

		reaper = kernel.NewIdleReaper(manager.Registry(), 100*time.Millisecond, nil, manager.DeleteKernel)
		reaper.Start()

		Consistently(func() error {
			_, err := manager.GetKernel("kernel-awaiting")
			return err
		}, "2s", "200ms").Should(BeNil())
	})

	It("Will keep sweeping after a reap fails", func() {
		for _, id := range []string{"kernel-sweep-1", "kernel-sweep-2"} {
			_, err := manager.CreateKernel(context.Background(), &kernel.CreateRequest{
				Id:                 id,
				IdleTimeoutSeconds: 1,
				WaitForReady:       true,
			})
			Expect(err).To(BeNil())
		}

		clusterBackend.FailTeardownWith(errors.New("connection refused"))

		reaper = kernel.NewIdleReaper(manager.Registry(), 100*time.Millisecond, nil, manager.DeleteKernel)
		reaper.Start()

		// Let a few failing sweeps happen, then heal the backend.
		time.Sleep(1500 * time.Millisecond)
		Expect(manager.NumKernels()).To(Equal(2))

		clusterBackend.FailTeardownWith(nil)

		Eventually(func() int {
			return manager.NumKernels()
		}, "5s", "100ms").Should(Equal(0))
	})

	It("Will tolerate an empty registry", func() {
		reaper = kernel.NewIdleReaper(manager.Registry(), 50*time.Millisecond, nil, manager.DeleteKernel)
		reaper.Start()

		Consistently(func() int {
			return manager.NumKernels()
		}, "500ms", "100ms").Should(Equal(0))
	})
})
