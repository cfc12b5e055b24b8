package backend

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"golang.org/x/net/context"

	"github.com/scusemua/kernel-manager/internal/utils/hashmap"
)

type inMemoryWorkload struct {
	handle    *WorkloadHandle
	spec      *WorkloadSpec
	createdAt time.Time

	ready atomic.Bool
}

// InMemoryBackend is a ClusterBackend that keeps workloads in process memory.
// It is the cluster double used by unit tests and by the 'in-memory'
// deployment mode. Readiness is latched explicitly via MarkReady (or
// automatically when auto-ready is enabled), and provision/teardown failures
// can be injected per call site.
type InMemoryBackend struct {
	workloads hashmap.HashMap[string, *inMemoryWorkload]

	provisionCalls atomic.Int64
	teardownCalls  atomic.Int64

	mu             sync.Mutex
	autoReady      bool
	provisionError error
	teardownError  error
	statusError    error

	log logger.Logger
}

func NewInMemoryBackend() *InMemoryBackend {
	backend := &InMemoryBackend{
		workloads: hashmap.NewConcurrentMap[*inMemoryWorkload](),
	}
	config.InitLogger(&backend.log, backend)
	return backend
}

// SetAutoReady controls whether newly-provisioned workloads report ready
// immediately. Defaults to false.
func (b *InMemoryBackend) SetAutoReady(autoReady bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.autoReady = autoReady
}

// FailProvisionWith makes subsequent Provision calls return the given error.
// Pass nil to restore normal behavior.
func (b *InMemoryBackend) FailProvisionWith(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.provisionError = err
}

// FailTeardownWith makes subsequent Teardown calls return the given error.
// Pass nil to restore normal behavior.
func (b *InMemoryBackend) FailTeardownWith(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.teardownError = err
}

// FailStatusWith makes subsequent Status calls return the given error.
// Pass nil to restore normal behavior.
func (b *InMemoryBackend) FailStatusWith(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statusError = err
}

// MarkReady latches the workload backing the given kernel as ready.
func (b *InMemoryBackend) MarkReady(kernelId string) bool {
	workload, loaded := b.workloads.Load(kernelId)
	if !loaded {
		return false
	}

	workload.ready.Store(true)
	return true
}

// HasWorkload reports whether the backend currently holds a workload for the kernel.
func (b *InMemoryBackend) HasWorkload(kernelId string) bool {
	_, loaded := b.workloads.Load(kernelId)
	return loaded
}

// NumProvisionCalls returns the total number of Provision calls observed.
func (b *InMemoryBackend) NumProvisionCalls() int64 {
	return b.provisionCalls.Load()
}

// NumTeardownCalls returns the total number of Teardown calls that reached an
// existing workload.
func (b *InMemoryBackend) NumTeardownCalls() int64 {
	return b.teardownCalls.Load()
}

func (b *InMemoryBackend) Provision(_ context.Context, spec *WorkloadSpec) (*WorkloadHandle, error) {
	b.provisionCalls.Add(1)

	b.mu.Lock()
	provisionError := b.provisionError
	autoReady := b.autoReady
	b.mu.Unlock()

	if provisionError != nil {
		return nil, provisionError
	}

	workload := &inMemoryWorkload{
		handle: &WorkloadHandle{
			KernelId:  spec.KernelId,
			Namespace: spec.Namespace,
			Name:      WorkloadName(spec.SpecName, spec.KernelId),
		},
		spec:      spec,
		createdAt: time.Now(),
	}
	workload.ready.Store(autoReady)

	if _, loaded := b.workloads.LoadOrStore(spec.KernelId, workload); loaded {
		return nil, fmt.Errorf("%w: kernel \"%s\"", ErrWorkloadExists, spec.KernelId)
	}

	b.log.Debug("Provisioned in-memory workload \"%s\" for kernel \"%s\".",
		workload.handle.Name, spec.KernelId)

	return workload.handle, nil
}

func (b *InMemoryBackend) Teardown(_ context.Context, handle *WorkloadHandle) error {
	b.mu.Lock()
	teardownError := b.teardownError
	b.mu.Unlock()

	if teardownError != nil {
		return teardownError
	}

	if _, existed := b.workloads.LoadAndDelete(handle.KernelId); !existed {
		// Missing workloads are success; teardown must be idempotent.
		return nil
	}

	b.teardownCalls.Add(1)

	b.log.Debug("Tore down in-memory workload \"%s\" for kernel \"%s\".", handle.Name, handle.KernelId)
	return nil
}

func (b *InMemoryBackend) Status(_ context.Context, handle *WorkloadHandle) (WorkloadStatus, error) {
	b.mu.Lock()
	statusError := b.statusError
	b.mu.Unlock()

	if statusError != nil {
		return WorkloadNotReady, statusError
	}

	workload, loaded := b.workloads.Load(handle.KernelId)
	if !loaded {
		return WorkloadAbsent, nil
	}

	if workload.ready.Load() {
		return WorkloadReady, nil
	}

	return WorkloadNotReady, nil
}

func (b *InMemoryBackend) List(_ context.Context) ([]*Workload, error) {
	workloads := make([]*Workload, 0, b.workloads.Len())

	b.workloads.Range(func(_ string, workload *inMemoryWorkload) bool {
		status := WorkloadNotReady
		if workload.ready.Load() {
			status = WorkloadReady
		}

		workloads = append(workloads, &Workload{
			Handle:    workload.handle,
			Spec:      workload.spec,
			Status:    status,
			CreatedAt: workload.createdAt,
		})
		return true
	})

	return workloads, nil
}
