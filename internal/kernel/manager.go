package kernel

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/google/uuid"
	"golang.org/x/net/context"

	"github.com/scusemua/kernel-manager/internal/backend"
	"github.com/scusemua/kernel-manager/internal/domain"
	"github.com/scusemua/kernel-manager/internal/metrics"
	"github.com/scusemua/kernel-manager/internal/spec"
	"github.com/scusemua/kernel-manager/internal/utils"
)

// readinessPollInterval is how often a kernel's workload status is polled
// while the kernel is AwaitingReady.
const readinessPollInterval = time.Second

// CreateRequest carries the caller-supplied parameters of a kernel creation.
// Every field except SpecName is optional; unset fields fall back to the
// resolved spec's defaults.
type CreateRequest struct {
	// Id is the caller-chosen kernel id. When empty, a fresh UUID is assigned.
	Id string `json:"kernel_id"`

	// SpecName selects the catalog entry providing the kernel's defaults.
	// When empty, the default spec is used.
	SpecName string `json:"kernel_spec_name"`

	Namespace  string `json:"kernel_namespace"`
	WorkingDir string `json:"kernel_working_dir"`
	Image      string `json:"kernel_image"`

	// Envs are filtered to the reserved EnvPrefix before provisioning.
	Envs []backend.EnvVar `json:"kernel_envs"`

	Volumes      []backend.Volume      `json:"kernel_volumes"`
	VolumeMounts []backend.VolumeMount `json:"kernel_volume_mounts"`

	// IdleTimeoutSeconds overrides the spec's idle timeout when > 0.
	// A negative value disables idle reaping for this kernel.
	IdleTimeoutSeconds int `json:"kernel_idle_timeout"`

	// WaitForReady blocks the create until the kernel's workload reports
	// ready (bounded by the configured ready timeout) rather than returning
	// as soon as the workload has been provisioned.
	WaitForReady bool `json:"wait_for_ready"`
}

// Manager owns the full lifecycle of every kernel: creation, readiness
// tracking, activity recording, deletion, and startup recovery. All lifecycle
// operations on the same kernel id are serialized through the registry's
// per-id locks; operations on different ids proceed in parallel.
type Manager struct {
	registry *Registry
	specs    *spec.Registry
	backend  backend.ClusterBackend
	metrics  *metrics.PrometheusManager

	readyTimeout           time.Duration
	backendTimeout         time.Duration
	cullingIntervalSeconds int

	log logger.Logger
}

func NewManager(specs *spec.Registry, clusterBackend backend.ClusterBackend,
	prometheusManager *metrics.PrometheusManager, opts *domain.KernelManagerOptions) *Manager {

	manager := &Manager{
		registry:               NewRegistry(),
		specs:                  specs,
		backend:                clusterBackend,
		metrics:                prometheusManager,
		readyTimeout:           time.Duration(opts.ReadyTimeoutSec) * time.Second,
		backendTimeout:         time.Duration(opts.BackendTimeoutSec) * time.Second,
		cullingIntervalSeconds: opts.CullingIntervalSec,
	}
	config.InitLogger(&manager.log, manager)

	return manager
}

// Registry exposes the manager's record registry, primarily so the idle
// reaper can sweep it.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// NumKernels returns the number of live kernel records.
func (m *Manager) NumKernels() int {
	return m.registry.Len()
}

// CreateKernel provisions a new kernel and registers a record for it.
//
// The request's spec name is resolved against the catalog, caller overrides
// are merged over the spec's defaults, and env entries without the KERNEL_
// prefix are silently discarded. When the request carries no id, a fresh UUID
// is assigned. The returned record is AwaitingReady unless WaitForReady was
// set, in which case it is Ready (or the create fails with ErrReadinessTimeout
// and the record is left Failed).
func (m *Manager) CreateKernel(ctx context.Context, req *CreateRequest) (*Record, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: nil create request", ErrInvalidRequest)
	}

	startTime := time.Now()

	specName := req.SpecName
	if specName == "" {
		specName = spec.DefaultSpecName
	}

	kernelSpec, err := m.specs.Resolve(specName)
	if err != nil {
		return nil, err
	}

	kernelId := req.Id
	if kernelId == "" {
		kernelId = uuid.NewString()
	}

	record := newRecord(kernelId, kernelSpec, req)

	lock := m.registry.Lock(kernelId)
	lock.Lock()
	defer lock.Unlock()

	if err = m.registry.Insert(record); err != nil {
		m.log.Warn("Rejecting creation of kernel \"%s\": %v", kernelId, err)
		return nil, err
	}

	m.log.Debug("↪ CreateKernel[KernelId=%s, Spec=%s, WaitForReady=%v]", kernelId, specName, req.WaitForReady)

	if m.metrics != nil {
		m.metrics.TotalNumKernelsCounter.Inc()
	}

	if err = m.provision(ctx, record); err != nil {
		return nil, err
	}

	if req.WaitForReady {
		if err = m.waitForReady(ctx, record, false); err != nil {
			return nil, err
		}

		if m.metrics != nil {
			m.metrics.ObserveKernelCreationLatency(time.Since(startTime))
		}

		m.log.Debug(utils.DarkGreenStyle.Render("↩ CreateKernel[KernelId=%s] ready after %v"),
			kernelId, time.Since(startTime))
		return record, nil
	}

	// Finish the readiness wait in the background so the caller gets the
	// AwaitingReady record immediately. Delete cancels the continuation via
	// the context stored on the record.
	waitCtx, cancel := context.WithCancel(context.Background())
	record.setReadinessCancel(cancel)
	go m.continueReadinessWait(waitCtx, record, startTime)

	m.log.Debug("↩ CreateKernel[KernelId=%s] provisioned; awaiting readiness in background.", kernelId)
	return record, nil
}

// provision transitions the record through Provisioning and creates its
// workload. Caller must hold the record's per-id lock. On failure the record
// is left Failed and any partially-created workload is torn down best-effort.
func (m *Manager) provision(ctx context.Context, record *Record) error {
	if err := record.transition(PhaseProvisioning); err != nil {
		return err
	}

	provisionCtx, cancel := context.WithTimeout(ctx, m.backendTimeout)
	defer cancel()

	handle, err := m.backend.Provision(provisionCtx, record.workloadSpec(m.cullingIntervalSeconds))
	if err != nil {
		m.log.Error("Failed to provision workload for kernel \"%s\" because: %v", record.Id(), err)
		m.failKernel(record, nil)
		return err
	}

	record.setHandle(handle)

	if err = record.transition(PhaseAwaitingReady); err != nil {
		// The record was mutated outside the per-id lock. Tear the fresh
		// workload down rather than leak it.
		m.failKernel(record, handle)
		return err
	}

	return nil
}

// waitForReady polls the workload's status until it reports ready, the record
// leaves AwaitingReady, or the ready timeout elapses. Caller must hold the
// record's per-id lock. On timeout the record is left Failed, the workload is
// torn down exactly once (best effort), and ErrReadinessTimeout is returned.
//
// deleteOwnsCancel reports whether ctx is the cancellable context stored on
// the record, meaning cancellation can only come from a concurrent delete. In
// that case the record is left AwaitingReady for the delete to claim. When ctx
// is a caller's request context, cancellation means the caller walked away and
// nobody else will clean up, so it is handled like a timeout.
func (m *Manager) waitForReady(ctx context.Context, record *Record, deleteOwnsCancel bool) error {
	deadline := time.Now().Add(m.readyTimeout)
	ticker := time.NewTicker(readinessPollInterval)
	defer ticker.Stop()

	for {
		status, err := m.pollStatus(ctx, record)
		if err != nil {
			m.log.Warn("Failed to query status of kernel \"%s\" because: %v", record.Id(), err)
		} else if status == backend.WorkloadReady {
			if err = record.transition(PhaseReady); err != nil {
				return err
			}

			record.touch(time.Now())

			if m.metrics != nil {
				m.metrics.NumActiveKernelsGauge.Inc()
			}

			m.log.Debug(utils.GreenStyle.Render("Kernel \"%s\" is now ready."), record.Id())
			return nil
		}

		if time.Now().After(deadline) {
			m.log.Error("Kernel \"%s\" failed to become ready within %v.", record.Id(), m.readyTimeout)
			m.failKernel(record, record.Handle())
			return fmt.Errorf("%w: kernel \"%s\" after %v", ErrReadinessTimeout, record.Id(), m.readyTimeout)
		}

		select {
		case <-ctx.Done():
			if deleteOwnsCancel && errors.Is(ctx.Err(), context.Canceled) {
				return ctx.Err()
			}

			m.failKernel(record, record.Handle())
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// continueReadinessWait is the background half of a non-blocking create. It
// re-acquires the per-id lock before touching the record so it cannot race a
// concurrent delete, and backs off entirely once the record has left
// AwaitingReady.
func (m *Manager) continueReadinessWait(ctx context.Context, record *Record, startTime time.Time) {
	lock := m.registry.Lock(record.Id())
	lock.Lock()
	defer lock.Unlock()

	if record.Phase() != PhaseAwaitingReady {
		return
	}

	if err := m.waitForReady(ctx, record, true); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}

		m.log.Warn(utils.OrangeStyle.Render("Background readiness wait for kernel \"%s\" failed: %v"),
			record.Id(), err)
		return
	}

	if m.metrics != nil {
		m.metrics.ObserveKernelCreationLatency(time.Since(startTime))
	}
}

// failKernel marks the record Failed and, when a workload handle is known,
// tears the workload down. Teardown errors are logged and swallowed; the
// record stays in the registry until explicitly deleted.
func (m *Manager) failKernel(record *Record, handle *backend.WorkloadHandle) {
	if err := record.transition(PhaseFailed); err != nil {
		m.log.Error("Could not mark kernel \"%s\" as failed: %v", record.Id(), err)
	}

	if m.metrics != nil {
		m.metrics.NumFailedKernelCreationsCounter.Inc()
	}

	if handle == nil {
		return
	}

	teardownCtx, cancel := context.WithTimeout(context.Background(), m.backendTimeout)
	defer cancel()

	if err := m.backend.Teardown(teardownCtx, handle); err != nil {
		m.log.Warn("Failed to tear down workload of failed kernel \"%s\": %v", record.Id(), err)
	}
}

// GetKernel returns the live record for the given id.
func (m *Manager) GetKernel(id string) (*Record, error) {
	record, ok := m.registry.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: \"%s\"", ErrKernelNotFound, id)
	}

	return record, nil
}

// ListKernels returns all live records in creation order. It never blocks on
// in-flight lifecycle operations.
func (m *Manager) ListKernels() []*Record {
	return m.registry.List()
}

// Touch records client activity against the kernel, deferring its idle
// deadline. Unknown ids and kernels that are not Ready are ignored.
func (m *Manager) Touch(id string) {
	record, ok := m.registry.Get(id)
	if !ok {
		return
	}

	record.touch(time.Now())
}

// DeleteKernel tears the kernel's workload down and removes its record.
//
// If another caller is already deleting the kernel, ErrKernelAlreadyDeleting
// is returned immediately. A record left Deleting by an earlier failed
// teardown is retried. Unknown ids yield ErrKernelNotFound; a teardown
// failure leaves the record Deleting and surfaces the error so the caller can
// retry.
func (m *Manager) DeleteKernel(ctx context.Context, id string) error {
	record, ok := m.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: \"%s\"", ErrKernelNotFound, id)
	}

	// A background readiness continuation holds the per-id lock while it
	// polls, so cancel it before contending for the lock.
	record.cancelReadinessWait()

	lock := m.registry.Lock(id)
	if !lock.TryLock() {
		// Somebody holds the id's lock. Report a conflict only when that
		// somebody is an in-flight delete; otherwise wait our turn.
		if record.Phase() == PhaseDeleting {
			return fmt.Errorf("%w: \"%s\"", ErrKernelAlreadyDeleting, id)
		}

		lock.Lock()
	}
	defer lock.Unlock()

	record, ok = m.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: \"%s\"", ErrKernelNotFound, id)
	}

	m.log.Debug("↪ DeleteKernel[KernelId=%s, Phase=%v]", id, record.Phase())

	wasReady := record.Ready()

	if err := record.transition(PhaseDeleting); err != nil {
		return err
	}

	if handle := record.Handle(); handle != nil {
		teardownCtx, cancel := context.WithTimeout(ctx, m.backendTimeout)
		err := m.backend.Teardown(teardownCtx, handle)
		cancel()

		if err != nil {
			// Leave the record Deleting; a retry re-enters this path.
			m.log.Error("Failed to tear down workload of kernel \"%s\" because: %v", id, err)
			return err
		}
	}

	if err := record.transition(PhaseDeleted); err != nil {
		return err
	}

	m.registry.Remove(id)

	if m.metrics != nil {
		if wasReady {
			m.metrics.NumActiveKernelsGauge.Dec()
		}
		m.metrics.NumDeletedKernelsCounter.Inc()
	}

	m.log.Debug(utils.DarkGreenStyle.Render("↩ DeleteKernel[KernelId=%s]"), id)
	return nil
}

// DeleteKernels deletes the given kernels, each independently, and returns a
// per-id error map. Unknown ids count as success, so deleting an
// already-deleted kernel is idempotent at the bulk level.
func (m *Manager) DeleteKernels(ctx context.Context, ids []string) map[string]error {
	results := make(map[string]error, len(ids))

	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, id := range ids {
		wg.Add(1)
		go func(kernelId string) {
			defer wg.Done()

			err := m.DeleteKernel(ctx, kernelId)
			if errors.Is(err, ErrKernelNotFound) {
				err = nil
			}

			mu.Lock()
			results[kernelId] = err
			mu.Unlock()
		}(id)
	}

	wg.Wait()
	return results
}

// Recover rebuilds the registry from the cluster's live workloads. The
// backend's List is authoritative: every workload it reports gets a record,
// Ready or AwaitingReady according to its status, with the configuration the
// backend echoes back. Intended to be called once at startup, before any
// lifecycle traffic.
func (m *Manager) Recover(ctx context.Context) error {
	listCtx, cancel := context.WithTimeout(ctx, m.backendTimeout)
	defer cancel()

	workloads, err := m.backend.List(listCtx)
	if err != nil {
		return fmt.Errorf("failed to list existing kernel workloads: %w", err)
	}

	recovered := 0
	for _, workload := range workloads {
		if workload.Handle == nil || workload.Spec == nil {
			m.log.Warn("Skipping malformed workload during recovery: %v", workload)
			continue
		}

		record := recoveredRecord(workload)

		if err = m.registry.Insert(record); err != nil {
			m.log.Warn("Skipping workload \"%s\" during recovery: %v", workload.Handle.Name, err)
			continue
		}

		if workload.Status == backend.WorkloadReady {
			if m.metrics != nil {
				m.metrics.NumActiveKernelsGauge.Inc()
			}
		} else {
			// Not ready yet. Resume the readiness wait where the previous
			// process left off.
			waitCtx, cancelWait := context.WithCancel(context.Background())
			record.setReadinessCancel(cancelWait)
			go m.continueReadinessWait(waitCtx, record, time.Now())
		}

		recovered++
	}

	if recovered > 0 {
		m.log.Debug(utils.LightBlueStyle.Render("Recovered %d kernel(s) from the cluster."), recovered)
	}

	return nil
}

// newRecord resolves the caller's overrides against the spec's defaults and
// returns a fresh Pending record.
func newRecord(kernelId string, kernelSpec spec.Spec, req *CreateRequest) *Record {
	namespace := req.Namespace
	if namespace == "" {
		namespace = kernelSpec.Namespace
	}

	workingDir := req.WorkingDir
	if workingDir == "" {
		workingDir = kernelSpec.WorkingDir
	}

	image := req.Image
	if image == "" {
		image = kernelSpec.Image
	}

	idleTimeoutSeconds := req.IdleTimeoutSeconds
	if idleTimeoutSeconds == 0 {
		idleTimeoutSeconds = kernelSpec.IdleTimeoutSeconds
	}

	now := time.Now()
	return &Record{
		id:                 kernelId,
		specName:           kernelSpec.Name,
		namespace:          namespace,
		workingDir:         workingDir,
		image:              image,
		envs:               FilterEnvs(req.Envs),
		volumes:            req.Volumes,
		volumeMounts:       req.VolumeMounts,
		idleTimeoutSeconds: idleTimeoutSeconds,
		createdAt:          now,
		phase:              PhasePending,
		lastActivityAt:     now,
	}
}

// recoveredRecord rebuilds a record from a workload the cluster reported
// during startup recovery.
func recoveredRecord(workload *backend.Workload) *Record {
	phase := PhaseAwaitingReady
	if workload.Status == backend.WorkloadReady {
		phase = PhaseReady
	}

	createdAt := workload.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	return &Record{
		id:                 workload.Spec.KernelId,
		specName:           workload.Spec.SpecName,
		namespace:          workload.Spec.Namespace,
		workingDir:         workload.Spec.WorkingDir,
		image:              workload.Spec.Image,
		envs:               workload.Spec.Envs,
		volumes:            workload.Spec.Volumes,
		volumeMounts:       workload.Spec.VolumeMounts,
		idleTimeoutSeconds: workload.Spec.IdleTimeoutSeconds,
		createdAt:          createdAt,
		phase:              phase,
		lastActivityAt:     time.Now(),
		handle:             workload.Handle,
	}
}

// pollStatus queries the workload's current status with a bounded context.
func (m *Manager) pollStatus(ctx context.Context, record *Record) (backend.WorkloadStatus, error) {
	statusCtx, cancel := context.WithTimeout(ctx, m.backendTimeout)
	defer cancel()

	return m.backend.Status(statusCtx, record.Handle())
}
