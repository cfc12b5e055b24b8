package kernel

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/scusemua/kernel-manager/internal/backend"
)

// EnvPrefix is the reserved prefix for env entries propagated into a kernel's
// workload. Entries without it are silently discarded at creation time.
const EnvPrefix = "KERNEL_"

// FilterEnvs returns the subset of envs whose names carry the reserved
// EnvPrefix, preserving their order.
func FilterEnvs(envs []backend.EnvVar) []backend.EnvVar {
	filtered := make([]backend.EnvVar, 0, len(envs))
	for _, env := range envs {
		if strings.HasPrefix(env.Name, EnvPrefix) {
			filtered = append(filtered, env)
		}
	}

	return filtered
}

// Record is the mutable aggregate tracking a single kernel. The id, spec
// name, resolved configuration, and creation time are immutable; the phase,
// activity timestamp, workload handle, and readiness continuation are guarded
// by an internal mutex and only mutated by the lifecycle manager while it
// holds the kernel's per-id lock.
type Record struct {
	id                 string
	specName           string
	namespace          string
	workingDir         string
	image              string
	envs               []backend.EnvVar
	volumes            []backend.Volume
	volumeMounts       []backend.VolumeMount
	idleTimeoutSeconds int
	createdAt          time.Time

	mu              sync.RWMutex
	phase           Phase
	lastActivityAt  time.Time
	handle          *backend.WorkloadHandle
	cancelReadiness context.CancelFunc
}

// Phase returns the record's current lifecycle phase.
func (r *Record) Phase() Phase {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.phase
}

// Ready reports whether the kernel is currently usable.
func (r *Record) Ready() bool {
	return r.Phase() == PhaseReady
}

func (r *Record) Id() string           { return r.id }
func (r *Record) SpecName() string     { return r.specName }
func (r *Record) Namespace() string    { return r.namespace }
func (r *Record) WorkingDir() string   { return r.workingDir }
func (r *Record) Image() string        { return r.image }
func (r *Record) CreatedAt() time.Time { return r.createdAt }

func (r *Record) IdleTimeoutSeconds() int { return r.idleTimeoutSeconds }

// IdleTimeout returns the idle timeout as a duration. A zero or negative
// timeout means the kernel is never culled.
func (r *Record) IdleTimeout() time.Duration {
	return time.Duration(r.idleTimeoutSeconds) * time.Second
}

func (r *Record) Envs() []backend.EnvVar              { return r.envs }
func (r *Record) Volumes() []backend.Volume           { return r.volumes }
func (r *Record) VolumeMounts() []backend.VolumeMount { return r.volumeMounts }

// LastActivityAt returns the time of the last observed client activity.
// Only meaningful while the kernel is Ready.
func (r *Record) LastActivityAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastActivityAt
}

// Handle returns the cluster-side handle of the kernel's workload, or nil if
// provisioning has not succeeded yet.
func (r *Record) Handle() *backend.WorkloadHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handle
}

// transition moves the record to the next phase, enforcing the transition table.
func (r *Record) transition(next Phase) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.phase.CanTransition(next) {
		return fmt.Errorf("%w: %v -> %v (kernel \"%s\")", ErrInvalidTransition, r.phase, next, r.id)
	}

	r.phase = next
	return nil
}

// touch records client activity. It is a no-op unless the kernel is Ready.
func (r *Record) touch(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.phase != PhaseReady {
		return false
	}

	r.lastActivityAt = now
	return true
}

func (r *Record) setHandle(handle *backend.WorkloadHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handle = handle
}

// setReadinessCancel stores the cancel function of a background readiness
// continuation so that a concurrent delete can stop it.
func (r *Record) setReadinessCancel(cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelReadiness = cancel
}

// cancelReadinessWait cancels any pending readiness continuation.
func (r *Record) cancelReadinessWait() {
	r.mu.Lock()
	cancel := r.cancelReadiness
	r.cancelReadiness = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// workloadSpec builds the fully-resolved spec handed to the cluster backend.
func (r *Record) workloadSpec(cullingIntervalSeconds int) *backend.WorkloadSpec {
	return &backend.WorkloadSpec{
		KernelId:               r.id,
		SpecName:               r.specName,
		Namespace:              r.namespace,
		Image:                  r.image,
		WorkingDir:             r.workingDir,
		IdleTimeoutSeconds:     r.idleTimeoutSeconds,
		CullingIntervalSeconds: cullingIntervalSeconds,
		Envs:                   r.envs,
		Volumes:                r.volumes,
		VolumeMounts:           r.volumeMounts,
	}
}

// Model is the transport-facing snapshot of a kernel record. The transport
// layer serializes it directly; it carries no internal state.
type Model struct {
	KernelId           string                `json:"kernel_id"`
	SpecName           string                `json:"kernel_spec_name"`
	Namespace          string                `json:"kernel_namespace"`
	WorkingDir         string                `json:"kernel_working_dir"`
	Image              string                `json:"kernel_image"`
	Envs               []backend.EnvVar      `json:"kernel_envs"`
	Volumes            []backend.Volume      `json:"kernel_volumes"`
	VolumeMounts       []backend.VolumeMount `json:"kernel_volume_mounts"`
	IdleTimeoutSeconds int                   `json:"kernel_idle_timeout"`
	Ready              bool                  `json:"ready"`
	LastActivityAt     time.Time             `json:"kernel_last_activity_time"`
	CreatedAt          time.Time             `json:"created_at"`
	Phase              string                `json:"phase"`
}

// Model returns a consistent snapshot of the record.
func (r *Record) Model() *Model {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return &Model{
		KernelId:           r.id,
		SpecName:           r.specName,
		Namespace:          r.namespace,
		WorkingDir:         r.workingDir,
		Image:              r.image,
		Envs:               r.envs,
		Volumes:            r.volumes,
		VolumeMounts:       r.volumeMounts,
		IdleTimeoutSeconds: r.idleTimeoutSeconds,
		Ready:              r.phase == PhaseReady,
		LastActivityAt:     r.lastActivityAt,
		CreatedAt:          r.createdAt,
		Phase:              r.phase.String(),
	}
}

func (r *Record) String() string {
	m, err := json.Marshal(r.Model())
	if err != nil {
		panic(err)
	}

	return string(m)
}
