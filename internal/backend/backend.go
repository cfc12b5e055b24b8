package backend

import (
	"errors"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/net/context"
)

var (
	// ErrWorkloadExists indicates that the cluster already holds a workload for the requested kernel id.
	ErrWorkloadExists = errors.New("kernel workload already exists")

	// ErrWorkloadNotFound indicates that the cluster holds no workload for the requested kernel id.
	// Teardown treats this as success; Status reports it as WorkloadAbsent.
	ErrWorkloadNotFound = errors.New("kernel workload not found")
)

// WorkloadStatus describes the observed state of a kernel's backing workload.
type WorkloadStatus int

const (
	WorkloadNotReady WorkloadStatus = iota
	WorkloadReady
	WorkloadAbsent
)

func (s WorkloadStatus) String() string {
	switch s {
	case WorkloadReady:
		return "Ready"
	case WorkloadAbsent:
		return "Absent"
	default:
		return "NotReady"
	}
}

// EnvVar is a name/value pair propagated into the kernel's container.
type EnvVar struct {
	Name  string `json:"name"  yaml:"name"`
	Value string `json:"value" yaml:"value"`
}

// VolumeMount attaches the named volume at the given path inside the kernel's container.
type VolumeMount struct {
	Name      string `json:"name"      yaml:"name"`
	MountPath string `json:"mountPath" yaml:"mountPath"`
}

// Volume pairs a name with an opaque, caller-supplied volume source description.
// The source is passed through to the cluster verbatim.
type Volume struct {
	Name   string                 `json:"name"   yaml:"name"`
	Source map[string]interface{} `json:"source" yaml:"source"`
}

// WorkloadSpec is the fully-resolved configuration handed to the cluster when
// provisioning a kernel workload. All defaulting and env filtering has already
// happened by the time a WorkloadSpec is built.
type WorkloadSpec struct {
	KernelId               string        `json:"kernel_id"`
	SpecName               string        `json:"spec_name"`
	Namespace              string        `json:"namespace"`
	Image                  string        `json:"image"`
	WorkingDir             string        `json:"working_dir"`
	IdleTimeoutSeconds     int           `json:"idle_timeout_seconds"`
	CullingIntervalSeconds int           `json:"culling_interval_seconds"`
	Envs                   []EnvVar      `json:"envs"`
	Volumes                []Volume      `json:"volumes"`
	VolumeMounts           []VolumeMount `json:"volume_mounts"`
}

func (s *WorkloadSpec) String() string {
	m, err := json.Marshal(s)
	if err != nil {
		panic(err)
	}

	return string(m)
}

// WorkloadHandle identifies a provisioned workload within the cluster.
type WorkloadHandle struct {
	KernelId  string `json:"kernel_id"`
	Namespace string `json:"namespace"`

	// Name is the cluster-side object name, `<specName>-<kernelId>`.
	Name string `json:"name"`
}

func (h *WorkloadHandle) String() string {
	m, err := json.Marshal(h)
	if err != nil {
		panic(err)
	}

	return string(m)
}

// Workload is a cluster-side view of a kernel workload, returned by List for
// startup reconciliation.
type Workload struct {
	Handle    *WorkloadHandle
	Spec      *WorkloadSpec
	Status    WorkloadStatus
	CreatedAt time.Time
}

// ClusterBackend is the capability through which the lifecycle manager
// creates, destroys, and observes kernel workloads. The backend is an external
// shared resource: every call may fail after partial effect, so callers must
// treat Teardown as idempotent and re-issue it freely.
type ClusterBackend interface {
	// Provision creates the backing workload for a kernel. ErrWorkloadExists
	// is returned when the cluster already holds a workload for the kernel id.
	Provision(ctx context.Context, spec *WorkloadSpec) (*WorkloadHandle, error)

	// Teardown destroys the backing workload. A missing workload is success.
	Teardown(ctx context.Context, handle *WorkloadHandle) error

	// Status reports the observed readiness of the backing workload.
	Status(ctx context.Context, handle *WorkloadHandle) (WorkloadStatus, error)

	// List returns every kernel workload the cluster currently holds.
	// Used to rebuild the registry after a restart.
	List(ctx context.Context) ([]*Workload, error)
}
