package domain

import (
	"strings"

	"github.com/Scusemua/go-utils/config"
	"github.com/goccy/go-json"
)

const (
	// DeploymentModeKubernetes backs kernels with Kernel custom resources in a Kubernetes cluster.
	DeploymentModeKubernetes = "kubernetes"
	// DeploymentModeInMemory backs kernels with an in-process fake cluster. Used by unit tests and local development.
	DeploymentModeInMemory = "in-memory"

	// DefaultReadyTimeoutSec is the default bound on waiting for a newly-provisioned kernel to become ready.
	DefaultReadyTimeoutSec = 60
	// DefaultBackendTimeoutSec is the default bound on individual provision/teardown calls against the cluster.
	DefaultBackendTimeoutSec = 60
	// DefaultCullingIntervalSec is the default period of the idle reaper's sweep.
	DefaultCullingIntervalSec = 60

	// DefaultPrometheusPort is the default port on which the kernel manager serves Prometheus metrics.
	DefaultPrometheusPort = 8089
)

type KernelManagerOptions struct {
	config.LoggerOptions `yaml:",inline" json:"logger_options"`

	DeploymentMode  string `name:"deployment_mode"   json:"deployment_mode"   yaml:"deployment_mode"   description:"How kernel workloads are backed. Options are 'kubernetes' and 'in-memory'."`
	KernelSpecsFile string `name:"kernel_specs_file" json:"kernel_specs_file" yaml:"kernel_specs_file" description:"Path to the YAML catalog of allowed kernel specifications. When empty, a built-in 'python' spec is installed."`
	KubeConfigPath  string `name:"kube_config_path"  json:"kube_config_path"  yaml:"kube_config_path"  description:"Path to a kubeconfig file. Used as a fallback when in-cluster configuration is unavailable."`

	ReadyTimeoutSec    int `name:"ready_timeout_sec"    json:"ready_timeout_sec"    yaml:"ready_timeout_sec"    description:"How long, in seconds, a create request will wait for a kernel workload to report ready before failing."`
	BackendTimeoutSec  int `name:"backend_timeout_sec"  json:"backend_timeout_sec"  yaml:"backend_timeout_sec"  description:"Bound, in seconds, on individual provision/teardown calls against the cluster backend."`
	CullingIntervalSec int `name:"culling_interval_sec" json:"culling_interval_sec" yaml:"culling_interval_sec" description:"Period, in seconds, of the idle reaper's sweep. Setting this to 0 disables idle reaping entirely."`

	PrometheusPort                     int  `name:"prometheus_port" json:"prometheus_port" yaml:"prometheus_port" description:"The port on which the kernel manager will serve Prometheus metrics."`
	DisablePrometheusMetricsPublishing bool `name:"disable_prometheus_metrics_publishing" json:"disable_prometheus_metrics_publishing" yaml:"disable_prometheus_metrics_publishing" description:"If true, then the HTTP server publishing Prometheus metrics will not be created."`

	// PrettyPrintOptions, when true, instructs the driver to pretty-print the
	// KernelManagerOptions struct when the program first begins running.
	PrettyPrintOptions bool `name:"pretty_print_options" json:"pretty_print_options" yaml:"pretty_print_options"`
}

// ValidateKernelManagerOptions fills in defaults for unset numeric options and
// normalizes the deployment mode.
func (opts *KernelManagerOptions) ValidateKernelManagerOptions() {
	if opts.DeploymentMode == "" {
		opts.DeploymentMode = DeploymentModeKubernetes
	}

	if opts.ReadyTimeoutSec <= 0 {
		opts.ReadyTimeoutSec = DefaultReadyTimeoutSec
	}

	if opts.BackendTimeoutSec <= 0 {
		opts.BackendTimeoutSec = DefaultBackendTimeoutSec
	}

	if opts.CullingIntervalSec < 0 {
		opts.CullingIntervalSec = DefaultCullingIntervalSec
	}

	if opts.PrometheusPort <= 0 {
		opts.PrometheusPort = DefaultPrometheusPort
	}
}

func (opts *KernelManagerOptions) String() string {
	m, err := json.Marshal(opts)
	if err != nil {
		panic(err)
	}

	return string(m)
}

// PrettyString is the same as String, except that PrettyString calls json.MarshalIndent instead of json.Marshal.
func (opts *KernelManagerOptions) PrettyString(indentSize int) string {
	indentBuilder := strings.Builder{}
	for i := 0; i < indentSize; i++ {
		indentBuilder.WriteString(" ")
	}

	m, err := json.MarshalIndent(opts, "", indentBuilder.String())
	if err != nil {
		panic(err)
	}

	return string(m)
}
