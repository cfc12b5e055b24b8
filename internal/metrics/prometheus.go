package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ErrPrometheusManagerAlreadyRunning = errors.New("prometheus manager is already running")
	ErrPrometheusManagerNotRunning     = errors.New("prometheus manager is not running")
)

// PrometheusManager registers the kernel manager's metrics and serves them
// over HTTP. All record/observe methods are safe to call before Start; the
// collectors exist from construction.
type PrometheusManager struct {
	// NumActiveKernelsGauge tracks the number of live, Ready kernels.
	NumActiveKernelsGauge prometheus.Gauge

	// TotalNumKernelsCounter counts every kernel to have ever been created.
	TotalNumKernelsCounter prometheus.Counter

	// NumFailedKernelCreationsCounter counts create attempts that ended in a Failed record.
	NumFailedKernelCreationsCounter prometheus.Counter

	// NumDeletedKernelsCounter counts successful kernel deletions, including reaped kernels.
	NumDeletedKernelsCounter prometheus.Counter

	// NumReapedKernelsCounter counts kernels culled by the idle reaper.
	NumReapedKernelsCounter prometheus.Counter

	// KernelCreationLatencyHistogram observes end-to-end create latency in milliseconds.
	KernelCreationLatencyHistogram prometheus.Histogram

	registry *prometheus.Registry
	server   *http.Server
	port     int

	mu      sync.Mutex
	serving bool

	log logger.Logger
}

func NewPrometheusManager(port int) *PrometheusManager {
	manager := &PrometheusManager{
		port:     port,
		registry: prometheus.NewRegistry(),
	}
	config.InitLogger(&manager.log, manager)

	manager.NumActiveKernelsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kernel_manager",
		Name:      "active_kernels",
		Help:      "Number of actively-running kernels",
	})
	manager.TotalNumKernelsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kernel_manager",
		Name:      "kernels_total",
		Help:      "Total number of kernels to have ever been created",
	})
	manager.NumFailedKernelCreationsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kernel_manager",
		Name:      "kernel_creation_failures_total",
		Help:      "Total number of kernel create attempts that failed",
	})
	manager.NumDeletedKernelsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kernel_manager",
		Name:      "kernels_deleted_total",
		Help:      "Total number of kernels deleted, including idle-reaped kernels",
	})
	manager.NumReapedKernelsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kernel_manager",
		Name:      "kernels_reaped_total",
		Help:      "Total number of kernels culled by the idle reaper",
	})
	manager.KernelCreationLatencyHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kernel_manager",
		Name:      "kernel_creation_latency_milliseconds",
		Help:      "End-to-end latency of kernel creation in milliseconds",
		Buckets:   prometheus.ExponentialBuckets(50, 2, 12),
	})

	manager.registry.MustRegister(
		manager.NumActiveKernelsGauge,
		manager.TotalNumKernelsCounter,
		manager.NumFailedKernelCreationsCounter,
		manager.NumDeletedKernelsCounter,
		manager.NumReapedKernelsCounter,
		manager.KernelCreationLatencyHistogram,
	)

	return manager
}

// ObserveKernelCreationLatency records how long a successful create took.
func (m *PrometheusManager) ObserveKernelCreationLatency(latency time.Duration) {
	m.KernelCreationLatencyHistogram.Observe(float64(latency.Milliseconds()))
}

// Start begins serving the metrics via an HTTP endpoint.
// Important: this should be called from its own goroutine.
func (m *PrometheusManager) Start() error {
	m.mu.Lock()
	if m.serving {
		m.mu.Unlock()
		m.log.Warn("Prometheus manager is already serving on port %d.", m.port)
		return ErrPrometheusManagerAlreadyRunning
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	m.server = &http.Server{Addr: fmt.Sprintf(":%d", m.port), Handler: mux}
	m.serving = true
	m.mu.Unlock()

	m.log.Debug("Serving Prometheus metrics on port %d.", m.port)

	if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// Stop shuts the metrics HTTP server down.
func (m *PrometheusManager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.serving {
		return ErrPrometheusManagerNotRunning
	}

	m.serving = false
	return m.server.Close()
}
