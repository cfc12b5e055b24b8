package main

import (
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"golang.org/x/net/context"

	"github.com/scusemua/kernel-manager/internal/backend"
	"github.com/scusemua/kernel-manager/internal/domain"
	"github.com/scusemua/kernel-manager/internal/kernel"
	"github.com/scusemua/kernel-manager/internal/metrics"
	"github.com/scusemua/kernel-manager/internal/spec"
	"github.com/scusemua/kernel-manager/internal/utils"
)

var (
	options      = domain.KernelManagerOptions{}
	globalLogger = config.GetLogger("")
	sig          = make(chan os.Signal, 1)
)

func init() {
	lipgloss.SetColorProfile(termenv.ANSI256)

	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGABRT)
}

// ValidateOptions ensures that the options/configuration is valid.
func ValidateOptions() {
	flags, err := config.ValidateOptions(&options)
	if errors.Is(err, config.ErrPrintUsage) {
		flags.PrintDefaults()
		os.Exit(0)
	} else if err != nil {
		log.Fatal(err)
	}
}

func createBackend() backend.ClusterBackend {
	switch options.DeploymentMode {
	case domain.DeploymentModeKubernetes:
		globalLogger.Info("Running in KUBERNETES mode.")

		kubeBackend, err := backend.NewKubernetesBackend(options.KubeConfigPath)
		if err != nil {
			log.Fatalf("Failed to initialize the Kubernetes backend: %v", err)
		}

		return kubeBackend
	case domain.DeploymentModeInMemory:
		globalLogger.Info("Running in IN-MEMORY mode.")

		inMemory := backend.NewInMemoryBackend()
		inMemory.SetAutoReady(true)
		return inMemory
	default:
		globalLogger.Error("Unknown/unsupported deployment mode: \"%s\"", options.DeploymentMode)
		globalLogger.Error("The supported deployment modes are: ")
		globalLogger.Error("- \"kubernetes\"")
		globalLogger.Error("- \"in-memory\"")
		os.Exit(1)
		return nil
	}
}

func main() {
	var done sync.WaitGroup

	// Ensure that the options/configuration is valid.
	ValidateOptions()
	options.ValidateKernelManagerOptions()

	if options.PrettyPrintOptions {
		globalLogger.Info("Starting the Kernel Manager with the following options:\n%s\n",
			options.PrettyString(2))
	} else {
		globalLogger.Info("Starting the Kernel Manager.")
	}

	specRegistry, err := spec.LoadRegistry(options.KernelSpecsFile)
	if err != nil {
		log.Fatalf("Failed to load the kernel spec catalog: %v", err)
	}
	globalLogger.Info("Loaded %d kernel spec(s): %v", len(specRegistry.Names()), specRegistry.Names())

	clusterBackend := createBackend()

	var prometheusManager *metrics.PrometheusManager
	if !options.DisablePrometheusMetricsPublishing {
		prometheusManager = metrics.NewPrometheusManager(options.PrometheusPort)
	}

	kernelManager := kernel.NewManager(specRegistry, clusterBackend, prometheusManager, &options)

	// The cluster is authoritative on startup: adopt whatever kernel
	// workloads are already running before accepting any traffic.
	recoverCtx, cancelRecover := context.WithTimeout(context.Background(), 2*time.Minute)
	if err = kernelManager.Recover(recoverCtx); err != nil {
		cancelRecover()
		log.Fatalf("Failed to recover existing kernels from the cluster: %v", err)
	}
	cancelRecover()

	if n := kernelManager.NumKernels(); n > 0 {
		globalLogger.Info("Adopted %d existing kernel(s) from the cluster.", n)
	}

	idleReaper := kernel.NewIdleReaper(kernelManager.Registry(),
		time.Duration(options.CullingIntervalSec)*time.Second, prometheusManager, kernelManager.DeleteKernel)
	idleReaper.Start()

	if prometheusManager != nil {
		go func() {
			if serveErr := prometheusManager.Start(); serveErr != nil {
				globalLogger.Error(utils.RedStyle.Render("Error on serving Prometheus metrics: %v"), serveErr)
			}
		}()
	}

	// Start detecting stop signals
	done.Add(1)
	go func() {
		<-sig
		globalLogger.Info(utils.GrayStyle.Render("Shutting down..."))

		idleReaper.Close()

		if prometheusManager != nil {
			_ = prometheusManager.Stop()
		}

		done.Done()
	}()

	done.Wait()
}
