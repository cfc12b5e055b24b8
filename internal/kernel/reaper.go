package kernel

import (
	"sync/atomic"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"golang.org/x/net/context"

	"github.com/scusemua/kernel-manager/internal/metrics"
	"github.com/scusemua/kernel-manager/internal/utils"
)

// ReapFunction deletes the identified kernel on the reaper's behalf.
type ReapFunction func(ctx context.Context, kernelId string) error

// IdleReaper periodically sweeps the registry for Ready kernels whose idle
// timeout has elapsed since their last recorded activity and deletes them.
// Kernels with a non-positive idle timeout are never culled.
type IdleReaper struct {
	registry *Registry
	metrics  *metrics.PrometheusManager

	// interval is how often the sweep runs. If interval is set to 0, then
	// idle reaping is disabled entirely.
	interval time.Duration

	// closed is used to signal/indicate that the IdleReaper should stop.
	closed atomic.Int32

	// running indicates whether the IdleReaper is running.
	running atomic.Int32

	reap ReapFunction

	log logger.Logger
}

func NewIdleReaper(registry *Registry, interval time.Duration,
	prometheusManager *metrics.PrometheusManager, reap ReapFunction) *IdleReaper {

	reaper := &IdleReaper{
		registry: registry,
		metrics:  prometheusManager,
		interval: interval,
		reap:     reap,
	}

	config.InitLogger(&reaper.log, reaper)

	return reaper
}

func (r *IdleReaper) Close() {
	r.closed.Store(1)
}

func (r *IdleReaper) Start() {
	go r.run()
}

func (r *IdleReaper) reapKernel(record *Record, iteration int64) error {
	reapStartTime := time.Now()

	err := r.reap(context.Background(), record.Id())

	if err != nil {
		r.log.Error("Error while deleting idle kernel \"%s\" [iter=%d]: %v",
			record.Id(), iteration, err)
		return err
	}

	if r.metrics != nil {
		r.metrics.NumReapedKernelsCounter.Inc()
	}

	r.log.Debug(
		utils.LightPurpleStyle.Render(
			"Successfully reaped idle kernel \"%s\" in %v. [iter=%d]"),
		record.Id(), time.Since(reapStartTime), iteration)

	return nil
}

// reapWorker is intended to be executed in a separate goroutine.
//
// reapWorker repeatedly polls the workQueue chan until it is empty.
func (r *IdleReaper) reapWorker(workQueue chan *Record, iteration int64) {
	for {
		select {
		case record := <-workQueue:
			{
				err := r.reapKernel(record, iteration)

				if err != nil {
					r.log.Error("Failed to reap idle kernel \"%s\" during sweep %d because: %v",
						record.Id(), iteration, err)
				}
			}
		default:
			{
				return
			}
		}
	}
}

func (r *IdleReaper) reapKernels(kernelsToReap []*Record, iteration int64) {
	numKernelsToReap := len(kernelsToReap)

	r.log.Debug("Identified %d idle kernel(s) to reap. [iteration=%d]",
		numKernelsToReap, iteration)

	if numKernelsToReap == 0 {
		return
	}

	if numKernelsToReap == 1 {
		record := kernelsToReap[0]

		r.log.Debug("Using 1 worker to delete a single idle kernel (kernel \"%s\") in sweep %d.",
			record.Id(), iteration)

		go func() {
			err := r.reapKernel(record, iteration)

			if err != nil {
				r.log.Error("Failed to reap idle kernel \"%s\" during sweep %d because: %v",
					record.Id(), iteration, err)
			}
		}()

		return
	}

	// We'll use multiple goroutines if there are 2 or more kernels to delete.
	workQueue := make(chan *Record, numKernelsToReap)
	for _, record := range kernelsToReap {
		workQueue <- record
	}

	var nWorkers int
	if numKernelsToReap <= 8 {
		nWorkers = numKernelsToReap / 2
	} else {
		nWorkers = numKernelsToReap / 4
	}

	r.log.Debug("Spawning %d workers to delete %d idle kernels in sweep %d.",
		nWorkers, numKernelsToReap, iteration)

	for i := 0; i < nWorkers; i++ {
		go r.reapWorker(workQueue, iteration)
	}
}

// run runs a loop and searches for kernels that are idle.
func (r *IdleReaper) run() {
	if !r.running.CompareAndSwap(0, 1) {
		r.log.Warn("Idle reaper is already running.")
		return
	}

	defer r.running.CompareAndSwap(1, 0)

	// Validate that we're supposed to run in the first place.
	if r.interval <= 0 {
		r.log.Warn("Idle kernel reaping is NOT enabled. Exiting.")
		return
	}

	r.log.Debug("Idle Reaper initialized with sweep interval %v.", r.interval)

	var iteration atomic.Int64
	iteration.Store(1)

	// Keep running until the kernel manager is stopped.
	for r.closed.Load() == 0 {
		startTime := time.Now()

		kernelsToReap := r.identifyIdleKernels()

		// Make sure we haven't closed before we start doing this.
		if r.closed.Load() > 0 {
			return
		}

		if len(kernelsToReap) > 0 {
			r.reapKernels(kernelsToReap, iteration.Load())
		}

		// Sleep until we're supposed to run again. If the sweep itself took
		// longer than the interval, skip the sleep and immediately sweep again.
		timeElapsed := time.Since(startTime)
		timeRemaining := r.interval - timeElapsed
		if timeRemaining > 0 {
			time.Sleep(timeRemaining)
		}

		iteration.Add(1)
	}
}

// identifyIdleKernels is used by the reaper goroutine to identify idle kernels.
func (r *IdleReaper) identifyIdleKernels() []*Record {
	var kernelsToReap []*Record

	for _, record := range r.registry.List() {
		// A record stuck in Deleting means an earlier teardown failed.
		// Retry it on every sweep until it goes through.
		if record.Phase() == PhaseDeleting {
			r.log.Warn("Kernel \"%s\" is stuck in %v; retrying its deletion.",
				record.Id(), PhaseDeleting)

			if kernelsToReap == nil {
				kernelsToReap = make([]*Record, 0, 1)
			}
			kernelsToReap = append(kernelsToReap, record)
			continue
		}

		// Only Ready kernels accrue idle time; kernels that are still being
		// provisioned or have failed are out of scope.
		if !record.Ready() {
			continue
		}

		idleTimeout := record.IdleTimeout()
		if idleTimeout <= 0 {
			continue
		}

		idleFor := time.Since(record.LastActivityAt())
		if idleFor < idleTimeout {
			continue
		}

		r.log.Debug(
			utils.LightPurpleStyle.Render("Kernel \"%s\" last saw activity %v ago (idle timeout is %v), "+
				"so it is now eligible for reaping."),
			record.Id(), idleFor, idleTimeout)

		if kernelsToReap == nil {
			kernelsToReap = make([]*Record, 0, 1)
		}

		kernelsToReap = append(kernelsToReap, record)
	}

	return kernelsToReap
}
