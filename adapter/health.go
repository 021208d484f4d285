package adapter

import (
	"fmt"
	"runtime"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/srediag/rawmig/internal/fdio"
)

// LivenessProbe is anything that can report whether it is still serving,
// such as the readiness event loop.
type LivenessProbe interface {
	Alive() error
}

// HealthOptions configures NewHealthHandler.
type HealthOptions struct {
	Registry prometheus.Registerer
	Loop     LivenessProbe
	// SpillDir is checked for at least MinSpillFree free bytes before the
	// process reports ready.
	SpillDir     string
	MinSpillFree uint64
	// MaxGoroutines fails liveness above this many goroutines. Zero disables it.
	MaxGoroutines int
}

// NewHealthHandler exposes /live and /ready for the migration daemon. Check
// results are also exported as Prometheus gauges when a registry is given.
func NewHealthHandler(opts HealthOptions) healthcheck.Handler {
	var h healthcheck.Handler
	if opts.Registry != nil {
		h = healthcheck.NewMetricsHandler(opts.Registry, "rawmig")
	} else {
		h = healthcheck.NewHandler()
	}
	if opts.Loop != nil {
		h.AddLivenessCheck("event-loop", opts.Loop.Alive)
	}
	if opts.MaxGoroutines > 0 {
		h.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(opts.MaxGoroutines))
	}
	if opts.SpillDir != "" {
		h.AddReadinessCheck("spill-space", SpillSpaceCheck(opts.SpillDir, opts.MinSpillFree))
	}
	return h
}

// SpillSpaceCheck fails when dir has less than min bytes free.
func SpillSpaceCheck(dir string, min uint64) healthcheck.Check {
	return func() error {
		free, err := fdio.FreeSpace(dir)
		if err != nil {
			return err
		}
		if free < min {
			return fmt.Errorf("spill dir %s has %d bytes free, need %d", dir, free, min)
		}
		return nil
	}
}

// GoroutineBudget is a default for HealthOptions.MaxGoroutines scaled to the host.
func GoroutineBudget() int {
	return 256 * runtime.NumCPU()
}
