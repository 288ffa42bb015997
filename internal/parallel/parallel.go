// Package parallel sizes the worker topology and balances segment
// dispatch. Worker counts come from the CPU count, the in-flight
// segment budget from available memory; the budget respects the
// caller's hard cap so a stream never outgrows its host.
package parallel

import (
	"runtime"

	"github.com/shirou/gopsutil/mem"
)

// Profile fixes the worker topology for one pipeline run.
type Profile struct {
	CPUWorkers       int
	GPUWorkers       int
	InflightSegments int
}

// SingleThreaded is the profile for the sequential strategy.
func SingleThreaded() Profile {
	return Profile{CPUWorkers: 1, InflightSegments: 1}
}

// Dynamic sizes the profile from the host: cpu_workers = max(1,
// cores-1); inflight_segments = available_memory × memFraction /
// maxSegmentSize, clamped to [1, hardCap]. When the memory probe fails
// the budget falls back to the hard cap.
func Dynamic(maxSegmentSize uint64, memFraction float64, hardCap int) Profile {
	workers := runtime.NumCPU() - 1
	if workers < 1 {
		workers = 1
	}
	if hardCap < 1 {
		hardCap = 1
	}

	inflight := hardCap
	if vm, err := mem.VirtualMemory(); err == nil && maxSegmentSize > 0 {
		budget := uint64(float64(vm.Available) * memFraction)
		if n := budget / maxSegmentSize; n < uint64(inflight) {
			inflight = int(n)
		}
	}
	if inflight < 1 {
		inflight = 1
	}

	return Profile{
		CPUWorkers:       workers,
		GPUWorkers:       gpuCount(),
		InflightSegments: inflight,
	}
}

// gpuCount probes for usable GPU frame-worker backends. None are built
// into this module; the scheduler treats a zero count as CPU-only.
func gpuCount() int {
	return 0
}
