package parallel

import "sync/atomic"

// Target names the worker a segment was dispatched to.
type Target struct {
	GPU   bool
	Index int
}

// Scheduler load-balances segments over per-worker queues by shortest
// queue. Segments at or above the GPU threshold go to the GPU pool when
// one exists. Load counters are per-worker atomics, incremented on
// dispatch and decremented on completion; they are the only shared
// mutable scheduler state.
type Scheduler struct {
	cpuLoad      []atomic.Int64
	gpuLoad      []atomic.Int64
	gpuThreshold int
}

// NewScheduler builds a scheduler for the given pool sizes.
// gpuThreshold <= 0 disables GPU dispatch regardless of pool size.
func NewScheduler(cpuWorkers, gpuWorkers, gpuThreshold int) *Scheduler {
	if cpuWorkers < 1 {
		cpuWorkers = 1
	}
	return &Scheduler{
		cpuLoad:      make([]atomic.Int64, cpuWorkers),
		gpuLoad:      make([]atomic.Int64, gpuWorkers),
		gpuThreshold: gpuThreshold,
	}
}

// Dispatch picks the least-loaded worker for a segment of the given
// size and records the new load.
func (s *Scheduler) Dispatch(segmentSize int) Target {
	if len(s.gpuLoad) > 0 && s.gpuThreshold > 0 && segmentSize >= s.gpuThreshold {
		idx := leastLoaded(s.gpuLoad)
		s.gpuLoad[idx].Add(1)
		return Target{GPU: true, Index: idx}
	}
	idx := leastLoaded(s.cpuLoad)
	s.cpuLoad[idx].Add(1)
	return Target{Index: idx}
}

// Complete releases the load slot taken by Dispatch.
func (s *Scheduler) Complete(t Target) {
	if t.GPU {
		s.gpuLoad[t.Index].Add(-1)
		return
	}
	s.cpuLoad[t.Index].Add(-1)
}

// Load returns the current queue depth of a worker, for tests and
// telemetry.
func (s *Scheduler) Load(t Target) int64 {
	if t.GPU {
		return s.gpuLoad[t.Index].Load()
	}
	return s.cpuLoad[t.Index].Load()
}

func leastLoaded(load []atomic.Int64) int {
	best := 0
	bestLoad := load[0].Load()
	for i := 1; i < len(load); i++ {
		if l := load[i].Load(); l < bestLoad {
			best = i
			bestLoad = l
		}
	}
	return best
}
