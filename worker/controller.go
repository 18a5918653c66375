package worker

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/inference-core/llm-engine-core/scheduler"
)

// FanoutController drives a set of replicated workers in lock-step
// (spec.md §4.D, §5): it is the only suspension point in the otherwise
// single-threaded cooperative core. Replicas are fanned out to with
// goroutines and joined before the controller proceeds.
type FanoutController struct {
	workers []Worker

	// collectiveInitDone guards against re-running the one-time startup
	// sequence (spec.md "Startup sequence executed exactly once").
	collectiveInitDone bool
}

// NewFanoutController wires a controller over the given worker replicas.
// At least one worker is required.
func NewFanoutController(workers ...Worker) (*FanoutController, error) {
	if len(workers) == 0 {
		return nil, fmt.Errorf("worker: fan-out controller requires at least one worker")
	}
	return &FanoutController{workers: workers}, nil
}

// CheckConsecutiveGPUAllocation asserts every worker's GPU id forms a
// consecutive range starting anywhere, a fatal configuration error
// otherwise (spec.md §6). Called once at startup.
func (c *FanoutController) CheckConsecutiveGPUAllocation() error {
	ids := make([]int, len(c.workers))
	for i, w := range c.workers {
		ids[i] = w.GPUID()
	}
	sort.Ints(ids)
	for i := 1; i < len(ids); i++ {
		if ids[i] != ids[i-1]+1 {
			return fmt.Errorf("worker: GPU ids are not a consecutive range: %v", ids)
		}
	}
	return nil
}

// InitCache runs the startup sequence exactly once (spec.md §4.D):
// profile every worker, take the element-wise minimum across replicas as
// the global cache budget, fail fatally if the GPU budget is non-positive,
// then broadcast init_cache_engine with the agreed sizes. Returns the
// agreed (numGPUBlocks, numCPUBlocks).
func (c *FanoutController) InitCache(blockSizeTokens int, gpuMemoryUtilization float64) (int, int, error) {
	if c.collectiveInitDone {
		return 0, 0, fmt.Errorf("worker: InitCache already run")
	}
	if err := c.CheckConsecutiveGPUAllocation(); err != nil {
		return 0, 0, err
	}

	gpuBlocks, cpuBlocks := -1, -1
	for _, w := range c.workers {
		g, cpu, err := w.ProfileNumAvailableBlocks(blockSizeTokens, gpuMemoryUtilization)
		if err != nil {
			return 0, 0, fmt.Errorf("worker: profiling failed: %w", err)
		}
		if gpuBlocks == -1 || g < gpuBlocks {
			gpuBlocks = g
		}
		if cpuBlocks == -1 || cpu < cpuBlocks {
			cpuBlocks = cpu
		}
	}
	if gpuBlocks <= 0 {
		return 0, 0, fmt.Errorf("worker: no cache memory available (gpu_blocks=%d)", gpuBlocks)
	}

	for _, w := range c.workers {
		if err := w.InitCacheEngine(gpuBlocks, cpuBlocks); err != nil {
			return 0, 0, fmt.Errorf("worker: init_cache_engine failed: %w", err)
		}
		w.MarkInitialMemoryProfilingDone()
	}
	c.collectiveInitDone = true

	logrus.Infof("worker: cache initialized, gpu_blocks=%d cpu_blocks=%d across %d replicas", gpuBlocks, cpuBlocks, len(c.workers))
	return gpuBlocks, cpuBlocks, nil
}

// InitModel broadcasts a single, deterministic rendezvous id (offset by
// each replica's index, spec.md §4.D) to init_model on every worker so
// collective init matches.
func (c *FanoutController) InitModel(rendezvousSeed uint32) error {
	for i, w := range c.workers {
		if err := w.InitModel(rendezvousSeed + uint32(i)); err != nil {
			return fmt.Errorf("worker: init_model failed on replica %d: %w", i, err)
		}
	}
	c.collectiveInitDone = true
	return nil
}

// ExecuteModel broadcasts one step's plan to every replica, joins their
// results, and asserts every replica produced an equal SampledToken map
// (the lock-step equality gate, spec.md §9 "kept live by default"): any
// divergence across replicas is a fatal runtime error, since it means the
// replicas have silently fallen out of sync. Returns the (equal) output
// and the minimum execution time observed across replicas: an explicit
// design choice to minimize CPU-overhead noise in the telemetry, not an
// average (spec.md §9 open question, preserved rather than guessed away).
func (c *FanoutController) ExecuteModel(metadata []*scheduler.SequenceGroupMetadata, blocksToSwapIn, blocksToSwapOut map[int]int, blocksToCopy map[int][]int) (*ExecuteModelOutput, error) {
	type result struct {
		out *ExecuteModelOutput
		err error
	}
	results := make([]result, len(c.workers))
	done := make(chan int, len(c.workers))
	for i, w := range c.workers {
		go func(i int, w Worker) {
			out, err := w.ExecuteModel(metadata, blocksToSwapIn, blocksToSwapOut, blocksToCopy)
			results[i] = result{out, err}
			done <- i
		}(i, w)
	}
	for range c.workers {
		<-done
	}

	for _, r := range results {
		if r.err != nil {
			return nil, fmt.Errorf("worker: execute_model failed: %w", r.err)
		}
	}

	first := results[0].out
	minNs := first.ExecutionNs
	for _, r := range results {
		if r.out.ExecutionNs < minNs {
			minNs = r.out.ExecutionNs
		}
		if !reflect.DeepEqual(first.Samples, r.out.Samples) {
			return nil, fmt.Errorf("worker: replicas diverged: outputs not equal across %d workers", len(c.workers))
		}
	}
	return &ExecuteModelOutput{Samples: first.Samples, ExecutionNs: minNs}, nil
}

// StartProfiling/StopProfiling toggle every replica's local profiler
// (spec.md §6 "Profiling control"). Unlike ExecuteModel these are
// fire-and-forget broadcasts: no equality gate applies to side-effect-only
// calls.
func (c *FanoutController) StartProfiling() {
	for _, w := range c.workers {
		w.StartProfiling()
	}
}

func (c *FanoutController) StopProfiling() {
	for _, w := range c.workers {
		w.StopProfiling()
	}
}

// ResetMetrics clears every replica's local metrics snapshot.
func (c *FanoutController) ResetMetrics() {
	for _, w := range c.workers {
		w.ResetMetrics()
	}
}

// PullWorkerMetrics returns one metrics snapshot per replica, in replica
// order, for the engine's ambient metrics.Store to fold in.
func (c *FanoutController) PullWorkerMetrics() []map[string]float64 {
	out := make([]map[string]float64, len(c.workers))
	for i, w := range c.workers {
		out[i] = w.GetMetricsStore()
	}
	return out
}
