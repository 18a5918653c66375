// Package worker implements component D, the worker fan-out controller
// (spec.md §4.D): a narrow capability interface any GPU worker must satisfy,
// and a controller that drives replicas in lock-step and reconciles their
// outputs. Grounded on the teacher repo's single-node `Simulator`/`ModelRunner`
// shape for the mock worker, and on `llm_engine.py`'s `_init_workers`/
// `_run_workers` for the startup and broadcast sequence.
package worker

import (
	"github.com/inference-core/llm-engine-core/scheduler"
)

// SampledToken is one worker's sampling decision for one sequence.
type SampledToken struct {
	TokenID  int
	Logprobs map[int]float64
}

// ExecuteModelOutput is a worker's full response to one ExecuteModel call:
// request id -> parent sequence id -> its candidate samples this step, in
// order. A parent absent from the inner map sampled nothing this step
// (still mid chunked-prefill, spec.md §4.C rule 5). A parent mapped to an
// empty slice had the sampler elect not to continue it (spec.md §4.F
// Phase 1, "zero children"). A parent may have up to best_of candidates
// whenever best_of > 1, beam search or not; otherwise exactly one.
type ExecuteModelOutput struct {
	Samples     map[string]map[int][]SampledToken
	ExecutionNs int64
}

// Worker is the capability set the fan-out controller consumes
// (spec.md §6 "Worker capability set"). A real implementation wraps an
// out-of-process GPU worker; mockworker.go provides an in-process
// deterministic implementation for tests and the CLI driver.
type Worker interface {
	// InitModel completes collective initialization using the given
	// rendezvous id, so every replica in a tensor-parallel group agrees on
	// the same distributed process group.
	InitModel(rendezvousID uint32) error

	// ProfileNumAvailableBlocks runs a dry-run forward pass and returns how
	// many GPU and CPU cache blocks this worker can support.
	ProfileNumAvailableBlocks(blockSizeTokens int, gpuMemoryUtilization float64) (numGPUBlocks, numCPUBlocks int, err error)

	// InitCacheEngine allocates the final, cluster-wide-agreed cache size.
	InitCacheEngine(numGPUBlocks, numCPUBlocks int) error

	// ExecuteModel runs one step's plan and returns sampled tokens.
	ExecuteModel(metadata []*scheduler.SequenceGroupMetadata, blocksToSwapIn, blocksToSwapOut map[int]int, blocksToCopy map[int][]int) (*ExecuteModelOutput, error)

	// GPUID is this worker's assigned physical GPU id, used at startup to
	// assert GPU ids form a consecutive range (spec.md §6).
	GPUID() int

	// MarkInitialMemoryProfilingDone tells the worker it can stop tracking
	// memory high-water-marks from its dry-run profiling pass.
	MarkInitialMemoryProfilingDone()

	// GetMetricsStore returns this worker's local metrics snapshot, pulled
	// by the engine's ambient metrics.Store.
	GetMetricsStore() map[string]float64
	ResetMetrics()

	StartProfiling()
	StopProfiling()
}
