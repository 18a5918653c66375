package worker

import (
	"github.com/inference-core/llm-engine-core/scheduler"
)

// MockWorker is a deterministic in-process stand-in for a GPU worker,
// used by the CLI driver and by tests that exercise the fan-out controller
// and step driver without a real model (grounded on the teacher repo's
// single-process Simulator, which likewise never shells out to real GPU
// kernels). Sampling is a pure deterministic function of the sequence's id
// and current token ids, so two MockWorker replicas built with the same
// parameters always produce equal outputs and satisfy the controller's
// equality gate.
type MockWorker struct {
	gpuID          int
	vocabSize      int
	eosTokenID     int
	maxProfiledGPU int
	maxProfiledCPU int

	profiling bool
	metrics   map[string]float64
}

// NewMockWorker builds a mock worker that reports a fixed number of
// available GPU/CPU blocks when profiled and samples tokens from a vocab
// of the given size.
func NewMockWorker(gpuID, vocabSize, eosTokenID, gpuBlocks, cpuBlocks int) *MockWorker {
	return &MockWorker{
		gpuID:          gpuID,
		vocabSize:      vocabSize,
		eosTokenID:     eosTokenID,
		maxProfiledGPU: gpuBlocks,
		maxProfiledCPU: cpuBlocks,
		metrics:        make(map[string]float64),
	}
}

func (m *MockWorker) InitModel(rendezvousID uint32) error {
	m.metrics["rendezvous_id"] = float64(rendezvousID)
	return nil
}

func (m *MockWorker) ProfileNumAvailableBlocks(blockSizeTokens int, gpuMemoryUtilization float64) (int, int, error) {
	return m.maxProfiledGPU, m.maxProfiledCPU, nil
}

func (m *MockWorker) InitCacheEngine(numGPUBlocks, numCPUBlocks int) error {
	return nil
}

func (m *MockWorker) GPUID() int { return m.gpuID }

func (m *MockWorker) MarkInitialMemoryProfilingDone() {}

func (m *MockWorker) GetMetricsStore() map[string]float64 {
	out := make(map[string]float64, len(m.metrics))
	for k, v := range m.metrics {
		out[k] = v
	}
	return out
}

func (m *MockWorker) ResetMetrics() { m.metrics = make(map[string]float64) }

func (m *MockWorker) StartProfiling() { m.profiling = true }
func (m *MockWorker) StopProfiling()  { m.profiling = false }

// ExecuteModel deterministically samples best_of candidates per sequence
// (one when best_of is 1): candidate i is (sum of current token ids +
// sequence id + i) mod vocabSize.
// This is not a language model; it exists to exercise the scheduling,
// block-management, and output-processing machinery with fully
// reproducible outputs.
func (m *MockWorker) ExecuteModel(metadata []*scheduler.SequenceGroupMetadata, blocksToSwapIn, blocksToSwapOut map[int]int, blocksToCopy map[int][]int) (*ExecuteModelOutput, error) {
	samples := make(map[string]map[int][]SampledToken, len(metadata))
	for _, md := range metadata {
		perSeq := make(map[int][]SampledToken, len(md.SeqData))
		// A sampler returns best_of candidates per running parent whenever
		// best_of > 1, beam search or not (spec.md §4.F Phase 1); plain
		// multi-sample decoding and beam search only differ in how the
		// output processor prunes and ranks the resulting candidates.
		numCandidates := 1
		if md.SamplingParams.BestOf > 1 {
			numCandidates = md.SamplingParams.BestOf
		}
		for seqID, data := range md.SeqData {
			if data.ComputedTokens < int64(data.PromptLen) {
				// Still mid chunked-prefill: this step produced no token.
				continue
			}
			sum := seqID
			for _, t := range data.TokenIDs {
				sum += t
			}
			candidates := make([]SampledToken, numCandidates)
			for i := 0; i < numCandidates; i++ {
				tokenID := (sum + i) % m.vocabSize
				if tokenID < 0 {
					tokenID += m.vocabSize
				}
				candidates[i] = SampledToken{
					TokenID:  tokenID,
					Logprobs: map[int]float64{tokenID: -0.1 * float64(i+1)},
				}
			}
			perSeq[seqID] = candidates
		}
		samples[md.RequestID] = perSeq
	}
	return &ExecuteModelOutput{Samples: samples, ExecutionNs: 1}, nil
}
