package scheduler

import "github.com/inference-core/llm-engine-core/sequence"

// SeqData is the per-sequence slice of a SequenceGroupMetadata: just enough
// for a worker to run the model over this sequence this step.
type SeqData struct {
	SeqID    int
	TokenIDs []int

	// PromptLen and ComputedTokens let a worker tell whether this step's
	// forward pass finishes prompt processing: sampling is only valid once
	// ComputedTokens >= PromptLen (spec.md §4.C rule 5). Needed because
	// TokenIDs already holds the full prompt from construction, so its
	// length alone cannot distinguish an in-progress chunked prefill from
	// a completed one.
	PromptLen      int
	ComputedTokens int64
}

// SequenceGroupMetadata is the per-group entry of a per-step plan
// (spec.md §3): everything a worker needs to execute one group's sequences
// this step, without reaching back into engine-internal state.
type SequenceGroupMetadata struct {
	RequestID      string
	IsPrompt       bool
	SeqData        map[int]SeqData
	BlockTables    map[int][]int
	SamplingParams sequence.SamplingParams
}

// SchedulerOutputs is the per-step plan value object (spec.md §3).
type SchedulerOutputs struct {
	ScheduledSeqGroups []*sequence.SequenceGroup
	PromptChunkLens    []int64

	BlocksToSwapIn  map[int]int
	BlocksToSwapOut map[int]int
	BlocksToCopy    map[int][]int

	IgnoredSeqGroups []*sequence.SequenceGroup

	NumBatchedPromptTokens int64
	NumBatchedOutputTokens int64
}

// IsEmpty reports whether this plan has nothing for the step driver to do:
// no scheduled groups and no block movements (spec.md §3).
func (so *SchedulerOutputs) IsEmpty() bool {
	return len(so.ScheduledSeqGroups) == 0 &&
		len(so.BlocksToSwapIn) == 0 &&
		len(so.BlocksToSwapOut) == 0 &&
		len(so.BlocksToCopy) == 0
}

func newSchedulerOutputs() *SchedulerOutputs {
	return &SchedulerOutputs{
		BlocksToSwapIn:  make(map[int]int),
		BlocksToSwapOut: make(map[int]int),
		BlocksToCopy:    make(map[int][]int),
	}
}
