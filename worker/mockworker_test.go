package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-core/llm-engine-core/scheduler"
	"github.com/inference-core/llm-engine-core/sequence"
)

func metaWithSeq(requestID string, seqID, promptLen int, computed int64, params sequence.SamplingParams) []*scheduler.SequenceGroupMetadata {
	return []*scheduler.SequenceGroupMetadata{{
		RequestID: requestID,
		SeqData: map[int]scheduler.SeqData{
			seqID: {
				SeqID:          seqID,
				TokenIDs:       []int{1, 2, 3},
				PromptLen:      promptLen,
				ComputedTokens: computed,
			},
		},
		SamplingParams: params,
	}}
}

func TestExecuteModel_SkipsSequenceStillMidChunkedPrefill(t *testing.T) {
	w := NewMockWorker(0, 100, 2, 64, 0)
	metas := metaWithSeq("r1", 1, 10, 5 /* < promptLen */, sequence.DefaultSamplingParams())

	out, err := w.ExecuteModel(metas, nil, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, out.Samples["r1"], "a sequence still mid prefill must produce no sample this step")
}

func TestExecuteModel_DeterministicAcrossIdenticalCalls(t *testing.T) {
	w := NewMockWorker(0, 100, 2, 64, 0)
	metas := metaWithSeq("r1", 1, 3, 3, sequence.DefaultSamplingParams())

	out1, err := w.ExecuteModel(metas, nil, nil, nil)
	require.NoError(t, err)
	out2, err := w.ExecuteModel(metas, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, out1.Samples, out2.Samples)
}

func TestExecuteModel_BestOfGreaterThanOneYieldsOneCandidatePerSlot(t *testing.T) {
	params := sequence.DefaultSamplingParams()
	params.N = 3
	params.BestOf = 3
	w := NewMockWorker(0, 100, 2, 64, 0)
	metas := metaWithSeq("r1", 1, 3, 3, params)

	out, err := w.ExecuteModel(metas, nil, nil, nil)
	require.NoError(t, err)
	candidates := out.Samples["r1"][1]
	require.Len(t, candidates, 3)
	for i, c := range candidates {
		assert.InDelta(t, -0.1*float64(i+1), c.Logprobs[c.TokenID], 1e-9)
	}
}
