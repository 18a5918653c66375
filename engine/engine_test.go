package engine

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-core/llm-engine-core/sequence"
	"github.com/inference-core/llm-engine-core/worker"
)

// wordTokenizer is a minimal detokenizer.Tokenizer for end-to-end engine
// tests: mirrors cmd's real tokenizer (one token id per word) without
// depending on the cmd package.
type wordTokenizer struct{ vocab []string }

func (t *wordTokenizer) ConvertIDsToTokens(ids []int) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		word := t.vocab[id%len(t.vocab)]
		if i == 0 {
			out[i] = word
		} else {
			out[i] = " " + word
		}
	}
	return out
}

func (t *wordTokenizer) IsSpecialToken(token string) bool {
	return strings.TrimSpace(token) == "<eos>"
}

// newTestEngine builds a single-replica engine over a deterministic
// MockWorker. eosTokenID >= vocabSize guarantees the worker's
// (sum+i)%vocabSize sampling formula can never produce it, so tests that
// need guaranteed length-capped completion pick such a pair.
func newTestEngine(t *testing.T, vocabSize, eosTokenID int) *LLMEngine {
	cfg := DefaultEngineConfig()
	cfg.Model.EOSTokenID = eosTokenID
	cfg.Model.MaxModelLen = 1000
	cfg.Scheduler.MaxModelLen = 1000
	cfg.Scheduler.MaxNumBatchedTokens = 1000
	cfg.Scheduler.MaxNumSeqs = 16

	w := worker.NewMockWorker(0, vocabSize, eosTokenID, 64, 0)
	tok := &wordTokenizer{vocab: []string{"a", "b", "c", "d", "e"}}

	eng, err := NewEngine(cfg, tok, w)
	require.NoError(t, err)
	return eng
}

func TestAddRequest_InvalidParams_ReportsFinishedIgnoredWithoutError(t *testing.T) {
	eng := newTestEngine(t, 50, 999)

	params := sequence.DefaultSamplingParams()
	params.N = 2
	params.BestOf = 1 // invalid: best_of must be >= n

	err := eng.AddRequest("r1", "hello", []int{1, 2, 3}, params, nil)
	require.NoError(t, err, "request errors never surface as a Go error")

	results, err := eng.Step()
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Finished)
	require.Len(t, results[0].Outputs, 1)
	assert.Equal(t, sequence.FinishedIgnored, results[0].Outputs[0].FinishReason)
}

func TestEngine_GreedyCompletion_StopsAtMaxTokens(t *testing.T) {
	eng := newTestEngine(t, 1000, 999999) // eos unreachable: vocabSize < eosTokenID
	params := sequence.DefaultSamplingParams()
	params.MaxTokens = 3

	require.NoError(t, eng.AddRequest("r1", "p", []int{1, 2, 3}, params, nil))

	var final *RequestOutput
	for i := 0; i < 20 && eng.HasUnfinishedRequests(); i++ {
		results, err := eng.Step()
		require.NoError(t, err)
		for _, r := range results {
			if r.RequestID == "r1" {
				final = r
			}
		}
	}

	require.NotNil(t, final, "engine never finished the request")
	assert.True(t, final.Finished)
	require.Len(t, final.Outputs, 1)
	assert.Equal(t, sequence.FinishedLengthCapped, final.Outputs[0].FinishReason)
	assert.Len(t, final.Outputs[0].TokenIDs, 3+3, "promptLen 3 + max_tokens 3")
}

func TestEngine_NonBeamFork_ProducesMultipleSequencesInOneStep(t *testing.T) {
	eng := newTestEngine(t, 50, 999999)
	params := sequence.DefaultSamplingParams()
	params.N = 2
	params.BestOf = 2
	params.MaxTokens = 5

	require.NoError(t, eng.AddRequest("r1", "p", []int{1, 2, 3}, params, nil))

	// The 3-token prompt fits in one scheduling step's budget, so prefill
	// and the first sample happen together: best_of=2 candidates fork the
	// single parent into two running sequences in this very Step call.
	results, err := eng.Step()
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.GreaterOrEqual(t, len(results[0].Outputs), 2)
}

func TestEngine_AbortRequest_RemovesFromSchedulerAndRecordsMetric(t *testing.T) {
	eng := newTestEngine(t, 50, 999999)
	params := sequence.DefaultSamplingParams()

	require.NoError(t, eng.AddRequest("r1", "p", []int{1, 2, 3}, params, nil))
	assert.True(t, eng.HasUnfinishedRequests())

	eng.AbortRequest("r1")
	assert.False(t, eng.HasUnfinishedRequests())
	assert.Equal(t, 1, eng.GetMetricStore().AbortedRequests)
}

func TestEngine_BeamSearch_RunsToCompletionWithoutDivergence(t *testing.T) {
	eng := newTestEngine(t, 50, 999999) // eos unreachable: only max_tokens can finish a candidate
	params := sequence.DefaultSamplingParams()
	params.UseBeamSearch = true
	params.Temperature = 0
	params.N = 2
	params.BestOf = 4
	params.MaxTokens = 4
	params.EarlyStopping = sequence.EarlyStoppingTrue

	require.NoError(t, eng.AddRequest("r1", "p", []int{1, 2, 3}, params, nil))

	var final *RequestOutput
	for i := 0; i < 20 && eng.HasUnfinishedRequests(); i++ {
		results, err := eng.Step()
		require.NoError(t, err)
		for _, r := range results {
			if r.RequestID == "r1" {
				final = r
			}
		}
	}

	require.NotNil(t, final, "beam search request never finished")
	assert.True(t, final.Finished)
	assert.LessOrEqual(t, len(final.Outputs), params.BestOf)
	for _, out := range final.Outputs {
		assert.Equal(t, sequence.FinishedLengthCapped, out.FinishReason)
	}
}
