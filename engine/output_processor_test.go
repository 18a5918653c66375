package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/inference-core/llm-engine-core/sequence"
)

func makeRunningSeq(promptLen int, cumulativeLogprob float64) *sequence.Sequence {
	ids := make([]int, promptLen)
	for i := range ids {
		ids[i] = i + 1
	}
	seq := sequence.NewSequence(1, "p", ids, time.Now())
	seq.SetStatus(sequence.Running)
	if cumulativeLogprob != 0 {
		seq.AppendTokenID(99, map[int]float64{99: cumulativeLogprob}, nil, 0)
	}
	return seq
}

func TestShouldStopBeamSearch_EarlyStoppingTrue_AlwaysStops(t *testing.T) {
	seq := makeRunningSeq(5, -1.0)
	stop := shouldStopBeamSearch(sequence.EarlyStoppingTrue, 1.0, seq, -100.0, 2, 1000, 5)
	assert.True(t, stop)
}

func TestShouldStopBeamSearch_Never_ContinuesWhenWorstBelowAttainable(t *testing.T) {
	// promptLen 5 + maxTokens 5 = maxLen 10; cumulativeLogprob -4.5 at len 10,
	// lp 1.0 gives an attainable score of -0.45. A worst-finished score of
	// -0.5 is below that, so beam search must keep going (spec.md §8
	// scenario 5: "-0.5 < -0.45" => continue).
	seq := makeRunningSeq(5, -4.5)
	stop := shouldStopBeamSearch(sequence.EarlyStoppingNever, 1.0, seq, -0.5, 2, 1, 5)
	assert.False(t, stop)
}

func TestShouldStopBeamSearch_Never_StopsWhenWorstAtOrAboveAttainable(t *testing.T) {
	seq := makeRunningSeq(5, -4.5) // same -0.45 attainable score as above
	stop := shouldStopBeamSearch(sequence.EarlyStoppingNever, 1.0, seq, -0.4, 2, 1, 5)
	assert.True(t, stop)
}

func TestShouldStopBeamSearch_NeverWithZeroLengthPenalty_UsesCurrentLengthNotOverride(t *testing.T) {
	// length_penalty 0 means the "never" override branch is skipped even
	// under EarlyStoppingNever (spec.md §8 scenario 5's second half): the
	// decision falls back to the seq's current actual length.
	seq := makeRunningSeq(5, -0.5) // lp=0 => score == cumulative logprob == -0.5
	stop := shouldStopBeamSearch(sequence.EarlyStoppingNever, 0.0, seq, -0.5, 2, 1, 5)
	assert.True(t, stop, "worst finished score equal to the attainable score must stop")
}

func TestSortByBeamScoreDesc_OrdersByScoreDescending(t *testing.T) {
	high := makeRunningSeq(3, -0.1)
	low := makeRunningSeq(3, -5.0)
	mid := makeRunningSeq(3, -1.0)

	seqs := []*sequence.Sequence{low, mid, high}
	sortByBeamScoreDesc(seqs, 1.0, 2, nil)
	assert.Equal(t, high, seqs[0])
	assert.Equal(t, mid, seqs[1])
	assert.Equal(t, low, seqs[2])
}
