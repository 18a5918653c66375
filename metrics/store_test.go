package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecordStep_TracksPeakAndAverage(t *testing.T) {
	s := NewStore()
	s.RecordStep(2)
	s.RecordStep(8)
	s.RecordStep(5)

	assert.Equal(t, int64(8), s.PeakKVBlocksUsed)
	assert.InDelta(t, 5.0, s.AverageKVBlockUsage(), 1e-9)
}

func TestRecordCompletion_QuantilesOverHistogram(t *testing.T) {
	s := NewStore()
	for _, v := range []float64{0.1, 0.2, 0.3, 0.4, 0.5} {
		s.RecordCompletion(v, v, v, 10)
	}
	p50, _, _ := s.TTFTQuantiles()
	assert.InDelta(t, 0.3, p50, 1e-9)
	assert.Equal(t, 5, s.CompletedRequests)
	assert.EqualValues(t, 50, s.TotalOutputTokens)
}

func TestReset_ClearsAllState(t *testing.T) {
	s := NewStore()
	s.RecordStep(4)
	s.RecordCompletion(0.1, 0.1, 0.1, 1)
	s.RecordIgnored()
	s.RecordAborted()

	s.Reset()
	assert.Equal(t, 0, s.CompletedRequests)
	assert.Equal(t, 0, s.IgnoredRequests)
	assert.Equal(t, 0, s.AbortedRequests)
	assert.Equal(t, int64(0), s.StepCount)
}
