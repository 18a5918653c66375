// Package metrics is the ambient metrics store (SPEC_FULL.md §9.1): an
// in-process accumulator the engine exposes via GetMetricStore, grounded on
// the teacher repo's sim.Metrics / Metrics.Print. Wiring this store to an
// external sink (Prometheus, etc.) is out of scope (spec.md §1); the store
// itself, and computing quantiles over it, is not.
package metrics

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Store aggregates per-step and per-request statistics for one engine
// instance. Not safe for concurrent use: the engine's step driver is the
// only writer, matching the single-threaded cooperative core (spec.md §5).
type Store struct {
	CompletedRequests int
	IgnoredRequests   int
	AbortedRequests   int
	TotalOutputTokens int64

	StepCount       int64
	KVBlocksUsedSum int64 // integral of used-block count over steps
	PeakKVBlocksUsed int64

	ttft []float64 // seconds
	tpot []float64 // seconds
	e2e  []float64 // seconds
}

// NewStore returns an empty metrics store.
func NewStore() *Store {
	return &Store{}
}

// RecordStep folds one step's bookkeeping into the running totals.
func (s *Store) RecordStep(usedGPUBlocks int64) {
	s.StepCount++
	s.KVBlocksUsedSum += usedGPUBlocks
	if usedGPUBlocks > s.PeakKVBlocksUsed {
		s.PeakKVBlocksUsed = usedGPUBlocks
	}
}

// RecordCompletion folds one finished request's latency histogram entries.
func (s *Store) RecordCompletion(ttftSeconds, tpotSeconds, e2eSeconds float64, outputTokens int64) {
	s.CompletedRequests++
	s.TotalOutputTokens += outputTokens
	s.ttft = append(s.ttft, ttftSeconds)
	s.tpot = append(s.tpot, tpotSeconds)
	s.e2e = append(s.e2e, e2eSeconds)
}

func (s *Store) RecordIgnored() { s.IgnoredRequests++ }
func (s *Store) RecordAborted() { s.AbortedRequests++ }

// quantiles reports p50/p90/p99 over a recorded latency histogram. samples
// is copied and sorted (stat.Quantile requires a sorted, CDF-weighted
// input); an empty histogram reports all zeros.
func quantiles(samples []float64) (p50, p90, p99 float64) {
	if len(samples) == 0 {
		return 0, 0, 0
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	return stat.Quantile(0.50, stat.Empirical, sorted, nil),
		stat.Quantile(0.90, stat.Empirical, sorted, nil),
		stat.Quantile(0.99, stat.Empirical, sorted, nil)
}

// TTFTQuantiles returns p50/p90/p99 time-to-first-token, in seconds.
func (s *Store) TTFTQuantiles() (p50, p90, p99 float64) { return quantiles(s.ttft) }

// TPOTQuantiles returns p50/p90/p99 time-per-output-token, in seconds.
func (s *Store) TPOTQuantiles() (p50, p90, p99 float64) { return quantiles(s.tpot) }

// E2EQuantiles returns p50/p90/p99 end-to-end request latency, in seconds.
func (s *Store) E2EQuantiles() (p50, p90, p99 float64) { return quantiles(s.e2e) }

// AverageKVBlockUsage is the mean number of GPU blocks in use across all
// recorded steps.
func (s *Store) AverageKVBlockUsage() float64 {
	if s.StepCount == 0 {
		return 0
	}
	return float64(s.KVBlocksUsedSum) / float64(s.StepCount)
}

// Reset clears all accumulated state (spec.md §6 worker capability
// "reset_metrics").
func (s *Store) Reset() {
	*s = Store{}
}

// Print renders a human-readable summary to stdout, in the same shape as
// the teacher's Metrics.Print.
func (s *Store) Print() {
	fmt.Println("=== Engine Metrics ===")
	fmt.Printf("Completed Requests   : %d\n", s.CompletedRequests)
	fmt.Printf("Ignored Requests     : %d\n", s.IgnoredRequests)
	fmt.Printf("Aborted Requests     : %d\n", s.AbortedRequests)
	if s.CompletedRequests == 0 {
		return
	}
	ttftP50, ttftP90, ttftP99 := s.TTFTQuantiles()
	tpotP50, tpotP90, tpotP99 := s.TPOTQuantiles()
	e2eP50, e2eP90, e2eP99 := s.E2EQuantiles()
	fmt.Printf("TTFT (s) p50/p90/p99 : %.4f / %.4f / %.4f\n", ttftP50, ttftP90, ttftP99)
	fmt.Printf("TPOT (s) p50/p90/p99 : %.4f / %.4f / %.4f\n", tpotP50, tpotP90, tpotP99)
	fmt.Printf("E2E  (s) p50/p90/p99 : %.4f / %.4f / %.4f\n", e2eP50, e2eP90, e2eP99)
	fmt.Printf("Average KV Blocks Usage : %.2f\n", s.AverageKVBlockUsage())
	fmt.Printf("Peak KV Usage        : %d blocks\n", s.PeakKVBlocksUsed)
}
