package sequence

import "fmt"

// EarlyStopping is the beam-search early-stopping policy. Go has no native
// bool|string union, so the three values from spec.md §3 (true, false,
// "never") are modeled as a small enum — the zero value corresponds to the
// non-beam-search default (EarlyStoppingFalse), so an unset EarlyStopping
// field means false.
type EarlyStopping int

const (
	EarlyStoppingFalse EarlyStopping = iota
	EarlyStoppingTrue
	EarlyStoppingNever
)

// SamplingParams controls how a SequenceGroup is sampled and when its
// member sequences stop (spec.md §3, §6).
type SamplingParams struct {
	N       int // number of output sequences to return to the client
	BestOf  int // number of sequences sampled internally (beam width under beam search)
	Temperature float64
	TopP        float64
	TopK        int

	UseBeamSearch  bool
	LengthPenalty  float64
	EarlyStopping  EarlyStopping

	MaxTokens int
	Stop      []string
	IgnoreEOS bool

	PresencePenalty  float64
	FrequencyPenalty float64
	Logprobs         int
}

// DefaultSamplingParams returns single-sample, non-beam defaults with
// temperature 1.0 (not greedy; beam search callers must set it to 0).
func DefaultSamplingParams() SamplingParams {
	return SamplingParams{
		N:             1,
		BestOf:        1,
		Temperature:   1.0,
		TopP:          1.0,
		LengthPenalty: 1.0,
		MaxTokens:     16,
	}
}

// Verify checks the request-error conditions from spec.md §7: n > best_of,
// or use_beam_search combined with a non-zero temperature (beam search
// assumes deterministic expansion). Returns a descriptive error; the caller
// (engine.AddRequest) is responsible for turning this into a FINISHED_IGNORED
// RequestOutput rather than propagating it as a fatal error.
func (p SamplingParams) Verify() error {
	if p.N < 1 {
		return fmt.Errorf("sampling_params: n must be >= 1, got %d", p.N)
	}
	if p.BestOf < p.N {
		return fmt.Errorf("sampling_params: best_of (%d) must be >= n (%d)", p.BestOf, p.N)
	}
	if p.UseBeamSearch && p.Temperature > 0 {
		return fmt.Errorf("sampling_params: use_beam_search requires temperature == 0, got %f", p.Temperature)
	}
	if p.MaxTokens < 1 {
		return fmt.Errorf("sampling_params: max_tokens must be >= 1, got %d", p.MaxTokens)
	}
	return nil
}
