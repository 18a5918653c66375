package sequence

import (
	"math"
	"time"
)

// Sequence is a single token stream: prompt tokens followed by generated
// tokens, plus the bookkeeping the engine needs to detokenize it
// incrementally and to know which physical KV blocks back it.
//
// Invariants (spec.md §3):
//   - once Status().IsFinished(), TokenIDs and LogicalBlocks are immutable.
//   - a Sequence belongs to exactly one SequenceGroup for its lifetime.
//   - PromptProcessingFinished becomes true on the step the last prompt
//     chunk is consumed.
type Sequence struct {
	seqID  int
	prompt string

	tokenIDs  []int
	promptLen int

	cumulativeLogprob float64
	status            Status

	// logicalBlocks is this sequence's logical block table: an ordered list
	// of physical block ids, one per BlockSizeTokens tokens. Owned here so
	// Fork can hand the child a by-reference copy before the block manager
	// bumps refcounts; the block manager is the only writer of refcounts.
	logicalBlocks []int

	// Incremental detokenizer state (component G).
	tokens       []string
	prefixOffset int
	readOffset   int
	outputText   string

	arrivalTime              time.Time
	promptProcessingFinished bool
}

// NewSequence creates a Sequence for a freshly admitted request.
// promptTokenIDs is copied so the caller's slice may be reused/mutated.
func NewSequence(seqID int, prompt string, promptTokenIDs []int, arrivalTime time.Time) *Sequence {
	toks := make([]int, len(promptTokenIDs))
	copy(toks, promptTokenIDs)
	return &Sequence{
		seqID:       seqID,
		prompt:      prompt,
		tokenIDs:    toks,
		promptLen:   len(toks),
		status:      Waiting,
		arrivalTime: arrivalTime,
	}
}

func (s *Sequence) SeqID() int               { return s.seqID }
func (s *Sequence) Prompt() string           { return s.prompt }
func (s *Sequence) PromptLen() int           { return s.promptLen }
func (s *Sequence) OutputLen() int           { return len(s.tokenIDs) - s.promptLen }
func (s *Sequence) Len() int                 { return len(s.tokenIDs) }
func (s *Sequence) Status() Status           { return s.status }
func (s *Sequence) ArrivalTime() time.Time   { return s.arrivalTime }
func (s *Sequence) CumulativeLogprob() float64 { return s.cumulativeLogprob }
func (s *Sequence) OutputText() string       { return s.outputText }
func (s *Sequence) IsFinished() bool         { return s.status.IsFinished() }
func (s *Sequence) IsPromptProcessingFinished() bool { return s.promptProcessingFinished }

// TokenIDs returns the full prompt⊕generated token id list. Callers must not
// mutate the returned slice.
func (s *Sequence) TokenIDs() []int { return s.tokenIDs }

// LastTokenID returns the most recently appended token id, or -1 if empty.
func (s *Sequence) LastTokenID() int {
	if len(s.tokenIDs) == 0 {
		return -1
	}
	return s.tokenIDs[len(s.tokenIDs)-1]
}

func (s *Sequence) SetStatus(status Status) { s.status = status }

// --- blockmanager.BlockOwner implementation ---

// LogicalBlockTable returns this sequence's logical-block-index -> physical
// block id mapping. Callers (the block manager) must not retain the slice
// across a Fork without going through AppendLogicalBlock/SetLogicalBlockTable.
func (s *Sequence) LogicalBlockTable() []int { return s.logicalBlocks }

// SetLogicalBlockTable replaces the logical block table wholesale. Used by
// the block manager after Allocate/Fork to install the assigned physical ids.
func (s *Sequence) SetLogicalBlockTable(blocks []int) { s.logicalBlocks = blocks }

// AppendLogicalBlock appends one physical block id to the logical table.
func (s *Sequence) AppendLogicalBlock(blockID int) {
	s.logicalBlocks = append(s.logicalBlocks, blockID)
}

// NumLogicalSlots is the number of logical block slots currently mapped.
func (s *Sequence) NumLogicalSlots() int { return len(s.logicalBlocks) }

// --- detokenizer state accessors ---

func (s *Sequence) DetokenizerState() (tokens []string, prefixOffset, readOffset int) {
	return s.tokens, s.prefixOffset, s.readOffset
}

func (s *Sequence) SetDetokenizerState(tokens []string, prefixOffset, readOffset int, appendedText string) {
	s.tokens = tokens
	s.prefixOffset = prefixOffset
	s.readOffset = readOffset
	s.outputText += appendedText
}

// TruncateOutputText drops the trailing n bytes of the accumulated output
// text. Used when a stop string matches as a suffix (spec.md §4.G).
func (s *Sequence) TruncateOutputText(n int) {
	if n <= 0 || n > len(s.outputText) {
		return
	}
	s.outputText = s.outputText[:len(s.outputText)-n]
}

// AppendTokenID appends a sampled token to the sequence, updates the
// cumulative logprob, and marks prompt processing finished once
// computedPromptTokens reaches the prompt length (spec.md §4.A).
// logprobs may be nil; probs is currently unused by the core (carried for
// worker-side richness) but accepted to match the SequenceOutputs contract.
func (s *Sequence) AppendTokenID(tokenID int, logprobs map[int]float64, probs []float64, computedPromptTokens int) {
	s.tokenIDs = append(s.tokenIDs, tokenID)
	if lp, ok := logprobs[tokenID]; ok {
		s.cumulativeLogprob += lp
	}
	if computedPromptTokens >= s.promptLen {
		s.promptProcessingFinished = true
	}
}

// Fork returns a new Sequence sharing all token history and detokenizer
// state up to the fork point, with a distinct id and a by-reference copy of
// the logical block table. The caller is responsible for telling the block
// manager about the fork (scheduler.ForkSeq) so physical refcounts are
// bumped — Fork itself never touches block-manager state.
func (s *Sequence) Fork(newID int) *Sequence {
	child := &Sequence{
		seqID:                    newID,
		prompt:                   s.prompt,
		tokenIDs:                 append([]int(nil), s.tokenIDs...),
		promptLen:                s.promptLen,
		cumulativeLogprob:        s.cumulativeLogprob,
		status:                   Running,
		logicalBlocks:            append([]int(nil), s.logicalBlocks...),
		tokens:                   append([]string(nil), s.tokens...),
		prefixOffset:             s.prefixOffset,
		readOffset:               s.readOffset,
		outputText:               s.outputText,
		arrivalTime:              s.arrivalTime,
		promptProcessingFinished: s.promptProcessingFinished,
	}
	return child
}

// GetBeamSearchScore returns cumulative_logprob / len(seq)^lengthPenalty,
// where len excludes a trailing EOS token if present. overrideLen, if
// provided (spec.md's "highest attainable score" estimation), replaces the
// sequence's own length (prompt plus generated tokens) for the denominator.
func (s *Sequence) GetBeamSearchScore(lengthPenalty float64, eosTokenID int, overrideLen ...int) float64 {
	seqLen := s.Len()
	if len(overrideLen) > 0 {
		seqLen = overrideLen[0]
	}
	if seqLen > 0 && s.LastTokenID() == eosTokenID {
		seqLen--
	}
	if seqLen <= 0 {
		seqLen = 1
	}
	return s.cumulativeLogprob / math.Pow(float64(seqLen), lengthPenalty)
}
