package engine

import (
	"sort"

	"github.com/inference-core/llm-engine-core/detokenizer"
	"github.com/inference-core/llm-engine-core/sequence"
	"github.com/inference-core/llm-engine-core/worker"
)

// RequestOutput is one group's client-facing snapshot, emitted every step
// for every scheduled or ignored group (spec.md §4.E).
type RequestOutput struct {
	RequestID string
	Outputs   []SequenceOutput
	Finished  bool
}

// SequenceOutput is one member sequence's client-facing snapshot.
type SequenceOutput struct {
	SeqID             int
	OutputText        string
	TokenIDs          []int
	CumulativeLogprob float64
	FinishReason      sequence.Status
}

// pcPair is one (child, parent) relationship produced by Phase 1: child is
// the sequence object this step's sample landed on (the forked copy, or the
// parent itself when it was reused as its own k-th candidate).
type pcPair struct {
	parent *sequence.Sequence
	child  *sequence.Sequence
}

// processGroup runs the output processor's phases 1-3' over one scheduled
// group's worker samples (spec.md §4.F) and returns its RequestOutput.
// samplesByParent is nil or empty when nothing in this group sampled a
// token this step (still mid chunked-prefill): the group's state is simply
// reported unchanged.
func (e *LLMEngine) processGroup(group *sequence.SequenceGroup, samplesByParent map[int][]worker.SampledToken) *RequestOutput {
	parents := group.SeqsWithStatus(sequence.Running)

	sampledThisStep := false
	for _, p := range parents {
		if _, ok := samplesByParent[p.SeqID()]; ok {
			sampledThisStep = true
			break
		}
	}
	if !sampledThisStep {
		return e.buildRequestOutput(group)
	}

	// Phase 1: bucket samples by parent, fork k-1 children, reuse the
	// parent object for the k-th candidate (spec.md §4.F Phase 1).
	var pairs []pcPair
	for _, parent := range parents {
		candidates, ok := samplesByParent[parent.SeqID()]
		if !ok {
			continue
		}
		if len(candidates) == 0 {
			// Sampler elected not to continue this parent at all.
			parent.SetStatus(sequence.FinishedAborted)
			group.Remove(parent.SeqID())
			e.sched.FreeSeq(parent)
			continue
		}
		promptLen := parent.PromptLen()
		for i, cand := range candidates {
			if i < len(candidates)-1 {
				child := parent.Fork(e.nextSeqID())
				child.AppendTokenID(cand.TokenID, cand.Logprobs, nil, promptLen)
				pairs = append(pairs, pcPair{parent: parent, child: child})
			} else {
				parent.AppendTokenID(cand.TokenID, cand.Logprobs, nil, promptLen)
				pairs = append(pairs, pcPair{parent: parent, child: parent})
			}
		}
	}

	// Phase 2: detokenize and stop-check every resulting candidate.
	for _, pr := range pairs {
		e.detokenizeAndCheckStop(pr.child, group.SamplingParams())
	}

	if group.SamplingParams().UseBeamSearch {
		e.applyBeamSearch(group, pairs)
	} else {
		e.applyNonBeam(group, pairs)
	}

	return e.buildRequestOutput(group)
}

// applyNonBeam is Phase 3 (spec.md §4.F): every forked child is added to
// the group and, if still running, fork_seq'd so the block manager's
// refcounts follow the branch. A forked child that finished in the very
// step it was created is added but never fork_seq'd — matching the
// reference engine's own behavior, not a bug this port corrects. A reused
// parent that finished this step is freed. All forks are applied before
// any frees.
func (e *LLMEngine) applyNonBeam(group *sequence.SequenceGroup, pairs []pcPair) {
	for _, pr := range pairs {
		if pr.child != pr.parent {
			group.Add(pr.child)
			if !pr.child.IsFinished() {
				e.sched.ForkSeq(pr.parent, pr.child)
			}
		}
	}
	for _, pr := range pairs {
		if pr.child == pr.parent && pr.child.IsFinished() {
			e.sched.FreeSeq(pr.child)
		}
	}
}

// applyBeamSearch is Phase 3' (spec.md §4.F, §8 scenario 5): rank all
// finished candidates (old and new) by beam-search score, keep the top
// beam_width as the group's finished set and discard the rest, then decide
// whether to keep generating from the surviving running candidates using
// the early-stopping rule named in spec.md §4.F.
func (e *LLMEngine) applyBeamSearch(group *sequence.SequenceGroup, pairs []pcPair) {
	params := group.SamplingParams()
	beamWidth := params.BestOf
	lp := params.LengthPenalty
	eos := e.cfg.Model.EOSTokenID

	var newFinished, running []pcPair
	for _, pr := range pairs {
		if pr.child.IsFinished() {
			newFinished = append(newFinished, pr)
		} else {
			running = append(running, pr)
		}
	}

	existingFinished := group.GetFinishedSeqs()

	allFinished := make([]*sequence.Sequence, 0, len(existingFinished)+len(newFinished))
	allFinished = append(allFinished, existingFinished...)
	for _, pr := range newFinished {
		allFinished = append(allFinished, pr.child)
	}
	sortByBeamScoreDesc(allFinished, lp, eos, nil)

	keep := allFinished
	if len(keep) > beamWidth {
		keep = keep[:beamWidth]
	}
	keepSet := make(map[int]bool, len(keep))
	for _, s := range keep {
		keepSet[s.SeqID()] = true
	}

	// Apply the keep/discard decision for newly finished candidates. A
	// discarded forked child is never added to the group: it never went
	// through fork_seq, so there is nothing to free. A discarded reused
	// parent is dropped from the group and freed.
	for _, pr := range newFinished {
		kept := keepSet[pr.child.SeqID()]
		if pr.child != pr.parent {
			if kept {
				group.Add(pr.child)
			}
			continue
		}
		if !kept {
			group.Remove(pr.child.SeqID())
			e.sched.FreeSeq(pr.child)
		}
	}

	runningSeqs := make([]*sequence.Sequence, len(running))
	for i, pr := range running {
		runningSeqs[i] = pr.child
	}
	sortByBeamScoreDesc(runningSeqs, lp, eos, nil)

	stop := false
	switch {
	case len(keep) < beamWidth:
		stop = false
	case len(runningSeqs) == 0:
		stop = true
	default:
		worst := keep[len(keep)-1].GetBeamSearchScore(lp, eos)
		stop = shouldStopBeamSearch(params.EarlyStopping, lp, runningSeqs[0], worst, eos, e.cfg.Model.MaxModelLen, params.MaxTokens)
	}

	if stop {
		for _, pr := range running {
			if pr.child == pr.parent {
				group.Remove(pr.child.SeqID())
				e.sched.FreeSeq(pr.child)
			}
			// Freshly forked running children that are dropped were never
			// added to the group and never fork_seq'd: nothing to free.
		}
		return
	}

	top := runningSeqs
	if len(top) > beamWidth {
		top = top[:beamWidth]
	}
	topSet := make(map[int]bool, len(top))
	for _, s := range top {
		topSet[s.SeqID()] = true
	}
	for _, pr := range running {
		if topSet[pr.child.SeqID()] {
			if pr.child != pr.parent {
				group.Add(pr.child)
				e.sched.ForkSeq(pr.parent, pr.child)
			}
			continue
		}
		if pr.child == pr.parent {
			group.Remove(pr.child.SeqID())
			e.sched.FreeSeq(pr.child)
		}
	}
}

// sortByBeamScoreDesc ranks sequences by beam-search score, descending,
// with ties broken by ascending sequence id for determinism (spec.md §8
// "Determinism"). overrideLen is forwarded to GetBeamSearchScore unchanged.
func sortByBeamScoreDesc(seqs []*sequence.Sequence, lengthPenalty float64, eosTokenID int, overrideLen []int) {
	sort.SliceStable(seqs, func(i, j int) bool {
		si := seqs[i].GetBeamSearchScore(lengthPenalty, eosTokenID, overrideLen...)
		sj := seqs[j].GetBeamSearchScore(lengthPenalty, eosTokenID, overrideLen...)
		if si != sj {
			return si > sj
		}
		return seqs[i].SeqID() < seqs[j].SeqID()
	})
}

// shouldStopBeamSearch implements spec.md §4.F's beam-search early-stopping
// decision, ported from the reference engine's own
// _check_beam_search_early_stopping: early_stopping == true stops as soon
// as beam_width finished candidates exist; false continues only while the
// best running candidate could still beat the worst kept finished score,
// judged at its current length; "never" judges that same comparison at an
// optimistic upper-bound length instead, so a worse-but-still-growing
// candidate is not given up on too early. Written as a standalone function
// (not a method) so it can be exercised directly with synthetic sequences,
// independent of the scheduler/worker pipeline (spec.md §8 scenario 5).
func shouldStopBeamSearch(policy sequence.EarlyStopping, lengthPenalty float64, bestRunning *sequence.Sequence, worstFinishedScore float64, eosTokenID, maxModelLen, maxTokens int) bool {
	if policy == sequence.EarlyStoppingTrue {
		return true
	}

	if policy == sequence.EarlyStoppingNever && lengthPenalty > 0 {
		maxLen := bestRunning.PromptLen() + maxTokens
		if maxModelLen > maxLen {
			maxLen = maxModelLen
		}
		highestAttainable := bestRunning.GetBeamSearchScore(lengthPenalty, eosTokenID, maxLen)
		return worstFinishedScore >= highestAttainable
	}

	currentScore := bestRunning.GetBeamSearchScore(lengthPenalty, eosTokenID)
	return worstFinishedScore >= currentScore
}

// detokenizeAndCheckStop runs component G and the stop-check over one
// candidate sequence (spec.md §4.F Phase 2, §4.G).
func (e *LLMEngine) detokenizeAndCheckStop(seq *sequence.Sequence, params sequence.SamplingParams) {
	tokens, prefixOffset, readOffset := seq.DetokenizerState()
	prev := detokenizer.State{Tokens: tokens, PrefixOffset: prefixOffset, ReadOffset: readOffset}
	next, delta := detokenizer.DetokenizeIncrementally(e.tok, seq.TokenIDs(), prev, true)
	seq.SetDetokenizerState(next.Tokens, next.PrefixOffset, next.ReadOffset, delta)

	reason, truncate := detokenizer.CheckStop(detokenizer.StopCheckInput{
		OutputText:  seq.OutputText(),
		TotalLen:    seq.Len(),
		OutputLen:   seq.OutputLen(),
		MaxModelLen: e.cfg.Model.MaxModelLen,
		MaxTokens:   params.MaxTokens,
		LastTokenID: seq.LastTokenID(),
		EOSTokenID:  e.cfg.Model.EOSTokenID,
		IgnoreEOS:   params.IgnoreEOS,
		StopStrings: params.Stop,
	})
	switch reason {
	case detokenizer.Stopped:
		if truncate > 0 {
			seq.TruncateOutputText(truncate)
		}
		seq.SetStatus(sequence.FinishedStopped)
	case detokenizer.LengthCapped:
		seq.SetStatus(sequence.FinishedLengthCapped)
	}
}

func (e *LLMEngine) buildRequestOutput(group *sequence.SequenceGroup) *RequestOutput {
	outs := make([]SequenceOutput, 0, group.NumSeqs())
	for _, seq := range group.Seqs() {
		outs = append(outs, SequenceOutput{
			SeqID:             seq.SeqID(),
			OutputText:        seq.OutputText(),
			TokenIDs:          append([]int(nil), seq.TokenIDs()...),
			CumulativeLogprob: seq.CumulativeLogprob(),
			FinishReason:      seq.Status(),
		})
	}
	return &RequestOutput{RequestID: group.RequestID(), Outputs: outs, Finished: group.IsFinished()}
}
