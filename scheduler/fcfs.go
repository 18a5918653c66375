package scheduler

import (
	"fmt"

	"github.com/inference-core/llm-engine-core/blockmanager"
	"github.com/inference-core/llm-engine-core/sequence"
)

// fcfsScheduler is the reference Scheduler (spec.md §4.C): continue running
// groups first (decode, or the next chunk of an in-progress prefill),
// preempting the lowest-priority running group by recomputation when a
// running group cannot get the capacity it needs; then admit from the
// waiting set subject to the remaining per-step token budget and the
// running-groups limit (maxNumSeqs counts groups, not sequences). Grounded on the teacher repo's
// VLLMBatchFormation.FormBatch two-phase shape and its preemptForTokens
// tail-eviction loop (sim/batch_formation.go), generalized from Request/
// KVCacheState to SequenceGroup/blockmanager.Manager.
type fcfsScheduler struct {
	bm                  *blockmanager.Manager
	orderer             Orderer
	maxNumSeqs          int
	maxNumBatchedTokens int64
	maxModelLen         int

	waiting []*sequence.SequenceGroup
	running []*sequence.SequenceGroup
	swapped []*sequence.SequenceGroup

	// computed tracks, per sequence id, how many prompt tokens have had KV
	// computed so far. Needed because a sequence's full prompt is already
	// present in its token id slice at construction time (unlike decode
	// tokens, appended one at a time) so IsPromptProcessingFinished alone
	// cannot tell a scheduler how much of a multi-step chunked prefill
	// remains.
	computed map[int]int64
}

// newFCFSScheduler builds the reference scheduler with the given waiting-
// queue ordering policy name (SPEC_FULL.md §4.H).
func newFCFSScheduler(bm *blockmanager.Manager, maxNumSeqs int, maxNumBatchedTokens int64, maxModelLen int, orderingPolicy string) *fcfsScheduler {
	return &fcfsScheduler{
		bm:                  bm,
		orderer:             newOrderer(orderingPolicy),
		maxNumSeqs:          maxNumSeqs,
		maxNumBatchedTokens: maxNumBatchedTokens,
		maxModelLen:         maxModelLen,
		computed:            make(map[int]int64),
	}
}

func (s *fcfsScheduler) AddSeqGroup(group *sequence.SequenceGroup) {
	s.waiting = append(s.waiting, group)
}

func (s *fcfsScheduler) AbortSeqGroup(requestIDs ...string) {
	want := make(map[string]bool, len(requestIDs))
	for _, id := range requestIDs {
		want[id] = true
	}
	s.waiting = s.abortFrom(s.waiting, want)
	s.running = s.abortFrom(s.running, want)
	s.swapped = s.abortFrom(s.swapped, want)
}

func (s *fcfsScheduler) abortFrom(groups []*sequence.SequenceGroup, want map[string]bool) []*sequence.SequenceGroup {
	kept := groups[:0]
	for _, group := range groups {
		if !want[group.RequestID()] {
			kept = append(kept, group)
			continue
		}
		for _, seq := range group.Seqs() {
			if seq.IsFinished() {
				continue
			}
			seq.SetStatus(sequence.FinishedAborted)
			s.bm.Free(seq)
			delete(s.computed, seq.SeqID())
		}
	}
	return kept
}

func (s *fcfsScheduler) FreeSeq(seq *sequence.Sequence) {
	s.bm.Free(seq)
	delete(s.computed, seq.SeqID())
}

func (s *fcfsScheduler) ForkSeq(parent, child *sequence.Sequence) {
	s.bm.Fork(parent, child)
	s.computed[child.SeqID()] = s.computed[parent.SeqID()]
}

func (s *fcfsScheduler) FreeFinishedSeqGroups() {
	s.running = dropFinished(s.running)
	s.waiting = dropFinished(s.waiting)
	s.swapped = dropFinished(s.swapped)
}

func dropFinished(groups []*sequence.SequenceGroup) []*sequence.SequenceGroup {
	kept := groups[:0]
	for _, g := range groups {
		if !g.IsFinished() {
			kept = append(kept, g)
		}
	}
	return kept
}

func (s *fcfsScheduler) GetNumUnfinishedSeqGroups() int {
	return len(s.waiting) + len(s.running) + len(s.swapped)
}

func (s *fcfsScheduler) HasUnfinishedSeqs() bool { return s.GetNumUnfinishedSeqGroups() > 0 }

func (s *fcfsScheduler) NumRunning() int { return len(s.running) }
func (s *fcfsScheduler) NumSwapped() int { return len(s.swapped) }
func (s *fcfsScheduler) NumWaiting() int { return len(s.waiting) }

func (s *fcfsScheduler) GetNumFreeGPUBlocks() int64 { return s.bm.GetNumFreeGPUBlocks() }
func (s *fcfsScheduler) GetNumFreeCPUBlocks() int64 { return s.bm.GetNumFreeCPUBlocks() }

// Schedule computes the next step's plan (spec.md §4.C).
func (s *fcfsScheduler) Schedule() ([]*SequenceGroupMetadata, *SchedulerOutputs) {
	outputs := newSchedulerOutputs()
	var metas []*SequenceGroupMetadata
	budget := s.maxNumBatchedTokens

	active := append([]*sequence.SequenceGroup(nil), s.running...)

	for i := 0; i < len(active); i++ {
		group := active[i]
		seqs := group.SeqsWithStatus(sequence.Running)
		if len(seqs) == 0 {
			active = append(active[:i], active[i+1:]...)
			i--
			continue
		}

		for {
			used, err := s.reserveRunning(seqs, budget, outputs)
			if err == nil {
				budget -= used
				outputs.ScheduledSeqGroups = append(outputs.ScheduledSeqGroups, group)
				if seqs[0].IsPromptProcessingFinished() {
					outputs.NumBatchedOutputTokens += used
					outputs.PromptChunkLens = append(outputs.PromptChunkLens, 0)
				} else {
					outputs.NumBatchedPromptTokens += used
					outputs.PromptChunkLens = append(outputs.PromptChunkLens, used)
				}
				metas = append(metas, s.metadataFor(group, seqs))
				break
			}

			if len(active)-1 > i {
				victim := active[len(active)-1]
				active = active[:len(active)-1]
				s.preempt(victim)
				continue
			}

			// Nothing left downstream to evict: this group itself is preempted.
			s.preempt(group)
			active = append(active[:i], active[i+1:]...)
			i--
			break
		}
	}
	s.running = active

	s.orderer.OrderQueue(s.waiting)

admitLoop:
	for len(s.waiting) > 0 {
		if len(s.running) >= s.maxNumSeqs {
			break
		}
		group := s.waiting[0]
		seqs := group.Seqs()
		primary := seqs[0]

		if primary.PromptLen() > s.maxModelLen || s.bm.CanAllocate(primary.PromptLen()) == blockmanager.Never {
			for _, seq := range seqs {
				seq.SetStatus(sequence.FinishedIgnored)
			}
			outputs.IgnoredSeqGroups = append(outputs.IgnoredSeqGroups, group)
			s.waiting = s.waiting[1:]
			continue
		}
		if s.bm.CanAllocate(primary.PromptLen()) != blockmanager.OK {
			break
		}

		already := s.computed[primary.SeqID()]
		remaining := int64(primary.PromptLen()) - already
		chunk := remaining
		if chunk > budget {
			chunk = budget
		}
		if chunk <= 0 {
			break
		}
		cumulative := already + chunk
		if !s.bm.CanEnsureCapacity(primary, int(cumulative)) {
			break
		}
		for _, seq := range seqs {
			if err := s.bm.EnsureCapacity(seq, int(cumulative)); err != nil {
				break admitLoop
			}
			seq.SetStatus(sequence.Running)
			s.computed[seq.SeqID()] = cumulative
		}

		budget -= chunk
		outputs.ScheduledSeqGroups = append(outputs.ScheduledSeqGroups, group)
		outputs.NumBatchedPromptTokens += chunk
		outputs.PromptChunkLens = append(outputs.PromptChunkLens, chunk)
		metas = append(metas, s.metadataFor(group, seqs))

		s.waiting = s.waiting[1:]
		s.running = append(s.running, group)
	}

	return metas, outputs
}

// reserveRunning grows block capacity for a running group's one step of
// work: a single AppendSlot per sequence if its prompt is already fully
// computed (decode), or a capacity-bounded chunk of prefill growth on its
// first (and only relevant) sequence otherwise — sequences are never forked
// before prompt processing finishes (spec.md §4.F), so a prefilling group
// always has exactly one member.
func (s *fcfsScheduler) reserveRunning(seqs []*sequence.Sequence, budget int64, outputs *SchedulerOutputs) (int64, error) {
	if seqs[0].IsPromptProcessingFinished() {
		for _, seq := range seqs {
			if !s.bm.CanAppendSlot(seq) {
				return 0, fmt.Errorf("scheduler: no capacity to decode seq %d", seq.SeqID())
			}
		}
		for _, seq := range seqs {
			cow, err := s.bm.AppendSlot(seq)
			if err != nil {
				return 0, err
			}
			if cow != nil {
				outputs.BlocksToCopy[cow.Src] = append(outputs.BlocksToCopy[cow.Src], cow.Dst)
			}
		}
		return int64(len(seqs)), nil
	}

	seq := seqs[0]
	already := s.computed[seq.SeqID()]
	remaining := int64(seq.PromptLen()) - already
	if remaining <= 0 {
		return 0, nil
	}
	chunk := remaining
	if chunk > budget {
		chunk = budget
	}
	if chunk <= 0 {
		return 0, fmt.Errorf("scheduler: no token budget left for seq %d", seq.SeqID())
	}
	cumulative := already + chunk
	if !s.bm.CanEnsureCapacity(seq, int(cumulative)) {
		return 0, fmt.Errorf("scheduler: no capacity to grow seq %d to %d tokens", seq.SeqID(), cumulative)
	}
	if err := s.bm.EnsureCapacity(seq, int(cumulative)); err != nil {
		return 0, err
	}
	s.computed[seq.SeqID()] = cumulative
	return chunk, nil
}

// preempt evicts a running group by recomputation (spec.md §4.F): its
// blocks are freed and its sequences return to WAITING, to be rescheduled
// from scratch. Requeued at the front of the waiting queue, so under the
// fcfs ordering it is the first candidate considered for readmission; the
// priority-fcfs and sjf orderings re-sort the queue before admission.
func (s *fcfsScheduler) preempt(group *sequence.SequenceGroup) {
	for _, seq := range group.Seqs() {
		if seq.IsFinished() {
			continue
		}
		s.bm.Free(seq)
		delete(s.computed, seq.SeqID())
		seq.SetStatus(sequence.Waiting)
	}
	s.waiting = append([]*sequence.SequenceGroup{group}, s.waiting...)
}

func (s *fcfsScheduler) metadataFor(group *sequence.SequenceGroup, seqs []*sequence.Sequence) *SequenceGroupMetadata {
	seqData := make(map[int]SeqData, len(seqs))
	blockTables := make(map[int][]int, len(seqs))
	isPrompt := false
	for _, seq := range seqs {
		computed := s.computed[seq.SeqID()]
		if computed == 0 {
			computed = int64(seq.Len())
		}
		seqData[seq.SeqID()] = SeqData{
			SeqID:          seq.SeqID(),
			TokenIDs:       seq.TokenIDs(),
			PromptLen:      seq.PromptLen(),
			ComputedTokens: computed,
		}
		blockTables[seq.SeqID()] = seq.LogicalBlockTable()
		if !seq.IsPromptProcessingFinished() {
			isPrompt = true
		}
	}
	return &SequenceGroupMetadata{
		RequestID:      group.RequestID(),
		IsPrompt:       isPrompt,
		SeqData:        seqData,
		BlockTables:    blockTables,
		SamplingParams: group.SamplingParams(),
	}
}
