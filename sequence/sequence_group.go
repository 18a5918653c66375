package sequence

import "time"

// SequenceGroup is every Sequence spawned from a single client request
// (spec.md §3). Request ids are unique across the engine's lifetime
// (enforced by the engine, not here); a group is finished iff every member
// sequence is in a FINISHED_* state.
type SequenceGroup struct {
	requestID string
	seqs      []*Sequence // insertion order preserved for deterministic iteration
	params    SamplingParams
	arrival   time.Time

	// Priority is an additive field consumed only by the priority-fcfs
	// scheduling policy (SPEC_FULL.md §4.H); zero value behaves like plain
	// FCFS so existing groups are unaffected.
	Priority int
}

// NewSequenceGroup creates a group owning the given initial sequences
// (normally just one, the freshly admitted prompt sequence).
func NewSequenceGroup(requestID string, seqs []*Sequence, params SamplingParams, arrival time.Time) *SequenceGroup {
	return &SequenceGroup{
		requestID: requestID,
		seqs:      append([]*Sequence(nil), seqs...),
		params:    params,
		arrival:   arrival,
	}
}

func (g *SequenceGroup) RequestID() string          { return g.requestID }
func (g *SequenceGroup) SamplingParams() SamplingParams { return g.params }
func (g *SequenceGroup) ArrivalTime() time.Time     { return g.arrival }
func (g *SequenceGroup) NumSeqs() int               { return len(g.seqs) }

// Seqs returns every member sequence, in insertion order.
func (g *SequenceGroup) Seqs() []*Sequence { return g.seqs }

// SeqsWithStatus returns member sequences whose status matches any of the
// given statuses (spec.md §4.F: "parents = group.sequences_with_status(RUNNING)").
func (g *SequenceGroup) SeqsWithStatus(statuses ...Status) []*Sequence {
	var out []*Sequence
	for _, seq := range g.seqs {
		for _, st := range statuses {
			if seq.Status() == st {
				out = append(out, seq)
				break
			}
		}
	}
	return out
}

// GetFinishedSeqs returns every member sequence already in a FINISHED_* state.
func (g *SequenceGroup) GetFinishedSeqs() []*Sequence {
	var out []*Sequence
	for _, seq := range g.seqs {
		if seq.IsFinished() {
			out = append(out, seq)
		}
	}
	return out
}

// Add inserts a sequence (normally a freshly forked child) into the group.
func (g *SequenceGroup) Add(seq *Sequence) {
	g.seqs = append(g.seqs, seq)
}

// Remove drops the sequence with the given id from the group, if present.
func (g *SequenceGroup) Remove(seqID int) {
	for i, seq := range g.seqs {
		if seq.SeqID() == seqID {
			g.seqs = append(g.seqs[:i], g.seqs[i+1:]...)
			return
		}
	}
}

// Get returns the member sequence with the given id, or nil.
func (g *SequenceGroup) Get(seqID int) *Sequence {
	for _, seq := range g.seqs {
		if seq.SeqID() == seqID {
			return seq
		}
	}
	return nil
}

// IsFinished reports whether every member sequence is FINISHED_*.
// An empty group (all members removed, e.g. every parent aborted) is
// considered finished: there is nothing left to run or report.
func (g *SequenceGroup) IsFinished() bool {
	for _, seq := range g.seqs {
		if !seq.IsFinished() {
			return false
		}
	}
	return true
}
