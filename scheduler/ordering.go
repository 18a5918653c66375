package scheduler

import (
	"sort"

	"github.com/inference-core/llm-engine-core/sequence"
)

// Orderer reorders the WAITING set before admission is attempted each step
// (SPEC_FULL.md §4.H), mirroring the teacher repo's InstanceScheduler /
// OrderQueue hook. Implementations sort in place using sort.SliceStable so
// ties fall back to arrival order deterministically.
type Orderer interface {
	OrderQueue(groups []*sequence.SequenceGroup)
}

// fcfsOrderer preserves first-come-first-served order (no-op): the waiting
// slice is already in arrival order because AddSeqGroup appends to it.
type fcfsOrderer struct{}

func (fcfsOrderer) OrderQueue(_ []*sequence.SequenceGroup) {}

// priorityFCFSOrderer sorts by SequenceGroup.Priority (descending), then
// arrival time, then request id, for determinism.
type priorityFCFSOrderer struct{}

func (priorityFCFSOrderer) OrderQueue(groups []*sequence.SequenceGroup) {
	sort.SliceStable(groups, func(i, j int) bool {
		if groups[i].Priority != groups[j].Priority {
			return groups[i].Priority > groups[j].Priority
		}
		if !groups[i].ArrivalTime().Equal(groups[j].ArrivalTime()) {
			return groups[i].ArrivalTime().Before(groups[j].ArrivalTime())
		}
		return groups[i].RequestID() < groups[j].RequestID()
	})
}

// sjfOrderer sorts by the prompt-token count of the group's first sequence
// (ascending, shortest first). Warning: as the teacher's SJFScheduler notes
// of its own implementation, SJF can starve long requests under sustained
// load.
type sjfOrderer struct{}

func (sjfOrderer) OrderQueue(groups []*sequence.SequenceGroup) {
	sort.SliceStable(groups, func(i, j int) bool {
		li, lj := promptLen(groups[i]), promptLen(groups[j])
		if li != lj {
			return li < lj
		}
		if !groups[i].ArrivalTime().Equal(groups[j].ArrivalTime()) {
			return groups[i].ArrivalTime().Before(groups[j].ArrivalTime())
		}
		return groups[i].RequestID() < groups[j].RequestID()
	})
}

func promptLen(g *sequence.SequenceGroup) int {
	seqs := g.Seqs()
	if len(seqs) == 0 {
		return 0
	}
	return seqs[0].PromptLen()
}

// IsValidOrdererName reports whether name is a recognized ordering policy.
func IsValidOrdererName(name string) bool {
	switch name {
	case "", "fcfs", "priority-fcfs", "sjf":
		return true
	default:
		return false
	}
}

func newOrderer(name string) Orderer {
	switch name {
	case "", "fcfs":
		return fcfsOrderer{}
	case "priority-fcfs":
		return priorityFCFSOrderer{}
	case "sjf":
		return sjfOrderer{}
	default:
		panic("scheduler: unhandled orderer " + name)
	}
}
