// Package scheduler implements component C of the engine core: the
// narrow interface the step driver consumes (spec.md §4.C) plus a reference
// FCFS-with-preemption policy, and two additional wait-queue ordering
// policies grounded in the teacher repo's own InstanceScheduler pattern
// (SPEC_FULL.md §4.H).
package scheduler

import "github.com/inference-core/llm-engine-core/sequence"

// Scheduler is the contract the engine's step driver consumes. Internal
// policy state is never introspected beyond these methods (spec.md §9
// "polymorphic scheduler" design note).
type Scheduler interface {
	// AddSeqGroup admits a group into the WAITING set.
	AddSeqGroup(group *sequence.SequenceGroup)

	// AbortSeqGroup marks every member sequence of the named groups
	// FINISHED_ABORTED and frees their blocks. Idempotent: aborting an
	// unknown or already-finished request id is a no-op.
	AbortSeqGroup(requestIDs ...string)

	// Schedule computes the next step's plan.
	Schedule() ([]*SequenceGroupMetadata, *SchedulerOutputs)

	// FreeSeq releases a finished or aborted sequence's KV blocks.
	FreeSeq(seq *sequence.Sequence)
	// ForkSeq tells the block manager a child sequence now shares parent's
	// blocks. Must be called before any FreeSeq in the same step.
	ForkSeq(parent, child *sequence.Sequence)
	// FreeFinishedSeqGroups drops any group whose members are all finished
	// from internal bookkeeping (it has already been reported to the
	// caller as a RequestOutput by that point).
	FreeFinishedSeqGroups()

	GetNumUnfinishedSeqGroups() int
	HasUnfinishedSeqs() bool

	NumRunning() int
	NumSwapped() int
	NumWaiting() int

	GetNumFreeGPUBlocks() int64
	GetNumFreeCPUBlocks() int64
}
