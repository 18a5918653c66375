package scheduler

import "github.com/inference-core/llm-engine-core/blockmanager"

// NewScheduler builds the reference FCFS-with-preemption Scheduler,
// parameterized by a waiting-queue ordering policy name (SPEC_FULL.md §4.H):
// "fcfs" (default), "priority-fcfs", or "sjf". Panics on an unrecognized
// name, mirroring the teacher repo's own NewScheduler factory
// (sim/scheduler.go).
func NewScheduler(orderingPolicy string, bm *blockmanager.Manager, maxNumSeqs int, maxNumBatchedTokens int64, maxModelLen int) Scheduler {
	if !IsValidOrdererName(orderingPolicy) {
		panic("scheduler: unknown ordering policy " + orderingPolicy)
	}
	return newFCFSScheduler(bm, maxNumSeqs, maxNumBatchedTokens, maxModelLen, orderingPolicy)
}
