// Package engine implements components E (Step Driver) and F (Output
// Processor) (spec.md §4.E, §4.F), plus the ambient config, error, and
// metrics surfaces SPEC_FULL.md §6-9 add around them. LLMEngine is the
// single entry point a CLI or server wires requests through.
package engine

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/inference-core/llm-engine-core/blockmanager"
	"github.com/inference-core/llm-engine-core/detokenizer"
	"github.com/inference-core/llm-engine-core/metrics"
	"github.com/inference-core/llm-engine-core/scheduler"
	"github.com/inference-core/llm-engine-core/sequence"
	"github.com/inference-core/llm-engine-core/worker"
)

// LLMEngine owns one model's full serving loop: admission, scheduling,
// worker fan-out, and output processing.
type LLMEngine struct {
	cfg        EngineConfig
	bm         *blockmanager.Manager
	sched      scheduler.Scheduler
	controller *worker.FanoutController
	tok        detokenizer.Tokenizer
	metrics    *metrics.Store

	nextSeqIDCounter int

	// pendingIgnored holds groups rejected at AddRequest time (spec.md §7
	// "request errors never surface as a returned error"): reported as
	// FINISHED_IGNORED on the very next Step, then dropped.
	pendingIgnored []*sequence.SequenceGroup

	groupArrival   map[string]time.Time
	firstTokenTime map[string]time.Time
	firstTokenSeen map[string]bool
}

// NewEngine runs the startup sequence (spec.md §4.D) and returns a ready
// engine: profile every worker replica, agree on a cache budget, broadcast
// collective init, then build the block manager and scheduler around the
// agreed budget. tok detokenizes worker output; at least one worker replica
// is required.
func NewEngine(cfg EngineConfig, tok detokenizer.Tokenizer, workers ...worker.Worker) (*LLMEngine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &ConfigError{Reason: err.Error()}
	}

	controller, err := worker.NewFanoutController(workers...)
	if err != nil {
		return nil, &ConfigError{Reason: err.Error()}
	}

	gpuBlocks, cpuBlocks, err := controller.InitCache(cfg.Cache.BlockSizeTokens, cfg.Cache.GPUMemoryUtilization)
	if err != nil {
		return nil, &ConfigError{Reason: err.Error()}
	}
	cfg.Cache.NumGPUBlocks = gpuBlocks
	cfg.Cache.NumCPUBlocks = cpuBlocks

	// The rendezvous id is derived from the model seed so two engines
	// started with the same config always agree, without needing any
	// out-of-band coordination (spec.md §4.D).
	rendezvousSeed := uint32(cfg.Model.Seed)
	if err := controller.InitModel(rendezvousSeed); err != nil {
		return nil, &ConfigError{Reason: err.Error()}
	}

	bm := blockmanager.NewManager(gpuBlocks, cpuBlocks, cfg.Cache.BlockSizeTokens)
	sched := scheduler.NewScheduler(cfg.Scheduler.TypeName, bm, cfg.Scheduler.MaxNumSeqs, cfg.Scheduler.MaxNumBatchedTokens, cfg.Scheduler.MaxModelLen)

	logrus.Infof("engine: started, gpu_blocks=%d cpu_blocks=%d scheduler=%s", gpuBlocks, cpuBlocks, cfg.Scheduler.TypeName)

	return &LLMEngine{
		cfg:            cfg,
		bm:             bm,
		sched:          sched,
		controller:     controller,
		tok:            tok,
		metrics:        metrics.NewStore(),
		groupArrival:   make(map[string]time.Time),
		firstTokenTime: make(map[string]time.Time),
		firstTokenSeen: make(map[string]bool),
	}, nil
}

func (e *LLMEngine) nextSeqID() int {
	id := e.nextSeqIDCounter
	e.nextSeqIDCounter++
	return id
}

// AddRequest admits a new request. Per spec.md §7, a request-level
// validation failure (e.g. n > best_of) never returns a Go error: the
// group is marked FINISHED_IGNORED and reported on the next Step instead.
// arrivalTime defaults to time.Now() when nil.
func (e *LLMEngine) AddRequest(requestID, prompt string, promptTokenIDs []int, params sequence.SamplingParams, arrivalTime *time.Time) error {
	arrival := time.Now()
	if arrivalTime != nil {
		arrival = *arrivalTime
	}

	seq := sequence.NewSequence(e.nextSeqID(), prompt, promptTokenIDs, arrival)
	group := sequence.NewSequenceGroup(requestID, []*sequence.Sequence{seq}, params, arrival)

	if err := params.Verify(); err != nil {
		logrus.Warnf("engine: rejecting request %s: %v", requestID, err)
		seq.SetStatus(sequence.FinishedIgnored)
		e.pendingIgnored = append(e.pendingIgnored, group)
		return nil
	}

	e.groupArrival[requestID] = arrival
	e.sched.AddSeqGroup(group)
	return nil
}

// AbortRequest cancels one or more in-flight requests (spec.md §4.E).
func (e *LLMEngine) AbortRequest(requestIDs ...string) {
	e.sched.AbortSeqGroup(requestIDs...)
	for _, id := range requestIDs {
		delete(e.groupArrival, id)
		delete(e.firstTokenTime, id)
		delete(e.firstTokenSeen, id)
		e.metrics.RecordAborted()
	}
}

func (e *LLMEngine) HasUnfinishedRequests() bool {
	return e.sched.HasUnfinishedSeqs() || len(e.pendingIgnored) > 0
}

func (e *LLMEngine) GetNumUnfinishedRequests() int {
	return e.sched.GetNumUnfinishedSeqGroups() + len(e.pendingIgnored)
}

func (e *LLMEngine) GetModelConfig() ModelConfig { return e.cfg.Model }

func (e *LLMEngine) GetMetricStore() *metrics.Store { return e.metrics }

func (e *LLMEngine) StartProfiling() { e.controller.StartProfiling() }
func (e *LLMEngine) StopProfiling()  { e.controller.StopProfiling() }
func (e *LLMEngine) ResetMetrics() {
	e.controller.ResetMetrics()
	e.metrics.Reset()
}

// PullWorkerMetrics returns one metrics snapshot per worker replica.
func (e *LLMEngine) PullWorkerMetrics() []map[string]float64 {
	return e.controller.PullWorkerMetrics()
}

// Step runs one iteration of the engine loop (spec.md §4.E):
//  1. flush any requests rejected at admission time since the last Step
//  2. ask the scheduler for this step's plan
//  3. if the plan is empty, return with nothing else to do
//  4. broadcast the plan to every worker replica and reconcile their output
//  5. run the output processor over every scheduled group
//  6. free any group that finished this step and record its step metrics
func (e *LLMEngine) Step() ([]*RequestOutput, error) {
	var results []*RequestOutput

	for _, g := range e.pendingIgnored {
		results = append(results, e.buildRequestOutput(g))
	}
	e.pendingIgnored = nil

	metas, outputs := e.sched.Schedule()
	for _, g := range outputs.IgnoredSeqGroups {
		results = append(results, e.buildRequestOutput(g))
		e.metrics.RecordIgnored()
	}

	if outputs.IsEmpty() {
		return results, nil
	}

	exec, err := e.controller.ExecuteModel(metas, outputs.BlocksToSwapIn, outputs.BlocksToSwapOut, outputs.BlocksToCopy)
	if err != nil {
		return nil, &FatalRuntimeError{Reason: "execute_model failed", Cause: err}
	}

	for _, group := range outputs.ScheduledSeqGroups {
		wasFinished := group.IsFinished()
		out := e.processGroup(group, exec.Samples[group.RequestID()])
		results = append(results, out)

		if !e.firstTokenSeen[group.RequestID()] {
			for _, seq := range group.Seqs() {
				if seq.OutputLen() > 0 {
					e.firstTokenTime[group.RequestID()] = time.Now()
					e.firstTokenSeen[group.RequestID()] = true
					break
				}
			}
		}
		if !wasFinished && group.IsFinished() {
			e.recordCompletion(group)
		}
	}

	e.sched.FreeFinishedSeqGroups()
	e.metrics.RecordStep(e.bm.NumTotalGPUBlocks() - e.bm.GetNumFreeGPUBlocks())
	return results, nil
}

func (e *LLMEngine) recordCompletion(group *sequence.SequenceGroup) {
	requestID := group.RequestID()
	arrival, ok := e.groupArrival[requestID]
	if !ok {
		return
	}
	now := time.Now()
	firstToken, sawFirstToken := e.firstTokenTime[requestID]

	var outputTokens int64
	for _, seq := range group.Seqs() {
		outputTokens += int64(seq.OutputLen())
	}

	ttft := now.Sub(arrival).Seconds()
	if sawFirstToken {
		ttft = firstToken.Sub(arrival).Seconds()
	}
	e2e := now.Sub(arrival).Seconds()

	tpot := 0.0
	if sawFirstToken && outputTokens > 1 {
		tpot = now.Sub(firstToken).Seconds() / float64(outputTokens-1)
	}

	e.metrics.RecordCompletion(ttft, tpot, e2e, outputTokens)
	delete(e.groupArrival, requestID)
	delete(e.firstTokenTime, requestID)
	delete(e.firstTokenSeen, requestID)
}
