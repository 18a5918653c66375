package cmd

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inference-core/llm-engine-core/engine"
	"github.com/inference-core/llm-engine-core/sequence"
	"github.com/inference-core/llm-engine-core/worker"
)

var (
	configPath         string
	prompt             string
	maxTokens          int
	tensorParallelSize int
	vocabSize          int
	n                  int
	bestOf             int
	useBeamSearch      bool
	lengthPenalty      float64
	earlyStopping      string
	stopStrings        []string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Drive a single request to completion against in-process mock workers",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := engine.DefaultEngineConfig()
		if configPath != "" {
			loaded, err := engine.LoadEngineConfig(configPath)
			if err != nil {
				logrus.Fatalf("run: %v", err)
			}
			cfg = loaded
		}
		if tensorParallelSize > 0 {
			cfg.Parallel.TensorParallelSize = tensorParallelSize
			cfg.Parallel.WorldSize = tensorParallelSize
		}

		workers := make([]worker.Worker, cfg.Parallel.WorldSize)
		for i := range workers {
			workers[i] = worker.NewMockWorker(i, vocabSize, cfg.Model.EOSTokenID, 256, 256)
		}

		tok := newWordTokenizer(cfg.Model.EOSTokenID)
		eng, err := engine.NewEngine(cfg, tok, workers...)
		if err != nil {
			logrus.Fatalf("run: %v", err)
		}

		params := sequence.DefaultSamplingParams()
		params.N = n
		params.BestOf = bestOf
		params.UseBeamSearch = useBeamSearch
		params.LengthPenalty = lengthPenalty
		params.MaxTokens = maxTokens
		params.Stop = stopStrings
		if useBeamSearch {
			params.Temperature = 0
		}
		switch earlyStopping {
		case "true":
			params.EarlyStopping = sequence.EarlyStoppingTrue
		case "never":
			params.EarlyStopping = sequence.EarlyStoppingNever
		default:
			params.EarlyStopping = sequence.EarlyStoppingFalse
		}

		if err := eng.AddRequest("req-1", prompt, encodePrompt(prompt, vocabSize), params, nil); err != nil {
			logrus.Fatalf("run: %v", err)
		}

		const maxSteps = 100000
		var last []*engine.RequestOutput
		for step := 0; step < maxSteps && eng.HasUnfinishedRequests(); step++ {
			out, err := eng.Step()
			if err != nil {
				logrus.Fatalf("run: %v", err)
			}
			if len(out) > 0 {
				last = out
			}
		}

		for _, ro := range last {
			for _, so := range ro.Outputs {
				fmt.Printf("seq %d [%s]: %q\n", so.SeqID, so.FinishReason, so.OutputText)
			}
		}
		eng.GetMetricStore().Print()
	},
}

// encodePrompt is a placeholder tokenizer-encode step: real deployments
// wrap a model's actual tokenizer here (spec.md §1 "tokenizer internals
// out of scope"). It deterministically maps prompt bytes to a token id
// stream so the CLI has something to feed the engine.
func encodePrompt(prompt string, vocabSize int) []int {
	if vocabSize <= 0 {
		vocabSize = 1
	}
	ids := make([]int, 0, len(prompt))
	for _, r := range prompt {
		ids = append(ids, int(r)%vocabSize)
	}
	if len(ids) == 0 {
		ids = []int{0}
	}
	return ids
}

func init() {
	runCmd.Flags().StringVar(&configPath, "config", "", "Path to a YAML engine config (optional; defaults are used otherwise)")
	runCmd.Flags().StringVar(&prompt, "prompt", "hello world", "Prompt text")
	runCmd.Flags().IntVar(&maxTokens, "max-tokens", 16, "Maximum number of tokens to generate")
	runCmd.Flags().IntVar(&tensorParallelSize, "tensor-parallel-size", 0, "Override the config's tensor_parallel_size (0 keeps the config value)")
	runCmd.Flags().IntVar(&vocabSize, "vocab-size", len(defaultVocab)+3, "Mock worker vocabulary size")
	runCmd.Flags().IntVar(&n, "n", 1, "Number of output sequences to return")
	runCmd.Flags().IntVar(&bestOf, "best-of", 1, "Number of sequences sampled internally (beam width under beam search)")
	runCmd.Flags().BoolVar(&useBeamSearch, "beam-search", false, "Use beam search instead of independent sampling")
	runCmd.Flags().Float64Var(&lengthPenalty, "length-penalty", 1.0, "Beam-search length penalty")
	runCmd.Flags().StringVar(&earlyStopping, "early-stopping", "false", "Beam-search early-stopping policy: true, false, or never")
	runCmd.Flags().StringSliceVar(&stopStrings, "stop", nil, "Stop strings")
}
