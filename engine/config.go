package engine

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/inference-core/llm-engine-core/scheduler"
)

// ModelConfig is the model-identity subset of spec.md §6 "Config surface".
type ModelConfig struct {
	Model            string `yaml:"model"`
	Revision         string `yaml:"revision"`
	Tokenizer        string `yaml:"tokenizer"`
	TokenizerMode    string `yaml:"tokenizer_mode"`
	TrustRemoteCode  bool   `yaml:"trust_remote_code"`
	DType            string `yaml:"dtype"`
	DownloadDir      string `yaml:"download_dir"`
	LoadFormat       string `yaml:"load_format"`
	Quantization     string `yaml:"quantization"`
	Seed             int64  `yaml:"seed"`
	MaxModelLen      int    `yaml:"max_model_len"`
	EOSTokenID       int    `yaml:"eos_token_id"`
}

// CacheConfig is the KV-cache subset of spec.md §6. NumGPUBlocks/NumCPUBlocks
// are left at zero in a user-authored config: they are filled in by the
// fan-out controller's profiling startup sequence (spec.md §4.D), never
// read from YAML.
type CacheConfig struct {
	BlockSizeTokens      int     `yaml:"block_size"`
	GPUMemoryUtilization float64 `yaml:"gpu_memory_utilization"`
	SwapSpaceBytes       int64   `yaml:"swap_space_bytes"`
	NumGPUBlocks         int     `yaml:"-"`
	NumCPUBlocks         int     `yaml:"-"`
}

// ParallelConfig is the replica-fanout subset of spec.md §6.
type ParallelConfig struct {
	TensorParallelSize int  `yaml:"tensor_parallel_size"`
	WorldSize          int  `yaml:"world_size"`
	WorkerUseRay       bool `yaml:"worker_use_ray"`
}

// SchedulerConfig selects and parameterizes the scheduling policy
// (spec.md §6, §4.H).
type SchedulerConfig struct {
	TypeName            string `yaml:"type_name"`
	MaxModelLen         int    `yaml:"max_model_len"`
	MaxNumSeqs          int    `yaml:"max_num_seqs"`
	MaxNumBatchedTokens int64  `yaml:"max_num_batched_tokens"`
}

// MetricsConfig is carried per spec.md §6 even though sink wiring itself is
// out of scope (spec.md §1, SPEC_FULL.md §9.1). SamplingRate is loaded and
// defaulted but nothing reads it: the ambient store records every step and
// every completed request.
type MetricsConfig struct {
	SamplingRate float64 `yaml:"sampling_rate"`
}

// EngineConfig is the top-level, YAML-loadable configuration object
// (SPEC_FULL.md §6.2).
type EngineConfig struct {
	Model     ModelConfig     `yaml:"model"`
	Cache     CacheConfig     `yaml:"cache"`
	Parallel  ParallelConfig  `yaml:"parallel"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// DefaultEngineConfig returns the defaults spec.md implies: block_size=16,
// gpu_memory_utilization=0.9, tensor_parallel_size=1, scheduler "fcfs".
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Model: ModelConfig{
			MaxModelLen: 2048,
			EOSTokenID:  2,
		},
		Cache: CacheConfig{
			BlockSizeTokens:      16,
			GPUMemoryUtilization: 0.9,
		},
		Parallel: ParallelConfig{
			TensorParallelSize: 1,
			WorldSize:          1,
		},
		Scheduler: SchedulerConfig{
			TypeName:            "fcfs",
			MaxModelLen:         2048,
			MaxNumSeqs:          256,
			MaxNumBatchedTokens: 2048,
		},
		Metrics: MetricsConfig{
			SamplingRate: 1.0,
		},
	}
}

// LoadEngineConfig reads and strictly parses a YAML config file: unknown
// keys are a load error, not silently ignored, matching the teacher's
// cmd/default_config.go KnownFields(true) pattern. Fields absent from the
// file keep DefaultEngineConfig's values by decoding onto a pre-populated
// struct.
func LoadEngineConfig(path string) (EngineConfig, error) {
	cfg := DefaultEngineConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return EngineConfig{}, fmt.Errorf("engine: reading config %s: %w", path, err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return EngineConfig{}, fmt.Errorf("engine: parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the config-error subset of spec.md §7's taxonomy that is
// knowable before any worker is constructed.
func (c EngineConfig) Validate() error {
	if c.Parallel.TensorParallelSize > 1 && c.Parallel.WorldSize <= 1 {
		return fmt.Errorf("engine: tensor_parallel_size %d > 1 requires world_size > 1", c.Parallel.TensorParallelSize)
	}
	if c.Cache.BlockSizeTokens <= 0 {
		return fmt.Errorf("engine: cache.block_size must be > 0, got %d", c.Cache.BlockSizeTokens)
	}
	if c.Cache.GPUMemoryUtilization <= 0 || c.Cache.GPUMemoryUtilization > 1 {
		return fmt.Errorf("engine: cache.gpu_memory_utilization must be in (0, 1], got %f", c.Cache.GPUMemoryUtilization)
	}
	if !scheduler.IsValidOrdererName(c.Scheduler.TypeName) {
		return fmt.Errorf("engine: unknown scheduler.type_name %q", c.Scheduler.TypeName)
	}
	return nil
}
