package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/nexus/internal/agent/backtrack"
	"github.com/haasonsaas/nexus/internal/agent/compact"
	"github.com/haasonsaas/nexus/internal/agent/snapshot"
	"github.com/haasonsaas/nexus/internal/agent/terminate"
	"github.com/haasonsaas/nexus/internal/agent/toolflow"
)

// ExecutorConfig is the on-disk configuration for one agentcore run,
// mirroring internal/config.Config's nested-struct-plus-yaml-tag
// convention: one sub-struct per component, each with its own
// Default*Config backing it.
type ExecutorConfig struct {
	SystemPrompt string `yaml:"system_prompt" toml:"system_prompt"`
	TokenBudget  int    `yaml:"token_budget" toml:"token_budget"`

	Anthropic AnthropicConfig `yaml:"anthropic" toml:"anthropic"`
	OpenAI    OpenAIConfig    `yaml:"openai" toml:"openai"`

	Compact   compact.Config   `yaml:"compact" toml:"compact"`
	Terminate terminate.Config `yaml:"terminate" toml:"terminate"`
	ToolFlow  toolflow.Config  `yaml:"tool_flow" toml:"tool_flow"`
	Snapshot  snapshot.Config  `yaml:"snapshot" toml:"snapshot"`

	MaxBacktracks int `yaml:"max_backtracks" toml:"max_backtracks"`

	Broadcast BroadcastConfig `yaml:"broadcast" toml:"broadcast"`
	Observe   ObserveConfig   `yaml:"observe" toml:"observe"`

	// PurgeCronSpec schedules snapshot.Scheduler's retention sweep
	// (standard five-field cron syntax, or a descriptor such as "@hourly");
	// empty disables the scheduler and
	// relies solely on NewManager's construction-time purge.
	PurgeCronSpec string `yaml:"purge_cron_spec" toml:"purge_cron_spec"`
	// WatchSnapshots starts a snapshot.Watcher on the snapshot root to
	// detect out-of-band deletion between CreateSnapshot and Rollback.
	WatchSnapshots bool `yaml:"watch_snapshots" toml:"watch_snapshots"`
}

// AnthropicConfig is the subset of llm.AnthropicOptions exposed as config
// (the API key itself is always read from the environment, never the
// file, per this module's secrets-stay-out-of-config-files convention).
type AnthropicConfig struct {
	Model     string `yaml:"model" toml:"model"`
	MaxTokens int    `yaml:"max_tokens" toml:"max_tokens"`
}

// OpenAIConfig enables the OpenAI adapter as an llm.Failover secondary.
type OpenAIConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Model   string `yaml:"model" toml:"model"`
}

// BroadcastConfig configures the EventBroadcaster's bounded buffers.
type BroadcastConfig struct {
	ReplayCap int `yaml:"replay_cap" toml:"replay_cap"`
	SubBuffer int `yaml:"sub_buffer" toml:"sub_buffer"`
}

// ObserveConfig configures the Prometheus metrics and OTLP tracing wrapped
// around the executor's LLM turns and tool calls.
type ObserveConfig struct {
	// MetricsEnabled registers the agent metrics with the default
	// Prometheus registerer.
	MetricsEnabled bool `yaml:"metrics_enabled" toml:"metrics_enabled"`
	// MetricsAddr serves /metrics on this address when non-empty
	// (e.g. ":9464").
	MetricsAddr string `yaml:"metrics_addr" toml:"metrics_addr"`
	// TraceEndpoint is the OTLP gRPC collector address; empty disables
	// span export.
	TraceEndpoint string `yaml:"trace_endpoint" toml:"trace_endpoint"`
	TraceInsecure bool   `yaml:"trace_insecure" toml:"trace_insecure"`
}

// DefaultExecutorConfig returns the documented default settings composed
// from each component's own Default*Config, the same layering
// internal/config.Config uses for its nested sections.
func DefaultExecutorConfig() ExecutorConfig {
	tokenBudget := 150_000
	snapCfg := snapshot.DefaultConfig(".agentcore/snapshots")
	snapCfg.IndexPath = ".agentcore/snapshots/index.db"
	return ExecutorConfig{
		SystemPrompt:   "You are a careful, tool-using coding assistant.",
		TokenBudget:    tokenBudget,
		Anthropic:      AnthropicConfig{Model: "claude-sonnet-4-20250514", MaxTokens: 8192},
		OpenAI:         OpenAIConfig{Enabled: false, Model: "gpt-4o"},
		Compact:        compact.DefaultConfig(tokenBudget),
		Terminate:      terminate.DefaultConfig(),
		ToolFlow:       toolflow.DefaultConfig(),
		Snapshot:       snapCfg,
		MaxBacktracks:  3,
		Broadcast:      BroadcastConfig{ReplayCap: 256, SubBuffer: 64},
		Observe:        ObserveConfig{MetricsEnabled: true},
		PurgeCronSpec:  "@hourly",
		WatchSnapshots: true,
	}
}

// LoadExecutorConfig reads path, dispatching on its extension: ".toml" uses
// BurntSushi/toml (grounded on nevindra-oasis's config loader), anything
// else is treated as YAML via gopkg.in/yaml.v3, mirroring
// internal/config.Load's os.ReadFile -> os.ExpandEnv -> decode pipeline.
// Unset fields keep DefaultExecutorConfig's values.
func LoadExecutorConfig(path string) (ExecutorConfig, error) {
	cfg := DefaultExecutorConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ExecutorConfig{}, fmt.Errorf("agentcore: read config %s: %w", path, err)
	}
	expanded := os.ExpandEnv(string(data))

	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return ExecutorConfig{}, fmt.Errorf("agentcore: parse toml config %s: %w", path, err)
		}
		return cfg, nil
	}

	decoder := yaml.NewDecoder(strings.NewReader(expanded))
	if err := decoder.Decode(&cfg); err != nil {
		return ExecutorConfig{}, fmt.Errorf("agentcore: parse yaml config %s: %w", path, err)
	}
	return cfg, nil
}

// backtrackEngineFor builds a backtrack.Engine for cfg, or nil if cfg opts
// out of RVR-B (MaxBacktracks <= 0 runs plain RVR).
func backtrackEngineFor(cfg ExecutorConfig) *backtrack.Engine {
	if cfg.MaxBacktracks <= 0 {
		return nil
	}
	return backtrack.New(&heuristicDecider{}, &staticToolReplacer{})
}
