package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/internal/agent/backtrack"
	"github.com/haasonsaas/nexus/internal/agent/broadcast"
	"github.com/haasonsaas/nexus/internal/agent/compact"
	"github.com/haasonsaas/nexus/internal/agent/llm"
	"github.com/haasonsaas/nexus/internal/agent/observe"
	"github.com/haasonsaas/nexus/internal/agent/providers"
	"github.com/haasonsaas/nexus/internal/agent/rvrexec"
	"github.com/haasonsaas/nexus/internal/agent/rvrstate"
	"github.com/haasonsaas/nexus/internal/agent/snapshot"
	"github.com/haasonsaas/nexus/internal/agent/terminate"
	"github.com/haasonsaas/nexus/internal/agent/toolflow"
)

// runtime bundles the fully-wired component graph one CLI invocation needs,
// grounded on cmd/nexus/main.go's pattern of a single struct assembled once
// in main and threaded through the command handlers.
type runtime struct {
	broadcaster   *broadcast.Broadcaster
	flow          *toolflow.Flow
	compactor     *compact.Compactor
	terminator    *terminate.Terminator
	backtrack     *backtrack.Engine
	snapshots     *snapshot.Manager
	scheduler     *snapshot.Scheduler
	watcher       *snapshot.Watcher
	turn          rvrexec.LLMTurn
	executor      *rvrexec.Executor
	metrics       *observe.Metrics
	tracer        *observe.Tracer
	traceShutdown func(context.Context) error
	metricsServer *http.Server
	cfg           ExecutorConfig
	logger        *slog.Logger
}

// Close stops the retention-purge scheduler, snapshot-root watcher, and
// metrics listener (when configured), flushes pending trace spans, and
// releases the snapshot manager's index handle. Commands that build a
// runtime for more than one-shot use should defer this.
func (rt *runtime) Close() {
	if rt.scheduler != nil {
		<-rt.scheduler.Stop().Done()
	}
	if rt.watcher != nil {
		_ = rt.watcher.Close()
	}
	if rt.metricsServer != nil {
		_ = rt.metricsServer.Close()
	}
	if rt.traceShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = rt.traceShutdown(ctx)
		cancel()
	}
	_ = rt.snapshots.Close()
}

// buildRuntime constructs the full graph: EventBroadcaster -> ToolExecutionFlow
// (registry + Plan/HITL handlers) -> ContextCompactor -> AdaptiveTerminator ->
// BacktrackEngine -> StateConsistencyManager -> LLM adapter -> Executor.
// overrideTurn lets the replay command substitute a tape.Replayer for the
// live provider without duplicating the rest of the graph; pass nil to
// build the default Anthropic/OpenAI-backed turn from cfg.
func buildRuntime(cfg ExecutorConfig, logger *slog.Logger, overrideTurn rvrexec.LLMTurn) (*runtime, error) {
	broadcaster := broadcast.NewBroadcaster(cfg.Broadcast.ReplayCap, cfg.Broadcast.SubBuffer)

	registry, err := NewRegistry()
	if err != nil {
		return nil, fmt.Errorf("agentcore: build tool registry: %w", err)
	}

	var metrics *observe.Metrics
	if cfg.Observe.MetricsEnabled {
		metrics = observe.NewMetrics(prometheus.DefaultRegisterer)
	}
	tracer, traceShutdown, err := observe.NewTracer(context.Background(), observe.TraceConfig{
		ServiceName:    "agentcore",
		Endpoint:       cfg.Observe.TraceEndpoint,
		EnableInsecure: cfg.Observe.TraceInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("agentcore: build tracer: %w", err)
	}

	var metricsServer *http.Server
	if cfg.Observe.MetricsEnabled && cfg.Observe.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: cfg.Observe.MetricsAddr, Handler: mux}
		go func() {
			if serveErr := metricsServer.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
				logger.Warn("metrics listener stopped", "err", serveErr)
			}
		}()
	}

	snapshots, err := snapshot.NewManager(cfg.Snapshot)
	if err != nil {
		return nil, fmt.Errorf("agentcore: build snapshot manager: %w", err)
	}

	flow := toolflow.New(observe.Registry(registry, metrics, tracer), cfg.ToolFlow, snapshots)
	flow.RegisterHandler("plan", toolflow.NewPlanHandler())
	flow.RegisterHandler("hitl", toolflow.NewHITLHandler(stdinHITLWaiter(logger)))

	estimator := llm.NewTiktokenEstimator()
	compactor := compact.New(estimator)

	terminator := terminate.New(cfg.Terminate)
	engine := backtrackEngineFor(cfg)

	turn := overrideTurn
	if turn == nil {
		turn, err = buildLLMTurn(cfg, registry.AgentTools())
		if err != nil {
			return nil, err
		}
	}
	turn = observe.Turn(turn, metrics, tracer)

	execCfg := rvrexec.DefaultConfig(cfg.TokenBudget)
	execCfg.SystemPrompt = cfg.SystemPrompt
	execCfg.CompactConfig = cfg.Compact

	executor := rvrexec.New(turn, broadcaster, flow, compactor, terminator, engine, snapshots, execCfg)

	var scheduler *snapshot.Scheduler
	if cfg.PurgeCronSpec != "" {
		scheduler, err = snapshot.NewScheduler(snapshots, cfg.PurgeCronSpec)
		if err != nil {
			return nil, fmt.Errorf("agentcore: build snapshot purge schedule: %w", err)
		}
	}
	var watcher *snapshot.Watcher
	if cfg.WatchSnapshots {
		watcher, err = snapshots.WatchRoot()
		if err != nil {
			logger.Warn("agentcore: snapshot root watch disabled", "err", err)
		}
	}

	return &runtime{
		broadcaster:   broadcaster,
		flow:          flow,
		compactor:     compactor,
		terminator:    terminator,
		backtrack:     engine,
		snapshots:     snapshots,
		scheduler:     scheduler,
		watcher:       watcher,
		turn:          turn,
		executor:      executor,
		metrics:       metrics,
		tracer:        tracer,
		traceShutdown: traceShutdown,
		metricsServer: metricsServer,
		cfg:           cfg,
		logger:        logger,
	}, nil
}

// buildLLMTurn wires the Anthropic provider as primary, falling back to
// OpenAI via llm.Failover when cfg.OpenAI.Enabled and an OpenAI key is
// present, matching FailoverOrchestrator's composition pattern
// (failover.go) generalized behind the llm package.
func buildLLMTurn(cfg ExecutorConfig, tools []agent.Tool) (rvrexec.LLMTurn, error) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("agentcore: ANTHROPIC_API_KEY not set")
	}
	anthropicCfg := providers.AnthropicConfig{APIKey: apiKey}
	if cfg.Anthropic.Model != "" {
		anthropicCfg.DefaultModel = cfg.Anthropic.Model
	}
	anthropic, err := providers.NewAnthropicProvider(anthropicCfg)
	if err != nil {
		return nil, fmt.Errorf("agentcore: build anthropic provider: %w", err)
	}

	opts := []llm.Option{llm.WithTools(tools)}
	if cfg.Anthropic.Model != "" {
		opts = append(opts, llm.WithModel(cfg.Anthropic.Model))
	}
	if cfg.Anthropic.MaxTokens > 0 {
		opts = append(opts, llm.WithMaxTokens(cfg.Anthropic.MaxTokens))
	}

	openaiKey := os.Getenv("OPENAI_API_KEY")
	if !cfg.OpenAI.Enabled || openaiKey == "" {
		return llm.NewFromProvider(anthropic, opts...), nil
	}

	openai := providers.NewOpenAIProvider(openaiKey)
	return llm.NewFromProvider(llm.Failover(anthropic, openai), opts...), nil
}

// stdinHITLWaiter implements toolflow.HITLWaiter over the terminal: it
// prints the confirmation prompt and blocks on a single line of stdin,
// matching the onboard package's line-prompt convention for CLI
// confirmations.
func stdinHITLWaiter(logger *slog.Logger) toolflow.HITLWaiter {
	return func(ctx context.Context, prompt toolflow.HITLPrompt) (toolflow.HITLDecision, error) {
		fmt.Printf("\n[hitl] %s (tool=%s) approve? [y/N]: ", prompt.Message, prompt.ToolName)
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		if err != nil {
			logger.Warn("hitl prompt read failed", "err", err)
			return toolflow.HITLDecision{Approved: false}, nil
		}
		approved := strings.EqualFold(strings.TrimSpace(line), "y")
		return toolflow.HITLDecision{Approved: approved}, nil
	}
}

// snapshotManagerFrom builds a standalone snapshot.Manager from cfg, for the
// rollback command which needs only the StateConsistencyManager, not the
// full executor graph.
func snapshotManagerFrom(cfg ExecutorConfig) (*snapshot.Manager, error) {
	return snapshot.NewManager(cfg.Snapshot)
}

// newRuntimeContext seeds a fresh RuntimeContext/RVRBState pair for one run.
func newRuntimeContext(cfg ExecutorConfig) (*rvrstate.RuntimeContext, *rvrstate.RVRBState) {
	rt := rvrstate.New(uuid.NewString(), uuid.NewString(), "agentcore-cli")
	var state *rvrstate.RVRBState
	if cfg.MaxBacktracks > 0 {
		state = rvrstate.NewRVRBState(cfg.MaxBacktracks)
	}
	return rt, state
}
