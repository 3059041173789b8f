// Package main provides the CLI entry point for the agent execution core.
//
// commands.go contains the cobra command definitions, grounded on
// cmd/nexus/commands.go's one-builder-function-per-command convention.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/nexus/internal/agent/complexity"
	"github.com/haasonsaas/nexus/internal/agent/llm"
	"github.com/haasonsaas/nexus/internal/agent/tape"
	"github.com/haasonsaas/nexus/pkg/models"
)

func buildRunCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the agent loop against a single prompt",
		Long: `Run drives one Executor session to completion against a prompt read from
--prompt or, if omitted, stdin. Progress is printed as it is broadcast; the
final termination decision and turn count are printed on exit.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt, _ := cmd.Flags().GetString("prompt")
			if prompt == "" {
				data, err := io.ReadAll(os.Stdin)
				if err != nil {
					return fmt.Errorf("agentcore: read prompt from stdin: %w", err)
				}
				prompt = string(data)
			}
			return runSession(cmd.Context(), configPath, prompt)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to agentcore config (.yaml or .toml)")
	cmd.Flags().String("prompt", "", "Prompt text; reads stdin if omitted")
	return cmd
}

func runSession(ctx context.Context, configPath, prompt string) error {
	logger := slog.Default()

	cfg, err := LoadExecutorConfig(configPath)
	if err != nil {
		return err
	}

	rt, err := buildRuntime(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer rt.Close()

	runtimeCtx, state := newRuntimeContext(cfg)

	// Simple prompts run plain RVR; medium/complex get the RVR-B
	// backtracking state. This is the strategy-routing step that sits
	// upstream of the executor itself.
	detected := complexity.NewDetector().Detect(prompt, nil)
	if !detected.UseBacktracking() {
		state = nil
	}
	logger.Info("routing session", "complexity", string(detected.Complexity), "backtracking", state != nil)

	subCtx, cancelSub := context.WithCancel(ctx)
	defer cancelSub()
	sub := rt.broadcaster.Subscribe(subCtx, runtimeCtx.SessionID, 0)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case evt := <-sub.Events():
				fmt.Printf("[%d] %s\n", evt.Seq, evt.Type)
			case <-sub.Done():
				for {
					select {
					case evt := <-sub.Events():
						fmt.Printf("[%d] %s\n", evt.Seq, evt.Type)
					default:
						return
					}
				}
			}
		}
	}()

	messages := []models.BlockMessage{{Role: models.RoleUser, Blocks: []models.ContentBlock{models.NewTextBlock(prompt)}}}

	result, err := rt.executor.Run(ctx, runtimeCtx, state, messages, nil)
	cancelSub()
	<-done
	if err != nil {
		return fmt.Errorf("agentcore: run: %w", err)
	}

	fmt.Printf("\nfinished after %d turns: %s (%s)\n", result.Turns, result.Decision.FinishReason, result.Decision.Reason)
	return nil
}

func buildReplayCmd() *cobra.Command {
	var tapePath, configPath string

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay a recorded tape against the executor deterministically",
		Long: `Replay loads a tape.Tape recorded by a prior run (internal/agent/tape) and
drives the Executor against it via tape.Replayer instead of a live LLM
provider, printing any request/response mismatches detected along the way.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return replaySession(cmd.Context(), configPath, tapePath)
		},
	}

	cmd.Flags().StringVarP(&tapePath, "tape", "t", "", "Path to a recorded tape JSON file")
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to agentcore config (.yaml or .toml)")
	_ = cmd.MarkFlagRequired("tape")
	return cmd
}

func replaySession(ctx context.Context, configPath, tapePath string) error {
	logger := slog.Default()

	data, err := os.ReadFile(tapePath)
	if err != nil {
		return fmt.Errorf("agentcore: read tape %s: %w", tapePath, err)
	}
	recorded, err := tape.Unmarshal(data)
	if err != nil {
		return fmt.Errorf("agentcore: parse tape %s: %w", tapePath, err)
	}

	cfg, err := LoadExecutorConfig(configPath)
	if err != nil {
		return err
	}

	replayer := tape.NewReplayer(recorded).WithMode(tape.ReplayLoose)
	rt, err := buildRuntime(cfg, logger, llm.NewFromProvider(replayer))
	if err != nil {
		return err
	}
	defer rt.Close()

	runtimeCtx, state := newRuntimeContext(cfg)
	summary := recorded.Summary()
	fmt.Printf("replaying tape: %d turns, %d tool runs\n", summary.TurnCount, summary.ToolRunCount)

	result, err := rt.executor.Run(ctx, runtimeCtx, state, nil, nil)
	if err != nil {
		return fmt.Errorf("agentcore: replay: %w", err)
	}
	fmt.Printf("replayed %d turns, finish=%s\n", result.Turns, result.Decision.FinishReason)

	for _, m := range replayer.Mismatches() {
		fmt.Printf("mismatch turn=%d field=%s expected=%q actual=%q\n", m.TurnIndex, m.Field, m.Expected, m.Actual)
	}
	return nil
}

func buildRollbackCmd() *cobra.Command {
	var snapshotID, configPath string

	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Roll back a task's filesystem side effects from a prior snapshot",
		Long: `Rollback loads the StateConsistencyManager's on-disk snapshot for
--snapshot and applies the inverse of every recorded operation, restoring
affected files to their pre-task content.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rollbackSnapshot(configPath, snapshotID)
		},
	}

	cmd.Flags().StringVarP(&snapshotID, "snapshot", "s", "", "Snapshot ID to roll back")
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to agentcore config (.yaml or .toml)")
	_ = cmd.MarkFlagRequired("snapshot")
	return cmd
}

func rollbackSnapshot(configPath, snapshotID string) error {
	cfg, err := LoadExecutorConfig(configPath)
	if err != nil {
		return err
	}

	mgr, err := snapshotManagerFrom(cfg)
	if err != nil {
		return err
	}
	defer mgr.Close()

	restored := mgr.Rollback(snapshotID)
	if len(restored) == 0 {
		fmt.Println("nothing to roll back (the snapshot held no captured files or recorded operations)")
		return nil
	}
	fmt.Println("rollback results:")
	for _, path := range restored {
		fmt.Println("  " + path)
	}
	return nil
}
