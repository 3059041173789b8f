// Package toolflow implements ToolExecutionFlow: dispatching a turn's
// tool calls to special handlers (Plan, HITL), running parallel-eligible
// tools concurrently with a cap, running serial-only tools sequentially in
// order, and capturing filesystem side effects into the
// StateConsistencyManager. Grounded on
// internal/agent/tool_exec.go (ToolExecutor: semaphore concurrency limiting,
// per-call timeout via a non-blocking result channel, retry+backoff).
package toolflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/nexus/internal/agent/snapshot"
	"github.com/haasonsaas/nexus/pkg/models"
)

// Registry is the uniform tool-execution contract consumed by the flow.
type Registry interface {
	Execute(ctx context.Context, name string, input json.RawMessage) (result string, isError bool, err error)
}

// ToolExecutionResult is the flow's per-call outcome.
type ToolExecutionResult struct {
	ToolID    string
	ToolName  string
	ToolInput json.RawMessage
	Result    any
	IsError   bool
	ErrorMsg  string
}

// SpecialHandler is a per-tool-name override consulted before generic
// dispatch (Plan, HITL, and any caller-registered handler).
type SpecialHandler interface {
	Handle(ctx context.Context, call models.ToolCall) ToolExecutionResult
}

// Config configures dispatch behavior.
type Config struct {
	AllowParallelTools bool
	MaxParallelTools   int
	SerialOnlyTools    map[string]struct{}
	PerToolTimeout     time.Duration
	MaxAttempts        int
	RetryBackoff       time.Duration
}

// DefaultConfig returns the documented default thresholds.
func DefaultConfig() Config {
	return Config{
		AllowParallelTools: true,
		MaxParallelTools:   5,
		SerialOnlyTools:    map[string]struct{}{"plan": {}, "hitl": {}},
		PerToolTimeout:     30 * time.Second,
		MaxAttempts:        1,
	}
}

// destructiveCommands is the closed set of shell verbs that trigger
// side-effect capture before execution.
var destructiveCommands = map[string]snapshot.Action{
	"rm":       snapshot.ActionFileDelete,
	"rmdir":    snapshot.ActionFileDelete,
	"mv":       snapshot.ActionFileRename,
	"chmod":    snapshot.ActionFileWrite,
	"chown":    snapshot.ActionFileWrite,
	"truncate": snapshot.ActionFileWrite,
	"shred":    snapshot.ActionFileDelete,
	"unlink":   snapshot.ActionFileDelete,
	"cp":       snapshot.ActionFileWrite,
	"tee":      snapshot.ActionFileWrite,
	"dd":       snapshot.ActionFileWrite,
	"install":  snapshot.ActionFileWrite,
	"sed":      snapshot.ActionFileWrite,
	"awk":      snapshot.ActionFileWrite,
	"patch":    snapshot.ActionFileWrite,
}

// Flow is ToolExecutionFlow.
type Flow struct {
	registry Registry
	cfg      Config
	handlers map[string]SpecialHandler
	state    *snapshot.Manager // nil disables side-effect capture (tests, non-fs tools)
}

// New creates a Flow. state may be nil if filesystem side-effect capture is
// not needed (e.g. unit tests exercising pure dispatch logic).
func New(registry Registry, cfg Config, state *snapshot.Manager) *Flow {
	if cfg.MaxParallelTools <= 0 {
		cfg.MaxParallelTools = 5
	}
	if cfg.PerToolTimeout <= 0 {
		cfg.PerToolTimeout = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.SerialOnlyTools == nil {
		cfg.SerialOnlyTools = map[string]struct{}{}
	}
	return &Flow{registry: registry, cfg: cfg, handlers: make(map[string]SpecialHandler), state: state}
}

// RegisterHandler registers a special handler for toolName, making it
// serial-only implicitly.
func (f *Flow) RegisterHandler(toolName string, handler SpecialHandler) {
	f.handlers[toolName] = handler
}

func (f *Flow) isSerialOnly(name string) bool {
	if _, ok := f.cfg.SerialOnlyTools[name]; ok {
		return true
	}
	_, hasHandler := f.handlers[name]
	return hasHandler
}

// partition splits calls into parallel-eligible and serial-only groups,
// preserving relative order within each group. Excess parallel calls beyond
// MaxParallelTools spill to serial.
func (f *Flow) partition(calls []models.ToolCall) (parallel, serial []models.ToolCall) {
	for _, c := range calls {
		if !f.cfg.AllowParallelTools || f.isSerialOnly(c.Name) {
			serial = append(serial, c)
			continue
		}
		parallel = append(parallel, c)
	}
	if len(parallel) > f.cfg.MaxParallelTools {
		spill := parallel[f.cfg.MaxParallelTools:]
		parallel = parallel[:f.cfg.MaxParallelTools]
		serial = append(spill, serial...)
	}
	return parallel, serial
}

// Execute runs a turn's tool calls (parallel-eligible first, concurrently
// capped, then serial-only in declaration order) and returns results in the
// same order as the input calls.
func (f *Flow) Execute(ctx context.Context, calls []models.ToolCall) []ToolExecutionResult {
	if len(calls) == 0 {
		return nil
	}
	results := make([]ToolExecutionResult, len(calls))
	position := make(map[string]int, len(calls))
	for i, c := range calls {
		position[c.ID] = i
	}

	parallelCalls, serialCalls := f.partition(calls)

	if len(parallelCalls) > 0 {
		sem := make(chan struct{}, f.cfg.MaxParallelTools)
		var wg sync.WaitGroup
		for _, call := range parallelCalls {
			wg.Add(1)
			go func(call models.ToolCall) {
				defer wg.Done()
				select {
				case sem <- struct{}{}:
					defer func() { <-sem }()
				case <-ctx.Done():
					results[position[call.ID]] = f.canceledResult(call)
					return
				}
				results[position[call.ID]] = f.executeOne(ctx, call)
			}(call)
		}
		wg.Wait()
	}

	for _, call := range serialCalls {
		results[position[call.ID]] = f.executeOne(ctx, call)
	}

	return results
}

func (f *Flow) canceledResult(call models.ToolCall) ToolExecutionResult {
	return ToolExecutionResult{ToolID: call.ID, ToolName: call.Name, ToolInput: call.Input, IsError: true, ErrorMsg: "context canceled"}
}

// ExecuteSingle executes one tool call by name, for fallback/special tools
// outside the main dispatch path.
func (f *Flow) ExecuteSingle(ctx context.Context, call models.ToolCall) ToolExecutionResult {
	return f.executeOne(ctx, call)
}

func (f *Flow) executeOne(ctx context.Context, call models.ToolCall) ToolExecutionResult {
	if handler, ok := f.handlers[call.Name]; ok {
		return handler.Handle(ctx, call)
	}

	f.captureSideEffects(ctx, call)

	var last ToolExecutionResult
	attempts := f.cfg.MaxAttempts
	for attempt := 1; attempt <= attempts; attempt++ {
		toolCtx, cancel := context.WithTimeout(ctx, f.cfg.PerToolTimeout)
		last = f.runOnce(toolCtx, call)
		cancel()
		if !last.IsError {
			break
		}
		if attempt < attempts && f.cfg.RetryBackoff > 0 {
			select {
			case <-time.After(f.cfg.RetryBackoff):
			case <-ctx.Done():
				return ToolExecutionResult{ToolID: call.ID, ToolName: call.Name, ToolInput: call.Input, IsError: true, ErrorMsg: "tool execution canceled"}
			}
		}
	}

	if taskID := taskIDFromContext(ctx); taskID != "" {
		f.RecordOperationWithTask(taskID, call, last)
	}
	return last
}

// runOnce executes a single attempt with a non-blocking result channel so a
// timed-out goroutine never leaks.
func (f *Flow) runOnce(ctx context.Context, call models.ToolCall) ToolExecutionResult {
	type outcome struct {
		content string
		isError bool
		err     error
	}
	resultCh := make(chan outcome, 1)
	go func() {
		content, isError, err := f.registry.Execute(ctx, call.Name, call.Input)
		select {
		case resultCh <- outcome{content, isError, err}:
		default:
		}
	}()

	select {
	case <-ctx.Done():
		msg := "tool execution canceled"
		if ctx.Err().Error() == context.DeadlineExceeded.Error() {
			msg = fmt.Sprintf("tool execution timed out after %v", f.cfg.PerToolTimeout)
		}
		return ToolExecutionResult{ToolID: call.ID, ToolName: call.Name, ToolInput: call.Input, IsError: true, ErrorMsg: msg}
	case out := <-resultCh:
		if out.err != nil {
			return ToolExecutionResult{ToolID: call.ID, ToolName: call.Name, ToolInput: call.Input, IsError: true, ErrorMsg: out.err.Error()}
		}
		return ToolExecutionResult{ToolID: call.ID, ToolName: call.Name, ToolInput: call.Input, Result: out.content, IsError: out.isError, ErrorMsg: errMsgIfError(out.isError, out.content)}
	}
}

func errMsgIfError(isError bool, content string) string {
	if isError {
		return content
	}
	return ""
}

// shellCommandInput is the minimal shape a shell-invoking tool's input takes
// for side-effect detection purposes.
type shellCommandInput struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
	Path    string   `json:"path"`
	Paths   []string `json:"paths"`
}

func (f *Flow) captureSideEffects(ctx context.Context, call models.ToolCall) {
	if f.state == nil {
		return
	}
	var input shellCommandInput
	_ = json.Unmarshal(call.Input, &input)

	verb := firstWord(input.Command)
	_, destructive := destructiveCommands[verb]
	paths := collectAbsolutePaths(input)
	if !destructive && len(paths) == 0 {
		return
	}

	taskID := taskIDFromContext(ctx)
	if taskID == "" {
		return
	}
	for _, p := range paths {
		f.state.EnsureFileCaptured(taskID, p)
	}
}

// RecordOperationWithTask appends an OperationRecord for a completed call
// under task_id (RuntimeContext.SessionID by convention). executeOne calls it
// after each tool executes when the context carries a task_id (WithTaskID).
func (f *Flow) RecordOperationWithTask(taskID string, call models.ToolCall, result ToolExecutionResult) {
	if f.state == nil || result.IsError {
		return
	}
	var input shellCommandInput
	_ = json.Unmarshal(call.Input, &input)
	verb := firstWord(input.Command)
	action, destructive := destructiveCommands[verb]
	paths := collectAbsolutePaths(input)
	if !destructive || len(paths) == 0 {
		return
	}
	for _, p := range paths {
		f.state.RecordOperation(taskID, snapshot.OperationRecord{Action: action, Target: p})
	}
}

func firstWord(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, ' '); idx >= 0 {
		return s[:idx]
	}
	return s
}

func collectAbsolutePaths(input shellCommandInput) []string {
	var out []string
	add := func(p string) {
		if strings.HasPrefix(p, "/") {
			out = append(out, p)
		}
	}
	add(input.Path)
	for _, p := range input.Paths {
		add(p)
	}
	for _, a := range input.Args {
		add(a)
	}
	return out
}

type taskIDKey struct{}

// WithTaskID attaches the current task id (conventionally the session id)
// to the context so captureSideEffects can key into the
// StateConsistencyManager.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey{}, taskID)
}

func taskIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(taskIDKey{}).(string)
	return v
}
