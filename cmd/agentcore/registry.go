package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
	validator "github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/nexus/internal/agent"
)

// toolDef is one builtin demo tool: its compiled JSON Schema (validated
// before dispatch, the malformed-input failure path), the raw schema as
// advertised to the LLM, and its handler.
type toolDef struct {
	description string
	schema      *validator.Schema
	rawSchema   json.RawMessage
	handler     func(input json.RawMessage) (string, error)
}

// Registry is the minimal toolflow.Registry implementation the CLI harness
// drives: a handful of filesystem/clock tools good enough to exercise the
// executor end to end. Each tool's schema is generated once from its native
// Go input struct via invopop/jsonschema, then compiled for validation via
// santhosh-tekuri/jsonschema/v5 -- the two packages covering the generation
// and validation sides of the same schema.
type Registry struct {
	tools map[string]toolDef
}

type readFileInput struct {
	Path string `json:"path" jsonschema:"required,description=absolute or relative path to read"`
}

type listFilesInput struct {
	Dir string `json:"dir" jsonschema:"required,description=directory to list"`
}

type writeFileInput struct {
	Path    string `json:"path" jsonschema:"required"`
	Content string `json:"content" jsonschema:"required"`
}

type nowInput struct{}

var reflector = &jsonschema.Reflector{ExpandedStruct: true}

func schemaFor(name string, v any) (*validator.Schema, json.RawMessage, error) {
	raw, err := json.Marshal(reflector.Reflect(v))
	if err != nil {
		return nil, nil, fmt.Errorf("agentcore: marshal generated schema for %s: %w", name, err)
	}
	compiled, err := validator.CompileString(name+".schema.json", string(raw))
	if err != nil {
		return nil, nil, fmt.Errorf("agentcore: compile schema %s: %w", name, err)
	}
	return compiled, raw, nil
}

// NewRegistry generates and compiles the builtin tool schemas once and
// returns a ready Registry.
func NewRegistry() (*Registry, error) {
	r := &Registry{tools: make(map[string]toolDef)}

	defs := []struct {
		name        string
		description string
		sample      any
		handler     func(json.RawMessage) (string, error)
	}{
		{"read_file", "Read a file and return its contents as text.", readFileInput{}, readFileTool},
		{"list_files", "List the entries of a directory, one name per line.", listFilesInput{}, listFilesTool},
		{"write_file", "Write content to a file, replacing anything already there.", writeFileInput{}, writeFileTool},
		{"append_file", "Append content to a file, creating it if missing.", writeFileInput{}, appendFileTool},
		{"now", "Return the current time in RFC 3339 format.", nowInput{}, func(json.RawMessage) (string, error) { return time.Now().Format(time.RFC3339), nil }},
	}

	for _, def := range defs {
		schema, raw, err := schemaFor(def.name, def.sample)
		if err != nil {
			return nil, err
		}
		r.tools[def.name] = toolDef{description: def.description, schema: schema, rawSchema: raw, handler: def.handler}
	}
	return r, nil
}

// AgentTools returns the registry's tools as agent.Tool declarations so the
// LLM adapter can advertise them on every completion request. Execution
// still flows through toolflow.Flow and Registry.Execute; the Execute method
// here exists to satisfy the interface for callers that bypass the flow.
func (r *Registry) AgentTools() []agent.Tool {
	tools := make([]agent.Tool, 0, len(r.tools))
	for name, def := range r.tools {
		tools = append(tools, &registryTool{registry: r, name: name, description: def.description, schema: def.rawSchema})
	}
	return tools
}

type registryTool struct {
	registry    *Registry
	name        string
	description string
	schema      json.RawMessage
}

func (t *registryTool) Name() string            { return t.name }
func (t *registryTool) Description() string     { return t.description }
func (t *registryTool) Schema() json.RawMessage { return t.schema }

func (t *registryTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	content, isError, err := t.registry.Execute(ctx, t.name, params)
	if err != nil {
		return nil, err
	}
	return &agent.ToolResult{Content: content, IsError: isError}, nil
}

// Execute implements toolflow.Registry: validate input against the tool's
// declared schema, then dispatch.
func (r *Registry) Execute(_ context.Context, name string, input json.RawMessage) (string, bool, error) {
	def, ok := r.tools[name]
	if !ok {
		return fmt.Sprintf("unknown tool %q", name), true, nil
	}

	var v any
	if err := json.Unmarshal(input, &v); err != nil {
		return fmt.Sprintf("malformed input json: %v", err), true, nil
	}
	if err := def.schema.Validate(v); err != nil {
		return fmt.Sprintf("input does not match schema for %s: %v", name, err), true, nil
	}

	result, err := def.handler(input)
	if err != nil {
		return err.Error(), true, nil
	}
	return result, false, nil
}

func readFileTool(input json.RawMessage) (string, error) {
	var args readFileInput
	if err := json.Unmarshal(input, &args); err != nil {
		return "", err
	}
	data, err := os.ReadFile(args.Path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func listFilesTool(input json.RawMessage) (string, error) {
	var args listFilesInput
	if err := json.Unmarshal(input, &args); err != nil {
		return "", err
	}
	entries, err := os.ReadDir(args.Dir)
	if err != nil {
		return "", err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return strings.Join(names, "\n"), nil
}

func writeFileTool(input json.RawMessage) (string, error) {
	var args writeFileInput
	if err := json.Unmarshal(input, &args); err != nil {
		return "", err
	}
	if err := os.WriteFile(args.Path, []byte(args.Content), 0o644); err != nil {
		return "", err
	}
	return "wrote " + args.Path, nil
}

func appendFileTool(input json.RawMessage) (string, error) {
	var args writeFileInput
	if err := json.Unmarshal(input, &args); err != nil {
		return "", err
	}
	f, err := os.OpenFile(args.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.WriteString(args.Content); err != nil {
		return "", err
	}
	return "appended to " + args.Path, nil
}
