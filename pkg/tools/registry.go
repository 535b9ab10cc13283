// Package tools implements the name-keyed tool registry and the
// executor that validates arguments, injects the calling agent's
// context, and wraps results for the agent's history.
package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/cortexhub/cortex/pkg/statemachine"
)

// ErrUnknownTool is returned when a tool name is not registered.
var ErrUnknownTool = errors.New("unknown tool")

// AgentContext identifies the calling agent. Injected by the executor;
// tools never receive a handle to the agent itself.
type AgentContext struct {
	AgentID string
	Role    statemachine.Role
}

// Result is the structured outcome of a tool execution. Errors are
// values here, not Go errors: a failed tool call is surfaced to the
// agent as a tool-role message so it can react on the next cycle.
type Result struct {
	Status  string `json:"status"` // "ok" or "error"
	Kind    string `json:"kind,omitempty"`
	Content string `json:"content"`
}

// Ok builds a success result.
func Ok(content string) *Result { return &Result{Status: "ok", Content: content} }

// Errf builds an error result of the given kind.
func Errf(kind, format string, args ...any) *Result {
	return &Result{Status: "error", Kind: kind, Content: fmt.Sprintf(format, args...)}
}

// IsError reports whether the result carries an error status.
func (r *Result) IsError() bool { return r.Status == "error" }

// Tool is a registered capability. ParametersSchema returns a JSON
// Schema document describing the accepted arguments; the executor
// validates every call against it before dispatch.
type Tool interface {
	Name() string
	Description() string
	ParametersSchema() string
	Execute(ctx context.Context, agentCtx AgentContext, args map[string]any) *Result
}

// registered pairs a tool with its compiled schema.
type registered struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Registry is the name-keyed tool table. Populated at startup; reads
// during execution are lock-free after that, but Register stays safe
// for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*registered
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*registered)}
}

// Register adds a tool, compiling its parameter schema. Registration
// fails on duplicate names or invalid schemas.
func (r *Registry) Register(t Tool) error {
	name := t.Name()
	if name == "" {
		return errors.New("tool name must not be empty")
	}

	schema, err := compileSchema(name, t.ParametersSchema())
	if err != nil {
		return fmt.Errorf("tool %s: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}
	r.tools[name] = &registered{tool: t, schema: schema}
	return nil
}

// Get returns the tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return reg.tool, true
}

// Names returns the registered tool names. The parser uses this set to
// decide which XML tags are tool calls.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// Describe renders a prompt-ready summary of every registered tool.
func (r *Registry) Describe() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var sb strings.Builder
	for name, reg := range r.tools {
		fmt.Fprintf(&sb, "- <%s>: %s\n", name, reg.tool.Description())
	}
	return sb.String()
}

// validate checks args against the tool's compiled schema.
func (r *Registry) validate(name string, args map[string]any) error {
	r.mu.RLock()
	reg, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if reg.schema == nil {
		return nil
	}
	// jsonschema expects generic JSON values; map[string]any qualifies.
	instance := make(map[string]any, len(args))
	for k, v := range args {
		instance[k] = v
	}
	if err := reg.schema.Validate(instance); err != nil {
		return fmt.Errorf("arguments for %s: %w", name, err)
	}
	return nil
}

// compileSchema compiles a JSON Schema string. Empty schema means the
// tool accepts anything.
func compileSchema(name, schemaStr string) (*jsonschema.Schema, error) {
	if strings.TrimSpace(schemaStr) == "" {
		return nil, nil
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaStr))
	if err != nil {
		return nil, fmt.Errorf("parameter schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	url := name + ".schema.json"
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("parameter schema: %w", err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("parameter schema: %w", err)
	}
	return schema, nil
}
