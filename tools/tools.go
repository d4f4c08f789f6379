// Package tools implements the tool registry: named tool specifications with
// JSON-schema-validated arguments and context-aware handlers. The registry
// enforces unique names and compiles every schema at registration so a
// malformed tool definition fails at startup, not mid-conversation.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"goa.design/clue/log"

	"github.com/chatforge/chatforge/model"
)

// DefaultTimeout is the wall-clock cap applied to handlers that do not set
// their own.
const DefaultTimeout = 60 * time.Second

type (
	// Invocation carries the request identity a handler executes under.
	Invocation struct {
		UserID         string
		ConversationID string
		RequestID      string
	}

	// Handler executes a tool with validated arguments. The returned value is
	// serialized as the tool output payload. Handlers must honor ctx
	// cancellation; the registry enforces the wall-clock cap.
	Handler func(ctx context.Context, args json.RawMessage, inv Invocation) (any, error)

	// Spec describes one tool in OpenAI function-schema shape.
	Spec struct {
		Name        string
		Description string
		// Schema is the JSON Schema for the tool arguments.
		Schema json.RawMessage
		// RequiresAPIKey marks tools usable only with a user-configured
		// credential; they are filtered out of requests for users without one.
		RequiresAPIKey bool
		// MissingKeyLabel names the credential shown to the user when absent.
		MissingKeyLabel string
		// Timeout overrides DefaultTimeout when positive.
		Timeout time.Duration
	}

	// Output is the result of one tool execution, already serialized.
	Output struct {
		Payload json.RawMessage
		IsError bool
	}

	// CredentialSource reports whether a user holds the credential a tool
	// requires.
	CredentialSource interface {
		HasToolKey(ctx context.Context, userID, toolName string) (bool, error)
	}

	// Registry holds registered tools. Safe for concurrent use after startup.
	Registry struct {
		mu    sync.RWMutex
		tools map[string]*tool
	}

	tool struct {
		spec     Spec
		handler  Handler
		compiled *jsonschema.Schema
	}
)

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*tool)}
}

// Register adds a tool. The name must be unique and the schema must compile.
func (r *Registry) Register(spec Spec, h Handler) error {
	if spec.Name == "" {
		return fmt.Errorf("tools: name is required")
	}
	if h == nil {
		return fmt.Errorf("tools: %s: handler is required", spec.Name)
	}
	compiled, err := compileSchema(spec.Name, spec.Schema)
	if err != nil {
		return fmt.Errorf("tools: %s: %w", spec.Name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tools[spec.Name]; dup {
		return fmt.Errorf("tools: %s: already registered", spec.Name)
	}
	r.tools[spec.Name] = &tool{spec: spec, handler: h, compiled: compiled}
	return nil
}

// Resolve reports whether a tool with the given name is registered.
func (r *Registry) Resolve(name string) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return Spec{}, false
	}
	return t.spec, true
}

// List returns all registered specs sorted by name.
func (r *Registry) List() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Spec, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Definitions converts the named tools into provider tool definitions,
// skipping unknown names.
func (r *Registry) Definitions(names []string) []model.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.ToolDefinition, 0, len(names))
	for _, name := range names {
		t, ok := r.tools[name]
		if !ok {
			continue
		}
		out = append(out, model.ToolDefinition{
			Name:        t.spec.Name,
			Description: t.spec.Description,
			InputSchema: t.spec.Schema,
		})
	}
	return out
}

// Filter resolves the requested tool names for a user: unknown names and
// tools whose required credential is absent are dropped with a warning, never
// an error.
func (r *Registry) Filter(ctx context.Context, userID string, names []string, creds CredentialSource) []string {
	resolved := make([]string, 0, len(names))
	for _, name := range names {
		spec, ok := r.Resolve(name)
		if !ok {
			log.Warnf(ctx, "unknown tool %q requested, skipping", name)
			continue
		}
		if spec.RequiresAPIKey && creds != nil {
			has, err := creds.HasToolKey(ctx, userID, name)
			if err != nil {
				log.Errorf(ctx, err, "tool %q credential lookup failed, skipping", name)
				continue
			}
			if !has {
				log.Warnf(ctx, "tool %q requires %s, skipping", name, spec.MissingKeyLabel)
				continue
			}
		}
		resolved = append(resolved, name)
	}
	return resolved
}

// Execute validates the arguments against the tool schema and runs the
// handler under the tool's wall-clock cap. Failures of any kind come back as
// an error-shaped Output; Execute itself errors only for unknown tools.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage, inv Invocation) (Output, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return Output{}, fmt.Errorf("tools: unknown tool %q", name)
	}

	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	decoded, err := jsonschema.UnmarshalJSON(bytes.NewReader(args))
	if err != nil {
		return errorOutput("invalid_arguments", err.Error()), nil
	}
	if err := t.compiled.Validate(decoded); err != nil {
		return errorOutput("invalid_arguments", err.Error()), nil
	}

	timeout := t.spec.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := t.handler(ctx, args, inv)
	if err != nil {
		return errorOutput("tool_error", err.Error()), nil
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return errorOutput("tool_error", fmt.Sprintf("serialize output: %v", err)), nil
	}
	return Output{Payload: payload}, nil
}

func errorOutput(code, detail string) Output {
	payload, _ := json.Marshal(map[string]string{"error": code, "detail": detail})
	return Output{Payload: payload, IsError: true}
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		raw = json.RawMessage(`{"type":"object"}`)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	resource := fmt.Sprintf("tool://%s/schema.json", name)
	if err := compiler.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := compiler.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return compiled, nil
}
