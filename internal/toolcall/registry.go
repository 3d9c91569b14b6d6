// Package toolcall validates and runs the tool calls a model issues,
// isolating each call's failure from the rest of the turn.
package toolcall

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Handler executes one tool call with already-validated arguments.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Tool is one registered tool: name, argument schema and handler.
type Tool struct {
	Name        string
	Description string
	Schema      []byte // raw JSON schema, exposed to models

	handler  Handler
	compiled *jsonschema.Schema
}

// Registry holds the tools available to the orchestrator. Registration
// compiles each schema once, in strict mode: objects that do not set
// additionalProperties get it forced to false so unknown fields are
// rejected at the boundary.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool. The schema must be a valid JSON schema for an
// object; a nil schema means the tool takes no arguments.
func (r *Registry) Register(name, description string, schema []byte, h Handler) error {
	if name == "" {
		return fmt.Errorf("toolcall: tool name is required")
	}
	if h == nil {
		return fmt.Errorf("toolcall: tool %q has no handler", name)
	}
	if schema == nil {
		schema = []byte(`{"type":"object","properties":{}}`)
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schema))
	if err != nil {
		return fmt.Errorf("toolcall: tool %q schema is not valid JSON: %w", name, err)
	}
	strict := strictify(doc)

	compiler := jsonschema.NewCompiler()
	url := "tool://" + name + "/schema.json"
	if err := compiler.AddResource(url, strict); err != nil {
		return fmt.Errorf("toolcall: tool %q schema rejected: %w", name, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return fmt.Errorf("toolcall: tool %q schema does not compile: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("toolcall: tool %q already registered", name)
	}
	r.tools[name] = &Tool{
		Name:        name,
		Description: description,
		Schema:      schema,
		handler:     h,
		compiled:    compiled,
	}
	return nil
}

// Lookup returns the tool by name.
func (r *Registry) Lookup(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names lists registered tool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	return out
}

// strictify forces additionalProperties:false on object schemas that leave
// it unset, so extra fields fail validation.
func strictify(doc any) any {
	m, ok := doc.(map[string]any)
	if !ok {
		return doc
	}
	if t, _ := m["type"].(string); t == "object" {
		if _, set := m["additionalProperties"]; !set {
			m["additionalProperties"] = false
		}
	}
	if props, ok := m["properties"].(map[string]any); ok {
		for k, v := range props {
			props[k] = strictify(v)
		}
	}
	if items, ok := m["items"]; ok {
		m["items"] = strictify(items)
	}
	return m
}
