// Package tools implements the tool registry and dispatcher:
// a name→(schema, handler) map, schema-validated dispatch into a ToolContext,
// and the built-in directive tool set.
package tools

import (
	"context"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/loopkit/agentrt/types"
)

// Handler is the uniform tool handler signature. Handlers should not mutate
// ctx.SharedState except through documented keys (todo_list, active_skills,
// skill_activation_log).
type Handler func(ctx context.Context, tc *Context, call types.ToolCall) (types.ToolExecutionResult, error)

// Registration is one entry of the registry: a tool's JSON schema (for
// planning and validation) plus its handler.
type Registration struct {
	Name     Ident
	Schema   map[string]any
	Handler  Handler
	compiled *jsonschema.Schema
}

// Registry maps tool names to (schema, handler) pairs.
type Registry struct {
	mu   sync.RWMutex
	regs map[Ident]*Registration
}

// NewRegistry returns a registry pre-populated with the built-in
// directive and workspace tools.
func NewRegistry() *Registry {
	r := &Registry{regs: make(map[Ident]*Registration)}
	registerBuiltins(r)
	return r
}

// Register adds or replaces a tool. The schema, if non-nil, is compiled
// immediately so dispatch-time validation never pays a compile cost.
func (r *Registry) Register(name Ident, schema map[string]any, handler Handler) error {
	reg := &Registration{Name: name, Schema: schema, Handler: handler}
	if schema != nil {
		compiled, err := compileSchema(name, schema)
		if err != nil {
			return fmt.Errorf("tools: compiling schema for %s: %w", name, err)
		}
		reg.compiled = compiled
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.regs[name] = reg
	return nil
}

func compileSchema(name Ident, schema map[string]any) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	res, err := jsonschema.UnmarshalJSON(mustJSONReader(schema))
	if err != nil {
		return nil, err
	}
	uri := "mem://" + string(name)
	if err := c.AddResource(uri, res); err != nil {
		return nil, err
	}
	return c.Compile(uri)
}

// Lookup returns the registration for name, or (nil, false) if unknown.
func (r *Registry) Lookup(name Ident) (*Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.regs[name]
	return reg, ok
}

// Names returns every registered tool name.
func (r *Registry) Names() []Ident {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]Ident, 0, len(r.regs))
	for n := range r.regs {
		names = append(names, n)
	}
	return names
}

// Schemas returns the tool-schema list for the given names in the
// {name, description, input_schema} shape the model adapters consume,
// skipping any name that is not registered. The description is read from
// the registered schema's top-level "description" keyword.
func (r *Registry) Schemas(names []Ident) []map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]map[string]any, 0, len(names))
	for _, n := range names {
		reg, ok := r.regs[n]
		if !ok || reg.Schema == nil {
			continue
		}
		desc, _ := reg.Schema["description"].(string)
		out = append(out, map[string]any{
			"name":         string(n),
			"description":  desc,
			"input_schema": reg.Schema,
		})
	}
	return out
}
