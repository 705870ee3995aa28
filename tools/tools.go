// Package tools defines the Tool Descriptor and the process-wide Tool
// Registry (§3, §6): name, JSON-schema of arguments, executor reference, and
// optional XML tag name for the alternate calling convention (§4.5).
//
// Grounded on runtime/agent/tools/tools.go and runtime/agent/tools/ident.go,
// trimmed of the teacher's Goa-codegen-specific fields (Service, Toolset,
// IsAgentTool/AgentID, Payload/Result TypeSpec pairs) since this spec has no
// code-generation step — a tool here is a plain runtime registration, not a
// compiled artifact of a DSL.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Ident is the strong type for a tool name, preventing accidental mixing
// with free-form strings in registry maps.
type Ident string

// Executor invokes a tool given its canonical JSON arguments string. It
// returns the result as a JSON-serializable string, bounded in size — large
// outputs are the executor's responsibility to trim (§6). Implementations
// must respect ctx cancellation for the per-call dispatch timeout (§4.5).
type Executor interface {
	Invoke(ctx context.Context, argumentsJSON string) (resultJSON string, err error)
}

// ExecutorFunc adapts a plain function to Executor.
type ExecutorFunc func(ctx context.Context, argumentsJSON string) (string, error)

// Invoke calls f.
func (f ExecutorFunc) Invoke(ctx context.Context, argumentsJSON string) (string, error) {
	return f(ctx, argumentsJSON)
}

// Descriptor is the Tool Descriptor (§3): everything the Prompt Assembler
// and Stream Response Processor need to advertise and dispatch a tool.
type Descriptor struct {
	// Name is the tool's identifier, used by native tool-calling and as the
	// lookup key in the registry.
	Name Ident
	// Description is sent to the LLM as part of the tool's schema.
	Description string
	// Schema is the JSON-schema document for the tool's arguments, compiled
	// once when the Registry is built by New.
	Schema []byte
	// XMLTag is an optional tag name for the alternate XML calling convention
	// (§4.5). The stream processor's XML scanner matches <tool name="...">
	// blocks against Name and does not read this field.
	XMLTag string
	// ParallelSafe marks the tool as safe to dispatch concurrently with
	// other parallel-safe tool calls declared in the same assistant turn
	// (§4.5 Concurrency).
	ParallelSafe bool
	// Executor performs the tool invocation.
	Executor Executor
}

// Registry is the process-wide Tool Registry (§6), initialized once at
// startup (§3 Lifecycles) and read concurrently thereafter.
type Registry struct {
	descriptors map[Ident]Descriptor
	schemas     map[Ident]*jsonschema.Schema
}

// New constructs a Registry from a seed set of descriptors, compiling each
// one's JSON-schema up front so dispatch-time validation never pays a
// compilation cost.
func New(descriptors ...Descriptor) (*Registry, error) {
	r := &Registry{
		descriptors: make(map[Ident]Descriptor, len(descriptors)),
		schemas:     make(map[Ident]*jsonschema.Schema, len(descriptors)),
	}
	for _, d := range descriptors {
		r.descriptors[d.Name] = d
		if len(d.Schema) == 0 {
			continue
		}
		compiled, err := compileSchema(string(d.Name), d.Schema)
		if err != nil {
			return nil, fmt.Errorf("tools: compiling schema for %q: %w", d.Name, err)
		}
		r.schemas[d.Name] = compiled
	}
	return r, nil
}

func compileSchema(name string, raw []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	resource := "mem://" + name + ".json"
	if err := c.AddResource(resource, doc); err != nil {
		return nil, err
	}
	return c.Compile(resource)
}

// Schemas returns every registered tool's JSON-schema document, for native
// tool-calling advertisement to the LLM transport (§6).
func (r *Registry) Schemas() []Descriptor {
	out := make([]Descriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		out = append(out, d)
	}
	return out
}

// Resolve looks up the executor for name, returning ok=false if unknown —
// callers turn that into a structured "unknown-tool" tool-result (§4.5
// Dispatch policy) rather than treating it as a transport error.
func (r *Registry) Resolve(name Ident) (Descriptor, bool) {
	d, ok := r.descriptors[name]
	return d, ok
}

// Validate checks argumentsJSON against name's compiled schema, if one is
// registered. A tool with no schema accepts any arguments.
func (r *Registry) Validate(name Ident, argumentsJSON string) error {
	schema, ok := r.schemas[name]
	if !ok {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(argumentsJSON), &v); err != nil {
		return fmt.Errorf("tools: arguments for %q are not valid JSON: %w", name, err)
	}
	return schema.Validate(v)
}
