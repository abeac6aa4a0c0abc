// Package registry implements the Tool Registry & Executor (C3): tool
// registration with enforced name uniqueness, in-process execution of
// safe tools, sandboxed execution of unsafe ones, output capping and
// scrubbing, and trace-step emission for every call.
package registry

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Handler is a safe tool's in-process implementation.
type Handler func(args map[string]interface{}) (interface{}, error)

// ToolSpec describes one registered tool.
type ToolSpec struct {
	Name string
	// Unsafe tools must run through the sandbox driver unless
	// AllowFallback permits in-process execution when the sandbox is
	// unavailable.
	Unsafe        bool
	AllowFallback bool
	// ParamSchema is an optional JSON Schema (draft 2020-12) text
	// constraining call arguments. Empty means an open schema: any keys
	// are accepted.
	ParamSchema string
	// Handler is the in-process implementation, used directly for safe
	// tools and as the guest entry point description for unsafe ones
	// (the actual sandboxed code is WASMModule).
	Handler Handler
	// WASMModule is the compiled guest module unsafe tools execute under
	// the sandbox driver. Unused for safe tools.
	WASMModule []byte

	compiledSchema *jsonschema.Schema
}

// ErrToolAlreadyRegistered is returned by Register on a duplicate name.
var ErrToolAlreadyRegistered = errors.New("registry: tool already registered")

// ErrToolNotFound is returned by Lookup/Execute for an unknown tool name.
var ErrToolNotFound = errors.New("registry: tool not found")

// Registry holds the set of known tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]ToolSpec
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{tools: make(map[string]ToolSpec)}
}

// Register adds spec to the registry. Re-registering an existing name
// fails rather than silently overwriting it.
func (r *Registry) Register(spec ToolSpec) error {
	if spec.Name == "" {
		return errors.New("registry: tool name must not be empty")
	}
	if spec.ParamSchema != "" {
		compiled, err := compileSchema(spec.Name, spec.ParamSchema)
		if err != nil {
			return fmt.Errorf("registry: compile schema for %q: %w", spec.Name, err)
		}
		spec.compiledSchema = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[spec.Name]; exists {
		return fmt.Errorf("%w: %s", ErrToolAlreadyRegistered, spec.Name)
	}
	r.tools[spec.Name] = spec
	return nil
}

// Lookup returns the spec registered under name.
func (r *Registry) Lookup(name string) (ToolSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.tools[name]
	if !ok {
		return ToolSpec{}, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return spec, nil
}

func compileSchema(name, schemaText string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("mem://orchestrator/tools/%s.schema.json", name)
	if err := c.AddResource(url, strings.NewReader(schemaText)); err != nil {
		return nil, err
	}
	return c.Compile(url)
}
