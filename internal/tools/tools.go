// Package tools holds the snapshot of tools a tool server advertised at
// startup, and the interface used to invoke them.
package tools

import (
	"context"
	"fmt"
	"strings"
)

// Param is one declared tool parameter.
type Param struct {
	Name string
	// Type is the JSON Schema type, "unknown" when the schema omits it.
	Type string
}

// Descriptor describes one remote tool. Params keep the order of the
// input schema's properties object.
type Descriptor struct {
	Name        string
	Params      []Param
	Description string
}

// HasParam reports whether the tool declares a parameter called name.
func (d Descriptor) HasParam(name string) bool {
	for _, p := range d.Params {
		if p.Name == name {
			return true
		}
	}
	return false
}

// Signature renders the descriptor as "name(p: type, ...)", or
// "name(no parameters)" when it declares none.
func (d Descriptor) Signature() string {
	if len(d.Params) == 0 {
		return d.Name + "(no parameters)"
	}
	parts := make([]string, len(d.Params))
	for i, p := range d.Params {
		parts[i] = p.Name + ": " + p.Type
	}
	return d.Name + "(" + strings.Join(parts, ", ") + ")"
}

// Registry is an immutable, ordered set of tool descriptors. It is
// built once per run and safe for concurrent reads.
type Registry struct {
	order []Descriptor
	index map[string]int
}

// NewRegistry creates a registry from descs. A later descriptor with a
// name already seen replaces the earlier one in place.
func NewRegistry(descs ...Descriptor) *Registry {
	r := &Registry{index: make(map[string]int, len(descs))}
	for _, d := range descs {
		if i, ok := r.index[d.Name]; ok {
			r.order[i] = d
			continue
		}
		r.index[d.Name] = len(r.order)
		r.order = append(r.order, d)
	}
	return r
}

// Lookup returns the descriptor for name.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	if r == nil {
		return Descriptor{}, false
	}
	i, ok := r.index[name]
	if !ok {
		return Descriptor{}, false
	}
	return r.order[i], true
}

// Has reports whether a tool called name was advertised.
func (r *Registry) Has(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

// Len returns the number of tools.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.order)
}

// Names returns tool names in advertised order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, len(r.order))
	for i, d := range r.order {
		names[i] = d.Name
	}
	return names
}

// Descriptors returns a copy of the descriptors in advertised order.
func (r *Registry) Descriptors() []Descriptor {
	if r == nil {
		return nil
	}
	return append([]Descriptor(nil), r.order...)
}

// Missing returns the subset of names the registry does not contain,
// in the order given.
func (r *Registry) Missing(names ...string) []string {
	var missing []string
	for _, n := range names {
		if !r.Has(n) {
			missing = append(missing, n)
		}
	}
	return missing
}

// Describe renders the numbered tool listing embedded in the system
// prompt, one tool per line:
//
//	1. calculate(expression: string) - Evaluate an arithmetic expression
func (r *Registry) Describe() string {
	if r == nil {
		return ""
	}
	lines := make([]string, len(r.order))
	for i, d := range r.order {
		lines[i] = fmt.Sprintf("%d. %s - %s", i+1, d.Signature(), d.Description)
	}
	return strings.Join(lines, "\n")
}

// Result is the reply of one tool invocation.
type Result struct {
	// Blocks holds the reply's content items rendered as text.
	Blocks []string
}

// Text returns the reply text. Multi-block replies are joined with
// newlines.
func (r *Result) Text() string {
	if r == nil {
		return ""
	}
	return strings.Join(r.Blocks, "\n")
}

// Invoker calls a named tool with an argument object.
type Invoker interface {
	Invoke(ctx context.Context, name string, args map[string]any) (*Result, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, name string, args map[string]any) (*Result, error)

// Invoke calls f.
func (f InvokerFunc) Invoke(ctx context.Context, name string, args map[string]any) (*Result, error) {
	return f(ctx, name, args)
}
