package library

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// DefaultOverload is the overload name used when a schema gives none.
const DefaultOverload = "default"

var (
	ErrNotFound       = errors.New("operator not found")
	ErrAlreadyDefined = errors.New("already defined")
	ErrNoKernel       = errors.New("no kernel registered")
)

// Registry maps "ns::name.overload" to operator overloads.
type Registry struct {
	mu  sync.RWMutex
	ops map[string]*OpOverload
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{ops: make(map[string]*OpOverload)}
}

// Define parses schema and registers a new overload.
func (r *Registry) Define(schema string) (*OpOverload, error) {
	s, err := ParseSchema(schema)
	if err != nil {
		return nil, err
	}
	op := newOpOverload(s)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ops[op.Name()]; ok {
		return nil, fmt.Errorf("define %s: %w", op.Name(), ErrAlreadyDefined)
	}
	r.ops[op.Name()] = op
	return op, nil
}

// Lookup resolves "ns::name" or "ns::name.overload".
func (r *Registry) Lookup(name string) (*OpOverload, error) {
	key := canonicalName(name)
	r.mu.RLock()
	op, ok := r.ops[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return op, nil
}

// Ops returns every registered overload sorted by name.
func (r *Registry) Ops() []*OpOverload {
	r.mu.RLock()
	out := make([]*OpOverload, 0, len(r.ops))
	for _, op := range r.ops {
		out = append(out, op)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

func canonicalName(name string) string {
	ns, rest, ok := strings.Cut(name, "::")
	if !ok {
		return name
	}
	if !strings.Contains(rest, ".") {
		rest += "." + DefaultOverload
	}
	return ns + "::" + rest
}

var defaultRegistry = NewRegistry()

// Define registers schema in the process-wide registry.
func Define(schema string) (*OpOverload, error) {
	return defaultRegistry.Define(schema)
}

// MustDefine is like Define but panics on error. Meant for init functions.
func MustDefine(schema string) *OpOverload {
	op, err := Define(schema)
	if err != nil {
		panic(err)
	}
	return op
}

// Lookup resolves an overload from the process-wide registry.
func Lookup(name string) (*OpOverload, error) {
	return defaultRegistry.Lookup(name)
}

// Ops lists the process-wide registry.
func Ops() []*OpOverload {
	return defaultRegistry.Ops()
}
