package hostfunc

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/caffeineduck/gorun/capability"
)

// Registry collects named capability subtrees into a surface.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]any
}

func NewRegistry() *Registry {
	return &Registry{nodes: make(map[string]any)}
}

// Register adds node under name, replacing any previous entry. node is any
// capability tree: a capability.Func, a capability.Object, a typed map or
// slice of them, or a capability.Mapped wrapper.
func (r *Registry) Register(name string, node any) {
	r.mu.Lock()
	r.nodes[name] = node
	r.mu.Unlock()
}

func (r *Registry) Get(name string) (any, bool) {
	r.mu.RLock()
	node, ok := r.nodes[name]
	r.mu.RUnlock()
	return node, ok
}

// List returns the registered names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.nodes))
}

// Surface returns a snapshot of the registry as an object suitable for
// executor.New.
func (r *Registry) Surface() capability.Object {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(capability.Object(r.nodes))
}

// stringArg returns args[i] as a non-empty string.
func stringArg(args []any, i int, name string) (string, error) {
	if i >= len(args) {
		return "", fmt.Errorf("%s required", name)
	}
	s, ok := args[i].(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%s required", name)
	}
	return s, nil
}

func argAt(args []any, i int) any {
	if i < len(args) {
		return args[i]
	}
	return nil
}

// objectArg returns args[i] as an object, or nil when it is absent.
func objectArg(args []any, i int, name string) (map[string]any, error) {
	if i >= len(args) || args[i] == nil {
		return nil, nil
	}
	m, ok := args[i].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s must be an object", name)
	}
	return m, nil
}
