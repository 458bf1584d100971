package nodes

import (
	"sort"
	"sync"

	"github.com/rendis/floe/pkg/schema"
)

// Registry is a thread-safe lookup table of node types.
type Registry struct {
	mu    sync.RWMutex
	types map[string]NodeType
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		types: make(map[string]NodeType),
	}
}

// Register adds a node type to the registry. Returns error on duplicate name.
func (r *Registry) Register(nt NodeType) error {
	if nt == nil {
		return schema.NewError(schema.ErrCodeValidation, "node type is nil")
	}
	name := nt.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "node type name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.types[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "node type %q already registered", name)
	}

	r.types[name] = nt
	return nil
}

// Get retrieves a node type by name.
func (r *Registry) Get(name string) (NodeType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nt, ok := r.types[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "node type %q not registered", name)
	}
	return nt, nil
}

// List returns info for all registered node types, sorted by name.
func (r *Registry) List() []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]NodeInfo, 0, len(r.types))
	for _, nt := range r.types {
		s := nt.Schema()
		infos = append(infos, NodeInfo{
			Name:        nt.Name(),
			Description: s.Description,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}
