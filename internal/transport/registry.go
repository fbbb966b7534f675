package transport

import (
	"fmt"

	"github.com/openagents/openagents/internal/common/config"
)

// Builder constructs a transport from its descriptor entry.
type Builder func(spec config.TransportSpec) (Transport, error)

// Registry maps descriptor transport types to builders. Transport packages
// register themselves at wiring time.
type Registry struct {
	builders map[string]Builder
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{builders: make(map[string]Builder)}
}

// Register adds a builder for a descriptor type.
func (r *Registry) Register(typ string, b Builder) {
	r.builders[typ] = b
}

// Build constructs transports for every descriptor entry, in declared
// order.
func (r *Registry) Build(specs []config.TransportSpec) ([]Transport, error) {
	out := make([]Transport, 0, len(specs))
	for _, spec := range specs {
		b, ok := r.builders[spec.Type]
		if !ok {
			return nil, fmt.Errorf("unknown transport type %q", spec.Type)
		}
		t, err := b(spec)
		if err != nil {
			return nil, fmt.Errorf("building %s transport: %w", spec.Type, err)
		}
		out = append(out, t)
	}
	return out, nil
}
