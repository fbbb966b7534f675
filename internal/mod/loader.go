package mod

import (
	"fmt"
	"sort"
	"sync"
)

// Factory constructs an uninitialized mod instance.
type Factory func() Mod

// Loader maps mod identifiers from the network descriptor to factories.
// Mods register themselves from init functions; the network instantiates
// them in descriptor order.
type Loader struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewLoader creates an empty loader.
func NewLoader() *Loader {
	return &Loader{factories: make(map[string]Factory)}
}

// Register adds a factory for a mod identifier. Re-registering an id
// replaces the previous factory.
func (l *Loader) Register(id string, f Factory) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.factories[id] = f
}

// Load instantiates the mod for an identifier. Unknown identifiers are a
// startup error.
func (l *Loader) Load(id string) (Mod, error) {
	l.mu.RLock()
	f, ok := l.factories[id]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown mod %q (known: %v)", id, l.Known())
	}
	return f(), nil
}

// Known returns the registered identifiers, sorted.
func (l *Loader) Known() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.factories))
	for id := range l.factories {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// DefaultLoader is the process-wide loader mod packages register into.
var DefaultLoader = NewLoader()
