package backend

import (
	"context"
	"fmt"
	"sort"
)

// Factory creates a backend instance from opaque config (backend-specific).
// Factories may block on network I/O, e.g. to authenticate.
type Factory func(ctx context.Context, cfg any) (Backend, error)

var registry = map[string]Factory{}

// Register binds a backend name to its factory.
func Register(name string, f Factory) {
	registry[name] = f
}

// New returns a backend instance by name.
func New(ctx context.Context, name string, cfg any) (Backend, error) {
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("backend not found: %s (available: %v)", name, Names())
	}
	return f(ctx, cfg)
}

// Names lists registered backends in sorted order.
func Names() []string {
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
