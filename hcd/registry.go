package hcd

import (
	"fmt"
	"sync"
)

// registry is the process-wide set of host-controller drivers, populated
// by explicit registration calls from each driver package's constructor
// (conventionally an init function or a package-level var), mirroring the
// original driver's __attribute__((constructor)) registration hook.
var registry struct {
	mu   sync.RWMutex
	ops  map[string]Ops
}

func init() {
	registry.ops = make(map[string]Ops)
}

// Register adds a driver implementation to the process-wide registry. It
// panics if another driver has already registered under the same name,
// since that indicates a build-time misconfiguration rather than a
// recoverable runtime condition.
func Register(ops Ops) {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	name := ops.Name()
	if _, exists := registry.ops[name]; exists {
		panic(fmt.Sprintf("hcd: driver %q already registered", name))
	}
	registry.ops[name] = ops
}

// Lookup returns the driver registered under name, if any.
func Lookup(name string) (Ops, bool) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	ops, ok := registry.ops[name]
	return ops, ok
}

// All returns every registered driver, in no particular order.
func All() []Ops {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	out := make([]Ops, 0, len(registry.ops))
	for _, ops := range registry.ops {
		out = append(out, ops)
	}
	return out
}
