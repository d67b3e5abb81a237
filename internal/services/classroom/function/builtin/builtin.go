// Package builtin holds function modules compiled into the binary.
// Experiments opt into them by name from their manifest.
package builtin

import (
	"fmt"
	"sync"

	"github.com/louisbranch/classroom-rpc/internal/services/classroom/function"
)

var (
	mu      sync.RWMutex
	modules = map[string][]function.Entry{}
)

// Register adds a named module. Registering a name twice replaces the first
// registration.
func Register(name string, entries ...function.Entry) {
	mu.Lock()
	defer mu.Unlock()
	modules[name] = entries
}

// Modules resolves names into static modules, preserving order.
func Modules(names ...string) ([]function.StaticModule, error) {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]function.StaticModule, 0, len(names))
	for _, name := range names {
		entries, ok := modules[name]
		if !ok {
			return nil, fmt.Errorf("unknown builtin module %q", name)
		}
		out = append(out, function.StaticModule{Name: "builtin:" + name, Entries: entries})
	}
	return out, nil
}

