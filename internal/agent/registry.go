package agent

import (
	"sort"
	"sync"
)

// The strategy registry is the explicit trust boundary of the runtime:
// strategies are precompiled Go functions registered at init time, and
// the hooks Context is the only capability they receive from a run.
// Arbitrary script text is not loaded.

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Script)
)

// Register makes a strategy available under name. Typically called from
// a strategy package's init. Re-registering a name overwrites it.
func Register(name string, script Script) {
	if name == "" || script == nil {
		return
	}
	registryMu.Lock()
	registry[name] = script
	registryMu.Unlock()
}

// Lookup resolves a registered strategy.
func Lookup(name string) (Script, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	s, ok := registry[name]
	return s, ok
}

// Names lists registered strategies, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
