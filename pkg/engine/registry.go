package engine

import (
	"fmt"
	"sort"
	"sync"
)

var (
	backendsMu sync.RWMutex
	backends   = make(map[string]Backend)
	aliases    = make(map[string]string)
)

// RegisterBackend makes a backend available by name.
// Backends register themselves from init, typically behind a build tag.
func RegisterBackend(b Backend, aliasNames ...string) {
	backendsMu.Lock()
	defer backendsMu.Unlock()

	backends[b.Name()] = b
	for _, alias := range aliasNames {
		aliases[alias] = b.Name()
	}
}

func GetBackend(name string) (Backend, error) {
	backendsMu.RLock()
	defer backendsMu.RUnlock()

	if target, ok := aliases[name]; ok {
		name = target
	}
	b, ok := backends[name]
	if !ok {
		return nil, fmt.Errorf("%w %q (available: %v)", ErrUnknownBackend, name, backendNames())
	}
	return b, nil
}

// Backends returns the names of all registered backends.
func Backends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	return backendNames()
}

func backendNames() []string {
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
