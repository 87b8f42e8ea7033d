package audio

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/cbegin/metromatch-go/internal/engine"
)

const DefaultBackend = "ebiten"

var (
	registryMu sync.RWMutex
	registry   = map[string]engine.Device{
		"ebiten": EbitenDevice{},
		"silent": engine.SilentDevice,
	}
)

// Register makes a device available under name. Backends built behind tags
// call it from init.
func Register(name string, dev engine.Device) {
	registryMu.Lock()
	registry[name] = dev
	registryMu.Unlock()
}

func Lookup(name string) (engine.Device, error) {
	if name == "" {
		name = DefaultBackend
	}
	registryMu.RLock()
	dev, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, errors.Errorf("unknown audio backend %q (available: %v)", name, Backends())
	}
	return dev, nil
}

// Backends lists registered backend names in sorted order.
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
