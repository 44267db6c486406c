package adapter

import (
	"sort"
	"sync"
)

// SourceFactory builds a fresh, unconnected Source.
type SourceFactory func() Source

// DestinationFactory builds a fresh, unconnected Destination.
type DestinationFactory func() Destination

var (
	registryMu   sync.RWMutex
	sources      = map[string]SourceFactory{}
	destinations = map[string]DestinationFactory{}
)

// RegisterSource adds a source factory under its key. Later
// registrations with the same key replace earlier ones.
func RegisterSource(key string, f SourceFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	sources[key] = f
}

// RegisterDestination adds a destination factory under its key.
func RegisterDestination(key string, f DestinationFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	destinations[key] = f
}

// NewSource returns a fresh Source for key. Each call builds a new
// instance so concurrent migrations never share connections.
func NewSource(key string) (Source, bool) {
	registryMu.RLock()
	f, ok := sources[key]
	registryMu.RUnlock()
	if !ok {
		return nil, false
	}
	return f(), true
}

// NewDestination returns a fresh Destination for key.
func NewDestination(key string) (Destination, bool) {
	registryMu.RLock()
	f, ok := destinations[key]
	registryMu.RUnlock()
	if !ok {
		return nil, false
	}
	return f(), true
}

// SourceKeys returns the registered source keys, sorted.
func SourceKeys() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	keys := make([]string, 0, len(sources))
	for k := range sources {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// DestinationKeys returns the registered destination keys, sorted.
func DestinationKeys() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	keys := make([]string, 0, len(destinations))
	for k := range destinations {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
