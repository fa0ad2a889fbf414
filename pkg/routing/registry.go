package routing

import (
	"errors"
	"sort"
	"sync"

	"github.com/kv-proxy/pkg/logging"
	"github.com/kv-proxy/pkg/types"
)

// ErrRegistryFrozen is returned by Put once discovery has finished.
var ErrRegistryFrozen = errors.New("key registry is frozen")

// KeyRegistry maps keys to the backend that owns them.
// It is written during discovery, frozen, and then only read.
type KeyRegistry struct {
	keys   map[string]*types.Backend
	lock   sync.RWMutex
	frozen bool
}

// NewKeyRegistry creates an empty, writable registry.
func NewKeyRegistry() *KeyRegistry {
	return &KeyRegistry{
		keys: make(map[string]*types.Backend),
	}
}

// Put maps key to backend. The last writer wins on collision.
func (r *KeyRegistry) Put(key string, b *types.Backend) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.frozen {
		return ErrRegistryFrozen
	}
	if prev, ok := r.keys[key]; ok && !prev.SameAs(b) {
		logging.Debugf("[registry] key %q moved %s -> %s", key, prev.HostPort(), b.HostPort())
	}
	r.keys[key] = b
	return nil
}

// Freeze makes the registry read-only.
func (r *KeyRegistry) Freeze() {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.frozen = true
}

// Frozen reports whether discovery has finished.
func (r *KeyRegistry) Frozen() bool {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.frozen
}

// Lookup returns the backend owning key.
func (r *KeyRegistry) Lookup(key string) (*types.Backend, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	b, ok := r.keys[key]
	return b, ok
}

// Has reports whether key is known.
func (r *KeyRegistry) Has(key string) bool {
	_, ok := r.Lookup(key)
	return ok
}

// AllKeys returns every known key, sorted.
func (r *KeyRegistry) AllKeys() []string {
	r.lock.RLock()
	defer r.lock.RUnlock()
	keys := make([]string, 0, len(r.keys))
	for k := range r.keys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Count returns the number of known keys.
func (r *KeyRegistry) Count() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.keys)
}

// Snapshot returns a copy of the key to backend mapping.
func (r *KeyRegistry) Snapshot() map[string]*types.Backend {
	r.lock.RLock()
	defer r.lock.RUnlock()
	out := make(map[string]*types.Backend, len(r.keys))
	for k, v := range r.keys {
		out[k] = v
	}
	return out
}

// CountByBackend returns the number of keys owned by each backend, keyed by host:port.
func (r *KeyRegistry) CountByBackend() map[string]int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	out := make(map[string]int)
	for _, b := range r.keys {
		out[b.HostPort()]++
	}
	return out
}

// LogKeysTable prints the routing table.
func (r *KeyRegistry) LogKeysTable() {
	snap := r.Snapshot()
	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	logging.Logf("[registry] keys=%d", len(keys))
	logging.Logf("[registry] | key | backend | transport |")
	logging.Logf("[registry] | --- | ------- | --------- |")
	for _, k := range keys {
		b := snap[k]
		logging.Logf("[registry] | %s | %s | %s |", k, b.HostPort(), b.Transport())
	}
}
