// Package kv provides the shared key-value collaborator used for migration
// flags and the advisory lock. Stores are eventually consistent: Set and
// Delete apply to the local view immediately and reach other devices only
// after Synchronize (and whatever propagation the backend performs).
// There is no compare-and-swap.
package kv

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Store is an eventually consistent string key-value store.
type Store interface {
	Get(key string) (string, bool)
	Set(key, value string)
	Delete(key string)

	// Keys returns every key with the given prefix, sorted.
	Keys(prefix string) []string

	// Synchronize is a best-effort flush and pull. It reports whether the
	// exchange with the backing store succeeded.
	Synchronize(ctx context.Context) bool
}

// Memory is a process-local Store. Synchronize is a no-op that always
// succeeds. The zero value is not usable; call NewMemory.
type Memory struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]string)}
}

// Get returns the value for key.
func (m *Memory) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.data[key]

	return v, ok
}

// Set stores value under key.
func (m *Memory) Set(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = value
}

// Delete removes key.
func (m *Memory) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
}

// Keys returns the sorted keys with prefix.
func (m *Memory) Keys(prefix string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return sortedKeys(m.data, prefix)
}

// Synchronize always succeeds.
func (m *Memory) Synchronize(context.Context) bool {
	return true
}

func sortedKeys[V any](m map[string]V, prefix string) []string {
	var keys []string

	for k := range m {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}

	sort.Strings(keys)

	return keys
}
