package cache

import "sync"

// memoryTier is the instance-private fast tier. Concurrent access on
// independent keys proceeds independently; same-key writes are
// last-write-wins, acceptable for idempotent fetches of the same resource.
type memoryTier struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

func newMemoryTier() *memoryTier {
	return &memoryTier{entries: make(map[string]*Entry)}
}

func (t *memoryTier) get(key string) *Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entries[key]
}

func (t *memoryTier) put(key string, entry *Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[key] = entry
}

func (t *memoryTier) delete(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, key)
}
