package engine

import "sync"

// TallyCache holds the last emitted tally per item for readers outside the
// event loop (HTTP handlers, the CLI).
//
// Thread-safety: safe for concurrent use.
type TallyCache struct {
	mu  sync.Mutex
	mem map[string]int64
}

// NewTallyCache creates an empty cache.
func NewTallyCache() *TallyCache {
	return &TallyCache{mem: make(map[string]int64)}
}

// Put records val as the last tally emitted for itemID.
func (c *TallyCache) Put(itemID string, val int64) {
	c.mu.Lock()
	c.mem[itemID] = val
	c.mu.Unlock()
}

// Get returns the last tally of itemID and whether one is cached.
func (c *TallyCache) Get(itemID string) (int64, bool) {
	c.mu.Lock()
	val, ok := c.mem[itemID]
	c.mu.Unlock()
	return val, ok
}

// Del forgets itemID. Readers see no tally until it is watched again.
func (c *TallyCache) Del(itemID string) {
	c.mu.Lock()
	delete(c.mem, itemID)
	c.mu.Unlock()
}

// Len returns the number of cached items.
func (c *TallyCache) Len() int {
	c.mu.Lock()
	size := len(c.mem)
	c.mu.Unlock()
	return size
}
