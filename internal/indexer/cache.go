package indexer

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// embedCache memoizes embeddings by content hash so identical chunk text is
// never embedded twice within a process. The key includes the model name:
// switching embedding models must not serve stale vectors.
type embedCache struct {
	mu      sync.Mutex
	entries map[string][]float32
	max     int
}

func newEmbedCache(max int) *embedCache {
	return &embedCache{entries: make(map[string][]float32), max: max}
}

func cacheKey(text, model string) string {
	h := sha256.New()
	h.Write([]byte(text))
	h.Write([]byte{0})
	h.Write([]byte(model))
	return hex.EncodeToString(h.Sum(nil))
}

func (c *embedCache) get(text, model string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	vec, ok := c.entries[cacheKey(text, model)]
	return vec, ok
}

func (c *embedCache) put(text, model string, vec []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.max {
		// Full reset beats eviction bookkeeping for a memo of this size.
		c.entries = make(map[string][]float32)
	}
	c.entries[cacheKey(text, model)] = vec
}

func (c *embedCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
