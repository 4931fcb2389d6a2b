package analytics

import "sync"

// Cache holds the last computed results of one report group together with
// the watermark they were computed against. Results and watermark are only
// ever replaced together.
type Cache struct {
	// guards the executor's check-compute-update sequence
	run sync.Mutex

	mu          sync.RWMutex
	results     Results
	lastUpdated float64
}

func NewCache() *Cache {
	return &Cache{results: Results{}}
}

// IsStale reports whether watermark is strictly newer than the cached one.
func (c *Cache) IsStale(watermark float64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return watermark > c.lastUpdated
}

func (c *Cache) Update(results Results, watermark float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = results
	c.lastUpdated = watermark
}

func (c *Cache) Get() Results {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.results
}

func (c *Cache) LastUpdated() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUpdated
}
