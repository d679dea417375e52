package ingest

import (
	"sync"
	"time"

	"github.com/feichai0017/document-context/internal/models"
)

// run is a finished ingestion remembered for idempotent re-ingestion.
type run struct {
	summary  models.IngestSummary
	result   *models.ParseResult
	mode     Mode
	owner    string
	hash     string
	storedAt time.Time
}

// runCache maps owner+content hash to the last successful run.
type runCache struct {
	mu      sync.Mutex
	entries map[string]run
	ttl     time.Duration
	now     func() time.Time
}

func newRunCache(ttl time.Duration) *runCache {
	return &runCache{entries: make(map[string]run), ttl: ttl, now: time.Now}
}

func cacheKey(owner, hash string) string {
	return owner + "|" + hash
}

func (c *runCache) get(key string) (run, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.entries[key]
	if !ok {
		return run{}, false
	}
	if c.ttl > 0 && c.now().Sub(r.storedAt) >= c.ttl {
		delete(c.entries, key)
		return run{}, false
	}
	return r, true
}

func (c *runCache) put(key string, r run) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	r.storedAt = now
	c.entries[key] = r

	if c.ttl <= 0 {
		return
	}
	for k, e := range c.entries {
		if now.Sub(e.storedAt) >= c.ttl {
			delete(c.entries, k)
		}
	}
}

func (c *runCache) forget(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// byRequestKey finds the run that produced requestKey.
func (c *runCache) byRequestKey(requestKey string) (run, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.entries {
		if r.summary.RequestKey == requestKey {
			return r, true
		}
	}
	return run{}, false
}
