package status

import (
	"context"
	"sync"
	"time"

	"github.com/feichai0017/document-context/internal/models"
)

type memoryEntry struct {
	status  models.ReadinessStatus
	expires time.Time
}

// MemoryTracker keeps records in process. Suitable when the server and the
// ingestion run in the same process.
type MemoryTracker struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

func NewMemoryTracker(ttl time.Duration) *MemoryTracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryTracker{entries: make(map[string]memoryEntry), ttl: ttl, now: time.Now}
}

func (t *MemoryTracker) Begin(_ context.Context, key, documentID, contentHash string) error {
	t.update(key, update{begin: true, documentID: documentID, contentHash: contentHash})
	return nil
}

func (t *MemoryTracker) Progress(_ context.Context, key string, parts, pages int) error {
	t.update(key, update{parts: parts, pages: pages})
	return nil
}

func (t *MemoryTracker) Complete(_ context.Context, key string, parts, pages int) error {
	t.update(key, update{state: models.StateReady, parts: parts, pages: pages})
	return nil
}

func (t *MemoryTracker) Fail(_ context.Context, key string, cause *models.IngestError) error {
	t.update(key, update{state: models.StateError, cause: cause})
	return nil
}

func (t *MemoryTracker) Get(_ context.Context, key string) (models.ReadinessStatus, error) {
	t.mu.RLock()
	e, ok := t.entries[key]
	t.mu.RUnlock()
	if !ok || !t.now().Before(e.expires) {
		return models.MissingStatus(key), nil
	}
	return e.status, nil
}

func (t *MemoryTracker) Delete(_ context.Context, key string) error {
	t.mu.Lock()
	delete(t.entries, key)
	t.mu.Unlock()
	return nil
}

func (t *MemoryTracker) update(key string, u update) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	e, found := t.entries[key]
	if found && !now.Before(e.expires) {
		found = false
	}
	cur := e.status
	if !found {
		cur = models.ReadinessStatus{Key: key}
	}
	next, ok := apply(cur, found, u, now)
	if !ok {
		return
	}
	t.entries[key] = memoryEntry{status: next, expires: now.Add(t.ttl)}
}
