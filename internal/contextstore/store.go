// Package contextstore holds chunk sets for a bounded time, keyed by an opaque request key.
//
// Each entry carries its own TTL. Expired entries are removed by a per-entry
// timer, on read, and by a periodic sweep; any of the three is enough to make
// an expired key resolve as absent. When the store is full the oldest inserted
// entry is evicted, regardless of how recently it was read.
package contextstore

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/feichai0017/document-context/internal/models"
	"github.com/feichai0017/document-context/pkg/logger"
)

const (
	DefaultCapacity      = 256
	DefaultTTL           = 2 * time.Hour
	DefaultSweepInterval = time.Minute
)

// Config configures a Store.
type Config struct {
	Capacity      int
	DefaultTTL    time.Duration
	SweepInterval time.Duration
}

type entry struct {
	ctx   models.StoredContext
	elem  *list.Element
	timer *time.Timer
	seq   uint64
}

// Store is safe for concurrent use. Reads share a read lock; every mutation,
// including timer bookkeeping, runs under the write lock.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   *list.List // of string keys, oldest first
	seq     uint64
	closed  bool

	cfg    Config
	now    func() time.Time
	logger logger.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Option customizes a Store.
type Option func(*Store)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New builds a store. Call Start to run the background sweep and Close to release timers.
func New(cfg Config, log logger.Logger, opts ...Option) *Store {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if log == nil {
		log = logger.NewNop()
	}
	s := &Store{
		entries: make(map[string]*entry),
		order:   list.New(),
		cfg:     cfg,
		now:     time.Now,
		logger:  log.Named("contextstore"),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Put stores chunks under key, replacing any previous entry wholesale.
// A ttl <= 0 uses the configured default.
func (s *Store) Put(key string, chunks []models.Chunk, ttl time.Duration, metadata map[string]string) {
	if ttl <= 0 {
		ttl = s.cfg.DefaultTTL
	}
	stored := models.StoredContext{
		Key:       key,
		Chunks:    cloneChunks(chunks),
		CreatedAt: s.now(),
		TTL:       ttl,
		Metadata:  cloneMeta(metadata),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if old, ok := s.entries[key]; ok {
		s.removeLocked(key, old)
	}
	for len(s.entries) >= s.cfg.Capacity {
		oldest := s.order.Front()
		if oldest == nil {
			break
		}
		victim := oldest.Value.(string)
		s.removeLocked(victim, s.entries[victim])
		s.logger.Debug("Evicted context", logger.String("key", victim))
	}

	s.seq++
	e := &entry{ctx: stored, seq: s.seq}
	e.elem = s.order.PushBack(key)
	seq := e.seq
	e.timer = time.AfterFunc(ttl, func() { s.expire(key, seq) })
	s.entries[key] = e
}

// Get returns a copy of the entry. found is false for missing and expired keys.
func (s *Store) Get(key string) (models.StoredContext, bool) {
	s.mu.RLock()
	e, ok := s.entries[key]
	if !ok {
		s.mu.RUnlock()
		return models.StoredContext{}, false
	}
	if !s.expired(e) {
		out := e.ctx
		out.Chunks = cloneChunks(e.ctx.Chunks)
		out.Metadata = cloneMeta(e.ctx.Metadata)
		s.mu.RUnlock()
		return out, true
	}
	seq := e.seq
	s.mu.RUnlock()

	// lazy expiry
	s.expire(key, seq)
	return models.StoredContext{}, false
}

// Has reports whether key holds a live entry.
func (s *Store) Has(key string) bool {
	s.mu.RLock()
	e, ok := s.entries[key]
	live := ok && !s.expired(e)
	s.mu.RUnlock()
	if ok && !live {
		s.expire(key, e.seq)
	}
	return live
}

// Delete removes key and reports whether a live entry was removed.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return false
	}
	live := !s.expired(e)
	s.removeLocked(key, e)
	return live
}

// Len returns the number of stored entries, expired or not.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Keys returns live keys, oldest insertion first.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.entries))
	for el := s.order.Front(); el != nil; el = el.Next() {
		k := el.Value.(string)
		if !s.expired(s.entries[k]) {
			keys = append(keys, k)
		}
	}
	return keys
}

// Sweep removes every expired entry and returns how many were dropped.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for el := s.order.Front(); el != nil; {
		next := el.Next()
		k := el.Value.(string)
		if e := s.entries[k]; s.expired(e) {
			s.removeLocked(k, e)
			n++
		}
		el = next
	}
	return n
}

// Start runs the periodic sweep until ctx ends or Close is called.
func (s *Store) Start(ctx context.Context) {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				if n := s.Sweep(); n > 0 {
					s.logger.Debug("Swept expired contexts", logger.Int("count", n))
				}
			}
		}
	}()
}

// Close stops the sweeper and every pending timer. The store stays readable but ignores puts.
func (s *Store) Close() error {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	s.mu.Lock()
	s.closed = true
	for _, e := range s.entries {
		e.timer.Stop()
	}
	s.mu.Unlock()
	return nil
}

// Wait blocks until a started sweeper has exited.
func (s *Store) Wait() {
	<-s.done
}

// expire removes key only if it still holds generation seq.
func (s *Store) expire(key string, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || e.seq != seq {
		return
	}
	s.removeLocked(key, e)
}

func (s *Store) removeLocked(key string, e *entry) {
	if e == nil {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	s.order.Remove(e.elem)
	delete(s.entries, key)
}

func (s *Store) expired(e *entry) bool {
	return !s.now().Before(e.ctx.ExpiresAt())
}

func cloneChunks(in []models.Chunk) []models.Chunk {
	if in == nil {
		return nil
	}
	out := make([]models.Chunk, len(in))
	copy(out, in)
	return out
}

func cloneMeta(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
