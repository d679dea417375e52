package contextstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/document-context/internal/models"
	"github.com/feichai0017/document-context/pkg/logger"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T, capacity int) (*Store, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	s := New(Config{Capacity: capacity, DefaultTTL: time.Hour}, logger.NewTestLogger(), WithClock(clock.Now))
	t.Cleanup(func() { _ = s.Close() })
	return s, clock
}

func chunks(texts ...string) []models.Chunk {
	out := make([]models.Chunk, len(texts))
	for i, txt := range texts {
		out[i] = models.Chunk{ID: fmt.Sprintf("c%d", i), Page: 1, Index: i, Text: txt, Type: models.ChunkParagraph}
	}
	return out
}

func TestPutGetBeforeAndAfterTTL(t *testing.T) {
	s, clock := newTestStore(t, 4)
	s.Put("k", chunks("alpha", "beta"), 10*time.Minute, map[string]string{models.MetaFilename: "a.pdf"})

	got, ok := s.Get("k")
	require.True(t, ok)
	assert.Equal(t, chunks("alpha", "beta"), got.Chunks)
	assert.Equal(t, "a.pdf", got.Metadata[models.MetaFilename])
	assert.Equal(t, 10*time.Minute, got.TTL)

	clock.Advance(9 * time.Minute)
	assert.True(t, s.Has("k"))

	clock.Advance(time.Minute)
	_, ok = s.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len(), "expired entry is removed on read")
}

func TestGetMissingKey(t *testing.T) {
	s, _ := newTestStore(t, 2)
	got, ok := s.Get("nope")
	assert.False(t, ok)
	assert.Empty(t, got.Chunks)
}

func TestCapacityEvictsOldestInserted(t *testing.T) {
	s, _ := newTestStore(t, 2)
	s.Put("a", chunks("a"), 0, nil)
	s.Put("b", chunks("b"), 0, nil)

	// reading a does not protect it, eviction follows insertion order
	_, ok := s.Get("a")
	require.True(t, ok)

	s.Put("c", chunks("c"), 0, nil)

	assert.False(t, s.Has("a"))
	assert.True(t, s.Has("b"))
	assert.True(t, s.Has("c"))
}

func TestCapacityEvictionOrderOverManyPuts(t *testing.T) {
	const capacity, extra = 5, 7
	s, _ := newTestStore(t, capacity)
	for i := 0; i < capacity+extra; i++ {
		s.Put(fmt.Sprintf("k%02d", i), chunks("x"), 0, nil)
	}

	assert.LessOrEqual(t, s.Len(), capacity)
	for i := 0; i < extra; i++ {
		assert.False(t, s.Has(fmt.Sprintf("k%02d", i)), "k%02d should be evicted first", i)
	}
	assert.Equal(t, []string{"k07", "k08", "k09", "k10", "k11"}, s.Keys())
}

func TestReplaceMovesKeyToNewest(t *testing.T) {
	s, _ := newTestStore(t, 2)
	s.Put("a", chunks("v1"), 0, nil)
	s.Put("b", chunks("b"), 0, nil)
	s.Put("a", chunks("v2"), 0, nil)
	s.Put("c", chunks("c"), 0, nil)

	assert.False(t, s.Has("b"))
	got, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, "v2", got.Chunks[0].Text)
}

func TestDelete(t *testing.T) {
	s, clock := newTestStore(t, 4)
	s.Put("a", chunks("a"), time.Minute, nil)
	s.Put("b", chunks("b"), time.Minute, nil)

	assert.True(t, s.Delete("a"))
	assert.False(t, s.Delete("a"))
	assert.False(t, s.Has("a"))

	clock.Advance(2 * time.Minute)
	assert.False(t, s.Delete("b"), "expired entries do not count as deleted")
	assert.Equal(t, 0, s.Len())
}

func TestReturnedChunksAreCopies(t *testing.T) {
	s, _ := newTestStore(t, 2)
	in := chunks("original")
	s.Put("k", in, 0, nil)
	in[0].Text = "mutated by caller"

	got, _ := s.Get("k")
	got.Chunks[0].Text = "mutated by reader"

	again, _ := s.Get("k")
	assert.Equal(t, "original", again.Chunks[0].Text)
}

func TestSweepRemovesExpired(t *testing.T) {
	s, clock := newTestStore(t, 4)
	s.Put("short", chunks("s"), time.Minute, nil)
	s.Put("long", chunks("l"), time.Hour, nil)

	clock.Advance(5 * time.Minute)
	assert.Equal(t, 1, s.Sweep())
	assert.Equal(t, 1, s.Len())
	assert.True(t, s.Has("long"))
}

func TestTimerExpiresEntry(t *testing.T) {
	s := New(Config{Capacity: 2}, nil)
	defer s.Close()

	s.Put("k", chunks("x"), 20*time.Millisecond, nil)
	assert.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestBackgroundSweepStopsOnCancel(t *testing.T) {
	s := New(Config{Capacity: 2, SweepInterval: 5 * time.Millisecond}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	cancel()
	s.Wait()
	require.NoError(t, s.Close())
}

func TestPutAfterCloseIsIgnored(t *testing.T) {
	s, _ := newTestStore(t, 2)
	require.NoError(t, s.Close())
	s.Put("k", chunks("x"), 0, nil)
	assert.False(t, s.Has("k"))
}

func TestConcurrentAccess(t *testing.T) {
	s, _ := newTestStore(t, 16)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k%d", (w*200+i)%40)
				switch i % 4 {
				case 0:
					s.Put(key, chunks("x"), 0, nil)
				case 1:
					s.Get(key)
				case 2:
					s.Has(key)
				case 3:
					s.Delete(key)
				}
			}
		}(w)
	}
	wg.Wait()
	assert.LessOrEqual(t, s.Len(), 16)
}
