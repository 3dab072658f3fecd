package presence

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oriole-im/oriole/consts"
	"github.com/oriole-im/oriole/xmpp"
)

type spyStore struct {
	mu        sync.Mutex
	loads     int
	stores    int
	deletes   int
	records   map[string]*StoredRecord
	loadDelay time.Duration
	failLoads bool
}

func newSpyStore() *spyStore {
	return &spyStore{records: make(map[string]*StoredRecord)}
}

func (s *spyStore) LoadOfflineRecord(_ context.Context, username string) (*StoredRecord, error) {
	s.mu.Lock()
	s.loads++
	delay := s.loadDelay
	fail := s.failLoads
	rec, ok := s.records[username]
	s.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if fail {
		return nil, fmt.Errorf("store unavailable")
	}
	if !ok {
		return nil, consts.ErrDBNotFound
	}
	copied := *rec
	return &copied, nil
}

func (s *spyStore) StoreOfflineRecord(_ context.Context, username string, presence *string, lastActive time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stores++
	s.records[username] = &StoredRecord{Presence: presence, LastActive: lastActive}
	return nil
}

func (s *spyStore) DeleteOfflineRecord(_ context.Context, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes++
	delete(s.records, username)
	return nil
}

func (s *spyStore) counts() (loads, stores, deletes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads, s.stores, s.deletes
}

func newTestCache(t *testing.T, store OfflineStore) *Cache {
	t.Helper()
	c, err := NewCache(store, 128)
	require.NoError(t, err)
	return c
}

func TestCacheConcurrentLoadsSingleRead(t *testing.T) {
	store := newSpyStore()
	store.loadDelay = 20 * time.Millisecond
	seen := time.Now().Add(-time.Hour)
	store.records["alice"] = &StoredRecord{LastActive: seen}
	c := newTestCache(t, store)

	const workers = 16
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, ok := c.LastActivity(context.Background(), "alice")
			assert.True(t, ok)
		}()
	}
	close(start)
	wg.Wait()

	loads, _, _ := store.counts()
	assert.Equal(t, 1, loads)
}

func TestCacheDistinctUsersLoadIndependently(t *testing.T) {
	store := newSpyStore()
	store.records["alice"] = &StoredRecord{LastActive: time.Now()}
	store.records["bob"] = &StoredRecord{LastActive: time.Now()}
	c := newTestCache(t, store)

	_, _ = c.LastActivity(context.Background(), "alice")
	_, _ = c.LastActivity(context.Background(), "bob")

	loads, _, _ := store.counts()
	assert.Equal(t, 2, loads)
}

func TestCacheNullSentinelStopsRepeatedReads(t *testing.T) {
	store := newSpyStore()
	c := newTestCache(t, store)

	for i := 0; i < 3; i++ {
		_, ok := c.LastActivity(context.Background(), "ghost")
		assert.False(t, ok)
	}

	loads, _, _ := store.counts()
	assert.Equal(t, 1, loads)
}

func TestCacheLoadFailureIsNotCached(t *testing.T) {
	store := newSpyStore()
	store.records["alice"] = &StoredRecord{LastActive: time.Now()}
	store.failLoads = true
	c := newTestCache(t, store)

	_, ok := c.LastActivity(context.Background(), "alice")
	assert.False(t, ok)

	store.mu.Lock()
	store.failLoads = false
	store.mu.Unlock()

	_, ok = c.LastActivity(context.Background(), "alice")
	assert.True(t, ok)

	loads, _, _ := store.counts()
	assert.Equal(t, 2, loads)
}

func TestCacheWriteSkipOnUnchangedPresence(t *testing.T) {
	store := newSpyStore()
	c := newTestCache(t, store)
	ctx := context.Background()

	p := &xmpp.Presence{Type: xmpp.PresenceUnavailable, Status: "gone fishing"}
	serialized := p.ToXML()

	first := time.Now().Add(-time.Minute)
	c.Put(ctx, "alice", &serialized, first)
	_, stores, _ := store.counts()
	require.Equal(t, 1, stores)

	// Identical payload: no second store write, but the cached activity
	// timestamp must advance.
	second := time.Now()
	c.Put(ctx, "alice", &serialized, second)
	_, stores, _ = store.counts()
	assert.Equal(t, 1, stores)

	since, ok := c.LastActivity(ctx, "alice")
	require.True(t, ok)
	assert.Less(t, since, time.Minute)

	// A different payload writes again.
	other := (&xmpp.Presence{Type: xmpp.PresenceUnavailable, Status: "back soon"}).ToXML()
	c.Put(ctx, "alice", &other, time.Now())
	_, stores, _ = store.counts()
	assert.Equal(t, 2, stores)
}

func TestCachePutThenLastPresence(t *testing.T) {
	store := newSpyStore()
	c := newTestCache(t, store)
	ctx := context.Background()

	serialized := (&xmpp.Presence{Type: xmpp.PresenceUnavailable, Status: "away for lunch"}).ToXML()
	c.Put(ctx, "alice", &serialized, time.Now())

	status, ok := c.LastPresenceStatus(ctx, "alice")
	require.True(t, ok)
	assert.Equal(t, "away for lunch", status)
}

func TestCacheDeleteEvictsAndRemovesRow(t *testing.T) {
	store := newSpyStore()
	c := newTestCache(t, store)
	ctx := context.Background()

	serialized := (&xmpp.Presence{Type: xmpp.PresenceUnavailable, Status: "bye"}).ToXML()
	c.Put(ctx, "alice", &serialized, time.Now())

	c.Delete(ctx, "alice")
	_, _, deletes := store.counts()
	assert.Equal(t, 1, deletes)

	_, ok := c.LastPresenceStatus(ctx, "alice")
	assert.False(t, ok)
}
