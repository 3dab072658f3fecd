// Package presence implements presence aggregation, offline-presence
// caching, probe authorization, and directed-presence bookkeeping.
package presence

import (
	"context"
	"errors"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/oriole-im/oriole/consts"
	"github.com/oriole-im/oriole/logger"
	"github.com/oriole-im/oriole/pkg/metrics"
	"github.com/oriole-im/oriole/xmpp"
)

// OfflineStore persists the last unavailable presence per user. A missing
// row is distinct from a row whose presence column is NULL.
type OfflineStore interface {
	LoadOfflineRecord(ctx context.Context, username string) (*StoredRecord, error)
	StoreOfflineRecord(ctx context.Context, username string, presence *string, lastActive time.Time) error
	DeleteOfflineRecord(ctx context.Context, username string) error
}

// StoredRecord is what the store returns for one user.
type StoredRecord struct {
	Presence   *string
	LastActive time.Time
}

// offlineRecord is the cached pair. A record with both fields unset is the
// sentinel for "known absent": the store was consulted and had no row.
// Presence XML and last-activity always live in the same record, so they
// are written and cleared together.
type offlineRecord struct {
	presenceXML *string
	lastActive  *time.Time
}

func (r *offlineRecord) isNullSentinel() bool {
	return r.presenceXML == nil && r.lastActive == nil
}

// Cache holds each user's last offline presence, loading lazily from the
// store on first access. Loads for the same username are serialized on a
// per-user key so a stampede of lookups issues one store read; different
// usernames never contend.
type Cache struct {
	store   OfflineStore
	records *lru.Cache[string, *offlineRecord]
	group   singleflight.Group
}

func NewCache(store OfflineStore, size int) (*Cache, error) {
	records, err := lru.New[string, *offlineRecord](size)
	if err != nil {
		return nil, err
	}
	return &Cache{store: store, records: records}, nil
}

// record returns the user's cached record, loading it on a miss. Returns
// nil when a load fails: failures are never cached, so the next access
// retries.
func (c *Cache) record(ctx context.Context, username string) *offlineRecord {
	if rec, ok := c.records.Get(username); ok {
		metrics.PresenceCacheHits.Inc()
		return rec
	}
	metrics.PresenceCacheMisses.Inc()
	return c.load(ctx, username)
}

func (c *Cache) load(ctx context.Context, username string) *offlineRecord {
	key := username + consts.OfflinePresenceLockSuffix
	v, _, _ := c.group.Do(key, func() (any, error) {
		// Another waiter may have populated the record while we queued
		// for the flight.
		if rec, ok := c.records.Get(username); ok {
			return rec, nil
		}

		stored, err := c.store.LoadOfflineRecord(ctx, username)
		if err != nil {
			if errors.Is(err, consts.ErrDBNotFound) {
				rec := &offlineRecord{}
				c.records.Add(username, rec)
				return rec, nil
			}
			logger.Errorf("failed to load offline presence for %s: %v", username, err)
			return nil, nil
		}

		rec := &offlineRecord{presenceXML: stored.Presence}
		lastActive := stored.LastActive
		rec.lastActive = &lastActive
		c.records.Add(username, rec)
		return rec, nil
	})
	if v == nil {
		return nil
	}
	return v.(*offlineRecord)
}

// LastActivity returns how long ago the user was last seen. The second
// return value is false when no last-activity information is available.
func (c *Cache) LastActivity(ctx context.Context, username string) (time.Duration, bool) {
	rec := c.record(ctx, username)
	if rec == nil || rec.lastActive == nil {
		return 0, false
	}
	return time.Since(*rec.lastActive), true
}

// LastPresence reconstructs the user's last unavailable presence from its
// stored serialization. Returns false when none is known.
func (c *Cache) LastPresence(ctx context.Context, username string) (*xmpp.Presence, bool) {
	rec := c.record(ctx, username)
	if rec == nil || rec.presenceXML == nil {
		return nil, false
	}
	p, err := xmpp.ParsePresence(*rec.presenceXML)
	if err != nil {
		logger.Warnf("discarding unparseable stored presence for %s: %v", username, err)
		return nil, false
	}
	return p, true
}

// LastPresenceStatus returns the status text of the user's last unavailable
// presence.
func (c *Cache) LastPresenceStatus(ctx context.Context, username string) (string, bool) {
	p, ok := c.LastPresence(ctx, username)
	if !ok {
		return "", false
	}
	return p.Status, true
}

// Put records a user's sign-off. The cached last-activity always advances,
// but the store is written only when the presence payload actually changed,
// so repeated identical sign-offs cost one write.
func (c *Cache) Put(ctx context.Context, username string, presenceXML *string, lastActive time.Time) {
	prior, had := c.records.Get(username)

	unchanged := had && !prior.isNullSentinel() && equalXML(prior.presenceXML, presenceXML)

	rec := &offlineRecord{presenceXML: presenceXML, lastActive: &lastActive}
	c.records.Add(username, rec)

	if unchanged {
		return
	}
	if err := c.store.StoreOfflineRecord(ctx, username, presenceXML, lastActive); err != nil {
		logger.Errorf("failed to store offline presence for %s: %v", username, err)
	}
}

// Delete removes the user's stored offline presence and evicts the cached
// record.
func (c *Cache) Delete(ctx context.Context, username string) {
	if err := c.store.DeleteOfflineRecord(ctx, username); err != nil {
		logger.Errorf("failed to delete offline presence for %s: %v", username, err)
	}
	c.records.Remove(username)
}

// Evict drops the cached record without touching the store.
func (c *Cache) Evict(username string) {
	c.records.Remove(username)
}

func equalXML(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
