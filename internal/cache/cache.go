// Package cache holds the process-wide current-value projection of the
// tag table. The poll engine is the single writer per tag; the HTTP layer
// and the websocket stream are concurrent readers. Entries are stored by
// value so a reader never observes a torn value/timestamp pair.
package cache

import (
	"sync"
	"time"

	"github.com/gridline/fieldbus/internal/model"
)

// Entry is one coherent (value, updated-at) observation of a tag.
type Entry struct {
	Value     model.Value
	UpdatedAt time.Time
}

// TagCache maps internal tag ids to their latest sampled value.
type TagCache struct {
	mu      sync.RWMutex
	entries map[int64]Entry
}

func New() *TagCache {
	return &TagCache{entries: make(map[int64]Entry)}
}

// Get returns the cached entry for a tag, if any. Stale values are fine;
// the store remains the point of truth.
func (c *TagCache) Get(tagID int64) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[tagID]
	return e, ok
}

// Set records a new observation. Called only by the tag's poll executor.
func (c *TagCache) Set(tagID int64, v model.Value, at time.Time) {
	c.mu.Lock()
	c.entries[tagID] = Entry{Value: v, UpdatedAt: at}
	c.mu.Unlock()
}

// Delete drops a tag's entry, e.g. after the tag is removed.
func (c *TagCache) Delete(tagID int64) {
	c.mu.Lock()
	delete(c.entries, tagID)
	c.mu.Unlock()
}

// Warm seeds the cache from persisted values so a restart serves the last
// known readings before the first poll completes.
func (c *TagCache) Warm(entries map[int64]Entry) {
	c.mu.Lock()
	for id, e := range entries {
		c.entries[id] = e
	}
	c.mu.Unlock()
}

// Len reports the number of cached tags, for metrics and tests.
func (c *TagCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
