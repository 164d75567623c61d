package schedjoules

import (
	"context"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/earth92/appsuite-middleware-sub014/internal/metrics"
)

// Cache is a read-through cache over the REST client, keyed by path+query.
// Expired entries are revalidated with the stored ETag/Last-Modified before
// being refetched; concurrent misses for one key are collapsed.
type Cache struct {
	client     *Client
	ttl        time.Duration
	maxEntries int

	mu      sync.Mutex
	entries map[string]*cacheEntry
	group   singleflight.Group
}

type cacheEntry struct {
	doc       *Document
	fetchedAt time.Time
	lastUsed  time.Time
}

func NewCache(client *Client, ttl time.Duration, maxEntries int) *Cache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if maxEntries <= 0 {
		maxEntries = 512
	}
	return &Cache{
		client:     client,
		ttl:        ttl,
		maxEntries: maxEntries,
		entries:    make(map[string]*cacheEntry),
	}
}

// Browse fetches a directory page; pageID 0 is the root page.
func (c *Cache) Browse(ctx context.Context, pageID int, locale, location string) (*Document, error) {
	return c.get(ctx, browsePath(pageID), c.client.browseQuery(locale, location))
}

// Search queries the directory by free text.
func (c *Cache) Search(ctx context.Context, query, locale string) (*Document, error) {
	q := c.client.browseQuery(locale, "")
	q.Set("q", query)
	return c.get(ctx, "/pages/search", q)
}

// Languages lists the locales the directory is available in.
func (c *Cache) Languages(ctx context.Context) (*Document, error) {
	return c.get(ctx, "/languages", nil)
}

// Countries lists the countries the directory covers.
func (c *Cache) Countries(ctx context.Context) (*Document, error) {
	return c.get(ctx, "/countries", nil)
}

func cacheKey(path string, query url.Values) string {
	if len(query) == 0 {
		return path
	}
	return path + "?" + query.Encode()
}

func (c *Cache) get(ctx context.Context, path string, query url.Values) (*Document, error) {
	key := cacheKey(path, query)
	now := time.Now()

	c.mu.Lock()
	entry, ok := c.entries[key]
	if ok && now.Sub(entry.fetchedAt) < c.ttl {
		entry.lastUsed = now
		doc := entry.doc
		c.mu.Unlock()
		metrics.CountUpstreamRequest("hit")
		return doc, nil
	}
	var etag, lastModified string
	if ok {
		etag = entry.doc.ETag
		lastModified = entry.doc.LastModified
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(key, func() (any, error) {
		doc, notModified, err := c.client.fetch(ctx, path, query, etag, lastModified)
		if err != nil {
			metrics.CountUpstreamRequest("error")
			return nil, err
		}
		if notModified {
			if doc := c.refresh(key); doc != nil {
				metrics.CountUpstreamRequest("revalidated")
				return doc, nil
			}
			// Entry evicted while the conditional request was in flight.
			doc, _, err = c.client.fetch(ctx, path, query, "", "")
			if err != nil {
				metrics.CountUpstreamRequest("error")
				return nil, err
			}
		}
		metrics.CountUpstreamRequest("miss")
		c.store(key, doc)
		return doc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Document), nil
}

// refresh extends the lifetime of an entry after a 304 without touching its
// body. Returns nil when the entry has been evicted in the meantime.
func (c *Cache) refresh(key string) *Document {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil
	}
	now := time.Now()
	entry.fetchedAt = now
	entry.lastUsed = now
	return entry.doc
}

func (c *Cache) store(key string, doc *Document) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if _, ok := c.entries[key]; !ok && len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
	}
	c.entries[key] = &cacheEntry{doc: doc, fetchedAt: now, lastUsed: now}
}

func (c *Cache) evictOldestLocked() {
	var (
		oldestKey string
		oldest    time.Time
	)
	for key, entry := range c.entries {
		if oldestKey == "" || entry.lastUsed.Before(oldest) {
			oldestKey = key
			oldest = entry.lastUsed
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// Len reports the number of cached documents.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
