package upstream

import (
	"bytes"
	"crypto/md5"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// CacheEntry holds a cached upstream response.
type CacheEntry struct {
	Status    int
	Headers   http.Header
	Body      []byte
	ExpiresAt time.Time
	HitCount  int64
	CreatedAt time.Time
}

// IsExpired reports whether the entry is stale at now.
func (ce *CacheEntry) IsExpired(now time.Time) bool {
	return !now.Before(ce.ExpiresAt)
}

func (ce *CacheEntry) response(req *http.Request) *http.Response {
	h := ce.Headers.Clone()
	h.Set("X-Cache", "HIT")
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", ce.Status, http.StatusText(ce.Status)),
		StatusCode:    ce.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(ce.Body)),
		ContentLength: int64(len(ce.Body)),
		Request:       req,
	}
}

// ResponseCache keeps upstream GET responses so repeated reads do not spend
// an endpoint's admission budget.
type ResponseCache struct {
	mu       sync.RWMutex
	cache    map[string]*CacheEntry
	maxSize  int
	maxEntry int64
	now      func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewResponseCache creates a cache of at most maxSize entries, each at most
// maxEntrySize bytes, and starts a goroutine that drops expired entries every
// cleanupEvery. Call Close to stop it.
func NewResponseCache(maxSize int, maxEntrySize int64, cleanupEvery time.Duration) *ResponseCache {
	rc := &ResponseCache{
		cache:    make(map[string]*CacheEntry),
		maxSize:  maxSize,
		maxEntry: maxEntrySize,
		now:      time.Now,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go rc.cleanupExpired(cleanupEvery)
	return rc
}

// Get retrieves a cached response if it exists and isn't expired.
func (rc *ResponseCache) Get(key string) (*CacheEntry, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	entry, exists := rc.cache[key]
	if !exists {
		return nil, false
	}
	if entry.IsExpired(rc.now()) {
		delete(rc.cache, key)
		return nil, false
	}
	entry.HitCount++
	return entry, true
}

// Set stores a response, evicting the least used entry when full.
// Entries larger than the per-entry limit are ignored.
func (rc *ResponseCache) Set(key string, entry *CacheEntry) {
	if int64(len(entry.Body)) > rc.maxEntry || rc.maxSize <= 0 {
		return
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()
	if _, exists := rc.cache[key]; !exists && len(rc.cache) >= rc.maxSize {
		rc.evict()
	}
	rc.cache[key] = entry
}

// Delete removes a cache entry.
func (rc *ResponseCache) Delete(key string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	delete(rc.cache, key)
}

// Len returns the number of cached entries.
func (rc *ResponseCache) Len() int {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return len(rc.cache)
}

// Close stops the cleanup goroutine and waits for it to exit.
func (rc *ResponseCache) Close() {
	rc.stopOnce.Do(func() { close(rc.stop) })
	<-rc.done
}

// evict drops an expired entry if there is one, otherwise the least hit.
// rc.mu must be held.
func (rc *ResponseCache) evict() {
	now := rc.now()
	var (
		victim  string
		minHits int64 = -1
	)
	for key, entry := range rc.cache {
		if entry.IsExpired(now) {
			victim = key
			break
		}
		if minHits < 0 || entry.HitCount < minHits {
			minHits = entry.HitCount
			victim = key
		}
	}
	if victim != "" {
		delete(rc.cache, victim)
	}
}

func (rc *ResponseCache) cleanupExpired(every time.Duration) {
	defer close(rc.done)
	if every <= 0 {
		every = 30 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-rc.stop:
			return
		case <-ticker.C:
			now := rc.now()
			rc.mu.Lock()
			for key, entry := range rc.cache {
				if entry.IsExpired(now) {
					delete(rc.cache, key)
				}
			}
			rc.mu.Unlock()
		}
	}
}

// CacheKey identifies a request to an endpoint.
func CacheKey(endpoint string, req *http.Request) string {
	key := fmt.Sprintf("%s:%s:%s", endpoint, req.Method, req.URL.String())
	return fmt.Sprintf("%x", md5.Sum([]byte(key)))
}

// CacheTTL returns how long a response may be cached, or zero when it must
// not be. Only 200 responses carrying a positive max-age qualify.
func CacheTTL(status int, headers http.Header) time.Duration {
	if status != http.StatusOK {
		return 0
	}
	var maxAge time.Duration
	for _, directive := range strings.Split(headers.Get("Cache-Control"), ",") {
		directive = strings.ToLower(strings.TrimSpace(directive))
		switch {
		case directive == "no-store", directive == "no-cache", directive == "private":
			return 0
		case strings.HasPrefix(directive, "max-age="):
			secs, err := strconv.Atoi(strings.TrimPrefix(directive, "max-age="))
			if err == nil && secs > 0 {
				maxAge = time.Duration(secs) * time.Second
			}
		}
	}
	return maxAge
}
