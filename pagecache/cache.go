// Package pagecache implements a bounded, in-memory store of decoded page
// buffers keyed by (log identity, page address), available as a
// process-global shared instance or scoped to a single log. Eviction is
// LRU per generation shard, backed by github.com/hashicorp/golang-lru/v2,
// with optional soft-reference-style and non-blocking access modes.
package pagecache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/intellect4all/kvstore/common"
)

// Loader materializes a page that missed the cache. Log implements this;
// pagecache never imports the log package directly so the callback
// direction (cache -> log) stays one-way.
type Loader interface {
	LoadPage(addr common.Address) ([]byte, error)
}

// Key identifies a cached page by which log it belongs to and its address.
type Key struct {
	LogID string
	Addr  common.Address
}

// Option configures a Cache at construction time.
type Option func(*options)

type options struct {
	generations int
	nonBlocking bool
	softRef     bool
}

// WithGenerations sets the number of LRU generations (shards) the cache
// is split across, trading a little global-recency precision for reduced
// lock contention under concurrent access.
func WithGenerations(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.generations = n
		}
	}
}

// WithNonBlocking enables the non-blocking accessor mode: GetPage never
// waits for a concurrent in-flight load of the same key and instead returns
// a cache-miss error. TryGetPage never loads in either mode.
func WithNonBlocking() Option {
	return func(o *options) { o.nonBlocking = true }
}

// WithSoftReferences marks entries as evictable under memory pressure
// before the configured budget is exhausted, modeled here as a lower
// effective per-generation capacity rather than true GC-visible soft
// references, which Go's runtime has no equivalent for.
func WithSoftReferences() Option {
	return func(o *options) { o.softRef = true }
}

// generation is one shard of the cache: an independent LRU plus
// single-flight bookkeeping so concurrent misses for the same key load the
// page at most once.
type generation struct {
	mu      sync.Mutex
	lru     *lru.Cache[Key, []byte]
	loading map[Key]*loadWait

	hits   uint64
	misses uint64
}

type loadWait struct {
	done chan struct{}
	buf  []byte
	err  error
}

// Cache is a bounded page cache; see NewShared and NewPerLog.
type Cache struct {
	pageSize    int
	generations []*generation
	opts        options
}

func newCache(pageSize int, budgetBytes int64, opts options) *Cache {
	pagesPerGen := int(budgetBytes/int64(pageSize)) / opts.generations
	if pagesPerGen < 1 {
		pagesPerGen = 1
	}
	if opts.softRef {
		// Soft-reference mode keeps a smaller hard floor so eviction
		// happens earlier under pressure.
		pagesPerGen = pagesPerGen/2 + 1
	}
	c := &Cache{pageSize: pageSize, opts: opts}
	c.generations = make([]*generation, opts.generations)
	for i := range c.generations {
		l, _ := lru.New[Key, []byte](pagesPerGen)
		c.generations[i] = &generation{lru: l, loading: make(map[Key]*loadWait)}
	}
	return c
}

func (c *Cache) genFor(k Key) *generation {
	h := fnv1a(k.LogID) ^ uint64(k.Addr)
	return c.generations[h%uint64(len(c.generations))]
}

// GetPage returns the page at (logID, addr), loading it via loader on a
// miss. Concurrent gets for the same key load at most once.
func (c *Cache) GetPage(loader Loader, logID string, addr common.Address) ([]byte, error) {
	k := Key{LogID: logID, Addr: addr}
	g := c.genFor(k)

	g.mu.Lock()
	if buf, ok := g.lru.Get(k); ok {
		g.hits++
		g.mu.Unlock()
		return buf, nil
	}
	if w, ok := g.loading[k]; ok {
		g.mu.Unlock()
		if c.opts.nonBlocking {
			return nil, errCacheMiss
		}
		<-w.done
		return w.buf, w.err
	}
	w := &loadWait{done: make(chan struct{})}
	g.loading[k] = w
	g.misses++
	g.mu.Unlock()

	buf, err := loader.LoadPage(addr)

	g.mu.Lock()
	w.buf, w.err = buf, err
	delete(g.loading, k)
	if err == nil {
		g.lru.Add(k, buf)
	}
	g.mu.Unlock()
	close(w.done)

	return buf, err
}

// TryGetPage is the non-blocking accessor: it never loads, returning
// (nil, false) on a miss regardless of the cache's configured mode.
func (c *Cache) TryGetPage(logID string, addr common.Address) ([]byte, bool) {
	k := Key{LogID: logID, Addr: addr}
	g := c.genFor(k)
	g.mu.Lock()
	defer g.mu.Unlock()
	buf, ok := g.lru.Get(k)
	if ok {
		g.hits++
	} else {
		g.misses++
	}
	return buf, ok
}

// RemovePage evicts a single entry, e.g. after a page is superseded.
func (c *Cache) RemovePage(logID string, addr common.Address) {
	k := Key{LogID: logID, Addr: addr}
	g := c.genFor(k)
	g.mu.Lock()
	g.lru.Remove(k)
	g.mu.Unlock()
}

// ClearLog evicts every entry belonging to logID.
func (c *Cache) ClearLog(logID string) {
	for _, g := range c.generations {
		g.mu.Lock()
		for _, k := range g.lru.Keys() {
			if k.LogID == logID {
				g.lru.Remove(k)
			}
		}
		g.mu.Unlock()
	}
}

// Clear empties the cache entirely.
func (c *Cache) Clear() {
	for _, g := range c.generations {
		g.mu.Lock()
		g.lru.Purge()
		g.mu.Unlock()
	}
}

// HitRate reports the fraction of GetPage/TryGetPage calls served from
// cache since construction. Diagnostic only.
func (c *Cache) HitRate() float64 {
	var hits, total uint64
	for _, g := range c.generations {
		g.mu.Lock()
		hits += g.hits
		total += g.hits + g.misses
		g.mu.Unlock()
	}
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

func fnv1a(s string) uint64 {
	var h uint64 = 0xcbf29ce484222325
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 0x100000001b3
	}
	return h
}
