package pagecache

import (
	"errors"
	"fmt"
	"sync"
)

// errCacheMiss is returned by GetPage in non-blocking mode when another
// goroutine is already loading the same key.
var errCacheMiss = errors.New("pagecache: non-blocking miss")

// ErrCacheMiss reports whether err is the non-blocking-mode miss sentinel.
func ErrCacheMiss(err error) bool { return errors.Is(err, errCacheMiss) }

const defaultGenerations = 4

func resolveOptions(opts []Option) options {
	o := options{generations: defaultGenerations}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

var (
	sharedMu    sync.Mutex
	sharedCache *Cache
	sharedSize  int
)

// NewShared returns the process-global page cache, creating it on first
// call. Every caller must agree on pageSize; a mismatch is a hard
// configuration error rather than a silent reconfiguration of the
// singleton.
func NewShared(pageSize int, budgetBytes int64, opts ...Option) (*Cache, error) {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if sharedCache == nil {
		sharedCache = newCache(pageSize, budgetBytes, resolveOptions(opts))
		sharedSize = pageSize
		return sharedCache, nil
	}
	if sharedSize != pageSize {
		return nil, fmt.Errorf("pagecache: shared cache already configured for page size %d, got %d", sharedSize, pageSize)
	}
	return sharedCache, nil
}

// resetSharedForTest tears down the process-global singleton; it exists
// only so tests can exercise NewShared's mismatch error across cases
// without cross-test interference.
func resetSharedForTest() {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	sharedCache = nil
	sharedSize = 0
}

// NewPerLog returns a cache instance private to one log, for callers that
// want isolation from the shared cache's eviction pressure.
func NewPerLog(pageSize int, budgetBytes int64, opts ...Option) *Cache {
	return newCache(pageSize, budgetBytes, resolveOptions(opts))
}
