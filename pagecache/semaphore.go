package pagecache

// WriteBoundary is the write-boundary semaphore: it holds
// FileLengthBound/PageSize permits, preventing the writer from outrunning
// the cache's capacity to retain yet-to-be-flushed pages. Orthogonal to
// the Cache type itself but co-located since both exist to bound the
// writer's memory footprint.
type WriteBoundary struct {
	permits chan struct{}
}

// NewWriteBoundary creates a semaphore sized fileLengthBound/pageSize.
func NewWriteBoundary(fileLengthBound int64, pageSize int) *WriteBoundary {
	n := int(fileLengthBound / int64(pageSize))
	if n < 1 {
		n = 1
	}
	return &WriteBoundary{permits: make(chan struct{}, n)}
}

// Acquire blocks until a permit is available.
func (w *WriteBoundary) Acquire() { w.permits <- struct{}{} }

// Release returns a permit.
func (w *WriteBoundary) Release() { <-w.permits }
