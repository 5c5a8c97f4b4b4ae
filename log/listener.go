package log

import (
	"sync"

	"github.com/intellect4all/kvstore/common"
)

// BlockListener observes segment lifecycle events.
type BlockListener interface {
	BeforeFileDeleted(addr common.Address)
}

// ReadBytesListener observes read-byte accounting, e.g. for metrics.
type ReadBytesListener interface {
	BytesRead(addr common.Address, n int)
}

// listenerSet protects its slices with a coarse lock and delivers callbacks
// outside the lock against a snapshot array, so a callback can never
// re-enter the log while the set is held.
type listenerSet struct {
	mu        sync.Mutex
	blocks    []BlockListener
	readBytes []ReadBytesListener
}

func (s *listenerSet) addBlockListener(l BlockListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks = append(s.blocks, l)
}

func (s *listenerSet) addReadBytesListener(l ReadBytesListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readBytes = append(s.readBytes, l)
}

func (s *listenerSet) notifyBeforeFileDeleted(addr common.Address) {
	s.mu.Lock()
	snapshot := append([]BlockListener(nil), s.blocks...)
	s.mu.Unlock()
	for _, l := range snapshot {
		l.BeforeFileDeleted(addr)
	}
}

func (s *listenerSet) notifyBytesRead(addr common.Address, n int) {
	s.mu.Lock()
	snapshot := append([]ReadBytesListener(nil), s.readBytes...)
	s.mu.Unlock()
	for _, l := range snapshot {
		l.BytesRead(addr, n)
	}
}
