package pagecache

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/intellect4all/kvstore/common"
)

type fakeLoader struct {
	calls atomic.Int64
	pages map[common.Address][]byte
}

func (f *fakeLoader) LoadPage(addr common.Address) ([]byte, error) {
	f.calls.Add(1)
	return f.pages[addr], nil
}

func TestCacheGetPageHitsAndMisses(t *testing.T) {
	c := NewPerLog(256, 256*8)
	loader := &fakeLoader{pages: map[common.Address][]byte{1: []byte("page-one")}}

	buf, err := c.GetPage(loader, "log-a", 1)
	if err != nil || string(buf) != "page-one" {
		t.Fatalf("GetPage = %q, %v", buf, err)
	}

	if _, ok := c.TryGetPage("log-a", 1); !ok {
		t.Fatalf("TryGetPage should hit after GetPage populated the cache")
	}

	if _, err := c.GetPage(loader, "log-a", 1); err != nil {
		t.Fatalf("second GetPage: %v", err)
	}
	if loader.calls.Load() != 1 {
		t.Fatalf("loader called %d times, want 1 (second call should hit cache)", loader.calls.Load())
	}
}

func TestCacheConcurrentLoadSingleFlight(t *testing.T) {
	c := NewPerLog(256, 256*8)
	loader := &fakeLoader{pages: map[common.Address][]byte{5: []byte("v")}}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.GetPage(loader, "log-a", 5); err != nil {
				t.Errorf("GetPage: %v", err)
			}
		}()
	}
	wg.Wait()

	if loader.calls.Load() != 1 {
		t.Fatalf("loader called %d times under concurrent access, want 1", loader.calls.Load())
	}
}

func TestCacheRemoveAndClearLog(t *testing.T) {
	c := NewPerLog(256, 256*8)
	loader := &fakeLoader{pages: map[common.Address][]byte{1: []byte("a"), 2: []byte("b")}}

	c.GetPage(loader, "log-a", 1)
	c.GetPage(loader, "log-a", 2)

	c.RemovePage("log-a", 1)
	if _, ok := c.TryGetPage("log-a", 1); ok {
		t.Fatalf("page 1 should have been evicted by RemovePage")
	}

	c.ClearLog("log-a")
	if _, ok := c.TryGetPage("log-a", 2); ok {
		t.Fatalf("page 2 should have been evicted by ClearLog")
	}
}

func TestCacheHitRate(t *testing.T) {
	c := NewPerLog(256, 256*8)
	loader := &fakeLoader{pages: map[common.Address][]byte{1: []byte("a")}}

	c.GetPage(loader, "log-a", 1) // miss
	c.GetPage(loader, "log-a", 1) // hit
	c.GetPage(loader, "log-a", 1) // hit

	if rate := c.HitRate(); rate < 0.6 || rate > 0.7 {
		t.Fatalf("HitRate = %f, want ~0.667", rate)
	}
}

func TestNewSharedRejectsPageSizeMismatch(t *testing.T) {
	resetSharedForTest()
	defer resetSharedForTest()

	if _, err := NewShared(256, 1024); err != nil {
		t.Fatalf("first NewShared: %v", err)
	}
	if _, err := NewShared(512, 1024); err == nil {
		t.Fatalf("expected an error on page-size mismatch")
	}
}

func TestWriteBoundaryAcquireRelease(t *testing.T) {
	wb := NewWriteBoundary(1024, 256)

	for i := 0; i < 4; i++ {
		wb.Acquire()
	}

	done := make(chan struct{})
	go func() {
		wb.Acquire() // blocks until a permit is released
		close(done)
	}()

	select {
	case <-done:
		t.Fatalf("Acquire returned before a permit was released")
	default:
	}

	wb.Release()
	<-done
}

func TestGenerationsOptionDistributesKeys(t *testing.T) {
	c := NewPerLog(256, 256*32, WithGenerations(4))
	if len(c.generations) != 4 {
		t.Fatalf("generations = %d, want 4", len(c.generations))
	}

	for i := common.Address(0); i < 16; i++ {
		c.GetPage(&fakeLoader{pages: map[common.Address][]byte{i: []byte(fmt.Sprintf("v%d", i))}}, "log-a", i)
	}
	for i, g := range c.generations {
		if g.lru.Len() == 0 {
			t.Fatalf("generation %d holds no pages after 16 distinct keys", i)
		}
	}
}
