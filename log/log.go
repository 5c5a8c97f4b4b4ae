// Package log implements an append-only log of self-describing records
// (loggables) stored in fixed-size segment files divided into fixed-size
// pages. It provides record-level read/write, page-level cached reads,
// crash recovery with torn-tail truncation, and segment deletion for the
// reclaimer.
package log

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/intellect4all/kvstore/common"
	"github.com/intellect4all/kvstore/pagecache"
)

// RemoveKind selects how RemoveFile disposes of a segment.
type RemoveKind int

const (
	RemoveDelete RemoveKind = iota
	RemoveRename
)

// Log is a single logical append-only log over a sequence of segment
// files. At most one writer may be active at a time (BeginWrite/EndWrite);
// any number of readers may call Read/GetCachedPage concurrently.
type Log struct {
	cfg        Config
	id         string
	pageSize   int
	dataRegion int
	cache      *pagecache.Cache
	wb         *pagecache.WriteBoundary
	listeners  listenerSet
	flock      *flock.Flock

	writeMu      sync.Mutex
	writerActive bool

	blockMu sync.RWMutex
	blocks  common.BlockSet

	highAddress atomic.Uint64

	// Writer-owned state, valid only while the write window is open; the
	// writer observes curHighAddress directly, never through the published
	// highAddress. tailMu additionally guards the in-progress tail page so
	// readers can take a consistent snapshot of it.
	tailMu         sync.RWMutex
	curHighAddress uint64
	tailSegment    common.Address
	tailAddr       common.Address
	tailBuf        []byte
	tailPos        int

	deadMu    sync.Mutex
	deadBytes map[common.Address]int64

	lastRoot atomic.Uint64

	closing atomic.Bool
}

// HighAddress returns the first byte past the last committed record, as
// observed by readers.
func (l *Log) HighAddress() common.Address {
	return common.Address(l.highAddress.Load())
}

// FileLengthBound returns the configured segment size.
func (l *Log) FileLengthBound() int64 { return l.cfg.FileLengthBound }

// Blocks returns the current immutable snapshot of known segments.
func (l *Log) Blocks() common.BlockSet {
	l.blockMu.RLock()
	defer l.blockMu.RUnlock()
	return l.blocks
}

// AddBlockListener registers a segment-lifecycle observer.
func (l *Log) AddBlockListener(lsn BlockListener) { l.listeners.addBlockListener(lsn) }

// AddReadBytesListener registers a read-byte-accounting observer.
func (l *Log) AddReadBytesListener(lsn ReadBytesListener) { l.listeners.addReadBytesListener(lsn) }

// BeginWrite records the writer's identity (implicitly: "a writer is now
// active") and returns the current high address. Must be paired with
// EndWrite; only one writer may be active across a Log at a time.
func (l *Log) BeginWrite() common.Address {
	l.writeMu.Lock()
	l.writerActive = true
	return common.Address(l.curHighAddress)
}

// EndWrite publishes the writer's pending tail as the new high address and
// releases the writer identity.
func (l *Log) EndWrite() {
	l.highAddress.Store(l.curHighAddress)
	l.writerActive = false
	l.writeMu.Unlock()
}

// CurrentHighAddress is the writer's own pending tail, observable only by
// the active writer.
func (l *Log) CurrentHighAddress() common.Address {
	return common.Address(l.curHighAddress)
}

// SetLastRoot records the most recently saved tree root address, persisted
// into startup metadata at Close.
func (l *Log) SetLastRoot(addr common.Address) {
	l.lastRoot.Store(uint64(addr))
}

// LastRoot returns the most recently recorded root address.
func (l *Log) LastRoot() common.Address {
	return common.Address(l.lastRoot.Load())
}

// Write appends one loggable and returns its address. If no write window
// is already open (via BeginWrite), Write opens and closes one of its own
// for this single record, so simple callers never need to touch
// BeginWrite/EndWrite directly. Callers must still honor the single-writer
// discipline: Write does not arbitrate between competing writers beyond
// the window lock itself.
func (l *Log) Write(typ byte, structureID uint64, data []byte, expired []common.ExpiredLoggable) (common.Address, error) {
	self := !l.writerActive
	if self {
		l.BeginWrite()
		defer l.EndWrite()
	}
	addr, err := l.writeLocked(typ, structureID, data)
	if err == nil {
		l.recordExpired(expired)
	}
	return addr, err
}

// segmentPayloadCapacity is the number of record bytes one segment can
// hold once every page's hash-code suffix is subtracted.
func (l *Log) segmentPayloadCapacity() int64 {
	pages := l.cfg.FileLengthBound / int64(l.pageSize)
	return pages * int64(l.dataRegion)
}

func (l *Log) writeLocked(typ byte, structureID uint64, data []byte) (common.Address, error) {
	l.tailMu.Lock()
	defer l.tailMu.Unlock()

	headerLenFor := func() int {
		return 1 + common.VarintSize(structureID) + common.VarintSize(uint64(len(data)))
	}
	total := int64(headerLenFor() + len(data))
	if total > l.segmentPayloadCapacity() {
		return common.NullAddress, fmt.Errorf("log: %w: %d bytes exceeds segment capacity %d", common.ErrTooBigLoggable, total, l.segmentPayloadCapacity())
	}

	for {
		remainingInPage := l.dataRegion - l.tailPos

		// The address span a record occupies includes the hash-code suffix
		// of every page boundary it crosses, so a multi-page record needs
		// more room than its byte count alone.
		span := total
		if total > int64(remainingInPage) {
			over := total - int64(remainingInPage)
			crossed := (over + int64(l.dataRegion) - 1) / int64(l.dataRegion)
			span += crossed * int64(common.HashCodeSize)
		}
		remainingInSegment := l.cfg.FileLengthBound - (int64(l.curHighAddress) - int64(l.tailSegment))
		if span > remainingInSegment {
			if err := l.rollSegment(); err != nil {
				return common.NullAddress, err
			}
			continue
		}

		headerLen := headerLenFor()
		if int(total) <= remainingInPage {
			recordAddr := common.Address(l.curHighAddress)
			l.putHeader(typ, structureID, uint64(len(data)))
			copy(l.tailBuf[l.tailPos:], data)
			l.tailPos += len(data)
			l.curHighAddress += uint64(len(data))
			return recordAddr, nil
		}

		if int(total) < l.cfg.smallLoggableBound() {
			if err := l.finalizeTailPage(); err != nil {
				return common.NullAddress, err
			}
			continue
		}

		// Multi-page record: the header must land entirely on this page.
		if headerLen > remainingInPage {
			if err := l.finalizeTailPage(); err != nil {
				return common.NullAddress, err
			}
			continue
		}
		recordAddr := common.Address(l.curHighAddress)
		l.putHeader(typ, structureID, uint64(len(data)))

		written := 0
		for written < len(data) {
			avail := l.dataRegion - l.tailPos
			if avail == 0 {
				if err := l.finalizeTailPage(); err != nil {
					return common.NullAddress, err
				}
				avail = l.dataRegion
			}
			n := avail
			if rem := len(data) - written; rem < n {
				n = rem
			}
			copy(l.tailBuf[l.tailPos:l.tailPos+n], data[written:written+n])
			l.tailPos += n
			l.curHighAddress += uint64(n)
			written += n
		}
		return recordAddr, nil
	}
}

// putHeader writes the type/structure-id/data-length header at the current
// tail position and advances past it.
func (l *Log) putHeader(typ byte, structureID, dataLen uint64) {
	l.tailBuf[l.tailPos] = common.EncodeType(typ)
	l.tailPos++
	l.curHighAddress++
	n := common.PutUvarint(l.tailBuf[l.tailPos:], structureID)
	l.tailPos += n
	l.curHighAddress += uint64(n)
	n = common.PutUvarint(l.tailBuf[l.tailPos:], dataLen)
	l.tailPos += n
	l.curHighAddress += uint64(n)
}

// sealPage encrypts (if configured) and hashes one full page buffer in
// place so it is ready to hit storage.
func (l *Log) sealPage(buf []byte, pageAddr common.Address) error {
	if l.cfg.Cipher != nil {
		iv := cipherIV(l.cfg.basicIV(), uint64(pageAddr))
		c, err := l.cfg.Cipher.NewCipher(iv)
		if err != nil {
			return fmt.Errorf("log: cipher init: %w", err)
		}
		c.XORKeyStream(buf[:l.dataRegion], buf[:l.dataRegion])
	}
	writeHashTrailer(buf, l.dataRegion)
	return nil
}

// finalizeTailPage seals and flushes the in-progress tail page, then
// starts a fresh one. The sealed page is no longer the writer's; reads of
// it go through the cache from here on.
func (l *Log) finalizeTailPage() error {
	if err := l.sealPage(l.tailBuf, l.tailAddr); err != nil {
		return err
	}
	if err := l.cfg.Writer.WriteAt(l.tailSegment, int64(l.tailAddr-l.tailSegment), l.tailBuf); err != nil {
		return fmt.Errorf("log: flush page: %w", err)
	}
	l.wb.Release()

	l.tailAddr += common.Address(l.pageSize)
	l.curHighAddress = uint64(l.tailAddr)
	l.tailBuf = make([]byte, l.pageSize)
	l.tailPos = 0
	l.wb.Acquire()
	return nil
}

// rollSegment closes the current segment, pads it to FileLengthBound with
// sealed null pages so later verification passes, and opens the next one.
func (l *Log) rollSegment() error {
	oldSeg := l.tailSegment
	for int64(l.tailAddr-oldSeg) < l.cfg.FileLengthBound {
		if err := l.finalizeTailPage(); err != nil {
			return err
		}
	}

	l.blockMu.Lock()
	b := l.blocks.Builder()
	b.SetLength(oldSeg, l.cfg.FileLengthBound)
	newSeg := oldSeg + common.Address(l.cfg.FileLengthBound)
	b.Add(common.SegmentInfo{Address: newSeg, Length: 0})
	l.blocks = b.Build()
	l.blockMu.Unlock()

	if err := l.cfg.Writer.OpenOrCreate(newSeg); err != nil {
		return fmt.Errorf("log: create segment: %w", err)
	}
	l.cfg.logger().Info("log: segment rollover", zap.Uint64("old", uint64(oldSeg)), zap.Uint64("new", uint64(newSeg)))

	l.tailSegment = newSeg
	l.tailAddr = newSeg
	l.curHighAddress = uint64(newSeg)
	l.tailBuf = make([]byte, l.pageSize)
	l.tailPos = 0
	return nil
}

// tailPageSnapshot returns a copy of the writer's in-progress page if
// pageAddr currently names it. The snapshot path keeps the tail page out
// of the cache entirely: a cached copy would go stale on the very next
// append.
func (l *Log) tailPageSnapshot(pageAddr common.Address) ([]byte, bool) {
	l.tailMu.RLock()
	defer l.tailMu.RUnlock()
	if pageAddr != l.tailAddr || l.tailBuf == nil {
		return nil, false
	}
	return append([]byte(nil), l.tailBuf...), true
}

func (l *Log) pageAt(pageAddr common.Address) ([]byte, error) {
	if buf, ok := l.tailPageSnapshot(pageAddr); ok {
		return buf, nil
	}
	return l.cache.GetPage(l, l.id, pageAddr)
}

// Read reconstructs the loggable at addr, resolving any spanning pages
// through the page cache (or the writer's pending tail page).
func (l *Log) Read(addr common.Address) (common.Loggable, error) {
	pageAddr := common.PageAddress(addr, l.pageSize)
	buf, err := l.pageAt(pageAddr)
	if err != nil {
		return common.Loggable{}, err
	}
	pos := int(addr - pageAddr)
	if pos >= l.dataRegion || buf[pos] == common.TypeNullPadding {
		return common.Loggable{}, fmt.Errorf("log: %w: no record at %d", common.ErrBlockNotFound, addr)
	}
	typ := common.DecodeType(buf[pos])
	sid, n1 := common.Uvarint(buf[pos+1:])
	if n1 <= 0 {
		return common.Loggable{}, fmt.Errorf("log: %w: bad structure-id varint at %d", common.ErrDataCorruption, addr)
	}
	dlen, n2 := common.Uvarint(buf[pos+1+n1:])
	if n2 <= 0 {
		return common.Loggable{}, fmt.Errorf("log: %w: bad data-length varint at %d", common.ErrDataCorruption, addr)
	}
	dataStart := pos + 1 + n1 + n2
	avail := l.dataRegion - dataStart
	if avail < 0 {
		return common.Loggable{}, fmt.Errorf("log: %w: header overruns page at %d", common.ErrDataCorruption, addr)
	}

	if int(dlen) <= avail {
		data := append([]byte(nil), buf[dataStart:dataStart+int(dlen)]...)
		return common.Loggable{Address: addr, Type: typ, StructureID: sid, Data: data, Kind: common.SinglePage}, nil
	}

	data := make([]byte, 0, dlen)
	data = append(data, buf[dataStart:dataStart+avail]...)
	remaining := int(dlen) - avail
	next := pageAddr + common.Address(l.pageSize)
	for remaining > 0 {
		pbuf, err := l.pageAt(next)
		if err != nil {
			return common.Loggable{}, err
		}
		take := l.dataRegion
		if remaining < take {
			take = remaining
		}
		data = append(data, pbuf[:take]...)
		remaining -= take
		next += common.Address(l.pageSize)
	}
	return common.Loggable{Address: addr, Type: typ, StructureID: sid, Data: data, Kind: common.MultiPage}, nil
}

// GetCachedPage returns the page containing addr, fetching and verifying
// it through the cache as needed.
func (l *Log) GetCachedPage(addr common.Address) ([]byte, error) {
	return l.pageAt(common.PageAddress(addr, l.pageSize))
}

// LoadPage implements pagecache.Loader: it materializes a page by reading
// from the underlying segment, verifying its hash, and decrypting if a
// cipher is configured. The writer's in-progress tail page is never loaded
// through here (see tailPageSnapshot).
func (l *Log) LoadPage(addr common.Address) ([]byte, error) {
	segAddr := common.FileAddress(addr, l.cfg.FileLengthBound)
	offset := int64(addr - segAddr)
	buf := make([]byte, l.pageSize)
	if err := l.cfg.Writer.ReadAt(segAddr, offset, buf); err != nil {
		return nil, fmt.Errorf("log: %w: %v", common.ErrBlockNotFound, err)
	}
	l.listeners.notifyBytesRead(addr, l.pageSize)

	if !verifyHashTrailer(buf, l.dataRegion) {
		return nil, fmt.Errorf("log: %w: hash mismatch at page %d", common.ErrDataCorruption, addr)
	}
	if l.cfg.Cipher != nil {
		iv := cipherIV(l.cfg.basicIV(), uint64(addr))
		c, err := l.cfg.Cipher.NewCipher(iv)
		if err != nil {
			return nil, fmt.Errorf("log: %w: %v", common.ErrInvalidCipherParameters, err)
		}
		c.XORKeyStream(buf[:l.dataRegion], buf[:l.dataRegion])
	}
	return buf, nil
}

func (l *Log) recordExpired(expired []common.ExpiredLoggable) {
	if len(expired) == 0 {
		return
	}
	l.deadMu.Lock()
	defer l.deadMu.Unlock()
	for _, e := range expired {
		seg := common.FileAddress(e.Address, l.cfg.FileLengthBound)
		l.deadBytes[seg] += e.Length
	}
}

// DeadBytes reports the accounted-dead-byte total for a segment, used to
// pick reclaim candidates.
func (l *Log) DeadBytes(seg common.Address) int64 {
	l.deadMu.Lock()
	defer l.deadMu.Unlock()
	return l.deadBytes[seg]
}

// flushTail writes the partially-filled tail page to storage as a sealed,
// full-length page (trailing bytes null, hash trailer valid) without
// advancing the writer. Appends after a flush overwrite the same page.
func (l *Log) flushTail() error {
	l.tailMu.RLock()
	defer l.tailMu.RUnlock()
	if l.tailPos == 0 || l.tailBuf == nil {
		return nil
	}
	page := append([]byte(nil), l.tailBuf...)
	if err := l.sealPage(page, l.tailAddr); err != nil {
		return err
	}
	if err := l.cfg.Writer.WriteAt(l.tailSegment, int64(l.tailAddr-l.tailSegment), page); err != nil {
		return fmt.Errorf("log: flush tail page: %w", err)
	}
	return nil
}

// Sync flushes the tail page and forces a file-system sync, making every
// record written so far durable.
func (l *Log) Sync() error {
	self := !l.writerActive
	if self {
		l.writeMu.Lock()
		defer l.writeMu.Unlock()
	}
	if err := l.flushTail(); err != nil {
		return err
	}
	return l.cfg.Writer.Sync()
}

// RemoveFile deletes (or renames) a segment after notifying listeners.
func (l *Log) RemoveFile(addr common.Address, kind RemoveKind) error {
	l.listeners.notifyBeforeFileDeleted(addr)

	var err error
	switch kind {
	case RemoveDelete:
		err = l.cfg.Writer.Remove(addr)
	case RemoveRename:
		err = l.cfg.Writer.Rename(addr, "del")
	}
	if err != nil {
		return fmt.Errorf("log: remove segment %d: %w", addr, err)
	}

	l.blockMu.Lock()
	b := l.blocks.Builder()
	b.Remove(addr)
	l.blocks = b.Build()
	l.blockMu.Unlock()

	l.deadMu.Lock()
	delete(l.deadBytes, addr)
	l.deadMu.Unlock()

	l.cfg.logger().Info("log: segment removed", zap.Uint64("addr", uint64(addr)))
	return nil
}

// ForgetFiles stops tracking segments without touching the underlying
// storage.
func (l *Log) ForgetFiles(addrs ...common.Address) {
	l.blockMu.Lock()
	defer l.blockMu.Unlock()
	b := l.blocks.Builder()
	for _, a := range addrs {
		b.Remove(a)
	}
	l.blocks = b.Build()
}

// Close marks the log as closing, flushes the tail page, persists
// clean-close startup metadata and releases the file lock.
func (l *Log) Close() error {
	l.closing.Store(true)

	self := !l.writerActive
	if self {
		l.writeMu.Lock()
		defer l.writeMu.Unlock()
	}

	var errs error
	if err := l.flushTail(); err != nil {
		errs = multierr.Append(errs, err)
	}
	if err := l.cfg.Writer.Sync(); err != nil {
		errs = multierr.Append(errs, err)
	}
	if l.cfg.MetaDir != "" && errs == nil {
		m := common.StartupMetadata{
			FormatVersion:   formatVersion,
			PageSize:        l.cfg.PageSize,
			FileLengthBound: l.cfg.FileLengthBound,
			RootAddress:     l.LastRoot(),
			UsedFirstFile:   l.Blocks().Len() > 0,
			CleanClose:      true,
		}
		if err := writeStartupMetadata(l.cfg.MetaDir, m); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("log: write startup metadata: %w", err))
		}
	}
	if l.flock != nil {
		if err := l.flock.Unlock(); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	if err := l.cfg.Writer.Close(); err != nil {
		errs = multierr.Append(errs, err)
	}
	return errs
}

// Closing reports whether Close has been called. Background listeners
// observe it to stop cleanly.
func (l *Log) Closing() bool { return l.closing.Load() }

// waitLockTimeout bounds how long Open waits to acquire the exclusive
// file lock before giving up.
func waitLockTimeout(cfg Config) time.Duration {
	if cfg.LockTimeout > 0 {
		return cfg.LockTimeout
	}
	return 10 * time.Second
}
