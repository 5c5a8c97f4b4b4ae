package log

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/intellect4all/kvstore/common"
	"github.com/intellect4all/kvstore/pagecache"
)

var identityCounter atomic.Uint64

func nextIdentity() string {
	return fmt.Sprintf("log-%d", identityCounter.Add(1))
}

// Open validates cfg, acquires the exclusive file lock, runs the dynamic
// backup restore path and consistency scan if needed, and returns a ready
// Log positioned at the recovered (or fresh) high address.
func Open(cfg Config) (*Log, error) {
	if cfg.PageSize <= 0 || cfg.PageSize&(cfg.PageSize-1) != 0 {
		return nil, fmt.Errorf("log: %w: page size %d is not a power of two", common.ErrInvalidSetting, cfg.PageSize)
	}
	if cfg.FileLengthBound <= 0 || cfg.FileLengthBound%int64(cfg.PageSize) != 0 {
		return nil, fmt.Errorf("log: %w: file length bound %d is not a multiple of page size %d", common.ErrInvalidSetting, cfg.FileLengthBound, cfg.PageSize)
	}
	if cfg.Writer == nil {
		return nil, fmt.Errorf("log: %w: no DataWriter configured", common.ErrInvalidSetting)
	}

	lockDir := cfg.LockDir
	if lockDir == "" {
		lockDir = cfg.MetaDir
	}
	var fl *flock.Flock
	if !cfg.DisableFileLock && lockDir != "" {
		fl = flock.New(lockDir + "/LOCK")
		ctxTimeout := waitLockTimeout(cfg)
		deadline := time.Now().Add(ctxTimeout)
		locked := false
		for time.Now().Before(deadline) {
			ok, err := fl.TryLock()
			if err != nil {
				return nil, fmt.Errorf("log: %w: acquiring file lock: %v", common.ErrExodusFailure, err)
			}
			if ok {
				locked = true
				break
			}
			time.Sleep(20 * time.Millisecond)
		}
		if !locked {
			return nil, fmt.Errorf("log: %w: could not acquire exclusive lock on %s", common.ErrExodusFailure, lockDir)
		}
	}

	l := &Log{
		cfg:        cfg,
		id:         cfg.Identity,
		pageSize:   cfg.PageSize,
		dataRegion: common.DataRegion(cfg.PageSize),
		deadBytes:  make(map[common.Address]int64),
		flock:      fl,
	}
	if l.id == "" {
		l.id = nextIdentity()
	}
	if cfg.Cache != nil {
		l.cache = cfg.Cache
	} else {
		budget := cfg.FileLengthBound * 4
		l.cache = pagecache.NewPerLog(cfg.PageSize, budget)
	}
	if cfg.WriteBoundary != nil {
		l.wb = cfg.WriteBoundary
	} else {
		l.wb = pagecache.NewWriteBoundary(cfg.FileLengthBound, cfg.PageSize)
	}

	if err := l.recover(); err != nil {
		if fl != nil {
			_ = fl.Unlock()
		}
		return nil, err
	}
	l.wb.Acquire()

	l.cfg.logger().Info("log: opened",
		zap.String("id", l.id),
		zap.Uint64("high_address", l.highAddress.Load()),
		zap.Uint64("root", l.lastRoot.Load()))
	return l, nil
}

// recover restores from a dynamic backup if present, enumerates and
// verifies segments, and runs the consistency scan over the tail segment
// (the only one that can be torn, since earlier segments are only ever
// made immutable after being padded to FileLengthBound by rollSegment).
func (l *Log) recover() error {
	fastRoot := common.NullAddress
	trustFastRoot := false
	if l.cfg.MetaDir != "" {
		if backup, ok, err := readBackupMetadata(l.cfg.MetaDir); err != nil {
			return err
		} else if ok {
			if err := l.restoreFromBackup(backup); err != nil {
				return err
			}
			if err := removeBackupMetadata(l.cfg.MetaDir); err != nil {
				return err
			}
		}

		// Startup metadata is consumed at most once: read it, then remove
		// it immediately so an unclean shutdown before the next Close can
		// never leave a stale "clean" record for a future Open to trust.
		if meta, ok, err := readStartupMetadata(l.cfg.MetaDir); err != nil {
			return err
		} else if ok {
			if meta.CleanClose && meta.FormatVersion == formatVersion &&
				meta.PageSize == l.cfg.PageSize && meta.FileLengthBound == l.cfg.FileLengthBound {
				fastRoot = meta.RootAddress
				trustFastRoot = true
			}
			if err := removeStartupMetadata(l.cfg.MetaDir); err != nil {
				return err
			}
		}
	}

	addrs, err := l.cfg.Writer.ListSegments()
	if err != nil {
		return fmt.Errorf("log: list segments: %w", err)
	}

	if len(addrs) == 0 {
		return l.initEmpty()
	}

	infos := make([]common.SegmentInfo, len(addrs))
	for i, a := range addrs {
		if int64(a)%l.cfg.FileLengthBound != 0 {
			return fmt.Errorf("log: %w: segment address %d is not a multiple of %d", common.ErrDataCorruption, a, l.cfg.FileLengthBound)
		}
		n, err := l.cfg.Writer.SegmentLength(a)
		if err != nil {
			return fmt.Errorf("log: stat segment %d: %w", a, err)
		}
		infos[i] = common.SegmentInfo{Address: a, Length: n}
	}
	for _, info := range infos[:len(infos)-1] {
		if info.Length != l.cfg.FileLengthBound {
			return fmt.Errorf("log: %w: non-tail segment %d has length %d, want %d", common.ErrDataCorruption, info.Address, info.Length, l.cfg.FileLengthBound)
		}
	}

	l.blocks = common.NewBlockSet(infos)

	lastRoot := common.NullAddress
	if trustFastRoot {
		// A clean close recorded the root in the startup record, so the
		// fast path does not scan the earlier segments: it starts from
		// the recorded root and relies on the tail scan below for
		// anything written (or torn) since.
		lastRoot = fastRoot
		l.cfg.logger().Debug("log: clean-close fast path, skipping trusted-segment scan",
			zap.Uint64("root", uint64(fastRoot)))
	} else {
		for _, info := range infos[:len(infos)-1] {
			root, err := l.scanTrustedSegment(info.Address, info.Length)
			if err != nil {
				return l.handleCorruption(err)
			}
			if root.Valid() {
				lastRoot = root
			}
		}
	}

	tail := infos[len(infos)-1]
	newHigh, root, err := l.scanTailSegment(tail.Address, tail.Length)
	if err != nil {
		return l.handleCorruption(err)
	}
	if root.Valid() {
		lastRoot = root
	}

	l.tailSegment = tail.Address
	l.curHighAddress = uint64(newHigh)
	l.highAddress.Store(uint64(newHigh))
	l.tailAddr = common.PageAddress(newHigh, l.pageSize)
	l.tailPos = int(newHigh - l.tailAddr)
	l.lastRoot.Store(uint64(lastRoot))

	if err := l.loadTailBuffer(); err != nil {
		return err
	}
	return nil
}

func (l *Log) initEmpty() error {
	l.tailSegment = 0
	l.tailAddr = 0
	l.curHighAddress = 0
	l.tailPos = 0
	l.tailBuf = make([]byte, l.pageSize)
	l.lastRoot.Store(uint64(common.NullAddress))
	if err := l.cfg.Writer.OpenOrCreate(0); err != nil {
		return fmt.Errorf("log: create first segment: %w", err)
	}
	l.blocks = common.NewBlockSet([]common.SegmentInfo{{Address: 0, Length: 0}})
	return nil
}

// loadTailBuffer reads whatever bytes already exist in the tail page (if
// any) into the writer's in-memory buffer so appends resume correctly.
func (l *Log) loadTailBuffer() error {
	l.tailBuf = make([]byte, l.pageSize)
	n, err := l.cfg.Writer.SegmentLength(l.tailSegment)
	if err != nil {
		return fmt.Errorf("log: stat tail segment: %w", err)
	}
	pageOffsetInSeg := int64(l.tailAddr - l.tailSegment)
	if pageOffsetInSeg >= n {
		return nil
	}
	avail := n - pageOffsetInSeg
	if avail > int64(l.pageSize) {
		avail = int64(l.pageSize)
	}
	buf := make([]byte, avail)
	if err := l.cfg.Writer.ReadAt(l.tailSegment, pageOffsetInSeg, buf); err != nil {
		return fmt.Errorf("log: read tail page: %w", err)
	}
	copy(l.tailBuf, buf)
	if l.cfg.Cipher != nil && avail > 0 {
		// On-disk tail bytes are ciphertext; the writer's buffer must hold
		// plaintext so appends and re-seals stay consistent. Only the bytes
		// actually read are decrypted; the zero fill beyond them is fresh
		// plaintext padding.
		n := int(avail)
		if n > l.dataRegion {
			n = l.dataRegion
		}
		iv := cipherIV(l.cfg.basicIV(), uint64(l.tailAddr))
		c, err := l.cfg.Cipher.NewCipher(iv)
		if err != nil {
			return fmt.Errorf("log: %w: %v", common.ErrInvalidCipherParameters, err)
		}
		c.XORKeyStream(l.tailBuf[:n], l.tailBuf[:n])
	}
	return nil
}

func (l *Log) restoreFromBackup(b common.BackupMetadata) error {
	if err := l.cfg.Writer.Truncate(b.LastFileAddress, b.LastFileOffset); err != nil {
		return fmt.Errorf("log: restore truncate: %w", err)
	}
	addrs, err := l.cfg.Writer.ListSegments()
	if err != nil {
		return err
	}
	for _, a := range addrs {
		if a > b.LastFileAddress {
			if err := l.cfg.Writer.Remove(a); err != nil {
				return fmt.Errorf("log: restore remove segment %d: %w", a, err)
			}
		}
	}
	return nil
}

// handleCorruption wipes the log if ClearInvalidLog is set; otherwise the
// caller (scanTailSegment) has already truncated to the last valid root
// and this path is only reached for genuinely unrecoverable cases
// (corruption in a supposedly-immutable earlier segment, or no root ever
// found).
func (l *Log) handleCorruption(cause error) error {
	if l.cfg.ClearInvalidLog {
		l.cfg.logger().Warn("log: clearing invalid log", zap.Error(cause))
		return l.wipe()
	}
	return cause
}

func (l *Log) wipe() error {
	addrs, err := l.cfg.Writer.ListSegments()
	if err != nil {
		return err
	}
	for _, a := range addrs {
		if err := l.cfg.Writer.Remove(a); err != nil {
			return err
		}
	}
	return l.initEmpty()
}
