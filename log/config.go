package log

import (
	"time"

	"go.uber.org/zap"

	"github.com/intellect4all/kvstore/crypto"
	"github.com/intellect4all/kvstore/pagecache"
)

// Config configures a Log. Zero-valued optional fields select the
// defaults documented on each field.
type Config struct {
	// Writer is the collaborator the log reads/writes segments through.
	Writer DataWriter

	PageSize        int   // power of two, typically 4-64 KiB
	FileLengthBound int64 // must be a multiple of PageSize

	// SmallLoggableBound is the threshold below which a record that would
	// overflow the current page is padded forward instead of split across
	// pages. Zero selects PageSize >> 4.
	SmallLoggableBound int

	// ClearInvalidLog wipes the log instead of truncating to the last
	// valid root when a consistency scan finds corruption.
	ClearInvalidLog bool

	// Cipher, if non-nil, encrypts page payloads.
	Cipher crypto.StreamCipherProvider
	// BasicIV is the 64-bit base IV combined with each page address via
	// crypto.EffectiveIV to key that page's stream.
	BasicIV uint64

	// DisableFileLock skips the exclusive file lock acquired on open.
	// LockDir overrides where the LOCK file lives (defaults to MetaDir).
	DisableFileLock bool
	LockDir         string
	LockTimeout     time.Duration

	// MetaDir, if set, is where startup/backup metadata sidecar files are
	// kept. Leaving it empty runs the log without persisted metadata
	// (used by in-memory-backed tests where there is no real directory).
	MetaDir string

	// Identity distinguishes this log's pages in a shared page cache.
	// Defaults to a process-unique generated id.
	Identity string

	// Cache and WriteBoundary let callers share a process-global cache
	// and its companion semaphore across multiple logs; both default to
	// a private per-log instance sized off FileLengthBound/PageSize.
	Cache         *pagecache.Cache
	WriteBoundary *pagecache.WriteBoundary

	Logger *zap.Logger
}

func (c Config) smallLoggableBound() int {
	if c.SmallLoggableBound > 0 {
		return c.SmallLoggableBound
	}
	return c.PageSize >> 4
}

func (c Config) basicIV() uint64 { return c.BasicIV }

func (c Config) logger() *zap.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return zap.NewNop()
}
