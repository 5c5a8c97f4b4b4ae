package common

import "bytes"

// Bytestring is an opaque, totally-ordered byte sequence. Keys and values
// throughout the engine are bytestrings; ordering is plain lexicographic
// comparison over the raw bytes.
type Bytestring []byte

// Compare orders two bytestrings lexicographically.
func Compare(a, b Bytestring) int {
	return bytes.Compare(a, b)
}

// Address is an unsigned 64-bit offset into the logical log. The low bits
// (below the page size) index within a page; the higher bits identify the
// page and segment.
type Address uint64

// NullAddress is the sentinel meaning "no such record".
const NullAddress Address = ^Address(0)

// Valid reports whether the address names an actual record.
func (a Address) Valid() bool {
	return a != NullAddress
}

// FileAddress returns the address of the segment containing a.
func FileAddress(a Address, fileLengthBound int64) Address {
	return Address(int64(a) - int64(a)%fileLengthBound)
}

// PageAddress returns the address of the page containing a. pageSize must
// be a power of two.
func PageAddress(a Address, pageSize int) Address {
	mask := ^Address(pageSize - 1)
	return a & mask
}

// LoggableKind distinguishes records that fit entirely on one page from
// records whose data spans multiple pages.
type LoggableKind int

const (
	SinglePage LoggableKind = iota
	MultiPage
)

// Loggable record types. The high bit is always set on disk (see
// EncodeType/DecodeType) so that a raw 0x00 byte terminates a page scan.
const (
	TypeNullPadding      byte = 0
	TypeHashCode         byte = 1
	TypeTreeLeaf         byte = 2
	TypeTreeBottomPage   byte = 3
	TypeTreeInternalPage byte = 4
	TypeTreeBottomRoot   byte = 5
	TypeTreeInternalRoot byte = 6
	TypeDupLeaf          byte = 7
	TypeDupLeafNoValue   byte = 8
	TypeDatabaseRoot     byte = 9
	TypePatriciaNode     byte = 10
	TypePatriciaRoot     byte = 11
)

// loggableTypeBit is XOR'd into the on-disk type byte; stripping it back
// off must always yield a value >= 0.
const loggableTypeBit = 0x80

// EncodeType sets the high bit that marks a live (non-padding) record byte
// on disk.
func EncodeType(t byte) byte {
	if t == TypeNullPadding {
		return TypeNullPadding
	}
	return t | loggableTypeBit
}

// DecodeType strips the high bit set by EncodeType.
func DecodeType(b byte) byte {
	return b &^ loggableTypeBit
}

// Loggable is the unit of persistence: a self-describing record made of a
// type, a structure (tree) id, and a data payload.
type Loggable struct {
	Address     Address
	Type        byte
	StructureID uint64
	Data        []byte
	Kind        LoggableKind
}

// EncodedLength returns the number of log-address bytes the record's
// header and data occupy, excluding any page hash trailers it spans.
func (l Loggable) EncodedLength() int64 {
	return int64(1+VarintSize(l.StructureID)+VarintSize(uint64(len(l.Data)))) + int64(len(l.Data))
}

// Page is a fixed power-of-two byte buffer. When the hash-code format is in
// use, the last 8 bytes hold a 64-bit hash of the preceding bytes.
type Page struct {
	Addr Address
	Buf  []byte
}

// HashCodeSize is the width of the trailing hash-code suffix on a full page.
const HashCodeSize = 8

// DataRegion returns the portion of a full page that is available for
// record data, excluding the hash-code suffix.
func DataRegion(pageSize int) int {
	return pageSize - HashCodeSize
}

// SegmentInfo describes one known segment file.
type SegmentInfo struct {
	Address  Address // equals the segment's starting log address
	Length   int64
	ReadOnly bool
}

// BlockSet is an immutable, ordered snapshot of known segments. Segment
// addresses are strictly increasing multiples of the configured
// file-length-bound.
type BlockSet struct {
	segments []SegmentInfo
}

// NewBlockSet builds an immutable snapshot from segments already in address
// order.
func NewBlockSet(segments []SegmentInfo) BlockSet {
	cp := make([]SegmentInfo, len(segments))
	copy(cp, segments)
	return BlockSet{segments: cp}
}

// Segments returns the snapshot's segments in address order.
func (b BlockSet) Segments() []SegmentInfo {
	return b.segments
}

// Len reports the number of known segments.
func (b BlockSet) Len() int {
	return len(b.segments)
}

// Last returns the last (tail) segment, or false if the set is empty.
func (b BlockSet) Last() (SegmentInfo, bool) {
	if len(b.segments) == 0 {
		return SegmentInfo{}, false
	}
	return b.segments[len(b.segments)-1], true
}

// Builder returns a copy-on-write builder seeded with this snapshot.
func (b BlockSet) Builder() *BlockSetBuilder {
	return &BlockSetBuilder{segments: append([]SegmentInfo(nil), b.segments...)}
}

// BlockSetBuilder mutates a working copy of a BlockSet; Build produces a new
// immutable snapshot without touching the original.
type BlockSetBuilder struct {
	segments []SegmentInfo
}

// Add appends a new tail segment. Callers must maintain the
// strictly-increasing-multiple invariant; Add does not re-sort.
func (bld *BlockSetBuilder) Add(s SegmentInfo) {
	bld.segments = append(bld.segments, s)
}

// Remove drops the segment at the given address, if present.
func (bld *BlockSetBuilder) Remove(addr Address) {
	out := bld.segments[:0:0]
	for _, s := range bld.segments {
		if s.Address != addr {
			out = append(out, s)
		}
	}
	bld.segments = out
}

// SetLength updates the recorded length of the segment at addr (used after
// truncation).
func (bld *BlockSetBuilder) SetLength(addr Address, length int64) {
	for i := range bld.segments {
		if bld.segments[i].Address == addr {
			bld.segments[i].Length = length
			return
		}
	}
}

// Build finalizes the builder into an immutable snapshot.
func (bld *BlockSetBuilder) Build() BlockSet {
	return NewBlockSet(bld.segments)
}

// ExpiredLoggable records a superseded record so the reclaimer can account
// for dead bytes per segment.
type ExpiredLoggable struct {
	Address Address
	Length  int64
}

// StartupMetadata is the small sidecar record persisted on clean close.
type StartupMetadata struct {
	FormatVersion   int
	PageSize        int
	FileLengthBound int64
	RootAddress     Address
	UsedFirstFile   bool
	CleanClose      bool
}

// BackupMetadata additionally pins a restore point recorded by backup
// tooling; its presence on open triggers the restore path.
type BackupMetadata struct {
	StartupMetadata
	LastFileAddress Address
	LastFileOffset  int64
}

// StorageEngine is the external contract a complete embedded key-value
// engine exposes; the log and index trees compose underneath it, and
// common/benchmark drives engines through it.
type StorageEngine interface {
	Put(key, value []byte) error

	// Get Returns ErrKeyNotFound if key doesn't exist
	Get(key []byte) ([]byte, error)

	// Delete removes a key
	Delete(key []byte) error

	// Close closes the storage engine
	Close() error

	// Sync ensures all data is persisted to disk
	Sync() error

	// Stats returns engine statistics
	Stats() Stats

	// Compact manually triggers compaction (reclaim, for this engine)
	Compact() error
}

// Stats contains engine statistics.
type Stats struct {
	NumKeys       int64
	NumSegments   int
	ActiveSegSize int64
	TotalDiskSize int64

	WriteCount   int64
	ReadCount    int64
	CompactCount int64

	WriteAmp float64
	SpaceAmp float64
}

// Iterator for range scans.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Error() error
	Close() error
}
