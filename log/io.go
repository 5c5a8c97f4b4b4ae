package log

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/intellect4all/kvstore/common"
)

// DataReader is the read half of the collaborator interface the log
// consumes to talk to storage. Implementations: FileDataIO
// (filesystem-backed) and MemoryDataIO (in-memory, for tests).
type DataReader interface {
	// ListSegments enumerates known segment addresses in ascending order.
	ListSegments() ([]common.Address, error)
	// SegmentLength returns the current length of the segment at addr, or
	// an error satisfying os.IsNotExist if it does not exist.
	SegmentLength(addr common.Address) (int64, error)
	// ReadAt reads len(buf) bytes from the segment at addr starting at
	// offset.
	ReadAt(addr common.Address, offset int64, buf []byte) error
}

// DataWriter is the write half of the collaborator interface.
type DataWriter interface {
	DataReader
	// OpenOrCreate opens (creating if absent) the segment at addr for
	// writing.
	OpenOrCreate(addr common.Address) error
	// WriteAt writes buf to the segment at addr starting at offset.
	WriteAt(addr common.Address, offset int64, buf []byte) error
	// Truncate shrinks the segment at addr to length bytes.
	Truncate(addr common.Address, length int64) error
	// Rename moves the segment at addr to a new backing name carrying the
	// given suffix kind (used for RemoveFile's Rename mode).
	Rename(addr common.Address, suffix string) error
	// Remove deletes the segment at addr outright.
	Remove(addr common.Address) error
	// Sync forces durability of all writes issued so far.
	Sync() error
	// Close releases any held resources.
	Close() error
}

// --- FileDataIO: filesystem-backed implementation ---------------------

// FileDataIO stores each segment as one file named by the zero-padded hex
// of its address, under dir, with extension ext.
type FileDataIO struct {
	dir string
	ext string

	mu    sync.Mutex
	files map[common.Address]*os.File
}

// NewFileDataIO opens a filesystem-backed DataWriter rooted at dir.
func NewFileDataIO(dir, ext string) (*FileDataIO, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("log: create data dir: %w", err)
	}
	return &FileDataIO{dir: dir, ext: ext, files: make(map[common.Address]*os.File)}, nil
}

func (f *FileDataIO) segPath(addr common.Address) string {
	return fmt.Sprintf("%s/%016x.%s", f.dir, uint64(addr), f.ext)
}

func (f *FileDataIO) handle(addr common.Address, create bool) (*os.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fh, ok := f.files[addr]; ok {
		return fh, nil
	}
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	fh, err := os.OpenFile(f.segPath(addr), flags, 0o644)
	if err != nil {
		return nil, err
	}
	f.files[addr] = fh
	return fh, nil
}

func (f *FileDataIO) ListSegments() ([]common.Address, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var addrs []common.Address
	suffix := "." + f.ext
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, suffix) {
			continue
		}
		hexPart := strings.TrimSuffix(name, suffix)
		v, err := strconv.ParseUint(hexPart, 16, 64)
		if err != nil {
			continue
		}
		addrs = append(addrs, common.Address(v))
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	return addrs, nil
}

func (f *FileDataIO) SegmentLength(addr common.Address) (int64, error) {
	st, err := os.Stat(f.segPath(addr))
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

func (f *FileDataIO) ReadAt(addr common.Address, offset int64, buf []byte) error {
	fh, err := f.handle(addr, false)
	if err != nil {
		return err
	}
	_, err = fh.ReadAt(buf, offset)
	if err == io.EOF && len(buf) == 0 {
		return nil
	}
	return err
}

func (f *FileDataIO) OpenOrCreate(addr common.Address) error {
	_, err := f.handle(addr, true)
	return err
}

func (f *FileDataIO) WriteAt(addr common.Address, offset int64, buf []byte) error {
	fh, err := f.handle(addr, true)
	if err != nil {
		return err
	}
	_, err = fh.WriteAt(buf, offset)
	return err
}

func (f *FileDataIO) Truncate(addr common.Address, length int64) error {
	fh, err := f.handle(addr, true)
	if err != nil {
		return err
	}
	return fh.Truncate(length)
}

func (f *FileDataIO) Rename(addr common.Address, suffix string) error {
	f.mu.Lock()
	fh, ok := f.files[addr]
	f.mu.Unlock()
	if ok {
		fh.Close()
		f.mu.Lock()
		delete(f.files, addr)
		f.mu.Unlock()
	}
	return os.Rename(f.segPath(addr), fmt.Sprintf("%s.%s", f.segPath(addr), suffix))
}

func (f *FileDataIO) Remove(addr common.Address) error {
	f.mu.Lock()
	fh, ok := f.files[addr]
	if ok {
		delete(f.files, addr)
	}
	f.mu.Unlock()
	if ok {
		fh.Close()
	}
	err := os.Remove(f.segPath(addr))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (f *FileDataIO) Sync() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, fh := range f.files {
		if err := fh.Sync(); err != nil {
			return err
		}
	}
	return nil
}

func (f *FileDataIO) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var first error
	for addr, fh := range f.files {
		if err := fh.Close(); err != nil && first == nil {
			first = err
		}
		delete(f.files, addr)
	}
	return first
}

// --- MemoryDataIO: in-memory implementation, for tests -----------------

// MemoryDataIO keeps segments as in-memory byte slices, a lightweight
// stand-in for FileDataIO in tests.
type MemoryDataIO struct {
	mu   sync.Mutex
	segs map[common.Address][]byte
}

// NewMemoryDataIO creates an empty in-memory backing store.
func NewMemoryDataIO() *MemoryDataIO {
	return &MemoryDataIO{segs: make(map[common.Address][]byte)}
}

func (m *MemoryDataIO) ListSegments() ([]common.Address, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	addrs := make([]common.Address, 0, len(m.segs))
	for a := range m.segs {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	return addrs, nil
}

func (m *MemoryDataIO) SegmentLength(addr common.Address) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.segs[addr]
	if !ok {
		return 0, os.ErrNotExist
	}
	return int64(len(b)), nil
}

func (m *MemoryDataIO) ReadAt(addr common.Address, offset int64, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.segs[addr]
	if !ok {
		return os.ErrNotExist
	}
	if offset+int64(len(buf)) > int64(len(b)) {
		return io.ErrUnexpectedEOF
	}
	copy(buf, b[offset:offset+int64(len(buf))])
	return nil
}

func (m *MemoryDataIO) OpenOrCreate(addr common.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.segs[addr]; !ok {
		m.segs[addr] = nil
	}
	return nil
}

func (m *MemoryDataIO) WriteAt(addr common.Address, offset int64, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.segs[addr]
	need := offset + int64(len(buf))
	if int64(len(b)) < need {
		grown := make([]byte, need)
		copy(grown, b)
		b = grown
	}
	copy(b[offset:], buf)
	m.segs[addr] = b
	return nil
}

func (m *MemoryDataIO) Truncate(addr common.Address, length int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.segs[addr]
	if !ok {
		return os.ErrNotExist
	}
	if int64(len(b)) <= length {
		grown := make([]byte, length)
		copy(grown, b)
		m.segs[addr] = grown
		return nil
	}
	m.segs[addr] = b[:length]
	return nil
}

func (m *MemoryDataIO) Rename(addr common.Address, suffix string) error {
	// In-memory segments have no filesystem name to rename; treat as a
	// no-op retention so RemoveFile(Rename) still drops it from listing
	// semantics at the Log layer (which stops tracking it regardless).
	return nil
}

func (m *MemoryDataIO) Remove(addr common.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.segs, addr)
	return nil
}

func (m *MemoryDataIO) Sync() error { return nil }
func (m *MemoryDataIO) Close() error { return nil }
