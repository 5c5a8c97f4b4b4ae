package log

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/intellect4all/kvstore/common"
	"github.com/intellect4all/kvstore/crypto"
)

func testConfig(w DataWriter) Config {
	return Config{
		Writer:          w,
		PageSize:        128,
		FileLengthBound: 128 * 4,
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	l, err := Open(testConfig(NewMemoryDataIO()))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	addr, err := l.Write(1, 42, []byte("hello world"), nil)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	rec, err := l.Read(addr)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if rec.StructureID != 42 || !bytes.Equal(rec.Data, []byte("hello world")) {
		t.Fatalf("Read = %+v, want StructureID=42 Data=hello world", rec)
	}
	if rec.Kind != common.SinglePage {
		t.Fatalf("Kind = %v, want SinglePage", rec.Kind)
	}
}

func TestWriteReadMultiPageRecord(t *testing.T) {
	l, err := Open(testConfig(NewMemoryDataIO()))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	// Data region per page is 128-8=120 bytes; a 300-byte payload must span
	// multiple pages within one segment.
	data := bytes.Repeat([]byte("x"), 300)
	addr, err := l.Write(2, 7, data, nil)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	rec, err := l.Read(addr)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(rec.Data, data) {
		t.Fatalf("multi-page read mismatch: got %d bytes, want %d", len(rec.Data), len(data))
	}
	if rec.Kind != common.MultiPage {
		t.Fatalf("Kind = %v, want MultiPage", rec.Kind)
	}
}

func TestSegmentRollover(t *testing.T) {
	l, err := Open(testConfig(NewMemoryDataIO()))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	// FileLengthBound is 512 bytes; write enough small records to force at
	// least one rollover into a second segment.
	var addrs []common.Address
	for i := 0; i < 70; i++ {
		addr, err := l.Write(1, uint64(i), []byte(fmt.Sprintf("rec-%02d", i)), nil)
		if err != nil {
			t.Fatalf("Write #%d: %v", i, err)
		}
		addrs = append(addrs, addr)
	}

	if l.Blocks().Len() < 2 {
		t.Fatalf("expected rollover to produce >=2 segments, got %d", l.Blocks().Len())
	}

	for i, addr := range addrs {
		rec, err := l.Read(addr)
		if err != nil {
			t.Fatalf("Read #%d: %v", i, err)
		}
		want := fmt.Sprintf("rec-%02d", i)
		if string(rec.Data) != want {
			t.Fatalf("Read #%d = %q, want %q", i, rec.Data, want)
		}
	}
}

func TestRecoveryAcrossReopen(t *testing.T) {
	mem := NewMemoryDataIO()

	l, err := Open(testConfig(mem))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	var addrs []common.Address
	for i := 0; i < 20; i++ {
		addr, err := l.Write(1, uint64(i), []byte(fmt.Sprintf("v%d", i)), nil)
		if err != nil {
			t.Fatalf("Write: %v", err)
		}
		addrs = append(addrs, addr)
	}
	// Mirror what store.setRoot does: the actual root address travels in
	// the structure-id slot of a TypeDatabaseRoot marker record, which is
	// what crash recovery scans for. A bare SetLastRoot only updates the
	// in-memory value and does not by itself survive a reopen.
	wantRoot := addrs[len(addrs)-1]
	if _, err := l.Write(common.TypeDatabaseRoot, uint64(wantRoot), nil, nil); err != nil {
		t.Fatalf("Write root marker: %v", err)
	}
	l.SetLastRoot(wantRoot)
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	l2, err := Open(testConfig(mem))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l2.Close()

	if l2.LastRoot() != wantRoot {
		t.Fatalf("LastRoot after reopen = %v, want %v", l2.LastRoot(), wantRoot)
	}

	for i, addr := range addrs {
		rec, err := l2.Read(addr)
		if err != nil {
			t.Fatalf("Read #%d after reopen: %v", i, err)
		}
		want := fmt.Sprintf("v%d", i)
		if string(rec.Data) != want {
			t.Fatalf("Read #%d after reopen = %q, want %q", i, rec.Data, want)
		}
	}

	// The log must still be appendable after recovery.
	addr, err := l2.Write(1, 99, []byte("after-reopen"), nil)
	if err != nil {
		t.Fatalf("Write after reopen: %v", err)
	}
	rec, err := l2.Read(addr)
	if err != nil || string(rec.Data) != "after-reopen" {
		t.Fatalf("Read after-reopen write = %q, %v", rec.Data, err)
	}
}

func TestDeadBytesAccounting(t *testing.T) {
	l, err := Open(testConfig(NewMemoryDataIO()))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	addr, err := l.Write(1, 1, []byte("stale"), nil)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	seg := common.FileAddress(addr, l.cfg.FileLengthBound)
	if got := l.DeadBytes(seg); got != 0 {
		t.Fatalf("DeadBytes before expiry = %d, want 0", got)
	}

	if _, err := l.Write(1, 2, []byte("fresh"), []common.ExpiredLoggable{{Address: addr, Length: 5}}); err != nil {
		t.Fatalf("Write with expired: %v", err)
	}
	if got := l.DeadBytes(seg); got != 5 {
		t.Fatalf("DeadBytes after expiry = %d, want 5", got)
	}
}

func TestReadMissingAddressIsBlockNotFound(t *testing.T) {
	l, err := Open(testConfig(NewMemoryDataIO()))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	if _, err := l.Read(common.Address(10_000_000)); common.Kind(err) != common.KindBlockNotFound {
		t.Fatalf("Read of an address with no backing segment: err = %v, want a BlockNotFound error", err)
	}
}

func TestTornTailTruncatesToLastRoot(t *testing.T) {
	mem := NewMemoryDataIO()
	l, err := Open(testConfig(mem))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	var addrs []common.Address
	for i := 0; i < 15; i++ {
		addr, err := l.Write(1, uint64(i), []byte(fmt.Sprintf("v%02d", i)), nil)
		if err != nil {
			t.Fatalf("Write: %v", err)
		}
		addrs = append(addrs, addr)
	}
	wantRoot := addrs[len(addrs)-1]
	if _, err := l.Write(common.TypeDatabaseRoot, uint64(wantRoot), nil, nil); err != nil {
		t.Fatalf("Write root marker: %v", err)
	}
	if err := l.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	// Uncommitted records past the root, spilling into the next page.
	var afterRoot common.Address
	for i := 0; i < 12; i++ {
		addr, err := l.Write(1, 100+uint64(i), []byte(fmt.Sprintf("w%02d", i)), nil)
		if err != nil {
			t.Fatalf("Write: %v", err)
		}
		if i == 0 {
			afterRoot = addr
		}
	}
	if err := l.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	// Tear the tail mid-page, as a crash mid-write would.
	if err := mem.Truncate(0, 128+5); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	l2, err := Open(testConfig(mem))
	if err != nil {
		t.Fatalf("reopen after tear: %v", err)
	}
	defer l2.Close()

	if l2.LastRoot() != wantRoot {
		t.Fatalf("LastRoot after tear = %v, want %v", l2.LastRoot(), wantRoot)
	}
	for i, addr := range addrs {
		rec, err := l2.Read(addr)
		if err != nil {
			t.Fatalf("Read #%d after recovery: %v", i, err)
		}
		if want := fmt.Sprintf("v%02d", i); string(rec.Data) != want {
			t.Fatalf("Read #%d after recovery = %q, want %q", i, rec.Data, want)
		}
	}
	if _, err := l2.Read(afterRoot); err == nil {
		t.Fatalf("record past the last root should not survive recovery")
	}
}

func TestBackupMetadataRestore(t *testing.T) {
	dir := t.TempDir()
	fio, err := NewFileDataIO(dir+"/data", "seg")
	if err != nil {
		t.Fatalf("NewFileDataIO: %v", err)
	}
	cfg := testConfig(fio)
	cfg.MetaDir = dir

	l, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	var addrs []common.Address
	for i := 0; i < 10; i++ {
		addr, err := l.Write(1, uint64(i), []byte(fmt.Sprintf("v%d", i)), nil)
		if err != nil {
			t.Fatalf("Write: %v", err)
		}
		addrs = append(addrs, addr)
	}
	wantRoot := addrs[len(addrs)-1]
	if _, err := l.Write(common.TypeDatabaseRoot, uint64(wantRoot), nil, nil); err != nil {
		t.Fatalf("Write root marker: %v", err)
	}
	l.SetLastRoot(wantRoot)
	if err := l.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	// Records written after the backup point, enough to roll into a
	// second segment.
	var late common.Address
	for i := 0; i < 70; i++ {
		addr, err := l.Write(1, 100+uint64(i), []byte(fmt.Sprintf("late-%02d", i)), nil)
		if err != nil {
			t.Fatalf("Write: %v", err)
		}
		late = addr
	}
	if l.Blocks().Len() < 2 {
		t.Fatalf("expected the late records to roll into a second segment")
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// A restore pins the log back to the first page of the first segment.
	backup := common.BackupMetadata{
		StartupMetadata: common.StartupMetadata{
			FormatVersion:   formatVersion,
			PageSize:        cfg.PageSize,
			FileLengthBound: cfg.FileLengthBound,
			RootAddress:     wantRoot,
		},
		LastFileAddress: 0,
		LastFileOffset:  int64(cfg.PageSize),
	}
	if err := writeBackupMetadata(dir, backup); err != nil {
		t.Fatalf("writeBackupMetadata: %v", err)
	}

	fio2, err := NewFileDataIO(dir+"/data", "seg")
	if err != nil {
		t.Fatalf("NewFileDataIO: %v", err)
	}
	cfg2 := testConfig(fio2)
	cfg2.MetaDir = dir
	l2, err := Open(cfg2)
	if err != nil {
		t.Fatalf("reopen after restore: %v", err)
	}
	defer l2.Close()

	if l2.Blocks().Len() != 1 {
		t.Fatalf("segments after restore = %d, want 1", l2.Blocks().Len())
	}
	if l2.LastRoot() != wantRoot {
		t.Fatalf("LastRoot after restore = %v, want %v", l2.LastRoot(), wantRoot)
	}
	for i, addr := range addrs {
		rec, err := l2.Read(addr)
		if err != nil {
			t.Fatalf("Read #%d after restore: %v", i, err)
		}
		if want := fmt.Sprintf("v%d", i); string(rec.Data) != want {
			t.Fatalf("Read #%d after restore = %q, want %q", i, rec.Data, want)
		}
	}
	if _, err := l2.Read(late); err == nil {
		t.Fatalf("record from the removed segment should not be readable")
	}
}

func TestEncryptedLogRoundTrip(t *testing.T) {
	var key [32]byte
	for i := range key {
		key[i] = byte(i * 3)
	}
	mem := NewMemoryDataIO()
	cfg := testConfig(mem)
	cfg.Cipher = crypto.NewChaCha20Provider(key)
	cfg.BasicIV = 0x5eed

	l, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	var addrs []common.Address
	for i := 0; i < 10; i++ {
		addr, err := l.Write(1, uint64(i), []byte(fmt.Sprintf("secret-%d", i)), nil)
		if err != nil {
			t.Fatalf("Write: %v", err)
		}
		addrs = append(addrs, addr)
	}
	wantRoot := addrs[len(addrs)-1]
	if _, err := l.Write(common.TypeDatabaseRoot, uint64(wantRoot), nil, nil); err != nil {
		t.Fatalf("Write root marker: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// The raw segment bytes must not leak plaintext.
	raw := make([]byte, 128)
	if err := mem.ReadAt(0, 0, raw); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if bytes.Contains(raw, []byte("secret-0")) {
		t.Fatalf("segment bytes contain plaintext")
	}

	// Same key reads everything back.
	l2, err := Open(cfg)
	if err != nil {
		t.Fatalf("reopen with same key: %v", err)
	}
	for i, addr := range addrs {
		rec, err := l2.Read(addr)
		if err != nil {
			t.Fatalf("Read #%d: %v", i, err)
		}
		if want := fmt.Sprintf("secret-%d", i); string(rec.Data) != want {
			t.Fatalf("Read #%d = %q, want %q", i, rec.Data, want)
		}
	}
	if err := l2.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// A different key must never recover the committed root.
	var bad [32]byte
	bad[0] = 0xFF
	badCfg := testConfig(mem)
	badCfg.Cipher = crypto.NewChaCha20Provider(bad)
	badCfg.BasicIV = 0x5eed
	l3, err := Open(badCfg)
	if err == nil {
		if l3.LastRoot() == wantRoot {
			t.Fatalf("open with the wrong key recovered the root")
		}
		l3.Close()
	}
}

func TestExplicitWriteWindow(t *testing.T) {
	l, err := Open(testConfig(NewMemoryDataIO()))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	l.BeginWrite()
	a1, err := l.Write(1, 1, []byte("a"), nil)
	if err != nil {
		t.Fatalf("Write within window: %v", err)
	}
	a2, err := l.Write(1, 2, []byte("b"), nil)
	if err != nil {
		t.Fatalf("Write within window: %v", err)
	}
	l.EndWrite()

	if a2 <= a1 {
		t.Fatalf("second write address %v should be after first %v", a2, a1)
	}
	if l.HighAddress() <= a1 {
		t.Fatalf("HighAddress should advance past both writes within one window")
	}
}
