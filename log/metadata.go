package log

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/intellect4all/kvstore/common"
)

// Startup metadata is a small, separate, fixed-size file, not a segment,
// so it is read and written directly rather than through the DataWriter
// abstraction the segments use.

const (
	startupMetaMagic   = 0x5844_4253 // "XDBS"
	startupMetaSize    = 64
	backupMetaSize     = startupMetaSize + 16
	metaFileName       = "startup.meta"
	backupMetaFileName = "backup.meta"

	// formatVersion identifies the on-disk page/record layout this build
	// writes and reads. A clean-close fast path (recover, below) only
	// trusts startup metadata written by the same version.
	formatVersion = 1
)

func metaPath(dir string) string       { return dir + "/" + metaFileName }
func backupMetaPath(dir string) string { return dir + "/" + backupMetaFileName }

func writeStartupMetadata(dir string, m common.StartupMetadata) error {
	buf := make([]byte, startupMetaSize)
	binary.BigEndian.PutUint32(buf[0:], startupMetaMagic)
	binary.BigEndian.PutUint32(buf[4:], uint32(m.FormatVersion))
	binary.BigEndian.PutUint32(buf[8:], uint32(m.PageSize))
	binary.BigEndian.PutUint64(buf[12:], uint64(m.FileLengthBound))
	binary.BigEndian.PutUint64(buf[20:], uint64(m.RootAddress))
	if m.UsedFirstFile {
		buf[28] = 1
	}
	if m.CleanClose {
		buf[29] = 1
	}
	return os.WriteFile(metaPath(dir), buf, 0o644)
}

func readStartupMetadata(dir string) (common.StartupMetadata, bool, error) {
	buf, err := os.ReadFile(metaPath(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return common.StartupMetadata{}, false, nil
		}
		return common.StartupMetadata{}, false, err
	}
	if len(buf) < startupMetaSize {
		return common.StartupMetadata{}, false, fmt.Errorf("log: %w: truncated startup metadata", common.ErrDataCorruption)
	}
	if binary.BigEndian.Uint32(buf[0:]) != startupMetaMagic {
		return common.StartupMetadata{}, false, fmt.Errorf("log: %w: bad startup metadata magic", common.ErrDataCorruption)
	}
	m := common.StartupMetadata{
		FormatVersion:   int(binary.BigEndian.Uint32(buf[4:])),
		PageSize:        int(binary.BigEndian.Uint32(buf[8:])),
		FileLengthBound: int64(binary.BigEndian.Uint64(buf[12:])),
		RootAddress:     common.Address(binary.BigEndian.Uint64(buf[20:])),
		UsedFirstFile:   buf[28] == 1,
		CleanClose:      buf[29] == 1,
	}
	return m, true, nil
}

func writeBackupMetadata(dir string, m common.BackupMetadata) error {
	buf := make([]byte, backupMetaSize)
	binary.BigEndian.PutUint32(buf[0:], startupMetaMagic)
	binary.BigEndian.PutUint32(buf[4:], uint32(m.FormatVersion))
	binary.BigEndian.PutUint32(buf[8:], uint32(m.PageSize))
	binary.BigEndian.PutUint64(buf[12:], uint64(m.FileLengthBound))
	binary.BigEndian.PutUint64(buf[20:], uint64(m.RootAddress))
	if m.UsedFirstFile {
		buf[28] = 1
	}
	if m.CleanClose {
		buf[29] = 1
	}
	binary.BigEndian.PutUint64(buf[32:], uint64(m.LastFileAddress))
	binary.BigEndian.PutUint64(buf[40:], uint64(m.LastFileOffset))
	return os.WriteFile(backupMetaPath(dir), buf, 0o644)
}

// readBackupMetadata returns the dynamic backup metadata, if present;
// its presence triggers the restore path on open.
func readBackupMetadata(dir string) (common.BackupMetadata, bool, error) {
	buf, err := os.ReadFile(backupMetaPath(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return common.BackupMetadata{}, false, nil
		}
		return common.BackupMetadata{}, false, err
	}
	if len(buf) < backupMetaSize {
		return common.BackupMetadata{}, false, fmt.Errorf("log: %w: truncated backup metadata", common.ErrDataCorruption)
	}
	m := common.BackupMetadata{
		StartupMetadata: common.StartupMetadata{
			FormatVersion:   int(binary.BigEndian.Uint32(buf[4:])),
			PageSize:        int(binary.BigEndian.Uint32(buf[8:])),
			FileLengthBound: int64(binary.BigEndian.Uint64(buf[12:])),
			RootAddress:     common.Address(binary.BigEndian.Uint64(buf[20:])),
			UsedFirstFile:   buf[28] == 1,
			CleanClose:      buf[29] == 1,
		},
		LastFileAddress: common.Address(binary.BigEndian.Uint64(buf[32:])),
		LastFileOffset:  int64(binary.BigEndian.Uint64(buf[40:])),
	}
	return m, true, nil
}

func removeBackupMetadata(dir string) error {
	err := os.Remove(backupMetaPath(dir))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// removeStartupMetadata consumes the clean-close marker: Open reads it at
// most once per close, then removes it immediately so that a crash before
// the next clean Close can never leave a stale "clean" record lying around
// for a later Open to wrongly trust.
func removeStartupMetadata(dir string) error {
	err := os.Remove(metaPath(dir))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
