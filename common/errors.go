package common

import "errors"

var (
	ErrKeyNotFound = errors.New("key not found")
	ErrDiskFull    = errors.New("disk full")

	ErrClosed   = errors.New("storage engine closed")
	ErrKeyEmpty = errors.New("key cannot be empty")
)

// ErrorKind classifies the sentinel errors the core can raise so callers
// can switch on kind instead of matching strings.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindDataCorruption
	KindBlockNotFound
	KindInvalidCipherParameters
	KindTooBigLoggable
	KindInvalidSetting
	KindExodusFailure
)

var (
	// ErrDataCorruption: checksum failure, invalid type/structure-id/length,
	// unexpected file length, misaligned address.
	ErrDataCorruption = errors.New("data corruption")

	// ErrBlockNotFound: reference to an address whose segment has been
	// deleted or never existed.
	ErrBlockNotFound = errors.New("block not found")

	// ErrInvalidCipherParameters: key/IV mismatch detected when no valid
	// root can be located despite a non-empty log.
	ErrInvalidCipherParameters = errors.New("invalid cipher parameters")

	// ErrTooBigLoggable: a single record larger than a segment.
	ErrTooBigLoggable = errors.New("loggable too big for a segment")

	// ErrInvalidSetting: configuration incompatible with the on-disk
	// header (page size multiples, format version).
	ErrInvalidSetting = errors.New("invalid setting")

	// ErrExodusFailure: catch-all for assertion violations (unexpected
	// reader implementation, unreleasable resources).
	ErrExodusFailure = errors.New("exodus failure")
)

// Kind classifies err (or a wrapped cause of it) into one of the kinds
// above. Returns KindNone for errors outside that taxonomy.
func Kind(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrDataCorruption):
		return KindDataCorruption
	case errors.Is(err, ErrBlockNotFound):
		return KindBlockNotFound
	case errors.Is(err, ErrInvalidCipherParameters):
		return KindInvalidCipherParameters
	case errors.Is(err, ErrTooBigLoggable):
		return KindTooBigLoggable
	case errors.Is(err, ErrInvalidSetting):
		return KindInvalidSetting
	case errors.Is(err, ErrExodusFailure):
		return KindExodusFailure
	default:
		return KindNone
	}
}
