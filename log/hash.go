package log

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/intellect4all/kvstore/crypto"
)

// cipherIV computes the effective per-page IV.
func cipherIV(basicIV, addr uint64) uint64 {
	return crypto.EffectiveIV(basicIV, addr)
}

// pageHash computes the 64-bit trailer hash over a full page's data
// region. xxhash64: fast, non-cryptographic, exactly what a per-page
// integrity trailer needs.
func pageHash(dataRegion []byte) uint64 {
	return xxhash.Sum64(dataRegion)
}

// writeHashTrailer computes and writes the big-endian hash code into the
// last HashCodeSize bytes of a full page buffer.
func writeHashTrailer(page []byte, dataRegionLen int) {
	h := pageHash(page[:dataRegionLen])
	binary.BigEndian.PutUint64(page[dataRegionLen:], h)
}

// verifyHashTrailer reports whether the stored trailer matches the
// recomputed hash of the page's data region.
func verifyHashTrailer(page []byte, dataRegionLen int) bool {
	stored := binary.BigEndian.Uint64(page[dataRegionLen:])
	return stored == pageHash(page[:dataRegionLen])
}
