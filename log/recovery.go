package log

import (
	"fmt"

	"github.com/intellect4all/kvstore/common"
)

// loadPagesStrict reads every full page of a segment that is assumed
// immutable (length already verified to equal FileLengthBound), verifying
// and decrypting each one. Any failure is fatal: earlier segments are only
// ever made immutable after rollSegment pads them to FileLengthBound, so a
// bad hash there means real corruption, not an ordinary torn tail.
func (l *Log) loadPagesStrict(segAddr common.Address, length int64) ([][]byte, error) {
	if length%int64(l.pageSize) != 0 {
		return nil, fmt.Errorf("log: %w: segment %d length %d is not page-aligned", common.ErrDataCorruption, segAddr, length)
	}
	numFull := int(length / int64(l.pageSize))
	pages := make([][]byte, 0, numFull)
	for i := 0; i < numFull; i++ {
		buf := make([]byte, l.pageSize)
		if err := l.cfg.Writer.ReadAt(segAddr, int64(i)*int64(l.pageSize), buf); err != nil {
			return nil, fmt.Errorf("log: %w: reading page %d of segment %d: %v", common.ErrDataCorruption, i, segAddr, err)
		}
		if !verifyHashTrailer(buf, l.dataRegion) {
			return nil, fmt.Errorf("log: %w: hash mismatch in page %d of segment %d", common.ErrDataCorruption, i, segAddr)
		}
		if l.cfg.Cipher != nil {
			if err := l.decryptPage(buf, segAddr+common.Address(i*l.pageSize)); err != nil {
				return nil, err
			}
		}
		pages = append(pages, buf)
	}
	return pages, nil
}

// loadPagesLenient is the tail-segment counterpart: it stops at the first
// page that fails to read or verify, or if the segment's length is not an
// exact multiple of the page size, and reports that as torn rather than
// erroring outright.
func (l *Log) loadPagesLenient(segAddr common.Address, length int64) (pages [][]byte, torn bool) {
	numFull := int(length / int64(l.pageSize))
	pages = make([][]byte, 0, numFull)
	for i := 0; i < numFull; i++ {
		buf := make([]byte, l.pageSize)
		if err := l.cfg.Writer.ReadAt(segAddr, int64(i)*int64(l.pageSize), buf); err != nil {
			return pages, true
		}
		if !verifyHashTrailer(buf, l.dataRegion) {
			return pages, true
		}
		if l.cfg.Cipher != nil {
			if err := l.decryptPage(buf, segAddr+common.Address(i*l.pageSize)); err != nil {
				return pages, true
			}
		}
		pages = append(pages, buf)
	}
	if length%int64(l.pageSize) != 0 {
		return pages, true
	}
	return pages, false
}

func (l *Log) decryptPage(buf []byte, pageAddr common.Address) error {
	iv := cipherIV(l.cfg.basicIV(), uint64(pageAddr))
	c, err := l.cfg.Cipher.NewCipher(iv)
	if err != nil {
		return fmt.Errorf("log: %w: %v", common.ErrInvalidCipherParameters, err)
	}
	c.XORKeyStream(buf[:l.dataRegion], buf[:l.dataRegion])
	return nil
}

// scanResult is the outcome of walking a segment's verified pages for
// records.
type scanResult struct {
	newHigh     common.Address
	lastRoot    common.Address
	lastRootEnd common.Address
	corrupted   bool
}

// scanSegmentPages walks cleanPages (already verified and decrypted) as a
// sequence of records, stopping cleanly at the first null-padding byte
// with no further page to continue into, or flagging corruption if a
// record's header cannot be decoded or a multi-page record runs past the
// available pages.
func (l *Log) scanSegmentPages(segAddr common.Address, cleanPages [][]byte) scanResult {
	res := scanResult{lastRoot: common.NullAddress, lastRootEnd: common.NullAddress}
	if len(cleanPages) == 0 {
		res.newHigh = segAddr
		return res
	}

	addr := segAddr
	for {
		pageIdx := int(int64(addr-segAddr) / int64(l.pageSize))
		if pageIdx >= len(cleanPages) {
			res.newHigh = addr
			return res
		}
		offset := int(int64(addr-segAddr) % int64(l.pageSize))
		buf := cleanPages[pageIdx]

		if offset >= l.dataRegion || buf[offset] == common.TypeNullPadding {
			next := segAddr + common.Address((pageIdx+1)*l.pageSize)
			if pageIdx+1 >= len(cleanPages) {
				res.newHigh = addr
				return res
			}
			addr = next
			continue
		}

		typ := common.DecodeType(buf[offset])
		sid, n1 := common.Uvarint(buf[offset+1:])
		if n1 <= 0 {
			res.newHigh = addr
			res.corrupted = true
			return res
		}
		dlen, n2 := common.Uvarint(buf[offset+1+n1:])
		if n2 <= 0 {
			res.newHigh = addr
			res.corrupted = true
			return res
		}
		headerLen := 1 + n1 + n2
		dataStart := offset + headerLen
		avail := l.dataRegion - dataStart
		if avail < 0 {
			res.newHigh = addr
			res.corrupted = true
			return res
		}

		var endAddr common.Address
		if int(dlen) <= avail {
			endAddr = addr + common.Address(headerLen) + common.Address(dlen)
		} else {
			remaining := int(dlen) - avail
			curPage := pageIdx
			lastTake := 0
			torn := false
			for remaining > 0 {
				curPage++
				if curPage >= len(cleanPages) {
					torn = true
					break
				}
				take := l.dataRegion
				if remaining < take {
					take = remaining
				}
				remaining -= take
				lastTake = take
			}
			if torn {
				res.newHigh = addr
				res.corrupted = true
				return res
			}
			endAddr = segAddr + common.Address(curPage*l.pageSize) + common.Address(lastTake)
		}

		if typ == common.TypeDatabaseRoot {
			// The marker's own address is just its position in the log; the
			// tree root address it names is carried in the structure-id
			// varint slot (store.setRoot writes it there instead of a data
			// payload, since the header already has a spare uint64).
			res.lastRoot = common.Address(sid)
			res.lastRootEnd = endAddr
		}
		addr = endAddr
	}
}

func (l *Log) scanTrustedSegment(segAddr common.Address, length int64) (common.Address, error) {
	pages, err := l.loadPagesStrict(segAddr, length)
	if err != nil {
		return common.NullAddress, err
	}
	res := l.scanSegmentPages(segAddr, pages)
	if res.corrupted {
		return common.NullAddress, fmt.Errorf("log: %w: corrupt record in immutable segment %d", common.ErrDataCorruption, segAddr)
	}
	return res.lastRoot, nil
}

// scanTailSegment scans the tail segment and, if it finds the segment
// torn or corrupted, truncates back to the last valid root.
func (l *Log) scanTailSegment(segAddr common.Address, length int64) (common.Address, common.Address, error) {
	pages, torn := l.loadPagesLenient(segAddr, length)
	res := l.scanSegmentPages(segAddr, pages)

	if !res.corrupted && !torn {
		return res.newHigh, res.lastRoot, nil
	}

	l.cfg.logger().Warn("log: tail segment torn or corrupt, recovering to last root")
	if !res.lastRoot.Valid() {
		return common.NullAddress, common.NullAddress, fmt.Errorf("log: %w: no valid root in tail segment %d", common.ErrInvalidCipherParameters, segAddr)
	}
	if err := l.truncateToRoot(segAddr, res.lastRootEnd); err != nil {
		return common.NullAddress, common.NullAddress, err
	}
	return res.lastRootEnd, res.lastRoot, nil
}

// truncateToRoot rewrites the page containing rootEnd so its bytes from
// rootEnd onward are zeroed and its hash trailer is consistent, then drops
// any segment bytes beyond that page.
func (l *Log) truncateToRoot(segAddr, rootEnd common.Address) error {
	pageIdx := int(int64(rootEnd-segAddr) / int64(l.pageSize))
	offset := int(int64(rootEnd-segAddr) % int64(l.pageSize))

	buf := make([]byte, l.pageSize)
	if err := l.cfg.Writer.ReadAt(segAddr, int64(pageIdx)*int64(l.pageSize), buf); err != nil {
		return fmt.Errorf("log: truncate-to-root read: %w", err)
	}
	pageAddr := segAddr + common.Address(pageIdx*l.pageSize)
	if l.cfg.Cipher != nil {
		if err := l.decryptPage(buf, pageAddr); err != nil {
			return err
		}
	}
	for i := offset; i < l.dataRegion; i++ {
		buf[i] = 0
	}
	if l.cfg.Cipher != nil {
		iv := cipherIV(l.cfg.basicIV(), uint64(pageAddr))
		c, err := l.cfg.Cipher.NewCipher(iv)
		if err != nil {
			return fmt.Errorf("log: %w: %v", common.ErrInvalidCipherParameters, err)
		}
		c.XORKeyStream(buf[:l.dataRegion], buf[:l.dataRegion])
	}
	writeHashTrailer(buf, l.dataRegion)

	if err := l.cfg.Writer.WriteAt(segAddr, int64(pageIdx)*int64(l.pageSize), buf); err != nil {
		return fmt.Errorf("log: truncate-to-root write: %w", err)
	}
	return l.cfg.Writer.Truncate(segAddr, int64(pageIdx+1)*int64(l.pageSize))
}
