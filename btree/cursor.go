package btree

import (
	"github.com/intellect4all/kvstore/common"
	"github.com/intellect4all/kvstore/log"
)

// entry is one materialized (key, value) pair produced by a cursor walk.
type entry struct {
	key   common.Bytestring
	value common.Bytestring
}

// Cursor iterates a snapshot's entries in key order. It implements
// common.Iterator. A Cursor walks its whole snapshot eagerly at open time
// (see DESIGN.md): simpler than incremental descent and still
// point-in-time-consistent, at the cost of holding the full key/value set
// in memory for the life of the cursor.
type Cursor struct {
	entries []entry
	pos     int
	err     error
}

// NewCursor opens a cursor over the tree rooted at root, positioned before
// the first entry.
func NewCursor(l *log.Log, root common.Address) *Cursor {
	c := &Cursor{pos: -1}
	c.err = collect(l, root, &c.entries)
	return c
}

func collect(l *log.Log, addr common.Address, out *[]entry) error {
	if !addr.Valid() {
		return nil
	}
	rec, err := l.Read(addr)
	if err != nil {
		return err
	}
	kind, ok := kindOf(rec.Type)
	if !ok {
		return common.ErrDataCorruption
	}
	_, payload, err := splitRootData(rec.Type, rec.Data)
	if err != nil {
		return err
	}
	if kind == KindInternal {
		in, err := decodeInternal(payload)
		if err != nil {
			return err
		}
		for _, child := range in.children {
			if err := collect(l, child, out); err != nil {
				return err
			}
		}
		return nil
	}
	bn, err := decodeBottom(payload)
	if err != nil {
		return err
	}
	for i, key := range bn.keys {
		if !bn.dup[i] {
			*out = append(*out, entry{key: key, value: bn.values[i]})
			continue
		}
		lrec, err := l.Read(bytestringToAddr(bn.values[i]))
		if err != nil {
			return err
		}
		ln, err := decodeLeaf(lrec.Data)
		if err != nil {
			return err
		}
		for _, v := range ln.values {
			*out = append(*out, entry{key: key, value: v})
		}
	}
	return nil
}

// Next advances the cursor. Call before the first Key()/Value().
func (c *Cursor) Next() bool {
	if c.err != nil || c.pos+1 >= len(c.entries) {
		return false
	}
	c.pos++
	return true
}

// Key returns the current entry's key.
func (c *Cursor) Key() []byte {
	if c.pos < 0 || c.pos >= len(c.entries) {
		return nil
	}
	return []byte(c.entries[c.pos].key)
}

// Value returns the current entry's value.
func (c *Cursor) Value() []byte {
	if c.pos < 0 || c.pos >= len(c.entries) {
		return nil
	}
	return []byte(c.entries[c.pos].value)
}

// Error returns any error encountered while building the cursor.
func (c *Cursor) Error() error { return c.err }

// Close is a no-op; a Cursor holds no resources beyond its materialized
// entry list.
func (c *Cursor) Close() error { return nil }
