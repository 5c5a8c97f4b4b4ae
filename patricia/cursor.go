package patricia

import (
	"github.com/intellect4all/kvstore/common"
	"github.com/intellect4all/kvstore/log"
)

// entry is one materialized (key, value) pair produced by a cursor walk.
type entry struct {
	key   common.Bytestring
	value common.Bytestring
}

// Cursor iterates a snapshot's entries in key order, eagerly materialized
// at open time (same simplification as btree.Cursor, see DESIGN.md).
type Cursor struct {
	entries []entry
	pos     int
	err     error
}

// NewCursor opens a cursor over the tree rooted at root, positioned before
// the first entry.
func NewCursor(l *log.Log, root common.Address) *Cursor {
	c := &Cursor{pos: -1}
	c.err = collect(l, root, nil, &c.entries)
	return c
}

func collect(l *log.Log, addr common.Address, prefix []byte, out *[]entry) error {
	if !addr.Valid() {
		return nil
	}
	rec, err := l.Read(addr)
	if err != nil {
		return err
	}
	if !isNodeType(rec.Type) {
		return common.ErrDataCorruption
	}
	_, payload, err := splitNodeData(rec.Type, rec.Data)
	if err != nil {
		return err
	}
	n, err := decodeNode(payload)
	if err != nil {
		return err
	}
	key := append(append([]byte(nil), prefix...), n.prefix...)

	if n.hasValue {
		if !n.dup {
			*out = append(*out, entry{key: common.Bytestring(key), value: n.value})
		} else {
			lrec, err := l.Read(bytestringToAddr(n.value))
			if err != nil {
				return err
			}
			ln, err := decodeLeaf(lrec.Data)
			if err != nil {
				return err
			}
			for _, v := range ln.values {
				*out = append(*out, entry{key: common.Bytestring(key), value: v})
			}
		}
	}
	for _, child := range n.children {
		if err := collect(l, child, key, out); err != nil {
			return err
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
