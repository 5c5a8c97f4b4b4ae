package btree

import (
	"encoding/binary"
	"fmt"

	"github.com/intellect4all/kvstore/common"
)

// Kind distinguishes the three page shapes: internal pages route, bottom
// pages hold the tree's real (key, value) entries (or a duplicate
// sub-tree address), and leaf pages hold the sorted value list of one
// duplicate sub-tree.
type Kind int

const (
	KindInternal Kind = iota
	KindBottom
	KindLeaf
)

func kindOf(typ byte) (Kind, bool) {
	switch typ {
	case common.TypeTreeInternalPage, common.TypeTreeInternalRoot:
		return KindInternal, true
	case common.TypeTreeBottomPage, common.TypeTreeBottomRoot:
		return KindBottom, true
	case common.TypeTreeLeaf:
		return KindLeaf, true
	default:
		return 0, false
	}
}

// splitRootData splits a root record's data into the tree's entry count
// and the root page payload. Non-root records pass through unchanged with
// a zero count.
func splitRootData(typ byte, data []byte) (uint64, []byte, error) {
	switch typ {
	case common.TypeTreeBottomRoot, common.TypeTreeInternalRoot:
		size, n := common.Uvarint(data)
		if n <= 0 {
			return 0, nil, fmt.Errorf("btree: %w: bad root size prefix", common.ErrDataCorruption)
		}
		return size, data[n:], nil
	}
	return 0, data, nil
}

func typeFor(k Kind, isRoot bool) byte {
	switch k {
	case KindInternal:
		if isRoot {
			return common.TypeTreeInternalRoot
		}
		return common.TypeTreeInternalPage
	case KindBottom:
		if isRoot {
			return common.TypeTreeBottomRoot
		}
		return common.TypeTreeBottomPage
	default:
		return common.TypeTreeLeaf
	}
}

// internalNode is a routing page: len(children) == len(keys)+1. children[i]
// holds keys strictly less than keys[i] for i < len(keys), and children at
// the last index holds keys >= keys[len(keys)-1].
type internalNode struct {
	keys     []common.Bytestring
	children []common.Address
}

// bottomNode holds the tree's real entries in ascending key order. A slot
// either carries one inline value or, once a key has more than one value,
// the address of a duplicate sub-tree root (a chain of leaf pages).
type bottomNode struct {
	keys   []common.Bytestring
	dup    []bool
	values []common.Bytestring // inline value, or 8-byte big-endian address when dup[i]
}

// leafNode is one page of a duplicate sub-tree: a sorted run of values
// sharing one outer key. Overflow beyond one page is not split into a
// further tree level (see DESIGN.md, "Duplicate-value sub-tree nesting"); a
// full leaf page simply keeps growing, trading perfectly bounded page size for a
// much simpler nested structure.
type leafNode struct {
	values []common.Bytestring
}

func encodeInternal(n internalNode) []byte {
	size := common.VarintSize(uint64(len(n.keys)))
	for _, k := range n.keys {
		size += common.VarintSize(uint64(len(k))) + len(k)
	}
	size += len(n.children) * 8
	buf := make([]byte, size)
	off := common.PutUvarint(buf, uint64(len(n.keys)))
	for _, k := range n.keys {
		off += common.PutUvarint(buf[off:], uint64(len(k)))
		off += copy(buf[off:], k)
	}
	for _, c := range n.children {
		binary.BigEndian.PutUint64(buf[off:], uint64(c))
		off += 8
	}
	return buf
}

func decodeInternal(data []byte) (internalNode, error) {
	var n internalNode
	count, k := common.Uvarint(data)
	if k <= 0 {
		return n, fmt.Errorf("btree: %w: bad internal key count", common.ErrDataCorruption)
	}
	off := k
	n.keys = make([]common.Bytestring, count)
	for i := range n.keys {
		klen, kk := common.Uvarint(data[off:])
		if kk <= 0 {
			return n, fmt.Errorf("btree: %w: bad internal key length", common.ErrDataCorruption)
		}
		off += kk
		if off+int(klen) > len(data) {
			return n, fmt.Errorf("btree: %w: internal key overruns page", common.ErrDataCorruption)
		}
		n.keys[i] = append(common.Bytestring(nil), data[off:off+int(klen)]...)
		off += int(klen)
	}
	n.children = make([]common.Address, count+1)
	for i := range n.children {
		if off+8 > len(data) {
			return n, fmt.Errorf("btree: %w: internal children truncated", common.ErrDataCorruption)
		}
		n.children[i] = common.Address(binary.BigEndian.Uint64(data[off:]))
		off += 8
	}
	return n, nil
}

func encodeBottom(n bottomNode) []byte {
	size := common.VarintSize(uint64(len(n.keys)))
	for i := range n.keys {
		size += common.VarintSize(uint64(len(n.keys[i]))) + len(n.keys[i]) + 1
		if n.dup[i] {
			size += 8
		} else {
			size += common.VarintSize(uint64(len(n.values[i]))) + len(n.values[i])
		}
	}
	buf := make([]byte, size)
	off := common.PutUvarint(buf, uint64(len(n.keys)))
	for i := range n.keys {
		off += common.PutUvarint(buf[off:], uint64(len(n.keys[i])))
		off += copy(buf[off:], n.keys[i])
		if n.dup[i] {
			buf[off] = 1
			off++
			binary.BigEndian.PutUint64(buf[off:], uint64(bytestringToAddr(n.values[i])))
			off += 8
		} else {
			buf[off] = 0
			off++
			off += common.PutUvarint(buf[off:], uint64(len(n.values[i])))
			off += copy(buf[off:], n.values[i])
		}
	}
	return buf
}

func decodeBottom(data []byte) (bottomNode, error) {
	var n bottomNode
	count, k := common.Uvarint(data)
	if k <= 0 {
		return n, fmt.Errorf("btree: %w: bad bottom entry count", common.ErrDataCorruption)
	}
	off := k
	n.keys = make([]common.Bytestring, count)
	n.dup = make([]bool, count)
	n.values = make([]common.Bytestring, count)
	for i := 0; i < int(count); i++ {
		klen, kk := common.Uvarint(data[off:])
		if kk <= 0 {
			return n, fmt.Errorf("btree: %w: bad bottom key length", common.ErrDataCorruption)
		}
		off += kk
		if off+int(klen) > len(data) {
			return n, fmt.Errorf("btree: %w: bottom key overruns page", common.ErrDataCorruption)
		}
		n.keys[i] = append(common.Bytestring(nil), data[off:off+int(klen)]...)
		off += int(klen)
		if off >= len(data) {
			return n, fmt.Errorf("btree: %w: bottom entry truncated", common.ErrDataCorruption)
		}
		isDup := data[off] != 0
		off++
		n.dup[i] = isDup
		if isDup {
			if off+8 > len(data) {
				return n, fmt.Errorf("btree: %w: bottom dup address truncated", common.ErrDataCorruption)
			}
			n.values[i] = addrToBytestring(common.Address(binary.BigEndian.Uint64(data[off:])))
			off += 8
		} else {
			vlen, vk := common.Uvarint(data[off:])
			if vk <= 0 {
				return n, fmt.Errorf("btree: %w: bad bottom value length", common.ErrDataCorruption)
			}
			off += vk
			if off+int(vlen) > len(data) {
				return n, fmt.Errorf("btree: %w: bottom value overruns page", common.ErrDataCorruption)
			}
			n.values[i] = append(common.Bytestring(nil), data[off:off+int(vlen)]...)
			off += int(vlen)
		}
	}
	return n, nil
}

func encodeLeaf(n leafNode) []byte {
	size := common.VarintSize(uint64(len(n.values)))
	for _, v := range n.values {
		size += common.VarintSize(uint64(len(v))) + len(v)
	}
	buf := make([]byte, size)
	off := common.PutUvarint(buf, uint64(len(n.values)))
	for _, v := range n.values {
		off += common.PutUvarint(buf[off:], uint64(len(v)))
		off += copy(buf[off:], v)
	}
	return buf
}

func decodeLeaf(data []byte) (leafNode, error) {
	var n leafNode
	count, k := common.Uvarint(data)
	if k <= 0 {
		return n, fmt.Errorf("btree: %w: bad leaf value count", common.ErrDataCorruption)
	}
	off := k
	n.values = make([]common.Bytestring, count)
	for i := range n.values {
		vlen, vk := common.Uvarint(data[off:])
		if vk <= 0 {
			return n, fmt.Errorf("btree: %w: bad leaf value length", common.ErrDataCorruption)
		}
		off += vk
		if off+int(vlen) > len(data) {
			return n, fmt.Errorf("btree: %w: leaf value overruns page", common.ErrDataCorruption)
		}
		n.values[i] = append(common.Bytestring(nil), data[off:off+int(vlen)]...)
		off += int(vlen)
	}
	return n, nil
}

func bytestringToAddr(b common.Bytestring) common.Address {
	return common.Address(binary.BigEndian.Uint64(b))
}

func addrToBytestring(a common.Address) common.Bytestring {
	b := make(common.Bytestring, 8)
	binary.BigEndian.PutUint64(b, uint64(a))
	return b
}
