package patricia

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/intellect4all/kvstore/common"
)

// node is a compressed-trie page: it carries the byte
// sequence shared by every key passing through it (prefix), an optional
// value for the key that ends exactly here, and a sorted set of child
// edges dispatched by their first byte. A child's own prefix already
// begins with its dispatch label, so a label is only a fast-lookup
// shortcut, not additional information.
//
// Duplicate values reuse the same single-leaf-page decorator as btree:
// value holds either an inline bytestring or, once a key has more than
// one value, the 8-byte address of a leaf page listing them (dup set).
type node struct {
	prefix   common.Bytestring
	hasValue bool
	dup      bool
	value    common.Bytestring
	labels   []byte
	children []common.Address
}

// leafNode is one duplicate-value chain, identical in shape to btree's.
type leafNode struct {
	values []common.Bytestring
}

func typeFor(isRoot bool) byte {
	if isRoot {
		return common.TypePatriciaRoot
	}
	return common.TypePatriciaNode
}

func isNodeType(typ byte) bool {
	return typ == common.TypePatriciaNode || typ == common.TypePatriciaRoot
}

// splitNodeData splits a root record's data into the tree's entry count
// and the node payload. Non-root records pass through unchanged with a
// zero count.
func splitNodeData(typ byte, data []byte) (uint64, []byte, error) {
	if typ != common.TypePatriciaRoot {
		return 0, data, nil
	}
	size, n := common.Uvarint(data)
	if n <= 0 {
		return 0, nil, fmt.Errorf("patricia: %w: bad root size prefix", common.ErrDataCorruption)
	}
	return size, data[n:], nil
}

// prependSize attaches the entry-count prefix a root record carries.
func prependSize(size uint64, payload []byte) []byte {
	buf := make([]byte, common.VarintSize(size)+len(payload))
	n := common.PutUvarint(buf, size)
	copy(buf[n:], payload)
	return buf
}

func searchLabel(labels []byte, b byte) (int, bool) {
	idx := sort.Search(len(labels), func(i int) bool { return labels[i] >= b })
	if idx < len(labels) && labels[idx] == b {
		return idx, true
	}
	return idx, false
}

func commonPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

func bytestringToAddr(b common.Bytestring) common.Address {
	return common.Address(binary.BigEndian.Uint64(b))
}

func addrToBytestring(a common.Address) common.Bytestring {
	b := make(common.Bytestring, 8)
	binary.BigEndian.PutUint64(b, uint64(a))
	return b
}

func encodeNode(n node) []byte {
	size := common.VarintSize(uint64(len(n.prefix))) + len(n.prefix) + 1
	if n.hasValue {
		if n.dup {
			size += 8
		} else {
			size += common.VarintSize(uint64(len(n.value))) + len(n.value)
		}
	}
	size += common.VarintSize(uint64(len(n.labels)))
	size += len(n.labels) * (1 + 8)

	buf := make([]byte, size)
	off := common.PutUvarint(buf, uint64(len(n.prefix)))
	off += copy(buf[off:], n.prefix)

	var flags byte
	if n.hasValue {
		flags |= 1
	}
	if n.dup {
		flags |= 2
	}
	buf[off] = flags
	off++

	if n.hasValue {
		if n.dup {
			binary.BigEndian.PutUint64(buf[off:], uint64(bytestringToAddr(n.value)))
			off += 8
		} else {
			off += common.PutUvarint(buf[off:], uint64(len(n.value)))
			off += copy(buf[off:], n.value)
		}
	}

	off += common.PutUvarint(buf[off:], uint64(len(n.labels)))
	for i, lbl := range n.labels {
		buf[off] = lbl
		off++
		binary.BigEndian.PutUint64(buf[off:], uint64(n.children[i]))
		off += 8
	}
	return buf
}

func decodeNode(data []byte) (node, error) {
	var n node
	plen, k := common.Uvarint(data)
	if k <= 0 {
		return n, fmt.Errorf("patricia: %w: bad prefix length", common.ErrDataCorruption)
	}
	off := k
	if off+int(plen) > len(data) {
		return n, fmt.Errorf("patricia: %w: prefix overruns page", common.ErrDataCorruption)
	}
	n.prefix = append(common.Bytestring(nil), data[off:off+int(plen)]...)
	off += int(plen)

	if off >= len(data) {
		return n, fmt.Errorf("patricia: %w: node truncated before flags", common.ErrDataCorruption)
	}
	flags := data[off]
	off++
	n.hasValue = flags&1 != 0
	n.dup = flags&2 != 0

	if n.hasValue {
		if n.dup {
			if off+8 > len(data) {
				return n, fmt.Errorf("patricia: %w: dup address truncated", common.ErrDataCorruption)
			}
			n.value = addrToBytestring(common.Address(binary.BigEndian.Uint64(data[off:])))
			off += 8
		} else {
			vlen, vk := common.Uvarint(data[off:])
			if vk <= 0 {
				return n, fmt.Errorf("patricia: %w: bad value length", common.ErrDataCorruption)
			}
			off += vk
			if off+int(vlen) > len(data) {
				return n, fmt.Errorf("patricia: %w: value overruns page", common.ErrDataCorruption)
			}
			n.value = append(common.Bytestring(nil), data[off:off+int(vlen)]...)
			off += int(vlen)
		}
	}

	count, ck := common.Uvarint(data[off:])
	if ck <= 0 {
		return n, fmt.Errorf("patricia: %w: bad child count", common.ErrDataCorruption)
	}
	off += ck
	n.labels = make([]byte, count)
	n.children = make([]common.Address, count)
	for i := 0; i < int(count); i++ {
		if off+1+8 > len(data) {
			return n, fmt.Errorf("patricia: %w: child entry truncated", common.ErrDataCorruption)
		}
		n.labels[i] = data[off]
		off++
		n.children[i] = common.Address(binary.BigEndian.Uint64(data[off:]))
		off += 8
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
		return n, fmt.Errorf("patricia: %w: bad leaf value count", common.ErrDataCorruption)
	}
	off := k
	n.values = make([]common.Bytestring, count)
	for i := range n.values {
		vlen, vk := common.Uvarint(data[off:])
		if vk <= 0 {
			return n, fmt.Errorf("patricia: %w: bad leaf value length", common.ErrDataCorruption)
		}
		off += vk
		if off+int(vlen) > len(data) {
			return n, fmt.Errorf("patricia: %w: leaf value overruns page", common.ErrDataCorruption)
		}
		n.values[i] = append(common.Bytestring(nil), data[off:off+int(vlen)]...)
		off += int(vlen)
	}
	return n, nil
}
