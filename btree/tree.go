// Package btree implements a B+-tree index persisted as records in a
// log.Log: an immutable, content-addressed tree of pages with a
// copy-on-write mutable wrapper for transactions. Internal pages route by
// key, bottom pages hold the real entries, and leaf pages carry the value
// lists of keys that have duplicates.
package btree

import (
	"fmt"
	"sort"

	"github.com/intellect4all/kvstore/common"
	"github.com/intellect4all/kvstore/log"
)

// BalancePolicy bounds page fanout explicitly, since page capacity here is
// a property of the log rather than of a fixed node byte size.
type BalancePolicy struct {
	MaxFanout int
	MinFanout int
}

// DefaultBalancePolicy is tuned for small test fixtures; production callers
// size MaxFanout off the configured log page size.
func DefaultBalancePolicy() BalancePolicy {
	return BalancePolicy{MaxFanout: 64, MinFanout: 16}
}

// ImmutableTree is a read-only snapshot rooted at a fixed log address. Gets
// and cursors decode pages on demand through the log's page cache; nothing
// is cached tree-side.
type ImmutableTree struct {
	log    *log.Log
	treeID uint64
	root   common.Address
	policy BalancePolicy
}

// Open returns a read-only snapshot of the tree rooted at root. root may be
// common.NullAddress for an empty tree.
func Open(l *log.Log, treeID uint64, root common.Address, policy BalancePolicy) *ImmutableTree {
	return &ImmutableTree{log: l, treeID: treeID, root: root, policy: policy}
}

// Root returns the snapshot's root address.
func (t *ImmutableTree) Root() common.Address { return t.root }

// Size returns the total number of key/value pairs in the snapshot,
// counting duplicates individually, as recorded in the root record.
func (t *ImmutableTree) Size() (uint64, error) {
	if !t.root.Valid() {
		return 0, nil
	}
	rec, err := t.log.Read(t.root)
	if err != nil {
		return 0, err
	}
	size, _, err := splitRootData(rec.Type, rec.Data)
	return size, err
}

// Get returns the first value stored for key.
func (t *ImmutableTree) Get(key []byte) ([]byte, bool, error) {
	addr := t.root
	k := common.Bytestring(key)
	for addr.Valid() {
		rec, err := t.log.Read(addr)
		if err != nil {
			return nil, false, err
		}
		kind, ok := kindOf(rec.Type)
		if !ok {
			return nil, false, fmt.Errorf("btree: %w: unexpected record type at %d", common.ErrDataCorruption, addr)
		}
		_, payload, err := splitRootData(rec.Type, rec.Data)
		if err != nil {
			return nil, false, err
		}
		if kind == KindInternal {
			in, err := decodeInternal(payload)
			if err != nil {
				return nil, false, err
			}
			addr = in.children[searchInternalSlot(in.keys, k)]
			continue
		}
		bn, err := decodeBottom(payload)
		if err != nil {
			return nil, false, err
		}
		idx, found := searchBottom(bn.keys, k)
		if !found {
			return nil, false, nil
		}
		if !bn.dup[idx] {
			return []byte(bn.values[idx]), true, nil
		}
		return t.firstDupValue(bn.values[idx])
	}
	return nil, false, nil
}

// GetAll returns every value stored for key, in value-sorted order.
func (t *ImmutableTree) GetAll(key []byte) ([][]byte, error) {
	addr := t.root
	k := common.Bytestring(key)
	for addr.Valid() {
		rec, err := t.log.Read(addr)
		if err != nil {
			return nil, err
		}
		kind, ok := kindOf(rec.Type)
		if !ok {
			return nil, fmt.Errorf("btree: %w: unexpected record type at %d", common.ErrDataCorruption, addr)
		}
		_, payload, err := splitRootData(rec.Type, rec.Data)
		if err != nil {
			return nil, err
		}
		if kind == KindInternal {
			in, err := decodeInternal(payload)
			if err != nil {
				return nil, err
			}
			addr = in.children[searchInternalSlot(in.keys, k)]
			continue
		}
		bn, err := decodeBottom(payload)
		if err != nil {
			return nil, err
		}
		idx, found := searchBottom(bn.keys, k)
		if !found {
			return nil, nil
		}
		if !bn.dup[idx] {
			return [][]byte{[]byte(bn.values[idx])}, nil
		}
		lrec, err := t.log.Read(bytestringToAddr(bn.values[idx]))
		if err != nil {
			return nil, err
		}
		ln, err := decodeLeaf(lrec.Data)
		if err != nil {
			return nil, err
		}
		out := make([][]byte, len(ln.values))
		for i, v := range ln.values {
			out[i] = []byte(v)
		}
		return out, nil
	}
	return nil, nil
}

func (t *ImmutableTree) firstDupValue(addrBytes common.Bytestring) ([]byte, bool, error) {
	lrec, err := t.log.Read(bytestringToAddr(addrBytes))
	if err != nil {
		return nil, false, err
	}
	ln, err := decodeLeaf(lrec.Data)
	if err != nil {
		return nil, false, err
	}
	if len(ln.values) == 0 {
		return nil, false, nil
	}
	return []byte(ln.values[0]), true, nil
}

func searchInternalSlot(keys []common.Bytestring, key common.Bytestring) int {
	return sort.Search(len(keys), func(i int) bool { return common.Compare(key, keys[i]) < 0 })
}

func searchBottom(keys []common.Bytestring, key common.Bytestring) (int, bool) {
	idx := sort.Search(len(keys), func(i int) bool { return common.Compare(keys[i], key) >= 0 })
	return idx, idx < len(keys) && common.Compare(keys[idx], key) == 0
}

// node is a decoded, possibly-dirty in-memory page. A node is clean
// (addr.Valid() && !dirty) when its on-disk bytes at addr are still
// current; any mutation expires the old record and marks the node dirty,
// and Save gives it a fresh address.
type node struct {
	addr   common.Address
	length int64
	dirty  bool
	kind   Kind

	// internal
	keys      []common.Bytestring
	childAddr []common.Address
	childNode []*node

	// bottom
	dup     []bool
	values  []common.Bytestring
	dupAddr []common.Address
	dupNode []*node

	// leaf (dup sub-tree page): values reused above
}

// frame is one level of the explicit traversal stack Put/Delete build
// while descending; nodes carry no parent pointers.
type frame struct {
	n    *node
	slot int
}

// MutableTree is a single-writer transaction over a tree: it clones pages
// into memory on first touch and only assigns them real addresses at Save.
// Superseded records are collected as expired loggables and handed to the
// log with the root write for dead-byte accounting.
type MutableTree struct {
	log     *log.Log
	treeID  uint64
	policy  BalancePolicy
	root    *node
	size    uint64
	expired []common.ExpiredLoggable
}

// NewMutableTree opens a transaction against snap.
func NewMutableTree(snap *ImmutableTree) (*MutableTree, error) {
	t := &MutableTree{log: snap.log, treeID: snap.treeID, policy: snap.policy}
	if !snap.root.Valid() {
		t.root = &node{kind: KindBottom, dirty: true, addr: common.NullAddress}
		return t, nil
	}
	rec, err := t.log.Read(snap.root)
	if err != nil {
		return nil, err
	}
	root, size, err := t.decodeRecord(rec)
	if err != nil {
		return nil, err
	}
	t.root = root
	t.size = size
	return t, nil
}

// Size reports the total number of key/value pairs in the working copy,
// counting duplicates individually.
func (t *MutableTree) Size() uint64 { return t.size }

func (t *MutableTree) decodeRecord(rec common.Loggable) (*node, uint64, error) {
	kind, ok := kindOf(rec.Type)
	if !ok {
		return nil, 0, fmt.Errorf("btree: %w: unexpected record type at %d", common.ErrDataCorruption, rec.Address)
	}
	size, payload, err := splitRootData(rec.Type, rec.Data)
	if err != nil {
		return nil, 0, err
	}
	n := &node{addr: rec.Address, length: rec.EncodedLength(), kind: kind}
	switch kind {
	case KindInternal:
		in, err := decodeInternal(payload)
		if err != nil {
			return nil, 0, err
		}
		n.keys = in.keys
		n.childAddr = in.children
		n.childNode = make([]*node, len(in.children))
	case KindBottom:
		bn, err := decodeBottom(payload)
		if err != nil {
			return nil, 0, err
		}
		n.keys = bn.keys
		n.dup = bn.dup
		n.values = bn.values
		n.dupAddr = make([]common.Address, len(bn.keys))
		n.dupNode = make([]*node, len(bn.keys))
		for i, isDup := range bn.dup {
			if isDup {
				n.dupAddr[i] = bytestringToAddr(bn.values[i])
			}
		}
	case KindLeaf:
		ln, err := decodeLeaf(payload)
		if err != nil {
			return nil, 0, err
		}
		n.values = ln.values
	}
	return n, size, nil
}

func (t *MutableTree) decode(addr common.Address) (*node, error) {
	rec, err := t.log.Read(addr)
	if err != nil {
		return nil, err
	}
	n, _, err := t.decodeRecord(rec)
	return n, err
}

func (t *MutableTree) loadChild(n *node, i int) (*node, error) {
	if n.childNode[i] != nil {
		return n.childNode[i], nil
	}
	c, err := t.decode(n.childAddr[i])
	if err != nil {
		return nil, err
	}
	n.childNode[i] = c
	return c, nil
}

func (t *MutableTree) loadDup(n *node, i int) (*node, error) {
	if n.dupNode[i] != nil {
		return n.dupNode[i], nil
	}
	c, err := t.decode(n.dupAddr[i])
	if err != nil {
		return nil, err
	}
	n.dupNode[i] = c
	return c, nil
}

// descend walks from root to the bottom page owning key, recording the
// (node, slot) frame at each internal level.
func (t *MutableTree) descend(key common.Bytestring) ([]frame, *node, error) {
	var stack []frame
	cur := t.root
	for cur.kind == KindInternal {
		i := searchInternalSlot(cur.keys, key)
		stack = append(stack, frame{n: cur, slot: i})
		child, err := t.loadChild(cur, i)
		if err != nil {
			return nil, nil, err
		}
		cur = child
	}
	return stack, cur, nil
}

// Get reads through the in-progress transaction (including uncommitted
// writes).
func (t *MutableTree) Get(key []byte) ([]byte, bool, error) {
	_, bottom, err := t.descend(common.Bytestring(key))
	if err != nil {
		return nil, false, err
	}
	idx, found := searchBottom(bottom.keys, common.Bytestring(key))
	if !found {
		return nil, false, nil
	}
	if !bottom.dup[idx] {
		return []byte(bottom.values[idx]), true, nil
	}
	dl, err := t.loadDup(bottom, idx)
	if err != nil {
		return nil, false, err
	}
	if len(dl.values) == 0 {
		return nil, false, nil
	}
	return []byte(dl.values[0]), true, nil
}

// Put upserts key to a single value, collapsing away any existing
// duplicate sub-tree for key.
func (t *MutableTree) Put(key, value []byte) error {
	return t.insert(key, value, false)
}

// Add always inserts value as an additional duplicate for key, regardless
// of whether key already has a value.
func (t *MutableTree) Add(key, value []byte) error {
	return t.insert(key, value, true)
}

// PutRight inserts value as a duplicate positioned after all existing
// values for key, skipping the sorted-insert scan Add performs. Callers
// must guarantee value sorts at-or-after the current maximum; the
// precondition is not checked.
func (t *MutableTree) PutRight(key, value []byte) error {
	return t.appendDup(key, value)
}

func (t *MutableTree) insert(key, value []byte, asDup bool) error {
	k := common.Bytestring(key)
	v := common.Bytestring(value)
	stack, bottom, err := t.descend(k)
	if err != nil {
		return err
	}
	idx, found := searchBottom(bottom.keys, k)
	if found {
		if !asDup {
			if bottom.dup[idx] {
				dl, err := t.loadDup(bottom, idx)
				if err != nil {
					return err
				}
				t.expire(dl)
				t.size -= uint64(len(dl.values)) - 1
			}
			bottom.dup[idx] = false
			bottom.dupAddr[idx] = common.NullAddress
			bottom.dupNode[idx] = nil
			bottom.values[idx] = v
			t.markDirty(stack, bottom)
			return nil
		}
		return t.addDupAt(stack, bottom, idx, v, true)
	}
	t.insertBottomAt(bottom, idx, k, false, v, nil)
	t.markDirty(stack, bottom)
	t.size++
	if len(bottom.keys) > t.policy.MaxFanout {
		t.splitBottom(stack, bottom)
	}
	return nil
}

func (t *MutableTree) appendDup(key, value []byte) error {
	k := common.Bytestring(key)
	v := common.Bytestring(value)
	stack, bottom, err := t.descend(k)
	if err != nil {
		return err
	}
	idx, found := searchBottom(bottom.keys, k)
	if !found {
		t.insertBottomAt(bottom, idx, k, false, v, nil)
		t.markDirty(stack, bottom)
		t.size++
		if len(bottom.keys) > t.policy.MaxFanout {
			t.splitBottom(stack, bottom)
		}
		return nil
	}
	return t.addDupAt(stack, bottom, idx, v, false)
}

// addDupAt inserts v as an additional duplicate value at bottom slot idx,
// promoting an inline value into a one-page duplicate sub-tree the first
// time a key gains a second value. With sorted set (Add) v goes to its
// sorted position; otherwise (PutRight) it is appended after the others.
func (t *MutableTree) addDupAt(stack []frame, bottom *node, idx int, v common.Bytestring, sorted bool) error {
	if !bottom.dup[idx] {
		values := []common.Bytestring{bottom.values[idx], v}
		if sorted && common.Compare(v, bottom.values[idx]) < 0 {
			values = []common.Bytestring{v, bottom.values[idx]}
		}
		dl := &node{kind: KindLeaf, dirty: true, addr: common.NullAddress, values: values}
		bottom.dup[idx] = true
		bottom.dupAddr[idx] = common.NullAddress
		bottom.dupNode[idx] = dl
		t.markDirty(stack, bottom)
		t.size++
		return nil
	}
	dl, err := t.loadDup(bottom, idx)
	if err != nil {
		return err
	}
	t.expire(dl)
	if sorted {
		pos := sort.Search(len(dl.values), func(i int) bool { return common.Compare(dl.values[i], v) >= 0 })
		dl.values = insertBytestring(dl.values, pos, v)
	} else {
		dl.values = append(dl.values, v)
	}
	dl.dirty = true
	t.markDirty(stack, bottom)
	t.size++
	return nil
}

func (t *MutableTree) insertBottomAt(n *node, idx int, key common.Bytestring, dup bool, value common.Bytestring, dupNode *node) {
	n.keys = insertBytestring(n.keys, idx, key)
	n.dup = insertBool(n.dup, idx, dup)
	n.values = insertBytestring(n.values, idx, value)
	n.dupAddr = insertAddr(n.dupAddr, idx, common.NullAddress)
	n.dupNode = insertNode(n.dupNode, idx, dupNode)
}

// Delete removes every value stored for key.
func (t *MutableTree) Delete(key []byte) error {
	k := common.Bytestring(key)
	stack, bottom, err := t.descend(k)
	if err != nil {
		return err
	}
	idx, found := searchBottom(bottom.keys, k)
	if !found {
		return common.ErrKeyNotFound
	}
	if bottom.dup[idx] {
		dl, err := t.loadDup(bottom, idx)
		if err != nil {
			return err
		}
		t.expire(dl)
		t.size -= uint64(len(dl.values))
	} else {
		t.size--
	}
	t.removeSlot(stack, bottom, idx)
	return nil
}

// DeleteValue removes one (key, value) pair, leaving key's other
// duplicates in place. A duplicate sub-tree shrinking to one value is
// collapsed back to an inline value.
func (t *MutableTree) DeleteValue(key, value []byte) error {
	k := common.Bytestring(key)
	v := common.Bytestring(value)
	stack, bottom, err := t.descend(k)
	if err != nil {
		return err
	}
	idx, found := searchBottom(bottom.keys, k)
	if !found {
		return common.ErrKeyNotFound
	}
	if !bottom.dup[idx] {
		if common.Compare(bottom.values[idx], v) != 0 {
			return common.ErrKeyNotFound
		}
		t.size--
		t.removeSlot(stack, bottom, idx)
		return nil
	}
	dl, err := t.loadDup(bottom, idx)
	if err != nil {
		return err
	}
	pos := -1
	for i, dv := range dl.values {
		if common.Compare(dv, v) == 0 {
			pos = i
			break
		}
	}
	if pos < 0 {
		return common.ErrKeyNotFound
	}
	t.expire(dl)
	dl.values = removeAt(dl.values, pos)
	dl.dirty = true
	t.size--
	if len(dl.values) == 1 {
		bottom.dup[idx] = false
		bottom.values[idx] = dl.values[0]
		bottom.dupAddr[idx] = common.NullAddress
		bottom.dupNode[idx] = nil
	}
	t.markDirty(stack, bottom)
	return nil
}

// removeSlot drops entry idx from bottom and dirties the path. Underfull
// bottom/internal pages are not merged or redistributed after delete (see
// DESIGN.md); correctness of lookups and cursors does not depend on fill
// factor, only on sortedness.
func (t *MutableTree) removeSlot(stack []frame, bottom *node, idx int) {
	bottom.keys = removeAt(bottom.keys, idx)
	bottom.dup = removeBoolAt(bottom.dup, idx)
	bottom.values = removeAt(bottom.values, idx)
	bottom.dupAddr = removeAddrAt(bottom.dupAddr, idx)
	bottom.dupNode = removeNodeAt(bottom.dupNode, idx)
	t.markDirty(stack, bottom)
}

// expire records n's on-disk incarnation as superseded, once. Nodes that
// are already dirty (or never saved) have no live record to expire.
func (t *MutableTree) expire(n *node) {
	if n != nil && !n.dirty && n.addr.Valid() {
		t.expired = append(t.expired, common.ExpiredLoggable{Address: n.addr, Length: n.length})
	}
}

func (t *MutableTree) markDirty(stack []frame, leaf *node) {
	t.expire(leaf)
	leaf.dirty = true
	for _, f := range stack {
		t.expire(f.n)
		f.n.dirty = true
	}
}

func (t *MutableTree) splitBottom(stack []frame, left *node) {
	mid := len(left.keys) / 2
	right := &node{
		kind:    KindBottom,
		dirty:   true,
		addr:    common.NullAddress,
		keys:    append([]common.Bytestring(nil), left.keys[mid:]...),
		dup:     append([]bool(nil), left.dup[mid:]...),
		values:  append([]common.Bytestring(nil), left.values[mid:]...),
		dupAddr: append([]common.Address(nil), left.dupAddr[mid:]...),
		dupNode: append([]*node(nil), left.dupNode[mid:]...),
	}
	left.keys = append([]common.Bytestring(nil), left.keys[:mid]...)
	left.dup = append([]bool(nil), left.dup[:mid]...)
	left.values = append([]common.Bytestring(nil), left.values[:mid]...)
	left.dupAddr = append([]common.Address(nil), left.dupAddr[:mid]...)
	left.dupNode = append([]*node(nil), left.dupNode[:mid]...)
	sepKey := right.keys[0]
	t.insertIntoParent(stack, left, sepKey, right)
}

func (t *MutableTree) splitInternal(stack []frame, left *node) {
	mid := len(left.keys) / 2
	promoted := left.keys[mid]
	right := &node{
		kind:      KindInternal,
		dirty:     true,
		addr:      common.NullAddress,
		keys:      append([]common.Bytestring(nil), left.keys[mid+1:]...),
		childAddr: append([]common.Address(nil), left.childAddr[mid+1:]...),
		childNode: append([]*node(nil), left.childNode[mid+1:]...),
	}
	left.keys = append([]common.Bytestring(nil), left.keys[:mid]...)
	left.childAddr = append([]common.Address(nil), left.childAddr[:mid+1]...)
	left.childNode = append([]*node(nil), left.childNode[:mid+1]...)
	t.insertIntoParent(stack, left, promoted, right)
}

func (t *MutableTree) insertIntoParent(stack []frame, left *node, sepKey common.Bytestring, right *node) {
	if len(stack) == 0 {
		t.root = &node{
			kind:      KindInternal,
			dirty:     true,
			addr:      common.NullAddress,
			keys:      []common.Bytestring{sepKey},
			childAddr: []common.Address{common.NullAddress, common.NullAddress},
			childNode: []*node{left, right},
		}
		return
	}
	top := stack[len(stack)-1]
	rest := stack[:len(stack)-1]
	p := top.n
	slot := top.slot
	p.childNode[slot] = left
	p.keys = insertBytestring(p.keys, slot, sepKey)
	p.childAddr = insertAddr(p.childAddr, slot+1, common.NullAddress)
	p.childNode = insertNode(p.childNode, slot+1, right)
	p.dirty = true
	if len(p.keys) > t.policy.MaxFanout {
		t.splitInternal(rest, p)
	}
}

// Save persists every dirty page depth-first (leaves, then bottoms, then
// internals, then the root) and returns the tree's new root address. The
// root record's data is the entry count followed by the root page bytes;
// the expired loggables collected during mutation ride along with the
// root write. Subtrees untouched since the last Save keep their original
// address and are not rewritten.
func (t *MutableTree) Save() (common.Address, error) {
	addr, err := t.save(t.root, true)
	if err != nil {
		return common.NullAddress, err
	}
	t.expired = nil
	return addr, nil
}

// rootData prefixes a root page's bytes with the tree's entry count.
func (t *MutableTree) rootData(page []byte) []byte {
	return prependSize(t.size, page)
}

func (t *MutableTree) save(n *node, isRoot bool) (common.Address, error) {
	if !n.dirty && n.addr.Valid() {
		return n.addr, nil
	}
	var exp []common.ExpiredLoggable
	switch n.kind {
	case KindInternal:
		for i, c := range n.childNode {
			if c == nil {
				continue
			}
			addr, err := t.save(c, false)
			if err != nil {
				return common.NullAddress, err
			}
			n.childAddr[i] = addr
		}
		data := encodeInternal(internalNode{keys: n.keys, children: n.childAddr})
		if isRoot {
			data = t.rootData(data)
			exp = t.expired
		}
		addr, err := t.log.Write(typeFor(KindInternal, isRoot), t.treeID, data, exp)
		if err != nil {
			return common.NullAddress, err
		}
		n.addr = addr
		n.dirty = false
		return addr, nil

	case KindBottom:
		values := make([]common.Bytestring, len(n.values))
		copy(values, n.values)
		for i, dc := range n.dupNode {
			if dc == nil {
				continue
			}
			addr, err := t.save(dc, false)
			if err != nil {
				return common.NullAddress, err
			}
			n.dupAddr[i] = addr
			values[i] = addrToBytestring(addr)
		}
		data := encodeBottom(bottomNode{keys: n.keys, dup: n.dup, values: values})
		if isRoot {
			data = t.rootData(data)
			exp = t.expired
		}
		addr, err := t.log.Write(typeFor(KindBottom, isRoot), t.treeID, data, exp)
		if err != nil {
			return common.NullAddress, err
		}
		n.addr = addr
		n.dirty = false
		return addr, nil

	default: // KindLeaf
		data := encodeLeaf(leafNode{values: n.values})
		addr, err := t.log.Write(common.TypeTreeLeaf, t.treeID, data, nil)
		if err != nil {
			return common.NullAddress, err
		}
		n.addr = addr
		n.dirty = false
		return addr, nil
	}
}

func insertBytestring(s []common.Bytestring, i int, v common.Bytestring) []common.Bytestring {
	s = append(s, nil)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func insertBool(s []bool, i int, v bool) []bool {
	s = append(s, false)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func insertAddr(s []common.Address, i int, v common.Address) []common.Address {
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func insertNode(s []*node, i int, v *node) []*node {
	s = append(s, nil)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func removeAt(s []common.Bytestring, i int) []common.Bytestring {
	return append(s[:i:i], s[i+1:]...)
}

func removeBoolAt(s []bool, i int) []bool {
	return append(s[:i:i], s[i+1:]...)
}

func removeAddrAt(s []common.Address, i int) []common.Address {
	return append(s[:i:i], s[i+1:]...)
}

func removeNodeAt(s []*node, i int) []*node {
	return append(s[:i:i], s[i+1:]...)
}
