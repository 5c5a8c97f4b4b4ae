// Package patricia implements a compressed-trie (radix) index with the
// same external put/add/put-right/delete/get/cursor/save contract as
// btree, stored as a trie whose edges carry shared byte runs instead of
// routing keys. It favors key distributions with long common prefixes;
// the save and reclaim protocols are shared with btree through the log's
// record model.
package patricia

import (
	"sort"

	"github.com/intellect4all/kvstore/common"
	"github.com/intellect4all/kvstore/log"
)

// ImmutableTree is a read-only snapshot rooted at a fixed address,
// mirroring btree.ImmutableTree.
type ImmutableTree struct {
	log    *log.Log
	treeID uint64
	root   common.Address
}

// Open returns a snapshot of the tree identified by treeID rooted at root.
func Open(l *log.Log, treeID uint64, root common.Address) *ImmutableTree {
	return &ImmutableTree{log: l, treeID: treeID, root: root}
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
	size, _, err := splitNodeData(rec.Type, rec.Data)
	return size, err
}

// Get returns the single value stored for key, or ok=false if absent. When
// key carries duplicates, the lowest value in sorted order is returned
// (mirrors btree.ImmutableTree.Get's firstDupValue choice).
func (t *ImmutableTree) Get(key []byte) ([]byte, bool, error) {
	addr := t.root
	remaining := key
	for addr.Valid() {
		rec, err := t.log.Read(addr)
		if err != nil {
			return nil, false, err
		}
		if !isNodeType(rec.Type) {
			return nil, false, common.ErrDataCorruption
		}
		_, payload, err := splitNodeData(rec.Type, rec.Data)
		if err != nil {
			return nil, false, err
		}
		n, err := decodeNode(payload)
		if err != nil {
			return nil, false, err
		}
		cp := commonPrefixLen(remaining, n.prefix)
		if cp != len(n.prefix) {
			return nil, false, nil
		}
		remaining = remaining[cp:]
		if len(remaining) == 0 {
			if !n.hasValue {
				return nil, false, nil
			}
			if !n.dup {
				return []byte(n.value), true, nil
			}
			v, err := t.firstDupValue(n.value)
			return v, v != nil, err
		}
		idx, found := searchLabel(n.labels, remaining[0])
		if !found {
			return nil, false, nil
		}
		addr = n.children[idx]
	}
	return nil, false, nil
}

func (t *ImmutableTree) firstDupValue(encodedAddr common.Bytestring) ([]byte, error) {
	rec, err := t.log.Read(bytestringToAddr(encodedAddr))
	if err != nil {
		return nil, err
	}
	ln, err := decodeLeaf(rec.Data)
	if err != nil {
		return nil, err
	}
	if len(ln.values) == 0 {
		return nil, nil
	}
	return []byte(ln.values[0]), nil
}

// GetAll returns every value stored for key, in ascending order (or
// insertion order for PutRight-appended values).
func (t *ImmutableTree) GetAll(key []byte) ([][]byte, error) {
	addr := t.root
	remaining := key
	for addr.Valid() {
		rec, err := t.log.Read(addr)
		if err != nil {
			return nil, err
		}
		if !isNodeType(rec.Type) {
			return nil, common.ErrDataCorruption
		}
		_, payload, err := splitNodeData(rec.Type, rec.Data)
		if err != nil {
			return nil, err
		}
		n, err := decodeNode(payload)
		if err != nil {
			return nil, err
		}
		cp := commonPrefixLen(remaining, n.prefix)
		if cp != len(n.prefix) {
			return nil, nil
		}
		remaining = remaining[cp:]
		if len(remaining) == 0 {
			if !n.hasValue {
				return nil, nil
			}
			if !n.dup {
				return [][]byte{[]byte(n.value)}, nil
			}
			lrec, err := t.log.Read(bytestringToAddr(n.value))
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
		idx, found := searchLabel(n.labels, remaining[0])
		if !found {
			return nil, nil
		}
		addr = n.children[idx]
	}
	return nil, nil
}

// mnode is an in-memory, possibly-mutated trie node. addr/dirty follow the
// same copy-on-write convention as btree's pages: a node is only
// re-encoded and rewritten by Save when dirty or never yet saved.
type mnode struct {
	addr     common.Address
	length   int64
	dirty    bool
	prefix   common.Bytestring
	hasValue bool
	dup      bool
	value    common.Bytestring // inline value, or dup-leaf address when dup

	labels    []byte
	childAddr []common.Address
	childNode []*mnode // lazily decoded; nil until touched

	dupValues []common.Bytestring
	dupLen    int64
	dupLoaded bool
	dupDirty  bool
}

// putMode distinguishes Put's collapse-to-single-value semantics from
// Add/PutRight's append-a-duplicate semantics (mirrors btree's Put/Add/
// PutRight trio).
type putMode int

const (
	modePut putMode = iota
	modeAdd
	modeRight
)

// MutableTree is a copy-on-write working copy of one ImmutableTree
// snapshot. It is not safe for concurrent use; callers serialize mutation
// the same way btree.MutableTree callers do (the log's single-writer
// window). Superseded records are collected as expired loggables and
// handed to the log with the root write.
type MutableTree struct {
	log     *log.Log
	treeID  uint64
	root    *mnode
	size    uint64
	expired []common.ExpiredLoggable
}

// NewMutableTree opens a mutable working copy over snap.
func NewMutableTree(snap *ImmutableTree) (*MutableTree, error) {
	t := &MutableTree{log: snap.log, treeID: snap.treeID}
	if !snap.root.Valid() {
		t.root = nil
		return t, nil
	}
	rec, err := t.log.Read(snap.root)
	if err != nil {
		return nil, err
	}
	size, _, err := splitNodeData(rec.Type, rec.Data)
	if err != nil {
		return nil, err
	}
	n, err := t.decode(snap.root)
	if err != nil {
		return nil, err
	}
	t.root = n
	t.size = size
	return t, nil
}

// Size reports the total number of key/value pairs in the working copy,
// counting duplicates individually.
func (t *MutableTree) Size() uint64 { return t.size }

func (t *MutableTree) decode(addr common.Address) (*mnode, error) {
	rec, err := t.log.Read(addr)
	if err != nil {
		return nil, err
	}
	if !isNodeType(rec.Type) {
		return nil, common.ErrDataCorruption
	}
	_, payload, err := splitNodeData(rec.Type, rec.Data)
	if err != nil {
		return nil, err
	}
	pn, err := decodeNode(payload)
	if err != nil {
		return nil, err
	}
	return &mnode{
		addr:      addr,
		length:    rec.EncodedLength(),
		prefix:    pn.prefix,
		hasValue:  pn.hasValue,
		dup:       pn.dup,
		value:     pn.value,
		labels:    pn.labels,
		childAddr: pn.children,
		childNode: make([]*mnode, len(pn.children)),
	}, nil
}

func (t *MutableTree) loadChild(parent *mnode, idx int) (*mnode, error) {
	if parent.childNode[idx] != nil {
		return parent.childNode[idx], nil
	}
	n, err := t.decode(parent.childAddr[idx])
	if err != nil {
		return nil, err
	}
	parent.childNode[idx] = n
	return n, nil
}

func (t *MutableTree) ensureDupValues(n *mnode) error {
	if n.dupLoaded {
		return nil
	}
	switch {
	case n.dup:
		rec, err := t.log.Read(bytestringToAddr(n.value))
		if err != nil {
			return err
		}
		ln, err := decodeLeaf(rec.Data)
		if err != nil {
			return err
		}
		n.dupValues = ln.values
		n.dupLen = rec.EncodedLength()
	case n.hasValue:
		n.dupValues = []common.Bytestring{n.value}
	default:
		n.dupValues = nil
	}
	n.dupLoaded = true
	return nil
}

// expire records a node's on-disk incarnation as superseded, once.
func (t *MutableTree) expire(n *mnode) {
	if n != nil && !n.dirty && n.addr.Valid() {
		t.expired = append(t.expired, common.ExpiredLoggable{Address: n.addr, Length: n.length})
	}
}

// expireDupLeaf records a node's on-disk duplicate-leaf page as
// superseded before its value list is first mutated.
func (t *MutableTree) expireDupLeaf(n *mnode) {
	if n.dup && !n.dupDirty && len(n.value) == 8 {
		t.expired = append(t.expired, common.ExpiredLoggable{Address: bytestringToAddr(n.value), Length: n.dupLen})
	}
}

// clone makes a dirty shallow copy of n, expiring n's on-disk record.
func (t *MutableTree) clone(n *mnode) *mnode {
	t.expire(n)
	c := &mnode{
		addr:      common.NullAddress,
		prefix:    n.prefix,
		hasValue:  n.hasValue,
		dup:       n.dup,
		value:     n.value,
		dupValues: n.dupValues,
		dupLen:    n.dupLen,
		dupLoaded: n.dupLoaded,
		dupDirty:  n.dupDirty,
		dirty:     true,
	}
	c.labels = append([]byte(nil), n.labels...)
	c.childAddr = append([]common.Address(nil), n.childAddr...)
	c.childNode = append([]*mnode(nil), n.childNode...)
	return c
}

// Get looks up key in the working copy (read-your-writes within the same
// batch).
func (t *MutableTree) Get(key []byte) ([]byte, bool, error) {
	n := t.root
	remaining := key
	for n != nil {
		cp := commonPrefixLen(remaining, n.prefix)
		if cp != len(n.prefix) {
			return nil, false, nil
		}
		remaining = remaining[cp:]
		if len(remaining) == 0 {
			if !n.hasValue {
				return nil, false, nil
			}
			if err := t.ensureDupValues(n); err != nil {
				return nil, false, err
			}
			if len(n.dupValues) == 0 {
				return nil, false, nil
			}
			return []byte(n.dupValues[0]), true, nil
		}
		idx, found := searchLabel(n.labels, remaining[0])
		if !found {
			return nil, false, nil
		}
		child, err := t.loadChild(n, idx)
		if err != nil {
			return nil, false, err
		}
		n = child
	}
	return nil, false, nil
}

// Put upserts key to a single value, collapsing any existing duplicates.
func (t *MutableTree) Put(key, value []byte) error {
	return t.insert(key, value, modePut)
}

// Add inserts value as an additional duplicate for key, kept in sorted
// order among key's existing values.
func (t *MutableTree) Add(key, value []byte) error {
	return t.insert(key, value, modeAdd)
}

// PutRight appends value as a duplicate for key without a sorted scan,
// landing after every existing value. Callers must guarantee value sorts
// at-or-after the current maximum; the precondition is not checked.
func (t *MutableTree) PutRight(key, value []byte) error {
	return t.insert(key, value, modeRight)
}

func (t *MutableTree) insert(key, value []byte, mode putMode) error {
	n, err := t.putRec(t.root, key, common.Bytestring(append([]byte(nil), value...)), mode)
	if err != nil {
		return err
	}
	t.root = n
	return nil
}

func (t *MutableTree) putRec(n *mnode, key []byte, value common.Bytestring, mode putMode) (*mnode, error) {
	if n == nil {
		t.size++
		return &mnode{addr: common.NullAddress, prefix: common.Bytestring(append([]byte(nil), key...)), hasValue: true, value: value, dirty: true}, nil
	}

	cp := commonPrefixLen(key, n.prefix)

	if cp < len(n.prefix) {
		// Diverges partway through n's edge: split into a branch holding
		// the shared prefix.
		old := t.clone(n)
		old.prefix = n.prefix[cp:]

		branch := &mnode{addr: common.NullAddress, prefix: common.Bytestring(append([]byte(nil), key[:cp]...)), dirty: true}
		t.size++
		if cp == len(key) {
			branch.hasValue = true
			branch.value = value
			branch.labels = []byte{old.prefix[0]}
			branch.childAddr = []common.Address{common.NullAddress}
			branch.childNode = []*mnode{old}
			return branch, nil
		}
		leaf := &mnode{addr: common.NullAddress, prefix: common.Bytestring(append([]byte(nil), key[cp:]...)), hasValue: true, value: value, dirty: true}
		a, b := old.prefix[0], leaf.prefix[0]
		if a < b {
			branch.labels = []byte{a, b}
			branch.childAddr = []common.Address{common.NullAddress, common.NullAddress}
			branch.childNode = []*mnode{old, leaf}
		} else {
			branch.labels = []byte{b, a}
			branch.childAddr = []common.Address{common.NullAddress, common.NullAddress}
			branch.childNode = []*mnode{leaf, old}
		}
		return branch, nil
	}

	// cp == len(n.prefix): key passes fully through this edge.
	clone := t.clone(n)
	rem := key[cp:]

	if len(rem) == 0 {
		switch mode {
		case modePut:
			if err := t.ensureDupValues(clone); err != nil {
				return nil, err
			}
			t.expireDupLeaf(clone)
			t.size -= uint64(len(clone.dupValues))
			t.size++
			clone.hasValue = true
			clone.dup = false
			clone.value = value
			clone.dupValues = nil
			clone.dupLoaded = false
			clone.dupDirty = false
		case modeAdd, modeRight:
			if err := t.ensureDupValues(clone); err != nil {
				return nil, err
			}
			t.expireDupLeaf(clone)
			if mode == modeRight {
				clone.dupValues = append(clone.dupValues, value)
			} else {
				idx := sort.Search(len(clone.dupValues), func(i int) bool {
					return common.Compare(clone.dupValues[i], value) >= 0
				})
				clone.dupValues = append(clone.dupValues, nil)
				copy(clone.dupValues[idx+1:], clone.dupValues[idx:])
				clone.dupValues[idx] = value
			}
			clone.hasValue = true
			clone.dup = true
			clone.dupDirty = true
			t.size++
		}
		return clone, nil
	}

	label := rem[0]
	idx, found := searchLabel(clone.labels, label)
	if found {
		child, err := t.loadChild(clone, idx)
		if err != nil {
			return nil, err
		}
		newChild, err := t.putRec(child, rem, value, mode)
		if err != nil {
			return nil, err
		}
		clone.childNode[idx] = newChild
		clone.childAddr[idx] = common.NullAddress
		return clone, nil
	}

	leaf := &mnode{addr: common.NullAddress, prefix: common.Bytestring(append([]byte(nil), rem...)), hasValue: true, value: value, dirty: true}
	t.size++
	clone.labels = append(clone.labels, 0)
	copy(clone.labels[idx+1:], clone.labels[idx:])
	clone.labels[idx] = label
	clone.childAddr = append(clone.childAddr, common.NullAddress)
	copy(clone.childAddr[idx+1:], clone.childAddr[idx:])
	clone.childAddr[idx] = common.NullAddress
	clone.childNode = append(clone.childNode, nil)
	copy(clone.childNode[idx+1:], clone.childNode[idx:])
	clone.childNode[idx] = leaf
	return clone, nil
}

// Delete removes every value stored for key. It does not merge a
// now-valueless single-child node back into its parent (mirrors btree's
// no-underflow-merge-on-delete simplification, see DESIGN.md); the node
// simply becomes a pass-through hop, which costs an extra traversal step
// but never affects correctness.
func (t *MutableTree) Delete(key []byte) error {
	n, deleted, err := t.deleteRec(t.root, key, nil)
	if err != nil {
		return err
	}
	if !deleted {
		return common.ErrKeyNotFound
	}
	t.root = n
	return nil
}

// DeleteValue removes one (key, value) pair, leaving key's other
// duplicates in place. A duplicate list shrinking to one value collapses
// back to an inline value.
func (t *MutableTree) DeleteValue(key, value []byte) error {
	n, deleted, err := t.deleteRec(t.root, key, common.Bytestring(value))
	if err != nil {
		return err
	}
	if !deleted {
		return common.ErrKeyNotFound
	}
	t.root = n
	return nil
}

// deleteRec removes key's value(s) under n. A nil target removes every
// value for the key; otherwise only the matching value is removed.
func (t *MutableTree) deleteRec(n *mnode, key []byte, target common.Bytestring) (*mnode, bool, error) {
	if n == nil {
		return nil, false, nil
	}
	cp := commonPrefixLen(key, n.prefix)
	if cp != len(n.prefix) {
		return n, false, nil
	}
	rem := key[cp:]
	if len(rem) == 0 {
		if !n.hasValue {
			return n, false, nil
		}
		if err := t.ensureDupValues(n); err != nil {
			return nil, false, err
		}
		if target == nil {
			clone := t.clone(n)
			t.expireDupLeaf(clone)
			t.size -= uint64(len(clone.dupValues))
			clone.hasValue = false
			clone.dup = false
			clone.value = nil
			clone.dupValues = nil
			clone.dupLoaded = true
			clone.dupDirty = false
			return clone, true, nil
		}
		pos := -1
		for i, dv := range n.dupValues {
			if common.Compare(dv, target) == 0 {
				pos = i
				break
			}
		}
		if pos < 0 {
			return n, false, nil
		}
		clone := t.clone(n)
		t.expireDupLeaf(clone)
		clone.dupValues = append(clone.dupValues[:pos:pos], clone.dupValues[pos+1:]...)
		t.size--
		switch len(clone.dupValues) {
		case 0:
			clone.hasValue = false
			clone.dup = false
			clone.value = nil
			clone.dupDirty = false
		case 1:
			clone.hasValue = true
			clone.dup = false
			clone.value = clone.dupValues[0]
			clone.dupDirty = false
		default:
			clone.dup = true
			clone.dupDirty = true
		}
		return clone, true, nil
	}
	idx, found := searchLabel(n.labels, rem[0])
	if !found {
		return n, false, nil
	}
	child, err := t.loadChild(n, idx)
	if err != nil {
		return nil, false, err
	}
	newChild, deleted, err := t.deleteRec(child, rem, target)
	if err != nil || !deleted {
		return n, deleted, err
	}
	clone := t.clone(n)
	clone.childNode[idx] = newChild
	clone.childAddr[idx] = common.NullAddress
	return clone, true, nil
}

// Save persists every dirty node depth-first (children, then duplicate
// leaves, then the node itself), skipping subtrees that were never
// touched, and returns the tree's new root address. The root record's
// data is the entry count followed by the root node bytes; the expired
// loggables collected during mutation ride along with the root write.
func (t *MutableTree) Save() (common.Address, error) {
	if t.root == nil {
		return common.NullAddress, nil
	}
	addr, err := t.save(t.root, true)
	if err != nil {
		return common.NullAddress, err
	}
	t.expired = nil
	return addr, nil
}

func (t *MutableTree) save(n *mnode, isRoot bool) (common.Address, error) {
	if !n.dirty && n.addr.Valid() {
		return n.addr, nil
	}
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
	if n.dup && n.dupDirty {
		addr, err := t.log.Write(common.TypeTreeLeaf, t.treeID, encodeLeaf(leafNode{values: n.dupValues}), nil)
		if err != nil {
			return common.NullAddress, err
		}
		n.value = addrToBytestring(addr)
		n.dupDirty = false
	}
	encoded := encodeNode(node{
		prefix:   n.prefix,
		hasValue: n.hasValue,
		dup:      n.dup,
		value:    n.value,
		labels:   n.labels,
		children: n.childAddr,
	})
	var exp []common.ExpiredLoggable
	if isRoot {
		encoded = prependSize(t.size, encoded)
		exp = t.expired
	}
	addr, err := t.log.Write(typeFor(isRoot), t.treeID, encoded, exp)
	if err != nil {
		return common.NullAddress, err
	}
	n.addr = addr
	n.dirty = false
	return addr, nil
}
