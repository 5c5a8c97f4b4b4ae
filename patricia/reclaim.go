package patricia

import (
	"fmt"

	"github.com/intellect4all/kvstore/common"
	"github.com/intellect4all/kvstore/log"
)

const (
	kindNode = iota
	kindLeaf
)

// Reclaimer adapts a tree snapshot to reclaim.Reclaimable, the same way
// btree.Reclaimer does for the B+-tree.
type Reclaimer struct {
	log    *log.Log
	treeID uint64
	root   common.Address
}

// NewReclaimer builds a Reclaimable view of the tree rooted at root.
func NewReclaimer(l *log.Log, treeID uint64, root common.Address) *Reclaimer {
	return &Reclaimer{log: l, treeID: treeID, root: root}
}

func (r *Reclaimer) RootAddress() common.Address { return r.root }

func (r *Reclaimer) Kind(addr common.Address) (int, error) {
	rec, err := r.log.Read(addr)
	if err != nil {
		return 0, err
	}
	if isNodeType(rec.Type) {
		return kindNode, nil
	}
	if rec.Type == common.TypeTreeLeaf {
		return kindLeaf, nil
	}
	return 0, fmt.Errorf("patricia: %w: unexpected record type at %d", common.ErrDataCorruption, addr)
}

func (r *Reclaimer) Children(addr common.Address) ([]common.Address, error) {
	rec, err := r.log.Read(addr)
	if err != nil {
		return nil, err
	}
	if !isNodeType(rec.Type) {
		return nil, nil
	}
	_, payload, err := splitNodeData(rec.Type, rec.Data)
	if err != nil {
		return nil, err
	}
	n, err := decodeNode(payload)
	if err != nil {
		return nil, err
	}
	out := append([]common.Address(nil), n.children...)
	if n.dup {
		out = append(out, bytestringToAddr(n.value))
	}
	return out, nil
}

func (r *Reclaimer) Rewrite(addr common.Address, remap map[common.Address]common.Address) (common.Address, error) {
	rec, err := r.log.Read(addr)
	if err != nil {
		return common.NullAddress, err
	}
	expired := []common.ExpiredLoggable{{Address: addr, Length: rec.EncodedLength()}}
	if !isNodeType(rec.Type) {
		// Duplicate-leaf pages have no children to remap; rewrite verbatim.
		return r.log.Write(common.TypeTreeLeaf, r.treeID, rec.Data, expired)
	}
	size, payload, err := splitNodeData(rec.Type, rec.Data)
	if err != nil {
		return common.NullAddress, err
	}
	n, err := decodeNode(payload)
	if err != nil {
		return common.NullAddress, err
	}
	for i, c := range n.children {
		if nc, ok := remap[c]; ok {
			n.children[i] = nc
		}
	}
	if n.dup {
		old := bytestringToAddr(n.value)
		if nc, ok := remap[old]; ok {
			n.value = addrToBytestring(nc)
		}
	}
	isRoot := addr == r.root
	data := encodeNode(n)
	if isRoot {
		data = prependSize(size, data)
	}
	return r.log.Write(typeFor(isRoot), r.treeID, data, expired)
}
