package btree

import (
	"fmt"

	"github.com/intellect4all/kvstore/common"
	"github.com/intellect4all/kvstore/log"
)

// Reclaimer adapts a tree snapshot to reclaim.Reclaimable.
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
	k, ok := kindOf(rec.Type)
	if !ok {
		return 0, fmt.Errorf("btree: %w: unexpected record type at %d", common.ErrDataCorruption, addr)
	}
	return int(k), nil
}

func (r *Reclaimer) Children(addr common.Address) ([]common.Address, error) {
	rec, err := r.log.Read(addr)
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
	switch kind {
	case KindInternal:
		in, err := decodeInternal(payload)
		if err != nil {
			return nil, err
		}
		return in.children, nil
	case KindBottom:
		bn, err := decodeBottom(payload)
		if err != nil {
			return nil, err
		}
		var out []common.Address
		for i, isDup := range bn.dup {
			if isDup {
				out = append(out, bytestringToAddr(bn.values[i]))
			}
		}
		return out, nil
	default:
		return nil, nil
	}
}

func (r *Reclaimer) Rewrite(addr common.Address, remap map[common.Address]common.Address) (common.Address, error) {
	rec, err := r.log.Read(addr)
	if err != nil {
		return common.NullAddress, err
	}
	kind, ok := kindOf(rec.Type)
	if !ok {
		return common.NullAddress, fmt.Errorf("btree: %w: unexpected record type at %d", common.ErrDataCorruption, addr)
	}
	isRoot := addr == r.root
	size, payload, err := splitRootData(rec.Type, rec.Data)
	if err != nil {
		return common.NullAddress, err
	}
	expired := []common.ExpiredLoggable{{Address: addr, Length: rec.EncodedLength()}}

	switch kind {
	case KindInternal:
		in, err := decodeInternal(payload)
		if err != nil {
			return common.NullAddress, err
		}
		for i, c := range in.children {
			if nc, ok := remap[c]; ok {
				in.children[i] = nc
			}
		}
		data := encodeInternal(in)
		if isRoot {
			data = prependSize(size, data)
		}
		return r.log.Write(typeFor(KindInternal, isRoot), r.treeID, data, expired)

	case KindBottom:
		bn, err := decodeBottom(payload)
		if err != nil {
			return common.NullAddress, err
		}
		for i, isDup := range bn.dup {
			if !isDup {
				continue
			}
			old := bytestringToAddr(bn.values[i])
			if nc, ok := remap[old]; ok {
				bn.values[i] = addrToBytestring(nc)
			}
		}
		data := encodeBottom(bn)
		if isRoot {
			data = prependSize(size, data)
		}
		return r.log.Write(typeFor(KindBottom, isRoot), r.treeID, data, expired)

	default: // KindLeaf
		return r.log.Write(common.TypeTreeLeaf, r.treeID, rec.Data, expired)
	}
}

// prependSize re-attaches the entry-count prefix a rewritten root record
// carries.
func prependSize(size uint64, page []byte) []byte {
	buf := make([]byte, common.VarintSize(size)+len(page))
	n := common.PutUvarint(buf, size)
	copy(buf[n:], page)
	return buf
}
