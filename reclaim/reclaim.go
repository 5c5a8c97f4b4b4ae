// Package reclaim implements the tree-agnostic rebuild-into-the-tail
// walk: rather than iterating a segment's records in address order and
// checking liveness bit-by-bit, it walks the tree's own reachability
// graph from its root and rewrites exactly the reachable pages forward.
// The net effect is the same (the live subtree moves into the tail and
// dead records are left behind for their segment to be dropped) with a
// much simpler implementation (see DESIGN.md, "`reclaim/`").
package reclaim

import "github.com/intellect4all/kvstore/common"

// Reclaimable is implemented by both btree and patricia so this package's
// walk never needs to know either tree's page format.
type Reclaimable interface {
	// RootAddress is the tree's current root.
	RootAddress() common.Address

	// Kind classifies the page at addr.
	Kind(addr common.Address) (int, error)

	// Children returns the addresses addr's page directly references:
	// an internal page's routing children, or a bottom page's duplicate
	// sub-tree roots (nil entries skipped). Leaf pages (duplicate
	// sub-tree pages) have no children.
	Children(addr common.Address) ([]common.Address, error)

	// Rewrite re-encodes the page at addr, substituting any child
	// address found in remap, and writes it to the tail via the tree's
	// log. It returns the page's new address.
	Rewrite(addr common.Address, remap map[common.Address]common.Address) (common.Address, error)
}

// Reclaim walks t's live pages reachable from its root and rewrites each
// one forward, returning the tree's new root address. Pages not reachable
// from the root (already-superseded versions from earlier transactions)
// are left behind, becoming dead bytes in whatever segment they are in.
func Reclaim(t Reclaimable) (common.Address, error) {
	memo := make(map[common.Address]common.Address)
	var walk func(addr common.Address) (common.Address, error)
	walk = func(addr common.Address) (common.Address, error) {
		if !addr.Valid() {
			return common.NullAddress, nil
		}
		if v, ok := memo[addr]; ok {
			return v, nil
		}
		children, err := t.Children(addr)
		if err != nil {
			return common.NullAddress, err
		}
		remap := make(map[common.Address]common.Address, len(children))
		for _, c := range children {
			nc, err := walk(c)
			if err != nil {
				return common.NullAddress, err
			}
			remap[c] = nc
		}
		newAddr, err := t.Rewrite(addr, remap)
		if err != nil {
			return common.NullAddress, err
		}
		memo[addr] = newAddr
		return newAddr, nil
	}
	return walk(t.RootAddress())
}
