package reclaim

import (
	"testing"

	"github.com/intellect4all/kvstore/common"
)

// fakeTree is a minimal in-memory Reclaimable: node N has children edges
// recorded in children[N], and Rewrite hands out fresh addresses from a
// counter stepping by 1000 (1000, 2000, ...) so rewritten copies never
// collide with originals.
type fakeTree struct {
	root       common.Address
	children   map[common.Address][]common.Address
	rewrites   []common.Address
	nextRemapN common.Address
}

func (f *fakeTree) RootAddress() common.Address { return f.root }

func (f *fakeTree) Kind(addr common.Address) (int, error) { return 0, nil }

func (f *fakeTree) Children(addr common.Address) ([]common.Address, error) {
	return f.children[addr], nil
}

func (f *fakeTree) Rewrite(addr common.Address, remap map[common.Address]common.Address) (common.Address, error) {
	f.nextRemapN += 1000
	newAddr := f.nextRemapN
	f.rewrites = append(f.rewrites, addr)
	// carry the (remapped) children forward under the new address so a
	// later reclaim pass can still walk the rewritten tree.
	newChildren := make([]common.Address, 0, len(f.children[addr]))
	for _, c := range f.children[addr] {
		if nc, ok := remap[c]; ok && nc.Valid() {
			newChildren = append(newChildren, nc)
		}
	}
	f.children[newAddr] = newChildren
	return newAddr, nil
}

func TestReclaimRewritesLeavesBeforeParents(t *testing.T) {
	// root -> {a, b}, a -> {c}, b and c are leaves.
	f := &fakeTree{
		root: 1,
		children: map[common.Address][]common.Address{
			1: {2, 3},
			2: {4},
		},
	}

	newRoot, err := Reclaim(f)
	if err != nil {
		t.Fatalf("Reclaim: %v", err)
	}
	if !newRoot.Valid() {
		t.Fatalf("Reclaim returned an invalid root")
	}

	// Every reachable node (1, 2, 3, 4) must have been rewritten exactly
	// once, children strictly before their parents.
	order := map[common.Address]int{}
	for i, addr := range f.rewrites {
		order[addr] = i
	}
	if len(f.rewrites) != 4 {
		t.Fatalf("rewrote %d pages, want 4", len(f.rewrites))
	}
	if order[4] >= order[2] {
		t.Errorf("child 4 rewritten after parent 2")
	}
	if order[2] >= order[1] || order[3] >= order[1] {
		t.Errorf("a child rewritten after root 1")
	}
}

func TestReclaimMemoizesSharedChildren(t *testing.T) {
	// Both root children point at the same grandchild: a dup-chain address
	// shared across two tree nodes, the same shape btree/patricia produce
	// when two keys share one duplicate sub-tree.
	f := &fakeTree{
		root: 1,
		children: map[common.Address][]common.Address{
			1: {2, 3},
			2: {9},
			3: {9},
		},
	}

	if _, err := Reclaim(f); err != nil {
		t.Fatalf("Reclaim: %v", err)
	}

	count := 0
	for _, addr := range f.rewrites {
		if addr == 9 {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("shared child 9 rewritten %d times, want 1 (memoized)", count)
	}
}

func TestReclaimEmptyTree(t *testing.T) {
	f := &fakeTree{root: common.NullAddress, children: map[common.Address][]common.Address{}}

	newRoot, err := Reclaim(f)
	if err != nil {
		t.Fatalf("Reclaim on an empty tree: %v", err)
	}
	if newRoot.Valid() {
		t.Fatalf("Reclaim on an empty tree returned a valid address: %v", newRoot)
	}
	if len(f.rewrites) != 0 {
		t.Fatalf("Reclaim on an empty tree rewrote %d pages, want 0", len(f.rewrites))
	}
}
