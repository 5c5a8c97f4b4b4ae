package patricia

import (
	"fmt"
	"testing"

	"github.com/intellect4all/kvstore/common"
	"github.com/intellect4all/kvstore/log"
	"github.com/intellect4all/kvstore/reclaim"
)

func openTestLog(t *testing.T) *log.Log {
	t.Helper()
	cfg := log.Config{
		Writer:          log.NewMemoryDataIO(),
		PageSize:        256,
		FileLengthBound: 256 * 16,
	}
	l, err := log.Open(cfg)
	if err != nil {
		t.Fatalf("log.Open: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestPutGetRoundTrip(t *testing.T) {
	l := openTestLog(t)
	mt, err := NewMutableTree(&ImmutableTree{log: l, treeID: 1, root: common.NullAddress})
	if err != nil {
		t.Fatalf("NewMutableTree: %v", err)
	}

	l.BeginWrite()
	if err := mt.Put([]byte("apple"), []byte("red")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := mt.Put([]byte("app"), []byte("short")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := mt.Put([]byte("application"), []byte("long")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	root, err := mt.Save()
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	l.EndWrite()

	snap := Open(l, 1, root)
	for key, want := range map[string]string{"apple": "red", "app": "short", "application": "long"} {
		v, ok, err := snap.Get([]byte(key))
		if err != nil || !ok || string(v) != want {
			t.Fatalf("Get(%s) = %q, %v, %v; want %q", key, v, ok, err, want)
		}
	}
	if _, ok, err := snap.Get([]byte("appl")); err != nil || ok {
		t.Fatalf("Get(appl) should miss, got ok=%v err=%v", ok, err)
	}
	if _, ok, err := snap.Get([]byte("banana")); err != nil || ok {
		t.Fatalf("Get(banana) should miss, got ok=%v err=%v", ok, err)
	}
}

func TestDuplicateValues(t *testing.T) {
	l := openTestLog(t)
	mt, err := NewMutableTree(&ImmutableTree{log: l, treeID: 2, root: common.NullAddress})
	if err != nil {
		t.Fatalf("NewMutableTree: %v", err)
	}

	l.BeginWrite()
	if err := mt.Add([]byte("k"), []byte("v1")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := mt.Add([]byte("k"), []byte("v2")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := mt.PutRight([]byte("k"), []byte("v3")); err != nil {
		t.Fatalf("PutRight: %v", err)
	}
	root, err := mt.Save()
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	l.EndWrite()

	snap := Open(l, 2, root)
	all, err := snap.GetAll([]byte("k"))
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("GetAll len = %d, want 3", len(all))
	}
}

func TestBranchingAndCursor(t *testing.T) {
	l := openTestLog(t)
	mt, err := NewMutableTree(&ImmutableTree{log: l, treeID: 3, root: common.NullAddress})
	if err != nil {
		t.Fatalf("NewMutableTree: %v", err)
	}

	l.BeginWrite()
	const n = 40
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%03d", i))
		val := []byte(fmt.Sprintf("val-%03d", i))
		if err := mt.Put(key, val); err != nil {
			t.Fatalf("Put(%s): %v", key, err)
		}
	}
	root, err := mt.Save()
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	l.EndWrite()

	snap := Open(l, 3, root)
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key-%03d", i)
		want := fmt.Sprintf("val-%03d", i)
		v, ok, err := snap.Get([]byte(key))
		if err != nil || !ok || string(v) != want {
			t.Fatalf("Get(%s) = %q, %v, %v; want %q", key, v, ok, err, want)
		}
	}

	c := NewCursor(l, root)
	count := 0
	var prev string
	for c.Next() {
		k := string(c.Key())
		if count > 0 && k <= prev {
			t.Fatalf("cursor not in order: %q after %q", k, prev)
		}
		prev = k
		count++
	}
	if err := c.Error(); err != nil {
		t.Fatalf("cursor error: %v", err)
	}
	if count != n {
		t.Fatalf("cursor visited %d entries, want %d", count, n)
	}
}

func TestDeleteValueCollapsesDuplicates(t *testing.T) {
	l := openTestLog(t)
	mt, err := NewMutableTree(&ImmutableTree{log: l, treeID: 5, root: common.NullAddress})
	if err != nil {
		t.Fatalf("NewMutableTree: %v", err)
	}

	l.BeginWrite()
	for _, v := range []string{"a", "b", "c"} {
		if err := mt.Add([]byte("k"), []byte(v)); err != nil {
			t.Fatalf("Add(%s): %v", v, err)
		}
	}
	if got := mt.Size(); got != 3 {
		t.Fatalf("Size = %d, want 3", got)
	}
	if err := mt.DeleteValue([]byte("k"), []byte("b")); err != nil {
		t.Fatalf("DeleteValue: %v", err)
	}
	if err := mt.DeleteValue([]byte("k"), []byte("zz")); err != common.ErrKeyNotFound {
		t.Fatalf("DeleteValue of an absent value = %v, want ErrKeyNotFound", err)
	}
	root, err := mt.Save()
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	l.EndWrite()

	snap := Open(l, 5, root)
	all, err := snap.GetAll([]byte("k"))
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(all) != 2 || string(all[0]) != "a" || string(all[1]) != "c" {
		t.Fatalf("GetAll after DeleteValue = %q, want [a c]", all)
	}
	size, err := snap.Size()
	if err != nil || size != 2 {
		t.Fatalf("Size after DeleteValue = %d, %v; want 2", size, err)
	}
}

func TestSizeSurvivesSaveAndReload(t *testing.T) {
	l := openTestLog(t)
	mt, err := NewMutableTree(&ImmutableTree{log: l, treeID: 6, root: common.NullAddress})
	if err != nil {
		t.Fatalf("NewMutableTree: %v", err)
	}

	l.BeginWrite()
	for i := 0; i < 5; i++ {
		if err := mt.Put([]byte(fmt.Sprintf("k%d", i)), []byte("v")); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	if err := mt.Add([]byte("k0"), []byte("v2")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	root, err := mt.Save()
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	l.EndWrite()

	mt2, err := NewMutableTree(Open(l, 6, root))
	if err != nil {
		t.Fatalf("NewMutableTree reload: %v", err)
	}
	if got := mt2.Size(); got != 6 {
		t.Fatalf("Size after reload = %d, want 6", got)
	}
	l.BeginWrite()
	if err := mt2.Delete([]byte("k0")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := mt2.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	l.EndWrite()
	if got := mt2.Size(); got != 4 {
		t.Fatalf("Size after deleting a 2-value key = %d, want 4", got)
	}
}

func TestDeleteAndReclaim(t *testing.T) {
	l := openTestLog(t)
	mt, err := NewMutableTree(&ImmutableTree{log: l, treeID: 4, root: common.NullAddress})
	if err != nil {
		t.Fatalf("NewMutableTree: %v", err)
	}

	l.BeginWrite()
	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("k%d", i)
		if err := mt.Put([]byte(key), []byte("v")); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	root, err := mt.Save()
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	l.EndWrite()

	mt2, err := NewMutableTree(Open(l, 4, root))
	if err != nil {
		t.Fatalf("NewMutableTree: %v", err)
	}
	l.BeginWrite()
	if err := mt2.Delete([]byte("k3")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	root2, err := mt2.Save()
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	l.EndWrite()

	snap := Open(l, 4, root2)
	if _, ok, _ := snap.Get([]byte("k3")); ok {
		t.Fatalf("k3 should be deleted")
	}
	if v, ok, _ := snap.Get([]byte("k7")); !ok || string(v) != "v" {
		t.Fatalf("k7 should survive delete")
	}

	r := NewReclaimer(l, 4, root2)
	newRoot, err := reclaim.Reclaim(r)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	snap2 := Open(l, 4, newRoot)
	if v, ok, _ := snap2.Get([]byte("k7")); !ok || string(v) != "v" {
		t.Fatalf("k7 should survive reclaim")
	}
}
