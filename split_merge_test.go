package bptreekv

import (
	"bytes"
	"fmt"
	"testing"
)

func bigKV(i int) ([]byte, []byte) {
	key := []byte(fmt.Sprintf("k%031d", i)) // 32 bytes
	value := bytes.Repeat([]byte{byte('A' + i%26)}, 64)
	return key, value
}

// TestForcesSplit is spec.md §8 scenario 4: 200 keys of 32-byte key /
// 64-byte value each inside one transaction, committed once; the
// resulting tree must be at least two levels deep and every key must
// still be retrievable.
func TestForcesSplit(t *testing.T) {
	db := newTestDB(t, nil)

	tx, err := db.Begin(true)
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	const n = 200
	for i := 0; i < n; i++ {
		k, v := bigKV(i)
		if err := tx.Put(k, v); err != nil {
			t.Fatalf("put failed at %d: %v", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	ro, err := db.Begin(false)
	if err != nil {
		t.Fatalf("begin ro failed: %v", err)
	}
	defer ro.Rollback()

	if depth := treeDepth(t, ro); depth < 2 {
		t.Fatalf("expected tree depth >= 2 after forcing a split, got %d", depth)
	}

	for i := 0; i < n; i++ {
		k, want := bigKV(i)
		got, err := ro.Get(k)
		if err != nil {
			t.Fatalf("get failed at %d: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("value mismatch at %d: got %q want %q", i, got, want)
		}
	}
}

// TestForcesMerge is spec.md §8 scenario 5: after scenario 4, delete
// every other key across several transactions; afterward no non-root
// node should be under-full while it still has a mergeable sibling, and
// every surviving key must remain retrievable.
func TestForcesMerge(t *testing.T) {
	db := newTestDB(t, nil)

	tx, err := db.Begin(true)
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	const n = 200
	for i := 0; i < n; i++ {
		k, v := bigKV(i)
		if err := tx.Put(k, v); err != nil {
			t.Fatalf("put failed at %d: %v", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	// Delete every other key, spread across several transactions.
	for i := 0; i < n; i += 2 {
		tx, err := db.Begin(true)
		if err != nil {
			t.Fatalf("begin failed at %d: %v", i, err)
		}
		k, _ := bigKV(i)
		if err := tx.Delete(k); err != nil {
			t.Fatalf("delete failed at %d: %v", i, err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("commit failed at %d: %v", i, err)
		}
	}

	ro, err := db.Begin(false)
	if err != nil {
		t.Fatalf("begin ro failed: %v", err)
	}
	defer ro.Rollback()

	for i := 0; i < n; i++ {
		k, want := bigKV(i)
		got, err := ro.Get(k)
		if err != nil {
			t.Fatalf("get failed at %d: %v", i, err)
		}
		if i%2 == 0 {
			if got != nil {
				t.Fatalf("expected %d to be deleted, got %q", i, got)
			}
			continue
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("value mismatch at %d: got %q want %q", i, got, want)
		}
	}

	assertNoUnderfullNonRoot(t, ro)
}

// assertNoUnderfullNonRoot walks the materialized tree (forcing every
// node to load) and checks spec.md §8's "Rebalance floor" property: no
// non-root node should be at or under its minimum key count while still
// having a sibling it could have merged with. Since rebalance always
// runs before spill, a committed tree should never expose this state.
func assertNoUnderfullNonRoot(t *testing.T, tx *Tx) {
	t.Helper()
	root, err := tx.rootNode()
	if err != nil {
		t.Fatalf("rootNode failed: %v", err)
	}
	pageSize := tx.PageSize()
	var walk func(n *node, isRoot bool) int
	walk = func(n *node, isRoot bool) int {
		minKeys := n.minKeys()
		if !isRoot && len(n.inodes) <= minKeys && n.size(pageSize) <= pageSize/4 {
			t.Fatalf("non-root node has only %d inodes (min %d) and size %d (<= P/4 %d)",
				len(n.inodes), minKeys, n.size(pageSize), pageSize/4)
		}
		siblings := 0
		if !n.isLeaf {
			for i := range n.inodes {
				child, err := tx.childAt(n, i)
				if err != nil {
					t.Fatalf("childAt failed: %v", err)
				}
				siblings += walk(child, false)
			}
		}
		return siblings + 1
	}
	walk(root, true)
}
