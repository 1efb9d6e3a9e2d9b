package bptreekv

import (
	"path/filepath"
	"testing"
)

// newTestDB opens a fresh database backed by a temp file, closing it
// automatically when the test ends.
func newTestDB(t *testing.T, opts *Options) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path, opts)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// mustPut commits key=value in its own write transaction.
func mustPut(t *testing.T, db *DB, key, value string) {
	t.Helper()
	tx, err := db.Begin(true)
	if err != nil {
		t.Fatalf("begin rw failed: %v", err)
	}
	if err := tx.Put([]byte(key), []byte(value)); err != nil {
		tx.Rollback()
		t.Fatalf("put %q failed: %v", key, err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
}

// mustGet reads key back inside its own read transaction, returning the
// value or nil if absent.
func mustGet(t *testing.T, db *DB, key string) []byte {
	t.Helper()
	tx, err := db.Begin(false)
	if err != nil {
		t.Fatalf("begin ro failed: %v", err)
	}
	defer tx.Rollback()
	v, err := tx.Get([]byte(key))
	if err != nil {
		t.Fatalf("get %q failed: %v", key, err)
	}
	return v
}

// treeDepth walks leftmost from the root to a leaf, counting levels.
func treeDepth(t *testing.T, tx *Tx) int {
	t.Helper()
	n, err := tx.rootNode()
	if err != nil {
		t.Fatalf("rootNode failed: %v", err)
	}
	depth := 1
	for !n.isLeaf {
		if len(n.inodes) == 0 {
			break
		}
		child, err := tx.childAt(n, 0)
		if err != nil {
			t.Fatalf("childAt failed: %v", err)
		}
		n = child
		depth++
	}
	return depth
}
