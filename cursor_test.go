package bptreekv

import (
	"bytes"
	"strconv"
	"testing"
)

func TestCursorForwardIteration(t *testing.T) {
	db := newTestDB(t, nil)
	keys := []string{"c", "a", "e", "b", "d"}
	for _, k := range keys {
		mustPut(t, db, k, k+k)
	}

	tx, err := db.Begin(false)
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	defer tx.Rollback()

	cur := tx.Cursor()
	k, v, err := cur.First()
	if err != nil {
		t.Fatalf("first failed: %v", err)
	}
	want := []string{"a", "b", "c", "d", "e"}
	var got []string
	for k != nil {
		got = append(got, string(k))
		if string(v) != string(k)+string(k) {
			t.Fatalf("value mismatch for %q: %q", k, v)
		}
		k, v, err = cur.Next()
		if err != nil {
			t.Fatalf("next failed: %v", err)
		}
	}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestCursorSeek(t *testing.T) {
	db := newTestDB(t, nil)
	for _, k := range []string{"10", "20", "30", "40"} {
		mustPut(t, db, k, "v"+k)
	}

	tx, err := db.Begin(false)
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	defer tx.Rollback()

	cur := tx.Cursor()

	// Exact match.
	k, v, err := cur.Seek([]byte("20"))
	if err != nil {
		t.Fatalf("seek failed: %v", err)
	}
	if string(k) != "20" || string(v) != "v20" {
		t.Fatalf("expected 20/v20, got %q/%q", k, v)
	}

	// Between two keys: lands on the next one.
	k, _, err = cur.Seek([]byte("25"))
	if err != nil {
		t.Fatalf("seek failed: %v", err)
	}
	if string(k) != "30" {
		t.Fatalf("expected 30, got %q", k)
	}

	// Past the last key: end of tree.
	k, v, err = cur.Seek([]byte("99"))
	if err != nil {
		t.Fatalf("seek failed: %v", err)
	}
	if k != nil || v != nil {
		t.Fatalf("expected end-of-tree, got %q/%q", k, v)
	}

	// Before the first key.
	k, _, err = cur.Seek([]byte("00"))
	if err != nil {
		t.Fatalf("seek failed: %v", err)
	}
	if string(k) != "10" {
		t.Fatalf("expected 10, got %q", k)
	}
}

func TestCursorSeekPastEndOfLeafCrossesToNextLeaf(t *testing.T) {
	db := newTestDB(t, nil)
	// Enough keys, each large enough, to force at least one split so a
	// seek landing past the end of one leaf must cross into the next.
	key := func(i int) string {
		return string(bytes.Repeat([]byte{byte('a' + i%26)}, 32)) + strconv.Itoa(i)
	}
	n := 300
	for i := 0; i < n; i++ {
		mustPut(t, db, key(i), "value-padding-to-force-splits-0123456789")
	}

	tx, err := db.Begin(false)
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	defer tx.Rollback()

	if depth := treeDepth(t, tx); depth < 2 {
		t.Fatalf("expected a multi-level tree, got depth %d", depth)
	}

	cur := tx.Cursor()
	seekCur := tx.Cursor()
	count := 0
	k, _, err := cur.First()
	if err != nil {
		t.Fatalf("first failed: %v", err)
	}
	var prev []byte
	for k != nil {
		if prev != nil && bytes.Compare(prev, k) >= 0 {
			t.Fatalf("keys out of order: %q then %q", prev, k)
		}
		if prev != nil {
			// prev+"\x00" is the smallest key above prev; at a leaf
			// boundary this seek lands past the end of prev's leaf.
			sk, _, err := seekCur.Seek(append(append([]byte(nil), prev...), 0))
			if err != nil {
				t.Fatalf("seek failed: %v", err)
			}
			if !bytes.Equal(sk, k) {
				t.Fatalf("seek just past %q: expected %q, got %q", prev, k, sk)
			}
		}
		prev = append([]byte(nil), k...)
		count++
		k, _, err = cur.Next()
		if err != nil {
			t.Fatalf("next failed: %v", err)
		}
	}
	if count != n {
		t.Fatalf("expected %d keys, traversed %d", n, count)
	}
}
