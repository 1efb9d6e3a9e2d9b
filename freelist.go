package bptreekv

import "sort"

// freeList is the allocator side of spec.md §4.3: a set of immediately
// reusable page ids plus a per-txid queue of pages freed but not yet
// safe to hand out, because some still-open reader might have a
// snapshot that can see them. Grounded on the teacher's
// txPageManager.pending/freelist fields (tx.go) and on the Rust
// original's freelist.rs, which this mirrors call-for-call
// (free/allocate/release/rollback/read/write/reload/size).
type freeList struct {
	ids     []uint64
	pending map[uint64][]uint64 // txid -> page ids freed by that tx
}

func newFreeList() *freeList {
	return &freeList{pending: make(map[uint64][]uint64)}
}

// clone returns a deep-enough copy for a writer tx to mutate without
// affecting the DB's shared copy until commit installs it.
func (f *freeList) clone() *freeList {
	out := &freeList{
		ids:     append([]uint64(nil), f.ids...),
		pending: make(map[uint64][]uint64, len(f.pending)),
	}
	for txid, ids := range f.pending {
		out.pending[txid] = append([]uint64(nil), ids...)
	}
	return out
}

// free appends the page range [id, id+overflow] to the given tx's
// pending queue. Page ids 0 and 1 are the meta pages and are never
// freed; a caller asking to free one has an invariant bug.
func (f *freeList) free(txid uint64, id uint64, overflow uint32) {
	if id <= 1 {
		panic("bptreekv: cannot free meta page")
	}
	span := f.pending[txid]
	for p := id; p <= id+uint64(overflow); p++ {
		span = append(span, p)
	}
	f.pending[txid] = span
}

// allocate scans ids (kept sorted) for a run of n consecutive page ids
// and, on a hit, removes and returns the first one. Returns 0 on a miss,
// telling the caller to extend the file instead.
func (f *freeList) allocate(n int) uint64 {
	if n <= 0 || len(f.ids) == 0 {
		return 0
	}
	var initial uint64
	var prev uint64
	for i, id := range f.ids {
		if prev == 0 || id-prev != 1 {
			initial = id
		}
		if (id-initial)+1 == uint64(n) {
			start := i - (n - 1)
			f.ids = append(f.ids[:start], f.ids[i+1:]...)
			return initial
		}
		prev = id
	}
	return 0
}

// release is the MVCC hinge (spec.md §4.3): every pending entry freed
// by a tx strictly older than boundary becomes reusable.
func (f *freeList) release(boundary uint64) {
	var reusable []uint64
	for txid, ids := range f.pending {
		if txid < boundary {
			reusable = append(reusable, ids...)
			delete(f.pending, txid)
		}
	}
	if len(reusable) == 0 {
		return
	}
	f.ids = append(f.ids, reusable...)
	sort.Slice(f.ids, func(i, j int) bool { return f.ids[i] < f.ids[j] })
}

// rollback discards whatever the given (aborted) writer tx queued; it
// never actually freed anything as far as any other tx can observe.
func (f *freeList) rollback(txid uint64) {
	delete(f.pending, txid)
}

// count is the total number of ids this free list would persist: both
// the immediately-reusable set and everything still pending, since a
// crash must not forget a pending page is off-limits.
func (f *freeList) count() int {
	n := len(f.ids)
	for _, ids := range f.pending {
		n += len(ids)
	}
	return n
}

func (f *freeList) size() int {
	return freelistPageSize(f.count())
}

// write serializes the union of ids and every pending entry into p.
func (f *freeList) write(p page) error {
	all := make([]uint64, 0, f.count())
	all = append(all, f.ids...)
	for _, ids := range f.pending {
		all = append(all, ids...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	return writeFreelistIDs(p, all)
}

// read replaces ids with whatever is stored on the free-list page,
// sorted ascending. It does not touch pending.
func (f *freeList) read(p page) error {
	ids, err := p.freelistIDs()
	if err != nil {
		return err
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	f.ids = ids
	return nil
}

// reload re-reads the on-disk free-list page and then subtracts every
// id still recorded in pending, so a reloaded (e.g. post-rollback)
// free list never claims a page some live tx still depends on as
// reusable.
func (f *freeList) reload(p page) error {
	if err := f.read(p); err != nil {
		return err
	}
	pending := make(map[uint64]bool)
	for _, ids := range f.pending {
		for _, id := range ids {
			pending[id] = true
		}
	}
	if len(pending) == 0 {
		return nil
	}
	kept := f.ids[:0]
	for _, id := range f.ids {
		if !pending[id] {
			kept = append(kept, id)
		}
	}
	f.ids = kept
	return nil
}
