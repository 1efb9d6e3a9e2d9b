package bptreekv

// Tx is a transaction against a single implicit root tree (spec.md §9
// Open Question 3: this repo drops the teacher's nested Bucket layer
// and exposes Get/Put/Delete directly on Tx, matching the Rust
// original's tx.rs). A read transaction never blocks and sees a fixed
// snapshot; a write transaction holds the database's writer lock for
// its whole lifetime and must be closed with Commit or Rollback.
type Tx struct {
	db       *DB
	writable bool
	closed   bool
	txid     uint64
	meta     meta

	nodes map[uint64]*node // on-disk pgid -> materialized node, writer-only cache
	root  *node

	pages    map[uint64]page // writer-only: newly allocated/dirty pages awaiting flush
	freelist *freeList        // writer-only: working copy, installed on commit
	nextPgid uint64           // writer-only: next never-used page id

	fillPercent float64
}

// ID returns the transaction's id: the committed txid for a read
// transaction, or the txid it will commit as for a writer.
func (tx *Tx) ID() uint64 { return tx.txid }

// Writable reports whether this is a write transaction.
func (tx *Tx) Writable() bool { return tx.writable }

// --- pageStore, consumed by node.go and cursor.go ---

func (tx *Tx) PageSize() int { return tx.db.pageSize }

func (tx *Tx) FillPercent() float64 { return tx.fillPercent }

func (tx *Tx) ReadPage(id uint64) (page, error) {
	if tx.writable {
		if p, ok := tx.pages[id]; ok {
			return p, nil
		}
	}
	return tx.db.pageAt(id)
}

func (tx *Tx) Allocate(n int) (page, error) {
	if !tx.writable {
		return nil, ErrTxReadOnly
	}
	if n < 1 {
		n = 1
	}
	id := tx.freelist.allocate(n)
	if id == 0 {
		id = tx.nextPgid
		tx.nextPgid += uint64(n)
	} else if id+uint64(n) > tx.nextPgid {
		tx.nextPgid = id + uint64(n)
	}
	buf := make(page, n*tx.db.pageSize)
	buf.setID(id)
	buf.setOverflow(uint32(n - 1))
	tx.pages[id] = buf
	return buf, nil
}

func (tx *Tx) Free(id uint64, overflow uint32) {
	if !tx.writable {
		return
	}
	tx.freelist.free(tx.txid, id, overflow)
	delete(tx.pages, id)
}

// free is the convenience form node.go's rebalance/spill use: look up
// the page's span before handing it to Free.
func (tx *Tx) free(id uint64) {
	overflow := uint32(0)
	if p, ok := tx.pages[id]; ok {
		overflow = p.overflow()
	} else if p, err := tx.db.pageAt(id); err == nil {
		overflow = p.overflow()
	}
	tx.Free(id, overflow)
}

func (tx *Tx) highestPgid() uint64 {
	if tx.nextPgid == 0 {
		return tx.meta.pgid
	}
	return tx.nextPgid - 1
}

// replaceRoot is called by node.rebalance when the root collapses onto
// its single remaining child.
func (tx *Tx) replaceRoot(n *node) {
	tx.root = n
	if tx.nodes != nil {
		tx.nodes[n.pgid] = n
	}
}

func (tx *Tx) rootNode() (*node, error) {
	if tx.root != nil {
		return tx.root, nil
	}
	if tx.meta.root == 0 {
		tx.root = &node{isLeaf: true}
		return tx.root, nil
	}
	p, err := tx.ReadPage(tx.meta.root)
	if err != nil {
		return nil, err
	}
	n := &node{}
	if err := n.read(p, tx); err != nil {
		return nil, err
	}
	tx.root = n
	if tx.nodes != nil {
		tx.nodes[n.pgid] = n
	}
	return n, nil
}

// childAt materializes (or returns the cached) node for
// parent.inodes[index], wiring up the parent pointer and appending it
// to parent.children once.
func (tx *Tx) childAt(parent *node, index int) (*node, error) {
	it := parent.inodes[index]
	if tx.nodes != nil {
		if n, ok := tx.nodes[it.pgid]; ok {
			n.parent = parent
			appendUniqueChild(parent, n)
			return n, nil
		}
	}
	p, err := tx.ReadPage(it.pgid)
	if err != nil {
		return nil, err
	}
	n := &node{parent: parent}
	if err := n.read(p, tx); err != nil {
		return nil, err
	}
	if tx.nodes != nil {
		tx.nodes[n.pgid] = n
	}
	appendUniqueChild(parent, n)
	return n, nil
}

func appendUniqueChild(parent, child *node) {
	for _, c := range parent.children {
		if c == child {
			return
		}
	}
	parent.children = append(parent.children, child)
}

// findLeaf descends from the root to the leaf that would hold key.
func (tx *Tx) findLeaf(key []byte) (*node, error) {
	n, err := tx.rootNode()
	if err != nil {
		return nil, err
	}
	for !n.isLeaf {
		if len(n.inodes) == 0 {
			return n, nil
		}
		idx := n.descendIndex(key)
		child, err := tx.childAt(n, idx)
		if err != nil {
			return nil, err
		}
		n = child
	}
	return n, nil
}

// Get returns a copy of the value stored for key, or (nil, nil) if the
// key does not exist.
func (tx *Tx) Get(key []byte) ([]byte, error) {
	if tx.closed {
		return nil, ErrTxClosed
	}
	if len(key) == 0 {
		return nil, ErrKeyRequired
	}
	leaf, err := tx.findLeaf(key)
	if err != nil {
		return nil, err
	}
	idx, exact := leaf.find(key)
	if !exact {
		return nil, nil
	}
	return cloneBytes(leaf.inodes[idx].value), nil
}

// Put inserts or replaces the value for key.
func (tx *Tx) Put(key, value []byte) error {
	if tx.closed {
		return ErrTxClosed
	}
	if !tx.writable {
		return ErrTxReadOnly
	}
	if len(key) == 0 {
		return ErrKeyRequired
	}
	if len(key) > MaxKeySize {
		return ErrKeyTooLarge
	}
	if len(value) > MaxValueSize {
		return ErrValueTooLarge
	}
	leaf, err := tx.findLeaf(key)
	if err != nil {
		return err
	}
	leaf.put(key, key, value, 0)
	return nil
}

// Delete removes key if present. Deleting a missing key is a no-op,
// not an error.
func (tx *Tx) Delete(key []byte) error {
	if tx.closed {
		return ErrTxClosed
	}
	if !tx.writable {
		return ErrTxReadOnly
	}
	if len(key) == 0 {
		return ErrKeyRequired
	}
	leaf, err := tx.findLeaf(key)
	if err != nil {
		return err
	}
	leaf.del(key)
	return nil
}

// Cursor returns a new cursor positioned before the first key.
func (tx *Tx) Cursor() *Cursor {
	return &Cursor{tx: tx}
}

// Commit runs the write pipeline from spec.md §4.7/§4.8: rebalance
// every touched node bottom-up, spill (split + serialize) from the
// root down, persist the free list, flush dirty pages, and flip the
// meta pair. A read-only Commit is just Close under another name.
func (tx *Tx) Commit() error {
	if tx.closed {
		return ErrTxClosed
	}
	if !tx.writable {
		tx.close()
		return nil
	}

	root, err := tx.rootNode()
	if err != nil {
		tx.Rollback()
		return err
	}

	for _, n := range tx.nodes {
		if err := n.rebalance(tx); err != nil {
			tx.Rollback()
			return err
		}
	}
	if err := root.rebalance(tx); err != nil {
		tx.Rollback()
		return err
	}

	finalRoot, err := tx.root.spill(tx)
	if err != nil {
		tx.Rollback()
		return err
	}
	tx.meta.root = finalRoot.pgid

	if tx.meta.freelist != 0 {
		tx.free(tx.meta.freelist)
	}
	flSize := tx.freelist.size()
	flSpan := 1 + (flSize-1)/tx.db.pageSize
	flBuf, err := tx.Allocate(flSpan)
	if err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.freelist.write(flBuf); err != nil {
		tx.Rollback()
		return err
	}
	tx.meta.freelist = flBuf.id()
	tx.meta.pgid = tx.nextPgid
	tx.meta.txid = tx.txid

	if err := tx.db.commitWriter(tx); err != nil {
		tx.Rollback()
		return err
	}

	tx.close()
	return nil
}

// Rollback discards every change a write transaction made; a read
// transaction's Rollback is equivalent to Close.
func (tx *Tx) Rollback() {
	if tx.closed {
		return
	}
	if tx.writable {
		tx.freelist.rollback(tx.txid)
	}
	tx.close()
}

func (tx *Tx) close() {
	if tx.closed {
		return
	}
	tx.closed = true
	if tx.writable {
		tx.db.writerMu.Unlock()
	} else {
		tx.db.releaseReader(tx.txid)
	}
	tx.nodes = nil
	tx.pages = nil
	tx.root = nil
}
