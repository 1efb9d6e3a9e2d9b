package bptreekv

// elemRef is one frame of a cursor's descent: the node at this level
// and which inode within it the cursor is currently parked on.
type elemRef struct {
	node  *node
	index int
}

// Cursor walks the tree leaf-to-leaf via a stack of elemRefs (spec.md
// §4.6), rather than the teacher's simpler leaf-chain-pointer cursor:
// this store's leaves don't carry next-leaf pointers, so ascending to
// the parent and descending back down is how Next crosses a leaf
// boundary. Grounded on _examples/original_source/src/cursor.rs.
type Cursor struct {
	tx    *Tx
	stack []elemRef
}

// First seeks to the very first key/value pair in the tree.
func (c *Cursor) First() ([]byte, []byte, error) {
	c.stack = c.stack[:0]
	n, err := c.tx.rootNode()
	if err != nil {
		return nil, nil, err
	}
	c.stack = append(c.stack, elemRef{node: n, index: 0})
	if err := c.descendFirst(); err != nil {
		return nil, nil, err
	}
	return c.keyValue()
}

// descendFirst pushes leftmost children onto the stack until it
// reaches a leaf.
func (c *Cursor) descendFirst() error {
	for {
		top := &c.stack[len(c.stack)-1]
		if top.node.isLeaf || len(top.node.inodes) == 0 {
			return nil
		}
		child, err := c.tx.childAt(top.node, top.index)
		if err != nil {
			return err
		}
		c.stack = append(c.stack, elemRef{node: child, index: 0})
	}
}

// Seek moves to the first key >= key, descending via each branch
// level's separator search.
func (c *Cursor) Seek(key []byte) ([]byte, []byte, error) {
	c.stack = c.stack[:0]
	n, err := c.tx.rootNode()
	if err != nil {
		return nil, nil, err
	}
	var leafIndex, leafCount int
	for {
		if n.isLeaf {
			idx, _ := n.find(key)
			c.stack = append(c.stack, elemRef{node: n, index: idx})
			leafIndex, leafCount = idx, len(n.inodes)
			break
		}
		if len(n.inodes) == 0 {
			c.stack = append(c.stack, elemRef{node: n, index: 0})
			leafIndex, leafCount = 0, 0
			break
		}
		idx := n.descendIndex(key)
		c.stack = append(c.stack, elemRef{node: n, index: idx})
		child, err := c.tx.childAt(n, idx)
		if err != nil {
			return nil, nil, err
		}
		n = child
	}
	// spec.md §4.6: a leaf index past the end of the page (including an
	// empty root leaf) means the query key falls after every key on this
	// leaf; advance to whatever leaf (if any) holds the next key.
	if leafIndex >= leafCount {
		return c.Next()
	}
	return c.keyValue()
}

// Next advances to the following key/value pair, or (nil, nil, nil)
// once the cursor runs past the last key.
func (c *Cursor) Next() ([]byte, []byte, error) {
	for len(c.stack) > 0 {
		top := &c.stack[len(c.stack)-1]
		top.index++
		if top.index < len(top.node.inodes) {
			if top.node.isLeaf {
				return c.keyValue()
			}
			if err := c.descendFirst(); err != nil {
				return nil, nil, err
			}
			return c.keyValue()
		}
		c.stack = c.stack[:len(c.stack)-1]
	}
	return nil, nil, nil
}

func (c *Cursor) keyValue() ([]byte, []byte, error) {
	if len(c.stack) == 0 {
		return nil, nil, nil
	}
	top := c.stack[len(c.stack)-1]
	if top.index < 0 || top.index >= len(top.node.inodes) {
		return nil, nil, nil
	}
	it := top.node.inodes[top.index]
	return cloneBytes(it.key), cloneBytes(it.value), nil
}
