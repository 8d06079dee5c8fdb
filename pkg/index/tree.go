// Package index provides the in-memory index of a page: a red-black tree that
// maps a key hash to the file offsets of the live records carrying that hash.
//
// Nodes live in an arena slice and refer to each other by int32 position.
// Position 0 is a black sentinel that stands in for every nil child, so the
// fix-up routines never special case missing nodes. Freed positions are
// recycled through a free list.
//
// A Tree is not safe for concurrent use; the owning page serializes access.
package index

import "slices"

type color uint8

const (
	red color = iota
	black
)

// sentinel is the arena position of the shared nil node
const sentinel int32 = 0

// slot holds the offsets stored under one hash. Most hashes map to a single
// record; multiple is only allocated once a second distinct offset collides.
type slot struct {
	single   int64
	multiple []int64
}

func singleSlot(offset int64) slot {
	return slot{single: offset}
}

func (s slot) isMultiple() bool {
	return s.multiple != nil
}

func (s slot) contains(offset int64) bool {
	if s.isMultiple() {
		return slices.Contains(s.multiple, offset)
	}
	return s.single == offset
}

// add returns the slot with offset appended. Present offsets are left alone.
func (s slot) add(offset int64) slot {
	if s.contains(offset) {
		return s
	}
	if !s.isMultiple() {
		return slot{multiple: []int64{s.single, offset}}
	}
	s.multiple = append(s.multiple, offset)
	return s
}

// remove drops offset, preserving the order of the others. A list left with a
// single entry collapses back to a single slot.
func (s slot) remove(offset int64) (next slot, removed bool, empty bool) {
	if !s.isMultiple() {
		if s.single != offset {
			return s, false, false
		}
		return slot{}, true, true
	}

	i := slices.Index(s.multiple, offset)
	if i < 0 {
		return s, false, false
	}
	rest := slices.Delete(s.multiple, i, i+1)
	switch len(rest) {
	case 0:
		return slot{}, true, true
	case 1:
		return singleSlot(rest[0]), true, false
	default:
		return slot{multiple: rest}, true, false
	}
}

// offsets returns a copy of the stored offsets
func (s slot) offsets() []int64 {
	if s.isMultiple() {
		return slices.Clone(s.multiple)
	}
	return []int64{s.single}
}

func (s slot) len() int {
	if s.isMultiple() {
		return len(s.multiple)
	}
	return 1
}

type node struct {
	key    int32 // rehashed, the ordering key
	hash   int32 // as supplied by the caller
	slot   slot
	left   int32
	right  int32
	parent int32
	color  color
}

// Tree is an arena-backed red-black tree keyed by rehashed int32 hashes
type Tree struct {
	nodes []node
	free  []int32
	root  int32
	count int
	live  int
}

// New creates an empty tree
func New() *Tree {
	t := &Tree{}
	t.Reset()
	return t
}

// Rehash spreads the bits of a caller supplied hash so that hashes differing
// only in their high bits do not cluster in one region of the tree.
func Rehash(h int32) int32 {
	u := uint32(h)
	u ^= (u >> 20) ^ (u >> 12)
	return int32(u ^ (u >> 7) ^ (u >> 4))
}

// Reset drops every node and releases the arena
func (t *Tree) Reset() {
	t.nodes = []node{{color: black}}
	t.free = nil
	t.root = sentinel
	t.count = 0
	t.live = 0
}

// Count returns the number of distinct hashes in the tree
func (t *Tree) Count() int {
	return t.count
}

// Len returns the number of offsets in the tree
func (t *Tree) Len() int {
	return t.live
}

// Lookup returns the offsets stored under hash, or nil when there are none.
// The returned slice is owned by the caller.
func (t *Tree) Lookup(hash int32) []int64 {
	idx := t.find(Rehash(hash))
	if idx == sentinel {
		return nil
	}
	return t.nodes[idx].slot.offsets()
}

// Contains reports whether offset is stored under hash
func (t *Tree) Contains(hash int32, offset int64) bool {
	idx := t.find(Rehash(hash))
	if idx == sentinel {
		return false
	}
	return t.nodes[idx].slot.contains(offset)
}

// Insert adds offset under hash. Inserting an offset that is already stored
// under the same hash does nothing.
func (t *Tree) Insert(hash int32, offset int64) {
	key := Rehash(hash)

	parent := sentinel
	cur := t.root
	for cur != sentinel {
		parent = cur
		n := &t.nodes[cur]
		switch {
		case key < n.key:
			cur = n.left
		case key > n.key:
			cur = n.right
		default:
			before := n.slot.len()
			n.slot = n.slot.add(offset)
			t.live += n.slot.len() - before
			return
		}
	}

	idx := t.alloc(key, hash, offset)
	t.nodes[idx].parent = parent
	switch {
	case parent == sentinel:
		t.root = idx
	case key < t.nodes[parent].key:
		t.nodes[parent].left = idx
	default:
		t.nodes[parent].right = idx
	}
	t.count++
	t.live++
	t.insertFixup(idx)
}

// Delete removes offset from hash and reports whether it was present. A hash
// whose last offset is removed leaves the tree.
func (t *Tree) Delete(hash int32, offset int64) bool {
	idx := t.find(Rehash(hash))
	if idx == sentinel {
		return false
	}

	next, removed, empty := t.nodes[idx].slot.remove(offset)
	if !removed {
		return false
	}
	t.live--
	if empty {
		t.deleteNode(idx)
		return true
	}
	t.nodes[idx].slot = next
	return true
}

// Walk calls fn for every hash in ascending order of its rehashed key until
// fn returns false. The tree must not be modified from inside fn.
func (t *Tree) Walk(fn func(hash int32, offsets []int64) bool) {
	stack := make([]int32, 0, 32)
	cur := t.root
	for cur != sentinel || len(stack) > 0 {
		for cur != sentinel {
			stack = append(stack, cur)
			cur = t.nodes[cur].left
		}
		cur = stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		n := &t.nodes[cur]
		if !fn(n.hash, n.slot.offsets()) {
			return
		}
		cur = n.right
	}
}

// Offsets returns every stored offset exactly once
func (t *Tree) Offsets() []int64 {
	out := make([]int64, 0, t.live)
	t.Walk(func(_ int32, offsets []int64) bool {
		out = append(out, offsets...)
		return true
	})
	return out
}

func (t *Tree) find(key int32) int32 {
	cur := t.root
	for cur != sentinel {
		n := &t.nodes[cur]
		switch {
		case key < n.key:
			cur = n.left
		case key > n.key:
			cur = n.right
		default:
			return cur
		}
	}
	return sentinel
}

func (t *Tree) alloc(key, hash int32, offset int64) int32 {
	n := node{
		key:    key,
		hash:   hash,
		slot:   singleSlot(offset),
		left:   sentinel,
		right:  sentinel,
		parent: sentinel,
		color:  red,
	}
	if last := len(t.free) - 1; last >= 0 {
		idx := t.free[last]
		t.free = t.free[:last]
		t.nodes[idx] = n
		return idx
	}
	t.nodes = append(t.nodes, n)
	return int32(len(t.nodes) - 1)
}

func (t *Tree) release(idx int32) {
	t.nodes[idx] = node{}
	t.free = append(t.free, idx)
}

func (t *Tree) rotateLeft(x int32) {
	y := t.nodes[x].right
	t.nodes[x].right = t.nodes[y].left
	if t.nodes[y].left != sentinel {
		t.nodes[t.nodes[y].left].parent = x
	}
	t.replaceChild(t.nodes[x].parent, x, y)
	t.nodes[y].left = x
	t.nodes[x].parent = y
}

func (t *Tree) rotateRight(x int32) {
	y := t.nodes[x].left
	t.nodes[x].left = t.nodes[y].right
	if t.nodes[y].right != sentinel {
		t.nodes[t.nodes[y].right].parent = x
	}
	t.replaceChild(t.nodes[x].parent, x, y)
	t.nodes[y].right = x
	t.nodes[x].parent = y
}

// replaceChild hangs to where old used to hang under parent
func (t *Tree) replaceChild(parent, old, to int32) {
	t.nodes[to].parent = parent
	switch {
	case parent == sentinel:
		t.root = to
	case t.nodes[parent].left == old:
		t.nodes[parent].left = to
	default:
		t.nodes[parent].right = to
	}
}

func (t *Tree) insertFixup(z int32) {
	for t.nodes[t.nodes[z].parent].color == red {
		p := t.nodes[z].parent
		g := t.nodes[p].parent
		if p == t.nodes[g].left {
			u := t.nodes[g].right
			if t.nodes[u].color == red {
				t.nodes[p].color = black
				t.nodes[u].color = black
				t.nodes[g].color = red
				z = g
				continue
			}
			if z == t.nodes[p].right {
				z = p
				t.rotateLeft(z)
				p = t.nodes[z].parent
			}
			t.nodes[p].color = black
			t.nodes[g].color = red
			t.rotateRight(g)
		} else {
			u := t.nodes[g].left
			if t.nodes[u].color == red {
				t.nodes[p].color = black
				t.nodes[u].color = black
				t.nodes[g].color = red
				z = g
				continue
			}
			if z == t.nodes[p].left {
				z = p
				t.rotateRight(z)
				p = t.nodes[z].parent
			}
			t.nodes[p].color = black
			t.nodes[g].color = red
			t.rotateLeft(g)
		}
	}
	t.nodes[t.root].color = black
}

// deleteNode unlinks z. A node with two children takes over the key and slot
// of its in-order predecessor, which is then unlinked in its place.
func (t *Tree) deleteNode(z int32) {
	if t.nodes[z].left != sentinel && t.nodes[z].right != sentinel {
		pred := t.nodes[z].left
		for t.nodes[pred].right != sentinel {
			pred = t.nodes[pred].right
		}
		t.nodes[z].key = t.nodes[pred].key
		t.nodes[z].hash = t.nodes[pred].hash
		t.nodes[z].slot = t.nodes[pred].slot
		z = pred
	}

	child := t.nodes[z].left
	if child == sentinel {
		child = t.nodes[z].right
	}
	// The sentinel's parent is set here too; deleteFixup climbs from it.
	t.replaceChild(t.nodes[z].parent, z, child)

	if t.nodes[z].color == black {
		t.deleteFixup(child)
	}

	t.nodes[sentinel] = node{color: black}
	t.release(z)
	t.count--
}

func (t *Tree) deleteFixup(x int32) {
	for x != t.root && t.nodes[x].color == black {
		p := t.nodes[x].parent
		if x == t.nodes[p].left {
			w := t.nodes[p].right
			if t.nodes[w].color == red {
				t.nodes[w].color = black
				t.nodes[p].color = red
				t.rotateLeft(p)
				w = t.nodes[p].right
			}
			if t.nodes[t.nodes[w].left].color == black && t.nodes[t.nodes[w].right].color == black {
				t.nodes[w].color = red
				x = p
				continue
			}
			if t.nodes[t.nodes[w].right].color == black {
				t.nodes[t.nodes[w].left].color = black
				t.nodes[w].color = red
				t.rotateRight(w)
				w = t.nodes[p].right
			}
			t.nodes[w].color = t.nodes[p].color
			t.nodes[p].color = black
			t.nodes[t.nodes[w].right].color = black
			t.rotateLeft(p)
			x = t.root
		} else {
			w := t.nodes[p].left
			if t.nodes[w].color == red {
				t.nodes[w].color = black
				t.nodes[p].color = red
				t.rotateRight(p)
				w = t.nodes[p].left
			}
			if t.nodes[t.nodes[w].right].color == black && t.nodes[t.nodes[w].left].color == black {
				t.nodes[w].color = red
				x = p
				continue
			}
			if t.nodes[t.nodes[w].left].color == black {
				t.nodes[t.nodes[w].right].color = black
				t.nodes[w].color = red
				t.rotateLeft(w)
				w = t.nodes[p].left
			}
			t.nodes[w].color = t.nodes[p].color
			t.nodes[p].color = black
			t.nodes[t.nodes[w].left].color = black
			t.rotateRight(p)
			x = t.root
		}
	}
	t.nodes[x].color = black
}
