// Package merkle implements the balanced binary hash tree shared by the
// block, share, plaintext, and crypttext hash trees: leaves padded to the
// next power of two, a flat heap-indexed node array (root at index 0,
// children of i at 2i+1 and 2i+2), and tagged hashing for leaves,
// internal nodes, and padding.
package merkle

import (
	"fmt"
	"sort"

	"github.com/gridstore/gridstore/thash"
)

// BadHashError reports that a node received (or derived) a hash that
// conflicts with a hash already accepted at the same index.
type BadHashError struct {
	Index     int
	Want, Got [32]byte
}

func (e *BadHashError) Error() string {
	return fmt.Sprintf("merkle: bad hash at node %d: want %x, got %x", e.Index, e.Want, e.Got)
}

// IndexedHash pairs a heap node index with its hash, as exchanged in a
// needed-hashes chain.
type IndexedHash struct {
	Index int
	Hash  [32]byte
}

// Tree is a flat, heap-indexed binary hash tree. It may be fully built
// (every node set) or partial (only some nodes known, as on the receiving
// side of a hash-chain exchange).
type Tree struct {
	// NumLeaves is the padded leaf count; always a power of two (or 0).
	NumLeaves int
	nodes     map[int][32]byte
}

// nextPow2 returns the smallest power of two >= n (or 1 if n <= 1).
func nextPow2(n int) int {
	if n <= 1 {
		return 1
	}
	size := 1
	for size < n {
		size *= 2
	}
	return size
}

// size returns the total node count of a complete binary tree with the
// given (padded) leaf count.
func size(numLeaves int) int {
	if numLeaves == 0 {
		return 0
	}
	return 2*numLeaves - 1
}

// leafStart is the heap index of leaf 0.
func leafStart(numLeaves int) int {
	return numLeaves - 1
}

func parent(i int) int { return (i - 1) / 2 }

func sibling(i int) int {
	if i%2 == 1 {
		return i + 1
	}
	return i - 1
}

func isLeft(i int) bool { return i%2 == 1 }

// Build constructs a complete tree from the given raw leaf values. The
// leaf count is padded to the next power of two with the empty sentinel.
func Build(rawLeaves [][]byte) *Tree {
	n := nextPow2(len(rawLeaves))
	t := &Tree{NumLeaves: n, nodes: make(map[int][32]byte, size(n))}
	if n == 0 {
		return t
	}

	start := leafStart(n)
	empty := thash.Empty()
	for i := 0; i < n; i++ {
		idx := start + i
		if i < len(rawLeaves) {
			t.nodes[idx] = thash.Sum(thash.TagLeaf, rawLeaves[i])
		} else {
			t.nodes[idx] = empty
		}
	}
	for i := start - 1; i >= 0; i-- {
		left := t.nodes[2*i+1]
		right := t.nodes[2*i+2]
		t.nodes[i] = thash.Internal(left, right)
	}
	return t
}

// New creates an empty partial tree shell sized for numLeavesPadded
// leaves (must already be a power of two), with no nodes set.
func New(numLeavesPadded int) *Tree {
	return &Tree{NumLeaves: numLeavesPadded, nodes: make(map[int][32]byte)}
}

// Root returns the tree's root hash and whether it has been established.
func (t *Tree) Root() ([32]byte, bool) {
	h, ok := t.nodes[0]
	return h, ok
}

// LeafIndex returns the heap index of the given leaf position.
func (t *Tree) LeafIndex(leafPos int) int {
	return leafStart(t.NumLeaves) + leafPos
}

// NeededHashes returns the sibling chain from the given leaf up to (but
// not including) the root, ordered bottom-up by node index.
func (t *Tree) NeededHashes(leafPos int) ([]IndexedHash, error) {
	idx := t.LeafIndex(leafPos)
	var chain []IndexedHash
	for idx > 0 {
		sib := sibling(idx)
		h, ok := t.nodes[sib]
		if !ok {
			return nil, fmt.Errorf("merkle: node %d not set", sib)
		}
		chain = append(chain, IndexedHash{Index: sib, Hash: h})
		idx = parent(idx)
	}
	return chain, nil
}

// SetHashes inserts a received chain of node hashes. It is an error
// (*BadHashError) if a hash disagrees with one already accepted at the
// same index; re-inserting an identical value is a no-op.
func (t *Tree) SetHashes(hashes []IndexedHash) error {
	for _, ih := range hashes {
		if existing, ok := t.nodes[ih.Index]; ok {
			if existing != ih.Hash {
				return &BadHashError{Index: ih.Index, Want: existing, Got: ih.Hash}
			}
			continue
		}
		t.nodes[ih.Index] = ih.Hash
	}
	return nil
}

// Verify walks up from leafPos, combining the known leaf hash with
// whatever sibling hashes have been set via SetHashes, and checks the
// result against the established root. Any disagreement along the way,
// or a missing sibling, is reported as an error.
func (t *Tree) Verify(leafPos int, leafHash [32]byte) error {
	root, ok := t.Root()
	if !ok {
		return fmt.Errorf("merkle: root not set")
	}

	idx := t.LeafIndex(leafPos)
	if existing, ok := t.nodes[idx]; ok && existing != leafHash {
		return &BadHashError{Index: idx, Want: existing, Got: leafHash}
	}

	cur := leafHash
	for idx > 0 {
		sib := sibling(idx)
		sibHash, ok := t.nodes[sib]
		if !ok {
			return fmt.Errorf("merkle: missing sibling at node %d", sib)
		}
		var parentHash [32]byte
		if isLeft(idx) {
			parentHash = thash.Internal(cur, sibHash)
		} else {
			parentHash = thash.Internal(sibHash, cur)
		}
		idx = parent(idx)
		if existing, ok := t.nodes[idx]; ok && existing != parentHash {
			return &BadHashError{Index: idx, Want: existing, Got: parentHash}
		}
		cur = parentHash
	}

	if cur != root {
		return &BadHashError{Index: 0, Want: root, Got: cur}
	}
	return nil
}

// AllNodes returns every set node as a sorted (by index) slice, useful for
// transmitting a complete tree (e.g. the block hash tree) to a peer.
func (t *Tree) AllNodes() []IndexedHash {
	out := make([]IndexedHash, 0, len(t.nodes))
	for idx, h := range t.nodes {
		out = append(out, IndexedHash{Index: idx, Hash: h})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Depth returns ceil(log2(NumLeaves)), the number of sibling hashes in any
// NeededHashes chain.
func (t *Tree) Depth() int {
	d := 0
	for n := 1; n < t.NumLeaves; n *= 2 {
		d++
	}
	return d
}
