// Package thash computes the domain-separated hash used throughout the
// grid: every hash tree leaf, internal node, empty-pad sentinel, and the
// URI-extension hash itself all go through Sum with a fixed Tag so
// that a block, a plaintext segment, and a tree node can never collide
// under the same 32-byte value.
package thash

import "golang.org/x/crypto/sha3"

// Tag distinguishes the role a hashed value plays in the system.
type Tag string

const (
	// TagLeaf marks a hash-tree leaf (the hash of a raw block/segment).
	TagLeaf Tag = "leaf"
	// TagInternal marks a hash-tree internal node (hash of left||right).
	TagInternal Tag = "internal"
	// TagEmpty marks a padded hash-tree leaf position.
	TagEmpty Tag = "empty"
	// TagPlaintext marks a plaintext segment hash.
	TagPlaintext Tag = "plaintext"
	// TagCrypttext marks a crypttext segment hash.
	TagCrypttext Tag = "crypttext"
	// TagBlock marks a per-share FEC block hash.
	TagBlock Tag = "block"
	// TagURIExtension marks the hash of the canonical URI-extension block.
	TagURIExtension Tag = "uri_extension"
)

const prefix = "allmydata_v1_"

// Sum computes keccak256("allmydata_v1_" + tag + ":" + data).
func Sum(tag Tag, data []byte) [32]byte {
	d := sha3.NewLegacyKeccak256()
	d.Write([]byte(prefix))
	d.Write([]byte(tag))
	d.Write([]byte(":"))
	d.Write(data)
	var out [32]byte
	d.Sum(out[:0])
	return out
}

// Empty returns the sentinel hash used for padded hash-tree leaf positions.
func Empty() [32]byte {
	return Sum(TagEmpty, nil)
}

// Internal combines two child hashes into their parent node hash.
func Internal(left, right [32]byte) [32]byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, left[:]...)
	buf = append(buf, right[:]...)
	return Sum(TagInternal, buf)
}
