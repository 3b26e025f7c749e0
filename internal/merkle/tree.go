// Package merkle computes constant-depth binary Merkle trees over blobs.
package merkle

import (
	"errors"
	"math/bits"

	"github.com/eigerco/aggregator/internal/crypto"
)

var ErrIndexOutOfRange = errors.New("leaf index out of range")

var (
	leafPrefix = []byte("leaf")
	nodePrefix = []byte("node")
)

// Proof holds the sibling hashes on the path from a leaf to the root, the
// leaf's sibling first.
type Proof struct {
	Index    int
	Siblings []crypto.Hash
}

func hashLeaf(blob []byte) crypto.Hash {
	return crypto.HashConcat(leafPrefix, blob)
}

func hashNode(left, right crypto.Hash) crypto.Hash {
	return crypto.HashConcat(nodePrefix, left[:], right[:])
}

// leafLevel hashes every blob with the leaf prefix and pads with zero hashes
// to the next power of two.
func leafLevel(blobs [][]byte) []crypto.Hash {
	width := 1
	if len(blobs) > 1 {
		width = 1 << bits.Len(uint(len(blobs)-1))
	}
	level := make([]crypto.Hash, width)
	for i, blob := range blobs {
		level[i] = hashLeaf(blob)
	}
	return level
}

func parentLevel(level []crypto.Hash) []crypto.Hash {
	parents := make([]crypto.Hash, len(level)/2)
	for i := range parents {
		parents[i] = hashNode(level[2*i], level[2*i+1])
	}
	return parents
}

// Root returns the root over blobs. No blobs give the zero hash and a single
// blob its leaf hash.
func Root(blobs [][]byte) crypto.Hash {
	if len(blobs) == 0 {
		return crypto.Hash{}
	}
	level := leafLevel(blobs)
	for len(level) > 1 {
		level = parentLevel(level)
	}
	return level[0]
}

// Prove returns the proof that blobs[index] is part of Root(blobs).
func Prove(blobs [][]byte, index int) (Proof, error) {
	if index < 0 || index >= len(blobs) {
		return Proof{}, ErrIndexOutOfRange
	}
	proof := Proof{Index: index}
	level := leafLevel(blobs)
	for i := index; len(level) > 1; i /= 2 {
		proof.Siblings = append(proof.Siblings, level[i^1])
		level = parentLevel(level)
	}
	return proof, nil
}

// Verify reports whether proof shows blob to be part of the tree with root.
func Verify(root crypto.Hash, blob []byte, proof Proof) bool {
	if proof.Index < 0 || proof.Index>>len(proof.Siblings) != 0 {
		return false
	}
	h := hashLeaf(blob)
	for i, sibling := range proof.Siblings {
		if proof.Index>>i&1 == 0 {
			h = hashNode(h, sibling)
		} else {
			h = hashNode(sibling, h)
		}
	}
	return h == root
}
