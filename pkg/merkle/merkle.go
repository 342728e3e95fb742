// Package merkle builds Keccak-256 Merkle trees with sorted-pair hashing, the
// layout the on-chain verifier expects: a parent is keccak(min(a,b) || max(a,b)),
// so proofs carry no left/right flags.
package merkle

import (
	"bytes"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/Aidin1998/pincex_hybrid/pkg/errors"
)

// Leaf hashes raw leaf data.
func Leaf(data []byte) common.Hash {
	return crypto.Keccak256Hash(data)
}

func hashPair(a, b common.Hash) common.Hash {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return crypto.Keccak256Hash(a[:], b[:])
}

// Tree is an immutable Merkle tree. Leaves are sorted on construction so the
// root does not depend on input order. An odd node is carried up unchanged.
type Tree struct {
	levels [][]common.Hash
	index  map[common.Hash]int
}

func New(leaves []common.Hash) *Tree {
	sorted := append([]common.Hash(nil), leaves...)
	sort.Slice(sorted, func(i, j int) bool { return bytes.Compare(sorted[i][:], sorted[j][:]) < 0 })

	t := &Tree{index: make(map[common.Hash]int, len(sorted))}
	for i, l := range sorted {
		t.index[l] = i
	}
	t.levels = append(t.levels, sorted)
	for level := sorted; len(level) > 1; {
		next := make([]common.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			next = append(next, hashPair(level[i], level[i+1]))
		}
		t.levels = append(t.levels, next)
		level = next
	}
	return t
}

// Root returns the tree root, the zero hash for an empty tree.
func (t *Tree) Root() common.Hash {
	top := t.levels[len(t.levels)-1]
	if len(top) == 0 {
		return common.Hash{}
	}
	return top[0]
}

func (t *Tree) Len() int { return len(t.levels[0]) }

// Proof returns the sibling path of leaf from the bottom up.
func (t *Tree) Proof(leaf common.Hash) ([]common.Hash, error) {
	i, ok := t.index[leaf]
	if !ok {
		return nil, errors.ProofInvalid.Explain("leaf %s is not in the tree", leaf.Hex())
	}
	var proof []common.Hash
	for _, level := range t.levels[:len(t.levels)-1] {
		sibling := i ^ 1
		if sibling < len(level) {
			proof = append(proof, level[sibling])
		}
		i /= 2
	}
	return proof, nil
}

// Verify recomputes the root from leaf and proof.
func Verify(root, leaf common.Hash, proof []common.Hash) bool {
	h := leaf
	for _, p := range proof {
		h = hashPair(h, p)
	}
	return h == root
}
