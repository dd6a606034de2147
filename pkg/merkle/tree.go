// Package merkle builds and verifies whitelist Merkle proofs.
//
// The scheme matches OpenZeppelin's MerkleProof library and merkletreejs
// with sortPairs enabled: leaves are keccak256 of the raw address bytes and
// every internal node hashes its two children in ascending byte order.
package merkle

import (
	"bytes"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Common errors.
var (
	ErrEmptyTree    = errors.New("merkle tree has no leaves")
	ErrLeafNotFound = errors.New("leaf not found in tree")
)

// Leaf returns the whitelist leaf for an address.
func Leaf(addr common.Address) common.Hash {
	return crypto.Keccak256Hash(addr.Bytes())
}

// HashPair hashes two nodes in sorted order.
func HashPair(a, b common.Hash) common.Hash {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return crypto.Keccak256Hash(a[:], b[:])
}

// Verify reports whether proof links leaf to root.
// A zero root never validates.
func Verify(proof []common.Hash, root, leaf common.Hash) bool {
	if root == (common.Hash{}) {
		return false
	}
	return ProcessProof(proof, leaf) == root
}

// VerifyAddress is Verify for an address leaf.
func VerifyAddress(proof []common.Hash, root common.Hash, addr common.Address) bool {
	return Verify(proof, root, Leaf(addr))
}

// ProcessProof folds proof into leaf and returns the computed root.
func ProcessProof(proof []common.Hash, leaf common.Hash) common.Hash {
	computed := leaf
	for _, node := range proof {
		computed = HashPair(computed, node)
	}
	return computed
}

// Tree is an in-memory Merkle tree. layers[0] holds the leaves and the
// last layer holds the root.
type Tree struct {
	layers [][]common.Hash
}

// New builds a tree over leaves in the given order. An odd trailing node
// is promoted to the next layer unchanged.
func New(leaves []common.Hash) *Tree {
	base := make([]common.Hash, len(leaves))
	copy(base, leaves)

	t := &Tree{layers: [][]common.Hash{base}}
	if len(base) == 0 {
		return t
	}

	current := base
	for len(current) > 1 {
		next := make([]common.Hash, 0, (len(current)+1)/2)
		for i := 0; i < len(current); i += 2 {
			if i+1 == len(current) {
				next = append(next, current[i])
				continue
			}
			next = append(next, HashPair(current[i], current[i+1]))
		}
		t.layers = append(t.layers, next)
		current = next
	}
	return t
}

// NewFromAddresses builds a whitelist tree from addresses.
func NewFromAddresses(addrs []common.Address) *Tree {
	leaves := make([]common.Hash, len(addrs))
	for i, addr := range addrs {
		leaves[i] = Leaf(addr)
	}
	return New(leaves)
}

// Root returns the tree root, or the zero hash for an empty tree.
func (t *Tree) Root() common.Hash {
	top := t.layers[len(t.layers)-1]
	if len(top) == 0 {
		return common.Hash{}
	}
	return top[0]
}

// Len returns the number of leaves.
func (t *Tree) Len() int {
	return len(t.layers[0])
}

// Proof returns the sibling path for leaf.
func (t *Tree) Proof(leaf common.Hash) ([]common.Hash, error) {
	if t.Len() == 0 {
		return nil, ErrEmptyTree
	}

	index := -1
	for i, l := range t.layers[0] {
		if l == leaf {
			index = i
			break
		}
	}
	if index == -1 {
		return nil, ErrLeafNotFound
	}

	var proof []common.Hash
	for _, layer := range t.layers[:len(t.layers)-1] {
		sibling := index ^ 1
		if sibling < len(layer) {
			proof = append(proof, layer[sibling])
		}
		index /= 2
	}
	return proof, nil
}

// AddressProof returns the proof for an address leaf.
func (t *Tree) AddressProof(addr common.Address) ([]common.Hash, error) {
	return t.Proof(Leaf(addr))
}
