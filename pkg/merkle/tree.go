// Package merkle computes and checks Merkle roots over the files of a release.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/cbergoon/merkletree"
)

var (
	ErrEmpty        = errors.New("cannot build tree from no leaves")
	ErrRootMismatch = errors.New("merkle root mismatch")
	ErrNotInTree    = errors.New("leaf not in tree")
)

// Leaf is one file of a release: its relative name and content hash.
type Leaf struct {
	Name string
	Hash string
}

// Content implements merkletree.Content for a Leaf.
type Content struct {
	leaf Leaf
}

// CalculateHash hashes the name and the content hash together so that a
// renamed file changes the root.
func (c Content) CalculateHash() ([]byte, error) {
	h := sha256.New()
	h.Write([]byte(c.leaf.Name))
	h.Write([]byte{0})
	h.Write([]byte(c.leaf.Hash))
	return h.Sum(nil), nil
}

// Equals implements the Content interface
func (c Content) Equals(other merkletree.Content) (bool, error) {
	o, ok := other.(Content)
	if !ok {
		return false, fmt.Errorf("type mismatch: %T", other)
	}
	return c.leaf == o.leaf, nil
}

// BuildTree builds a tree over leaves in name order.
func BuildTree(leaves []Leaf) (*merkletree.MerkleTree, error) {
	if len(leaves) == 0 {
		return nil, ErrEmpty
	}
	sorted := slices.Clone(leaves)
	slices.SortFunc(sorted, func(a, b Leaf) int { return strings.Compare(a.Name, b.Name) })

	contents := make([]merkletree.Content, len(sorted))
	for i, l := range sorted {
		contents[i] = Content{leaf: l}
	}
	tree, err := merkletree.NewTree(contents)
	if err != nil {
		return nil, fmt.Errorf("build merkle tree: %w", err)
	}
	return tree, nil
}

// Root returns the Merkle root of leaves.
func Root(leaves []Leaf) ([]byte, error) {
	tree, err := BuildTree(leaves)
	if err != nil {
		return nil, err
	}
	return tree.MerkleRoot(), nil
}

// Verify rebuilds the tree over leaves and compares its root with expected.
func Verify(leaves []Leaf, expected []byte) error {
	tree, err := BuildTree(leaves)
	if err != nil {
		return err
	}
	ok, err := tree.VerifyTree()
	if err != nil {
		return fmt.Errorf("verify tree: %w", err)
	}
	if !ok {
		return errors.New("tree structure is invalid")
	}
	if got := tree.MerkleRoot(); !bytes.Equal(got, expected) {
		return fmt.Errorf("%w: expected %x, got %x", ErrRootMismatch, expected, got)
	}
	return nil
}

// Proof is an inclusion proof for one leaf. Right[i] is true when Path[i] is
// the right-hand sibling at that level.
type Proof struct {
	Path  [][]byte
	Right []bool
}

// GenerateProof returns the inclusion proof of leaf in tree.
func GenerateProof(tree *merkletree.MerkleTree, leaf Leaf) (Proof, error) {
	if tree == nil {
		return Proof{}, errors.New("cannot generate proof from nil tree")
	}
	path, index, err := tree.GetMerklePath(Content{leaf: leaf})
	if err != nil {
		return Proof{}, fmt.Errorf("generate proof: %w", err)
	}
	if path == nil {
		return Proof{}, fmt.Errorf("%w: %q", ErrNotInTree, leaf.Name)
	}
	p := Proof{Path: path, Right: make([]bool, len(index))}
	for i, side := range index {
		p.Right[i] = side == 1
	}
	return p, nil
}

// VerifyProof recomputes the root from leaf and proof and compares it with
// root.
func VerifyProof(leaf Leaf, proof Proof, root []byte) (bool, error) {
	if len(proof.Path) != len(proof.Right) {
		return false, errors.New("malformed proof")
	}
	cur, err := Content{leaf: leaf}.CalculateHash()
	if err != nil {
		return false, err
	}
	for i, sibling := range proof.Path {
		h := sha256.New()
		if proof.Right[i] {
			h.Write(cur)
			h.Write(sibling)
		} else {
			h.Write(sibling)
			h.Write(cur)
		}
		cur = h.Sum(nil)
	}
	return bytes.Equal(cur, root), nil
}
