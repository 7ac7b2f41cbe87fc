package chaintree

import (
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Node wraps a validated block header together with the fields derived from
// its position in the tree. Nodes live in the tree's arena and reference
// their parent and children by arena id rather than by pointer, so the
// parent/child relation never forms an ownership cycle.
//
// All fields except the children list are immutable once the node has been
// inserted. The children list is only mutated by the tree under its lock.
type Node struct {
	tree *Tree

	// id is the node's index in the tree arena.
	id int32

	// parent is the arena id of the parent node, or -1 for the root.
	parent int32

	// children holds the arena ids of all known children.
	children []int32

	header  wire.BlockHeader
	hash    chainhash.Hash
	height  int32
	workSum *big.Int
}

// Hash returns the block hash of the wrapped header.
func (n *Node) Hash() chainhash.Hash {
	return n.hash
}

// Height returns the height of this node in the chain.
func (n *Node) Height() int32 {
	return n.height
}

// Header returns a copy of the wrapped block header.
func (n *Node) Header() wire.BlockHeader {
	return n.header
}

// WorkSum returns the cumulative work of the chain from the tree root up to
// and including this node.
func (n *Node) WorkSum() *big.Int {
	return new(big.Int).Set(n.workSum)
}

// Parent returns the parent node, or nil for the tree root.
func (n *Node) Parent() *Node {
	n.tree.mtx.RLock()
	defer n.tree.mtx.RUnlock()

	return n.tree.parentOf(n)
}

// Ancestor returns the ancestor of this node at the given height on this
// node's branch. It returns nil when the height is above this node's height
// or below the tree root.
func (n *Node) Ancestor(height int32) *Node {
	n.tree.mtx.RLock()
	defer n.tree.mtx.RUnlock()

	return n.tree.ancestorOf(n, height)
}

// AncestorHeader returns the header of the ancestor at the given height on
// this node's branch. It satisfies the header view the validation package
// consumes.
func (n *Node) AncestorHeader(height int32) (*wire.BlockHeader, error) {
	anc := n.Ancestor(height)
	if anc == nil {
		return nil, fmt.Errorf("no ancestor at height %d below node "+
			"%v (height %d)", height, n.hash, n.height)
	}

	header := anc.header
	return &header, nil
}

// parentOf resolves the parent relation in the arena. Callers must hold the
// tree lock.
func (t *Tree) parentOf(n *Node) *Node {
	if n.parent < 0 {
		return nil
	}
	return t.nodes[n.parent]
}

// ancestorOf walks the parent relation down to the requested height. Callers
// must hold the tree lock.
func (t *Tree) ancestorOf(n *Node, height int32) *Node {
	if height > n.height {
		return nil
	}
	for n != nil && n.height > height {
		n = t.parentOf(n)
	}
	return n
}
