// Package chaintree maintains the in-memory tree of validated block headers.
// The tree is rooted at the genesis header or a trusted checkpoint, tracks
// every branch tip along with its cumulative proof of work, and designates
// the tip with the most work as the best chain.
//
// The tree is safe for concurrent readers, but it expects a single writer:
// only the sync coordinator calls Insert. Best-chain switches happen
// atomically under the tree lock, so a reader always observes either the old
// or the new best chain, never a mix.
package chaintree

import (
	"errors"
	"math/big"
	"sync"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrOrphanHeader is returned when a header's parent is not present
	// in the tree. The caller must fetch and insert the parent first;
	// headers are never admitted out of order.
	ErrOrphanHeader = errors.New("header does not connect to any known " +
		"header")

	// ErrReorgTooDeep is returned when a header attaches to a side branch
	// whose fork point is more than the configured maximum reorg depth
	// below the current best tip.
	ErrReorgTooDeep = errors.New("header forks from the best chain " +
		"deeper than the maximum reorg depth")
)

// OutcomeKind describes the effect an insert had on the tree.
type OutcomeKind int

const (
	// Duplicate means the header was already present. Re-inserting is a
	// no-op, not an error.
	Duplicate OutcomeKind = iota

	// ExtendedBestChain means the header built on the previous best tip.
	ExtendedBestChain

	// ExtendedSideChain means the header extended a branch other than the
	// best chain without overtaking it.
	ExtendedSideChain

	// CausedReorg means the header pushed a side branch's cumulative work
	// past the best chain, switching the best-chain pointer.
	CausedReorg
)

// String returns a human-readable outcome name.
func (k OutcomeKind) String() string {
	switch k {
	case Duplicate:
		return "duplicate"
	case ExtendedBestChain:
		return "extended best chain"
	case ExtendedSideChain:
		return "extended side chain"
	case CausedReorg:
		return "caused reorg"
	}
	return "unknown"
}

// InsertOutcome reports what an insert did. For CausedReorg the fork point
// and the detached/attached node lists are populated, both in
// ancestor-to-tip order.
type InsertOutcome struct {
	Kind OutcomeKind

	// Node is the tree node for the inserted header. For Duplicate it is
	// the already-present node.
	Node *Node

	// OldTip and NewTip are set for CausedReorg.
	OldTip *Node
	NewTip *Node

	// ForkPoint is the last common ancestor of OldTip and NewTip.
	ForkPoint *Node

	// Detached lists the nodes leaving the best chain, fork point first.
	Detached []*Node

	// Attached lists the nodes joining the best chain, fork point first.
	Attached []*Node
}

// Config houses the tree's policy knobs.
type Config struct {
	// CheckHeader validates a candidate header against its parent node
	// before it is admitted. A nil hook admits every connecting header,
	// which is only appropriate in tests.
	CheckHeader func(header *wire.BlockHeader, prev *Node) error

	// MaxReorgDepth bounds how far below the best tip a competing branch
	// may fork. Zero disables the bound.
	MaxReorgDepth int32
}

// Tree is the header chain tree. See the package documentation for the
// locking model.
type Tree struct {
	mtx sync.RWMutex

	cfg Config

	// nodes is the arena backing all tree nodes; a node's id is its index
	// here.
	nodes []*Node

	// index maps a block hash to its arena id.
	index map[chainhash.Hash]int32

	// tips is the set of arena ids with no children.
	tips map[int32]struct{}

	// best is the arena id of the best chain tip.
	best int32
}

// New constructs a tree rooted at the given header, which is trusted and not
// validated. rootHeight supports rooting the tree at a checkpoint rather than
// genesis.
func New(root wire.BlockHeader, rootHeight int32, cfg Config) *Tree {
	t := &Tree{
		cfg:   cfg,
		index: make(map[chainhash.Hash]int32),
		tips:  make(map[int32]struct{}),
	}

	rootNode := &Node{
		tree:    t,
		id:      0,
		parent:  -1,
		header:  root,
		hash:    root.BlockHash(),
		height:  rootHeight,
		workSum: blockchain.CalcWork(root.Bits),
	}
	t.nodes = append(t.nodes, rootNode)
	t.index[rootNode.hash] = 0
	t.tips[0] = struct{}{}
	t.best = 0

	return t
}

// Root returns the tree root node.
func (t *Tree) Root() *Node {
	t.mtx.RLock()
	defer t.mtx.RUnlock()

	return t.nodes[0]
}

// BestTip returns the tip of the chain with the most cumulative work.
func (t *Tree) BestTip() *Node {
	t.mtx.RLock()
	defer t.mtx.RUnlock()

	return t.nodes[t.best]
}

// NodeByHash returns the node for the given block hash, or nil when the hash
// is unknown.
func (t *Tree) NodeByHash(hash *chainhash.Hash) *Node {
	t.mtx.RLock()
	defer t.mtx.RUnlock()

	id, ok := t.index[*hash]
	if !ok {
		return nil
	}
	return t.nodes[id]
}

// Tips returns all current branch tips.
func (t *Tree) Tips() []*Node {
	t.mtx.RLock()
	defer t.mtx.RUnlock()

	tips := make([]*Node, 0, len(t.tips))
	for id := range t.tips {
		tips = append(tips, t.nodes[id])
	}
	return tips
}

// Len returns the number of headers in the tree.
func (t *Tree) Len() int {
	t.mtx.RLock()
	defer t.mtx.RUnlock()

	return len(t.nodes)
}

// IsOnBestChain reports whether the given hash is part of the current best
// chain.
func (t *Tree) IsOnBestChain(hash *chainhash.Hash) bool {
	t.mtx.RLock()
	defer t.mtx.RUnlock()

	id, ok := t.index[*hash]
	if !ok {
		return false
	}
	node := t.nodes[id]

	best := t.nodes[t.best]
	return t.ancestorOf(best, node.height) == node
}

// BestNodeAtHeight returns the node on the best chain at the given height,
// or nil when the height is outside the best chain.
func (t *Tree) BestNodeAtHeight(height int32) *Node {
	t.mtx.RLock()
	defer t.mtx.RUnlock()

	return t.ancestorOf(t.nodes[t.best], height)
}

// Insert validates the header against its parent and adds it to the tree,
// reporting how the best chain was affected. Inserting a known header is a
// no-op reported as Duplicate. A header whose parent is unknown fails with
// ErrOrphanHeader, and a header forking too deep below the best tip fails
// with ErrReorgTooDeep. Validation failures are returned unchanged from the
// CheckHeader hook and leave the tree untouched.
//
// Insert must only be called from the sync coordinator goroutine.
func (t *Tree) Insert(header *wire.BlockHeader) (*InsertOutcome, error) {
	hash := header.BlockHash()

	t.mtx.RLock()
	if id, ok := t.index[hash]; ok {
		node := t.nodes[id]
		t.mtx.RUnlock()
		return &InsertOutcome{Kind: Duplicate, Node: node}, nil
	}

	parentID, ok := t.index[header.PrevBlock]
	if !ok {
		t.mtx.RUnlock()
		return nil, ErrOrphanHeader
	}
	parent := t.nodes[parentID]

	// Reject headers whose branch already forks deeper below the best tip
	// than we are ever willing to reorg.
	if t.cfg.MaxReorgDepth > 0 {
		fork := t.forkPoint(t.nodes[t.best], parent)
		if t.nodes[t.best].height-fork.height > t.cfg.MaxReorgDepth {
			t.mtx.RUnlock()
			return nil, ErrReorgTooDeep
		}
	}
	t.mtx.RUnlock()

	// Validate outside the write lock. The validation hook may walk the
	// candidate's ancestry through the tree's read-locked accessors, and
	// we are the only writer, so the parent cannot disappear underneath
	// us.
	if t.cfg.CheckHeader != nil {
		if err := t.cfg.CheckHeader(header, parent); err != nil {
			return nil, err
		}
	}

	t.mtx.Lock()
	defer t.mtx.Unlock()

	node := &Node{
		tree:    t,
		id:      int32(len(t.nodes)),
		parent:  parent.id,
		header:  *header,
		hash:    hash,
		height:  parent.height + 1,
		workSum: new(big.Int).Add(
			parent.workSum, blockchain.CalcWork(header.Bits),
		),
	}
	t.nodes = append(t.nodes, node)
	t.index[hash] = node.id
	parent.children = append(parent.children, node.id)

	delete(t.tips, parent.id)
	t.tips[node.id] = struct{}{}

	best := t.nodes[t.best]
	outcome := &InsertOutcome{Node: node}

	switch {
	case parent.id == best.id:
		t.best = node.id
		outcome.Kind = ExtendedBestChain

	// Switch only on strictly more work, so ties keep the earlier-seen
	// tip.
	case node.workSum.Cmp(best.workSum) > 0:
		fork := t.forkPoint(best, node)
		outcome.Kind = CausedReorg
		outcome.OldTip = best
		outcome.NewTip = node
		outcome.ForkPoint = fork
		outcome.Detached = t.pathFrom(fork, best)
		outcome.Attached = t.pathFrom(fork, node)

		// The pointer swap is the reorg commit point; everything
		// above is derived data.
		t.best = node.id

	default:
		outcome.Kind = ExtendedSideChain
	}

	return outcome, nil
}

// Locator returns a sparse block locator for the best chain: dense over the
// most recent headers, then exponentially spaced, always ending at the tree
// root. maxEntries bounds the result length; values above the wire protocol
// limit are clamped to it.
func (t *Tree) Locator(maxEntries int) blockchain.BlockLocator {
	t.mtx.RLock()
	defer t.mtx.RUnlock()

	if maxEntries <= 0 || maxEntries > wire.MaxBlockLocatorsPerMsg {
		maxEntries = wire.MaxBlockLocatorsPerMsg
	}

	locator := make(blockchain.BlockLocator, 0, maxEntries)

	node := t.nodes[t.best]
	root := t.nodes[0]

	step := int32(1)
	for node != nil {
		hash := node.hash
		locator = append(locator, &hash)

		if node.id == root.id {
			return locator
		}

		// Leave room to always terminate with the root hash.
		if len(locator) >= maxEntries-1 {
			break
		}

		// Once the dense recent section is emitted, double the step
		// on every entry.
		if len(locator) > 10 {
			step *= 2
		}

		height := node.height - step
		if height < root.height {
			break
		}
		node = t.ancestorOf(node, height)
	}

	rootHash := root.hash
	return append(locator, &rootHash)
}

// forkPoint returns the last common ancestor of a and b. Callers must hold
// the tree lock. The walk compares heights first and then arena ids, and it
// always terminates at the shared root.
func (t *Tree) forkPoint(a, b *Node) *Node {
	for a.height > b.height {
		a = t.parentOf(a)
	}
	for b.height > a.height {
		b = t.parentOf(b)
	}
	for a.id != b.id {
		a = t.parentOf(a)
		b = t.parentOf(b)
	}
	return a
}

// pathFrom collects the nodes strictly between fork and tip, ordered from the
// node just above fork up to tip. Callers must hold the tree lock.
func (t *Tree) pathFrom(fork, tip *Node) []*Node {
	if fork.id == tip.id {
		return nil
	}

	path := make([]*Node, tip.height-fork.height)
	node := tip
	for i := len(path) - 1; i >= 0; i-- {
		path[i] = node
		node = t.parentOf(node)
	}
	return path
}
