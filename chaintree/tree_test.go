package chaintree

import (
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

const (
	// lowWorkBits is a very easy compact target, contributing roughly 2
	// units of work per header.
	lowWorkBits = uint32(0x207fffff)

	// highWorkBits is a much harder compact target, contributing several
	// hundred units of work per header.
	highWorkBits = uint32(0x1f7fffff)
)

var testTime = time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)

// testHeader fabricates a header linking to prev. The nonce keeps sibling
// headers distinct.
func testHeader(prev chainhash.Hash, bits, nonce uint32) *wire.BlockHeader {
	return &wire.BlockHeader{
		Version:   1,
		PrevBlock: prev,
		Timestamp: testTime.Add(time.Duration(nonce) * time.Minute),
		Bits:      bits,
		Nonce:     nonce,
	}
}

// newTestTree returns a tree rooted at a synthetic genesis header.
func newTestTree(t *testing.T, cfg Config) (*Tree, *wire.BlockHeader) {
	t.Helper()

	genesis := &wire.BlockHeader{
		Version:   1,
		Timestamp: testTime,
		Bits:      lowWorkBits,
	}

	return New(*genesis, 0, cfg), genesis
}

// extend inserts count headers with the given bits on top of prev and
// returns the inserted nodes.
func extend(t *testing.T, tree *Tree, prev chainhash.Hash, bits uint32,
	count int, nonceBase uint32) []*Node {

	t.Helper()

	nodes := make([]*Node, 0, count)
	for i := 0; i < count; i++ {
		header := testHeader(prev, bits, nonceBase+uint32(i))
		outcome, err := tree.Insert(header)
		require.NoError(t, err)

		nodes = append(nodes, outcome.Node)
		prev = header.BlockHash()
	}

	return nodes
}

// TestInsertExtendsBestChain asserts that inserting a valid header sequence
// in order advances the best tip one height per header with strictly
// increasing cumulative work.
func TestInsertExtendsBestChain(t *testing.T) {
	t.Parallel()

	tree, genesis := newTestTree(t, Config{})

	prev := genesis.BlockHash()
	prevWork := tree.BestTip().WorkSum()
	for i := 0; i < 10; i++ {
		header := testHeader(prev, lowWorkBits, uint32(i))
		outcome, err := tree.Insert(header)
		require.NoError(t, err)
		require.Equal(t, ExtendedBestChain, outcome.Kind)

		tip := tree.BestTip()
		require.Equal(t, int32(i+1), tip.Height())
		require.Equal(t, header.BlockHash(), tip.Hash())

		// Cumulative work must be strictly increasing along the
		// chain.
		require.Equal(t, 1, tip.WorkSum().Cmp(prevWork))
		prevWork = tip.WorkSum()

		prev = header.BlockHash()
	}

	require.Equal(t, 11, tree.Len())
}

// TestInsertOrphan asserts that a header whose parent is unknown is rejected
// and leaves the tree untouched.
func TestInsertOrphan(t *testing.T) {
	t.Parallel()

	tree, _ := newTestTree(t, Config{})

	unknown := chainhash.Hash{0x01, 0x02}
	header := testHeader(unknown, lowWorkBits, 0)

	_, err := tree.Insert(header)
	require.ErrorIs(t, err, ErrOrphanHeader)
	require.Equal(t, 1, tree.Len())
}

// TestInsertDuplicate asserts that re-inserting a known header is a no-op
// outcome rather than an error and does not duplicate the node.
func TestInsertDuplicate(t *testing.T) {
	t.Parallel()

	tree, genesis := newTestTree(t, Config{})

	header := testHeader(genesis.BlockHash(), lowWorkBits, 0)
	first, err := tree.Insert(header)
	require.NoError(t, err)
	require.Equal(t, ExtendedBestChain, first.Kind)

	second, err := tree.Insert(header)
	require.NoError(t, err)
	require.Equal(t, Duplicate, second.Kind)
	require.Same(t, first.Node, second.Node)
	require.Equal(t, 2, tree.Len())
}

// TestInvalidHeaderLeavesTreeUnchanged asserts that a validation hook
// rejection surfaces unchanged and the tree stays as it was.
func TestInvalidHeaderLeavesTreeUnchanged(t *testing.T) {
	t.Parallel()

	errBadHeader := errors.New("insufficient work")
	tree, genesis := newTestTree(t, Config{
		CheckHeader: func(*wire.BlockHeader, *Node) error {
			return errBadHeader
		},
	})

	before := tree.BestTip()

	header := testHeader(genesis.BlockHash(), lowWorkBits, 0)
	_, err := tree.Insert(header)
	require.ErrorIs(t, err, errBadHeader)

	require.Equal(t, 1, tree.Len())
	require.Same(t, before, tree.BestTip())
}

// TestReorg builds two branches off a common ancestor and asserts that the
// heavier branch takes over the best chain with a fully described reorg.
func TestReorg(t *testing.T) {
	t.Parallel()

	tree, genesis := newTestTree(t, Config{})

	// Branch A: three low-work headers on top of genesis.
	branchA := extend(t, tree, genesis.BlockHash(), lowWorkBits, 3, 100)
	require.Equal(t, branchA[2].Hash(), tree.BestTip().Hash())

	// Branch B: first header is a side chain extension with much more
	// work per header.
	headerB1 := testHeader(genesis.BlockHash(), highWorkBits, 200)
	outcome, err := tree.Insert(headerB1)
	require.NoError(t, err)

	// A single high-work header already outweighs the three low-work
	// ones, so this insert reorgs immediately.
	require.Equal(t, CausedReorg, outcome.Kind)
	require.Equal(t, branchA[2].Hash(), outcome.OldTip.Hash())
	require.Equal(t, headerB1.BlockHash(), outcome.NewTip.Hash())
	require.Equal(t, genesis.BlockHash(), outcome.ForkPoint.Hash())

	// Detached and attached lists are in ancestor-to-tip order.
	require.Len(t, outcome.Detached, 3)
	for i, node := range branchA {
		require.Same(t, node, outcome.Detached[i])
	}
	require.Len(t, outcome.Attached, 1)
	require.Same(t, outcome.NewTip, outcome.Attached[0])

	// The old branch is no longer part of the best chain.
	require.Equal(t, headerB1.BlockHash(), tree.BestTip().Hash())
	for _, node := range branchA {
		hash := node.Hash()
		require.False(t, tree.IsOnBestChain(&hash))
	}

	// Heights above the fork resolve to branch B only.
	atOne := tree.BestNodeAtHeight(1)
	require.NotNil(t, atOne)
	require.Equal(t, headerB1.BlockHash(), atOne.Hash())
}

// TestTieKeepsEarlierTip asserts that equal cumulative work does not switch
// the best chain.
func TestTieKeepsEarlierTip(t *testing.T) {
	t.Parallel()

	tree, genesis := newTestTree(t, Config{})

	first := extend(t, tree, genesis.BlockHash(), lowWorkBits, 1, 0)
	require.Equal(t, first[0].Hash(), tree.BestTip().Hash())

	// A sibling with identical bits carries identical work.
	sibling := testHeader(genesis.BlockHash(), lowWorkBits, 1)
	outcome, err := tree.Insert(sibling)
	require.NoError(t, err)
	require.Equal(t, ExtendedSideChain, outcome.Kind)
	require.Equal(t, first[0].Hash(), tree.BestTip().Hash())

	// Both branches are tracked as tips.
	require.Len(t, tree.Tips(), 2)
}

// TestReorgTooDeep asserts that a header attaching below the reorg horizon is
// rejected.
func TestReorgTooDeep(t *testing.T) {
	t.Parallel()

	tree, genesis := newTestTree(t, Config{MaxReorgDepth: 2})

	nodes := extend(t, tree, genesis.BlockHash(), lowWorkBits, 5, 0)
	require.Equal(t, int32(5), tree.BestTip().Height())

	// Attaching at height 1 would fork 4 below the tip.
	deep := testHeader(nodes[0].Hash(), lowWorkBits, 50)
	_, err := tree.Insert(deep)
	require.ErrorIs(t, err, ErrReorgTooDeep)

	// Attaching at height 3 forks exactly at the bound and is accepted.
	shallow := testHeader(nodes[2].Hash(), lowWorkBits, 51)
	outcome, err := tree.Insert(shallow)
	require.NoError(t, err)
	require.Equal(t, ExtendedSideChain, outcome.Kind)
}

// TestLocator asserts the sparse locator shape on a chain of height 2016:
// strictly decreasing, dense near the tip, exponentially spaced after, and
// terminated by the root.
func TestLocator(t *testing.T) {
	t.Parallel()

	tree, genesis := newTestTree(t, Config{})

	prev := genesis.BlockHash()
	for i := 0; i < 2016; i++ {
		header := testHeader(prev, lowWorkBits, uint32(i))
		_, err := tree.Insert(header)
		require.NoError(t, err)
		prev = header.BlockHash()
	}

	locator := tree.Locator(0)

	// Must start at the tip and end at the root.
	require.Equal(t, tree.BestTip().Hash(), *locator[0])
	require.Equal(t, genesis.BlockHash(), *locator[len(locator)-1])

	// Heights must be strictly decreasing, stepping by one over the dense
	// section and doubling afterwards. That keeps the total length around
	// 10 + log2(height).
	require.LessOrEqual(t, len(locator), 10+11+2)

	lastHeight := int32(-1)
	for i, hash := range locator {
		node := tree.NodeByHash(hash)
		require.NotNil(t, node, "locator entry %d unknown", i)

		if i > 0 {
			require.Less(t, node.Height(), lastHeight)
		}
		lastHeight = node.Height()
	}
}

// TestAncestorWalk asserts the id-based parent relation resolves ancestors
// and headers correctly.
func TestAncestorWalk(t *testing.T) {
	t.Parallel()

	tree, genesis := newTestTree(t, Config{})
	nodes := extend(t, tree, genesis.BlockHash(), lowWorkBits, 8, 0)

	tip := nodes[len(nodes)-1]
	require.Equal(t, int32(8), tip.Height())

	anc := tip.Ancestor(3)
	require.NotNil(t, anc)
	require.Same(t, nodes[2], anc)

	header, err := tip.AncestorHeader(3)
	require.NoError(t, err)
	require.Equal(t, anc.Hash(), header.BlockHash())

	// Heights above the node and below the root resolve to nothing.
	require.Nil(t, tip.Ancestor(9))
	_, err = tip.AncestorHeader(-1)
	require.Error(t, err)

	// The root has no parent.
	require.Nil(t, tree.Root().Parent())
}
