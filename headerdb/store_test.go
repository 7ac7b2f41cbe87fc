package headerdb

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/stretchr/testify/require"
)

var testTime = time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)

// testHeader fabricates a header linking to prev. The nonce keeps sibling
// headers distinct.
func testHeader(prev chainhash.Hash, nonce uint32) *wire.BlockHeader {
	return &wire.BlockHeader{
		Version:   1,
		PrevBlock: prev,
		Timestamp: testTime.Add(time.Duration(nonce) * time.Minute),
		Bits:      0x207fffff,
		Nonce:     nonce,
	}
}

// newTestStore opens a store over a fresh bbolt file seeded with a synthetic
// genesis header.
func newTestStore(t *testing.T) (*Store, *wire.BlockHeader) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "headers.db")
	db, err := walletdb.Create("bdb", dbPath, true, 10*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	genesis := testHeader(chainhash.Hash{}, 0)
	store, err := New(db, genesis, 0)
	require.NoError(t, err)

	return store, genesis
}

// writeChain persists count headers on top of prev and returns them.
func writeChain(t *testing.T, store *Store, prev *wire.BlockHeader,
	startHeight uint32, count int) []*wire.BlockHeader {

	t.Helper()

	batch := make([]BlockHeader, 0, count)
	headers := make([]*wire.BlockHeader, 0, count)

	prevHash := prev.BlockHash()
	for i := 0; i < count; i++ {
		header := testHeader(prevHash, uint32(1000+i))
		batch = append(batch, BlockHeader{
			BlockHeader: header,
			Height:      startHeight + uint32(i),
		})
		headers = append(headers, header)
		prevHash = header.BlockHash()
	}

	require.NoError(t, store.WriteHeaders(batch...))
	return headers
}

// TestNewSeedsRoot asserts a fresh store exposes the root as its tip and that
// reopening over the same database does not reseed.
func TestNewSeedsRoot(t *testing.T) {
	t.Parallel()

	store, genesis := newTestStore(t)

	tip, height, err := store.ChainTip()
	require.NoError(t, err)
	require.Equal(t, uint32(0), height)
	require.Equal(t, genesis.BlockHash(), tip.BlockHash())

	// Reopening must keep existing state rather than rewriting the root.
	writeChain(t, store, genesis, 1, 3)
	reopened, err := New(store.db, genesis, 0)
	require.NoError(t, err)

	_, height, err = reopened.ChainTip()
	require.NoError(t, err)
	require.Equal(t, uint32(3), height)
}

// TestWriteAndFetch round-trips a small chain through the store.
func TestWriteAndFetch(t *testing.T) {
	t.Parallel()

	store, genesis := newTestStore(t)
	headers := writeChain(t, store, genesis, 1, 5)

	// By hash.
	hash := headers[2].BlockHash()
	header, height, err := store.FetchHeader(&hash)
	require.NoError(t, err)
	require.Equal(t, uint32(3), height)
	require.Equal(t, hash, header.BlockHash())

	// By height.
	header, err = store.FetchHeaderByHeight(3)
	require.NoError(t, err)
	require.Equal(t, hash, header.BlockHash())

	// The tip advanced with the batch.
	tip, tipHeight, err := store.ChainTip()
	require.NoError(t, err)
	require.Equal(t, uint32(5), tipHeight)
	require.Equal(t, headers[4].BlockHash(), tip.BlockHash())

	// Unknown lookups fail with the sentinel errors.
	unknown := chainhash.Hash{0xde, 0xad}
	_, _, err = store.FetchHeader(&unknown)
	require.ErrorIs(t, err, ErrHeaderNotFound)

	_, err = store.FetchHeaderByHeight(42)
	require.ErrorIs(t, err, ErrHeightNotFound)
}

// TestRollbackLastBlock asserts rollback walks the tip backwards one header
// at a time, retains detached header bytes and refuses to remove the root.
func TestRollbackLastBlock(t *testing.T) {
	t.Parallel()

	store, genesis := newTestStore(t)
	headers := writeChain(t, store, genesis, 1, 2)

	stamp, err := store.RollbackLastBlock()
	require.NoError(t, err)
	require.Equal(t, int32(1), stamp.Height)
	require.Equal(t, headers[0].BlockHash(), stamp.Hash)

	// The detached header is still fetchable by hash.
	detached := headers[1].BlockHash()
	header, _, err := store.FetchHeader(&detached)
	require.NoError(t, err)
	require.Equal(t, detached, header.BlockHash())

	// But no longer part of the best chain index.
	_, err = store.FetchHeaderByHeight(2)
	require.ErrorIs(t, err, ErrHeightNotFound)

	_, err = store.RollbackLastBlock()
	require.NoError(t, err)

	_, err = store.RollbackLastBlock()
	require.ErrorIs(t, err, ErrRollbackGenesis)
}

// TestListTips asserts side-chain writes surface as extra branch tips while
// extending a branch replaces its previous tip.
func TestListTips(t *testing.T) {
	t.Parallel()

	store, genesis := newTestStore(t)
	headers := writeChain(t, store, genesis, 1, 3)

	tips, err := store.ListTips()
	require.NoError(t, err)
	require.Len(t, tips, 1)
	require.Equal(t, headers[2].BlockHash(), tips[0])

	// A fork off the first header adds a second tip.
	fork := testHeader(headers[0].BlockHash(), 7777)
	err = store.WriteSideHeaders(BlockHeader{
		BlockHeader: fork, Height: 2,
	})
	require.NoError(t, err)

	tips, err = store.ListTips()
	require.NoError(t, err)
	require.Len(t, tips, 2)

	// Extending the fork keeps the tip count stable.
	fork2 := testHeader(fork.BlockHash(), 7778)
	err = store.WriteSideHeaders(BlockHeader{
		BlockHeader: fork2, Height: 3,
	})
	require.NoError(t, err)

	tips, err = store.ListTips()
	require.NoError(t, err)
	require.Len(t, tips, 2)
}

// TestLatestBlockLocator asserts locator shape over a longer chain: tip
// first, root last, strictly decreasing and dense near the tip.
func TestLatestBlockLocator(t *testing.T) {
	t.Parallel()

	store, genesis := newTestStore(t)
	headers := writeChain(t, store, genesis, 1, 64)

	locator, err := store.LatestBlockLocator()
	require.NoError(t, err)
	require.NotEmpty(t, locator)

	require.Equal(t, headers[63].BlockHash(), *locator[0])
	require.Equal(t, genesis.BlockHash(), *locator[len(locator)-1])

	// The ten entries after the tip step down one height at a time.
	for i := 1; i <= 10; i++ {
		require.Equal(t, headers[63-i].BlockHash(), *locator[i])
	}

	require.Less(t, len(locator), 64)
}

// TestFetchHeaderAncestors asserts the ancestor range query returns headers
// in ascending order ending at the stop hash.
func TestFetchHeaderAncestors(t *testing.T) {
	t.Parallel()

	store, genesis := newTestStore(t)
	headers := writeChain(t, store, genesis, 1, 10)

	stop := headers[8].BlockHash()
	fetched, startHeight, err := store.FetchHeaderAncestors(4, &stop)
	require.NoError(t, err)
	require.Equal(t, uint32(5), startHeight)
	require.Len(t, fetched, 5)

	for i, header := range fetched {
		require.Equal(t, headers[4+i].BlockHash(), header.BlockHash())
	}
}
