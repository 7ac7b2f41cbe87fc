// Package headerdb persists validated block headers through walletdb. The
// store keeps the canonical 80-byte serialization of every header it has
// seen, an index of the current best chain by height, and the set of branch
// tips. It is a durability layer only: the in-memory chain tree remains the
// source of truth for sync decisions, and the store is consulted again only
// on startup.
package headerdb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
)

var (
	// headersBucket holds hash -> 80-byte header for every known header,
	// side branches included.
	headersBucket = []byte("headers")

	// heightsBucket holds big-endian height -> hash for the best chain
	// only.
	heightsBucket = []byte("heights")

	// tipsBucket holds hash -> big-endian height for every branch tip.
	tipsBucket = []byte("tips")

	// metaBucket holds the chain-tip record.
	metaBucket = []byte("meta")

	chainTipKey = []byte("chain-tip")
)

var (
	// ErrHeaderNotFound is returned when a queried hash is not in the
	// store.
	ErrHeaderNotFound = errors.New("header not found in store")

	// ErrHeightNotFound is returned when a queried height is beyond the
	// stored best chain.
	ErrHeightNotFound = errors.New("no best-chain header at height")

	// ErrRollbackGenesis is returned when a rollback would remove the
	// root header.
	ErrRollbackGenesis = errors.New("cannot roll back the root header")
)

// headerLen is the length of the canonical wire serialization of a block
// header.
const headerLen = 80

// BlockHeader pairs a header with the height it was connected at, the unit
// handed to WriteHeaders.
type BlockHeader struct {
	*wire.BlockHeader

	Height uint32
}

// BlockStamp identifies a block by both hash and height.
type BlockStamp struct {
	Height int32
	Hash   chainhash.Hash
}

// Store provides persistent header storage over a walletdb backend.
type Store struct {
	mtx sync.RWMutex

	db walletdb.DB
}

// New opens (creating if necessary) the header store inside the given
// database and seeds it with the root header when empty.
func New(db walletdb.DB, root *wire.BlockHeader, rootHeight uint32) (*Store,
	error) {

	s := &Store{db: db}

	err := walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		for _, name := range [][]byte{
			headersBucket, heightsBucket, tipsBucket, metaBucket,
		} {
			if _, err := tx.CreateTopLevelBucket(name); err != nil {
				return err
			}
		}

		meta := tx.ReadWriteBucket(metaBucket)
		if meta.Get(chainTipKey) != nil {
			return nil
		}

		// Empty store: seed with the trusted root.
		return putHeader(tx, root, rootHeight, true)
	})
	if err != nil {
		return nil, fmt.Errorf("unable to initialize header store: %w",
			err)
	}

	return s, nil
}

// serializeHeader renders the canonical 80-byte layout.
func serializeHeader(header *wire.BlockHeader) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(headerLen)
	if err := header.Serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// deserializeHeader parses the canonical 80-byte layout.
func deserializeHeader(b []byte) (*wire.BlockHeader, error) {
	var header wire.BlockHeader
	if err := header.Deserialize(bytes.NewReader(b)); err != nil {
		return nil, err
	}
	return &header, nil
}

func heightKey(height uint32) []byte {
	var key [4]byte
	binary.BigEndian.PutUint32(key[:], height)
	return key[:]
}

// putHeader writes a single header into all relevant buckets within the
// given transaction. The header is assumed to extend the current best chain
// when extendTip is set.
func putHeader(tx walletdb.ReadWriteTx, header *wire.BlockHeader,
	height uint32, extendTip bool) error {

	raw, err := serializeHeader(header)
	if err != nil {
		return err
	}
	hash := header.BlockHash()

	if err := tx.ReadWriteBucket(headersBucket).Put(hash[:], raw); err != nil {
		return err
	}

	tips := tx.ReadWriteBucket(tipsBucket)
	if err := tips.Delete(header.PrevBlock[:]); err != nil {
		return err
	}
	if err := tips.Put(hash[:], heightKey(height)); err != nil {
		return err
	}

	if !extendTip {
		return nil
	}

	heights := tx.ReadWriteBucket(heightsBucket)
	if err := heights.Put(heightKey(height), hash[:]); err != nil {
		return err
	}

	var tip [36]byte
	copy(tip[:32], hash[:])
	binary.BigEndian.PutUint32(tip[32:], height)
	return tx.ReadWriteBucket(metaBucket).Put(chainTipKey, tip[:])
}

// WriteHeaders persists a batch of best-chain headers atomically in a single
// transaction. Headers must be supplied in ascending height order.
func (s *Store) WriteHeaders(headers ...BlockHeader) error {
	if len(headers) == 0 {
		return nil
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		for _, header := range headers {
			err := putHeader(tx, header.BlockHeader,
				header.Height, true)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// WriteSideHeaders persists headers that are not (or not yet) on the best
// chain: their bytes and tip status are recorded, but the height index and
// chain tip stay untouched.
func (s *Store) WriteSideHeaders(headers ...BlockHeader) error {
	if len(headers) == 0 {
		return nil
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		for _, header := range headers {
			err := putHeader(tx, header.BlockHeader,
				header.Height, false)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// FetchHeader returns the header with the given hash along with its height
// when it lies on the best chain.
func (s *Store) FetchHeader(hash *chainhash.Hash) (*wire.BlockHeader, uint32,
	error) {

	s.mtx.RLock()
	defer s.mtx.RUnlock()

	var (
		header *wire.BlockHeader
		height uint32
	)
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		raw := tx.ReadBucket(headersBucket).Get(hash[:])
		if raw == nil {
			return ErrHeaderNotFound
		}

		var err error
		header, err = deserializeHeader(raw)
		if err != nil {
			return err
		}

		height, err = bestChainHeight(tx, hash, header)
		return err
	})
	if err != nil {
		return nil, 0, err
	}

	return header, height, nil
}

// bestChainHeight scans upward from the header's position for its height on
// the best chain. Headers only reachable on side branches report the height
// recorded in the tips bucket or zero.
func bestChainHeight(tx walletdb.ReadTx, hash *chainhash.Hash,
	header *wire.BlockHeader) (uint32, error) {

	if tipHeight := tx.ReadBucket(tipsBucket).Get(hash[:]); tipHeight != nil {
		return binary.BigEndian.Uint32(tipHeight), nil
	}

	// Walk the best chain index backwards from the tip; header stores
	// stay small enough that this linear fallback is acceptable for the
	// rare mid-chain hash lookup.
	tip := tx.ReadBucket(metaBucket).Get(chainTipKey)
	if tip == nil {
		return 0, ErrHeaderNotFound
	}
	tipHeight := binary.BigEndian.Uint32(tip[32:])

	heights := tx.ReadBucket(heightsBucket)
	for h := int64(tipHeight); h >= 0; h-- {
		candidate := heights.Get(heightKey(uint32(h)))
		if candidate != nil && bytes.Equal(candidate, hash[:]) {
			return uint32(h), nil
		}
	}

	return 0, nil
}

// FetchHeaderByHeight returns the best-chain header at the given height.
func (s *Store) FetchHeaderByHeight(height uint32) (*wire.BlockHeader, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	var header *wire.BlockHeader
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		hash := tx.ReadBucket(heightsBucket).Get(heightKey(height))
		if hash == nil {
			return ErrHeightNotFound
		}

		raw := tx.ReadBucket(headersBucket).Get(hash)
		if raw == nil {
			return ErrHeaderNotFound
		}

		var err error
		header, err = deserializeHeader(raw)
		return err
	})
	if err != nil {
		return nil, err
	}

	return header, nil
}

// ChainTip returns the best-chain tip header and its height.
func (s *Store) ChainTip() (*wire.BlockHeader, uint32, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	var (
		header *wire.BlockHeader
		height uint32
	)
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		tip := tx.ReadBucket(metaBucket).Get(chainTipKey)
		if tip == nil {
			return ErrHeaderNotFound
		}
		height = binary.BigEndian.Uint32(tip[32:])

		raw := tx.ReadBucket(headersBucket).Get(tip[:32])
		if raw == nil {
			return ErrHeaderNotFound
		}

		var err error
		header, err = deserializeHeader(raw)
		return err
	})
	if err != nil {
		return nil, 0, err
	}

	return header, height, nil
}

// RollbackLastBlock removes the current tip from the best-chain index and
// returns the stamp of the new tip. Header bytes are retained so the
// detached header can still be fetched by hash.
func (s *Store) RollbackLastBlock() (*BlockStamp, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	var stamp BlockStamp
	err := walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		meta := tx.ReadWriteBucket(metaBucket)
		tip := meta.Get(chainTipKey)
		if tip == nil {
			return ErrHeaderNotFound
		}
		height := binary.BigEndian.Uint32(tip[32:])
		if height == 0 {
			return ErrRollbackGenesis
		}

		heights := tx.ReadWriteBucket(heightsBucket)
		if err := heights.Delete(heightKey(height)); err != nil {
			return err
		}

		prevHash := heights.Get(heightKey(height - 1))
		if prevHash == nil {
			return ErrHeightNotFound
		}

		var newTip [36]byte
		copy(newTip[:32], prevHash)
		binary.BigEndian.PutUint32(newTip[32:], height-1)
		if err := meta.Put(chainTipKey, newTip[:]); err != nil {
			return err
		}

		stamp.Height = int32(height - 1)
		copy(stamp.Hash[:], prevHash)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &stamp, nil
}

// ListTips enumerates the hashes of all branch tips currently recorded.
func (s *Store) ListTips() ([]chainhash.Hash, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	var tips []chainhash.Hash
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		return tx.ReadBucket(tipsBucket).ForEach(
			func(k, _ []byte) error {
				var hash chainhash.Hash
				copy(hash[:], k)
				tips = append(tips, hash)
				return nil
			},
		)
	})
	if err != nil {
		return nil, err
	}

	return tips, nil
}

// LatestBlockLocator returns a locator over the stored best chain: dense for
// the ten most recent headers and exponentially spaced down to the root.
func (s *Store) LatestBlockLocator() (blockchain.BlockLocator, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	var locator blockchain.BlockLocator
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		tip := tx.ReadBucket(metaBucket).Get(chainTipKey)
		if tip == nil {
			return ErrHeaderNotFound
		}
		tipHeight := binary.BigEndian.Uint32(tip[32:])

		heights := tx.ReadBucket(heightsBucket)

		appendHeight := func(height uint32) error {
			raw := heights.Get(heightKey(height))
			if raw == nil {
				return ErrHeightNotFound
			}
			var hash chainhash.Hash
			copy(hash[:], raw)
			locator = append(locator, &hash)
			return nil
		}

		height := int64(tipHeight)
		step := int64(1)
		for height > 0 {
			if err := appendHeight(uint32(height)); err != nil {
				return err
			}
			if len(locator) > 10 {
				step *= 2
			}
			height -= step
		}

		return appendHeight(0)
	})
	if err != nil {
		return nil, err
	}

	return locator, nil
}

// FetchHeaderAncestors fetches the numHeaders+1 best-chain headers ending at
// stopHash, returned in ascending height order together with the height of
// the first one.
func (s *Store) FetchHeaderAncestors(numHeaders uint32,
	stopHash *chainhash.Hash) ([]wire.BlockHeader, uint32, error) {

	stopHeader, stopHeight, err := s.FetchHeader(stopHash)
	if err != nil {
		return nil, 0, err
	}
	if stopHeight < numHeaders {
		return nil, 0, ErrHeightNotFound
	}

	startHeight := stopHeight - numHeaders
	headers := make([]wire.BlockHeader, 0, numHeaders+1)

	s.mtx.RLock()
	defer s.mtx.RUnlock()

	err = walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		heights := tx.ReadBucket(heightsBucket)
		all := tx.ReadBucket(headersBucket)

		for h := startHeight; h < stopHeight; h++ {
			hash := heights.Get(heightKey(h))
			if hash == nil {
				return ErrHeightNotFound
			}
			raw := all.Get(hash)
			if raw == nil {
				return ErrHeaderNotFound
			}
			header, err := deserializeHeader(raw)
			if err != nil {
				return err
			}
			headers = append(headers, *header)
		}

		headers = append(headers, *stopHeader)
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	return headers, startHeight, nil
}

// HeightFromHash returns the best-chain height for a hash.
func (s *Store) HeightFromHash(hash *chainhash.Hash) (uint32, error) {
	_, height, err := s.FetchHeader(hash)
	return height, err
}
