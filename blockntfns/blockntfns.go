// Package blockntfns defines the notifications the chain engine pushes to
// the wallet layer and the subscription manager that fans them out. Every
// subscriber gets its own buffered queue, so one slow consumer never blocks
// the sync coordinator or its fellow subscribers.
package blockntfns

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// BlockNtfn is an event concerning the best chain or data availability that
// the wallet layer may care about.
type BlockNtfn interface {
	fmt.Stringer

	// Height returns the height the notification concerns.
	Height() int32
}

// NewBestChain signals that the best chain extended to a new tip.
type NewBestChain struct {
	header wire.BlockHeader
	height int32
}

// NewNewBestChain constructs a best-chain extension notification.
func NewNewBestChain(header wire.BlockHeader, height int32) *NewBestChain {
	return &NewBestChain{header: header, height: height}
}

// Header returns the new tip header.
func (n *NewBestChain) Header() wire.BlockHeader {
	return n.header
}

// Height returns the new tip height.
func (n *NewBestChain) Height() int32 {
	return n.height
}

// String returns the notification in human-readable form.
func (n *NewBestChain) String() string {
	return fmt.Sprintf("block connected (height=%d, hash=%v)", n.height,
		n.header.BlockHash())
}

// Reorg signals that the best chain switched to a different branch.
type Reorg struct {
	oldTip     chainhash.Hash
	newTip     wire.BlockHeader
	newHeight  int32
	forkHeight int32
}

// NewReorg constructs a reorg notification.
func NewReorg(oldTip chainhash.Hash, newTip wire.BlockHeader, newHeight,
	forkHeight int32) *Reorg {

	return &Reorg{
		oldTip:     oldTip,
		newTip:     newTip,
		newHeight:  newHeight,
		forkHeight: forkHeight,
	}
}

// OldTip returns the hash of the tip that was abandoned.
func (n *Reorg) OldTip() chainhash.Hash {
	return n.oldTip
}

// NewTip returns the header of the tip that took over.
func (n *Reorg) NewTip() wire.BlockHeader {
	return n.newTip
}

// Height returns the new tip height.
func (n *Reorg) Height() int32 {
	return n.newHeight
}

// ForkHeight returns the height of the last common ancestor. Everything the
// wallet derived above it must be rolled back.
func (n *Reorg) ForkHeight() int32 {
	return n.forkHeight
}

// Depth returns how many old-branch blocks were detached.
func (n *Reorg) Depth() int32 {
	return n.newHeight - n.forkHeight
}

// String returns the notification in human-readable form.
func (n *Reorg) String() string {
	return fmt.Sprintf("chain reorganized (fork=%d, new tip height=%d, "+
		"new tip=%v)", n.forkHeight, n.newHeight,
		n.newTip.BlockHash())
}

// BlockAvailable signals that a requested block was downloaded and verified
// against its header.
type BlockAvailable struct {
	hash   chainhash.Hash
	height int32
}

// NewBlockAvailable constructs a block availability notification.
func NewBlockAvailable(hash chainhash.Hash, height int32) *BlockAvailable {
	return &BlockAvailable{hash: hash, height: height}
}

// Hash returns the block hash.
func (n *BlockAvailable) Hash() chainhash.Hash {
	return n.hash
}

// Height returns the block height.
func (n *BlockAvailable) Height() int32 {
	return n.height
}

// String returns the notification in human-readable form.
func (n *BlockAvailable) String() string {
	return fmt.Sprintf("block available (height=%d, hash=%v)", n.height,
		n.hash)
}

// FilterAvailable signals that a compact filter was downloaded for a block.
type FilterAvailable struct {
	hash   chainhash.Hash
	height int32
}

// NewFilterAvailable constructs a filter availability notification.
func NewFilterAvailable(hash chainhash.Hash, height int32) *FilterAvailable {
	return &FilterAvailable{hash: hash, height: height}
}

// Hash returns the hash of the block the filter belongs to.
func (n *FilterAvailable) Hash() chainhash.Hash {
	return n.hash
}

// Height returns the block height.
func (n *FilterAvailable) Height() int32 {
	return n.height
}

// String returns the notification in human-readable form.
func (n *FilterAvailable) String() string {
	return fmt.Sprintf("filter available (height=%d, hash=%v)", n.height,
		n.hash)
}
