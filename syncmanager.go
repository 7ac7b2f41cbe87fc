package spvchain

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"

	"github.com/spvclient/spvchain/banman"
	"github.com/spvclient/spvchain/blockntfns"
	"github.com/spvclient/spvchain/chaintree"
	"github.com/spvclient/spvchain/chanutils"
	"github.com/spvclient/spvchain/headerdb"
	"github.com/spvclient/spvchain/query"
	"github.com/spvclient/spvchain/validation"
)

const (
	// defaultStallInterval is how often the request ledger is scanned for
	// expired requests.
	defaultStallInterval = 5 * time.Second

	// maxRequestAttempts is how many peers are asked for the same piece
	// of data before the manager gives up on it for this round.
	maxRequestAttempts = 3

	// headerBatchQueueSize bounds the header write queue feeding the
	// batch writer.
	headerBatchQueueSize = 2000

	// headerWriteTimeout is how long the batch writer waits for more
	// headers before flushing a partial batch.
	headerWriteTimeout = 500 * time.Millisecond

	// headerWriteRetries and headerWriteBackoff shape the retry policy
	// for failed store writes. The in-memory tree stays authoritative, so
	// a dropped batch only degrades durability.
	headerWriteRetries = 5
	headerWriteBackoff = 100 * time.Millisecond
)

// zeroHash is the zero value hash (all zeros). It is defined as a
// convenience.
var zeroHash chainhash.Hash

// SyncState describes the coordinator's current phase.
type SyncState uint32

const (
	// SyncIdle means no peers are available to sync from.
	SyncIdle SyncState = iota

	// SyncHeaders means headers are being downloaded and validated.
	SyncHeaders

	// SyncBlocks means headers are caught up and blocks in the ranges of
	// interest are being fetched.
	SyncBlocks

	// SyncFilters means compact filters for the ranges of interest are
	// being fetched. This phase is opportunistic and does not gate
	// SyncDone.
	SyncFilters

	// SyncDone means the local best height matches the network's
	// advertised height.
	SyncDone
)

// String returns a human-readable state name.
func (s SyncState) String() string {
	switch s {
	case SyncIdle:
		return "idle"
	case SyncHeaders:
		return "headers sync"
	case SyncBlocks:
		return "blocks sync"
	case SyncFilters:
		return "filters sync"
	case SyncDone:
		return "synced"
	}
	return "unknown"
}

// HeightRange is a closed interval of block heights the wallet layer cares
// about.
type HeightRange struct {
	Start int32
	End   int32
}

// SyncPeer is the view of a connected peer the sync manager needs. The
// concrete implementation is ServerPeer; tests substitute mocks.
type SyncPeer interface {
	// Addr returns the peer's address, used as its identity.
	Addr() string

	// Services returns the service bits the peer advertised.
	Services() wire.ServiceFlag

	// LastBlock returns the peer's best known height.
	LastBlock() int32

	// StartingHeight returns the height the peer advertised at connect.
	StartingHeight() int32

	// UpdateLastBlock records a newer advertised height.
	UpdateLastBlock(height int32)

	// PushGetHeaders requests headers after the locator, stopping at
	// stopHash or after a full batch.
	PushGetHeaders(locator blockchain.BlockLocator,
		stopHash *chainhash.Hash) error

	// PushGetData requests the given inventory.
	PushGetData(inv []*wire.InvVect) error

	// PushGetCFilters requests compact filters for a height range ending
	// at stopHash.
	PushGetCFilters(startHeight uint32, stopHash *chainhash.Hash) error

	// Disconnect tears the connection down.
	Disconnect(err error)
}

// HeaderStore is the durability surface the sync manager writes through.
// *headerdb.Store satisfies it.
type HeaderStore interface {
	WriteHeaders(headers ...headerdb.BlockHeader) error
	WriteSideHeaders(headers ...headerdb.BlockHeader) error
	RollbackLastBlock() (*headerdb.BlockStamp, error)
}

// newPeerMsg signifies a newly ready peer to the sync handler.
type newPeerMsg struct {
	peer SyncPeer
}

// donePeerMsg signifies a disconnected peer to the sync handler.
type donePeerMsg struct {
	peer SyncPeer
}

// headersMsg packages a headers message and the peer it came from.
type headersMsg struct {
	headers *wire.MsgHeaders
	peer    SyncPeer
}

// invMsg packages an inv message and the peer it came from.
type invMsg struct {
	inv  *wire.MsgInv
	peer SyncPeer
}

// blockMsg packages a block message and the peer it came from.
type blockMsg struct {
	block *wire.MsgBlock
	peer  SyncPeer
}

// cfilterMsg packages a cfilter message and the peer it came from.
type cfilterMsg struct {
	filter *wire.MsgCFilter
	peer   SyncPeer
}

// SyncManagerConfig holds the dependencies the sync manager operates on.
type SyncManagerConfig struct {
	// ChainParams is the chain we are running on.
	ChainParams chaincfg.Params

	// Tree is the in-memory header chain tree, the authoritative chain
	// state.
	Tree *chaintree.Tree

	// Checker validates candidate headers. It is also installed as the
	// tree's CheckHeader hook by the chain service.
	Checker *validation.Checker

	// Store persists validated best-chain headers.
	Store HeaderStore

	// TimeSource tracks network-adjusted time.
	TimeSource blockchain.MedianTimeSource

	// Ntfns fans chain events out to the wallet layer.
	Ntfns *blockntfns.SubscriptionManager

	// BanScores tracks peer misbehavior.
	BanScores *banman.Manager

	// OnBan is invoked when a peer crosses the ban threshold, so the
	// verdict can be persisted. May be nil.
	OnBan func(addr string, until time.Time)

	// RangesOfInterest is pulled when entering block or filter download
	// to learn which heights the wallet layer wants data for. A nil
	// function or empty result skips those downloads.
	RangesOfInterest func() []HeightRange

	// StallTicker paces the request ledger timeout scan. Defaults to a
	// real ticker at defaultStallInterval; tests inject ticker.NewForce.
	StallTicker ticker.Ticker

	// RequestTimeout is the response deadline for tracked requests.
	RequestTimeout time.Duration

	// Clock supplies the time for the ledger deadline scan.
	Clock clock.Clock
}

// SyncManager walks the chain through header, block and filter download. All
// chain state is mutated from the single syncHandler goroutine; the public
// methods only queue events onto its channel.
type SyncManager struct {
	started  int32 // To be used atomically.
	shutdown int32 // To be used atomically.

	state    uint32 // SyncState, used atomically.
	reorging uint32 // Used atomically.

	cfg *SyncManagerConfig

	// peerChan is the single channel all peer events arrive on.
	peerChan chan interface{}

	// candidates is the set of ready peers, keyed by address. Only the
	// syncHandler goroutine touches it.
	candidates map[string]SyncPeer

	// syncPeer is the peer headers are currently requested from.
	syncPeer      SyncPeer
	syncPeerMutex sync.RWMutex

	// ledger tracks outstanding requests and their deadlines.
	ledger *query.Ledger

	// headersPending is the key of the outstanding getheaders request,
	// nil when none is in flight.
	headersPending *query.Key

	// wantedBlocks maps the block hashes still to be downloaded to their
	// heights on the best chain.
	wantedBlocks map[chainhash.Hash]int32

	// nextCheckpoint guides the stop hash during checkpointed header
	// download.
	nextCheckpoint *chaincfg.Checkpoint

	// headerWriter batches best-chain header writes to the store.
	headerWriter *chanutils.BatchWriter[headerdb.BlockHeader]

	// progressLogger summarizes header throughput while syncing.
	progressLogger *headerProgressLogger

	// storeTip mirrors the height the store believes is its best tip. It
	// only matters during reorg rollback and is maintained on the
	// syncHandler goroutine.
	storeTip int32

	wg   sync.WaitGroup
	quit chan struct{}
}

// NewSyncManager constructs a sync manager. Use Start to begin processing
// events.
func NewSyncManager(cfg *SyncManagerConfig) (*SyncManager, error) {
	if cfg.Tree == nil || cfg.Checker == nil || cfg.Store == nil {
		return nil, errors.New("sync manager requires a tree, " +
			"checker and store")
	}
	if cfg.StallTicker == nil {
		cfg.StallTicker = ticker.New(defaultStallInterval)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = query.DefaultTimeout
	}

	m := &SyncManager{
		cfg:        cfg,
		peerChan:   make(chan interface{}, 64),
		candidates: make(map[string]SyncPeer),
		ledger: query.NewLedger(query.Config{
			Timeout: cfg.RequestTimeout,
			Clock:   cfg.Clock,
		}),
		wantedBlocks: make(map[chainhash.Hash]int32),
		progressLogger: newBlockProgressLogger(
			"Processed", "block header", log,
		),
		quit: make(chan struct{}),
	}

	tip := cfg.Tree.BestTip()
	m.storeTip = tip.Height()
	m.nextCheckpoint = m.findNextCheckpoint(tip.Height())

	m.headerWriter = chanutils.NewBatchWriter(
		&chanutils.BatchWriterConfig[headerdb.BlockHeader]{
			QueueBufferSize:        headerBatchQueueSize,
			MaxBatch:               wire.MaxBlockHeadersPerMsg,
			DBWritesTickerDuration: headerWriteTimeout,
			MaxRetries:             headerWriteRetries,
			RetryBackoff:           headerWriteBackoff,
			Logger:                 log,
			PutItems:               cfg.Store.WriteHeaders,
		},
	)

	return m, nil
}

// Start begins the sync handler which processes all peer events.
func (m *SyncManager) Start() {
	if atomic.AddInt32(&m.started, 1) != 1 {
		return
	}

	log.Trace("Starting sync manager")
	m.headerWriter.Start()

	m.wg.Add(1)
	go m.syncHandler()
}

// Stop gracefully shuts the sync manager down and waits for the handler to
// finish.
func (m *SyncManager) Stop() error {
	if atomic.AddInt32(&m.shutdown, 1) != 1 {
		log.Warnf("Sync manager is already in the process of " +
			"shutting down")
		return nil
	}

	log.Infof("Sync manager shutting down")
	close(m.quit)
	m.wg.Wait()

	m.headerWriter.Stop()
	return nil
}

// State returns the coordinator's current phase.
func (m *SyncManager) State() SyncState {
	return SyncState(atomic.LoadUint32(&m.state))
}

// IsReorging reports whether a reorg is being applied right now. It overlays
// whatever State reports.
func (m *SyncManager) IsReorging() bool {
	return atomic.LoadUint32(&m.reorging) == 1
}

// BestHeight returns the height of the best chain tip.
func (m *SyncManager) BestHeight() int32 {
	return m.cfg.Tree.BestTip().Height()
}

// SyncPeer returns the current header sync peer, or nil.
func (m *SyncManager) SyncPeer() SyncPeer {
	m.syncPeerMutex.RLock()
	defer m.syncPeerMutex.RUnlock()

	return m.syncPeer
}

// NewPeer informs the sync manager of a newly ready peer.
func (m *SyncManager) NewPeer(p SyncPeer) {
	if atomic.LoadInt32(&m.shutdown) != 0 {
		return
	}

	select {
	case m.peerChan <- &newPeerMsg{peer: p}:
	case <-m.quit:
	}
}

// DonePeer informs the sync manager that a peer has disconnected.
func (m *SyncManager) DonePeer(p SyncPeer) {
	if atomic.LoadInt32(&m.shutdown) != 0 {
		return
	}

	select {
	case m.peerChan <- &donePeerMsg{peer: p}:
	case <-m.quit:
	}
}

// QueueHeaders adds a headers message to the sync handler queue.
func (m *SyncManager) QueueHeaders(headers *wire.MsgHeaders, from SyncPeer) {
	if atomic.LoadInt32(&m.shutdown) != 0 {
		return
	}

	select {
	case m.peerChan <- &headersMsg{headers: headers, peer: from}:
	case <-m.quit:
	}
}

// QueueInv adds an inv message to the sync handler queue.
func (m *SyncManager) QueueInv(inv *wire.MsgInv, from SyncPeer) {
	if atomic.LoadInt32(&m.shutdown) != 0 {
		return
	}

	select {
	case m.peerChan <- &invMsg{inv: inv, peer: from}:
	case <-m.quit:
	}
}

// QueueBlock adds a block message to the sync handler queue.
func (m *SyncManager) QueueBlock(block *wire.MsgBlock, from SyncPeer) {
	if atomic.LoadInt32(&m.shutdown) != 0 {
		return
	}

	select {
	case m.peerChan <- &blockMsg{block: block, peer: from}:
	case <-m.quit:
	}
}

// QueueCFilter adds a cfilter message to the sync handler queue.
func (m *SyncManager) QueueCFilter(filter *wire.MsgCFilter, from SyncPeer) {
	if atomic.LoadInt32(&m.shutdown) != 0 {
		return
	}

	select {
	case m.peerChan <- &cfilterMsg{filter: filter, peer: from}:
	case <-m.quit:
	}
}

// syncHandler is the single goroutine that owns all chain state. It
// processes peer events and the stall ticker.
func (m *SyncManager) syncHandler() {
	defer m.wg.Done()

	m.cfg.StallTicker.Resume()
	defer m.cfg.StallTicker.Stop()

out:
	for {
		select {
		case event := <-m.peerChan:
			switch e := event.(type) {
			case *newPeerMsg:
				m.handleNewPeer(e.peer)

			case *donePeerMsg:
				m.handleDonePeer(e.peer)

			case *headersMsg:
				m.handleHeaders(e)

			case *invMsg:
				m.handleInv(e)

			case *blockMsg:
				m.handleBlock(e)

			case *cfilterMsg:
				m.handleCFilter(e)

			default:
				log.Warnf("Invalid event type in sync "+
					"handler: %T", e)
			}

		case <-m.cfg.StallTicker.Ticks():
			m.handleStallScan()

		case <-m.quit:
			break out
		}
	}

	log.Trace("Sync handler done")
}

// isSyncCandidate returns whether the peer can serve us the chain.
func (m *SyncManager) isSyncCandidate(p SyncPeer) bool {
	return p.Services()&wire.SFNodeNetwork == wire.SFNodeNetwork
}

// handleNewPeer admits a ready peer to the candidate set and kicks off
// syncing when none is in progress.
func (m *SyncManager) handleNewPeer(p SyncPeer) {
	if atomic.LoadInt32(&m.shutdown) != 0 {
		return
	}

	log.Infof("New valid peer %s (height=%d)", p.Addr(),
		p.StartingHeight())

	if !m.isSyncCandidate(p) {
		log.Debugf("Peer %s is not a sync candidate", p.Addr())
		return
	}

	m.candidates[p.Addr()] = p
	m.startSync()
}

// handleDonePeer removes a peer, reassigns its outstanding requests and
// elects a new sync peer when needed.
func (m *SyncManager) handleDonePeer(p SyncPeer) {
	addr := p.Addr()
	if _, ok := m.candidates[addr]; !ok {
		return
	}
	delete(m.candidates, addr)

	log.Infof("Lost peer %s", addr)

	orphaned := m.ledger.CancelPeer(addr)

	if m.SyncPeer() == p {
		m.setSyncPeer(nil)
		m.headersPending = nil
		m.startSync()
	}

	// Re-request any blocks or filters the lost peer still owed us.
	var blockKeys []query.Key
	for _, key := range orphaned {
		if key.Kind == query.KindBlock {
			blockKeys = append(blockKeys, key)
		}
	}
	m.dispatchBlockRequests(blockKeys)

	m.evaluateSyncState()
}

// startSync elects the best candidate and begins header download from it.
func (m *SyncManager) startSync() {
	if m.SyncPeer() != nil {
		return
	}

	tipHeight := m.cfg.Tree.BestTip().Height()

	var best SyncPeer
	for _, p := range m.candidates {
		if p.LastBlock() < tipHeight {
			continue
		}
		if best == nil || p.LastBlock() > best.LastBlock() {
			best = p
		}
	}
	if best == nil {
		log.Warnf("No sync peer candidates available")
		m.setState(SyncIdle)
		return
	}

	m.setSyncPeer(best)
	m.setState(SyncHeaders)

	log.Infof("Syncing to block height %d from peer %s",
		best.LastBlock(), best.Addr())

	m.pushGetHeaders(best)
}

// pushGetHeaders sends a locator-based getheaders to the peer and tracks
// the request. The stop hash is checkpoint-guided while checkpoints remain.
func (m *SyncManager) pushGetHeaders(p SyncPeer) {
	locator := m.cfg.Tree.Locator(0)

	stopHash := &zeroHash
	tipHeight := m.cfg.Tree.BestTip().Height()
	if m.nextCheckpoint != nil && tipHeight < m.nextCheckpoint.Height {
		log.Debugf("Downloading headers for blocks %d to %d from "+
			"peer %s", tipHeight+1, m.nextCheckpoint.Height,
			p.Addr())
		stopHash = m.nextCheckpoint.Hash
	}

	key := query.Key{Kind: query.KindHeaders, Hash: *locator[0]}
	if err := m.ledger.Track(key, p.Addr()); err != nil {
		log.Debugf("Unable to track getheaders to %s: %v", p.Addr(),
			err)
		return
	}
	m.headersPending = &key

	if err := p.PushGetHeaders(locator, stopHash); err != nil {
		log.Warnf("Failed to send getheaders to peer %s: %v",
			p.Addr(), err)
	}
}

// handleHeaders processes a headers message: each header is validated and
// inserted in order, stopping at the first invalid one.
func (m *SyncManager) handleHeaders(hmsg *headersMsg) {
	headers := hmsg.headers.Headers
	from := hmsg.peer

	// Only the entry we actually asked for completes the ledger; stray
	// headers messages are handled on their own merits below.
	if m.headersPending != nil {
		if peer, ok := m.ledger.Peer(*m.headersPending); ok &&
			peer == from.Addr() {

			m.ledger.Complete(*m.headersPending)
			m.headersPending = nil
		}
	}

	// An empty message means the peer believes we are caught up with it.
	if len(headers) == 0 {
		tipHeight := m.cfg.Tree.BestTip().Height()

		// A sync peer refusing to serve the chain it advertises would
		// otherwise pin header sync forever: it stays the
		// highest-advertising candidate and every empty batch
		// completes its ledger entry before the stall scan can fire.
		// Drop it and move on.
		if from == m.SyncPeer() && from.LastBlock() > tipHeight {
			log.Warnf("Peer %s advertised height %d but served "+
				"no headers past %d, dropping", from.Addr(),
				from.LastBlock(), tipHeight)

			m.penalize(from, banman.Useless)
			from.Disconnect(errors.New("peer served no headers " +
				"below its advertised height"))
			delete(m.candidates, from.Addr())
			m.ledger.CancelPeer(from.Addr())
			m.setSyncPeer(nil)
			m.startSync()
			return
		}

		m.cfg.BanScores.Reward(from.Addr())
		m.maybeLeaveHeadersSync(from)
		return
	}

	var (
		accepted  int
		lastAdded *chaintree.Node
	)
	for _, header := range headers {
		outcome, err := m.cfg.Tree.Insert(header)
		switch {
		case err == nil:

		case errors.Is(err, chaintree.ErrOrphanHeader):
			// Nothing in this message connects to the tree. The
			// remainder cannot connect either.
			log.Warnf("Peer %s sent unconnected header %v",
				from.Addr(), header.BlockHash())
			m.penalize(from, banman.Useless)
			return

		case errors.Is(err, chaintree.ErrReorgTooDeep):
			log.Warnf("Peer %s attempted a reorg deeper than "+
				"allowed", from.Addr())
			m.penalize(from, banman.ProtocolViolation)
			from.Disconnect(err)
			return

		default:
			// Consensus failure: reject this header and the rest
			// of the message, penalize the sender.
			log.Warnf("Header %v from peer %s failed "+
				"validation: %v", header.BlockHash(),
				from.Addr(), err)
			m.penalize(from, banman.InvalidHeader)
			from.Disconnect(err)
			return
		}

		m.applyInsertOutcome(outcome)

		if outcome.Kind != chaintree.Duplicate {
			accepted++
			lastAdded = outcome.Node

			m.progressLogger.LogBlockHeight(
				header.Timestamp, outcome.Node.Height(),
			)
		}
	}

	if accepted > 0 {
		m.cfg.BanScores.Reward(from.Addr())
		from.UpdateLastBlock(lastAdded.Height())

		log.Debugf("Processed %d headers from peer %s, new tip "+
			"height %d", accepted, from.Addr(),
			m.cfg.Tree.BestTip().Height())
	}

	// Advance past any checkpoint we just crossed.
	tipHeight := m.cfg.Tree.BestTip().Height()
	if m.nextCheckpoint != nil && tipHeight >= m.nextCheckpoint.Height {
		m.nextCheckpoint = m.findNextCheckpoint(tipHeight)
	}

	// A full batch means the peer has more for us.
	if len(headers) == wire.MaxBlockHeadersPerMsg && from == m.SyncPeer() {
		m.pushGetHeaders(from)
		return
	}

	m.maybeLeaveHeadersSync(from)
}

// applyInsertOutcome persists the insert and emits the matching
// notifications.
func (m *SyncManager) applyInsertOutcome(outcome *chaintree.InsertOutcome) {
	switch outcome.Kind {
	case chaintree.ExtendedBestChain:
		node := outcome.Node
		m.headerWriter.AddItem(headerdb.BlockHeader{
			BlockHeader: headerPtr(node.Header()),
			Height:      uint32(node.Height()),
		})
		m.storeTip = node.Height()

		m.cfg.Ntfns.NotifyAll(blockntfns.NewNewBestChain(
			node.Header(), node.Height(),
		))

	case chaintree.ExtendedSideChain:
		node := outcome.Node
		err := m.cfg.Store.WriteSideHeaders(headerdb.BlockHeader{
			BlockHeader: headerPtr(node.Header()),
			Height:      uint32(node.Height()),
		})
		if err != nil {
			log.Errorf("Unable to persist side header %v: %v",
				node.Hash(), err)
		}

	case chaintree.CausedReorg:
		m.applyReorg(outcome)
	}
}

// applyReorg rolls the store back to the fork point, persists the new
// branch and tells the wallet layer. The reorging overlay is visible to
// readers for the duration.
func (m *SyncManager) applyReorg(outcome *chaintree.InsertOutcome) {
	atomic.StoreUint32(&m.reorging, 1)
	defer atomic.StoreUint32(&m.reorging, 0)

	fork := outcome.ForkPoint

	log.Infof("Reorganizing chain: old tip %v (height=%d), new tip %v "+
		"(height=%d), fork height %d", outcome.OldTip.Hash(),
		outcome.OldTip.Height(), outcome.NewTip.Hash(),
		outcome.NewTip.Height(), fork.Height())

	log.Tracef("Reorg detail: %v", newLogClosure(func() string {
		return spew.Sdump(outcome)
	}))

	// Any in-flight block downloads for detached headers are moot.
	for _, node := range outcome.Detached {
		hash := node.Hash()
		if _, ok := m.wantedBlocks[hash]; ok {
			delete(m.wantedBlocks, hash)
			m.ledger.Cancel(query.Key{
				Kind: query.KindBlock, Hash: hash,
			})
		}
	}

	// Drain the batched best-chain writes before touching the store: a
	// late flush of pre-reorg headers would otherwise rewrite the tip and
	// height index with the branch we are about to detach.
	m.headerWriter.Flush()

	// Rewind the store's best chain index to the fork point. Detached
	// header bytes stay fetchable by hash. A failed rollback aborts the
	// whole store update; writing the attached branch over a
	// half-rewound index would corrupt it.
	for m.storeTip > fork.Height() {
		stamp, err := m.cfg.Store.RollbackLastBlock()
		if err != nil {
			log.Errorf("Unable to roll back header store, "+
				"abandoning reorg persistence: %v", err)
			m.finishReorg(outcome)
			return
		}
		m.storeTip = stamp.Height
	}

	// Persist the attached branch directly: correctness of the on-disk
	// index beats batching here.
	batch := make([]headerdb.BlockHeader, 0, len(outcome.Attached))
	for _, node := range outcome.Attached {
		batch = append(batch, headerdb.BlockHeader{
			BlockHeader: headerPtr(node.Header()),
			Height:      uint32(node.Height()),
		})
	}
	if err := m.cfg.Store.WriteHeaders(batch...); err != nil {
		log.Errorf("Unable to persist reorged headers: %v", err)
	} else {
		m.storeTip = outcome.NewTip.Height()
	}

	m.finishReorg(outcome)
}

// finishReorg emits the reorg notification and re-requests blocks on the new
// branch. The in-memory tree has already switched; this tail runs whether or
// not the store update succeeded.
func (m *SyncManager) finishReorg(outcome *chaintree.InsertOutcome) {
	m.cfg.Ntfns.NotifyAll(blockntfns.NewReorg(
		outcome.OldTip.Hash(), outcome.NewTip.Header(),
		outcome.NewTip.Height(), outcome.ForkPoint.Height(),
	))

	// Blocks in the ranges of interest on the new branch still need
	// downloading.
	if m.State() == SyncBlocks || m.State() == SyncFilters ||
		m.State() == SyncDone {

		m.requestBlocks()
	}
}

// maybeLeaveHeadersSync transitions out of header download once the tip has
// caught up with the network's advertised height.
func (m *SyncManager) maybeLeaveHeadersSync(from SyncPeer) {
	if m.State() != SyncHeaders || from != m.SyncPeer() {
		return
	}

	tipHeight := m.cfg.Tree.BestTip().Height()
	if tipHeight < m.maxAdvertisedHeight() {
		// Another candidate knows more than the sync peer did.
		// Re-elect and keep going.
		m.setSyncPeer(nil)
		m.startSync()
		return
	}

	m.setState(SyncBlocks)
	m.requestBlocks()
	m.evaluateSyncState()
}

// requestBlocks computes the block hashes in the ranges of interest that
// are still missing and fans the getdata requests out over the candidates.
func (m *SyncManager) requestBlocks() {
	if m.cfg.RangesOfInterest == nil {
		return
	}

	tip := m.cfg.Tree.BestTip().Height()

	var keys []query.Key
	for _, r := range m.cfg.RangesOfInterest() {
		end := r.End
		if end > tip {
			end = tip
		}
		for h := r.Start; h <= end; h++ {
			node := m.cfg.Tree.BestNodeAtHeight(h)
			if node == nil {
				continue
			}

			hash := node.Hash()
			if _, ok := m.wantedBlocks[hash]; ok {
				continue
			}
			m.wantedBlocks[hash] = h
			keys = append(keys, query.Key{
				Kind: query.KindBlock, Hash: hash,
			})
		}
	}

	m.dispatchBlockRequests(keys)
}

// dispatchBlockRequests assigns block keys round-robin over the candidates
// and pushes the matching getdata messages.
func (m *SyncManager) dispatchBlockRequests(keys []query.Key) {
	if len(keys) == 0 {
		return
	}

	peers := make([]string, 0, len(m.candidates))
	for addr := range m.candidates {
		peers = append(peers, addr)
	}

	assigned, leftover := m.ledger.Assign(keys, peers)
	if len(leftover) > 0 {
		log.Debugf("No capacity for %d block requests, will retry "+
			"on the next scan", len(leftover))
	}

	for addr, peerKeys := range assigned {
		p, ok := m.candidates[addr]
		if !ok {
			continue
		}

		inv := make([]*wire.InvVect, 0, len(peerKeys))
		for _, key := range peerKeys {
			hash := key.Hash
			inv = append(inv, wire.NewInvVect(
				wire.InvTypeBlock, &hash,
			))
		}

		if err := p.PushGetData(inv); err != nil {
			log.Warnf("Failed to send getdata to peer %s: %v",
				addr, err)
		}
	}
}

// handleBlock processes a downloaded block. Blocks whose headers were
// reorged out of the best chain are discarded.
func (m *SyncManager) handleBlock(bmsg *blockMsg) {
	hash := bmsg.block.BlockHash()

	height, wanted := m.wantedBlocks[hash]
	if !wanted {
		log.Debugf("Ignoring block %v from peer %s: not wanted",
			hash, bmsg.peer.Addr())
		return
	}

	key := query.Key{Kind: query.KindBlock, Hash: hash}
	if peer, ok := m.ledger.Complete(key); !ok || peer != bmsg.peer.Addr() {
		log.Debugf("Block %v from peer %s was not assigned to it",
			hash, bmsg.peer.Addr())
	}

	delete(m.wantedBlocks, hash)
	m.cfg.BanScores.Reward(bmsg.peer.Addr())

	m.cfg.Ntfns.NotifyAll(blockntfns.NewBlockAvailable(hash, height))

	if m.State() == SyncBlocks && len(m.wantedBlocks) == 0 {
		m.setState(SyncFilters)
		m.requestFilters()
		m.evaluateSyncState()
	}
}

// requestFilters issues getcfilters for the ranges of interest. Filter
// download is opportunistic: failures and timeouts never hold the engine
// back from SyncDone.
func (m *SyncManager) requestFilters() {
	if m.cfg.RangesOfInterest == nil {
		return
	}

	sp := m.SyncPeer()
	if sp == nil {
		return
	}

	tip := m.cfg.Tree.BestTip().Height()
	for _, r := range m.cfg.RangesOfInterest() {
		end := r.End
		if end > tip {
			end = tip
		}
		if end < r.Start {
			continue
		}

		stopNode := m.cfg.Tree.BestNodeAtHeight(end)
		if stopNode == nil {
			continue
		}
		stopHash := stopNode.Hash()

		key := query.Key{Kind: query.KindFilter, Hash: stopHash}
		if err := m.ledger.Track(key, sp.Addr()); err != nil {
			continue
		}

		err := sp.PushGetCFilters(uint32(r.Start), &stopHash)
		if err != nil {
			log.Warnf("Failed to send getcfilters to peer %s: %v",
				sp.Addr(), err)
		}
	}
}

// handleCFilter processes a downloaded compact filter.
func (m *SyncManager) handleCFilter(cmsg *cfilterMsg) {
	blockHash := cmsg.filter.BlockHash

	node := m.cfg.Tree.NodeByHash(&blockHash)
	if node == nil {
		log.Debugf("Ignoring filter for unknown block %v", blockHash)
		return
	}

	// The range request is keyed by its stop hash; mid-range filters
	// simply stream through.
	key := query.Key{Kind: query.KindFilter, Hash: blockHash}
	if _, ok := m.ledger.Complete(key); ok {
		m.cfg.BanScores.Reward(cmsg.peer.Addr())
	}

	m.cfg.Ntfns.NotifyAll(blockntfns.NewFilterAvailable(
		blockHash, node.Height(),
	))
}

// handleInv reacts to inventory announcements: peer heights are refreshed
// and, once synced, new block announcements trigger a header request.
func (m *SyncManager) handleInv(imsg *invMsg) {
	lastBlock := -1
	invVects := imsg.inv.InvList
	for i := len(invVects) - 1; i >= 0; i-- {
		if invVects[i].Type == wire.InvTypeBlock {
			lastBlock = i
			break
		}
	}
	if lastBlock == -1 {
		return
	}

	announced := invVects[lastBlock].Hash

	// A known hash refreshes the peer's height; an unknown one means the
	// peer is ahead of us.
	if node := m.cfg.Tree.NodeByHash(&announced); node != nil {
		imsg.peer.UpdateLastBlock(node.Height())
		return
	}

	if imsg.peer != m.SyncPeer() && m.State() != SyncDone {
		// Not our sync peer and we are busy; the announcement will be
		// picked up once we catch up.
		return
	}

	if m.headersPending != nil {
		return
	}

	log.Debugf("Peer %s announced unknown block %v, requesting headers",
		imsg.peer.Addr(), announced)

	// Re-enter header sync explicitly so the synced checks resume on the
	// headers path rather than waiting for the next stall scan.
	if m.State() == SyncDone {
		m.setSyncPeer(imsg.peer)
	}
	m.setState(SyncHeaders)
	m.pushGetHeaders(imsg.peer)
}

// handleStallScan expires overdue requests, penalizes the silent peers and
// reassigns the work.
func (m *SyncManager) handleStallScan() {
	expired := m.ledger.ExpireBefore(m.cfg.Clock.Now())

	var retryBlocks []query.Key
	for _, exp := range expired {
		log.Debugf("Request %v/%v to peer %s timed out (attempt %d)",
			exp.Key.Kind, exp.Key.Hash, exp.Peer, exp.Attempts)

		if p, ok := m.candidates[exp.Peer]; ok {
			m.penalize(p, banman.Timeout)
		}

		switch exp.Key.Kind {
		case query.KindHeaders:
			m.headersPending = nil

			// A sync peer that goes silent on headers gets dropped
			// so header download can move to another candidate.
			if sp := m.SyncPeer(); sp != nil &&
				sp.Addr() == exp.Peer {

				sp.Disconnect(errors.New(
					"peer stalled header sync"))
				delete(m.candidates, exp.Peer)
				m.ledger.CancelPeer(exp.Peer)
				m.setSyncPeer(nil)
			}
			m.startSync()

		case query.KindBlock:
			if exp.Attempts >= maxRequestAttempts {
				log.Warnf("Giving up on block %v after %d "+
					"attempts", exp.Key.Hash, exp.Attempts)
				delete(m.wantedBlocks, exp.Key.Hash)
				continue
			}
			retryBlocks = append(retryBlocks, exp.Key)

		case query.KindFilter:
			// Opportunistic; drop on timeout.
		}
	}

	m.dispatchBlockRequests(retryBlocks)
	m.evaluateSyncState()
}

// penalize applies a score penalty and enforces a ban verdict.
func (m *SyncManager) penalize(p SyncPeer, reason banman.Reason) {
	banned, until := m.cfg.BanScores.Penalize(p.Addr(), reason)
	if !banned {
		return
	}

	log.Warnf("Banning peer %s until %v", p.Addr(), until)

	if m.cfg.OnBan != nil {
		m.cfg.OnBan(p.Addr(), until)
	}
	p.Disconnect(fmt.Errorf("peer banned until %v", until))
}

// evaluateSyncState promotes the manager to SyncDone when the tip has
// reached the network's advertised height and nothing blocking remains
// outstanding.
func (m *SyncManager) evaluateSyncState() {
	state := m.State()
	if state == SyncIdle || state == SyncHeaders {
		return
	}

	if m.headersPending != nil || len(m.wantedBlocks) != 0 {
		return
	}

	tipHeight := m.cfg.Tree.BestTip().Height()
	if tipHeight < m.maxAdvertisedHeight() {
		// Someone knows about more chain; go back to header sync.
		m.setState(SyncHeaders)
		m.setSyncPeer(nil)
		m.startSync()
		return
	}

	if state != SyncDone {
		m.setState(SyncDone)
		log.Infof("Chain is synced at height %d", tipHeight)
	}
}

// maxAdvertisedHeight returns the highest height any candidate claims.
func (m *SyncManager) maxAdvertisedHeight() int32 {
	var max int32
	for _, p := range m.candidates {
		if p.LastBlock() > max {
			max = p.LastBlock()
		}
	}
	return max
}

// findNextCheckpoint returns the first checkpoint above the given height,
// or nil when past the final one.
func (m *SyncManager) findNextCheckpoint(height int32) *chaincfg.Checkpoint {
	checkpoints := m.cfg.ChainParams.Checkpoints
	if len(checkpoints) == 0 {
		return nil
	}

	final := &checkpoints[len(checkpoints)-1]
	if height >= final.Height {
		return nil
	}

	next := final
	for i := len(checkpoints) - 2; i >= 0; i-- {
		if height >= checkpoints[i].Height {
			break
		}
		next = &checkpoints[i]
	}
	return next
}

func (m *SyncManager) setSyncPeer(p SyncPeer) {
	m.syncPeerMutex.Lock()
	defer m.syncPeerMutex.Unlock()

	m.syncPeer = p
}

func (m *SyncManager) setState(s SyncState) {
	old := m.State()
	if old == s {
		return
	}
	atomic.StoreUint32(&m.state, uint32(s))

	log.Debugf("Sync state %v -> %v", old, s)
}

// headerPtr copies a header value onto the heap.
func headerPtr(header wire.BlockHeader) *wire.BlockHeader {
	return &header
}
