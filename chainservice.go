// Package spvchain implements a headers-first SPV chain engine: it
// maintains a validated header chain tree, keeps a pool of peer
// connections, downloads and serves headers, fetches blocks and compact
// filters for the ranges the wallet layer cares about, and pushes chain
// notifications upward.
package spvchain

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"

	"github.com/spvclient/spvchain/addrbook"
	"github.com/spvclient/spvchain/banman"
	"github.com/spvclient/spvchain/blockntfns"
	"github.com/spvclient/spvchain/chaintree"
	"github.com/spvclient/spvchain/headerdb"
	"github.com/spvclient/spvchain/peer"
	"github.com/spvclient/spvchain/validation"
)

const (
	// UserAgentName is the user agent advertised to peers.
	UserAgentName = "spvchain"

	// UserAgentVersion is the version advertised to peers.
	UserAgentVersion = "0.1.0"

	// DefaultTargetOutbound is how many outbound connections the service
	// maintains.
	DefaultTargetOutbound = 8

	// DefaultMaxReorgDepth bounds how deep a competing branch may fork
	// below the best tip before it is rejected outright. It also bounds
	// how much of the stored chain is loaded into memory at startup.
	DefaultMaxReorgDepth = 10000

	// connRetryInterval is how often the connection maintainer checks
	// whether new outbound connections are needed.
	connRetryInterval = 10 * time.Second

	// dialTimeout bounds a single outbound dial.
	dialTimeout = 30 * time.Second
)

// Config is the set of options for a ChainService.
type Config struct {
	// ChainParams identifies the network.
	ChainParams chaincfg.Params

	// Database backs the header store. The caller owns it.
	Database walletdb.DB

	// AddrBookDir is the directory for the persistent address book.
	AddrBookDir string

	// ConnectPeers are addresses to connect to and treat as permanent.
	ConnectPeers []string

	// AddPeers are addresses seeded into the address book.
	AddPeers []string

	// TargetOutbound is how many outbound connections to maintain.
	// Defaults to DefaultTargetOutbound.
	TargetOutbound int

	// MaxReorgDepth bounds competing branch depth. Defaults to
	// DefaultMaxReorgDepth.
	MaxReorgDepth int32

	// RangesOfInterest is pulled by the sync manager to learn which
	// heights need blocks and filters. May be nil.
	RangesOfInterest func() []HeightRange

	// Dialer opens outbound connections. Defaults to a TCP dial with a
	// timeout; tests substitute pipes.
	Dialer func(addr string) (net.Conn, error)
}

// ChainService ties the chain engine together: storage, validation, the
// chain tree, the peer pool and the sync coordinator.
type ChainService struct {
	started  int32 // To be used atomically.
	shutdown int32 // To be used atomically.

	// loading suppresses header validation while the stored chain is
	// replayed into the tree at startup.
	loading int32 // To be used atomically.

	cfg Config

	tree       *chaintree.Tree
	checker    *validation.Checker
	store      *headerdb.Store
	timeSource blockchain.MedianTimeSource

	syncManager *SyncManager
	blockServer *blockServer
	ntfns       *blockntfns.SubscriptionManager
	banScores   *banman.Manager
	addrBook    *addrbook.Book

	// nonce is this node's version nonce, shared across all connections
	// for self-connection detection.
	nonce uint64

	peersMtx sync.RWMutex
	peers    map[string]*ServerPeer

	wg   sync.WaitGroup
	quit chan struct{}
}

// NewChainService constructs the engine: it opens the stores, replays the
// persisted best chain into the tree and wires up the managers. Start must
// be called before the service does anything.
func NewChainService(cfg Config) (*ChainService, error) {
	if cfg.TargetOutbound <= 0 {
		cfg.TargetOutbound = DefaultTargetOutbound
	}
	if cfg.MaxReorgDepth <= 0 {
		cfg.MaxReorgDepth = DefaultMaxReorgDepth
	}
	if cfg.Dialer == nil {
		cfg.Dialer = func(addr string) (net.Conn, error) {
			return net.DialTimeout("tcp", addr, dialTimeout)
		}
	}

	s := &ChainService{
		cfg:        cfg,
		timeSource: blockchain.NewMedianTime(),
		ntfns:      blockntfns.NewSubscriptionManager(),
		peers:      make(map[string]*ServerPeer),
		nonce:      rand.Uint64(),
		quit:       make(chan struct{}),
	}

	genesis := cfg.ChainParams.GenesisBlock.Header
	store, err := headerdb.New(cfg.Database, &genesis, 0)
	if err != nil {
		return nil, err
	}
	s.store = store

	s.checker = validation.NewChecker(validation.Config{
		Params:     &s.cfg.ChainParams,
		TimeSource: s.timeSource,
	})

	if err := s.loadChain(); err != nil {
		return nil, fmt.Errorf("unable to load stored chain: %w", err)
	}

	book, err := addrbook.Open(cfg.AddrBookDir)
	if err != nil {
		return nil, err
	}
	s.addrBook = book

	s.banScores = banman.New(banman.Config{})
	if err := s.restoreBans(); err != nil {
		return nil, err
	}

	s.syncManager, err = NewSyncManager(&SyncManagerConfig{
		ChainParams:      cfg.ChainParams,
		Tree:             s.tree,
		Checker:          s.checker,
		Store:            s.store,
		TimeSource:       s.timeSource,
		Ntfns:            s.ntfns,
		BanScores:        s.banScores,
		OnBan:            s.persistBan,
		RangesOfInterest: cfg.RangesOfInterest,
	})
	if err != nil {
		return nil, err
	}

	s.blockServer = newBlockServer(s.tree)

	return s, nil
}

// loadChain roots the tree near the stored tip and replays the stored best
// chain into it. Only the most recent MaxReorgDepth headers are held in
// memory; anything deeper can never reorg anyway.
func (s *ChainService) loadChain() error {
	_, tipHeight, err := s.store.ChainTip()
	if err != nil {
		return err
	}

	rootHeight := int32(tipHeight) - s.cfg.MaxReorgDepth
	if rootHeight < 0 {
		rootHeight = 0
	}

	rootHeader, err := s.store.FetchHeaderByHeight(uint32(rootHeight))
	if err != nil {
		return err
	}

	s.tree = chaintree.New(*rootHeader, rootHeight, chaintree.Config{
		CheckHeader:   s.checkHeader,
		MaxReorgDepth: s.cfg.MaxReorgDepth,
	})

	// Stored headers were validated when first accepted; skip the hook
	// while replaying them.
	atomic.StoreInt32(&s.loading, 1)
	defer atomic.StoreInt32(&s.loading, 0)

	for h := rootHeight + 1; h <= int32(tipHeight); h++ {
		header, err := s.store.FetchHeaderByHeight(uint32(h))
		if err != nil {
			return err
		}
		if _, err := s.tree.Insert(header); err != nil {
			return err
		}
	}

	log.Infof("Loaded chain: height %d, tip %v", tipHeight,
		s.tree.BestTip().Hash())

	return nil
}

// checkHeader is the tree's validation hook.
func (s *ChainService) checkHeader(header *wire.BlockHeader,
	prev *chaintree.Node) error {

	if atomic.LoadInt32(&s.loading) == 1 {
		return nil
	}
	return s.checker.CheckBlockHeader(header, prev)
}

// restoreBans reloads persisted quarantine into the score manager.
func (s *ChainService) restoreBans() error {
	entries, err := s.addrBook.Addresses()
	if err != nil {
		return err
	}

	now := time.Now()
	for _, entry := range entries {
		if entry.BannedUntil.After(now) {
			s.banScores.RestoreBan(entry.Addr, entry.BannedUntil)
		}
	}
	return nil
}

// persistBan records a ban verdict in the address book.
func (s *ChainService) persistBan(addr string, until time.Time) {
	if err := s.addrBook.MarkBanned(addr, until); err != nil {
		log.Errorf("Unable to persist ban for %s: %v", addr, err)
	}
}

// Start launches the managers and the connection maintainer.
func (s *ChainService) Start() {
	if atomic.AddInt32(&s.started, 1) != 1 {
		return
	}

	log.Infof("Starting chain service on %s", s.cfg.ChainParams.Name)

	// Seed the address book before dialing begins.
	for _, addr := range append(
		s.cfg.ConnectPeers, s.cfg.AddPeers...,
	) {
		if err := s.addrBook.AddAddress(addr, 0); err != nil {
			log.Warnf("Unable to seed address %s: %v", addr, err)
		}
	}

	s.syncManager.Start()
	s.blockServer.Start()

	s.wg.Add(1)
	go s.connectionMaintainer()
}

// Stop shuts everything down in dependency order.
func (s *ChainService) Stop() error {
	if atomic.AddInt32(&s.shutdown, 1) != 1 {
		return nil
	}

	log.Infof("Chain service shutting down")
	close(s.quit)
	s.wg.Wait()

	s.peersMtx.Lock()
	for _, sp := range s.peers {
		sp.Disconnect(nil)
	}
	s.peersMtx.Unlock()

	if err := s.syncManager.Stop(); err != nil {
		return err
	}
	s.blockServer.Stop()
	s.ntfns.Stop()

	return s.addrBook.Close()
}

// Subscribe registers a wallet-layer listener for chain notifications.
func (s *ChainService) Subscribe() (*blockntfns.Subscription, error) {
	return s.ntfns.NewSubscription()
}

// BestHeight returns the height of the best chain tip.
func (s *ChainService) BestHeight() int32 {
	return s.tree.BestTip().Height()
}

// SyncState returns the coordinator's phase, with the reorg overlay
// rendered in line.
func (s *ChainService) SyncState() string {
	state := s.syncManager.State().String()
	if s.syncManager.IsReorging() {
		state += " (reorging)"
	}
	return state
}

// PeerInfo describes a live connection for the status surface.
type PeerInfo struct {
	Addr      string `json:"addr"`
	Inbound   bool   `json:"inbound"`
	UserAgent string `json:"user_agent"`
	LastBlock int32  `json:"last_block"`
	State     string `json:"state"`
}

// Peers returns a snapshot of the live connections.
func (s *ChainService) Peers() []PeerInfo {
	s.peersMtx.RLock()
	defer s.peersMtx.RUnlock()

	infos := make([]PeerInfo, 0, len(s.peers))
	for _, sp := range s.peers {
		infos = append(infos, PeerInfo{
			Addr:      sp.Addr(),
			Inbound:   sp.Inbound(),
			UserAgent: sp.UserAgent(),
			LastBlock: sp.LastBlock(),
			State:     sp.State().String(),
		})
	}
	return infos
}

// BranchTips returns the hashes of all known branch tips.
func (s *ChainService) BranchTips() []string {
	tips := s.tree.Tips()

	out := make([]string, 0, len(tips))
	for _, tip := range tips {
		out = append(out, tip.Hash().String())
	}
	return out
}

// connectionMaintainer keeps the outbound connection count at the target.
func (s *ChainService) connectionMaintainer() {
	defer s.wg.Done()

	// Dial immediately on startup, then on every interval.
	s.fillOutboundSlots()

	ticker := time.NewTicker(connRetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.fillOutboundSlots()

		case <-s.quit:
			return
		}
	}
}

// fillOutboundSlots dials candidates until the outbound target is reached.
func (s *ChainService) fillOutboundSlots() {
	s.peersMtx.RLock()
	outbound := 0
	exclude := make(map[string]struct{}, len(s.peers))
	for addr, sp := range s.peers {
		exclude[addr] = struct{}{}
		if !sp.Inbound() {
			outbound++
		}
	}
	s.peersMtx.RUnlock()

	for outbound < s.cfg.TargetOutbound {
		entry, err := s.addrBook.Candidate(exclude)
		if err != nil {
			log.Debugf("No more connection candidates: %v", err)
			return
		}

		exclude[entry.Addr] = struct{}{}
		outbound++

		s.wg.Add(1)
		go s.connectTo(entry.Addr)
	}
}

// connectTo dials, handshakes and registers a single outbound peer.
func (s *ChainService) connectTo(addr string) {
	defer s.wg.Done()

	conn, err := s.cfg.Dialer(addr)
	if err != nil {
		log.Debugf("Unable to dial %s: %v", addr, err)
		if err := s.addrBook.MarkFailure(addr); err != nil {
			log.Warnf("Unable to record dial failure: %v", err)
		}
		return
	}

	p := peer.New(conn, false, peer.Config{
		Params:           &s.cfg.ChainParams,
		Services:         0,
		UserAgentName:    UserAgentName,
		UserAgentVersion: UserAgentVersion,
		LastBlock:        s.BestHeight(),
		Nonce:            s.nonce,
	})

	sp := newServerPeer(s, p)
	p.SetCallbacks(sp.OnMessage, sp.OnDisconnect)

	if err := p.Start(); err != nil {
		log.Debugf("Handshake with %s failed: %v", addr, err)
		if err := s.addrBook.MarkFailure(addr); err != nil {
			log.Warnf("Unable to record dial failure: %v", err)
		}
		return
	}

	if err := s.addrBook.AddAddress(addr, sp.Services()); err != nil {
		log.Warnf("Unable to record address %s: %v", addr, err)
	}

	s.peersMtx.Lock()
	s.peers[sp.Addr()] = sp
	s.peersMtx.Unlock()

	s.syncManager.NewPeer(sp)
}

// peerDone unregisters a finished connection.
func (s *ChainService) peerDone(sp *ServerPeer, err error) {
	if err != nil {
		log.Debugf("Peer %s disconnected: %v", sp.Addr(), err)
	}

	s.peersMtx.Lock()
	delete(s.peers, sp.Addr())
	s.peersMtx.Unlock()

	s.syncManager.DonePeer(sp)
}

// handleAddrMsg folds gossiped addresses into the book.
func (s *ChainService) handleAddrMsg(msg *wire.MsgAddr) {
	for _, na := range msg.AddrList {
		addr := net.JoinHostPort(
			na.IP.String(), fmt.Sprintf("%d", na.Port),
		)
		if err := s.addrBook.AddAddress(addr, na.Services); err != nil {
			log.Debugf("Unable to record gossiped address %s: %v",
				addr, err)
		}
	}
}
