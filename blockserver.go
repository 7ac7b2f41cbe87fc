package spvchain

import (
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/wire"

	"github.com/spvclient/spvchain/chaintree"
)

const (
	// maxHeadersPerResponse caps a single headers reply, matching the
	// wire protocol's batch size.
	maxHeadersPerResponse = wire.MaxBlockHeadersPerMsg

	// serverBackPressure bounds the inbound request queue. Peers asking
	// faster than we serve get their requests dropped, not buffered.
	serverBackPressure = 10
)

// getHeadersReq is an inbound getheaders request and who asked.
type getHeadersReq struct {
	msg  *wire.MsgGetHeaders
	peer *ServerPeer
}

// getDataReq is an inbound getdata request and who asked.
type getDataReq struct {
	msg  *wire.MsgGetData
	peer *ServerPeer
}

// blockServer answers inbound getheaders and getdata requests from the
// local chain view, making the engine a useful citizen rather than a pure
// leech. It runs a single goroutine over a small bounded queue.
type blockServer struct {
	started  int32 // To be used atomically.
	shutdown int32 // To be used atomically.

	tree *chaintree.Tree

	reqChan chan interface{}

	wg   sync.WaitGroup
	quit chan struct{}
}

// newBlockServer constructs a block server over the given chain tree.
func newBlockServer(tree *chaintree.Tree) *blockServer {
	return &blockServer{
		tree:    tree,
		reqChan: make(chan interface{}, serverBackPressure),
		quit:    make(chan struct{}),
	}
}

// Start launches the serving goroutine.
func (b *blockServer) Start() {
	if atomic.AddInt32(&b.started, 1) != 1 {
		return
	}

	b.wg.Add(1)
	go b.serveHandler()
}

// Stop shuts the serving goroutine down.
func (b *blockServer) Stop() {
	if atomic.AddInt32(&b.shutdown, 1) != 1 {
		return
	}

	close(b.quit)
	b.wg.Wait()
}

// QueueGetHeaders enqueues an inbound getheaders request. A full queue
// drops the request; the remote will retry.
func (b *blockServer) QueueGetHeaders(msg *wire.MsgGetHeaders,
	sp *ServerPeer) {

	select {
	case b.reqChan <- &getHeadersReq{msg: msg, peer: sp}:
	default:
		log.Debugf("Dropping getheaders from %s: server busy",
			sp.Addr())
	}
}

// QueueGetData enqueues an inbound getdata request. A full queue drops the
// request.
func (b *blockServer) QueueGetData(msg *wire.MsgGetData, sp *ServerPeer) {
	select {
	case b.reqChan <- &getDataReq{msg: msg, peer: sp}:
	default:
		log.Debugf("Dropping getdata from %s: server busy", sp.Addr())
	}
}

// serveHandler is the single serving goroutine.
func (b *blockServer) serveHandler() {
	defer b.wg.Done()

	for {
		select {
		case req := <-b.reqChan:
			switch r := req.(type) {
			case *getHeadersReq:
				b.serveGetHeaders(r)

			case *getDataReq:
				b.serveGetData(r)
			}

		case <-b.quit:
			return
		}
	}
}

// serveGetHeaders replies with up to a full batch of best-chain headers
// past the first locator hash we recognize.
func (b *blockServer) serveGetHeaders(req *getHeadersReq) {
	// Find the fork point: the first locator entry on our best chain.
	// Locators are ordered tip-first, so the first match is the highest
	// shared header. No match serves from the root.
	start := b.tree.Root().Height()
	for _, hash := range req.msg.BlockLocatorHashes {
		node := b.tree.NodeByHash(hash)
		if node == nil {
			continue
		}
		if b.tree.IsOnBestChain(hash) {
			start = node.Height()
			break
		}
	}

	tip := b.tree.BestTip().Height()
	resp := wire.NewMsgHeaders()

	for height := start + 1; height <= tip; height++ {
		node := b.tree.BestNodeAtHeight(height)
		if node == nil {
			break
		}

		header := node.Header()
		if err := resp.AddBlockHeader(&header); err != nil {
			break
		}

		if node.Hash() == req.msg.HashStop {
			break
		}
		if len(resp.Headers) >= maxHeadersPerResponse {
			break
		}
	}

	if err := req.peer.QueueMessage(resp); err != nil {
		log.Debugf("Unable to serve headers to %s: %v",
			req.peer.Addr(), err)
	}
}

// serveGetData answers block requests. Full blocks are not retained by an
// SPV node, so every block inventory comes back as notfound; other
// inventory types are ignored.
func (b *blockServer) serveGetData(req *getDataReq) {
	notFound := wire.NewMsgNotFound()

	for _, iv := range req.msg.InvList {
		if iv.Type != wire.InvTypeBlock &&
			iv.Type != wire.InvTypeWitnessBlock {

			continue
		}
		if err := notFound.AddInvVect(iv); err != nil {
			break
		}
	}

	if len(notFound.InvList) == 0 {
		return
	}

	if err := req.peer.QueueMessage(notFound); err != nil {
		log.Debugf("Unable to serve notfound to %s: %v",
			req.peer.Addr(), err)
	}
}
