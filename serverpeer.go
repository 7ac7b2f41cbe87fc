package spvchain

import (
	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/spvclient/spvchain/banman"
	"github.com/spvclient/spvchain/peer"
)

// ServerPeer extends a peer connection with chain-service specifics: the
// height advertised at connect time and push helpers for the sync requests.
// It is the concrete SyncPeer implementation.
type ServerPeer struct {
	*peer.Peer

	server *ChainService

	// startingHeight is the remote's best height at handshake time. It
	// never changes; LastBlock tracks the live value.
	startingHeight int32
}

// newServerPeer wraps an established peer connection.
func newServerPeer(s *ChainService, p *peer.Peer) *ServerPeer {
	return &ServerPeer{
		Peer:           p,
		server:         s,
		startingHeight: p.LastBlock(),
	}
}

// StartingHeight returns the height the peer advertised at connect.
func (sp *ServerPeer) StartingHeight() int32 {
	return sp.startingHeight
}

// PushGetHeaders sends a getheaders message built from the given locator.
func (sp *ServerPeer) PushGetHeaders(locator blockchain.BlockLocator,
	stopHash *chainhash.Hash) error {

	msg := wire.NewMsgGetHeaders()
	msg.HashStop = *stopHash
	for _, hash := range locator {
		if err := msg.AddBlockLocatorHash(hash); err != nil {
			return err
		}
	}

	return sp.QueueMessage(msg)
}

// PushGetData sends a getdata message for the given inventory.
func (sp *ServerPeer) PushGetData(inv []*wire.InvVect) error {
	msg := wire.NewMsgGetData()
	for _, iv := range inv {
		if err := msg.AddInvVect(iv); err != nil {
			return err
		}
	}

	return sp.QueueMessage(msg)
}

// PushGetCFilters sends a getcfilters message for the basic filter type.
func (sp *ServerPeer) PushGetCFilters(startHeight uint32,
	stopHash *chainhash.Hash) error {

	msg := wire.NewMsgGetCFilters(
		wire.GCSFilterRegular, startHeight, stopHash,
	)

	return sp.QueueMessage(msg)
}

// OnMessage routes an incoming message to the right subsystem. It runs on
// the peer's read goroutine, so all it does is queue.
func (sp *ServerPeer) OnMessage(_ *peer.Peer, msg wire.Message) {
	switch m := msg.(type) {
	case *wire.MsgHeaders:
		sp.server.syncManager.QueueHeaders(m, sp)

	case *wire.MsgInv:
		sp.server.syncManager.QueueInv(m, sp)

	case *wire.MsgBlock:
		sp.server.syncManager.QueueBlock(m, sp)

	case *wire.MsgCFilter:
		sp.server.syncManager.QueueCFilter(m, sp)

	case *wire.MsgGetHeaders:
		sp.server.blockServer.QueueGetHeaders(m, sp)

	case *wire.MsgGetData:
		sp.server.blockServer.QueueGetData(m, sp)

	case *wire.MsgAddr:
		sp.server.handleAddrMsg(m)

	case *wire.MsgReject:
		log.Warnf("Peer %s rejected our %s: %s (%s)", sp.Addr(),
			m.Cmd, m.Code, m.Reason)
		sp.server.banScores.Penalize(sp.Addr(), banman.Useless)

	default:
		log.Tracef("Ignoring %s message from peer %s", msg.Command(),
			sp.Addr())
	}
}

// OnDisconnect informs the server that the connection is gone.
func (sp *ServerPeer) OnDisconnect(_ *peer.Peer, err error) {
	sp.server.peerDone(sp, err)
}

// IsReady reports whether the underlying connection is usable for requests.
func (sp *ServerPeer) IsReady() bool {
	return sp.State() == peer.StateReady
}

var _ SyncPeer = (*ServerPeer)(nil)
