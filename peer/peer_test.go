package peer

import (
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"
)

var testParams = &chaincfg.SimNetParams

// remote scripts the far side of a pipe using raw wire framing.
type remote struct {
	t    *testing.T
	conn net.Conn
}

func (r *remote) read() wire.Message {
	r.t.Helper()

	_, msg, _, err := wire.ReadMessageWithEncodingN(
		r.conn, defaultProtocolVersion, testParams.Net,
		wire.BaseEncoding,
	)
	require.NoError(r.t, err)
	return msg
}

func (r *remote) write(msg wire.Message) {
	r.t.Helper()

	_, err := wire.WriteMessageWithEncodingN(
		r.conn, msg, defaultProtocolVersion, testParams.Net,
		wire.BaseEncoding,
	)
	require.NoError(r.t, err)
}

// handshake plays the inbound side of the version exchange.
func (r *remote) handshake(nonce uint64, lastBlock int32) {
	r.t.Helper()

	msg := r.read()
	_, ok := msg.(*wire.MsgVersion)
	require.True(r.t, ok, "expected version, got %s", msg.Command())

	na := wire.NewNetAddressIPPort(net.IPv4zero, 0, wire.SFNodeNetwork)
	version := wire.NewMsgVersion(na, na, nonce, lastBlock)
	version.Services = wire.SFNodeNetwork
	r.write(version)

	msg = r.read()
	_, ok = msg.(*wire.MsgVerAck)
	require.True(r.t, ok, "expected verack, got %s", msg.Command())

	r.write(wire.NewMsgVerAck())
}

// startTestPeer wires an outbound peer to a scripted remote and completes
// the handshake.
func startTestPeer(t *testing.T, cfg Config) (*Peer, *remote) {
	t.Helper()

	local, far := net.Pipe()
	r := &remote{t: t, conn: far}

	if cfg.Params == nil {
		cfg.Params = testParams
	}
	if cfg.PingTicker == nil {
		cfg.PingTicker = ticker.NewForce(time.Hour)
	}
	cfg.UserAgentName = "peertest"
	cfg.UserAgentVersion = "0.0.1"

	p := New(local, false, cfg)

	handshakeErr := make(chan error, 1)
	go func() {
		handshakeErr <- p.Start()
	}()

	r.handshake(12345, 500)
	require.NoError(t, <-handshakeErr)
	require.Equal(t, StateReady, p.State())

	t.Cleanup(func() {
		p.Disconnect(nil)
		far.Close()
	})

	return p, r
}

// TestHandshake asserts a clean version exchange surfaces the remote's
// properties and lands the peer in StateReady.
func TestHandshake(t *testing.T) {
	t.Parallel()

	p, _ := startTestPeer(t, Config{
		Services:  wire.SFNodeNetwork,
		LastBlock: 100,
	})

	require.Equal(t, wire.SFNodeNetwork, p.Services())
	require.Equal(t, int32(500), p.LastBlock())
	require.False(t, p.Inbound())
}

// TestSelfConnection asserts a remote echoing our nonce fails the
// handshake.
func TestSelfConnection(t *testing.T) {
	t.Parallel()

	local, far := net.Pipe()
	defer far.Close()

	r := &remote{t: t, conn: far}
	p := New(local, false, Config{
		Params: testParams,
		Nonce:  777,
	})

	handshakeErr := make(chan error, 1)
	go func() {
		handshakeErr <- p.Start()
	}()

	// Echo the peer's own nonce back at it.
	msg := r.read()
	require.Equal(t, "version", msg.Command())

	na := wire.NewNetAddressIPPort(net.IPv4zero, 0, 0)
	r.write(wire.NewMsgVersion(na, na, 777, 0))

	err := <-handshakeErr
	require.ErrorIs(t, err, ErrHandshakeFailed)
	require.Contains(t, err.Error(), ErrSelfConnection.Error())
	require.Equal(t, StateClosed, p.State())
}

// TestHandshakeWrongMessage asserts a remote speaking out of turn fails the
// handshake.
func TestHandshakeWrongMessage(t *testing.T) {
	t.Parallel()

	local, far := net.Pipe()
	defer far.Close()

	r := &remote{t: t, conn: far}
	p := New(local, false, Config{Params: testParams})

	handshakeErr := make(chan error, 1)
	go func() {
		handshakeErr <- p.Start()
	}()

	_ = r.read()
	r.write(wire.NewMsgVerAck())

	require.ErrorIs(t, <-handshakeErr, ErrHandshakeFailed)
	require.Equal(t, StateClosed, p.State())
}

// TestOnMessageDelivery asserts non-internal messages reach the owner
// callback.
func TestOnMessageDelivery(t *testing.T) {
	t.Parallel()

	received := make(chan wire.Message, 1)
	_, r := startTestPeer(t, Config{
		OnMessage: func(_ *Peer, msg wire.Message) {
			received <- msg
		},
	})

	r.write(wire.NewMsgHeaders())

	select {
	case msg := <-received:
		require.Equal(t, "headers", msg.Command())
	case <-time.After(5 * time.Second):
		t.Fatal("message never reached the callback")
	}
}

// TestPingPong asserts the liveness cycle: ticks produce pings, a matching
// pong keeps the peer alive, silence kills it.
func TestPingPong(t *testing.T) {
	t.Parallel()

	force := ticker.NewForce(time.Hour)
	disconnected := make(chan error, 1)

	p, r := startTestPeer(t, Config{
		PingTicker: force,
		OnDisconnect: func(_ *Peer, err error) {
			disconnected <- err
		},
	})

	// First tick: a ping goes out. Answer it.
	force.Force <- time.Now()
	msg := r.read()
	ping, ok := msg.(*wire.MsgPing)
	require.True(t, ok, "expected ping, got %s", msg.Command())
	r.write(wire.NewMsgPong(ping.Nonce))

	// Wait until the pong is accounted for before ticking again.
	require.Eventually(t, func() bool {
		return atomic.LoadUint64(&p.pingNonce) == 0
	}, 5*time.Second, 10*time.Millisecond)

	// Second tick: another ping, left unanswered this time.
	force.Force <- time.Now()
	_, ok = r.read().(*wire.MsgPing)
	require.True(t, ok)

	// Third tick: the unanswered ping is detected.
	force.Force <- time.Now()

	select {
	case err := <-disconnected:
		require.ErrorIs(t, err, ErrPingTimeout)
	case <-time.After(5 * time.Second):
		t.Fatal("peer never disconnected on silent ping")
	}
}

// TestQueueBusy asserts a full outbound queue rejects with ErrPeerBusy
// instead of blocking.
func TestQueueBusy(t *testing.T) {
	t.Parallel()

	// The remote stops reading after the handshake, so writes pile up.
	p, _ := startTestPeer(t, Config{OutboundQueueSize: 1})

	var sawBusy bool
	for i := 0; i < 10; i++ {
		err := p.QueueMessage(wire.NewMsgGetHeaders())
		if errors.Is(err, ErrPeerBusy) {
			sawBusy = true
			break
		}
		require.NoError(t, err)
	}
	require.True(t, sawBusy, "queue never reported busy")
}

// TestDisconnectFromCallback asserts a message callback may tear the peer
// down itself. The callback runs on the read goroutine, so Disconnect must
// not wait for the handler goroutines to exit.
func TestDisconnectFromCallback(t *testing.T) {
	t.Parallel()

	disconnected := make(chan error, 1)
	p, r := startTestPeer(t, Config{
		OnMessage: func(p *Peer, _ wire.Message) {
			p.Disconnect(errors.New("done with this peer"))
		},
		OnDisconnect: func(_ *Peer, err error) {
			disconnected <- err
		},
	})

	r.write(wire.NewMsgHeaders())

	select {
	case err := <-disconnected:
		require.Contains(t, err.Error(), "done with this peer")
	case <-time.After(5 * time.Second):
		t.Fatal("teardown from the callback never completed")
	}
	require.Eventually(t, func() bool {
		return p.State() == StateClosed
	}, 5*time.Second, 10*time.Millisecond)
}

// TestQueueAfterDisconnect asserts queueing to a dead peer fails fast.
func TestQueueAfterDisconnect(t *testing.T) {
	t.Parallel()

	p, r := startTestPeer(t, Config{})

	r.conn.Close()
	require.Eventually(t, func() bool {
		return p.State() == StateClosed
	}, 5*time.Second, 10*time.Millisecond)

	err := p.QueueMessage(wire.NewMsgGetHeaders())
	require.ErrorIs(t, err, ErrPeerDisconnected)
}
