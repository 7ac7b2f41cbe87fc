// Package peer manages a single connection to a remote node: the version
// handshake, message framing over the wire protocol envelope, a bounded
// outbound queue and ping-based liveness. A peer knows nothing about the
// chain; received messages are handed to the owner through a callback and
// higher-level request accounting lives elsewhere.
package peer

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/ticker"
)

var (
	// ErrPeerBusy is returned when the outbound queue is full. Callers
	// should treat it as backpressure, not as a failure of the peer.
	ErrPeerBusy = errors.New("peer outbound queue is full")

	// ErrPeerDisconnected is returned when queueing to a peer that has
	// already shut down.
	ErrPeerDisconnected = errors.New("peer is disconnected")

	// ErrHandshakeFailed is returned when the version exchange does not
	// complete correctly within the handshake deadline.
	ErrHandshakeFailed = errors.New("version handshake failed")

	// ErrSelfConnection is returned when the remote echoes our own
	// version nonce, meaning we connected to ourselves.
	ErrSelfConnection = errors.New("connected to self")

	// ErrPingTimeout is the disconnect reason when the remote fails to
	// answer a ping within the liveness window.
	ErrPingTimeout = errors.New("peer failed to answer ping in time")
)

const (
	// DefaultHandshakeTimeout bounds the whole version exchange.
	DefaultHandshakeTimeout = 30 * time.Second

	// DefaultPingInterval is how often a ping is sent on an idle
	// connection.
	DefaultPingInterval = 2 * time.Minute

	// DefaultOutboundQueueSize bounds the send queue. A full queue
	// rejects instead of buffering without bound.
	DefaultOutboundQueueSize = 50

	// defaultProtocolVersion is the highest protocol version we speak.
	defaultProtocolVersion = wire.SendHeadersVersion
)

// State describes where a peer is in its lifecycle. Transitions only move
// forward.
type State uint32

const (
	// StateConnecting means the TCP connection exists but no version
	// message has been sent yet.
	StateConnecting State = iota

	// StateHandshakeSent means our version message is on the wire.
	StateHandshakeSent

	// StateHandshakeComplete means version and verack have been
	// exchanged in both directions.
	StateHandshakeComplete

	// StateReady means the message handlers are running and the peer
	// accepts requests.
	StateReady

	// StateClosing means a disconnect is in progress.
	StateClosing

	// StateBanned is StateClosing for a peer being dropped with
	// prejudice.
	StateBanned

	// StateClosed is terminal.
	StateClosed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshakeSent:
		return "handshake sent"
	case StateHandshakeComplete:
		return "handshake complete"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateBanned:
		return "banned"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Config supplies everything a peer needs beyond its connection.
type Config struct {
	// Params identifies the network the peer must be on.
	Params *chaincfg.Params

	// Services are the service bits we advertise.
	Services wire.ServiceFlag

	// UserAgentName and UserAgentVersion are advertised in the version
	// message.
	UserAgentName    string
	UserAgentVersion string

	// LastBlock is the best height we advertise.
	LastBlock int32

	// HandshakeTimeout bounds the version exchange. Defaults to
	// DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration

	// PingTicker paces liveness pings. Defaults to a real ticker at
	// DefaultPingInterval; tests inject ticker.NewForce.
	PingTicker ticker.Ticker

	// OutboundQueueSize bounds the send queue. Defaults to
	// DefaultOutboundQueueSize.
	OutboundQueueSize int

	// Nonce is the version nonce to advertise. Zero picks a random one.
	// The same value must be shared across all local peers for
	// self-connection detection to work.
	Nonce uint64

	// OnMessage is invoked from the read loop for every message that is
	// not handled internally. It must not block for long.
	OnMessage func(p *Peer, msg wire.Message)

	// OnDisconnect is invoked exactly once when the peer winds down,
	// with the error that caused it, if any.
	OnDisconnect func(p *Peer, err error)
}

// Peer is a single remote node connection.
type Peer struct {
	state uint32 // State, used atomically

	cfg     Config
	conn    net.Conn
	addr    string
	inbound bool

	// Remote properties learned during the handshake.
	remoteServices wire.ServiceFlag
	remoteVersion  uint32
	userAgent      string

	// lastBlock is the remote's advertised best height, updated as it
	// announces new blocks. Used atomically.
	lastBlock int32

	// pingNonce is the nonce of the outstanding ping, zero when the last
	// ping was answered. Used atomically.
	pingNonce uint64

	sendQueue chan wire.Message

	disconnectOnce sync.Once
	disconnectErr  error
	quit           chan struct{}
	wg             sync.WaitGroup
}

// New wraps an established connection. The handshake does not run until
// Start is called.
func New(conn net.Conn, inbound bool, cfg Config) *Peer {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.OutboundQueueSize <= 0 {
		cfg.OutboundQueueSize = DefaultOutboundQueueSize
	}
	if cfg.PingTicker == nil {
		cfg.PingTicker = ticker.New(DefaultPingInterval)
	}
	if cfg.Nonce == 0 {
		cfg.Nonce = rand.Uint64()
	}

	return &Peer{
		cfg:       cfg,
		conn:      conn,
		addr:      conn.RemoteAddr().String(),
		inbound:   inbound,
		sendQueue: make(chan wire.Message, cfg.OutboundQueueSize),
		quit:      make(chan struct{}),
	}
}

// SetCallbacks installs the message and disconnect callbacks. It must be
// called before Start; callbacks often live on a wrapper that embeds the
// peer and therefore cannot exist at construction time.
func (p *Peer) SetCallbacks(onMessage func(*Peer, wire.Message),
	onDisconnect func(*Peer, error)) {

	p.cfg.OnMessage = onMessage
	p.cfg.OnDisconnect = onDisconnect
}

// Start runs the version handshake and, on success, launches the read,
// write and ping handlers. It blocks until the handshake completes or
// fails.
func (p *Peer) Start() error {
	if err := p.handshake(); err != nil {
		p.setState(StateClosed)
		p.conn.Close()

		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	p.setState(StateReady)
	log.Debugf("Peer %s ready (version=%d, agent=%s, height=%d)",
		p.addr, p.remoteVersion, p.userAgent,
		atomic.LoadInt32(&p.lastBlock))

	p.wg.Add(3)
	go p.inHandler()
	go p.outHandler()
	go p.pingHandler()

	return nil
}

// handshake exchanges version and verack with the remote under a single
// deadline. The outbound side speaks first; the inbound side answers.
func (p *Peer) handshake() error {
	deadline := time.Now().Add(p.cfg.HandshakeTimeout)
	if err := p.conn.SetDeadline(deadline); err != nil {
		return err
	}

	if p.inbound {
		if err := p.readRemoteVersion(); err != nil {
			return err
		}
		if err := p.writeLocalVersion(); err != nil {
			return err
		}
	} else {
		if err := p.writeLocalVersion(); err != nil {
			return err
		}
		if err := p.readRemoteVersion(); err != nil {
			return err
		}
	}

	if err := p.writeMessage(wire.NewMsgVerAck()); err != nil {
		return err
	}

	// Anything other than verack at this point is a protocol violation.
	msg, _, err := p.readMessage()
	if err != nil {
		return err
	}
	if _, ok := msg.(*wire.MsgVerAck); !ok {
		return fmt.Errorf("expected verack, got %s", msg.Command())
	}

	p.setState(StateHandshakeComplete)

	// Clear the handshake deadline for steady-state operation.
	return p.conn.SetDeadline(time.Time{})
}

// writeLocalVersion sends our version message.
func (p *Peer) writeLocalVersion() error {
	me := newNetAddress(p.conn.LocalAddr(), p.cfg.Services)
	you := newNetAddress(p.conn.RemoteAddr(), 0)

	msg := wire.NewMsgVersion(me, you, p.cfg.Nonce, p.cfg.LastBlock)
	msg.Services = p.cfg.Services
	err := msg.AddUserAgent(
		p.cfg.UserAgentName, p.cfg.UserAgentVersion,
	)
	if err != nil {
		return err
	}

	if err := p.writeMessage(msg); err != nil {
		return err
	}

	p.setState(StateHandshakeSent)
	return nil
}

// readRemoteVersion reads and sanity checks the remote's version message.
func (p *Peer) readRemoteVersion() error {
	msg, _, err := p.readMessage()
	if err != nil {
		return err
	}

	version, ok := msg.(*wire.MsgVersion)
	if !ok {
		return fmt.Errorf("expected version, got %s", msg.Command())
	}

	// Our own nonce coming back means the connection loops to us.
	if version.Nonce == p.cfg.Nonce {
		return ErrSelfConnection
	}

	p.remoteServices = version.Services
	p.remoteVersion = minUint32(
		uint32(version.ProtocolVersion), defaultProtocolVersion,
	)
	p.userAgent = version.UserAgent
	atomic.StoreInt32(&p.lastBlock, version.LastBlock)

	return nil
}

// QueueMessage enqueues a message for sending. A full queue returns
// ErrPeerBusy immediately rather than blocking.
func (p *Peer) QueueMessage(msg wire.Message) error {
	if p.State() != StateReady {
		return ErrPeerDisconnected
	}

	select {
	case p.sendQueue <- msg:
		return nil
	case <-p.quit:
		return ErrPeerDisconnected
	default:
		return ErrPeerBusy
	}
}

// inHandler reads messages until the connection dies. Pings are answered and
// pongs matched here; everything else goes to the owner.
func (p *Peer) inHandler() {
	defer p.wg.Done()

	for {
		msg, _, err := p.readMessage()
		if err != nil {
			// Reads fail as a matter of course during shutdown.
			select {
			case <-p.quit:
			default:
				log.Debugf("Peer %s read failed: %v", p.addr,
					err)
				go p.disconnect(err)
			}
			return
		}

		switch m := msg.(type) {
		case *wire.MsgPing:
			// Answer outside the read loop so a full send queue
			// cannot wedge reading.
			if err := p.QueueMessage(wire.NewMsgPong(m.Nonce)); err != nil {
				log.Debugf("Peer %s dropped pong: %v", p.addr,
					err)
			}
			continue

		case *wire.MsgPong:
			if atomic.CompareAndSwapUint64(
				&p.pingNonce, m.Nonce, 0,
			) {
				continue
			}
			log.Debugf("Peer %s sent unexpected pong nonce %d",
				p.addr, m.Nonce)
			continue
		}

		if p.cfg.OnMessage != nil {
			p.cfg.OnMessage(p, msg)
		}
	}
}

// outHandler drains the send queue onto the wire.
func (p *Peer) outHandler() {
	defer p.wg.Done()

	for {
		select {
		case msg := <-p.sendQueue:
			if err := p.writeMessage(msg); err != nil {
				select {
				case <-p.quit:
				default:
					log.Debugf("Peer %s write failed: %v",
						p.addr, err)
					go p.disconnect(err)
				}
				return
			}

		case <-p.quit:
			return
		}
	}
}

// pingHandler sends periodic pings and tears the peer down when one goes
// unanswered by the time the next tick fires.
func (p *Peer) pingHandler() {
	defer p.wg.Done()

	p.cfg.PingTicker.Resume()
	defer p.cfg.PingTicker.Stop()

	for {
		select {
		case <-p.cfg.PingTicker.Ticks():
			// A nonzero outstanding nonce means the previous ping
			// was never answered.
			if atomic.LoadUint64(&p.pingNonce) != 0 {
				go p.disconnect(ErrPingTimeout)
				return
			}

			nonce := rand.Uint64()
			if nonce == 0 {
				nonce = 1
			}
			atomic.StoreUint64(&p.pingNonce, nonce)

			if err := p.QueueMessage(wire.NewMsgPing(nonce)); err != nil {
				log.Debugf("Peer %s dropped ping: %v", p.addr,
					err)
				// Clear so a busy spell is not mistaken for
				// a dead peer.
				atomic.StoreUint64(&p.pingNonce, 0)
			}

		case <-p.quit:
			return
		}
	}
}

// Disconnect tears the connection down. It is idempotent and safe to call
// from any goroutine, including the message callbacks: it never waits for
// the handler goroutines, so a caller running on one of them cannot
// deadlock. Use WaitForShutdown to join the teardown.
func (p *Peer) Disconnect(err error) {
	p.disconnect(err)
}

// Ban is Disconnect with the terminal state marked as banned so the pool
// can tell the difference.
func (p *Peer) Ban(err error) {
	p.setState(StateBanned)
	p.Disconnect(err)
}

func (p *Peer) disconnect(err error) {
	p.disconnectOnce.Do(func() {
		if p.State() != StateBanned {
			p.setState(StateClosing)
		}
		p.disconnectErr = err

		close(p.quit)
		p.conn.Close()

		go func() {
			p.wg.Wait()
			p.setState(StateClosed)

			if p.cfg.OnDisconnect != nil {
				p.cfg.OnDisconnect(p, err)
			}
		}()
	})
}

// WaitForShutdown blocks until all handler goroutines have exited.
func (p *Peer) WaitForShutdown() {
	p.wg.Wait()
}

// State returns the peer's lifecycle state.
func (p *Peer) State() State {
	return State(atomic.LoadUint32(&p.state))
}

func (p *Peer) setState(s State) {
	atomic.StoreUint32(&p.state, uint32(s))
}

// Addr returns the remote address.
func (p *Peer) Addr() string {
	return p.addr
}

// Inbound reports whether the remote initiated the connection.
func (p *Peer) Inbound() bool {
	return p.inbound
}

// Services returns the service bits the remote advertised.
func (p *Peer) Services() wire.ServiceFlag {
	return p.remoteServices
}

// UserAgent returns the remote's advertised user agent.
func (p *Peer) UserAgent() string {
	return p.userAgent
}

// ProtocolVersion returns the negotiated protocol version.
func (p *Peer) ProtocolVersion() uint32 {
	return p.remoteVersion
}

// LastBlock returns the remote's advertised best height.
func (p *Peer) LastBlock() int32 {
	return atomic.LoadInt32(&p.lastBlock)
}

// UpdateLastBlock records a newer advertised height.
func (p *Peer) UpdateLastBlock(height int32) {
	atomic.StoreInt32(&p.lastBlock, height)
}

// String implements fmt.Stringer.
func (p *Peer) String() string {
	direction := "outbound"
	if p.inbound {
		direction = "inbound"
	}
	return fmt.Sprintf("%s (%s)", p.addr, direction)
}

func (p *Peer) readMessage() (wire.Message, []byte, error) {
	_, msg, buf, err := wire.ReadMessageWithEncodingN(
		p.conn, p.remoteVersionOrDefault(), p.cfg.Params.Net,
		wire.BaseEncoding,
	)
	return msg, buf, err
}

func (p *Peer) writeMessage(msg wire.Message) error {
	_, err := wire.WriteMessageWithEncodingN(
		p.conn, msg, p.remoteVersionOrDefault(), p.cfg.Params.Net,
		wire.BaseEncoding,
	)
	return err
}

// remoteVersionOrDefault returns the negotiated protocol version, falling
// back to our own before the handshake has learned the remote's.
func (p *Peer) remoteVersionOrDefault() uint32 {
	if p.remoteVersion != 0 {
		return p.remoteVersion
	}
	return defaultProtocolVersion
}

// newNetAddress converts a net.Addr into the wire form, tolerating address
// types without a usable IP, such as in-memory pipes.
func newNetAddress(addr net.Addr, services wire.ServiceFlag) *wire.NetAddress {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return wire.NewNetAddress(tcp, services)
	}
	return wire.NewNetAddressIPPort(net.IPv4zero, 0, services)
}

func minUint32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}
