// Package query tracks outstanding requests to peers. The Ledger is a pure
// bookkeeping structure: it records which peer owes us which response and by
// when, enforces a per-peer in-flight cap, and hands back expired entries so
// the caller can reassign them. It never talks to the network itself.
package query

import (
	"errors"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/clock"
)

var (
	// ErrPeerSaturated is returned when a peer already carries its maximum
	// number of in-flight requests.
	ErrPeerSaturated = errors.New("peer request capacity exhausted")

	// ErrDuplicateRequest is returned when the key is already being
	// tracked.
	ErrDuplicateRequest = errors.New("request already in flight")
)

const (
	// DefaultPeerCapacity is the per-peer in-flight cap used when the
	// config leaves it unset.
	DefaultPeerCapacity = 16

	// DefaultTimeout is the per-request response deadline used when the
	// config leaves it unset.
	DefaultTimeout = 30 * time.Second
)

// Kind labels what kind of response a tracked request expects.
type Kind uint8

const (
	// KindHeaders is a getheaders request, keyed by the locator tip hash.
	KindHeaders Kind = iota

	// KindBlock is a getdata request for a block.
	KindBlock

	// KindFilter is a getcfilters request, keyed by the stop hash.
	KindFilter
)

// String returns a human-readable kind name.
func (k Kind) String() string {
	switch k {
	case KindHeaders:
		return "headers"
	case KindBlock:
		return "block"
	case KindFilter:
		return "filter"
	}
	return "unknown"
}

// Key uniquely identifies a tracked request.
type Key struct {
	Kind Kind
	Hash chainhash.Hash
}

// Expired describes a request whose deadline passed before a response
// arrived. Attempts counts how many peers have been asked in total,
// including the one that just timed out.
type Expired struct {
	Key      Key
	Peer     string
	Attempts int
}

// Config houses the ledger's policy knobs.
type Config struct {
	// PeerCapacity caps the number of in-flight requests per peer.
	PeerCapacity int

	// Timeout is the response deadline applied to every request.
	Timeout time.Duration

	// Clock supplies the time. Defaults to the wall clock.
	Clock clock.Clock
}

// entry is the in-flight record for a single key.
type entry struct {
	peer     string
	deadline time.Time
	attempts int
}

// Ledger is the request ledger. It is not safe for concurrent use; the sync
// coordinator owns it and drives it from its single event goroutine.
type Ledger struct {
	cfg Config

	requests map[Key]*entry
	perPeer  map[string]int

	// attempts survives timeouts so a key reassigned to a new peer keeps
	// its cumulative attempt count. Cleared on completion or cancel.
	attempts map[Key]int

	// rr is the round-robin cursor over the peer list passed to Assign.
	rr int
}

// NewLedger constructs a ledger, filling config defaults.
func NewLedger(cfg Config) *Ledger {
	if cfg.PeerCapacity <= 0 {
		cfg.PeerCapacity = DefaultPeerCapacity
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	return &Ledger{
		cfg:      cfg,
		requests: make(map[Key]*entry),
		perPeer:  make(map[string]int),
		attempts: make(map[Key]int),
	}
}

// Track records that peer owes us a response for key before the configured
// timeout elapses. A key that timed out previously resumes its attempt
// count.
func (l *Ledger) Track(key Key, peer string) error {
	if _, ok := l.requests[key]; ok {
		return ErrDuplicateRequest
	}
	if l.perPeer[peer] >= l.cfg.PeerCapacity {
		return ErrPeerSaturated
	}

	l.attempts[key]++
	l.requests[key] = &entry{
		peer:     peer,
		deadline: l.cfg.Clock.Now().Add(l.cfg.Timeout),
		attempts: l.attempts[key],
	}
	l.perPeer[peer]++

	return nil
}

// Complete removes the entry for key and reports the peer it was assigned
// to. The second return is false when the key was not in flight, so a late
// or duplicate response completes a request at most once.
func (l *Ledger) Complete(key Key) (string, bool) {
	ent, ok := l.requests[key]
	if !ok {
		return "", false
	}

	l.remove(key, ent)
	delete(l.attempts, key)

	return ent.peer, true
}

// Cancel drops the entry for key without treating it as answered. Its
// attempt history is discarded too.
func (l *Ledger) Cancel(key Key) bool {
	ent, ok := l.requests[key]
	if !ok {
		return false
	}

	l.remove(key, ent)
	delete(l.attempts, key)

	return true
}

// CancelPeer drops every entry assigned to the given peer and returns their
// keys so the caller can reassign them. Attempt history is preserved.
func (l *Ledger) CancelPeer(peer string) []Key {
	var keys []Key
	for key, ent := range l.requests {
		if ent.peer != peer {
			continue
		}
		l.remove(key, ent)
		keys = append(keys, key)
	}
	return keys
}

// ExpireBefore removes every entry whose deadline has passed and returns
// them with their cumulative attempt counts. The caller decides whether to
// reassign or give up.
func (l *Ledger) ExpireBefore(now time.Time) []Expired {
	var expired []Expired
	for key, ent := range l.requests {
		if ent.deadline.After(now) {
			continue
		}
		l.remove(key, ent)
		expired = append(expired, Expired{
			Key:      key,
			Peer:     ent.peer,
			Attempts: ent.attempts,
		})
	}
	return expired
}

// Assign distributes keys round-robin over the given peers, skipping peers
// without spare capacity, and tracks each assignment. It returns the
// per-peer assignment map along with any keys that no peer had room for.
// The round-robin cursor persists across calls so consecutive batches do
// not all start on the same peer.
func (l *Ledger) Assign(keys []Key, peers []string) (map[string][]Key,
	[]Key) {

	assigned := make(map[string][]Key)
	var leftover []Key

	if len(peers) == 0 {
		return assigned, append(leftover, keys...)
	}

nextKey:
	for _, key := range keys {
		for tries := 0; tries < len(peers); tries++ {
			peer := peers[l.rr%len(peers)]
			l.rr++

			err := l.Track(key, peer)
			switch {
			case err == nil:
				assigned[peer] = append(assigned[peer], key)
				continue nextKey

			case errors.Is(err, ErrDuplicateRequest):
				// Already in flight elsewhere; nothing to do.
				continue nextKey
			}
		}

		leftover = append(leftover, key)
	}

	return assigned, leftover
}

// InFlight returns the number of requests currently assigned to peer.
func (l *Ledger) InFlight(peer string) int {
	return l.perPeer[peer]
}

// Len returns the total number of tracked requests.
func (l *Ledger) Len() int {
	return len(l.requests)
}

// Peer returns the peer a key is assigned to, if it is in flight.
func (l *Ledger) Peer(key Key) (string, bool) {
	ent, ok := l.requests[key]
	if !ok {
		return "", false
	}
	return ent.peer, true
}

func (l *Ledger) remove(key Key, ent *entry) {
	delete(l.requests, key)
	if l.perPeer[ent.peer] <= 1 {
		delete(l.perPeer, ent.peer)
	} else {
		l.perPeer[ent.peer]--
	}
}
