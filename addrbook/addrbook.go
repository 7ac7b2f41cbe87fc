// Package addrbook keeps a persistent book of known peer addresses. Every
// entry records the services a peer advertised, when it was last seen and
// until when it is quarantined. The book also remembers its own inception
// time, the moment it was first created, which callers use as a lower bound
// for how far back the local view of the network reaches.
//
// Persistence goes through goleveldb with one record per address plus a
// single metadata key.
package addrbook

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	// ErrAddressNotFound is returned when a queried address is not in the
	// book.
	ErrAddressNotFound = errors.New("address not found in book")

	// ErrNoCandidates is returned when no address is eligible for a new
	// connection.
	ErrNoCandidates = errors.New("no connection candidates available")
)

var (
	// addrPrefix namespaces per-address records.
	addrPrefix = []byte("addr/")

	// inceptionKey stores the time the book was first created.
	inceptionKey = []byte("meta/inception")
)

// maxDialFailures is the number of consecutive failed dials after which an
// address is dropped from the book.
const maxDialFailures = 5

// Entry is the stored state for one address.
type Entry struct {
	// Addr is the peer's host:port string and the book key.
	Addr string

	// Services are the service bits from the peer's last version
	// message.
	Services wire.ServiceFlag

	// LastSeen is the last time a connection to the peer succeeded.
	LastSeen time.Time

	// BannedUntil is nonzero while the peer is quarantined.
	BannedUntil time.Time

	// DialFailures counts consecutive failed connection attempts.
	DialFailures int
}

// serialize renders an entry as services(8) | lastSeen(8) | bannedUntil(8) |
// dialFailures(4), all big endian, with unix-second timestamps.
func (e *Entry) serialize() []byte {
	var buf [28]byte

	binary.BigEndian.PutUint64(buf[0:8], uint64(e.Services))
	binary.BigEndian.PutUint64(buf[8:16], uint64(e.LastSeen.Unix()))
	if !e.BannedUntil.IsZero() {
		binary.BigEndian.PutUint64(buf[16:24],
			uint64(e.BannedUntil.Unix()))
	}
	binary.BigEndian.PutUint32(buf[24:28], uint32(e.DialFailures))

	return buf[:]
}

func deserializeEntry(addr string, b []byte) (*Entry, error) {
	if len(b) != 28 {
		return nil, fmt.Errorf("malformed address record for %s: %d "+
			"bytes", addr, len(b))
	}

	entry := &Entry{
		Addr:     addr,
		Services: wire.ServiceFlag(binary.BigEndian.Uint64(b[0:8])),
		LastSeen: time.Unix(int64(binary.BigEndian.Uint64(b[8:16])), 0),
	}

	if banned := binary.BigEndian.Uint64(b[16:24]); banned != 0 {
		entry.BannedUntil = time.Unix(int64(banned), 0)
	}
	entry.DialFailures = int(binary.BigEndian.Uint32(b[24:28]))

	return entry, nil
}

// Book is the persistent address book. It is safe for concurrent use.
type Book struct {
	mtx sync.Mutex

	db        *leveldb.DB
	inception time.Time

	// now is stubbed in tests.
	now func() time.Time
}

// Open opens (creating if necessary) the book at the given directory. A
// fresh book records the current time as its inception.
func Open(path string) (*Book, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to open address book: %w", err)
	}

	b := &Book{db: db, now: time.Now}

	raw, err := db.Get(inceptionKey, nil)
	switch {
	case err == nil:
		b.inception = time.Unix(int64(binary.BigEndian.Uint64(raw)), 0)

	case errors.Is(err, leveldb.ErrNotFound):
		b.inception = b.now()
		var enc [8]byte
		binary.BigEndian.PutUint64(enc[:], uint64(b.inception.Unix()))
		if err := db.Put(inceptionKey, enc[:], nil); err != nil {
			db.Close()
			return nil, err
		}

	default:
		db.Close()
		return nil, err
	}

	return b, nil
}

// Close closes the underlying database.
func (b *Book) Close() error {
	return b.db.Close()
}

// Inception returns the time the book was first created.
func (b *Book) Inception() time.Time {
	return b.inception
}

// AddAddress records an address, refreshing services and last seen when it
// is already known. Ban state and failure counts are preserved.
func (b *Book) AddAddress(addr string, services wire.ServiceFlag) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	entry, err := b.fetch(addr)
	if errors.Is(err, ErrAddressNotFound) {
		entry = &Entry{Addr: addr}
	} else if err != nil {
		return err
	}

	entry.Services = services
	entry.LastSeen = b.now()
	entry.DialFailures = 0

	return b.store(entry)
}

// Address returns the stored entry for addr.
func (b *Book) Address(addr string) (*Entry, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	return b.fetch(addr)
}

// MarkBanned quarantines an address until the given time.
func (b *Book) MarkBanned(addr string, until time.Time) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	entry, err := b.fetch(addr)
	if errors.Is(err, ErrAddressNotFound) {
		entry = &Entry{Addr: addr, LastSeen: b.now()}
	} else if err != nil {
		return err
	}

	entry.BannedUntil = until
	return b.store(entry)
}

// MarkFailure records a failed dial. After too many consecutive failures
// the address is dropped from the book entirely.
func (b *Book) MarkFailure(addr string) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	entry, err := b.fetch(addr)
	if errors.Is(err, ErrAddressNotFound) {
		return nil
	} else if err != nil {
		return err
	}

	entry.DialFailures++
	if entry.DialFailures >= maxDialFailures {
		return b.db.Delete(b.key(addr), nil)
	}

	return b.store(entry)
}

// Candidate returns a random address eligible for a new connection:
// not quarantined and not in the exclude set. Returns ErrNoCandidates when
// the book has nothing to offer.
func (b *Book) Candidate(exclude map[string]struct{}) (*Entry, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	now := b.now()

	var candidates []*Entry
	iter := b.db.NewIterator(util.BytesPrefix(addrPrefix), nil)
	defer iter.Release()

	for iter.Next() {
		addr := string(iter.Key()[len(addrPrefix):])
		if _, ok := exclude[addr]; ok {
			continue
		}

		entry, err := deserializeEntry(addr, iter.Value())
		if err != nil {
			return nil, err
		}
		if now.Before(entry.BannedUntil) {
			continue
		}

		candidates = append(candidates, entry)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}
	return candidates[rand.Intn(len(candidates))], nil
}

// Addresses returns every stored entry.
func (b *Book) Addresses() ([]*Entry, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	var entries []*Entry
	iter := b.db.NewIterator(util.BytesPrefix(addrPrefix), nil)
	defer iter.Release()

	for iter.Next() {
		addr := string(iter.Key()[len(addrPrefix):])
		entry, err := deserializeEntry(addr, iter.Value())
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	return entries, nil
}

func (b *Book) key(addr string) []byte {
	return append(append([]byte{}, addrPrefix...), addr...)
}

func (b *Book) fetch(addr string) (*Entry, error) {
	raw, err := b.db.Get(b.key(addr), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrAddressNotFound
	} else if err != nil {
		return nil, err
	}
	return deserializeEntry(addr, raw)
}

func (b *Book) store(entry *Entry) error {
	return b.db.Put(b.key(entry.Addr), entry.serialize(), nil)
}
