package addrbook

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

var testStart = time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestBook(t *testing.T) *Book {
	t.Helper()

	book, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, book.Close())
	})

	book.now = func() time.Time { return testStart }
	return book
}

// TestAddAndFetch round-trips an entry, including the ban and failure
// fields.
func TestAddAndFetch(t *testing.T) {
	t.Parallel()

	book := newTestBook(t)
	const addr = "1.2.3.4:8333"

	require.NoError(t, book.AddAddress(addr, wire.SFNodeNetwork))

	entry, err := book.Address(addr)
	require.NoError(t, err)
	require.Equal(t, addr, entry.Addr)
	require.Equal(t, wire.SFNodeNetwork, entry.Services)
	require.Equal(t, testStart.Unix(), entry.LastSeen.Unix())
	require.True(t, entry.BannedUntil.IsZero())
	require.Zero(t, entry.DialFailures)

	_, err = book.Address("9.9.9.9:8333")
	require.ErrorIs(t, err, ErrAddressNotFound)
}

// TestInceptionPersists asserts a reopened book keeps its original
// inception time.
func TestInceptionPersists(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	book, err := Open(dir)
	require.NoError(t, err)
	inception := book.Inception()
	require.False(t, inception.IsZero())
	require.NoError(t, book.Close())

	reopened, err := Open(dir)
	require.NoError(t, err)
	defer reopened.Close()

	require.Equal(t, inception.Unix(), reopened.Inception().Unix())
}

// TestCandidateSelection asserts quarantined and excluded addresses never
// come back as candidates.
func TestCandidateSelection(t *testing.T) {
	t.Parallel()

	book := newTestBook(t)

	require.NoError(t, book.AddAddress("1.1.1.1:8333", wire.SFNodeNetwork))
	require.NoError(t, book.AddAddress("2.2.2.2:8333", wire.SFNodeNetwork))
	require.NoError(t, book.AddAddress("3.3.3.3:8333", wire.SFNodeNetwork))

	// Quarantine one, exclude another: only the third remains.
	err := book.MarkBanned("1.1.1.1:8333", testStart.Add(time.Hour))
	require.NoError(t, err)

	exclude := map[string]struct{}{"2.2.2.2:8333": {}}

	for i := 0; i < 10; i++ {
		entry, err := book.Candidate(exclude)
		require.NoError(t, err)
		require.Equal(t, "3.3.3.3:8333", entry.Addr)
	}

	// Nothing left once the last address is excluded too.
	exclude["3.3.3.3:8333"] = struct{}{}
	_, err = book.Candidate(exclude)
	require.ErrorIs(t, err, ErrNoCandidates)

	// An expired quarantine makes the address eligible again.
	book.now = func() time.Time { return testStart.Add(2 * time.Hour) }
	entry, err := book.Candidate(exclude)
	require.NoError(t, err)
	require.Equal(t, "1.1.1.1:8333", entry.Addr)
}

// TestMarkFailureDropsAddress asserts repeated dial failures remove the
// address and that a success resets the count.
func TestMarkFailureDropsAddress(t *testing.T) {
	t.Parallel()

	book := newTestBook(t)
	const addr = "1.2.3.4:8333"

	require.NoError(t, book.AddAddress(addr, wire.SFNodeNetwork))

	for i := 0; i < maxDialFailures-1; i++ {
		require.NoError(t, book.MarkFailure(addr))
	}
	entry, err := book.Address(addr)
	require.NoError(t, err)
	require.Equal(t, maxDialFailures-1, entry.DialFailures)

	// A successful connection resets the failure count.
	require.NoError(t, book.AddAddress(addr, wire.SFNodeNetwork))
	entry, err = book.Address(addr)
	require.NoError(t, err)
	require.Zero(t, entry.DialFailures)

	// Enough consecutive failures drop the address.
	for i := 0; i < maxDialFailures; i++ {
		require.NoError(t, book.MarkFailure(addr))
	}
	_, err = book.Address(addr)
	require.ErrorIs(t, err, ErrAddressNotFound)

	// Failing an unknown address is a no-op.
	require.NoError(t, book.MarkFailure("9.9.9.9:8333"))
}

// TestMarkBannedUnknownAddress asserts banning an address we have not seen
// yet still records it.
func TestMarkBannedUnknownAddress(t *testing.T) {
	t.Parallel()

	book := newTestBook(t)
	const addr = "6.6.6.6:8333"

	until := testStart.Add(time.Hour)
	require.NoError(t, book.MarkBanned(addr, until))

	entry, err := book.Address(addr)
	require.NoError(t, err)
	require.Equal(t, until.Unix(), entry.BannedUntil.Unix())
}
