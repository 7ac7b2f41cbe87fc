package blockntfns

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// receive waits for one notification with a timeout.
func receive(t *testing.T, sub *Subscription) BlockNtfn {
	t.Helper()

	select {
	case ntfn, ok := <-sub.Notifications:
		require.True(t, ok, "notification channel closed")
		return ntfn

	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for notification")
		return nil
	}
}

// TestNotifyAllFanOut asserts every subscriber sees every notification in
// publish order.
func TestNotifyAllFanOut(t *testing.T) {
	t.Parallel()

	m := NewSubscriptionManager()
	defer m.Stop()

	subA, err := m.NewSubscription()
	require.NoError(t, err)
	subB, err := m.NewSubscription()
	require.NoError(t, err)

	for i := int32(1); i <= 3; i++ {
		m.NotifyAll(NewBlockAvailable(chainhash.Hash{byte(i)}, i))
	}

	for _, sub := range []*Subscription{subA, subB} {
		for i := int32(1); i <= 3; i++ {
			ntfn := receive(t, sub)
			require.Equal(t, i, ntfn.Height())
		}
	}
}

// TestCancelStopsDelivery asserts a cancelled subscription closes its
// channel and stops receiving.
func TestCancelStopsDelivery(t *testing.T) {
	t.Parallel()

	m := NewSubscriptionManager()
	defer m.Stop()

	sub, err := m.NewSubscription()
	require.NoError(t, err)

	m.NotifyAll(NewBlockAvailable(chainhash.Hash{1}, 1))
	require.Equal(t, int32(1), receive(t, sub).Height())

	sub.Cancel()

	// The channel must close once the forwarder winds down.
	select {
	case _, ok := <-sub.Notifications:
		require.False(t, ok)

	case <-time.After(5 * time.Second):
		t.Fatal("notification channel never closed")
	}

	// Cancelling twice is harmless.
	sub.Cancel()
}

// TestSlowConsumerDoesNotBlockPublisher asserts NotifyAll returns promptly
// even when no subscriber is reading.
func TestSlowConsumerDoesNotBlockPublisher(t *testing.T) {
	t.Parallel()

	m := NewSubscriptionManager()
	defer m.Stop()

	sub, err := m.NewSubscription()
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := int32(0); i < 1000; i++ {
			m.NotifyAll(NewBlockAvailable(chainhash.Hash{}, i))
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked on a slow consumer")
	}

	// The backlog is still delivered in order.
	for i := int32(0); i < 1000; i++ {
		require.Equal(t, i, receive(t, sub).Height())
	}
}

// TestStopRejectsNewSubscriptions asserts subscriptions after Stop fail.
func TestStopRejectsNewSubscriptions(t *testing.T) {
	t.Parallel()

	m := NewSubscriptionManager()
	m.Stop()

	_, err := m.NewSubscription()
	require.ErrorIs(t, err, ErrSubscriptionManagerStopped)

	// Stopping twice is harmless.
	m.Stop()
}

// TestReorgNotification asserts the reorg accessors derive depth and fork
// height consistently.
func TestReorgNotification(t *testing.T) {
	t.Parallel()

	newTip := wire.BlockHeader{Version: 1, Nonce: 7}
	ntfn := NewReorg(chainhash.Hash{0xaa}, newTip, 105, 100)

	require.Equal(t, int32(105), ntfn.Height())
	require.Equal(t, int32(100), ntfn.ForkHeight())
	require.Equal(t, int32(5), ntfn.Depth())
	require.Equal(t, chainhash.Hash{0xaa}, ntfn.OldTip())
	gotTip := ntfn.NewTip()
	require.Equal(t, newTip.BlockHash(), gotTip.BlockHash())
}
