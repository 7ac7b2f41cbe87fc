package chanutils

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/stretchr/testify/require"
)

const waitTime = time.Second * 5

// waitForItems polls the mock db until it contains all the given items or the
// wait budget runs out.
func waitForItems(t *testing.T, db *mockItemsDB, items ...*item) {
	t.Helper()

	deadline := time.Now().Add(waitTime)
	for time.Now().Before(deadline) {
		if db.hasItems(items...) {
			return
		}
		time.Sleep(time.Millisecond * 10)
	}

	t.Fatalf("timed out waiting for %d items to be persisted", len(items))
}

// TestBatchWriter tests that the BatchWriter behaves as expected.
func TestBatchWriter(t *testing.T) {
	t.Parallel()

	t.Run("items persisted after ticker", func(t *testing.T) {
		t.Parallel()

		db := newMockItemsDB()

		b := NewBatchWriter[*item](&BatchWriterConfig[*item]{
			QueueBufferSize:        10,
			MaxBatch:               20,
			DBWritesTickerDuration: time.Millisecond * 500,
			MaxRetries:             1,
			RetryBackoff:           time.Millisecond,
			Logger:                 btclog.Disabled,
			PutItems:               db.PutItems,
		})
		b.Start()
		t.Cleanup(b.Stop)

		items := genItemSet(5)
		for _, i := range items {
			b.AddItem(i)
		}
		waitForItems(t, db, items...)
	})

	t.Run("write once threshold is reached", func(t *testing.T) {
		t.Parallel()

		db := newMockItemsDB()

		// Make the DB writes ticker duration extra long so that we
		// can explicitly test that the batch gets persisted if the
		// MaxBatch threshold is reached.
		b := NewBatchWriter[*item](&BatchWriterConfig[*item]{
			QueueBufferSize:        10,
			MaxBatch:               20,
			DBWritesTickerDuration: time.Hour,
			MaxRetries:             1,
			RetryBackoff:           time.Millisecond,
			Logger:                 btclog.Disabled,
			PutItems:               db.PutItems,
		})
		b.Start()
		t.Cleanup(b.Stop)

		// Generate 30 items and add each one to the batch writer.
		items := genItemSet(30)
		for _, i := range items {
			b.AddItem(i)
		}

		// Since the MaxBatch threshold has been reached, we expect the
		// first 20 items to be persisted.
		waitForItems(t, db, items[:20]...)

		// Since the last 10 items don't reach the threshold and since
		// the ticker has definitely not ticked yet, we don't expect
		// the last 10 items to be in the db yet.
		require.False(t, db.hasItems(items[21:]...))
	})

	t.Run("flush persists pending items", func(t *testing.T) {
		t.Parallel()

		db := newMockItemsDB()

		// With the ticker effectively disabled and the threshold out of
		// reach, only Flush can get these items written.
		b := NewBatchWriter[*item](&BatchWriterConfig[*item]{
			QueueBufferSize:        10,
			MaxBatch:               20,
			DBWritesTickerDuration: time.Hour,
			MaxRetries:             1,
			RetryBackoff:           time.Millisecond,
			Logger:                 btclog.Disabled,
			PutItems:               db.PutItems,
		})
		b.Start()
		t.Cleanup(b.Stop)

		items := genItemSet(5)
		for _, i := range items {
			b.AddItem(i)
		}

		// Flush returns only once every prior AddItem has been handed
		// to the db, so no polling is needed.
		b.Flush()
		require.True(t, db.hasItems(items...))
	})

	t.Run("failed writes are retried", func(t *testing.T) {
		t.Parallel()

		db := newMockItemsDB()
		db.failures = 2

		b := NewBatchWriter[*item](&BatchWriterConfig[*item]{
			QueueBufferSize:        10,
			MaxBatch:               5,
			DBWritesTickerDuration: time.Millisecond * 10,
			MaxRetries:             3,
			RetryBackoff:           time.Millisecond,
			Logger:                 btclog.Disabled,
			PutItems:               db.PutItems,
		})
		b.Start()
		t.Cleanup(b.Stop)

		items := genItemSet(5)
		for _, i := range items {
			b.AddItem(i)
		}

		// The first two write attempts fail, but the batch must still
		// land within the retry budget.
		waitForItems(t, db, items...)
	})
}

type item struct {
	i int
}

// mockItemsDB is a mock DB that holds a set of items and can be told to fail
// the first few writes.
type mockItemsDB struct {
	items    map[int]bool
	failures int
	mu       sync.Mutex
}

// newMockItemsDB constructs a new mockItemsDB.
func newMockItemsDB() *mockItemsDB {
	return &mockItemsDB{
		items: make(map[int]bool),
	}
}

// hasItems returns true if the db contains all the given items.
func (m *mockItemsDB) hasItems(items ...*item) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, i := range items {
		_, ok := m.items[i.i]
		if !ok {
			return false
		}
	}

	return true
}

// PutItems adds a set of items to the db.
func (m *mockItemsDB) PutItems(items ...*item) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failures > 0 {
		m.failures--
		return errors.New("store unavailable")
	}

	for _, i := range items {
		m.items[i.i] = true
	}

	return nil
}

// genItemSet generates a set of numItems items.
func genItemSet(numItems int) []*item {
	res := make([]*item, numItems)
	for i := 0; i < numItems; i++ {
		res[i] = &item{i: i}
	}

	return res
}
