package chanutils

import (
	"sync"
	"time"

	"github.com/btcsuite/btclog"
)

// flushPollInterval is how often Flush re-checks for unwritten items while
// waiting for the write goroutine to catch up.
const flushPollInterval = 10 * time.Millisecond

// BatchWriterConfig holds the configuration options for BatchWriter.
type BatchWriterConfig[T any] struct {
	// QueueBufferSize sets the buffer size of the output channel of the
	// concurrent queue used by the BatchWriter.
	QueueBufferSize int

	// MaxBatch is the maximum number of items to be persisted to the DB
	// in one go.
	MaxBatch int

	// DBWritesTickerDuration is the time after receiving an item that the
	// writer will wait for more items before writing the current batch
	// to the DB.
	DBWritesTickerDuration time.Duration

	// MaxRetries is the number of times a failed batch write will be
	// retried before the batch is dropped. The in-memory chain state stays
	// authoritative, so a dropped batch only degrades durability.
	MaxRetries int

	// RetryBackoff is the initial delay between write retries. It doubles
	// on every failed attempt.
	RetryBackoff time.Duration

	// Logger is the logger that the BatchWriter should use for any logs.
	Logger btclog.Logger

	// PutItems will be used by the BatchWriter to persist items in
	// batches.
	PutItems func(...T) error
}

// BatchWriter manages writing items to the DB and tries to batch the writes
// as much as possible.
type BatchWriter[T any] struct {
	started sync.Once
	stopped sync.Once

	cfg *BatchWriterConfig[T]

	queue *ConcurrentQueue[T]

	// pending counts items accepted by AddItem but not yet handed to
	// PutItems.
	pendingMtx sync.Mutex
	pending    int

	// flushSignal nudges the write goroutine to persist what it has
	// without waiting for the ticker.
	flushSignal chan struct{}

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewBatchWriter constructs a new BatchWriter using the given
// BatchWriterConfig.
func NewBatchWriter[T any](cfg *BatchWriterConfig[T]) *BatchWriter[T] {
	return &BatchWriter[T]{
		cfg:         cfg,
		queue:       NewConcurrentQueue[T](cfg.QueueBufferSize),
		flushSignal: make(chan struct{}, 1),
		quit:        make(chan struct{}),
	}
}

// Start starts the BatchWriter.
func (b *BatchWriter[T]) Start() {
	b.started.Do(func() {
		b.queue.Start()

		b.wg.Add(1)
		go b.manageNewItems()
	})
}

// Stop stops the BatchWriter.
func (b *BatchWriter[T]) Stop() {
	b.stopped.Do(func() {
		close(b.quit)
		b.wg.Wait()

		b.queue.Stop()
	})
}

// AddItem adds a given item to the BatchWriter queue.
func (b *BatchWriter[T]) AddItem(item T) {
	b.pendingMtx.Lock()
	b.pending++
	b.pendingMtx.Unlock()

	b.queue.ChanIn() <- item
}

// numPending returns the number of items not yet handed to PutItems.
func (b *BatchWriter[T]) numPending() int {
	b.pendingMtx.Lock()
	defer b.pendingMtx.Unlock()

	return b.pending
}

// Flush blocks until every item added before the call has been handed to
// PutItems, so a caller about to rewrite the backing store observes all
// earlier writes. Items that exhaust the write retry budget count as
// handled. Flush returns early if the writer is stopped.
func (b *BatchWriter[T]) Flush() {
	for b.numPending() > 0 {
		select {
		case b.flushSignal <- struct{}{}:
		default:
		}

		select {
		case <-time.After(flushPollInterval):
		case <-b.quit:
			return
		}
	}
}

// writeWithRetry persists the given batch, retrying with doubling backoff on
// failure. Write failures past the retry budget are logged and the batch is
// dropped rather than halting the caller.
func (b *BatchWriter[T]) writeWithRetry(items []T) {
	backoff := b.cfg.RetryBackoff
	for attempt := 0; ; attempt++ {
		err := b.cfg.PutItems(items...)
		if err == nil {
			return
		}

		if attempt >= b.cfg.MaxRetries {
			b.cfg.Logger.Errorf("Dropping batch of %d items "+
				"after %d failed writes: %v", len(items),
				attempt+1, err)
			return
		}

		b.cfg.Logger.Warnf("Batch write failed, retrying in %v: %v",
			backoff, err)

		select {
		case <-time.After(backoff):
		case <-b.quit:
			return
		}
		backoff *= 2
	}
}

// manageNewItems manages collecting items and persisting them to the DB.
// There are two conditions for writing a batch of items to the DB: the first
// is if a certain threshold (MaxBatch) of items has been collected and the
// other is if at least one item has been collected and a timeout has been
// reached.
//
// NOTE: this must be run in a goroutine.
func (b *BatchWriter[T]) manageNewItems() {
	defer b.wg.Done()

	batch := make([]T, 0, b.cfg.MaxBatch)

	writeBatch := func() {
		if len(batch) == 0 {
			return
		}

		items := make([]T, len(batch))
		copy(items, batch)
		batch = batch[:0]

		b.writeWithRetry(items)

		b.pendingMtx.Lock()
		b.pending -= len(items)
		b.pendingMtx.Unlock()
	}

	ticker := time.NewTicker(b.cfg.DBWritesTickerDuration)
	ticker.Stop()

	for {
		select {
		case item, ok := <-b.queue.ChanOut():
			if !ok {
				return
			}

			batch = append(batch, item)

			if len(batch) >= b.cfg.MaxBatch {
				// Batch is full, so stop the timer & write
				// the batch to disk.
				ticker.Stop()
				writeBatch()
			} else {
				// reset timer
				ticker.Reset(b.cfg.DBWritesTickerDuration)
			}

		case <-ticker.C:
			ticker.Stop()

			writeBatch()

		case <-b.flushSignal:
			// Pick up anything already waiting in the queue, then
			// persist the lot.
			drained := false
			for !drained {
				select {
				case item, ok := <-b.queue.ChanOut():
					if !ok {
						return
					}
					batch = append(batch, item)
				default:
					drained = true
				}
			}

			ticker.Stop()
			writeBatch()

		case <-b.quit:
			return
		}
	}
}
