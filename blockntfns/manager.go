package blockntfns

import (
	"errors"
	"sync"

	"github.com/lightningnetwork/lnd/queue"
)

// ErrSubscriptionManagerStopped is returned when a subscription is requested
// after the manager has shut down.
var ErrSubscriptionManagerStopped = errors.New(
	"subscription manager has been stopped",
)

// Subscription is a client's view of the notification stream.
type Subscription struct {
	// Notifications delivers events in the order they were published.
	Notifications <-chan BlockNtfn

	// Cancel tears down the subscription. The Notifications channel is
	// closed once buffered events have been dropped.
	Cancel func()
}

// subscriber pairs a per-client queue with the forwarding goroutine's quit
// signal.
type subscriber struct {
	queue *queue.ConcurrentQueue
	quit  chan struct{}
}

// SubscriptionManager fans notifications out to an arbitrary number of
// subscribers. Publishing never blocks: each subscriber owns an unbounded
// queue drained by its own forwarding goroutine.
type SubscriptionManager struct {
	mtx sync.Mutex

	nextID      uint64
	subscribers map[uint64]*subscriber
	stopped     bool

	wg sync.WaitGroup
}

// NewSubscriptionManager constructs a subscription manager ready for use.
func NewSubscriptionManager() *SubscriptionManager {
	return &SubscriptionManager{
		subscribers: make(map[uint64]*subscriber),
	}
}

// NewSubscription registers a new subscriber.
func (m *SubscriptionManager) NewSubscription() (*Subscription, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.stopped {
		return nil, ErrSubscriptionManagerStopped
	}

	id := m.nextID
	m.nextID++

	sub := &subscriber{
		queue: queue.NewConcurrentQueue(20),
		quit:  make(chan struct{}),
	}
	sub.queue.Start()
	m.subscribers[id] = sub

	out := make(chan BlockNtfn)

	m.wg.Add(1)
	go m.forward(sub, out)

	return &Subscription{
		Notifications: out,
		Cancel: func() {
			m.remove(id)
		},
	}, nil
}

// forward drains the subscriber's queue into its typed channel until the
// subscription is cancelled or the manager stops.
func (m *SubscriptionManager) forward(sub *subscriber, out chan BlockNtfn) {
	defer m.wg.Done()
	defer close(out)

	for {
		select {
		case item, ok := <-sub.queue.ChanOut():
			if !ok {
				return
			}

			select {
			case out <- item.(BlockNtfn):
			case <-sub.quit:
				return
			}

		case <-sub.quit:
			return
		}
	}
}

// NotifyAll publishes a notification to every active subscriber without
// blocking.
func (m *SubscriptionManager) NotifyAll(ntfn BlockNtfn) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	for _, sub := range m.subscribers {
		select {
		case sub.queue.ChanIn() <- ntfn:
		case <-sub.quit:
		}
	}
}

// Stop cancels every subscription and waits for the forwarders to exit.
func (m *SubscriptionManager) Stop() {
	m.mtx.Lock()
	if m.stopped {
		m.mtx.Unlock()
		return
	}
	m.stopped = true

	for id, sub := range m.subscribers {
		close(sub.quit)
		sub.queue.Stop()
		delete(m.subscribers, id)
	}
	m.mtx.Unlock()

	m.wg.Wait()
}

// remove tears down a single subscription.
func (m *SubscriptionManager) remove(id uint64) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	sub, ok := m.subscribers[id]
	if !ok {
		return
	}
	delete(m.subscribers, id)

	close(sub.quit)
	sub.queue.Stop()
}
