package tracker

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/asheshgoplani/agent-watch/internal/logging"
)

// Subscription is a bounded event channel. When the buffer is full new
// events are dropped for this subscriber only.
type Subscription struct {
	C <-chan SessionEvent

	id      int
	name    string
	ch      chan SessionEvent
	dropped int64
	n       *notifier
}

// Dropped returns how many events this subscriber missed.
func (s *Subscription) Dropped() int64 {
	s.n.mu.Lock()
	defer s.n.mu.Unlock()
	return s.dropped
}

// Close unsubscribes and closes C. Safe to call more than once.
func (s *Subscription) Close() {
	s.n.unsubscribe(s.id)
}

// notifier batches non-critical events and fans them out. Critical events
// are delivered at once, after any pending batch so order is preserved.
type notifier struct {
	mu      sync.Mutex
	pending []SessionEvent
	subs    map[int]*Subscription
	nextID  int
	closed  bool

	callbacks sync.WaitGroup
	dropLog   rate.Sometimes
}

func newNotifier() *notifier {
	return &notifier{
		subs:    make(map[int]*Subscription),
		dropLog: rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
}

func (n *notifier) subscribe(name string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 1
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	ch := make(chan SessionEvent, buffer)
	n.nextID++
	sub := &Subscription{C: ch, id: n.nextID, name: name, ch: ch, n: n}
	if n.closed {
		close(ch)
		return sub
	}
	n.subs[sub.id] = sub
	return sub
}

// subscribeFunc runs fn for every event on its own goroutine. A panic in fn
// is logged and the subscriber keeps receiving.
func (n *notifier) subscribeFunc(name string, buffer int, fn func(SessionEvent)) *Subscription {
	sub := n.subscribe(name, buffer)
	n.callbacks.Add(1)
	go func() {
		defer n.callbacks.Done()
		for ev := range sub.C {
			invokeSafely(name, fn, ev)
		}
	}()
	return sub
}

func invokeSafely(name string, fn func(SessionEvent), ev SessionEvent) {
	defer func() {
		if r := recover(); r != nil {
			trackerLog.Error("subscriber_panic",
				slog.String("subscriber", name),
				slog.String("event", string(ev.Type)),
				slog.String("panic", fmt.Sprint(r)),
				slog.String("stack", string(debug.Stack())))
		}
	}()
	fn(ev)
}

func (n *notifier) unsubscribe(id int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if sub, ok := n.subs[id]; ok {
		delete(n.subs, id)
		close(sub.ch)
	}
}

// enqueue adds a non-critical event to the batch. A pending update for the
// same session is replaced by the newer one.
func (n *notifier) enqueue(ev SessionEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	if ev.Type == EventUpdate {
		for i, p := range n.pending {
			if p.Type == EventUpdate && p.Session.ID == ev.Session.ID {
				n.pending = append(n.pending[:i], n.pending[i+1:]...)
				logging.Aggregate(logging.CompTracker, "update_coalesced")
				break
			}
		}
	}
	n.pending = append(n.pending, ev)
}

// emitNow flushes the batch and then delivers ev immediately.
func (n *notifier) emitNow(ev SessionEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.flushLocked()
	n.deliverLocked(ev)
}

func (n *notifier) flush() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.flushLocked()
}

func (n *notifier) flushLocked() {
	if len(n.pending) == 0 {
		return
	}
	batch := n.pending
	n.pending = nil
	for _, ev := range batch {
		n.deliverLocked(ev)
	}
}

func (n *notifier) deliverLocked(ev SessionEvent) {
	for _, sub := range n.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped++
			logging.Aggregate(logging.CompTracker, "notification_dropped",
				slog.String("subscriber", sub.name))
			n.dropLog.Do(func() {
				trackerLog.Warn("subscriber_lagging",
					slog.String("subscriber", sub.name),
					slog.String("event", string(ev.Type)),
					slog.Int64("dropped", sub.dropped))
			})
		}
	}
}

// close flushes what is pending, closes every subscriber channel and waits
// for callback subscribers to drain.
func (n *notifier) close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.flushLocked()
	n.closed = true
	for id, sub := range n.subs {
		close(sub.ch)
		delete(n.subs, id)
	}
	n.mu.Unlock()
	n.callbacks.Wait()
}

func (n *notifier) pendingCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pending)
}
