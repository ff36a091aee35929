package notify

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/zhubert/plural-codex/rpc"
)

// ErrQueueClosed is returned by Next on a queue closed by its owner.
var ErrQueueClosed = errors.New("notification queue closed")

// DefaultQueueLimit bounds the session-wide queue so an idle consumer cannot
// grow it forever. Per-stream queues are unbounded.
const DefaultQueueLimit = 10000

// Router delivers every notification to the default queue and to each open
// stream queue, then publishes it on the bus.
type Router struct {
	log *slog.Logger
	bus *Bus
	def *Queue[rpc.Notification]

	mu     sync.Mutex
	queues map[*Queue[rpc.Notification]]struct{}
	closed bool
	err    error
}

// NewRouter creates a router. bus may be nil.
func NewRouter(bus *Bus, defaultLimit int, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		log:    log,
		bus:    bus,
		def:    NewQueue[rpc.Notification](defaultLimit),
		queues: make(map[*Queue[rpc.Notification]]struct{}),
	}
}

// Default returns the session-wide queue read by NextNotification.
func (r *Router) Default() *Queue[rpc.Notification] {
	return r.def
}

// Bus returns the bus notifications are published on. May be nil.
func (r *Router) Bus() *Bus {
	return r.bus
}

// OpenQueue registers a new queue that receives every notification delivered
// from now on. Closing the queue unregisters it. On a closed router the
// queue is returned already closed.
func (r *Router) OpenQueue() *Queue[rpc.Notification] {
	q := NewQueue[rpc.Notification](0)
	q.onClose = func() { r.unregister(q) }

	r.mu.Lock()
	if r.closed {
		err := r.err
		r.mu.Unlock()
		q.CloseWithError(err)
		return q
	}
	r.queues[q] = struct{}{}
	r.mu.Unlock()
	return q
}

// Deliver routes n to all queues without blocking.
func (r *Router) Deliver(n rpc.Notification) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.log.Debug("notification after close dropped", "method", n.Method)
		return
	}
	targets := make([]*Queue[rpc.Notification], 0, len(r.queues))
	for q := range r.queues {
		targets = append(targets, q)
	}
	r.mu.Unlock()

	before := r.def.Dropped()
	r.def.Push(n)
	// Warn on the 1st, 2nd, 4th, 8th... drop.
	if dropped := r.def.Dropped(); dropped > before && dropped&(dropped-1) == 0 {
		r.log.Warn("default notification queue full, dropped oldest", "dropped", dropped)
	}
	for _, q := range targets {
		q.Push(n)
	}

	r.bus.Publish(TopicNotification, n)
}

// Close closes every queue with err. Items already buffered stay readable.
func (r *Router) Close(err error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.err = err
	targets := make([]*Queue[rpc.Notification], 0, len(r.queues))
	for q := range r.queues {
		targets = append(targets, q)
	}
	r.queues = make(map[*Queue[rpc.Notification]]struct{})
	r.mu.Unlock()

	r.def.CloseWithError(err)
	for _, q := range targets {
		q.CloseWithError(err)
	}
}

// OpenQueues returns the number of registered stream queues.
func (r *Router) OpenQueues() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queues)
}

func (r *Router) unregister(q *Queue[rpc.Notification]) {
	r.mu.Lock()
	delete(r.queues, q)
	r.mu.Unlock()
}
