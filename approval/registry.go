package approval

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/zhubert/plural-codex/rpc"
)

// DefaultTimeout is how long a human approval may stay pending before it is
// answered with Denied.
const DefaultTimeout = 5 * time.Minute

var (
	// ErrNotFound is returned when resolving an id that is not pending,
	// including one that was already resolved.
	ErrNotFound = errors.New("approval request not found")

	// ErrDuplicate is returned when registering an id that is still pending.
	ErrDuplicate = errors.New("approval request already pending")
)

// Pending is an approval waiting for a decision. Exactly one decision is
// ever delivered; if none arrives the waiter sees Denied.
type Pending struct {
	Request Request
	Rule    Rule

	seq       uint64
	reg       *Registry
	decision  chan Decision
	abandoned chan struct{}
	settled   chan struct{}
	settleErr error
	once      sync.Once
}

// Wait blocks until a decision is resolved, the pending entry is abandoned,
// ctx is done or timeout elapses. It reports false when it fell back to
// Denied. A non-positive timeout waits without limit.
func (p *Pending) Wait(ctx context.Context, timeout time.Duration) (Decision, bool) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case d := <-p.decision:
		return d, true
	case <-p.abandoned:
	case <-ctx.Done():
	case <-expired:
	}

	// A Resolve racing the timeout wins if it already took the entry; its
	// decision is then guaranteed to arrive.
	if !p.reg.remove(p) {
		select {
		case d := <-p.decision:
			return d, true
		case <-p.abandoned:
		}
	}
	return Denied, false
}

// Settle records that the response for this approval has been written, or
// failed to be. Only the first call counts.
func (p *Pending) Settle(err error) {
	p.once.Do(func() {
		p.settleErr = err
		close(p.settled)
	})
}

// Settled is closed once Settle has been called.
func (p *Pending) Settled() <-chan struct{} {
	return p.settled
}

// Err returns the error passed to Settle.
func (p *Pending) Err() error {
	<-p.settled
	return p.settleErr
}

// Registry tracks approvals waiting on a human decision. It fails closed:
// anything never decided is answered Denied.
type Registry struct {
	log *slog.Logger

	mu      sync.Mutex
	pending map[rpc.RequestID]*Pending
	seq     uint64
}

// NewRegistry creates an empty registry.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:     log,
		pending: make(map[rpc.RequestID]*Pending),
	}
}

// Register records a pending approval.
func (r *Registry) Register(req Request, rule Rule) (*Pending, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pending[req.RequestID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, req.RequestID)
	}
	r.seq++
	p := &Pending{
		Request:   req,
		Rule:      rule,
		seq:       r.seq,
		reg:       r,
		decision:  make(chan Decision, 1),
		abandoned: make(chan struct{}),
		settled:   make(chan struct{}),
	}
	r.pending[req.RequestID] = p
	r.log.Debug("approval registered", "requestID", req.RequestID.String(), "method", req.Method)
	return p, nil
}

// Resolve removes the pending approval and delivers d to its waiter.
func (r *Registry) Resolve(id rpc.RequestID, d Decision) (*Pending, error) {
	if !d.Valid() {
		return nil, fmt.Errorf("invalid decision %q", d)
	}

	r.mu.Lock()
	p, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	p.decision <- d
	r.log.Debug("approval resolved", "requestID", id.String(), "decision", string(d))
	return p, nil
}

// AbandonAll drops every pending approval; their waiters fall back to
// Denied. It returns how many were dropped.
func (r *Registry) AbandonAll() int {
	r.mu.Lock()
	dropped := r.pending
	r.pending = make(map[rpc.RequestID]*Pending)
	r.mu.Unlock()

	for _, p := range dropped {
		close(p.abandoned)
	}
	if len(dropped) > 0 {
		r.log.Debug("approvals abandoned", "count", len(dropped))
	}
	return len(dropped)
}

// Len returns the number of pending approvals.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Requests returns the pending approval events in arrival order.
func (r *Registry) Requests() []Request {
	r.mu.Lock()
	list := make([]*Pending, 0, len(r.pending))
	for _, p := range r.pending {
		list = append(list, p)
	}
	r.mu.Unlock()

	slices.SortFunc(list, func(a, b *Pending) int { return cmp.Compare(a.seq, b.seq) })
	out := make([]Request, len(list))
	for i, p := range list {
		out[i] = p.Request
	}
	return out
}

// remove deletes p if it is still the entry for its id.
func (r *Registry) remove(p *Pending) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.pending[p.Request.RequestID]; ok && cur == p {
		delete(r.pending, p.Request.RequestID)
		return true
	}
	return false
}
