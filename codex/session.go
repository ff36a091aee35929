// Package codex is a client for `codex app-server`. A Session owns one
// connection, correlates requests with responses, answers approval requests
// and routes notifications to the streams that want them.
package codex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zhubert/plural-codex/approval"
	"github.com/zhubert/plural-codex/notify"
	"github.com/zhubert/plural-codex/rpc"
	"github.com/zhubert/plural-codex/transport"
)

// MaxConsecutiveProtocolErrors is how many malformed lines in a row end the
// session. A single bad line is logged and skipped.
const MaxConsecutiveProtocolErrors = 32

// Options configures a Session.
type Options struct {
	// SessionID tags log entries. Defaults to a fresh UUID.
	SessionID string

	// Process is used by Start to spawn the app-server.
	Process transport.ProcessConfig

	// ClientInfo is sent with initialize.
	ClientInfo ClientInfo

	// Policy decides how server approval requests are answered. Defaults
	// to approval.DefaultPolicy.
	Policy *approval.Policy

	// Bus receives UI events. A private bus is created when nil.
	Bus *notify.Bus

	// RequestTimeout bounds each call on top of the caller's context.
	// Zero means no bound.
	RequestTimeout time.Duration

	// ApprovalTimeout is how long a human approval may stay pending before
	// it is answered Denied. Defaults to approval.DefaultTimeout; negative
	// waits forever.
	ApprovalTimeout time.Duration

	// QueueLimit bounds the queue read by NextNotification. Defaults to
	// notify.DefaultQueueLimit; negative means unbounded.
	QueueLimit int

	Logger *slog.Logger

	// NewID generates outbound request ids. Defaults to rpc.NewID.
	NewID func() rpc.RequestID
}

// DefaultClientInfo is sent when Options.ClientInfo is empty.
var DefaultClientInfo = ClientInfo{
	Name:    "plural-codex",
	Title:   "Plural Codex",
	Version: "0.1.0",
}

// Session is a live connection to one app-server. All methods are safe for
// concurrent use.
type Session struct {
	id        string
	opts      Options
	conn      transport.Conn
	log       *slog.Logger
	approvals *approval.Registry
	router    *notify.Router
	bus       *notify.Bus

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[rpc.RequestID]*pendingCall
	closed  bool
	err     error

	done       chan struct{}
	readerDone chan struct{}
	handlers   sync.WaitGroup
}

type pendingCall struct {
	method string
	ch     chan callResult
}

type callResult struct {
	raw json.RawMessage
	err error
}

// NewSession wraps an established connection and starts its reader. It
// sends nothing; Start also performs the initialize handshake.
func NewSession(conn transport.Conn, opts Options) *Session {
	if opts.SessionID == "" {
		opts.SessionID = rpc.NewID().String()
	}
	if opts.Policy == nil {
		opts.Policy = approval.DefaultPolicy()
	}
	if opts.Bus == nil {
		opts.Bus = notify.NewBus()
	}
	if opts.ApprovalTimeout == 0 {
		opts.ApprovalTimeout = approval.DefaultTimeout
	}
	switch {
	case opts.QueueLimit == 0:
		opts.QueueLimit = notify.DefaultQueueLimit
	case opts.QueueLimit < 0:
		opts.QueueLimit = 0
	}
	if opts.NewID == nil {
		opts.NewID = rpc.NewID
	}
	if opts.ClientInfo.Name == "" {
		opts.ClientInfo = DefaultClientInfo
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("sessionID", opts.SessionID)

	s := &Session{
		id:         opts.SessionID,
		opts:       opts,
		conn:       conn,
		log:        log,
		approvals:  approval.NewRegistry(log.With("component", "approval")),
		router:     notify.NewRouter(opts.Bus, opts.QueueLimit, log.With("component", "notify")),
		bus:        opts.Bus,
		pending:    make(map[rpc.RequestID]*pendingCall),
		done:       make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	go s.readLoop()
	return s
}

// Start spawns the app-server described by opts.Process and performs the
// initialize handshake. On failure the child is stopped.
func Start(ctx context.Context, opts Options) (*Session, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	proc, err := transport.Spawn(opts.Process, log.With("component", "transport"))
	if err != nil {
		return nil, err
	}

	s := NewSession(proc, opts)
	info, err := s.Initialize(ctx)
	if err != nil {
		s.Close()
		if tail := proc.StderrTail(); tail != "" {
			return nil, fmt.Errorf("failed to initialize codex app-server: %w (stderr: %s)", err, tail)
		}
		return nil, fmt.Errorf("failed to initialize codex app-server: %w", err)
	}
	s.log.Info("codex app-server ready", "pid", proc.Pid(), "userAgent", info.UserAgent)
	return s, nil
}

// ID returns the session id used in logs.
func (s *Session) ID() string {
	return s.id
}

// Bus returns the bus UI events are published on.
func (s *Session) Bus() *notify.Bus {
	return s.bus
}

// Subscribe subscribes to session events whose topic starts with prefix.
func (s *Session) Subscribe(prefix string) *notify.Subscription {
	return s.bus.Subscribe(prefix)
}

// Done is closed when the session has ended.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the DisconnectedError that ended the session, or nil while it
// is live.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Alive reports whether the session can still carry requests.
func (s *Session) Alive() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Close ends the session. Pending calls fail with ErrDisconnected, pending
// approvals are answered Denied where the transport still allows it, and
// the app-server is stopped.
func (s *Session) Close() error {
	s.fail(ErrSessionClosed)
	<-s.readerDone
	s.handlers.Wait()
	return nil
}

func (s *Session) readLoop() {
	defer close(s.readerDone)

	malformed := 0
	for {
		line, err := s.conn.ReadLine()
		if err != nil {
			s.fail(err)
			return
		}

		msg, err := rpc.Decode(line)
		if err != nil {
			malformed++
			s.log.Warn("dropping malformed line", "error", err, "consecutive", malformed)
			if malformed >= MaxConsecutiveProtocolErrors {
				s.fail(fmt.Errorf("%d consecutive malformed lines: %w", malformed, err))
				return
			}
			continue
		}
		malformed = 0
		s.dispatch(msg)
	}
}

func (s *Session) dispatch(msg rpc.Message) {
	switch m := msg.(type) {
	case *rpc.Response:
		s.resolve(m.ID, callResult{raw: m.Result})
	case *rpc.ErrorResponse:
		if m.ID.IsZero() {
			// e.g. a parse error on a line the server could not read
			s.log.Warn("server error without request id", "code", m.Error.Code, "message", m.Error.Message)
			return
		}
		s.resolve(m.ID, callResult{err: &RequestError{ID: m.ID, Err: m.Error}})
	case *rpc.Notification:
		s.log.Debug("notification", "method", m.Method)
		s.router.Deliver(*m)
	case *rpc.Request:
		s.handleServerRequest(m)
	}
}

// resolve hands a reply to its waiter. Replies with no waiter, including
// ones for abandoned calls, are dropped.
func (s *Session) resolve(id rpc.RequestID, res callResult) {
	s.mu.Lock()
	pc, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()

	if !ok {
		s.log.Warn("dropping response with no pending request", "id", id.String())
		return
	}
	var rerr *RequestError
	if errors.As(res.err, &rerr) {
		rerr.Method = pc.method
	}
	pc.ch <- res
}

// send encodes and writes one message. A write failure ends the session.
func (s *Session) send(msg rpc.Message) error {
	data, err := rpc.Encode(msg)
	if err != nil {
		return err
	}
	if err := s.conn.WriteLine(data); err != nil {
		s.fail(fmt.Errorf("write failed: %w", err))
		return s.Err()
	}
	return nil
}

// fail ends the session once. Every waiter is released with the same
// DisconnectedError.
func (s *Session) fail(cause error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	derr := &DisconnectedError{Cause: cause}
	s.err = derr
	pending := s.pending
	s.pending = make(map[rpc.RequestID]*pendingCall)
	s.mu.Unlock()

	if errors.Is(cause, ErrSessionClosed) {
		s.log.Info("session closing", "pendingCalls", len(pending))
	} else {
		s.log.Error("session disconnected", "error", cause, "pendingCalls", len(pending))
	}

	for _, pc := range pending {
		pc.ch <- callResult{err: derr}
	}
	s.cancel()
	if n := s.approvals.AbandonAll(); n > 0 {
		s.log.Warn("abandoned pending approvals", "count", n)
	}
	s.router.Close(derr)
	s.bus.Publish(notify.TopicDisconnected, derr)

	if err := s.conn.Close(); err != nil {
		s.log.Debug("error closing transport", "error", err)
	}
	close(s.done)
}
