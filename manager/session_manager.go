// Package manager keeps app-server sessions keyed by caller id, spawning
// them lazily and replacing ones that have died.
package manager

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/zhubert/plural-codex/codex"
	"github.com/zhubert/plural-codex/logger"
	"github.com/zhubert/plural-codex/notify"
)

// ErrShutdown is returned by Get after Shutdown.
var ErrShutdown = errors.New("session manager shut down")

// SessionFactory creates and initializes a session for key.
// This allows tests to inject sessions over in-memory connections.
type SessionFactory func(ctx context.Context, key string, bus *notify.Bus) (*codex.Session, error)

// entry is one slot in the table. ready is closed once session or err is set.
type entry struct {
	ready   chan struct{}
	session *codex.Session
	err     error
	// cancelled is set when the spawn failed because the spawning caller's
	// context ended; other waiters retry with their own.
	cancelled bool
}

// SessionManager owns one session per key. Every session publishes on the
// manager's bus so observers subscribe once.
type SessionManager struct {
	factory SessionFactory
	bus     *notify.Bus

	mu       sync.Mutex // Protects sessions and shutdown
	sessions map[string]*entry
	shutdown bool
}

// NewSessionManager creates a manager that spawns sessions with factory.
func NewSessionManager(factory SessionFactory) *SessionManager {
	return &SessionManager{
		factory:  factory,
		bus:      notify.NewBus(),
		sessions: make(map[string]*entry),
	}
}

// Bus returns the bus every managed session publishes on.
func (sm *SessionManager) Bus() *notify.Bus {
	return sm.bus
}

// Get returns the live session for key, spawning one if there is none or
// the previous one has disconnected. Concurrent callers for the same key
// share one spawn.
func (sm *SessionManager) Get(ctx context.Context, key string) (*codex.Session, error) {
	log := logger.WithSession(key)

	for {
		sm.mu.Lock()
		if sm.shutdown {
			sm.mu.Unlock()
			return nil, ErrShutdown
		}
		e, exists := sm.sessions[key]
		if !exists {
			e = &entry{ready: make(chan struct{})}
			sm.sessions[key] = e
			sm.mu.Unlock()
			return sm.spawn(ctx, key, e)
		}
		sm.mu.Unlock()

		select {
		case <-e.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		if e.err == nil && e.session.Alive() {
			log.Debug("reusing existing session")
			return e.session, nil
		}

		// Dead or failed: clear the slot if nobody has replaced it yet.
		sm.mu.Lock()
		if sm.sessions[key] == e {
			delete(sm.sessions, key)
			if e.session != nil {
				log.Info("replacing disconnected session", "error", e.session.Err())
			}
		}
		sm.mu.Unlock()
		if e.cancelled && ctx.Err() == nil {
			log.Debug("spawning caller gave up, retrying")
			continue
		}
		if e.err != nil {
			return nil, e.err
		}
	}
}

func (sm *SessionManager) spawn(ctx context.Context, key string, e *entry) (*codex.Session, error) {
	log := logger.WithSession(key)
	log.Debug("creating new session")

	session, err := sm.factory(ctx, key, sm.bus)
	if err != nil {
		e.err = fmt.Errorf("session %s: %w", key, err)
		e.cancelled = ctx.Err() != nil
		close(e.ready)

		sm.mu.Lock()
		if sm.sessions[key] == e {
			delete(sm.sessions, key)
		}
		sm.mu.Unlock()

		log.Warn("failed to start session", "error", err)
		return nil, e.err
	}

	e.session = session
	close(e.ready)

	sm.mu.Lock()
	stale := sm.shutdown
	sm.mu.Unlock()
	if stale {
		session.Close()
		return nil, ErrShutdown
	}

	log.Info("session ready")
	return session, nil
}

// Do runs fn with the ready session for key. If fn fails because the
// session disconnected, the session is dropped so the next call respawns.
func (sm *SessionManager) Do(ctx context.Context, key string, fn func(*codex.Session) error) error {
	s, err := sm.Get(ctx, key)
	if err != nil {
		return err
	}
	err = fn(s)
	if errors.Is(err, codex.ErrDisconnected) {
		sm.evict(key, s)
	}
	return err
}

// Lookup returns the session for key without spawning. ok is false if there
// is none, it is still starting, or it has died.
func (sm *SessionManager) Lookup(key string) (*codex.Session, bool) {
	sm.mu.Lock()
	e, exists := sm.sessions[key]
	sm.mu.Unlock()
	if !exists {
		return nil, false
	}
	select {
	case <-e.ready:
	default:
		return nil, false
	}
	if e.err != nil || !e.session.Alive() {
		return nil, false
	}
	return e.session, true
}

// Keys returns the keys with a session, starting or started, sorted.
func (sm *SessionManager) Keys() []string {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	keys := make([]string, 0, len(sm.sessions))
	for k := range sm.sessions {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// evict removes s from the table if it is still the session for key.
func (sm *SessionManager) evict(key string, s *codex.Session) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if e, ok := sm.sessions[key]; ok && e.session == s {
		delete(sm.sessions, key)
		logger.WithSession(key).Info("evicted session", "error", s.Err())
	}
}

// CloseSession closes and forgets the session for key. It reports whether
// there was one.
func (sm *SessionManager) CloseSession(key string) bool {
	sm.mu.Lock()
	e, exists := sm.sessions[key]
	if exists {
		delete(sm.sessions, key)
	}
	sm.mu.Unlock()
	if !exists {
		return false
	}

	<-e.ready
	if e.session != nil {
		logger.WithSession(key).Debug("closing session")
		e.session.Close()
	}
	return true
}

// Shutdown closes every session. Later Gets fail with ErrShutdown.
func (sm *SessionManager) Shutdown() {
	sm.mu.Lock()
	sm.shutdown = true
	entries := sm.sessions
	sm.sessions = make(map[string]*entry)
	sm.mu.Unlock()

	log := logger.WithComponent("SessionManager")
	log.Info("shutting down all sessions", "count", len(entries))

	var wg sync.WaitGroup
	for key, e := range entries {
		wg.Go(func() {
			<-e.ready
			if e.session != nil {
				logger.WithSession(key).Debug("stopping session")
				e.session.Close()
			}
		})
	}
	wg.Wait()
	log.Info("shutdown complete")
}
