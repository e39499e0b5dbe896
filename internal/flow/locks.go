package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrTurnInProgress is returned when a caller gave up waiting for another turn
// on the same session.
var ErrTurnInProgress = errors.New("another turn is in progress for this session")

// sessionLock is a mutex whose waiters can give up when their context ends.
type sessionLock struct {
	ch   chan struct{}
	refs int
}

// sessionLocks hands out one lock per session. Entries are dropped once no
// caller holds or waits on them.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: make(map[string]*sessionLock)}
}

// acquire blocks until the session lock is held or ctx ends. Waiters are
// served in arrival order as far as the runtime's channel scheduling allows.
func (s *sessionLocks) acquire(ctx context.Context, sessionID string) (func(), error) {
	s.mu.Lock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sessionLock{ch: make(chan struct{}, 1)}
		s.locks[sessionID] = l
	}
	l.refs++
	s.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		s.release(sessionID, l)
		return nil, fmt.Errorf("%w: %w", ErrTurnInProgress, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			s.release(sessionID, l)
		})
	}, nil
}

func (s *sessionLocks) release(sessionID string, l *sessionLock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(s.locks, sessionID)
	}
}

// size returns how many sessions currently have a lock entry.
func (s *sessionLocks) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}
