package sessions

import "sync"

// Locker serializes turns per session. Entries are reference counted so the
// map does not grow with every session ever seen.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// NewLocker creates a session locker.
func NewLocker() *Locker {
	return &Locker{locks: make(map[string]*sessionLock)}
}

// Lock blocks until the session lock is held and returns the release func.
func (l *Locker) Lock(sessionID string) func() {
	l.mu.Lock()
	entry, ok := l.locks[sessionID]
	if !ok {
		entry = &sessionLock{}
		l.locks[sessionID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()

		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, sessionID)
		}
		l.mu.Unlock()
	}
}
