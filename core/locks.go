package core

import "sync"

// userLocks hands out one mutex per user id. Refresh and revoke tokens are
// single-use, so all transitions for one user must be serialized; locks for
// different users are independent.
type userLocks struct {
	mu    sync.Mutex
	locks map[int64]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

// lock acquires the per-user critical section and returns its release
// function. Entries are dropped once the last holder releases, keeping the
// map bounded by in-flight users rather than all users ever seen.
func (l *userLocks) lock(userID int64) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[int64]*userLock)
	}
	e, ok := l.locks[userID]
	if !ok {
		e = &userLock{}
		l.locks[userID] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.locks, userID)
		}
		l.mu.Unlock()
	}
}
