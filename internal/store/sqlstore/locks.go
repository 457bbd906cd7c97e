package sqlstore

import "sync"

// actorLocks is an in-process keyed mutex used where the database offers no
// advisory locks.
type actorLocks struct {
	mu    sync.Mutex
	locks map[string]*actorLock
}

type actorLock struct {
	sync.Mutex
	refs int
}

func newActorLocks() *actorLocks {
	return &actorLocks{locks: make(map[string]*actorLock)}
}

func (l *actorLocks) lock(actorID string) (unlock func()) {
	l.mu.Lock()
	al, ok := l.locks[actorID]
	if !ok {
		al = &actorLock{}
		l.locks[actorID] = al
	}
	al.refs++
	l.mu.Unlock()

	al.Lock()
	return func() {
		al.Unlock()
		l.mu.Lock()
		al.refs--
		if al.refs == 0 {
			delete(l.locks, actorID)
		}
		l.mu.Unlock()
	}
}
