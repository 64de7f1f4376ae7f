package deploy

import "sync"

// Locks serializes operations per aggregate id. Foreground operations wait
// with Lock; background reconciliation uses TryLock and skips busy ids.
type Locks struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// NewLocks creates an empty lock table.
func NewLocks() *Locks {
	return &Locks{locks: make(map[string]*lockEntry)}
}

// Lock blocks until id is free and returns the unlock function.
func (l *Locks) Lock(id string) func() {
	e := l.acquire(id)
	e.mu.Lock()
	return func() { l.release(id, e) }
}

// TryLock takes id if it is free. ok is false when another operation holds it.
func (l *Locks) TryLock(id string) (unlock func(), ok bool) {
	e := l.acquire(id)
	if !e.mu.TryLock() {
		l.drop(id, e)
		return nil, false
	}
	return func() { l.release(id, e) }, true
}

func (l *Locks) acquire(id string) *lockEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.locks[id]
	if !ok {
		e = &lockEntry{}
		l.locks[id] = e
	}
	e.refs++
	return e
}

func (l *Locks) release(id string, e *lockEntry) {
	e.mu.Unlock()
	l.drop(id, e)
}

func (l *Locks) drop(id string, e *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, id)
	}
}
