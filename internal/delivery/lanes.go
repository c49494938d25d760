package delivery

import "sync"

// laneLocks serialises state changes per lane. Entries are removed once no
// goroutine holds or waits for them.
type laneLocks struct {
	mu    sync.Mutex
	locks map[Lane]*laneLock
}

type laneLock struct {
	mu   sync.Mutex
	refs int
}

func newLaneLocks() *laneLocks {
	return &laneLocks{locks: make(map[Lane]*laneLock)}
}

// lock acquires the lane and returns its release function.
func (l *laneLocks) lock(lane Lane) func() {
	l.mu.Lock()
	lk, ok := l.locks[lane]
	if !ok {
		lk = &laneLock{}
		l.locks[lane] = lk
	}
	lk.refs++
	l.mu.Unlock()

	lk.mu.Lock()

	return func() {
		lk.mu.Unlock()

		l.mu.Lock()
		lk.refs--
		if lk.refs == 0 {
			delete(l.locks, lane)
		}
		l.mu.Unlock()
	}
}

func (l *laneLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
