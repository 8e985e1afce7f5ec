package billing

import "sync"

// shopLocks hands out one mutex per shop id. Entries are dropped when no
// goroutine holds or waits on them.
type shopLocks struct {
	mu    sync.Mutex
	locks map[string]*shopLock
}

type shopLock struct {
	mu   sync.Mutex
	refs int
}

func newShopLocks() *shopLocks {
	return &shopLocks{locks: make(map[string]*shopLock)}
}

// lock blocks until the shop is free and returns the matching unlock.
func (l *shopLocks) lock(shopID string) func() {
	l.mu.Lock()
	sl, ok := l.locks[shopID]
	if !ok {
		sl = &shopLock{}
		l.locks[shopID] = sl
	}
	sl.refs++
	l.mu.Unlock()

	sl.mu.Lock()
	return func() {
		sl.mu.Unlock()
		l.mu.Lock()
		sl.refs--
		if sl.refs == 0 {
			delete(l.locks, shopID)
		}
		l.mu.Unlock()
	}
}
