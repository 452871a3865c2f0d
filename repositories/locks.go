package repositories

import "sync"

// writerLocks serializes the writers of one conversation so that they
// queue on a mutex instead of aborting each other with badger.ErrConflict.
// Entries are dropped once no writer holds or waits for them.
type writerLocks struct {
	mu    sync.Mutex
	locks map[string]*writerLock
}

type writerLock struct {
	sync.Mutex
	refs int
}

func newWriterLocks() *writerLocks {
	return &writerLocks{locks: make(map[string]*writerLock)}
}

// lock blocks until the key is free and returns its unlock function.
func (w *writerLocks) lock(key string) func() {
	w.mu.Lock()
	l, ok := w.locks[key]
	if !ok {
		l = &writerLock{}
		w.locks[key] = l
	}
	l.refs++
	w.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		w.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(w.locks, key)
		}
		w.mu.Unlock()
	}
}

func (w *writerLocks) size() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.locks)
}
