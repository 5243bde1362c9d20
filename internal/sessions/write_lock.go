package sessions

import (
	"context"
	"sync"

	"github.com/haasonsaas/nexus-core/internal/errs"
)

// writeLocks serialises store writes per session id. Entries are reference
// counted and dropped when the last holder or waiter leaves.
type writeLocks struct {
	mu    sync.Mutex
	locks map[string]*writeLock
}

type writeLock struct {
	ch   chan struct{}
	refs int
}

func newWriteLocks() *writeLocks {
	return &writeLocks{locks: make(map[string]*writeLock)}
}

// lock blocks until the write lock for id is held or ctx ends.
func (w *writeLocks) lock(ctx context.Context, id string) (unlock func(), err error) {
	w.mu.Lock()
	l, ok := w.locks[id]
	if !ok {
		l = &writeLock{ch: make(chan struct{}, 1)}
		w.locks[id] = l
	}
	l.refs++
	w.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		w.release(id, l)
		return nil, errs.FromContext(ctx, "sessions.lock")
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			w.release(id, l)
		})
	}, nil
}

func (w *writeLocks) release(id string, l *writeLock) {
	w.mu.Lock()
	defer w.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(w.locks, id)
	}
}
