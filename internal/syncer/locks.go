package syncer

import (
	"context"
	"sync"
)

type lockEntry struct {
	ch   chan struct{}
	refs int
}

// recordLocks hands out one exclusive, context-aware lock per record id.
// Entries are dropped once nobody holds or waits for them.
type recordLocks struct {
	mu sync.Mutex
	m  map[string]*lockEntry
}

func newRecordLocks() *recordLocks {
	return &recordLocks{m: make(map[string]*lockEntry)}
}

func (l *recordLocks) acquire(ctx context.Context, id string) (func(), error) {
	l.mu.Lock()
	e := l.m[id]
	if e == nil {
		e = &lockEntry{ch: make(chan struct{}, 1)}
		l.m[id] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
		return func() {
			<-e.ch
			l.unref(id, e)
		}, nil
	case <-ctx.Done():
		l.unref(id, e)
		return nil, ctx.Err()
	}
}

func (l *recordLocks) unref(id string, e *lockEntry) {
	l.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(l.m, id)
	}
	l.mu.Unlock()
}

func (l *recordLocks) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}
