// Package writelock provides per-upload mutual exclusion for writers.
// Locks never block: if another writer holds the key, Lock fails with
// ErrLocked and the caller decides whether to retry.
package writelock

import (
	"context"
	"errors"
	"sync"
)

var ErrLocked = errors.New("key is locked")

type Locker interface {
	// Lock takes an exclusive lock on key. The returned function releases
	// it and reports any error from the release.
	Lock(ctx context.Context, key string) (unlock func() error, err error)
}

// Local is an in-process Locker.
type Local struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocal() *Local {
	return &Local{
		held: make(map[string]struct{}),
	}
}

func (l *Local) Lock(ctx context.Context, key string) (func() error, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, held := l.held[key]; held {
		return nil, ErrLocked
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func() error {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
		return nil
	}, nil
}
