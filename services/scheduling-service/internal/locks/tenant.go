// Package locks provides in-process mutual exclusion keyed by tenant.
package locks

import (
	"context"
	"sync"
)

type entry struct {
	ch   chan struct{}
	refs int
}

// Keyed serializes callers that share a key while leaving other keys independent.
// Idle keys are released, so memory tracks the number of keys in use.
type Keyed struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func NewKeyed() *Keyed {
	return &Keyed{entries: make(map[string]*entry)}
}

// Lock blocks until key is free or ctx is done. On success the caller must invoke the
// returned unlock exactly once.
func (k *Keyed) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			k.release(key, e)
		})
	}, nil
}

func (k *Keyed) release(key string, e *entry) {
	k.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
	k.mu.Unlock()
}

// Len reports how many keys are currently held or awaited.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
